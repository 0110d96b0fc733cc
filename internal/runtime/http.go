package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/happyvocals/vocalbox/internal/pipeline"
	"github.com/happyvocals/vocalbox/internal/store"
)

type settingsRequest struct {
	OpenAIAPIKey string `json:"openai_api_key"`
	VoiceAPIKey  string `json:"voice_api_key"`
}

type runRequest struct {
	PDFPath     string `json:"pdf_path"`
	StylePrompt string `json:"style_prompt"`
	VoiceName   string `json:"voice_name"`
}

type addVoiceRequest struct {
	Name       string `json:"name"`
	SamplePath string `json:"sample_path"`
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("PUT /v1/settings", r.handlePutSettings)
	mux.HandleFunc("GET /v1/status", r.handleStatus)
	mux.HandleFunc("POST /v1/runs", r.handleCreateRun)
	mux.HandleFunc("GET /v1/runs", r.handleListRuns)
	mux.HandleFunc("GET /v1/runs/{id}", r.handleGetRun)
	mux.HandleFunc("GET /v1/voices", r.handleListVoices)
	mux.HandleFunc("POST /v1/voices/refresh", r.handleRefreshVoices)
	mux.HandleFunc("POST /v1/voices", r.handleAddVoice)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !r.ready.Load() || !r.busClient.Healthy() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	return mux
}

// handlePutSettings stores API keys. Keys are write-only: no endpoint
// ever returns a stored value.
func (r *Runtime) handlePutSettings(w http.ResponseWriter, req *http.Request) {
	var body settingsRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if key := strings.TrimSpace(body.OpenAIAPIKey); key != "" {
		if err := r.store.SetSetting(req.Context(), store.SettingOpenAIKey, key); err != nil {
			r.logger.Error("failed to save setting", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to save settings")
			return
		}
	}
	if key := strings.TrimSpace(body.VoiceAPIKey); key != "" {
		if err := r.store.SetSetting(req.Context(), store.SettingVoiceKey, key); err != nil {
			r.logger.Error("failed to save setting", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to save settings")
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.loop.snapshot())
}

func (r *Runtime) handleCreateRun(w http.ResponseWriter, req *http.Request) {
	var body runRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	state := r.loop.snapshot()
	runID, err := r.orch.Trigger(req.Context(), pipeline.RunRequest{
		PDFPath:     body.PDFPath,
		StylePrompt: body.StylePrompt,
		VoiceName:   body.VoiceName,
		Voices:      state.Voices,
	})
	if err != nil {
		var verr pipeline.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusUnprocessableEntity, verr.Error())
			return
		}
		r.logger.Error("failed to start run", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}

	// The busy indicator is set by the run.started subscription, never
	// here: the started and terminal events share one connection, so
	// the loop always applies them in that order.
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (r *Runtime) handleListRuns(w http.ResponseWriter, req *http.Request) {
	limit := 0
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	runs, err := r.store.ListRuns(req.Context(), limit)
	if err != nil {
		r.logger.Error("failed to list runs", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (r *Runtime) handleGetRun(w http.ResponseWriter, req *http.Request) {
	id, err := strconv.ParseInt(req.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "run id must be an integer")
		return
	}

	run, err := r.store.GetRun(req.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		r.logger.Error("failed to load run", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (r *Runtime) handleListVoices(w http.ResponseWriter, req *http.Request) {
	voices, err := r.store.ListVoices(req.Context())
	if err != nil {
		r.logger.Error("failed to list voices", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list voices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"voices": voices})
}

// handleRefreshVoices kicks off a reconcile against the remote catalog.
// The work runs on the runtime's context so it survives the request.
func (r *Runtime) handleRefreshVoices(w http.ResponseWriter, _ *http.Request) {
	r.refreshVoicesAsync(r.baseCtx)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refreshing"})
}

func (r *Runtime) handleAddVoice(w http.ResponseWriter, req *http.Request) {
	var body addVoiceRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		writeError(w, http.StatusUnprocessableEntity, "voice name must not be empty")
		return
	}
	if strings.TrimSpace(body.SamplePath) == "" {
		writeError(w, http.StatusUnprocessableEntity, "sample_path must not be empty")
		return
	}

	r.addVoiceAsync(r.baseCtx, strings.TrimSpace(body.Name), strings.TrimSpace(body.SamplePath))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cloning"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
