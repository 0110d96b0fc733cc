package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/happyvocals/vocalbox/internal/bus"
	"github.com/happyvocals/vocalbox/internal/catalog"
	"github.com/happyvocals/vocalbox/internal/config"
	"github.com/happyvocals/vocalbox/internal/extract"
	"github.com/happyvocals/vocalbox/internal/natsserver"
	"github.com/happyvocals/vocalbox/internal/pipeline"
	"github.com/happyvocals/vocalbox/internal/protocol"
	"github.com/happyvocals/vocalbox/internal/store"
	"github.com/happyvocals/vocalbox/internal/summarize"
	"github.com/happyvocals/vocalbox/internal/voice"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	store       *store.Store
	catalog     *catalog.Manager
	orch        *pipeline.Orchestrator
	busClient   *bus.Client
	embedded    *natsserver.EmbeddedServer
	loop        *interactionLoop
	httpServer  *http.Server
	metrics     *http.Server
	tracerClose func(context.Context) error
	baseCtx     context.Context
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		loop:   newInteractionLoop(logger),
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.baseCtx = ctx

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		r.teardown()
		return err
	}
	r.embedded = embedded

	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		busCfg.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", busCfg.Port)}
	}
	busClient, err := bus.Connect(busCfg, r.logger)
	if err != nil {
		r.teardown()
		return err
	}
	r.busClient = busClient

	st, err := store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		r.teardown()
		return err
	}
	r.store = st

	r.seedSecretsFromEnv(ctx)

	voiceClient := voice.NewElevenClient(r.cfg.Voice)
	r.catalog = catalog.NewManager(st, voiceClient, r.logger)
	r.orch = pipeline.NewOrchestrator(ctx, r.cfg.Outputs, st,
		extract.NewPDFExtractor(),
		summarize.NewOpenAISummarizer(r.cfg.Summarizer),
		voiceClient,
		busClient.Conn(),
		r.logger)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop.run(ctx)
	}()

	subs, err := r.subscribe()
	if err != nil {
		cancel()
		r.orch.Close()
		r.wg.Wait()
		r.teardown()
		return fmt.Errorf("subscribe bus events: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if metricHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricHandler)
		r.metrics = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	// Load the voice catalog the way the interaction surface expects on
	// startup: from the service when a key is stored, from the cache
	// otherwise.
	r.refreshVoicesAsync(ctx)

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metrics != nil {
		if err := r.metrics.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}

	r.orch.Close()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	r.wg.Wait()
	r.teardown()

	return nil
}

// teardown releases the shared resources in reverse start order. Safe
// against components that never came up.
func (r *Runtime) teardown() {
	r.busClient.Close()
	r.embedded.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("store close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

// seedSecretsFromEnv persists API keys supplied through the environment
// so they behave exactly like keys entered through the settings API:
// entered once, stored in the settings table.
func (r *Runtime) seedSecretsFromEnv(ctx context.Context) {
	for env, key := range map[string]string{
		"VOCALBOX_OPENAI_API_KEY": store.SettingOpenAIKey,
		"VOCALBOX_VOICE_API_KEY":  store.SettingVoiceKey,
	} {
		if value := strings.TrimSpace(os.Getenv(env)); value != "" {
			if err := r.store.SetSetting(ctx, key, value); err != nil {
				r.logger.Warn("failed to seed setting from env",
					slog.String("key", key), slog.String("error", err.Error()))
			}
		}
	}
}

// subscribe wires bus events into the interaction loop. The callbacks
// only decode and enqueue; every observable mutation happens on the
// loop goroutine.
func (r *Runtime) subscribe() ([]*nats.Subscription, error) {
	conn := r.busClient.Conn()
	var subs []*nats.Subscription

	sub, err := conn.Subscribe(protocol.SubjectRunStarted, func(msg *nats.Msg) {
		var started protocol.RunStarted
		if err := json.Unmarshal(msg.Data, &started); err != nil {
			r.logger.Warn("failed to decode run start", slog.String("error", err.Error()))
			return
		}
		r.loop.apply(func(s *SessionState) {
			s.Busy = true
			s.Status = "Summarizing and generating audio..."
		})
	})
	if err != nil {
		return nil, err
	}
	subs = append(subs, sub)

	sub, err = conn.Subscribe(protocol.SubjectRunStatus, func(msg *nats.Msg) {
		var status protocol.RunStatus
		if err := json.Unmarshal(msg.Data, &status); err != nil {
			r.logger.Warn("failed to decode run status", slog.String("error", err.Error()))
			return
		}
		r.loop.apply(func(s *SessionState) {
			s.Status = fmt.Sprintf("Running (%s)...", status.Stage)
		})
	})
	if err != nil {
		return nil, err
	}
	subs = append(subs, sub)

	sub, err = conn.Subscribe(protocol.SubjectRunCompleted, func(msg *nats.Msg) {
		var completed protocol.RunCompleted
		if err := json.Unmarshal(msg.Data, &completed); err != nil {
			r.logger.Warn("failed to decode run completion", slog.String("error", err.Error()))
			return
		}
		r.loop.apply(func(s *SessionState) {
			s.Busy = false
			s.Status = "Done. Audio generated."
			s.LastRecordID = completed.RecordID
			s.LastSummary = completed.SummaryText
			s.LastAudioPath = completed.AudioPath
		})
	})
	if err != nil {
		return nil, err
	}
	subs = append(subs, sub)

	sub, err = conn.Subscribe(protocol.SubjectRunFailed, func(msg *nats.Msg) {
		var failed protocol.RunFailed
		if err := json.Unmarshal(msg.Data, &failed); err != nil {
			r.logger.Warn("failed to decode run failure", slog.String("error", err.Error()))
			return
		}
		r.loop.apply(func(s *SessionState) {
			s.Busy = false
			s.Status = "Error: " + failed.Detail
		})
	})
	if err != nil {
		return nil, err
	}
	subs = append(subs, sub)

	sub, err = conn.Subscribe(protocol.SubjectCatalogUpdated, func(msg *nats.Msg) {
		var updated protocol.CatalogUpdated
		if err := json.Unmarshal(msg.Data, &updated); err != nil {
			r.logger.Warn("failed to decode catalog update", slog.String("error", err.Error()))
			return
		}
		r.loop.apply(func(s *SessionState) {
			s.Voices = updated.Voices
			s.Status = "Voices loaded."
		})
	})
	if err != nil {
		return nil, err
	}
	subs = append(subs, sub)

	sub, err = conn.Subscribe(protocol.SubjectCatalogError, func(msg *nats.Msg) {
		var catErr protocol.CatalogError
		if err := json.Unmarshal(msg.Data, &catErr); err != nil {
			r.logger.Warn("failed to decode catalog error", slog.String("error", err.Error()))
			return
		}
		r.loop.apply(func(s *SessionState) {
			s.Status = fmt.Sprintf("Voice %s error: %s", catErr.Operation, catErr.Detail)
		})
	})
	if err != nil {
		return nil, err
	}
	subs = append(subs, sub)

	return subs, nil
}

func (r *Runtime) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Warn("failed to marshal event", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if err := r.busClient.Conn().Publish(subject, data); err != nil {
		r.logger.Warn("failed to publish event", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

// refreshVoicesAsync reconciles against the remote catalog when a voice
// key is stored, and falls back to the local cache otherwise. Either
// way the fresh mapping arrives through the bus.
func (r *Runtime) refreshVoicesAsync(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		apiKey, err := r.store.GetSetting(ctx, store.SettingVoiceKey)
		if err != nil {
			r.publish(protocol.SubjectCatalogError, protocol.CatalogError{
				Operation: "refresh", Detail: err.Error(), Timestamp: time.Now().UTC(),
			})
			return
		}

		var mapping map[string]string
		if strings.TrimSpace(apiKey) != "" {
			mapping, err = r.catalog.Reconcile(ctx, strings.TrimSpace(apiKey))
		} else {
			mapping, err = r.catalog.Cached(ctx)
		}
		if err != nil {
			r.publish(protocol.SubjectCatalogError, protocol.CatalogError{
				Operation: "refresh", Detail: err.Error(), Timestamp: time.Now().UTC(),
			})
			return
		}
		r.publish(protocol.SubjectCatalogUpdated, protocol.CatalogUpdated{
			Voices: mapping, Timestamp: time.Now().UTC(),
		})
	}()
}

func (r *Runtime) addVoiceAsync(ctx context.Context, name, samplePath string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		apiKey, err := r.store.GetSetting(ctx, store.SettingVoiceKey)
		if err == nil && strings.TrimSpace(apiKey) == "" {
			err = fmt.Errorf("no voice service API key configured")
		}
		if err != nil {
			r.publish(protocol.SubjectCatalogError, protocol.CatalogError{
				Operation: "add", Detail: err.Error(), Timestamp: time.Now().UTC(),
			})
			return
		}

		if _, err := r.catalog.Add(ctx, strings.TrimSpace(apiKey), name, samplePath); err != nil {
			r.publish(protocol.SubjectCatalogError, protocol.CatalogError{
				Operation: "add", Detail: err.Error(), Timestamp: time.Now().UTC(),
			})
			return
		}
		mapping, err := r.catalog.Cached(ctx)
		if err != nil {
			r.publish(protocol.SubjectCatalogError, protocol.CatalogError{
				Operation: "add", Detail: err.Error(), Timestamp: time.Now().UTC(),
			})
			return
		}
		r.publish(protocol.SubjectCatalogUpdated, protocol.CatalogUpdated{
			Voices: mapping, Timestamp: time.Now().UTC(),
		})
	}()
}
