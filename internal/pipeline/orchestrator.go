// Package pipeline drives one end-to-end run: extraction, summarization,
// speech synthesis and persistence, executed strictly in order on a
// background worker. Results come back only as bus events; the worker
// never mutates observable state itself.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/happyvocals/vocalbox/internal/config"
	"github.com/happyvocals/vocalbox/internal/extract"
	"github.com/happyvocals/vocalbox/internal/protocol"
	"github.com/happyvocals/vocalbox/internal/store"
	"github.com/happyvocals/vocalbox/internal/summarize"
	"github.com/happyvocals/vocalbox/internal/voice"
)

// ValidationError rejects a run request before any background work
// starts. It is always returned synchronously to the caller.
type ValidationError string

func (e ValidationError) Error() string { return string(e) }

// Publisher is the hand-off channel for worker results. *nats.Conn
// satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// RunRequest carries everything a run needs. Voices is the current
// name to id mapping, passed explicitly by the caller rather than read
// from ambient state.
type RunRequest struct {
	PDFPath     string
	StylePrompt string
	VoiceName   string
	Voices      map[string]string
}

type Orchestrator struct {
	outputs    config.OutputsConfig
	store      *store.Store
	extractor  extract.Extractor
	summarizer summarize.Summarizer
	voices     voice.Client
	pub        Publisher
	logger     *slog.Logger
	tracer     trace.Tracer
	succeeded  metric.Int64Counter
	failed     metric.Int64Counter
	busy       atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	clock      func() time.Time
}

func NewOrchestrator(parent context.Context, outputs config.OutputsConfig, st *store.Store,
	ex extract.Extractor, sum summarize.Summarizer, vc voice.Client,
	pub Publisher, logger *slog.Logger) *Orchestrator {

	ctx, cancel := context.WithCancel(parent)
	o := &Orchestrator{
		outputs:    outputs,
		store:      st,
		extractor:  ex,
		summarizer: sum,
		voices:     vc,
		pub:        pub,
		logger:     logger.With(slog.String("component", "pipeline")),
		tracer:     otel.Tracer("vocalbox/pipeline"),
		ctx:        ctx,
		cancel:     cancel,
		clock:      time.Now,
	}

	meter := otel.Meter("vocalbox/pipeline")
	var err error
	if o.succeeded, err = meter.Int64Counter("pipeline_runs_succeeded_total"); err != nil {
		o.logger.Warn("failed to create success counter", slog.String("error", err.Error()))
	}
	if o.failed, err = meter.Int64Counter("pipeline_runs_failed_total"); err != nil {
		o.logger.Warn("failed to create failure counter", slog.String("error", err.Error()))
	}
	return o
}

// Close stops accepting work and waits for an in-flight run to finish.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// Busy reports whether a run is currently in flight.
func (o *Orchestrator) Busy() bool { return o.busy.Load() }

// Trigger validates the request synchronously and, when every
// precondition holds, launches the run on a background worker. It
// returns the run correlation id, or a ValidationError with no side
// effects and no network calls.
func (o *Orchestrator) Trigger(ctx context.Context, req RunRequest) (string, error) {
	if !o.busy.CompareAndSwap(false, true) {
		return "", ValidationError("a run is already in progress")
	}

	ok := false
	defer func() {
		if !ok {
			o.busy.Store(false)
		}
	}()

	info, err := os.Stat(req.PDFPath)
	if err != nil || info.IsDir() {
		return "", ValidationError("select a valid PDF file")
	}
	if strings.TrimSpace(req.StylePrompt) == "" {
		return "", ValidationError("enter a summary style prompt")
	}

	openaiKey, err := o.store.GetSetting(ctx, store.SettingOpenAIKey)
	if err != nil {
		return "", fmt.Errorf("read settings: %w", err)
	}
	if strings.TrimSpace(openaiKey) == "" {
		return "", ValidationError("add your OpenAI API key in settings")
	}
	voiceKey, err := o.store.GetSetting(ctx, store.SettingVoiceKey)
	if err != nil {
		return "", fmt.Errorf("read settings: %w", err)
	}
	if strings.TrimSpace(voiceKey) == "" {
		return "", ValidationError("add your voice service API key in settings")
	}

	voiceName := strings.TrimSpace(req.VoiceName)
	voiceID, found := req.Voices[voiceName]
	if voiceName == "" || !found {
		return "", ValidationError("select a known voice")
	}

	if err := os.MkdirAll(o.outputs.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create outputs dir: %w", err)
	}
	outPath := filepath.Join(o.outputs.Dir, fmt.Sprintf("summary_%d.mp3", o.clock().Unix()))

	runID := uuid.NewString()
	ok = true
	// Published before the worker starts, on the same connection as the
	// terminal events, so consumers always see started before
	// completed or failed.
	o.publish(protocol.SubjectRunStarted, protocol.RunStarted{
		RunID:     runID,
		Timestamp: o.clock().UTC(),
	})
	o.wg.Add(1)
	go o.execute(runID, req, voiceName, voiceID,
		strings.TrimSpace(openaiKey), strings.TrimSpace(voiceKey), outPath)
	return runID, nil
}

// execute runs the stages in fixed order. A stage's full output is the
// next stage's sole input; the first failure aborts the rest.
func (o *Orchestrator) execute(runID string, req RunRequest, voiceName, voiceID, openaiKey, voiceKey, outPath string) {
	defer o.wg.Done()
	defer o.busy.Store(false)

	ctx, span := o.tracer.Start(o.ctx, "pipeline.run",
		trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	o.publishStatus(runID, "extract")
	text, err := o.stageExtract(ctx, req.PDFPath)
	if err != nil {
		o.fail(runID, "extract", err)
		return
	}

	o.publishStatus(runID, "summarize")
	summary, err := o.stageSummarize(ctx, openaiKey, text, req.StylePrompt)
	if err != nil {
		o.fail(runID, "summarize", err)
		return
	}

	o.publishStatus(runID, "synthesize")
	if err := o.stageSynthesize(ctx, voiceKey, voiceID, summary, outPath); err != nil {
		o.fail(runID, "synthesize", err)
		return
	}

	o.publishStatus(runID, "persist")
	recordID, err := o.store.InsertRun(ctx, store.Run{
		PDFPath:     req.PDFPath,
		StylePrompt: req.StylePrompt,
		VoiceID:     voiceID,
		VoiceName:   voiceName,
		SummaryText: summary,
		AudioPath:   outPath,
	})
	if err != nil {
		// A run without a persisted record did not happen. The audio
		// file stays on disk; it is never surfaced as a result.
		o.fail(runID, "persist", fmt.Errorf("persist run: %w", err))
		return
	}

	if o.succeeded != nil {
		o.succeeded.Add(ctx, 1)
	}
	o.logger.Info("run completed",
		slog.String("run_id", runID),
		slog.Int64("record_id", recordID),
		slog.String("audio_path", outPath))
	o.publish(protocol.SubjectRunCompleted, protocol.RunCompleted{
		RunID:       runID,
		RecordID:    recordID,
		SummaryText: summary,
		AudioPath:   outPath,
		Timestamp:   o.clock().UTC(),
	})
}

func (o *Orchestrator) stageExtract(ctx context.Context, path string) (string, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.extract")
	defer span.End()
	text, err := o.extractor.Extract(ctx, path)
	if err != nil {
		return "", fmt.Errorf("extract text: %w", err)
	}
	return text, nil
}

func (o *Orchestrator) stageSummarize(ctx context.Context, apiKey, text, stylePrompt string) (string, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.summarize")
	defer span.End()
	return o.summarizer.Summarize(ctx, apiKey, text, stylePrompt)
}

func (o *Orchestrator) stageSynthesize(ctx context.Context, apiKey, voiceID, text, outPath string) error {
	ctx, span := o.tracer.Start(ctx, "pipeline.synthesize")
	defer span.End()
	return o.voices.Synthesize(ctx, apiKey, voiceID, text, outPath)
}

// fail reduces a stage error to a human-readable detail at the worker
// boundary; no error value crosses the bus.
func (o *Orchestrator) fail(runID, stage string, err error) {
	if o.failed != nil {
		o.failed.Add(o.ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	}
	o.logger.Warn("run failed",
		slog.String("run_id", runID),
		slog.String("stage", stage),
		slog.String("error", err.Error()))
	o.publish(protocol.SubjectRunFailed, protocol.RunFailed{
		RunID:     runID,
		Stage:     stage,
		Detail:    err.Error(),
		Timestamp: o.clock().UTC(),
	})
}

func (o *Orchestrator) publishStatus(runID, stage string) {
	o.publish(protocol.SubjectRunStatus, protocol.RunStatus{
		RunID:     runID,
		Stage:     stage,
		Timestamp: o.clock().UTC(),
	})
}

func (o *Orchestrator) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		o.logger.Warn("failed to marshal event", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if err := o.pub.Publish(subject, data); err != nil {
		o.logger.Warn("failed to publish event", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
