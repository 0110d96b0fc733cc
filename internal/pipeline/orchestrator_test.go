package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/happyvocals/vocalbox/internal/config"
	"github.com/happyvocals/vocalbox/internal/extract"
	"github.com/happyvocals/vocalbox/internal/protocol"
	"github.com/happyvocals/vocalbox/internal/store"
	"github.com/happyvocals/vocalbox/internal/summarize"
	"github.com/happyvocals/vocalbox/internal/voice"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingPublisher captures published events in place of the bus.
type recordingPublisher struct {
	mu     sync.Mutex
	events map[string][][]byte
	order  []string
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{events: make(map[string][][]byte)}
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[subject] = append(p.events[subject], data)
	p.order = append(p.order, subject)
	return nil
}

// subjects returns every published subject in publish order.
func (p *recordingPublisher) subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

func (p *recordingPublisher) wait(t *testing.T, subject string) []byte {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		events := p.events[subject]
		p.mu.Unlock()
		if len(events) > 0 {
			return events[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no event published on %s", subject)
	return nil
}

func (p *recordingPublisher) count(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events[subject])
}

type fixture struct {
	orch  *Orchestrator
	store *store.Store
	summ  *summarize.MockSummarizer
	voice *voice.MockClient
	pub   *recordingPublisher
	dir   string
}

func newFixture(t *testing.T, ex extract.Extractor, summ *summarize.MockSummarizer, vc *voice.MockClient) *fixture {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(context.Background(),
		config.StoreConfig{Path: filepath.Join(dir, "test.db")}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	pub := newRecordingPublisher()
	orch := NewOrchestrator(context.Background(),
		config.OutputsConfig{Dir: filepath.Join(dir, "outputs")},
		st, ex, summ, vc, pub, newLogger())
	t.Cleanup(orch.Close)

	return &fixture{orch: orch, store: st, summ: summ, voice: vc, pub: pub, dir: dir}
}

func (f *fixture) seedKeys(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.SetSetting(ctx, store.SettingOpenAIKey, "sk-test"); err != nil {
		t.Fatalf("seed openai key: %v", err)
	}
	if err := f.store.SetSetting(ctx, store.SettingVoiceKey, "xi-test"); err != nil {
		t.Fatalf("seed voice key: %v", err)
	}
}

func (f *fixture) pdf(t *testing.T) string {
	t.Helper()
	path := filepath.Join(f.dir, "doc.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4"), 0o644); err != nil {
		t.Fatalf("write pdf stub: %v", err)
	}
	return path
}

func validRequest(pdfPath string) RunRequest {
	return RunRequest{
		PDFPath:     pdfPath,
		StylePrompt: "exam oriented",
		VoiceName:   "Alice",
		Voices:      map[string]string{"Alice": "v1"},
	}
}

func goodExtractor() extract.Extractor {
	return extract.NewMockExtractor(1, func(int) (string, error) { return "Intro text", nil }, nil)
}

func TestSuccessfulRunPersistsAndPublishes(t *testing.T) {
	f := newFixture(t, goodExtractor(),
		summarize.NewMockSummarizer("the summary", nil), &voice.MockClient{})
	f.seedKeys(t)

	runID, err := f.orch.Trigger(context.Background(), validRequest(f.pdf(t)))
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if runID == "" {
		t.Fatal("expected a run id")
	}

	data := f.pub.wait(t, protocol.SubjectRunCompleted)
	var completed protocol.RunCompleted
	if err := json.Unmarshal(data, &completed); err != nil {
		t.Fatalf("decode completed event: %v", err)
	}
	if completed.RunID != runID {
		t.Fatalf("expected run id %s, got %s", runID, completed.RunID)
	}
	if completed.SummaryText != "the summary" {
		t.Fatalf("unexpected summary %q", completed.SummaryText)
	}
	if _, err := os.Stat(completed.AudioPath); err != nil {
		t.Fatalf("expected audio file on disk: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(completed.AudioPath), "summary_") {
		t.Fatalf("expected time-suffixed audio name, got %q", completed.AudioPath)
	}

	run, err := f.store.GetRun(context.Background(), completed.RecordID)
	if err != nil {
		t.Fatalf("get persisted run: %v", err)
	}
	if run.SummaryText != "the summary" || run.VoiceID != "v1" || run.VoiceName != "Alice" {
		t.Fatalf("unexpected persisted run: %+v", run)
	}
}

func TestRunPublishesStageOrder(t *testing.T) {
	f := newFixture(t, goodExtractor(),
		summarize.NewMockSummarizer("s", nil), &voice.MockClient{})
	f.seedKeys(t)

	if _, err := f.orch.Trigger(context.Background(), validRequest(f.pdf(t))); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	f.pub.wait(t, protocol.SubjectRunCompleted)

	f.pub.mu.Lock()
	events := f.pub.events[protocol.SubjectRunStatus]
	f.pub.mu.Unlock()
	var stages []string
	for _, data := range events {
		var status protocol.RunStatus
		if err := json.Unmarshal(data, &status); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		stages = append(stages, status.Stage)
	}
	want := []string{"extract", "summarize", "synthesize", "persist"}
	if len(stages) != len(want) {
		t.Fatalf("expected stages %v, got %v", want, stages)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Fatalf("expected stage %q at position %d, got %q", want[i], i, stages[i])
		}
	}
}

func TestValidationFailuresMakeNoCalls(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(f *fixture, req *RunRequest)
		detail string
	}{
		{
			name:   "missing pdf",
			mutate: func(f *fixture, req *RunRequest) { req.PDFPath = filepath.Join(f.dir, "absent.pdf") },
			detail: "PDF",
		},
		{
			name:   "blank style prompt",
			mutate: func(f *fixture, req *RunRequest) { req.StylePrompt = "   " },
			detail: "style",
		},
		{
			name: "missing openai key",
			mutate: func(f *fixture, req *RunRequest) {
				if err := f.store.SetSetting(context.Background(), store.SettingOpenAIKey, " "); err != nil {
					panic(err)
				}
			},
			detail: "OpenAI",
		},
		{
			name: "missing voice key",
			mutate: func(f *fixture, req *RunRequest) {
				if err := f.store.SetSetting(context.Background(), store.SettingVoiceKey, ""); err != nil {
					panic(err)
				}
			},
			detail: "voice service",
		},
		{
			name:   "unknown voice",
			mutate: func(f *fixture, req *RunRequest) { req.VoiceName = "Nobody" },
			detail: "voice",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			summ := summarize.NewMockSummarizer("s", nil)
			vc := &voice.MockClient{}
			f := newFixture(t, goodExtractor(), summ, vc)
			f.seedKeys(t)

			req := validRequest(f.pdf(t))
			tc.mutate(f, &req)

			_, err := f.orch.Trigger(context.Background(), req)
			var verr ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.detail) {
				t.Fatalf("expected detail mentioning %q, got %q", tc.detail, err.Error())
			}
			if f.orch.Busy() {
				t.Fatal("orchestrator must return to idle after rejected trigger")
			}
			if summ.CallCount() != 0 || vc.Calls() != 0 {
				t.Fatal("validation failure must not invoke any client")
			}
			runs, err := f.store.ListRuns(context.Background(), 10)
			if err != nil {
				t.Fatalf("list runs: %v", err)
			}
			if len(runs) != 0 {
				t.Fatal("validation failure must not produce a run record")
			}
			if f.pub.count(protocol.SubjectRunStarted) != 0 {
				t.Fatal("validation failure must not publish a started event")
			}
		})
	}
}

func TestSynthesisFailureProducesNoRecord(t *testing.T) {
	vc := &voice.MockClient{SynthErr: &voice.APIError{Status: 422, Body: "text too long"}}
	f := newFixture(t, goodExtractor(), summarize.NewMockSummarizer("s", nil), vc)
	f.seedKeys(t)

	if _, err := f.orch.Trigger(context.Background(), validRequest(f.pdf(t))); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	data := f.pub.wait(t, protocol.SubjectRunFailed)
	var failed protocol.RunFailed
	if err := json.Unmarshal(data, &failed); err != nil {
		t.Fatalf("decode failed event: %v", err)
	}
	if failed.Stage != "synthesize" {
		t.Fatalf("expected synthesize stage, got %q", failed.Stage)
	}
	if !strings.Contains(failed.Detail, "422") {
		t.Fatalf("expected status in detail, got %q", failed.Detail)
	}

	runs, err := f.store.ListRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 0 {
		t.Fatal("a failed run must not produce a record, even with earlier stages succeeded")
	}
	if f.pub.count(protocol.SubjectRunCompleted) != 0 {
		t.Fatal("a failed run must not publish completion")
	}
}

func TestExtractionFailureAbortsBeforeSummarize(t *testing.T) {
	ex := extract.NewMockExtractor(0, nil, errors.New("not a pdf"))
	summ := summarize.NewMockSummarizer("s", nil)
	f := newFixture(t, ex, summ, &voice.MockClient{})
	f.seedKeys(t)

	if _, err := f.orch.Trigger(context.Background(), validRequest(f.pdf(t))); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	data := f.pub.wait(t, protocol.SubjectRunFailed)
	var failed protocol.RunFailed
	if err := json.Unmarshal(data, &failed); err != nil {
		t.Fatalf("decode failed event: %v", err)
	}
	if failed.Stage != "extract" {
		t.Fatalf("expected extract stage, got %q", failed.Stage)
	}
	if summ.CallCount() != 0 {
		t.Fatal("summarizer must not run after extraction failed")
	}
}

func TestStartedEventPrecedesFastFailure(t *testing.T) {
	ex := extract.NewMockExtractor(0, nil, errors.New("not a pdf"))
	f := newFixture(t, ex, summarize.NewMockSummarizer("s", nil), &voice.MockClient{})
	f.seedKeys(t)

	runID, err := f.orch.Trigger(context.Background(), validRequest(f.pdf(t)))
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	f.pub.wait(t, protocol.SubjectRunFailed)

	data := f.pub.wait(t, protocol.SubjectRunStarted)
	var started protocol.RunStarted
	if err := json.Unmarshal(data, &started); err != nil {
		t.Fatalf("decode started event: %v", err)
	}
	if started.RunID != runID {
		t.Fatalf("expected run id %s, got %s", runID, started.RunID)
	}

	// Even when the worker fails immediately, the started event must
	// already be on the wire, or a consumer tracking the busy state
	// would apply the flags in the wrong order and stay busy forever.
	subjects := f.pub.subjects()
	startedAt, failedAt := -1, -1
	for i, s := range subjects {
		switch s {
		case protocol.SubjectRunStarted:
			startedAt = i
		case protocol.SubjectRunFailed:
			failedAt = i
		}
	}
	if startedAt == -1 || failedAt == -1 || startedAt > failedAt {
		t.Fatalf("expected started before failed, got order %v", subjects)
	}
}

func TestSecondTriggerRejectedWhileRunning(t *testing.T) {
	release := make(chan struct{})
	summ := summarize.NewMockSummarizer("s", nil)
	blockingExtractor := extract.NewMockExtractor(1, func(int) (string, error) {
		<-release
		return "text", nil
	}, nil)
	f := newFixture(t, blockingExtractor, summ, &voice.MockClient{})
	f.seedKeys(t)

	req := validRequest(f.pdf(t))
	if _, err := f.orch.Trigger(context.Background(), req); err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	if !f.orch.Busy() {
		t.Fatal("expected busy while the first run executes")
	}

	_, err := f.orch.Trigger(context.Background(), req)
	var verr ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for the second trigger, got %v", err)
	}
	if !strings.Contains(err.Error(), "in progress") {
		t.Fatalf("unexpected detail: %q", err.Error())
	}

	close(release)
	f.pub.wait(t, protocol.SubjectRunCompleted)
	if f.pub.count(protocol.SubjectRunCompleted) != 1 {
		t.Fatal("expected exactly one completed run")
	}
}
