package runtime

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func startLoop(t *testing.T) *interactionLoop {
	t.Helper()
	loop := newInteractionLoop(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go loop.run(ctx)
	return loop
}

// waitFor polls the loop snapshot until the predicate holds.
func waitFor(t *testing.T, loop *interactionLoop, pred func(SessionState) bool) SessionState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state := loop.snapshot()
		if pred(state) {
			return state
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("loop state never reached expected shape: %+v", loop.snapshot())
	return SessionState{}
}

func TestLoopStartsReady(t *testing.T) {
	loop := startLoop(t)

	state := loop.snapshot()
	if state.Busy {
		t.Fatal("expected fresh loop to be idle")
	}
	if state.Status != "Ready." {
		t.Fatalf("expected Ready. status, got %q", state.Status)
	}
}

func TestLoopAppliesMutationsInOrder(t *testing.T) {
	loop := startLoop(t)

	loop.apply(func(s *SessionState) {
		s.Busy = true
		s.Status = "Summarizing and generating audio..."
	})
	loop.apply(func(s *SessionState) {
		s.Busy = false
		s.Status = "Done. Audio generated."
		s.LastRecordID = 7
		s.LastSummary = "summary text"
		s.LastAudioPath = "/tmp/summary_1.mp3"
	})

	state := waitFor(t, loop, func(s SessionState) bool { return s.LastRecordID == 7 })
	if state.Busy {
		t.Fatal("expected loop to be idle after completion mutation")
	}
	if state.Status != "Done. Audio generated." {
		t.Fatalf("unexpected status %q", state.Status)
	}
	if state.LastSummary != "summary text" || state.LastAudioPath != "/tmp/summary_1.mp3" {
		t.Fatalf("completion fields not applied: %+v", state)
	}
}

func TestApplyNeverBlocksAfterLoopStops(t *testing.T) {
	loop := newInteractionLoop(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	go loop.run(ctx)
	cancel()
	<-loop.done

	// Far more mutations than the channel buffers; a blocking send
	// would hang a bus callback forever.
	finished := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			loop.apply(func(s *SessionState) { s.Busy = true })
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("apply blocked after the loop stopped")
	}
}

func TestLoopSnapshotCopiesVoices(t *testing.T) {
	loop := startLoop(t)

	loop.apply(func(s *SessionState) {
		s.Voices = map[string]string{"Narrator": "v1"}
	})
	state := waitFor(t, loop, func(s SessionState) bool { return len(s.Voices) == 1 })

	// Mutating the snapshot must not leak back into loop state.
	state.Voices["Narrator"] = "changed"
	again := loop.snapshot()
	if again.Voices["Narrator"] != "v1" {
		t.Fatalf("snapshot mutation leaked into loop state: %q", again.Voices["Narrator"])
	}
}
