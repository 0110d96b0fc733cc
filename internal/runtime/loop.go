package runtime

import (
	"context"
	"log/slog"
	"sync"
)

// SessionState is everything the interaction surface can observe. Only
// the interaction loop mutates it; readers get copies.
type SessionState struct {
	Busy          bool              `json:"busy"`
	Status        string            `json:"status"`
	LastRecordID  int64             `json:"last_record_id,omitempty"`
	LastSummary   string            `json:"last_summary,omitempty"`
	LastAudioPath string            `json:"last_audio_path,omitempty"`
	Voices        map[string]string `json:"voices"`
}

// interactionLoop serializes all observable state mutations onto one
// goroutine. Workers hand results over through the bus; subscription
// callbacks enqueue a mutation here and never touch the state directly.
type interactionLoop struct {
	mu     sync.RWMutex
	state  SessionState
	events chan func(*SessionState)
	done   chan struct{}
	logger *slog.Logger
}

func newInteractionLoop(logger *slog.Logger) *interactionLoop {
	return &interactionLoop{
		state:  SessionState{Status: "Ready.", Voices: map[string]string{}},
		events: make(chan func(*SessionState), 64),
		done:   make(chan struct{}),
		logger: logger.With(slog.String("component", "interaction-loop")),
	}
}

func (l *interactionLoop) run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case mutate := <-l.events:
			l.mu.Lock()
			mutate(&l.state)
			l.mu.Unlock()
		}
	}
}

// apply queues a state mutation for the loop goroutine. The update
// becomes observable on the loop's next iteration, not immediately.
// After the loop has stopped the mutation is dropped; a publisher must
// never block on a loop that is no longer draining.
func (l *interactionLoop) apply(mutate func(*SessionState)) {
	select {
	case l.events <- mutate:
	case <-l.done:
		l.logger.Debug("dropped mutation after loop stop")
	}
}

// snapshot returns a copy of the current state, safe to hold across the
// loop's further mutations.
func (l *interactionLoop) snapshot() SessionState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	state := l.state
	voices := make(map[string]string, len(l.state.Voices))
	for name, id := range l.state.Voices {
		voices[name] = id
	}
	state.Voices = voices
	return state
}
