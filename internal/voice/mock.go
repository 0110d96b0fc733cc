package voice

import (
	"context"
	"os"
	"sync"
)

// MockClient is an in-memory Client for catalog and orchestrator tests.
type MockClient struct {
	mu         sync.Mutex
	Remote     []RemoteVoice
	ListErr    error
	AddID      string
	AddErr     error
	SynthErr   error
	SynthAudio []byte

	ListCalls  int
	AddCalls   int
	SynthCalls int
}

func (m *MockClient) List(ctx context.Context, apiKey string) ([]RemoteVoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListCalls++
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	out := make([]RemoteVoice, len(m.Remote))
	copy(out, m.Remote)
	return out, nil
}

func (m *MockClient) Add(ctx context.Context, apiKey, name, samplePath string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AddCalls++
	if m.AddErr != nil {
		return "", m.AddErr
	}
	return m.AddID, nil
}

func (m *MockClient) Synthesize(ctx context.Context, apiKey, voiceID, text, outPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SynthCalls++
	if m.SynthErr != nil {
		return m.SynthErr
	}
	audio := m.SynthAudio
	if audio == nil {
		audio = []byte("audio-bytes")
	}
	return os.WriteFile(outPath, audio, 0o644)
}

// Calls reports how many service calls of any kind were made.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ListCalls + m.AddCalls + m.SynthCalls
}
