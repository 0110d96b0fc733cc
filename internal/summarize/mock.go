package summarize

import (
	"context"
	"sync"
)

// MockSummarizer records its inputs and returns a canned summary. Used
// by orchestrator tests.
type MockSummarizer struct {
	mu       sync.Mutex
	Summary  string
	Err      error
	Calls    int
	LastText string
}

func NewMockSummarizer(summary string, err error) *MockSummarizer {
	return &MockSummarizer{Summary: summary, Err: err}
}

func (m *MockSummarizer) Summarize(ctx context.Context, apiKey, text, stylePrompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	m.LastText = text
	if m.Err != nil {
		return "", m.Err
	}
	return m.Summary, nil
}

// CallCount reports how many times Summarize ran.
func (m *MockSummarizer) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}
