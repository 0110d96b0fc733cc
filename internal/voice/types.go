package voice

import (
	"context"
	"fmt"
)

// RemoteVoice is one entry of the remote voice catalog.
type RemoteVoice struct {
	VoiceID string `json:"voice_id"`
	Name    string `json:"name"`
}

// Client is the contract with the remote voice service.
type Client interface {
	// List fetches the full remote catalog.
	List(ctx context.Context, apiKey string) ([]RemoteVoice, error)
	// Add uploads one audio sample and returns the new voice id.
	Add(ctx context.Context, apiKey, name, samplePath string) (string, error)
	// Synthesize renders text with the given voice and writes the audio
	// payload verbatim to outPath.
	Synthesize(ctx context.Context, apiKey, voiceID, text, outPath string) error
}

// APIError carries the status and body of a non-2xx service response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("voice service returned %d: %s", e.Status, e.Body)
}
