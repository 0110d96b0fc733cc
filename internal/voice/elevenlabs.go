package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/happyvocals/vocalbox/internal/config"
)

// SynthesisModel is the fixed model identifier sent with every
// synthesis request.
const SynthesisModel = "eleven_monolingual_v1"

const (
	addVoiceDescription = "Instant cloned voice"
	addVoiceLabels      = `{"use_case":"personal"}`
)

type elevenClient struct {
	baseURL      string
	listClient   *http.Client
	uploadClient *http.Client
}

// NewElevenClient returns a Client speaking the ElevenLabs HTTP API.
// Lookups and uploads carry separate deadlines: listing is quick,
// cloning and synthesis can run for minutes.
func NewElevenClient(cfg config.VoiceConfig) Client {
	return &elevenClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		listClient:   &http.Client{Timeout: time.Duration(cfg.ListTimeoutSeconds) * time.Second},
		uploadClient: &http.Client{Timeout: time.Duration(cfg.UploadTimeoutSeconds) * time.Second},
	}
}

type listResponse struct {
	Voices []RemoteVoice `json:"voices"`
}

func (c *elevenClient) List(ctx context.Context, apiKey string) ([]RemoteVoice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/voices", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", apiKey)

	resp, err := c.listClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list voices: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var decoded listResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode voice list: %w", err)
	}
	return decoded.Voices, nil
}

type addResponse struct {
	VoiceID string `json:"voice_id"`
}

func (c *elevenClient) Add(ctx context.Context, apiKey, name, samplePath string) (string, error) {
	sample, err := os.Open(samplePath)
	if err != nil {
		return "", fmt.Errorf("open voice sample: %w", err)
	}
	defer sample.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="files"; filename=%q`, filepath.Base(samplePath)))
	header.Set("Content-Type", "audio/mpeg")
	part, err := writer.CreatePart(header)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, sample); err != nil {
		return "", fmt.Errorf("read voice sample: %w", err)
	}
	if err := writer.WriteField("name", name); err != nil {
		return "", err
	}
	if err := writer.WriteField("description", addVoiceDescription); err != nil {
		return "", err
	}
	if err := writer.WriteField("labels", addVoiceLabels); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/voices/add", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("xi-api-key", apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.uploadClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("add voice: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return "", err
	}

	var decoded addResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode add voice response: %w", err)
	}
	if decoded.VoiceID == "" {
		return "", &APIError{Status: resp.StatusCode, Body: "response missing voice_id"}
	}
	return decoded.VoiceID, nil
}

type synthesizeRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

func (c *elevenClient) Synthesize(ctx context.Context, apiKey, voiceID, text, outPath string) error {
	payload, err := json.Marshal(synthesizeRequest{Text: text, ModelID: SynthesisModel})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s", c.baseURL, voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("xi-api-key", apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.uploadClient.Do(req)
	if err != nil {
		return fmt.Errorf("synthesize speech: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create audio file: %w", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return fmt.Errorf("write audio file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("write audio file: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
