package summarize

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/happyvocals/vocalbox/internal/config"
)

const systemPrompt = "You are a helpful assistant that summarizes documents. " +
	"Only use the provided content; do not invent facts."

// Low temperature keeps summaries stable across retriggers of the same
// document.
const temperature = 0.3

type openaiSummarizer struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOpenAISummarizer returns a Summarizer backed by a chat-completion
// service.
func NewOpenAISummarizer(cfg config.SummarizerConfig) Summarizer {
	return &openaiSummarizer{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
	}
}

func (s *openaiSummarizer) Summarize(ctx context.Context, apiKey, text, stylePrompt string) (string, error) {
	// Retry policy belongs to the caller; the SDK's builtin retries are
	// disabled so a failing service surfaces immediately.
	client := openai.NewClient(
		option.WithBaseURL(s.baseURL),
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(s.httpClient),
		option.WithMaxRetries(0),
	)

	content := Truncate(text)
	userPrompt := fmt.Sprintf(
		"PDF content:\n%s\n\nSummarize in this style: %s\nReturn clean bullet points and short paragraphs suitable for audio narration.",
		content, stylePrompt)

	params := openai.ChatCompletionNewParams{
		Model: s.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(temperature),
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("summarization service returned status %d: %s",
				apiErr.StatusCode, strings.TrimSpace(apiErr.Message))
		}
		return "", fmt.Errorf("summarization request failed: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", errors.New("summarization service returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
