package summarize

import (
	"context"
	"unicode/utf8"
)

// MaxInputChars is the hard ceiling on document text sent to the
// summarization service. Longer inputs are truncated, never rejected.
const MaxInputChars = 180000

// TruncationMarker is appended when the input was cut at MaxInputChars.
const TruncationMarker = "\n[Truncated due to size]"

// Summarizer produces a styled summary of extracted document text.
type Summarizer interface {
	Summarize(ctx context.Context, apiKey, text, stylePrompt string) (string, error)
}

// Truncate enforces the input ceiling, appending the marker when the
// text was cut. The ceiling counts characters, not bytes, and the cut
// never lands inside a rune.
func Truncate(text string) string {
	if utf8.RuneCountInString(text) <= MaxInputChars {
		return text
	}
	end := 0
	for i := 0; i < MaxInputChars; i++ {
		_, size := utf8.DecodeRuneInString(text[end:])
		end += size
	}
	return text[:end] + TruncationMarker
}
