package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Placeholder replaces the text of a page that could not be read.
const Placeholder = "[No extractable text]"

type pdfExtractor struct{}

// NewPDFExtractor returns an Extractor backed by a pure-Go PDF parser.
func NewPDFExtractor() Extractor { return &pdfExtractor{} }

// Extract reads every page of the document in order. A page whose text
// cannot be decoded contributes the placeholder instead of aborting the
// whole extraction; only a failure to open the document is an error.
func (e *pdfExtractor) Extract(ctx context.Context, path string) (string, error) {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open document: %w", err)
	}
	defer file.Close()

	var b strings.Builder
	total := reader.NumPage()
	for num := 1; num <= total; num++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		text := pageText(reader, num)
		if strings.TrimSpace(text) == "" {
			text = Placeholder
		}
		fmt.Fprintf(&b, "\n--- Page %d ---\n%s\n", num, text)
	}
	return b.String(), nil
}

// pageText decodes one page. The parser panics on some malformed
// content streams, so the recover here is what turns a bad page into a
// placeholder rather than a crashed run.
func pageText(reader *pdf.Reader, num int) (text string) {
	defer func() {
		if r := recover(); r != nil {
			text = ""
		}
	}()
	page := reader.Page(num)
	if page.V.IsNull() {
		return ""
	}
	content, err := page.GetPlainText(nil)
	if err != nil {
		return ""
	}
	return content
}
