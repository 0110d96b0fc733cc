package extract

import (
	"context"
	"fmt"
	"strings"
)

// PageFunc yields the raw text of a page, or an error when that page is
// unreadable.
type PageFunc func(num int) (string, error)

type mockExtractor struct {
	pages   int
	pageFn  PageFunc
	openErr error
}

// NewMockExtractor builds an Extractor producing the given number of
// pages through pageFn. A non-nil openErr simulates a document that
// cannot be opened at all.
func NewMockExtractor(pages int, pageFn PageFunc, openErr error) Extractor {
	return &mockExtractor{pages: pages, pageFn: pageFn, openErr: openErr}
}

func (m *mockExtractor) Extract(ctx context.Context, path string) (string, error) {
	if m.openErr != nil {
		return "", m.openErr
	}
	var b strings.Builder
	for num := 1; num <= m.pages; num++ {
		text, err := m.pageFn(num)
		if err != nil || strings.TrimSpace(text) == "" {
			text = Placeholder
		}
		fmt.Fprintf(&b, "\n--- Page %d ---\n%s\n", num, text)
	}
	return b.String(), nil
}
