package extract

import "context"

// Extractor turns a document path into plain text with one marked
// section per page.
type Extractor interface {
	Extract(ctx context.Context, path string) (string, error)
}
