package domain

import (
	"fmt"
	"strings"
)

// ValidateDocument is the one content check the engine performs itself:
// a document with no extractable text is rejected before any external call.
// File type and size limits are the uploader's concern.
func ValidateDocument(doc Document) error {
	if strings.TrimSpace(doc.RawText) == "" {
		return fmt.Errorf("document %q: %w", doc.SourceFilename, ErrNoExtractableContent)
	}
	if doc.ID == "" {
		return fmt.Errorf("document %q: %w: missing id", doc.SourceFilename, ErrInvalidArgument)
	}
	return nil
}
