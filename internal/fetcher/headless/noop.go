package headless

import (
	"context"

	"github.com/JakeFAU/web-extractor/internal/extract"
)

// Noop is used when headless rendering is disabled.
type Noop struct{}

// NewNoop creates a new Noop renderer.
func NewNoop() *Noop {
	return &Noop{}
}

// Render always fails with extract.ErrRendererUnavailable.
func (Noop) Render(_ context.Context, _ string, _ extract.FetchOptions) (extract.Document, error) {
	return extract.Document{}, extract.ErrRendererUnavailable
}
