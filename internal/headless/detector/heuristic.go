// Package detector decides when a statically fetched document should be
// re-fetched through the headless renderer.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/web-extractor/internal/extract"
)

// Heuristic flags documents that look like client-rendered application shells.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a detector. Documents smaller than threshold bytes are
// checked for script density.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var shellMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="__nuxt"`),
	[]byte(`id="root"></div>`),
	[]byte(`id="app"></div>`),
	[]byte("data-reactroot"),
	[]byte("ng-version="),
	[]byte("enable javascript"),
}

// ShouldPromote reports whether doc probably needs JavaScript to show content.
func (h *Heuristic) ShouldPromote(doc extract.Document) bool {
	if doc.Rendered || doc.StatusCode != http.StatusOK {
		return false
	}
	if ct := doc.Headers.Get("Content-Type"); ct != "" && !strings.Contains(strings.ToLower(ct), "html") {
		return false
	}
	body := doc.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	lower := bytes.ToLower(body)
	for _, marker := range shellMarkers {
		if bytes.Contains(lower, bytes.ToLower(marker)) {
			return true
		}
	}
	return len(body) < h.BodyLengthThreshold && scriptShare(lower) >= 25
}

// scriptShare returns the percentage of body bytes inside <script> elements.
func scriptShare(lower []byte) int {
	total := len(lower)
	if total == 0 {
		return 0
	}
	openTag := []byte("<script")
	closeTag := []byte("</script>")

	covered := 0
	rest := lower
	for {
		start := bytes.Index(rest, openTag)
		if start < 0 {
			break
		}
		end := bytes.Index(rest[start:], closeTag)
		if end < 0 {
			covered += len(rest) - start
			break
		}
		end += start + len(closeTag)
		covered += end - start
		rest = rest[end:]
	}
	return covered * 100 / total
}
