// Package preview renders a page for display inside the extractor UI with
// active content removed, so users can point at elements to build selectors.
package preview

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/web-extractor/internal/extract"
)

// ContentSecurityPolicy is sent with every preview response.
const ContentSecurityPolicy = "sandbox allow-same-origin; script-src 'none'; frame-ancestors 'self'"

// hookStyles are the classes the UI toggles while a user picks elements.
const hookStyles = `<style data-extractor-hooks>
.extractor-highlight { outline: 2px solid #f59e0b !important; background-color: rgba(245, 158, 11, 0.15) !important; }
.extractor-hover { outline: 2px dashed #3b82f6 !important; cursor: crosshair !important; }
.extractor-selected { outline: 3px solid #10b981 !important; background-color: rgba(16, 185, 129, 0.15) !important; }
</style>`

var strippedElements = "script, noscript, iframe, object, embed, frame, frameset, base"

var urlAttributes = map[string]struct{}{
	"href": {}, "src": {}, "action": {}, "formaction": {}, "xlink:href": {}, "data": {}, "poster": {},
}

// Page is a sanitized document.
type Page struct {
	URL        string
	StatusCode int
	HTML       []byte
}

// Renderer fetches and sanitizes pages.
type Renderer struct {
	fetcher extract.Fetcher
}

// New returns a Renderer that fetches through fetcher, which is expected to
// apply the URL safety gate.
func New(fetcher extract.Fetcher) *Renderer {
	return &Renderer{fetcher: fetcher}
}

// Render fetches rawURL and returns its sanitized markup.
func (r *Renderer) Render(ctx context.Context, rawURL string, opts extract.FetchOptions) (Page, error) {
	doc, err := r.fetcher.Fetch(ctx, rawURL, opts)
	if err != nil {
		return Page{}, fmt.Errorf("fetch preview: %w", err)
	}
	finalURL := doc.URL
	if finalURL == "" {
		finalURL = rawURL
	}
	out, err := Sanitize(doc.Body, finalURL)
	if err != nil {
		return Page{}, err
	}
	return Page{URL: finalURL, StatusCode: doc.StatusCode, HTML: out}, nil
}

// Sanitize removes scripts, frames, plugins, meta refreshes, event handler
// attributes and javascript: URLs, then pins relative links to baseURL and
// injects the highlight styles.
func Sanitize(body []byte, baseURL string) ([]byte, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse preview html: %w", err)
	}

	doc.Find(strippedElements).Remove()
	doc.Find("meta").FilterFunction(func(_ int, s *goquery.Selection) bool {
		equiv, _ := s.Attr("http-equiv")
		return strings.EqualFold(strings.TrimSpace(equiv), "refresh")
	}).Remove()

	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		node := s.Get(0)
		kept := node.Attr[:0]
		for _, attr := range node.Attr {
			key := strings.ToLower(attr.Key)
			if strings.HasPrefix(key, "on") {
				continue
			}
			if _, isURL := urlAttributes[key]; isURL && scriptURL(attr.Val) {
				continue
			}
			if key == "srcdoc" {
				continue
			}
			kept = append(kept, attr)
		}
		node.Attr = kept
	})

	// The HTML parser always synthesizes a head element.
	head := doc.Find("head").First()
	head.PrependHtml(fmt.Sprintf(`<base href="%s">`, html.EscapeString(baseURL)))
	head.AppendHtml(hookStyles)

	out, err := doc.Html()
	if err != nil {
		return nil, fmt.Errorf("render preview html: %w", err)
	}
	return []byte(out), nil
}

// SetHeaders applies the preview response headers.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Content-Security-Policy", ContentSecurityPolicy)
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "no-referrer")
}

// scriptURL reports whether v would execute script when followed. Browsers
// ignore ASCII whitespace and control characters inside the scheme.
func scriptURL(v string) bool {
	var b strings.Builder
	for _, r := range v {
		if r <= ' ' {
			continue
		}
		b.WriteRune(r)
		if b.Len() >= len("javascript:") {
			break
		}
	}
	scheme := strings.ToLower(b.String())
	return strings.HasPrefix(scheme, "javascript:") || strings.HasPrefix(scheme, "vbscript:")
}
