package detector

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/web-extractor/internal/extract"
)

func TestHeuristicShouldPromote(t *testing.T) {
	t.Parallel()

	html := http.Header{"Content-Type": []string{"text/html; charset=utf-8"}}
	cases := []struct {
		name string
		doc  extract.Document
		want bool
	}{
		{
			name: "empty body",
			doc:  extract.Document{StatusCode: 200, Headers: html},
			want: true,
		},
		{
			name: "next.js shell",
			doc:  extract.Document{StatusCode: 200, Headers: html, Body: []byte(`<div id="__next"></div>`)},
			want: true,
		},
		{
			name: "script heavy small page",
			doc:  extract.Document{StatusCode: 200, Body: []byte(`<html><script>var a=1;</script><p>t</p></html>`)},
			want: true,
		},
		{
			name: "server rendered page",
			doc: extract.Document{
				StatusCode: 200,
				Headers:    html,
				Body:       []byte("<html><body><h1>Hello</h1>" + strings.Repeat("<p>content</p>", 300) + "</body></html>"),
			},
			want: false,
		},
		{
			name: "not found",
			doc:  extract.Document{StatusCode: 404, Body: []byte("not found")},
			want: false,
		},
		{
			name: "json payload",
			doc:  extract.Document{StatusCode: 200, Headers: http.Header{"Content-Type": []string{"application/json"}}},
			want: false,
		},
		{
			name: "already rendered",
			doc:  extract.Document{StatusCode: 200, Rendered: true},
			want: false,
		},
	}

	h := NewHeuristic(1000)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, h.ShouldPromote(tc.doc))
		})
	}
}

func TestScriptShare(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, scriptShare([]byte("<p>plain</p>")))
	require.Equal(t, 100, scriptShare([]byte("<script>x</script>")))
	require.Equal(t, 100, scriptShare([]byte("<script>unterminated")))
}
