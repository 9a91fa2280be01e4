package analysis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/web-extractor/internal/extract"
)

func TestAnalyzeEnglishText(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(Config{})
	text := "Acme Corp released a great new widget today. Reviewers say the widget is excellent and reliable! " +
		"Acme Corp plans a launch in New York next month. Some buyers reported a slow checkout."
	report, err := h.Analyze(context.Background(), text)
	require.NoError(t, err)

	require.Equal(t, "eng", report.Language)
	require.Equal(t, 4, report.Sentences)
	require.Equal(t, "Acme Corp released a great new widget today. Reviewers say the widget is excellent and reliable!", report.Summary)
	require.NotEmpty(t, report.Entities)
	require.Equal(t, Entity{Text: "Acme Corp", Count: 2}, report.Entities[0])
	require.InDelta(t, 0.5, report.Sentiment, 1e-9)
	require.Greater(t, report.Words, 20)
}

func TestAnalyzeEmptyText(t *testing.T) {
	t.Parallel()

	report, err := NewHeuristic(Config{}).Analyze(context.Background(), "   \n\t")
	require.NoError(t, err)
	require.Zero(t, report.Words)
	require.Empty(t, report.Language)
	require.NotNil(t, report.Entities)
}

func TestAnalyzeHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHeuristic(Config{}).Analyze(ctx, "hello")
	require.ErrorIs(t, err, context.Canceled)
}

func TestAnalyzeJobRequiresCompleted(t *testing.T) {
	t.Parallel()

	_, err := NewHeuristic(Config{}).AnalyzeJob(context.Background(), extract.Job{ID: "j", Status: extract.JobStatusRunning})
	require.ErrorIs(t, err, ErrNotCompleted)
}

func TestJobTextConvertsHTMLAndSkipsFailures(t *testing.T) {
	t.Parallel()

	job := extract.Job{
		ID:     "j",
		Status: extract.JobStatusCompleted,
		Targets: []extract.Target{
			{URL: "https://a.example", Selectors: []extract.SelectorRule{
				{ID: "title", Kind: extract.KindText},
				{ID: "body", Kind: extract.KindHTML},
			}},
			{URL: "https://b.example", Selectors: []extract.SelectorRule{{ID: "tags", Kind: extract.KindList}}},
			{URL: "https://c.example", Selectors: []extract.SelectorRule{{ID: "title", Kind: extract.KindText}}},
		},
		Results: []extract.Result{
			{Index: 2, URL: "https://c.example", Success: false, Data: map[string]extract.Value{"title": extract.Text("ignored")}},
			{Index: 1, URL: "https://b.example", Success: true, Data: map[string]extract.Value{
				"tags": extract.List([]string{"red", "blue"}),
			}},
			{Index: 0, URL: "https://a.example", Success: true, Data: map[string]extract.Value{
				"title": extract.Text("Widget"),
				"body":  extract.Text(`<p>Made by <strong>Acme</strong>. <a href="/more">Read more</a></p>`),
			}},
		},
	}

	text, err := NewHeuristic(Config{}).JobText(job)
	require.NoError(t, err)
	require.Equal(t, "Widget. Made by Acme. Read more. red. blue.", text)
}

func TestSplitSentences(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"One.", "Two!", "Three?", "Four"}, splitSentences("One. Two! Three? Four"))
	require.Empty(t, splitSentences(""))
}
