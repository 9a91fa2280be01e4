// Package analysis produces a lightweight text report over a completed job's
// extracted values. It is an optional collaborator and never takes part in
// job completion.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/abadojack/whatlanggo"

	"github.com/JakeFAU/web-extractor/internal/extract"
)

// ErrNotCompleted is returned for jobs that have not completed.
var ErrNotCompleted = errors.New("analysis requires a completed job")

// Entity is a recurring capitalized phrase.
type Entity struct {
	Text  string `json:"text"`
	Count int    `json:"count"`
}

// Report summarizes a body of text.
type Report struct {
	Language     string   `json:"language"`
	LanguageName string   `json:"languageName"`
	Confidence   float64  `json:"confidence"`
	Words        int      `json:"words"`
	Sentences    int      `json:"sentences"`
	Summary      string   `json:"summary"`
	Entities     []Entity `json:"entities"`
	// Sentiment is in [-1, 1]; 0 when no opinion words were found.
	Sentiment float64 `json:"sentiment"`
}

// Analyzer reports on text.
type Analyzer interface {
	Analyze(ctx context.Context, text string) (Report, error)
}

// Config tunes the heuristic analyzer.
type Config struct {
	SummarySentences int
	MaxEntities      int
}

// Heuristic is a dictionary and pattern based Analyzer.
type Heuristic struct {
	cfg       Config
	converter *md.Converter
}

// NewHeuristic builds a Heuristic analyzer.
func NewHeuristic(cfg Config) *Heuristic {
	if cfg.SummarySentences <= 0 {
		cfg.SummarySentences = 2
	}
	if cfg.MaxEntities <= 0 {
		cfg.MaxEntities = 10
	}
	return &Heuristic{cfg: cfg, converter: md.NewConverter("", true, nil)}
}

var (
	sentenceEnd   = regexp.MustCompile(`[.!?]+(\s+|$)`)
	entityPattern = regexp.MustCompile(`\b[A-Z][a-zA-Z]+(?:\s+[A-Z][a-zA-Z]+)*\b`)
	wordPattern   = regexp.MustCompile(`[\p{L}\p{N}']+`)
	mdLink        = regexp.MustCompile(`!?\[([^\]]*)\]\([^)]*\)`)
	mdEmphasis    = regexp.MustCompile("[*_`~]+")
	mdBlock       = regexp.MustCompile(`[#>|]+`)
)

// Analyze reports on text.
func (h *Heuristic) Analyze(ctx context.Context, text string) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, fmt.Errorf("analyze: %w", err)
	}
	text = strings.Join(strings.Fields(text), " ")
	report := Report{Entities: []Entity{}}
	if text == "" {
		return report, nil
	}

	info := whatlanggo.Detect(text)
	report.Language = info.Lang.Iso6393()
	report.LanguageName = info.Lang.String()
	report.Confidence = info.Confidence

	words := wordPattern.FindAllString(text, -1)
	report.Words = len(words)

	sentences := splitSentences(text)
	report.Sentences = len(sentences)
	n := min(h.cfg.SummarySentences, len(sentences))
	report.Summary = strings.Join(sentences[:n], " ")

	report.Entities = entities(text, h.cfg.MaxEntities)
	report.Sentiment = sentiment(words)
	return report, nil
}

// AnalyzeJob joins the job's extracted values in target order and analyzes
// them. HTML values are converted to text first.
func (h *Heuristic) AnalyzeJob(ctx context.Context, job extract.Job) (Report, error) {
	if job.Status != extract.JobStatusCompleted {
		return Report{}, fmt.Errorf("job %s is %s: %w", job.ID, job.Status, ErrNotCompleted)
	}
	text, err := h.JobText(job)
	if err != nil {
		return Report{}, err
	}
	return h.Analyze(ctx, text)
}

// JobText flattens every value of every successful result into one string.
func (h *Heuristic) JobText(job extract.Job) (string, error) {
	results := append([]extract.Result(nil), job.Results...)
	sort.Slice(results, func(i, j int) bool { return results[i].Index < results[j].Index })

	var parts []string
	for _, r := range results {
		if !r.Success {
			continue
		}
		for _, rule := range rulesFor(job, r) {
			v, ok := r.Data[rule.ID]
			if !ok || v.IsNull() {
				continue
			}
			text := v.Flatten(". ")
			if rule.Kind == extract.KindHTML {
				converted, err := h.htmlText(text)
				if err != nil {
					return "", fmt.Errorf("convert %s of %s: %w", rule.ID, r.URL, err)
				}
				text = converted
			}
			if text = strings.TrimSpace(text); text != "" {
				parts = append(parts, ensureSentence(text))
			}
		}
	}
	return strings.Join(parts, " "), nil
}

func (h *Heuristic) htmlText(fragment string) (string, error) {
	markdown, err := h.converter.ConvertString(fragment)
	if err != nil {
		return "", fmt.Errorf("html to markdown: %w", err)
	}
	markdown = mdLink.ReplaceAllString(markdown, "$1")
	markdown = mdEmphasis.ReplaceAllString(markdown, "")
	markdown = mdBlock.ReplaceAllString(markdown, " ")
	return strings.Join(strings.Fields(markdown), " "), nil
}

// rulesFor returns the selectors of the target that produced r, or synthetic
// text rules for its keys when the target is unknown.
func rulesFor(job extract.Job, r extract.Result) []extract.SelectorRule {
	if r.Index >= 0 && r.Index < len(job.Targets) {
		return job.Targets[r.Index].Selectors
	}
	keys := make([]string, 0, len(r.Data))
	for k := range r.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rules := make([]extract.SelectorRule, len(keys))
	for i, k := range keys {
		rules[i] = extract.SelectorRule{ID: k, Kind: extract.KindText}
	}
	return rules
}

func ensureSentence(s string) string {
	switch s[len(s)-1] {
	case '.', '!', '?':
		return s
	}
	return s + "."
}

func splitSentences(text string) []string {
	var out []string
	last := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		if s := strings.TrimSpace(text[last:loc[1]]); s != "" {
			out = append(out, s)
		}
		last = loc[1]
	}
	if s := strings.TrimSpace(text[last:]); s != "" {
		out = append(out, s)
	}
	return out
}

var entityStopwords = map[string]struct{}{
	"The": {}, "A": {}, "An": {}, "This": {}, "That": {}, "These": {}, "Those": {},
	"It": {}, "We": {}, "You": {}, "They": {}, "He": {}, "She": {}, "I": {},
	"In": {}, "On": {}, "At": {}, "For": {}, "And": {}, "But": {}, "Or": {}, "If": {},
}

func entities(text string, limit int) []Entity {
	counts := make(map[string]int)
	for _, m := range entityPattern.FindAllString(text, -1) {
		fields := strings.Fields(m)
		for len(fields) > 0 {
			if _, stop := entityStopwords[fields[0]]; !stop {
				break
			}
			fields = fields[1:]
		}
		if len(fields) == 0 {
			continue
		}
		counts[strings.Join(fields, " ")]++
	}
	out := make([]Entity, 0, len(counts))
	for name, count := range counts {
		out = append(out, Entity{Text: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Text < out[j].Text
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

var (
	positiveWords = wordSet("good great excellent amazing love best happy positive wonderful fantastic " +
		"perfect nice awesome recommend fast reliable beautiful success improved win")
	negativeWords = wordSet("bad poor terrible awful hate worst sad negative horrible broken " +
		"slow fail failed failure disappointing problem issue expensive error lose")
)

func wordSet(list string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(list) {
		out[w] = struct{}{}
	}
	return out
}

func sentiment(words []string) float64 {
	var pos, neg int
	for _, w := range words {
		lw := strings.ToLower(w)
		if _, ok := positiveWords[lw]; ok {
			pos++
		}
		if _, ok := negativeWords[lw]; ok {
			neg++
		}
	}
	if pos+neg == 0 {
		return 0
	}
	return float64(pos-neg) / float64(pos+neg)
}
