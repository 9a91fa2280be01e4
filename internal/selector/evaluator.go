// Package selector evaluates CSS selector rules against parsed documents.
package selector

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/JakeFAU/web-extractor/internal/extract"
)

// Parse builds a queryable document from an HTML body.
func Parse(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// Compile parses a CSS selector group.
func Compile(path string) (cascadia.Selector, error) {
	sel, err := cascadia.Compile(strings.TrimSpace(path))
	if err != nil {
		return nil, fmt.Errorf("compile selector %q: %w", path, err)
	}
	return sel, nil
}

// Evaluate applies one rule to doc. A rule whose outer path matches nothing
// yields Null. Malformed selectors yield an *extract.EvalError.
func Evaluate(doc *goquery.Document, rule extract.SelectorRule) (extract.Value, error) {
	outer, err := Compile(rule.Path)
	if err != nil {
		return extract.Null(), &extract.EvalError{SelectorID: rule.ID, Err: err}
	}
	first := doc.FindMatcher(goquery.SingleMatcher(outer))
	if first.Length() == 0 && rule.Kind.Valid() {
		return extract.Null(), nil
	}

	switch rule.Kind {
	case extract.KindText:
		return extract.Text(strings.TrimSpace(first.Text())), nil
	case extract.KindHTML:
		inner, err := first.Html()
		if err != nil {
			return extract.Null(), &extract.EvalError{SelectorID: rule.ID, Err: err}
		}
		return extract.Text(inner), nil
	case extract.KindAttribute:
		value, ok := first.Attr(rule.AttributeName)
		if !ok {
			return extract.Null(), nil
		}
		return extract.Text(value), nil
	case extract.KindList:
		item, err := Compile(rule.ListItemPath)
		if err != nil {
			return extract.Null(), &extract.EvalError{SelectorID: rule.ID, Err: err}
		}
		items := first.FindMatcher(item)
		out := make([]string, 0, items.Length())
		items.Each(func(_ int, s *goquery.Selection) {
			out = append(out, strings.TrimSpace(s.Text()))
		})
		return extract.List(out), nil
	default:
		return extract.Null(), &extract.EvalError{SelectorID: rule.ID, Err: fmt.Errorf("unknown kind %q", rule.Kind)}
	}
}

// EvaluateAll applies every rule. Failed rules are stored as Null and their
// errors returned alongside the data.
func EvaluateAll(doc *goquery.Document, rules []extract.SelectorRule) (map[string]extract.Value, []error) {
	data := make(map[string]extract.Value, len(rules))
	var errs []error
	for _, rule := range rules {
		value, err := Evaluate(doc, rule)
		if err != nil {
			errs = append(errs, err)
		}
		data[rule.ID] = value
	}
	return data, errs
}

// Title returns the trimmed text of the first <title> element.
func Title(doc *goquery.Document) string {
	return strings.TrimSpace(doc.Find("title").First().Text())
}

// Link returns the href of the first element matching path.
func Link(doc *goquery.Document, path string) (string, bool, error) {
	m, err := Compile(path)
	if err != nil {
		return "", false, err
	}
	href, ok := doc.FindMatcher(goquery.SingleMatcher(m)).Attr("href")
	href = strings.TrimSpace(href)
	if !ok || href == "" {
		return "", false, nil
	}
	return href, true, nil
}
