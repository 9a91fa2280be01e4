package extract

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// reservedColumns are written for every persisted row.
var reservedColumns = map[string]struct{}{"job_id": {}, "url": {}, "success": {}, "fetched_at": {}}

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidIdentifier reports whether s is safe to use as a SQL table or column name.
func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// ValidateTargets checks a submission before a job is created.
func ValidateTargets(targets []Target) error {
	if len(targets) == 0 {
		return &ValidationError{Field: "targets", Msg: "at least one target is required"}
	}
	for i, target := range targets {
		if err := target.Validate(); err != nil {
			return fmt.Errorf("targets[%d]: %w", i, err)
		}
	}
	return nil
}

// Validate checks one target.
func (t Target) Validate() error {
	if strings.TrimSpace(t.URL) == "" {
		return &ValidationError{Field: "url", Msg: "is required"}
	}
	if _, err := url.Parse(t.URL); err != nil {
		return &ValidationError{Field: "url", Msg: "is not a valid URL"}
	}
	if len(t.Selectors) == 0 {
		return &ValidationError{Field: "selectors", Msg: "at least one selector is required"}
	}
	seen := make(map[string]struct{}, len(t.Selectors))
	for i, rule := range t.Selectors {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("selectors[%d]: %w", i, err)
		}
		if _, dup := seen[rule.ID]; dup {
			return &ValidationError{Field: fmt.Sprintf("selectors[%d].id", i), Msg: "duplicate id " + rule.ID}
		}
		seen[rule.ID] = struct{}{}
	}
	return t.Options.Validate()
}

// Validate checks one selector rule.
func (r SelectorRule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return &ValidationError{Field: "id", Msg: "is required"}
	}
	if strings.TrimSpace(r.Path) == "" {
		return &ValidationError{Field: "path", Msg: "is required"}
	}
	switch r.Kind {
	case KindText, KindHTML:
	case KindAttribute:
		if strings.TrimSpace(r.AttributeName) == "" {
			return &ValidationError{Field: "attributeName", Msg: "is required for attribute selectors"}
		}
	case KindList:
		if strings.TrimSpace(r.ListItemPath) == "" {
			return &ValidationError{Field: "listItemPath", Msg: "is required for list selectors"}
		}
	default:
		return &ValidationError{Field: "kind", Msg: fmt.Sprintf("unknown kind %q", r.Kind)}
	}
	return nil
}

// Validate checks fetch options.
func (o FetchOptions) Validate() error {
	switch strings.ToUpper(o.Method) {
	case "", http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return &ValidationError{Field: "options.method", Msg: fmt.Sprintf("unsupported method %q", o.Method)}
	}
	if o.Timeout < 0 || o.WaitTimeout < 0 || o.RetryDelayMs < 0 || o.ThrottleMs < 0 {
		return &ValidationError{Field: "options", Msg: "durations must be >= 0"}
	}
	if o.MaxRetries != nil && *o.MaxRetries < 0 {
		return &ValidationError{Field: "options.maxRetries", Msg: "must be >= 0"}
	}
	switch o.Backoff {
	case "", BackoffExponential, BackoffFixed:
	default:
		return &ValidationError{Field: "options.backoff", Msg: fmt.Sprintf("unknown backoff %q", o.Backoff)}
	}
	if o.Proxy != "" {
		u, err := url.Parse(o.Proxy)
		if err != nil || u.Host == "" {
			return &ValidationError{Field: "options.proxy", Msg: "is not a valid URL"}
		}
	}
	for i, c := range o.Cookies {
		if c.Name == "" {
			return &ValidationError{Field: fmt.Sprintf("options.cookies[%d].name", i), Msg: "is required"}
		}
	}
	if p := o.Pagination; p != nil && p.Enabled {
		if strings.TrimSpace(p.NextPageSelector) == "" {
			return &ValidationError{Field: "options.pagination.nextPageSelector", Msg: "is required when pagination is enabled"}
		}
		if p.MaxPages < 0 {
			return &ValidationError{Field: "options.pagination.maxPages", Msg: "must be >= 0"}
		}
	}
	return nil
}

// Validate checks a persistence request.
func (p PersistSpec) Validate() error {
	if !ValidIdentifier(p.Table) {
		return &ValidationError{Field: "persist.table", Msg: fmt.Sprintf("invalid identifier %q", p.Table)}
	}
	if len(p.Columns) == 0 {
		return &ValidationError{Field: "persist.columns", Msg: "at least one column mapping is required"}
	}
	for selectorID, column := range p.Columns {
		if !ValidIdentifier(column) {
			return &ValidationError{Field: "persist.columns." + selectorID, Msg: fmt.Sprintf("invalid identifier %q", column)}
		}
		if _, reserved := reservedColumns[strings.ToLower(column)]; reserved {
			return &ValidationError{Field: "persist.columns." + selectorID, Msg: fmt.Sprintf("column %q is reserved", column)}
		}
	}
	return nil
}
