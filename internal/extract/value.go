package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ValueKind discriminates the Value union.
type ValueKind uint8

// Value kinds.
const (
	ValueNull ValueKind = iota
	ValueText
	ValueList
)

// Value is an extracted value: null, a string, or a list of strings. The zero
// Value is null.
type Value struct {
	kind ValueKind
	text string
	list []string
}

// Null returns the null value.
func Null() Value { return Value{} }

// Text wraps a string.
func Text(s string) Value { return Value{kind: ValueText, text: s} }

// List wraps a list of strings. A nil slice becomes an empty list, which is
// distinct from Null.
func List(items []string) Value {
	out := make([]string, len(items))
	copy(out, items)
	return Value{kind: ValueList, list: out}
}

// Kind returns the discriminator.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether v holds no value.
func (v Value) IsNull() bool { return v.kind == ValueNull }

// Str returns the string payload.
func (v Value) Str() (string, bool) {
	return v.text, v.kind == ValueText
}

// Items returns the list payload.
func (v Value) Items() ([]string, bool) {
	if v.kind != ValueList {
		return nil, false
	}
	return v.list, true
}

// Flatten renders v as a single cell: null is empty and lists are joined by sep.
func (v Value) Flatten(sep string) string {
	switch v.kind {
	case ValueText:
		return v.text
	case ValueList:
		return strings.Join(v.list, sep)
	default:
		return ""
	}
}

// Append concatenates list values. Non-list receivers are returned unchanged.
func (v Value) Append(other Value) Value {
	if v.kind != ValueList {
		return v
	}
	items, ok := other.Items()
	if !ok {
		return v
	}
	merged := make([]string, 0, len(v.list)+len(items))
	merged = append(merged, v.list...)
	merged = append(merged, items...)
	return Value{kind: ValueList, list: merged}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case ValueText:
		return json.Marshal(v.text)
	case ValueList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		*v = Null()
	case trimmed[0] == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("decode text value: %w", err)
		}
		*v = Text(s)
	case trimmed[0] == '[':
		var items []string
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return fmt.Errorf("decode list value: %w", err)
		}
		*v = List(items)
	default:
		return fmt.Errorf("unsupported value %s", string(trimmed))
	}
	return nil
}
