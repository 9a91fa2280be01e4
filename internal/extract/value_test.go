package extract

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValueJSON(t *testing.T) {
	t.Parallel()

	data := map[string]Value{
		"title": Text("Hello"),
		"items": List([]string{"A", "B"}),
		"empty": List(nil),
		"gone":  Null(),
	}
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.JSONEq(t, `{"title":"Hello","items":["A","B"],"empty":[],"gone":null}`, string(raw))

	var decoded map[string]Value
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, data, decoded)

	items, ok := decoded["empty"].Items()
	require.True(t, ok)
	require.NotNil(t, items)
	require.Empty(t, items)
	require.True(t, decoded["gone"].IsNull())
}

func TestValueUnmarshalRejectsObjects(t *testing.T) {
	t.Parallel()

	var v Value
	require.Error(t, json.Unmarshal([]byte(`{"a":1}`), &v))
	require.Error(t, json.Unmarshal([]byte(`[1,2]`), &v))
}

func TestValueAppendAndFlatten(t *testing.T) {
	t.Parallel()

	merged := List([]string{"A"}).Append(List([]string{"B", "C"}))
	require.Equal(t, "A;B;C", merged.Flatten(";"))
	require.Equal(t, Text("x"), Text("x").Append(List([]string{"y"})))
	require.Equal(t, "", Null().Flatten(";"))
}

func TestResultRoundTrip(t *testing.T) {
	t.Parallel()

	results := []Result{
		{
			Index:     0,
			URL:       "https://example.com",
			Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 123, time.UTC),
			Success:   true,
			Data:      map[string]Value{"h1": Text("Hello"), "li": List([]string{})},
			Metadata:  Metadata{StatusCode: 200, ResponseTimeMs: 12, PageTitle: "Home", Pages: 1},
		},
		{
			Index:     1,
			URL:       "https://bad.example",
			Timestamp: time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC),
			Data:      map[string]Value{},
			Error:     "fetch timed out",
			ErrorKind: string(FetchTimeout),
		},
	}
	raw, err := json.Marshal(results)
	require.NoError(t, err)

	var decoded []Result
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, results, decoded)
}
