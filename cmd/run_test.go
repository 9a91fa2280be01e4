package cmd

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const targetsJSON = `[{"url":"http://192.168.1.5/admin","selectors":[{"id":"title","path":"h1","kind":"text"}]}]`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadSubmission(t *testing.T) {
	t.Parallel()

	req, err := loadSubmission(writeFile(t, "targets.json", targetsJSON))
	require.NoError(t, err)
	require.Equal(t, cliClientID, req.ClientID)
	require.Len(t, req.Targets, 1)
	require.Nil(t, req.Persist)

	req, err = loadSubmission(writeFile(t, "job.json", `{
		"targets": `+targetsJSON+`,
		"persist": {"table": "pages", "columns": {"title": "title"}}
	}`))
	require.NoError(t, err)
	require.Len(t, req.Targets, 1)
	require.Equal(t, "pages", req.Persist.Table)

	_, err = loadSubmission(writeFile(t, "bad.json", `{"targets":`))
	require.ErrorContains(t, err, "parse targets")

	_, err = loadSubmission(filepath.Join(t.TempDir(), "missing.json"))
	require.ErrorContains(t, err, "read targets")
}

func TestRunCommandRejectsUnknownFormat(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	root.SetArgs([]string{"run", "--targets", writeFile(t, "targets.json", targetsJSON), "--format", "pdf"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	require.ErrorContains(t, root.ExecuteContext(context.Background()), "unsupported format")
}

func TestRunCommandWritesExport(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "results.csv")
	root := newRootCmd()
	root.SetArgs([]string{
		"run",
		"--targets", writeFile(t, "targets.json", targetsJSON),
		"--format", "csv",
		"--out", out,
		"--poll", "10ms",
	})
	root.SetOut(&bytes.Buffer{})
	require.NoError(t, root.ExecuteContext(context.Background()))

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Contains(t, records[0], "title")
	require.Contains(t, records[1], "http://192.168.1.5/admin")
	require.Contains(t, records[1], "local network forbidden")
}
