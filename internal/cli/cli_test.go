package cli

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ywci/tbc/internal/journal"
	"github.com/ywci/tbc/internal/timestamp"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeJournal(t *testing.T, backend, path string, tss []timestamp.Timestamp) {
	t.Helper()
	j, err := journal.Open(&journal.Config{Backend: backend, Path: path}, nil)
	require.NoError(t, err)
	for i, ts := range tss {
		_, err := j.Record(ts, []byte{'m', byte('0' + i)})
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())
}

func ts(usec, origin uint32) timestamp.Timestamp {
	return timestamp.Timestamp{Sec: 1, Usec: usec, Origin: origin}
}

func TestVerifyCommand(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	c := filepath.Join(dir, "c")
	writeJournal(t, "pebble", a, []timestamp.Timestamp{ts(1, 0), ts(1, 1), ts(2, 0)})
	writeJournal(t, "pebble", b, []timestamp.Timestamp{ts(1, 0), ts(1, 1)})
	writeJournal(t, "pebble", c, []timestamp.Timestamp{ts(1, 1), ts(1, 0)})

	out, err := execute(t, "verify", "--backend", "pebble", a, b)
	require.NoError(t, err)
	assert.Contains(t, out, "2 in common, order agrees")

	_, err = execute(t, "verify", "--backend", "pebble", a, c)
	assert.Error(t, err)
}

func TestJournalDumpCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	writeJournal(t, "sqlite", path, []timestamp.Timestamp{ts(1, 0), ts(2, 1)})

	out, err := execute(t, "journal", "dump", "--backend", "sqlite", "--path", path, "--from", "1")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "1\t"))
	assert.Contains(t, lines[0], `"m1"`)
}

func TestFormatPayload(t *testing.T) {
	assert.Equal(t, `"hi"`, formatPayload([]byte("hi"), false))
	assert.Equal(t, "6869", formatPayload([]byte("hi"), true))
	assert.Equal(t, "ff", formatPayload([]byte{0xff}, false))
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "tbc version 0.1.0-dev")
	assert.Contains(t, out, "pebble")
}
