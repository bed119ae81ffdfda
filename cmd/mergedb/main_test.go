package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	mhttp "mergedb/internal/http"
	"mergedb/pkg/config"
	"mergedb/pkg/merge"
	"mergedb/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := newApp()
	cmd.Writer = &out
	cmd.ErrWriter = io.Discard

	err := cmd.Run(context.Background(), append([]string{"mergedb"}, args...))
	return out.String(), err
}

func TestCLI_WriteAndRead(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("merge:\n  operator: stringappend\n  delimiter: \"|\"\ndb:\n  wal:\n    sync: false\n"), 0600))
	data := filepath.Join(dir, "data")

	base := []string{"-c", cfgPath, "-d", data}
	for _, args := range [][]string{
		{"put", "k", "a"},
		{"merge", "k", "b"},
		{"flush"},
		{"merge", "k", "c"},
		{"compact"},
		{"merge", "gone", "x"},
		{"delete", "gone"},
	} {
		_, err := run(t, append(base, args...)...)
		require.NoError(t, err, "mergedb %v", args)
	}

	out, err := run(t, append(base, "get", "k")...)
	require.NoError(t, err)
	assert.Equal(t, "a|b|c\n", out)

	_, err = run(t, append(base, "get", "gone")...)
	assert.ErrorContains(t, err, "not found")

	out, err = run(t, append(base, "stats")...)
	require.NoError(t, err)
	assert.Contains(t, out, "mergedb_segments")
}

func TestCLI_Errors(t *testing.T) {
	dir := t.TempDir()
	base := []string{"-c", filepath.Join(dir, "missing.yaml"), "-d", dir}

	_, err := run(t, append(base, "put", "only-key")...)
	assert.ErrorContains(t, err, "expected 2 argument(s)")

	cfgPath := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("merge:\n  operator: nope\n"), 0600))
	_, err = run(t, "-c", cfgPath, "-d", dir, "get", "k")
	assert.Error(t, err)
}

func TestCLI_Bench(t *testing.T) {
	cfg := config.Default()
	cfg.Persistence.RootPath = t.TempDir()
	cfg.WAL.Sync = false
	cfg.Memtable.FlushThresholdBytes = 2 << 10

	db, err := store.Open(cfg, merge.NewStringAppend(','), store.WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	defer db.Close()

	ts := httptest.NewServer(mhttp.NewServer(db, cfg.Server).Handler())
	defer ts.Close()

	dir := t.TempDir()
	out, err := run(t, "-c", filepath.Join(dir, "missing.yaml"), "-d", dir,
		"bench", "--url", ts.URL, "--ops", "200", "--concurrency", "4", "--keys", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "Successful: 200")
	assert.Contains(t, out, "Failed: 0")
}

func TestSummarize(t *testing.T) {
	lat := []time.Duration{5 * time.Millisecond, time.Millisecond, 3 * time.Millisecond}
	res := summarize(4, 1, time.Second, lat)

	assert.Equal(t, 3, res.SuccessfulOps)
	assert.Equal(t, 1, res.FailedOps)
	assert.InDelta(t, 3.0, res.OpsPerSec, 0.001)
	assert.Equal(t, time.Millisecond, res.MinLatency)
	assert.Equal(t, 5*time.Millisecond, res.MaxLatency)
	assert.Equal(t, 3*time.Millisecond, res.AvgLatency)
}
