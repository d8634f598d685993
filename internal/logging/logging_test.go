package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Level:         "info",
		FilePath:      filepath.Join(dir, "server.log"),
		MaxSizeMB:     10,
		MaxFiles:      3,
		WriteToStderr: false,
	}

	logger, cleanup, err := Setup(cfg)
	require.NoError(t, err)
	defer cleanup()

	logger.Info("batch committed", "batch_uid", 7, "index_uid", "doggos", "duration_ms", 42)
	cleanup()

	data, err := os.ReadFile(cfg.FilePath)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, "batch committed", entry["msg"])
	assert.Equal(t, float64(7), entry["batch_uid"])
	assert.Equal(t, "doggos", entry["index_uid"])
}

func TestRotatingWriterRotatesBeyondMaxSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.log")

	w, err := NewRotatingWriter(path, 0, 2) // maxSizeMB=0 forces rotation on first write
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write([]byte("first line\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("second line\n"))
	require.NoError(t, err)

	rotated := path + ".1"
	_, statErr := os.Stat(rotated)
	assert.NoError(t, statErr)
}

func TestViewerTailFiltersByLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.log")

	lines := []string{
		`{"time":"2026-07-31T10:00:00Z","level":"INFO","msg":"index created","index_uid":"doggos"}`,
		`{"time":"2026-07-31T10:00:01Z","level":"ERROR","msg":"batch failed","batch_uid":3}`,
		`{"time":"2026-07-31T10:00:02Z","level":"DEBUG","msg":"tokenizing document"}`,
	}
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	var buf bytes.Buffer
	v := NewViewer(ViewerConfig{Level: "error"}, &buf)

	entries, err := v.Tail(path, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "batch failed", entries[0].Msg)
	assert.Equal(t, float64(3), entries[0].Attrs["batch_uid"])
}

func TestViewerFollowStreamsAppendedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	var buf bytes.Buffer
	v := NewViewer(ViewerConfig{}, &buf)

	entries := make(chan LogEntry, 8)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	go func() {
		_ = v.Follow(ctx, path, entries)
	}()

	time.Sleep(50 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"time":"2026-07-31T10:00:03Z","level":"INFO","msg":"task enqueued"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	select {
	case entry := <-entries:
		assert.Equal(t, "task enqueued", entry.Msg)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for followed log entry")
	}
}

func TestFindLogFileRejectsMissingExplicitPath(t *testing.T) {
	_, err := FindLogFile("/nonexistent/explicit.log")
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "debug", LevelFromString("DEBUG").String())
	assert.Equal(t, "info", LevelFromString("info").String())
	assert.Equal(t, "info", LevelFromString("unknown").String())
}
