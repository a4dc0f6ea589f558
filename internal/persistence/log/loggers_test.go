package log

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []QAEntry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	dec, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer dec.Close()

	var out []QAEntry
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		var e QAEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		out = append(out, e)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestQALogger_HourlyFiles(t *testing.T) {
	dir := t.TempDir()
	l := NewQALogger(dir)
	clock := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	l.w.now = func() time.Time { return clock }

	require.NoError(t, l.WriteEntry(QAEntry{TS: clock, Direction: DirSend, ID: "c-1", Command: "ship.info"}))
	require.NoError(t, l.WriteEntry(QAEntry{TS: clock, Direction: DirRecv, ReplyTo: "c-1", Type: "ship.info", Status: "ok"}))
	first := l.w.Path()

	clock = clock.Add(2 * time.Minute)
	require.NoError(t, l.WriteEntry(QAEntry{TS: clock, Direction: DirSend, ID: "c-2", Command: "sector.info", Payload: json.RawMessage(`{"sector_id":4}`)}))
	second := l.w.Path()
	require.NoError(t, l.Close())

	assert.Equal(t, filepath.Join(dir, "qa-2026-03-01-10.jsonl.zst"), first)
	assert.Equal(t, filepath.Join(dir, "qa-2026-03-01-11.jsonl.zst"), second)

	got := readLines(t, first)
	require.Len(t, got, 2)
	assert.Equal(t, "ship.info", got[0].Command)
	assert.Equal(t, "c-1", got[1].ReplyTo)

	got = readLines(t, second)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"sector_id":4}`, string(got[0].Payload))
}

func TestJSONLZstdWriter_ReopenAppends(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		w := NewJSONLZstdWriter(dir, "qa")
		w.now = func() time.Time { return clock }
		require.NoError(t, w.Write(QAEntry{Direction: DirSend, Command: "player.ping"}))
		require.NoError(t, w.Close())
	}
	got := readLines(t, filepath.Join(dir, "qa-2026-03-01-10.jsonl.zst"))
	assert.Len(t, got, 2)
}

func TestListAndReadQA(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	l := NewQALogger(dir)
	l.w.now = func() time.Time { return clock }
	require.NoError(t, l.WriteEntry(QAEntry{Direction: DirSend, ID: "c-1", Command: "player.my_info"}))
	clock = clock.Add(time.Hour)
	require.NoError(t, l.WriteEntry(QAEntry{Direction: DirRecv, ReplyTo: "c-1", Type: "player.info", Status: "ok"}))
	require.NoError(t, l.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	files, err := ListQAFiles(dir)
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, "qa-2026-03-01-23.jsonl.zst"),
		filepath.Join(dir, "qa-2026-03-02-00.jsonl.zst"),
	}, files)

	var dirs []string
	for _, f := range files {
		require.NoError(t, ReadQA(f, func(e QAEntry) error {
			dirs = append(dirs, e.Direction)
			return nil
		}))
	}
	assert.Equal(t, []string{DirSend, DirRecv}, dirs)
}
