package r2s3

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestClient_PutFileSigned(t *testing.T) {
	var (
		mu   sync.Mutex
		got  *http.Request
		body string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		got, body = r, string(b)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "bugs", "AKID", "SECRET")
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	local := filepath.Join(t.TempDir(), "summary.json")
	require.NoError(t, os.WriteFile(local, []byte(`{"count":1}`), 0o644))
	require.NoError(t, c.PutFile(context.Background(), "/twbot/move warp/summary.json", local))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, got.Method)
	assert.Equal(t, "/bugs/twbot/move%20warp/summary.json", got.URL.EscapedPath())
	assert.Equal(t, `{"count":1}`, body)
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, "20260301T120000Z", got.Header.Get("x-amz-date"))
	auth := got.Header.Get("Authorization")
	assert.True(t, strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AKID/20260301/auto/s3/aws4_request"), auth)
	assert.Contains(t, auth, "SignedHeaders=host;x-amz-content-sha256;x-amz-date")
}

func TestClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer srv.Close()
	c, err := New(srv.URL, "bugs", "a", "b")
	require.NoError(t, err)
	err = c.PutObject(context.Background(), "x.json", []byte("{}"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=403")

	assert.Error(t, c.PutObject(context.Background(), "/", nil, ""))
}

func TestNew_RequiresEverything(t *testing.T) {
	_, err := New("", "b", "a", "s")
	assert.Error(t, err)
	c, err := New("example.r2.dev", "b", "a", "s")
	require.NoError(t, err)
	assert.Equal(t, "https://example.r2.dev", c.endpoint)
	assert.Equal(t, "auto", c.region)
	c.SetRegion(" ")
	assert.Equal(t, "auto", c.region)
	c.SetRegion("us-east-1")
	assert.Equal(t, "us-east-1", c.region)
}

type fakeUploader struct {
	mu    sync.Mutex
	keys  []string
	fails int
}

func (f *fakeUploader) PutFile(_ context.Context, key, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("flaky")
	}
	f.keys = append(f.keys, key)
	return nil
}

func TestMirror_UploadsRelativeKeysWithRetry(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "move.warp_1402")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	local := filepath.Join(dir, "response.json")
	require.NoError(t, os.WriteFile(local, []byte("{}"), 0o644))
	outside := filepath.Join(t.TempDir(), "x.json")
	require.NoError(t, os.WriteFile(outside, []byte("{}"), 0o644))

	up := &fakeUploader{fails: 1}
	m := NewMirror(up, MirrorOptions{BaseDir: base, Prefix: "/twbot/", RetryPause: time.Millisecond}, zaptest.NewLogger(t))
	m.Enqueue(local)
	m.Enqueue(outside)
	m.Close()
	m.Close()

	assert.Equal(t, []string{"twbot/move.warp_1402/response.json"}, up.keys)
	st := m.Stats()
	assert.Equal(t, uint64(2), st.EnqueuedTotal)
	assert.Equal(t, uint64(1), st.UploadSuccessTotal)
	assert.Zero(t, st.UploadFailTotal)
}

func TestMirror_NilIsNoop(t *testing.T) {
	var m *Mirror
	m.Enqueue("x")
	m.Close()
	assert.Equal(t, Stats{}, m.Stats())
}
