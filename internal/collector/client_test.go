package collector

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/rewired-gh/relaypanel/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecorder struct {
	records []ArchiveRecord
}

func (f *fakeRecorder) RecordArchive(ctx context.Context, rec ArchiveRecord) error {
	f.records = append(f.records, rec)
	return nil
}

func newArchiveServer(t *testing.T, body []byte, status int) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.URL.Path != "/consensuses-2023-01.tar.xz" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("User-Agent") != "panel-test/1.0" {
			t.Errorf("Expected user agent panel-test/1.0, got %q", r.Header.Get("User-Agent"))
		}
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestFetch_DownloadsAndCaches(t *testing.T) {
	body := []byte("archive-bytes")
	srv, hits := newArchiveServer(t, body, http.StatusOK)
	cacheDir := filepath.Join(t.TempDir(), "nested", "cache")
	rec := &fakeRecorder{}

	c := NewClient(srv.URL+"/", cacheDir, ClientConfig{UserAgent: "panel-test/1.0", Recorder: rec})
	a, err := c.Fetch(context.Background(), "2023-01")
	require.NoError(t, err)

	assert.Equal(t, body, a.Data)
	assert.False(t, a.Cached)
	assert.Equal(t, srv.URL+"/consensuses-2023-01.tar.xz", a.Source)
	assert.EqualValues(t, 1, atomic.LoadInt32(hits))

	onDisk, err := os.ReadFile(filepath.Join(cacheDir, "consensuses-2023-01.tar.xz"))
	require.NoError(t, err)
	assert.Equal(t, body, onDisk)

	entries, err := os.ReadDir(cacheDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")

	require.Len(t, rec.records, 1)
	assert.Equal(t, "2023-01", rec.records[0].Month)
	assert.Equal(t, len(body), rec.records[0].Bytes)
	assert.Len(t, rec.records[0].SHA256, 64)
}

func TestFetch_CacheHitMakesNoRequests(t *testing.T) {
	srv, hits := newArchiveServer(t, []byte("fresh"), http.StatusOK)
	cacheDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cacheDir, "consensuses-2023-01.tar.xz"), []byte("stale"), 0o644))

	c := NewClient(srv.URL, cacheDir, ClientConfig{UserAgent: "panel-test/1.0"})
	a, err := c.Fetch(context.Background(), "2023-01")
	require.NoError(t, err)

	assert.True(t, a.Cached)
	assert.Equal(t, []byte("stale"), a.Data)
	assert.EqualValues(t, 0, atomic.LoadInt32(hits))
}

func TestFetch_SecondRunUsesCache(t *testing.T) {
	srv, hits := newArchiveServer(t, []byte("bytes"), http.StatusOK)
	cacheDir := t.TempDir()

	first := NewClient(srv.URL, cacheDir, ClientConfig{UserAgent: "panel-test/1.0"})
	_, err := first.Fetch(context.Background(), "2023-01")
	require.NoError(t, err)

	second := NewClient(srv.URL, cacheDir, ClientConfig{UserAgent: "panel-test/1.0"})
	a, err := second.Fetch(context.Background(), "2023-01")
	require.NoError(t, err)

	assert.True(t, a.Cached)
	assert.EqualValues(t, 1, atomic.LoadInt32(hits))
}

func TestFetch_MemoizesWithinRun(t *testing.T) {
	srv, hits := newArchiveServer(t, []byte("bytes"), http.StatusOK)
	cacheDir := t.TempDir()

	c := NewClient(srv.URL, cacheDir, ClientConfig{UserAgent: "panel-test/1.0"})
	for i := 0; i < 3; i++ {
		_, err := c.Fetch(context.Background(), "2023-01")
		require.NoError(t, err)
	}
	// Removing the cache file proves later calls never touch the disk again.
	require.NoError(t, os.Remove(c.CachePath("2023-01")))
	_, err := c.Fetch(context.Background(), "2023-01")
	require.NoError(t, err)

	assert.EqualValues(t, 1, atomic.LoadInt32(hits))
}

func TestFetch_HTTPErrorIsFetchError(t *testing.T) {
	srv, _ := newArchiveServer(t, nil, http.StatusNotFound)
	cacheDir := t.TempDir()

	c := NewClient(srv.URL, cacheDir, ClientConfig{UserAgent: "panel-test/1.0"})
	_, err := c.Fetch(context.Background(), "2023-01")
	require.Error(t, err)

	var ferr *FetchError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, http.StatusNotFound, ferr.StatusCode)
	assert.Equal(t, "2023-01", ferr.Month)

	_, statErr := os.Stat(c.CachePath("2023-01"))
	assert.True(t, os.IsNotExist(statErr), "failed downloads must not be cached")
}

func TestFetch_NoRetryByDefault(t *testing.T) {
	srv, hits := newArchiveServer(t, nil, http.StatusServiceUnavailable)

	c := NewClient(srv.URL, t.TempDir(), ClientConfig{UserAgent: "panel-test/1.0"})
	_, err := c.Fetch(context.Background(), "2023-01")
	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(hits))
}

func TestFetch_RetriesServerErrorsWhenConfigured(t *testing.T) {
	srv, hits := newArchiveServer(t, nil, http.StatusServiceUnavailable)

	c := NewClient(srv.URL, t.TempDir(), ClientConfig{
		UserAgent: "panel-test/1.0",
		Retry:     retry.NewPolicy(3, 0, 1),
	})
	_, err := c.Fetch(context.Background(), "2023-01")
	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.EqualValues(t, 3, atomic.LoadInt32(hits))
}

func TestFetch_ClientErrorsAreNotRetried(t *testing.T) {
	srv, hits := newArchiveServer(t, nil, http.StatusForbidden)

	c := NewClient(srv.URL, t.TempDir(), ClientConfig{
		UserAgent: "panel-test/1.0",
		Retry:     retry.NewPolicy(3, 0, 1),
	})
	_, err := c.Fetch(context.Background(), "2023-01")
	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(hits))
}

func TestFetch_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url, t.TempDir(), ClientConfig{})
	_, err := c.Fetch(context.Background(), "2023-01")
	var ferr *FetchError
	require.True(t, errors.As(err, &ferr))
	assert.Zero(t, ferr.StatusCode)
}
