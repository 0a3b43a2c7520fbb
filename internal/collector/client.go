// Package collector resolves monthly consensus archives to raw bytes.
//
// Archives are fetched over HTTPS from a CollecTor-style base URL and kept in
// a local cache directory, one file per month. A cached file is returned
// unconditionally; staleness is never checked. The cache is not locked, so
// concurrent processes sharing a cache directory may race on the same month.
package collector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/relaypanel/internal/logger"
	"github.com/rewired-gh/relaypanel/internal/retry"
)

// ArchiveRecord describes a freshly downloaded archive.
type ArchiveRecord struct {
	Month     string
	URL       string
	Path      string
	Bytes     int
	SHA256    string
	FetchedAt time.Time
}

// Recorder receives a record for every archive downloaded from the network.
type Recorder interface {
	RecordArchive(ctx context.Context, rec ArchiveRecord) error
}

// Archive is the raw bytes of one monthly bundle plus where they came from.
type Archive struct {
	Month  string
	Source string
	Cached bool
	Data   []byte
}

// FetchError reports a failed download of a month archive.
type FetchError struct {
	Month      string
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s archive %s: HTTP %d", e.Month, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s archive %s: %v", e.Month, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ClientConfig holds the optional client settings
type ClientConfig struct {
	UserAgent string
	// Timeout of zero keeps the transport default.
	Timeout  time.Duration
	Retry    retry.Policy
	Recorder Recorder
}

// Client provides cached access to monthly consensus archives
type Client struct {
	baseURL    string
	cacheDir   string
	userAgent  string
	httpClient *http.Client
	policy     retry.Policy
	recorder   Recorder

	// most recently resolved month, so every hour attempt in a run reuses it
	memo *Archive
}

// NewClient creates a new archive client
func NewClient(baseURL, cacheDir string, cfg ClientConfig) *Client {
	policy := cfg.Retry
	if policy.MaxAttempts < 1 {
		policy = retry.None
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		cacheDir:   cacheDir,
		userAgent:  cfg.UserAgent,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		policy:     policy,
		recorder:   cfg.Recorder,
	}
}

// ArchiveName returns the file name of a month's archive.
func ArchiveName(month string) string {
	return fmt.Sprintf("consensuses-%s.tar.xz", month)
}

// ArchiveURL returns the remote location of a month's archive.
func (c *Client) ArchiveURL(month string) string {
	return c.baseURL + "/" + ArchiveName(month)
}

// CachePath returns where a month's archive is cached on disk.
func (c *Client) CachePath(month string) string {
	return filepath.Join(c.cacheDir, ArchiveName(month))
}

// Fetch returns the archive for month, reading the cache when present and
// downloading and persisting it otherwise.
func (c *Client) Fetch(ctx context.Context, month string) (*Archive, error) {
	if c.memo != nil && c.memo.Month == month {
		return c.memo, nil
	}

	path := c.CachePath(month)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		logger.Info("Using cached archive %s", path)
		c.memo = &Archive{Month: month, Source: path, Cached: true, Data: data}
		return c.memo, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read cached archive %s: %w", path, err)
	}

	url := c.ArchiveURL(month)
	logger.Info("Downloading archive %s", url)
	err = c.policy.Do(ctx, func(ctx context.Context) error {
		var derr error
		data, derr = c.download(ctx, month, url)
		return derr
	})
	if err != nil {
		return nil, err
	}

	if err := c.persist(path, data); err != nil {
		logger.Warn("Failed to cache archive %s: %v", path, err)
	} else {
		logger.Info("Saved archive cache %s (%d bytes)", path, len(data))
	}

	if c.recorder != nil {
		sum := sha256.Sum256(data)
		rec := ArchiveRecord{
			Month:     month,
			URL:       url,
			Path:      path,
			Bytes:     len(data),
			SHA256:    hex.EncodeToString(sum[:]),
			FetchedAt: time.Now().UTC(),
		}
		if err := c.recorder.RecordArchive(ctx, rec); err != nil {
			logger.Warn("Failed to record archive %s: %v", month, err)
		}
	}

	c.memo = &Archive{Month: month, Source: url, Data: data}
	return c.memo, nil
}

// download performs a single GET of the archive. Client errors are permanent.
func (c *Client) download(ctx context.Context, month, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, retry.Permanent(&FetchError{Month: month, URL: url, Err: err})
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{Month: month, URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		ferr := &FetchError{Month: month, URL: url, StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
		if resp.StatusCode < 500 {
			return nil, retry.Permanent(ferr)
		}
		return nil, ferr
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Month: month, URL: url, Err: err}
	}
	return data, nil
}

// persist writes data to a temporary file in the cache directory and renames
// it into place, so readers never see a partially written archive.
func (c *Client) persist(path string, data []byte) error {
	if err := os.MkdirAll(c.cacheDir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tempPath := filepath.Join(c.cacheDir, ".tmp-"+uuid.NewString())
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to write file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath) // Clean up temp file on rename failure
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}
