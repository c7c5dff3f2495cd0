// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ImageFetcher turns a remote image reference into a local file path.
// Implementations must be safe for concurrent use with identical arguments.
type ImageFetcher interface {
	GetImage(ctx context.Context, remote, fileID string) (string, error)
}

const (
	defaultImageTimeout  = 30 * time.Second
	defaultImageMaxBytes = 20 << 20
)

var errImageTooLarge = errors.New("image exceeds size limit")

// ImageCache downloads images into a data directory. Concurrent requests for
// the same image share one download, and finished downloads are served from
// disk.
type ImageCache struct {
	dataRoot string
	client   *http.Client
	flights  singleflight.Group
	timeout  time.Duration
	maxBytes int64
	log      zerolog.Logger
}

// NewImageCache creates a cache rooted at dataRoot. A nil client uses
// http.DefaultClient.
func NewImageCache(dataRoot string, client *http.Client, log zerolog.Logger) *ImageCache {
	if client == nil {
		client = http.DefaultClient
	}
	return &ImageCache{
		dataRoot: dataRoot,
		client:   client,
		timeout:  defaultImageTimeout,
		maxBytes: defaultImageMaxBytes,
		log:      log.With().Str("component", "image_cache").Logger(),
	}
}

// GetImage returns the local path for remote, downloading it if needed.
// References that are not http(s) URLs are returned unchanged.
func (c *ImageCache) GetImage(ctx context.Context, remote, fileID string) (string, error) {
	if !strings.HasPrefix(remote, "http://") && !strings.HasPrefix(remote, "https://") {
		return remote, nil
	}
	local := c.pathFor(remote, fileID)
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}

	v, err, _ := c.flights.Do(local, func() (any, error) {
		if _, err := os.Stat(local); err == nil {
			return local, nil
		}
		// Shared by every waiter, so detached from the first caller.
		dlCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		if err := c.download(dlCtx, remote, local); err != nil {
			return "", err
		}
		return local, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *ImageCache) download(ctx context.Context, remote, local string) error {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remote, nil)
	if err != nil {
		return fmt.Errorf("failed to create image request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to fetch image: unexpected status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(c.dataRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create data root: %w", err)
	}
	tmp, err := os.CreateTemp(c.dataRoot, ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, c.maxBytes+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}
	if n > c.maxBytes {
		return errImageTooLarge
	}
	if err := os.Rename(tmp.Name(), local); err != nil {
		return fmt.Errorf("failed to store image: %w", err)
	}
	c.log.Debug().
		Str("remote", remote).
		Str("local", local).
		Int64("bytes", n).
		Dur("took", time.Since(start)).
		Msg("Downloaded image")
	return nil
}

// pathFor names the cached file after fileID when known, otherwise after a
// stable hash of the URL.
func (c *ImageCache) pathFor(remote, fileID string) string {
	ext := ""
	if u, err := url.Parse(remote); err == nil {
		ext = path.Ext(u.Path)
	}
	name := sanitizeFileName(fileID)
	if name == "" {
		name = uuid.NewSHA1(uuid.NameSpaceURL, []byte(remote)).String()
	}
	if ext != "" && !strings.HasSuffix(name, ext) {
		name += ext
	}
	return filepath.Join(c.dataRoot, name)
}

func sanitizeFileName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, strings.TrimLeft(s, "."))
}
