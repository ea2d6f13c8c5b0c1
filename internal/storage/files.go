// Package storage holds the file-level operations on pool directories:
// exclusive copies, downloads into a pool, and volume file naming.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

const partSuffix = ".part"

// NewFileName returns a fresh UUID-based file name with the given extension.
func NewFileName(ext string) string {
	return uuid.NewString() + ext
}

func DirExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("file %s: %w", path, errdefs.ErrNotFound)
		}
		return 0, err
	}
	return info.Size(), nil
}

// CopyFile copies src to a new file dst. dst must not exist; on failure no
// file is left at dst.
func CopyFile(ctx context.Context, src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("source %s: %w", src, errdefs.ErrNotFound)
		}
		return 0, fmt.Errorf("open source %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	return WriteNew(ctx, dst, in)
}

// WriteNew streams r into a new file at dst. The data lands in dst.part first
// and is renamed once complete.
func WriteNew(ctx context.Context, dst string, r io.Reader) (int64, error) {
	if _, err := os.Lstat(dst); err == nil {
		return 0, fmt.Errorf("destination %s: %w", dst, errdefs.ErrAlreadyExists)
	}

	part := dst + partSuffix
	out, err := os.OpenFile(part, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return 0, fmt.Errorf("destination %s is being written: %w", dst, errdefs.ErrAlreadyExists)
		}
		return 0, fmt.Errorf("create %s: %w", part, err)
	}

	n, err := io.Copy(out, &ctxReader{ctx: ctx, r: r})
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(part)
		return 0, fmt.Errorf("write %s: %w", dst, err)
	}

	// Link fails when dst appeared meanwhile, unlike Rename.
	if err := os.Link(part, dst); err != nil {
		_ = os.Remove(part)
		if errors.Is(err, os.ErrExist) {
			return 0, fmt.Errorf("destination %s: %w", dst, errdefs.ErrAlreadyExists)
		}
		return 0, fmt.Errorf("publish %s: %w", dst, err)
	}
	_ = os.Remove(part)
	return n, nil
}

// Download fetches url with client into a new file at dst.
func Download(ctx context.Context, client *http.Client, url, dst string) (int64, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request for %s: %w", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to download from %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download %s: bad status: %s", url, resp.Status)
	}
	return WriteNew(ctx, dst, resp.Body)
}

// Remove deletes path. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(filepath.Clean(path)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
