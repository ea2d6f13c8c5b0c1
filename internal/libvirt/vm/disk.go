package vm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/sirupsen/logrus"
)

// CreateDynamicDisk creates a sparse disk image of sizeBytes at path. The
// image format follows the file extension.
func (c *Controller) CreateDynamicDisk(ctx context.Context, sizeBytes uint64, path string) error {
	if sizeBytes == 0 {
		return fmt.Errorf("disk %s: size must be > 0: %w", path, errdefs.ErrInvalidArgument)
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("disk %s: %w", path, errdefs.ErrAlreadyExists)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat disk %s: %w", path, err)
	}

	args := qemuImgCreateArgs(path, sizeBytes)
	cmd := exec.CommandContext(ctx, c.opts.QemuImgPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("qemu-img create %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}

	c.logger.WithFields(logrus.Fields{
		"path":       path,
		"size_bytes": sizeBytes,
	}).Info("disk created")
	return nil
}

func qemuImgCreateArgs(path string, sizeBytes uint64) []string {
	return []string{"create", "-q", "-f", diskFormat(path), path, strconv.FormatUint(sizeBytes, 10)}
}
