package system

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/moby/sys/mountinfo"
)

type DiskUsage struct {
	CapacityBytes  int64
	AvailableBytes int64
}

// CapacityReader reports filesystem capacity for local paths. Paths living on the
// configured root device have the reserved space removed from both figures.
type CapacityReader struct {
	rootDevice string
	reserved   int64
	statfs     func(path string) (total uint64, avail uint64, err error)
	volumeRoot func(path string) (mountpoint string, source string, err error)
}

func NewCapacityReader(rootDevice string, reservedBytes int64) *CapacityReader {
	return &CapacityReader{
		rootDevice: strings.ToLower(strings.TrimSpace(rootDevice)),
		reserved:   reservedBytes,
		statfs:     readStorageCapacity,
		volumeRoot: mountForPath,
	}
}

func (r *CapacityReader) ForLocalPath(path string) (DiskUsage, error) {
	if strings.TrimSpace(path) == "" {
		return DiskUsage{}, fmt.Errorf("empty local path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return DiskUsage{}, fmt.Errorf("resolve %s: %w", path, err)
	}
	total, avail, err := r.statfs(abs)
	if err != nil {
		return DiskUsage{}, err
	}
	usage := DiskUsage{CapacityBytes: toInt64(total), AvailableBytes: toInt64(avail)}

	if r.rootDevice == "" || r.reserved <= 0 {
		return usage, nil
	}
	mountpoint, source, err := r.volumeRoot(abs)
	if err != nil {
		return DiskUsage{}, fmt.Errorf("resolve volume root of %s: %w", abs, err)
	}
	if strings.ToLower(mountpoint) != r.rootDevice && strings.ToLower(source) != r.rootDevice {
		return usage, nil
	}
	usage.CapacityBytes = max(usage.CapacityBytes-r.reserved, 0)
	usage.AvailableBytes = max(usage.AvailableBytes-r.reserved, 0)
	return usage, nil
}

func readStorageCapacity(path string) (totalBytes uint64, freeBytes uint64, err error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	return st.Blocks * bsize, st.Bavail * bsize, nil
}

// mountForPath returns the innermost mount containing path.
func mountForPath(path string) (string, string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", "", err
	}
	mounts, err := mountinfo.GetMounts(mountinfo.ParentsFilter(resolved))
	if err != nil {
		return "", "", fmt.Errorf("read mountinfo: %w", err)
	}
	var best *mountinfo.Info
	for _, m := range mounts {
		if best == nil || len(m.Mountpoint) > len(best.Mountpoint) {
			best = m
		}
	}
	if best == nil {
		return "", "", fmt.Errorf("no mount found for %s", resolved)
	}
	return best.Mountpoint, best.Source, nil
}

func toInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}
