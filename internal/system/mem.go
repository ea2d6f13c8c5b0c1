package system

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const procMeminfoPath = "/proc/meminfo"

// MemoryInfo is expressed in KiB, the unit /proc/meminfo reports.
type MemoryInfo struct {
	TotalKB     uint64
	AvailableKB uint64
}

func ReadMemoryInfo() (MemoryInfo, error) {
	f, err := os.Open(procMeminfoPath)
	if err != nil {
		return MemoryInfo{}, fmt.Errorf("open %s: %w", procMeminfoPath, err)
	}
	defer f.Close()
	return parseMemoryInfo(f)
}

func parseMemoryInfo(r io.Reader) (MemoryInfo, error) {
	vals := map[string]uint64{}
	s := bufio.NewScanner(r)
	for s.Scan() {
		parts := strings.Fields(s.Text())
		if len(parts) < 2 {
			continue
		}
		v, convErr := strconv.ParseUint(parts[1], 10, 64)
		if convErr != nil {
			continue
		}
		vals[strings.TrimSuffix(parts[0], ":")] = v
	}
	if err := s.Err(); err != nil {
		return MemoryInfo{}, fmt.Errorf("scan meminfo: %w", err)
	}
	total := vals["MemTotal"]
	if total == 0 {
		return MemoryInfo{}, fmt.Errorf("MemTotal missing")
	}
	avail, ok := vals["MemAvailable"]
	if !ok {
		// kernels before 3.14
		avail = vals["MemFree"] + vals["Buffers"] + vals["Cached"]
	}
	if avail > total {
		avail = total
	}
	return MemoryInfo{TotalKB: total, AvailableKB: avail}, nil
}
