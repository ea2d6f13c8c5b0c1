package system

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

const procStatPath = "/proc/stat"

type CPUCounters struct {
	User    uint64
	Nice    uint64
	System  uint64
	Idle    uint64
	IOWait  uint64
	IRQ     uint64
	SoftIRQ uint64
	Steal   uint64
	Total   uint64
}

func ReadCPUCounters() (CPUCounters, error) {
	f, err := os.Open(procStatPath)
	if err != nil {
		return CPUCounters{}, fmt.Errorf("open %s: %w", procStatPath, err)
	}
	defer f.Close()
	return parseCPUCounters(f)
}

func parseCPUCounters(r io.Reader) (CPUCounters, error) {
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 5 {
			return CPUCounters{}, fmt.Errorf("unexpected cpu line: %q", line)
		}
		vals := make([]uint64, 8)
		var c CPUCounters
		for i, p := range parts[1:] {
			v, convErr := strconv.ParseUint(p, 10, 64)
			if convErr != nil {
				return CPUCounters{}, fmt.Errorf("parse cpu stat %q: %w", p, convErr)
			}
			if i < len(vals) {
				vals[i] = v
			}
			c.Total += v
		}
		c.User, c.Nice, c.System, c.Idle = vals[0], vals[1], vals[2], vals[3]
		c.IOWait, c.IRQ, c.SoftIRQ, c.Steal = vals[4], vals[5], vals[6], vals[7]
		return c, nil
	}
	if err := s.Err(); err != nil {
		return CPUCounters{}, fmt.Errorf("scan cpu stat: %w", err)
	}
	return CPUCounters{}, fmt.Errorf("cpu aggregate line not found")
}

// CPUUsage is the busy percentage between two samples, clamped to [0, 100].
func CPUUsage(prev, cur CPUCounters) float64 {
	if cur.Total <= prev.Total {
		return 0
	}
	totalDelta := float64(cur.Total - prev.Total)
	idlePrev := prev.Idle + prev.IOWait
	idleCur := cur.Idle + cur.IOWait
	var idleDelta float64
	if idleCur > idlePrev {
		idleDelta = float64(idleCur - idlePrev)
	}
	usage := ((totalDelta - idleDelta) / totalDelta) * 100
	if usage < 0 {
		return 0
	}
	if usage > 100 {
		return 100
	}
	return usage
}

// SampleCPUUsage reads /proc/stat twice, interval apart.
func SampleCPUUsage(ctx context.Context, interval time.Duration) (float64, error) {
	prev, err := ReadCPUCounters()
	if err != nil {
		return 0, err
	}
	t := time.NewTimer(interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-t.C:
	}
	cur, err := ReadCPUCounters()
	if err != nil {
		return 0, err
	}
	return CPUUsage(prev, cur), nil
}
