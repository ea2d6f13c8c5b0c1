package system

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
)

const procNetDevPath = "/proc/net/dev"

type NetCounters struct {
	RxBytes uint64
	TxBytes uint64
}

// ReadInterfaceCounters returns the byte counters of one interface from /proc/net/dev.
func ReadInterfaceCounters(name string) (NetCounters, error) {
	f, err := os.Open(procNetDevPath)
	if err != nil {
		return NetCounters{}, fmt.Errorf("open %s: %w", procNetDevPath, err)
	}
	defer f.Close()
	return parseInterfaceCounters(f, name)
}

func parseInterfaceCounters(r io.Reader, name string) (NetCounters, error) {
	s := bufio.NewScanner(r)
	for s.Scan() {
		iface, rest, ok := strings.Cut(s.Text(), ":")
		if !ok || strings.TrimSpace(iface) != name {
			continue
		}
		metrics := strings.Fields(rest)
		if len(metrics) < 9 {
			return NetCounters{}, fmt.Errorf("unexpected net/dev line for %s", name)
		}
		rx, rxErr := strconv.ParseUint(metrics[0], 10, 64)
		tx, txErr := strconv.ParseUint(metrics[8], 10, 64)
		if rxErr != nil || txErr != nil {
			return NetCounters{}, fmt.Errorf("parse net/dev counters for %s", name)
		}
		return NetCounters{RxBytes: rx, TxBytes: tx}, nil
	}
	if err := s.Err(); err != nil {
		return NetCounters{}, fmt.Errorf("scan net/dev: %w", err)
	}
	return NetCounters{}, fmt.Errorf("interface %s: %w", name, errdefs.ErrNotFound)
}
