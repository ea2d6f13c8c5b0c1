package vm

import (
	"context"
	"fmt"
	"runtime"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"

	"kvm-resource-agent/internal/hypervisor"
)

type cpuSample struct {
	cpuNs uint64
	at    time.Time
}

func hostCores() float64 {
	n := runtime.NumCPU()
	if n <= 0 {
		return 1
	}
	return float64(n)
}

// SummaryInfo returns per-VM CPU figures for the named VMs. Names libvirt does
// not know are skipped.
func (c *Controller) SummaryInfo(ctx context.Context, names []string) ([]hypervisor.VMSummary, error) {
	if len(names) == 0 {
		return []hypervisor.VMSummary{}, nil
	}
	client, err := c.conn.Client(ctx)
	if err != nil {
		return nil, err
	}

	doms := make([]golibvirt.Domain, 0, len(names))
	for _, name := range names {
		dom, err := client.DomainLookupByName(name)
		if err != nil {
			if golibvirt.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("lookup vm %s: %w", name, err)
		}
		doms = append(doms, dom)
	}
	if len(doms) == 0 {
		return []hypervisor.VMSummary{}, nil
	}

	statsMask := uint32(golibvirt.DomainStatsCPUTotal | golibvirt.DomainStatsVCPU)
	records, err := client.ConnectGetAllDomainStats(doms, statsMask, 0)
	if err != nil {
		return nil, fmt.Errorf("ConnectGetAllDomainStats: %w", err)
	}

	now := time.Now().UTC()
	out := make([]hypervisor.VMSummary, 0, len(records))
	for _, rec := range records {
		fields := map[string]uint64{}
		for _, p := range rec.Params {
			fields[p.Field] = asUint64(p.Value.I)
		}
		id := uuid.UUID(rec.Dom.UUID).String()
		out = append(out, hypervisor.VMSummary{
			Name:           rec.Dom.Name,
			NumCPUs:        uint32(fields[golibvirt.DomainStatsVCPUCurrent]),
			CPUUtilization: c.computeCPU(id, fields[golibvirt.DomainStatsCPUTime], now),
		})
	}
	return out, nil
}

// computeCPU turns the cumulative cpu.time counter into a percentage of host
// capacity since the previous sample. The first sample of a VM reads 0.
func (c *Controller) computeCPU(id string, cpuNs uint64, at time.Time) float64 {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	prev, ok := c.prev[id]
	c.prev[id] = cpuSample{cpuNs: cpuNs, at: at}
	if !ok || cpuNs <= prev.cpuNs {
		return 0
	}
	dt := at.Sub(prev.at).Seconds()
	if dt <= 0 {
		return 0
	}
	cpuDeltaSeconds := float64(cpuNs-prev.cpuNs) / float64(time.Second)
	usage := (cpuDeltaSeconds / dt) * (100.0 / c.cores)
	if usage < 0 {
		return 0
	}
	if usage > 100 {
		return 100
	}
	return usage
}

func asUint64(v any) uint64 {
	switch t := v.(type) {
	case uint64:
		return t
	case uint32:
		return uint64(t)
	case uint16:
		return uint64(t)
	case uint8:
		return uint64(t)
	case int64:
		if t < 0 {
			return 0
		}
		return uint64(t)
	case int32:
		if t < 0 {
			return 0
		}
		return uint64(t)
	case int:
		if t < 0 {
			return 0
		}
		return uint64(t)
	case float64:
		if t < 0 {
			return 0
		}
		return uint64(t)
	default:
		return 0
	}
}
