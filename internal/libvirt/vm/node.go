package vm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	golibvirt "github.com/digitalocean/go-libvirt"

	"kvm-resource-agent/internal/hypervisor"
	"kvm-resource-agent/internal/system"
)

func (c *Controller) ProcessorInfo(ctx context.Context) (hypervisor.ProcessorInfo, error) {
	client, err := c.conn.Client(ctx)
	if err != nil {
		return hypervisor.ProcessorInfo{}, err
	}
	_, _, cpus, mhz, _, _, _, _, err := client.NodeGetInfo()
	if err != nil {
		return hypervisor.ProcessorInfo{}, fmt.Errorf("NodeGetInfo: %w", err)
	}
	if cpus < 0 {
		cpus = 0
	}
	if mhz < 0 {
		mhz = 0
	}
	return hypervisor.ProcessorInfo{Cores: uint32(cpus), MHz: uint32(mhz)}, nil
}

// ProcessorUsage is the host-wide busy percentage over one sample interval.
func (c *Controller) ProcessorUsage(ctx context.Context) (float64, error) {
	return system.SampleCPUUsage(ctx, c.opts.CPUSampleInterval)
}

func (c *Controller) MemoryInfo(ctx context.Context) (hypervisor.MemoryInfo, error) {
	client, err := c.conn.Client(ctx)
	if err != nil {
		return hypervisor.MemoryInfo{}, err
	}
	_, memoryKiB, _, _, _, _, _, _, err := client.NodeGetInfo()
	if err != nil {
		return hypervisor.MemoryInfo{}, fmt.Errorf("NodeGetInfo: %w", err)
	}

	freeKiB, err := availableMemory(client)
	if err != nil {
		return hypervisor.MemoryInfo{}, err
	}
	if freeKiB > memoryKiB {
		freeKiB = memoryKiB
	}
	return hypervisor.MemoryInfo{TotalKB: memoryKiB, FreeKB: freeKiB}, nil
}

// availableMemory prefers MemAvailable from /proc/meminfo and falls back to
// the libvirt node memory counters.
func availableMemory(client *golibvirt.Libvirt) (uint64, error) {
	mem, procErr := system.ReadMemoryInfo()
	if procErr == nil {
		return mem.AvailableKB, nil
	}
	stats, _, err := client.NodeGetMemoryStats(0, -1, 0)
	if err != nil {
		return 0, fmt.Errorf("read free memory: %w", errors.Join(procErr, err))
	}
	vals := map[string]uint64{}
	for _, st := range stats {
		vals[strings.ToLower(st.Field)] = st.Value
	}
	if vals["total"] == 0 {
		return 0, fmt.Errorf("read free memory: %w", procErr)
	}
	return vals["free"] + vals["buffers"] + vals["cached"], nil
}

// DefaultDiskFolder is the target path of the libvirt "default" storage pool,
// or the configured folder when that pool is not defined.
func (c *Controller) DefaultDiskFolder(ctx context.Context) (string, error) {
	client, err := c.conn.Client(ctx)
	if err != nil {
		return "", err
	}
	pool, err := client.StoragePoolLookupByName(defaultPoolName)
	if err == nil {
		poolXML, xmlErr := client.StoragePoolGetXMLDesc(pool, 0)
		if xmlErr != nil {
			return "", fmt.Errorf("read storage pool %s: %w", defaultPoolName, xmlErr)
		}
		path, parseErr := parsePoolTargetPath(poolXML)
		if parseErr != nil {
			return "", parseErr
		}
		if path != "" {
			return path, nil
		}
	} else if !isNoStoragePool(err) {
		return "", fmt.Errorf("lookup storage pool %s: %w", defaultPoolName, err)
	}

	return c.fallbackDiskFolder(), nil
}

func (c *Controller) fallbackDiskFolder() string {
	if info, err := os.Stat(c.opts.DefaultDiskFolder); err == nil && info.IsDir() {
		return c.opts.DefaultDiskFolder
	}
	return ""
}

func isNoStoragePool(err error) bool {
	var lerr golibvirt.Error
	return errors.As(err, &lerr) && lerr.Code == uint32(golibvirt.ErrNoStoragePool)
}
