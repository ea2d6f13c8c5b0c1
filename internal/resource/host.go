package resource

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"kvm-resource-agent/internal/model"
)

func (r *Resource) getStorageStats(_ context.Context, body []byte) (model.Outcome, error) {
	var cmd model.GetStorageStatsCommand
	if err := model.Decode(body, &cmd); err != nil {
		return nil, err
	}
	usage, err := r.capacity.ForLocalPath(cmd.LocalPath)
	if err != nil {
		return nil, err
	}
	return &model.GetStorageStatsAnswer{
		Answer:   model.Succeeded(),
		Capacity: usage.CapacityBytes,
		Used:     usage.CapacityBytes - usage.AvailableBytes,
	}, nil
}

func (r *Resource) getHostStats(ctx context.Context, body []byte) (model.Outcome, error) {
	var cmd model.GetHostStatsCommand
	if err := model.Decode(body, &cmd); err != nil {
		return nil, err
	}

	mem, err := r.hv.MemoryInfo(ctx)
	if err != nil {
		return nil, err
	}
	cpu, err := r.hv.ProcessorUsage(ctx)
	if err != nil {
		return nil, err
	}
	nic, err := r.network.NICForIP(r.host.PrivateIPAddress)
	if err != nil {
		return nil, err
	}
	counters, err := r.network.Counters(nic.Name)
	if err != nil {
		return nil, err
	}

	return &model.GetHostStatsAnswer{
		Answer: model.Succeeded(),
		HostStats: &model.HostStatsEntry{
			HostID:          int64(*cmd.HostID),
			EntityType:      "host",
			CPUUtilization:  cpu,
			NetworkReadKBs:  float64(counters.RxBytes) / 1024,
			NetworkWriteKBs: float64(counters.TxBytes) / 1024,
			TotalMemoryKBs:  float64(mem.TotalKB),
			FreeMemoryKBs:   float64(mem.FreeKB),
		},
	}, nil
}

// startup enriches the routing command in place and, when the host has a
// default disk folder, offers it as a local storage pool. Every probe is best
// effort; a failed probe leaves its fields untouched.
func (r *Resource) startup(ctx context.Context, body []byte) (env model.Envelope) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.WithField("panic", p).Error("StartupCommand panicked")
			ans := model.Failed(fmt.Sprintf("StartupCommand failed due to panic: %v", p))
			env = model.Wrap(model.TagAnswer, &ans)
		}
	}()

	var elems []map[string]any
	if err := json.Unmarshal(body, &elems); err != nil {
		return startupMalformed(err.Error())
	}
	if len(elems) == 0 {
		return startupMalformed("empty command array")
	}
	routing, ok := elems[0][model.KeyStartupRouting].(map[string]any)
	if !ok {
		return startupMalformed(model.KeyStartupRouting + " is missing")
	}
	logger := r.logger.WithField("command", model.CmdStartup)

	routing["privateIpAddress"] = r.host.PrivateIPAddress
	routing["privateNetmask"] = r.host.PrivateNetmask
	routing["privateMacAddress"] = r.host.PrivateMACAddress
	routing["storageIpAddress"] = r.host.StorageIPAddress
	routing["storageNetmask"] = r.host.StorageNetmask
	routing["storageMacAddress"] = r.host.StorageMACAddress
	routing["gatewayIpAddress"] = r.host.GatewayIPAddress

	if proc, err := r.hv.ProcessorInfo(ctx); err != nil {
		logger.WithError(err).Warn("could not read processor info")
	} else {
		routing["cpus"] = proc.Cores
		routing["speed"] = proc.MHz
	}
	if mem, err := r.hv.MemoryInfo(ctx); err != nil {
		logger.WithError(err).Warn("could not read memory info")
	} else {
		routing["memory"] = mem.TotalKB / 1024
	}
	routing["dom0MinMemory"] = r.host.ParentPartitionMinMemoryMB

	if pool, ok := r.startupStorage(ctx, logger, routing); ok {
		elems = append(elems, map[string]any{model.KeyStartupStorage: pool})
	}
	logger.WithField("elements", len(elems)).Info("command completed")
	return model.Envelope(elems)
}

func (r *Resource) startupStorage(ctx context.Context, logger *logrus.Entry, routing map[string]any) (model.StartupStorageCommand, bool) {
	folder, err := r.hv.DefaultDiskFolder(ctx)
	if err != nil {
		logger.WithError(err).Warn("could not discover default disk folder")
		return model.StartupStorageCommand{}, false
	}
	if folder == "" {
		return model.StartupStorageCommand{}, false
	}

	// The host guid doubles as the pool guid.
	poolGUID, _ := routing["guid"].(string)
	if poolGUID == "" {
		poolGUID = uuid.NewString()
		logger.WithField("pool_guid", poolGUID).Info("setting startup storage pool guid")
	} else {
		logger.WithField("pool_guid", poolGUID).Info("setting startup storage pool guid same as host")
	}

	usage, err := r.capacity.ForLocalPath(folder)
	if err != nil {
		logger.WithError(err).WithField("path", folder).Warn("could not read capacity of default disk folder")
		return model.StartupStorageCommand{}, false
	}

	ip, _ := routing["privateIpAddress"].(string)
	return model.StartupStorageCommand{
		PoolInfo: model.StoragePoolInfo{
			UUID:           poolGUID,
			Host:           ip,
			LocalPath:      folder,
			HostPath:       folder,
			PoolType:       string(model.PoolFilesystem),
			CapacityBytes:  usage.CapacityBytes,
			AvailableBytes: usage.AvailableBytes,
		},
		GUID:         poolGUID,
		DataCenter:   routing["dataCenter"],
		ResourceType: model.ResourceTypeStoragePool,
	}, true
}

func startupMalformed(reason string) model.Envelope {
	ans := model.Failed("StartupCommand failed due to malformed request: " + reason)
	return model.Wrap(model.TagAnswer, &ans)
}
