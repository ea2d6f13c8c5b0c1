package model

import "strings"

type StoragePoolType string

const (
	PoolFilesystem        StoragePoolType = "Filesystem"
	PoolNetworkFilesystem StoragePoolType = "NetworkFilesystem"
	PoolIscsiLUN          StoragePoolType = "IscsiLUN"
	PoolIscsi             StoragePoolType = "Iscsi"
	PoolISO               StoragePoolType = "ISO"
	PoolLVM               StoragePoolType = "LVM"
	PoolCLVM              StoragePoolType = "CLVM"
	PoolRBD               StoragePoolType = "RBD"
	PoolSharedMountPoint  StoragePoolType = "SharedMountPoint"
	PoolVMFS              StoragePoolType = "VMFS"
	PoolPreSetup          StoragePoolType = "PreSetup"
	PoolEXT               StoragePoolType = "EXT"
	PoolOCFS2             StoragePoolType = "OCFS2"
)

var poolTypes = []StoragePoolType{
	PoolFilesystem, PoolNetworkFilesystem, PoolIscsiLUN, PoolIscsi, PoolISO, PoolLVM, PoolCLVM,
	PoolRBD, PoolSharedMountPoint, PoolVMFS, PoolPreSetup, PoolEXT, PoolOCFS2,
}

// ParseStoragePoolType matches a pool type name case-insensitively.
func ParseStoragePoolType(s string) (StoragePoolType, bool) {
	s = strings.TrimSpace(s)
	for _, t := range poolTypes {
		if strings.EqualFold(string(t), s) {
			return t, true
		}
	}
	return "", false
}

type VolumeType string

const (
	VolumeUnknown  VolumeType = "UNKNOWN"
	VolumeRoot     VolumeType = "ROOT"
	VolumeSwap     VolumeType = "SWAP"
	VolumeDataDisk VolumeType = "DATADISK"
	VolumeISO      VolumeType = "ISO"
)

func ParseVolumeType(s string) (VolumeType, bool) {
	switch t := VolumeType(strings.ToUpper(strings.TrimSpace(s))); t {
	case VolumeUnknown, VolumeRoot, VolumeSwap, VolumeDataDisk, VolumeISO:
		return t, true
	default:
		return VolumeUnknown, false
	}
}

const ResourceTypeStoragePool = "STORAGE_POOL"

type VolumeInfo struct {
	ID              int64   `json:"id"`
	Type            string  `json:"type"`
	StoragePoolType string  `json:"storagePoolType"`
	StoragePoolUUID string  `json:"storagePoolUuid"`
	Name            string  `json:"name"`
	MountPoint      string  `json:"mountPoint"`
	Path            string  `json:"path"`
	Size            int64   `json:"size"`
	ChainInfo       *string `json:"chainInfo"`
}

type StoragePoolInfo struct {
	UUID           string            `json:"uuid"`
	Host           string            `json:"host"`
	LocalPath      string            `json:"localPath"`
	HostPath       string            `json:"hostPath"`
	PoolType       string            `json:"poolType"`
	CapacityBytes  int64             `json:"capacityBytes"`
	AvailableBytes int64             `json:"availableBytes"`
	Details        map[string]string `json:"details"`
}

type VMStatsEntry struct {
	CPUUtilization  float64 `json:"cpuUtilization"`
	NetworkReadKBs  float64 `json:"networkReadKBs"`
	NetworkWriteKBs float64 `json:"networkWriteKBs"`
	NumCPUs         int     `json:"numCPUs"`
	EntityType      string  `json:"entityType"`
}

type HostStatsEntry struct {
	HostID          int64   `json:"hostId"`
	EntityType      string  `json:"entityType"`
	CPUUtilization  float64 `json:"cpuUtilization"`
	NetworkReadKBs  float64 `json:"networkReadKBs"`
	NetworkWriteKBs float64 `json:"networkWriteKBs"`
	TotalMemoryKBs  float64 `json:"totalMemoryKBs"`
	FreeMemoryKBs   float64 `json:"freeMemoryKBs"`
}
