package model

import "encoding/json"

type StartAnswer struct {
	Answer
	VM json.RawMessage `json:"vm"`
}

type StopAnswer struct {
	Answer
	VM json.RawMessage `json:"vm"`
}

type CreateAnswer struct {
	Answer
	Volume VolumeInfo `json:"volume"`
}

type PrimaryStorageDownloadAnswer struct {
	Answer
	TemplateSize int64  `json:"templateSize"`
	InstallPath  string `json:"installPath"`
}

type CopyCmdAnswer struct {
	Answer
	NewData map[string]any `json:"newData"`
}

type CheckVirtualMachineAnswer struct {
	Answer
	State *string `json:"state"`
}

type GetVMStatsAnswer struct {
	Answer
	VMInfos map[string]VMStatsEntry `json:"vmInfos"`
}

type GetStorageStatsAnswer struct {
	Answer
	Capacity int64 `json:"capacity"`
	Used     int64 `json:"used"`
}

type GetHostStatsAnswer struct {
	Answer
	HostStats *HostStatsEntry `json:"hostStats"`
}

type ModifyStoragePoolAnswer struct {
	Answer
	PoolInfo     *StoragePoolInfo  `json:"poolInfo"`
	TemplateInfo map[string]string `json:"templateInfo"`
}

type SetupAnswer struct {
	Answer
	Reconnect bool `json:"_reconnect"`
}

// StartupStorageCommand is appended to the startup handshake when the host
// has a local disk folder to offer as a pool.
type StartupStorageCommand struct {
	PoolInfo     StoragePoolInfo `json:"poolInfo"`
	GUID         string          `json:"guid"`
	DataCenter   any             `json:"dataCenter"`
	ResourceType string          `json:"resourceType"`
}

const (
	KeyStartupRouting = "StartupRoutingCommand"
	KeyStartupStorage = "StartupStorageCommand"
)
