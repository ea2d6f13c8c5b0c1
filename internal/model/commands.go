package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Command names as they appear in the request path.
const (
	CmdStart                  = "StartCommand"
	CmdStop                   = "StopCommand"
	CmdCreate                 = "CreateCommand"
	CmdDestroy                = "DestroyCommand"
	CmdPrimaryStorageDownload = "PrimaryStorageDownloadCommand"
	CmdCopy                   = "CopyCommand"
	CmdCheckVirtualMachine    = "CheckVirtualMachineCommand"
	CmdGetVMStats             = "GetVmStatsCommand"
	CmdGetStorageStats        = "GetStorageStatsCommand"
	CmdGetHostStats           = "GetHostStatsCommand"
	CmdStartup                = "StartupCommand"
	CmdModifyStoragePool      = "ModifyStoragePoolCommand"
	CmdCreateStoragePool      = "CreateStoragePoolCommand"
	CmdDeleteStoragePool      = "DeleteStoragePoolCommand"
	CmdCheckNetwork           = "CheckNetworkCommand"
	CmdReady                  = "ReadyCommand"
	CmdCleanupNetworkRules    = "CleanupNetworkRulesCmd"
	CmdSetup                  = "SetupCommand"
	CmdCheckHealth            = "CheckHealthCommand"
)

// ErrMalformed marks a request body that does not fit its command schema.
var ErrMalformed = errors.New("malformed request")

// Decode unmarshals body into cmd and runs its validation, if any.
func Decode(body []byte, cmd any) error {
	if isNull(body) {
		return fmt.Errorf("%w: empty body", ErrMalformed)
	}
	if err := json.Unmarshal(body, cmd); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if v, ok := cmd.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return nil
}

// Int64 accepts a JSON number or a numeric string.
type Int64 int64

func (n *Int64) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	s := string(b)
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return fmt.Errorf("not an integer: %s", string(b))
	}
	*n = Int64(v)
	return nil
}

type DiskTO struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	Path            string `json:"path"`
	Size            int64  `json:"size"`
	Type            string `json:"type"`
	DeviceID        int    `json:"deviceId"`
	StoragePoolType string `json:"storagePoolType"`
}

type NicTO struct {
	DeviceID     int    `json:"deviceId"`
	MAC          string `json:"mac"`
	IsolationURI string `json:"isolationUri"`
	BroadcastURI string `json:"broadcastUri"`
	Type         string `json:"type"`
	DefaultNic   bool   `json:"defaultNic"`
}

// VLANID reads the tag out of a vlan://<id> isolation or broadcast URI.
// 0 means untagged.
func (n NicTO) VLANID() int {
	for _, uri := range []string{n.IsolationURI, n.BroadcastURI} {
		rest, ok := strings.CutPrefix(strings.ToLower(strings.TrimSpace(uri)), "vlan://")
		if !ok {
			continue
		}
		id, err := strconv.Atoi(rest)
		if err == nil && id > 0 && id < 4095 {
			return id
		}
	}
	return 0
}

type VirtualMachineTO struct {
	Name   string   `json:"name"`
	UUID   string   `json:"uuid"`
	CPUs   uint32   `json:"cpus"`
	Speed  uint32   `json:"speed"`
	MinRAM uint64   `json:"minRam"`
	MaxRAM uint64   `json:"maxRam"`
	Arch   string   `json:"arch"`
	Disks  []DiskTO `json:"disks"`
	NICs   []NicTO  `json:"nics"`
}

type StartCommand struct {
	VM  VirtualMachineTO `json:"-"`
	Raw json.RawMessage  `json:"vm"`
}

func (c *StartCommand) Validate() error {
	if isNull(c.Raw) {
		return errors.New("vm is required")
	}
	if err := json.Unmarshal(c.Raw, &c.VM); err != nil {
		return fmt.Errorf("vm: %v", err)
	}
	if strings.TrimSpace(c.VM.Name) == "" {
		return errors.New("vm.name is required")
	}
	return nil
}

type StopCommand struct {
	VMName string          `json:"vmName"`
	VM     json.RawMessage `json:"vm"`
}

func (c *StopCommand) Validate() error {
	if strings.TrimSpace(c.VMName) == "" {
		return errors.New("vmName is required")
	}
	return nil
}

type PoolRef struct {
	UUID string `json:"uuid"`
	Type string `json:"type"`
	Path string `json:"path"`
	Host string `json:"host"`
}

type DiskCharacteristics struct {
	Type string `json:"type"`
	Size uint64 `json:"size"`
	Name string `json:"name"`
}

type CreateCommand struct {
	VolID               int64               `json:"volId"`
	Pool                PoolRef             `json:"pool"`
	DiskCharacteristics DiskCharacteristics `json:"diskCharacteristics"`
	TemplateURL         string              `json:"templateUrl"`
}

type VolumeRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

type DestroyCommand struct {
	VMName string    `json:"vmName"`
	Volume VolumeRef `json:"volume"`
}

func (c *DestroyCommand) Validate() error {
	if strings.TrimSpace(c.Volume.Path) == "" {
		return errors.New("volume.path is required")
	}
	return nil
}

type PrimaryStorageDownloadCommand struct {
	URL       string `json:"url"`
	LocalPath string `json:"localPath"`
	PoolUUID  string `json:"poolUuid"`
	PoolID    int64  `json:"poolId"`
}

func (c *PrimaryStorageDownloadCommand) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("url is required")
	}
	return nil
}

type CopyCommand struct {
	SrcTO  json.RawMessage `json:"srcTO"`
	DestTO json.RawMessage `json:"destTO"`
	Wait   int             `json:"wait"`
}

func (c *CopyCommand) Validate() error {
	if isNull(c.SrcTO) {
		return errors.New("srcTO is required")
	}
	if isNull(c.DestTO) {
		return errors.New("destTO is required")
	}
	return nil
}

type CheckVirtualMachineCommand struct {
	VMName string `json:"vmName"`
}

func (c *CheckVirtualMachineCommand) Validate() error {
	if strings.TrimSpace(c.VMName) == "" {
		return errors.New("vmName is required")
	}
	return nil
}

type GetVMStatsCommand struct {
	VMNames []string `json:"vmNames"`
}

type GetStorageStatsCommand struct {
	LocalPath string `json:"localPath"`
}

func (c *GetStorageStatsCommand) Validate() error {
	if strings.TrimSpace(c.LocalPath) == "" {
		return errors.New("localPath is required")
	}
	return nil
}

type GetHostStatsCommand struct {
	HostID *Int64 `json:"hostId"`
}

func (c *GetHostStatsCommand) Validate() error {
	if c.HostID == nil {
		return errors.New("hostId is required")
	}
	return nil
}

type StoragePoolCommand struct {
	Pool      PoolRef `json:"pool"`
	LocalPath string  `json:"localPath"`
}
