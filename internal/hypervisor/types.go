package hypervisor

// VM states as reported to the orchestrator.
const (
	StateRunning  = "Running"
	StateStopped  = "Stopped"
	StateStopping = "Stopping"
	StatePaused   = "Paused"
	StateError    = "Error"
	StateUnknown  = "Unknown"
)

type VM struct {
	Name     string
	UUID     string
	State    string
	VCPUs    uint32
	MemoryMB uint64
}

type DiskKind string

const (
	DiskRoot    DiskKind = "ROOT"
	DiskData    DiskKind = "DATADISK"
	DiskSwap    DiskKind = "SWAP"
	DiskISO     DiskKind = "ISO"
	DiskUnknown DiskKind = "UNKNOWN"
)

type DiskSpec struct {
	Path string
	Kind DiskKind
	Slot int
}

type NICSpec struct {
	Slot   int
	MAC    string
	VLANID int // 0 means untagged
}

type VMSpec struct {
	Name       string
	UUID       string
	VCPUs      uint32
	SpeedMHz   uint32
	MinMemoryB uint64
	MaxMemoryB uint64
	Arch       string
	Disks      []DiskSpec
	NICs       []NICSpec
}

type ProcessorInfo struct {
	Cores uint32
	MHz   uint32
}

type MemoryInfo struct {
	TotalKB uint64
	FreeKB  uint64
}

type VMSummary struct {
	Name           string
	NumCPUs        uint32
	CPUUtilization float64
}
