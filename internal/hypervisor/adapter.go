// Package hypervisor describes the management capabilities the command
// dispatcher needs from the host hypervisor.
package hypervisor

import "context"

// Adapter is the narrow management surface used by command handlers.
// Implementations hold no business rules; they translate to native calls.
type Adapter interface {
	// LookupVM returns nil, nil when no VM has that name.
	LookupVM(ctx context.Context, name string) (*VM, error)
	CreateVM(ctx context.Context, spec VMSpec) (*VM, error)
	// DestroyVM powers off and removes the VM definition. Unknown names are not an error.
	DestroyVM(ctx context.Context, name string) error
	AttachDisk(ctx context.Context, vmName, path string, slot int) error
	DetachDisk(ctx context.Context, vmName, path string) error
	ProcessorInfo(ctx context.Context) (ProcessorInfo, error)
	ProcessorUsage(ctx context.Context) (float64, error)
	MemoryInfo(ctx context.Context) (MemoryInfo, error)
	// DefaultDiskFolder returns "" when the host has no default location for disks.
	DefaultDiskFolder(ctx context.Context) (string, error)
	SummaryInfo(ctx context.Context, names []string) ([]VMSummary, error)
	CreateDynamicDisk(ctx context.Context, sizeBytes uint64, path string) error
}
