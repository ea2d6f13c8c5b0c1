package vm

import (
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"

	"kvm-resource-agent/internal/hypervisor"
)

const (
	defaultImageDir       = "/var/lib/libvirt/images"
	defaultBridge         = "cloudbr0"
	defaultPoolName       = "default"
	defaultCPUSampleDelay = 250 * time.Millisecond

	// virDomainDeviceModifyFlags; kept untyped so they fit the generated signatures.
	affectLive   = 1
	affectConfig = 2
)

type Options struct {
	GuestBridge       string
	QemuImgPath       string
	DefaultDiskFolder string
	CPUSampleInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.GuestBridge == "" {
		o.GuestBridge = defaultBridge
	}
	if o.QemuImgPath == "" {
		o.QemuImgPath = "qemu-img"
	}
	if o.DefaultDiskFolder == "" {
		o.DefaultDiskFolder = defaultImageDir
	}
	if o.CPUSampleInterval <= 0 {
		o.CPUSampleInterval = defaultCPUSampleDelay
	}
	return o
}

func isDomainActive(state uint8) bool {
	switch golibvirt.DomainState(state) {
	case golibvirt.DomainRunning, golibvirt.DomainBlocked, golibvirt.DomainPaused, golibvirt.DomainPmsuspended, golibvirt.DomainShutdown:
		return true
	default:
		return false
	}
}

// stateName maps libvirt domain states onto orchestrator VM states.
func stateName(state uint8) string {
	switch golibvirt.DomainState(state) {
	case golibvirt.DomainRunning, golibvirt.DomainBlocked:
		return hypervisor.StateRunning
	case golibvirt.DomainPaused, golibvirt.DomainPmsuspended:
		return hypervisor.StatePaused
	case golibvirt.DomainShutdown:
		return hypervisor.StateStopping
	case golibvirt.DomainShutoff:
		return hypervisor.StateStopped
	case golibvirt.DomainCrashed:
		return hypervisor.StateError
	default:
		return hypervisor.StateUnknown
	}
}
