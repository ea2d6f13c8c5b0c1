package vm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/containerd/errdefs"
	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"kvm-resource-agent/internal/hypervisor"
	"kvm-resource-agent/internal/libvirt"
)

// Controller implements hypervisor.Adapter on top of a libvirt connection.
type Controller struct {
	conn      *libvirt.ConnManager
	logger    *logrus.Entry
	opts      Options
	controlMu sync.Mutex

	statsMu sync.Mutex
	prev    map[string]cpuSample
	cores   float64
}

var _ hypervisor.Adapter = (*Controller)(nil)

func NewController(conn *libvirt.ConnManager, logger *logrus.Entry, opts Options) *Controller {
	return &Controller{
		conn:   conn,
		logger: logger.WithField("component", "vm-controller"),
		opts:   opts.withDefaults(),
		prev:   map[string]cpuSample{},
		cores:  hostCores(),
	}
}

func (c *Controller) LookupVM(ctx context.Context, name string) (*hypervisor.VM, error) {
	client, err := c.conn.Client(ctx)
	if err != nil {
		return nil, err
	}
	dom, err := client.DomainLookupByName(name)
	if err != nil {
		if golibvirt.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup vm %s: %w", name, err)
	}
	return describeDomain(client, dom)
}

func (c *Controller) CreateVM(ctx context.Context, spec hypervisor.VMSpec) (*hypervisor.VM, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	for _, disk := range spec.Disks {
		if disk.Path == "" || disk.Kind == hypervisor.DiskISO {
			continue
		}
		if _, err := os.Stat(disk.Path); err != nil {
			return nil, fmt.Errorf("disk %s of vm %s: %w", disk.Path, spec.Name, errdefs.ErrNotFound)
		}
	}

	domainXML, err := buildDomainXML(spec, c.opts.GuestBridge)
	if err != nil {
		return nil, err
	}

	client, err := c.conn.Client(ctx)
	if err != nil {
		return nil, err
	}

	c.controlMu.Lock()
	defer c.controlMu.Unlock()

	if _, err := client.DomainLookupByName(spec.Name); err == nil {
		return nil, fmt.Errorf("vm %s: %w", spec.Name, errdefs.ErrAlreadyExists)
	} else if !golibvirt.IsNotFound(err) {
		return nil, fmt.Errorf("lookup vm %s: %w", spec.Name, err)
	}

	dom, err := client.DomainDefineXML(domainXML)
	if err != nil {
		return nil, fmt.Errorf("define vm %s: %w", spec.Name, err)
	}

	for _, disk := range spec.Disks {
		if disk.Kind != hypervisor.DiskData || disk.Path == "" {
			continue
		}
		if err := attachDisk(client, dom, disk.Path, disk.Slot, false); err != nil {
			c.undefine(client, dom)
			return nil, fmt.Errorf("attach disk %s to vm %s: %w", disk.Path, spec.Name, err)
		}
	}

	if err := client.DomainCreate(dom); err != nil {
		c.undefine(client, dom)
		return nil, fmt.Errorf("start vm %s: %w", spec.Name, err)
	}

	c.logger.WithFields(logrus.Fields{
		"vm_name": spec.Name,
		"vcpus":   spec.VCPUs,
		"disks":   len(spec.Disks),
		"nics":    len(spec.NICs),
	}).Info("vm started")
	return describeDomain(client, dom)
}

func (c *Controller) DestroyVM(ctx context.Context, name string) error {
	client, err := c.conn.Client(ctx)
	if err != nil {
		return err
	}

	c.controlMu.Lock()
	defer c.controlMu.Unlock()

	dom, err := client.DomainLookupByName(name)
	if err != nil {
		if golibvirt.IsNotFound(err) {
			c.logger.WithField("vm_name", name).Info("destroy requested for unknown vm")
			return nil
		}
		return fmt.Errorf("lookup vm %s: %w", name, err)
	}

	state, _, _, _, _, err := client.DomainGetInfo(dom)
	if err != nil {
		return fmt.Errorf("read vm state %s: %w", name, err)
	}
	if isDomainActive(state) {
		if err := client.DomainDestroy(dom); err != nil {
			return fmt.Errorf("power off vm %s: %w", name, err)
		}
	}

	undefFlags := golibvirt.DomainUndefineManagedSave |
		golibvirt.DomainUndefineSnapshotsMetadata |
		golibvirt.DomainUndefineCheckpointsMetadata
	if err := client.DomainUndefineFlags(dom, undefFlags); err != nil {
		if fallbackErr := client.DomainUndefine(dom); fallbackErr != nil {
			return fmt.Errorf("undefine vm %s: %w", name, err)
		}
	}
	return nil
}

func (c *Controller) AttachDisk(ctx context.Context, vmName, path string, slot int) error {
	client, err := c.conn.Client(ctx)
	if err != nil {
		return err
	}
	dom, active, err := lookupActive(client, vmName)
	if err != nil {
		return err
	}
	if err := attachDisk(client, dom, path, slot, active); err != nil {
		return fmt.Errorf("attach disk %s to vm %s: %w", path, vmName, err)
	}
	return nil
}

func (c *Controller) DetachDisk(ctx context.Context, vmName, path string) error {
	client, err := c.conn.Client(ctx)
	if err != nil {
		return err
	}
	dom, active, err := lookupActive(client, vmName)
	if err != nil {
		return err
	}
	domainXML, err := client.DomainGetXMLDesc(dom, 0)
	if err != nil {
		return fmt.Errorf("read vm config %s: %w", vmName, err)
	}
	diskXML, ok, err := findDiskXML(domainXML, path)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("disk %s on vm %s: %w", path, vmName, errdefs.ErrNotFound)
	}
	if active {
		err = client.DomainDetachDeviceFlags(dom, diskXML, affectLive|affectConfig)
	} else {
		err = client.DomainDetachDeviceFlags(dom, diskXML, affectConfig)
	}
	if err != nil {
		return fmt.Errorf("detach disk %s from vm %s: %w", path, vmName, err)
	}
	return nil
}

func (c *Controller) undefine(client *golibvirt.Libvirt, dom golibvirt.Domain) {
	if err := client.DomainUndefine(dom); err != nil {
		c.logger.WithField("vm_name", dom.Name).WithError(err).Warn("rollback undefine failed")
	}
}

func attachDisk(client *golibvirt.Libvirt, dom golibvirt.Domain, path string, slot int, active bool) error {
	diskXML, err := marshalDisk(fileDiskXML(path, slot))
	if err != nil {
		return err
	}
	if active {
		return client.DomainAttachDeviceFlags(dom, diskXML, affectLive|affectConfig)
	}
	return client.DomainAttachDeviceFlags(dom, diskXML, affectConfig)
}

func lookupActive(client *golibvirt.Libvirt, name string) (golibvirt.Domain, bool, error) {
	dom, err := client.DomainLookupByName(name)
	if err != nil {
		if golibvirt.IsNotFound(err) {
			return golibvirt.Domain{}, false, fmt.Errorf("vm %s: %w", name, errdefs.ErrNotFound)
		}
		return golibvirt.Domain{}, false, fmt.Errorf("lookup vm %s: %w", name, err)
	}
	state, _, _, _, _, err := client.DomainGetInfo(dom)
	if err != nil {
		return golibvirt.Domain{}, false, fmt.Errorf("read vm state %s: %w", name, err)
	}
	return dom, isDomainActive(state), nil
}

func describeDomain(client *golibvirt.Libvirt, dom golibvirt.Domain) (*hypervisor.VM, error) {
	state, maxMemKiB, _, nrVirtCPU, _, err := client.DomainGetInfo(dom)
	if err != nil {
		return nil, fmt.Errorf("read vm state %s: %w", dom.Name, err)
	}
	return &hypervisor.VM{
		Name:     dom.Name,
		UUID:     uuid.UUID(dom.UUID).String(),
		State:    stateName(state),
		VCPUs:    uint32(nrVirtCPU),
		MemoryMB: maxMemKiB / 1024,
	}, nil
}

func validateSpec(spec hypervisor.VMSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("vm name is required: %w", errdefs.ErrInvalidArgument)
	}
	if spec.VCPUs == 0 {
		return fmt.Errorf("vm %s: cpus must be > 0: %w", spec.Name, errdefs.ErrInvalidArgument)
	}
	if spec.MaxMemoryB < 1024*1024 {
		return fmt.Errorf("vm %s: maxRam must be at least 1MiB: %w", spec.Name, errdefs.ErrInvalidArgument)
	}
	if spec.UUID != "" {
		if _, err := uuid.Parse(spec.UUID); err != nil {
			return fmt.Errorf("vm %s: invalid uuid %q: %w", spec.Name, spec.UUID, errors.Join(errdefs.ErrInvalidArgument, err))
		}
	}
	return nil
}
