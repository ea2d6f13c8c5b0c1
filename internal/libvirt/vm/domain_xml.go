package vm

import (
	"encoding/xml"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"kvm-resource-agent/internal/hypervisor"
)

type domainDefinitionXML struct {
	XMLName       xml.Name          `xml:"domain"`
	Type          string            `xml:"type,attr"`
	Name          string            `xml:"name"`
	UUID          string            `xml:"uuid,omitempty"`
	Memory        domainMemoryXML   `xml:"memory"`
	CurrentMemory domainMemoryXML   `xml:"currentMemory"`
	VCPU          domainVCPUXML     `xml:"vcpu"`
	OS            domainOSXML       `xml:"os"`
	Features      domainFeaturesXML `xml:"features"`
	CPU           domainCPUXML      `xml:"cpu"`
	Clock         domainClockXML    `xml:"clock"`
	OnPoweroff    string            `xml:"on_poweroff"`
	OnReboot      string            `xml:"on_reboot"`
	OnCrash       string            `xml:"on_crash"`
	Devices       domainDevicesXML  `xml:"devices"`
}

type domainMemoryXML struct {
	Unit  string `xml:"unit,attr,omitempty"`
	Value string `xml:",chardata"`
}

type domainVCPUXML struct {
	Placement string `xml:"placement,attr,omitempty"`
	Value     string `xml:",chardata"`
}

type domainOSXML struct {
	Type domainOSTypeXML   `xml:"type"`
	Boot []domainOSBootXML `xml:"boot"`
}

type domainOSTypeXML struct {
	Arch string `xml:"arch,attr,omitempty"`
	Type string `xml:",chardata"`
}

type domainOSBootXML struct {
	Dev string `xml:"dev,attr"`
}

type domainFeaturesXML struct {
	ACPI struct{} `xml:"acpi"`
	APIC struct{} `xml:"apic"`
}

type domainCPUXML struct {
	Mode string `xml:"mode,attr,omitempty"`
}

type domainClockXML struct {
	Offset string `xml:"offset,attr,omitempty"`
}

type domainDevicesXML struct {
	Disks      []domainDiskXML        `xml:"disk"`
	Interfaces []domainIfaceXML       `xml:"interface"`
	Console    domainDeviceConsoleXML `xml:"console"`
	Graphics   domainDeviceGraphicXML `xml:"graphics"`
}

// domainDiskXML is used both to build definitions and to read them back
// when a disk has to be detached.
type domainDiskXML struct {
	XMLName  xml.Name             `xml:"disk"`
	Type     string               `xml:"type,attr,omitempty"`
	Device   string               `xml:"device,attr,omitempty"`
	Driver   *domainDiskDriverXML `xml:"driver"`
	Source   *domainDiskSourceXML `xml:"source"`
	Target   domainDiskTargetXML  `xml:"target"`
	ReadOnly *struct{}            `xml:"readonly"`
}

type domainDiskDriverXML struct {
	Name string `xml:"name,attr,omitempty"`
	Type string `xml:"type,attr,omitempty"`
}

type domainDiskSourceXML struct {
	File string `xml:"file,attr,omitempty"`
}

type domainDiskTargetXML struct {
	Dev string `xml:"dev,attr,omitempty"`
	Bus string `xml:"bus,attr,omitempty"`
}

type domainIfaceXML struct {
	Type   string               `xml:"type,attr,omitempty"`
	MAC    *domainIfaceMACXML   `xml:"mac"`
	Source domainIfaceSourceXML `xml:"source"`
	VLAN   *domainIfaceVLANXML  `xml:"vlan"`
	Model  domainIfaceModelXML  `xml:"model"`
}

type domainIfaceMACXML struct {
	Address string `xml:"address,attr"`
}

type domainIfaceSourceXML struct {
	Bridge string `xml:"bridge,attr,omitempty"`
}

type domainIfaceVLANXML struct {
	Tag domainIfaceVLANTagXML `xml:"tag"`
}

type domainIfaceVLANTagXML struct {
	ID int `xml:"id,attr"`
}

type domainIfaceModelXML struct {
	Type string `xml:"type,attr,omitempty"`
}

type domainDeviceConsoleXML struct {
	Type string `xml:"type,attr,omitempty"`
}

type domainDeviceGraphicXML struct {
	Type     string `xml:"type,attr,omitempty"`
	Autoport string `xml:"autoport,attr,omitempty"`
	Listen   string `xml:"listen,attr,omitempty"`
}

// buildDomainXML renders a persistent KVM definition. Data disks are left out;
// they are attached after the domain is defined.
func buildDomainXML(spec hypervisor.VMSpec, bridge string) (string, error) {
	maxKiB := spec.MaxMemoryB / 1024
	curKiB := spec.MinMemoryB / 1024
	if curKiB == 0 || curKiB > maxKiB {
		curKiB = maxKiB
	}
	arch := strings.TrimSpace(spec.Arch)
	if arch == "" {
		arch = "x86_64"
	}

	d := domainDefinitionXML{
		Type:          "kvm",
		Name:          spec.Name,
		UUID:          spec.UUID,
		Memory:        domainMemoryXML{Unit: "KiB", Value: strconv.FormatUint(maxKiB, 10)},
		CurrentMemory: domainMemoryXML{Unit: "KiB", Value: strconv.FormatUint(curKiB, 10)},
		VCPU:          domainVCPUXML{Placement: "static", Value: strconv.FormatUint(uint64(spec.VCPUs), 10)},
		OS: domainOSXML{
			Type: domainOSTypeXML{Arch: arch, Type: "hvm"},
			Boot: []domainOSBootXML{{Dev: "hd"}, {Dev: "cdrom"}},
		},
		CPU:        domainCPUXML{Mode: "host-passthrough"},
		Clock:      domainClockXML{Offset: "utc"},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
		Devices: domainDevicesXML{
			Console:  domainDeviceConsoleXML{Type: "pty"},
			Graphics: domainDeviceGraphicXML{Type: "vnc", Autoport: "yes", Listen: "0.0.0.0"},
		},
	}

	for _, disk := range spec.Disks {
		switch disk.Kind {
		case hypervisor.DiskData:
			continue
		case hypervisor.DiskISO:
			d.Devices.Disks = append(d.Devices.Disks, cdromXML(disk.Path, disk.Slot))
		default:
			d.Devices.Disks = append(d.Devices.Disks, fileDiskXML(disk.Path, disk.Slot))
		}
	}

	for _, nic := range spec.NICs {
		iface := domainIfaceXML{
			Type:   "bridge",
			Source: domainIfaceSourceXML{Bridge: bridge},
			Model:  domainIfaceModelXML{Type: "virtio"},
		}
		if nic.MAC != "" {
			iface.MAC = &domainIfaceMACXML{Address: strings.ToLower(nic.MAC)}
		}
		if nic.VLANID > 0 {
			iface.VLAN = &domainIfaceVLANXML{Tag: domainIfaceVLANTagXML{ID: nic.VLANID}}
		}
		d.Devices.Interfaces = append(d.Devices.Interfaces, iface)
	}

	out, err := xml.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal domain xml: %w", err)
	}
	return string(out), nil
}

func fileDiskXML(path string, slot int) domainDiskXML {
	return domainDiskXML{
		Type:   "file",
		Device: "disk",
		Driver: &domainDiskDriverXML{Name: "qemu", Type: diskFormat(path)},
		Source: &domainDiskSourceXML{File: path},
		Target: domainDiskTargetXML{Dev: targetDev("vd", slot), Bus: "virtio"},
	}
}

func marshalDisk(disk domainDiskXML) (string, error) {
	out, err := xml.Marshal(disk)
	if err != nil {
		return "", fmt.Errorf("marshal disk xml: %w", err)
	}
	return string(out), nil
}

func cdromXML(path string, slot int) domainDiskXML {
	disk := domainDiskXML{
		Type:     "file",
		Device:   "cdrom",
		Driver:   &domainDiskDriverXML{Name: "qemu", Type: "raw"},
		Target:   domainDiskTargetXML{Dev: targetDev("sd", slot), Bus: "sata"},
		ReadOnly: &struct{}{},
	}
	if path != "" {
		disk.Source = &domainDiskSourceXML{File: path}
	}
	return disk
}

// targetDev maps a device slot to a guest device name: 0 -> vda, 1 -> vdb.
func targetDev(prefix string, slot int) string {
	if slot < 0 {
		slot = 0
	}
	name := ""
	for n := slot; ; n = n/26 - 1 {
		name = string(rune('a'+n%26)) + name
		if n < 26 {
			break
		}
	}
	return prefix + name
}

// diskFormat picks the qemu driver format from the image file extension.
func diskFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".vhd":
		return "vpc"
	case ".vhdx":
		return "vhdx"
	case ".qcow2":
		return "qcow2"
	default:
		return "raw"
	}
}

type domainConfigXML struct {
	Name    string `xml:"name"`
	Devices struct {
		Disks []domainDiskXML `xml:"disk"`
	} `xml:"devices"`
}

// findDiskXML returns the device XML of the disk backed by path.
func findDiskXML(domainXML, path string) (string, bool, error) {
	var d domainConfigXML
	if err := xml.Unmarshal([]byte(domainXML), &d); err != nil {
		return "", false, fmt.Errorf("unmarshal domain xml: %w", err)
	}
	want := filepath.Clean(path)
	for _, disk := range d.Devices.Disks {
		if disk.Source == nil || disk.Source.File == "" {
			continue
		}
		if filepath.Clean(disk.Source.File) != want {
			continue
		}
		out, err := xml.Marshal(disk)
		if err != nil {
			return "", false, fmt.Errorf("marshal disk xml: %w", err)
		}
		return string(out), true, nil
	}
	return "", false, nil
}

type storagePoolXML struct {
	Name   string `xml:"name"`
	Target struct {
		Path string `xml:"path"`
	} `xml:"target"`
}

func parsePoolTargetPath(poolXML string) (string, error) {
	var p storagePoolXML
	if err := xml.Unmarshal([]byte(poolXML), &p); err != nil {
		return "", fmt.Errorf("unmarshal storage pool xml: %w", err)
	}
	return strings.TrimSpace(p.Target.Path), nil
}
