package agent

import (
	"fmt"

	"kvm-resource-agent/internal/config"
	"kvm-resource-agent/internal/system"
)

type NICResolver interface {
	NICForIP(ip string) (system.NIC, error)
}

// ResolveHost fills the netmask and MAC of the private and storage
// interfaces. The storage IP defaults to the private IP.
func ResolveHost(h config.Host, nics NICResolver) (config.Host, error) {
	private, err := nics.NICForIP(h.PrivateIPAddress)
	if err != nil {
		return h, fmt.Errorf("no local network interface carries private ip %s: %w", h.PrivateIPAddress, err)
	}
	h = h.WithPrivateNIC(private.Netmask, private.MAC)

	if h.StorageIPAddress == "" {
		h.StorageIPAddress = h.PrivateIPAddress
	}
	storage, err := nics.NICForIP(h.StorageIPAddress)
	if err != nil {
		return h, fmt.Errorf("no local network interface carries storage ip %s: %w", h.StorageIPAddress, err)
	}
	return h.WithStorageNIC(storage.Netmask, storage.MAC), nil
}
