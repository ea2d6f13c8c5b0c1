package system

import (
	"fmt"
	"net"

	"github.com/containerd/errdefs"
	"github.com/vishvananda/netlink"
)

type NIC struct {
	Name    string
	Index   int
	Netmask string
	MAC     string
}

// Interfaces resolves host NICs through netlink.
type Interfaces struct{}

func (Interfaces) NICForIP(ip string) (NIC, error) {
	return NICForIP(ip)
}

func (Interfaces) Counters(name string) (NetCounters, error) {
	return InterfaceCounters(name)
}

// NICForIP returns the interface carrying ip as one of its unicast addresses.
func NICForIP(ip string) (NIC, error) {
	target := net.ParseIP(ip)
	if target == nil {
		return NIC{}, fmt.Errorf("invalid ip address %q: %w", ip, errdefs.ErrInvalidArgument)
	}
	links, err := netlink.LinkList()
	if err != nil {
		return NIC{}, fmt.Errorf("list links: %w", err)
	}
	for _, link := range links {
		addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if addr.IPNet == nil || !addr.IPNet.IP.Equal(target) {
				continue
			}
			attrs := link.Attrs()
			return NIC{
				Name:    attrs.Name,
				Index:   attrs.Index,
				Netmask: maskString(addr.IPNet.Mask),
				MAC:     attrs.HardwareAddr.String(),
			}, nil
		}
	}
	return NIC{}, fmt.Errorf("no NIC for ip address %s: %w", ip, errdefs.ErrNotFound)
}

// InterfaceCounters prefers netlink link statistics and falls back to /proc/net/dev.
func InterfaceCounters(name string) (NetCounters, error) {
	link, err := netlink.LinkByName(name)
	if err == nil {
		if st := link.Attrs().Statistics; st != nil {
			return NetCounters{RxBytes: st.RxBytes, TxBytes: st.TxBytes}, nil
		}
	}
	return ReadInterfaceCounters(name)
}

// maskString renders IPv4 masks in dotted form, e.g. 255.255.255.0.
func maskString(m net.IPMask) string {
	if len(m) != net.IPv4len && len(m) != net.IPv6len {
		return m.String()
	}
	return net.IP(m).String()
}
