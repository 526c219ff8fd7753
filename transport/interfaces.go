package transport

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/sirupsen/logrus"
	"go4.org/netipx"
)

// LocalAddresses lists the unicast addresses of every interface that is up
// and not a loopback. Link-local IPv6 addresses carry their interface name as
// zone so they can be dialled.
func LocalAddresses() ([]netip.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}

	var out []netip.Addr
	for _, iface := range ifaces {
		if !isInterfaceActive(iface) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "LocalAddresses",
				"interface": iface.Name,
				"error":     err,
			}).Debug("Skipping interface")
			continue
		}
		out = append(out, interfaceUnicast(iface.Name, addrs)...)
	}
	return out, nil
}

func isInterfaceActive(iface net.Interface) bool {
	return iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagLoopback == 0
}

func interfaceUnicast(name string, addrs []net.Addr) []netip.Addr {
	var out []netip.Addr
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netipx.FromStdIP(ipnet.IP)
		if !ok || ip.IsLoopback() || ip.IsMulticast() || ip.IsUnspecified() {
			continue
		}
		if ip.Is6() && ip.IsLinkLocalUnicast() {
			ip = ip.WithZone(name)
		}
		out = append(out, ip)
	}
	return out
}
