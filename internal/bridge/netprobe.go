package bridge

import (
	"net"
	"strings"
)

// InterfaceProbe reports the network as up when a non-loopback interface is
// up and carries at least one unicast address. Name restricts the check to a
// single interface.
type InterfaceProbe struct {
	Name string
}

func (p InterfaceProbe) Up() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	want := strings.TrimSpace(p.Name)
	for _, iface := range ifaces {
		if want != "" && iface.Name != want {
			continue
		}
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipn, ok := addr.(*net.IPNet); ok && ipn.IP.IsGlobalUnicast() {
				return true
			}
		}
	}
	return false
}
