package discovery

import (
	"net"
	"os"
	"strings"

	gnet "github.com/shirou/gopsutil/net"
)

// LocalAddresses enumerates the IP addresses of all local interfaces,
// loopback included. The transport layer uses this set to recognize
// requests addressed to this node.
func LocalAddresses() ([]string, error) {
	ifaces, err := gnet.Interfaces()
	if err != nil {
		return nil, err
	}

	var addrs []string
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			// Interface addresses come in CIDR form ("192.168.1.5/24").
			ip := addr.Addr
			if i := strings.IndexByte(ip, '/'); i >= 0 {
				ip = ip[:i]
			}
			if net.ParseIP(ip) != nil {
				addrs = append(addrs, ip)
			}
		}
	}
	return addrs, nil
}

// LocalIP picks the address announced to peers: the first non-loopback
// IPv4 address, falling back to loopback when the host has none.
func LocalIP() string {
	addrs, err := LocalAddresses()
	if err != nil {
		return "127.0.0.1"
	}

	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil || ip.To4() == nil || ip.IsLoopback() {
			continue
		}
		return a
	}
	return "127.0.0.1"
}

// Hostname returns the local hostname, or "unknown" when the OS will not
// say.
func Hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "unknown"
	}
	return name
}
