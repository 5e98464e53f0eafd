package transport

import (
	"fmt"
	"net"
	"strings"
)

// DefaultSubnetPrefix is the experiment network both the LB and the workers
// bind on unless configured otherwise.
const DefaultSubnetPrefix = "10.10.1."

// LocalIPWithPrefix returns the first non-loopback IPv4 address whose
// dotted form starts with prefix. An empty prefix matches the first
// non-loopback IPv4 address.
func LocalIPWithPrefix(prefix string) (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("transport: list interfaces: %w", err)
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		v4 := ipnet.IP.To4()
		if v4 == nil {
			continue
		}
		if strings.HasPrefix(v4.String(), prefix) {
			return v4.String(), nil
		}
	}
	return "", fmt.Errorf("transport: no interface with IPv4 prefix %q", prefix)
}
