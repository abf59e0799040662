package server

import (
	"fmt"
	"net"
	"strings"
)

// Symbolic bind modes accepted by Listen in addition to literal addresses.
const (
	// BindAll listens on every interface, IPv4 and IPv6.
	BindAll = "all"
	// BindAllIPv4 listens on every IPv4 interface.
	BindAllIPv4 = "allv4"
	// BindAllIPv6 listens on every IPv6 interface.
	BindAllIPv6 = "allv6"
	// BindLocalhost listens on the IPv4 loopback interface.
	BindLocalhost = "localhost"
	// BindLoopback is an alias for BindLocalhost.
	BindLoopback = "loopback"
)

// bindAddress is a resolved listen target.
type bindAddress struct {
	network string
	host    string
	// advertise is the host spawned clients are told to connect to.
	advertise string
}

// resolveBind maps a bind mode or literal IP to a network and host.
// An empty bind means loopback.
func resolveBind(bind string) (bindAddress, error) {
	switch strings.ToLower(strings.TrimSpace(bind)) {
	case "", BindLocalhost, BindLoopback:
		return bindAddress{network: "tcp4", host: "127.0.0.1", advertise: "127.0.0.1"}, nil
	case BindAll:
		return bindAddress{network: "tcp", host: "", advertise: "127.0.0.1"}, nil
	case BindAllIPv4:
		return bindAddress{network: "tcp4", host: "0.0.0.0", advertise: "127.0.0.1"}, nil
	case BindAllIPv6:
		return bindAddress{network: "tcp6", host: "::", advertise: "::1"}, nil
	}

	ip := net.ParseIP(strings.Trim(bind, "[]"))
	if ip == nil {
		return bindAddress{}, fmt.Errorf("invalid bind address %q", bind)
	}
	addr := bindAddress{network: "tcp6", host: ip.String(), advertise: ip.String()}
	if ip.To4() != nil {
		addr.network = "tcp4"
	}
	if ip.IsUnspecified() {
		addr.advertise = "127.0.0.1"
		if addr.network == "tcp6" {
			addr.advertise = "::1"
		}
	}
	return addr, nil
}
