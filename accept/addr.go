package accept

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

type resolvedAddr struct {
	family   int
	sockaddr unix.Sockaddr
}

// Addr returns the "host:port" a listening descriptor is actually bound to,
// useful after binding to port 0 for an OS-assigned ephemeral port.
func Addr(fd int) (string, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", err
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(sa.Addr[:])
		return net.JoinHostPort(ip.String(), strconv.Itoa(sa.Port)), nil
	case *unix.SockaddrInet6:
		ip := net.IP(sa.Addr[:])
		return net.JoinHostPort(ip.String(), strconv.Itoa(sa.Port)), nil
	default:
		return "", fmt.Errorf("accept: unsupported sockaddr type %T", sa)
	}
}

// resolveTCPAddr turns "host:port" into a raw unix.Sockaddr, supporting both
// IPv4 and IPv6 literals (and "" / "0.0.0.0" / "::" wildcards).
func resolveTCPAddr(address string) (*resolvedAddr, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	if host == "" {
		host = "0.0.0.0"
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return nil, fmt.Errorf("cannot resolve host %q", host)
		}
		ip = ips[0]
	}

	if v4 := ip.To4(); v4 != nil {
		var addr [4]byte
		copy(addr[:], v4)
		return &resolvedAddr{
			family:   unix.AF_INET,
			sockaddr: &unix.SockaddrInet4{Port: port, Addr: addr},
		}, nil
	}

	v6 := ip.To16()
	if v6 == nil {
		return nil, fmt.Errorf("unrecognized IP address %q", host)
	}
	var addr [16]byte
	copy(addr[:], v6)
	return &resolvedAddr{
		family:   unix.AF_INET6,
		sockaddr: &unix.SockaddrInet6{Port: port, Addr: addr},
	}, nil
}
