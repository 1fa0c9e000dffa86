package util

import (
	"errors"
	"net"
	"strconv"
	"strings"
)

// ErrNoLocalAddress is returned when no usable IPv4 address can be found.
var ErrNoLocalAddress = errors.New("no local IPv4 address found")

// SplitHostPort splits a network address into host and port.
// Unlike net.SplitHostPort, this handles addresses without ports.
func SplitHostPort(addr string) (host string, port int, err error) {
	h, p, splitErr := net.SplitHostPort(addr)
	if splitErr == nil {
		portNum, parseErr := strconv.Atoi(p)
		if parseErr != nil {
			return "", 0, parseErr
		}
		return h, portNum, nil
	}

	// If no port, return the address as host with port 0
	if strings.Contains(splitErr.Error(), "missing port") {
		return addr, 0, nil
	}

	return "", 0, splitErr
}

// JoinHostPort joins a host and port into a network address.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// IsLocalAddress checks if an address is a local/loopback address.
func IsLocalAddress(addr string) bool {
	host, _, _ := SplitHostPort(addr)
	if host == "" {
		host = addr
	}

	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1", "0.0.0.0":
		return true
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	return ip.IsLoopback() || ip.IsUnspecified()
}

// GetOutboundIP returns the preferred outbound IP of this machine.
func GetOutboundIP() (net.IP, error) {
	// Use UDP dial to find the preferred outbound IP
	// This doesn't actually connect but determines the interface
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP, nil
}

// LocalIPv4 returns this machine's primary IPv4 address as a string,
// falling back to an interface walk when the outbound route trick fails
// (e.g. on networks without a default route).
func LocalIPv4() (string, error) {
	if ip, err := GetOutboundIP(); err == nil {
		if v4 := ip.To4(); v4 != nil {
			return v4.String(), nil
		}
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if v4 := ipNet.IP.To4(); v4 != nil && !v4.IsLoopback() {
				return v4.String(), nil
			}
		}
	}

	return "", ErrNoLocalAddress
}
