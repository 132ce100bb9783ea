package discovery

import (
	"crypto/rand"
	"encoding/hex"
	"net"
	"os"
	"sort"
	"strings"
)

// maxInstanceNameLength is the longest DNS label.
const maxInstanceNameLength = 63

// ValidateInstanceName checks that name fits one DNS-SD instance label.
// Instance names may contain spaces and dots (RFC 6763 Section 4.1.1).
func ValidateInstanceName(name string) error {
	if name == "" || len(name) > maxInstanceNameLength {
		return ErrInvalidInstanceName
	}
	for i := 0; i < len(name); i++ {
		if name[i] < 0x20 || name[i] == 0x7f {
			return ErrInvalidInstanceName
		}
	}
	return nil
}

// DefaultInstanceName returns "coap-<host>" or, without a usable host
// name, "coap-" and eight random hex characters.
func DefaultInstanceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		host, _, _ = strings.Cut(host, ".")
		if name := "coap-" + host; ValidateInstanceName(name) == nil {
			return name
		}
	}
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return "coap-" + hex.EncodeToString(buf[:])
}

// SortIPsByPreference orders addresses for connecting:
//  1. Global unicast
//  2. Private (IPv6 ULA fc00::/7, IPv4 RFC 1918)
//  3. Link-local
//  4. Loopback
//
// IPv6 sorts before IPv4 within a class. The input is not modified.
func SortIPsByPreference(ips []net.IP) []net.IP {
	if len(ips) <= 1 {
		return ips
	}

	sorted := make([]net.IP, len(ips))
	copy(sorted, ips)

	sort.SliceStable(sorted, func(i, j int) bool {
		return ipPriority(sorted[i]) < ipPriority(sorted[j])
	})
	return sorted
}

// ipPriority returns the priority of an IP address (lower is better).
func ipPriority(ip net.IP) int {
	if ip.To16() == nil {
		return 99
	}
	family := 0
	if ip.To4() != nil {
		family = 1
	}

	switch {
	case ip.IsLoopback():
		return 60 + family
	case ip.IsMulticast() || ip.IsUnspecified():
		return 90 + family
	case ip.IsLinkLocalUnicast():
		return 40 + family
	case ip.IsPrivate():
		return 20 + family
	case ip.IsGlobalUnicast():
		return family
	}
	return 80 + family
}

// FilterIPv6 returns only IPv6 addresses from the slice.
func FilterIPv6(ips []net.IP) []net.IP {
	var result []net.IP
	for _, ip := range ips {
		if ip.To4() == nil && ip.To16() != nil {
			result = append(result, ip)
		}
	}
	return result
}

// FilterIPv4 returns only IPv4 addresses from the slice.
func FilterIPv4(ips []net.IP) []net.IP {
	var result []net.IP
	for _, ip := range ips {
		if ip.To4() != nil {
			result = append(result, ip)
		}
	}
	return result
}

// GetLocalAddresses returns all non-loopback IP addresses on the host.
func GetLocalAddresses() ([]net.IP, error) {
	var addresses []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		// Skip down or loopback interfaces
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}

			if ip != nil && !ip.IsLoopback() {
				addresses = append(addresses, ip)
			}
		}
	}

	return SortIPsByPreference(addresses), nil
}
