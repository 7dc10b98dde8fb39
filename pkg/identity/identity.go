// Package identity derives the worker identifier from local network
// configuration.
package identity

import (
	"crypto/md5"
	"encoding/hex"
	"net"
	"strings"

	"github.com/cuemby/burrow/pkg/types"
)

const loopback = "127.0.0.1"

// AddrSource enumerates interface addresses in OS order
type AddrSource func() ([]net.Addr, error)

// Generator derives a WorkerIdentity from an address source
type Generator struct {
	addrs AddrSource
}

// NewGenerator returns a Generator reading the host's interface addresses
func NewGenerator() *Generator {
	return &Generator{addrs: net.InterfaceAddrs}
}

// NewGeneratorWithSource returns a Generator over a custom address source
func NewGeneratorWithSource(src AddrSource) *Generator {
	return &Generator{addrs: src}
}

// Identifier hashes the concatenated non-loopback IPv4 addresses and returns
// the first 16 hex characters. With no qualifying address, or when
// enumeration fails, the loopback address is hashed instead.
func (g *Generator) Identifier() types.WorkerIdentity {
	addrs, err := g.addrs()
	if err != nil {
		addrs = nil
	}
	return FromAddresses(IPv4Addresses(addrs))
}

// IPv4Addresses filters addrs down to non-loopback IPv4 address strings,
// keeping enumeration order.
func IPv4Addresses(addrs []net.Addr) []string {
	var out []string
	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		default:
			ip = net.ParseIP(strings.Split(addr.String(), "/")[0])
		}

		ip4 := ip.To4()
		if ip4 == nil {
			continue
		}
		if s := ip4.String(); s != loopback {
			out = append(out, s)
		}
	}
	return out
}

// FromAddresses computes the identifier for an ordered address list
func FromAddresses(ips []string) types.WorkerIdentity {
	if len(ips) == 0 {
		ips = []string{loopback}
	}
	sum := md5.Sum([]byte(strings.Join(ips, "")))
	return types.WorkerIdentity(hex.EncodeToString(sum[:])[:16])
}
