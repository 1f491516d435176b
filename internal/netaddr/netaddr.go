// Package netaddr parses and compares host addresses, networks and ranges.
// IPv4-mapped IPv6 inputs are normalized to plain IPv4 everywhere so that
// "::ffff:10.0.0.5" and "10.0.0.5" resolve identically.
package netaddr

import (
	"fmt"
	"net/netip"
	"strings"
)

// ParseHost parses a single host address. Prefix notation is rejected.
func ParseHost(value string) (netip.Addr, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return netip.Addr{}, fmt.Errorf("empty host address")
	}
	if strings.Contains(value, "/") {
		return netip.Addr{}, fmt.Errorf("host address %q must not carry a prefix", value)
	}
	addr, err := netip.ParseAddr(value)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid IP address %q: %w", value, err)
	}
	return addr.WithZone("").Unmap(), nil
}

// ParseNetwork parses an address with an optional prefix length. A bare
// address becomes a /32 or /128. The result is always masked.
func ParseNetwork(value string) (netip.Prefix, error) {
	value = strings.TrimSpace(value)
	if !strings.Contains(value, "/") {
		addr, err := ParseHost(value)
		if err != nil {
			return netip.Prefix{}, err
		}
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}
	p, err := netip.ParsePrefix(value)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid CIDR %q: %w", value, err)
	}
	// ::ffff:a.b.c.d/n with n >= 96 names an IPv4 network.
	if p.Addr().Is4In6() {
		if p.Bits() < 96 {
			return netip.Prefix{}, fmt.Errorf("invalid CIDR %q: mapped IPv4 prefix shorter than /96", value)
		}
		p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
	}
	return p.Masked(), nil
}

// InNetwork reports whether host lies inside network.
func InNetwork(host netip.Addr, network netip.Prefix) bool {
	return network.Contains(host.Unmap())
}

// InRange reports whether host lies in the inclusive range [lower, upper].
// Addresses of different families never match.
func InRange(host, lower, upper netip.Addr) bool {
	host = host.Unmap()
	if host.BitLen() != lower.BitLen() || host.BitLen() != upper.BitLen() {
		return false
	}
	return lower.Compare(host) <= 0 && host.Compare(upper) <= 0
}

// CoveringBits returns the prefix length of the smallest network containing
// both lower and upper. It is the specificity used for range rules.
func CoveringBits(lower, upper netip.Addr) int {
	a, b := lower.As16(), upper.As16()
	offset := 0
	if lower.Is4() {
		offset = 96
	}
	bits := 0
	for i := 0; i < 16; i++ {
		x := a[i] ^ b[i]
		if x == 0 {
			bits += 8
			continue
		}
		for mask := byte(0x80); mask != 0 && x&mask == 0; mask >>= 1 {
			bits++
		}
		break
	}
	if bits < offset {
		return 0
	}
	return bits - offset
}

// Bounds returns the first and last address of network.
func Bounds(network netip.Prefix) (first, last netip.Addr) {
	network = network.Masked()
	first = network.Addr()
	if first.Is4() {
		b := first.As4()
		setHostBits(b[:], network.Bits())
		return first, netip.AddrFrom4(b)
	}
	b := first.As16()
	setHostBits(b[:], network.Bits())
	return first, netip.AddrFrom16(b)
}

func setHostBits(b []byte, bits int) {
	for i := range b {
		switch {
		case bits >= 8:
			bits -= 8
		case bits > 0:
			b[i] |= 0xff >> bits
			bits = 0
		default:
			b[i] = 0xff
		}
	}
}

// IsIPv6 returns true for addresses that are not IPv4 after unmapping.
func IsIPv6(addr netip.Addr) bool {
	return !addr.Unmap().Is4()
}

// IsPrivate returns true if addr is RFC1918, loopback, link-local, CGNAT or ULA.
func IsPrivate(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, block := range privateBlocks {
		if block.Contains(addr) {
			return true
		}
	}
	return false
}

// privateBlocks contains all RFC-private, loopback, link-local, and ULA ranges.
var privateBlocks = func() []netip.Prefix {
	cidrs := []string{
		// IPv4
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"100.64.0.0/10", // CGNAT (RFC 6598)
		// IPv6
		"::1/128",
		"fe80::/10",
		"fc00::/7",
		"100::/64",
	}
	blocks := make([]netip.Prefix, 0, len(cidrs))
	for _, cidr := range cidrs {
		blocks = append(blocks, netip.MustParsePrefix(cidr))
	}
	return blocks
}()

// ParseWhitelist parses a slice of IP/CIDR strings. Blank entries are skipped.
func ParseWhitelist(entries []string) ([]netip.Prefix, error) {
	result := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e) == "" {
			continue
		}
		p, err := ParseNetwork(e)
		if err != nil {
			return nil, fmt.Errorf("invalid whitelist entry %q: %w", e, err)
		}
		result = append(result, p)
	}
	return result, nil
}

// IsWhitelisted checks if addr is covered by any of the whitelist entries.
func IsWhitelisted(addr netip.Addr, whitelist []netip.Prefix) bool {
	for _, wl := range whitelist {
		if InNetwork(addr, wl) {
			return true
		}
	}
	return false
}
