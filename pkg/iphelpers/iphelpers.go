package iphelpers

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/gaissmai/extnetip"
)

// reservedRanges lists the IPv4 blocks a segment prefix may never live in.
var reservedRanges = []struct {
	prefix netip.Prefix
	reason string
}{
	{netip.MustParsePrefix("0.0.0.0/8"), "\"this network\" range 0.0.0.0/8"},
	{netip.MustParsePrefix("127.0.0.0/8"), "loopback range 127.0.0.0/8"},
	{netip.MustParsePrefix("169.254.0.0/16"), "link-local range 169.254.0.0/16"},
	{netip.MustParsePrefix("224.0.0.0/3"), "multicast/reserved range (224.0.0.0 and above)"},
}

// ParsePrefix parses an IPv4 CIDR. Host bits are preserved so callers can
// detect non-canonical input and suggest the masked form.
func ParsePrefix(s string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%q is not a valid CIDR: %v", s, err)
	}
	if !p.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("%q is not an IPv4 prefix", s)
	}
	return p, nil
}

// IsCanonical reports whether the prefix is in network form, i.e. no host
// bits are set (192.168.1.0/24 yes, 192.168.1.5/24 no).
func IsCanonical(p netip.Prefix) bool {
	return p == p.Masked()
}

// Canonicalize returns the network form of the prefix.
func Canonicalize(p netip.Prefix) netip.Prefix {
	return p.Masked()
}

// ReservedRange returns the reason string when the prefix falls inside a
// reserved IPv4 block.
func ReservedRange(p netip.Prefix) (string, bool) {
	for _, r := range reservedRanges {
		if r.prefix.Overlaps(p) {
			return r.reason, true
		}
	}
	return "", false
}

// Overlaps reports whether two prefixes share any address. Both sides are
// compared in network form.
func Overlaps(a, b netip.Prefix) bool {
	return a.Masked().Overlaps(b.Masked())
}

// FirstOctet returns the leading octet of the prefix network address.
func FirstOctet(p netip.Prefix) int {
	return int(p.Masked().Addr().As4()[0])
}

func addrToUint32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

// UsableHosts returns the number of assignable host addresses in the
// prefix, excluding the network and broadcast addresses. Prefixes of /31
// and /32 have no usable hosts.
func UsableHosts(p netip.Prefix) uint64 {
	first, last := extnetip.Range(p.Masked())
	size := uint64(addrToUint32(last)-addrToUint32(first)) + 1
	if size <= 2 {
		return 0
	}
	return size - 2
}

// HasUsableHosts reports whether the subnet holds at least one address
// besides the network and broadcast addresses.
func HasUsableHosts(p netip.Prefix) bool {
	return UsableHosts(p) > 0
}

// FirstUsable returns the first assignable address (network address plus
// one).
func FirstUsable(p netip.Prefix) (netip.Addr, error) {
	if !HasUsableHosts(p) {
		return netip.Addr{}, fmt.Errorf("subnet %s has no usable addresses, it is too small", p)
	}
	first, _ := extnetip.Range(p.Masked())
	return first.Next(), nil
}

// LastUsable returns the last assignable address (broadcast address minus
// one).
func LastUsable(p netip.Prefix) (netip.Addr, error) {
	if !HasUsableHosts(p) {
		return netip.Addr{}, fmt.Errorf("subnet %s has no usable addresses, it is too small", p)
	}
	_, last := extnetip.Range(p.Masked())
	return last.Prev(), nil
}
