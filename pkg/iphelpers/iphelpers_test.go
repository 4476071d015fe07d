package iphelpers

import (
	"net/netip"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestIPHelpers(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "IPHelpers Suite")
}

var _ = Describe("ParsePrefix operations", func() {
	It("parses a canonical IPv4 CIDR", func() {
		p, err := ParsePrefix("192.168.1.0/24")
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Bits()).To(Equal(24))
		Expect(IsCanonical(p)).To(BeTrue())
	})

	It("keeps host bits so non-canonical input is detectable", func() {
		p, err := ParsePrefix("192.168.1.5/24")
		Expect(err).NotTo(HaveOccurred())
		Expect(IsCanonical(p)).To(BeFalse())
		Expect(Canonicalize(p).String()).To(Equal("192.168.1.0/24"))
	})

	It("rejects garbage", func() {
		_, err := ParsePrefix("not-a-cidr")
		Expect(err).To(HaveOccurred())
	})

	It("rejects IPv6", func() {
		_, err := ParsePrefix("2000::/64")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("ReservedRange operations", func() {
	It("flags loopback", func() {
		reason, hit := ReservedRange(netip.MustParsePrefix("127.0.0.0/24"))
		Expect(hit).To(BeTrue())
		Expect(reason).To(ContainSubstring("loopback"))
	})

	It("flags link-local", func() {
		_, hit := ReservedRange(netip.MustParsePrefix("169.254.10.0/24"))
		Expect(hit).To(BeTrue())
	})

	It("flags multicast and above", func() {
		_, hit := ReservedRange(netip.MustParsePrefix("224.0.0.0/24"))
		Expect(hit).To(BeTrue())
		_, hit = ReservedRange(netip.MustParsePrefix("240.0.0.0/16"))
		Expect(hit).To(BeTrue())
	})

	It("flags the zero network", func() {
		_, hit := ReservedRange(netip.MustParsePrefix("0.0.0.0/16"))
		Expect(hit).To(BeTrue())
	})

	It("passes ordinary private space", func() {
		_, hit := ReservedRange(netip.MustParsePrefix("10.1.2.0/24"))
		Expect(hit).To(BeFalse())
		_, hit = ReservedRange(netip.MustParsePrefix("192.168.0.0/16"))
		Expect(hit).To(BeFalse())
	})
})

var _ = Describe("Overlaps operations", func() {
	It("detects containment", func() {
		a := netip.MustParsePrefix("192.168.0.0/23")
		b := netip.MustParsePrefix("192.168.1.0/24")
		Expect(Overlaps(a, b)).To(BeTrue())
		Expect(Overlaps(b, a)).To(BeTrue())
	})

	It("passes disjoint prefixes", func() {
		a := netip.MustParsePrefix("192.168.0.0/24")
		b := netip.MustParsePrefix("192.168.1.0/24")
		Expect(Overlaps(a, b)).To(BeFalse())
	})

	It("masks host bits before comparing", func() {
		a := netip.MustParsePrefix("192.168.1.5/24")
		b := netip.MustParsePrefix("192.168.1.200/25")
		Expect(Overlaps(a, b)).To(BeTrue())
	})
})

var _ = Describe("UsableHosts operations", func() {
	It("counts a /24", func() {
		Expect(UsableHosts(netip.MustParsePrefix("10.0.0.0/24"))).To(Equal(uint64(254)))
	})

	It("counts a /29", func() {
		Expect(UsableHosts(netip.MustParsePrefix("10.0.0.0/29"))).To(Equal(uint64(6)))
	})

	It("finds no usable hosts in /31 and /32", func() {
		Expect(HasUsableHosts(netip.MustParsePrefix("10.0.0.0/31"))).To(BeFalse())
		Expect(HasUsableHosts(netip.MustParsePrefix("10.0.0.0/32"))).To(BeFalse())
	})

	It("walks the usable range of a /29", func() {
		p := netip.MustParsePrefix("192.168.10.8/29")
		first, err := FirstUsable(p)
		Expect(err).NotTo(HaveOccurred())
		Expect(first.String()).To(Equal("192.168.10.9"))
		last, err := LastUsable(p)
		Expect(err).NotTo(HaveOccurred())
		Expect(last.String()).To(Equal("192.168.10.14"))
	})

	It("errors on ranges without usable addresses", func() {
		_, err := FirstUsable(netip.MustParsePrefix("10.0.0.0/32"))
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("FirstOctet operations", func() {
	It("extracts the leading octet", func() {
		Expect(FirstOctet(netip.MustParsePrefix("10.20.30.0/24"))).To(Equal(10))
		Expect(FirstOctet(netip.MustParsePrefix("172.16.0.0/16"))).To(Equal(172))
	})
})
