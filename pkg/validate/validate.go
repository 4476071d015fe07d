// Package validate runs the admission checks on segment input, in a
// fixed order with the first failure winning. Every check is pure over
// its inputs except the VRF existence lookup, which rides the warm
// reference cache.
package validate

import (
	"context"
	"net/netip"
	"regexp"
	"strings"
	"unicode"

	"github.com/pkg/errors"

	"github.com/clickcluster/segmentd/pkg/config"
	"github.com/clickcluster/segmentd/pkg/ipam"
	"github.com/clickcluster/segmentd/pkg/iphelpers"
	"github.com/clickcluster/segmentd/pkg/logging"
	"github.com/clickcluster/segmentd/pkg/types"
)

const (
	minMaskBits = 16
	maxMaskBits = 29

	maxDescriptionLen = 200
)

// scriptInjectionRE names the classic markup vectors. Free-text fields
// end up rendered by IPAM web UIs, which must never execute them.
var scriptInjectionRE = regexp.MustCompile(`(?i)(<\s*/?\s*(script|iframe|object|embed)\b|javascript\s*:|\bon(load|error|click|mouseover)\s*=)`)

// VRFLookup is the one non-pure dependency: resolving a VRF name
// against the IPAM. *refcache.Cache satisfies it.
type VRFLookup interface {
	VRFByName(ctx context.Context, name string) (*ipam.VRF, error)
}

type Validator struct {
	cfg  *config.Config
	vrfs VRFLookup
}

func New(cfg *config.Config, vrfs VRFLookup) *Validator {
	return &Validator{cfg: cfg, vrfs: vrfs}
}

// Segment checks seg against the rules and the existing inventory.
// existing is the current segment set; entries sharing seg's id are
// ignored so an update never collides with itself.
func (v *Validator) Segment(ctx context.Context, seg *types.Segment, existing []types.Segment) error {
	if err := v.identity(ctx, seg); err != nil {
		return err
	}
	if err := vlanRange(seg); err != nil {
		return err
	}
	p, err := v.prefixChecks(seg)
	if err != nil {
		return err
	}
	if err := inventoryChecks(seg, p, existing); err != nil {
		return err
	}
	return textChecks(seg)
}

func (v *Validator) identity(ctx context.Context, seg *types.Segment) error {
	if !v.cfg.HasSite(seg.Site) {
		return types.BadRequestf("unknown site %q (configured: %s)", seg.Site, strings.Join(v.cfg.Sites, ", "))
	}
	if seg.VRF == "" {
		return types.BadRequestf("a segment needs a network (VRF) name")
	}
	if _, err := v.vrfs.VRFByName(ctx, seg.VRF); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return types.BadRequestf("VRF %q is not defined in the IPAM", seg.VRF)
		}
		return err
	}
	if !types.EPGNameRE.MatchString(seg.EPGName) {
		return types.BadRequestf("EPG name %q must match %s", seg.EPGName, types.EPGNameRE)
	}
	for _, cluster := range seg.Clusters() {
		if !types.ClusterNameRE.MatchString(cluster) {
			return types.BadRequestf("cluster name %q must match %s", cluster, types.ClusterNameRE)
		}
	}
	return nil
}

func vlanRange(seg *types.Segment) error {
	if seg.VLANID < 1 || seg.VLANID > 4094 {
		return types.BadRequestf("vlan id %d is outside the usable range 1-4094", seg.VLANID)
	}
	if seg.VLANID == 1 {
		logging.Verbosef("vlan 1 is the default VLAN on most switches, accepting it anyway")
	}
	return nil
}

func (v *Validator) prefixChecks(seg *types.Segment) (netip.Prefix, error) {
	p, err := iphelpers.ParsePrefix(seg.Prefix)
	if err != nil {
		return netip.Prefix{}, types.BadRequestf("%v", err)
	}
	if !iphelpers.IsCanonical(p) {
		return netip.Prefix{}, types.BadRequestf("prefix %s is not in network form, did you mean %s?", seg.Prefix, iphelpers.Canonicalize(p))
	}
	if p.Bits() < minMaskBits || p.Bits() > maxMaskBits {
		return netip.Prefix{}, types.BadRequestf("subnet mask /%d is outside the supported range /%d to /%d", p.Bits(), minMaskBits, maxMaskBits)
	}
	if reason, reserved := iphelpers.ReservedRange(p); reserved {
		return netip.Prefix{}, types.BadRequestf("prefix %s falls in the %s", seg.Prefix, reason)
	}
	octet, ok := v.cfg.FirstOctetFor(seg.VRF, seg.Site)
	if !ok {
		return netip.Prefix{}, types.BadRequestf("no prefix octet configured for network %q at site %q", seg.VRF, seg.Site)
	}
	if iphelpers.FirstOctet(p) != octet {
		return netip.Prefix{}, types.BadRequestf("prefix %s does not belong to site %s, its first octet should be %d", seg.Prefix, seg.Site, octet)
	}
	if iphelpers.UsableHosts(p) < 2 {
		return netip.Prefix{}, types.BadRequestf("prefix %s is too small to hold hosts", seg.Prefix)
	}
	return p, nil
}

func inventoryChecks(seg *types.Segment, p netip.Prefix, existing []types.Segment) error {
	for i := range existing {
		other := &existing[i]
		if seg.ID != "" && other.ID == seg.ID {
			continue
		}
		if other.VRF != seg.VRF {
			continue
		}
		op, err := iphelpers.ParsePrefix(other.Prefix)
		if err != nil {
			// not this segment's problem; the consistency scan reports it
			logging.Debugf("skipping overlap check against segment %s with unparsable prefix %q: %v", other.ID, other.Prefix, err)
			continue
		}
		if iphelpers.Overlaps(p, op) {
			return types.BadRequestf("prefix %s overlaps %s held by vlan %d in VRF %s", seg.Prefix, other.Prefix, other.VLANID, other.VRF)
		}
	}

	for i := range existing {
		other := &existing[i]
		if seg.ID != "" && other.ID == seg.ID {
			continue
		}
		if other.VRF != seg.VRF || other.Site != seg.Site {
			continue
		}
		if other.VLANID == seg.VLANID {
			return types.BadRequestf("vlan id %d is already used by segment %s in %s/%s", seg.VLANID, other.ID, seg.VRF, seg.Site)
		}
		if other.EPGName == seg.EPGName {
			return types.BadRequestf("EPG name %q is already used by vlan %d in %s/%s", seg.EPGName, other.VLANID, seg.VRF, seg.Site)
		}
	}
	return nil
}

func textChecks(seg *types.Segment) error {
	if scriptInjectionRE.MatchString(seg.Description) {
		return types.BadRequestf("the description contains markup that looks like script injection")
	}
	if len(seg.Description) > maxDescriptionLen {
		return types.BadRequestf("the description is longer than %d characters", maxDescriptionLen)
	}
	if strings.IndexFunc(seg.Description, unicode.IsControl) >= 0 {
		return types.BadRequestf("the description contains control characters")
	}
	return nil
}
