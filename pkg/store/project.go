package store

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/clickcluster/segmentd/pkg/ipam"
	"github.com/clickcluster/segmentd/pkg/logging"
	"github.com/clickcluster/segmentd/pkg/types"
)

// mirrorPrefix marks the machine-owned IPAM description. Older records
// carry the lease holder only there, not in the Cluster custom field.
const mirrorPrefix = "Cluster: "

const timestampFormat = time.RFC3339

// MirrorDescription renders the machine-owned IPAM description for a
// lease state. User text lives in the IPAM comments field instead.
func MirrorDescription(clusterName string) string {
	if clusterName == "" {
		return ""
	}
	return mirrorPrefix + clusterName
}

// Project maps an IPAM prefix onto a Segment. It fails when the prefix
// is not a well-formed segment: no site-group scope, no VRF, or no VLAN.
// Such prefixes are mis-configured on the IPAM side and are skipped by
// Find; the consistency scan reports them.
func Project(p *ipam.Prefix) (types.Segment, error) {
	if p.Scope == nil || p.ScopeType != ipam.ScopeSiteGroup || p.Scope.Slug == "" {
		return types.Segment{}, errors.Errorf("prefix %s (id %d) has no site-group scope", p.Prefix, p.ID)
	}
	if p.VRF == nil || p.VRF.Name == "" {
		return types.Segment{}, errors.Errorf("prefix %s (id %d) has no VRF", p.Prefix, p.ID)
	}
	if p.VLAN == nil {
		return types.Segment{}, errors.Errorf("prefix %s (id %d) has no VLAN", p.Prefix, p.ID)
	}

	var status types.Status
	switch p.Status.Value {
	case ipam.PrefixStatusActive:
		status = types.StatusAvailable
	case ipam.PrefixStatusReserved:
		status = types.StatusReserved
	default:
		return types.Segment{}, errors.Errorf("prefix %s (id %d) has unexpected status %q", p.Prefix, p.ID, p.Status.Value)
	}

	clusterName := types.JoinClusters(types.SplitClusters(p.CustomFields.Cluster))
	if clusterName == "" && status == types.StatusReserved {
		// legacy records keep the holder only in the description mirror
		if strings.HasPrefix(p.Description, mirrorPrefix) {
			clusterName = strings.TrimSpace(strings.TrimPrefix(p.Description, mirrorPrefix))
		}
	}

	return types.Segment{
		ID:          strconv.Itoa(p.ID),
		Site:        p.Scope.Slug,
		VRF:         p.VRF.Name,
		VLANID:      p.VLAN.VID,
		EPGName:     p.VLAN.Name,
		Prefix:      p.Prefix,
		DHCP:        p.CustomFields.DHCP,
		Description: p.Comments,
		ClusterName: clusterName,
		Status:      status,
		AllocatedAt: parseTimestamp(p, "AllocatedAt", p.CustomFields.AllocatedAt),
		Released:    status == types.StatusAvailable,
		ReleasedAt:  parseTimestamp(p, "ReleasedAt", p.CustomFields.ReleasedAt),
		VLANRefID:   p.VLAN.ID,
	}, nil
}

func parseTimestamp(p *ipam.Prefix, field, raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse(timestampFormat, raw)
	if err != nil {
		logging.Debugf("prefix %s (id %d) has malformed %s %q, ignoring", p.Prefix, p.ID, field, raw)
		return nil
	}
	return &t
}
