package types

import (
	"regexp"
	"strings"
	"time"
)

// Status mirrors the IPAM prefix status. A segment is available exactly
// when no cluster holds it.
type Status string

const (
	StatusAvailable Status = "available"
	StatusReserved  Status = "reserved"
)

var (
	// ClusterNameRE bounds a single cluster token inside cluster_name.
	ClusterNameRE = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,100}$`)
	// EPGNameRE bounds the VLAN label.
	EPGNameRE = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// Segment is the unit of allocation: one (vrf, site, vlan_id, prefix)
// tuple backed by an IPAM prefix and its VLAN.
type Segment struct {
	ID          string     `json:"id"`
	Site        string     `json:"site"`
	VRF         string     `json:"vrf"`
	VLANID      int        `json:"vlan_id"`
	EPGName     string     `json:"epg_name"`
	Prefix      string     `json:"prefix"`
	DHCP        bool       `json:"dhcp"`
	Description string     `json:"description"`
	ClusterName string     `json:"cluster_name,omitempty"`
	Status      Status     `json:"status"`
	AllocatedAt *time.Time `json:"allocated_at,omitempty"`
	Released    bool       `json:"released"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`

	// VLANRefID is the IPAM id of the backing VLAN object, carried for
	// the VLAN garbage-collection path. Not part of the wire form.
	VLANRefID int `json:"-"`
}

// Clusters returns the normalized cluster token list, empty when the
// segment is available.
func (s *Segment) Clusters() []string {
	return SplitClusters(s.ClusterName)
}

// HeldBy reports whether cluster appears in the segment's token list.
func (s *Segment) HeldBy(cluster string) bool {
	for _, c := range s.Clusters() {
		if c == cluster {
			return true
		}
	}
	return false
}

// SplitClusters splits a comma-joined cluster list, trimming whitespace
// and dropping empties. Empty input returns nil ("" is the legacy null).
func SplitClusters(list string) []string {
	if list == "" {
		return nil
	}
	parts := strings.Split(list, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// JoinClusters joins tokens back into the wire form.
func JoinClusters(clusters []string) string {
	return strings.Join(clusters, ",")
}

// AddCluster adds a cluster to a comma-joined list if not already present.
// The result is normalized (trimmed, no empties).
func AddCluster(list, cluster string) string {
	clusters := SplitClusters(list)
	for _, c := range clusters {
		if c == cluster {
			return JoinClusters(clusters)
		}
	}
	return JoinClusters(append(clusters, cluster))
}

// RemoveCluster removes a cluster from a comma-joined list. The empty
// string result means the lease fully ended.
func RemoveCluster(list, cluster string) string {
	clusters := SplitClusters(list)
	result := make([]string, 0, len(clusters))
	for _, c := range clusters {
		if c != cluster {
			result = append(result, c)
		}
	}
	return JoinClusters(result)
}

// ClusterMemberRE builds the membership pattern for one token inside a
// comma-joined list, anchored so "web-1" never matches "web-10".
func ClusterMemberRE(cluster string) string {
	return "(^|,)" + regexp.QuoteMeta(cluster) + "(,|$)"
}

// Allocation is the engine's answer to an allocate call.
type Allocation struct {
	VLANID      int        `json:"vlan_id"`
	EPGName     string     `json:"epg_name"`
	Prefix      string     `json:"prefix"`
	Site        string     `json:"site"`
	VRF         string     `json:"vrf"`
	Cluster     string     `json:"cluster"`
	AllocatedAt *time.Time `json:"allocated_at,omitempty"`
}

// ReleaseOutcome reports whether the segment went back to the pool or
// merely had its share reduced.
type ReleaseOutcome struct {
	Cluster   string   `json:"cluster"`
	VLANID    int      `json:"vlan_id"`
	Prefix    string   `json:"prefix"`
	Released  bool     `json:"released"`
	Remaining []string `json:"remaining,omitempty"`
}
