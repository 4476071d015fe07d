package store

import (
	"testing"

	"github.com/clickcluster/segmentd/pkg/types"
)

func reservedSegment() *types.Segment {
	return &types.Segment{
		ID:          "101",
		Site:        "site1",
		VRF:         "Network1",
		VLANID:      204,
		EPGName:     "EPG_204",
		Prefix:      "10.1.8.0/22",
		ClusterName: "web-1,web-2",
		Status:      types.StatusReserved,
		Released:    false,
	}
}

func availableSegment() *types.Segment {
	return &types.Segment{
		ID:       "102",
		Site:     "site1",
		VRF:      "Network1",
		VLANID:   205,
		EPGName:  "EPG_205",
		Prefix:   "10.1.12.0/22",
		Status:   types.StatusAvailable,
		Released: true,
	}
}

func TestQueryEquality(t *testing.T) {
	cases := []struct {
		name    string
		query   Query
		segment *types.Segment
		want    bool
	}{
		{"site and vrf conjunction", Query{Eq(FieldSite, "site1"), Eq(FieldVRF, "Network1")}, reservedSegment(), true},
		{"conjunction fails on one mismatch", Query{Eq(FieldSite, "site1"), Eq(FieldVRF, "Network2")}, reservedSegment(), false},
		{"vlan id is strictly typed", Query{Eq(FieldVLANID, 204)}, reservedSegment(), true},
		{"id matches its own string form", Query{Eq(FieldID, "101")}, reservedSegment(), true},
		{"id is normalized across types", Query{Eq(FieldID, 101)}, reservedSegment(), true},
		{"nil matches the absent cluster list", Query{Eq(FieldClusterName, nil)}, availableSegment(), true},
		{"nil rejects a present cluster list", Query{Eq(FieldClusterName, nil)}, reservedSegment(), false},
		{"released flag", Query{Eq(FieldReleased, false)}, reservedSegment(), true},
		{"empty query matches everything", Query{}, availableSegment(), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.query.Matches(tc.segment); got != tc.want {
				t.Errorf("Matches() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestQueryNe(t *testing.T) {
	cases := []struct {
		name    string
		query   Query
		segment *types.Segment
		want    bool
	}{
		{"different value matches", Query{Ne(FieldSite, "site2")}, reservedSegment(), true},
		{"same value does not", Query{Ne(FieldSite, "site1")}, reservedSegment(), false},
		{"absent field matches any value", Query{Ne(FieldClusterName, "web-1,web-2")}, availableSegment(), true},
		{"nil means not-null, present matches", Query{Ne(FieldClusterName, nil)}, reservedSegment(), true},
		{"nil means not-null, absent does not", Query{Ne(FieldClusterName, nil)}, availableSegment(), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.query.Matches(tc.segment); got != tc.want {
				t.Errorf("Matches() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestQueryRegex(t *testing.T) {
	member := MustRegex(FieldClusterName, types.ClusterMemberRE("web-1"), false)
	cases := []struct {
		name    string
		cond    Cond
		segment *types.Segment
		want    bool
	}{
		{"token membership", member, reservedSegment(), true},
		{"token is anchored, no prefix match", MustRegex(FieldClusterName, types.ClusterMemberRE("web"), false), reservedSegment(), false},
		{"absent field never matches", member, availableSegment(), false},
		{"case sensitive by default", MustRegex(FieldEPGName, "^epg_204$", false), reservedSegment(), false},
		{"case insensitive option", MustRegex(FieldEPGName, "^epg_204$", true), reservedSegment(), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := (Query{tc.cond}).Matches(tc.segment); got != tc.want {
				t.Errorf("Matches() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRegexRejectsBadPatterns(t *testing.T) {
	if _, err := Regex(FieldEPGName, "(unclosed", false); err == nil {
		t.Fatal("expected an error for an invalid pattern")
	}
}

func TestQueryOr(t *testing.T) {
	q := Query{
		Eq(FieldSite, "site1"),
		Or(
			Query{Eq(FieldVLANID, 204)},
			Query{Eq(FieldVLANID, 205)},
		),
	}
	if !q.Matches(reservedSegment()) {
		t.Error("expected vlan 204 to satisfy the disjunction")
	}
	if !q.Matches(availableSegment()) {
		t.Error("expected vlan 205 to satisfy the disjunction")
	}
	other := availableSegment()
	other.VLANID = 206
	if q.Matches(other) {
		t.Error("vlan 206 must not satisfy the disjunction")
	}
}

func TestSortByVLANAscending(t *testing.T) {
	a, b := reservedSegment(), availableSegment()
	if !ByVLANAscending(a, b) {
		t.Error("204 should sort before 205")
	}
	if ByVLANAscending(b, a) {
		t.Error("205 should not sort before 204")
	}
}
