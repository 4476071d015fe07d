package store

import (
	"fmt"
	"regexp"

	"github.com/clickcluster/segmentd/pkg/types"
)

// Field names a queryable segment attribute. The set is closed: queries
// are built by the engine and the admin surface, never parsed from
// arbitrary input.
type Field string

const (
	FieldID          Field = "_id"
	FieldSite        Field = "site"
	FieldVRF         Field = "vrf"
	FieldVLANID      Field = "vlan_id"
	FieldEPGName     Field = "epg_name"
	FieldPrefix      Field = "prefix"
	FieldDHCP        Field = "dhcp"
	FieldDescription Field = "description"
	FieldClusterName Field = "cluster_name"
	FieldStatus      Field = "status"
	FieldReleased    Field = "released"
)

// Cond is one condition of a query.
type Cond interface {
	matches(s *types.Segment) bool
}

// Query is a conjunction of conditions. The empty query matches
// everything.
type Query []Cond

func (q Query) Matches(s *types.Segment) bool {
	for _, c := range q {
		if !c.matches(s) {
			return false
		}
	}
	return true
}

// eqValue pulls the value of a top-level equality condition out of the
// query, if one exists. Used to key the claim lock on (site, vrf).
func (q Query) eqValue(f Field) (interface{}, bool) {
	for _, c := range q {
		if eq, ok := c.(eqCond); ok && eq.field == f {
			return eq.value, true
		}
	}
	return nil, false
}

// fieldValue extracts a field, reporting absence. cluster_name is the
// only attribute with a null state: the empty string.
func fieldValue(s *types.Segment, f Field) (interface{}, bool) {
	switch f {
	case FieldID:
		return s.ID, true
	case FieldSite:
		return s.Site, true
	case FieldVRF:
		return s.VRF, true
	case FieldVLANID:
		return s.VLANID, true
	case FieldEPGName:
		return s.EPGName, true
	case FieldPrefix:
		return s.Prefix, true
	case FieldDHCP:
		return s.DHCP, true
	case FieldDescription:
		return s.Description, true
	case FieldClusterName:
		return s.ClusterName, s.ClusterName != ""
	case FieldStatus:
		return string(s.Status), true
	case FieldReleased:
		return s.Released, true
	default:
		return nil, false
	}
}

type eqCond struct {
	field Field
	value interface{}
}

// Eq matches strict equality. A nil value matches only an absent field.
// _id comparisons are string-normalized on both sides.
func Eq(f Field, v interface{}) Cond { return eqCond{field: f, value: v} }

func (c eqCond) matches(s *types.Segment) bool {
	v, present := fieldValue(s, c.field)
	if c.value == nil {
		return !present
	}
	if !present {
		return false
	}
	if c.field == FieldID {
		return fmt.Sprint(v) == fmt.Sprint(c.value)
	}
	return v == c.value
}

type neCond struct {
	field Field
	value interface{}
}

// Ne matches when the field's value differs or the field is absent. A
// nil value inverts the null check: any present value matches.
func Ne(f Field, v interface{}) Cond { return neCond{field: f, value: v} }

func (c neCond) matches(s *types.Segment) bool {
	v, present := fieldValue(s, c.field)
	if c.value == nil {
		return present
	}
	if !present {
		return true
	}
	if c.field == FieldID {
		return fmt.Sprint(v) != fmt.Sprint(c.value)
	}
	return v != c.value
}

type regexCond struct {
	field Field
	re    *regexp.Regexp
}

// Regex matches a compiled pattern against a present field. Absent
// fields never match.
func Regex(f Field, pattern string, caseInsensitive bool) (Cond, error) {
	if caseInsensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, types.BadRequestf("invalid filter pattern %q: %v", pattern, err)
	}
	return regexCond{field: f, re: re}, nil
}

// MustRegex is for the engine's own patterns, which are built from
// quoted literals and cannot fail to compile.
func MustRegex(f Field, pattern string, caseInsensitive bool) Cond {
	c, err := Regex(f, pattern, caseInsensitive)
	if err != nil {
		panic(err)
	}
	return c
}

func (c regexCond) matches(s *types.Segment) bool {
	v, present := fieldValue(s, c.field)
	if !present {
		return false
	}
	str, ok := v.(string)
	if !ok {
		str = fmt.Sprint(v)
	}
	return c.re.MatchString(str)
}

type orCond struct {
	alts []Query
}

// Or matches when any alternative query matches; evaluation
// short-circuits on the first hit.
func Or(alts ...Query) Cond { return orCond{alts: alts} }

func (c orCond) matches(s *types.Segment) bool {
	for _, q := range c.alts {
		if q.Matches(s) {
			return true
		}
	}
	return false
}

// Sort orders claim candidates before the first is taken.
type Sort func(a, b *types.Segment) bool

// ByVLANAscending prefers the smallest VLAN id.
func ByVLANAscending(a, b *types.Segment) bool { return a.VLANID < b.VLANID }
