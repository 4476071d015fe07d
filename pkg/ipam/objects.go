package ipam

// Wire objects for the remote IPAM's REST API (NetBox-style). Reads come
// back with nested reference objects; writes flatten references to ids.

// Choice is a status-like field: {"value": "active", "label": "Active"}.
type Choice struct {
	Value string `json:"value"`
	Label string `json:"label,omitempty"`
}

// Ref is a nested object reference.
type Ref struct {
	ID   int    `json:"id"`
	Name string `json:"name,omitempty"`
	Slug string `json:"slug,omitempty"`
}

// VLANRef is the compact VLAN reference carried on a prefix.
type VLANRef struct {
	ID   int    `json:"id"`
	VID  int    `json:"vid"`
	Name string `json:"name,omitempty"`
}

// PrefixCustom holds the custom fields the allocator owns on a prefix.
// Empty strings stand for null (legacy records).
type PrefixCustom struct {
	DHCP        bool   `json:"DHCP"`
	Cluster     string `json:"Cluster"`
	AllocatedAt string `json:"AllocatedAt"`
	ReleasedAt  string `json:"ReleasedAt"`
}

// Prefix statuses used by the allocator.
const (
	PrefixStatusActive   = "active"
	PrefixStatusReserved = "reserved"
)

// VLANStatusActive is the only VLAN status the allocator writes.
const VLANStatusActive = "active"

// ScopeSiteGroup is the scope_type for prefixes scoped to a site-group.
const ScopeSiteGroup = "dcim.sitegroup"

type Prefix struct {
	ID           int          `json:"id"`
	Prefix       string       `json:"prefix"`
	Status       Choice       `json:"status"`
	VRF          *Ref         `json:"vrf"`
	Tenant       *Ref         `json:"tenant"`
	Role         *Ref         `json:"role"`
	ScopeType    string       `json:"scope_type,omitempty"`
	Scope        *Ref         `json:"scope,omitempty"`
	VLAN         *VLANRef     `json:"vlan"`
	Description  string       `json:"description"`
	Comments     string       `json:"comments"`
	CustomFields PrefixCustom `json:"custom_fields"`
}

// PrefixWrite is the create payload.
type PrefixWrite struct {
	Prefix       string                 `json:"prefix"`
	Status       string                 `json:"status"`
	VRF          int                    `json:"vrf"`
	Tenant       int                    `json:"tenant"`
	Role         int                    `json:"role"`
	ScopeType    string                 `json:"scope_type"`
	ScopeID      int                    `json:"scope_id"`
	VLAN         *int                   `json:"vlan,omitempty"`
	Description  string                 `json:"description"`
	Comments     string                 `json:"comments"`
	CustomFields map[string]interface{} `json:"custom_fields,omitempty"`
}

// PrefixPatch is a partial update; nil fields are left untouched.
type PrefixPatch struct {
	Prefix       *string                `json:"prefix,omitempty"`
	Status       *string                `json:"status,omitempty"`
	VLAN         *int                   `json:"vlan,omitempty"`
	Description  *string                `json:"description,omitempty"`
	Comments     *string                `json:"comments,omitempty"`
	CustomFields map[string]interface{} `json:"custom_fields,omitempty"`
}

type VLAN struct {
	ID     int    `json:"id"`
	VID    int    `json:"vid"`
	Name   string `json:"name"`
	Group  *Ref   `json:"group"`
	Tenant *Ref   `json:"tenant"`
	Role   *Ref   `json:"role"`
	Status Choice `json:"status"`
}

type VLANWrite struct {
	VID    int    `json:"vid"`
	Name   string `json:"name"`
	Group  int    `json:"group"`
	Tenant int    `json:"tenant"`
	Role   int    `json:"role"`
	Status string `json:"status"`
}

type VLANPatch struct {
	VID    *int    `json:"vid,omitempty"`
	Name   *string `json:"name,omitempty"`
	Group  *int    `json:"group,omitempty"`
	Status *string `json:"status,omitempty"`
}

type VLANGroup struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type VLANGroupWrite struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type Tenant struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type Role struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type SiteGroup struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type VRF struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	RD   string `json:"rd,omitempty"`
}

// StatusInfo is the reachability/version probe response.
type StatusInfo struct {
	Version string `json:"netbox-version"`
}
