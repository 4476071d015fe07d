package ipam

import (
	"context"
	"net/url"

	"github.com/blang/semver"

	"github.com/clickcluster/segmentd/pkg/logging"
	"github.com/clickcluster/segmentd/pkg/types"
)

// minSupportedVersion is the oldest IPAM release whose custom-field and
// scope semantics match what this client writes.
var minSupportedVersion = semver.MustParse("3.5.0")

// Tenants returns a handle to the tenancy API.
func (c *Client) Tenants() *Tenants {
	return &Tenants{client: c}
}

type Tenants struct {
	client *Client
}

func (t *Tenants) GetByName(ctx context.Context, name string) (*Tenant, error) {
	q := url.Values{}
	q.Set("name", name)
	tenants, err := listAll[Tenant](ctx, t.client, "/api/tenancy/tenants/", q)
	if err != nil {
		return nil, err
	}
	if len(tenants) == 0 {
		return nil, types.NotFoundf("no tenant named %q", name)
	}
	return &tenants[0], nil
}

// Roles returns a handle to the prefix/VLAN role API.
func (c *Client) Roles() *Roles {
	return &Roles{client: c}
}

type Roles struct {
	client *Client
}

func (r *Roles) GetByName(ctx context.Context, name string) (*Role, error) {
	q := url.Values{}
	q.Set("name", name)
	roles, err := listAll[Role](ctx, r.client, "/api/ipam/roles/", q)
	if err != nil {
		return nil, err
	}
	if len(roles) == 0 {
		return nil, types.NotFoundf("no role named %q", name)
	}
	return &roles[0], nil
}

// SiteGroups returns a handle to the site group API.
func (c *Client) SiteGroups() *SiteGroups {
	return &SiteGroups{client: c}
}

type SiteGroups struct {
	client *Client
}

func (s *SiteGroups) List(ctx context.Context) ([]SiteGroup, error) {
	return listAll[SiteGroup](ctx, s.client, "/api/dcim/site-groups/", nil)
}

func (s *SiteGroups) GetBySlug(ctx context.Context, slug string) (*SiteGroup, error) {
	q := url.Values{}
	q.Set("slug", slug)
	groups, err := listAll[SiteGroup](ctx, s.client, "/api/dcim/site-groups/", q)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, types.NotFoundf("no site group with slug %q", slug)
	}
	return &groups[0], nil
}

// VRFs returns a handle to the VRF API.
func (c *Client) VRFs() *VRFs {
	return &VRFs{client: c}
}

type VRFs struct {
	client *Client
}

func (v *VRFs) List(ctx context.Context) ([]VRF, error) {
	return listAll[VRF](ctx, v.client, "/api/ipam/vrfs/", nil)
}

func (v *VRFs) GetByName(ctx context.Context, name string) (*VRF, error) {
	q := url.Values{}
	q.Set("name", name)
	vrfs, err := listAll[VRF](ctx, v.client, "/api/ipam/vrfs/", q)
	if err != nil {
		return nil, err
	}
	if len(vrfs) == 0 {
		return nil, types.NotFoundf("no VRF named %q", name)
	}
	return &vrfs[0], nil
}

// Status probes the IPAM root endpoint. Used at startup to confirm the
// server is reachable and the token works before any pool is touched.
func (c *Client) Status(ctx context.Context) (*StatusInfo, error) {
	var out StatusInfo
	if err := c.get(ctx, "/api/status/", nil, &out); err != nil {
		return nil, err
	}
	if v, err := semver.ParseTolerant(out.Version); err != nil {
		logging.Verbosef("could not parse IPAM version %q: %v", out.Version, err)
	} else if v.LT(minSupportedVersion) {
		logging.Verbosef("IPAM version %s is older than %s, custom field writes may fail", out.Version, minSupportedVersion)
	}
	return &out, nil
}
