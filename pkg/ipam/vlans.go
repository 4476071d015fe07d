package ipam

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/clickcluster/segmentd/pkg/types"
)

// VLANFilter narrows a VLAN list server-side. Zero fields are omitted.
type VLANFilter struct {
	GroupID int
	VID     int
}

// VLANs returns a handle to the VLAN API.
func (c *Client) VLANs() *VLANs {
	return &VLANs{client: c}
}

type VLANs struct {
	client *Client
}

func (v *VLANs) List(ctx context.Context, filter VLANFilter) ([]VLAN, error) {
	q := url.Values{}
	if filter.GroupID != 0 {
		q.Set("group_id", strconv.Itoa(filter.GroupID))
	}
	if filter.VID != 0 {
		q.Set("vid", strconv.Itoa(filter.VID))
	}
	return listAll[VLAN](ctx, v.client, "/api/ipam/vlans/", q)
}

func (v *VLANs) Get(ctx context.Context, id int) (*VLAN, error) {
	var out VLAN
	if err := v.client.get(ctx, fmt.Sprintf("/api/ipam/vlans/%d/", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Create is retried on transient failures. Callers check for an existing
// VLAN with the same vid and group first, so a replayed create that
// succeeded on the wire is caught on the next lookup rather than
// duplicated here.
func (v *VLANs) Create(ctx context.Context, w VLANWrite) (*VLAN, error) {
	var out VLAN
	if err := v.client.postIdempotent(ctx, "/api/ipam/vlans/", w, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (v *VLANs) Update(ctx context.Context, id int, patch VLANPatch) (*VLAN, error) {
	var out VLAN
	if err := v.client.patch(ctx, fmt.Sprintf("/api/ipam/vlans/%d/", id), patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (v *VLANs) Delete(ctx context.Context, id int) error {
	return v.client.del(ctx, fmt.Sprintf("/api/ipam/vlans/%d/", id))
}

// VLANGroups returns a handle to the VLAN group API.
func (c *Client) VLANGroups() *VLANGroups {
	return &VLANGroups{client: c}
}

type VLANGroups struct {
	client *Client
}

func (g *VLANGroups) GetBySlug(ctx context.Context, slug string) (*VLANGroup, error) {
	q := url.Values{}
	q.Set("slug", slug)
	groups, err := listAll[VLANGroup](ctx, g.client, "/api/ipam/vlan-groups/", q)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, types.NotFoundf("no VLAN group with slug %q", slug)
	}
	return &groups[0], nil
}

// Create is retried on transient failures, same contract as VLANs.Create.
func (g *VLANGroups) Create(ctx context.Context, w VLANGroupWrite) (*VLANGroup, error) {
	var out VLANGroup
	if err := g.client.postIdempotent(ctx, "/api/ipam/vlan-groups/", w, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
