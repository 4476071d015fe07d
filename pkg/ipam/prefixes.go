package ipam

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

// PrefixFilter narrows a prefix list server-side. Zero fields are omitted.
type PrefixFilter struct {
	TenantID int
	VRFID    int
	VLANID   int
}

// Prefixes returns a handle to the prefix API.
func (c *Client) Prefixes() *Prefixes {
	return &Prefixes{client: c}
}

type Prefixes struct {
	client *Client
}

func (p *Prefixes) List(ctx context.Context, filter PrefixFilter) ([]Prefix, error) {
	q := url.Values{}
	if filter.TenantID != 0 {
		q.Set("tenant_id", strconv.Itoa(filter.TenantID))
	}
	if filter.VRFID != 0 {
		q.Set("vrf_id", strconv.Itoa(filter.VRFID))
	}
	if filter.VLANID != 0 {
		q.Set("vlan_id", strconv.Itoa(filter.VLANID))
	}
	return listAll[Prefix](ctx, p.client, "/api/ipam/prefixes/", q)
}

func (p *Prefixes) Get(ctx context.Context, id int) (*Prefix, error) {
	var out Prefix
	if err := p.client.get(ctx, fmt.Sprintf("/api/ipam/prefixes/%d/", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *Prefixes) Create(ctx context.Context, w PrefixWrite) (*Prefix, error) {
	var out Prefix
	if err := p.client.post(ctx, "/api/ipam/prefixes/", w, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *Prefixes) Update(ctx context.Context, id int, patch PrefixPatch) (*Prefix, error) {
	var out Prefix
	if err := p.client.patch(ctx, fmt.Sprintf("/api/ipam/prefixes/%d/", id), patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *Prefixes) Delete(ctx context.Context, id int) error {
	return p.client.del(ctx, fmt.Sprintf("/api/ipam/prefixes/%d/", id))
}
