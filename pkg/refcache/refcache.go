// Package refcache keeps rarely changing IPAM reference objects in
// memory so the hot allocation path does not pay a round trip for data
// that moves on human timescales.
package refcache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/clickcluster/segmentd/pkg/ipam"
	"github.com/clickcluster/segmentd/pkg/metrics"
	"github.com/clickcluster/segmentd/pkg/types"
)

// RoleName is the fixed IPAM role carried by every allocator-managed
// prefix and VLAN.
const RoleName = "Data"

// TTL classes. Reference objects (tenant, role, VRFs, site-groups,
// VLAN-groups) move on human timescales and live long; the tenant id
// and the tenant prefix list are medium; the projected segment list and
// the per-group VLAN lists are short because they move with allocation
// traffic.
const (
	TTLShort  = 5 * time.Minute
	TTLMedium = 10 * time.Minute
	TTLLong   = time.Hour
)

const (
	keyTenant     = "tenant"
	keyTenantID   = "tenant-id"
	keyRole       = "role"
	keyVRFs       = "vrfs"
	keySiteGroups = "site-groups"
	keyPrefixes   = "prefixes"
	keySegments   = "segments"

	keyVLANGroupPrefix = "vlan-group/"
	keyVLANsPrefix     = "vlans/"
)

// Cache wraps the IPAM client with three TTL classes and request
// coalescing. Concurrent misses on one key share a single in-flight
// fetch; the flight is forgotten on completion so a later miss fetches
// fresh.
type Cache struct {
	client     *ipam.Client
	tenantName string

	short  *expirable.LRU[string, interface{}]
	medium *expirable.LRU[string, interface{}]
	long   *expirable.LRU[string, interface{}]

	flights singleflight.Group
}

func New(client *ipam.Client, tenantName string) *Cache {
	return &Cache{
		client:     client,
		tenantName: tenantName,
		short:      expirable.NewLRU[string, interface{}](0, nil, TTLShort),
		medium:     expirable.NewLRU[string, interface{}](0, nil, TTLMedium),
		long:       expirable.NewLRU[string, interface{}](0, nil, TTLLong),
	}
}

func (c *Cache) getOrFetch(class *expirable.LRU[string, interface{}], className, key string, fetch func() (interface{}, error)) (interface{}, error) {
	if v, ok := class.Get(key); ok {
		metrics.CacheEventsTotal.WithLabelValues(className, "hit").Inc()
		return v, nil
	}
	metrics.CacheEventsTotal.WithLabelValues(className, "miss").Inc()
	v, err, shared := c.flights.Do(key, func() (interface{}, error) {
		v, err := fetch()
		if err != nil {
			return nil, err
		}
		class.Add(key, v)
		return v, nil
	})
	c.flights.Forget(key)
	if shared {
		metrics.CacheEventsTotal.WithLabelValues(className, "coalesced").Inc()
	}
	return v, err
}

// Tenant resolves the configured tenant.
func (c *Cache) Tenant(ctx context.Context) (*ipam.Tenant, error) {
	v, err := c.getOrFetch(c.long, "long", keyTenant, func() (interface{}, error) {
		return c.client.Tenants().GetByName(ctx, c.tenantName)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ipam.Tenant), nil
}

// TenantID is the id-only form writers embed in flattened payloads.
func (c *Cache) TenantID(ctx context.Context) (int, error) {
	v, err := c.getOrFetch(c.medium, "medium", keyTenantID, func() (interface{}, error) {
		tenant, err := c.Tenant(ctx)
		if err != nil {
			return nil, err
		}
		return tenant.ID, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// Role resolves the fixed allocator role.
func (c *Cache) Role(ctx context.Context) (*ipam.Role, error) {
	v, err := c.getOrFetch(c.long, "long", keyRole, func() (interface{}, error) {
		return c.client.Roles().GetByName(ctx, RoleName)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ipam.Role), nil
}

// VRFs lists every VRF known to the IPAM.
func (c *Cache) VRFs(ctx context.Context) ([]ipam.VRF, error) {
	v, err := c.getOrFetch(c.long, "long", keyVRFs, func() (interface{}, error) {
		return c.client.VRFs().List(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]ipam.VRF), nil
}

// VRFByName scans the cached VRF list. A name missing from a fresh-enough
// list falls through to a direct lookup so a VRF created mid-TTL is still
// found; the hit refreshes the list on the next expiry, not now.
func (c *Cache) VRFByName(ctx context.Context, name string) (*ipam.VRF, error) {
	vrfs, err := c.VRFs(ctx)
	if err != nil {
		return nil, err
	}
	for i := range vrfs {
		if vrfs[i].Name == name {
			return &vrfs[i], nil
		}
	}
	return c.client.VRFs().GetByName(ctx, name)
}

// SiteGroups lists every site-group known to the IPAM.
func (c *Cache) SiteGroups(ctx context.Context) ([]ipam.SiteGroup, error) {
	v, err := c.getOrFetch(c.long, "long", keySiteGroups, func() (interface{}, error) {
		return c.client.SiteGroups().List(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]ipam.SiteGroup), nil
}

// SiteGroupBySlug scans the cached site-group list, with the same direct
// fallback as VRFByName.
func (c *Cache) SiteGroupBySlug(ctx context.Context, slug string) (*ipam.SiteGroup, error) {
	groups, err := c.SiteGroups(ctx)
	if err != nil {
		return nil, err
	}
	for i := range groups {
		if groups[i].Slug == slug {
			return &groups[i], nil
		}
	}
	return c.client.SiteGroups().GetBySlug(ctx, slug)
}

// VLANGroupBySlug resolves a VLAN group. Absence is not cached: a miss
// on the IPAM side surfaces NotFound every time until the group exists.
func (c *Cache) VLANGroupBySlug(ctx context.Context, slug string) (*ipam.VLANGroup, error) {
	v, err := c.getOrFetch(c.long, "long", keyVLANGroupPrefix+slug, func() (interface{}, error) {
		return c.client.VLANGroups().GetBySlug(ctx, slug)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ipam.VLANGroup), nil
}

// PutVLANGroup records a freshly created group under its slug key.
func (c *Cache) PutVLANGroup(g *ipam.VLANGroup) {
	c.long.Add(keyVLANGroupPrefix+g.Slug, g)
}

// VLANsByGroup lists one pool group's VLANs, as wire objects.
func (c *Cache) VLANsByGroup(ctx context.Context, groupID int) ([]ipam.VLAN, error) {
	key := keyVLANsPrefix + strconv.Itoa(groupID)
	v, err := c.getOrFetch(c.short, "short", key, func() (interface{}, error) {
		return c.client.VLANs().List(ctx, ipam.VLANFilter{GroupID: groupID})
	})
	if err != nil {
		return nil, err
	}
	return v.([]ipam.VLAN), nil
}

// Prefixes returns every prefix owned by the configured tenant, as wire
// objects. This is the list the segment store projects from.
func (c *Cache) Prefixes(ctx context.Context) ([]ipam.Prefix, error) {
	v, err := c.getOrFetch(c.medium, "medium", keyPrefixes, func() (interface{}, error) {
		tenantID, err := c.TenantID(ctx)
		if err != nil {
			return nil, err
		}
		return c.client.Prefixes().List(ctx, ipam.PrefixFilter{TenantID: tenantID})
	})
	if err != nil {
		return nil, err
	}
	return v.([]ipam.Prefix), nil
}

// GetSegments returns the projected segment list if one is cached.
func (c *Cache) GetSegments() ([]types.Segment, bool) {
	v, ok := c.short.Get(keySegments)
	if !ok {
		metrics.CacheEventsTotal.WithLabelValues("short", "miss").Inc()
		return nil, false
	}
	metrics.CacheEventsTotal.WithLabelValues("short", "hit").Inc()
	return v.([]types.Segment), true
}

// PutSegments stores the projected segment list.
func (c *Cache) PutSegments(segments []types.Segment) {
	c.short.Add(keySegments, segments)
}

// InvalidatePrefixes drops the prefix list and its projection. Called
// after any prefix mutation.
func (c *Cache) InvalidatePrefixes() {
	metrics.CacheEventsTotal.WithLabelValues("medium", "invalidate").Inc()
	c.medium.Remove(keyPrefixes)
	c.short.Remove(keySegments)
}

// InvalidateVLANs drops every cached VLAN list. Called after any VLAN
// mutation; a delete knows only the VLAN id, not its group, so the sweep
// covers the whole namespace.
func (c *Cache) InvalidateVLANs() {
	metrics.CacheEventsTotal.WithLabelValues("short", "invalidate").Inc()
	for _, key := range c.short.Keys() {
		if strings.HasPrefix(key, keyVLANsPrefix) {
			c.short.Remove(key)
		}
	}
}

// UpdateCachedPrefix replaces one entry of the cached prefix list without
// a refetch. The list is copied, never mutated in place: cached slices
// are shared with concurrent readers. The projection is dropped and
// rebuilt from the patched list on next use.
func (c *Cache) UpdateCachedPrefix(p ipam.Prefix) {
	v, ok := c.medium.Get(keyPrefixes)
	if !ok {
		return
	}
	old := v.([]ipam.Prefix)
	patched := make([]ipam.Prefix, len(old))
	copy(patched, old)
	for i := range patched {
		if patched[i].ID == p.ID {
			patched[i] = p
			break
		}
	}
	c.medium.Add(keyPrefixes, patched)
	c.short.Remove(keySegments)
}

// AppendCachedPrefix adds a freshly created prefix to the cached list.
func (c *Cache) AppendCachedPrefix(p ipam.Prefix) {
	v, ok := c.medium.Get(keyPrefixes)
	if !ok {
		return
	}
	old := v.([]ipam.Prefix)
	patched := make([]ipam.Prefix, len(old), len(old)+1)
	copy(patched, old)
	patched = append(patched, p)
	c.medium.Add(keyPrefixes, patched)
	c.short.Remove(keySegments)
}

// RemoveCachedPrefix drops one entry from the cached prefix list.
func (c *Cache) RemoveCachedPrefix(id int) {
	v, ok := c.medium.Get(keyPrefixes)
	if !ok {
		return
	}
	old := v.([]ipam.Prefix)
	patched := make([]ipam.Prefix, 0, len(old))
	for _, p := range old {
		if p.ID != id {
			patched = append(patched, p)
		}
	}
	c.medium.Add(keyPrefixes, patched)
	c.short.Remove(keySegments)
}

// Warm pre-fetches the reference objects concurrently. Failures are
// aggregated for the caller to log; a cold key just demand-fills later,
// so warming never blocks startup.
func (c *Cache) Warm(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs *multierror.Error
	)
	record := func(what string, err error) {
		if err != nil {
			mu.Lock()
			errs = multierror.Append(errs, errors.Wrap(err, what))
			mu.Unlock()
		}
	}
	g.Go(func() error {
		_, err := c.Tenant(ctx)
		record(fmt.Sprintf("warming tenant %q", c.tenantName), err)
		return nil
	})
	g.Go(func() error {
		_, err := c.Role(ctx)
		record(fmt.Sprintf("warming role %q", RoleName), err)
		return nil
	})
	g.Go(func() error {
		_, err := c.SiteGroups(ctx)
		record("warming site-groups", err)
		return nil
	})
	g.Go(func() error {
		_, err := c.VRFs(ctx)
		record("warming VRFs", err)
		return nil
	})
	g.Wait()
	return errs.ErrorOrNil()
}
