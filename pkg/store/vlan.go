package store

import (
	"context"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/clickcluster/segmentd/pkg/ipam"
	"github.com/clickcluster/segmentd/pkg/logging"
	"github.com/clickcluster/segmentd/pkg/types"
)

var slugUnsafeRE = regexp.MustCompile(`[^a-z0-9]+`)

// GroupName is the deterministic VLAN-group name for a (vrf, site) pool.
func GroupName(vrf, site string) string {
	return vrf + "-ClickCluster-" + titleSite(site)
}

// GroupSlug is the URL-safe clone of a group name.
func GroupSlug(name string) string {
	slug := slugUnsafeRE.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(slug, "-")
}

// titleSite capitalizes the display form of a site slug. Slugs are
// ASCII lowercase, so byte slicing is safe.
func titleSite(site string) string {
	if site == "" {
		return site
	}
	return strings.ToUpper(site[:1]) + site[1:]
}

// ensureGroup resolves the pool's VLAN group, creating it when absent.
// Creation is idempotent by slug: losing a create race falls back to a
// fresh lookup.
func (s *Store) ensureGroup(ctx context.Context, vrf, site string) (*ipam.VLANGroup, error) {
	name := GroupName(vrf, site)
	slug := GroupSlug(name)

	group, err := s.cache.VLANGroupBySlug(ctx, slug)
	if err == nil {
		return group, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	created, err := s.client.VLANGroups().Create(ctx, ipam.VLANGroupWrite{Name: name, Slug: slug})
	if err != nil {
		if errors.Is(err, types.ErrBadRequest) {
			// somebody else created it since the lookup
			if group, lookupErr := s.client.VLANGroups().GetBySlug(ctx, slug); lookupErr == nil {
				s.cache.PutVLANGroup(group)
				return group, nil
			}
		}
		return nil, err
	}
	s.cache.PutVLANGroup(created)
	return created, nil
}

// vlanByVID scans the group's cached VLAN list for vid.
func (s *Store) vlanByVID(ctx context.Context, groupID, vid int) (*ipam.VLAN, bool, error) {
	vlans, err := s.cache.VLANsByGroup(ctx, groupID)
	if err != nil {
		return nil, false, err
	}
	for i := range vlans {
		if vlans[i].VID == vid {
			return &vlans[i], true, nil
		}
	}
	return nil, false, nil
}

// renameVLAN relabels a VLAN and drops the cached lists that now carry
// the stale name.
func (s *Store) renameVLAN(ctx context.Context, id int, name string) (*ipam.VLAN, error) {
	updated, err := s.client.VLANs().Update(ctx, id, ipam.VLANPatch{Name: &name})
	if err != nil {
		return nil, err
	}
	s.cache.InvalidateVLANs()
	return updated, nil
}

// ensureVLAN returns the group's VLAN for vid, creating it only when no
// VLAN with that vid exists. An existing VLAN is reused, renamed if its
// label drifted from the requested one.
func (s *Store) ensureVLAN(ctx context.Context, group *ipam.VLANGroup, vid int, name string) (*ipam.VLAN, error) {
	vlan, ok, err := s.vlanByVID(ctx, group.ID, vid)
	if err != nil {
		return nil, err
	}
	if ok {
		if vlan.Name == name {
			return vlan, nil
		}
		return s.renameVLAN(ctx, vlan.ID, name)
	}

	tenantID, err := s.cache.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	role, err := s.cache.Role(ctx)
	if err != nil {
		return nil, err
	}
	created, err := s.client.VLANs().Create(ctx, ipam.VLANWrite{
		VID:    vid,
		Name:   name,
		Group:  group.ID,
		Tenant: tenantID,
		Role:   role.ID,
		Status: ipam.VLANStatusActive,
	})
	if err != nil {
		if errors.Is(err, types.ErrBadRequest) {
			// somebody else took the vid since the cached listing
			s.cache.InvalidateVLANs()
			if vlan, ok, lookupErr := s.vlanByVID(ctx, group.ID, vid); lookupErr == nil && ok {
				if vlan.Name == name {
					return vlan, nil
				}
				return s.renameVLAN(ctx, vlan.ID, name)
			}
		}
		return nil, err
	}
	s.cache.InvalidateVLANs()
	return created, nil
}

// retargetVLAN realizes a vlan_id/epg_name change. If a VLAN with the
// target vid already exists in the pool's group it is reused (relabeled
// if needed), never duplicated; otherwise the segment's own VLAN is
// renumbered in place. The caller garbage-collects the old VLAN after
// the prefix write lands.
func (s *Store) retargetVLAN(ctx context.Context, seg *types.Segment, vid int, name string) (*ipam.VLAN, error) {
	group, err := s.ensureGroup(ctx, seg.VRF, seg.Site)
	if err != nil {
		return nil, err
	}

	if vid != seg.VLANID {
		vlan, ok, err := s.vlanByVID(ctx, group.ID, vid)
		if err != nil {
			return nil, err
		}
		if ok {
			if vlan.Name != name {
				return s.renameVLAN(ctx, vlan.ID, name)
			}
			return vlan, nil
		}
	}

	patch := ipam.VLANPatch{}
	if vid != seg.VLANID {
		patch.VID = &vid
	}
	if name != seg.EPGName {
		patch.Name = &name
	}
	if patch.VID == nil && patch.Name == nil {
		return s.client.VLANs().Get(ctx, seg.VLANRefID)
	}
	updated, err := s.client.VLANs().Update(ctx, seg.VLANRefID, patch)
	if err != nil {
		return nil, err
	}
	s.cache.InvalidateVLANs()
	return updated, nil
}

// gcVLAN deletes a VLAN once no prefix references it. Best effort;
// failures are logged, not surfaced.
func (s *Store) gcVLAN(ctx context.Context, vlanID int) {
	if vlanID == 0 {
		return
	}
	refs, err := s.client.Prefixes().List(ctx, ipam.PrefixFilter{VLANID: vlanID})
	if err != nil {
		_ = logging.Errorf("checking references before deleting VLAN %d: %v", vlanID, err)
		return
	}
	if len(refs) > 0 {
		return
	}
	if err := s.client.VLANs().Delete(ctx, vlanID); err != nil {
		_ = logging.Errorf("deleting unreferenced VLAN %d: %v", vlanID, err)
		return
	}
	s.cache.InvalidateVLANs()
}
