// Package store persists segments on a remote IPAM. Reads project the
// cached tenant prefix list into segments; writes go straight to the
// IPAM and then patch or invalidate the cache.
package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/clickcluster/segmentd/pkg/ipam"
	"github.com/clickcluster/segmentd/pkg/logging"
	"github.com/clickcluster/segmentd/pkg/refcache"
	"github.com/clickcluster/segmentd/pkg/types"
)

// claimRetries bounds how often a claim re-selects after losing to a
// writer outside this process.
const claimRetries = 3

type Store struct {
	client *ipam.Client
	cache  *refcache.Cache

	mu        sync.Mutex
	poolLocks map[string]*sync.Mutex
}

func New(client *ipam.Client, cache *refcache.Cache) *Store {
	return &Store{
		client:    client,
		cache:     cache,
		poolLocks: map[string]*sync.Mutex{},
	}
}

// Changes is the set form of an update; nil fields are left untouched.
type Changes struct {
	VLANID  *int
	EPGName *string
	Prefix  *string
	DHCP    *bool
	// Description is the user-facing comment text.
	Description *string
	// ClusterName drives the lease state: a non-empty list reserves the
	// segment, the empty string releases it back to the pool.
	ClusterName *string
	AllocatedAt *time.Time
	ReleasedAt  *time.Time
	// ClearReleasedAt wipes the release timestamp on a fresh claim.
	ClearReleasedAt bool
}

// segments returns the projected view of the tenant's prefixes,
// building it from the cached wire list when the projection itself has
// expired. Unprojectable prefixes are skipped and logged; the
// consistency scan reports them.
func (s *Store) segments(ctx context.Context) ([]types.Segment, error) {
	if cached, ok := s.cache.GetSegments(); ok {
		return cached, nil
	}
	prefixes, err := s.cache.Prefixes(ctx)
	if err != nil {
		return nil, err
	}
	segments := make([]types.Segment, 0, len(prefixes))
	for i := range prefixes {
		seg, err := Project(&prefixes[i])
		if err != nil {
			logging.Debugf("skipping prefix: %v", err)
			continue
		}
		segments = append(segments, seg)
	}
	s.cache.PutSegments(segments)
	return segments, nil
}

// Find returns every segment matching the query, as copies.
func (s *Store) Find(ctx context.Context, q Query) ([]types.Segment, error) {
	segments, err := s.segments(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.Segment
	for i := range segments {
		if q.Matches(&segments[i]) {
			out = append(out, segments[i])
		}
	}
	return out, nil
}

// FindOne returns the first matching segment.
func (s *Store) FindOne(ctx context.Context, q Query) (*types.Segment, error) {
	segments, err := s.segments(ctx)
	if err != nil {
		return nil, err
	}
	for i := range segments {
		if q.Matches(&segments[i]) {
			seg := segments[i]
			return &seg, nil
		}
	}
	return nil, types.NotFoundf("no segment matches")
}

// FindOneAndUpdate is the atomic claim primitive. Claims on one
// (site, vrf) pool serialize through a local mutex; the selected
// candidate is re-read from the IPAM before the write so a writer
// outside this process cannot be silently overwritten. change sees the
// fresh segment and returns the set to apply. Losing the candidate
// re-selects from an invalidated list, up to claimRetries times.
func (s *Store) FindOneAndUpdate(ctx context.Context, q Query, change func(types.Segment) (Changes, error), order Sort) (*types.Segment, error) {
	unlock := s.lockPool(q)
	defer unlock()

	for attempt := 0; ; attempt++ {
		candidates, err := s.Find(ctx, q)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return nil, types.NotFoundf("no segment matches")
		}
		if order != nil {
			sort.SliceStable(candidates, func(i, j int) bool {
				return order(&candidates[i], &candidates[j])
			})
		}
		candidate := candidates[0]

		fresh, err := s.reread(ctx, &candidate)
		if err != nil {
			return nil, err
		}
		if fresh != nil && q.Matches(fresh) {
			ch, err := change(*fresh)
			if err != nil {
				return nil, err
			}
			return s.applyUpdate(ctx, fresh, ch)
		}

		if attempt >= claimRetries {
			return nil, types.Conflictf("segment %s kept changing underneath the update", candidate.ID)
		}
		logging.Verbosef("segment %s changed underneath the update, re-selecting (attempt %d)", candidate.ID, attempt+1)
		s.cache.InvalidatePrefixes()
	}
}

// reread fetches the candidate's backing prefix fresh. nil without an
// error means the candidate is gone or no longer a segment: both are
// the lost-race case.
func (s *Store) reread(ctx context.Context, seg *types.Segment) (*types.Segment, error) {
	id, err := prefixID(seg)
	if err != nil {
		return nil, err
	}
	prefix, err := s.client.Prefixes().Get(ctx, id)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	fresh, err := Project(prefix)
	if err != nil {
		logging.Debugf("candidate stopped projecting: %v", err)
		return nil, nil
	}
	return &fresh, nil
}

// InsertOne materializes a new segment: VLAN group, then VLAN and
// reference resolution concurrently, then the prefix carrying them.
// Validation is the caller's job.
func (s *Store) InsertOne(ctx context.Context, seg *types.Segment) (*types.Segment, error) {
	group, err := s.ensureGroup(ctx, seg.VRF, seg.Site)
	if err != nil {
		return nil, err
	}

	var (
		g         errgroup.Group
		vlan      *ipam.VLAN
		tenantID  int
		role      *ipam.Role
		vrf       *ipam.VRF
		siteGroup *ipam.SiteGroup
	)
	g.Go(func() error {
		var err error
		vlan, err = s.ensureVLAN(ctx, group, seg.VLANID, seg.EPGName)
		return err
	})
	g.Go(func() error {
		var err error
		if tenantID, err = s.cache.TenantID(ctx); err != nil {
			return err
		}
		if role, err = s.cache.Role(ctx); err != nil {
			return err
		}
		if vrf, err = s.cache.VRFByName(ctx, seg.VRF); err != nil {
			return err
		}
		siteGroup, err = s.cache.SiteGroupBySlug(ctx, seg.Site)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	status := ipam.PrefixStatusActive
	if seg.ClusterName != "" {
		status = ipam.PrefixStatusReserved
	}
	write := ipam.PrefixWrite{
		Prefix:      seg.Prefix,
		Status:      status,
		VRF:         vrf.ID,
		Tenant:      tenantID,
		Role:        role.ID,
		ScopeType:   ipam.ScopeSiteGroup,
		ScopeID:     siteGroup.ID,
		VLAN:        &vlan.ID,
		Description: MirrorDescription(seg.ClusterName),
		Comments:    seg.Description,
		CustomFields: map[string]interface{}{
			"DHCP":    seg.DHCP,
			"Cluster": seg.ClusterName,
		},
	}
	if seg.AllocatedAt != nil {
		write.CustomFields["AllocatedAt"] = seg.AllocatedAt.UTC().Format(timestampFormat)
	}

	created, err := s.client.Prefixes().Create(ctx, write)
	if err != nil {
		// the VLAN may have been materialized for nothing; collect it
		// unless something else started referencing it
		s.gcVLAN(ctx, vlan.ID)
		return nil, err
	}
	s.cache.InvalidatePrefixes()

	out, projErr := Project(created)
	if projErr != nil {
		return nil, types.WrapKind(types.ErrInternal, "store.insert", projErr)
	}
	return &out, nil
}

// UpdateOne finds one segment and applies the set to its backing
// objects. vlan_id/epg_name changes route through the VLAN coupling
// rules.
func (s *Store) UpdateOne(ctx context.Context, q Query, ch Changes) (*types.Segment, error) {
	seg, err := s.FindOne(ctx, q)
	if err != nil {
		return nil, err
	}
	return s.applyUpdate(ctx, seg, ch)
}

// DeleteOne removes an available segment: the prefix first, then its
// VLAN if nothing else references it. Deleting the VLAN first would
// trip referential integrity on the IPAM side.
func (s *Store) DeleteOne(ctx context.Context, q Query) (*types.Segment, error) {
	seg, err := s.FindOne(ctx, q)
	if err != nil {
		return nil, err
	}
	if seg.Status != types.StatusAvailable {
		return nil, types.Conflictf("segment %s is reserved by %q, release it first", seg.ID, seg.ClusterName)
	}
	id, err := prefixID(seg)
	if err != nil {
		return nil, err
	}
	if err := s.client.Prefixes().Delete(ctx, id); err != nil {
		return nil, err
	}
	s.cache.InvalidatePrefixes()
	s.gcVLAN(ctx, seg.VLANRefID)
	return seg, nil
}

func (s *Store) applyUpdate(ctx context.Context, seg *types.Segment, ch Changes) (*types.Segment, error) {
	oldVLANRef := seg.VLANRefID
	newVLANRef := oldVLANRef

	targetVID := seg.VLANID
	if ch.VLANID != nil {
		targetVID = *ch.VLANID
	}
	targetEPG := seg.EPGName
	if ch.EPGName != nil {
		targetEPG = *ch.EPGName
	}
	if targetVID != seg.VLANID || targetEPG != seg.EPGName {
		vlan, err := s.retargetVLAN(ctx, seg, targetVID, targetEPG)
		if err != nil {
			return nil, err
		}
		newVLANRef = vlan.ID
	}

	patch := ipam.PrefixPatch{}
	if newVLANRef != oldVLANRef {
		patch.VLAN = &newVLANRef
	}
	if ch.Prefix != nil {
		patch.Prefix = ch.Prefix
	}
	if ch.Description != nil {
		patch.Comments = ch.Description
	}

	custom := map[string]interface{}{}
	if ch.DHCP != nil {
		custom["DHCP"] = *ch.DHCP
	}
	if ch.ClusterName != nil {
		cluster := *ch.ClusterName
		custom["Cluster"] = cluster
		mirror := MirrorDescription(cluster)
		patch.Description = &mirror
		status := ipam.PrefixStatusReserved
		if cluster == "" {
			status = ipam.PrefixStatusActive
		}
		patch.Status = &status
	}
	if ch.AllocatedAt != nil {
		custom["AllocatedAt"] = ch.AllocatedAt.UTC().Format(timestampFormat)
	}
	if ch.ReleasedAt != nil {
		custom["ReleasedAt"] = ch.ReleasedAt.UTC().Format(timestampFormat)
	}
	if ch.ClearReleasedAt {
		custom["ReleasedAt"] = ""
	}
	if len(custom) > 0 {
		patch.CustomFields = custom
	}

	id, err := prefixID(seg)
	if err != nil {
		return nil, err
	}
	updated, err := s.client.Prefixes().Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.cache.UpdateCachedPrefix(*updated)

	if newVLANRef != oldVLANRef {
		s.gcVLAN(ctx, oldVLANRef)
	}

	out, projErr := Project(updated)
	if projErr != nil {
		return nil, types.WrapKind(types.ErrInternal, "store.update", projErr)
	}
	return &out, nil
}

func (s *Store) lockPool(q Query) func() {
	site, _ := q.eqValue(FieldSite)
	vrf, _ := q.eqValue(FieldVRF)
	key := fmt.Sprintf("%v/%v", vrf, site)

	s.mu.Lock()
	m, ok := s.poolLocks[key]
	if !ok {
		m = &sync.Mutex{}
		s.poolLocks[key] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func prefixID(seg *types.Segment) (int, error) {
	id, err := strconv.Atoi(seg.ID)
	if err != nil {
		return 0, types.Internalf("segment id %q is not an IPAM prefix id", seg.ID)
	}
	return id, nil
}
