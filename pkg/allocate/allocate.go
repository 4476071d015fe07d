// Package allocate decides which segment answers an allocation request
// and how leases end. It never talks to the IPAM directly; everything
// flows through the segment store.
package allocate

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/clickcluster/segmentd/pkg/config"
	"github.com/clickcluster/segmentd/pkg/logging"
	"github.com/clickcluster/segmentd/pkg/metrics"
	"github.com/clickcluster/segmentd/pkg/refcache"
	"github.com/clickcluster/segmentd/pkg/store"
	"github.com/clickcluster/segmentd/pkg/types"
)

type Engine struct {
	store *store.Store
	cache *refcache.Cache
	cfg   *config.Config

	// flights fold concurrent allocates for the same (vrf, site,
	// cluster) into one claim; the losers get the winner's segment.
	flights singleflight.Group
}

func NewEngine(s *store.Store, cache *refcache.Cache, cfg *config.Config) *Engine {
	return &Engine{store: s, cache: cache, cfg: cfg}
}

// Allocate hands cluster a segment in the (site, vrf) pool. A cluster
// that already holds one, alone or as part of a shared lease, gets the
// same segment back without any IPAM write.
func (e *Engine) Allocate(ctx context.Context, cluster, site, vrf string) (*types.Allocation, error) {
	if err := e.checkRequest(ctx, cluster, site, vrf); err != nil {
		return nil, err
	}

	key := vrf + "/" + site + "/" + cluster
	v, err, _ := e.flights.Do(key, func() (interface{}, error) {
		return e.allocate(ctx, cluster, site, vrf)
	})
	e.flights.Forget(key)
	if err != nil {
		return nil, err
	}
	return v.(*types.Allocation), nil
}

func (e *Engine) allocate(ctx context.Context, cluster, site, vrf string) (*types.Allocation, error) {
	held, err := e.lookupHeld(ctx, cluster, site, vrf)
	if err != nil {
		metrics.AllocationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if held != nil {
		logging.Debugf("cluster %s already holds vlan %d in %s/%s", cluster, held.VLANID, vrf, site)
		metrics.AllocationsTotal.WithLabelValues("idempotent").Inc()
		return toAllocation(held, cluster), nil
	}

	claimed, err := e.store.FindOneAndUpdate(ctx,
		store.Query{
			store.Eq(store.FieldSite, site),
			store.Eq(store.FieldVRF, vrf),
			store.Eq(store.FieldClusterName, nil),
		},
		func(types.Segment) (store.Changes, error) {
			now := time.Now().UTC()
			return store.Changes{
				ClusterName:     &cluster,
				AllocatedAt:     &now,
				ClearReleasedAt: true,
			}, nil
		},
		store.ByVLANAscending,
	)
	if err != nil {
		switch {
		case errors.Is(err, types.ErrNotFound):
			metrics.AllocationsTotal.WithLabelValues("exhausted").Inc()
			return nil, types.PoolExhaustedf("no free segment for cluster %s in %s/%s", cluster, vrf, site)
		case errors.Is(err, types.ErrConflict):
			metrics.AllocationsTotal.WithLabelValues("conflict").Inc()
			return nil, err
		default:
			metrics.AllocationsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
	}

	logging.Verbosef("allocated vlan %d (%s) in %s/%s to cluster %s", claimed.VLANID, claimed.Prefix, vrf, site, cluster)
	metrics.AllocationsTotal.WithLabelValues("allocated").Inc()
	return toAllocation(claimed, cluster), nil
}

// lookupHeld is the idempotency check: an exact holder match first,
// then membership in a comma-joined shared lease.
func (e *Engine) lookupHeld(ctx context.Context, cluster, site, vrf string) (*types.Segment, error) {
	scope := store.Query{
		store.Eq(store.FieldSite, site),
		store.Eq(store.FieldVRF, vrf),
		store.Eq(store.FieldReleased, false),
	}

	exact := append(append(store.Query{}, scope...), store.Eq(store.FieldClusterName, cluster))
	seg, err := e.store.FindOne(ctx, exact)
	if err == nil {
		return seg, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	member := append(append(store.Query{}, scope...),
		store.MustRegex(store.FieldClusterName, types.ClusterMemberRE(cluster), false))
	seg, err = e.store.FindOne(ctx, member)
	if err == nil {
		return seg, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	return nil, nil
}

// Release ends cluster's lease in the (site, vrf) pool. The last holder
// returns the segment to the pool; a shared lease just shrinks.
func (e *Engine) Release(ctx context.Context, cluster, site, vrf string) (*types.ReleaseOutcome, error) {
	if err := e.checkRequest(ctx, cluster, site, vrf); err != nil {
		return nil, err
	}

	seg, err := e.store.FindOneAndUpdate(ctx,
		store.Query{
			store.Eq(store.FieldSite, site),
			store.Eq(store.FieldVRF, vrf),
			store.Eq(store.FieldReleased, false),
			store.MustRegex(store.FieldClusterName, types.ClusterMemberRE(cluster), false),
		},
		func(current types.Segment) (store.Changes, error) {
			remainder := types.RemoveCluster(current.ClusterName, cluster)
			ch := store.Changes{ClusterName: &remainder}
			if remainder == "" {
				now := time.Now().UTC()
				ch.ReleasedAt = &now
			}
			return ch, nil
		},
		nil,
	)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			metrics.ReleasesTotal.WithLabelValues("not_found").Inc()
			return nil, types.NotFoundf("cluster %s holds no segment in %s/%s", cluster, vrf, site)
		}
		metrics.ReleasesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	outcome := &types.ReleaseOutcome{
		Cluster:   cluster,
		VLANID:    seg.VLANID,
		Prefix:    seg.Prefix,
		Released:  seg.Released,
		Remaining: seg.Clusters(),
	}
	if outcome.Released {
		logging.Verbosef("cluster %s released vlan %d in %s/%s back to the pool", cluster, seg.VLANID, vrf, site)
		metrics.ReleasesTotal.WithLabelValues("released").Inc()
	} else {
		logging.Verbosef("cluster %s left the shared lease on vlan %d in %s/%s, still held by %s", cluster, seg.VLANID, vrf, site, seg.ClusterName)
		metrics.ReleasesTotal.WithLabelValues("shrunk").Inc()
	}
	return outcome, nil
}

// checkRequest rejects malformed and unconfigured requests before any
// IPAM round trip. The VRF existence check usually rides the warm
// reference cache.
func (e *Engine) checkRequest(ctx context.Context, cluster, site, vrf string) error {
	if !types.ClusterNameRE.MatchString(cluster) {
		return types.BadRequestf("cluster name %q must match %s", cluster, types.ClusterNameRE)
	}
	if !e.cfg.HasSite(site) {
		return types.BadRequestf("unknown site %q", site)
	}
	// an empty name would turn the VRF lookup into an unfiltered list
	if vrf == "" {
		return types.BadRequestf("a request needs a network (VRF) name")
	}
	if _, ok := e.cfg.FirstOctetFor(vrf, site); !ok {
		return types.BadRequestf("no prefix octet configured for network %q at site %q", vrf, site)
	}
	if _, err := e.cache.VRFByName(ctx, vrf); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return types.BadRequestf("VRF %q is not defined in the IPAM", vrf)
		}
		return err
	}
	return nil
}

func toAllocation(seg *types.Segment, cluster string) *types.Allocation {
	return &types.Allocation{
		VLANID:      seg.VLANID,
		EPGName:     seg.EPGName,
		Prefix:      seg.Prefix,
		Site:        seg.Site,
		VRF:         seg.VRF,
		Cluster:     cluster,
		AllocatedAt: seg.AllocatedAt,
	}
}
