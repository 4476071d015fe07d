// Package scan sweeps the full IPAM projection for records that break
// the segment model. It is strictly read-only: findings go to the log
// and the scan counters, never back to the IPAM.
package scan

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/clickcluster/segmentd/pkg/iphelpers"
	"github.com/clickcluster/segmentd/pkg/logging"
	"github.com/clickcluster/segmentd/pkg/metrics"
	"github.com/clickcluster/segmentd/pkg/refcache"
	"github.com/clickcluster/segmentd/pkg/store"
	"github.com/clickcluster/segmentd/pkg/types"
)

// Scanner runs consistency passes over the tenant's prefixes.
type Scanner struct {
	cache *refcache.Cache
}

func New(cache *refcache.Cache) *Scanner {
	return &Scanner{cache: cache}
}

// Report is the outcome of one pass. Degraded lists prefixes that did
// not project into segments; Violations lists model breaks among the
// ones that did.
type Report struct {
	RunID      string
	Started    time.Time
	Elapsed    time.Duration
	Prefixes   int
	Segments   int
	Degraded   []string
	Violations []string
}

// Clean reports whether the pass found nothing to flag.
func (r *Report) Clean() bool {
	return len(r.Degraded) == 0 && len(r.Violations) == 0
}

// Err folds every finding into a single error, nil on a clean pass.
func (r *Report) Err() error {
	var errs *multierror.Error
	for _, d := range r.Degraded {
		errs = multierror.Append(errs, errors.New(d))
	}
	for _, v := range r.Violations {
		errs = multierror.Append(errs, errors.New(v))
	}
	return errs.ErrorOrNil()
}

// Run executes one pass: list every tenant prefix, project, and sweep
// the projected set. Findings land in the report; only a listing
// failure is an error.
func (s *Scanner) Run(ctx context.Context) (*Report, error) {
	started := time.Now()
	report := &Report{RunID: uuid.NewString(), Started: started.UTC()}
	logging.Debugf("scan %s: starting", report.RunID)

	// judge the IPAM as it is now, not the cached view
	s.cache.InvalidatePrefixes()
	prefixes, err := s.cache.Prefixes(ctx)
	if err != nil {
		metrics.ScanRunsTotal.WithLabelValues("error").Inc()
		return nil, errors.Wrap(err, "listing prefixes")
	}
	report.Prefixes = len(prefixes)

	segments := make([]types.Segment, 0, len(prefixes))
	for i := range prefixes {
		seg, err := store.Project(&prefixes[i])
		if err != nil {
			report.Degraded = append(report.Degraded, err.Error())
			continue
		}
		segments = append(segments, seg)
	}
	report.Segments = len(segments)

	report.Violations = append(report.Violations, checkPools(segments)...)
	report.Violations = append(report.Violations, checkOverlaps(segments)...)
	report.Violations = append(report.Violations, checkLeases(segments)...)
	report.Elapsed = time.Since(started)

	for _, d := range report.Degraded {
		logging.Verbosef("scan %s: unprojectable: %s", report.RunID, d)
	}
	for _, v := range report.Violations {
		logging.Verbosef("scan %s: violation: %s", report.RunID, v)
	}
	if report.Clean() {
		metrics.ScanRunsTotal.WithLabelValues("clean").Inc()
	} else {
		metrics.ScanRunsTotal.WithLabelValues("degraded").Inc()
	}
	logging.Verbosef("scan %s: %d prefixes, %d segments, %d unprojectable, %d violations in %s",
		report.RunID, report.Prefixes, report.Segments, len(report.Degraded), len(report.Violations),
		report.Elapsed.Round(time.Millisecond))
	return report, nil
}

// checkPools flags duplicate vlan ids and reused EPG names inside each
// (vrf, site) pool.
func checkPools(segments []types.Segment) []string {
	type pool struct{ vrf, site string }
	firstByVID := map[pool]map[int]*types.Segment{}
	firstByEPG := map[pool]map[string]*types.Segment{}
	var out []string
	for i := range segments {
		seg := &segments[i]
		k := pool{vrf: seg.VRF, site: seg.Site}
		if firstByVID[k] == nil {
			firstByVID[k] = map[int]*types.Segment{}
			firstByEPG[k] = map[string]*types.Segment{}
		}
		if prev, ok := firstByVID[k][seg.VLANID]; ok {
			out = append(out, fmt.Sprintf("vlan id %d in %s/%s is carried by both prefix %s and prefix %s",
				seg.VLANID, seg.VRF, seg.Site, prev.Prefix, seg.Prefix))
		} else {
			firstByVID[k][seg.VLANID] = seg
		}
		if prev, ok := firstByEPG[k][seg.EPGName]; ok {
			if prev.VLANID != seg.VLANID {
				out = append(out, fmt.Sprintf("EPG name %q in %s/%s is shared by vlan %d and vlan %d",
					seg.EPGName, seg.VRF, seg.Site, prev.VLANID, seg.VLANID))
			}
		} else {
			firstByEPG[k][seg.EPGName] = seg
		}
	}
	return out
}

// checkOverlaps flags same-VRF segments whose prefixes overlap, and
// projected segments whose prefix does not parse at all. Segments in
// different VRFs may use the same address space.
func checkOverlaps(segments []types.Segment) []string {
	type entry struct {
		seg *types.Segment
		net netip.Prefix
	}
	seen := map[string][]entry{}
	var out []string
	for i := range segments {
		seg := &segments[i]
		p, err := iphelpers.ParsePrefix(seg.Prefix)
		if err != nil {
			out = append(out, fmt.Sprintf("segment %s (vlan %d in %s/%s): %v",
				seg.ID, seg.VLANID, seg.VRF, seg.Site, err))
			continue
		}
		for _, prev := range seen[seg.VRF] {
			if iphelpers.Overlaps(p, prev.net) {
				out = append(out, fmt.Sprintf("prefix %s on vlan %d overlaps prefix %s on vlan %d in VRF %s",
					seg.Prefix, seg.VLANID, prev.seg.Prefix, prev.seg.VLANID, seg.VRF))
			}
		}
		seen[seg.VRF] = append(seen[seg.VRF], entry{seg: seg, net: p})
	}
	return out
}

// checkLeases flags lease state that disagrees with the cluster list,
// and malformed cluster tokens.
func checkLeases(segments []types.Segment) []string {
	var out []string
	for i := range segments {
		seg := &segments[i]
		switch {
		case seg.Status == types.StatusReserved && seg.ClusterName == "":
			out = append(out, fmt.Sprintf("segment %s (vlan %d in %s/%s) is reserved but names no cluster",
				seg.ID, seg.VLANID, seg.VRF, seg.Site))
		case seg.Status == types.StatusAvailable && seg.ClusterName != "":
			out = append(out, fmt.Sprintf("segment %s (vlan %d in %s/%s) is available but still names cluster %q",
				seg.ID, seg.VLANID, seg.VRF, seg.Site, seg.ClusterName))
		}
		for _, name := range seg.Clusters() {
			if !types.ClusterNameRE.MatchString(name) {
				out = append(out, fmt.Sprintf("segment %s (vlan %d in %s/%s) holds a malformed cluster token %q",
					seg.ID, seg.VLANID, seg.VRF, seg.Site, name))
			}
		}
	}
	return out
}
