package refcache

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/clickcluster/segmentd/pkg/ipam"
	"github.com/clickcluster/segmentd/pkg/types"
)

func TestRefCache(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Reference Cache Suite")
}

// fakeIPAM is a minimal wire-compatible IPAM with per-path hit counting.
type fakeIPAM struct {
	mu      sync.Mutex
	hits    map[string]int
	failing map[string]bool
	delay   time.Duration
	srv     *httptest.Server
}

func newFakeIPAM() *fakeIPAM {
	f := &fakeIPAM{hits: map[string]int{}, failing: map[string]bool{}}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

func (f *fakeIPAM) close() { f.srv.Close() }

func (f *fakeIPAM) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *fakeIPAM) failPath(path string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[path] = fail
}

func (f *fakeIPAM) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.hits[r.URL.Path]++
	fail := f.failing[r.URL.Path]
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	page := func(results string, n int) {
		fmt.Fprintf(w, `{"count": %d, "next": "", "results": %s}`, n, results)
	}
	switch r.URL.Path {
	case "/api/tenancy/tenants/":
		page(`[{"id": 7, "name": "ClickCluster", "slug": "clickcluster"}]`, 1)
	case "/api/ipam/roles/":
		page(`[{"id": 3, "name": "Data", "slug": "data"}]`, 1)
	case "/api/dcim/site-groups/":
		page(`[{"id": 11, "name": "Site1", "slug": "site1"}, {"id": 12, "name": "Site2", "slug": "site2"}]`, 2)
	case "/api/ipam/vrfs/":
		if name := r.URL.Query().Get("name"); name != "" && name != "Network1" {
			page(`[]`, 0)
		} else {
			page(`[{"id": 21, "name": "Network1"}]`, 1)
		}
	case "/api/ipam/prefixes/":
		page(`[
			{"id": 101, "prefix": "10.1.8.0/22", "status": {"value": "active"}, "vrf": {"id": 21, "name": "Network1"}, "scope_type": "dcim.sitegroup", "scope": {"id": 11, "slug": "site1"}, "vlan": {"id": 41, "vid": 204}},
			{"id": 102, "prefix": "10.1.12.0/22", "status": {"value": "reserved"}, "vrf": {"id": 21, "name": "Network1"}, "scope_type": "dcim.sitegroup", "scope": {"id": 11, "slug": "site1"}, "vlan": {"id": 42, "vid": 205}}
		]`, 2)
	case "/api/ipam/vlan-groups/":
		if r.URL.Query().Get("slug") == "network1-clickcluster-site1" {
			page(`[{"id": 31, "name": "Network1-ClickCluster-Site1", "slug": "network1-clickcluster-site1"}]`, 1)
		} else {
			page(`[]`, 0)
		}
	case "/api/ipam/vlans/":
		if r.URL.Query().Get("group_id") == "31" {
			page(`[{"id": 41, "vid": 204, "name": "EPG_A"}, {"id": 42, "vid": 205, "name": "EPG_B"}]`, 2)
		} else {
			page(`[]`, 0)
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestCache(f *fakeIPAM) *Cache {
	client, err := ipam.NewClient(ipam.Config{URL: f.srv.URL, Token: "sekrit", SSLVerify: true})
	Expect(err).NotTo(HaveOccurred())
	return New(client, "ClickCluster")
}

var _ = Describe("Reference cache operations", func() {
	var (
		fake  *fakeIPAM
		cache *Cache
		ctx   context.Context
	)

	BeforeEach(func() {
		fake = newFakeIPAM()
		DeferCleanup(fake.close)
		cache = newTestCache(fake)
		ctx = context.Background()
	})

	It("serves repeat lookups from memory", func() {
		for i := 0; i < 3; i++ {
			tenant, err := cache.Tenant(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(tenant.ID).To(Equal(7))
		}
		Expect(fake.count("/api/tenancy/tenants/")).To(Equal(1))

		role, err := cache.Role(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(role.Name).To(Equal("Data"))
		_, err = cache.Role(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(fake.count("/api/ipam/roles/")).To(Equal(1))
	})

	It("derives the tenant id from the cached tenant", func() {
		id, err := cache.TenantID(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(Equal(7))
		Expect(fake.count("/api/tenancy/tenants/")).To(Equal(1))
	})

	It("coalesces concurrent misses into a single fetch", func() {
		fake.delay = 50 * time.Millisecond

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer GinkgoRecover()
				vrfs, err := cache.VRFs(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(vrfs).To(HaveLen(1))
			}()
		}
		wg.Wait()
		Expect(fake.count("/api/ipam/vrfs/")).To(Equal(1))
	})

	It("warms every reference key in one round", func() {
		Expect(cache.Warm(ctx)).To(Succeed())

		_, err := cache.Tenant(ctx)
		Expect(err).NotTo(HaveOccurred())
		_, err = cache.Role(ctx)
		Expect(err).NotTo(HaveOccurred())
		_, err = cache.SiteGroups(ctx)
		Expect(err).NotTo(HaveOccurred())
		_, err = cache.VRFs(ctx)
		Expect(err).NotTo(HaveOccurred())

		Expect(fake.count("/api/tenancy/tenants/")).To(Equal(1))
		Expect(fake.count("/api/ipam/roles/")).To(Equal(1))
		Expect(fake.count("/api/dcim/site-groups/")).To(Equal(1))
		Expect(fake.count("/api/ipam/vrfs/")).To(Equal(1))
	})

	It("reports warm failures without giving up on the key", func() {
		fake.failPath("/api/ipam/vrfs/", true)

		err := cache.Warm(ctx)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("warming VRFs"))

		// the other keys warmed fine
		Expect(fake.count("/api/tenancy/tenants/")).To(Equal(1))

		// demand-fill takes over once the IPAM recovers
		fake.failPath("/api/ipam/vrfs/", false)
		vrfs, err := cache.VRFs(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(vrfs).To(HaveLen(1))
	})

	It("refetches the prefix list after invalidation", func() {
		_, err := cache.Prefixes(ctx)
		Expect(err).NotTo(HaveOccurred())
		_, err = cache.Prefixes(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(fake.count("/api/ipam/prefixes/")).To(Equal(1))

		cache.InvalidatePrefixes()

		_, err = cache.Prefixes(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(fake.count("/api/ipam/prefixes/")).To(Equal(2))
	})

	It("patches the cached prefix list without a refetch", func() {
		prefixes, err := cache.Prefixes(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(prefixes).To(HaveLen(2))

		patched := prefixes[0]
		patched.Status = ipam.Choice{Value: ipam.PrefixStatusReserved}
		patched.CustomFields.Cluster = "web-1"
		cache.UpdateCachedPrefix(patched)

		again, err := cache.Prefixes(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(again[0].Status.Value).To(Equal(ipam.PrefixStatusReserved))
		Expect(again[0].CustomFields.Cluster).To(Equal("web-1"))
		// the original snapshot is untouched, readers never see mutation
		Expect(prefixes[0].Status.Value).To(Equal(ipam.PrefixStatusActive))
		Expect(fake.count("/api/ipam/prefixes/")).To(Equal(1))

		cache.RemoveCachedPrefix(101)
		remaining, err := cache.Prefixes(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(remaining).To(HaveLen(1))
		Expect(remaining[0].ID).To(Equal(102))

		cache.AppendCachedPrefix(ipam.Prefix{ID: 103, Prefix: "10.1.16.0/22"})
		grown, err := cache.Prefixes(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(grown).To(HaveLen(2))
		Expect(fake.count("/api/ipam/prefixes/")).To(Equal(1))
	})

	It("drops the projected segment list when the prefix list changes", func() {
		cache.PutSegments([]types.Segment{{ID: "101", Site: "site1"}})
		segments, ok := cache.GetSegments()
		Expect(ok).To(BeTrue())
		Expect(segments).To(HaveLen(1))

		cache.InvalidatePrefixes()
		_, ok = cache.GetSegments()
		Expect(ok).To(BeFalse())
	})

	It("resolves VLAN groups by slug and remembers fresh creations", func() {
		group, err := cache.VLANGroupBySlug(ctx, "network1-clickcluster-site1")
		Expect(err).NotTo(HaveOccurred())
		Expect(group.ID).To(Equal(31))
		_, err = cache.VLANGroupBySlug(ctx, "network1-clickcluster-site1")
		Expect(err).NotTo(HaveOccurred())
		Expect(fake.count("/api/ipam/vlan-groups/")).To(Equal(1))

		_, err = cache.VLANGroupBySlug(ctx, "network1-clickcluster-site9")
		Expect(err).To(MatchError(types.ErrNotFound))

		cache.PutVLANGroup(&ipam.VLANGroup{ID: 32, Name: "Network1-ClickCluster-Site9", Slug: "network1-clickcluster-site9"})
		created, err := cache.VLANGroupBySlug(ctx, "network1-clickcluster-site9")
		Expect(err).NotTo(HaveOccurred())
		Expect(created.ID).To(Equal(32))
	})

	It("keeps each group's VLAN list until a VLAN mutation drops them all", func() {
		vlans, err := cache.VLANsByGroup(ctx, 31)
		Expect(err).NotTo(HaveOccurred())
		Expect(vlans).To(HaveLen(2))
		_, err = cache.VLANsByGroup(ctx, 31)
		Expect(err).NotTo(HaveOccurred())
		Expect(fake.count("/api/ipam/vlans/")).To(Equal(1))

		// a different group is a different key
		empty, err := cache.VLANsByGroup(ctx, 32)
		Expect(err).NotTo(HaveOccurred())
		Expect(empty).To(BeEmpty())
		Expect(fake.count("/api/ipam/vlans/")).To(Equal(2))

		cache.InvalidateVLANs()

		_, err = cache.VLANsByGroup(ctx, 31)
		Expect(err).NotTo(HaveOccurred())
		Expect(fake.count("/api/ipam/vlans/")).To(Equal(3))
	})

	It("falls back to a direct lookup for names missing from the cached list", func() {
		_, err := cache.VRFByName(ctx, "Network1")
		Expect(err).NotTo(HaveOccurred())
		Expect(fake.count("/api/ipam/vrfs/")).To(Equal(1))

		// unknown name: scan misses, direct lookup runs and also misses
		_, err = cache.VRFByName(ctx, "NetworkX")
		Expect(err).To(MatchError(types.ErrNotFound))
		Expect(fake.count("/api/ipam/vrfs/")).To(Equal(2))
	})
})
