package allocate

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/clickcluster/segmentd/pkg/config"
	"github.com/clickcluster/segmentd/pkg/ipam"
	"github.com/clickcluster/segmentd/pkg/ipam/ipamtest"
	"github.com/clickcluster/segmentd/pkg/refcache"
	"github.com/clickcluster/segmentd/pkg/store"
	"github.com/clickcluster/segmentd/pkg/types"
)

func TestAllocate(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Allocation Engine Suite")
}

// seedFree stocks the Network1/site1 pool with one free segment per vid,
// in the order given.
func seedFree(f *ipamtest.Server, vids ...int) (groupID int, prefixIDs []int) {
	groupID = f.AddGroup(ipam.VLANGroup{Name: "Network1-ClickCluster-Site1", Slug: "network1-clickcluster-site1"})
	for i, vid := range vids {
		vlan := f.AddVLAN(ipamtest.VLANRec{VID: vid, Name: fmt.Sprintf("EPG_%d", vid), GroupID: groupID, TenantID: 7, RoleID: 3})
		prefixIDs = append(prefixIDs, f.AddPrefix(ipamtest.PrefixRec{
			Prefix: fmt.Sprintf("10.1.%d.0/22", 4*(i+1)), Status: "active",
			VRFID: 21, TenantID: 7, RoleID: 3, ScopeID: 11, VLANID: vlan,
		}))
	}
	return groupID, prefixIDs
}

// seedReserved adds a segment already held by cluster.
func seedReserved(f *ipamtest.Server, groupID, vid int, prefix, cluster string) int {
	vlan := f.AddVLAN(ipamtest.VLANRec{VID: vid, Name: fmt.Sprintf("EPG_%d", vid), GroupID: groupID, TenantID: 7, RoleID: 3})
	return f.AddPrefix(ipamtest.PrefixRec{
		Prefix: prefix, Status: "reserved",
		VRFID: 21, TenantID: 7, RoleID: 3, ScopeID: 11, VLANID: vlan,
		Cluster: cluster, Description: "Cluster: " + cluster, AllocatedAt: "2026-03-01T10:00:00Z",
	})
}

var _ = Describe("Allocation engine", func() {
	var (
		fake *ipamtest.Server
		eng  *Engine
		ctx  context.Context
	)

	cfg := &config.Config{
		Sites: []string{"site1", "site2"},
		SitePrefixes: map[string]map[string]int{
			"Network1": {"site1": 10, "site2": 10},
			"Network2": {"site1": 10},
			"Phantom":  {"site1": 10},
		},
	}

	BeforeEach(func() {
		fake = ipamtest.NewServer()
		DeferCleanup(fake.Close)
		client, err := ipam.NewClient(ipam.Config{URL: fake.URL(), Token: "sekrit", SSLVerify: true})
		Expect(err).NotTo(HaveOccurred())
		cache := refcache.New(client, "ClickCluster")
		eng = NewEngine(store.New(client, cache), cache, cfg)
		ctx = context.Background()
	})

	Describe("Allocate", func() {
		It("claims the smallest free VLAN regardless of listing order", func() {
			_, ids := seedFree(fake, 205, 204)

			alloc, err := eng.Allocate(ctx, "web-1", "site1", "Network1")
			Expect(err).NotTo(HaveOccurred())
			Expect(alloc.VLANID).To(Equal(204))
			Expect(alloc.EPGName).To(Equal("EPG_204"))
			Expect(alloc.Prefix).To(Equal("10.1.8.0/22"))
			Expect(alloc.Cluster).To(Equal("web-1"))
			Expect(alloc.Site).To(Equal("site1"))
			Expect(alloc.VRF).To(Equal("Network1"))
			Expect(alloc.AllocatedAt).NotTo(BeNil())

			rec, ok := fake.PrefixRec(ids[1])
			Expect(ok).To(BeTrue())
			Expect(rec.Status).To(Equal("reserved"))
			Expect(rec.Cluster).To(Equal("web-1"))
			Expect(rec.AllocatedAt).NotTo(BeEmpty())
			Expect(rec.ReleasedAt).To(BeEmpty())
		})

		It("hands the same segment back on a repeat request without writing", func() {
			_, ids := seedFree(fake, 204, 205)

			first, err := eng.Allocate(ctx, "web-1", "site1", "Network1")
			Expect(err).NotTo(HaveOccurred())
			patchPath := "PATCH /api/ipam/prefixes/" + strconv.Itoa(ids[0]) + "/"
			Expect(fake.Hits(patchPath)).To(Equal(1))

			second, err := eng.Allocate(ctx, "web-1", "site1", "Network1")
			Expect(err).NotTo(HaveOccurred())
			Expect(second.VLANID).To(Equal(first.VLANID))
			Expect(second.Prefix).To(Equal(first.Prefix))
			Expect(fake.Hits(patchPath)).To(Equal(1))

			// the second free segment stayed free
			rec, ok := fake.PrefixRec(ids[1])
			Expect(ok).To(BeTrue())
			Expect(rec.Status).To(Equal("active"))
		})

		It("recognizes membership in a shared lease", func() {
			groupID, ids := seedFree(fake, 204)
			seedReserved(fake, groupID, 207, "10.1.40.0/22", "web-1,web-2")

			alloc, err := eng.Allocate(ctx, "web-2", "site1", "Network1")
			Expect(err).NotTo(HaveOccurred())
			Expect(alloc.VLANID).To(Equal(207))
			Expect(alloc.Cluster).To(Equal("web-2"))

			// no fresh claim happened
			rec, ok := fake.PrefixRec(ids[0])
			Expect(ok).To(BeTrue())
			Expect(rec.Status).To(Equal("active"))
		})

		It("does not confuse a token with its prefix in a shared lease", func() {
			groupID, _ := seedFree(fake, 204)
			seedReserved(fake, groupID, 207, "10.1.40.0/22", "web-10")

			alloc, err := eng.Allocate(ctx, "web-1", "site1", "Network1")
			Expect(err).NotTo(HaveOccurred())
			Expect(alloc.VLANID).To(Equal(204))
		})

		It("reports pool exhaustion when every segment is held", func() {
			groupID, _ := seedFree(fake)
			seedReserved(fake, groupID, 204, "10.1.8.0/22", "other")

			_, err := eng.Allocate(ctx, "web-1", "site1", "Network1")
			Expect(err).To(MatchError(types.ErrPoolExhausted))
			Expect(err.Error()).To(ContainSubstring("no free segment"))
		})

		It("rejects malformed and unconfigured requests before any pool read", func() {
			seedFree(fake, 204)

			_, err := eng.Allocate(ctx, "bad name!", "site1", "Network1")
			Expect(err).To(MatchError(types.ErrBadRequest))

			_, err = eng.Allocate(ctx, "web-1", "site9", "Network1")
			Expect(err).To(MatchError(types.ErrBadRequest))
			Expect(err.Error()).To(ContainSubstring("unknown site"))

			_, err = eng.Allocate(ctx, "web-1", "site1", "")
			Expect(err).To(MatchError(types.ErrBadRequest))
			Expect(err.Error()).To(ContainSubstring("needs a network"))

			// Network2 carries no octet for site2
			_, err = eng.Allocate(ctx, "web-1", "site2", "Network2")
			Expect(err).To(MatchError(types.ErrBadRequest))

			Expect(fake.Hits("GET /api/ipam/prefixes/")).To(Equal(0))
		})

		It("rejects a VRF the IPAM does not know", func() {
			seedFree(fake, 204)

			_, err := eng.Allocate(ctx, "web-1", "site1", "Phantom")
			Expect(err).To(MatchError(types.ErrBadRequest))
			Expect(err.Error()).To(ContainSubstring("not defined in the IPAM"))
			Expect(fake.Hits("GET /api/ipam/prefixes/")).To(Equal(0))
		})

		It("issues distinct segments to concurrent distinct clusters", func() {
			seedFree(fake, 204, 205, 206, 207)

			var wg sync.WaitGroup
			got := make([]int, 4)
			for i := range got {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					alloc, err := eng.Allocate(ctx, fmt.Sprintf("batch-%d", i), "site1", "Network1")
					Expect(err).NotTo(HaveOccurred())
					got[i] = alloc.VLANID
				}(i)
			}
			wg.Wait()

			seen := map[int]bool{}
			for _, vid := range got {
				Expect(seen[vid]).To(BeFalse(), "vlan %d issued twice", vid)
				seen[vid] = true
			}
		})

		It("folds concurrent requests from the same cluster into one claim", func() {
			_, ids := seedFree(fake, 204, 205)

			var wg sync.WaitGroup
			got := make([]int, 8)
			for i := range got {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					alloc, err := eng.Allocate(ctx, "web-1", "site1", "Network1")
					Expect(err).NotTo(HaveOccurred())
					got[i] = alloc.VLANID
				}(i)
			}
			wg.Wait()

			for _, vid := range got {
				Expect(vid).To(Equal(204))
			}
			rec, ok := fake.PrefixRec(ids[1])
			Expect(ok).To(BeTrue())
			Expect(rec.Status).To(Equal("active"))
		})
	})

	Describe("Release", func() {
		It("shrinks a shared lease without freeing the segment", func() {
			groupID, _ := seedFree(fake)
			id := seedReserved(fake, groupID, 207, "10.1.40.0/22", "web-1,web-2")

			out, err := eng.Release(ctx, "web-2", "site1", "Network1")
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Released).To(BeFalse())
			Expect(out.Remaining).To(Equal([]string{"web-1"}))
			Expect(out.VLANID).To(Equal(207))

			rec, ok := fake.PrefixRec(id)
			Expect(ok).To(BeTrue())
			Expect(rec.Status).To(Equal("reserved"))
			Expect(rec.Cluster).To(Equal("web-1"))
			Expect(rec.ReleasedAt).To(BeEmpty())
		})

		It("returns the segment to the pool when the last holder leaves", func() {
			groupID, _ := seedFree(fake)
			id := seedReserved(fake, groupID, 207, "10.1.40.0/22", "web-1")

			out, err := eng.Release(ctx, "web-1", "site1", "Network1")
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Released).To(BeTrue())
			Expect(out.Remaining).To(BeEmpty())
			Expect(out.VLANID).To(Equal(207))
			Expect(out.Prefix).To(Equal("10.1.40.0/22"))

			rec, ok := fake.PrefixRec(id)
			Expect(ok).To(BeTrue())
			Expect(rec.Status).To(Equal("active"))
			Expect(rec.Cluster).To(BeEmpty())
			Expect(rec.Description).To(BeEmpty())
			Expect(rec.ReleasedAt).NotTo(BeEmpty())
		})

		It("reports NotFound when the cluster holds nothing", func() {
			seedFree(fake, 204)

			_, err := eng.Release(ctx, "web-1", "site1", "Network1")
			Expect(err).To(MatchError(types.ErrNotFound))
			Expect(err.Error()).To(ContainSubstring("holds no segment"))
		})

		It("lets a released segment be claimed again with a fresh timestamp", func() {
			groupID, _ := seedFree(fake)
			id := seedReserved(fake, groupID, 207, "10.1.40.0/22", "web-1")

			_, err := eng.Release(ctx, "web-1", "site1", "Network1")
			Expect(err).NotTo(HaveOccurred())

			alloc, err := eng.Allocate(ctx, "db-9", "site1", "Network1")
			Expect(err).NotTo(HaveOccurred())
			Expect(alloc.VLANID).To(Equal(207))
			Expect(alloc.Cluster).To(Equal("db-9"))

			rec, ok := fake.PrefixRec(id)
			Expect(ok).To(BeTrue())
			Expect(rec.Status).To(Equal("reserved"))
			Expect(rec.Cluster).To(Equal("db-9"))
			Expect(rec.ReleasedAt).To(BeEmpty())
			Expect(rec.AllocatedAt).NotTo(Equal("2026-03-01T10:00:00Z"))
		})

		It("releases concurrently departing holders of one shared lease", func() {
			groupID, _ := seedFree(fake)
			id := seedReserved(fake, groupID, 207, "10.1.40.0/22", "web-1,web-2,web-3")

			var wg sync.WaitGroup
			for _, cluster := range []string{"web-1", "web-2", "web-3"} {
				wg.Add(1)
				go func(cluster string) {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := eng.Release(ctx, cluster, "site1", "Network1")
					Expect(err).NotTo(HaveOccurred())
				}(cluster)
			}
			wg.Wait()

			rec, ok := fake.PrefixRec(id)
			Expect(ok).To(BeTrue())
			Expect(rec.Status).To(Equal("active"))
			Expect(rec.Cluster).To(BeEmpty())
			Expect(rec.ReleasedAt).NotTo(BeEmpty())
		})
	})
})
