// Package ipamtest is an in-memory IPAM double, wire-compatible with
// the corner of the NetBox API the gateway uses. Tests seed it, point a
// real client at it, and mutate its state directly to play the part of
// writers outside the process.
package ipamtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/clickcluster/segmentd/pkg/ipam"
)

// VLANRec is the fake's flattened VLAN state.
type VLANRec struct {
	ID       int
	VID      int
	Name     string
	GroupID  int
	TenantID int
	RoleID   int
}

// PrefixRec is the fake's flattened prefix state.
type PrefixRec struct {
	ID          int
	Prefix      string
	Status      string
	VRFID       int
	TenantID    int
	RoleID      int
	ScopeID     int
	VLANID      int
	Description string
	Comments    string
	DHCP        bool
	Cluster     string
	AllocatedAt string
	ReleasedAt  string
}

type failure struct {
	method     string
	pathPrefix string
	status     int
	remaining  int
}

// Server holds the fake's state. Reference collections are plain fields
// so a test can reshape them before first use.
type Server struct {
	mu     sync.Mutex
	srv    *httptest.Server
	nextID int

	Tenants    []ipam.Tenant
	Roles      []ipam.Role
	SiteGroups []ipam.SiteGroup
	VRFs       []ipam.VRF
	Groups     []ipam.VLANGroup
	VLANs      map[int]*VLANRec
	Prefixes   map[int]*PrefixRec

	hits     map[string]int
	failures []failure
}

// NewServer starts a fake seeded with the standard fixture: tenant
// ClickCluster, role Data, sites site1/site2, VRFs Network1/Network2.
func NewServer() *Server {
	s := &Server{
		nextID: 1000,
		Tenants: []ipam.Tenant{
			{ID: 7, Name: "ClickCluster", Slug: "clickcluster"},
		},
		Roles: []ipam.Role{
			{ID: 3, Name: "Data", Slug: "data"},
		},
		SiteGroups: []ipam.SiteGroup{
			{ID: 11, Name: "Site1", Slug: "site1"},
			{ID: 12, Name: "Site2", Slug: "site2"},
		},
		VRFs: []ipam.VRF{
			{ID: 21, Name: "Network1"},
			{ID: 22, Name: "Network2"},
		},
		VLANs:    map[int]*VLANRec{},
		Prefixes: map[int]*PrefixRec{},
		hits:     map[string]int{},
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *Server) URL() string { return s.srv.URL }

func (s *Server) Close() { s.srv.Close() }

// Hits counts requests seen for "METHOD /path/".
func (s *Server) Hits(methodAndPath string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[methodAndPath]
}

// Fail makes the next n requests matching method and path prefix answer
// with the given status.
func (s *Server) Fail(method, pathPrefix string, status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure{method: method, pathPrefix: pathPrefix, status: status, remaining: n})
}

// AddGroup seeds a VLAN group, assigning an id when absent.
func (s *Server) AddGroup(g ipam.VLANGroup) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.ID == 0 {
		g.ID = s.allocID()
	}
	s.Groups = append(s.Groups, g)
	return g.ID
}

// AddVLAN seeds a VLAN, assigning an id when absent.
func (s *Server) AddVLAN(rec VLANRec) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == 0 {
		rec.ID = s.allocID()
	}
	s.VLANs[rec.ID] = &rec
	return rec.ID
}

// AddPrefix seeds a prefix, assigning an id when absent.
func (s *Server) AddPrefix(rec PrefixRec) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == 0 {
		rec.ID = s.allocID()
	}
	s.Prefixes[rec.ID] = &rec
	return rec.ID
}

// PrefixRec snapshots a prefix, reporting whether it exists.
func (s *Server) PrefixRec(id int) (PrefixRec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.Prefixes[id]
	if !ok {
		return PrefixRec{}, false
	}
	return *rec, true
}

// SetPrefixLease rewrites a prefix's lease state from the side,
// playing an operator or another allocator instance.
func (s *Server) SetPrefixLease(id int, cluster, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.Prefixes[id]; ok {
		rec.Cluster = cluster
		rec.Status = status
	}
}

// DeletePrefix removes a prefix from the side.
func (s *Server) DeletePrefix(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Prefixes, id)
}

// VLANCount reports how many VLANs exist.
func (s *Server) VLANCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.VLANs)
}

// VLANRecByVID finds a VLAN by (group, vid).
func (s *Server) VLANRecByVID(groupID, vid int) (VLANRec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.VLANs {
		if rec.GroupID == groupID && rec.VID == vid {
			return *rec, true
		}
	}
	return VLANRec{}, false
}

func (s *Server) allocID() int {
	s.nextID++
	return s.nextID
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.Method+" "+r.URL.Path]++
	status := 0
	for i := range s.failures {
		f := &s.failures[i]
		if f.remaining > 0 && f.method == r.Method && strings.HasPrefix(r.URL.Path, f.pathPrefix) {
			f.remaining--
			status = f.status
			break
		}
	}
	s.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"detail": "injected failure"}`)
		return
	}

	path := r.URL.Path
	switch {
	case path == "/api/status/":
		fmt.Fprint(w, `{"netbox-version": "4.0.9"}`)
	case path == "/api/tenancy/tenants/":
		s.listTenants(w, r)
	case path == "/api/ipam/roles/":
		s.listRoles(w, r)
	case path == "/api/dcim/site-groups/":
		s.listSiteGroups(w, r)
	case path == "/api/ipam/vrfs/":
		s.listVRFs(w, r)
	case path == "/api/ipam/vlan-groups/":
		s.vlanGroups(w, r)
	case path == "/api/ipam/vlans/":
		s.vlans(w, r)
	case strings.HasPrefix(path, "/api/ipam/vlans/"):
		s.vlanDetail(w, r, strings.TrimSuffix(strings.TrimPrefix(path, "/api/ipam/vlans/"), "/"))
	case path == "/api/ipam/prefixes/":
		s.prefixes(w, r)
	case strings.HasPrefix(path, "/api/ipam/prefixes/"):
		s.prefixDetail(w, r, strings.TrimSuffix(strings.TrimPrefix(path, "/api/ipam/prefixes/"), "/"))
	default:
		notFound(w)
	}
}

func envelope(w http.ResponseWriter, results interface{}, n int) {
	body, _ := json.Marshal(results)
	fmt.Fprintf(w, `{"count": %d, "next": null, "previous": null, "results": %s}`, n, body)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprint(w, `{"detail": "Not found."}`)
}

func badRequest(w http.ResponseWriter, format string, a ...interface{}) {
	w.WriteHeader(http.StatusBadRequest)
	fmt.Fprintf(w, `{"detail": %q}`, fmt.Sprintf(format, a...))
}

func (s *Server) listTenants(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := r.URL.Query().Get("name")
	out := []ipam.Tenant{}
	for _, t := range s.Tenants {
		if name == "" || t.Name == name {
			out = append(out, t)
		}
	}
	envelope(w, out, len(out))
}

func (s *Server) listRoles(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := r.URL.Query().Get("name")
	out := []ipam.Role{}
	for _, role := range s.Roles {
		if name == "" || role.Name == name {
			out = append(out, role)
		}
	}
	envelope(w, out, len(out))
}

func (s *Server) listSiteGroups(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slug := r.URL.Query().Get("slug")
	out := []ipam.SiteGroup{}
	for _, g := range s.SiteGroups {
		if slug == "" || g.Slug == slug {
			out = append(out, g)
		}
	}
	envelope(w, out, len(out))
}

func (s *Server) listVRFs(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := r.URL.Query().Get("name")
	out := []ipam.VRF{}
	for _, v := range s.VRFs {
		if name == "" || v.Name == name {
			out = append(out, v)
		}
	}
	envelope(w, out, len(out))
}

func (s *Server) vlanGroups(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch r.Method {
	case http.MethodGet:
		slug := r.URL.Query().Get("slug")
		out := []ipam.VLANGroup{}
		for _, g := range s.Groups {
			if slug == "" || g.Slug == slug {
				out = append(out, g)
			}
		}
		envelope(w, out, len(out))
	case http.MethodPost:
		var write ipam.VLANGroupWrite
		if err := json.NewDecoder(r.Body).Decode(&write); err != nil {
			badRequest(w, "bad body: %v", err)
			return
		}
		for _, g := range s.Groups {
			if g.Slug == write.Slug {
				badRequest(w, "vlan group with slug %s already exists", write.Slug)
				return
			}
		}
		g := ipam.VLANGroup{ID: s.allocID(), Name: write.Name, Slug: write.Slug}
		s.Groups = append(s.Groups, g)
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, g)
	default:
		notFound(w)
	}
}

func (s *Server) renderVLAN(rec *VLANRec) ipam.VLAN {
	v := ipam.VLAN{
		ID:     rec.ID,
		VID:    rec.VID,
		Name:   rec.Name,
		Status: ipam.Choice{Value: "active"},
	}
	for i := range s.Groups {
		if s.Groups[i].ID == rec.GroupID {
			v.Group = &ipam.Ref{ID: rec.GroupID, Name: s.Groups[i].Name, Slug: s.Groups[i].Slug}
		}
	}
	return v
}

func (s *Server) vlans(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		out := []ipam.VLAN{}
		for _, rec := range s.VLANs {
			if v := q.Get("group_id"); v != "" && v != strconv.Itoa(rec.GroupID) {
				continue
			}
			if v := q.Get("vid"); v != "" && v != strconv.Itoa(rec.VID) {
				continue
			}
			out = append(out, s.renderVLAN(rec))
		}
		envelope(w, out, len(out))
	case http.MethodPost:
		var write ipam.VLANWrite
		if err := json.NewDecoder(r.Body).Decode(&write); err != nil {
			badRequest(w, "bad body: %v", err)
			return
		}
		rec := &VLANRec{
			ID:       s.allocID(),
			VID:      write.VID,
			Name:     write.Name,
			GroupID:  write.Group,
			TenantID: write.Tenant,
			RoleID:   write.Role,
		}
		s.VLANs[rec.ID] = rec
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, s.renderVLAN(rec))
	default:
		notFound(w)
	}
}

func (s *Server) vlanDetail(w http.ResponseWriter, r *http.Request, rawID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := strconv.Atoi(rawID)
	if err != nil {
		notFound(w)
		return
	}
	rec, ok := s.VLANs[id]
	if !ok {
		notFound(w)
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, s.renderVLAN(rec))
	case http.MethodPatch:
		var patch ipam.VLANPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			badRequest(w, "bad body: %v", err)
			return
		}
		if patch.VID != nil {
			rec.VID = *patch.VID
		}
		if patch.Name != nil {
			rec.Name = *patch.Name
		}
		if patch.Group != nil {
			rec.GroupID = *patch.Group
		}
		writeJSON(w, s.renderVLAN(rec))
	case http.MethodDelete:
		for _, p := range s.Prefixes {
			if p.VLANID == id {
				w.WriteHeader(http.StatusConflict)
				fmt.Fprintf(w, `{"detail": "VLAN %d is referenced by prefix %s"}`, id, p.Prefix)
				return
			}
		}
		delete(s.VLANs, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		notFound(w)
	}
}

func (s *Server) renderPrefix(rec *PrefixRec) ipam.Prefix {
	p := ipam.Prefix{
		ID:          rec.ID,
		Prefix:      rec.Prefix,
		Status:      ipam.Choice{Value: rec.Status},
		Description: rec.Description,
		Comments:    rec.Comments,
		CustomFields: ipam.PrefixCustom{
			DHCP:        rec.DHCP,
			Cluster:     rec.Cluster,
			AllocatedAt: rec.AllocatedAt,
			ReleasedAt:  rec.ReleasedAt,
		},
	}
	for i := range s.VRFs {
		if s.VRFs[i].ID == rec.VRFID {
			p.VRF = &ipam.Ref{ID: rec.VRFID, Name: s.VRFs[i].Name}
		}
	}
	for i := range s.Tenants {
		if s.Tenants[i].ID == rec.TenantID {
			p.Tenant = &ipam.Ref{ID: rec.TenantID, Name: s.Tenants[i].Name, Slug: s.Tenants[i].Slug}
		}
	}
	for i := range s.Roles {
		if s.Roles[i].ID == rec.RoleID {
			p.Role = &ipam.Ref{ID: rec.RoleID, Name: s.Roles[i].Name, Slug: s.Roles[i].Slug}
		}
	}
	for i := range s.SiteGroups {
		if s.SiteGroups[i].ID == rec.ScopeID {
			p.ScopeType = ipam.ScopeSiteGroup
			p.Scope = &ipam.Ref{ID: rec.ScopeID, Name: s.SiteGroups[i].Name, Slug: s.SiteGroups[i].Slug}
		}
	}
	if vlan, ok := s.VLANs[rec.VLANID]; ok {
		p.VLAN = &ipam.VLANRef{ID: vlan.ID, VID: vlan.VID, Name: vlan.Name}
	}
	return p
}

func (s *Server) prefixes(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		out := []ipam.Prefix{}
		ids := make([]int, 0, len(s.Prefixes))
		for id := range s.Prefixes {
			ids = append(ids, id)
		}
		// deterministic listing order, the way a database would return it
		sort.Ints(ids)
		for _, id := range ids {
			rec := s.Prefixes[id]
			if v := q.Get("tenant_id"); v != "" && v != strconv.Itoa(rec.TenantID) {
				continue
			}
			if v := q.Get("vrf_id"); v != "" && v != strconv.Itoa(rec.VRFID) {
				continue
			}
			if v := q.Get("vlan_id"); v != "" && v != strconv.Itoa(rec.VLANID) {
				continue
			}
			out = append(out, s.renderPrefix(rec))
		}
		envelope(w, out, len(out))
	case http.MethodPost:
		var write ipam.PrefixWrite
		if err := json.NewDecoder(r.Body).Decode(&write); err != nil {
			badRequest(w, "bad body: %v", err)
			return
		}
		rec := &PrefixRec{
			ID:          s.allocID(),
			Prefix:      write.Prefix,
			Status:      write.Status,
			VRFID:       write.VRF,
			TenantID:    write.Tenant,
			RoleID:      write.Role,
			ScopeID:     write.ScopeID,
			Description: write.Description,
			Comments:    write.Comments,
		}
		if write.VLAN != nil {
			rec.VLANID = *write.VLAN
		}
		applyCustomFields(rec, write.CustomFields)
		s.Prefixes[rec.ID] = rec
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, s.renderPrefix(rec))
	default:
		notFound(w)
	}
}

func (s *Server) prefixDetail(w http.ResponseWriter, r *http.Request, rawID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := strconv.Atoi(rawID)
	if err != nil {
		notFound(w)
		return
	}
	rec, ok := s.Prefixes[id]
	if !ok {
		notFound(w)
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, s.renderPrefix(rec))
	case http.MethodPatch:
		var patch ipam.PrefixPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			badRequest(w, "bad body: %v", err)
			return
		}
		if patch.Prefix != nil {
			rec.Prefix = *patch.Prefix
		}
		if patch.Status != nil {
			rec.Status = *patch.Status
		}
		if patch.VLAN != nil {
			rec.VLANID = *patch.VLAN
		}
		if patch.Description != nil {
			rec.Description = *patch.Description
		}
		if patch.Comments != nil {
			rec.Comments = *patch.Comments
		}
		applyCustomFields(rec, patch.CustomFields)
		writeJSON(w, s.renderPrefix(rec))
	case http.MethodDelete:
		delete(s.Prefixes, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		notFound(w)
	}
}

func applyCustomFields(rec *PrefixRec, fields map[string]interface{}) {
	for key, value := range fields {
		switch key {
		case "DHCP":
			if b, ok := value.(bool); ok {
				rec.DHCP = b
			}
		case "Cluster":
			if str, ok := value.(string); ok {
				rec.Cluster = str
			}
		case "AllocatedAt":
			if str, ok := value.(string); ok {
				rec.AllocatedAt = str
			}
		case "ReleasedAt":
			if str, ok := value.(string); ok {
				rec.ReleasedAt = str
			}
		}
	}
}
