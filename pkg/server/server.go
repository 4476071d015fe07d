// Package server is the thin HTTP surface over the allocation engine
// and the segment store. It binds, validates, delegates, and maps the
// error taxonomy onto status codes; no business logic lives here.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/clickcluster/segmentd/pkg/allocate"
	"github.com/clickcluster/segmentd/pkg/logging"
	"github.com/clickcluster/segmentd/pkg/metrics"
	"github.com/clickcluster/segmentd/pkg/store"
	"github.com/clickcluster/segmentd/pkg/types"
	"github.com/clickcluster/segmentd/pkg/validate"
)

type Server struct {
	echo   *echo.Echo
	engine *allocate.Engine
	store  *store.Store
	valid  *validate.Validator
	ready  atomic.Bool
}

func New(engine *allocate.Engine, st *store.Store, v *validate.Validator) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, engine: engine, store: st, valid: v}
	e.HTTPErrorHandler = s.handleError
	e.Use(s.requestLog)

	e.POST("/api/v1/allocations", s.allocateSegment)
	e.DELETE("/api/v1/allocations", s.releaseSegment)
	e.GET("/api/v1/segments", s.listSegments)
	e.POST("/api/v1/segments", s.createSegment)
	e.GET("/api/v1/segments/:id", s.getSegment)
	e.PUT("/api/v1/segments/:id", s.updateSegment)
	e.DELETE("/api/v1/segments/:id", s.deleteSegment)
	e.GET("/healthz", s.healthz)
	e.GET("/readyz", s.readyz)
	return s
}

// SetReady flips the readiness probe; the daemon arms it once the boot
// sequence (reachability, warm, startup scan) has run.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Handler exposes the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) Start(addr string) error { return s.echo.Start(addr) }

func (s *Server) Shutdown(ctx context.Context) error { return s.echo.Shutdown(ctx) }

// requestLog tags every request with a correlation id, counts it, and
// writes one line per request with the final status.
func (s *Server) requestLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get(echo.HeaderXRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Response().Header().Set(echo.HeaderXRequestID, id)

		start := time.Now()
		err := next(c)
		if err != nil {
			// commit the mapped response now so the log line and the
			// counter see the real status
			c.Error(err)
		}

		status := c.Response().Status
		route := c.Path()
		if route == "" {
			route = c.Request().URL.Path
		}
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).Inc()
		logging.Debugf("%s %s -> %d in %s [%s]", c.Request().Method, c.Request().RequestURI, status, time.Since(start), id)
		return err
	}
}

type errorBody struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// statusFor maps the error taxonomy onto HTTP. PoolExhausted shares 409
// with Conflict but keeps its own machine code.
func statusFor(err error) (int, string) {
	switch types.KindOf(err) {
	case types.ErrBadRequest:
		return http.StatusBadRequest, "bad_request"
	case types.ErrNotFound:
		return http.StatusNotFound, "not_found"
	case types.ErrConflict:
		return http.StatusConflict, "conflict"
	case types.ErrPoolExhausted:
		return http.StatusConflict, "pool_exhausted"
	case types.ErrUnauthorized:
		return http.StatusBadGateway, "ipam_unauthorized"
	case types.ErrUnavailable:
		return http.StatusServiceUnavailable, "ipam_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		// echo's own routing errors (unknown path, wrong method)
		code := "not_found"
		if he.Code == http.StatusMethodNotAllowed {
			code = "method_not_allowed"
		}
		_ = c.JSON(he.Code, errorBody{Code: code, Detail: fmt.Sprintf("%v", he.Message)})
		return
	}

	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		logging.Verbosef("internal error on %s %s: %v", c.Request().Method, c.Request().RequestURI, err)
	}
	_ = c.JSON(status, errorBody{Code: code, Detail: err.Error()})
}

type allocationRequest struct {
	Cluster string `json:"cluster" query:"cluster"`
	Site    string `json:"site" query:"site"`
	VRF     string `json:"vrf" query:"vrf"`
}

func (s *Server) allocateSegment(c echo.Context) error {
	var req allocationRequest
	if err := c.Bind(&req); err != nil {
		return types.BadRequestf("malformed allocation request: %v", err)
	}
	alloc, err := s.engine.Allocate(c.Request().Context(), req.Cluster, req.Site, req.VRF)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, alloc)
}

func (s *Server) releaseSegment(c echo.Context) error {
	var req allocationRequest
	if err := c.Bind(&req); err != nil {
		return types.BadRequestf("malformed release request: %v", err)
	}
	outcome, err := s.engine.Release(c.Request().Context(), req.Cluster, req.Site, req.VRF)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, outcome)
}

func (s *Server) listSegments(c echo.Context) error {
	q := store.Query{}
	if site := c.QueryParam("site"); site != "" {
		q = append(q, store.Eq(store.FieldSite, site))
	}
	if vrf := c.QueryParam("vrf"); vrf != "" {
		q = append(q, store.Eq(store.FieldVRF, vrf))
	}
	if cluster := c.QueryParam("cluster"); cluster != "" {
		if !types.ClusterNameRE.MatchString(cluster) {
			return types.BadRequestf("cluster name %q must match %s", cluster, types.ClusterNameRE)
		}
		q = append(q, store.MustRegex(store.FieldClusterName, types.ClusterMemberRE(cluster), false))
	}
	switch status := c.QueryParam("status"); types.Status(status) {
	case "":
	case types.StatusAvailable:
		q = append(q, store.Eq(store.FieldReleased, true))
	case types.StatusReserved:
		q = append(q, store.Eq(store.FieldReleased, false))
	default:
		return types.BadRequestf("unknown status %q, want available or reserved", c.QueryParam("status"))
	}

	segments, err := s.store.Find(c.Request().Context(), q)
	if err != nil {
		return err
	}
	if segments == nil {
		segments = []types.Segment{}
	}
	return c.JSON(http.StatusOK, segments)
}

func (s *Server) createSegment(c echo.Context) error {
	ctx := c.Request().Context()
	var seg types.Segment
	if err := c.Bind(&seg); err != nil {
		return types.BadRequestf("malformed segment: %v", err)
	}
	seg.ID = ""

	existing, err := s.store.Find(ctx, store.Query{})
	if err != nil {
		return err
	}
	if err := s.valid.Segment(ctx, &seg, existing); err != nil {
		return err
	}

	created, err := s.store.InsertOne(ctx, &seg)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) getSegment(c echo.Context) error {
	seg, err := s.store.FindOne(c.Request().Context(), store.Query{store.Eq(store.FieldID, c.Param("id"))})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, seg)
}

func (s *Server) updateSegment(c echo.Context) error {
	ctx := c.Request().Context()
	current, err := s.store.FindOne(ctx, store.Query{store.Eq(store.FieldID, c.Param("id"))})
	if err != nil {
		return err
	}

	var in types.Segment
	if err := c.Bind(&in); err != nil {
		return types.BadRequestf("malformed segment: %v", err)
	}
	if in.Site != "" && in.Site != current.Site {
		return types.BadRequestf("a segment's site is fixed at creation")
	}
	if in.VRF != "" && in.VRF != current.VRF {
		return types.BadRequestf("a segment's VRF is fixed at creation")
	}
	if in.ClusterName != "" && types.JoinClusters(types.SplitClusters(in.ClusterName)) != current.ClusterName {
		return types.BadRequestf("lease changes go through the allocations API")
	}

	candidate := *current
	candidate.VLANID = in.VLANID
	candidate.EPGName = in.EPGName
	candidate.Prefix = in.Prefix
	candidate.DHCP = in.DHCP
	candidate.Description = in.Description

	existing, err := s.store.Find(ctx, store.Query{})
	if err != nil {
		return err
	}
	if err := s.valid.Segment(ctx, &candidate, existing); err != nil {
		return err
	}

	ch := store.Changes{}
	if candidate.VLANID != current.VLANID {
		ch.VLANID = &candidate.VLANID
	}
	if candidate.EPGName != current.EPGName {
		ch.EPGName = &candidate.EPGName
	}
	if candidate.Prefix != current.Prefix {
		ch.Prefix = &candidate.Prefix
	}
	if candidate.DHCP != current.DHCP {
		ch.DHCP = &candidate.DHCP
	}
	if candidate.Description != current.Description {
		ch.Description = &candidate.Description
	}
	if ch == (store.Changes{}) {
		return c.JSON(http.StatusOK, current)
	}

	updated, err := s.store.UpdateOne(ctx, store.Query{store.Eq(store.FieldID, current.ID)}, ch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteSegment(c echo.Context) error {
	_, err := s.store.DeleteOne(c.Request().Context(), store.Query{store.Eq(store.FieldID, c.Param("id"))})
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(c echo.Context) error {
	if !s.ready.Load() {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "starting"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}
