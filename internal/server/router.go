package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fpemud/mycdn-controller-sub000/internal/history"
	"github.com/fpemud/mycdn-controller-sub000/internal/metrics"
	"github.com/fpemud/mycdn-controller-sub000/internal/updater"
)

// StatusSource is the running daemon as seen by the API.
type StatusSource interface {
	Status() ([]updater.Status, error)
	SiteStatus(id string) (updater.Status, bool, error)
}

// UsageFunc returns the last resource sample of a site's running plugin.
type UsageFunc func(site string) (metrics.Usage, bool)

// Router provides read-only HTTP handlers over the daemon state.
// Endpoints:
//
//	GET {basePath}/healthz
//	GET {basePath}/sites
//	GET {basePath}/sites/:id
//	GET {basePath}/sites/:id/history?limit=50
//	GET /metrics (when enabled)
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src      StatusSource
	history  history.Reader
	usage    UsageFunc
	metrics  bool
	basePath string
}

func NewRouter(src StatusSource, basePath string) *Router {
	return &Router{src: src, basePath: sanitizeBase(basePath)}
}

// WithHistory enables the history endpoint. A nil reader leaves it
// answering 404.
func (r *Router) WithHistory(h history.Reader) *Router {
	r.history = h
	return r
}

func (r *Router) WithUsage(u UsageFunc) *Router {
	r.usage = u
	return r
}

// WithMetrics mounts the Prometheus handler at /metrics.
func (r *Router) WithMetrics() *Router {
	r.metrics = true
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth)
	group.GET("/sites", r.handleSites)
	group.GET("/sites/:id", r.handleSite)
	group.GET("/sites/:id/history", r.handleHistory)
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer wraps h in an http.Server with the daemon's timeouts. The caller
// starts and stops it.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	OK    bool `json:"ok"`
	Sites int  `json:"sites"`
}

// siteResp is a site status plus the resource usage of its running plugin.
type siteResp struct {
	updater.Status
	Usage *metrics.Usage `json:"usage,omitempty"`
}

func (r *Router) handleHealth(c *gin.Context) {
	sts, err := r.src.Status()
	if err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, healthResp{OK: true, Sites: len(sts)})
}

func (r *Router) handleSites(c *gin.Context) {
	sts, err := r.src.Status()
	if err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	out := make([]siteResp, len(sts))
	for i, st := range sts {
		out[i] = r.withUsage(st)
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleSite(c *gin.Context) {
	id, ok := siteParam(c)
	if !ok {
		return
	}
	st, ok, err := r.src.SiteStatus(id)
	if err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown site " + id})
		return
	}
	writeJSON(c, http.StatusOK, r.withUsage(st))
}

func (r *Router) handleHistory(c *gin.Context) {
	id, ok := siteParam(c)
	if !ok {
		return
	}
	if r.history == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "history is not enabled"})
		return
	}
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	events, err := r.history.Recent(ctx, id, limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}

func (r *Router) withUsage(st updater.Status) siteResp {
	resp := siteResp{Status: st}
	if r.usage != nil && st.PID != 0 {
		if u, ok := r.usage(st.Site); ok && int(u.PID) == st.PID {
			resp.Usage = &u
		}
	}
	return resp
}
