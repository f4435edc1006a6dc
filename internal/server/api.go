package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sysward/sysward/internal/disks"
	"github.com/sysward/sysward/internal/maint"
	"github.com/sysward/sysward/internal/metrics"
	"github.com/sysward/sysward/internal/sysinfo"
)

// Deps carries the core components the API serves. Hub may be nil when the
// stream endpoint is not wanted.
type Deps struct {
	History *metrics.History
	Disks   *disks.Lister
	Sysinfo *sysinfo.Collector
	Maint   *maint.Orchestrator
	Hub     *Hub
	Logger  *zap.Logger
}

// defaultHistoryWindow applies when /history is queried without ?window=.
const defaultHistoryWindow = 10 * time.Minute

type api struct {
	Deps
}

// RegisterRoutes wires the sysward API onto the engine.
//
//	Public:          POST /api/login, GET /api/health, GET /api/stream (token via query param)
//	Protected (JWT): everything else under /api
func RegisterRoutes(r *gin.Engine, d Deps) {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	a := &api{d}
	root := r.Group("/api")

	// ── Public endpoints ──────────────────────────────────────────────────────
	root.POST("/login", a.handleLogin)

	root.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})

	if d.Hub != nil {
		// Authenticates inside the handler: browsers cannot set headers on
		// websocket dials.
		root.GET("/stream", d.Hub.handleStream)
	}

	// ── JWT-protected endpoints ───────────────────────────────────────────────
	auth := root.Group("/", JWTMiddleware())
	{
		// Metrics
		auth.GET("/metrics/current", a.handleCurrentMetrics)
		auth.GET("/metrics/:name/history", a.handleMetricHistory)

		// Host
		auth.GET("/system", a.handleSystemInfo)
		auth.GET("/disks", a.handleDisks)

		// Maintenance
		auth.GET("/maintenance/runs", a.handleRunList)
		auth.GET("/maintenance/runs/:id", a.handleRunStatus)
		auth.POST("/maintenance/runs/:id/cancel", a.handleRunCancel)
		auth.POST("/maintenance/tasks/:kind", a.handleRunStart)
	}
}

// ── Handlers ──────────────────────────────────────────────────────────────────

// handleLogin accepts username + password and returns a signed JWT.
//
//	POST /api/login
//	Body: { "username": "admin", "password": "admin" }
func (a *api) handleLogin(c *gin.Context) {
	var body struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}

	if !verifyCredentials(body.Username, body.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := GenerateJWT(body.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": 86400, // seconds
		"type":       "Bearer",
	})
}

// handleCurrentMetrics returns the latest retained sample per metric. Metrics
// not sampled yet (cpu_percent before its second pass, or anything that has
// been failing) are simply absent.
func (a *api) handleCurrentMetrics(c *gin.Context) {
	current := make(map[string]gin.H, len(metrics.AllNames))
	for _, name := range metrics.AllNames {
		if s, ok := a.History.Latest(name); ok {
			current[string(name)] = gin.H{"value": s.Value, "timestamp": s.Timestamp}
		}
	}
	c.JSON(http.StatusOK, gin.H{"data": current})
}

// handleMetricHistory returns the retained samples of one metric within a
// lookback window.
//
//	GET /api/metrics/cpu_percent/history?window=10m
func (a *api) handleMetricHistory(c *gin.Context) {
	name := metrics.Name(c.Param("name"))
	if !name.Valid() {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown metric: " + c.Param("name")})
		return
	}

	window := defaultHistoryWindow
	if raw := c.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "window must be a positive duration, e.g. 10m"})
			return
		}
		window = d
	}

	samples := a.History.Query(name, time.Now().Add(-window))
	c.JSON(http.StatusOK, gin.H{
		"name":    name,
		"window":  window.String(),
		"samples": samples,
	})
}

// handleSystemInfo returns a live host identity snapshot.
func (a *api) handleSystemInfo(c *gin.Context) {
	info, err := a.Sysinfo.Collect(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": info})
}

// handleDisks returns a fresh mount inventory.
func (a *api) handleDisks(c *gin.Context) {
	inv, err := a.Disks.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": inv})
}

// handleRunList returns every recorded maintenance run, oldest first.
func (a *api) handleRunList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": a.Maint.Runs()})
}

// handleRunStatus returns one run's snapshot.
func (a *api) handleRunStatus(c *gin.Context) {
	run, err := a.Maint.Status(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": run})
}

// handleRunStart launches a maintenance kind.
//
//	POST /api/maintenance/tasks/update → 202 + run id
func (a *api) handleRunStart(c *gin.Context) {
	kind := maint.Kind(c.Param("kind"))
	id, err := a.Maint.Start(kind)
	switch {
	case errors.Is(err, maint.ErrUnknownTask):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, maint.ErrTaskAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		a.Logger.Info("maintenance requested",
			zap.String("kind", string(kind)), zap.String("id", id))
		c.JSON(http.StatusAccepted, gin.H{"id": id, "kind": kind})
	}
}

// handleRunCancel requests termination of an active run. The response is
// immediate; the run reaches its cancelled state asynchronously.
func (a *api) handleRunCancel(c *gin.Context) {
	id := c.Param("id")
	err := a.Maint.Cancel(id)
	switch {
	case errors.Is(err, maint.ErrRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, maint.ErrRunNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, gin.H{"cancelling": id})
	}
}
