// Package api exposes the orchestrator's operational surface over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/stellarlinkco/rankpilot/internal/agent"
	"github.com/stellarlinkco/rankpilot/internal/fault"
	"github.com/stellarlinkco/rankpilot/internal/intel"
	"github.com/stellarlinkco/rankpilot/internal/notify"
	"github.com/stellarlinkco/rankpilot/internal/orchestrator"
	"github.com/stellarlinkco/rankpilot/internal/store"
)

// Controller is the part of the orchestrator the API drives.
type Controller interface {
	Statuses() []agent.Status
	EmergencyState() orchestrator.Emergency
	GenerateExecutiveSummary(ctx context.Context) (string, error)
	TriggerEmergencyResponse(ctx context.Context, situation string) (intel.Opportunity, error)
	BeginRecovery() error
	Coordinate(ctx context.Context) (orchestrator.Coordination, error)
}

type Options struct {
	Host string
	Port int
	// AllowOrigins enables CORS for a browser dashboard. Empty disables it.
	AllowOrigins []string
	// Alerts, when set, backs GET /v1/alerts.
	Alerts *notify.Recorder
	// Stream, when set, serves live alerts on GET /v1/stream.
	Stream *Stream
	Logger *log.Logger
}

type Server struct {
	ctrl   Controller
	store  store.Store
	engine *gin.Engine
	alerts *notify.Recorder
	stream *Stream
	logger *log.Logger
	addr   string
	srv    *http.Server
}

func New(ctrl Controller, s store.Store, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLog(opts.Logger))
	if len(opts.AllowOrigins) > 0 {
		engine.Use(cors.New(cors.Config{
			AllowOrigins:  opts.AllowOrigins,
			AllowMethods:  []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type"},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
	}

	srv := &Server{
		ctrl:   ctrl,
		store:  s,
		engine: engine,
		alerts: opts.Alerts,
		stream: opts.Stream,
		logger: opts.Logger,
		addr:   net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
	}
	srv.attachRoutes()
	return srv
}

func (s *Server) attachRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	v1 := s.engine.Group("/v1")
	{
		v1.GET("/status", s.status)
		v1.GET("/summary", s.summary)
		v1.POST("/emergency", s.emergency)
		v1.POST("/recover", s.recovery)
		v1.POST("/coordinate", s.coordinate)
		v1.GET("/opportunities", s.opportunities)
		v1.GET("/snapshots", s.snapshots)
		v1.GET("/executions", s.executions)
		v1.GET("/alerts", s.listAlerts)
		if s.stream != nil {
			v1.GET("/stream", s.stream.handle)
		}
	}
}

// Handler returns the routed engine.
func (s *Server) Handler() http.Handler { return s.engine }

// Start listens in the background until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.srv = &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("[api] serve error: %v", err)
		}
	}()
	s.logger.Printf("[api] listening on %s", ln.Addr())
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func requestLog(logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Printf("[api] %s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"emergency": s.ctrl.EmergencyState(),
		"agents":    s.ctrl.Statuses(),
	})
}

func (s *Server) summary(c *gin.Context) {
	text, err := s.ctrl.GenerateExecutiveSummary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": text})
}

func (s *Server) emergency(c *gin.Context) {
	var req struct {
		Situation string `json:"situation" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}
	directive, err := s.ctrl.TriggerEmergencyResponse(c.Request.Context(), req.Situation)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"err": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"directive": directive, "emergency": s.ctrl.EmergencyState()})
}

func (s *Server) recovery(c *gin.Context) {
	if err := s.ctrl.BeginRecovery(); err != nil {
		c.JSON(statusFor(err), gin.H{"err": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"emergency": s.ctrl.EmergencyState()})
}

func (s *Server) coordinate(c *gin.Context) {
	res, err := s.ctrl.Coordinate(c.Request.Context())
	if err != nil && res.Snapshot.ID == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}
	body := gin.H{"result": res}
	if err != nil {
		body["err"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) opportunities(c *gin.Context) {
	q, ok := query(c)
	if !ok {
		return
	}
	if raw := c.Query("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			q.Statuses = append(q.Statuses, intel.Status(strings.TrimSpace(st)))
		}
	}
	q.Assignee = c.Query("assignee")
	opps, err := s.store.Opportunities(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}
	if opps == nil {
		opps = []intel.Opportunity{}
	}
	c.JSON(http.StatusOK, gin.H{"opportunities": opps})
}

func (s *Server) snapshots(c *gin.Context) {
	q, ok := query(c)
	if !ok {
		return
	}
	snaps, err := s.store.Snapshots(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}
	if snaps == nil {
		snaps = []store.PerformanceSnapshot{}
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps})
}

func (s *Server) executions(c *gin.Context) {
	q, ok := query(c)
	if !ok {
		return
	}
	logs, err := s.store.Executions(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}
	if logs == nil {
		logs = []store.ExecutionLog{}
	}
	c.JSON(http.StatusOK, gin.H{"executions": logs})
}

func (s *Server) listAlerts(c *gin.Context) {
	alerts := []notify.Alert{}
	if s.alerts != nil {
		alerts = append(alerts, s.alerts.Alerts()...)
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

const defaultLimit = 50

// query reads the filters shared by every listing endpoint.
func query(c *gin.Context) (store.Query, bool) {
	q := store.Query{Kind: c.Query("kind"), Agent: c.Query("agent"), Limit: defaultLimit}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"err": "bad limit"})
			return q, false
		}
		q.Limit = n
	}
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"err": "bad since, want RFC 3339"})
			return q, false
		}
		q.Since = t
	}
	return q, true
}

func statusFor(err error) int {
	switch {
	case fault.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrNotInEmergency):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
