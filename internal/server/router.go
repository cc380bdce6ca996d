package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/aoctl/internal/metrics"
	"github.com/loykin/aoctl/internal/process"
	"github.com/loykin/aoctl/internal/scheduler"
)

// Worker is the supervised worker as seen by the status endpoint.
type Worker interface {
	Status() process.Status
	Evaluate(ctx context.Context, input string, opts process.EvalOptions) error
}

// Schedule is the running scheduler.
type Schedule interface {
	Running() bool
	Failures() int
	Config() scheduler.Config
	Start() error
	Stop()
}

// Sampler reports the worker's latest resource usage.
type Sampler interface {
	Last() (metrics.Sample, bool)
}

// Options wire the router. Nil fields disable the matching endpoints.
type Options struct {
	BasePath string
	Worker   Worker
	Schedule Schedule
	Sampler  Sampler
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Router exposes the state of a foreground `schedule` run.
// Endpoints:
//
//	GET  {basePath}/healthz
//	GET  {basePath}/status
//	POST {basePath}/eval            body: {"input":..., "await":true, "timeout_ms":1000}
//	POST {basePath}/schedule/start
//	POST {basePath}/schedule/stop
//	GET  {basePath}/metrics
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	opts     Options
	basePath string
}

func NewRouter(opts Options) *Router {
	return &Router{opts: opts, basePath: normalizeBasePath(opts.BasePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth)
	group.GET("/status", r.handleStatus)
	if r.opts.Worker != nil {
		group.POST("/eval", r.handleEval)
	}
	if r.opts.Schedule != nil {
		group.POST("/schedule/start", r.handleScheduleStart)
		group.POST("/schedule/stop", r.handleScheduleStop)
	}
	if r.opts.Metrics != nil {
		group.GET("/metrics", gin.WrapH(r.opts.Metrics))
	}
	return g
}

// NewServer binds addr and serves the status API on it. Bind errors are
// returned; Addr reports the bound address. Shut it down with
// http.Server.Shutdown or Close.
func NewServer(addr string, opts Options) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           NewRouter(opts).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// ScheduleStatus is the schedule part of StatusResponse.
type ScheduleStatus struct {
	Running    bool   `json:"running"`
	Failures   int    `json:"failures"`
	Tick       string `json:"tick"`
	IntervalMS int64  `json:"interval_ms"`
	MaxRetries int    `json:"max_retries"`
	OnError    string `json:"on_error,omitempty"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Worker   *process.Status `json:"worker,omitempty"`
	Schedule *ScheduleStatus `json:"schedule,omitempty"`
	Sample   *metrics.Sample `json:"sample,omitempty"`
}

func (r *Router) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	var resp StatusResponse
	if r.opts.Worker != nil {
		st := r.opts.Worker.Status()
		resp.Worker = &st
	}
	if s := r.opts.Schedule; s != nil {
		cfg := s.Config()
		resp.Schedule = &ScheduleStatus{
			Running:    s.Running(),
			Failures:   s.Failures(),
			Tick:       cfg.Tick,
			IntervalMS: cfg.Interval.Milliseconds(),
			MaxRetries: cfg.MaxRetries,
			OnError:    cfg.OnError,
		}
	}
	if r.opts.Sampler != nil {
		if sample, ok := r.opts.Sampler.Last(); ok {
			resp.Sample = &sample
		}
	}
	c.JSON(http.StatusOK, resp)
}

// EvalRequest is the body of POST /eval.
type EvalRequest struct {
	Input     string `json:"input"`
	Await     bool   `json:"await"`
	TimeoutMS int64  `json:"timeout_ms"`
}

func (r *Router) handleEval(c *gin.Context) {
	var req EvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Input == "" {
		abortWith(c, http.StatusBadRequest, "input required")
		return
	}
	opts := process.EvalOptions{Await: req.Await, Timeout: time.Duration(req.TimeoutMS) * time.Millisecond}
	if err := r.opts.Worker.Evaluate(c.Request.Context(), req.Input, opts); err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, process.ErrEvalTimeout) {
			code = http.StatusGatewayTimeout
		}
		abortWith(c, code, err.Error())
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleScheduleStart(c *gin.Context) {
	if err := r.opts.Schedule.Start(); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, scheduler.ErrAlreadyRunning) {
			code = http.StatusConflict
		}
		abortWith(c, code, err.Error())
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleScheduleStop(c *gin.Context) {
	r.opts.Schedule.Stop()
	c.JSON(http.StatusOK, okResp{OK: true})
}
