// Package health serves the reconciler's liveness, readiness and metrics endpoints.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"golang.org/x/sync/errgroup"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

const checkTimeout = 5 * time.Second

type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Response is the body of every probe endpoint.
type Response struct {
	Status     Status                 `json:"status"`
	Version    string                 `json:"version,omitempty"`
	Uptime     string                 `json:"uptime,omitempty"`
	Checks     map[string]CheckResult `json:"checks,omitempty"`
	ReportedAt time.Time              `json:"reported_at"`
}

// Check probes one dependency. Optional checks only degrade the service.
type Check struct {
	Name     string
	Optional bool
	Probe    func(ctx context.Context) error
}

// Checker aggregates dependency checks
type Checker struct {
	checks    []Check
	startTime time.Time
	version   string
	mu        sync.RWMutex
	ready     bool
}

func NewChecker(version string, checks ...Check) *Checker {
	return &Checker{
		checks:    checks,
		startTime: time.Now(),
		version:   version,
	}
}

// AddCheck registers a check after construction, e.g. once a client connects.
func (c *Checker) AddCheck(check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, check)
}

func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

func (c *Checker) report(status Status, checks map[string]CheckResult) Response {
	return Response{
		Status:     status,
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
		Checks:     checks,
		ReportedAt: time.Now().UTC(),
	}
}

// LivenessHandler answers as long as the process serves HTTP.
func (c *Checker) LivenessHandler(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, c.report(StatusHealthy, nil))
}

// ReadinessHandler fails until startup finished and while a required check fails.
func (c *Checker) ReadinessHandler(ctx echo.Context) error {
	if !c.IsReady() {
		return ctx.JSON(http.StatusServiceUnavailable, c.report(StatusUnhealthy, map[string]CheckResult{
			"startup": {Status: StatusUnhealthy, Message: "dependencies are still starting"},
		}))
	}
	return c.HealthHandler(ctx)
}

func (c *Checker) HealthHandler(ctx echo.Context) error {
	checks := c.RunChecks(ctx.Request().Context())
	overall := OverallStatus(checks)
	code := http.StatusOK
	if overall == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	return ctx.JSON(code, c.report(overall, checks))
}

// RunChecks probes every dependency concurrently, each within checkTimeout.
func (c *Checker) RunChecks(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	checks := append([]Check(nil), c.checks...)
	c.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			results[i] = probe(ctx, check)
			return nil
		})
	}
	_ = g.Wait()

	byName := make(map[string]CheckResult, len(checks))
	for i, check := range checks {
		byName[check.Name] = results[i]
	}
	return byName
}

func probe(ctx context.Context, check Check) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	err := check.Probe(ctx)
	result := CheckResult{Status: StatusHealthy, Latency: time.Since(start).Round(time.Microsecond).String()}
	if err == nil {
		return result
	}
	result.Status, result.Message = StatusUnhealthy, err.Error()
	if check.Optional {
		result.Status = StatusDegraded
	}
	return result
}

// OverallStatus is the worst status among checks.
func OverallStatus(checks map[string]CheckResult) Status {
	overall := StatusHealthy
	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

// CheckNames lists the registered checks in name order.
func (c *Checker) CheckNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := ectolinq.Map(c.checks, func(check Check) string { return check.Name })
	sort.Strings(names)
	return names
}

// RegisterRoutes registers the probes and the Prometheus scrape endpoint.
func (c *Checker) RegisterRoutes(e *echo.Echo) {
	health := e.Group("/api/v1/health")
	health.GET("", c.HealthHandler)
	health.GET("/live", c.LivenessHandler)
	health.GET("/ready", c.ReadinessHandler)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// Server is the ops HTTP server
type Server struct {
	echo    *echo.Echo
	port    int
	checker *Checker
	logger  ectologger.Logger
}

func NewServer(serviceName string, port int, checker *Checker, logger ectologger.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(otelecho.Middleware(serviceName))
	checker.RegisterRoutes(e)
	return &Server{echo: e, port: port, checker: checker, logger: logger}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithContext(ctx).WithError(err).Error("Ops server stopped")
		}
	}()
	s.logger.WithContext(ctx).Infof("Ops server listening on %s", addr)
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.checker.SetReady(false)
	return s.echo.Shutdown(ctx)
}
