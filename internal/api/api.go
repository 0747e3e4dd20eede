// Package api serves the daemon's loopback HTTP status surface.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"clipbridge/internal/bridge"
	"clipbridge/internal/health"
	"clipbridge/internal/host"
)

// Backend is what the status surface reports on. *bridge.Bridge
// implements it.
type Backend interface {
	Status(ctx context.Context) bridge.Status
	Diagnostics() host.Diagnostics
}

// Handler holds the route handlers.
type Handler struct {
	Backend Backend
	Health  *health.Checker
	Metrics http.Handler
}

// Healthz reports liveness. Degraded still answers 200: the daemon keeps
// serving cached data without the engine.
func (h *Handler) Healthz(c *gin.Context) {
	report := h.Health.Report(c.Request.Context(), c.Query("full") == "true")
	code := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

// Readyz answers 200 only while the engine is Ready.
func (h *Handler) Readyz(c *gin.Context) {
	if !h.Health.IsReady() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "state": h.Backend.Diagnostics().State})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

// Diagnostics returns the host diagnostics as JSON, or as support text
// with ?format=text.
func (h *Handler) Diagnostics(c *gin.Context) {
	d := h.Backend.Diagnostics()
	switch c.DefaultQuery("format", "json") {
	case "text":
		c.String(http.StatusOK, d.SupportText())
	case "json":
		c.JSON(http.StatusOK, d)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "format must be json or text"})
	}
}

// Status returns the bridge summary.
func (h *Handler) Status(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, h.Backend.Status(c.Request.Context()))
}

// NewRouter builds the gin engine with every route.
func NewRouter(h *Handler, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLog(logger))

	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)
	r.GET("/diagnostics", h.Diagnostics)
	r.GET("/status", h.Status)
	if h.Metrics != nil {
		r.GET("/metrics", gin.WrapH(h.Metrics))
	}
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func requestLog(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"took", time.Since(start))
	}
}

// Server runs the router on a loopback listener.
type Server struct {
	srv *http.Server
	ln  net.Listener
	log *slog.Logger
}

// Listen binds addr. The server does not accept requests until Serve.
func Listen(addr string, handler http.Handler, logger *slog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		srv: &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
		log: logger.With("component", "api"),
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve accepts requests in the background.
func (s *Server) Serve() {
	go func() {
		s.log.Info("status API listening", "addr", s.Addr())
		if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("status API stopped", "error", err)
		}
	}()
}

// Shutdown stops accepting and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
