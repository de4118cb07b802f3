// Package ingress runs the shared webhook HTTP server. Push sources
// register under /hooks/{source_id}; the server enforces method and
// body-size limits and maps classified plugin errors to HTTP statuses.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/c-h-/orgloop-sub002/pkg/config"
	"github.com/c-h-/orgloop-sub002/pkg/plugin"
	"github.com/c-h-/orgloop-sub002/pkg/source"
)

// Server is the webhook ingress. Sources register and deregister as
// modules load and unload; the listener itself lives for the whole
// runtime.
type Server struct {
	cfg    config.IngressConfig
	logger *slog.Logger

	mu      sync.RWMutex
	sources map[string]*source.Driver

	httpServer *http.Server
	listener   net.Listener
}

// NewServer builds the ingress server. Nothing listens until Start.
func NewServer(cfg config.IngressConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "ingress"),
		sources: make(map[string]*source.Driver),
	}
}

// Register exposes a push-capable source at /hooks/{id}.
func (s *Server) Register(d *source.Driver) error {
	if !d.Pushable() {
		return fmt.Errorf("ingress: source %q does not accept webhooks", d.ID())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sources[d.ID()]; exists {
		return fmt.Errorf("ingress: source %q already registered", d.ID())
	}
	s.sources[d.ID()] = d
	s.logger.Info("webhook source registered", "source_id", d.ID())
	return nil
}

// Deregister removes a source's endpoint. Requests in flight finish;
// later requests get 404.
func (s *Server) Deregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sources, id)
}

// Handler returns the HTTP handler, exported for tests.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Any("/hooks/:source", s.handleHook)
	return router
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return fmt.Errorf("ingress: listening on %s: %w", s.cfg.Bind, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: s.Handler()}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ingress server failed", "error", err)
		}
	}()
	s.logger.Info("ingress listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHook(c *gin.Context) {
	id := c.Param("source")

	s.mu.RLock()
	d, ok := s.sources[id]
	s.mu.RUnlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown source"})
		return
	}

	if !methodAllowed(c.Request.Method, d.Methods()) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method not allowed"})
		return
	}

	limit := s.cfg.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "reading request body"})
		return
	}

	req := plugin.PushRequest{
		Method:  c.Request.Method,
		Path:    c.Request.URL.Path,
		Headers: c.Request.Header,
		Body:    body,
	}

	err = d.HandlePush(c.Request.Context(), req, c.Writer)
	if err == nil {
		// The plugin may have written its own response.
		if !c.Writer.Written() {
			c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
		}
		return
	}

	s.logger.Warn("webhook rejected", "source_id", id, "error", err)
	if c.Writer.Written() {
		return
	}
	switch plugin.Classify(err) {
	case plugin.KindValidation:
		c.JSON(http.StatusBadRequest, gin.H{"error": "request validation failed"})
	default:
		// Internal detail stays out of the response body.
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// methodAllowed applies the source's method opt-in, defaulting to POST
// only.
func methodAllowed(method string, allowed []string) bool {
	if len(allowed) == 0 {
		return method == http.MethodPost
	}
	for _, m := range allowed {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}
