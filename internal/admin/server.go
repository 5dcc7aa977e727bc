// Package admin serves the node's operational HTTP surface.
package admin

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/scriptnode/internal/observability"
	"github.com/danmuck/scriptnode/internal/runner"
	"github.com/danmuck/scriptnode/internal/scripts"
)

const (
	Version = "0.1.0"

	readyTimeout    = 2 * time.Second
	shutdownTimeout = 5 * time.Second
)

// StatusSource reads runner state through the command queue.
type StatusSource interface {
	Info(ctx context.Context) (runner.Info, error)
}

type ScriptLister interface {
	List() []scripts.Reference
}

type Server struct {
	Name    string
	Addr    string
	Started time.Time

	status  StatusSource
	scripts ScriptLister
	router  *gin.Engine
	token   string
}

type Option func(*Server)

// WithToken requires "Authorization: Bearer <token>" on /status and /scripts.
func WithToken(token string) Option {
	return func(s *Server) { s.token = strings.TrimSpace(token) }
}

func New(name, addr string, corsOrigins []string, status StatusSource, lister ScriptLister, opts ...Option) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.Component("admin")))
	r.Use(observability.RequestMetricsMiddleware(name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		Name:    name,
		Addr:    addr,
		Started: time.Now(),
		status:  status,
		scripts: lister,
		router:  r,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"node":    s.Name,
			"uptime":  time.Since(s.Started).String(),
			"version": Version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ready means the runner answered an Info command.
	s.router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
		defer cancel()
		if _, err := s.status.Info(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ready": true, "node": s.Name})
	})

	private := s.router.Group("/")
	if s.token != "" {
		private.Use(bearerToken(s.token))
	}

	private.GET("/status", func(c *gin.Context) {
		info, err := s.status.Info(c.Request.Context())
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, runner.ErrRunnerStopped) {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"node":   s.Name,
			"height": info.Height,
			"digest": hex.EncodeToString(info.Digest),
		})
	})

	private.GET("/scripts", func(c *gin.Context) {
		list := s.scripts.List()
		if kind := c.Query("kind"); kind != "" {
			k, err := scripts.ParseKind(kind)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			filtered := list[:0:0]
			for _, ref := range list {
				if ref.Kind == k {
					filtered = append(filtered, ref)
				}
			}
			list = filtered
		}
		c.JSON(http.StatusOK, gin.H{"scripts": list})
	})
}

// Serve blocks until ctx ends, then shuts the listener down.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("node", s.Name).Str("addr", s.Addr).Msg("admin listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
