// Package httpapi serves the liveness page, the health check and the
// Prometheus scrape endpoint.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/whisper/pairbot/internal/metrics"
)

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Conn is a named connection whose state is part of the health check.
type Conn struct {
	Name      string
	Connected func() bool
}

// Server is the status HTTP server.
type Server struct {
	srv *http.Server
	log zerolog.Logger
}

// NewRouter builds the gin engine.
func NewRouter(service string, backend Pinger, logger zerolog.Logger, conns ...Conn) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "Bot is running fine")
	})

	router.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := backend.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		for _, conn := range conns {
			if !conn.Connected() {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": conn.Name + " disconnected"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().UTC(),
			"service":   service,
		})
	})

	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	return router
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

// NewServer creates a server listening on addr.
func NewServer(addr string, handler http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log: logger.With().Str("component", "http").Logger(),
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
