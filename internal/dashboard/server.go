// Package dashboard serves the HTTP control surface: session lifecycle,
// user chat, task and mailbox views, live event streams and metrics.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zulandar/teamyard/internal/metrics"
	"github.com/zulandar/teamyard/internal/orchestration"
)

// DefaultHeartbeat is the SSE keepalive interval.
const DefaultHeartbeat = 15 * time.Second

// Options holds configuration for the dashboard server.
type Options struct {
	Manager   *orchestration.Manager
	Metrics   *metrics.Collector
	Logger    *zap.Logger
	Port      int
	Heartbeat time.Duration
	Out       io.Writer
}

// NewRouter builds the gin engine without starting a listener.
func NewRouter(opts Options) (*gin.Engine, error) {
	if opts.Manager == nil {
		return nil, fmt.Errorf("dashboard: session manager is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(opts.Logger.With(zap.String("component", "dashboard"))))
	registerRoutes(router, &handlers{
		manager:   opts.Manager,
		metrics:   opts.Metrics,
		heartbeat: opts.Heartbeat,
		log:       opts.Logger.With(zap.String("component", "dashboard")),
		started:   time.Now(),
	})
	return router, nil
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts Options) error {
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "teamyard listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// requestLogger logs each request at debug, and server errors at warn.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("request failed", append(fields, zap.String("error", c.Errors.String()))...)
			return
		}
		log.Debug("request", fields...)
	}
}
