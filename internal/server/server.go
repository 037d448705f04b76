package server

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/atelierhq/pulse/internal/dedup"
	"github.com/atelierhq/pulse/internal/faststore"
)

type Server struct {
	Engine *gin.Engine
	Addr   string
	db     *sql.DB
	fast   faststore.Store
	dedup  *dedup.Engine
}

// New builds the HTTP server shell: gin engine, mode, health endpoint.
// fast and dedupEngine may be nil; the health report then omits them.
func New(addr string, db *sql.DB, fast faststore.Store, dedupEngine *dedup.Engine, mode string) *Server {
	if mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()

	s := &Server{
		Engine: r,
		Addr:   addr,
		db:     db,
		fast:   fast,
		dedup:  dedupEngine,
	}

	r.GET("/health", s.healthHandler)

	return s
}

// healthHandler verifies both stores and reports the duplicate-rate health.
// The durable store being down makes the instance unhealthy; the fast store
// being down only degrades it, since dedup fails open and caching is a
// bonus, not a dependency.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	detail := gin.H{"status": "healthy"}

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			slog.Error("Health check failed: database unreachable", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database unreachable",
			})
			return
		}
		detail["database"] = "connected"
	}

	if s.fast != nil {
		if err := s.fast.Ping(ctx); err != nil {
			slog.Warn("Health check: fast store unreachable", "error", err)
			detail["status"] = "degraded"
			detail["faststore"] = "unreachable"
		} else {
			detail["faststore"] = "connected"
		}
	}

	if s.dedup != nil {
		health, rate := s.dedup.Status()
		detail["duplicate_rate_pct"] = rate
		detail["dedup"] = string(health)
		if health == dedup.HealthCritical {
			detail["status"] = "degraded"
		}
	}

	c.JSON(http.StatusOK, detail)
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.Addr,
		Handler: s.Engine,
	}

	slog.Info("Starting HTTP Server...", "address", s.Addr)

	go func() {
		<-ctx.Done()
		slog.Info("Stopping HTTP Server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP Server forced to shutdown", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
