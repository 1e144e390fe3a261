// Package status serves a live view of a running extraction over HTTP so
// long runs can be watched without tailing logs.
package status

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"orgatlas.dev/cache"
	"orgatlas.dev/progress"
)

// RateReporter exposes the limiter's current rate. *ratelimit.Limiter
// satisfies it.
type RateReporter interface {
	Rate() float64
}

// PhaseCounts is the progress rollup for one phase.
type PhaseCounts struct {
	Done      int `json:"done"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

// Snapshot is the /status response body.
type Snapshot struct {
	RunID         string                 `json:"run_id"`
	StartedAt     time.Time              `json:"started_at"`
	Uptime        string                 `json:"uptime"`
	RatePerMinute float64                `json:"rate_per_minute"`
	Phases        map[string]PhaseCounts `json:"phases"`
	Cache         cache.Stats            `json:"cache"`
	CacheHitRate  float64                `json:"cache_hit_rate"`
}

// Server exposes /healthz and /status for a running pipeline.
type Server struct {
	echo      *echo.Echo
	progress  *progress.Store
	cacheStat func() cache.Stats
	limiter   RateReporter
	startedAt time.Time
	log       *logrus.Logger
}

// NewServer wires the handlers. cacheStat and limiter may be nil when the
// corresponding subsystem is not in play.
func NewServer(store *progress.Store, cacheStat func() cache.Stats, limiter RateReporter, log *logrus.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:      e,
		progress:  store,
		cacheStat: cacheStat,
		limiter:   limiter,
		startedAt: time.Now(),
		log:       log,
	}
	e.GET("/healthz", s.handleHealthz)
	e.GET("/status", s.handleStatus)
	return s
}

// Handler returns the underlying HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr until the context is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(addr)
	}()
	s.log.WithField("addr", addr).Info("status endpoint listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStatus(c echo.Context) error {
	snapshot := Snapshot{
		StartedAt: s.startedAt,
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		Phases:    make(map[string]PhaseCounts),
	}
	if s.progress != nil {
		snapshot.RunID = s.progress.RunID()
		for phase := range s.progress.Snapshot() {
			done, failed, remaining := s.progress.Counts(phase)
			snapshot.Phases[phase] = PhaseCounts{Done: done, Failed: failed, Remaining: remaining}
		}
	}
	if s.cacheStat != nil {
		stats := s.cacheStat()
		snapshot.Cache = stats
		snapshot.CacheHitRate = stats.HitRate()
	}
	if s.limiter != nil {
		snapshot.RatePerMinute = s.limiter.Rate()
	}
	return c.JSON(http.StatusOK, snapshot)
}
