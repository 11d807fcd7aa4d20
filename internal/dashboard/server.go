package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"arbflow/config"
	"arbflow/logger"
)

// StatsFunc returns a point-in-time stats payload for one component. The
// returned value is marshalled straight into the stats response.
type StatsFunc func() interface{}

// Server exposes the runtime status of the process over HTTP: per-component
// stats, recent log lines and host resource usage.
type Server struct {
	cfg        config.DashboardConfig
	log        *logger.Log
	logStore   *logStore
	sampler    *resourceSampler
	httpServer *http.Server

	mu        sync.RWMutex
	providers map[string]StatsFunc
}

// NewServer constructs the status server when the dashboard feature is
// enabled. When disabled the returned server is nil; all methods are safe to
// call on a nil receiver.
func NewServer(cfg config.DashboardConfig, log *logger.Log) *Server {
	if !cfg.Enabled {
		return nil
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.ResourceHistory <= 0 {
		cfg.ResourceHistory = 200
	}

	store := newLogStore(cfg.LogHistory)
	log.AddHook(store)

	return &Server{
		cfg:       cfg,
		log:       log,
		logStore:  store,
		sampler:   newResourceSampler(cfg.ResourceHistory, cfg.RefreshInterval, "/", log),
		providers: make(map[string]StatsFunc),
	}
}

// Register adds a named stats provider. Providers registered after Run has
// started are picked up by the next stats request.
func (s *Server) Register(name string, fn StatsFunc) {
	if s == nil || fn == nil {
		return
	}
	s.mu.Lock()
	s.providers[name] = fn
	s.mu.Unlock()
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

// Run starts the HTTP server and blocks until the context is cancelled or
// the listener fails.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	s.sampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: s.buildRouter(appName),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	if s.logStore != nil {
		s.logStore.close()
	}
	if s.sampler != nil {
		s.sampler.stop()
	}
}

func (s *Server) buildRouter(appName string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	started := time.Now()

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": appName,
			"status":  "ok",
			"uptime":  time.Since(started).Round(time.Second).String(),
		})
	})

	router.GET("/api/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"stats": s.collectStats()})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		records := s.logStore.snapshot()
		payload := make([]gin.H, 0, len(records))
		for _, r := range records {
			payload = append(payload, gin.H{
				"timestamp": r.Timestamp.Format(time.RFC3339Nano),
				"level":     r.Level,
				"component": r.Component,
				"message":   r.Message,
				"fields":    r.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"logs": payload})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		samples := s.sampler.snapshot()
		payload := make([]gin.H, 0, len(samples))
		for _, snap := range samples {
			payload = append(payload, gin.H{
				"timestamp":      snap.Timestamp.Format(time.RFC3339Nano),
				"cpu_percent":    snap.CPUPercent,
				"memory_used":    snap.MemoryUsed,
				"memory_total":   snap.MemoryTotal,
				"memory_percent": snap.MemoryPct,
				"disk_used":      snap.DiskUsed,
				"disk_total":     snap.DiskTotal,
				"disk_percent":   snap.DiskPct,
			})
		}
		c.JSON(http.StatusOK, gin.H{"resources": payload})
	})

	return router
}

func (s *Server) collectStats() gin.H {
	s.mu.RLock()
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	fns := make(map[string]StatsFunc, len(s.providers))
	for name, fn := range s.providers {
		fns[name] = fn
	}
	s.mu.RUnlock()

	sort.Strings(names)
	out := gin.H{}
	for _, name := range names {
		out[name] = fns[name]()
	}
	return out
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}
	if strings.HasPrefix(addr, ":") {
		return "0.0.0.0" + addr
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		return net.JoinHostPort(host, port)
	}
	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
