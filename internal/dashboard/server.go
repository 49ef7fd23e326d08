package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"tickproxy/config"
	"tickproxy/internal/metrics"
	"tickproxy/logger"
)

// StatsFunc returns a JSON-serialisable snapshot of one component.
type StatsFunc func() any

// Sources names the components reported under /api/stats.
type Sources map[string]StatsFunc

// Server hosts the Gin-powered operations endpoint for the proxy.
type Server struct {
	cfg             config.DashboardConfig
	log             *logger.Log
	sources         Sources
	metricStore     *metricStore
	logStore        *logStore
	metricHandler   metrics.MetricHandlerID
	httpServer      *http.Server
	resourceSampler *resourceSampler
	started         time.Time
}

// NewServer constructs a dashboard server when the dashboard feature is enabled.
// When the dashboard is disabled the returned server will be nil.
func NewServer(cfg config.DashboardConfig, sources Sources, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if log == nil {
		log = logger.GetLogger()
	}

	cfg.Address = normalizeAddress(cfg.Address)

	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = defaultHistory
	}
	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = defaultHistory
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	if sources == nil {
		sources = Sources{}
	}

	return &Server{
		cfg:             cfg,
		log:             log,
		sources:         sources,
		metricStore:     metricStore,
		logStore:        logStore,
		metricHandler:   handlerID,
		resourceSampler: newResourceSampler(cfg.MetricsHistory, cfg.RefreshInterval, log),
		started:         time.Now(),
	}, nil
}

// Run serves the dashboard on ln and blocks until ctx is cancelled or the
// HTTP server fails.
func (s *Server) Run(ctx context.Context, ln net.Listener, appName string) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}

	s.resourceSampler.start(ctx)

	s.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("dashboard").WithField("address", ln.Addr().String()).Info("dashboard started")

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
		if err == nil || ctx.Err() != nil {
			return nil
		}
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.logStore != nil {
		s.logStore.close()
	}
	if s.resourceSampler != nil {
		s.resourceSampler.stop()
	}
}

// Address reports the configured listen address.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"app":                 appName,
			"refresh_interval_ms": s.cfg.RefreshInterval.Milliseconds(),
			"endpoints": []string{
				"/healthz", "/metrics", "/api/stats", "/api/metrics", "/api/logs", "/api/resources",
			},
		})
	})

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.started).Round(time.Second).String(),
		})
	})

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	router.GET("/api/stats", func(c *gin.Context) {
		names := make([]string, 0, len(s.sources))
		for name := range s.sources {
			names = append(names, name)
		}
		sort.Strings(names)

		payload := make(gin.H, len(names))
		for _, name := range names {
			payload[name] = s.sources[name]()
		}
		c.JSON(http.StatusOK, gin.H{
			"timestamp": time.Now().Format(time.RFC3339Nano),
			"stats":     payload,
		})
	})

	// ?broker=&topic=&stage= narrow both the events and the totals; totals
	// ignore topic.
	router.GET("/api/metrics", func(c *gin.Context) {
		filter := metrics.Filter{
			Broker: c.Query("broker"),
			Topic:  c.Query("topic"),
			Stage:  c.Query("stage"),
		}
		c.JSON(http.StatusOK, gin.H{
			"metrics": s.metricStore.query(filter),
			"totals":  s.metricStore.sums(filter),
		})
	})

	// ?level= is the least severe level returned (default all);
	// ?component= matches exactly, ?broker= ignoring case.
	router.GET("/api/logs", func(c *gin.Context) {
		filter := logFilter{
			Level:     logrus.TraceLevel,
			Component: c.Query("component"),
			Broker:    c.Query("broker"),
		}
		if raw := c.Query("level"); raw != "" {
			level, err := logrus.ParseLevel(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			filter.Level = level
		}
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.query(filter)})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		snapshots := s.resourceSampler.snapshot()
		payload := make([]gin.H, 0, len(snapshots))
		for _, snap := range snapshots {
			payload = append(payload, gin.H{
				"timestamp":      snap.Timestamp.Format(time.RFC3339Nano),
				"cpu_percent":    snap.CPUPercent,
				"memory_used":    snap.MemoryUsed,
				"memory_total":   snap.MemoryTotal,
				"memory_percent": snap.MemoryPct,
				"process_rss":    snap.ProcessRSS,
				"goroutines":     snap.Goroutines,
			})
		}
		c.JSON(http.StatusOK, gin.H{"resources": payload})
	})

	return router, nil
}

// ListenAddress is the address a dashboard built from cfg serves on.
func ListenAddress(cfg config.DashboardConfig) string {
	return normalizeAddress(cfg.Address)
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "127.0.0.1:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
