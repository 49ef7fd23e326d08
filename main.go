package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"tickproxy/config"
	"tickproxy/internal/adapter"
	"tickproxy/internal/adapter/feeds"
	"tickproxy/internal/auth"
	"tickproxy/internal/bus"
	"tickproxy/internal/dashboard"
	"tickproxy/internal/lifecycle"
	"tickproxy/internal/metrics"
	"tickproxy/internal/proxy"
	"tickproxy/internal/storage"
	"tickproxy/internal/symbols"
	"tickproxy/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		return 1
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		return 1
	}

	log.WithEnv("APP_ENV", "LOG_LEVEL").WithFields(logger.Fields{
		"service":     cfg.Proxy.Name,
		"version":     cfg.Proxy.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting tickproxy")

	ports := lifecycle.NewManager(log)
	ctx, release := ports.Guard(context.Background())
	defer release()

	metrics.Init()
	metrics.Configure(cfg.Metrics)
	metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch)

	db, err := openDatabase(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Error("failed to open database")
		return 1
	}
	if db != nil {
		defer db.Close()
	}

	ref, err := symbols.New(cfg.Symbols, db)
	if err != nil {
		log.WithError(err).Error("failed to build symbol reference")
		return 1
	}
	resolver, err := auth.New(cfg.Auth, db)
	if err != nil {
		log.WithError(err).Error("failed to build credential resolver")
		return 1
	}
	if err := seedDatabase(ctx, cfg, ref, resolver, log); err != nil {
		log.WithError(err).Error("failed to seed reference data")
		return 1
	}

	// Ports first: a busy port aborts startup before any upstream is dialled.
	lns, name, err := bindPorts(ctx, ports, cfg)
	if err != nil {
		logBindFailure(log, name, err)
		return 1
	}

	hub := bus.NewHub(cfg.Bus.Buffer, log)
	defer hub.Close()
	source := hub.Subscribe()
	defer source.Close()

	var (
		publisher bus.Publisher = hub
		endpoint  *bus.Endpoint
		wg        sync.WaitGroup
	)

	switch cfg.Bus.Backend {
	case config.BusBackendNATS:
		nc, err := bus.ConnectNATS(cfg.Bus.URL(), log)
		if err != nil {
			log.WithError(err).Error("failed to connect to nats bus")
			return 1
		}
		defer nc.Close()
		publisher = bus.NewNATSPublisher(nc, cfg.Bus.SubjectPrefix, log)
		bridge := bus.NewNATSBridge(nc, cfg.Bus.SubjectPrefix, hub, log)
		if err := bridge.Start(); err != nil {
			log.WithError(err).Error("failed to start nats bridge")
			return 1
		}
		defer bridge.Stop()
	default:
		endpoint = bus.NewEndpoint(lns.bus, hub, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := endpoint.Serve(ctx); err != nil {
				log.WithComponent("main").WithError(err).Warn("bus endpoint stopped")
			}
		}()
	}

	adapters := make([]*adapter.Adapter, 0, len(cfg.Brokers))
	brokers := make([]proxy.Broker, 0, len(cfg.Brokers))
	for _, bc := range cfg.Brokers {
		a, err := feeds.NewAdapter(bc, cfg.Reconnect, publisher, log)
		if err != nil {
			log.WithError(err).WithField("broker", bc.Name).Error("failed to create broker adapter")
			return 1
		}
		maxSymbols, maxConns := cfg.BrokerLimits(bc)
		adapters = append(adapters, a)
		brokers = append(brokers, proxy.Broker{
			Name:                    bc.Name,
			Upstream:                a,
			MaxSymbolsPerConnection: maxSymbols,
			MaxConnections:          maxConns,
		})
	}

	core := proxy.NewCore(proxy.CoreOptions{
		Brokers:             brokers,
		Source:              source,
		ThrottleInterval:    cfg.Throttle.Interval,
		Housekeeping:        cfg.Bus.PollTimeout,
		MaxTopicsPerSession: cfg.Listener.MaxTopicsPerSession,
		Logger:              log,
	})
	server := proxy.NewServer(cfg.Listener, core, resolver, ref, log)

	dash, err := dashboard.NewServer(cfg.Dashboard, dashboard.Sources{
		"proxy": func() any { return core.Stats() },
		"bus": func() any {
			out := map[string]any{"backend": cfg.Bus.Backend, "hub": hub.Stats()}
			if endpoint != nil {
				frames, malformed := endpoint.Stats()
				out["endpoint_frames"], out["endpoint_malformed"] = frames, malformed
			}
			return out
		},
		"adapters": func() any {
			out := make([]adapter.Stats, 0, len(adapters))
			for _, a := range adapters {
				out = append(out, a.Stats())
			}
			return out
		},
	}, log)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		return 1
	}

	for _, a := range adapters {
		wg.Add(1)
		go func(a *adapter.Adapter) {
			defer wg.Done()
			if err := a.Run(ctx); err != nil {
				log.WithError(err).WithField("broker", a.Name()).Warn("adapter stopped with error")
			}
		}(a)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := core.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Warn("proxy core stopped with error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Serve(ctx, lns.client); err != nil {
			log.WithError(err).Error("client listener failed")
		}
	}()

	if dash != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dash.Run(ctx, lns.dashboard, cfg.Proxy.Name); err != nil {
				log.WithError(err).Warn("dashboard stopped with error")
			}
		}()
	}

	log.WithFields(logger.Fields{
		"listener": lns.client.Addr().String(),
		"bus":      cfg.Bus.Backend,
		"brokers":  len(brokers),
	}).Info("all components started successfully")

	<-ctx.Done()
	log.Info("starting graceful shutdown")

	for _, a := range adapters {
		log.WithField("broker", a.Name()).Info("stopping adapter")
		a.Close()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(shutdownTimeout):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("tickproxy stopped")
	return 0
}

// listeners are every socket the process serves.
type listeners struct {
	bus       net.Listener
	client    net.Listener
	dashboard net.Listener
}

// bindPorts binds the bus endpoint (embedded backend only), the client
// listener and the dashboard (when enabled). On failure it returns the name
// of the port that could not be bound; listeners bound before it stay with
// ports until Release.
func bindPorts(ctx context.Context, ports *lifecycle.Manager, cfg *config.Config) (listeners, string, error) {
	var (
		lns listeners
		err error
	)
	if cfg.Bus.Backend == config.BusBackendEmbedded {
		if lns.bus, err = ports.Listen(ctx, "bus", cfg.Bus.Address()); err != nil {
			return lns, "bus", err
		}
	}
	if lns.client, err = ports.Listen(ctx, "listener", cfg.Listener.Address()); err != nil {
		return lns, "listener", err
	}
	if cfg.Dashboard.Enabled {
		if lns.dashboard, err = ports.Listen(ctx, "dashboard", dashboard.ListenAddress(cfg.Dashboard)); err != nil {
			return lns, "dashboard", err
		}
	}
	return lns, "", nil
}

func logBindFailure(log *logger.Log, name string, err error) {
	entry := log.WithComponent("main").WithError(err).WithField("name", name)
	if errors.Is(err, lifecycle.ErrPortInUse) {
		entry.Error("port already in use; stop the other process or change the configured port")
		return
	}
	entry.Error("failed to bind port")
}

func openDatabase(ctx context.Context, cfg *config.Config, log *logger.Log) (*storage.DB, error) {
	if !strings.EqualFold(cfg.Auth.Source, config.SourceSQL) && !strings.EqualFold(cfg.Symbols.Source, config.SourceSQL) {
		return nil, nil
	}
	db, err := storage.Open(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	if err := db.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// seedDatabase copies inline config data into SQL-backed collaborators so a
// fresh database is usable straight away.
func seedDatabase(ctx context.Context, cfg *config.Config, ref symbols.Reference, resolver auth.Resolver, log *logger.Log) error {
	entry := log.WithComponent("main")
	start := time.Now()
	defer func() {
		logger.LogPerformanceEntry(entry, "main", "seed_database", time.Since(start), nil)
	}()

	if sqlRef, ok := ref.(*symbols.SQL); ok {
		entries := cfg.Symbols.Entries
		if cfg.Symbols.File != "" {
			fromFile, err := config.LoadSymbolFile(cfg.Symbols.File)
			if err != nil {
				return err
			}
			entries = append(entries, fromFile...)
		}
		if len(entries) > 0 {
			if err := sqlRef.Import(ctx, entries); err != nil {
				return err
			}
			entry.WithField("instruments", len(entries)).Info("instrument reference imported")
		}
	}

	if sqlAuth, ok := resolver.(*auth.SQL); ok {
		for _, k := range cfg.Auth.Keys {
			user := k.User
			if user == "" {
				user = k.Key
			}
			if err := sqlAuth.Grant(ctx, k.Key, user, strings.ToUpper(k.Broker), true); err != nil {
				return err
			}
		}
		if len(cfg.Auth.Keys) > 0 {
			entry.WithField("keys", len(cfg.Auth.Keys)).Info("api keys imported")
		}
	}
	return nil
}
