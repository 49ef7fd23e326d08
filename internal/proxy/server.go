package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tickproxy/config"
	"tickproxy/internal/auth"
	"tickproxy/internal/symbols"
	"tickproxy/logger"
)

const shutdownTimeout = 5 * time.Second

// Server accepts client websocket connections and runs one Session per
// connection against a Core.
type Server struct {
	cfg      config.ListenerConfig
	core     *Core
	resolver auth.Resolver
	symbols  symbols.Reference
	upgrader websocket.Upgrader
	log      *logger.Log

	mu     sync.Mutex
	base   context.Context
	active map[*Session]struct{}
	wg     sync.WaitGroup
}

func NewServer(cfg config.ListenerConfig, core *Core, resolver auth.Resolver, ref symbols.Reference, log *logger.Log) *Server {
	if log == nil {
		log = logger.GetLogger()
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if ref == nil {
		ref = symbols.AllowAll{}
	}

	s := &Server{
		cfg:      cfg,
		core:     core,
		resolver: resolver,
		symbols:  ref,
		log:      log,
		base:     context.Background(),
		active:   make(map[*Session]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      s.checkOrigin,
	}
	return s
}

// Handler routes the configured path to the websocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s)
	return mux
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithComponent("proxy_server").WithError(err).WithField("remote", r.RemoteAddr).Warn("websocket upgrade failed")
		return
	}

	sess := newSession(s, conn, r.RemoteAddr)

	s.mu.Lock()
	ctx, cancel := context.WithCancel(s.base)
	sess.cancel = cancel
	s.active[sess] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, sess)
		s.mu.Unlock()
		s.wg.Done()
	}()

	sess.log.Info("client connected")
	sess.serve(ctx)
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	open := make([]*Session, 0, len(s.active))
	for sess := range s.active {
		open = append(open, sess)
	}
	s.mu.Unlock()
	for _, sess := range open {
		sess.Close()
	}
}

// Serve accepts connections on ln until ctx is cancelled, then waits for
// open sessions to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	entry := s.log.WithComponent("proxy_server").WithFields(logger.Fields{
		"address": ln.Addr().String(),
		"path":    s.cfg.Path,
	})
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		entry.Info("client listener started")
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		// The port manager may close ln as soon as ctx ends.
		if ctx.Err() == nil {
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		entry.WithError(err).Warn("client listener shutdown incomplete")
	}
	s.closeSessions()
	s.wg.Wait()
	entry.Info("client listener stopped")
	return nil
}

// Stats reports the core's routing state.
func (s *Server) Stats() Stats {
	return s.core.Stats()
}

// checkOrigin allows non-browser clients and, when origins are configured,
// only those browser origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}
