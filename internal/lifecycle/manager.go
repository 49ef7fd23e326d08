// Package lifecycle binds the proxy's listening sockets and guarantees they
// are released on every exit path, so an immediate restart does not fail
// with "address already in use".
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"tickproxy/logger"
)

const defaultDialTimeout = 300 * time.Millisecond

// ErrPortInUse matches every *PortInUseError.
var ErrPortInUse = errors.New("port in use")

// PortInUseError reports that something is already serving addr.
type PortInUseError struct {
	Name string
	Addr string
	Err  error
}

func (e *PortInUseError) Error() string {
	msg := fmt.Sprintf("%s address %s is already in use", e.Name, e.Addr)
	if e.Name == "" {
		msg = fmt.Sprintf("address %s is already in use", e.Addr)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PortInUseError) Unwrap() error { return e.Err }

func (e *PortInUseError) Is(target error) bool { return target == ErrPortInUse }

type binding struct {
	name    string
	network string
	address string
	ln      net.Listener
}

// Manager tracks every listener the process owns.
type Manager struct {
	mu       sync.Mutex
	bindings []*binding

	dialTimeout time.Duration
	log         *logger.Entry
}

func NewManager(log *logger.Log) *Manager {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Manager{
		dialTimeout: defaultDialTimeout,
		log:         log.WithComponent("lifecycle"),
	}
}

// SplitAddr turns a configured address into a network and an address.
// "unix:///run/tp.sock" selects a unix socket; anything else is tcp.
func SplitAddr(addr string) (network, address string) {
	if rest, ok := strings.CutPrefix(addr, "unix://"); ok {
		return "unix", rest
	}
	return "tcp", addr
}

// EnsureFree fails fast with a *PortInUseError when something already accepts
// connections on addr. A unix socket file nobody listens on is stale and is
// removed.
func (m *Manager) EnsureFree(addr string) error {
	network, address := SplitAddr(addr)

	if network == "unix" {
		if _, err := os.Stat(address); err != nil {
			return nil
		}
		conn, err := net.DialTimeout("unix", address, m.dialTimeout)
		if err == nil {
			conn.Close()
			return &PortInUseError{Addr: addr}
		}
		if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale socket %s: %w", address, err)
		}
		m.log.WithField("path", address).Warn("removed stale unix socket")
		return nil
	}

	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if port == "0" || port == "" {
		return nil
	}
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "127.0.0.1"
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), m.dialTimeout)
	if err != nil {
		return nil
	}
	conn.Close()
	return &PortInUseError{Addr: addr}
}

// Listen checks that addr is free and binds it. The listener is tracked under name until
// Release.
func (m *Manager) Listen(ctx context.Context, name, addr string) (net.Listener, error) {
	if err := m.EnsureFree(addr); err != nil {
		var inUse *PortInUseError
		if errors.As(err, &inUse) {
			inUse.Name = name
		}
		return nil, err
	}

	network, address := SplitAddr(addr)
	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(ctx, network, address)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, &PortInUseError{Name: name, Addr: addr, Err: err}
		}
		return nil, fmt.Errorf("bind %s on %s: %w", name, addr, err)
	}

	m.mu.Lock()
	m.bindings = append(m.bindings, &binding{name: name, network: network, address: address, ln: ln})
	m.mu.Unlock()

	m.log.WithFields(logger.Fields{
		"name":    name,
		"address": ln.Addr().String(),
	}).Info("listener bound")
	return ln, nil
}

// Addr returns the bound address of the listener tracked as name.
func (m *Manager) Addr(name string) net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bindings {
		if b.name == name {
			return b.ln.Addr()
		}
	}
	return nil
}

// Release closes every tracked listener. It is idempotent and safe to call
// from any goroutine.
func (m *Manager) Release() error {
	m.mu.Lock()
	bindings := m.bindings
	m.bindings = nil
	m.mu.Unlock()

	var errs []error
	for i := len(bindings) - 1; i >= 0; i-- {
		b := bindings[i]
		if err := b.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close %s: %w", b.name, err))
		}
		if b.network == "unix" {
			if err := os.Remove(b.address); err != nil && !os.IsNotExist(err) {
				errs = append(errs, fmt.Errorf("remove %s: %w", b.address, err))
			}
		}
		m.log.WithField("name", b.name).Info("listener released")
	}
	return errors.Join(errs...)
}

// Guard returns a context cancelled on SIGINT or SIGTERM. Ports are released
// as soon as that context ends; the returned stop function releases them on
// the normal return path and should be deferred.
func (m *Manager) Guard(ctx context.Context) (context.Context, func()) {
	ctx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		if err := m.Release(); err != nil {
			m.log.WithError(err).Warn("port release incomplete")
		}
	}()
	return ctx, func() {
		stopSignals()
		if err := m.Release(); err != nil {
			m.log.WithError(err).Warn("port release incomplete")
		}
	}
}
