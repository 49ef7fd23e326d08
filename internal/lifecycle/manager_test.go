package lifecycle

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tickproxy/logger"
)

func TestListenRejectsBusyPort(t *testing.T) {
	m := NewManager(logger.Discard())
	defer m.Release()

	ln, err := m.Listen(context.Background(), "client", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	other := NewManager(logger.Discard())
	_, err = other.Listen(context.Background(), "bus", addr)
	var inUse *PortInUseError
	if !errors.As(err, &inUse) || !errors.Is(err, ErrPortInUse) {
		t.Fatalf("expected PortInUseError, got %v", err)
	}
	if inUse.Name != "bus" || inUse.Addr != addr {
		t.Fatalf("unexpected error details %+v", inUse)
	}
	if m.Addr("client").String() != addr {
		t.Fatalf("expected tracked address %s", addr)
	}
}

func TestReleaseAllowsImmediateRebind(t *testing.T) {
	m := NewManager(logger.Discard())
	ln, err := m.Listen(context.Background(), "client", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()

	// Leave a connection behind so the port has sockets in TIME_WAIT.
	go func() {
		if c, err := ln.Accept(); err == nil {
			c.Close()
		}
	}()
	if c, err := net.Dial("tcp", addr); err == nil {
		c.Close()
	}

	if err := m.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := m.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}

	m2 := NewManager(logger.Discard())
	defer m2.Release()
	if _, err := m2.Listen(context.Background(), "client", addr); err != nil {
		t.Fatalf("rebind after release: %v", err)
	}
}

func TestEnsureFreeRemovesStaleUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	ln.Close()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected stale socket file: %v", err)
	}

	m := NewManager(logger.Discard())
	defer m.Release()
	if _, err := m.Listen(context.Background(), "bus", "unix://"+path); err != nil {
		t.Fatalf("listen over stale socket: %v", err)
	}
	if err := m.EnsureFree("unix://" + path); !errors.Is(err, ErrPortInUse) {
		t.Fatalf("expected live socket to be reported, got %v", err)
	}

	if err := m.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected socket file removed, got %v", err)
	}
}

func TestGuardReleasesOnCancel(t *testing.T) {
	m := NewManager(logger.Discard())
	parent, cancel := context.WithCancel(context.Background())
	ctx, stop := m.Guard(parent)
	defer stop()

	ln, err := m.Listen(ctx, "client", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	accepted := make(chan error, 1)
	go func() {
		_, err := ln.Accept()
		accepted <- err
	}()

	cancel()
	select {
	case err := <-accepted:
		if err == nil {
			t.Fatal("expected accept to fail after release")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener was not released")
	}
}

func TestSplitAddr(t *testing.T) {
	if n, a := SplitAddr("unix:///run/tickproxy.sock"); n != "unix" || a != "/run/tickproxy.sock" {
		t.Fatalf("unexpected unix split %s %s", n, a)
	}
	if n, a := SplitAddr("0.0.0.0:8765"); n != "tcp" || a != "0.0.0.0:8765" {
		t.Fatalf("unexpected tcp split %s %s", n, a)
	}
	if err := NewManager(logger.Discard()).EnsureFree("no-port"); err == nil {
		t.Fatal("expected invalid address error")
	}
}
