package bus

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"tickproxy/logger"
)

const maxFrameBytes = 1 << 20

// Endpoint accepts out-of-process publishers on the bus port. Each
// connection streams newline-delimited JSON envelopes which are republished
// on the local hub.
type Endpoint struct {
	ln  net.Listener
	pub Publisher
	log *logger.Entry

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup

	frames    atomic.Int64
	malformed atomic.Int64
}

// NewEndpoint wraps an already bound listener.
func NewEndpoint(ln net.Listener, pub Publisher, log *logger.Log) *Endpoint {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Endpoint{
		ln:    ln,
		pub:   pub,
		log:   log.WithComponent("bus_endpoint").WithField("address", ln.Addr().String()),
		conns: make(map[net.Conn]struct{}),
	}
}

// Addr reports the bound address.
func (e *Endpoint) Addr() net.Addr {
	return e.ln.Addr()
}

// Serve accepts publishers until ctx is cancelled or the listener closes.
func (e *Endpoint) Serve(ctx context.Context) error {
	e.log.Info("bus endpoint accepting publishers")

	stop := context.AfterFunc(ctx, func() {
		e.ln.Close()
		e.closeConns()
	})
	defer stop()

	for {
		conn, err := e.ln.Accept()
		if err != nil {
			e.closeConns()
			e.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		e.mu.Lock()
		e.conns[conn] = struct{}{}
		e.mu.Unlock()

		e.wg.Add(1)
		go e.handle(conn)
	}
}

// Stats returns frames accepted and rejected so far.
func (e *Endpoint) Stats() (frames, malformed int64) {
	return e.frames.Load(), e.malformed.Load()
}

func (e *Endpoint) handle(conn net.Conn) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.conns, conn)
		e.mu.Unlock()
		conn.Close()
	}()

	log := e.log.WithField("publisher", conn.RemoteAddr().String())
	log.Debug("publisher connected")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		tick, err := Decode(line)
		if err != nil {
			e.malformed.Add(1)
			log.WithError(err).Warn("skipping malformed bus frame")
			continue
		}
		e.frames.Add(1)
		e.pub.Publish(tick)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.WithError(err).Warn("publisher connection ended")
		return
	}
	log.Debug("publisher disconnected")
}

func (e *Endpoint) closeConns() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for conn := range e.conns {
		conn.Close()
	}
}
