package bus

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"tickproxy/internal/metrics"
	"tickproxy/internal/model"
	"tickproxy/logger"
)

const (
	defaultClientBuffer = 1024
	clientRedialDelay   = time.Second
	clientWriteTimeout  = 2 * time.Second
)

// Client publishes ticks to a remote bus Endpoint. Publish enqueues without
// blocking; a background writer owns the connection and redials after
// failures. Frames that cannot be written are dropped.
type Client struct {
	network string
	addr    string
	queue   chan []byte
	log     *logger.Entry

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	sent    atomic.Int64
	dropped atomic.Int64
}

// NewClient starts the background writer for addr.
func NewClient(ctx context.Context, network, addr string, buffer int, log *logger.Log) *Client {
	if buffer <= 0 {
		buffer = defaultClientBuffer
	}
	if log == nil {
		log = logger.GetLogger()
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &Client{
		network: network,
		addr:    addr,
		queue:   make(chan []byte, buffer),
		log:     log.WithComponent("bus_client").WithField("address", addr),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.run(ctx)
	return c
}

// Publish encodes tick and queues it for the writer.
func (c *Client) Publish(tick model.Tick) {
	frame, err := Encode(tick)
	if err != nil {
		c.log.WithError(err).Warn("failed to encode tick")
		return
	}
	frame = append(frame, '\n')

	select {
	case c.queue <- frame:
	default:
		c.dropped.Add(1)
		metrics.ObserveDrop(metrics.DropStageBusClient)
	}
}

// Sent and Dropped report writer counters.
func (c *Client) Sent() int64    { return c.sent.Load() }
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// Close stops the writer and waits for it to exit.
func (c *Client) Close() error {
	c.once.Do(c.cancel)
	<-c.done
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	var conn net.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	dialer := net.Dialer{Timeout: clientWriteTimeout}
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.queue:
			if conn == nil {
				var err error
				conn, err = dialer.DialContext(ctx, c.network, c.addr)
				if err != nil {
					c.dropped.Add(1)
					c.log.WithError(err).Warn("bus endpoint unreachable, dropping frame")
					if !sleepCtx(ctx, clientRedialDelay) {
						return
					}
					continue
				}
				c.log.Debug("connected to bus endpoint")
			}

			conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
			if _, err := conn.Write(frame); err != nil {
				c.dropped.Add(1)
				c.log.WithError(err).Warn("bus write failed, reconnecting")
				conn.Close()
				conn = nil
				continue
			}
			c.sent.Add(1)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
