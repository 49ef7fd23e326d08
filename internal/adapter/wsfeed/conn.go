// Package wsfeed is the websocket transport shared by JSON speaking broker
// feeds. A Codec turns topics into subscribe frames and frames into ticks;
// Conn owns the socket, the keepalive and the read loop.
package wsfeed

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tickproxy/internal/adapter"
	"tickproxy/internal/model"
	"tickproxy/logger"
)

const (
	defaultKeepAlive    = 20 * time.Second
	defaultWriteTimeout = 5 * time.Second
	handshakeTimeout    = 10 * time.Second
)

// Op is a subscription operation sent upstream.
type Op string

const (
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
)

// Codec translates between topics and a broker's frames. Encode and Decode
// may be called from different goroutines.
type Codec interface {
	Encode(op Op, topics []model.Topic) ([][]byte, error)
	// Decode returns no ticks and no error for acks and heartbeats.
	Decode(msg []byte) ([]model.Tick, error)
}

// Heartbeater is implemented by codecs whose broker expects an application
// level ping instead of websocket ping frames.
type Heartbeater interface {
	Heartbeat() []byte
}

// Options configures a Conn.
type Options struct {
	URL          string
	Header       http.Header
	PingInterval time.Duration
	WriteTimeout time.Duration
	// ReadTimeout closes the stream when nothing arrives for this long.
	ReadTimeout time.Duration
	Logger      *logger.Log
}

// Conn is one upstream websocket. It implements adapter.Stream.
type Conn struct {
	ws           *websocket.Conn
	codec        Codec
	onTick       adapter.TickFunc
	log          *logger.Entry
	writeTimeout time.Duration
	readTimeout  time.Duration

	writeMu sync.Mutex
	cancel  context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once
	closing   atomic.Bool
	errMu     sync.Mutex
	err       error

	frames       atomic.Int64
	decodeErrors atomic.Int64
}

// Dial opens the websocket and starts the read and keepalive loops.
func Dial(ctx context.Context, opts Options, codec Codec, onTick adapter.TickFunc) (*Conn, error) {
	if opts.URL == "" {
		return nil, errors.New("wsfeed: url is required")
	}
	log := opts.Logger
	if log == nil {
		log = logger.GetLogger()
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, opts.URL, opts.Header)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:           ws,
		codec:        codec,
		onTick:       onTick,
		log:          log.WithComponent("wsfeed").WithField("url", opts.URL),
		writeTimeout: writeTimeout,
		readTimeout:  opts.ReadTimeout,
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	if c.readTimeout > 0 {
		ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		})
	}

	go c.readLoop()
	go c.pingLoop(runCtx, opts.PingInterval)

	c.log.Debug("upstream websocket connected")
	return c, nil
}

// Subscribe sends the subscribe frames for topics.
func (c *Conn) Subscribe(_ context.Context, topics ...model.Topic) error {
	return c.send(OpSubscribe, topics)
}

// Unsubscribe sends the unsubscribe frames for topics.
func (c *Conn) Unsubscribe(_ context.Context, topics ...model.Topic) error {
	return c.send(OpUnsubscribe, topics)
}

func (c *Conn) send(op Op, topics []model.Topic) error {
	if len(topics) == 0 {
		return nil
	}
	frames, err := c.codec.Encode(op, topics)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		if err := c.write(websocket.TextMessage, frame); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}

// Done is closed once the socket is gone.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the stream ended. It is nil after a deliberate Close.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Stats returns frames read and frames that failed to decode.
func (c *Conn) Stats() (frames, decodeErrors int64) {
	return c.frames.Load(), c.decodeErrors.Load()
}

// Close sends a close frame and tears the socket down. Safe to call more
// than once.
func (c *Conn) Close() error {
	c.closing.Store(true)
	c.shutdown()
	return nil
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.ws.Close()
		close(c.done)
	})
}

func (c *Conn) fail(err error) {
	if !c.closing.Load() {
		c.errMu.Lock()
		if c.err == nil {
			c.err = err
		}
		c.errMu.Unlock()
	}
	c.shutdown()
}

func (c *Conn) readLoop() {
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closing.Load() {
				c.log.WithError(err).Warn("upstream websocket read loop ended")
			}
			c.fail(err)
			return
		}
		if c.readTimeout > 0 {
			c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		c.frames.Add(1)

		ticks, err := c.codec.Decode(msg)
		if err != nil {
			c.decodeErrors.Add(1)
			c.log.WithError(err).Debug("skipping undecodable upstream frame")
			continue
		}
		for _, tick := range ticks {
			c.onTick(tick)
		}
	}
}

func (c *Conn) pingLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultKeepAlive
	}
	heartbeat, custom := c.codec.(Heartbeater)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var err error
			if custom {
				err = c.write(websocket.TextMessage, heartbeat.Heartbeat())
			} else {
				c.writeMu.Lock()
				err = c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
				c.writeMu.Unlock()
			}
			if err != nil {
				c.log.WithError(err).Warn("failed to send websocket ping")
				c.fail(err)
				return
			}
		}
	}
}
