package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"tickproxy/internal/auth"
	"tickproxy/internal/index"
	"tickproxy/internal/metrics"
	"tickproxy/internal/model"
	"tickproxy/internal/protocol"
	"tickproxy/internal/symbols"
	"tickproxy/logger"
)

const collaboratorTimeout = 5 * time.Second

// State is a session's position in its lifecycle.
type State int32

const (
	StateConnected State = iota
	StateAuthenticating
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Session is one downstream client connection. The reader goroutine handles
// commands; the writer goroutine owns every write to the socket.
type Session struct {
	id       index.SessionID
	conn     *websocket.Conn
	srv      *Server
	identity auth.Identity

	state   atomic.Int32
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	cancel  context.CancelFunc
	limiter *rate.Limiter
	dropped atomic.Int64

	// topics subscribed but not yet confirmed to the client; owned by the
	// core goroutine
	pending map[model.Topic]struct{}

	log *logger.Entry
}

func newSession(srv *Server, conn *websocket.Conn, remote string) *Session {
	id := index.SessionID(uuid.NewString())
	s := &Session{
		id:   id,
		conn: conn,
		srv:  srv,
		send: make(chan []byte, srv.cfg.SendBuffer),
		done: make(chan struct{}),
		log: srv.log.WithComponent("session").WithFields(logger.Fields{
			"session": string(id),
			"remote":  remote,
		}),
	}
	if srv.cfg.CommandRate > 0 {
		burst := srv.cfg.CommandBurst
		if burst <= 0 {
			burst = int(srv.cfg.CommandRate) + 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(srv.cfg.CommandRate), burst)
	}
	return s
}

func (s *Session) ID() index.SessionID     { return s.id }
func (s *Session) Identity() auth.Identity { return s.identity }
func (s *Session) State() State            { return State(s.state.Load()) }

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close moves the session to CLOSED, cancels pending sends and removes it
// from the core. Safe to call more than once and from any goroutine.
func (s *Session) Close() {
	s.once.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
		s.srv.core.unregister(s)
		s.log.Info("session closed")
	})
}

// offer hands a market_data frame to the writer without blocking. A full
// queue drops the frame for this client only.
func (s *Session) offer(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		s.dropped.Add(1)
		metrics.ObserveDrop(metrics.DropStageSessionQueue)
		return false
	}
}

// reply queues a control frame, waiting for room unless the session closes.
func (s *Session) reply(frame any) {
	data, err := protocol.Encode(frame)
	if err != nil {
		s.log.WithError(err).Error("failed to encode frame")
		return
	}
	select {
	case s.send <- data:
	case <-s.done:
	}
}

// serve runs the session until it closes. ctx is cancelled by Close.
func (s *Session) serve(ctx context.Context) {
	defer s.Close()

	go s.writePump()
	s.readPump(ctx)
}

func (s *Session) readPump(ctx context.Context) {
	timeout := s.srv.cfg.HeartbeatTimeout
	if s.srv.cfg.MaxMessageBytes > 0 {
		s.conn.SetReadLimit(s.srv.cfg.MaxMessageBytes)
	}
	s.conn.SetReadDeadline(time.Now().Add(timeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(timeout))
	})

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.WithError(err).Debug("session read ended")
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(timeout))
		if kind != websocket.TextMessage {
			continue
		}
		if !s.handle(ctx, data) {
			return
		}
	}
}

func (s *Session) writePump() {
	period := s.srv.cfg.HeartbeatTimeout * 9 / 10
	ticker := time.NewTicker(period)
	defer func() {
		ticker.Stop()
		s.Close()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			s.flush()
			return
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.srv.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.log.WithError(err).Debug("session write failed")
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.srv.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.log.WithError(err).Debug("session ping failed")
				return
			}
		}
	}
}

// flush writes whatever is still queued, then the close frame. Frames queued
// right before Close (such as a failed auth_result) still reach the client.
func (s *Session) flush() {
	for {
		select {
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.srv.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			s.conn.SetWriteDeadline(time.Now().Add(time.Second))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// handle processes one client frame and reports whether the session stays
// open.
func (s *Session) handle(ctx context.Context, data []byte) bool {
	if s.State() == StateConnected {
		return s.authenticate(ctx, data)
	}

	if s.limiter != nil && !s.limiter.Allow() {
		s.reply(protocol.NewError(protocol.CodeRateLimited, "too many commands, slow down"))
		return true
	}

	msg, err := protocol.Parse(data)
	if err != nil {
		s.log.WithError(err).Debug("malformed client message")
		s.reply(protocol.NewError(protocol.CodeMalformed, err.Error()))
		return true
	}

	switch m := msg.(type) {
	case protocol.Subscribe:
		s.subscribe(ctx, m.Topics)
	case protocol.Unsubscribe:
		s.unsubscribe(ctx, m.Topics)
	case protocol.Ping:
		s.reply(protocol.NewPong())
	case protocol.Auth:
		s.reply(protocol.NewError(protocol.CodeMalformed, "session already authenticated"))
	}
	return true
}

func (s *Session) authenticate(ctx context.Context, data []byte) bool {
	s.state.Store(int32(StateAuthenticating))

	msg, err := protocol.Parse(data)
	if err != nil {
		s.reply(protocol.AuthFailure(err))
		return false
	}
	m, ok := msg.(protocol.Auth)
	if !ok {
		s.reply(protocol.AuthFailure(&auth.AuthenticationError{Reason: "first message must be auth"}))
		return false
	}

	rctx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
	identity, err := s.srv.resolver.Resolve(rctx, m.Credential)
	cancel()
	if err == nil && !s.srv.core.HasBroker(identity.Broker) {
		err = &auth.AuthenticationError{Reason: fmt.Sprintf("broker %s is not configured", identity.Broker)}
	}
	if err != nil {
		s.log.WithError(err).Warn("authentication failed")
		s.reply(protocol.AuthFailure(err))
		return false
	}

	s.identity = identity
	if err := s.srv.core.register(s); err != nil {
		return false
	}
	s.state.Store(int32(StateAuthenticated))
	s.log.WithFields(logger.Fields{"user": identity.User, "broker": identity.Broker}).Info("session authenticated")
	s.reply(protocol.AuthSuccess(identity.User))
	return true
}

func (s *Session) subscribe(ctx context.Context, refs []protocol.TopicRef) {
	results := make([]error, len(refs))
	topics := make([]model.Topic, 0, len(refs))
	slots := make([]int, 0, len(refs))
	for i, ref := range refs {
		topic, err := s.resolve(ctx, ref)
		if err != nil {
			results[i] = err
			continue
		}
		topics = append(topics, topic)
		slots = append(slots, i)
	}

	if len(topics) > 0 {
		errs, err := s.srv.core.subscribe(s, topics)
		for j, i := range slots {
			if err != nil {
				results[i] = err
			} else {
				results[i] = errs[j]
			}
		}
	}

	for i, ref := range refs {
		if results[i] != nil {
			s.log.WithError(results[i]).WithField("topic", ref.String()).Info("subscribe rejected")
		}
		s.reply(protocol.NewTopicResult(protocol.TypeSubscribeResult, ref, results[i]))
	}
	if len(topics) > 0 {
		s.srv.core.activate(s, topics)
	}
}

func (s *Session) unsubscribe(ctx context.Context, refs []protocol.TopicRef) {
	results := make([]error, len(refs))
	topics := make([]model.Topic, 0, len(refs))
	for i, ref := range refs {
		topic, err := s.resolve(ctx, ref)
		if err != nil {
			results[i] = err
			continue
		}
		topics = append(topics, topic)
	}
	if len(topics) > 0 {
		if _, err := s.srv.core.unsubscribe(s, topics); err != nil {
			for i := range results {
				if results[i] == nil {
					results[i] = err
				}
			}
		}
	}
	for i, ref := range refs {
		s.reply(protocol.NewTopicResult(protocol.TypeUnsubscribeResult, ref, results[i]))
	}
}

// resolve validates ref and keys it by the reference's canonical symbol, so
// every spelling of one instrument shares a topic.
func (s *Session) resolve(ctx context.Context, ref protocol.TopicRef) (model.Topic, error) {
	vctx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
	defer cancel()
	md, err := s.srv.symbols.Validate(vctx, ref.Symbol, ref.Exchange)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return model.Topic{}, ErrSessionClosed
		}
		return model.Topic{}, err
	}
	canonical := ref
	canonical.Symbol = md.Symbol
	if canonical.Symbol == "" {
		canonical.Symbol = symbols.Normalize(ref.Exchange, ref.Symbol)
	}
	return canonical.Topic(s.identity.Broker), nil
}
