package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/craftbridge/craftbridge/internal/auth"
	"github.com/craftbridge/craftbridge/internal/protocol"
)

// State is the connection lifecycle state of a session.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SendMode controls queueing behavior while a session is not connected.
type SendMode int

const (
	// SendQueued buffers the message until the session reconnects.
	SendQueued SendMode = iota
	// SendImmediate queues only while reconnecting and fails while closed,
	// so interactive commands report failure promptly instead of lingering.
	SendImmediate
	// SendLive never queues: any state other than Connected fails with
	// ErrServerNotConnected. Status queries use it, a request parked in the
	// backlog would only burn the caller's timeout.
	SendLive
)

// StateListener observes connected/disconnected edges per server.
type StateListener interface {
	ServerOnline(serverID string)
	ServerOffline(serverID string)
}

// InboundHandler receives every decoded non-heartbeat message of a session.
type InboundHandler func(serverID string, msg protocol.Message)

// SessionConfig tunes one session's timers and queue.
type SessionConfig struct {
	QueueCap          int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int // 0 = retry forever
	AuthTimeout       time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.QueueCap <= 0 {
		c.QueueCap = 256
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 20 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = time.Minute
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	return c
}

// Session is one authenticated logical connection to a single game server.
// Inbound sessions get their transport bound by the registry after the
// listener authenticates it; dial-mode sessions establish and re-establish
// their own transport with exponential backoff.
type Session struct {
	serverID string
	logger   zerolog.Logger
	cfg      SessionConfig
	dial     DialFunc // nil for inbound sessions
	handler  InboundHandler
	listener StateListener

	mu        sync.Mutex
	state     State
	transport Transport
	queue     []protocol.Message
	dropped   uint64
	lastSeen  time.Time
	lastPong  time.Time

	attachCh  chan Transport
	wakeCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession builds a session. dial may be nil for inbound-only sessions.
func NewSession(serverID string, cfg SessionConfig, dial DialFunc, handler InboundHandler, listener StateListener, logger zerolog.Logger) *Session {
	return &Session{
		serverID: serverID,
		logger:   logger.With().Str("server_id", serverID).Logger(),
		cfg:      cfg.withDefaults(),
		dial:     dial,
		handler:  handler,
		listener: listener,
		state:    StateConnecting,
		attachCh: make(chan Transport, 1),
		wakeCh:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (s *Session) ServerID() string { return s.serverID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastSeen is the time of the last frame received from the server.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// QueueLen reports how many outbound messages wait for reconnection.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Dropped counts messages evicted from a full queue.
func (s *Session) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Send writes a message to the live transport or queues it per mode.
// Messages to one server are delivered in submission order.
func (s *Session) Send(msg protocol.Message, mode SendMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateConnected && s.transport != nil {
		data, err := protocol.Encode(msg)
		if err != nil {
			return err
		}
		// Writing under the session lock keeps FIFO order between direct
		// sends; a slow transport only ever stalls its own session.
		return s.transport.Write(data)
	}

	if mode == SendLive {
		return ErrServerNotConnected
	}
	if s.state == StateClosed && mode == SendImmediate {
		return ErrServerNotConnected
	}
	s.enqueueLocked(msg)
	return nil
}

func (s *Session) enqueueLocked(msg protocol.Message) {
	if len(s.queue) >= s.cfg.QueueCap {
		evict := len(s.queue) - s.cfg.QueueCap + 1
		s.queue = s.queue[evict:]
		s.dropped += uint64(evict)
		s.logger.Warn().
			Uint64("dropped_total", s.dropped).
			Int("queue_cap", s.cfg.QueueCap).
			Msg("send queue full, evicting oldest messages")
	}
	s.queue = append(s.queue, msg)
}

// Bind hands an authenticated inbound transport to the session. An existing
// transport is superseded: it is closed with CloseReplaced before the new
// one becomes active.
func (s *Session) Bind(t Transport) {
	s.mu.Lock()
	old := s.transport
	s.mu.Unlock()
	if old != nil {
		s.logger.Info().Msg("superseding existing connection")
		_ = old.Close(CloseReplaced, "replaced")
	}

	for {
		select {
		case s.attachCh <- t:
			return
		default:
		}
		// a transport parked in the channel was never served; it is stale
		select {
		case stale := <-s.attachCh:
			_ = stale.Close(CloseReplaced, "replaced")
		default:
		}
	}
}

// Reconnect asks the session to retry now: it cancels an in-progress
// backoff wait, revives a closed dial-mode session, and drops the current
// transport so the attempt sequence restarts immediately.
func (s *Session) Reconnect() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t != nil {
		_ = t.Close(websocket.CloseNormalClosure, "reconnect requested")
	}
}

// Close detaches the session permanently. No further retry happens.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	t := s.transport
	s.transport = nil
	wasConnected := s.state == StateConnected
	s.state = StateClosed
	s.mu.Unlock()
	if t != nil {
		_ = t.Close(websocket.CloseNormalClosure, "detach")
	}
	if wasConnected {
		s.logger.Info().Msg("server offline")
		if s.listener != nil {
			s.listener.ServerOffline(s.serverID)
		}
	}
}

// Run drives the connection lifecycle until ctx is done or Close is called.
func (s *Session) Run(ctx context.Context) {
	attempts := 0
	for {
		t, ok := s.acquireTransport(ctx, &attempts)
		if !ok {
			return
		}
		attempts = 0
		s.serveTransport(ctx, t)

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}
	}
}

// acquireTransport blocks until a transport is available: either dialed
// (with backoff) or bound by the registry. Returns false when the session
// is shutting down.
func (s *Session) acquireTransport(ctx context.Context, attempts *int) (Transport, bool) {
	for {
		switch s.State() {
		case StateClosed:
			// parked: only an explicit reconnect request revives us
			select {
			case <-ctx.Done():
				return nil, false
			case <-s.done:
				return nil, false
			case <-s.wakeCh:
				*attempts = 0
				s.setState(StateConnecting)
				continue
			}
		default:
		}

		if s.dial == nil {
			select {
			case <-ctx.Done():
				return nil, false
			case <-s.done:
				return nil, false
			case t := <-s.attachCh:
				s.setState(StateAuthenticating)
				return t, true
			case <-s.wakeCh:
				continue
			}
		}

		// an inbound attach supersedes dialing for the same server
		select {
		case t := <-s.attachCh:
			s.setState(StateAuthenticating)
			return t, true
		default:
		}

		s.setState(StateConnecting)
		t, err := s.dial(ctx)
		if err != nil {
			if errors.Is(err, auth.ErrAuthenticationFailed) {
				// a wrong token is a configuration error, not a transient fault
				s.logger.Error().Msg("authentication failed, not retrying")
				s.setState(StateClosed)
				continue
			}
			if ctx.Err() != nil {
				return nil, false
			}
			*attempts++
			s.logger.Warn().Err(err).Int("attempt", *attempts).Msg("connect failed")
			if !s.retryOrPark(ctx, *attempts) {
				return nil, false
			}
			continue
		}

		s.setState(StateAuthenticating)
		if err := s.awaitAck(ctx, t); err != nil {
			_ = t.Close(websocket.CloseNormalClosure, "handshake failed")
			if errors.Is(err, auth.ErrAuthenticationFailed) {
				s.logger.Error().Msg("authentication failed, not retrying")
				s.setState(StateClosed)
				continue
			}
			if ctx.Err() != nil {
				return nil, false
			}
			*attempts++
			s.logger.Warn().Err(err).Int("attempt", *attempts).Msg("handshake failed")
			if !s.retryOrPark(ctx, *attempts) {
				return nil, false
			}
			continue
		}
		return t, true
	}
}

// retryOrPark waits out the backoff for the next attempt, or parks the
// session in Closed once the attempt budget is spent. False means shutdown.
func (s *Session) retryOrPark(ctx context.Context, attempts int) bool {
	if s.cfg.ReconnectAttempts > 0 && attempts >= s.cfg.ReconnectAttempts {
		s.logger.Error().Int("attempts", attempts).Msg("reconnect attempts exhausted")
		s.setState(StateClosed)
		return true
	}
	s.setState(StateReconnecting)
	delay := s.backoff(attempts)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	case <-s.wakeCh:
		return true
	case <-timer.C:
		return true
	}
}

func (s *Session) backoff(attempts int) time.Duration {
	if attempts > 20 {
		return s.cfg.ReconnectMax
	}
	d := s.cfg.ReconnectBase << uint(attempts-1)
	if d > s.cfg.ReconnectMax || d <= 0 {
		return s.cfg.ReconnectMax
	}
	return d
}

// awaitAck waits for the peer's CONNECTION_ACK after a dial. A close with
// CloseAuthFailure maps to auth.ErrAuthenticationFailed.
func (s *Session) awaitAck(ctx context.Context, t Transport) error {
	type result struct {
		msg protocol.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		for {
			data, err := t.Read()
			if err != nil {
				ch <- result{err: err}
				return
			}
			msg, derr := protocol.Decode(data)
			if derr != nil {
				s.logger.Warn().Err(derr).Msg("dropping malformed message during handshake")
				continue
			}
			ch <- result{msg: msg}
			return
		}
	}()

	timer := time.NewTimer(s.cfg.AuthTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("timed out waiting for connection ack")
	case r := <-ch:
		if r.err != nil {
			var closeErr *websocket.CloseError
			if errors.As(r.err, &closeErr) && closeErr.Code == CloseAuthFailure {
				return auth.ErrAuthenticationFailed
			}
			return r.err
		}
		if r.msg.Type != protocol.TypeConnectionAck {
			return errors.New("expected connection ack, got " + string(r.msg.Type))
		}
		return nil
	}
}

// serveTransport flushes the backlog, promotes the session to Connected and
// pumps the transport until it is lost or the session stops.
func (s *Session) serveTransport(ctx context.Context, t Transport) {
	if !s.flushAndConnect(t) {
		s.transitionOffline(t, false)
		return
	}

	s.logger.Info().Msg("server online")
	if s.listener != nil {
		s.listener.ServerOnline(s.serverID)
	}

	readErr := make(chan error, 1)
	go s.readLoop(t, readErr)

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = t.Close(websocket.CloseGoingAway, "gateway shutting down")
			s.transitionOffline(t, true)
			return
		case <-s.done:
			s.transitionOffline(t, true)
			return
		case err := <-readErr:
			s.logger.Warn().Err(err).Msg("transport lost")
			s.transitionOffline(t, true)
			return
		case <-ticker.C:
			if s.pongOverdue() {
				s.logger.Warn().Msg("heartbeat timeout, dropping transport")
				_ = t.Close(websocket.CloseGoingAway, "heartbeat timeout")
				s.transitionOffline(t, true)
				return
			}
			ping, err := protocol.New(protocol.TypePing, s.serverID, nil)
			if err == nil {
				_ = s.Send(ping, SendImmediate)
			}
		}
	}
}

// flushAndConnect drains the queued backlog in submission order, then marks
// the session Connected. Messages submitted during the flush join the tail
// of the backlog, so order is preserved across the reconnect.
func (s *Session) flushAndConnect(t Transport) bool {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			now := time.Now()
			s.transport = t
			s.state = StateConnected
			s.lastSeen = now
			s.lastPong = now
			s.mu.Unlock()
			return true
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for i, msg := range batch {
			data, err := protocol.Encode(msg)
			if err != nil {
				s.logger.Warn().Err(err).Msg("dropping unencodable queued message")
				continue
			}
			if err := t.Write(data); err != nil {
				s.logger.Warn().Err(err).Msg("flush failed, requeueing backlog")
				s.mu.Lock()
				s.queue = append(batch[i:], s.queue...)
				s.mu.Unlock()
				_ = t.Close(websocket.CloseGoingAway, "flush failed")
				return false
			}
		}
	}
}

func (s *Session) pongOverdue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastPong) > s.cfg.HeartbeatTimeout
}

func (s *Session) readLoop(t Transport, readErr chan<- error) {
	for {
		data, err := t.Read()
		if err != nil {
			readErr <- err
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			// per-message fault: log and drop, the connection stays alive
			s.logger.Warn().Err(err).Msg("dropping malformed message")
			continue
		}

		s.mu.Lock()
		s.lastSeen = time.Now()
		if msg.Type == protocol.TypePong {
			s.lastPong = s.lastSeen
		}
		s.mu.Unlock()

		switch msg.Type {
		case protocol.TypePong:
			// handled above
		case protocol.TypePing:
			if pong, err := protocol.NewReply(protocol.TypePong, msg, nil); err == nil {
				_ = s.Send(pong, SendImmediate)
			}
		default:
			if s.handler != nil {
				s.handler(s.serverID, msg)
			}
		}
	}
}

// transitionOffline clears the transport and emits the offline edge when
// the session was connected.
func (s *Session) transitionOffline(t Transport, emitOffline bool) {
	s.mu.Lock()
	if s.transport == t {
		s.transport = nil
	}
	wasConnected := s.state == StateConnected
	if s.state != StateClosed {
		s.state = StateReconnecting
	}
	s.mu.Unlock()

	if wasConnected && emitOffline {
		s.logger.Info().Msg("server offline")
		if s.listener != nil {
			s.listener.ServerOffline(s.serverID)
		}
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = st
	s.mu.Unlock()
	s.logger.Debug().Str("from", prev.String()).Str("to", st.String()).Msg("session state change")
}
