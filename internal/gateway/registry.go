package gateway

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/craftbridge/craftbridge/internal/auth"
	"github.com/craftbridge/craftbridge/internal/protocol"
)

const (
	defaultPresenceTTL      = 60 * time.Second
	defaultPresenceInterval = 20 * time.Second
)

// ServerState is one row of Registry.List.
type ServerState struct {
	ServerID string
	State    State
	LastSeen time.Time
}

// Registry owns every session, keyed by server id. It is an explicit object
// passed to the gateway's components rather than a package-level singleton,
// so independent gateway instances (tests included) cannot interfere.
type Registry struct {
	logger   zerolog.Logger
	verifier *auth.Verifier
	redis    *redis.Client // optional presence mirror, may be nil
	cfg      SessionConfig

	handler  InboundHandler
	listener StateListener

	presenceTTL      time.Duration
	presenceInterval time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRegistry(logger zerolog.Logger, verifier *auth.Verifier, redisClient *redis.Client, cfg SessionConfig) *Registry {
	return &Registry{
		logger:           logger,
		verifier:         verifier,
		redis:            redisClient,
		cfg:              cfg,
		presenceTTL:      defaultPresenceTTL,
		presenceInterval: defaultPresenceInterval,
		sessions:         make(map[string]*Session),
	}
}

// SetHooks wires the inbound dispatch and state listener. Must be called
// before Start; sessions capture the hooks on creation.
func (r *Registry) SetHooks(handler InboundHandler, listener StateListener) {
	r.handler = handler
	r.listener = listener
}

// Start begins background work (presence refresh) and anchors the lifetime
// of all session goroutines to ctx.
func (r *Registry) Start(ctx context.Context) {
	r.runCtx, r.cancel = context.WithCancel(ctx)
	if r.redis != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.presenceLoop(r.runCtx)
		}()
	}
}

// Stop closes every session and waits for their goroutines.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
	r.wg.Wait()
}

// Attach verifies the credentials and binds the transport to the server's
// session, creating it on first contact. An existing live connection for
// the same server id is superseded: a stale game-server process may have
// died without a clean close, so the newest connection wins.
func (r *Registry) Attach(ctx context.Context, serverID, token string, t Transport) (*Session, error) {
	if err := r.verifier.Verify(serverID, token); err != nil {
		_ = t.Close(CloseAuthFailure, "authentication failed")
		return nil, err
	}

	session := r.ensureSession(serverID, nil)

	ack, err := protocol.New(protocol.TypeConnectionAck, serverID, protocol.ConnectionAckPayload{ServerID: serverID})
	if err == nil {
		if data, encErr := protocol.Encode(ack); encErr == nil {
			if writeErr := t.Write(data); writeErr != nil {
				r.logger.Warn().Err(writeErr).Str("server_id", serverID).Msg("failed to send connection ack")
			}
		}
	}

	session.Bind(t)
	return session, nil
}

// AddDialSession registers a server the gateway connects to itself.
func (r *Registry) AddDialSession(serverID string, dial DialFunc) *Session {
	return r.ensureSession(serverID, dial)
}

func (r *Registry) ensureSession(serverID string, dial DialFunc) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[serverID]; ok {
		return s
	}
	s := NewSession(serverID, r.cfg, dial, r.handler, r.listener, r.logger)
	r.sessions[serverID] = s

	ctx := r.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		s.Run(ctx)
	}()
	return s
}

// Detach closes the session gracefully and removes it. No retry follows.
func (r *Registry) Detach(serverID string) error {
	r.mu.Lock()
	s, ok := r.sessions[serverID]
	if ok {
		delete(r.sessions, serverID)
	}
	r.mu.Unlock()
	if !ok {
		return ErrServerNotFound
	}
	s.Close()
	if r.redis != nil {
		_ = r.redis.Del(context.Background(), presenceKey(serverID)).Err()
	}
	return nil
}

// Lookup returns the session handling a server id.
func (r *Registry) Lookup(serverID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[serverID]
	if !ok {
		return nil, ErrServerNotFound
	}
	return s, nil
}

// List reports every session ordered by server id.
func (r *Registry) List() []ServerState {
	r.mu.RLock()
	states := make([]ServerState, 0, len(r.sessions))
	for id, s := range r.sessions {
		states = append(states, ServerState{ServerID: id, State: s.State(), LastSeen: s.LastSeen()})
	}
	r.mu.RUnlock()
	sort.Slice(states, func(i, j int) bool { return states[i].ServerID < states[j].ServerID })
	return states
}

func (r *Registry) presenceLoop(ctx context.Context) {
	ticker := time.NewTicker(r.presenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, st := range r.List() {
				if st.State != StateConnected {
					continue
				}
				if err := r.redis.Set(ctx, presenceKey(st.ServerID), time.Now().UnixMilli(), r.presenceTTL).Err(); err != nil {
					r.logger.Warn().Err(err).Str("server_id", st.ServerID).Msg("failed to refresh redis presence")
				}
			}
		}
	}
}

func presenceKey(serverID string) string { return "craftbridge:gateway:server:" + serverID }
