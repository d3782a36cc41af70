package status

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/craftbridge/craftbridge/internal/protocol"
)

// ErrTimeout wraps context.DeadlineExceeded so HTTP handlers can map both
// the facade's own timer and a caller deadline to the same response.
var ErrTimeout = fmt.Errorf("status query timed out: %w", context.DeadlineExceeded)

// ErrNoStatusSource means the server is unreachable over the socket and has
// no REST endpoint configured.
var ErrNoStatusSource = errors.New("no status source available")

// Sender delivers a wire message to a connected game server.
type Sender interface {
	Send(serverID string, msg protocol.Message) error
}

// Fallback answers status questions over the game server's REST endpoint
// when the socket path is unavailable.
type Fallback interface {
	Has(serverID string) bool
	Status(ctx context.Context, serverID string) (*protocol.StatusSnapshot, error)
	Players(ctx context.Context, serverID string) (*protocol.PlayerList, error)
}

// Facade turns the asynchronous request/response status exchange into
// blocking calls. Responses are matched to callers by correlation id, so any
// number of queries may be outstanding per server.
type Facade struct {
	logger   zerolog.Logger
	sender   Sender
	fallback Fallback // may be nil
	timeout  time.Duration

	mu      sync.Mutex
	waiters map[string]chan protocol.StatusResponsePayload
}

func NewFacade(logger zerolog.Logger, sender Sender, fallback Fallback, timeout time.Duration) *Facade {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Facade{
		logger:   logger,
		sender:   sender,
		fallback: fallback,
		timeout:  timeout,
		waiters:  make(map[string]chan protocol.StatusResponsePayload),
	}
}

// QueryStatus fetches a point-in-time snapshot of one server.
func (f *Facade) QueryStatus(ctx context.Context, serverID string) (*protocol.StatusSnapshot, error) {
	resp, err := f.query(ctx, serverID, protocol.ScopeStatus)
	if err != nil {
		if f.useFallback(serverID, err) {
			return f.fallback.Status(ctx, serverID)
		}
		return nil, err
	}
	if resp.Status == nil {
		return nil, fmt.Errorf("%s answered without a status body", serverID)
	}
	return resp.Status, nil
}

// QueryPlayers fetches the current player list of one server.
func (f *Facade) QueryPlayers(ctx context.Context, serverID string) (*protocol.PlayerList, error) {
	resp, err := f.query(ctx, serverID, protocol.ScopePlayers)
	if err != nil {
		if f.useFallback(serverID, err) {
			return f.fallback.Players(ctx, serverID)
		}
		return nil, err
	}
	if resp.Players == nil {
		return nil, fmt.Errorf("%s answered without a player list", serverID)
	}
	return resp.Players, nil
}

// useFallback decides whether the REST fallback answers instead. It only
// steps in for send failures ("request never left the gateway", worth
// polling), never for timeouts ("server did not answer", it is not), and
// only when the server has an endpoint configured. A send failure without
// an endpoint keeps its own error, typically ErrServerNotConnected.
func (f *Facade) useFallback(serverID string, err error) bool {
	if f.fallback == nil || !f.fallback.Has(serverID) {
		return false
	}
	return !errors.Is(err, ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled)
}

func (f *Facade) query(ctx context.Context, serverID, scope string) (protocol.StatusResponsePayload, error) {
	msg, err := protocol.New(protocol.TypeStatusRequest, serverID, protocol.StatusRequestPayload{Scope: scope})
	if err != nil {
		return protocol.StatusResponsePayload{}, err
	}

	ch := make(chan protocol.StatusResponsePayload, 1)
	f.mu.Lock()
	f.waiters[msg.ID] = ch
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.waiters, msg.ID)
		f.mu.Unlock()
	}()

	if err := f.sender.Send(serverID, msg); err != nil {
		return protocol.StatusResponsePayload{}, err
	}

	timer := time.NewTimer(f.timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return protocol.StatusResponsePayload{}, ctx.Err()
	case <-timer.C:
		return protocol.StatusResponsePayload{}, ErrTimeout
	case resp := <-ch:
		return resp, nil
	}
}

// HandleResponse demultiplexes one STATUS_RESPONSE back to its caller.
// A response that matches no waiter is dropped; the caller has already
// timed out and a late answer must not leak to the next query.
func (f *Facade) HandleResponse(serverID string, msg protocol.Message) {
	decoded, err := protocol.DecodePayload(msg)
	if err != nil {
		f.logger.Warn().Err(err).Str("server_id", serverID).Msg("dropping bad status response")
		return
	}
	payload := decoded.(*protocol.StatusResponsePayload)

	f.mu.Lock()
	ch, ok := f.waiters[msg.ReplyTo]
	if ok {
		delete(f.waiters, msg.ReplyTo)
	}
	f.mu.Unlock()
	if !ok {
		f.logger.Debug().Str("server_id", serverID).Str("reply_to", msg.ReplyTo).Msg("unmatched status response")
		return
	}
	ch <- *payload
}

// Outstanding reports how many queries currently wait for an answer.
func (f *Facade) Outstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}
