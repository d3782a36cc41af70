package router

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/craftbridge/craftbridge/internal/contracts"
	"github.com/craftbridge/craftbridge/internal/gateway"
	"github.com/craftbridge/craftbridge/internal/protocol"
)

// Target names one chat-platform destination for inbound game events.
type Target struct {
	Platform    string
	MessageType string
	SessionID   string
}

// Deliverer publishes contract events towards the chat-platform side.
type Deliverer interface {
	Publish(ctx context.Context, eventType contracts.EventType, serverID string, payload any) error
}

// SessionLookup resolves the session owning a server id.
type SessionLookup interface {
	Lookup(serverID string) (*gateway.Session, error)
}

const publishTimeout = 5 * time.Second

// Router fans inbound game events out to their configured targets and
// routes outbound platform messages to the owning session.
type Router struct {
	logger   zerolog.Logger
	targets  map[string][]Target
	delivery Deliverer
	sessions SessionLookup
}

func New(logger zerolog.Logger, targets map[string][]Target, delivery Deliverer, sessions SessionLookup) *Router {
	return &Router{logger: logger, targets: targets, delivery: delivery, sessions: sessions}
}

// ForwardInbound delivers one game-server event to every configured target.
// A server with no targets is a silent no-op; misconfiguration must not take
// the session down.
func (r *Router) ForwardInbound(serverID string, msg protocol.Message) {
	targets := r.targets[serverID]
	if len(targets) == 0 {
		r.logger.Debug().Str("server_id", serverID).Str("type", string(msg.Type)).Msg("no forward targets, dropping")
		return
	}

	content, player, playerUUID, ok := r.render(serverID, msg)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for _, target := range targets {
		forwarded := contracts.MessageForwardedV1{
			Platform:    target.Platform,
			MessageType: target.MessageType,
			SessionID:   target.SessionID,
			ServerID:    serverID,
			Content:     content,
			Player:      player,
			PlayerUUID:  playerUUID,
		}
		if err := r.delivery.Publish(ctx, contracts.EventMessageForwarded, serverID, forwarded); err != nil {
			r.logger.Error().Err(err).
				Str("server_id", serverID).
				Str("platform", target.Platform).
				Str("session_id", target.SessionID).
				Msg("failed to deliver forwarded message")
		}
	}
}

// render turns a wire message into forwardable text. Types that are not
// platform-facing return ok=false.
func (r *Router) render(serverID string, msg protocol.Message) (content, player, playerUUID string, ok bool) {
	decoded, err := protocol.DecodePayload(msg)
	if err != nil {
		r.logger.Warn().Err(err).Str("server_id", serverID).Msg("dropping message with bad payload")
		return "", "", "", false
	}

	switch p := decoded.(type) {
	case *protocol.ChatPayload:
		return p.Content, p.Sender, "", true
	case *protocol.PlayerEventPayload:
		switch p.Kind {
		case protocol.PlayerEventJoin:
			return p.PlayerName + " joined the game", p.PlayerName, p.PlayerUUID, true
		case protocol.PlayerEventLeave:
			return p.PlayerName + " left the game", p.PlayerName, p.PlayerUUID, true
		default:
			r.logger.Warn().Str("kind", p.Kind).Msg("unknown player event kind")
			return "", "", "", false
		}
	default:
		r.logger.Debug().Str("type", string(msg.Type)).Msg("message type is not forwardable")
		return "", "", "", false
	}
}

// RouteOutbound sends a platform-originated message to its server.
func (r *Router) RouteOutbound(serverID string, msg protocol.Message, mode gateway.SendMode) error {
	session, err := r.sessions.Lookup(serverID)
	if err != nil {
		return err
	}
	return session.Send(msg, mode)
}

// ServerOnline implements gateway.StateListener.
func (r *Router) ServerOnline(serverID string) {
	r.publishState(contracts.EventServerOnline, serverID, "connected")
}

// ServerOffline implements gateway.StateListener.
func (r *Router) ServerOffline(serverID string) {
	r.publishState(contracts.EventServerOffline, serverID, "reconnecting")
}

func (r *Router) publishState(eventType contracts.EventType, serverID, state string) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	payload := contracts.ServerStateV1{ServerID: serverID, State: state}
	if err := r.delivery.Publish(ctx, eventType, serverID, payload); err != nil {
		r.logger.Error().Err(err).Str("server_id", serverID).Str("event", string(eventType)).Msg("failed to publish server state")
	}
}
