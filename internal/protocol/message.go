package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies the semantic kind of a wire message.
type Type string

const (
	TypeChat           Type = "CHAT"
	TypeCommand        Type = "COMMAND"
	TypeCommandResult  Type = "COMMAND_RESULT"
	TypeStatusRequest  Type = "STATUS_REQUEST"
	TypeStatusResponse Type = "STATUS_RESPONSE"
	TypePlayerEvent    Type = "PLAYER_EVENT"
	TypeBindCodeIssued Type = "BIND_CODE_ISSUED"
	TypeBindConfirm    Type = "BIND_CONFIRM"
	TypeBindResult     Type = "BIND_RESULT"
	TypeError          Type = "ERROR"
	TypePing           Type = "PING"
	TypePong           Type = "PONG"
	TypeConnectionAck  Type = "CONNECTION_ACK"
)

var validTypes = map[Type]struct{}{
	TypeChat:           {},
	TypeCommand:        {},
	TypeCommandResult:  {},
	TypeStatusRequest:  {},
	TypeStatusResponse: {},
	TypePlayerEvent:    {},
	TypeBindCodeIssued: {},
	TypeBindConfirm:    {},
	TypeBindResult:     {},
	TypeError:          {},
	TypePing:           {},
	TypePong:           {},
	TypeConnectionAck:  {},
}

var ErrMalformedMessage = errors.New("malformed message")

// Message is the wire envelope. One message per WebSocket text frame; the
// JSON body is self-delimiting. ID doubles as the correlation id; responses
// carry ReplyTo set to the request's ID.
type Message struct {
	Type      Type            `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	ServerID  string          `json:"server_id,omitempty"`
	ReplyTo   string          `json:"reply_to,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds a message with a fresh id and current timestamp.
func New(t Type, serverID string, payload any) (Message, error) {
	msg := Message{
		Type:      t,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		ServerID:  serverID,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// NewReply builds a response correlated to the given request.
func NewReply(t Type, req Message, payload any) (Message, error) {
	msg, err := New(t, req.ServerID, payload)
	if err != nil {
		return Message{}, err
	}
	msg.ReplyTo = req.ID
	return msg, nil
}

// Encode serializes a message for the wire.
func Encode(msg Message) ([]byte, error) {
	if _, ok := validTypes[msg.Type]; !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, msg.Type)
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedMessage)
	}
	return json.Marshal(msg)
}

// Decode parses a wire frame. Unknown types and missing required fields
// fail with ErrMalformedMessage; unknown extra fields are ignored so newer
// peers can add optional fields without breaking older gateways.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if _, ok := validTypes[msg.Type]; !ok {
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, msg.Type)
	}
	if msg.ID == "" {
		return Message{}, fmt.Errorf("%w: missing id", ErrMalformedMessage)
	}
	return msg, nil
}

// Payload schemas.

// Target addresses a chat message inside the game server.
type Target struct {
	Type       string `json:"type"` // BROADCAST or PLAYER
	PlayerUUID string `json:"player_uuid,omitempty"`
	PlayerName string `json:"player_name,omitempty"`
}

type ChatPayload struct {
	Content string  `json:"content"`
	Sender  string  `json:"sender,omitempty"`
	Target  *Target `json:"target,omitempty"`
}

type CommandPayload struct {
	Command string `json:"command"`
}

type CommandResultPayload struct {
	Command string `json:"command"`
	Output  string `json:"output,omitempty"`
	Success bool   `json:"success"`
}

type StatusRequestPayload struct {
	Scope string `json:"scope"` // status or players
}

const (
	ScopeStatus  = "status"
	ScopePlayers = "players"
)

// MemoryUsage is part of a status snapshot.
type MemoryUsage struct {
	UsedMB int `json:"used_mb"`
	MaxMB  int `json:"max_mb"`
}

// StatusSnapshot is an immutable point-in-time view of a game server.
type StatusSnapshot struct {
	Online        bool         `json:"online"`
	Version       string       `json:"version,omitempty"`
	OnlinePlayers int          `json:"online_players"`
	MaxPlayers    int          `json:"max_players"`
	TPS           []float64    `json:"tps,omitempty"`
	Memory        *MemoryUsage `json:"memory,omitempty"`
	Players       []string     `json:"players,omitempty"`
}

// PlayerInfo is one entry of a player list.
type PlayerInfo struct {
	Name      string  `json:"name"`
	UUID      string  `json:"uuid,omitempty"`
	Health    float64 `json:"health,omitempty"`
	MaxHealth float64 `json:"max_health,omitempty"`
	Level     int     `json:"level,omitempty"`
	Gamemode  string  `json:"gamemode,omitempty"`
	World     string  `json:"world,omitempty"`
	PingMS    int     `json:"ping_ms,omitempty"`
}

// PlayerList is an immutable point-in-time player listing.
type PlayerList struct {
	Online  int          `json:"online"`
	Max     int          `json:"max"`
	Players []PlayerInfo `json:"players,omitempty"`
}

type StatusResponsePayload struct {
	Scope   string          `json:"scope"`
	Status  *StatusSnapshot `json:"status,omitempty"`
	Players *PlayerList     `json:"players,omitempty"`
}

const (
	PlayerEventJoin  = "join"
	PlayerEventLeave = "leave"
)

type PlayerEventPayload struct {
	Kind       string `json:"kind"` // join or leave
	PlayerName string `json:"player_name"`
	PlayerUUID string `json:"player_uuid,omitempty"`
}

type BindCodeIssuedPayload struct {
	Code       string `json:"code"`
	PlayerUUID string `json:"player_uuid"`
	PlayerName string `json:"player_name,omitempty"`
	ExpiresAt  int64  `json:"expires_at,omitempty"`
}

type BindConfirmPayload struct {
	Code      string `json:"code"`
	Platform  string `json:"platform"`
	AccountID string `json:"account_id"`
}

type BindResultPayload struct {
	Code    string `json:"code"`
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type ConnectionAckPayload struct {
	ServerID string `json:"server_id"`
}

// DecodePayload decodes the payload into its typed schema by message type.
// PING, PONG and messages without payload decode to nil.
func DecodePayload(msg Message) (any, error) {
	decode := func(v any) (any, error) {
		if len(msg.Payload) == 0 {
			return nil, fmt.Errorf("%w: %s missing payload", ErrMalformedMessage, msg.Type)
		}
		if err := json.Unmarshal(msg.Payload, v); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, msg.Type, err)
		}
		return v, nil
	}

	switch msg.Type {
	case TypeChat:
		return decode(&ChatPayload{})
	case TypeCommand:
		return decode(&CommandPayload{})
	case TypeCommandResult:
		return decode(&CommandResultPayload{})
	case TypeStatusRequest:
		return decode(&StatusRequestPayload{})
	case TypeStatusResponse:
		return decode(&StatusResponsePayload{})
	case TypePlayerEvent:
		return decode(&PlayerEventPayload{})
	case TypeBindCodeIssued:
		return decode(&BindCodeIssuedPayload{})
	case TypeBindConfirm:
		return decode(&BindConfirmPayload{})
	case TypeBindResult:
		return decode(&BindResultPayload{})
	case TypeError:
		return decode(&ErrorPayload{})
	case TypeConnectionAck:
		return decode(&ConnectionAckPayload{})
	case TypePing, TypePong:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, msg.Type)
	}
}
