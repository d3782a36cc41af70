package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType identifies the semantic event kind published on the bus for the
// chat-platform side.
type EventType string

const (
	EventServerOnline     EventType = "server.online"
	EventServerOffline    EventType = "server.offline"
	EventMessageForwarded EventType = "message.forwarded"
	EventBindingIssued    EventType = "binding.code_issued"
	EventBindingConfirmed EventType = "binding.confirmed"
	EventBindingExpired   EventType = "binding.expired"
	EventSendToServer     EventType = "gateway.send_to_server"
	EventCommandRequest   EventType = "gateway.command"
)

var validEventTypes = map[EventType]struct{}{
	EventServerOnline:     {},
	EventServerOffline:    {},
	EventMessageForwarded: {},
	EventBindingIssued:    {},
	EventBindingConfirmed: {},
	EventBindingExpired:   {},
	EventSendToServer:     {},
	EventCommandRequest:   {},
}

// Envelope is the JSON-serializable event envelope shared with platform
// adapters.
type Envelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	TS            time.Time       `json:"ts"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	ServerID      string          `json:"server_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

var ErrInvalidEventType = errors.New("invalid event type")

// ValidateEventType verifies whether the provided event type is known.
func ValidateEventType(eventType EventType) error {
	if _, ok := validEventTypes[eventType]; !ok {
		return fmt.Errorf("%w: %s", ErrInvalidEventType, eventType)
	}
	return nil
}

// MarshalV1 marshals an envelope with a v1 payload struct.
func MarshalV1[T any](id string, eventType EventType, ts time.Time, correlationID, serverID string, payload T) ([]byte, error) {
	if err := ValidateEventType(eventType); err != nil {
		return nil, err
	}

	payloadRaw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	env := Envelope{
		ID:            id,
		Type:          eventType,
		TS:            ts,
		CorrelationID: correlationID,
		ServerID:      serverID,
		Payload:       payloadRaw,
	}

	return json.Marshal(env)
}

// UnmarshalEnvelope unmarshals and validates an event envelope.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if err := ValidateEventType(env.Type); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// V1 payload schemas.

type ServerStateV1 struct {
	ServerID string `json:"server_id"`
	State    string `json:"state"`
}

// MessageForwardedV1 is one delivery to a configured forward target.
type MessageForwardedV1 struct {
	Platform    string `json:"platform"`
	MessageType string `json:"message_type"`
	SessionID   string `json:"session_id"`
	ServerID    string `json:"server_id"`
	Content     string `json:"content"`
	Player      string `json:"player,omitempty"`
	PlayerUUID  string `json:"player_uuid,omitempty"`
}

// BindingIssuedV1 is delivered as a private, per-player notification.
type BindingIssuedV1 struct {
	ServerID   string `json:"server_id"`
	Code       string `json:"code"`
	PlayerUUID string `json:"player_uuid"`
	PlayerName string `json:"player_name,omitempty"`
	IssuedAt   int64  `json:"issued_at"`
	ExpiresAt  int64  `json:"expires_at"`
}

type BindingConfirmedV1 struct {
	ServerID   string `json:"server_id"`
	Code       string `json:"code"`
	PlayerUUID string `json:"player_uuid"`
	Platform   string `json:"platform"`
	AccountID  string `json:"account_id"`
}

type BindingExpiredV1 struct {
	ServerID   string `json:"server_id"`
	Code       string `json:"code"`
	PlayerUUID string `json:"player_uuid"`
}

type SendToServerV1 struct {
	ServerID string          `json:"server_id"`
	Message  json.RawMessage `json:"message"`
}

// CommandRequestV1 carries one already-parsed chat command; the gateway
// replies with CommandReplyV1 over NATS request/reply.
type CommandRequestV1 struct {
	ServerID string `json:"server_id"`
	Name     string `json:"name"`
	Args     string `json:"args,omitempty"`
	Platform string `json:"platform,omitempty"`
	Sender   string `json:"sender,omitempty"`
}

type CommandReplyV1 struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// DecodeV1Payload decodes the payload into a v1 schema by event type.
func DecodeV1Payload(env Envelope) (any, error) {
	switch env.Type {
	case EventServerOnline, EventServerOffline:
		var payload ServerStateV1
		return payload, json.Unmarshal(env.Payload, &payload)
	case EventMessageForwarded:
		var payload MessageForwardedV1
		return payload, json.Unmarshal(env.Payload, &payload)
	case EventBindingIssued:
		var payload BindingIssuedV1
		return payload, json.Unmarshal(env.Payload, &payload)
	case EventBindingConfirmed:
		var payload BindingConfirmedV1
		return payload, json.Unmarshal(env.Payload, &payload)
	case EventBindingExpired:
		var payload BindingExpiredV1
		return payload, json.Unmarshal(env.Payload, &payload)
	case EventSendToServer:
		var payload SendToServerV1
		return payload, json.Unmarshal(env.Payload, &payload)
	case EventCommandRequest:
		var payload CommandRequestV1
		return payload, json.Unmarshal(env.Payload, &payload)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidEventType, env.Type)
	}
}

// NATS subject mapping.
const (
	SubjectServerOnline     = "craftbridge.server.online"
	SubjectServerOffline    = "craftbridge.server.offline"
	SubjectMessageForwarded = "craftbridge.message.forwarded"
	SubjectBindingIssued    = "craftbridge.binding.code_issued"
	SubjectBindingConfirmed = "craftbridge.binding.confirmed"
	SubjectBindingExpired   = "craftbridge.binding.expired"
	SubjectSendToServer     = "craftbridge.gateway.send_to_server"
	SubjectCommandRequest   = "craftbridge.gateway.command"
)

// SubjectForType maps a contract event type to its NATS subject.
func SubjectForType(eventType EventType) (string, error) {
	switch eventType {
	case EventServerOnline:
		return SubjectServerOnline, nil
	case EventServerOffline:
		return SubjectServerOffline, nil
	case EventMessageForwarded:
		return SubjectMessageForwarded, nil
	case EventBindingIssued:
		return SubjectBindingIssued, nil
	case EventBindingConfirmed:
		return SubjectBindingConfirmed, nil
	case EventBindingExpired:
		return SubjectBindingExpired, nil
	case EventSendToServer:
		return SubjectSendToServer, nil
	case EventCommandRequest:
		return SubjectCommandRequest, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidEventType, eventType)
	}
}
