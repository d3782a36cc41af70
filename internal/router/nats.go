package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/craftbridge/craftbridge/internal/contracts"
	"github.com/craftbridge/craftbridge/internal/protocol"
)

const commandTimeout = 30 * time.Second

// NATSDeliverer publishes contract envelopes on the bus and consumes the
// platform-to-gateway subjects.
type NATSDeliverer struct {
	nc     *nats.Conn
	logger zerolog.Logger
}

func NewNATSDeliverer(nc *nats.Conn, logger zerolog.Logger) *NATSDeliverer {
	return &NATSDeliverer{nc: nc, logger: logger}
}

// Publish implements Deliverer.
func (d *NATSDeliverer) Publish(_ context.Context, eventType contracts.EventType, serverID string, payload any) error {
	subject, err := contracts.SubjectForType(eventType)
	if err != nil {
		return err
	}
	raw, err := contracts.MarshalV1(uuid.NewString(), eventType, time.Now().UTC(), "", serverID, payload)
	if err != nil {
		return err
	}
	return d.nc.Publish(subject, raw)
}

// SubscribeSendToServer consumes platform-originated messages destined for a
// game server and hands them to route (typically Router.RouteOutbound).
func (d *NATSDeliverer) SubscribeSendToServer(route func(serverID string, msg protocol.Message) error) (*nats.Subscription, error) {
	return d.nc.Subscribe(contracts.SubjectSendToServer, func(m *nats.Msg) {
		env, err := contracts.UnmarshalEnvelope(m.Data)
		if err != nil {
			d.logger.Warn().Err(err).Msg("dropping bad send_to_server envelope")
			return
		}
		decoded, err := contracts.DecodeV1Payload(env)
		if err != nil {
			d.logger.Warn().Err(err).Msg("dropping bad send_to_server payload")
			return
		}
		payload := decoded.(contracts.SendToServerV1)
		msg, err := protocol.Decode(payload.Message)
		if err != nil {
			d.logger.Warn().Err(err).Str("server_id", payload.ServerID).Msg("dropping malformed outbound message")
			return
		}
		if err := route(payload.ServerID, msg); err != nil {
			d.logger.Warn().Err(err).Str("server_id", payload.ServerID).Msg("outbound routing failed")
		}
	})
}

// SubscribeCommands serves the request/reply command subject. Each request
// runs in its own goroutine since commands may block on a live status query.
func (d *NATSDeliverer) SubscribeCommands(execute func(ctx context.Context, req contracts.CommandRequestV1) contracts.CommandReplyV1) (*nats.Subscription, error) {
	return d.nc.Subscribe(contracts.SubjectCommandRequest, func(m *nats.Msg) {
		env, err := contracts.UnmarshalEnvelope(m.Data)
		if err != nil {
			d.logger.Warn().Err(err).Msg("dropping bad command envelope")
			return
		}
		decoded, err := contracts.DecodeV1Payload(env)
		if err != nil {
			d.logger.Warn().Err(err).Msg("dropping bad command payload")
			return
		}
		req := decoded.(contracts.CommandRequestV1)

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			reply := execute(ctx, req)
			data, err := json.Marshal(reply)
			if err != nil {
				d.logger.Error().Err(err).Msg("failed to marshal command reply")
				return
			}
			if err := m.Respond(data); err != nil {
				d.logger.Warn().Err(err).Str("command", req.Name).Msg("failed to respond to command")
			}
		}()
	})
}
