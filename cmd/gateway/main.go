package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/craftbridge/craftbridge/internal/auth"
	"github.com/craftbridge/craftbridge/internal/binding"
	"github.com/craftbridge/craftbridge/internal/commands"
	"github.com/craftbridge/craftbridge/internal/gateway"
	"github.com/craftbridge/craftbridge/internal/protocol"
	"github.com/craftbridge/craftbridge/internal/router"
	"github.com/craftbridge/craftbridge/internal/status"
	"github.com/craftbridge/craftbridge/pkg/bus"
	"github.com/craftbridge/craftbridge/pkg/config"
	"github.com/craftbridge/craftbridge/pkg/httpserver"
	"github.com/craftbridge/craftbridge/pkg/logging"
	"github.com/craftbridge/craftbridge/pkg/storage"
)

func main() {
	cfg, err := config.Load("gateway")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New(cfg.AppName, cfg.ServiceName, cfg.Env)

	db, err := storage.NewPostgres(cfg.PostgresURL)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer db.Close()

	redisClient := storage.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	nc, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		log.Fatalf("nats: %v", err)
	}
	defer nc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverAuth := cfg.ServerAuth()
	verifier := auth.NewVerifier(serverAuth)

	sessionCfg := gateway.SessionConfig{
		QueueCap:          cfg.SendQueueCap,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		ReconnectBase:     cfg.ReconnectBase,
		ReconnectMax:      cfg.ReconnectMax,
		ReconnectAttempts: cfg.ReconnectAttempts,
	}
	registry := gateway.NewRegistry(logger, verifier, redisClient, sessionCfg)

	deliverer := router.NewNATSDeliverer(nc, logger)
	rt := router.New(logger, forwardTargets(cfg), deliverer, registry)

	immediate := senderFunc(func(serverID string, msg protocol.Message) error {
		return rt.RouteOutbound(serverID, msg, gateway.SendImmediate)
	})
	queued := func(serverID string, msg protocol.Message) error {
		return rt.RouteOutbound(serverID, msg, gateway.SendQueued)
	}
	// status queries never queue: a server that is not connected answers
	// over the REST fallback or fails right away
	live := senderFunc(func(serverID string, msg protocol.Message) error {
		return rt.RouteOutbound(serverID, msg, gateway.SendLive)
	})

	restClient := status.NewRESTClient(cfg.RestEndpoints, serverAuth)
	facade := status.NewFacade(logger, live, restClient, cfg.QueryTimeout)

	repo := binding.NewPostgresLinkRepository(db)
	coordinator := binding.NewCoordinator(logger, cfg.BindingTTL, immediate, deliverer, repo)
	go coordinator.Run(ctx, time.Minute)

	dispatcher := commands.NewDispatcher(logger, facade, immediate, coordinator, registryControl{registry}, cfg.QueryTimeout)

	registry.SetHooks(demux(logger, rt, facade, coordinator, dispatcher), rt)
	registry.Start(ctx)
	defer registry.Stop()

	for serverID, endpoint := range cfg.DialEndpoints {
		token, ok := serverAuth[serverID]
		if !ok {
			logger.Warn().Str("server_id", serverID).Msg("dial endpoint configured without a token, skipping")
			continue
		}
		registry.AddDialSession(serverID, gateway.WSDialer(endpoint, serverID, token))
		logger.Info().Str("server_id", serverID).Str("endpoint", endpoint).Msg("registered dial session")
	}

	sendSub, err := deliverer.SubscribeSendToServer(queued)
	if err != nil {
		log.Fatalf("subscribe to send_to_server subject: %v", err)
	}
	defer func() { _ = sendSub.Unsubscribe() }()

	cmdSub, err := deliverer.SubscribeCommands(dispatcher.Execute)
	if err != nil {
		log.Fatalf("subscribe to command subject: %v", err)
	}
	defer func() { _ = cmdSub.Unsubscribe() }()

	mux := httpserver.NewMux(cfg.ServiceName)
	gateway.NewListener(logger, registry).Register(mux)
	gateway.NewAPI(logger, registry, facade, repo, cfg.QueryTimeout).Register(mux)

	if err := httpserver.Run(ctx, logger, cfg.HTTPPort, mux, cfg.ShutdownTimeout); err != nil {
		log.Fatalf("gateway service failed: %v", err)
	}
}

// demux routes inbound wire messages to the component that owns the type.
// Anything platform-facing goes through the router's fan-out.
func demux(logger zerolog.Logger, rt *router.Router, facade *status.Facade, coordinator *binding.Coordinator, dispatcher *commands.Dispatcher) gateway.InboundHandler {
	return func(serverID string, msg protocol.Message) {
		switch msg.Type {
		case protocol.TypeStatusResponse:
			facade.HandleResponse(serverID, msg)
		case protocol.TypeCommandResult:
			dispatcher.HandleCommandResult(serverID, msg)
		case protocol.TypeBindCodeIssued:
			decoded, err := protocol.DecodePayload(msg)
			if err != nil {
				logger.Warn().Err(err).Str("server_id", serverID).Msg("dropping bad bind code")
				return
			}
			coordinator.Adopt(context.Background(), serverID, *decoded.(*protocol.BindCodeIssuedPayload))
		case protocol.TypeBindResult:
			decoded, err := protocol.DecodePayload(msg)
			if err != nil {
				logger.Warn().Err(err).Str("server_id", serverID).Msg("dropping bad bind result")
				return
			}
			coordinator.HandleBindResult(context.Background(), serverID, *decoded.(*protocol.BindResultPayload))
		case protocol.TypeError:
			decoded, err := protocol.DecodePayload(msg)
			if err != nil {
				logger.Warn().Err(err).Str("server_id", serverID).Msg("dropping bad error message")
				return
			}
			p := decoded.(*protocol.ErrorPayload)
			logger.Warn().Str("server_id", serverID).Str("code", p.Code).Str("message", p.Message).Msg("error reported by game server")
		default:
			rt.ForwardInbound(serverID, msg)
		}
	}
}

type senderFunc func(serverID string, msg protocol.Message) error

func (f senderFunc) Send(serverID string, msg protocol.Message) error { return f(serverID, msg) }

// registryControl adapts the registry to the command surface.
type registryControl struct {
	registry *gateway.Registry
}

func (c registryControl) Reconnect(serverID string) error {
	session, err := c.registry.Lookup(serverID)
	if err != nil {
		return err
	}
	session.Reconnect()
	return nil
}

func (c registryControl) Servers() []commands.ServerLine {
	states := c.registry.List()
	lines := make([]commands.ServerLine, 0, len(states))
	for _, st := range states {
		lines = append(lines, commands.ServerLine{
			ServerID: st.ServerID,
			State:    st.State.String(),
			LastSeen: st.LastSeen,
		})
	}
	return lines
}

// forwardTargets converts the config representation into router targets.
func forwardTargets(cfg config.Config) map[string][]router.Target {
	targets := make(map[string][]router.Target, len(cfg.ForwardTargets))
	for serverID, list := range cfg.ForwardTargets {
		converted := make([]router.Target, 0, len(list))
		for _, t := range list {
			converted = append(converted, router.Target{
				Platform:    t.Platform,
				MessageType: t.MessageType,
				SessionID:   t.SessionID,
			})
		}
		targets[serverID] = converted
	}
	return targets
}
