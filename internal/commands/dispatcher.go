package commands

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/craftbridge/craftbridge/internal/contracts"
	"github.com/craftbridge/craftbridge/internal/protocol"
)

// StatusQuerier resolves live status questions against a connected server.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, serverID string) (*protocol.StatusSnapshot, error)
	QueryPlayers(ctx context.Context, serverID string) (*protocol.PlayerList, error)
}

// Sender delivers a wire message to a connected game server.
type Sender interface {
	Send(serverID string, msg protocol.Message) error
}

// Binder confirms pending account-binding codes.
type Binder interface {
	Confirm(ctx context.Context, serverID, code, platform, accountID string) error
}

// Controller exposes the session-control operations chat commands need.
type Controller interface {
	Reconnect(serverID string) error
	Servers() []ServerLine
}

// ServerLine is one row of the list command output.
type ServerLine struct {
	ServerID string
	State    string
	LastSeen time.Time
}

// Dispatcher executes parsed chat commands against the gateway. Replies are
// plain text ready for any chat platform.
type Dispatcher struct {
	logger  zerolog.Logger
	querier StatusQuerier
	sender  Sender
	binder  Binder
	control Controller
	timeout time.Duration

	mu      sync.Mutex
	waiters map[string]chan protocol.CommandResultPayload
}

func NewDispatcher(logger zerolog.Logger, querier StatusQuerier, sender Sender, binder Binder, control Controller, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		logger:  logger,
		querier: querier,
		sender:  sender,
		binder:  binder,
		control: control,
		timeout: timeout,
		waiters: make(map[string]chan protocol.CommandResultPayload),
	}
}

// Execute runs one command and renders the reply.
func (d *Dispatcher) Execute(ctx context.Context, req contracts.CommandRequestV1) contracts.CommandReplyV1 {
	switch strings.ToLower(strings.TrimSpace(req.Name)) {
	case "status":
		return d.status(ctx, req.ServerID)
	case "players":
		return d.players(ctx, req.ServerID)
	case "say":
		return d.say(req)
	case "cmd":
		return d.cmd(ctx, req)
	case "bind":
		return d.bind(ctx, req)
	case "info":
		return d.info(ctx, req.ServerID)
	case "reconnect":
		return d.reconnect(req.ServerID)
	case "list":
		return d.list()
	case "help", "":
		return contracts.CommandReplyV1{Text: HelpText()}
	default:
		return contracts.CommandReplyV1{Error: fmt.Sprintf("unknown command %q, try help", req.Name)}
	}
}

func (d *Dispatcher) status(ctx context.Context, serverID string) contracts.CommandReplyV1 {
	snapshot, err := d.querier.QueryStatus(ctx, serverID)
	if err != nil {
		return errorReply(serverID, err)
	}
	return contracts.CommandReplyV1{Text: FormatStatus(serverID, snapshot)}
}

func (d *Dispatcher) players(ctx context.Context, serverID string) contracts.CommandReplyV1 {
	list, err := d.querier.QueryPlayers(ctx, serverID)
	if err != nil {
		return errorReply(serverID, err)
	}
	return contracts.CommandReplyV1{Text: FormatPlayers(serverID, list)}
}

func (d *Dispatcher) info(ctx context.Context, serverID string) contracts.CommandReplyV1 {
	snapshot, err := d.querier.QueryStatus(ctx, serverID)
	if err != nil {
		return errorReply(serverID, err)
	}
	return contracts.CommandReplyV1{Text: FormatInfo(serverID, snapshot)}
}

func (d *Dispatcher) say(req contracts.CommandRequestV1) contracts.CommandReplyV1 {
	text := strings.TrimSpace(req.Args)
	if text == "" {
		return contracts.CommandReplyV1{Error: "usage: say <message>"}
	}
	msg, err := protocol.New(protocol.TypeChat, req.ServerID, protocol.ChatPayload{
		Content: text,
		Sender:  req.Sender,
		Target:  &protocol.Target{Type: "BROADCAST"},
	})
	if err != nil {
		return errorReply(req.ServerID, err)
	}
	if err := d.sender.Send(req.ServerID, msg); err != nil {
		return errorReply(req.ServerID, err)
	}
	return contracts.CommandReplyV1{Text: fmt.Sprintf("Message sent to %s.", req.ServerID)}
}

// cmd runs a console command on the server and waits for its output.
func (d *Dispatcher) cmd(ctx context.Context, req contracts.CommandRequestV1) contracts.CommandReplyV1 {
	command := strings.TrimSpace(req.Args)
	if command == "" {
		return contracts.CommandReplyV1{Error: "usage: cmd <console command>"}
	}
	msg, err := protocol.New(protocol.TypeCommand, req.ServerID, protocol.CommandPayload{Command: command})
	if err != nil {
		return errorReply(req.ServerID, err)
	}

	ch := make(chan protocol.CommandResultPayload, 1)
	d.mu.Lock()
	d.waiters[msg.ID] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.waiters, msg.ID)
		d.mu.Unlock()
	}()

	if err := d.sender.Send(req.ServerID, msg); err != nil {
		return errorReply(req.ServerID, err)
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errorReply(req.ServerID, ctx.Err())
	case <-timer.C:
		return contracts.CommandReplyV1{Error: fmt.Sprintf("%s did not report a result in time", req.ServerID)}
	case result := <-ch:
		return contracts.CommandReplyV1{Text: FormatCommandResult(req.ServerID, result)}
	}
}

// HandleCommandResult settles a waiting cmd invocation. Unmatched results
// are dropped, the caller has already given up.
func (d *Dispatcher) HandleCommandResult(serverID string, msg protocol.Message) {
	decoded, err := protocol.DecodePayload(msg)
	if err != nil {
		d.logger.Warn().Err(err).Str("server_id", serverID).Msg("dropping bad command result")
		return
	}
	payload := decoded.(*protocol.CommandResultPayload)

	d.mu.Lock()
	ch, ok := d.waiters[msg.ReplyTo]
	if ok {
		delete(d.waiters, msg.ReplyTo)
	}
	d.mu.Unlock()
	if !ok {
		d.logger.Debug().Str("server_id", serverID).Str("reply_to", msg.ReplyTo).Msg("unmatched command result")
		return
	}
	ch <- *payload
}

// bind claims a pending binding code for the requesting platform account.
func (d *Dispatcher) bind(ctx context.Context, req contracts.CommandRequestV1) contracts.CommandReplyV1 {
	code := strings.TrimSpace(req.Args)
	if code == "" {
		return contracts.CommandReplyV1{Error: "usage: bind <code>"}
	}
	if req.Sender == "" {
		return contracts.CommandReplyV1{Error: "bind requires the requesting account"}
	}
	if err := d.binder.Confirm(ctx, req.ServerID, code, req.Platform, req.Sender); err != nil {
		return errorReply(req.ServerID, err)
	}
	return contracts.CommandReplyV1{Text: "Binding code accepted, waiting for the server to confirm."}
}

func (d *Dispatcher) reconnect(serverID string) contracts.CommandReplyV1 {
	if err := d.control.Reconnect(serverID); err != nil {
		return errorReply(serverID, err)
	}
	return contracts.CommandReplyV1{Text: fmt.Sprintf("Reconnect requested for %s.", serverID)}
}

func (d *Dispatcher) list() contracts.CommandReplyV1 {
	return contracts.CommandReplyV1{Text: FormatServers(d.control.Servers())}
}

func errorReply(serverID string, err error) contracts.CommandReplyV1 {
	return contracts.CommandReplyV1{Error: fmt.Sprintf("%s: %v", serverID, err)}
}
