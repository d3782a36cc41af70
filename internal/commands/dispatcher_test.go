package commands

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/craftbridge/craftbridge/internal/contracts"
	"github.com/craftbridge/craftbridge/internal/protocol"
)

type fakeQuerier struct {
	status  *protocol.StatusSnapshot
	players *protocol.PlayerList
	err     error
}

func (f *fakeQuerier) QueryStatus(context.Context, string) (*protocol.StatusSnapshot, error) {
	return f.status, f.err
}

func (f *fakeQuerier) QueryPlayers(context.Context, string) (*protocol.PlayerList, error) {
	return f.players, f.err
}

type fakeSender struct {
	mu   sync.Mutex
	sent []protocol.Message
	err  error
}

func (f *fakeSender) Send(serverID string, msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) last(t *testing.T) protocol.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("nothing sent")
	}
	return f.sent[len(f.sent)-1]
}

type fakeControl struct {
	reconnected []string
	servers     []ServerLine
	err         error
}

func (f *fakeControl) Reconnect(serverID string) error {
	if f.err != nil {
		return f.err
	}
	f.reconnected = append(f.reconnected, serverID)
	return nil
}

func (f *fakeControl) Servers() []ServerLine { return f.servers }

type fakeBinder struct {
	confirmed []string
	err       error
}

func (f *fakeBinder) Confirm(_ context.Context, serverID, code, platform, accountID string) error {
	if f.err != nil {
		return f.err
	}
	f.confirmed = append(f.confirmed, strings.Join([]string{serverID, code, platform, accountID}, "/"))
	return nil
}

func newTestDispatcher(q *fakeQuerier, s *fakeSender, c *fakeControl) *Dispatcher {
	return NewDispatcher(zerolog.Nop(), q, s, &fakeBinder{}, c, time.Second)
}

func TestStatusCommand(t *testing.T) {
	t.Parallel()
	q := &fakeQuerier{status: &protocol.StatusSnapshot{Online: true, OnlinePlayers: 3, MaxPlayers: 20, Version: "1.20.4"}}
	d := newTestDispatcher(q, &fakeSender{}, &fakeControl{})

	reply := d.Execute(context.Background(), contracts.CommandRequestV1{ServerID: "Survival", Name: "status"})
	if reply.Error != "" {
		t.Fatalf("unexpected error: %s", reply.Error)
	}
	if !strings.Contains(reply.Text, "3/20") || !strings.Contains(reply.Text, "1.20.4") {
		t.Fatalf("unexpected status text: %q", reply.Text)
	}
}

func TestStatusCommandReportsQueryError(t *testing.T) {
	t.Parallel()
	q := &fakeQuerier{err: errors.New("server not connected")}
	d := newTestDispatcher(q, &fakeSender{}, &fakeControl{})

	reply := d.Execute(context.Background(), contracts.CommandRequestV1{ServerID: "Survival", Name: "status"})
	if reply.Error == "" || !strings.Contains(reply.Error, "server not connected") {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestPlayersCommand(t *testing.T) {
	t.Parallel()
	q := &fakeQuerier{players: &protocol.PlayerList{Online: 2, Max: 20, Players: []protocol.PlayerInfo{{Name: "alice"}, {Name: "bob", World: "nether"}}}}
	d := newTestDispatcher(q, &fakeSender{}, &fakeControl{})

	reply := d.Execute(context.Background(), contracts.CommandRequestV1{ServerID: "Survival", Name: "players"})
	if !strings.Contains(reply.Text, "alice") || !strings.Contains(reply.Text, "bob (nether)") {
		t.Fatalf("unexpected players text: %q", reply.Text)
	}
}

func TestSayCommandBroadcasts(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	d := newTestDispatcher(&fakeQuerier{}, sender, &fakeControl{})

	reply := d.Execute(context.Background(), contracts.CommandRequestV1{ServerID: "Survival", Name: "say", Args: "hello world", Sender: "alice"})
	if reply.Error != "" {
		t.Fatalf("unexpected error: %s", reply.Error)
	}

	msg := sender.last(t)
	if msg.Type != protocol.TypeChat {
		t.Fatalf("sent type = %s, want CHAT", msg.Type)
	}
	decoded, err := protocol.DecodePayload(msg)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	chat := decoded.(*protocol.ChatPayload)
	if chat.Content != "hello world" || chat.Sender != "alice" || chat.Target == nil || chat.Target.Type != "BROADCAST" {
		t.Fatalf("unexpected chat payload: %+v", chat)
	}
}

func TestSayCommandRequiresText(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(&fakeQuerier{}, &fakeSender{}, &fakeControl{})
	reply := d.Execute(context.Background(), contracts.CommandRequestV1{ServerID: "Survival", Name: "say"})
	if reply.Error == "" {
		t.Fatal("expected usage error")
	}
}

func TestCmdCommandWaitsForResult(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	d := newTestDispatcher(&fakeQuerier{}, sender, &fakeControl{})

	done := make(chan contracts.CommandReplyV1, 1)
	go func() {
		done <- d.Execute(context.Background(), contracts.CommandRequestV1{ServerID: "Survival", Name: "cmd", Args: "whitelist add alice"})
	}()

	var sent protocol.Message
	deadline := time.Now().Add(2 * time.Second)
	for {
		sender.mu.Lock()
		if len(sender.sent) > 0 {
			sent = sender.sent[0]
			sender.mu.Unlock()
			break
		}
		sender.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatal("command never sent")
		}
		time.Sleep(5 * time.Millisecond)
	}

	result, err := protocol.NewReply(protocol.TypeCommandResult, sent, protocol.CommandResultPayload{
		Command: "whitelist add alice",
		Output:  "Added alice to the whitelist",
		Success: true,
	})
	if err != nil {
		t.Fatalf("new reply: %v", err)
	}
	d.HandleCommandResult("Survival", result)

	select {
	case reply := <-done:
		if reply.Error != "" {
			t.Fatalf("unexpected error: %s", reply.Error)
		}
		if !strings.Contains(reply.Text, "Added alice to the whitelist") {
			t.Fatalf("unexpected cmd reply: %q", reply.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cmd never returned")
	}
}

func TestBindCommandConfirmsCode(t *testing.T) {
	t.Parallel()
	binder := &fakeBinder{}
	d := NewDispatcher(zerolog.Nop(), &fakeQuerier{}, &fakeSender{}, binder, &fakeControl{}, time.Second)

	reply := d.Execute(context.Background(), contracts.CommandRequestV1{
		ServerID: "Survival",
		Name:     "bind",
		Args:     "482913",
		Platform: "kook",
		Sender:   "U123",
	})
	if reply.Error != "" {
		t.Fatalf("unexpected error: %s", reply.Error)
	}
	if len(binder.confirmed) != 1 || binder.confirmed[0] != "Survival/482913/kook/U123" {
		t.Fatalf("confirms = %v", binder.confirmed)
	}

	missing := d.Execute(context.Background(), contracts.CommandRequestV1{ServerID: "Survival", Name: "bind"})
	if missing.Error == "" {
		t.Fatal("expected usage error for bind without code")
	}
}

func TestBindCommandReportsCoordinatorError(t *testing.T) {
	t.Parallel()
	binder := &fakeBinder{err: errors.New("binding code expired")}
	d := NewDispatcher(zerolog.Nop(), &fakeQuerier{}, &fakeSender{}, binder, &fakeControl{}, time.Second)

	reply := d.Execute(context.Background(), contracts.CommandRequestV1{ServerID: "Survival", Name: "bind", Args: "482913", Platform: "kook", Sender: "U123"})
	if reply.Error == "" || !strings.Contains(reply.Error, "expired") {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestCmdCommandTimesOut(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(zerolog.Nop(), &fakeQuerier{}, &fakeSender{}, &fakeBinder{}, &fakeControl{}, 50*time.Millisecond)
	reply := d.Execute(context.Background(), contracts.CommandRequestV1{ServerID: "Survival", Name: "cmd", Args: "list"})
	if reply.Error == "" {
		t.Fatal("expected timeout error")
	}
}

func TestReconnectCommand(t *testing.T) {
	t.Parallel()
	control := &fakeControl{}
	d := newTestDispatcher(&fakeQuerier{}, &fakeSender{}, control)

	reply := d.Execute(context.Background(), contracts.CommandRequestV1{ServerID: "Survival", Name: "reconnect"})
	if reply.Error != "" {
		t.Fatalf("unexpected error: %s", reply.Error)
	}
	if len(control.reconnected) != 1 || control.reconnected[0] != "Survival" {
		t.Fatalf("reconnects = %v", control.reconnected)
	}
}

func TestListCommand(t *testing.T) {
	t.Parallel()
	control := &fakeControl{servers: []ServerLine{
		{ServerID: "Creative", State: "reconnecting"},
		{ServerID: "Survival", State: "connected", LastSeen: time.Now()},
	}}
	d := newTestDispatcher(&fakeQuerier{}, &fakeSender{}, control)

	reply := d.Execute(context.Background(), contracts.CommandRequestV1{Name: "list"})
	if !strings.Contains(reply.Text, "Survival: connected") || !strings.Contains(reply.Text, "Creative: reconnecting") {
		t.Fatalf("unexpected list text: %q", reply.Text)
	}
}

func TestHelpAndUnknownCommands(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(&fakeQuerier{}, &fakeSender{}, &fakeControl{})

	help := d.Execute(context.Background(), contracts.CommandRequestV1{Name: "help"})
	if !strings.Contains(help.Text, "say <message>") {
		t.Fatalf("unexpected help text: %q", help.Text)
	}

	unknown := d.Execute(context.Background(), contracts.CommandRequestV1{Name: "dance"})
	if unknown.Error == "" || !strings.Contains(unknown.Error, "dance") {
		t.Fatalf("unexpected reply: %+v", unknown)
	}
}
