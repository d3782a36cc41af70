package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/craftbridge/craftbridge/internal/auth"
	"github.com/craftbridge/craftbridge/internal/protocol"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	verifier := auth.NewVerifier(map[string]string{"Survival": "secret", "Creative": "other"})
	r := NewRegistry(zerolog.Nop(), verifier, nil, SessionConfig{})
	r.Start(context.Background())
	t.Cleanup(r.Stop)
	return r
}

func TestRegistryAttachRejectsBadToken(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	tr := newFakeTransport()
	_, err := r.Attach(context.Background(), "Survival", "wrong", tr)
	if !errors.Is(err, auth.ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	code, closed := tr.closedWith()
	if !closed {
		t.Fatal("transport not closed after rejected attach")
	}
	if code != CloseAuthFailure {
		t.Fatalf("close code = %d, want %d", code, CloseAuthFailure)
	}
	if _, err := r.Lookup("Survival"); !errors.Is(err, ErrServerNotFound) {
		t.Fatalf("rejected attach created a session: %v", err)
	}
}

func TestRegistryAttachSendsConnectionAck(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	tr := newFakeTransport()
	s, err := r.Attach(context.Background(), "Survival", "secret", tr)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	waitState(t, s, StateConnected)

	select {
	case raw := <-tr.out:
		msg, err := protocol.Decode(raw)
		if err != nil {
			t.Fatalf("decode ack frame: %v", err)
		}
		if msg.Type != protocol.TypeConnectionAck {
			t.Fatalf("first frame = %s, want CONNECTION_ACK", msg.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connection ack written")
	}
}

func TestRegistryAttachReusesSessionPerServerID(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	first := newFakeTransport()
	s1, err := r.Attach(context.Background(), "Survival", "secret", first)
	if err != nil {
		t.Fatalf("first attach: %v", err)
	}
	waitState(t, s1, StateConnected)

	second := newFakeTransport()
	s2, err := r.Attach(context.Background(), "Survival", "secret", second)
	if err != nil {
		t.Fatalf("second attach: %v", err)
	}
	if s1 != s2 {
		t.Fatal("same server id produced two sessions")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if code, ok := first.closedWith(); ok {
			if code != CloseReplaced {
				t.Fatalf("old transport close code = %d, want %d", code, CloseReplaced)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("old transport never superseded")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegistryListOrdersByServerID(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	if _, err := r.Attach(context.Background(), "Survival", "secret", newFakeTransport()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := r.Attach(context.Background(), "Creative", "other", newFakeTransport()); err != nil {
		t.Fatalf("attach: %v", err)
	}

	states := r.List()
	if len(states) != 2 {
		t.Fatalf("list len = %d, want 2", len(states))
	}
	if states[0].ServerID != "Creative" || states[1].ServerID != "Survival" {
		t.Fatalf("list order = %s, %s", states[0].ServerID, states[1].ServerID)
	}
}

func TestRegistryDetachRemovesSession(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	tr := newFakeTransport()
	s, err := r.Attach(context.Background(), "Survival", "secret", tr)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	waitState(t, s, StateConnected)

	if err := r.Detach("Survival"); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if _, err := r.Lookup("Survival"); !errors.Is(err, ErrServerNotFound) {
		t.Fatalf("lookup after detach: %v", err)
	}
	if err := r.Detach("Survival"); !errors.Is(err, ErrServerNotFound) {
		t.Fatalf("second detach: %v", err)
	}
	waitState(t, s, StateClosed)
}
