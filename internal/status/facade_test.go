package status

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/craftbridge/craftbridge/internal/protocol"
)

// echoSender answers every status request with a canned response, as a
// connected game server would.
type echoSender struct {
	facade  *Facade
	mu      sync.Mutex
	respond func(req protocol.Message) *protocol.StatusResponsePayload
	err     error
}

func (s *echoSender) Send(serverID string, msg protocol.Message) error {
	s.mu.Lock()
	respond, err := s.respond, s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if respond == nil {
		return nil
	}
	payload := respond(msg)
	if payload == nil {
		return nil
	}
	go func() {
		reply, rerr := protocol.NewReply(protocol.TypeStatusResponse, msg, payload)
		if rerr != nil {
			return
		}
		s.facade.HandleResponse(serverID, reply)
	}()
	return nil
}

func TestQueryStatusRoundTrip(t *testing.T) {
	t.Parallel()
	sender := &echoSender{}
	f := NewFacade(zerolog.Nop(), sender, nil, time.Second)
	sender.facade = f
	sender.respond = func(protocol.Message) *protocol.StatusResponsePayload {
		return &protocol.StatusResponsePayload{
			Scope:  protocol.ScopeStatus,
			Status: &protocol.StatusSnapshot{Online: true, OnlinePlayers: 5, MaxPlayers: 20, Version: "1.20.4"},
		}
	}

	got, err := f.QueryStatus(context.Background(), "Survival")
	if err != nil {
		t.Fatalf("query status: %v", err)
	}
	if !got.Online || got.OnlinePlayers != 5 || got.Version != "1.20.4" {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
	if f.Outstanding() != 0 {
		t.Fatalf("outstanding = %d, want 0", f.Outstanding())
	}
}

func TestConcurrentQueriesDoNotCrossDeliver(t *testing.T) {
	t.Parallel()
	sender := &echoSender{}
	f := NewFacade(zerolog.Nop(), sender, nil, 2*time.Second)
	sender.facade = f
	sender.respond = func(req protocol.Message) *protocol.StatusResponsePayload {
		// answer with the request's own id so the test can detect crosstalk
		return &protocol.StatusResponsePayload{
			Scope:  protocol.ScopeStatus,
			Status: &protocol.StatusSnapshot{Online: true, Version: req.ID},
		}
	}

	const queries = 8
	var wg sync.WaitGroup
	errs := make(chan error, queries)
	for i := 0; i < queries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.QueryStatus(context.Background(), "Survival")
			if err != nil {
				errs <- err
				return
			}
			if got.Version == "" {
				errs <- errors.New("empty correlation marker")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent query: %v", err)
	}
	if f.Outstanding() != 0 {
		t.Fatalf("outstanding = %d, want 0", f.Outstanding())
	}
}

func TestQueryTimesOutWithoutAnswer(t *testing.T) {
	t.Parallel()
	sender := &echoSender{} // respond == nil: the request vanishes
	f := NewFacade(zerolog.Nop(), sender, nil, 50*time.Millisecond)
	sender.facade = f

	_, err := f.QueryStatus(context.Background(), "Survival")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("ErrTimeout must map to context.DeadlineExceeded")
	}
	if f.Outstanding() != 0 {
		t.Fatalf("outstanding = %d, want 0", f.Outstanding())
	}
}

func TestLateResponseIsDropped(t *testing.T) {
	t.Parallel()
	f := NewFacade(zerolog.Nop(), &echoSender{}, nil, time.Second)

	late, err := protocol.New(protocol.TypeStatusResponse, "Survival", protocol.StatusResponsePayload{Scope: protocol.ScopeStatus, Status: &protocol.StatusSnapshot{}})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	late.ReplyTo = "no-such-request"
	f.HandleResponse("Survival", late)

	if f.Outstanding() != 0 {
		t.Fatalf("outstanding = %d, want 0", f.Outstanding())
	}
}

type fakeFallback struct {
	mu         sync.Mutex
	calls      int
	noEndpoint bool
}

func (f *fakeFallback) Has(string) bool { return !f.noEndpoint }

func (f *fakeFallback) Status(context.Context, string) (*protocol.StatusSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &protocol.StatusSnapshot{Online: true, Version: "rest"}, nil
}

func (f *fakeFallback) Players(context.Context, string) (*protocol.PlayerList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &protocol.PlayerList{Online: 2, Max: 10}, nil
}

func (f *fakeFallback) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestSendFailureUsesFallback(t *testing.T) {
	t.Parallel()
	sender := &echoSender{err: errors.New("server not connected")}
	fallback := &fakeFallback{}
	f := NewFacade(zerolog.Nop(), sender, fallback, time.Second)
	sender.facade = f

	got, err := f.QueryStatus(context.Background(), "Survival")
	if err != nil {
		t.Fatalf("query with fallback: %v", err)
	}
	if got.Version != "rest" {
		t.Fatalf("snapshot did not come from fallback: %+v", got)
	}
	if fallback.count() != 1 {
		t.Fatalf("fallback calls = %d, want 1", fallback.count())
	}
}

func TestTimeoutDoesNotUseFallback(t *testing.T) {
	t.Parallel()
	sender := &echoSender{}
	fallback := &fakeFallback{}
	f := NewFacade(zerolog.Nop(), sender, fallback, 50*time.Millisecond)
	sender.facade = f

	if _, err := f.QueryStatus(context.Background(), "Survival"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if fallback.count() != 0 {
		t.Fatalf("fallback calls = %d, want 0", fallback.count())
	}
}

func TestSendFailureWithoutEndpointKeepsError(t *testing.T) {
	t.Parallel()
	notConnected := errors.New("server is not connected")
	sender := &echoSender{err: notConnected}
	fallback := &fakeFallback{noEndpoint: true}
	f := NewFacade(zerolog.Nop(), sender, fallback, time.Second)
	sender.facade = f

	_, err := f.QueryStatus(context.Background(), "Survival")
	if !errors.Is(err, notConnected) {
		t.Fatalf("expected the send error back, got %v", err)
	}
	if fallback.count() != 0 {
		t.Fatalf("fallback calls = %d, want 0", fallback.count())
	}
}

func TestSendFailureAnswersFast(t *testing.T) {
	t.Parallel()
	sender := &echoSender{err: errors.New("server is not connected")}
	f := NewFacade(zerolog.Nop(), sender, nil, 5*time.Second)
	sender.facade = f

	start := time.Now()
	if _, err := f.QueryStatus(context.Background(), "Survival"); err == nil {
		t.Fatal("expected an error for a failed send")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("send failure took %v, must not burn the query timeout", elapsed)
	}
	if f.Outstanding() != 0 {
		t.Fatalf("outstanding = %d, want 0", f.Outstanding())
	}
}
