package binding

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/craftbridge/craftbridge/internal/contracts"
	"github.com/craftbridge/craftbridge/internal/protocol"
)

var (
	// ErrCodeNotFound means no pending binding exists for the code.
	ErrCodeNotFound = errors.New("binding code not found")
	// ErrCodeExpired means the code's validity window has passed.
	ErrCodeExpired = errors.New("binding code expired")
	// ErrCodeClaimed means another confirmation already won the code.
	ErrCodeClaimed = errors.New("binding code already claimed")
)

// Status is the lifecycle state of one pending binding.
type Status int

const (
	// StatusPending waits for a platform-side confirmation.
	StatusPending Status = iota
	// StatusClaiming has a confirmation in flight to the game server.
	StatusClaiming
)

// Request is one pending account binding.
type Request struct {
	ServerID   string
	Code       string
	PlayerUUID string
	PlayerName string
	Status     Status
	Platform   string
	AccountID  string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// Sender delivers a wire message to a connected game server.
type Sender interface {
	Send(serverID string, msg protocol.Message) error
}

// Notifier publishes binding lifecycle events for the chat-platform side.
type Notifier interface {
	Publish(ctx context.Context, eventType contracts.EventType, serverID string, payload any) error
}

// LinkRepository persists confirmed account links.
type LinkRepository interface {
	SaveLink(ctx context.Context, link Link) error
}

// Link is one confirmed player-to-account binding.
type Link struct {
	ServerID   string
	PlayerUUID string
	PlayerName string
	Platform   string
	AccountID  string
	LinkedAt   time.Time
}

// Coordinator tracks pending binding codes and guarantees that at most one
// platform confirmation wins each code. Codes are scoped per server id, so
// two servers may issue the same six digits independently.
type Coordinator struct {
	logger   zerolog.Logger
	ttl      time.Duration
	sender   Sender
	notifier Notifier
	repo     LinkRepository
	now      func() time.Time
	newCode  func() (string, error)

	mu      sync.Mutex
	pending map[string]*Request
}

func NewCoordinator(logger zerolog.Logger, ttl time.Duration, sender Sender, notifier Notifier, repo LinkRepository) *Coordinator {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Coordinator{
		logger:   logger,
		ttl:      ttl,
		sender:   sender,
		notifier: notifier,
		repo:     repo,
		now:      time.Now,
		newCode:  generateCode,
		pending:  make(map[string]*Request),
	}
}

func key(serverID, code string) string { return serverID + "/" + code }

// Issue mints a fresh code for a player and announces it. Any previous
// pending code of the same player on the same server is discarded first, so
// a player holds at most one live code per server.
func (c *Coordinator) Issue(ctx context.Context, serverID, playerUUID, playerName string) (Request, error) {
	now := c.now()

	c.mu.Lock()
	c.evictPlayerLocked(serverID, playerUUID)
	// mint until the code is unique among the server's pending codes; a
	// collision would silently hijack another player's request
	var code string
	for {
		candidate, err := c.newCode()
		if err != nil {
			c.mu.Unlock()
			return Request{}, fmt.Errorf("generate binding code: %w", err)
		}
		if _, taken := c.pending[key(serverID, candidate)]; !taken {
			code = candidate
			break
		}
	}
	req := Request{
		ServerID:   serverID,
		Code:       code,
		PlayerUUID: playerUUID,
		PlayerName: playerName,
		Status:     StatusPending,
		IssuedAt:   now,
		ExpiresAt:  now.Add(c.ttl),
	}
	c.pending[key(serverID, code)] = &req
	c.mu.Unlock()

	c.notifyIssued(ctx, req)
	return req, nil
}

// Adopt registers a code the game server minted itself. The server's code
// wins over any code the player already held.
func (c *Coordinator) Adopt(ctx context.Context, serverID string, payload protocol.BindCodeIssuedPayload) Request {
	now := c.now()
	expires := now.Add(c.ttl)
	if payload.ExpiresAt > 0 {
		expires = time.UnixMilli(payload.ExpiresAt)
	}
	req := Request{
		ServerID:   serverID,
		Code:       payload.Code,
		PlayerUUID: payload.PlayerUUID,
		PlayerName: payload.PlayerName,
		Status:     StatusPending,
		IssuedAt:   now,
		ExpiresAt:  expires,
	}

	c.mu.Lock()
	c.evictPlayerLocked(serverID, payload.PlayerUUID)
	if prior, ok := c.pending[key(serverID, payload.Code)]; ok {
		c.logger.Warn().
			Str("server_id", serverID).
			Str("player_uuid", prior.PlayerUUID).
			Msg("server reused a pending binding code, displacing the earlier request")
	}
	c.pending[key(serverID, payload.Code)] = &req
	c.mu.Unlock()

	c.notifyIssued(ctx, req)
	return req
}

func (c *Coordinator) evictPlayerLocked(serverID, playerUUID string) {
	for k, r := range c.pending {
		if r.ServerID == serverID && r.PlayerUUID == playerUUID {
			delete(c.pending, k)
		}
	}
}

func (c *Coordinator) notifyIssued(ctx context.Context, req Request) {
	payload := contracts.BindingIssuedV1{
		ServerID:   req.ServerID,
		Code:       req.Code,
		PlayerUUID: req.PlayerUUID,
		PlayerName: req.PlayerName,
		IssuedAt:   req.IssuedAt.UnixMilli(),
		ExpiresAt:  req.ExpiresAt.UnixMilli(),
	}
	if err := c.notifier.Publish(ctx, contracts.EventBindingIssued, req.ServerID, payload); err != nil {
		c.logger.Error().Err(err).Str("server_id", req.ServerID).Msg("failed to publish binding issued")
	}
}

// Confirm claims a pending code for a platform account. Exactly one caller
// wins; everyone else gets ErrCodeClaimed, ErrCodeExpired or ErrCodeNotFound.
// The winner's claim is forwarded to the game server for final validation.
func (c *Coordinator) Confirm(ctx context.Context, serverID, code, platform, accountID string) error {
	c.mu.Lock()
	req, ok := c.pending[key(serverID, code)]
	if !ok {
		c.mu.Unlock()
		return ErrCodeNotFound
	}
	if c.now().After(req.ExpiresAt) {
		delete(c.pending, key(serverID, code))
		expired := *req
		c.mu.Unlock()
		c.notifyExpired(ctx, expired)
		return ErrCodeExpired
	}
	if req.Status != StatusPending {
		c.mu.Unlock()
		return ErrCodeClaimed
	}
	req.Status = StatusClaiming
	req.Platform = platform
	req.AccountID = accountID
	c.mu.Unlock()

	msg, err := protocol.New(protocol.TypeBindConfirm, serverID, protocol.BindConfirmPayload{
		Code:      code,
		Platform:  platform,
		AccountID: accountID,
	})
	if err == nil {
		err = c.sender.Send(serverID, msg)
	}
	if err != nil {
		// the claim never reached the server, release it for a retry
		c.mu.Lock()
		if r, ok := c.pending[key(serverID, code)]; ok && r.Status == StatusClaiming {
			r.Status = StatusPending
			r.Platform = ""
			r.AccountID = ""
		}
		c.mu.Unlock()
		return fmt.Errorf("send bind confirm: %w", err)
	}
	return nil
}

// HandleBindResult settles a claim after the game server validated it. A
// success persists the link and announces the confirmation; a rejection
// releases the code so another account can try.
func (c *Coordinator) HandleBindResult(ctx context.Context, serverID string, payload protocol.BindResultPayload) {
	c.mu.Lock()
	req, ok := c.pending[key(serverID, payload.Code)]
	if !ok {
		c.mu.Unlock()
		c.logger.Warn().Str("server_id", serverID).Msg("bind result for unknown code")
		return
	}
	if !payload.Success {
		req.Status = StatusPending
		req.Platform = ""
		req.AccountID = ""
		c.mu.Unlock()
		c.logger.Info().Str("server_id", serverID).Str("reason", payload.Reason).Msg("bind rejected by server")
		return
	}
	settled := *req
	delete(c.pending, key(serverID, payload.Code))
	c.mu.Unlock()

	link := Link{
		ServerID:   settled.ServerID,
		PlayerUUID: settled.PlayerUUID,
		PlayerName: settled.PlayerName,
		Platform:   settled.Platform,
		AccountID:  settled.AccountID,
		LinkedAt:   c.now(),
	}
	if c.repo != nil {
		if err := c.repo.SaveLink(ctx, link); err != nil {
			c.logger.Error().Err(err).Str("server_id", serverID).Msg("failed to persist account link")
		}
	}

	confirmed := contracts.BindingConfirmedV1{
		ServerID:   settled.ServerID,
		Code:       settled.Code,
		PlayerUUID: settled.PlayerUUID,
		Platform:   settled.Platform,
		AccountID:  settled.AccountID,
	}
	if err := c.notifier.Publish(ctx, contracts.EventBindingConfirmed, serverID, confirmed); err != nil {
		c.logger.Error().Err(err).Str("server_id", serverID).Msg("failed to publish binding confirmed")
	}
}

// Cancel evicts a pending code without announcing an expiry. Used when the
// player disconnects mid-flow or asks to abort.
func (c *Coordinator) Cancel(serverID, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[key(serverID, code)]; !ok {
		return ErrCodeNotFound
	}
	delete(c.pending, key(serverID, code))
	return nil
}

// Sweep evicts expired codes and announces each expiry once.
func (c *Coordinator) Sweep(ctx context.Context) {
	now := c.now()
	c.mu.Lock()
	var expired []Request
	for k, req := range c.pending {
		if now.After(req.ExpiresAt) {
			expired = append(expired, *req)
			delete(c.pending, k)
		}
	}
	c.mu.Unlock()

	for _, req := range expired {
		c.notifyExpired(ctx, req)
	}
}

func (c *Coordinator) notifyExpired(ctx context.Context, req Request) {
	payload := contracts.BindingExpiredV1{
		ServerID:   req.ServerID,
		Code:       req.Code,
		PlayerUUID: req.PlayerUUID,
	}
	if err := c.notifier.Publish(ctx, contracts.EventBindingExpired, req.ServerID, payload); err != nil {
		c.logger.Error().Err(err).Str("server_id", req.ServerID).Msg("failed to publish binding expired")
	}
}

// Run sweeps expired codes until the context ends.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// PendingCount reports how many codes await confirmation.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
