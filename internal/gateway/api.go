package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/craftbridge/craftbridge/internal/binding"
	"github.com/craftbridge/craftbridge/internal/protocol"
	"github.com/craftbridge/craftbridge/pkg/apierror"
)

// StatusQuerier resolves live status questions against a connected server.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, serverID string) (*protocol.StatusSnapshot, error)
	QueryPlayers(ctx context.Context, serverID string) (*protocol.PlayerList, error)
}

// LinkFinder resolves confirmed account links.
type LinkFinder interface {
	FindLink(ctx context.Context, serverID, playerUUID, platform string) (binding.Link, error)
}

// API exposes the read-only HTTP surface. Callers authenticate with the same
// per-server token the WebSocket side uses, presented as a bearer token.
type API struct {
	logger   zerolog.Logger
	registry *Registry
	querier  StatusQuerier
	links    LinkFinder // may be nil
	timeout  time.Duration
}

func NewAPI(logger zerolog.Logger, registry *Registry, querier StatusQuerier, links LinkFinder, timeout time.Duration) *API {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &API{logger: logger, registry: registry, querier: querier, links: links, timeout: timeout}
}

// Register mounts the read endpoints on the shared mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/status", a.handleStatus)
	mux.HandleFunc("/v1/players", a.handlePlayers)
	mux.HandleFunc("/v1/servers", a.handleServers)
	mux.HandleFunc("/v1/links", a.handleLinks)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	serverID, ok := a.authorize(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()

	status, err := a.querier.QueryStatus(ctx, serverID)
	if err != nil {
		a.writeQueryError(w, serverID, err)
		return
	}
	writeJSON(w, status)
}

func (a *API) handlePlayers(w http.ResponseWriter, r *http.Request) {
	serverID, ok := a.authorize(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()

	players, err := a.querier.QueryPlayers(ctx, serverID)
	if err != nil {
		a.writeQueryError(w, serverID, err)
		return
	}
	writeJSON(w, players)
}

type linkEntry struct {
	ServerID   string `json:"server_id"`
	PlayerUUID string `json:"player_uuid"`
	PlayerName string `json:"player_name,omitempty"`
	Platform   string `json:"platform"`
	AccountID  string `json:"account_id"`
	LinkedAt   int64  `json:"linked_at"`
}

// handleLinks answers "which account is this player bound to on a platform".
func (a *API) handleLinks(w http.ResponseWriter, r *http.Request) {
	serverID, ok := a.authorize(w, r)
	if !ok {
		return
	}
	if a.links == nil {
		apierror.Write(w, http.StatusNotFound, "link_not_found", "no account link store configured")
		return
	}
	playerUUID := r.URL.Query().Get("playerUuid")
	platform := r.URL.Query().Get("platform")
	if playerUUID == "" || platform == "" {
		apierror.Write(w, http.StatusBadRequest, "missing_link_key", "playerUuid and platform query parameters are required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()
	link, err := a.links.FindLink(ctx, serverID, playerUUID, platform)
	if errors.Is(err, binding.ErrLinkNotFound) {
		apierror.Write(w, http.StatusNotFound, "link_not_found", "no confirmed link for this player and platform")
		return
	}
	if err != nil {
		a.logger.Error().Err(err).Str("server_id", serverID).Msg("account link lookup failed")
		apierror.Write(w, http.StatusInternalServerError, "internal_error", "account link lookup failed")
		return
	}
	writeJSON(w, linkEntry{
		ServerID:   link.ServerID,
		PlayerUUID: link.PlayerUUID,
		PlayerName: link.PlayerName,
		Platform:   link.Platform,
		AccountID:  link.AccountID,
		LinkedAt:   link.LinkedAt.UnixMilli(),
	})
}

type serverEntry struct {
	ServerID string `json:"server_id"`
	State    string `json:"state"`
	LastSeen int64  `json:"last_seen,omitempty"`
}

func (a *API) handleServers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierror.Write(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	states := a.registry.List()
	entries := make([]serverEntry, 0, len(states))
	for _, st := range states {
		entry := serverEntry{ServerID: st.ServerID, State: st.State.String()}
		if !st.LastSeen.IsZero() {
			entry.LastSeen = st.LastSeen.UnixMilli()
		}
		entries = append(entries, entry)
	}
	writeJSON(w, entries)
}

// authorize extracts the target server id and checks the bearer token
// against that server's credentials.
func (a *API) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodGet {
		apierror.Write(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return "", false
	}
	serverID := r.URL.Query().Get("serverId")
	if serverID == "" {
		apierror.Write(w, http.StatusBadRequest, "missing_server_id", "serverId query parameter is required")
		return "", false
	}
	token, ok := bearerToken(r)
	if !ok {
		apierror.Write(w, http.StatusUnauthorized, "missing_credentials", "bearer token is required")
		return "", false
	}
	if err := a.registry.verifier.Verify(serverID, token); err != nil {
		apierror.Write(w, http.StatusForbidden, "invalid_credentials", "server id or token is not recognized")
		return "", false
	}
	return serverID, true
}

func (a *API) writeQueryError(w http.ResponseWriter, serverID string, err error) {
	switch {
	case errors.Is(err, ErrServerNotFound):
		apierror.Write(w, http.StatusNotFound, "server_not_found", "no session for server id")
	case errors.Is(err, ErrServerNotConnected):
		apierror.Write(w, http.StatusServiceUnavailable, "server_not_connected", "server is not connected")
	case errors.Is(err, context.DeadlineExceeded):
		apierror.Write(w, http.StatusGatewayTimeout, "query_timeout", "server did not answer in time")
	default:
		a.logger.Error().Err(err).Str("server_id", serverID).Msg("status query failed")
		apierror.Write(w, http.StatusInternalServerError, "internal_error", "status query failed")
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return token, token != ""
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
