package gateway

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/craftbridge/craftbridge/pkg/apierror"
)

// Listener upgrades inbound game-server connections and hands them to the
// registry. Credentials arrive as query parameters because game-server
// plugins often cannot set custom headers on their WebSocket client.
type Listener struct {
	logger   zerolog.Logger
	registry *Registry
	upgrader websocket.Upgrader
}

func NewListener(logger zerolog.Logger, registry *Registry) *Listener {
	return &Listener{
		logger:   logger,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Game servers are not browsers; same-origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Register mounts the WebSocket endpoint on the shared mux.
func (l *Listener) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/ws", l.handleWS)
}

func (l *Listener) handleWS(w http.ResponseWriter, r *http.Request) {
	serverID := r.URL.Query().Get("serverId")
	token := r.URL.Query().Get("token")
	if serverID == "" || token == "" {
		apierror.Write(w, http.StatusUnauthorized, "missing_credentials", "serverId and token query parameters are required")
		return
	}
	if err := l.registry.verifier.Verify(serverID, token); err != nil {
		l.logger.Warn().Str("server_id", serverID).Msg("rejected connection with invalid credentials")
		apierror.Write(w, http.StatusForbidden, "invalid_credentials", "server id or token is not recognized")
		return
	}

	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		l.logger.Warn().Err(err).Str("server_id", serverID).Msg("websocket upgrade failed")
		return
	}

	transport := NewWSTransport(conn)
	if _, err := l.registry.Attach(r.Context(), serverID, token, transport); err != nil {
		l.logger.Warn().Err(err).Str("server_id", serverID).Msg("attach failed")
		return
	}
	l.logger.Info().Str("server_id", serverID).Str("remote", r.RemoteAddr).Msg("game server connected")
}
