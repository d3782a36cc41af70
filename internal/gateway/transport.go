package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/craftbridge/craftbridge/internal/auth"
)

// WebSocket close codes used by the gateway protocol.
const (
	CloseAuthFailure = 4401 // credentials rejected, peer must not retry
	CloseReplaced    = 4409 // superseded by a newer connection for the same server id
)

const defaultWriteWait = 10 * time.Second

// Transport is one live connection to a game server. Read blocks until a
// frame arrives; Write is safe for concurrent use.
type Transport interface {
	Read() ([]byte, error)
	Write(data []byte) error
	Close(code int, reason string) error
}

// DialFunc establishes a transport to a game server. Implementations return
// auth.ErrAuthenticationFailed when the peer rejects the credentials, which
// stops the retry loop.
type DialFunc func(ctx context.Context) (Transport, error)

type wsTransport struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	writeWait time.Duration
	closeOnce sync.Once
}

// NewWSTransport wraps a gorilla connection. The gateway also answers
// control pings at this layer so reverse proxies keep idle tunnels open.
func NewWSTransport(conn *websocket.Conn) Transport {
	t := &wsTransport{conn: conn, writeWait: defaultWriteWait}
	conn.SetPingHandler(func(appData string) error {
		t.writeMu.Lock()
		defer t.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(t.writeWait))
	})
	return t
}

func (t *wsTransport) Read() ([]byte, error) {
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) Write(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		deadline := time.Now().Add(t.writeWait)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

// WSDialer returns a DialFunc that connects to a game server's WebSocket
// endpoint, presenting serverId and token as query parameters, the same
// credential scheme the listen side accepts.
func WSDialer(endpoint, serverID, token string) DialFunc {
	return func(ctx context.Context) (Transport, error) {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse dial endpoint: %w", err)
		}
		q := u.Query()
		q.Set("serverId", serverID)
		q.Set("token", token)
		u.RawQuery = q.Encode()

		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return nil, auth.ErrAuthenticationFailed
			}
			return nil, fmt.Errorf("dial %s: %w", endpoint, err)
		}
		return NewWSTransport(conn), nil
	}
}
