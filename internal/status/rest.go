package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/craftbridge/craftbridge/internal/protocol"
)

// RESTClient polls game servers that expose the HTTP status plugin. It is
// the fallback path for servers without a live socket.
type RESTClient struct {
	endpoints map[string]string // server id -> base URL
	tokens    map[string]string // server id -> bearer token
	client    *http.Client
}

func NewRESTClient(endpoints, tokens map[string]string) *RESTClient {
	return &RESTClient{
		endpoints: endpoints,
		tokens:    tokens,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Has reports whether a REST endpoint is configured for the server.
func (c *RESTClient) Has(serverID string) bool {
	_, ok := c.endpoints[serverID]
	return ok
}

func (c *RESTClient) Status(ctx context.Context, serverID string) (*protocol.StatusSnapshot, error) {
	var snapshot protocol.StatusSnapshot
	if err := c.get(ctx, serverID, "/api/status", &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (c *RESTClient) Players(ctx context.Context, serverID string) (*protocol.PlayerList, error) {
	var list protocol.PlayerList
	if err := c.get(ctx, serverID, "/api/players", &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *RESTClient) get(ctx context.Context, serverID, path string, out any) error {
	base, ok := c.endpoints[serverID]
	if !ok {
		return fmt.Errorf("%w for %s", ErrNoStatusSource, serverID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return fmt.Errorf("build rest request: %w", err)
	}
	if token, ok := c.tokens[serverID]; ok && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("rest query %s%s: %w", serverID, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rest query %s%s: unexpected status %d", serverID, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode rest response: %w", err)
	}
	return nil
}
