package bus

import (
	"time"

	"github.com/nats-io/nats.go"
)

// Connect creates a NATS connection for message bus communication. The
// connection retries forever with a capped wait so a bus restart does not
// take the gateway down with it.
func Connect(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
}
