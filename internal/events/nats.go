package events

import (
	"time"

	"github.com/nats-io/nats.go"
)

// Connect opens the NATS connection shared by the publisher and the
// notification consumer. Reconnects retry forever so a broker restart
// does not take the portal down with it.
func Connect(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("panel"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
}

// NATSBus publishes events on a NATS connection.
type NATSBus struct {
	conn *nats.Conn
}

func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{conn: conn}
}

func (b *NATSBus) Publish(subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

// Close drains the connection, flushing buffered publishes and letting
// in-flight subscription handlers finish.
func (b *NATSBus) Close() error {
	return b.conn.Drain()
}
