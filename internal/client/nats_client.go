package client

import (
	"time"

	"github.com/nats-io/nats.go"
)

// NATSClient wraps a core NATS connection for publish-only use.
type NATSClient struct {
	conn *nats.Conn
}

// ConnectNATS connects to the NATS server with indefinite reconnects.
func ConnectNATS(url, name string) (*NATSClient, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &NATSClient{conn: conn}, nil
}

// Publish sends a message on the given subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Close drains buffered messages and closes the connection.
func (c *NATSClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Drain()
}
