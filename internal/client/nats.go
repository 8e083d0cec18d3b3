package client

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSClient is a thin JetStream publishing handle.
type NATSClient struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// ConnectNATS connects to the NATS server and initializes JetStream.
func ConnectNATS(url, name string) (*NATSClient, error) {
	conn, err := nats.Connect(url, nats.Name(name))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize jetstream: %w", err)
	}

	return &NATSClient{conn: conn, js: js}, nil
}

// Publish sends one message to a subject.
func (c *NATSClient) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := c.js.Publish(subject, data, nats.Context(ctx))
	return err
}

// Close drains and closes the connection.
func (c *NATSClient) Close() {
	if c.conn != nil {
		_ = c.conn.Drain()
	}
}
