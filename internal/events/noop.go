package events

import "context"

// NoopPublisher is a Publisher that does nothing (used when NATS is not
// configured, e.g. single-node development mode).
type NoopPublisher struct{}

func (n *NoopPublisher) Publish(ctx context.Context, subject string, event any) error {
	return nil
}

func (n *NoopPublisher) Close() error {
	return nil
}
