// Package publisher abstracts the completion-event feed. Finished jobs
// announce archived documents so downstream consumers (parsers, alerting)
// can react without polling the database.
package publisher

import "context"

// Publisher emits a payload to a named topic and returns the message ID.
// Implementations bind the topic at construction time and may ignore the
// topic argument.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
	Close() error
}

// Noop discards all publishes. Used when no event feed is configured.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, string, any) (string, error) {
	return "", nil
}

// Close implements Publisher.
func (Noop) Close() error {
	return nil
}
