package port

import "context"

type EventPublisher interface {
	// Publish sends a domain event keyed for partition ordering. Publishing is
	// best-effort after commit; failures must not fail the checkout
	Publish(ctx context.Context, key string, event any) error
}
