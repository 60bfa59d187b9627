package ports

import (
	"context"

	"github.com/aretw0/workbench/pkg/domain"
)

// ChangePublisher fans store change events out to external readers.
type ChangePublisher interface {
	Publish(ctx context.Context, event domain.ChangeEvent) error
}

// ChangeFeed is a publisher that can also be subscribed to.
type ChangeFeed interface {
	ChangePublisher

	// Subscribe returns a channel of events published after the call.
	// The channel is closed when ctx is done.
	Subscribe(ctx context.Context) (<-chan domain.ChangeEvent, error)
}
