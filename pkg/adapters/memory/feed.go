package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aretw0/workbench/internal/logging"
	"github.com/aretw0/workbench/pkg/domain"
)

// DefaultFeedBuffer is the per-subscriber channel capacity.
const DefaultFeedBuffer = 64

// Feed implements ports.ChangeFeed in memory.
// Safe for concurrent use. Slow subscribers lose events instead of blocking publishers.
type Feed struct {
	mu          sync.RWMutex
	subscribers map[chan domain.ChangeEvent]struct{}
	buffer      int
	logger      *slog.Logger
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithBuffer sets the per-subscriber buffer size.
func WithBuffer(n int) FeedOption {
	return func(f *Feed) {
		if n > 0 {
			f.buffer = n
		}
	}
}

// WithFeedLogger sets the logger used to report dropped events.
func WithFeedLogger(logger *slog.Logger) FeedOption {
	return func(f *Feed) {
		f.logger = logger
	}
}

// NewFeed creates a new in-memory feed.
func NewFeed(opts ...FeedOption) *Feed {
	f := &Feed{
		subscribers: make(map[chan domain.ChangeEvent]struct{}),
		buffer:      DefaultFeedBuffer,
		logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Publish delivers the event to every current subscriber.
func (f *Feed) Publish(ctx context.Context, event domain.ChangeEvent) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for ch := range f.subscribers {
		select {
		case ch <- event:
		default:
			f.logger.Warn("Feed: subscriber buffer full, dropping event",
				"notebook_id", event.NotebookID,
				"type", event.Type,
			)
		}
	}
	return nil
}

// Subscribe registers a subscriber until ctx is done.
func (f *Feed) Subscribe(ctx context.Context) (<-chan domain.ChangeEvent, error) {
	ch := make(chan domain.ChangeEvent, f.buffer)

	f.mu.Lock()
	f.subscribers[ch] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subscribers, ch)
		close(ch)
		f.mu.Unlock()
	}()

	return ch, nil
}

// Len returns the number of active subscribers.
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}
