package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aretw0/workbench/internal/logging"
	"github.com/aretw0/workbench/pkg/domain"
	backend "github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "workbench:events"

// Feed implements ports.ChangeFeed on top of Redis pub/sub.
type Feed struct {
	client  *backend.Client
	channel string
	buffer  int
	logger  *slog.Logger
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithChannel sets the pub/sub channel name.
func WithChannel(channel string) FeedOption {
	return func(f *Feed) {
		if channel != "" {
			f.channel = channel
		}
	}
}

// WithLogger configures a logger for the Feed.
func WithLogger(logger *slog.Logger) FeedOption {
	return func(f *Feed) {
		f.logger = logger
	}
}

// NewFeed connects to addr and returns a Feed.
func NewFeed(addr, password string, db int, opts ...FeedOption) *Feed {
	client := backend.NewClient(&backend.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewFeedFromClient(client, opts...)
}

// NewFeedFromClient wraps an existing client.
func NewFeedFromClient(client *backend.Client, opts ...FeedOption) *Feed {
	f := &Feed{
		client:  client,
		channel: DefaultChannel,
		buffer:  64,
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Client returns the underlying Redis client.
func (f *Feed) Client() *backend.Client {
	return f.client
}

// Publish sends the event to every subscriber of the channel.
func (f *Feed) Publish(ctx context.Context, event domain.ChangeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}
	return nil
}

// Subscribe listens on the channel until ctx is done. The subscription is
// confirmed before Subscribe returns, so no event published afterwards is missed.
func (f *Feed) Subscribe(ctx context.Context) (<-chan domain.ChangeEvent, error) {
	ps := f.client.Subscribe(ctx, f.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", f.channel, err)
	}

	out := make(chan domain.ChangeEvent, f.buffer)
	go func() {
		defer close(out)
		defer ps.Close()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event domain.ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					f.logger.Warn("Dropping malformed change event", "channel", f.channel, "err", err)
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the underlying client.
func (f *Feed) Close() error {
	return f.client.Close()
}
