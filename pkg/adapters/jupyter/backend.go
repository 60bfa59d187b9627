package jupyter

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aretw0/workbench/internal/logging"
	"github.com/aretw0/workbench/pkg/domain"
	"github.com/aretw0/workbench/pkg/ports"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Backend talks to a Jupyter Server. Kernel channels are opened lazily and
// shared by every execution on the same kernel.
type Backend struct {
	http   *http.Client
	dialer *websocket.Dialer
	logger *slog.Logger

	// clientSession identifies this process in message headers.
	clientSession string

	mu       sync.Mutex
	channels map[string]*channel
	// dialing holds one entry per kernel being dialed, closed when the dial ends.
	dialing map[string]chan struct{}
	// closes counts Close calls; a dial that spans one is discarded.
	closes uint64
}

// Option configures the Backend.
type Option func(*Backend)

// WithHTTPClient overrides the HTTP client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) {
		b.http = c
	}
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(b *Backend) {
		b.dialer = d
	}
}

// WithLogger configures a logger for the Backend.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// New creates a Jupyter backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		http:          &http.Client{Timeout: 30 * time.Second},
		dialer:        websocket.DefaultDialer,
		logger:        logging.NewNop(),
		clientSession: uuid.NewString(),
		channels:      make(map[string]*channel),
		dialing:       make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute sends an execute_request on the kernel channel and streams the replies.
func (b *Backend) Execute(ctx context.Context, ep ports.Endpoint, session ports.SessionInfo, source string) (<-chan ports.OutputEvent, error) {
	ch, err := b.channel(ctx, ep, session)
	if err != nil {
		return nil, err
	}

	msgID := uuid.NewString()
	req, err := newExecuteRequest(msgID, b.clientSession, source)
	if err != nil {
		return nil, fmt.Errorf("failed to encode execute request: %w", err)
	}

	p := ch.register(msgID)
	if err := ch.write(req); err != nil {
		ch.unregister(msgID, p)
		ch.fail(err)
		return nil, fmt.Errorf("%w: %w", ports.ErrTransportClosed, err)
	}

	out := make(chan ports.OutputEvent)
	go func() {
		defer close(out)
		defer ch.unregister(msgID, p)
		for {
			select {
			case ev := <-p.in:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Kind == ports.OutputDone {
					return
				}
			case <-p.lost:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// channel returns the live channel of the kernel, dialing it if needed. The
// dial runs outside b.mu; concurrent callers for the same kernel wait for it.
func (b *Backend) channel(ctx context.Context, ep ports.Endpoint, session ports.SessionInfo) (*channel, error) {
	key := ep.BaseURL + "|" + session.KernelID

	for {
		b.mu.Lock()
		if ch, ok := b.channels[key]; ok && !ch.isClosed() {
			b.mu.Unlock()
			return ch, nil
		}
		if wait, busy := b.dialing[key]; busy {
			b.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		done := make(chan struct{})
		b.dialing[key] = done
		closes := b.closes
		b.mu.Unlock()

		ch, err := b.dial(ctx, ep, session)

		b.mu.Lock()
		delete(b.dialing, key)
		close(done)
		stale := err == nil && closes != b.closes
		if err == nil && !stale {
			b.channels[key] = ch
		}
		b.mu.Unlock()

		if err != nil {
			return nil, err
		}
		if stale {
			ch.fail(ports.ErrTransportClosed)
			return nil, fmt.Errorf("%w: backend closed while dialing kernel %s", ports.ErrTransportClosed, session.KernelID)
		}
		go ch.readPump()
		go ch.pingPump()
		b.logger.Debug("Kernel channel opened", "kernel_id", session.KernelID)
		return ch, nil
	}
}

func (b *Backend) dial(ctx context.Context, ep ports.Endpoint, session ports.SessionInfo) (*channel, error) {
	wsURL, err := channelsURL(ep.BaseURL, session.KernelID, session.SessionID)
	if err != nil {
		return nil, err
	}
	hdr := http.Header{}
	if ep.Token != "" {
		hdr.Set("Authorization", "token "+ep.Token)
	}

	conn, resp, err := b.dialer.DialContext(ctx, wsURL, hdr)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, fmt.Errorf("%w: kernel %s channel refused: %d", domain.ErrBackendRejected, session.KernelID, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial kernel %s: %w", ports.ErrTransportClosed, session.KernelID, err)
	}
	return newChannel(conn, b.logger.With("kernel_id", session.KernelID)), nil
}

// Close closes every kernel channel; pending executions end without a reply.
func (b *Backend) Close() error {
	b.mu.Lock()
	channels := b.channels
	b.channels = make(map[string]*channel)
	b.closes++
	b.mu.Unlock()

	for _, ch := range channels {
		ch.fail(ports.ErrTransportClosed)
	}
	return nil
}

func channelsURL(baseURL, kernelID, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/api/kernels/" + kernelID + "/channels"
	q := url.Values{}
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
