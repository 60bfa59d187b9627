package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aretw0/workbench/internal/identity"
	"github.com/aretw0/workbench/internal/logging"
	"github.com/aretw0/workbench/pkg/domain"
	"github.com/aretw0/workbench/pkg/ports"
)

const (
	// DefaultProbeTimeout bounds the reachability check done by Connect.
	DefaultProbeTimeout = 5 * time.Second
	// DefaultLockTTL bounds a distributed session lock left behind by a crashed process.
	DefaultLockTTL = 30 * time.Second
)

// NotebookSessions is the part of the notebook store the Manager writes session bindings to.
type NotebookSessions interface {
	Notebook(id string) (*domain.Notebook, bool)
	BindSession(id string, binding *domain.SessionBinding) bool
	ClearSessions()
}

// Manager owns the connection state and the backend transports.
type Manager struct {
	backend  ports.Backend
	sessions NotebookSessions

	mu      sync.RWMutex
	conn    domain.Connection
	attempt uint64 // bumped by every Connect/Disconnect; stale results are discarded

	locks        *keyedMutex
	locker       ports.DistributedLocker
	lockTTL      time.Duration
	probeTimeout time.Duration
	now          ports.Clock
	logger       *slog.Logger
}

// Option configures the Manager.
type Option func(*Manager)

// WithLogger configures a logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithProbeTimeout overrides DefaultProbeTimeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.probeTimeout = d
		}
	}
}

// WithLocker serializes session creation across processes.
func WithLocker(locker ports.DistributedLocker, ttl time.Duration) Option {
	return func(m *Manager) {
		m.locker = locker
		if ttl > 0 {
			m.lockTTL = ttl
		}
	}
}

// WithClock overrides the time source used for ConnectedAt.
func WithClock(clock ports.Clock) Option {
	return func(m *Manager) {
		m.now = clock
	}
}

// NewManager creates a disconnected Manager.
func NewManager(backend ports.Backend, sessions NotebookSessions, opts ...Option) *Manager {
	m := &Manager{
		backend:      backend,
		sessions:     sessions,
		conn:         domain.NewConnection(),
		locks:        newKeyedMutex(),
		lockTTL:      DefaultLockTTL,
		probeTimeout: DefaultProbeTimeout,
		now:          identity.Now,
		logger:       logging.NewNop(), // Default to no-op
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect probes the backend at baseURL and, on success, commits the endpoint and
// flips to Connected. Failures are logged and leave the manager Disconnected.
func (m *Manager) Connect(ctx context.Context, baseURL, token string) bool {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = domain.DefaultBaseURL
	}

	m.mu.Lock()
	m.attempt++
	attempt := m.attempt
	prev := m.conn
	m.conn.State = domain.ConnConnecting
	m.conn.Connected = false
	m.conn.ConnectedAt = nil
	m.mu.Unlock()

	m.logger.Info("Connecting to backend", "base_url", baseURL, "token", token != "")

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	err := m.backend.Probe(probeCtx, ports.Endpoint{BaseURL: baseURL, Token: token})
	cancel()

	m.mu.Lock()
	if attempt != m.attempt {
		m.mu.Unlock()
		m.logger.Debug("Connect superseded", "base_url", baseURL)
		return false
	}
	if err != nil {
		m.conn.State = domain.ConnDisconnected
		m.mu.Unlock()

		m.logger.Warn("Backend unreachable", "base_url", baseURL, "err", err)
		if prev.Connected {
			m.dropTransports()
		}
		return false
	}

	now := m.now()
	m.conn = domain.Connection{
		BaseURL:     baseURL,
		Token:       token,
		State:       domain.ConnConnected,
		Connected:   true,
		ConnectedAt: &now,
	}
	m.mu.Unlock()

	// Bindings from another server are meaningless here.
	if prev.Connected && (prev.BaseURL != baseURL || prev.Token != token) {
		m.dropTransports()
	}

	m.logger.Info("Connected to backend", "base_url", baseURL)
	return true
}

// Disconnect closes the backend transports, clears every session binding and
// flips to Disconnected. It is idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	wasActive := m.markDisconnected()
	m.mu.Unlock()

	m.dropTransports()
	if wasActive {
		m.logger.Info("Disconnected from backend")
	}
}

// markDisconnected must be called with m.mu held.
func (m *Manager) markDisconnected() bool {
	m.attempt++
	wasActive := m.conn.State != domain.ConnDisconnected
	m.conn.State = domain.ConnDisconnected
	m.conn.Connected = false
	m.conn.ConnectedAt = nil
	return wasActive
}

func (m *Manager) dropTransports() {
	if err := m.backend.Close(); err != nil {
		m.logger.Warn("Failed to close backend transports", "err", err)
	}
	m.sessions.ClearSessions()
}

// Epoch identifies the current connection. Every Connect and Disconnect starts a new one.
func (m *Manager) Epoch() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attempt
}

// HandleTransportClosed forces a disconnect when err reports a lost transport
// of the connection identified by epoch. Reports about an earlier connection are
// ignored. It returns true if the manager disconnected.
func (m *Manager) HandleTransportClosed(epoch uint64, err error) bool {
	if err == nil || !errors.Is(err, ports.ErrTransportClosed) {
		return false
	}

	m.mu.Lock()
	if epoch != m.attempt || !m.conn.Connected {
		m.mu.Unlock()
		m.logger.Debug("Ignoring transport loss of a previous connection", "err", err)
		return false
	}
	m.markDisconnected()
	m.mu.Unlock()

	m.logger.Warn("Backend transport lost", "err", err)
	m.dropTransports()
	m.logger.Info("Disconnected from backend")
	return true
}

// IsConnected reports whether the manager is Connected.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn.Connected
}

// Connection returns a snapshot of the connection.
func (m *Manager) Connection() domain.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.conn
	if c.ConnectedAt != nil {
		at := *c.ConnectedAt
		c.ConnectedAt = &at
	}
	return c
}

// Endpoint returns the committed endpoint while Connected.
func (m *Manager) Endpoint() (ports.Endpoint, bool) {
	ep, _, ok := m.endpoint()
	return ep, ok
}

func (m *Manager) endpoint() (ports.Endpoint, uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.conn.Connected {
		return ports.Endpoint{}, 0, false
	}
	return ports.Endpoint{BaseURL: m.conn.BaseURL, Token: m.conn.Token}, m.attempt, true
}

// Session returns the notebook's current binding, if any.
func (m *Manager) Session(notebookID string) (*domain.SessionBinding, bool) {
	nb, ok := m.sessions.Notebook(notebookID)
	if !ok || nb.Session == nil {
		return nil, false
	}
	return nb.Session, true
}

// InitializeSession starts a fresh kernel session for the notebook and binds it,
// replacing any previous binding.
func (m *Manager) InitializeSession(ctx context.Context, notebookID string) bool {
	if _, err := m.session(ctx, notebookID, true); err != nil {
		m.logger.Warn("Failed to initialize kernel session", "notebook_id", notebookID, "err", err)
		return false
	}
	return true
}

// EnsureSession returns the notebook's binding, initializing one if absent.
func (m *Manager) EnsureSession(ctx context.Context, notebookID string) (*domain.SessionBinding, error) {
	return m.session(ctx, notebookID, false)
}

func (m *Manager) session(ctx context.Context, notebookID string, force bool) (*domain.SessionBinding, error) {
	if !m.IsConnected() {
		return nil, domain.ErrNotConnected
	}
	if !force {
		if nb, ok := m.sessions.Notebook(notebookID); !ok {
			return nil, domain.ErrNotebookNotFound
		} else if nb.Session != nil {
			return nb.Session, nil
		}
	}

	unlock := m.locks.Lock(notebookID)
	defer unlock()

	if m.locker != nil {
		release, err := m.locker.Lock(ctx, "notebook-session:"+notebookID, m.lockTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire session lock: %w", err)
		}
		defer func() {
			if err := release(ctx); err != nil {
				m.logger.Warn("Failed to release session lock (will expire via TTL)",
					"notebook_id", notebookID,
					"err", err,
				)
			}
		}()
	}

	// Re-read under the lock: a concurrent caller may have bound a session already.
	nb, ok := m.sessions.Notebook(notebookID)
	if !ok {
		return nil, domain.ErrNotebookNotFound
	}
	if nb.Session != nil && !force {
		return nb.Session, nil
	}

	ep, attempt, ok := m.endpoint()
	if !ok {
		return nil, domain.ErrNotConnected
	}

	name := "notebook-" + notebookID
	info, err := m.backend.CreateSession(ctx, ep, ports.SessionRequest{
		Name:       name,
		Path:       name + ".ipynb",
		KernelSpec: nb.Metadata.KernelSpec,
	})
	if err != nil {
		m.HandleTransportClosed(attempt, err)
		return nil, fmt.Errorf("%w: %w", domain.ErrNoSession, err)
	}

	if _, current, ok := m.endpoint(); !ok || current != attempt {
		return nil, domain.ErrNotConnected
	}

	binding := info.Binding()
	if !m.sessions.BindSession(notebookID, binding) {
		return nil, domain.ErrNotebookNotFound
	}

	m.logger.Info("Kernel session started",
		"notebook_id", notebookID,
		"kernel_id", binding.KernelID,
		"session_id", binding.SessionID,
	)
	return binding, nil
}

// RegisterNotebook saves the notebook's nbformat document on the backend.
// It returns domain.ErrNotConnected when there is nothing to register with.
func (m *Manager) RegisterNotebook(ctx context.Context, nb *domain.Notebook) error {
	ep, attempt, ok := m.endpoint()
	if !ok {
		return domain.ErrNotConnected
	}
	if err := m.backend.SaveNotebook(ctx, ep, nb.Name, domain.ToDocument(nb)); err != nil {
		m.HandleTransportClosed(attempt, err)
		return fmt.Errorf("failed to register notebook %s: %w", nb.ID, err)
	}
	return nil
}

// RestartKernel restarts the kernel bound to the notebook.
func (m *Manager) RestartKernel(ctx context.Context, notebookID string) error {
	ep, attempt, ok := m.endpoint()
	if !ok {
		return domain.ErrNotConnected
	}
	binding, ok := m.Session(notebookID)
	if !ok {
		return domain.ErrNoSession
	}
	if err := m.backend.RestartKernel(ctx, ep, binding.KernelID); err != nil {
		m.HandleTransportClosed(attempt, err)
		return fmt.Errorf("failed to restart kernel %s: %w", binding.KernelID, err)
	}
	m.logger.Info("Kernel restarted", "notebook_id", notebookID, "kernel_id", binding.KernelID)
	return nil
}

// Interrupt asks the backend to stop the kernel's current execution.
func (m *Manager) Interrupt(ctx context.Context, kernelID string) error {
	ep, attempt, ok := m.endpoint()
	if !ok {
		return domain.ErrNotConnected
	}
	if err := m.backend.Interrupt(ctx, ep, kernelID); err != nil {
		m.HandleTransportClosed(attempt, err)
		return fmt.Errorf("failed to interrupt kernel %s: %w", kernelID, err)
	}
	return nil
}

// Execute submits source to the notebook's session on the current endpoint. It also
// returns the epoch of the connection used, for later HandleTransportClosed calls.
func (m *Manager) Execute(ctx context.Context, binding *domain.SessionBinding, source string) (<-chan ports.OutputEvent, uint64, error) {
	ep, attempt, ok := m.endpoint()
	if !ok {
		return nil, attempt, domain.ErrNotConnected
	}
	session := ports.SessionInfo{SessionID: binding.SessionID, KernelID: binding.KernelID}
	events, err := m.backend.Execute(ctx, ep, session, source)
	return events, attempt, err
}
