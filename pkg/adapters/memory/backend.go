package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aretw0/workbench/pkg/domain"
	"github.com/aretw0/workbench/pkg/ports"
)

var (
	// ErrRaised is reported when a submitted source starts with "raise".
	ErrRaised = errors.New("kernel raised an error")
	// ErrInterrupted is reported for executions stopped by Interrupt or RestartKernel.
	ErrInterrupted = errors.New("kernel interrupted")
	// ErrUnreachable is returned by Probe when the backend is marked unreachable.
	ErrUnreachable = errors.New("backend unreachable")
)

type kernel struct {
	spec     domain.KernelSpec
	running  map[int]chan struct{}
	restarts int
}

// Backend is a deterministic in-process implementation of ports.Backend.
// It echoes every submitted line as stream output and fails sources that start with "raise".
type Backend struct {
	mu          sync.Mutex
	reachable   bool
	broken      bool
	rejectNew   bool
	dropCh      chan struct{}
	kernels     map[string]*kernel
	saved       map[string]domain.NotebookDocument
	nextSession int
	nextExec    int

	delay time.Duration
	gate  <-chan struct{}
}

// BackendOption configures a Backend.
type BackendOption func(*Backend)

// WithLineDelay waits d before emitting each output line.
func WithLineDelay(d time.Duration) BackendOption {
	return func(b *Backend) {
		b.delay = d
	}
}

// WithGate holds every execution before its final reply until gate yields or is closed.
func WithGate(gate <-chan struct{}) BackendOption {
	return func(b *Backend) {
		b.gate = gate
	}
}

// NewBackend creates a reachable loopback backend.
func NewBackend(opts ...BackendOption) *Backend {
	b := &Backend{
		reachable: true,
		dropCh:    make(chan struct{}),
		kernels:   make(map[string]*kernel),
		saved:     make(map[string]domain.NotebookDocument),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetReachable controls the outcome of Probe.
func (b *Backend) SetReachable(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reachable = ok
}

// RejectSessions makes CreateSession fail while set.
func (b *Backend) RejectSessions(reject bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectNew = reject
}

// Drop simulates losing the transport: in-flight streams close without a final
// reply and further calls fail with ports.ErrTransportClosed until Reset.
func (b *Backend) Drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broken = true
	close(b.dropCh)
	b.dropCh = make(chan struct{})
}

// Reset clears a simulated transport loss.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broken = false
}

// Saved returns the document stored under name, if any.
func (b *Backend) Saved(name string) (domain.NotebookDocument, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, ok := b.saved[name]
	return doc, ok
}

// Restarts returns how many times the kernel was restarted.
func (b *Backend) Restarts(kernelID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if k, ok := b.kernels[kernelID]; ok {
		return k.restarts
	}
	return 0
}

// Probe reports whether the backend is reachable.
func (b *Backend) Probe(ctx context.Context, ep ports.Endpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.reachable || b.broken {
		return fmt.Errorf("%w: %s", ErrUnreachable, ep.BaseURL)
	}
	return nil
}

// CreateSession starts a new loopback kernel.
func (b *Backend) CreateSession(ctx context.Context, ep ports.Endpoint, req ports.SessionRequest) (ports.SessionInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.broken {
		return ports.SessionInfo{}, ports.ErrTransportClosed
	}
	if b.rejectNew {
		return ports.SessionInfo{}, fmt.Errorf("%w: session %q", domain.ErrBackendRejected, req.Name)
	}

	b.nextSession++
	info := ports.SessionInfo{
		SessionID: fmt.Sprintf("session-%d", b.nextSession),
		KernelID:  fmt.Sprintf("kernel-%d", b.nextSession),
	}
	b.kernels[info.KernelID] = &kernel{spec: req.KernelSpec, running: make(map[int]chan struct{})}
	return info, nil
}

// Execute echoes the source back line by line.
func (b *Backend) Execute(ctx context.Context, ep ports.Endpoint, session ports.SessionInfo, source string) (<-chan ports.OutputEvent, error) {
	b.mu.Lock()
	if b.broken {
		b.mu.Unlock()
		return nil, ports.ErrTransportClosed
	}
	k, ok := b.kernels[session.KernelID]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: unknown kernel %s", domain.ErrBackendRejected, session.KernelID)
	}
	b.nextExec++
	execID := b.nextExec
	stop := make(chan struct{})
	k.running[execID] = stop
	drop := b.dropCh
	b.mu.Unlock()

	out := make(chan ports.OutputEvent)
	go func() {
		defer close(out)
		defer b.finish(session.KernelID, execID)

		send := func(ev ports.OutputEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			case <-drop:
				return false
			}
		}
		// wait returns false when the stream must end without a reply.
		wait := func(c <-chan time.Time, gate <-chan struct{}) bool {
			select {
			case <-c:
			case <-gate:
			case <-ctx.Done():
				return false
			case <-drop:
				return false
			case <-stop:
				send(ports.OutputEvent{Kind: ports.OutputError, Text: "KeyboardInterrupt"})
				send(ports.OutputEvent{Kind: ports.OutputDone, Err: ErrInterrupted})
				return false
			}
			return true
		}

		if !send(ports.OutputEvent{Kind: ports.OutputAccepted}) {
			return
		}

		trimmed := strings.TrimSpace(source)
		if strings.HasPrefix(trimmed, "raise") {
			send(ports.OutputEvent{Kind: ports.OutputError, Text: "Traceback (most recent call last): " + trimmed})
			send(ports.OutputEvent{Kind: ports.OutputDone, Err: ErrRaised})
			return
		}

		for _, line := range strings.Split(source, "\n") {
			if b.delay > 0 && !wait(time.After(b.delay), nil) {
				return
			}
			if !send(ports.OutputEvent{Kind: ports.OutputStream, Text: line}) {
				return
			}
		}

		if b.gate != nil && !wait(nil, b.gate) {
			return
		}
		send(ports.OutputEvent{Kind: ports.OutputDone})
	}()

	return out, nil
}

func (b *Backend) finish(kernelID string, execID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if k, ok := b.kernels[kernelID]; ok {
		delete(k.running, execID)
	}
}

// Interrupt stops every running execution of the kernel.
func (b *Backend) Interrupt(ctx context.Context, ep ports.Endpoint, kernelID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k, ok := b.kernels[kernelID]
	if !ok {
		return fmt.Errorf("%w: unknown kernel %s", domain.ErrBackendRejected, kernelID)
	}
	for id, stop := range k.running {
		close(stop)
		delete(k.running, id)
	}
	return nil
}

// RestartKernel interrupts the kernel and counts the restart.
func (b *Backend) RestartKernel(ctx context.Context, ep ports.Endpoint, kernelID string) error {
	if err := b.Interrupt(ctx, ep, kernelID); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kernels[kernelID].restarts++
	return nil
}

// SaveNotebook keeps the document in memory.
func (b *Backend) SaveNotebook(ctx context.Context, ep ports.Endpoint, name string, doc domain.NotebookDocument) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.broken {
		return ports.ErrTransportClosed
	}
	b.saved[name] = doc
	return nil
}

// Close ends every in-flight stream without a reply. The backend stays usable.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	close(b.dropCh)
	b.dropCh = make(chan struct{})
	return nil
}
