package ports

import (
	"context"
	"errors"

	"github.com/aretw0/workbench/pkg/domain"
)

// ErrTransportClosed is returned (or wrapped) by a Backend when its live transport
// went away. Callers treat it as an immediate disconnect.
var ErrTransportClosed = errors.New("backend transport closed")

// Endpoint addresses a backend.
type Endpoint struct {
	BaseURL string
	Token   string
}

// SessionRequest asks the backend to start a kernel for a notebook.
type SessionRequest struct {
	Name       string
	Path       string
	KernelSpec domain.KernelSpec
}

// SessionInfo identifies a live backend session.
type SessionInfo struct {
	SessionID string
	KernelID  string
}

// Binding converts the session into the notebook-side binding.
func (s SessionInfo) Binding() *domain.SessionBinding {
	return &domain.SessionBinding{KernelID: s.KernelID, SessionID: s.SessionID}
}

// OutputKind classifies events streamed back by Execute.
type OutputKind string

const (
	// OutputAccepted signals the backend took the submission.
	OutputAccepted OutputKind = "accepted"
	// OutputStream is a line of streamed output (stdout/stderr).
	OutputStream OutputKind = "stream"
	// OutputResult is a line of the execution's result value.
	OutputResult OutputKind = "result"
	// OutputError is a line describing an error raised by the submitted code.
	OutputError OutputKind = "error"
	// OutputDone terminates the stream. Err is nil on success.
	OutputDone OutputKind = "done"
)

// OutputEvent is one message of an execution stream.
type OutputEvent struct {
	Kind OutputKind
	Text string
	Err  error
}

// Backend is the protocol-agnostic contract of a kernel backend.
// A real kernel protocol client implements it underneath the engine.
type Backend interface {
	// Probe checks that the backend is reachable. Any error means unreachable.
	Probe(ctx context.Context, ep Endpoint) error

	// CreateSession starts a session (and kernel) on the backend.
	CreateSession(ctx context.Context, ep Endpoint, req SessionRequest) (SessionInfo, error)

	// Execute submits source to the session. The returned channel yields events in
	// backend emission order and is closed after an OutputDone event. If the
	// channel closes without OutputDone the execution is considered lost.
	Execute(ctx context.Context, ep Endpoint, session SessionInfo, source string) (<-chan OutputEvent, error)

	// Interrupt asks the backend to stop the kernel's current execution.
	Interrupt(ctx context.Context, ep Endpoint, kernelID string) error

	// RestartKernel restarts the kernel, dropping its state.
	RestartKernel(ctx context.Context, ep Endpoint, kernelID string) error

	// SaveNotebook stores a serialized notebook document on the backend.
	SaveNotebook(ctx context.Context, ep Endpoint, name string, doc domain.NotebookDocument) error

	// Close releases any live transports.
	Close() error
}
