package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/workbench/internal/identity"
	"github.com/aretw0/workbench/internal/logging"
	"github.com/aretw0/workbench/pkg/domain"
	"github.com/aretw0/workbench/pkg/ports"
)

// Registrar performs best-effort remote registration of newly created notebooks.
// Returning domain.ErrNotConnected means registration was skipped.
type Registrar interface {
	RegisterNotebook(ctx context.Context, nb *domain.Notebook) error
}

// NotebookUpdate carries the notebook-level fields that may change.
// Nil fields are left untouched.
type NotebookUpdate struct {
	Name       *string
	KernelSpec *domain.KernelSpec
}

// CellUpdate carries the editable cell fields. Nil fields are left untouched.
// Execution state is changed only through ApplyExecution.
type CellUpdate struct {
	Source *string
	Kind   *domain.CellKind
}

// Store is the single-writer registry of notebooks.
type Store struct {
	mu        sync.RWMutex
	notebooks []*domain.Notebook
	activeID  string

	newID      ports.IDGenerator
	now        ports.Clock
	logger     *slog.Logger
	registrar  Registrar
	publishers []ports.ChangePublisher
	kernelSpec domain.KernelSpec
}

// Option configures the Store.
type Option func(*Store)

// WithIDGenerator overrides the identifier source.
func WithIDGenerator(gen ports.IDGenerator) Option {
	return func(s *Store) {
		s.newID = gen
	}
}

// WithClock overrides the time source.
func WithClock(clock ports.Clock) Option {
	return func(s *Store) {
		s.now = clock
	}
}

// WithLogger configures a logger for the Store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithPublisher adds a destination for change events. May be given more than once.
func WithPublisher(p ports.ChangePublisher) Option {
	return func(s *Store) {
		s.publishers = append(s.publishers, p)
	}
}

// WithKernelSpec sets the kernelspec given to new notebooks.
func WithKernelSpec(spec domain.KernelSpec) Option {
	return func(s *Store) {
		if spec.Name != "" {
			s.kernelSpec = spec
		}
	}
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		newID:  identity.NewID,
		now:    identity.Now,
		logger: logging.NewNop(), // Default to no-op

		kernelSpec: domain.DefaultKernelSpec,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetRegistrar installs the remote registrar. It is set after construction because
// the registrar (the connection manager) itself writes session bindings into the Store.
func (s *Store) SetRegistrar(r Registrar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registrar = r
}

// find returns the live notebook and its position. Caller holds the lock.
func (s *Store) find(id string) (*domain.Notebook, int) {
	for i, nb := range s.notebooks {
		if nb.ID == id {
			return nb, i
		}
	}
	return nil, -1
}

func (s *Store) emit(event domain.ChangeEvent) {
	if len(s.publishers) == 0 {
		return
	}
	event.Timestamp = s.now()
	for _, p := range s.publishers {
		if err := p.Publish(context.Background(), event); err != nil {
			s.logger.Warn("Failed to publish change event",
				"type", event.Type,
				"notebook_id", event.NotebookID,
				"err", err,
			)
		}
	}
}

// CreateNotebook appends a notebook holding one empty code cell and makes it active.
// An empty name gets a timestamped default. If a registrar is installed the notebook
// is registered remotely; failures are logged and never roll back local state.
func (s *Store) CreateNotebook(ctx context.Context, name string) string {
	now := s.now()
	nb := domain.NewNotebook(s.newID(), s.notebookName(name, now), domain.NewCell(s.newID(), domain.KindCode, now), now)
	return s.insert(ctx, nb)
}

// ImportNotebook appends a notebook rebuilt from an export document and makes it
// active. Cells keep their source, kind and output; an empty document yields one
// empty code cell. The notebook is registered remotely only once fully populated.
func (s *Store) ImportNotebook(ctx context.Context, doc domain.ExportDocument) string {
	now := s.now()
	cells := make([]*domain.Cell, 0, len(doc.Cells))
	for _, ec := range doc.Cells {
		cell := domain.NewCell(s.newID(), ec.CellType, now)
		cell.Source = ec.Code
		if len(ec.Output) > 0 {
			cell.Output = append([]string{}, ec.Output...)
		}
		cells = append(cells, cell)
	}
	if len(cells) == 0 {
		cells = append(cells, domain.NewCell(s.newID(), domain.KindCode, now))
	}

	nb := domain.NewNotebook(s.newID(), s.notebookName(doc.Name, now), cells[0], now)
	nb.Cells = cells
	return s.insert(ctx, nb)
}

func (s *Store) notebookName(name string, now time.Time) string {
	if name == "" {
		return "Untitled Notebook " + now.Format("2006-01-02 15:04:05")
	}
	return name
}

func (s *Store) insert(ctx context.Context, nb *domain.Notebook) string {
	nb.Metadata.KernelSpec = s.kernelSpec

	s.mu.Lock()
	s.notebooks = append(s.notebooks, nb)
	s.activeID = nb.ID
	registrar := s.registrar
	snapshot := nb.Clone()
	s.mu.Unlock()

	s.logger.Debug("Notebook created", "notebook_id", nb.ID, "name", nb.Name, "cells", len(snapshot.Cells))
	s.emit(domain.ChangeEvent{Type: domain.ChangeNotebookCreated, NotebookID: nb.ID})
	s.emit(domain.ChangeEvent{Type: domain.ChangeActiveChanged, NotebookID: nb.ID})

	if registrar != nil {
		if err := registrar.RegisterNotebook(ctx, snapshot); err != nil {
			if errors.Is(err, domain.ErrNotConnected) {
				s.logger.Debug("Remote registration skipped", "notebook_id", nb.ID)
			} else {
				s.logger.Warn("Remote registration failed (local notebook kept)",
					"notebook_id", nb.ID,
					"err", err,
				)
			}
		}
	}

	return nb.ID
}

// DeleteNotebook removes the notebook. If it was active, the first remaining
// notebook (or none) becomes active. Running executions are the caller's concern.
func (s *Store) DeleteNotebook(id string) bool {
	s.mu.Lock()
	_, idx := s.find(id)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.notebooks = append(s.notebooks[:idx], s.notebooks[idx+1:]...)

	activeChanged := false
	if s.activeID == id {
		s.activeID = ""
		if len(s.notebooks) > 0 {
			s.activeID = s.notebooks[0].ID
		}
		activeChanged = true
	}
	active := s.activeID
	s.mu.Unlock()

	s.emit(domain.ChangeEvent{Type: domain.ChangeNotebookDeleted, NotebookID: id})
	if activeChanged {
		s.emit(domain.ChangeEvent{Type: domain.ChangeActiveChanged, NotebookID: active})
	}
	return true
}

// SetActive points the active notebook at id. An empty id clears it;
// an unknown id is ignored.
func (s *Store) SetActive(id string) bool {
	s.mu.Lock()
	if id != "" {
		if nb, _ := s.find(id); nb == nil {
			s.mu.Unlock()
			return false
		}
	}
	changed := s.activeID != id
	s.activeID = id
	s.mu.Unlock()

	if changed {
		s.emit(domain.ChangeEvent{Type: domain.ChangeActiveChanged, NotebookID: id})
	}
	return true
}

// ActiveID returns the active notebook id, or "" when none is active.
func (s *Store) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// Active returns a snapshot of the active notebook.
func (s *Store) Active() (*domain.Notebook, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.activeID == "" {
		return nil, false
	}
	nb, _ := s.find(s.activeID)
	if nb == nil {
		return nil, false
	}
	return nb.Clone(), true
}

// Notebook returns a snapshot of the notebook.
func (s *Store) Notebook(id string) (*domain.Notebook, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nb, _ := s.find(id)
	if nb == nil {
		return nil, false
	}
	return nb.Clone(), true
}

// Notebooks returns snapshots of every notebook in store order.
func (s *Store) Notebooks() []*domain.Notebook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Notebook, len(s.notebooks))
	for i, nb := range s.notebooks {
		out[i] = nb.Clone()
	}
	return out
}

// Cell returns a snapshot of a single cell.
func (s *Store) Cell(notebookID, cellID string) (*domain.Cell, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nb, _ := s.find(notebookID)
	if nb == nil {
		return nil, false
	}
	c := nb.Cell(cellID)
	if c == nil {
		return nil, false
	}
	return c.Clone(), true
}

// UpdateNotebook changes notebook-level fields and bumps LastModifiedAt.
func (s *Store) UpdateNotebook(id string, upd NotebookUpdate) bool {
	s.mu.Lock()
	nb, _ := s.find(id)
	if nb == nil {
		s.mu.Unlock()
		return false
	}
	if upd.Name != nil && *upd.Name != "" {
		nb.Name = *upd.Name
	}
	if upd.KernelSpec != nil {
		nb.Metadata.KernelSpec = *upd.KernelSpec
	}
	nb.LastModifiedAt = s.now()
	s.mu.Unlock()

	s.emit(domain.ChangeEvent{Type: domain.ChangeNotebookUpdated, NotebookID: id})
	return true
}

// BindSession records (or, with nil, clears) the backend session of a notebook.
// Session linkage is not content, so LastModifiedAt is left alone.
func (s *Store) BindSession(id string, binding *domain.SessionBinding) bool {
	s.mu.Lock()
	nb, _ := s.find(id)
	if nb == nil {
		s.mu.Unlock()
		return false
	}
	if binding != nil {
		b := *binding
		binding = &b
	}
	nb.Session = binding
	s.mu.Unlock()

	s.emit(domain.ChangeEvent{Type: domain.ChangeSessionBound, NotebookID: id})
	return true
}

// ClearSessions drops every notebook's session binding.
func (s *Store) ClearSessions() {
	s.mu.Lock()
	var cleared []string
	for _, nb := range s.notebooks {
		if nb.Session != nil {
			nb.Session = nil
			cleared = append(cleared, nb.ID)
		}
	}
	s.mu.Unlock()

	for _, id := range cleared {
		s.emit(domain.ChangeEvent{Type: domain.ChangeSessionBound, NotebookID: id})
	}
}

// AddCell inserts a new idle cell at atIndex (nil means the end). The index is
// clamped into [0, len]. It returns the new cell id.
func (s *Store) AddCell(notebookID string, kind domain.CellKind, atIndex *int) (string, bool) {
	s.mu.Lock()
	nb, _ := s.find(notebookID)
	if nb == nil {
		s.mu.Unlock()
		return "", false
	}

	now := s.now()
	cell := domain.NewCell(s.newID(), kind, now)

	idx := len(nb.Cells)
	if atIndex != nil {
		idx = clamp(*atIndex, 0, len(nb.Cells))
	}
	nb.Cells = append(nb.Cells, nil)
	copy(nb.Cells[idx+1:], nb.Cells[idx:])
	nb.Cells[idx] = cell
	nb.LastModifiedAt = now
	s.mu.Unlock()

	s.emit(domain.ChangeEvent{Type: domain.ChangeCellAdded, NotebookID: notebookID, CellID: cell.ID})
	return cell.ID, true
}

// DeleteCell removes the cell.
func (s *Store) DeleteCell(notebookID, cellID string) bool {
	s.mu.Lock()
	nb, _ := s.find(notebookID)
	if nb == nil {
		s.mu.Unlock()
		return false
	}
	idx := nb.IndexOf(cellID)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	nb.Cells = append(nb.Cells[:idx], nb.Cells[idx+1:]...)
	nb.LastModifiedAt = s.now()
	s.mu.Unlock()

	s.emit(domain.ChangeEvent{Type: domain.ChangeCellDeleted, NotebookID: notebookID, CellID: cellID})
	return true
}

// UpdateCell merges the editable fields into the cell and bumps LastModifiedAt.
func (s *Store) UpdateCell(notebookID, cellID string, upd CellUpdate) bool {
	s.mu.Lock()
	nb, _ := s.find(notebookID)
	if nb == nil {
		s.mu.Unlock()
		return false
	}
	c := nb.Cell(cellID)
	if c == nil {
		s.mu.Unlock()
		return false
	}
	if upd.Source != nil {
		c.Source = *upd.Source
	}
	if upd.Kind != nil && upd.Kind.Valid() {
		c.Kind = *upd.Kind
	}
	nb.LastModifiedAt = s.now()
	s.mu.Unlock()

	s.emit(domain.ChangeEvent{Type: domain.ChangeCellUpdated, NotebookID: notebookID, CellID: cellID})
	return true
}

// ReorderCells moves the cell at from to position to, shifting the cells between.
// Both indices are clamped into [0, len-1]; equal indices are a no-op.
func (s *Store) ReorderCells(notebookID string, from, to int) bool {
	s.mu.Lock()
	nb, _ := s.find(notebookID)
	if nb == nil || len(nb.Cells) == 0 {
		s.mu.Unlock()
		return false
	}
	last := len(nb.Cells) - 1
	from, to = clamp(from, 0, last), clamp(to, 0, last)
	if from == to {
		s.mu.Unlock()
		return false
	}

	moved := nb.Cells[from]
	if from < to {
		copy(nb.Cells[from:to], nb.Cells[from+1:to+1])
	} else {
		copy(nb.Cells[to+1:from+1], nb.Cells[to:from])
	}
	nb.Cells[to] = moved
	nb.LastModifiedAt = s.now()
	s.mu.Unlock()

	s.emit(domain.ChangeEvent{Type: domain.ChangeCellsReordered, NotebookID: notebookID, CellID: moved.ID})
	return true
}

// ApplyExecution runs fn against the live cell. It is the only path for
// execution-driven status/output changes and does not bump LastModifiedAt.
// fn must not block.
func (s *Store) ApplyExecution(notebookID, cellID string, fn func(*domain.Cell)) bool {
	s.mu.Lock()
	nb, _ := s.find(notebookID)
	if nb == nil {
		s.mu.Unlock()
		return false
	}
	c := nb.Cell(cellID)
	if c == nil {
		s.mu.Unlock()
		return false
	}
	fn(c)
	status := c.Status
	s.mu.Unlock()

	s.emit(domain.ChangeEvent{Type: domain.ChangeCellExecution, NotebookID: notebookID, CellID: cellID, Status: status})
	return true
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
