package domain

import "errors"

// ErrNotebookNotFound is returned when a notebook ID is unknown to the store.
var ErrNotebookNotFound = errors.New("notebook not found")

// ErrCellNotFound is returned when a cell ID is not part of the notebook.
var ErrCellNotFound = errors.New("cell not found")

// ErrNotConnected is returned when an operation needs a live backend connection.
var ErrNotConnected = errors.New("backend not connected")

// ErrCellInFlight is returned when a cell already has an unresolved execution.
var ErrCellInFlight = errors.New("cell already executing")

// ErrNoSession is returned when a notebook has no backend session and none could be created.
var ErrNoSession = errors.New("no backend session")

// ErrCancelled marks an execution resolved by an explicit cancel request.
var ErrCancelled = errors.New("execution cancelled")

// ErrBackendRejected is returned when the backend refuses a request.
var ErrBackendRejected = errors.New("backend rejected request")
