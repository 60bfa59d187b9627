package jupyter

import "errors"

var (
	// ErrExecution is reported when the kernel answers an execute_request with status "error".
	ErrExecution = errors.New("kernel execution error")
	// ErrAborted is reported when the kernel skipped the request (e.g. after an earlier error).
	ErrAborted = errors.New("kernel execution aborted")
)
