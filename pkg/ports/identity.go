package ports

import "time"

// IDGenerator produces unique, opaque entity identifiers.
type IDGenerator func() string

// Clock returns the current time.
type Clock func() time.Time
