/*
Package store implements the authoritative registry of notebooks and cells.

Every mutation goes through the Store's operation set and is serialized on a
single lock, so no two mutations interleave at the field level. Readers never
see live entities: they receive deep-copied snapshots and follow changes
through the ChangeEvents published after each mutation.

Validation failures (unknown notebook or cell) are no-ops reported through a
boolean result, never as panics or errors.
*/
package store
