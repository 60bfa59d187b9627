/*
Package observability turns cell execution lifecycle events into logs and metrics.

Hooks built here plug into the execution controller through domain.ExecutionHooks.
Several hook sets are merged with Combine.
*/
package observability
