/*
Package execution drives cells through the execution state machine.

A Controller dispatches cell sources to the kernel backend through the connection
manager, streams the backend's output into the notebook store and guarantees that
every dispatch ends in exactly one terminal status (Completed or Failed). At most
one execution per cell is in flight; a second request for the same cell is rejected.
*/
package execution
