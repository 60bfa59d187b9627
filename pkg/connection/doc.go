/*
Package connection owns the process-wide link to the kernel backend.

The Manager drives the Disconnected → Connecting → Connected lifecycle, creates
kernel sessions for notebooks and records their bindings in the notebook store.
Session creation for a notebook is serialized with a reference-counted keyed lock,
optionally backed by a ports.DistributedLocker when several processes share a backend.
*/
package connection
