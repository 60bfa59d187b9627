/*
Package ports defines the driven ports (interfaces) for the workbench engine.

These interfaces decouple the notebook state engine from external
implementations, allowing it to work with different kernel backends and
change-notification transports.

# Key Interfaces

  - Backend: talks to the remote kernel service (probe, sessions, execution, contents).
  - ChangePublisher / ChangeFeed: publish store change events to readers (memory, Redis).
  - IDGenerator / Clock: identity and time sources, swappable in tests.
*/
package ports
