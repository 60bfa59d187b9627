/*
Package domain contains the core data model of the workbench.

It defines notebooks, cells and the backend connection, together with the
per-cell execution state machine. This package is kept pure and free of
external dependencies like I/O or persistence, following Hexagonal
Architecture principles.

# Key Entities

  - Cell: one unit of source text plus its execution status, output and counter.
  - Notebook: an ordered collection of cells with an optional backend session binding.
  - Connection: the process-wide link to the kernel backend.
  - ChangeEvent: the notification emitted for every store mutation.
  - ExportDocument / NotebookDocument: serialized forms for download and remote registration.
*/
package domain
