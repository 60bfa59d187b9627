/*
Package workbench is a notebook state engine for remote code-execution kernels.

It keeps an ordered set of notebooks and cells, manages the connection to a kernel
backend (a Jupyter Server by default), creates kernel sessions per notebook and
drives each cell through a strict execution state machine: at most one in-flight
dispatch per cell, and every dispatch ends Completed or Failed.

# Architecture

The engine follows a ports-and-adapters layout. The core packages are:

  - pkg/store: the single-writer notebook registry, read through snapshots.
  - pkg/connection: the backend connection lifecycle and kernel sessions.
  - pkg/execution: the execution controller and its in-flight registry.

Backends implement ports.Backend (pkg/adapters/jupyter, pkg/adapters/memory).
Every store mutation emits a domain.ChangeEvent; readers subscribe instead of polling.

# Usage

	package main

	import (
		"context"
		"fmt"

		"github.com/aretw0/workbench"
		"github.com/aretw0/workbench/pkg/store"
	)

	func main() {
		ctx := context.Background()
		wb := workbench.New()
		if !wb.Connect(ctx, "http://localhost:8888", "my-token") {
			return
		}
		defer wb.Close(ctx)

		nbID := wb.CreateNotebook(ctx, "analysis")
		nb, _ := wb.Notebook(nbID)
		src := "print('hello')"
		wb.UpdateCell(nbID, nb.Cells[0].ID, store.CellUpdate{Source: &src})

		for _, res := range wb.RunAll(ctx, nbID) {
			fmt.Println(res.CellID, res.Status)
		}
	}
*/
package workbench
