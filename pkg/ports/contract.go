package ports

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/workbench/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunChangeFeedContract runs a suite of tests to verify that a ChangeFeed implementation
// adheres to the defined interface contract.
func RunChangeFeedContract(t *testing.T, feed ChangeFeed) {
	t.Run("Publish reaches subscriber in order", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		events, err := feed.Subscribe(ctx)
		require.NoError(t, err, "Subscribe should not return error")

		sent := []domain.ChangeEvent{
			{Type: domain.ChangeCellAdded, NotebookID: "nb-1", CellID: "c-1", Timestamp: time.Now().UTC()},
			{Type: domain.ChangeCellExecution, NotebookID: "nb-1", CellID: "c-1", Status: domain.StatusRunning, Timestamp: time.Now().UTC()},
		}
		for _, ev := range sent {
			require.NoError(t, feed.Publish(ctx, ev), "Publish should not return error")
		}

		for i, want := range sent {
			select {
			case got := <-events:
				assert.Equal(t, want.Type, got.Type, "event %d type", i)
				assert.Equal(t, want.NotebookID, got.NotebookID, "event %d notebook", i)
				assert.Equal(t, want.CellID, got.CellID, "event %d cell", i)
				assert.Equal(t, want.Status, got.Status, "event %d status", i)
			case <-ctx.Done():
				t.Fatalf("timed out waiting for event %d", i)
			}
		}
	})

	t.Run("Subscription closes with context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		events, err := feed.Subscribe(ctx)
		require.NoError(t, err)
		cancel()

		deadline := time.After(5 * time.Second)
		for {
			select {
			case _, ok := <-events:
				if !ok {
					return
				}
			case <-deadline:
				t.Fatal("subscription channel was not closed after cancel")
			}
		}
	})
}

// RunBackendContract verifies a Backend against the loopback semantics shared by the
// in-memory backend and the test kernel servers: every submitted line is echoed back
// as stream output, and a source starting with "raise" fails.
func RunBackendContract(t *testing.T, backend Backend, ep Endpoint) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.Run("Probe", func(t *testing.T) {
		require.NoError(t, backend.Probe(ctx, ep))
	})

	session, err := backend.CreateSession(ctx, ep, SessionRequest{
		Name:       "notebook-contract",
		Path:       "notebook-contract.ipynb",
		KernelSpec: domain.DefaultKernelSpec,
	})
	require.NoError(t, err, "CreateSession should not return error")
	require.NotEmpty(t, session.SessionID)
	require.NotEmpty(t, session.KernelID)

	t.Run("Execute success streams lines then done", func(t *testing.T) {
		events, err := backend.Execute(ctx, ep, session, "first\nsecond")
		require.NoError(t, err)

		lines, done := drain(t, ctx, events)
		assert.Equal(t, []string{"first", "second"}, lines)
		require.NotNil(t, done, "stream must end with a done event")
		assert.NoError(t, done.Err)
	})

	t.Run("Execute failure ends with error", func(t *testing.T) {
		events, err := backend.Execute(ctx, ep, session, "raise ValueError")
		require.NoError(t, err)

		_, done := drain(t, ctx, events)
		require.NotNil(t, done, "stream must end with a done event")
		assert.Error(t, done.Err)
	})

	t.Run("Interrupt and restart", func(t *testing.T) {
		assert.NoError(t, backend.Interrupt(ctx, ep, session.KernelID))
		assert.NoError(t, backend.RestartKernel(ctx, ep, session.KernelID))
	})

	t.Run("SaveNotebook", func(t *testing.T) {
		now := time.Now().UTC()
		nb := domain.NewNotebook("nb", "contract", domain.NewCell("c", domain.KindCode, now), now)
		assert.NoError(t, backend.SaveNotebook(ctx, ep, nb.Name, domain.ToDocument(nb)))
	})
}

func drain(t *testing.T, ctx context.Context, events <-chan OutputEvent) ([]string, *OutputEvent) {
	t.Helper()
	var lines []string
	var done *OutputEvent
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return lines, done
			}
			switch ev.Kind {
			case OutputStream, OutputResult:
				lines = append(lines, ev.Text)
			case OutputDone:
				e := ev
				done = &e
			}
		case <-ctx.Done():
			t.Fatalf("timed out draining execution events")
			return lines, done
		}
	}
}
