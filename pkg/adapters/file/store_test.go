package file_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aretw0/workbench/pkg/adapters/file"
	"github.com/aretw0/workbench/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDoc(name string) domain.ExportDocument {
	return domain.ExportDocument{
		Name: name,
		Cells: []domain.ExportCell{
			{Code: "print(1)", CellType: domain.KindCode, Output: []string{"1"}},
			{Code: "# Notes", CellType: domain.KindMarkdown, Output: []string{}},
		},
		ExportedAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestStore_SaveLoadListDelete(t *testing.T) {
	store := file.New(t.TempDir())
	ctx := context.Background()

	t.Run("LoadMissing", func(t *testing.T) {
		_, err := store.Load(ctx, "nope")
		assert.ErrorIs(t, err, file.ErrExportNotFound)
	})

	t.Run("SaveAndLoad", func(t *testing.T) {
		path, err := store.Save(ctx, sampleDoc("Report"))
		require.NoError(t, err)
		assert.Equal(t, "Report.json", filepath.Base(path))

		loaded, err := store.Load(ctx, "Report")
		require.NoError(t, err)
		assert.Equal(t, sampleDoc("Report"), loaded)
	})

	t.Run("Overwrite", func(t *testing.T) {
		doc := sampleDoc("Report")
		doc.Cells = doc.Cells[:1]
		_, err := store.Save(ctx, doc)
		require.NoError(t, err)

		loaded, err := store.Load(ctx, "Report")
		require.NoError(t, err)
		assert.Len(t, loaded.Cells, 1)
	})

	t.Run("List", func(t *testing.T) {
		_, err := store.Save(ctx, sampleDoc("Other"))
		require.NoError(t, err)

		names, err := store.List(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"Report", "Other"}, names)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "Other"))
		require.NoError(t, store.Delete(ctx, "Other"), "idempotent")

		names, err := store.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"Report"}, names)
	})
}

func TestStore_ListMissingDir(t *testing.T) {
	store := file.New(filepath.Join(t.TempDir(), "absent"))
	names, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestReadFile_RejectsUnknownCellType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"name":"x","cells":[{"code":"","cellType":"sql","output":[]}]}`), 0644))

	_, err := file.ReadFile(path)
	assert.ErrorContains(t, err, "unknown type")
}

func TestWriteFile_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")
	require.NoError(t, file.WriteFile(path, sampleDoc("x")))
	require.NoError(t, file.WriteFile(path, sampleDoc("y")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	doc, err := file.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "y", doc.Name)
}

func TestStore_SaveAs(t *testing.T) {
	store := file.New(t.TempDir())
	ctx := context.Background()

	path, err := store.SaveAs(ctx, "Report-2", sampleDoc("Report"))
	require.NoError(t, err)
	assert.Equal(t, "Report-2.json", filepath.Base(path))

	doc, err := store.Load(ctx, "Report-2")
	require.NoError(t, err)
	assert.Equal(t, "Report", doc.Name)

	assert.Equal(t, "a_b", file.Key("a/b"))
	assert.Equal(t, "notebook", file.Key("  "))
}
