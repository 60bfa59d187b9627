package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aretw0/workbench/pkg/domain"
)

// ErrExportNotFound is returned when no export exists under the requested name.
var ErrExportNotFound = errors.New("export not found")

// Store keeps export documents as JSON files in a directory.
type Store struct {
	BasePath string
}

// New creates a new Store with the given base path.
// If basePath is empty, it defaults to ".workbench/exports".
func New(basePath string) *Store {
	if basePath == "" {
		basePath = filepath.Join(".workbench", "exports")
	}
	return &Store{BasePath: basePath}
}

// Save writes doc as <name>.json under the base path, replacing any previous
// export of the same name, and returns the file path.
func (s *Store) Save(ctx context.Context, doc domain.ExportDocument) (string, error) {
	return s.SaveAs(ctx, doc.Name, doc)
}

// SaveAs writes doc under key instead of its own name.
func (s *Store) SaveAs(ctx context.Context, key string, doc domain.ExportDocument) (string, error) {
	if err := os.MkdirAll(s.BasePath, 0755); err != nil {
		return "", fmt.Errorf("failed to ensure export directory: %w", err)
	}
	path := filepath.Join(s.BasePath, domain.ExportFilename(key))
	if err := WriteFile(path, doc); err != nil {
		return "", err
	}
	return path, nil
}

// Key returns the key name is stored under: the file name without extension.
func Key(name string) string {
	return strings.TrimSuffix(domain.ExportFilename(name), ".json")
}

// Load reads the export saved under name.
func (s *Store) Load(ctx context.Context, name string) (domain.ExportDocument, error) {
	doc, err := ReadFile(filepath.Join(s.BasePath, domain.ExportFilename(name)))
	if errors.Is(err, os.ErrNotExist) {
		return domain.ExportDocument{}, ErrExportNotFound
	}
	return doc, err
}

// Delete removes the export saved under name. Missing exports are not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	err := os.Remove(filepath.Join(s.BasePath, domain.ExportFilename(name)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete export: %w", err)
	}
	return nil
}

// List returns the names of every saved export, in directory order.
func (s *Store) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.BasePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list exports: %w", err)
	}

	names := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" || strings.HasPrefix(name, "tmp-") {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".json"))
	}
	return names, nil
}

// ReadFile decodes an export document from path.
func ReadFile(path string) (domain.ExportDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.ExportDocument{}, fmt.Errorf("failed to read export: %w", err)
	}

	var doc domain.ExportDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return domain.ExportDocument{}, fmt.Errorf("failed to decode export %s: %w", path, err)
	}
	for i, c := range doc.Cells {
		if !c.CellType.Valid() {
			return domain.ExportDocument{}, fmt.Errorf("export %s: cell %d has unknown type %q", path, i, c.CellType)
		}
	}
	return doc, nil
}

// WriteFile writes doc to path atomically: a temp file in the same directory
// is synced and then renamed over the destination.
func WriteFile(path string, doc domain.ExportDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal export: %w", err)
	}

	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "tmp-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath) // no-op once renamed
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to fsync temp file: %w", err)
	}
	// Windows cannot rename an open file.
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	// Windows rename fails when the destination exists.
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to replace existing export: %w", err)
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to move export into place: %w", err)
	}
	return nil
}
