package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileArchive keeps one Avro file per record in a directory.
type FileArchive struct {
	dir string
}

// NewFileArchive creates the directory if needed.
func NewFileArchive(dir string) (*FileArchive, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating archive dir: %w", err)
	}
	return &FileArchive{dir: dir}, nil
}

func (a *FileArchive) path(id string) string {
	return filepath.Join(a.dir, id+".avro")
}

func (a *FileArchive) Save(_ context.Context, rec Record) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	tmp := a.path(rec.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing archive record: %w", err)
	}
	if err := os.Rename(tmp, a.path(rec.ID)); err != nil {
		return fmt.Errorf("writing archive record: %w", err)
	}
	return nil
}

func (a *FileArchive) Load(_ context.Context, id string) (Record, error) {
	data, err := os.ReadFile(a.path(id))
	if err != nil {
		return Record{}, fmt.Errorf("reading archive record %q: %w", id, err)
	}
	return decodeRecord(data)
}

func (a *FileArchive) List(_ context.Context) ([]Record, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("listing archive dir: %w", err)
	}
	var records []Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".avro") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(a.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading archive record: %w", err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt > records[j].CreatedAt })
	return records, nil
}
