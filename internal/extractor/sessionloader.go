package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// DirLoader is a SessionLoader backed by a directory of one-JSON-file-per-
// session transcripts, named so lexical order matches chronological order
// (e.g. "00001.json", "00002.json"). There is no database or SDK in the
// example corpus for this shape, so it is a plain directory walk; see
// DESIGN.md for why this stays on the standard library.
type DirLoader struct {
	dir   string
	names []string // cached, lexically sorted
}

// NewDirLoader builds a DirLoader over dir, indexing its *.json entries
// once at construction. The directory is re-scanned only via NewDirLoader;
// callers that add sessions at runtime should build a fresh loader.
func NewDirLoader(dir string) (*DirLoader, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read session dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return &DirLoader{dir: dir, names: names}, nil
}

// LoadBatch implements SessionLoader, returning up to limit sessions
// starting at offset in index order.
func (d *DirLoader) LoadBatch(ctx context.Context, offset, limit int) ([]Session, error) {
	if offset >= len(d.names) {
		return nil, nil
	}
	end := offset + limit
	if end > len(d.names) {
		end = len(d.names)
	}
	out := make([]Session, 0, end-offset)
	for _, name := range d.names[offset:end] {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		default:
		}
		raw, err := os.ReadFile(filepath.Join(d.dir, name))
		if err != nil {
			return out, fmt.Errorf("read session %s: %w", name, err)
		}
		var s Session
		if err := json.Unmarshal(raw, &s); err != nil {
			return out, fmt.Errorf("parse session %s: %w", name, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// Len reports the total number of indexed session files.
func (d *DirLoader) Len() int { return len(d.names) }
