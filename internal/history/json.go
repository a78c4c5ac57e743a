package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ddttom/invisible-users-sub000/internal/storage/local"
)

const fileTimeLayout = "2006-01-02T15-04-05.000Z"

// JSONStore keeps one results-<timestamp>.json file per run under dir.
type JSONStore struct {
	dir string
}

// NewJSONStore returns a store writing to dir, usually <output>/history.
func NewJSONStore(dir string) *JSONStore {
	return &JSONStore{dir: dir}
}

// Save writes s to its own timestamped file.
func (j *JSONStore) Save(ctx context.Context, s RunSummary) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled: %w", err)
	}
	if err := os.MkdirAll(j.dir, 0o750); err != nil {
		return fmt.Errorf("create history dir %s: %w", j.dir, err)
	}
	payload, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}
	name := "results-" + s.StartedAt.UTC().Format(fileTimeLayout) + ".json"
	if err := local.WriteFileAtomic(filepath.Join(j.dir, name), payload); err != nil {
		return fmt.Errorf("write run summary: %w", err)
	}
	return nil
}

// Previous scans the history directory for the latest earlier run of source.
func (j *JSONStore) Previous(ctx context.Context, source string, before time.Time) (*RunSummary, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read history dir %s: %w", j.dir, err)
	}
	type candidate struct {
		at   time.Time
		name string
	}
	var found []candidate
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "results-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		at, err := time.Parse(fileTimeLayout, strings.TrimSuffix(strings.TrimPrefix(name, "results-"), ".json"))
		if err != nil || !at.Before(before) {
			continue
		}
		found = append(found, candidate{at: at, name: name})
	}
	sort.Slice(found, func(a, b int) bool { return found[a].at.After(found[b].at) })

	for _, c := range found {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("context canceled: %w", err)
		}
		data, err := os.ReadFile(filepath.Join(j.dir, c.name))
		if err != nil {
			continue
		}
		var s RunSummary
		if err := json.Unmarshal(data, &s); err != nil || s.Source != source {
			continue
		}
		return &s, nil
	}
	return nil, nil
}

// Close is a no-op.
func (j *JSONStore) Close() error { return nil }
