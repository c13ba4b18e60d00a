// Package journal writes one JSON file per interaction record.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"dentai/internal/storage"
)

const timestampLayout = "20060102T150405.000000000Z"

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

type Journal struct {
	dir string
}

// New creates dir if needed.
func New(dir string) (*Journal, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("journal dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	return &Journal{dir: dir}, nil
}

// Append writes rec to <kind>_<UTC timestamp>_<id>.json. The file appears
// complete or not at all: it is written to a temp file, synced, then renamed.
func (j *Journal) Append(rec storage.StoredInteraction) (string, error) {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	name := fmt.Sprintf("%s_%s_%s.json",
		sanitize(rec.Kind), created.UTC().Format(timestampLayout), sanitize(rec.ID))
	path := filepath.Join(j.dir, name)

	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal journal record: %w", err)
	}

	tmp, err := os.CreateTemp(j.dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp journal file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", fmt.Errorf("write journal file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", fmt.Errorf("sync journal file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", fmt.Errorf("close journal file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return "", fmt.Errorf("rename journal file: %w", err)
	}
	return path, nil
}

func sanitize(s string) string {
	s = unsafeName.ReplaceAllString(s, "-")
	if s == "" {
		return "unknown"
	}
	return s
}
