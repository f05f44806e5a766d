package state

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/picklr-io/reconcilr/internal/secrets"
)

// Local stores one JSON file per resource key under a directory.
type Local struct {
	dir    string
	sealer *secrets.Sealer
}

// NewLocal returns a directory-backed Backend.
func NewLocal(dir string, sealer *secrets.Sealer) *Local {
	return &Local{dir: dir, sealer: sealer}
}

const localExt = ".json"

func (l *Local) path(key string) string {
	return filepath.Join(l.dir, url.PathEscape(key)+localExt)
}

// Read loads the record for key. If the file is encrypted it is transparently
// decrypted.
func (l *Local) Read(_ context.Context, key string) (*Record, error) {
	raw, err := os.ReadFile(l.path(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", l.path(key), err)
	}
	return decodeRecord(key, raw, l.sealer)
}

// Write saves rec atomically via a temp file and rename.
func (l *Local) Write(_ context.Context, rec *Record) error {
	stamp(rec)
	data, err := encodeRecord(rec, l.sealer)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	path := l.path(rec.Key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	if err := os.Remove(l.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete state file: %w", err)
	}
	return nil
}

func (l *Local) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list state directory: %w", err)
	}

	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, localExt) {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, localExt))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
