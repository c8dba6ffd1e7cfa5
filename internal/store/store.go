// Package store implements RepoPilot's durable state: repos, tasks, runs,
// notifications and per-task event logs, held as JSON files under a state
// directory and mutated under per-collection advisory file locks. Every
// write replaces the whole file atomically (temp file in the same
// directory, fsync, rename over the target) so a crash mid-write never
// leaves a collection half-written.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

type JSONStore struct {
	stateDir string
	reposDir string
	logsDir  string
	locksDir string

	reposFile         string
	tasksFile         string
	runsFile          string
	notificationsFile string
}

// New creates a JSONStore rooted at stateDir, ensuring the directory
// layout and empty collection files exist.
func New(stateDir, reposDir string) (*JSONStore, error) {
	s := &JSONStore{
		stateDir:          stateDir,
		reposDir:          reposDir,
		logsDir:           filepath.Join(stateDir, "logs"),
		locksDir:          filepath.Join(stateDir, "locks"),
		reposFile:         filepath.Join(stateDir, "repos.json"),
		tasksFile:         filepath.Join(stateDir, "tasks.json"),
		runsFile:          filepath.Join(stateDir, "runs.json"),
		notificationsFile: filepath.Join(stateDir, "notifications.json"),
	}
	if err := s.ensureDirsAndFiles(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONStore) ensureDirsAndFiles() error {
	for _, dir := range []string{s.stateDir, s.reposDir, s.logsDir, s.locksDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("store: mkdir %s: %w", dir, err)
		}
	}
	for _, f := range []string{s.reposFile, s.tasksFile, s.runsFile, s.notificationsFile} {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			if err := os.WriteFile(f, []byte("[]\n"), 0o644); err != nil {
				return fmt.Errorf("store: init %s: %w", f, err)
			}
		}
	}
	return nil
}

// readRows loads a JSON array file into a slice of generic rows. A
// missing, empty, or malformed file reads back as an empty collection
// rather than an error, matching the original service's tolerant reader.
func readRows(path string) ([]map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []map[string]interface{}{}, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return []map[string]interface{}{}, nil
	}
	var rows []map[string]interface{}
	if err := json.Unmarshal(data, &rows); err != nil {
		return []map[string]interface{}{}, nil
	}
	return rows, nil
}

// writeRowsAtomic writes rows to path via a sibling temp file, fsync, and
// rename, so a reader never observes a partially written collection.
func writeRowsAtomic(path string, rows []map[string]interface{}) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".store-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rows); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func decodeRow[T any](row map[string]interface{}) (T, error) {
	var out T
	b, err := json.Marshal(row)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, err
	}
	return out, nil
}

func encodeRow(v interface{}) (map[string]interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var row map[string]interface{}
	if err := json.Unmarshal(b, &row); err != nil {
		return nil, err
	}
	return row, nil
}

// applyPatch merges non-nil-equivalent fields from patch into row,
// mirroring the original's `{k: v for k, v in patch.items() if v is not
// None}` behavior: an explicit nil clears nothing, it is simply skipped.
func applyPatch(row map[string]interface{}, patch map[string]interface{}) {
	for k, v := range patch {
		if v == nil {
			continue
		}
		row[k] = v
	}
}

func sortedKeys(rows []map[string]interface{}, key string) []string {
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		if v, ok := r[key].(string); ok {
			ids = append(ids, v)
		}
	}
	sort.Strings(ids)
	return ids
}
