package store

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/wenke727/repopilot/internal/model"
)

// AppendEvent appends one NDJSON line to the task's event log under its
// own per-task lock (log-<task_id>), computing seq by scanning the
// existing file for the highest seq seen so far. Reads are lock-free:
// concurrent ReadEvents callers only ever see whole lines since append
// is the only mutator and always appends a complete line. Appends are
// not fsync'd.
func (s *JSONStore) AppendEvent(taskID string, payload map[string]interface{}) (int, error) {
	path := filepath.Join(s.logsDir, taskID+".ndjson")
	nextSeq := 0
	err := s.withLock("log-"+taskID, func() error {
		nextSeq = 1
		if f, openErr := os.Open(path); openErr == nil {
			scanner := bufio.NewScanner(f)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for scanner.Scan() {
				line := scanner.Bytes()
				if len(line) == 0 {
					continue
				}
				var row map[string]interface{}
				if json.Unmarshal(line, &row) != nil {
					continue
				}
				if seq, ok := row["seq"].(float64); ok && int(seq)+1 > nextSeq {
					nextSeq = int(seq) + 1
				}
			}
			f.Close()
		}

		entry := map[string]interface{}{
			"seq": nextSeq,
			"ts":  model.UTCNowISO(),
		}
		for k, v := range payload {
			entry[k] = v
		}
		line, marshalErr := json.Marshal(entry)
		if marshalErr != nil {
			return marshalErr
		}

		f, openErr := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if openErr != nil {
			return openErr
		}
		defer f.Close()
		_, writeErr := f.Write(append(line, '\n'))
		return writeErr
	})
	return nextSeq, err
}

// ReadEvents returns every event with seq > cursor, plus the highest seq
// observed (the new cursor to pass next time).
func (s *JSONStore) ReadEvents(taskID string, cursor int) ([]model.Event, int, error) {
	path := filepath.Join(s.logsDir, taskID+".ndjson")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cursor, nil
		}
		return nil, cursor, err
	}
	defer f.Close()

	var events []model.Event
	maxCursor := cursor
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var raw map[string]interface{}
		if json.Unmarshal(line, &raw) != nil {
			continue
		}
		seq, _ := raw["seq"].(float64)
		if int(seq) > maxCursor {
			maxCursor = int(seq)
		}
		if int(seq) <= cursor {
			continue
		}
		var ev model.Event
		if json.Unmarshal(line, &ev) == nil {
			events = append(events, ev)
		}
	}
	return events, maxCursor, nil
}
