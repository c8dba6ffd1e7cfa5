package api

import (
	"bufio"
	"net/http"
	"os"
	"strconv"
)

const (
	defaultLogLines = 200
	maxLogLines     = 2000
)

// tailLines returns the last n lines of the file at path, empty lines
// included.
func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines, scanner.Err()
}

// GET /api/logs/backend?lines=…
func (s *Server) handleBackendLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	n := defaultLogLines
	if raw := r.URL.Query().Get("lines"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 1 && parsed <= maxLogLines {
			n = parsed
		}
	}

	if s.logPath == "" {
		writeJSON(w, map[string]any{"lines": []string{}})
		return
	}

	lines, err := tailLines(s.logPath, n)
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, map[string]any{"lines": []string{}})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"lines": lines})
}
