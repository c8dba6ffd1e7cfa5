// Package idgen allocates the YYMMDD-NNN identifiers used for tasks, runs
// and notifications. Allocation must happen under the caller's collection
// lock since it depends on scanning the existing ID set for collisions.
package idgen

import (
	"fmt"
	"strings"
	"time"
)

const (
	maxDailySerial = 999
	waitBudget     = 3 * time.Second
)

// Next returns the lowest free YYMMDD-NNN id for "now" given the set of ids
// already in use, waiting up to ~3s (polling to the next second boundary)
// for a new day to roll over once a day's 999-id budget is exhausted. If
// the wait elapses with no day rollover it falls back to the
// YYMMDD_HHMMSS timestamp form, which is also returned verbatim when it is
// itself still unused.
func Next(existing map[string]bool) string {
	return next(existing, time.Now)
}

func next(existing map[string]bool, now func() time.Time) string {
	deadline := now().Add(waitBudget)
	for {
		n := now()
		day := n.Format("060102")
		for serial := 1; serial <= maxDailySerial; serial++ {
			id := fmt.Sprintf("%s-%03d", day, serial)
			if !existing[id] {
				return id
			}
		}
		if n.After(deadline) {
			return fallback(existing, n)
		}
		// Poll to the next second boundary in case the day rolls over.
		sleepTo := n.Truncate(time.Second).Add(time.Second)
		time.Sleep(sleepTo.Sub(n))
	}
}

func fallback(existing map[string]bool, n time.Time) string {
	id := n.Format("060102_150405")
	if !existing[id] {
		return id
	}
	// Extremely unlikely: the timestamp form itself collided. Append a
	// monotonically increasing suffix rather than loop forever.
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d", id, i)
		if !existing[candidate] {
			return candidate
		}
	}
}

// IsLegacy reports whether an id does not match the current YYMMDD-NNN or
// YYMMDD_HHMMSS shapes, meaning it predates this allocator and must still
// be accepted for lookups but never reused as a collision key format.
func IsLegacy(id string) bool {
	if len(id) == 10 && id[6] == '-' {
		return false
	}
	if len(id) >= 13 && strings.Contains(id, "_") {
		return false
	}
	return true
}
