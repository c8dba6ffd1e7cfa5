package model

import "fmt"

// transitions defines the task lifecycle graph that ValidateTransition
// checks. The store, runner and API set task status directly and do not
// call ValidateTransition.
var transitions = map[TaskStatus][]TaskStatus{
	StatusTodo:        {StatusPlanRunning, StatusReady, StatusCancelled},
	StatusPlanRunning: {StatusPlanReview, StatusFailed, StatusCancelled},
	StatusPlanReview:  {StatusReady, StatusTodo, StatusCancelled},
	StatusReady:       {StatusRunning, StatusCancelled},
	StatusRunning:     {StatusReview, StatusFailed, StatusCancelled},
	StatusReview:      {StatusDone, StatusCancelled},
	StatusDone:        {},
	StatusFailed:      {StatusTodo, StatusReady},
	StatusCancelled:   {StatusTodo, StatusReady},
}

// ValidateTransition reports whether moving a task from `from` to `to` is
// legal. FAILED and CANCELLED fan back out to TODO/READY only through an
// explicit retry action, never automatically.
func ValidateTransition(from, to TaskStatus) error {
	if from == to {
		return nil
	}
	allowed, ok := transitions[from]
	if !ok {
		return fmt.Errorf("unknown task status %q", from)
	}
	for _, candidate := range allowed {
		if candidate == to {
			return nil
		}
	}
	return fmt.Errorf("illegal task transition %s -> %s", from, to)
}

// Terminal reports whether a status has no further automatic transitions.
func Terminal(status TaskStatus) bool {
	switch status {
	case StatusDone, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}
