package pipeline

import "fmt"

// Error wraps the failure of a step's Handle. The pipeline has already run
// the compensating rollbacks when it is returned.
type Error struct {
	Step string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pipeline failed at step %s: %v", e.Step, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// RollbackFailure records a compensation that did not succeed. Rollback
// failures are collected and reported, never returned as errors.
type RollbackFailure struct {
	Step  string `json:"step"`
	Error string `json:"error"`
}

func (f RollbackFailure) String() string {
	return fmt.Sprintf("rollback of %s failed: %s", f.Step, f.Error)
}
