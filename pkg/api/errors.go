package api

import (
	"fmt"
	"strings"
	"time"
)

// ConfigurationError reports a malformed or contradictory event or config.
type ConfigurationError struct {
	Subarray string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.Subarray == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Subarray, e.Reason)
}

// AllocationError reports that the requested instances are not available in
// the source pool.
type AllocationError struct {
	Pool      string
	Requested int
	Available int
	Missing   []InstanceID
}

func (e *AllocationError) Error() string {
	if len(e.Missing) > 0 {
		ids := make([]string, len(e.Missing))
		for i, id := range e.Missing {
			ids[i] = string(id)
		}
		return fmt.Sprintf("allocation error: %s does not hold %s", e.Pool, strings.Join(ids, ","))
	}
	return fmt.Sprintf("allocation error: requested %d from %s, %d available", e.Requested, e.Pool, e.Available)
}

// CommandTimeoutError reports an unresponsive node agent.
type CommandTimeoutError struct {
	Instance InstanceID
	Command  Command
	Timeout  time.Duration
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("command %s to %s timed out after %s", e.Command, e.Instance, e.Timeout)
}

// CommandFailedError reports a node agent that answered with a failure or
// could not be reached.
type CommandFailedError struct {
	Instance InstanceID
	Command  Command
	Message  string
	Err      error
}

func (e *CommandFailedError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("command %s to %s failed: %s", e.Command, e.Instance, msg)
}

func (e *CommandFailedError) Unwrap() error { return e.Err }

// PersistenceError reports a store that is unreachable or rejected a write.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("persistence error: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persistence error: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// StateInconsistencyError reports a loaded snapshot that breaks the pool
// partition.
type StateInconsistencyError struct {
	Subarray string
	Reason   string
}

func (e *StateInconsistencyError) Error() string {
	return fmt.Sprintf("inconsistent state for %s: %s", e.Subarray, e.Reason)
}
