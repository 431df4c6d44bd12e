package followup

import (
	"errors"
	"fmt"
)

// ErrTransitionInFlight is returned when a lead already has a transition
// waiting on the remote store.
var ErrTransitionInFlight = errors.New("followup: transition already in flight for lead")

// TaskNotFoundError means the caller acted on a stale task list.
type TaskNotFoundError struct {
	LeadID uint
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("followup: no task for lead %d", e.LeadID)
}

// RemoteUpdateError wraps a transport or server failure during a transition.
// The local task list has already been restored when it is returned.
// HistoryRecorded is set when the history append went through but the status
// update did not; the two writes are not atomic.
type RemoteUpdateError struct {
	Op              string
	LeadID          uint
	HistoryRecorded bool
	Err             error
}

func (e *RemoteUpdateError) Error() string {
	msg := fmt.Sprintf("followup: %s lead %d: %v", e.Op, e.LeadID, e.Err)
	if e.HistoryRecorded {
		msg += " (history recorded, status not updated)"
	}
	return msg
}

func (e *RemoteUpdateError) Unwrap() error { return e.Err }

// StatsRefreshError is logged and never surfaced to the caller of a transition.
type StatsRefreshError struct {
	Err error
}

func (e *StatsRefreshError) Error() string {
	return fmt.Sprintf("followup: stats refresh: %v", e.Err)
}

func (e *StatsRefreshError) Unwrap() error { return e.Err }
