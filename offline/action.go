package offline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"leadflow/utils"
)

// Action is a deferred state-changing request. It belongs to the queue until
// it has been replayed successfully.
type Action struct {
	ID         string          `json:"id"`
	Type       string          `json:"type" validate:"required"`
	Endpoint   string          `json:"endpoint" validate:"required,startswith=/"`
	Method     string          `json:"method" validate:"required,oneof=GET POST PUT PATCH DELETE"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewAction builds an action with its payload encoded as JSON.
func NewAction(actionType, method, endpoint string, payload interface{}) (Action, error) {
	a := Action{
		Type:     actionType,
		Method:   method,
		Endpoint: endpoint,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Action{}, fmt.Errorf("encode %s payload: %w", actionType, err)
		}
		a.Payload = raw
	}
	return a, nil
}

// Validate checks the action is replayable.
func (a Action) Validate() error {
	if err := utils.ValidateStruct(a); err != nil {
		return fmt.Errorf("invalid offline action: %w", err)
	}
	return nil
}

func (a *Action) stamp(now time.Time) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.EnqueuedAt.IsZero() {
		a.EnqueuedAt = now
	}
}

// QueueReplayError is one failed replay. It re-queues the action rather than
// aborting the flush.
type QueueReplayError struct {
	Action Action
	Err    error
}

func (e *QueueReplayError) Error() string {
	return fmt.Sprintf("offline: replay %s %s %s: %v", e.Action.Type, e.Action.Method, e.Action.Endpoint, e.Err)
}

func (e *QueueReplayError) Unwrap() error { return e.Err }
