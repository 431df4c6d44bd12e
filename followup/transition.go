package followup

import (
	"context"

	"leadflow/utils"
)

type transitionKind int

const (
	transitionPending transitionKind = iota
	transitionCommitted
	transitionRolledBack
)

func (k transitionKind) String() string {
	switch k {
	case transitionCommitted:
		return "committed"
	case transitionRolledBack:
		return "rolled_back"
	}
	return "pending"
}

// transition is one optimistic mutation of a single task. snapshot is the row
// as it was before the mutation; index is where it sat in the today view, or -1.
type transition struct {
	kind     transitionKind
	op       string
	snapshot Task
	index    int
}

// lookupScope controls where begin may find the task.
type lookupScope int

const (
	// scopeToday only accepts tasks present in the today view.
	scopeToday lookupScope = iota
	// scopeKnown also accepts any row the engine has seen.
	scopeKnown
)

// begin locates the task, marks the lead in flight and removes the task from
// the today view.
func (e *Engine) begin(op string, leadID uint, scope lookupScope) (*transition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, busy := e.inflight[leadID]; busy {
		return nil, ErrTransitionInFlight
	}

	tr := &transition{kind: transitionPending, op: op, index: -1}
	for i, t := range e.tasks {
		if t.LeadID == leadID {
			tr.index = i
			tr.snapshot = t.clone()
			break
		}
	}
	if tr.index < 0 {
		known, ok := e.known[leadID]
		if scope == scopeToday || !ok {
			return nil, &TaskNotFoundError{LeadID: leadID}
		}
		tr.snapshot = known.clone()
	}

	if tr.index >= 0 {
		e.tasks = append(e.tasks[:tr.index:tr.index], e.tasks[tr.index+1:]...)
	}
	e.inflight[leadID] = struct{}{}
	return tr, nil
}

// execute runs the remote half of a transition. The history append, when
// present, goes first so the contact is on record even if the status update
// fails afterwards.
func (e *Engine) execute(ctx context.Context, tr *transition, history *HistoryEntry, update TaskUpdate) error {
	historyRecorded := false
	if history != nil {
		if err := e.repo.InsertHistory(ctx, *history); err != nil {
			e.rollback(tr)
			return &RemoteUpdateError{Op: tr.op, LeadID: tr.snapshot.LeadID, Err: err}
		}
		historyRecorded = true
	}

	if err := e.repo.UpdateTaskStatus(ctx, tr.snapshot.StatusID, update); err != nil {
		e.rollback(tr)
		rerr := &RemoteUpdateError{Op: tr.op, LeadID: tr.snapshot.LeadID, HistoryRecorded: historyRecorded, Err: err}
		if historyRecorded {
			utils.LogError("followup_partial_write", rerr, map[string]interface{}{
				"op":        tr.op,
				"lead_id":   tr.snapshot.LeadID,
				"status_id": tr.snapshot.StatusID,
			})
		}
		return rerr
	}

	e.commit(tr, update.Apply(tr.snapshot))
	return nil
}

func (e *Engine) commit(tr *transition, next Task) {
	e.mu.Lock()
	delete(e.inflight, tr.snapshot.LeadID)
	e.known[next.LeadID] = next
	tr.kind = transitionCommitted
	e.mu.Unlock()

	e.logger.WithFields(map[string]interface{}{
		"op":      tr.op,
		"lead_id": next.LeadID,
		"status":  next.Status,
		"step":    next.CurrentStepCode,
	}).Debug("transition committed")

	e.notify()
	e.refreshStatsAsync()
}

// rollback puts the snapshot back into the today view and re-sorts it. Other
// leads' transitions or a FetchToday may have changed the list meanwhile, so
// the old index is only a hint; with no concurrent change the result is
// value-equal to the list before begin.
func (e *Engine) rollback(tr *transition) {
	e.mu.Lock()
	delete(e.inflight, tr.snapshot.LeadID)
	if tr.index >= 0 {
		i := tr.index
		if i > len(e.tasks) {
			i = len(e.tasks)
		}
		e.tasks = append(e.tasks, Task{})
		copy(e.tasks[i+1:], e.tasks[i:])
		e.tasks[i] = tr.snapshot
		sortTasks(e.tasks, e.now())
	}
	tr.kind = transitionRolledBack
	e.mu.Unlock()

	e.logger.WithFields(map[string]interface{}{
		"op":      tr.op,
		"lead_id": tr.snapshot.LeadID,
	}).Warn("transition rolled back")

	e.notify()
}
