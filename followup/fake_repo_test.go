package followup

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errRemote = errors.New("remote unavailable")

type fakeRepo struct {
	mu sync.Mutex

	due       []Task
	rows      []StatsRow
	counts    TaskCounts
	updates   map[uint][]TaskUpdate
	history   []HistoryEntry
	fetchErr  error
	updateErr error
	histErr   error
	statsErr  error
	asOf      time.Time
}

func newFakeRepo(due ...Task) *fakeRepo {
	return &fakeRepo{due: due, updates: map[uint][]TaskUpdate{}}
}

func (r *fakeRepo) FetchDueTasks(_ context.Context, asOf time.Time) ([]Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asOf = asOf
	if r.fetchErr != nil {
		return nil, r.fetchErr
	}
	out := make([]Task, len(r.due))
	copy(out, r.due)
	return out, nil
}

func (r *fakeRepo) FetchStatsRaw(context.Context) ([]StatsRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statsErr != nil {
		return nil, r.statsErr
	}
	return r.rows, nil
}

func (r *fakeRepo) CountTasks(context.Context, time.Time) (TaskCounts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts, nil
}

func (r *fakeRepo) UpdateTaskStatus(_ context.Context, statusID uint, update TaskUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	r.updates[statusID] = append(r.updates[statusID], update)
	return nil
}

func (r *fakeRepo) InsertHistory(_ context.Context, entry HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.histErr != nil {
		return r.histErr
	}
	r.history = append(r.history, entry)
	return nil
}

func (r *fakeRepo) lastUpdate(statusID uint) (TaskUpdate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ups := r.updates[statusID]
	if len(ups) == 0 {
		return TaskUpdate{}, false
	}
	return ups[len(ups)-1], true
}

func activeTask(leadID uint, step StepCode, due time.Time) Task {
	return Task{
		StatusID:        leadID * 10,
		LeadID:          leadID,
		Lead:            LeadProfile{ID: leadID, FirstName: "Lead", Company: "Acme"},
		CurrentStepCode: step,
		Status:          StatusActive,
		NextFollowUpAt:  &due,
		DefaultChannel:  ChannelEmail,
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
