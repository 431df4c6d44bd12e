package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"leadflow/followup"
	"leadflow/offline"
	"leadflow/utils"
)

// Action types written to the offline queue.
const (
	ActionUpdateTask    = "update_task"
	ActionInsertHistory = "insert_history"
)

const (
	cacheDueTasks   = "due_tasks"
	cacheStatsRaw   = "stats_raw"
	cacheTaskCounts = "task_counts"
)

// ErrNoCachedData is returned by reads made offline before anything was cached.
var ErrNoCachedData = errors.New("client: offline and nothing cached")

// Deferring is a followup.Repository that keeps working while the remote
// store is unreachable. Offline writes become queued actions and offline reads
// come from the last cached answer.
type Deferring struct {
	Remote followup.Repository
	Queue  *offline.Queue
}

var _ followup.Repository = (*Deferring)(nil)

func NewDeferring(remote followup.Repository, queue *offline.Queue) *Deferring {
	return &Deferring{Remote: remote, Queue: queue}
}

// FetchDueTasks serves the cached list offline with the queued task updates
// applied on top, so a task handled offline does not come back.
func (d *Deferring) FetchDueTasks(ctx context.Context, asOf time.Time) ([]followup.Task, error) {
	if d.Queue.Online() {
		tasks, err := d.Remote.FetchDueTasks(ctx, asOf)
		if err != nil {
			return nil, err
		}
		if err := d.Queue.CacheData(ctx, cacheDueTasks, tasks); err != nil {
			return nil, err
		}
		return tasks, nil
	}

	var cached []followup.Task
	if err := d.cached(ctx, cacheDueTasks, &cached); err != nil {
		return nil, err
	}
	updates, err := d.pendingUpdates(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]followup.Task, 0, len(cached))
	for _, t := range cached {
		for _, u := range updates[t.StatusID] {
			t = u.Apply(t)
		}
		if t.Status != followup.StatusActive || t.NextFollowUpAt == nil || t.NextFollowUpAt.After(asOf) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (d *Deferring) FetchStatsRaw(ctx context.Context) ([]followup.StatsRow, error) {
	var rows []followup.StatsRow
	if !d.Queue.Online() {
		return rows, d.cached(ctx, cacheStatsRaw, &rows)
	}
	rows, err := d.Remote.FetchStatsRaw(ctx)
	if err != nil {
		return nil, err
	}
	return rows, d.Queue.CacheData(ctx, cacheStatsRaw, rows)
}

func (d *Deferring) CountTasks(ctx context.Context, now time.Time) (followup.TaskCounts, error) {
	var counts followup.TaskCounts
	if !d.Queue.Online() {
		return counts, d.cached(ctx, cacheTaskCounts, &counts)
	}
	counts, err := d.Remote.CountTasks(ctx, now)
	if err != nil {
		return counts, err
	}
	return counts, d.Queue.CacheData(ctx, cacheTaskCounts, counts)
}

func (d *Deferring) UpdateTaskStatus(ctx context.Context, statusID uint, update followup.TaskUpdate) error {
	if d.Queue.Online() {
		return d.Remote.UpdateTaskStatus(ctx, statusID, update)
	}
	action, err := offline.NewAction(ActionUpdateTask, fasthttp.MethodPatch, TaskPath(statusID), update.Columns())
	if err != nil {
		return err
	}
	return d.Queue.Enqueue(ctx, action)
}

func (d *Deferring) InsertHistory(ctx context.Context, entry followup.HistoryEntry) error {
	if d.Queue.Online() {
		return d.Remote.InsertHistory(ctx, entry)
	}
	action, err := offline.NewAction(ActionInsertHistory, fasthttp.MethodPost, HistoryPath(entry.StatusID), entry)
	if err != nil {
		return err
	}
	return d.Queue.Enqueue(ctx, action)
}

func (d *Deferring) cached(ctx context.Context, key string, dst interface{}) error {
	ok, err := d.Queue.GetCachedData(ctx, key, dst)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", key, ErrNoCachedData)
	}
	return nil
}

// pendingUpdates decodes the queued task updates by task row, in queue order.
func (d *Deferring) pendingUpdates(ctx context.Context) (map[uint][]followup.TaskUpdate, error) {
	pending, err := d.Queue.Pending(ctx)
	if err != nil {
		return nil, err
	}
	out := map[uint][]followup.TaskUpdate{}
	for _, a := range pending {
		if a.Type != ActionUpdateTask {
			continue
		}
		id := utils.ParseUint(strings.TrimPrefix(a.Endpoint, apiPrefix+"/followups/"))
		if id == 0 {
			continue
		}
		var body map[string]json.RawMessage
		if err := json.Unmarshal(a.Payload, &body); err != nil {
			return nil, fmt.Errorf("decode queued action %s: %w", a.ID, err)
		}
		u, err := followup.ParseColumns(body)
		if err != nil {
			return nil, fmt.Errorf("decode queued action %s: %w", a.ID, err)
		}
		out[id] = append(out[id], u)
	}
	return out, nil
}
