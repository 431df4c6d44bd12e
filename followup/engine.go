package followup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ErrInvalidTransition is returned when the task's status does not allow the
// requested operation, e.g. resuming a lead that is not paused.
var ErrInvalidTransition = errors.New("followup: invalid transition for task status")

const defaultStatsTimeout = 15 * time.Second

// Engine owns the today view of follow-up tasks and applies every state
// change optimistically against a Repository.
type Engine struct {
	repo         Repository
	now          func() time.Time
	logger       *logrus.Entry
	listener     func([]Task)
	statsTimeout time.Duration

	mu       sync.Mutex
	tasks    []Task
	known    map[uint]Task
	inflight map[uint]struct{}
	stats    Stats

	bg         sync.WaitGroup
	statsGroup singleflight.Group
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(logger *logrus.Entry) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithListener registers a callback receiving the today view after every
// change. It is called without the engine lock held.
func WithListener(fn func([]Task)) Option {
	return func(e *Engine) { e.listener = fn }
}

func WithStatsTimeout(d time.Duration) Option {
	return func(e *Engine) { e.statsTimeout = d }
}

func NewEngine(repo Repository, opts ...Option) *Engine {
	e := &Engine{
		repo:         repo,
		now:          time.Now,
		logger:       logrus.WithField("component", "followup_engine"),
		statsTimeout: defaultStatsTimeout,
		known:        map[uint]Task{},
		inflight:     map[uint]struct{}{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Tasks returns a copy of the today view with urgency derived from the clock.
func (e *Engine) Tasks() []Task {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Task, len(e.tasks))
	for i, t := range e.tasks {
		out[i] = t.clone().derive(now)
	}
	return out
}

// Stats returns the last computed stats snapshot.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Drain blocks until background stats refreshes have finished.
func (e *Engine) Drain() {
	e.bg.Wait()
}

// FetchToday replaces the today view with the active tasks due on or before
// the current calendar day. On error the previous view is kept.
func (e *Engine) FetchToday(ctx context.Context) ([]Task, error) {
	now := e.now()
	rows, err := e.repo.FetchDueTasks(ctx, EndOfDay(now))
	if err != nil {
		return nil, fmt.Errorf("fetch today: %w", err)
	}

	e.mu.Lock()
	today := make([]Task, 0, len(rows))
	for _, t := range rows {
		if _, busy := e.inflight[t.LeadID]; busy {
			continue
		}
		e.known[t.LeadID] = t.clone()
		if t.Status != StatusActive || t.NextFollowUpAt == nil || !DueByToday(*t.NextFollowUpAt, now) {
			continue
		}
		today = append(today, t.clone())
	}
	sortTasks(today, now)
	e.tasks = today
	e.mu.Unlock()

	e.notify()
	return e.Tasks(), nil
}

// Track makes rows loaded outside FetchToday, such as a paused task looked up
// by ID, addressable by the transitions that accept any known task.
func (e *Engine) Track(tasks ...Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range tasks {
		if _, busy := e.inflight[t.LeadID]; busy {
			continue
		}
		e.known[t.LeadID] = t.clone()
	}
}

// CompleteTask records a contact attempt and moves the task along the cadence.
func (e *Engine) CompleteTask(ctx context.Context, leadID uint, outcome Outcome, messageSent, notes string) error {
	tr, err := e.begin("complete", leadID, scopeToday)
	if err != nil {
		return err
	}
	now := e.now()
	task := tr.snapshot

	update, err := completionUpdate(task, outcome, now)
	if err != nil {
		e.rollback(tr)
		return err
	}

	history := &HistoryEntry{
		StatusID:    task.StatusID,
		LeadID:      task.LeadID,
		StepCode:    task.CurrentStepCode,
		Outcome:     outcome,
		Channel:     task.Channel(),
		MessageSent: messageSent,
		Notes:       notes,
		ContactedAt: now,
	}
	return e.execute(ctx, tr, history, update)
}

func completionUpdate(task Task, outcome Outcome, now time.Time) (TaskUpdate, error) {
	contacts := task.ContactCount + 1
	update := TaskUpdate{
		ContactCount:    &contacts,
		LastContactedAt: &now,
	}

	switch {
	case outcome.isReply():
		replies := task.ReplyCount + 1
		update.Status = statusPtr(StatusReplied)
		update.ReplyCount = &replies
		update.SetNextFollowUp = true
	case outcome == OutcomeNotInterested:
		update.Status = statusPtr(StatusLost)
		update.SetNextFollowUp = true
	default:
		next, ok, err := NextStep(task.CurrentStepCode)
		if err != nil {
			return TaskUpdate{}, err
		}
		if !ok {
			update.Status = statusPtr(StatusLost)
			update.SetNextFollowUp = true
			break
		}
		delay, err := DelayFor(task.CurrentStepCode)
		if err != nil {
			return TaskUpdate{}, err
		}
		due := now.Add(delay)
		update.StepCode = &next
		update.SetNextFollowUp = true
		update.NextFollowUpAt = &due
	}
	return update, nil
}

// SkipTask pushes the task to tomorrow without touching step or channel.
func (e *Engine) SkipTask(ctx context.Context, leadID uint) error {
	tr, err := e.begin("skip", leadID, scopeToday)
	if err != nil {
		return err
	}
	due := e.now().Add(24 * time.Hour)
	return e.execute(ctx, tr, nil, TaskUpdate{SetNextFollowUp: true, NextFollowUpAt: &due})
}

// MarkReplied closes the cadence because the lead answered.
func (e *Engine) MarkReplied(ctx context.Context, leadID uint) error {
	return e.closeTask(ctx, "mark_replied", leadID, StatusReplied, OutcomeReplied)
}

func (e *Engine) MarkConverted(ctx context.Context, leadID uint) error {
	return e.closeTask(ctx, "mark_converted", leadID, StatusConverted, OutcomeConverted)
}

func (e *Engine) MarkLost(ctx context.Context, leadID uint) error {
	return e.closeTask(ctx, "mark_lost", leadID, StatusLost, OutcomeLost)
}

func (e *Engine) closeTask(ctx context.Context, op string, leadID uint, status Status, outcome Outcome) error {
	tr, err := e.begin(op, leadID, scopeKnown)
	if err != nil {
		return err
	}
	task := tr.snapshot
	if task.Status.Closed() {
		e.rollback(tr)
		return fmt.Errorf("%s lead %d (%s): %w", op, leadID, task.Status, ErrInvalidTransition)
	}
	now := e.now()

	update := TaskUpdate{Status: statusPtr(status), SetNextFollowUp: true}
	if status == StatusReplied {
		replies := task.ReplyCount + 1
		update.ReplyCount = &replies
	}
	if task.Status == StatusPaused {
		update.SetPausedUntil = true
	}

	history := &HistoryEntry{
		StatusID:    task.StatusID,
		LeadID:      task.LeadID,
		StepCode:    task.CurrentStepCode,
		Outcome:     outcome,
		Channel:     task.Channel(),
		ContactedAt: now,
	}
	return e.execute(ctx, tr, history, update)
}

// PauseLead parks an active lead until the given time.
func (e *Engine) PauseLead(ctx context.Context, leadID uint, until time.Time) error {
	tr, err := e.begin("pause", leadID, scopeKnown)
	if err != nil {
		return err
	}
	if tr.snapshot.Status != StatusActive {
		e.rollback(tr)
		return fmt.Errorf("pause lead %d (%s): %w", leadID, tr.snapshot.Status, ErrInvalidTransition)
	}
	return e.execute(ctx, tr, nil, TaskUpdate{
		Status:          statusPtr(StatusPaused),
		SetNextFollowUp: true,
		SetPausedUntil:  true,
		PausedUntil:     &until,
	})
}

// ResumeLead reactivates a paused lead for tomorrow and reloads the today view,
// since whether the lead shows up there depends on the new due date.
func (e *Engine) ResumeLead(ctx context.Context, leadID uint) error {
	tr, err := e.begin("resume", leadID, scopeKnown)
	if err != nil {
		return err
	}
	if tr.snapshot.Status != StatusPaused {
		e.rollback(tr)
		return fmt.Errorf("resume lead %d (%s): %w", leadID, tr.snapshot.Status, ErrInvalidTransition)
	}
	due := e.now().Add(24 * time.Hour)
	err = e.execute(ctx, tr, nil, TaskUpdate{
		Status:          statusPtr(StatusActive),
		SetNextFollowUp: true,
		NextFollowUpAt:  &due,
		SetPausedUntil:  true,
	})
	if err != nil {
		return err
	}
	if _, err := e.FetchToday(ctx); err != nil {
		e.logger.WithError(err).WithField("lead_id", leadID).Warn("refresh after resume failed")
	}
	return nil
}

// GenerateMessage renders a template against the lead's placeholders.
func (e *Engine) GenerateMessage(template string, lead LeadProfile) string {
	return Render(template, lead.Vars())
}

// RefreshStats recomputes the stats snapshot from the remote raw counters.
func (e *Engine) RefreshStats(ctx context.Context) (Stats, error) {
	rows, err := e.repo.FetchStatsRaw(ctx)
	if err != nil {
		return Stats{}, &StatsRefreshError{Err: err}
	}
	counts, err := e.repo.CountTasks(ctx, e.now())
	if err != nil {
		return Stats{}, &StatsRefreshError{Err: err}
	}
	stats := ComputeStats(rows, counts)

	e.mu.Lock()
	e.stats = stats
	e.mu.Unlock()
	return stats, nil
}

// refreshStatsAsync starts a background refresh. Refreshes requested while one
// is already running share its result.
func (e *Engine) refreshStatsAsync() {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		_, err, _ := e.statsGroup.Do("stats", func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), e.statsTimeout)
			defer cancel()
			return e.RefreshStats(ctx)
		})
		if err != nil {
			e.logger.WithError(err).Warn("stats refresh failed")
		}
	}()
}

func (e *Engine) notify() {
	if e.listener == nil {
		return
	}
	e.listener(e.Tasks())
}

func sortTasks(tasks []Task, now time.Time) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return lessTask(tasks[i], tasks[j], now)
	})
}

func lessTask(a, b Task, now time.Time) bool {
	ra, rb := urgencyRank(a, now), urgencyRank(b, now)
	if ra != rb {
		return ra < rb
	}
	switch {
	case a.NextFollowUpAt == nil && b.NextFollowUpAt != nil:
		return false
	case a.NextFollowUpAt != nil && b.NextFollowUpAt == nil:
		return true
	case a.NextFollowUpAt != nil && !a.NextFollowUpAt.Equal(*b.NextFollowUpAt):
		return a.NextFollowUpAt.Before(*b.NextFollowUpAt)
	}
	return a.LeadID < b.LeadID
}

func urgencyRank(t Task, now time.Time) int {
	if t.NextFollowUpAt == nil {
		return 3
	}
	u, _ := ClassifyUrgency(*t.NextFollowUpAt, now)
	return u.rank()
}

func statusPtr(s Status) *Status { return &s }
