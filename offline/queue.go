package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	queueKey    = "offline_queue"
	cachePrefix = "cache:"
)

// Sender replays one action against the network.
type Sender interface {
	Send(ctx context.Context, a Action) error
}

// FlushResult summarizes one flush.
type FlushResult struct {
	Replayed int  `json:"replayed"`
	Failed   int  `json:"failed"`
	Deferred bool `json:"deferred"`
}

// Queue persists state-changing actions issued while disconnected and replays
// them in order once connectivity returns.
type Queue struct {
	store  Store
	sender Sender
	logger *logrus.Entry
	now    func() time.Time

	// mu guards the persisted queue and the fields below.
	mu       sync.Mutex
	online   bool
	flushing bool
	rerun    bool
}

type QueueOption func(*Queue)

func WithQueueLogger(logger *logrus.Entry) QueueOption {
	return func(q *Queue) { q.logger = logger }
}

func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// WithOnline sets the initial connectivity state. Queues start offline so the
// first observed online transition replays whatever a previous run left behind.
func WithOnline(online bool) QueueOption {
	return func(q *Queue) { q.online = online }
}

func NewQueue(store Store, sender Sender, opts ...QueueOption) *Queue {
	q := &Queue{
		store:  store,
		sender: sender,
		logger: logrus.WithField("component", "offline_queue"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Online reports the last connectivity state seen by the queue.
func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// SetOnline is the connectivity observer callback. Only an offline to online
// transition flushes, and it flushes once.
func (q *Queue) SetOnline(ctx context.Context, online bool) {
	q.mu.Lock()
	was := q.online
	q.online = online
	q.mu.Unlock()

	if was == online {
		return
	}
	q.logger.WithField("online", online).Info("connectivity changed")
	if !online {
		return
	}
	if res, err := q.Flush(ctx); err != nil {
		q.logger.WithError(err).Error("flush after reconnect failed")
	} else {
		q.logger.WithFields(logrus.Fields{"replayed": res.Replayed, "failed": res.Failed}).Info("flushed after reconnect")
	}
}

// Enqueue appends an action to the durable queue and, when online, flushes
// right away. Flush failures are logged; only persistence errors are returned.
func (q *Queue) Enqueue(ctx context.Context, a Action) error {
	a.stamp(q.now())
	if err := a.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	pending, err := q.load(ctx)
	if err == nil {
		err = q.save(ctx, append(pending, a))
	}
	online := q.online
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", a.Type, err)
	}

	q.logger.WithFields(logrus.Fields{"id": a.ID, "type": a.Type, "endpoint": a.Endpoint}).Debug("action queued")

	if online {
		if _, err := q.Flush(ctx); err != nil {
			q.logger.WithError(err).Warn("flush after enqueue failed")
		}
	}
	return nil
}

// Flush replays the queue. Only one flush runs at a time: a call made while
// another is in flight returns at once with Deferred set, and the running
// flush makes one more pass before it finishes.
func (q *Queue) Flush(ctx context.Context) (FlushResult, error) {
	q.mu.Lock()
	if q.flushing {
		q.rerun = true
		q.mu.Unlock()
		return FlushResult{Deferred: true}, nil
	}
	q.flushing = true
	q.mu.Unlock()

	return q.flush(ctx)
}

// flush runs with q.flushing set and clears it under the same lock that
// checks for a trailing pass.
func (q *Queue) flush(ctx context.Context) (FlushResult, error) {
	var total FlushResult
	for {
		q.mu.Lock()
		q.rerun = false
		batch, err := q.load(ctx)
		if err == nil && len(batch) > 0 {
			err = q.save(ctx, nil)
		}
		q.mu.Unlock()
		if err != nil {
			q.endFlush()
			return total, fmt.Errorf("snapshot queue: %w", err)
		}

		var failed []Action
		for _, a := range batch {
			if err := q.sender.Send(ctx, a); err != nil {
				rerr := &QueueReplayError{Action: a, Err: err}
				q.logger.WithError(rerr).WithField("id", a.ID).Warn("replay failed, requeueing")
				failed = append(failed, a)
				continue
			}
			total.Replayed++
		}
		total.Failed += len(failed)

		q.mu.Lock()
		if len(failed) > 0 {
			// failures go to the tail, after anything enqueued during the replay
			live, err := q.load(ctx)
			if err == nil {
				err = q.save(ctx, append(live, failed...))
			}
			if err != nil {
				q.flushing = false
				q.mu.Unlock()
				return total, fmt.Errorf("requeue %d failed actions: %w", len(failed), err)
			}
		}
		again := q.rerun && q.online
		if !again {
			q.flushing = false
		}
		q.mu.Unlock()

		if !again {
			return total, nil
		}
	}
}

func (q *Queue) endFlush() {
	q.mu.Lock()
	q.flushing = false
	q.mu.Unlock()
}

// Pending returns a copy of the queued actions in replay order.
func (q *Queue) Pending(ctx context.Context) ([]Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	pending, err := q.Pending(ctx)
	return len(pending), err
}

// CacheData stores value as JSON under key, last write wins.
func (q *Queue) CacheData(ctx context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cached %s: %w", key, err)
	}
	return q.store.Set(ctx, cachePrefix+key, string(raw))
}

// GetCachedData decodes the value cached under key into dst.
func (q *Queue) GetCachedData(ctx context.Context, key string, dst interface{}) (bool, error) {
	raw, ok, err := q.store.Get(ctx, cachePrefix+key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

// load and save must be called with mu held.
func (q *Queue) load(ctx context.Context) ([]Action, error) {
	raw, ok, err := q.store.Get(ctx, queueKey)
	if err != nil {
		return nil, err
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var actions []Action
	if err := json.Unmarshal([]byte(raw), &actions); err != nil {
		return nil, fmt.Errorf("decode offline queue: %w", err)
	}
	return actions, nil
}

func (q *Queue) save(ctx context.Context, actions []Action) error {
	if actions == nil {
		actions = []Action{}
	}
	raw, err := json.Marshal(actions)
	if err != nil {
		return err
	}
	return q.store.Set(ctx, queueKey, string(raw))
}
