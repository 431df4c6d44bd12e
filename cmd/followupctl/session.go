package main

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"leadflow/client"
	"leadflow/config"
	"leadflow/followup"
	"leadflow/offline"
	"leadflow/worker"
)

// session is everything a command needs to talk to the service.
type session struct {
	api    *client.API
	queue  *offline.Queue
	engine *followup.Engine
	close  func() error
}

type openFunc func(ctx context.Context) (*session, error)

// queueStore is an offline.Store the session owns and closes.
type queueStore interface {
	offline.Store
	Close() error
}

// openQueueStore uses a shared redis when configured, else the local bolt file.
func openQueueStore(ctx context.Context, cfg config.ClientConfig) (queueStore, error) {
	if !cfg.QueueRedis.Enabled {
		store, err := offline.NewBoltStore(cfg.QueuePath)
		if err != nil {
			return nil, fmt.Errorf("open queue %s: %w", cfg.QueuePath, err)
		}
		return store, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.QueueRedis.Address,
		Password: cfg.QueueRedis.Password,
		DB:       cfg.QueueRedis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("open queue redis %s: %w", cfg.QueueRedis.Address, err)
	}
	return offline.NewRedisStore(rdb, "followupctl:"), nil
}

// openSession opens the queue store and probes the service once. A reachable
// service flips the queue online, which replays whatever earlier runs left.
func openSession(ctx context.Context) (*session, error) {
	cfg := config.LoadClientConfig()

	store, err := openQueueStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	api := client.NewAPI(cfg.APIURL, cfg.RequestTimeout)
	queue := offline.NewQueue(store, api)
	worker.NewConnectivityWorker(api, queue, cfg.RequestTimeout).Probe(ctx)

	return &session{
		api:    api,
		queue:  queue,
		engine: followup.NewEngine(client.NewDeferring(api, queue)),
		close:  store.Close,
	}, nil
}

// cli opens the session on first use so commands that need no service, like
// render, never touch the queue file.
type cli struct {
	open openFunc
	s    *session
}

func (c *cli) session(ctx context.Context) (*session, error) {
	if c.s != nil {
		return c.s, nil
	}
	s, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	c.s = s
	return s, nil
}

func (c *cli) shutdown() error {
	if c.s == nil {
		return nil
	}
	c.s.engine.Drain()
	err := c.s.close()
	c.s = nil
	return err
}

// resolveTask finds a task by ID in today's list, falling back to the service
// for rows that are not due, such as paused ones.
func resolveTask(ctx context.Context, s *session, statusID uint) (followup.Task, error) {
	today, err := s.engine.FetchToday(ctx)
	if err != nil {
		if !s.queue.Online() {
			return followup.Task{}, err
		}
		logrus.WithError(err).WithField("status_id", statusID).Warn("today list unavailable, loading task directly")
	}
	for _, t := range today {
		if t.StatusID == statusID {
			return t, nil
		}
	}
	if !s.queue.Online() {
		return followup.Task{}, fmt.Errorf("task %d is not due today and the service is unreachable", statusID)
	}
	task, err := s.api.GetTask(ctx, statusID)
	if err != nil {
		return followup.Task{}, fmt.Errorf("load task %d: %w", statusID, err)
	}
	s.engine.Track(task)
	return task, nil
}
