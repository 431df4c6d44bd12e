package worker

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
)

// Pinger probes the remote store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnectivityObserver is told about every probe result. offline.Queue
// satisfies it and flushes on the offline to online edge.
type ConnectivityObserver interface {
	SetOnline(ctx context.Context, online bool)
}

// ConnectivityWorker polls the remote store at Interval while it answers and
// backs off between probes while it does not.
type ConnectivityWorker struct {
	Pinger   Pinger
	Observer ConnectivityObserver
	Interval time.Duration
	Backoff  *backoff.Backoff
	Logger   *logrus.Entry
}

func NewConnectivityWorker(pinger Pinger, observer ConnectivityObserver, interval time.Duration) *ConnectivityWorker {
	return &ConnectivityWorker{
		Pinger:   pinger,
		Observer: observer,
		Interval: interval,
		Backoff: &backoff.Backoff{
			Min:    500 * time.Millisecond,
			Max:    interval,
			Factor: 2,
			Jitter: true,
		},
		Logger: logrus.WithField("component", "connectivity"),
	}
}

func (cw *ConnectivityWorker) Start(ctx context.Context) {
	for {
		wait := cw.Probe(ctx)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Probe pings once, reports the result to the observer and returns the delay
// before the next probe.
func (cw *ConnectivityWorker) Probe(ctx context.Context) time.Duration {
	pctx, cancel := context.WithTimeout(ctx, cw.Interval)
	err := cw.Pinger.Ping(pctx)
	cancel()

	if err != nil {
		wait := cw.Backoff.Duration()
		cw.Logger.WithError(err).WithField("retry_in", wait).Debug("remote store unreachable")
		cw.Observer.SetOnline(ctx, false)
		return wait
	}
	cw.Backoff.Reset()
	cw.Observer.SetOnline(ctx, true)
	return cw.Interval
}
