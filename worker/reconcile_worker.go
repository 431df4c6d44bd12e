package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"leadflow/repository"
	"leadflow/utils"
)

type driftFinder interface {
	FindDrift(ctx context.Context, since time.Time) ([]repository.Drift, error)
}

// ReconcileWorker reports task rows whose history moved on without them.
// It only reports; repairing a row is left to whoever reads the alert.
type ReconcileWorker struct {
	Repo     driftFinder
	Interval time.Duration
	Window   time.Duration
	Logger   *log.Logger

	now      func() time.Time
	reported map[uint]bool
}

func NewReconcileWorker(repo driftFinder, interval, window time.Duration, logger *log.Logger) *ReconcileWorker {
	return &ReconcileWorker{
		Repo:     repo,
		Interval: interval,
		Window:   window,
		Logger:   logger,
		now:      time.Now,
		reported: make(map[uint]bool),
	}
}

func (rw *ReconcileWorker) Start(ctx context.Context) {
	rw.Logger.Println("Reconcile worker started")

	ticker := time.NewTicker(rw.Interval)
	defer ticker.Stop()

	rw.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			rw.Logger.Println("Reconcile worker shutting down...")
			return
		case <-ticker.C:
			rw.runOnce(ctx)
		}
	}
}

// runOnce returns the number of newly reported drift entries.
func (rw *ReconcileWorker) runOnce(ctx context.Context) int {
	drift, err := rw.Repo.FindDrift(ctx, rw.now().Add(-rw.Window))
	if err != nil {
		rw.Logger.Printf("Error scanning for drift: %v", err)
		return 0
	}

	reported := 0
	for _, d := range drift {
		if rw.reported[d.HistoryID] {
			continue
		}
		rw.reported[d.HistoryID] = true
		reported++
		utils.LogError("followup_drift", fmt.Errorf("history %d recorded after task %d was last written", d.HistoryID, d.StatusID), map[string]interface{}{
			"status_id":         d.StatusID,
			"lead_id":           d.LeadID,
			"outcome":           d.Outcome,
			"recorded_at":       d.RecordedAt,
			"status_updated_at": d.StatusUpdatedAt,
		})
	}
	if reported > 0 {
		rw.Logger.Printf("Found %d task rows behind their history", reported)
	}
	return reported
}
