package client

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp/fasthttputil"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"leadflow/config"
	"leadflow/followup"
	"leadflow/middleware"
	"leadflow/models"
	"leadflow/offline"
	"leadflow/routes"
	"leadflow/sequence"
)

func utcNow() time.Time { return time.Now().UTC() }

// newTestServer serves the real routes over an in-memory listener and returns
// an API dialing it.
func newTestServer(t *testing.T) (*API, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "client.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := config.MigrateDB(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	routes.SetupRoutes(app, db, routes.Options{TransitionLimiter: middleware.NewTransitionRateLimiter(100, nil)})

	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() {
		_ = app.Shutdown()
		_ = ln.Close()
	})

	api := NewAPI("http://followups.test", 5*time.Second)
	api.client.Dial = func(string) (net.Conn, error) { return ln.Dial() }
	return api, db
}

func seedTask(t *testing.T, db *gorm.DB) models.FollowUpStatus {
	t.Helper()
	lead := models.Lead{FirstName: "Ana", Company: "Globex", Email: "ana@globex.test"}
	if err := db.Create(&lead).Error; err != nil {
		t.Fatalf("create lead: %v", err)
	}
	due := utcNow().Add(-time.Hour).Truncate(time.Second)
	row := models.FollowUpStatus{LeadID: lead.ID, CurrentStepCode: string(followup.StepBump), Status: "active", NextFollowUpAt: &due}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("create status: %v", err)
	}
	return row
}

func historyCount(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&models.FollowUpHistory{}).Count(&n).Error; err != nil {
		t.Fatalf("count history: %v", err)
	}
	return n
}

func TestEngineOverAPI(t *testing.T) {
	api, db := newTestServer(t)
	row := seedTask(t, db)
	ctx := context.Background()

	if err := api.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	engine := followup.NewEngine(api, followup.WithClock(utcNow))
	tasks, err := engine.FetchToday(ctx)
	if err != nil {
		t.Fatalf("fetch today: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Lead.FirstName != "Ana" {
		t.Fatalf("unexpected today view %+v", tasks)
	}

	if err := engine.CompleteTask(ctx, row.LeadID, followup.OutcomeSent, "Hi Ana", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	engine.Drain()

	var stored models.FollowUpStatus
	if err := db.First(&stored, row.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.CurrentStepCode != string(followup.StepValue) || stored.ContactCount != 1 {
		t.Fatalf("task row not advanced: %+v", stored)
	}
	if n := historyCount(t, db); n != 1 {
		t.Fatalf("expected one history entry, got %d", n)
	}
	if stats := engine.Stats(); stats.TotalContacts != 1 {
		t.Fatalf("expected refreshed stats, got %+v", stats)
	}
}

func TestDeferringQueuesWhileOffline(t *testing.T) {
	api, db := newTestServer(t)
	row := seedTask(t, db)
	ctx := context.Background()

	queue := offline.NewQueue(offline.NewMemoryStore(), api, offline.WithOnline(true))
	repo := NewDeferring(api, queue)
	engine := followup.NewEngine(repo, followup.WithClock(utcNow))

	if _, err := engine.FetchToday(ctx); err != nil {
		t.Fatalf("fetch online: %v", err)
	}

	queue.SetOnline(ctx, false)
	if err := engine.CompleteTask(ctx, row.LeadID, followup.OutcomeReplied, "", "called back"); err != nil {
		t.Fatalf("complete offline: %v", err)
	}
	engine.Drain()

	if n, _ := queue.Len(ctx); n != 2 {
		t.Fatalf("expected history and update queued, got %d", n)
	}
	if n := historyCount(t, db); n != 0 {
		t.Fatalf("nothing should reach the store while offline, got %d history rows", n)
	}

	tasks, err := engine.FetchToday(ctx)
	if err != nil {
		t.Fatalf("fetch offline: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("task handled offline came back from the cache: %+v", tasks)
	}

	queue.SetOnline(ctx, true)
	if n, _ := queue.Len(ctx); n != 0 {
		t.Fatalf("expected queue drained on reconnect, %d left", n)
	}
	var stored models.FollowUpStatus
	if err := db.First(&stored, row.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Status != string(followup.StatusReplied) || stored.ReplyCount != 1 || stored.NextFollowUpAt != nil {
		t.Fatalf("replayed update not applied: %+v", stored)
	}
	if n := historyCount(t, db); n != 1 {
		t.Fatalf("expected one replayed history entry, got %d", n)
	}
}

func TestDeferringOfflineWithoutCache(t *testing.T) {
	api, _ := newTestServer(t)
	queue := offline.NewQueue(offline.NewMemoryStore(), api)
	repo := NewDeferring(api, queue)

	if _, err := repo.FetchDueTasks(context.Background(), utcNow()); !errors.Is(err, ErrNoCachedData) {
		t.Fatalf("expected ErrNoCachedData, got %v", err)
	}
}

func TestSendIsIdempotent(t *testing.T) {
	api, db := newTestServer(t)
	row := seedTask(t, db)
	ctx := context.Background()

	entry := followup.HistoryEntry{
		StatusID:    row.ID,
		LeadID:      row.LeadID,
		StepCode:    followup.StepBump,
		Outcome:     followup.OutcomeNoAnswer,
		Channel:     followup.ChannelCall,
		ContactedAt: utcNow(),
	}
	action, err := offline.NewAction(ActionInsertHistory, "POST", HistoryPath(row.ID), entry)
	if err != nil {
		t.Fatalf("new action: %v", err)
	}
	action.ID = "replayed-action"

	for i := 0; i < 2; i++ {
		if err := api.Send(ctx, action); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if n := historyCount(t, db); n != 1 {
		t.Fatalf("expected replay deduplicated, got %d rows", n)
	}

	bad, _ := offline.NewAction(ActionUpdateTask, "PATCH", TaskPath(row.ID), map[string]int{"lead_id": 3})
	var se *StatusError
	if err := api.Send(ctx, bad); !errors.As(err, &se) || se.Status != fiber.StatusUnprocessableEntity {
		t.Fatalf("expected 422 status error, got %v", err)
	}
}

func TestSequenceCalls(t *testing.T) {
	api, db := newTestServer(t)
	ctx := context.Background()

	if _, err := api.GetSequence(ctx, 999); !errors.Is(err, sequence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	var seq models.Sequence
	if err := db.Where("name = ?", models.DefaultSequenceName).First(&seq).Error; err != nil {
		t.Fatalf("load default sequence: %v", err)
	}
	lead := models.Lead{FirstName: "Ben", Email: "ben@example.test"}
	if err := db.Create(&lead).Error; err != nil {
		t.Fatalf("create lead: %v", err)
	}

	enr, err := api.Enroll(ctx, lead.ID, seq.ID)
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if enr.CurrentStep != 1 || enr.Status != sequence.StatusActive {
		t.Fatalf("unexpected enrollment %+v", enr)
	}
	if _, err := api.Enroll(ctx, lead.ID, seq.ID); !errors.Is(err, sequence.ErrAlreadyEnrolled) {
		t.Fatalf("expected ErrAlreadyEnrolled, got %v", err)
	}

	cancelled, err := api.Cancel(ctx, enr.ID)
	if err != nil || cancelled.Status != sequence.StatusCancelled {
		t.Fatalf("cancel: %+v %v", cancelled, err)
	}
	if _, err := api.Advance(ctx, enr.ID); !errors.Is(err, sequence.ErrEnrollmentClosed) {
		t.Fatalf("expected ErrEnrollmentClosed, got %v", err)
	}
	due, err := api.DueEnrollments(ctx)
	if err != nil || len(due) != 0 {
		t.Fatalf("expected no due actions after cancel: %+v %v", due, err)
	}
}

func TestPingUnreachable(t *testing.T) {
	api := NewAPI("http://followups.test", 200*time.Millisecond)
	ln := fasthttputil.NewInmemoryListener()
	_ = ln.Close()
	api.client.Dial = func(string) (net.Conn, error) { return ln.Dial() }

	if err := api.Ping(context.Background()); err == nil {
		t.Fatal("expected ping to fail against a closed listener")
	}
}
