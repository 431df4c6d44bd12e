package routes

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"leadflow/config"
	"leadflow/middleware"
	"leadflow/models"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func newTestApp(t *testing.T, rateLimit int) (*fiber.App, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "api.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := config.MigrateDB(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	app := fiber.New()
	SetupRoutes(app, db, Options{TransitionLimiter: middleware.NewTransitionRateLimiter(rateLimit, nil)})
	return app, db
}

func do(t *testing.T, app *fiber.App, method, path, body string, headers ...string) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &env)
	return resp.StatusCode, env
}

func seedStatus(t *testing.T, db *gorm.DB, due time.Time) models.FollowUpStatus {
	t.Helper()
	lead := models.Lead{FirstName: "Ana", Email: "ana@example.test"}
	if err := db.Create(&lead).Error; err != nil {
		t.Fatalf("create lead: %v", err)
	}
	row := models.FollowUpStatus{LeadID: lead.ID, CurrentStepCode: "fu_1_bump", Status: "active", NextFollowUpAt: &due}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("create status: %v", err)
	}
	return row
}

func TestHealth(t *testing.T) {
	app, _ := newTestApp(t, 10)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("health status %d", resp.StatusCode)
	}
}

func TestDueTasksAndPatch(t *testing.T) {
	app, db := newTestApp(t, 10)
	row := seedStatus(t, db, time.Now().Add(-time.Hour).UTC().Truncate(time.Second))

	status, env := do(t, app, http.MethodGet, "/api/v1/followups/due", "")
	if status != fiber.StatusOK {
		t.Fatalf("due status %d: %s", status, env.Error)
	}
	var tasks []struct {
		StatusID uint   `json:"status_id"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal(env.Data, &tasks); err != nil {
		t.Fatalf("decode tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].StatusID != row.ID {
		t.Fatalf("unexpected tasks %+v", tasks)
	}

	path := "/api/v1/followups/" + itoa(row.ID)
	status, env = do(t, app, http.MethodPatch, path, `{"status":"replied","next_follow_up_at":null,"reply_count":1}`)
	if status != fiber.StatusOK {
		t.Fatalf("patch status %d: %s", status, env.Error)
	}
	var stored models.FollowUpStatus
	if err := db.First(&stored, row.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Status != "replied" || stored.NextFollowUpAt != nil || stored.ReplyCount != 1 {
		t.Fatalf("patch not applied: %+v", stored)
	}

	status, _ = do(t, app, http.MethodPatch, path, `{"lead_id":99}`)
	if status != fiber.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for non-writable column, got %d", status)
	}
	status, _ = do(t, app, http.MethodPatch, "/api/v1/followups/9999", `{"reply_count":1}`)
	if status != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
}

func TestHistoryIdempotencyKey(t *testing.T) {
	app, db := newTestApp(t, 10)
	row := seedStatus(t, db, time.Now().UTC())
	path := "/api/v1/followups/" + itoa(row.ID) + "/history"
	body := `{"lead_id":` + itoa(row.LeadID) + `,"step_code":"fu_1_bump","outcome":"sent","channel":"email","contacted_at":"2026-05-04T10:00:00Z"}`

	status, env := do(t, app, http.MethodPost, path, body, "Idempotency-Key", "a-1")
	if status != fiber.StatusCreated {
		t.Fatalf("history status %d: %s", status, env.Error)
	}
	status, _ = do(t, app, http.MethodPost, path, body, "Idempotency-Key", "a-1")
	if status != fiber.StatusOK {
		t.Fatalf("replay status %d", status)
	}

	var count int64
	db.Model(&models.FollowUpHistory{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected one history row, got %d", count)
	}

	status, _ = do(t, app, http.MethodPost, path, `{"lead_id":1}`)
	if status != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for invalid entry, got %d", status)
	}
}

func TestTransitionRateLimit(t *testing.T) {
	app, db := newTestApp(t, 2)
	row := seedStatus(t, db, time.Now().UTC())
	path := "/api/v1/followups/" + itoa(row.ID)

	for i := 0; i < 2; i++ {
		if status, env := do(t, app, http.MethodPatch, path, `{"contact_count":1}`); status != fiber.StatusOK {
			t.Fatalf("request %d: status %d %s", i, status, env.Error)
		}
	}
	if status, _ := do(t, app, http.MethodPatch, path, `{"contact_count":1}`); status != fiber.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", status)
	}
}

func TestEnrollmentFlow(t *testing.T) {
	app, db := newTestApp(t, 10)
	lead := models.Lead{FirstName: "Ana", Company: "Globex", Email: "ana@globex.test"}
	if err := db.Create(&lead).Error; err != nil {
		t.Fatalf("create lead: %v", err)
	}

	status, env := do(t, app, http.MethodPost, "/api/v1/sequences",
		`{"name":"demo","steps":[{"step_number":1,"delay_days":0,"channel":"email","message_template":"Hi {{first_name}}"},{"step_number":2,"delay_days":2,"channel":"call","message_template":"Call {{company}}"}]}`)
	if status != fiber.StatusCreated {
		t.Fatalf("create sequence status %d: %s", status, env.Error)
	}
	var seq struct {
		ID uint `json:"id"`
	}
	if err := json.Unmarshal(env.Data, &seq); err != nil {
		t.Fatalf("decode sequence: %v", err)
	}

	enroll := `{"lead_id":` + itoa(lead.ID) + `,"sequence_id":` + itoa(seq.ID) + `}`
	status, env = do(t, app, http.MethodPost, "/api/v1/enrollments", enroll)
	if status != fiber.StatusCreated {
		t.Fatalf("enroll status %d: %s", status, env.Error)
	}
	var enr struct {
		ID uint `json:"id"`
	}
	if err := json.Unmarshal(env.Data, &enr); err != nil {
		t.Fatalf("decode enrollment: %v", err)
	}

	if status, _ = do(t, app, http.MethodPost, "/api/v1/enrollments", enroll); status != fiber.StatusConflict {
		t.Fatalf("expected 409 on second enrollment, got %d", status)
	}

	status, env = do(t, app, http.MethodGet, "/api/v1/enrollments/due", "")
	if status != fiber.StatusOK {
		t.Fatalf("due status %d: %s", status, env.Error)
	}
	var due []struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(env.Data, &due); err != nil {
		t.Fatalf("decode due: %v", err)
	}
	if len(due) != 1 || due[0].Message != "Hi Ana" {
		t.Fatalf("unexpected due %+v", due)
	}

	base := "/api/v1/enrollments/" + itoa(enr.ID)
	if status, env = do(t, app, http.MethodPost, base+"/advance", ""); status != fiber.StatusOK {
		t.Fatalf("advance status %d: %s", status, env.Error)
	}
	if status, env = do(t, app, http.MethodPost, base+"/advance", ""); status != fiber.StatusOK {
		t.Fatalf("completing advance status %d: %s", status, env.Error)
	}
	if status, _ = do(t, app, http.MethodPost, base+"/advance", ""); status != fiber.StatusUnprocessableEntity {
		t.Fatalf("expected 422 on closed enrollment, got %d", status)
	}
	if status, _ = do(t, app, http.MethodGet, "/api/v1/sequences/999", ""); status != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
}

func TestLeadLifecycle(t *testing.T) {
	app, db := newTestApp(t, 10)

	status, env := do(t, app, http.MethodPost, "/api/v1/leads",
		`{"email":"Cleo@Example.test","first_name":"Cleo","custom_fields":{"industry":"retail","email":"ignored"},"tags":["Hot"," hot","q3"],"start_follow_up":true,"preferred_channel":"call"}`)
	if status != fiber.StatusCreated {
		t.Fatalf("create lead status %d: %s", status, env.Error)
	}
	var created struct {
		Lead struct {
			ID    uint   `json:"id"`
			Email string `json:"email"`
		} `json:"lead"`
		Task struct {
			StatusID        uint   `json:"status_id"`
			CurrentStepCode string `json:"current_step_code"`
		} `json:"task"`
	}
	if err := json.Unmarshal(env.Data, &created); err != nil {
		t.Fatalf("decode lead: %v", err)
	}
	if created.Lead.Email != "cleo@example.test" || created.Task.CurrentStepCode != "fu_0_intro" {
		t.Fatalf("unexpected create result %+v", created)
	}

	var fields []models.LeadCustomField
	db.Where("lead_id = ?", created.Lead.ID).Find(&fields)
	if len(fields) != 1 || fields[0].Name != "industry" {
		t.Fatalf("expected only the industry custom field, got %+v", fields)
	}
	status, env = do(t, app, http.MethodGet, "/api/v1/leads/"+itoa(created.Lead.ID), "")
	if status != fiber.StatusOK || !strings.Contains(string(env.Data), `"tag":"hot"`) || !strings.Contains(string(env.Data), `"tag":"q3"`) {
		t.Fatalf("expected normalized tags on lead: %d %s", status, env.Data)
	}
	var tags int64
	db.Model(&models.LeadTag{}).Where("lead_id = ?", created.Lead.ID).Count(&tags)
	if tags != 2 {
		t.Fatalf("expected 2 tags, got %d", tags)
	}

	if status, _ = do(t, app, http.MethodPost, "/api/v1/leads/"+itoa(created.Lead.ID)+"/followup", ""); status != fiber.StatusConflict {
		t.Fatalf("expected 409 on second cadence start, got %d", status)
	}
	if status, _ = do(t, app, http.MethodPost, "/api/v1/leads", `{"email":"cleo@example.test"}`); status != fiber.StatusConflict {
		t.Fatalf("expected 409 on duplicate email, got %d", status)
	}

	status, env = do(t, app, http.MethodGet, "/api/v1/followups/due", "")
	if status != fiber.StatusOK || !strings.Contains(string(env.Data), `"preferred_channel":"call"`) {
		t.Fatalf("new lead not due: %d %s", status, env.Data)
	}

	if status, _ = do(t, app, http.MethodDelete, "/api/v1/leads/"+itoa(created.Lead.ID), ""); status != fiber.StatusOK {
		t.Fatalf("delete status %d", status)
	}
	var remaining int64
	db.Model(&models.FollowUpStatus{}).Count(&remaining)
	if remaining != 0 {
		t.Fatalf("expected task row removed with its lead, %d left", remaining)
	}
}

func TestImportLeads(t *testing.T) {
	app, db := newTestApp(t, 10)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "leads.csv")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	io.WriteString(part, "email,first_name,company,tier\nana@a.test,Ana,Acme,gold\n,NoEmail,X,\nben@b.test,Ben,Initech,silver\nana@a.test,Dup,Acme,gold\n")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/leads/import?start_follow_up=true", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	defer resp.Body.Close()
	var env envelope
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &env)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("import status %d: %s", resp.StatusCode, raw)
	}

	var summary struct {
		Imported int `json:"imported"`
		Skipped  int `json:"skipped"`
		Started  int `json:"follow_ups_started"`
	}
	if err := json.Unmarshal(env.Data, &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Imported != 2 || summary.Skipped != 2 || summary.Started != 2 {
		t.Fatalf("unexpected import summary %+v", summary)
	}

	var tier models.LeadCustomField
	if err := db.Where("name = ?", "tier").Order("id ASC").First(&tier).Error; err != nil || tier.Value != "gold" {
		t.Fatalf("expected tier custom field, got %+v (%v)", tier, err)
	}
}

func itoa(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}
