package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"leadflow/followup"
	"leadflow/offline"
	"leadflow/sequence"
)

const apiPrefix = "/api/v1"

// StatusError is a non-2xx answer from the remote store.
type StatusError struct {
	Method  string
	Path    string
	Status  int
	Message string
	Details string
}

func (e *StatusError) Error() string {
	msg := e.Message
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, msg)
}

// envelope mirrors utils.SuccessResponse and utils.ErrorResponse.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Details string          `json:"details"`
}

// API talks to the follow-up service over fasthttp.
type API struct {
	BaseURL string
	Timeout time.Duration
	client  *fasthttp.Client
}

func NewAPI(baseURL string, timeout time.Duration) *API {
	return &API{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Timeout: timeout,
		client: &fasthttp.Client{
			Name:                "followupctl",
			MaxIdleConnDuration: time.Minute,
		},
	}
}

// Ping checks the service health endpoint.
func (a *API) Ping(ctx context.Context) error {
	return a.do(ctx, fasthttp.MethodGet, "/health", nil, nil, nil)
}

func (a *API) FetchDueTasks(ctx context.Context, asOf time.Time) ([]followup.Task, error) {
	var tasks []followup.Task
	path := apiPrefix + "/followups/due?as_of=" + url.QueryEscape(asOf.Format(time.RFC3339Nano))
	if err := a.do(ctx, fasthttp.MethodGet, path, nil, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetTask loads one task row by its ID.
func (a *API) GetTask(ctx context.Context, statusID uint) (followup.Task, error) {
	var task followup.Task
	err := a.do(ctx, fasthttp.MethodGet, TaskPath(statusID), nil, nil, &task)
	return task, err
}

func (a *API) FetchStatsRaw(ctx context.Context) ([]followup.StatsRow, error) {
	var rows []followup.StatsRow
	if err := a.do(ctx, fasthttp.MethodGet, apiPrefix+"/followups/stats/raw", nil, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (a *API) CountTasks(ctx context.Context, now time.Time) (followup.TaskCounts, error) {
	var counts followup.TaskCounts
	path := apiPrefix + "/followups/stats/counts?now=" + url.QueryEscape(now.Format(time.RFC3339Nano))
	err := a.do(ctx, fasthttp.MethodGet, path, nil, nil, &counts)
	return counts, err
}

func (a *API) UpdateTaskStatus(ctx context.Context, statusID uint, update followup.TaskUpdate) error {
	body, err := json.Marshal(update.Columns())
	if err != nil {
		return fmt.Errorf("encode task update: %w", err)
	}
	return a.do(ctx, fasthttp.MethodPatch, TaskPath(statusID), nil, body, nil)
}

func (a *API) InsertHistory(ctx context.Context, entry followup.HistoryEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}
	return a.do(ctx, fasthttp.MethodPost, HistoryPath(entry.StatusID), nil, body, nil)
}

// Send replays a queued action. The action ID is sent as the Idempotency-Key
// so a replay of an already applied history write is not recorded twice.
func (a *API) Send(ctx context.Context, action offline.Action) error {
	headers := map[string]string{"Idempotency-Key": action.ID}
	return a.do(ctx, action.Method, action.Endpoint, headers, action.Payload, nil)
}

func (a *API) GetSequence(ctx context.Context, id uint) (sequence.Sequence, error) {
	var seq sequence.Sequence
	err := a.do(ctx, fasthttp.MethodGet, apiPrefix+"/sequences/"+itoa(id), nil, nil, &seq)
	return seq, sequenceError(err)
}

func (a *API) Enroll(ctx context.Context, leadID, sequenceID uint) (sequence.Enrollment, error) {
	body, err := json.Marshal(map[string]uint{"lead_id": leadID, "sequence_id": sequenceID})
	if err != nil {
		return sequence.Enrollment{}, err
	}
	var enr sequence.Enrollment
	err = a.do(ctx, fasthttp.MethodPost, apiPrefix+"/enrollments", nil, body, &enr)
	return enr, sequenceError(err)
}

func (a *API) Advance(ctx context.Context, enrollmentID uint) (sequence.Enrollment, error) {
	var enr sequence.Enrollment
	err := a.do(ctx, fasthttp.MethodPost, apiPrefix+"/enrollments/"+itoa(enrollmentID)+"/advance", nil, nil, &enr)
	return enr, sequenceError(err)
}

func (a *API) Cancel(ctx context.Context, enrollmentID uint) (sequence.Enrollment, error) {
	var enr sequence.Enrollment
	err := a.do(ctx, fasthttp.MethodPost, apiPrefix+"/enrollments/"+itoa(enrollmentID)+"/cancel", nil, nil, &enr)
	return enr, sequenceError(err)
}

func (a *API) DueEnrollments(ctx context.Context) ([]sequence.DueAction, error) {
	var due []sequence.DueAction
	if err := a.do(ctx, fasthttp.MethodGet, apiPrefix+"/enrollments/due", nil, nil, &due); err != nil {
		return nil, err
	}
	return due, nil
}

// TaskPath is the endpoint of a task row.
func TaskPath(statusID uint) string {
	return apiPrefix + "/followups/" + itoa(statusID)
}

// HistoryPath is the endpoint recording history for a task row.
func HistoryPath(statusID uint) string {
	return TaskPath(statusID) + "/history"
}

func (a *API) do(ctx context.Context, method, path string, headers map[string]string, body []byte, out interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(a.BaseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if len(body) > 0 {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	if err := a.client.DoDeadline(req, resp, a.deadline(ctx)); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	var env envelope
	raw := resp.Body()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode() < 300 && out != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		msg := env.Error
		if msg == "" {
			msg = fasthttp.StatusMessage(code)
		}
		return &StatusError{Method: method, Path: path, Status: code, Message: msg, Details: env.Details}
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%s %s: decode data: %w", method, path, err)
	}
	return nil
}

func (a *API) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(a.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(d) {
		return dl
	}
	return d
}

// sequenceError maps the service's status codes back onto the sequence
// package's sentinel errors.
func sequenceError(err error) error {
	var se *StatusError
	if !errors.As(err, &se) {
		return err
	}
	switch se.Status {
	case fasthttp.StatusNotFound:
		return fmt.Errorf("%w: %s", sequence.ErrNotFound, se.Error())
	case fasthttp.StatusConflict:
		if strings.Contains(se.Details, sequence.ErrEnrollmentChanged.Error()) {
			return fmt.Errorf("%w: %s", sequence.ErrEnrollmentChanged, se.Error())
		}
		return fmt.Errorf("%w: %s", sequence.ErrAlreadyEnrolled, se.Error())
	case fasthttp.StatusUnprocessableEntity:
		if strings.Contains(se.Details, sequence.ErrEmptySequence.Error()) {
			return fmt.Errorf("%w: %s", sequence.ErrEmptySequence, se.Error())
		}
		return fmt.Errorf("%w: %s", sequence.ErrEnrollmentClosed, se.Error())
	}
	return err
}

func itoa(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}
