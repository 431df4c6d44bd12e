package controller

import (
	"encoding/json"
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"leadflow/followup"
	"leadflow/repository"
	"leadflow/utils"
)

// FollowUpController exposes the task rows to the follow-up engine.
type FollowUpController struct {
	Repo   *repository.FollowUpRepository
	Events *EventHub
	Logger *log.Logger
}

func NewFollowUpController(repo *repository.FollowUpRepository, events *EventHub, logger *log.Logger) *FollowUpController {
	return &FollowUpController{
		Repo:   repo,
		Events: events,
		Logger: logger,
	}
}

// GetCatalog returns the fixed outreach cadence.
func (fc *FollowUpController) GetCatalog(c *fiber.Ctx) error {
	return c.JSON(utils.SuccessResponse(followup.Catalog()))
}

// GetDueTasks returns active tasks due on or before as_of (default now).
func (fc *FollowUpController) GetDueTasks(c *fiber.Ctx) error {
	asOf, err := utils.ParseTimeQuery(c, "as_of")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid as_of", err)
	}

	tasks, err := fc.Repo.FetchDueTasks(c.UserContext(), asOf)
	if err != nil {
		fc.Logger.Printf("Error fetching due tasks: %v", err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch due tasks", err)
	}
	return c.JSON(utils.SuccessResponse(tasks))
}

func (fc *FollowUpController) GetTask(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid task ID", nil)
	}
	task, err := fc.Repo.GetTask(c.UserContext(), id)
	if errors.Is(err, repository.ErrRowNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Task not found", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load task", err)
	}
	return c.JSON(utils.SuccessResponse(task))
}

// GetStatsRaw returns the per-lead counters the client aggregates itself.
func (fc *FollowUpController) GetStatsRaw(c *fiber.Ctx) error {
	rows, err := fc.Repo.FetchStatsRaw(c.UserContext())
	if err != nil {
		fc.Logger.Printf("Error fetching stats rows: %v", err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch stats", err)
	}
	return c.JSON(utils.SuccessResponse(rows))
}

// GetTaskCounts buckets active tasks relative to the calendar day of now.
func (fc *FollowUpController) GetTaskCounts(c *fiber.Ctx) error {
	now, err := utils.ParseTimeQuery(c, "now")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid now", err)
	}
	counts, err := fc.Repo.CountTasks(c.UserContext(), now)
	if err != nil {
		fc.Logger.Printf("Error counting tasks: %v", err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count tasks", err)
	}
	return c.JSON(utils.SuccessResponse(counts))
}

// GetStats returns the derived dashboard numbers in one call.
func (fc *FollowUpController) GetStats(c *fiber.Ctx) error {
	now, err := utils.ParseTimeQuery(c, "now")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid now", err)
	}
	rows, err := fc.Repo.FetchStatsRaw(c.UserContext())
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch stats", err)
	}
	counts, err := fc.Repo.CountTasks(c.UserContext(), now)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count tasks", err)
	}
	return c.JSON(utils.SuccessResponse(followup.ComputeStats(rows, counts)))
}

// UpdateTask applies a partial column update to a task row. Only the task
// columns are writable.
func (fc *FollowUpController) UpdateTask(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid task ID", nil)
	}

	var body map[string]json.RawMessage
	if err := c.BodyParser(&body); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	update, err := followup.ParseColumns(body)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Invalid task update", err)
	}

	ctx := c.UserContext()
	if err := fc.Repo.UpdateTaskStatus(ctx, id, update); err != nil {
		if errors.Is(err, repository.ErrRowNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Task not found", nil)
		}
		fc.Logger.Printf("Error updating task %d: %v", id, err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update task", err)
	}

	task, err := fc.Repo.GetTask(ctx, id)
	if err != nil {
		fc.Logger.Printf("Updated task %d but could not reload it: %v", id, err)
		return c.JSON(utils.SuccessResponse(fiber.Map{"id": id}))
	}
	fc.Events.Broadcast(Event{Type: EventTaskUpdated, Task: &task})
	return c.JSON(utils.SuccessResponse(task))
}

// InsertHistory appends a history entry for the task. An Idempotency-Key
// header makes replays of the same request a no-op.
func (fc *FollowUpController) InsertHistory(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid task ID", nil)
	}

	var entry followup.HistoryEntry
	if err := c.BodyParser(&entry); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if entry.StatusID == 0 {
		entry.StatusID = id
	}
	if entry.StatusID != id {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "status_id does not match the task in the path", nil)
	}
	if err := utils.ValidateStruct(entry); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	duplicate, err := fc.Repo.InsertHistoryOnce(c.UserContext(), entry, c.Get("Idempotency-Key"))
	if err != nil {
		fc.Logger.Printf("Error inserting history for task %d: %v", id, err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to record history", err)
	}
	if duplicate {
		return c.JSON(utils.SuccessResponse(fiber.Map{"duplicate": true}))
	}

	fc.Events.Broadcast(Event{Type: EventHistoryRecorded, Task: &followup.Task{StatusID: entry.StatusID, LeadID: entry.LeadID}})
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(entry))
}
