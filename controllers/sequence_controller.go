package controller

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"leadflow/repository"
	"leadflow/sequence"
	"leadflow/utils"
)

type SequenceController struct {
	Repo    *repository.SequenceRepository
	Manager *sequence.Manager
	Events  *EventHub
	Logger  *log.Logger
}

func NewSequenceController(repo *repository.SequenceRepository, manager *sequence.Manager, events *EventHub, logger *log.Logger) *SequenceController {
	return &SequenceController{
		Repo:    repo,
		Manager: manager,
		Events:  events,
		Logger:  logger,
	}
}

// CreateSequence stores a new sequence with its steps
func (sc *SequenceController) CreateSequence(c *fiber.Ctx) error {
	var input struct {
		Name  string          `json:"name" validate:"required,max=200"`
		Steps []sequence.Step `json:"steps" validate:"required,min=1,dive"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	seen := make(map[int]bool, len(input.Steps))
	for _, st := range input.Steps {
		if seen[st.StepNumber] {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Step numbers must be unique", nil)
		}
		seen[st.StepNumber] = true
	}

	seq, err := sc.Repo.CreateSequence(c.UserContext(), sequence.Sequence{Name: input.Name, Steps: input.Steps})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create sequence", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(seq))
}

func (sc *SequenceController) GetSequence(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid sequence ID", nil)
	}
	seq, err := sc.Repo.GetSequence(c.UserContext(), id)
	if err != nil {
		return sc.fail(c, "Failed to load sequence", err)
	}
	return c.JSON(utils.SuccessResponse(seq))
}

// Enroll puts a lead at the first step of a sequence. A second enrollment of
// the same lead is a conflict, not a no-op.
func (sc *SequenceController) Enroll(c *fiber.Ctx) error {
	var input struct {
		LeadID     uint `json:"lead_id" validate:"required"`
		SequenceID uint `json:"sequence_id" validate:"required"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	enr, err := sc.Manager.Enroll(c.UserContext(), input.LeadID, input.SequenceID)
	if err != nil {
		return sc.fail(c, "Failed to enroll lead", err)
	}
	sc.Events.Broadcast(Event{Type: EventEnrollmentUpdated, Enrollment: &enr})
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(enr))
}

func (sc *SequenceController) GetEnrollment(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid enrollment ID", nil)
	}
	enr, err := sc.Repo.GetEnrollment(c.UserContext(), id)
	if err != nil {
		return sc.fail(c, "Failed to load enrollment", err)
	}
	return c.JSON(utils.SuccessResponse(enr))
}

func (sc *SequenceController) Advance(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid enrollment ID", nil)
	}
	enr, err := sc.Manager.Advance(c.UserContext(), id)
	if err != nil {
		return sc.fail(c, "Failed to advance enrollment", err)
	}
	sc.Events.Broadcast(Event{Type: EventEnrollmentUpdated, Enrollment: &enr})
	return c.JSON(utils.SuccessResponse(enr))
}

func (sc *SequenceController) Cancel(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid enrollment ID", nil)
	}
	enr, err := sc.Manager.Cancel(c.UserContext(), id)
	if err != nil {
		return sc.fail(c, "Failed to cancel enrollment", err)
	}
	sc.Events.Broadcast(Event{Type: EventEnrollmentUpdated, Enrollment: &enr})
	return c.JSON(utils.SuccessResponse(enr))
}

// GetDueEnrollments lists today's sequence actions with rendered messages
func (sc *SequenceController) GetDueEnrollments(c *fiber.Ctx) error {
	due, err := sc.Manager.DueToday(c.UserContext())
	if err != nil {
		return sc.fail(c, "Failed to fetch due enrollments", err)
	}
	return c.JSON(utils.SuccessResponse(due))
}

func (sc *SequenceController) fail(c *fiber.Ctx, message string, err error) error {
	switch {
	case errors.Is(err, sequence.ErrNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, message, err)
	case errors.Is(err, sequence.ErrAlreadyEnrolled), errors.Is(err, sequence.ErrEnrollmentChanged):
		return utils.ErrorResponse(c, fiber.StatusConflict, message, err)
	case errors.Is(err, sequence.ErrEnrollmentClosed), errors.Is(err, sequence.ErrEmptySequence):
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, message, err)
	}
	sc.Logger.Printf("%s: %v", message, err)
	return utils.ErrorResponse(c, fiber.StatusInternalServerError, message, err)
}
