package controller

import (
	"encoding/csv"
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"leadflow/followup"
	"leadflow/models"
	"leadflow/repository"
	"leadflow/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// leadColumns are the CSV headers that map onto lead fields. Any other column
// becomes a custom field.
var leadColumns = map[string]bool{
	"email":      true,
	"first_name": true,
	"last_name":  true,
	"phone":      true,
	"company":    true,
	"position":   true,
}

type LeadController struct {
	DB        *gorm.DB
	FollowUps *repository.FollowUpRepository
	Events    *EventHub
	Logger    *log.Logger
}

func NewLeadController(db *gorm.DB, followUps *repository.FollowUpRepository, events *EventHub, logger *log.Logger) *LeadController {
	return &LeadController{
		DB:        db,
		FollowUps: followUps,
		Events:    events,
		Logger:    logger,
	}
}

// CreateLead creates a new lead with validation. With start_follow_up set the
// lead also gets a task row at the first cadence step, due now.
func (lc *LeadController) CreateLead(c *fiber.Ctx) error {
	var input struct {
		Email            string            `json:"email" validate:"required,email"`
		FirstName        string            `json:"first_name" validate:"omitempty,max=100"`
		LastName         string            `json:"last_name" validate:"omitempty,max=100"`
		Phone            string            `json:"phone" validate:"omitempty,max=30"`
		Company          string            `json:"company" validate:"omitempty,max=200"`
		Position         string            `json:"position" validate:"omitempty,max=200"`
		Source           string            `json:"source" validate:"omitempty,max=100"`
		CustomFields     map[string]string `json:"custom_fields"`
		Tags             []string          `json:"tags" validate:"omitempty,dive,max=50"`
		StartFollowUp    bool              `json:"start_follow_up"`
		PreferredChannel followup.Channel  `json:"preferred_channel" validate:"omitempty,oneof=email sms call whatsapp linkedin"`
	}

	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	// Validate input
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	email := strings.ToLower(input.Email)
	var existing int64
	if err := lc.DB.Model(&models.Lead{}).Where("email = ?", email).Count(&existing).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to check lead", err)
	}
	if existing > 0 {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Lead with this email already exists", nil)
	}

	lead := models.Lead{
		Email:        email,
		FirstName:    input.FirstName,
		LastName:     input.LastName,
		Phone:        input.Phone,
		Company:      input.Company,
		Position:     input.Position,
		Source:       input.Source,
		CustomFields: convertCustomFields(input.CustomFields),
		LeadTags:     convertTags(input.Tags),
	}
	if err := lc.DB.Create(&lead).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create lead", err)
	}

	if !input.StartFollowUp {
		return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(lead))
	}
	task, err := lc.FollowUps.StartCadence(c.UserContext(), lead.ID, input.PreferredChannel, time.Now().UTC())
	if err != nil {
		lc.Logger.Printf("Created lead %d but could not start its follow-up: %v", lead.ID, err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to start follow-up", err)
	}
	lc.Events.Broadcast(Event{Type: EventTaskUpdated, Task: &task})
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(fiber.Map{
		"lead": lead,
		"task": task,
	}))
}

// Helper function to convert custom fields
func convertCustomFields(fields map[string]string) []models.LeadCustomField {
	var result []models.LeadCustomField
	for name, value := range fields {
		name = strings.TrimSpace(name)
		if name == "" || leadColumns[strings.ToLower(name)] {
			continue
		}
		result = append(result, models.LeadCustomField{
			Name:  name,
			Value: value,
		})
	}
	return result
}

// GetLeads returns paginated list of leads with filters
func (lc *LeadController) GetLeads(c *fiber.Ctx) error {
	// Pagination
	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	offset := (page - 1) * limit

	query := lc.DB.Model(&models.Lead{})
	if email := c.Query("email"); email != "" {
		query = query.Where("email LIKE ?", "%"+strings.ToLower(email)+"%")
	}
	if company := c.Query("company"); company != "" {
		query = query.Where("company LIKE ?", "%"+company+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count leads", err)
	}

	var leads []models.Lead
	if err := query.Order("id ASC").Offset(offset).Limit(limit).Find(&leads).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch leads", err)
	}

	return c.JSON(utils.PaginatedResponse{
		Data:  leads,
		Total: total,
		Page:  page,
		Limit: limit,
	})
}

func convertTags(tags []string) []models.LeadTag {
	seen := make(map[string]bool, len(tags))
	var result []models.LeadTag
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		result = append(result, models.LeadTag{Tag: tag})
	}
	return result
}

// GetLead returns a single lead by ID
func (lc *LeadController) GetLead(c *fiber.Ctx) error {
	var lead models.Lead
	if err := lc.DB.Preload("CustomFields").Preload("LeadTags").First(&lead, utils.ParseUint(c.Params("id"))).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch lead", err)
	}

	return c.JSON(utils.SuccessResponse(lead))
}

// UpdateLead updates lead details. Custom fields, when given, replace the
// existing set.
func (lc *LeadController) UpdateLead(c *fiber.Ctx) error {
	var input struct {
		Email        string            `json:"email" validate:"omitempty,email"`
		FirstName    string            `json:"first_name" validate:"omitempty,max=100"`
		LastName     string            `json:"last_name" validate:"omitempty,max=100"`
		Phone        string            `json:"phone" validate:"omitempty,max=30"`
		Company      string            `json:"company" validate:"omitempty,max=200"`
		Position     string            `json:"position" validate:"omitempty,max=200"`
		CustomFields map[string]string `json:"custom_fields"`
	}

	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	// Validate input
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	var lead models.Lead
	if err := lc.DB.First(&lead, utils.ParseUint(c.Params("id"))).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch lead", err)
	}

	// Check if email is being updated to an existing one
	if email := strings.ToLower(input.Email); email != "" && email != lead.Email {
		var taken int64
		lc.DB.Model(&models.Lead{}).Where("email = ?", email).Count(&taken)
		if taken > 0 {
			return utils.ErrorResponse(c, fiber.StatusConflict, "Lead with this email already exists", nil)
		}
		lead.Email = email
	}

	// Update fields
	if input.FirstName != "" {
		lead.FirstName = input.FirstName
	}
	if input.LastName != "" {
		lead.LastName = input.LastName
	}
	if input.Phone != "" {
		lead.Phone = input.Phone
	}
	if input.Company != "" {
		lead.Company = input.Company
	}
	if input.Position != "" {
		lead.Position = input.Position
	}

	err := lc.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("CustomFields").Save(&lead).Error; err != nil {
			return err
		}
		if input.CustomFields == nil {
			return nil
		}
		if err := tx.Where("lead_id = ?", lead.ID).Delete(&models.LeadCustomField{}).Error; err != nil {
			return err
		}
		fields := convertCustomFields(input.CustomFields)
		for i := range fields {
			fields[i].LeadID = lead.ID
		}
		if len(fields) > 0 {
			if err := tx.Create(&fields).Error; err != nil {
				return err
			}
		}
		lead.CustomFields = fields
		return nil
	})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update lead", err)
	}

	return c.JSON(utils.SuccessResponse(lead))
}

// DeleteLead deletes a lead together with its task row
func (lc *LeadController) DeleteLead(c *fiber.Ctx) error {
	leadID := utils.ParseUint(c.Params("id"))

	var deleted int64
	err := lc.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("lead_id = ?", leadID).Delete(&models.FollowUpStatus{}).Error; err != nil {
			return err
		}
		if err := tx.Where("lead_id = ? AND status = ?", leadID, "active").
			Model(&models.SequenceEnrollment{}).Update("status", "cancelled").Error; err != nil {
			return err
		}
		result := tx.Delete(&models.Lead{}, leadID)
		deleted = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete lead", err)
	}
	if deleted == 0 {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"message": "Lead deleted successfully",
	}))
}

// StartFollowUp puts an existing lead at the first cadence step, due now.
func (lc *LeadController) StartFollowUp(c *fiber.Ctx) error {
	leadID := utils.ParseUint(c.Params("id"))
	if leadID == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead ID", nil)
	}
	var input struct {
		PreferredChannel followup.Channel `json:"preferred_channel" validate:"omitempty,oneof=email sms call whatsapp linkedin"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&input); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
		}
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	task, err := lc.FollowUps.StartCadence(c.UserContext(), leadID, input.PreferredChannel, time.Now().UTC())
	switch {
	case errors.Is(err, repository.ErrRowNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
	case errors.Is(err, repository.ErrCadenceStarted):
		return utils.ErrorResponse(c, fiber.StatusConflict, "Lead already has a follow-up task", nil)
	case err != nil:
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to start follow-up", err)
	}
	lc.Events.Broadcast(Event{Type: EventTaskUpdated, Task: &task})
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(task))
}

// ImportLeads imports leads from CSV file. Unknown columns become custom
// fields; rows without an email or with a known email are skipped.
func (lc *LeadController) ImportLeads(c *fiber.Ctx) error {
	startFollowUp := c.QueryBool("start_follow_up", false)

	file, err := c.FormFile("file")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "File upload error", err)
	}

	// Check file size (max 5MB)
	if file.Size > 5<<20 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "File too large (max 5MB)", nil)
	}

	src, err := file.Open()
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to open file", err)
	}
	defer src.Close()

	records, err := csv.NewReader(src).ReadAll()
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Failed to parse CSV file", err)
	}
	if len(records) < 2 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "CSV file must have at least a header and one row", nil)
	}

	header := records[0]
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	rows := records[1:]

	imported, skipped, started := 0, 0, 0
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		if len(row) != len(header) {
			skipped++
			continue
		}

		data := make(map[string]string, len(header))
		for i, col := range header {
			data[strings.ToLower(col)] = strings.TrimSpace(row[i])
		}
		email := strings.ToLower(data["email"])
		if email == "" || seen[email] {
			skipped++
			continue
		}
		seen[email] = true

		var existing int64
		lc.DB.Model(&models.Lead{}).Where("email = ?", email).Count(&existing)
		if existing > 0 {
			skipped++
			continue
		}

		custom := make(map[string]string)
		for i, col := range header {
			custom[col] = strings.TrimSpace(row[i])
		}
		lead := models.Lead{
			Email:        email,
			FirstName:    data["first_name"],
			LastName:     data["last_name"],
			Phone:        data["phone"],
			Company:      data["company"],
			Position:     data["position"],
			Source:       "csv_import",
			CustomFields: convertCustomFields(custom),
		}
		if err := lc.DB.Create(&lead).Error; err != nil {
			lc.Logger.Printf("Failed to import lead %s: %v", email, err)
			skipped++
			continue
		}
		imported++

		if startFollowUp {
			if _, err := lc.FollowUps.StartCadence(c.UserContext(), lead.ID, "", time.Now().UTC()); err != nil {
				lc.Logger.Printf("Failed to start follow-up for imported lead %d: %v", lead.ID, err)
				continue
			}
			started++
		}
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"message":            "Leads imported successfully",
		"total_rows":         len(rows),
		"imported":           imported,
		"skipped":            skipped,
		"follow_ups_started": started,
	}))
}

// ExportLeads exports leads to CSV
func (lc *LeadController) ExportLeads(c *fiber.Ctx) error {
	var leads []models.Lead
	if err := lc.DB.Order("id ASC").Find(&leads).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch leads", err)
	}

	c.Set("Content-Type", "text/csv")
	c.Set("Content-Disposition", "attachment; filename=leads_export_"+time.Now().Format("20060102")+".csv")

	writer := csv.NewWriter(c)
	defer writer.Flush()

	header := []string{"email", "first_name", "last_name", "phone", "company", "position"}
	if err := writer.Write(header); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to generate CSV", err)
	}
	for _, lead := range leads {
		record := []string{lead.Email, lead.FirstName, lead.LastName, lead.Phone, lead.Company, lead.Position}
		if err := writer.Write(record); err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to generate CSV", err)
		}
	}
	return nil
}
