package routes

import (
	"log"
	"os"

	controller "leadflow/controllers"
	"leadflow/middleware"
	"leadflow/repository"
	"leadflow/sequence"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Options tweak route setup; the zero value is production behaviour.
type Options struct {
	// TransitionLimiter guards task writes; nil uses the configured limiter.
	TransitionLimiter fiber.Handler
	// Events receives confirmed writes; nil creates a new hub.
	Events *controller.EventHub
}

func SetupRoutes(app *fiber.App, db *gorm.DB, opts Options) *controller.EventHub {
	events := opts.Events
	if events == nil {
		events = controller.NewEventHub(log.New(os.Stdout, "EVENTS: ", log.LstdFlags))
	}
	limiter := opts.TransitionLimiter
	if limiter == nil {
		limiter = middleware.TransitionRateLimiter()
	}

	// Health check endpoint, also the client's connectivity probe
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	SetupAPIRoutes(app, db, events, limiter)
	SetupEventRoutes(app, events)
	return events
}

func SetupAPIRoutes(app *fiber.App, db *gorm.DB, events *controller.EventHub, limiter fiber.Handler) {
	followUpRepo := repository.NewFollowUpRepository(db)
	sequenceRepo := repository.NewSequenceRepository(db)
	manager := sequence.NewManager(sequenceRepo, sequence.WithManagerLogger(logrus.WithField("component", "sequence_api")))

	leadController := controller.NewLeadController(db, followUpRepo, events, log.New(os.Stdout, "LEAD: ", log.LstdFlags))
	followUpController := controller.NewFollowUpController(followUpRepo, events, log.New(os.Stdout, "FOLLOWUP: ", log.LstdFlags))
	sequenceController := controller.NewSequenceController(sequenceRepo, manager, events, log.New(os.Stdout, "SEQUENCE: ", log.LstdFlags))

	api := app.Group("/api/v1", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	api.Get("/catalog", followUpController.GetCatalog)

	// Lead routes
	leads := api.Group("/leads")
	leads.Post("/", leadController.CreateLead)
	leads.Get("/", leadController.GetLeads)
	leads.Post("/import", leadController.ImportLeads)
	leads.Get("/export", leadController.ExportLeads)
	leads.Get("/:id", leadController.GetLead)
	leads.Put("/:id", leadController.UpdateLead)
	leads.Delete("/:id", leadController.DeleteLead)
	leads.Post("/:id/followup", leadController.StartFollowUp)

	// Follow-up task routes
	followups := api.Group("/followups")
	followups.Get("/due", followUpController.GetDueTasks)
	followups.Get("/stats", followUpController.GetStats)
	followups.Get("/stats/raw", followUpController.GetStatsRaw)
	followups.Get("/stats/counts", followUpController.GetTaskCounts)
	followups.Get("/:id", followUpController.GetTask)
	followups.Patch("/:id", limiter, followUpController.UpdateTask)
	followups.Post("/:id/history", limiter, followUpController.InsertHistory)

	// Sequence routes
	sequences := api.Group("/sequences")
	sequences.Post("/", sequenceController.CreateSequence)
	sequences.Get("/:id", sequenceController.GetSequence)

	// Enrollment routes
	enrollments := api.Group("/enrollments")
	enrollments.Post("/", sequenceController.Enroll)
	enrollments.Get("/due", sequenceController.GetDueEnrollments)
	enrollments.Get("/:id", sequenceController.GetEnrollment)
	enrollments.Post("/:id/advance", sequenceController.Advance)
	enrollments.Post("/:id/cancel", sequenceController.Cancel)
}

func SetupEventRoutes(app *fiber.App, events *controller.EventHub) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(events.HandleEventsWS))
}
