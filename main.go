package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"

	"leadflow/config"
	"leadflow/middleware"
	"leadflow/repository"
	"leadflow/routes"
	"leadflow/worker"
)

func main() {
	// Initialize logger
	logger := log.New(os.Stdout, "LEADFLOW: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	if err := config.InitSentry(); err != nil {
		logger.Fatalf("Failed to initialize Sentry: %v", err)
	}
	defer sentry.Flush(2 * time.Second)

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	app := fiber.New()
	app.Use(middleware.CORS(config.AppConfig.CORSOrigins...))

	routes.SetupRoutes(app, config.DB, routes.Options{})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reconcileWorker := worker.NewReconcileWorker(
		repository.NewFollowUpRepository(config.DB),
		config.AppConfig.ReconcileInterval,
		config.AppConfig.ReconcileWindow,
		log.New(os.Stdout, "RECONCILE: ", log.LstdFlags),
	)
	go reconcileWorker.Start(ctx)

	go func() {
		<-ctx.Done()
		logger.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Printf("Error during shutdown: %v", err)
		}
	}()

	logger.Printf("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
