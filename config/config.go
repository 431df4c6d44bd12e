package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"leadflow/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type Config struct {
	Environment    string `json:"environment"`
	ServerPort     string `json:"server_port"`
	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	Redis       RedisConfig `json:"redis"`
	SentryDSN   string      `json:"-"`
	CORSOrigins []string    `json:"cors_origins"`

	// Transitions allowed per lead per minute
	TransitionRateLimit int           `json:"transition_rate_limit"`
	ReconcileInterval   time.Duration `json:"reconcile_interval"`
	ReconcileWindow     time.Duration `json:"reconcile_window"`
}

// ClientConfig is what followupctl needs to reach the API and keep its queue.
type ClientConfig struct {
	APIURL               string        `json:"api_url"`
	QueuePath            string        `json:"queue_path"`
	QueueRedis           RedisConfig   `json:"queue_redis"`
	RequestTimeout       time.Duration `json:"request_timeout"`
	ConnectivityInterval time.Duration `json:"connectivity_interval"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "leadflow"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		SentryDSN:           getEnv("SENTRY_DSN", ""),
		CORSOrigins:         getEnvAsList("CORS_ORIGINS", []string{"http://localhost:3000"}),
		TransitionRateLimit: getEnvAsInt("TRANSITION_RATE_LIMIT", 30),
		ReconcileInterval:   getEnvAsDuration("RECONCILE_INTERVAL", 10*time.Minute),
		ReconcileWindow:     getEnvAsDuration("RECONCILE_WINDOW", 24*time.Hour),
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.TransitionRateLimit <= 0 {
		return fmt.Errorf("TRANSITION_RATE_LIMIT must be positive")
	}
	if AppConfig.Environment == "production" && AppConfig.SentryDSN == "" {
		return fmt.Errorf("SENTRY_DSN is required in production")
	}

	logConfig()
	return nil
}

// LoadClientConfig reads the followupctl settings. Nothing is required.
func LoadClientConfig() ClientConfig {
	home, _ := os.UserHomeDir()
	return ClientConfig{
		APIURL:               strings.TrimRight(getEnv("FOLLOWUP_API_URL", "http://localhost:5000"), "/"),
		QueuePath:            getEnv("FOLLOWUP_QUEUE_PATH", home+"/.followupctl.db"),
		QueueRedis: RedisConfig{
			Enabled:  getEnvAsBool("FOLLOWUP_QUEUE_REDIS_ENABLED", false),
			Address:  getEnv("FOLLOWUP_QUEUE_REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("FOLLOWUP_QUEUE_REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("FOLLOWUP_QUEUE_REDIS_DB", 0),
		},
		RequestTimeout:       getEnvAsDuration("FOLLOWUP_REQUEST_TIMEOUT", 10*time.Second),
		ConnectivityInterval: getEnvAsDuration("FOLLOWUP_CONNECTIVITY_INTERVAL", 15*time.Second),
	}
}

// InitSentry is a no-op without a DSN.
func InitSentry() error {
	if AppConfig.SentryDSN == "" {
		return nil
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:         AppConfig.SentryDSN,
		Environment: AppConfig.Environment,
	})
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	log.Println("✅ Successfully connected to the database")
	log.Println("🔄 Starting database migration...")
	if err := MigrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("✅ Database migration completed")
	return nil
}

// MigrateDB creates the tables and seeds the default sequence.
func MigrateDB(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return err
	}
	return models.CreateDefaultSequences(db)
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		log.Printf("⚠️ Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

// getEnvAsDuration accepts Go durations ("90s", "10m").
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	value, err := time.ParseDuration(getEnv(key, ""))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func getEnvAsList(key string, fallback []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	log.Println("🔧 Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Redis: enabled=%t address=%s", AppConfig.Redis.Enabled, AppConfig.Redis.Address)
	log.Printf("Transition rate limit: %d/min, reconcile every %s",
		AppConfig.TransitionRateLimit,
		AppConfig.ReconcileInterval)
}
