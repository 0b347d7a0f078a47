package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fawad-mazhar/ingestd/internal/models"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig                 `yaml:"server"`
	Log        LogConfig                    `yaml:"log"`
	Store      StoreConfig                  `yaml:"store"`
	Scheduler  SchedulerConfig              `yaml:"scheduler"`
	TaskLogger TaskLoggerConfig             `yaml:"taskLogger"`
	Events     EventsConfig                 `yaml:"events"`
	Storage    StorageConfig                `yaml:"storage"`
	Platforms  map[string]map[string]string `yaml:"platforms"`
	Schedules  []ScheduleConfig             `yaml:"schedules"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string `yaml:"port"`
	ReadTimeout  int    `yaml:"readTimeout"`
	WriteTimeout int    `yaml:"writeTimeout"`
}

// LogConfig holds process logger configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// StoreConfig selects the durable task store
type StoreConfig struct {
	Driver      string `yaml:"driver"` // memory or postgres
	PostgresURL string `yaml:"-"`
}

// SchedulerConfig holds admission, maintenance and execution settings
type SchedulerConfig struct {
	CheckInterval         time.Duration `yaml:"checkInterval"`
	PriorityCheckInterval time.Duration `yaml:"priorityCheckInterval"`
	HeartbeatInterval     time.Duration `yaml:"heartbeatInterval"`
	MaxConcurrentTasks    int           `yaml:"maxConcurrentTasks"`
	TaskTimeout           time.Duration `yaml:"taskTimeout"`
	ShutdownTimeout       time.Duration `yaml:"shutdownTimeout"`
	// HeartbeatRate caps per-item heartbeat writes; stage boundaries always write.
	HeartbeatRate time.Duration `yaml:"heartbeatRate"`
	// DisableDeadline lets executions outlive task.timeout; the reaper still applies.
	DisableDeadline bool `yaml:"disableDeadline"`
}

// TaskLoggerConfig holds task log batching settings
type TaskLoggerConfig struct {
	BatchSize     int           `yaml:"batchSize"`
	FlushInterval time.Duration `yaml:"flushInterval"`
}

// EventsConfig selects where status events are published
type EventsConfig struct {
	Driver   string `yaml:"driver"` // none, nats or rabbitmq
	URL      string `yaml:"url"`
	Subject  string `yaml:"subject"`
	Exchange string `yaml:"exchange"`
}

// StorageConfig selects the item storage backends
type StorageConfig struct {
	Primary     string        `yaml:"primary"`
	Fallback    string        `yaml:"fallback"`
	JSONDir     string        `yaml:"jsonDir"`
	LevelDBPath string        `yaml:"leveldbPath"`
	LevelDBTTL  time.Duration `yaml:"leveldbTTL"`
}

// ScheduleConfig submits a fresh task from Task on every Cron firing
type ScheduleConfig struct {
	Name string      `yaml:"name"`
	Cron string      `yaml:"cron"`
	Task models.Task `yaml:"task"`
}

// Default configuration values
const (
	DefaultServerPort            = "8080"
	DefaultServerReadTimeout     = 30
	DefaultServerWriteTimeout    = 30
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "console"
	DefaultStoreDriver           = "memory"
	DefaultCheckInterval         = 10 * time.Second
	DefaultPriorityCheckInterval = 3 * time.Second
	DefaultHeartbeatInterval     = 30 * time.Second
	DefaultMaxConcurrentTasks    = 5
	DefaultTaskTimeout           = 3600 * time.Second
	DefaultShutdownTimeout       = 30 * time.Second
	DefaultHeartbeatRate         = time.Second
	DefaultLogBatchSize          = 10
	DefaultLogFlushInterval      = 5 * time.Second
	DefaultEventsDriver          = "none"
	DefaultEventsSubject         = "ingestd.status"
	DefaultEventsExchange        = "ingestd"
	DefaultPrimaryStorage        = "json"
	DefaultJSONDir               = "./data/output"
	DefaultLevelDBPath           = "./data/leveldb"
	DefaultLevelDBTTL            = 7 * 24 * time.Hour
)

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an environment variable as integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("30s") or plain seconds ("30")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func orString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orDuration(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}

// Load reads the YAML file at configPath, fills in defaults and applies
// INGESTD_* environment overrides. A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	var config Config

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config.Server = ServerConfig{
		Port:         getEnv("INGESTD_SERVER_PORT", orString(config.Server.Port, DefaultServerPort)),
		ReadTimeout:  getEnvInt("INGESTD_SERVER_READ_TIMEOUT", orInt(config.Server.ReadTimeout, DefaultServerReadTimeout)),
		WriteTimeout: getEnvInt("INGESTD_SERVER_WRITE_TIMEOUT", orInt(config.Server.WriteTimeout, DefaultServerWriteTimeout)),
	}

	config.Log = LogConfig{
		Level:  getEnv("INGESTD_LOG_LEVEL", orString(config.Log.Level, DefaultLogLevel)),
		Format: getEnv("INGESTD_LOG_FORMAT", orString(config.Log.Format, DefaultLogFormat)),
	}

	config.Store = StoreConfig{
		Driver:      getEnv("INGESTD_STORE_DRIVER", orString(config.Store.Driver, DefaultStoreDriver)),
		PostgresURL: os.Getenv("INGESTD_POSTGRES_URL"),
	}

	s := config.Scheduler
	config.Scheduler = SchedulerConfig{
		CheckInterval:         getEnvDuration("INGESTD_CHECK_INTERVAL", orDuration(s.CheckInterval, DefaultCheckInterval)),
		PriorityCheckInterval: getEnvDuration("INGESTD_PRIORITY_CHECK_INTERVAL", orDuration(s.PriorityCheckInterval, DefaultPriorityCheckInterval)),
		HeartbeatInterval:     getEnvDuration("INGESTD_HEARTBEAT_INTERVAL", orDuration(s.HeartbeatInterval, DefaultHeartbeatInterval)),
		MaxConcurrentTasks:    getEnvInt("INGESTD_MAX_CONCURRENT_TASKS", orInt(s.MaxConcurrentTasks, DefaultMaxConcurrentTasks)),
		TaskTimeout:           getEnvDuration("INGESTD_TASK_TIMEOUT", orDuration(s.TaskTimeout, DefaultTaskTimeout)),
		ShutdownTimeout:       getEnvDuration("INGESTD_SHUTDOWN_TIMEOUT", orDuration(s.ShutdownTimeout, DefaultShutdownTimeout)),
		HeartbeatRate:         getEnvDuration("INGESTD_HEARTBEAT_RATE", orDuration(s.HeartbeatRate, DefaultHeartbeatRate)),
		DisableDeadline:       s.DisableDeadline || getEnv("INGESTD_DISABLE_DEADLINE", "") == "true",
	}

	config.TaskLogger = TaskLoggerConfig{
		BatchSize:     getEnvInt("INGESTD_LOG_BATCH_SIZE", orInt(config.TaskLogger.BatchSize, DefaultLogBatchSize)),
		FlushInterval: getEnvDuration("INGESTD_LOG_FLUSH_INTERVAL", orDuration(config.TaskLogger.FlushInterval, DefaultLogFlushInterval)),
	}

	config.Events = EventsConfig{
		Driver:   getEnv("INGESTD_EVENTS_DRIVER", orString(config.Events.Driver, DefaultEventsDriver)),
		URL:      getEnv("INGESTD_EVENTS_URL", config.Events.URL),
		Subject:  getEnv("INGESTD_EVENTS_SUBJECT", orString(config.Events.Subject, DefaultEventsSubject)),
		Exchange: getEnv("INGESTD_EVENTS_EXCHANGE", orString(config.Events.Exchange, DefaultEventsExchange)),
	}

	config.Storage = StorageConfig{
		Primary:     getEnv("INGESTD_STORAGE_PRIMARY", orString(config.Storage.Primary, DefaultPrimaryStorage)),
		Fallback:    getEnv("INGESTD_STORAGE_FALLBACK", config.Storage.Fallback),
		JSONDir:     getEnv("INGESTD_JSON_DIR", orString(config.Storage.JSONDir, DefaultJSONDir)),
		LevelDBPath: getEnv("INGESTD_LEVELDB_PATH", orString(config.Storage.LevelDBPath, DefaultLevelDBPath)),
		LevelDBTTL:  getEnvDuration("INGESTD_LEVELDB_TTL", orDuration(config.Storage.LevelDBTTL, DefaultLevelDBTTL)),
	}

	if config.Platforms == nil {
		config.Platforms = make(map[string]map[string]string)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks the settings the scheduler cannot run without
func (c *Config) Validate() error {
	s := c.Scheduler
	if s.CheckInterval <= 0 || s.PriorityCheckInterval <= 0 || s.HeartbeatInterval <= 0 {
		return fmt.Errorf("scheduler intervals must be positive")
	}
	if s.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("maxConcurrentTasks must be positive, got %d", s.MaxConcurrentTasks)
	}
	if s.TaskTimeout < time.Minute {
		return fmt.Errorf("taskTimeout must be at least one minute, got %v", s.TaskTimeout)
	}
	if c.TaskLogger.BatchSize <= 0 || c.TaskLogger.FlushInterval <= 0 {
		return fmt.Errorf("taskLogger batchSize and flushInterval must be positive")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		// Check mandatory environment variables
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("INGESTD_POSTGRES_URL environment variable is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	switch c.Events.Driver {
	case "none":
	case "nats", "rabbitmq":
		if c.Events.URL == "" {
			return fmt.Errorf("events url is required for driver %q", c.Events.Driver)
		}
	default:
		return fmt.Errorf("unknown events driver %q", c.Events.Driver)
	}

	for i, sc := range c.Schedules {
		if sc.Name == "" || sc.Cron == "" {
			return fmt.Errorf("schedule %d: name and cron are required", i)
		}
	}
	return nil
}
