package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	MQTT     MQTTConfig
	SMTP     SMTPConfig
	HTTP     HTTPConfig
	Camera   CameraConfig
	Model    ModelConfig
	Thermal  ThermalConfig
	Evidence EvidenceConfig
	Ingest   IngestConfig
	Stream   StreamConfig
	Log      LogConfig
}

type DatabaseConfig struct {
	Host          string
	Port          int
	User          string
	Password      string
	DBName        string
	SSLMode       string
	MigrationsDir string
	RunMigrations bool
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type RedisConfig struct {
	Enabled     bool
	Addr        string
	Password    string
	DB          int
	SnapshotTTL time.Duration
}

type KafkaConfig struct {
	Enabled     bool
	Brokers     []string
	TopicAlerts string
	GroupID     string
}

type MQTTConfig struct {
	Enabled  bool
	Broker   string
	Port     int
	ClientID string
	Topic    string
	QoS      byte
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

type HTTPConfig struct {
	Port            int
	ShutdownTimeout time.Duration
}

// Addr returns the listen address for the HTTP server.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf(":%d", h.Port)
}

type CameraConfig struct {
	Source          string
	API             string
	Width           int
	Height          int
	FPS             float64
	ReadBackoff     time.Duration
	MaxReadFailures int
	ReacquireDelay  time.Duration
}

type ModelConfig struct {
	Path                string
	Labels              []string
	DeadLabel           string
	ConfidenceThreshold float64
	NMSThreshold        float64
	MinBoxSide          int
	InputSize           int
	Backend             string
	Target              string
}

// ThermalConfig controls the forced rest cycle of the capture device.
type ThermalConfig struct {
	ActiveWindow time.Duration
	RestDuration time.Duration
}

type EvidenceConfig struct {
	MinInterval         time.Duration
	CountUpdateInterval time.Duration
	JPEGQuality         int
}

type IngestConfig struct {
	Mode          string // store or http
	URL           string
	Timeout       time.Duration
	RetryAttempts int
	RetryBase     time.Duration
}

const (
	IngestModeStore = "store"
	IngestModeHTTP  = "http"
)

type StreamConfig struct {
	MaxViewers  int
	JPEGQuality int
	MJPEGMirror bool
}

type LogConfig struct {
	Level  string
	Pretty bool
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	durations := &durationReader{}
	config := &Config{
		Database: DatabaseConfig{
			Host:          getEnv("DB_HOST", "localhost"),
			Port:          getEnvAsInt("DB_PORT", 5432),
			User:          getEnv("DB_USER", "aquamans"),
			Password:      getEnv("DB_PASSWORD", "aquamans"),
			DBName:        getEnv("DB_NAME", "aquamans"),
			SSLMode:       getEnv("DB_SSLMODE", "disable"),
			MigrationsDir: getEnv("DB_MIGRATIONS_DIR", "migrations"),
			RunMigrations: getEnvAsBool("DB_RUN_MIGRATIONS", true),
		},
		Redis: RedisConfig{
			Enabled:     getEnvAsBool("REDIS_ENABLED", false),
			Addr:        getEnv("REDIS_ADDR", "localhost:6379"),
			Password:    getEnv("REDIS_PASSWORD", ""),
			DB:          getEnvAsInt("REDIS_DB", 0),
			SnapshotTTL: durations.get("REDIS_SNAPSHOT_TTL", 30*time.Second),
		},
		Kafka: KafkaConfig{
			Enabled:     getEnvAsBool("KAFKA_ENABLED", false),
			Brokers:     strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			TopicAlerts: getEnv("KAFKA_TOPIC_ALERTS", "pondwatch.alerts"),
			GroupID:     getEnv("KAFKA_GROUP_ID", "pondwatch-notifier"),
		},
		MQTT: MQTTConfig{
			Enabled:  getEnvAsBool("MQTT_ENABLED", false),
			Broker:   getEnv("MQTT_BROKER", "localhost"),
			Port:     getEnvAsInt("MQTT_PORT", 1883),
			ClientID: getEnv("MQTT_CLIENT_ID", "pondwatch"),
			Topic:    getEnv("MQTT_TOPIC", "pondwatch/alerts"),
			QoS:      byte(getEnvAsInt("MQTT_QOS", 1)),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", "smtp.gmail.com"),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "pondwatch@example.com"),
			To:       getEnv("SMTP_TO", "caretaker@example.com"),
		},
		HTTP: HTTPConfig{
			Port:            getEnvAsInt("HTTP_PORT", 5000),
			ShutdownTimeout: durations.get("HTTP_SHUTDOWN_TIMEOUT", 5*time.Second),
		},
		Camera: CameraConfig{
			Source:          getEnv("CAMERA_SOURCE", "0"),
			API:             getEnv("CAMERA_API", "v4l2"),
			Width:           getEnvAsInt("CAMERA_WIDTH", 640),
			Height:          getEnvAsInt("CAMERA_HEIGHT", 480),
			FPS:             getEnvAsFloat("CAMERA_FPS", 30),
			ReadBackoff:     durations.get("CAMERA_READ_BACKOFF", time.Second),
			MaxReadFailures: getEnvAsInt("CAMERA_MAX_READ_FAILURES", 5),
			ReacquireDelay:  durations.get("CAMERA_REACQUIRE_DELAY", 5*time.Second),
		},
		Model: ModelConfig{
			Path:                getEnv("MODEL_PATH", "weights/best.onnx"),
			Labels:              strings.Split(getEnv("MODEL_LABELS", "catfish,dead_catfish"), ","),
			DeadLabel:           getEnv("MODEL_DEAD_LABEL", "dead_catfish"),
			ConfidenceThreshold: getEnvAsFloat("MODEL_CONFIDENCE", 0.25),
			NMSThreshold:        getEnvAsFloat("MODEL_NMS", 0.5),
			MinBoxSide:          getEnvAsInt("MODEL_MIN_BOX_SIDE", 20),
			InputSize:           getEnvAsInt("MODEL_INPUT_SIZE", 640),
			Backend:             getEnv("MODEL_BACKEND", "default"),
			Target:              getEnv("MODEL_TARGET", "cpu"),
		},
		Thermal: ThermalConfig{
			ActiveWindow: durations.get("THERMAL_ACTIVE_WINDOW", 55*time.Minute),
			RestDuration: durations.get("THERMAL_REST_DURATION", 5*time.Minute),
		},
		Evidence: EvidenceConfig{
			MinInterval:         durations.get("EVIDENCE_MIN_INTERVAL", 20*time.Second),
			CountUpdateInterval: durations.get("COUNT_UPDATE_INTERVAL", 20*time.Second),
			JPEGQuality:         getEnvAsInt("EVIDENCE_JPEG_QUALITY", 85),
		},
		Ingest: IngestConfig{
			Mode:          getEnv("INGEST_MODE", IngestModeStore),
			URL:           getEnv("INGEST_URL", "http://localhost:5000"),
			Timeout:       durations.get("INGEST_TIMEOUT", 5*time.Second),
			RetryAttempts: getEnvAsInt("INGEST_RETRY_ATTEMPTS", 3),
			RetryBase:     durations.get("INGEST_RETRY_BASE", time.Second),
		},
		Stream: StreamConfig{
			MaxViewers:  getEnvAsInt("STREAM_MAX_VIEWERS", 16),
			JPEGQuality: getEnvAsInt("STREAM_JPEG_QUALITY", 85),
			MJPEGMirror: getEnvAsBool("STREAM_MJPEG_MIRROR", true),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Pretty: getEnvAsBool("LOG_PRETTY", false),
		},
	}

	if err := errors.Join(durations.errs...); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Shortest thermal windows Validate accepts
const (
	MinActiveWindow = time.Minute
	MinRestDuration = time.Second
)

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Thermal.ActiveWindow < MinActiveWindow {
		return fmt.Errorf("THERMAL_ACTIVE_WINDOW must be at least %s, got %s", MinActiveWindow, c.Thermal.ActiveWindow)
	}
	if c.Thermal.RestDuration < MinRestDuration {
		return fmt.Errorf("THERMAL_REST_DURATION must be at least %s, got %s", MinRestDuration, c.Thermal.RestDuration)
	}
	if c.Evidence.MinInterval < 0 {
		return fmt.Errorf("EVIDENCE_MIN_INTERVAL must not be negative, got %s", c.Evidence.MinInterval)
	}
	if c.Model.ConfidenceThreshold < 0 || c.Model.ConfidenceThreshold > 1 {
		return fmt.Errorf("MODEL_CONFIDENCE must be within [0,1], got %v", c.Model.ConfidenceThreshold)
	}
	if c.Model.NMSThreshold < 0 || c.Model.NMSThreshold > 1 {
		return fmt.Errorf("MODEL_NMS must be within [0,1], got %v", c.Model.NMSThreshold)
	}
	if c.Model.MinBoxSide < 0 {
		return fmt.Errorf("MODEL_MIN_BOX_SIDE must not be negative, got %d", c.Model.MinBoxSide)
	}
	if c.Ingest.RetryAttempts < 1 {
		return fmt.Errorf("INGEST_RETRY_ATTEMPTS must be at least 1, got %d", c.Ingest.RetryAttempts)
	}
	switch c.Ingest.Mode {
	case IngestModeStore, IngestModeHTTP:
	default:
		return fmt.Errorf("unknown INGEST_MODE %q", c.Ingest.Mode)
	}
	if c.Camera.MaxReadFailures < 1 {
		return fmt.Errorf("CAMERA_MAX_READ_FAILURES must be at least 1, got %d", c.Camera.MaxReadFailures)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := cast.ToIntE(valueStr); err == nil && valueStr != "" {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := cast.ToFloat64E(valueStr); err == nil && valueStr != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := cast.ToBoolE(valueStr); err == nil && valueStr != "" {
		return value
	}
	return defaultValue
}

// durationReader reads durations and collects the values it had to reject.
// A bare number is rejected since cast would read it as nanoseconds.
type durationReader struct {
	errs []error
}

func (r *durationReader) get(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if n, err := strconv.ParseFloat(valueStr, 64); err == nil && n != 0 {
		r.errs = append(r.errs, fmt.Errorf("%s=%s has no unit, write e.g. %ss or %sm", key, valueStr, valueStr, valueStr))
		return defaultValue
	}
	value, err := cast.ToDurationE(valueStr)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return value
}
