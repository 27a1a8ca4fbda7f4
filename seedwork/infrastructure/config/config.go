package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Database  DatabaseConfig
	Firebase  FirebaseConfig
	Server    ServerConfig
	Storage   StorageConfig
	Inference InferenceConfig
	ASR       ASRConfig
	Auth      AuthConfig
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// FirebaseConfig holds Firebase configuration
type FirebaseConfig struct {
	ProjectID           string
	CredentialsPath     string
	UseEmulator         bool
	EmulatorHost        string
	ServiceAccountEmail string
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Env  string
}

// StorageConfig holds the Chunk Store's blob backend configuration
type StorageConfig struct {
	Bucket          string
	CredentialsPath string
}

// InferenceConfig holds Inference Client configuration (spec section 4.3)
type InferenceConfig struct {
	BaseURLPrimary   string
	BaseURLSecondary string
	FailoverEnabled  bool
	TimeoutMs        int
	RetryMax         int
	RetryBackoffMs   int
	CircuitOpenMs    int
	APIKey           string
}

func (c InferenceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c InferenceConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

func (c InferenceConfig) CircuitOpen() time.Duration {
	return time.Duration(c.CircuitOpenMs) * time.Millisecond
}

// ASRConfig holds ASR Driver configuration
type ASRConfig struct {
	Enabled          bool
	Model            string
	RealtimeEnabled  bool
	DashscopeAPIKey  string
	FinalizeV2       bool
	UpstreamURL      string
	SampleRate       int
	SendQueueCap     int
	ReplayWindowSecs int
	ReplayHopSecs    int
}

// AuthConfig holds control-plane and ingest authentication configuration
type AuthConfig struct {
	WorkerAPIKey string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	godotenv.Load()

	return &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "your-super-secret-and-long-postgres-password"),
			Name:     getEnv("DB_NAME", "edgesession_db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Firebase: FirebaseConfig{
			ProjectID:           getEnv("FIREBASE_PROJECT_ID", ""),
			CredentialsPath:     getEnv("FIREBASE_CREDENTIALS_PATH", ""),
			UseEmulator:         getEnvBool("FIREBASE_USE_EMULATOR", false),
			EmulatorHost:        getEnv("FIREBASE_EMULATOR_HOST", "localhost:9099"),
			ServiceAccountEmail: getEnv("FIREBASE_SERVICE_ACCOUNT_EMAIL", ""),
		},
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
			Env:  getEnv("APP_ENV", "development"),
		},
		Storage: StorageConfig{
			Bucket:          getEnv("STORAGE_BUCKET", "edge-session-chunks"),
			CredentialsPath: getEnv("FIREBASE_CREDENTIALS_PATH", ""),
		},
		Inference: InferenceConfig{
			BaseURLPrimary:   getEnv("INFERENCE_BASE_URL_PRIMARY", "http://localhost:9001"),
			BaseURLSecondary: getEnv("INFERENCE_BASE_URL_SECONDARY", ""),
			FailoverEnabled:  getEnvBool("INFERENCE_FAILOVER_ENABLED", true),
			TimeoutMs:        getEnvInt("INFERENCE_TIMEOUT_MS", 60000),
			RetryMax:         getEnvInt("INFERENCE_RETRY_MAX", 2),
			RetryBackoffMs:   getEnvInt("INFERENCE_RETRY_BACKOFF_MS", 180),
			CircuitOpenMs:    getEnvInt("INFERENCE_CIRCUIT_OPEN_MS", 15000),
			APIKey:           getEnv("INFERENCE_API_KEY", ""),
		},
		ASR: ASRConfig{
			Enabled:          getEnvBool("ASR_ENABLED", true),
			Model:            getEnv("ASR_MODEL", "paraformer-realtime-v2"),
			RealtimeEnabled:  getEnvBool("ASR_REALTIME_ENABLED", true),
			DashscopeAPIKey:  getEnv("ALIYUN_DASHSCOPE_API_KEY", ""),
			FinalizeV2:       getEnvBool("FINALIZE_V2_ENABLED", true),
			UpstreamURL:      getEnv("ASR_UPSTREAM_URL", "wss://dashscope.aliyuncs.com/api-ws/v1/realtime"),
			SampleRate:       getEnvInt("ASR_SAMPLE_RATE", 16000),
			SendQueueCap:     getEnvInt("ASR_SEND_QUEUE_CAP", 64),
			ReplayWindowSecs: getEnvInt("ASR_REPLAY_WINDOW_SECS", 10),
			ReplayHopSecs:    getEnvInt("ASR_REPLAY_HOP_SECS", 2),
		},
		Auth: AuthConfig{
			WorkerAPIKey: getEnv("WORKER_API_KEY", ""),
		},
	}, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets an environment variable as boolean or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an int or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
