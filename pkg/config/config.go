package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// EnvConfigPath names the environment variable holding the config file path
const EnvConfigPath = "CONFIG_PATH"

// Config represents the complete server configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Upload    UploadConfig    `yaml:"upload" json:"upload"`
	Database  DatabaseConfig  `yaml:"database" json:"database"`
	Artifacts ArtifactsConfig `yaml:"artifacts" json:"artifacts"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host" json:"host" env:"CHUNKUP_HOST"`
	Port            string        `yaml:"port" json:"port" env:"CHUNKUP_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout" env:"CHUNKUP_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout" env:"CHUNKUP_WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout" env:"CHUNKUP_IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"CHUNKUP_SHUTDOWN_TIMEOUT"`
}

// Addr is the listen address
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// StorageConfig holds the on-disk layout and session expiry
type StorageConfig struct {
	Path            string        `yaml:"path" json:"path" env:"CHUNKUP_STORAGE_PATH"`
	SessionTTL      time.Duration `yaml:"session_ttl" json:"session_ttl" env:"CHUNKUP_SESSION_TTL"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval" env:"CHUNKUP_CLEANUP_INTERVAL"`
}

// ChunksDir holds one directory of chunks per file name
func (s StorageConfig) ChunksDir() string { return filepath.Join(s.Path, "chunks") }

// TempDir holds artifacts being assembled
func (s StorageConfig) TempDir() string { return filepath.Join(s.Path, "tmp") }

// MergedDir holds published artifacts
func (s StorageConfig) MergedDir() string { return filepath.Join(s.Path, "merged") }

// UploadConfig holds hashing and chunk acceptance settings
type UploadConfig struct {
	Algorithm    string `yaml:"algorithm" json:"algorithm" env:"CHUNKUP_HASH_ALGORITHM"`
	VerifyChunks bool   `yaml:"verify_chunks" json:"verify_chunks" env:"CHUNKUP_VERIFY_CHUNKS"`
	MaxChunkSize int64  `yaml:"max_chunk_size" json:"max_chunk_size" env:"CHUNKUP_MAX_CHUNK_SIZE"`
}

// DatabaseConfig holds the session database location
type DatabaseConfig struct {
	Path string `yaml:"path" json:"path" env:"CHUNKUP_DB_PATH"`
}

// ArtifactsConfig selects where merged files are published
type ArtifactsConfig struct {
	Backend string   `yaml:"backend" json:"backend" env:"CHUNKUP_ARTIFACT_BACKEND"` // fs, s3
	S3      S3Config `yaml:"s3" json:"s3"`
}

// S3Config holds S3 configuration
type S3Config struct {
	Bucket         string `yaml:"bucket" json:"bucket" env:"CHUNKUP_S3_BUCKET"`
	Prefix         string `yaml:"prefix" json:"prefix" env:"CHUNKUP_S3_PREFIX"`
	Region         string `yaml:"region" json:"region" env:"CHUNKUP_S3_REGION"`
	Endpoint       string `yaml:"endpoint" json:"endpoint" env:"CHUNKUP_S3_ENDPOINT"`
	AccessKey      string `yaml:"access_key" json:"access_key" env:"CHUNKUP_S3_ACCESS_KEY"`
	SecretKey      string `yaml:"secret_key" json:"secret_key" env:"CHUNKUP_S3_SECRET_KEY"`
	ForcePathStyle bool   `yaml:"force_path_style" json:"force_path_style" env:"CHUNKUP_S3_FORCE_PATH_STYLE"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" env:"CHUNKUP_LOG_LEVEL"`
	Format string `yaml:"format" json:"format" env:"CHUNKUP_LOG_FORMAT"` // json, text
}

// SlogLevel parses Level, defaulting to info
func (l LoggingConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// ConfigManager manages configuration loading and validation
type ConfigManager struct {
	mu         sync.RWMutex
	config     *Config
	configPath string
	logger     *slog.Logger
}

// NewConfigManager creates a new configuration manager
func NewConfigManager() *ConfigManager {
	return &ConfigManager{logger: slog.Default()}
}

// SetLogger replaces the logger used for load summaries
func (cm *ConfigManager) SetLogger(logger *slog.Logger) {
	cm.mu.Lock()
	cm.logger = logger
	cm.mu.Unlock()
}

// Load loads configuration from defaults, the YAML file if it exists and
// environment variables, in that order, then validates it.
func (cm *ConfigManager) Load(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := cm.loadFromFile(config, configPath); err != nil {
				return nil, fmt.Errorf("failed to load config from file: %w", err)
			}
		}
	}

	if err := cm.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.mu.Lock()
	cm.configPath = configPath
	cm.config = config
	logger := cm.logger
	cm.mu.Unlock()

	logConfigSummary(logger, config)
	return config, nil
}

// Reload reloads the configuration from the path of the last Load. The
// previous configuration stays active if the new one does not validate.
func (cm *ConfigManager) Reload() error {
	cm.mu.RLock()
	path := cm.configPath
	cm.mu.RUnlock()

	if path == "" {
		return fmt.Errorf("no config path set")
	}

	_, err := cm.Load(path)
	return err
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// ConfigPath returns the file the configuration was loaded from
func (cm *ConfigManager) ConfigPath() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.configPath
}

// loadFromFile loads configuration from a YAML file
func (cm *ConfigManager) loadFromFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, config)
}

// loadFromEnv loads configuration from environment variables
func (cm *ConfigManager) loadFromEnv(config *Config) error {
	return setEnvVars(reflect.ValueOf(config).Elem())
}

// setEnvVars recursively sets struct fields from their env tags
func setEnvVars(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			if field.Kind() == reflect.Struct {
				if err := setEnvVars(field); err != nil {
					return err
				}
			}
			continue
		}

		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set field %s from %s: %w", fieldType.Name, envTag, err)
		}
	}

	return nil
}

// setFieldValue sets a field value from an environment variable string
func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(duration))
		} else {
			var intValue int64
			if _, err := fmt.Sscanf(value, "%d", &intValue); err != nil {
				return err
			}
			field.SetInt(intValue)
		}
	case reflect.Bool:
		boolValue := value == "true" || value == "1" || value == "yes" || value == "on"
		field.SetBool(boolValue)
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks a configuration for values the server cannot run with
func Validate(config *Config) error {
	if config.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if port, err := strconv.Atoi(config.Server.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid server port: %s", config.Server.Port)
	}
	if config.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}
	if config.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if config.Storage.SessionTTL < 0 || config.Storage.CleanupInterval < 0 {
		return fmt.Errorf("session ttl and cleanup interval must not be negative")
	}
	if config.Upload.MaxChunkSize < 0 {
		return fmt.Errorf("max chunk size must not be negative")
	}

	switch strings.ToLower(config.Upload.Algorithm) {
	case "", "md5", "blake3":
	default:
		return fmt.Errorf("unsupported hash algorithm: %s", config.Upload.Algorithm)
	}

	switch config.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unsupported log format: %s", config.Logging.Format)
	}

	switch config.Artifacts.Backend {
	case "fs":
	case "s3":
		if config.Artifacts.S3.Bucket == "" {
			return fmt.Errorf("S3 bucket is required when the s3 artifact backend is selected")
		}
		if (config.Artifacts.S3.AccessKey == "") != (config.Artifacts.S3.SecretKey == "") {
			return fmt.Errorf("S3 access key and secret key must be set together")
		}
	default:
		return fmt.Errorf("unsupported artifact backend: %s", config.Artifacts.Backend)
	}

	return nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     5 * time.Minute,
			WriteTimeout:    5 * time.Minute,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Path:            "./storage",
			SessionTTL:      24 * time.Hour,
			CleanupInterval: time.Hour,
		},
		Upload: UploadConfig{
			Algorithm: "md5",
		},
		Database: DatabaseConfig{
			Path: "./storage/sessions.db",
		},
		Artifacts: ArtifactsConfig{
			Backend: "fs",
			S3: S3Config{
				Region: "us-east-1",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// logConfigSummary logs the effective configuration without secrets
func logConfigSummary(logger *slog.Logger, config *Config) {
	if logger == nil {
		return
	}
	logger.Info("configuration loaded",
		"addr", config.Server.Addr(),
		"storage", config.Storage.Path,
		"database", config.Database.Path,
		"algorithm", config.Upload.Algorithm,
		"verify_chunks", config.Upload.VerifyChunks,
		"artifacts", config.Artifacts.Backend,
		"s3_credentials", config.Artifacts.S3.AccessKey != "",
		"session_ttl", config.Storage.SessionTTL,
	)
}
