package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Predictor PredictorConfig `mapstructure:"predictor"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	S3        S3Config        `mapstructure:"s3"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// UploadConfig bounds what a single batch request may carry.
type UploadConfig struct {
	MaxRequestMB int64 `mapstructure:"max_request_mb"`
	MaxFileMB    int64 `mapstructure:"max_file_mb"`
}

// MaxRequestBytes is the whole-request body limit.
func (u UploadConfig) MaxRequestBytes() int64 {
	return u.MaxRequestMB << 20
}

// MaxFileBytes is the per-file limit.
func (u UploadConfig) MaxFileBytes() int64 {
	return u.MaxFileMB << 20
}

// PipelineConfig tunes batch processing.
type PipelineConfig struct {
	Workers        int           `mapstructure:"workers"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout"`
	ScratchDir     string        `mapstructure:"scratch_dir"`
	DefaultFocalMM float64       `mapstructure:"default_focal_mm"`
}

// PredictorConfig selects and configures the inference backend.
type PredictorConfig struct {
	Backend      string        `mapstructure:"backend"`
	Device       string        `mapstructure:"device"`
	Addr         string        `mapstructure:"addr"`
	ModelPath    string        `mapstructure:"model_path"`
	MetadataPath string        `mapstructure:"metadata_path"`
	LibraryPath  string        `mapstructure:"library_path"`
	Threads      int           `mapstructure:"threads"`
	LoadTimeout  time.Duration `mapstructure:"load_timeout"`
	CallTimeout  time.Duration `mapstructure:"call_timeout"`
}

// RedisConfig holds artifact cache settings. An empty Addr disables caching.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// DatabaseConfig holds batch log persistence settings. An empty DSN disables it.
type DatabaseConfig struct {
	DSN     string `mapstructure:"dsn"`
	MaxOpen int    `mapstructure:"max_open"`
	MaxIdle int    `mapstructure:"max_idle"`
}

// AuthConfig holds JWT settings. An empty secret leaves the API open.
type AuthConfig struct {
	JWTSecret   string `mapstructure:"jwt_secret"`
	JWTAudience string `mapstructure:"jwt_audience"`
}

// Enabled reports whether bearer tokens are required.
func (a AuthConfig) Enabled() bool {
	return strings.TrimSpace(a.JWTSecret) != ""
}

// S3Config holds archive mirror settings. An empty bucket disables mirroring.
type S3Config struct {
	Region        string        `mapstructure:"region"`
	Bucket        string        `mapstructure:"bucket"`
	Prefix        string        `mapstructure:"prefix"`
	Endpoint      string        `mapstructure:"endpoint"`
	AccessKey     string        `mapstructure:"access_key"`
	SecretKey     string        `mapstructure:"secret_key"`
	PresignExpiry time.Duration `mapstructure:"presign_expiry"`
}

// Load reads configuration from an optional YAML file and SPLAT_-prefixed
// environment variables. Environment values win over the file.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SPLAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Hosting platforms set PORT; honour it unless SPLAT_SERVER_PORT is explicit.
	if port := os.Getenv("PORT"); port != "" && os.Getenv("SPLAT_SERVER_PORT") == "" {
		cfg.Server.Port = ":" + port
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Predictor.Backend {
	case "grpc", "onnx":
	default:
		return fmt.Errorf("unsupported predictor backend %q", c.Predictor.Backend)
	}
	switch c.Predictor.Device {
	case "cpu", "cuda":
	default:
		return fmt.Errorf("unsupported predictor device %q", c.Predictor.Device)
	}
	if c.Pipeline.Workers < 1 {
		c.Pipeline.Workers = 1
	}
	if c.Pipeline.DefaultFocalMM <= 0 {
		return fmt.Errorf("pipeline.default_focal_mm must be positive")
	}
	// The write deadline starts before the body is read and must outlast the batch.
	if c.Server.WriteTimeout > 0 && c.Pipeline.BatchTimeout > 0 &&
		c.Server.WriteTimeout <= c.Server.ReadTimeout+c.Pipeline.BatchTimeout {
		return fmt.Errorf("server.write_timeout (%s) must exceed server.read_timeout + pipeline.batch_timeout (%s)",
			c.Server.WriteTimeout, c.Server.ReadTimeout+c.Pipeline.BatchTimeout)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8000")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 60*time.Second)
	v.SetDefault("server.write_timeout", 12*time.Minute)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("upload.max_request_mb", 256)
	v.SetDefault("upload.max_file_mb", 32)

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.batch_timeout", 10*time.Minute)
	v.SetDefault("pipeline.scratch_dir", "")
	v.SetDefault("pipeline.default_focal_mm", 30.0)

	v.SetDefault("predictor.backend", "grpc")
	v.SetDefault("predictor.device", "cpu")
	v.SetDefault("predictor.addr", "inference:50051")
	v.SetDefault("predictor.model_path", "models/sharp.onnx")
	v.SetDefault("predictor.metadata_path", "models/sharp_metadata.json")
	v.SetDefault("predictor.library_path", "")
	v.SetDefault("predictor.threads", 0)
	v.SetDefault("predictor.load_timeout", 5*time.Minute)
	v.SetDefault("predictor.call_timeout", 2*time.Minute)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 24*time.Hour)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open", 10)
	v.SetDefault("database.max_idle", 5)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_audience", "")

	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.prefix", "archives")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("s3.presign_expiry", time.Hour)
}
