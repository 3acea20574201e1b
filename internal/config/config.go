package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type AssemblyAIConfig struct {
	APIKey          string        `yaml:"api_key"`
	StreamingURL    string        `yaml:"streaming_url"`
	BaseURL         string        `yaml:"base_url"`
	SampleRate      int           `yaml:"sample_rate"`
	SpeechModel     string        `yaml:"speech_model"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	PollTimeout     time.Duration `yaml:"poll_timeout"`
	MaxPollAttempts int           `yaml:"max_poll_attempts"`
}

type UploadConfig struct {
	MaxBytes        int64 `yaml:"max_bytes"`
	DefaultDuration int   `yaml:"default_duration"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

type KafkaConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Brokers          []string `yaml:"brokers"`
	TopicTranscripts string   `yaml:"topic_transcripts"`
	TopicScores      string   `yaml:"topic_scores"`
	ClientID         string   `yaml:"client_id"`
}

type SessionLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	AssemblyAI AssemblyAIConfig `yaml:"assemblyai"`
	Upload     UploadConfig     `yaml:"upload"`
	Logging    LoggingConfig    `yaml:"logging"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	SessionLog SessionLogConfig `yaml:"session_log"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3001,
			ShutdownTimeout: 10 * time.Second,
			WriteTimeout:    5 * time.Second,
		},
		AssemblyAI: AssemblyAIConfig{
			StreamingURL: "wss://streaming.assemblyai.com/v3/ws",
			BaseURL:      "https://api.assemblyai.com",
			SampleRate:   16000,
			SpeechModel:  "universal",
			PollInterval: 3 * time.Second,
			PollTimeout:  10 * time.Minute,
		},
		Upload: UploadConfig{
			MaxBytes:        10 << 20,
			DefaultDuration: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "speaking:session:",
			TTL:       2 * time.Hour,
		},
		Kafka: KafkaConfig{
			TopicTranscripts: "speaking.transcripts",
			TopicScores:      "speaking.scores",
			ClientID:         "speaking-assessment",
		},
		SessionLog: SessionLogConfig{
			Dir: "./sessions",
		},
	}
}

// Load reads path (if non-empty) over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Addr is the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Server.Host, "HOST")
	overrideInt(&cfg.Server.Port, "PORT")
	overrideStringSlice(&cfg.Server.AllowedOrigins, "ALLOWED_ORIGINS")
	overrideString(&cfg.AssemblyAI.APIKey, "ASSEMBLYAI_API_KEY")
	overrideString(&cfg.AssemblyAI.StreamingURL, "ASSEMBLYAI_STREAMING_URL")
	overrideString(&cfg.AssemblyAI.BaseURL, "ASSEMBLYAI_BASE_URL")
	overrideInt(&cfg.AssemblyAI.SampleRate, "SAMPLE_RATE")
	overrideDuration(&cfg.AssemblyAI.PollInterval, "POLL_INTERVAL")
	overrideDuration(&cfg.AssemblyAI.PollTimeout, "POLL_TIMEOUT")
	overrideInt(&cfg.AssemblyAI.MaxPollAttempts, "MAX_POLL_ATTEMPTS")
	overrideString(&cfg.Logging.Level, "LOG_LEVEL")
	overrideString(&cfg.Logging.Format, "LOG_FORMAT")
	if overrideString(&cfg.Redis.Addr, "REDIS_ADDR") {
		cfg.Redis.Enabled = true
	}
	overrideString(&cfg.Redis.Password, "REDIS_PASSWORD")
	overrideBool(&cfg.Redis.Enabled, "REDIS_ENABLED")
	if overrideStringSlice(&cfg.Kafka.Brokers, "KAFKA_BROKERS") {
		cfg.Kafka.Enabled = true
	}
	overrideBool(&cfg.Kafka.Enabled, "KAFKA_ENABLED")
	overrideString(&cfg.Kafka.TopicTranscripts, "KAFKA_TOPIC_TRANSCRIPTS")
	overrideString(&cfg.Kafka.TopicScores, "KAFKA_TOPIC_SCORES")
	overrideBool(&cfg.SessionLog.Enabled, "SESSION_LOG_ENABLED")
	overrideString(&cfg.SessionLog.Dir, "SESSION_LOG_DIR")
}

func overrideString(target *string, envKey string) bool {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
		return true
	}
	return false
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideDuration(target *time.Duration, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := time.ParseDuration(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) bool {
	value, ok := os.LookupEnv(envKey)
	if !ok {
		return false
	}
	var trimmed []string
	for _, p := range strings.Split(value, ",") {
		if s := strings.TrimSpace(p); s != "" {
			trimmed = append(trimmed, s)
		}
	}
	if len(trimmed) == 0 {
		return false
	}
	*target = trimmed
	return true
}

func validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if cfg.AssemblyAI.SampleRate <= 0 {
		return errors.New("assemblyai.sample_rate must be positive")
	}
	if cfg.AssemblyAI.PollInterval <= 0 {
		return errors.New("assemblyai.poll_interval must be positive")
	}
	if cfg.AssemblyAI.PollTimeout < 0 {
		return errors.New("assemblyai.poll_timeout must be >= 0")
	}
	if cfg.AssemblyAI.MaxPollAttempts < 0 {
		return errors.New("assemblyai.max_poll_attempts must be >= 0")
	}
	if cfg.Upload.MaxBytes <= 0 {
		return errors.New("upload.max_bytes must be positive")
	}
	if cfg.Upload.DefaultDuration < 0 {
		return errors.New("upload.default_duration must be >= 0")
	}
	switch cfg.Logging.Format {
	case "json", "console":
	default:
		return errors.New("logging.format must be one of json|console")
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return errors.New("redis.addr must be set when redis is enabled")
	}
	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			return errors.New("kafka.brokers must not be empty when kafka is enabled")
		}
		if cfg.Kafka.TopicTranscripts == "" || cfg.Kafka.TopicScores == "" {
			return errors.New("kafka topics must be set when kafka is enabled")
		}
	}
	if cfg.SessionLog.Enabled && cfg.SessionLog.Dir == "" {
		return errors.New("session_log.dir must be set when session logs are enabled")
	}
	return nil
}
