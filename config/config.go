// Package config loads service settings from .env, an optional TOML file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"manimate/types"
)

const (
	configName = "manimate"
	configType = "toml"
)

// Store backends
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StoreDynamoDB = "dynamodb"
)

// Config holds every setting the service reads
type Config struct {
	Port     string
	LogLevel string

	GeneratorURL         string
	GeneratorAPIKey      string
	GeneratorAPIKeyParam string
	GeneratorRPS         float64
	RequestTimeout       time.Duration
	Generation           types.GenerationConfig

	PollInterval    time.Duration
	PollMaxTicks    int
	PollParallelism int
	SubmitMode      string

	StoreBackend  string
	StoreTimeout  time.Duration
	SessionTTL    time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DynamoTable   string
	AWSRegion     string

	S3Bucket       string
	S3Prefix       string
	S3Region       string
	S3Profile      string
	S3UsePathStyle bool

	KafkaBrokers       []string
	KafkaEventsTopic   string
	KafkaRequestsTopic string
	KafkaGroupID       string

	PruneCron  string
	PruneAfter time.Duration
}

// KafkaEnabled reports whether brokers were configured
func (c *Config) KafkaEnabled() bool { return len(c.KafkaBrokers) > 0 }

// SetDefaults registers every default on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", "3001")
	v.SetDefault("log_level", "info")

	v.SetDefault("generator_url", "http://localhost:8000")
	v.SetDefault("generator_rps", 0)
	v.SetDefault("request_timeout", "30s")
	v.SetDefault("generation.quality", "high")
	v.SetDefault("generation.tts_provider", "gemini")
	v.SetDefault("generation.voice", "Kore")
	v.SetDefault("generation.enable_parallel", true)
	v.SetDefault("generation.max_tts_workers", 4)
	v.SetDefault("generation.max_render_workers", 2)
	v.SetDefault("generation.use_thinking", true)
	v.SetDefault("generation.use_batch", true)

	v.SetDefault("poll_interval", "10s")
	v.SetDefault("poll_max_ticks", 600)
	v.SetDefault("poll_parallelism", 0)
	v.SetDefault("submit_mode", "sync")

	v.SetDefault("store_backend", StoreMemory)
	v.SetDefault("store_timeout", "5s")
	v.SetDefault("session_ttl", "168h")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_db", 0)
	v.SetDefault("dynamodb_table", "manimate-sessions")

	v.SetDefault("s3_prefix", "")
	v.SetDefault("s3_use_path_style", false)

	v.SetDefault("kafka_topic_events", "generation-events")
	v.SetDefault("kafka_topic_requests", "generation-requests")
	v.SetDefault("kafka_consumer_group_id", "manimate-consumer-group")

	v.SetDefault("prune_cron", "*/10 * * * *")
	v.SetDefault("prune_after", "1h")
}

// Load reads .env, then the TOML file at path (or ./manimate.toml when path is
// empty and the file exists), then the environment. Later sources win.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	_ = godotenv.Load()

	SetDefaults(v)
	v.SetConfigType(configType)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("generator_url", "GENERATOR_URL", "PYTHON_API_URL")
	_ = v.BindEnv("redis_password", "REDIS_PASS", "REDIS_PASSWORD")
	_ = v.BindEnv("kafka_brokers", "KAFKA_BOOTSTRAP_SERVERS")
	_ = v.BindEnv("aws_region", "AWS_REGION", "AWS_DEFAULT_REGION")

	cfg := FromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromViper builds a Config from already loaded settings
func FromViper(v *viper.Viper) *Config {
	return &Config{
		Port:     v.GetString("port"),
		LogLevel: v.GetString("log_level"),

		GeneratorURL:         strings.TrimRight(v.GetString("generator_url"), "/"),
		GeneratorAPIKey:      v.GetString("generator_api_key"),
		GeneratorAPIKeyParam: v.GetString("generator_api_key_param"),
		GeneratorRPS:         v.GetFloat64("generator_rps"),
		RequestTimeout:       v.GetDuration("request_timeout"),
		Generation: types.GenerationConfig{
			Quality:          v.GetString("generation.quality"),
			TTSProvider:      v.GetString("generation.tts_provider"),
			Voice:            v.GetString("generation.voice"),
			EnableParallel:   v.GetBool("generation.enable_parallel"),
			MaxTTSWorkers:    v.GetInt("generation.max_tts_workers"),
			MaxRenderWorkers: v.GetInt("generation.max_render_workers"),
			UseThinking:      v.GetBool("generation.use_thinking"),
			UseBatch:         v.GetBool("generation.use_batch"),
		},

		PollInterval:    v.GetDuration("poll_interval"),
		PollMaxTicks:    v.GetInt("poll_max_ticks"),
		PollParallelism: v.GetInt("poll_parallelism"),
		SubmitMode:      strings.ToLower(v.GetString("submit_mode")),

		StoreBackend:  strings.ToLower(v.GetString("store_backend")),
		StoreTimeout:  v.GetDuration("store_timeout"),
		SessionTTL:    v.GetDuration("session_ttl"),
		RedisAddr:     v.GetString("redis_addr"),
		RedisPassword: v.GetString("redis_password"),
		RedisDB:       v.GetInt("redis_db"),
		DynamoTable:   v.GetString("dynamodb_table"),
		AWSRegion:     v.GetString("aws_region"),

		S3Bucket:       strings.TrimSpace(v.GetString("s3_bucket")),
		S3Prefix:       strings.TrimSpace(v.GetString("s3_prefix")),
		S3Region:       strings.TrimSpace(v.GetString("s3_region")),
		S3Profile:      strings.TrimSpace(v.GetString("s3_profile")),
		S3UsePathStyle: v.GetBool("s3_use_path_style"),

		KafkaBrokers:       splitList(v.GetString("kafka_brokers")),
		KafkaEventsTopic:   v.GetString("kafka_topic_events"),
		KafkaRequestsTopic: v.GetString("kafka_topic_requests"),
		KafkaGroupID:       v.GetString("kafka_consumer_group_id"),

		PruneCron:  v.GetString("prune_cron"),
		PruneAfter: v.GetDuration("prune_after"),
	}
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.GeneratorURL == "" {
		errs = append(errs, errors.New("generator_url is required"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.PollMaxTicks <= 0 {
		errs = append(errs, errors.New("poll_max_ticks must be positive"))
	}
	if c.PollParallelism < 0 {
		errs = append(errs, errors.New("poll_parallelism must not be negative"))
	}
	switch c.SubmitMode {
	case "sync", "async":
	default:
		errs = append(errs, fmt.Errorf("submit_mode %q must be sync or async", c.SubmitMode))
	}
	switch c.StoreBackend {
	case StoreMemory, StoreRedis:
	case StoreDynamoDB:
		if c.DynamoTable == "" {
			errs = append(errs, errors.New("dynamodb_table is required for the dynamodb store"))
		}
	default:
		errs = append(errs, fmt.Errorf("store_backend %q must be one of memory, redis, dynamodb", c.StoreBackend))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
