package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/resolution"
)

type Config struct {
	AppName                       string   `mapstructure:"app_name"`
	Port                          int      `mapstructure:"port"`
	LogLevel                      string   `mapstructure:"log_level"`
	PrettyLogs                    bool     `mapstructure:"pretty_logs"`
	HttpServerWriteTimeoutSeconds int      `mapstructure:"http_server_write_timeout_seconds"`
	HttpServerReadTimeoutSeconds  int      `mapstructure:"http_server_read_timeout_seconds"`
	HttpServerIdleTimeoutSeconds  int      `mapstructure:"http_server_idle_timeout_seconds"`
	ReadHeaderTimeoutSeconds      int      `mapstructure:"http_server_read_header_timeout_seconds"`
	MaxHeaderBytes                int      `mapstructure:"http_server_max_header_bytes"` // 64KB
	AllowOrigins                  []string `mapstructure:"http_server_allow_origins"`
	AllowMethods                  []string `mapstructure:"http_server_allow_methods"`
	StartupMaxAttempts            int      `mapstructure:"startup_max_attempts"`

	// PostgreSQL
	DatabaseHost                  string        `mapstructure:"db_host"`
	DatabasePort                  string        `mapstructure:"db_port"`
	DatabaseUserName              string        `mapstructure:"db_user_name"`
	DatabasePassword              string        `mapstructure:"db_password"`
	DatabaseName                  string        `mapstructure:"db_name"`
	DatabaseSSLMode               string        `mapstructure:"db_ssl_mode"`
	DatabaseMaxOpenConns          int           `mapstructure:"db_max_open_conns"`
	DatabaseMaxIdleConns          int           `mapstructure:"db_max_idle_conns"`
	DatabaseConnMaxLifetime       time.Duration `mapstructure:"db_conn_max_lifetime"`
	DatabaseMigrationFolderPath   string        `mapstructure:"db_migration_folder_path"`
	DatabaseMigrationVersion      int           `mapstructure:"db_migration_version"`
	DatabaseMigrationForce        int           `mapstructure:"db_migration_force"`
	DatabaseMigrationAutoRollback bool          `mapstructure:"db_migration_auto_rollback"`
	DatabaseMigrateOnStart        bool          `mapstructure:"db_migrate_on_start"`

	// Redis (batch locks and the shared text-analysis budget)
	RedisURL       string `mapstructure:"redis_url"`
	RedisHost      string `mapstructure:"redis_host"`
	RedisPort      int    `mapstructure:"redis_port"`
	RedisPassword  string `mapstructure:"redis_password"`
	RedisDB        int    `mapstructure:"redis_db"`
	RedisKeyPrefix string `mapstructure:"redis_key_prefix"`

	// Graph Database (Memgraph)
	GraphDBHost     string `mapstructure:"graph_db_host"`
	GraphDBPort     int    `mapstructure:"graph_db_port"`
	GraphDBUser     string `mapstructure:"graph_db_user"`
	GraphDBPassword string `mapstructure:"graph_db_password"`
	GraphDBName     string `mapstructure:"graph_db_name"`

	// Kafka
	KafkaBrokers         []string `mapstructure:"kafka_brokers"`
	KafkaProducerEnabled bool     `mapstructure:"kafka_producer_enabled"`
	KafkaOutputTopic     string   `mapstructure:"kafka_output_topic"`
	KafkaBatchSize       int      `mapstructure:"kafka_batch_size"`
	KafkaBatchTimeout    int      `mapstructure:"kafka_batch_timeout_ms"`
	KafkaRequiredAcks    int      `mapstructure:"kafka_required_acks"`
	KafkaCompression     string   `mapstructure:"kafka_compression"`
	KafkaConsumerEnabled bool     `mapstructure:"kafka_consumer_enabled"`
	KafkaTriggerTopic    string   `mapstructure:"kafka_trigger_topic"`
	KafkaConsumerGroup   string   `mapstructure:"kafka_consumer_group"`

	// Tracing
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	TracingEndpoint string        `mapstructure:"tracing_endpoint"`
	TracingProtocol string        `mapstructure:"tracing_protocol"`
	TracingInsecure bool          `mapstructure:"tracing_insecure"`
	TracingTimeout  time.Duration `mapstructure:"tracing_timeout"`

	// Text analysis
	TextAnalysisAPIKey      string        `mapstructure:"text_analysis_api_key"`
	TextAnalysisBaseURL     string        `mapstructure:"text_analysis_base_url"`
	TextAnalysisModel       string        `mapstructure:"text_analysis_model"`
	TextAnalysisMinInterval time.Duration `mapstructure:"text_analysis_min_interval"`
	TextAnalysisTimeout     time.Duration `mapstructure:"text_analysis_timeout"`

	// Geocoding
	GeocoderBaseURL   string        `mapstructure:"geocoder_base_url"`
	GeocoderUserAgent string        `mapstructure:"geocoder_user_agent"`
	GeocoderTimeout   time.Duration `mapstructure:"geocoder_timeout"`

	// Resolution
	PersonAutoMergeThreshold   float64 `mapstructure:"resolution_person_auto_merge_threshold"`
	PersonReviewThreshold      float64 `mapstructure:"resolution_person_review_threshold"`
	PlaceAutoMergeThreshold    float64 `mapstructure:"resolution_place_auto_merge_threshold"`
	PlaceReviewThreshold       float64 `mapstructure:"resolution_place_review_threshold"`
	AnimalAutoMergeThreshold   float64 `mapstructure:"resolution_animal_auto_merge_threshold"`
	AnimalReviewThreshold      float64 `mapstructure:"resolution_animal_review_threshold"`
	RequestAutoMergeThreshold  float64 `mapstructure:"resolution_request_auto_merge_threshold"`
	RequestReviewThreshold     float64 `mapstructure:"resolution_request_review_threshold"`
	MatchRadiusMeters          float64 `mapstructure:"match_radius_meters"`
	MatchMaxCandidates         int     `mapstructure:"match_max_candidates"`
	AttributeHighConfidence    float64 `mapstructure:"attribute_high_confidence"`
	TextAnalysisAutoVerifyFrom float64 `mapstructure:"attribute_text_analysis_threshold"`

	// Batch
	BatchWorkers     int           `mapstructure:"batch_workers"`
	BatchLimit       int           `mapstructure:"batch_limit"`
	BatchMaxAttempts int           `mapstructure:"batch_max_attempts"`
	BatchLockTTL     time.Duration `mapstructure:"batch_lock_ttl"`
}

// defaults apply when neither the environment nor the config file sets a key.
var defaults = map[string]any{
	"app_name":                                "clover",
	"port":                                    3004,
	"log_level":                               "info",
	"pretty_logs":                             false,
	"http_server_write_timeout_seconds":       30,
	"http_server_read_timeout_seconds":        10,
	"http_server_idle_timeout_seconds":        60,
	"http_server_read_header_timeout_seconds": 10,
	"http_server_max_header_bytes":            64000,
	"http_server_allow_origins":               []string{"*"},
	"http_server_allow_methods":               []string{"GET", "POST"},
	"startup_max_attempts":                    5,

	"db_host":                    "localhost",
	"db_port":                    "5432",
	"db_user_name":               "postgres",
	"db_password":                "",
	"db_name":                    "clover",
	"db_ssl_mode":                "disable",
	"db_max_open_conns":          25,
	"db_max_idle_conns":          10,
	"db_conn_max_lifetime":       5 * time.Minute,
	"db_migration_folder_path":   "db/pg",
	"db_migration_version":       0,
	"db_migration_force":         0,
	"db_migration_auto_rollback": true,
	"db_migrate_on_start":        false,

	"redis_url":        "",
	"redis_host":       "",
	"redis_port":       6379,
	"redis_password":   "",
	"redis_db":         0,
	"redis_key_prefix": "clover",

	"graph_db_host":     "",
	"graph_db_port":     7687,
	"graph_db_user":     "",
	"graph_db_password": "",
	"graph_db_name":     "",

	"kafka_brokers":          []string{"localhost:9092"},
	"kafka_producer_enabled": false,
	"kafka_output_topic":     "clover.entity-events",
	"kafka_batch_size":       100,
	"kafka_batch_timeout_ms": 100,
	"kafka_required_acks":    1,
	"kafka_compression":      "snappy",
	"kafka_consumer_enabled": false,
	"kafka_trigger_topic":    "clover.staging-notices",
	"kafka_consumer_group":   "clover-batch",

	"tracing_enabled":  false,
	"tracing_endpoint": "localhost:4317",
	"tracing_protocol": "grpc",
	"tracing_insecure": true,
	"tracing_timeout":  10 * time.Second,

	"text_analysis_api_key":      "",
	"text_analysis_base_url":     "",
	"text_analysis_model":        "gpt-4o-mini",
	"text_analysis_min_interval": 500 * time.Millisecond,
	"text_analysis_timeout":      30 * time.Second,

	"geocoder_base_url":   "",
	"geocoder_user_agent": "clover",
	"geocoder_timeout":    10 * time.Second,

	"resolution_person_auto_merge_threshold":  1.0,
	"resolution_person_review_threshold":      0.85,
	"resolution_place_auto_merge_threshold":   0.9,
	"resolution_place_review_threshold":       0.6,
	"resolution_animal_auto_merge_threshold":  1.0,
	"resolution_animal_review_threshold":      0.85,
	"resolution_request_auto_merge_threshold": 1.0,
	"resolution_request_review_threshold":     0.9,
	"match_radius_meters":                     75.0,
	"match_max_candidates":                    10,
	"attribute_high_confidence":               0.9,
	"attribute_text_analysis_threshold":       0.95,

	"batch_workers":      4,
	"batch_limit":        500,
	"batch_max_attempts": 5,
	"batch_lock_ttl":     2 * time.Minute,
}

// Thresholds returns the per-kind gate bounds.
func (c *Config) Thresholds() map[models.EntityKind]resolution.Thresholds {
	return map[models.EntityKind]resolution.Thresholds{
		models.EntityKindPerson:  {AutoMerge: c.PersonAutoMergeThreshold, ReviewFloor: c.PersonReviewThreshold},
		models.EntityKindPlace:   {AutoMerge: c.PlaceAutoMergeThreshold, ReviewFloor: c.PlaceReviewThreshold},
		models.EntityKindAnimal:  {AutoMerge: c.AnimalAutoMergeThreshold, ReviewFloor: c.AnimalReviewThreshold},
		models.EntityKindRequest: {AutoMerge: c.RequestAutoMergeThreshold, ReviewFloor: c.RequestReviewThreshold},
	}
}

// Validate checks the values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	var errs []error
	for kind, t := range c.Thresholds() {
		if t.ReviewFloor < 0 || t.AutoMerge > 1 || t.ReviewFloor > t.AutoMerge {
			errs = append(errs, fmt.Errorf("%s thresholds: review %.2f must be within [0, auto-merge %.2f] and auto-merge at most 1", kind, t.ReviewFloor, t.AutoMerge))
		}
	}
	if c.BatchWorkers <= 0 {
		errs = append(errs, fmt.Errorf("BATCH_WORKERS must be positive, got %d", c.BatchWorkers))
	}
	if c.Port <= 0 {
		errs = append(errs, fmt.Errorf("PORT must be positive, got %d", c.Port))
	}
	return errors.Join(errs...)
}

// Load reads .env files, then an optional YAML file named by CONFIG_FILE, then
// the environment. Later sources win and defaults fill the rest. Keys are the
// lower-cased environment variable names.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", file, err)
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()
	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToList,
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// stringToList splits comma separated values, such as KAFKA_BROKERS from the
// environment, into trimmed non-empty items.
func stringToList(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Slice || to.Elem().Kind() != reflect.String {
		return data, nil
	}
	var items []string
	for _, item := range strings.Split(data.(string), ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items, nil
}
