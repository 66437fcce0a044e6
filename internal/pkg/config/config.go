package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	PostgresURL string `env:"POSTGRES_URL,required"`
	RedisAddr   string `env:"REDIS_ADDR,required"`

	EventStream       string        `env:"REDIS_EVENT_STREAM" envDefault:"product_events"`
	DLQStream         string        `env:"REDIS_DLQ_STREAM" envDefault:"product_events_dlq"`
	ConsumerGroup     string        `env:"CONSUMER_GROUP" envDefault:"event-writers"`
	ConsumerBatchSize int           `env:"CONSUMER_BATCH_SIZE" envDefault:"1000"`
	SinkRetryCount    int           `env:"SINK_RETRY_COUNT" envDefault:"3"`
	SinkRetryBackoff  time.Duration `env:"SINK_RETRY_BACKOFF" envDefault:"1s"`

	WALDir              string        `env:"WAL_DIR" envDefault:"./data/wal"`
	WALSegmentSize      int64         `env:"WAL_SEGMENT_SIZE_BYTES" envDefault:"104857600"`  // 100MB
	WALMaxDiskSize      int64         `env:"WAL_MAX_DISK_SIZE_BYTES" envDefault:"1073741824"` // 1GB
	RedisHealthInterval time.Duration `env:"REDIS_HEALTH_INTERVAL" envDefault:"5s"`
	PIIRedactionFields  []string      `env:"PII_REDACTION_FIELDS" envSeparator:"," envDefault:"email,password,credit_card,ssn,phone"`

	AdminAPIKey       string        `env:"ADMIN_API_KEY"`
	OTLPEndpoint      string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	AdminAddr         string        `env:"ADMIN_ADDR" envDefault:":9091"`
	MetricsInterval   time.Duration `env:"METRICS_INTERVAL" envDefault:"1h"`
	DetectionInterval time.Duration `env:"DETECTION_INTERVAL" envDefault:"6h"`
	SyncInterval      time.Duration `env:"SYNC_INTERVAL" envDefault:"15m"`
	SyncLookback      time.Duration `env:"SYNC_LOOKBACK" envDefault:"168h"`
	QueryTimeout      time.Duration `env:"QUERY_TIMEOUT" envDefault:"30s"`
	JobLockTTL        time.Duration `env:"JOB_LOCK_TTL" envDefault:"30m"`

	// Funnels is a ';'-separated list of name:step,step,... definitions.
	Funnels string `env:"FUNNELS" envDefault:"signup_to_action:signup,onboarding_complete,first_action"`

	Sources            []string      `env:"SOURCES" envSeparator:","`
	MixpanelAPISecret  string        `env:"MIXPANEL_API_SECRET"`
	AmplitudeAPIKey    string        `env:"AMPLITUDE_API_KEY"`
	AmplitudeSecretKey string        `env:"AMPLITUDE_SECRET_KEY"`
	PostHogAPIKey      string        `env:"POSTHOG_API_KEY"`
	PostHogProjectID   string        `env:"POSTHOG_PROJECT_ID"`
	PostHogHost        string        `env:"POSTHOG_HOST" envDefault:"https://app.posthog.com"`
	HeapAPIKey         string        `env:"HEAP_API_KEY"`
	SourceRateLimit    float64       `env:"SOURCE_RATE_LIMIT" envDefault:"2"`
	SourceTimeout      time.Duration `env:"SOURCE_TIMEOUT" envDefault:"60s"`

	Narrator    string `env:"NARRATOR" envDefault:"template"`
	OllamaURL   string `env:"OLLAMA_URL" envDefault:"http://localhost:11434"`
	OllamaModel string `env:"OLLAMA_MODEL" envDefault:"llama3"`

	InsightSinks       []string `env:"INSIGHT_SINKS" envSeparator:"," envDefault:"postgres"`
	KafkaBrokers       []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaInsightsTopic string   `env:"KAFKA_INSIGHTS_TOPIC" envDefault:"product.insights"`
}

// Funnel is an ordered list of event names users are expected to pass through.
type Funnel struct {
	Name  string
	Steps []string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if _, err := ParseFunnels(cfg.Funnels); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FunnelDefinitions returns the parsed FUNNELS value.
func (c *Config) FunnelDefinitions() []Funnel {
	funnels, _ := ParseFunnels(c.Funnels)
	return funnels
}

// ParseFunnels parses "name:a,b,c;other:x,y" into funnel definitions.
func ParseFunnels(raw string) ([]Funnel, error) {
	var funnels []Funnel
	for _, def := range strings.Split(raw, ";") {
		def = strings.TrimSpace(def)
		if def == "" {
			continue
		}
		name, steps, ok := strings.Cut(def, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid funnel definition %q: expected name:step,step", def)
		}
		f := Funnel{Name: name}
		for _, s := range strings.Split(steps, ",") {
			if s = strings.TrimSpace(s); s != "" {
				f.Steps = append(f.Steps, s)
			}
		}
		if len(f.Steps) < 2 {
			return nil, fmt.Errorf("invalid funnel definition %q: at least two steps required", def)
		}
		funnels = append(funnels, f)
	}
	return funnels, nil
}
