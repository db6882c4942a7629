package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

type DB struct {
	Driver   string // memory or postgres
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int32
}

type NSQ struct {
	Enabled        bool   // consume record events and publish dead letters
	NsqdTCPAddr    string // e.g. nsqd:4150
	NsqdHTTPAddr   string // e.g. nsqd:4151, polled by nsq-monitor
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	RecordsTopic   string // record-created events from the producer
	IngestChannel  string // NSQ channel this service consumes on
	DLQTopic       string // Dead letter queue topic
	MaxInFlight    int
}

type Poll struct {
	DefaultLimit int
	MaxLimit     int
}

type Push struct {
	Path       string
	Interval   time.Duration
	BatchLimit int
}

type Webhook struct {
	Workers          int
	RetryBudget      int           // default retry budget for new endpoints
	Timeout          time.Duration // default request timeout for new endpoints
	HistorySize      int
	HistoryRetention time.Duration
	PublishDLQ       bool // Whether to publish exhausted deliveries to the DLQ topic
}

type Auth struct {
	PublicKeyPEM        string
	JWKSURL             string
	Issuer              string
	Audience            string
	TrustIdentityHeader bool // accept X-Identity from a trusted proxy
}

type Monitor struct {
	Port     string
	Interval time.Duration
}

type Tracing struct {
	Enabled  bool
	Endpoint string
}

type FakeReceiver struct {
	FailFirstN           int           // Number of requests to fail initially
	EndpointSecret       string        // Secret for webhook signature verification
	SigningLeewaySeconds int           // Allowed timestamp skew in seconds
	ResponseDelayMS      int           // Simulated response delay in milliseconds
	Port                 string        // Server listen port
	ReadTimeout          time.Duration // HTTP read timeout
	WriteTimeout         time.Duration // HTTP write timeout
	IdleTimeout          time.Duration // HTTP idle timeout
}

type TokenIssuer struct {
	Port          string
	PrivateKeyPEM string
	KeyID         string
	DefaultTTL    time.Duration
}

type Config struct {
	AppName      string
	LogLevel     string
	HTTPPort     string // :8080
	GRPCPort     string // :50051
	DB           DB
	NSQ          NSQ
	Poll         Poll
	Push         Push
	Webhook      Webhook
	Auth         Auth
	Tracing      Tracing
	Monitor      Monitor
	FakeReceiver FakeReceiver
	TokenIssuer  TokenIssuer
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getenvSeconds accepts either a Go duration or a bare number of seconds.
// Values that are not positive fall back to def.
func getenvSeconds(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if n, aerr := strconv.Atoi(v); aerr == nil {
		d, err = time.Duration(n)*time.Second, nil
	}
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func getenvDriver(key, def string) string {
	switch v := strings.ToLower(getenv(key, def)); v {
	case DriverMemory, DriverPostgres:
		return v
	}
	return def
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "harborfeed"),
		LogLevel: getenv("LOG_LEVEL", "info"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		GRPCPort: getenv("GRPC_PORT", ":50051"),
		DB: DB{
			Driver:   getenvDriver("STORE_DRIVER", DriverMemory),
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "postgres"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "harborfeed"),
			MaxConns: int32(getenvInt("DB_MAX_CONNS", 10)),
		},
		NSQ: NSQ{
			Enabled:        getenvBool("NSQ_ENABLED", false),
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:   getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			RecordsTopic:   getenv("NSQ_RECORDS_TOPIC", "records"),
			IngestChannel:  getenv("NSQ_INGEST_CHANNEL", "delivery"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "deliveries_dlq"),
			MaxInFlight:    getenvInt("NSQ_MAX_IN_FLIGHT", 10),
		},
		Poll: Poll{
			DefaultLimit: getenvInt("POLL_DEFAULT_LIMIT", 100),
			MaxLimit:     getenvInt("POLL_MAX_LIMIT", 1000),
		},
		Push: Push{
			Path:       getenv("PUSH_PATH", "/ws/subscribe"),
			Interval:   getenvDuration("PUSH_INTERVAL", 5*time.Second),
			BatchLimit: getenvInt("PUSH_BATCH_LIMIT", 50),
		},
		Webhook: Webhook{
			Workers:          getenvInt("WEBHOOK_WORKERS", 3),
			RetryBudget:      getenvInt("WEBHOOK_RETRY_COUNT", 3),
			Timeout:          getenvSeconds("WEBHOOK_TIMEOUT", 30*time.Second),
			HistorySize:      getenvInt("WEBHOOK_HISTORY_SIZE", 1000),
			HistoryRetention: getenvDuration("WEBHOOK_HISTORY_RETENTION", 24*time.Hour),
			PublishDLQ:       getenvBool("PUBLISH_DLQ_TOPIC", false),
		},
		Auth: Auth{
			PublicKeyPEM:        getenv("JWT_PUBLIC_KEY", ""),
			JWKSURL:             getenv("JWKS_URL", ""),
			Issuer:              getenv("JWT_ISSUER", "harborfeed"),
			Audience:            getenv("JWT_AUDIENCE", "harborfeed-api"),
			TrustIdentityHeader: getenvBool("AUTH_TRUST_IDENTITY_HEADER", false),
		},
		Tracing: Tracing{
			Enabled:  getenvBool("TRACING_ENABLED", false),
			Endpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://tempo:4318"),
		},
		Monitor: Monitor{
			Port:     getenv("MONITOR_PORT", ":8084"),
			Interval: getenvSeconds("MONITOR_INTERVAL", 15*time.Second),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:           getenvInt("FAIL_FIRST_N", 0),
			EndpointSecret:       getenv("ENDPOINT_SECRET", ""),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			ResponseDelayMS:      getenvInt("RESPONSE_DELAY_MS", 0),
			Port:                 getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:          getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:         getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:          getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
		TokenIssuer: TokenIssuer{
			Port:          getenv("TOKEN_ISSUER_PORT", ":8082"),
			PrivateKeyPEM: getenv("JWT_PRIVATE_KEY", ""),
			KeyID:         getenv("JWT_KEY_ID", "harborfeed-key-1"),
			DefaultTTL:    getenvDuration("TOKEN_DEFAULT_TTL", time.Hour),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
