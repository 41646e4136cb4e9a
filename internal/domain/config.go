package domain

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" koanf:"host"`
	Port         int    `json:"port" koanf:"port"`
	ReadTimeout  int    `json:"readTimeout" koanf:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" koanf:"write_timeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" koanf:"level"`   // debug, info, warn, error
	Format string `json:"format" koanf:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" koanf:"enabled"`
	ServiceName string `json:"serviceName" koanf:"service_name"`
}

// WorkerConfig holds async ingestion worker settings.
type WorkerConfig struct {
	Enabled     bool `json:"enabled" koanf:"enabled"`
	WorkerCount int  `json:"workerCount" koanf:"worker_count"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, Go channels and an in-process LRU.
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, NATS and Redis.
	TierPro Tier = "pro"
)
