package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Detection policy
	Detector  DetectorConfig             `json:"detector"`
	RateLimit map[ActionType]QuotaConfig `json:"rateLimit"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// QuotaConfig is a fixed-window quota for one action type.
type QuotaConfig struct {
	MaxAttempts   int `json:"maxAttempts"`
	WindowMinutes int `json:"windowMinutes"`
}

// DetectorConfig holds the detection policy constants. The defaults mirror
// the shipped policy; hosts may override any of them, and CEL custom rules
// provide additional policy on top.
type DetectorConfig struct {
	// Velocity tiers, counted over the trailing VelocityWindow.
	VelocityWindow   time.Duration `json:"velocityWindow"`
	ExtremeVelocity  int           `json:"extremeVelocity"`
	HighVelocity     int           `json:"highVelocity"`
	ModerateVelocity int           `json:"moderateVelocity"`
	BurstRunLength   int           `json:"burstRunLength"`
	BurstMaxGap      time.Duration `json:"burstMaxGap"`

	// Click/visit behavior, counted over the trailing VisitWindow.
	VisitWindow       time.Duration `json:"visitWindow"`
	HighVisitVolume   int           `json:"highVisitVolume"`
	RapidClickRun     int           `json:"rapidClickRun"`
	RapidClickMaxGap  time.Duration `json:"rapidClickMaxGap"`
	DirectAccessRatio float64       `json:"directAccessRatio"`

	// Anti-detect heuristic: minimum indicator count before the single
	// high-weight anti-detect pattern is emitted.
	AntiDetectMinIndicators int `json:"antiDetectMinIndicators"`

	// Device anomaly.
	MinScreenWidth  int `json:"minScreenWidth"`
	MinScreenHeight int `json:"minScreenHeight"`

	// Multi-identity reuse.
	SimilarSignatureMin int `json:"similarSignatureMin"`

	// MaxRiskEvents caps how many risk events one history read returns.
	MaxRiskEvents int `json:"maxRiskEvents"`
}

// DefaultDetectorConfig returns the shipped detection policy.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		VelocityWindow:   time.Hour,
		ExtremeVelocity:  20,
		HighVelocity:     10,
		ModerateVelocity: 5,
		BurstRunLength:   4,
		BurstMaxGap:      60 * time.Second,

		VisitWindow:       24 * time.Hour,
		HighVisitVolume:   100,
		RapidClickRun:     6,
		RapidClickMaxGap:  5 * time.Second,
		DirectAccessRatio: 0.8,

		AntiDetectMinIndicators: 3,

		MinScreenWidth:  800,
		MinScreenHeight: 600,

		SimilarSignatureMin: 2,

		MaxRiskEvents: 100,
	}
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Detector: DefaultDetectorConfig(),
		RateLimit: map[ActionType]QuotaConfig{
			ActionURLCreation: {MaxAttempts: 10, WindowMinutes: 60},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
