package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the single configuration object read at startup. It is never
// reloaded while the engine runs.
type Config struct {
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	ExchangeConfig ExchangeConfig `json:"exchange"`
	EngineConfig   EngineConfig   `json:"engine"`
	RiskConfig     RiskConfig     `json:"risk"`
	ExitConfig     ExitConfig     `json:"exit"`
	StreamConfig   StreamConfig   `json:"stream"`
	SignalConfig   SignalConfig   `json:"signal"`
	LoggingConfig  LoggingConfig  `json:"logging"`
	MetricsConfig  MetricsConfig  `json:"metrics"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds distributed cache settings
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// ExchangeConfig holds exchange REST/stream settings
type ExchangeConfig struct {
	Name              string        `json:"name"`
	RESTBaseURL       string        `json:"rest_base_url"`
	StreamURL         string        `json:"stream_url"`
	TickerTimeout     time.Duration `json:"ticker_timeout"`
	OHLCTimeout       time.Duration `json:"ohlc_timeout"`
	OrderTimeout      time.Duration `json:"order_timeout"`
	RequestsPerMinute int           `json:"requests_per_minute"`
}

// EngineConfig holds orchestrator timing and cache TTLs
type EngineConfig struct {
	MainTickInterval       time.Duration `json:"main_tick_interval"`
	PeakTrackingIntervalMs int           `json:"peak_tracking_interval_ms"`
	RefreshInterval        time.Duration `json:"refresh_interval"`
	MarketDataCacheTTL     time.Duration `json:"market_data_cache_ttl"`   // in-process mirror
	MarketDataDistTTL      time.Duration `json:"market_data_dist_ttl"`    // distributed cache
	MarketDataStaleTTLMs   int64         `json:"market_data_stale_ttl_ms"`
	OHLCCacheTTL           time.Duration `json:"ohlc_cache_ttl"`
	RegimeCacheTTL         time.Duration `json:"regime_cache_ttl"`
	FetchBatchSize         int           `json:"fetch_batch_size"`
	FetchConcurrency       int           `json:"fetch_concurrency"`
}

// RiskConfig holds entry-filter and sizing thresholds
type RiskConfig struct {
	MaxEntrySpreadPct              float64       `json:"max_entry_spread_pct"`
	EntryMinIntrabarMomentumChoppy float64       `json:"entry_min_intrabar_momentum_choppy"`
	MinADX                         float64       `json:"min_adx"`
	TransitioningADXCeiling        float64       `json:"transitioning_adx_ceiling"`
	RisingSlopeThreshold           float64       `json:"rising_slope_threshold"`
	BTCDropFloor                   float64       `json:"btc_drop_floor"`
	PanicVolumeRatio               float64       `json:"panic_volume_ratio"`
	RSIExtremeTop                  float64       `json:"rsi_extreme_top"`
	AIConfidenceThreshold          float64       `json:"ai_confidence_threshold"`
	PyramidL1MinConfidence         float64       `json:"pyramid_l1_min_confidence"`
	PyramidL2MinConfidence         float64       `json:"pyramid_l2_min_confidence"`
	MaxLossStreak                  int           `json:"max_loss_streak"`
	LossCooldownBase               time.Duration `json:"loss_cooldown_base"`
	LossCooldownHours              int           `json:"loss_cooldown_hours"`
	BalanceSafetyBufferPct         float64       `json:"balance_safety_buffer_pct"`
	DefaultStopLossPct             float64       `json:"default_stop_loss_pct"`
}

// ExitConfig holds exit-rule thresholds
type ExitConfig struct {
	ErosionMinPeakPct      float64 `json:"erosion_min_peak_pct"`
	StaleUnderwaterMinutes int     `json:"stale_underwater_minutes"`
	MaxHoldHours           int     `json:"max_hold_hours"`
	TakerFeePct            float64 `json:"taker_fee_pct"`
	// EmergencyBTCDropPct is the BTC 1h momentum at or below which every open
	// position closes immediately.
	EmergencyBTCDropPct float64 `json:"emergency_btc_drop_pct"`
	// ErosionCaps is the fraction of peak profit a trade may give back per regime.
	ErosionCaps map[string]float64 `json:"erosion_caps"`
	// ProfitTargets by regime, percent.
	ProfitTargets map[string]float64 `json:"profit_targets"`
}

// StreamConfig holds price-stream and leader-election settings
type StreamConfig struct {
	LeaderLeaseTTL    time.Duration `json:"leader_lease_ttl"`
	ReconnectMinDelay time.Duration `json:"reconnect_min_delay"`
	ReconnectMaxDelay time.Duration `json:"reconnect_max_delay"`
	FailureThreshold  int           `json:"failure_threshold"`
	BreakerTimeout    time.Duration `json:"breaker_timeout"`
}

// SignalConfig holds the external analysis service settings. An empty URL
// selects the built-in technical fallback.
type SignalConfig struct {
	URL     string        `json:"url"`
	APIKey  string        `json:"api_key"`
	Timeout time.Duration `json:"timeout"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // console writer when false
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// Load reads config.json if present, then applies environment overrides.
// A .env file in the working directory is loaded first when it exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}
	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.RedisConfig.PoolSize == 0 {
		cfg.RedisConfig.PoolSize = 10
	}

	if cfg.ExchangeConfig.TickerTimeout == 0 {
		cfg.ExchangeConfig.TickerTimeout = 2 * time.Second
	}
	if cfg.ExchangeConfig.OHLCTimeout == 0 {
		cfg.ExchangeConfig.OHLCTimeout = 5 * time.Second
	}
	if cfg.ExchangeConfig.OrderTimeout == 0 {
		cfg.ExchangeConfig.OrderTimeout = 10 * time.Second
	}
	if cfg.ExchangeConfig.RequestsPerMinute == 0 {
		cfg.ExchangeConfig.RequestsPerMinute = 1200
	}

	if cfg.EngineConfig.MainTickInterval == 0 {
		cfg.EngineConfig.MainTickInterval = 30 * time.Second
	}
	if cfg.EngineConfig.PeakTrackingIntervalMs == 0 {
		cfg.EngineConfig.PeakTrackingIntervalMs = 1000
	}
	if cfg.EngineConfig.RefreshInterval == 0 {
		cfg.EngineConfig.RefreshInterval = 4 * time.Second
	}
	if cfg.EngineConfig.MarketDataCacheTTL == 0 {
		cfg.EngineConfig.MarketDataCacheTTL = 10 * time.Second
	}
	if cfg.EngineConfig.MarketDataDistTTL == 0 {
		cfg.EngineConfig.MarketDataDistTTL = 15 * time.Second
	}
	if cfg.EngineConfig.MarketDataStaleTTLMs == 0 {
		cfg.EngineConfig.MarketDataStaleTTLMs = 15000
	}
	if cfg.EngineConfig.OHLCCacheTTL == 0 {
		cfg.EngineConfig.OHLCCacheTTL = time.Minute
	}
	if cfg.EngineConfig.RegimeCacheTTL == 0 {
		cfg.EngineConfig.RegimeCacheTTL = 5 * time.Minute
	}
	if cfg.EngineConfig.FetchBatchSize == 0 {
		cfg.EngineConfig.FetchBatchSize = 10
	}
	if cfg.EngineConfig.FetchConcurrency == 0 {
		cfg.EngineConfig.FetchConcurrency = 3
	}

	if cfg.RiskConfig.MaxEntrySpreadPct == 0 {
		cfg.RiskConfig.MaxEntrySpreadPct = 0.003
	}
	if cfg.RiskConfig.EntryMinIntrabarMomentumChoppy == 0 {
		cfg.RiskConfig.EntryMinIntrabarMomentumChoppy = 0.05
	}
	if cfg.RiskConfig.MinADX == 0 {
		cfg.RiskConfig.MinADX = 20
	}
	if cfg.RiskConfig.TransitioningADXCeiling == 0 {
		cfg.RiskConfig.TransitioningADXCeiling = 25
	}
	if cfg.RiskConfig.RisingSlopeThreshold == 0 {
		cfg.RiskConfig.RisingSlopeThreshold = 0.5
	}
	if cfg.RiskConfig.BTCDropFloor == 0 {
		cfg.RiskConfig.BTCDropFloor = -1.5
	}
	if cfg.RiskConfig.PanicVolumeRatio == 0 {
		cfg.RiskConfig.PanicVolumeRatio = 3.0
	}
	if cfg.RiskConfig.RSIExtremeTop == 0 {
		cfg.RiskConfig.RSIExtremeTop = 78
	}
	if cfg.RiskConfig.AIConfidenceThreshold == 0 {
		cfg.RiskConfig.AIConfidenceThreshold = 70
	}
	if cfg.RiskConfig.PyramidL1MinConfidence == 0 {
		cfg.RiskConfig.PyramidL1MinConfidence = 85
	}
	if cfg.RiskConfig.PyramidL2MinConfidence == 0 {
		cfg.RiskConfig.PyramidL2MinConfidence = 90
	}
	if cfg.RiskConfig.MaxLossStreak == 0 {
		cfg.RiskConfig.MaxLossStreak = 5
	}
	if cfg.RiskConfig.LossCooldownBase == 0 {
		cfg.RiskConfig.LossCooldownBase = 5 * time.Minute
	}
	if cfg.RiskConfig.LossCooldownHours == 0 {
		cfg.RiskConfig.LossCooldownHours = 4
	}
	if cfg.RiskConfig.BalanceSafetyBufferPct == 0 {
		cfg.RiskConfig.BalanceSafetyBufferPct = 5.0
	}
	if cfg.RiskConfig.DefaultStopLossPct == 0 {
		cfg.RiskConfig.DefaultStopLossPct = 0.05
	}

	if cfg.ExitConfig.ErosionMinPeakPct == 0 {
		cfg.ExitConfig.ErosionMinPeakPct = 0.3
	}
	if cfg.ExitConfig.StaleUnderwaterMinutes == 0 {
		cfg.ExitConfig.StaleUnderwaterMinutes = 240
	}
	if cfg.ExitConfig.MaxHoldHours == 0 {
		cfg.ExitConfig.MaxHoldHours = 48
	}
	if cfg.ExitConfig.TakerFeePct == 0 {
		cfg.ExitConfig.TakerFeePct = 0.1
	}
	if cfg.ExitConfig.EmergencyBTCDropPct == 0 {
		cfg.ExitConfig.EmergencyBTCDropPct = -5.0
	}
	if cfg.ExitConfig.ErosionCaps == nil {
		cfg.ExitConfig.ErosionCaps = map[string]float64{
			"strong":        0.50,
			"moderate":      0.40,
			"transitioning": 0.35,
			"weak":          0.30,
			"choppy":        0.25,
		}
	}
	if cfg.ExitConfig.ProfitTargets == nil {
		cfg.ExitConfig.ProfitTargets = map[string]float64{
			"strong":        3.0,
			"moderate":      2.0,
			"transitioning": 1.5,
			"weak":          1.2,
			"choppy":        0.8,
		}
	}

	if cfg.StreamConfig.LeaderLeaseTTL == 0 {
		cfg.StreamConfig.LeaderLeaseTTL = 30 * time.Second
	}
	if cfg.StreamConfig.ReconnectMinDelay == 0 {
		cfg.StreamConfig.ReconnectMinDelay = time.Second
	}
	if cfg.StreamConfig.ReconnectMaxDelay == 0 {
		cfg.StreamConfig.ReconnectMaxDelay = 60 * time.Second
	}
	if cfg.StreamConfig.FailureThreshold == 0 {
		cfg.StreamConfig.FailureThreshold = 5
	}
	if cfg.StreamConfig.BreakerTimeout == 0 {
		cfg.StreamConfig.BreakerTimeout = 60 * time.Second
	}

	if cfg.SignalConfig.Timeout == 0 {
		cfg.SignalConfig.Timeout = 10 * time.Second
	}

	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "info"
	}
	if cfg.MetricsConfig.Address == "" {
		cfg.MetricsConfig.Address = ":9090"
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
// Exchange API keys are NOT read here; they are per-bot and resolved by the
// key-storage system outside this engine.
func applyEnvOverrides(cfg *Config) {
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	cfg.ExchangeConfig.Name = getEnvOrDefault("EXCHANGE_NAME", cfg.ExchangeConfig.Name)
	cfg.ExchangeConfig.RESTBaseURL = getEnvOrDefault("EXCHANGE_REST_URL", cfg.ExchangeConfig.RESTBaseURL)
	cfg.ExchangeConfig.StreamURL = getEnvOrDefault("EXCHANGE_STREAM_URL", cfg.ExchangeConfig.StreamURL)

	cfg.EngineConfig.MainTickInterval = getEnvDurationOrDefault("MAIN_TICK_INTERVAL", cfg.EngineConfig.MainTickInterval)
	cfg.EngineConfig.PeakTrackingIntervalMs = getEnvIntOrDefault("PEAK_TRACKING_INTERVAL_MS", cfg.EngineConfig.PeakTrackingIntervalMs)

	cfg.RiskConfig.MaxEntrySpreadPct = getEnvFloatOrDefault("MAX_ENTRY_SPREAD_PCT", cfg.RiskConfig.MaxEntrySpreadPct)
	cfg.RiskConfig.EntryMinIntrabarMomentumChoppy = getEnvFloatOrDefault("ENTRY_MIN_INTRABAR_MOMENTUM_CHOPPY", cfg.RiskConfig.EntryMinIntrabarMomentumChoppy)
	cfg.RiskConfig.AIConfidenceThreshold = getEnvFloatOrDefault("AI_CONFIDENCE_THRESHOLD", cfg.RiskConfig.AIConfidenceThreshold)
	cfg.RiskConfig.MaxLossStreak = getEnvIntOrDefault("RISK_MAX_LOSS_STREAK", cfg.RiskConfig.MaxLossStreak)
	cfg.RiskConfig.LossCooldownHours = getEnvIntOrDefault("RISK_LOSS_COOLDOWN_HOURS", cfg.RiskConfig.LossCooldownHours)

	cfg.ExitConfig.ErosionMinPeakPct = getEnvFloatOrDefault("EROSION_MIN_PEAK_PCT", cfg.ExitConfig.ErosionMinPeakPct)
	cfg.ExitConfig.StaleUnderwaterMinutes = getEnvIntOrDefault("STALE_UNDERWATER_MINUTES", cfg.ExitConfig.StaleUnderwaterMinutes)
	cfg.ExitConfig.MaxHoldHours = getEnvIntOrDefault("MAX_HOLD_HOURS", cfg.ExitConfig.MaxHoldHours)
	cfg.ExitConfig.EmergencyBTCDropPct = getEnvFloatOrDefault("EMERGENCY_BTC_DROP_PCT", cfg.ExitConfig.EmergencyBTCDropPct)

	cfg.SignalConfig.URL = getEnvOrDefault("SIGNAL_URL", cfg.SignalConfig.URL)
	cfg.SignalConfig.APIKey = getEnvOrDefault("SIGNAL_API_KEY", cfg.SignalConfig.APIKey)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"

	cfg.MetricsConfig.Enabled = getEnvOrDefault("METRICS_ENABLED", "true") == "true"
	cfg.MetricsConfig.Address = getEnvOrDefault("METRICS_ADDRESS", cfg.MetricsConfig.Address)
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
