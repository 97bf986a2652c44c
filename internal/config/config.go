package config

import (
	"fmt"
	"os"
	"strings"

	"algo-dashboard/internal/snapshot"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Upstox     UpstoxConfig     `yaml:"upstox"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Simulation SimulationConfig `yaml:"simulation"`
	Store      StoreConfig      `yaml:"store"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Engine     EngineConfig     `yaml:"engine"`
	Alert      AlertConfig      `yaml:"alert"`
	Push       PushConfig       `yaml:"push"`
	RiskAgent  RiskAgentConfig  `yaml:"risk_agent"`
}

type ServerConfig struct {
	Port          int `yaml:"port"`
	DispatchQueue int `yaml:"dispatch_queue"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type UpstoxConfig struct {
	BaseURL     string        `yaml:"base_url"`
	AccessToken string        `yaml:"access_token"`
	TimeoutMs   int           `yaml:"timeout_ms"`
	Concurrency int           `yaml:"concurrency"`
	Breaker     BreakerConfig `yaml:"breaker"`
}

type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold"`
	CooldownSec      int `yaml:"cooldown_sec"`
}

type DashboardConfig struct {
	RealizedPnL float64            `yaml:"realized_pnl"`
	TradesToday int                `yaml:"trades_today"`
	WinRate     float64            `yaml:"win_rate"`
	Instruments []InstrumentConfig `yaml:"instruments"`
	Positions   []PositionConfig   `yaml:"positions"`
}

type InstrumentConfig struct {
	Symbol  string  `yaml:"symbol"`
	Group   string  `yaml:"group"`
	Key     string  `yaml:"key"`
	Base    float64 `yaml:"base"`
	LotSize int     `yaml:"lot_size"`
	Unit    string  `yaml:"unit"`
}

type PositionConfig struct {
	Symbol     string  `yaml:"symbol"`
	Type       string  `yaml:"type"`
	Qty        int     `yaml:"qty"`
	AvgPrice   float64 `yaml:"avg_price"`
	Source     string  `yaml:"source"`
	Exchange   string  `yaml:"exchange"`
	Underlying string  `yaml:"underlying"`
}

type SimulationConfig struct {
	VolatilityPct float64 `yaml:"volatility_pct"`
	FloorPct      float64 `yaml:"floor_pct"`
	MinPrice      float64 `yaml:"min_price"`
}

type StoreConfig struct {
	Sqlite SqliteConfig `yaml:"sqlite"`
}

type SqliteConfig struct {
	Path              string `yaml:"path"`
	RecordIntervalSec int    `yaml:"record_interval_sec"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type EngineConfig struct {
	IndexMove    ThresholdConfig      `yaml:"index_move"`
	PositionLoss ThresholdConfig      `yaml:"position_loss"`
	CooldownSec  EngineCooldownConfig `yaml:"cooldown_sec"`
}

type ThresholdConfig struct {
	MedPct  float64 `yaml:"med_pct"`
	HighPct float64 `yaml:"high_pct"`
}

type EngineCooldownConfig struct {
	IndexMove    int `yaml:"index_move"`
	PositionLoss int `yaml:"position_loss"`
}

type AlertConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Digest    DigestConfig    `yaml:"digest"`
}

type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

type DedupConfig struct {
	WindowSec int `yaml:"window_sec"`
}

type DigestConfig struct {
	LowIntervalSec int `yaml:"low_interval_sec"`
}

type PushConfig struct {
	Dingtalk DingtalkConfig `yaml:"dingtalk"`
}

type DingtalkConfig struct {
	Webhook   string `yaml:"webhook"`
	Secret    string `yaml:"secret"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

type RiskAgentConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	ByAzure    bool   `yaml:"by_azure"`
	APIVersion string `yaml:"api_version"`
	TimeoutMs  int    `yaml:"timeout_ms"`
}

// envOverrides are applied after the yaml file. Secrets are expected here
// (or in .env) rather than in the committed config.
type envOverrides struct {
	Port            int      `envconfig:"PORT"`
	LogLevel        string   `envconfig:"LOG_LEVEL"`
	UpstoxToken     string   `envconfig:"UPSTOX_ACCESS_TOKEN"`
	UpstoxBaseURL   string   `envconfig:"UPSTOX_BASE_URL"`
	DingtalkWebhook string   `envconfig:"DINGTALK_WEBHOOK"`
	DingtalkSecret  string   `envconfig:"DINGTALK_SECRET"`
	KafkaBrokers    []string `envconfig:"KAFKA_BROKERS"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{Port: 12000, DispatchQueue: 16},
		Log:    LogConfig{Level: "info"},
		Upstox: UpstoxConfig{
			BaseURL:     "https://api.upstox.com/v2",
			TimeoutMs:   3000,
			Concurrency: 4,
			Breaker: BreakerConfig{
				FailureThreshold: 20,
				SuccessThreshold: 1,
				CooldownSec:      30,
			},
		},
		Dashboard: DashboardConfig{
			RealizedPnL: 2500,
			TradesToday: 5,
			WinRate:     60,
			Instruments: []InstrumentConfig{
				{Symbol: "NIFTY", Group: "index", Key: "NSE_INDEX|Nifty 50", Base: 25200.50},
				{Symbol: "BANKNIFTY", Group: "index", Key: "NSE_INDEX|Nifty Bank", Base: 52800.75},
				{Symbol: "CRUDEOIL", Group: "mcx", Key: "MCX_FO|472789", Base: 5755, LotSize: 100, Unit: "BBL"},
				{Symbol: "GOLD", Group: "mcx", Key: "MCX_FO|472784", Base: 85000, LotSize: 100, Unit: "10GM"},
				{Symbol: "GOLDM", Group: "mcx", Key: "MCX_FO|472781", Base: 85200, LotSize: 10, Unit: "1GM"},
				{Symbol: "SILVER", Group: "mcx", Key: "MCX_FO|464150", Base: 95000, LotSize: 30, Unit: "KG"},
				{Symbol: "SILVERM", Group: "mcx", Key: "MCX_FO|451669", Base: 95000, LotSize: 5, Unit: "KG"},
				{Symbol: "NATURALGAS", Group: "mcx", Key: "MCX_FO|472791", Base: 280, LotSize: 1250, Unit: "MMBTU"},
				{Symbol: "COPPER", Group: "mcx", Key: "MCX_FO|472793", Base: 850, LotSize: 2500, Unit: "KG"},
			},
			Positions: []PositionConfig{
				{Symbol: "CRUDEOIL25FEBFUT", Type: "LONG", Qty: 100, AvgPrice: 6400, Source: "PAPER", Exchange: "MCX", Underlying: "CRUDEOIL"},
				{Symbol: "GOLD25FEBFUT", Type: "LONG", Qty: 100, AvgPrice: 78000, Source: "PAPER", Exchange: "MCX", Underlying: "GOLD"},
				{Symbol: "SILVER25MARFUT", Type: "SHORT", Qty: 30, AvgPrice: 93000, Source: "PAPER", Exchange: "MCX", Underlying: "SILVER"},
			},
		},
		Simulation: SimulationConfig{VolatilityPct: 0.2, FloorPct: 80, MinPrice: 0.05},
		Store: StoreConfig{
			Sqlite: SqliteConfig{Path: "data/dashboard.db", RecordIntervalSec: 60},
		},
		Kafka: KafkaConfig{Topic: "dashboard.snapshots"},
		Engine: EngineConfig{
			IndexMove:    ThresholdConfig{MedPct: 1.0, HighPct: 2.0},
			PositionLoss: ThresholdConfig{MedPct: 5.0, HighPct: 10.0},
			CooldownSec:  EngineCooldownConfig{IndexMove: 600, PositionLoss: 300},
		},
		Alert: AlertConfig{
			RateLimit: RateLimitConfig{PerMinute: 20, Burst: 5},
			Dedup:     DedupConfig{WindowSec: 300},
			Digest:    DigestConfig{LowIntervalSec: 300},
		},
		Push: PushConfig{
			Dingtalk: DingtalkConfig{TimeoutMs: 5000},
		},
		RiskAgent: RiskAgentConfig{
			Enabled:   false,
			Model:     "gpt-4.1-mini",
			TimeoutMs: 10000,
		},
	}
}

// Load reads the yaml file over the defaults, then applies .env and process
// environment overrides, then validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// A missing .env is normal outside local development.
	_ = godotenv.Load()
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	if env.Port != 0 {
		cfg.Server.Port = env.Port
	}
	if env.LogLevel != "" {
		cfg.Log.Level = env.LogLevel
	}
	if env.UpstoxToken != "" {
		cfg.Upstox.AccessToken = env.UpstoxToken
	}
	if env.UpstoxBaseURL != "" {
		cfg.Upstox.BaseURL = env.UpstoxBaseURL
	}
	if env.DingtalkWebhook != "" {
		cfg.Push.Dingtalk.Webhook = env.DingtalkWebhook
	}
	if env.DingtalkSecret != "" {
		cfg.Push.Dingtalk.Secret = env.DingtalkSecret
	}
	if len(env.KafkaBrokers) > 0 {
		cfg.Kafka.Brokers = env.KafkaBrokers
	}
	return nil
}

// Validate normalizes enum fields in place and rejects configs the producer
// cannot serve.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}

	symbols := make(map[string]bool, len(c.Dashboard.Instruments))
	for i := range c.Dashboard.Instruments {
		in := &c.Dashboard.Instruments[i]
		in.Symbol = strings.ToUpper(strings.TrimSpace(in.Symbol))
		in.Group = strings.ToLower(strings.TrimSpace(in.Group))
		if in.Symbol == "" {
			return fmt.Errorf("instrument #%d: symbol is required", i)
		}
		if symbols[in.Symbol] {
			return fmt.Errorf("instrument %s: duplicate symbol", in.Symbol)
		}
		symbols[in.Symbol] = true
		switch snapshot.Group(in.Group) {
		case snapshot.GroupIndex:
			if snapshot.ReservedKeys[strings.ToLower(in.Symbol)] {
				return fmt.Errorf("instrument %s: symbol clashes with a reserved field", in.Symbol)
			}
		case snapshot.GroupMCX:
		default:
			return fmt.Errorf("instrument %s: invalid group %q", in.Symbol, in.Group)
		}
		if in.Base <= 0 {
			return fmt.Errorf("instrument %s: base must be positive", in.Symbol)
		}
	}

	for i := range c.Dashboard.Positions {
		p := &c.Dashboard.Positions[i]
		p.Type = strings.ToUpper(strings.TrimSpace(p.Type))
		p.Underlying = strings.ToUpper(strings.TrimSpace(p.Underlying))
		if p.Symbol == "" {
			return fmt.Errorf("position #%d: symbol is required", i)
		}
		if p.Type != string(snapshot.SideLong) && p.Type != string(snapshot.SideShort) {
			return fmt.Errorf("position %s: invalid type %q", p.Symbol, p.Type)
		}
		if p.Qty <= 0 {
			return fmt.Errorf("position %s: qty must be positive", p.Symbol)
		}
		if p.AvgPrice < 0 {
			return fmt.Errorf("position %s: avg_price must not be negative", p.Symbol)
		}
		if p.Underlying != "" && !symbols[p.Underlying] {
			return fmt.Errorf("position %s: unknown underlying %q", p.Symbol, p.Underlying)
		}
		if p.Source == "" {
			p.Source = "PAPER"
		}
		if p.Exchange == "" {
			p.Exchange = "NSE"
		}
	}

	if c.Simulation.FloorPct < 0 || c.Simulation.FloorPct > 100 {
		return fmt.Errorf("invalid simulation.floor_pct: %v", c.Simulation.FloorPct)
	}
	return nil
}
