// Package config defines all configuration for the trading pipeline.
// Config is loaded from the dashboard-owned settings JSON (default:
// sessions/bridge-settings.json) with every key overridable via L2_*
// environment variables. A missing or unreadable settings file is not
// fatal: the pipeline starts on defaults so a fresh checkout runs.
//
// Key names are camelCase because the settings file is written by the
// dashboard and shared with it; the historical file is flat
// ({host, port, clientId, account, ingestKey, tradingEnabled}), so
// those six keys are honored at the top level as well as nested.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration.
type Config struct {
	TradingEnabled bool   `mapstructure:"tradingEnabled"`
	Account        string `mapstructure:"account"`
	IngestKey      string `mapstructure:"ingestKey"`

	Feed       FeedConfig      `mapstructure:"feed"`
	Blotter    BlotterConfig   `mapstructure:"blotter"`
	Broker     BrokerConfig    `mapstructure:"broker"`
	Guardrails GuardrailConfig `mapstructure:"guardrails"`
	Shadow     ShadowConfig    `mapstructure:"shadow"`
	Algo       AlgoConfig      `mapstructure:"algo"`
	Screener   ScreenerConfig  `mapstructure:"screener"`
	Universe   UniverseConfig  `mapstructure:"universe"`
	Commands   CommandsConfig  `mapstructure:"commands"`
	Bridge     BridgeConfig    `mapstructure:"bridge"`
	API        APIConfig       `mapstructure:"api"`
	Logging    LoggingConfig   `mapstructure:"logging"`
}

// FeedConfig points at the market-data gateway.
type FeedConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	ClientID int    `mapstructure:"clientId"`
}

// URL is the gateway WebSocket endpoint.
func (f FeedConfig) URL() string {
	return fmt.Sprintf("ws://%s:%d/v1/stream", f.Host, f.Port)
}

// BlotterConfig controls subscription management and tick recording.
//
//   - Symbols: static subscription list used when no symbols file is set.
//   - SymbolsFile: JSON file polled for subscription changes.
//   - SymbolPollInterval: how often the symbols file mtime is checked.
//   - FeatureWindow: rolling window length for feature standardization.
//   - RecordPath: directory for per-symbol daily tick CSVs; empty disables.
type BlotterConfig struct {
	Symbols            []string      `mapstructure:"symbols"`
	SymbolsFile        string        `mapstructure:"symbolsFile"`
	SymbolPollInterval time.Duration `mapstructure:"symbolPollInterval"`
	FeatureWindow      int           `mapstructure:"featureWindow"`
	RecordPath         string        `mapstructure:"recordPath"`
}

// BrokerConfig tunes the paper broker.
type BrokerConfig struct {
	JournalPath string `mapstructure:"journalPath"`
	QueueSize   int    `mapstructure:"queueSize"`
}

// GuardrailConfig sets the hard limits evaluated before every order.
//
//   - MaxSpreadBp: block when the symbol's last seen spread exceeds this.
//   - MaxPosPerSymbol: block when |position after fill| would exceed this.
//   - CooldownMs: minimum time between position flips per symbol.
//   - MaxLatencyMs: block when the last fill round-trip exceeded this.
//   - MaxDrawdownUSD: block when intraday realized PnL is below -limit.
type GuardrailConfig struct {
	MaxSpreadBp     float64 `mapstructure:"maxSpreadBp"`
	MaxPosPerSymbol float64 `mapstructure:"maxPosPerSymbol"`
	CooldownMs      int     `mapstructure:"cooldownMs"`
	MaxLatencyMs    float64 `mapstructure:"maxLatencyMs"`
	MaxDrawdownUSD  float64 `mapstructure:"maxDrawdownUsd"`
}

// Cooldown returns CooldownMs as a duration.
func (g GuardrailConfig) Cooldown() time.Duration {
	return time.Duration(g.CooldownMs) * time.Millisecond
}

// ShadowConfig tunes the queue-aware fill simulator.
type ShadowConfig struct {
	LatencyMs int `mapstructure:"latencyMs"`
}

// Latency returns LatencyMs as a duration.
func (s ShadowConfig) Latency() time.Duration {
	return time.Duration(s.LatencyMs) * time.Millisecond
}

// AlgoConfig controls the inference-driven trading loop.
//
//   - Symbols: static allowlist used until the universe publishes one.
//   - InferenceURL: base URL of the model service.
//   - InferTimeout: per-request timeout on POST /infer.
//   - DebounceMs: minimum spacing between inference calls per symbol.
type AlgoConfig struct {
	Symbols      []string      `mapstructure:"symbols"`
	InferenceURL string        `mapstructure:"inferenceUrl"`
	InferTimeout time.Duration `mapstructure:"inferTimeout"`
	DebounceMs   int           `mapstructure:"debounceMs"`
	Policy       PolicyConfig  `mapstructure:"policy"`
}

// PolicyConfig maps model output to orders.
//
//   - BaseQty: share quantity per order.
//   - MinConfidence: skip trading below this model confidence.
//   - ForceTrade / Alternate: smoke-test mode that ignores the model and
//     emits orders (alternating sides) so the full pipeline can be
//     exercised without a trained model.
type PolicyConfig struct {
	BaseQty       float64 `mapstructure:"baseQty"`
	MinConfidence float64 `mapstructure:"minConfidence"`
	ForceTrade    bool    `mapstructure:"forceTrade"`
	Alternate     bool    `mapstructure:"alternate"`
}

// ScreenerConfig controls the intraday liquidity ranking.
type ScreenerConfig struct {
	TopN int `mapstructure:"topN"`
}

// UniverseConfig controls active-set selection and churn.
//
//   - MaxSymbols: cap on the active set size.
//   - ChurnMinutes: minimum minutes between composition changes.
//   - ModelsDir: directory scanned for *_metadata.json trained models.
//   - StateFile: JSON state shared with the screener and the dashboard.
type UniverseConfig struct {
	MaxSymbols   int    `mapstructure:"maxSymbols"`
	ChurnMinutes int    `mapstructure:"churnMinutes"`
	ModelsDir    string `mapstructure:"modelsDir"`
	StateFile    string `mapstructure:"stateFile"`
}

// ChurnInterval returns ChurnMinutes as a duration.
func (u UniverseConfig) ChurnInterval() time.Duration {
	return time.Duration(u.ChurnMinutes) * time.Minute
}

// CommandsConfig points at the file-drop command inbox.
type CommandsConfig struct {
	Dir          string        `mapstructure:"dir"`
	PollInterval time.Duration `mapstructure:"pollInterval"`
}

// BridgeConfig points at the dashboard ingest endpoints.
type BridgeConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"baseUrl"`
}

// APIConfig controls the local ops server (health, snapshot, SSE,
// metrics). SSEPath is configurable because some dashboard deployments
// proxy the stream under a different prefix.
type APIConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	SSEPath string `mapstructure:"ssePath"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("tradingEnabled", true)
	v.SetDefault("account", "")
	v.SetDefault("ingestKey", "")

	v.SetDefault("feed.host", "127.0.0.1")
	v.SetDefault("feed.port", 7497)
	v.SetDefault("feed.clientId", 42)

	v.SetDefault("blotter.symbols", []string{})
	v.SetDefault("blotter.symbolsFile", "")
	v.SetDefault("blotter.symbolPollInterval", 2*time.Second)
	v.SetDefault("blotter.featureWindow", 30)
	v.SetDefault("blotter.recordPath", "data/ticks")

	v.SetDefault("broker.journalPath", "data/fills.csv")
	v.SetDefault("broker.queueSize", 256)

	v.SetDefault("guardrails.maxSpreadBp", 50.0)
	v.SetDefault("guardrails.maxPosPerSymbol", 100.0)
	v.SetDefault("guardrails.cooldownMs", 5000)
	v.SetDefault("guardrails.maxLatencyMs", 1000.0)
	v.SetDefault("guardrails.maxDrawdownUsd", 5000.0)

	v.SetDefault("shadow.latencyMs", 60)

	v.SetDefault("algo.symbols", []string{})
	v.SetDefault("algo.inferenceUrl", "http://127.0.0.1:8000")
	v.SetDefault("algo.inferTimeout", 2*time.Second)
	v.SetDefault("algo.debounceMs", 200)
	v.SetDefault("algo.policy.baseQty", 10.0)
	v.SetDefault("algo.policy.minConfidence", 0.55)
	v.SetDefault("algo.policy.forceTrade", false)
	v.SetDefault("algo.policy.alternate", true)

	v.SetDefault("screener.topN", 10)

	v.SetDefault("universe.maxSymbols", 10)
	v.SetDefault("universe.churnMinutes", 15)
	v.SetDefault("universe.modelsDir", "ml-service/models")
	v.SetDefault("universe.stateFile", "sessions/universe-state.json")

	v.SetDefault("commands.dir", "sessions/commands")
	v.SetDefault("commands.pollInterval", time.Second)

	v.SetDefault("bridge.enabled", true)
	v.SetDefault("bridge.baseUrl", "http://127.0.0.1:3000")

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.ssePath", "/sse/ticks")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads config from the settings file with env var overrides.
// The file may be absent; defaults apply. Legacy env names kept for
// dashboard compatibility: L2_SYMBOLS_FILE, NEXT_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("L2")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				slog.Warn("settings file missing, using defaults", "path", path)
			} else {
				slog.Warn("settings file unreadable, using defaults", "path", path, "error", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// The dashboard writes the connection keys flat at the top level.
	if v.IsSet("host") {
		cfg.Feed.Host = v.GetString("host")
	}
	if v.IsSet("port") {
		cfg.Feed.Port = v.GetInt("port")
	}
	if v.IsSet("clientId") {
		cfg.Feed.ClientID = v.GetInt("clientId")
	}

	// Legacy env overrides predate the L2_* scheme.
	if f := os.Getenv("L2_SYMBOLS_FILE"); f != "" {
		cfg.Blotter.SymbolsFile = f
	}
	if u := os.Getenv("NEXT_URL"); u != "" {
		cfg.Bridge.BaseURL = u
	}

	return &cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Feed.Host == "" {
		return fmt.Errorf("feed.host is required")
	}
	if c.Feed.Port <= 0 || c.Feed.Port > 65535 {
		return fmt.Errorf("feed.port must be in 1..65535, got %d", c.Feed.Port)
	}
	if c.Blotter.FeatureWindow < 2 {
		return fmt.Errorf("blotter.featureWindow must be >= 2, got %d", c.Blotter.FeatureWindow)
	}
	if c.Blotter.SymbolPollInterval <= 0 {
		return fmt.Errorf("blotter.symbolPollInterval must be > 0")
	}
	if c.Broker.QueueSize <= 0 {
		return fmt.Errorf("broker.queueSize must be > 0, got %d", c.Broker.QueueSize)
	}
	if c.Guardrails.MaxPosPerSymbol <= 0 {
		return fmt.Errorf("guardrails.maxPosPerSymbol must be > 0")
	}
	if c.Guardrails.CooldownMs < 0 {
		return fmt.Errorf("guardrails.cooldownMs must be >= 0")
	}
	if c.Shadow.LatencyMs < 0 {
		return fmt.Errorf("shadow.latencyMs must be >= 0")
	}
	if c.Algo.InferenceURL == "" {
		return fmt.Errorf("algo.inferenceUrl is required")
	}
	if c.Algo.Policy.BaseQty <= 0 {
		return fmt.Errorf("algo.policy.baseQty must be > 0")
	}
	if c.Algo.Policy.MinConfidence < 0 || c.Algo.Policy.MinConfidence > 1 {
		return fmt.Errorf("algo.policy.minConfidence must be in [0, 1]")
	}
	if c.Screener.TopN <= 0 {
		return fmt.Errorf("screener.topN must be > 0, got %d", c.Screener.TopN)
	}
	if c.Universe.MaxSymbols <= 0 {
		return fmt.Errorf("universe.maxSymbols must be > 0, got %d", c.Universe.MaxSymbols)
	}
	if c.Universe.ChurnMinutes <= 0 {
		return fmt.Errorf("universe.churnMinutes must be > 0, got %d", c.Universe.ChurnMinutes)
	}
	if c.Universe.StateFile == "" {
		return fmt.Errorf("universe.stateFile is required")
	}
	if c.Commands.PollInterval <= 0 {
		return fmt.Errorf("commands.pollInterval must be > 0")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be in 1..65535, got %d", c.API.Port)
	}
	if !strings.HasPrefix(c.API.SSEPath, "/") {
		return fmt.Errorf("api.ssePath must start with /, got %q", c.API.SSEPath)
	}
	return nil
}
