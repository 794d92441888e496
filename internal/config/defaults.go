package config

import (
	"strings"

	"tapesim/internal/ai"
)

// 默认值常量
const (
	defaultAppEnv        = "dev"
	defaultAppLogLevel   = "info"
	defaultAppLogPath    = "data/logs/tapesim.log"
	defaultAppLLMLogPath = "data/logs/tapesim-llm.log"

	defaultReplayDataDir = "historical_data"
	defaultReplayFreq    = "3m"
	defaultReplayKlines  = 100
	defaultReplayDisplay = 10

	defaultAITimeoutSeconds = 120
	defaultAIMaxRetries     = 2
	defaultAITemperature    = 0.5
	defaultAISchemaPath     = "configs/decision_schema.yaml"

	defaultLedgerInitialCash = 10000
	defaultLedgerStatePath   = "data/backtest_portfolio.json"
	defaultLedgerInitPath    = "data/portfolio_init.json"
	defaultLedgerTradeLog    = "data/db/trades.db"

	defaultJournalRoot = "data/journal"
	defaultReportDir   = "data/reports"
)

var defaultReplaySymbols = []string{"BTC", "ETH", "SOL"}

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Replay.applyDefaults(keys)
	c.AI.applyDefaults(keys)
	c.Ledger.applyDefaults(keys)
	c.Journal.applyDefaults(keys)
	c.Report.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	// http_addr 不补默认值：留空即不启动 HTTP 服务。
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		stringFieldDefault("app.llm_log_path", &a.LLMLog, defaultAppLLMLogPath),
	)
}

func (r *ReplayConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	if len(r.Symbols) == 0 && !keys.isSet("replay.symbols") {
		r.Symbols = append([]string(nil), defaultReplaySymbols...)
	}
	applyFieldDefaults(keys,
		stringFieldDefault("replay.data_dir", &r.DataDir, defaultReplayDataDir),
		stringFieldDefault("replay.frequency", &r.Frequency, defaultReplayFreq),
		fieldDefault{
			key:   "replay.kline_count",
			need:  func() bool { return r.KlineCount <= 0 },
			apply: func() { r.KlineCount = defaultReplayKlines },
		},
		fieldDefault{
			key:   "replay.display_interval",
			need:  func() bool { return r.DisplayInterval <= 0 },
			apply: func() { r.DisplayInterval = defaultReplayDisplay },
		},
	)
}

func (a *AIConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("ai.schema_path", &a.SchemaPath, defaultAISchemaPath),
		boolFieldDefault("ai.schema_watch", &a.SchemaWatch, true),
		fieldDefault{
			key:   "ai.timeout_seconds",
			need:  func() bool { return a.TimeoutSeconds <= 0 },
			apply: func() { a.TimeoutSeconds = defaultAITimeoutSeconds },
		},
		fieldDefault{
			key:   "ai.max_retries",
			need:  func() bool { return a.MaxRetries == 0 },
			apply: func() { a.MaxRetries = defaultAIMaxRetries },
		},
		fieldDefault{
			key:   "ai.temperature",
			need:  func() bool { return a.Temperature == 0 },
			apply: func() { a.Temperature = defaultAITemperature },
		},
	)
	if len(a.Providers) == 0 && !keys.isSet("ai.providers") {
		a.Providers = ai.DefaultModelConfigs()
	}
}

func (l *LedgerConfig) applyDefaults(keys keySet) {
	if l == nil {
		return
	}
	// state_path / trade_log_path 显式置空表示关闭对应的持久化。
	applyFieldDefaults(keys,
		stringFieldDefault("ledger.state_path", &l.StatePath, defaultLedgerStatePath),
		stringFieldDefault("ledger.init_path", &l.InitPath, defaultLedgerInitPath),
		stringFieldDefault("ledger.trade_log_path", &l.TradeLogPath, defaultLedgerTradeLog),
		fieldDefault{
			key:   "ledger.initial_cash",
			need:  func() bool { return l.InitialCash <= 0 },
			apply: func() { l.InitialCash = defaultLedgerInitialCash },
		},
	)
}

func (j *JournalConfig) applyDefaults(keys keySet) {
	if j == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("journal.root", &j.Root, defaultJournalRoot),
	)
}

func (r *ReportConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("report.enabled", &r.Enabled, true),
		stringFieldDefault("report.output_dir", &r.OutputDir, defaultReportDir),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
