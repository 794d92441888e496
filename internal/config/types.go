package config

import (
	"strings"
	"time"

	"tapesim/internal/ai"
)

// Config 是回放器的主配置载体。
type Config struct {
	App     AppConfig     `toml:"app"`
	Replay  ReplayConfig  `toml:"replay"`
	AI      AIConfig      `toml:"ai"`
	Ledger  LedgerConfig  `toml:"ledger"`
	Journal JournalConfig `toml:"journal"`
	Report  ReportConfig  `toml:"report"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
	LLMLog   string `toml:"llm_log_path"`
	LLMDump  bool   `toml:"llm_dump_payload"`
}

// HTTPEnabled HTTP 服务仅在显式配置了监听地址时启动。
func (a AppConfig) HTTPEnabled() bool {
	return strings.TrimSpace(a.HTTPAddr) != ""
}

// ReplayConfig 描述历史数据来源与回放推进节奏。
type ReplayConfig struct {
	DataDir         string   `toml:"data_dir"`
	Symbols         []string `toml:"symbols"`
	Frequency       string   `toml:"frequency"`
	KlineCount      int      `toml:"kline_count"`
	MaxSteps        int      `toml:"max_steps"`
	DisplayInterval int      `toml:"display_interval"`
}

// NormalizedSymbols 返回去空白、大写、去重后的交易对列表（保序）。
func (r ReplayConfig) NormalizedSymbols() []string {
	if len(r.Symbols) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(r.Symbols))
	out := make([]string, 0, len(r.Symbols))
	for _, sym := range r.Symbols {
		s := strings.ToUpper(strings.TrimSpace(sym))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// AIConfig 汇总模型链与决策 Schema 的设置。
// 所有 API 密钥只通过 api_key_env 指向环境变量，配置文件里永远不落明文。
type AIConfig struct {
	TimeoutSeconds int              `toml:"timeout_seconds"`
	MaxRetries     int              `toml:"max_retries"`
	Temperature    float64          `toml:"temperature"`
	SchemaPath     string           `toml:"schema_path"`
	SchemaWatch    bool             `toml:"schema_watch"`
	Providers      []ai.ModelConfig `toml:"providers"`
}

// CallTimeout 单次模型调用的超时时间。
func (a AIConfig) CallTimeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// CallOptions 转换为提供方链的公共调用参数。
func (a AIConfig) CallOptions() ai.CallOptions {
	return ai.CallOptions{
		Timeout:     a.CallTimeout(),
		MaxRetries:  a.MaxRetries,
		Temperature: a.Temperature,
	}
}

// LedgerConfig 控制模拟账本的初始资金与各类持久化位置。
type LedgerConfig struct {
	InitialCash  float64 `toml:"initial_cash"`
	StatePath    string  `toml:"state_path"`
	InitPath     string  `toml:"init_path"`
	TradeLogPath string  `toml:"trade_log_path"`
}

type JournalConfig struct {
	Root string `toml:"root"`
}

type ReportConfig struct {
	Enabled   bool   `toml:"enabled"`
	OutputDir string `toml:"output_dir"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
