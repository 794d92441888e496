package backtest

import "time"

const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusFailed  = "failed"
)

// RunConfig 记录本次回放的参数快照，便于复盘。
type RunConfig struct {
	Symbols         []string `json:"symbols"`
	Frequency       string   `json:"frequency"`
	KlineCount      int      `json:"kline_count"`
	MaxSteps        int      `json:"max_steps"`
	DisplayInterval int      `json:"display_interval"`
	InitialCash     float64  `json:"initial_cash"`
	DataDir         string   `json:"data_dir"`
	StatePath       string   `json:"state_path"`
	Notes           string   `json:"notes,omitempty"`
}

// RunStats 汇总一次回放的执行计数与收益指标。
type RunStats struct {
	Steps       int `json:"steps"`
	Decisions   int `json:"decisions"`
	Applied     int `json:"applied"`
	Holds       int `json:"holds"`
	Errors      int `json:"errors"`
	Dropped     int `json:"dropped"`
	LedgerSaves int `json:"ledger_saves"`

	FinalEquity   float64   `json:"final_equity"`
	AvailableCash float64   `json:"available_cash"`
	RealizedPnL   float64   `json:"realized_pnl"`
	ReturnPct     float64   `json:"return_pct"`
	FinishedAt    time.Time `json:"finished_at"`
}

// Run 表示一次回放任务。
type Run struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	Symbols     string    `json:"symbols"`
	Frequency   string    `json:"frequency"`
	InitialCash float64   `json:"initial_cash"`
	FinalEquity float64   `json:"final_equity"`
	ReturnPct   float64   `json:"return_pct"`
	Steps       int       `json:"steps"`
	Message     string    `json:"message"`
	Config      RunConfig `json:"config"`
	Stats       RunStats  `json:"stats"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// StepRecord 每一步的权益曲线点。
type StepRecord struct {
	RunID      string  `json:"run_id"`
	Step       int     `json:"step"`
	TS         int64   `json:"ts"`
	Equity     float64 `json:"equity"`
	Cash       float64 `json:"cash"`
	Realized   float64 `json:"realized"`
	Unrealized float64 `json:"unrealized"`
	Positions  int     `json:"positions"`
	Changed    bool    `json:"changed"`
}

// DecisionRecord 记录一次决策调用的完整材料。
type DecisionRecord struct {
	ID           int64     `json:"id"`
	RunID        string    `json:"run_id"`
	Step         int       `json:"step"`
	Symbol       string    `json:"symbol"`
	ProviderID   string    `json:"provider_id"`
	SystemPrompt string    `json:"system_prompt"`
	UserPrompt   string    `json:"user_prompt"`
	RawOutput    string    `json:"raw_output"`
	DecisionJSON string    `json:"decision_json"`
	Error        string    `json:"error"`
	LatencyMS    int64     `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// EquityPoint 报表用的权益曲线点。
type EquityPoint struct {
	Step   int     `json:"step"`
	TS     int64   `json:"ts"`
	Equity float64 `json:"equity"`
	Cash   float64 `json:"cash"`
}
