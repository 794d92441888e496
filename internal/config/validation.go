package config

import (
	"fmt"
	"strings"

	"tapesim/internal/backtest"
	"tapesim/internal/market"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Replay.validate(); err != nil {
		return err
	}
	if err := c.AI.validate(); err != nil {
		return err
	}
	if err := c.Ledger.validate(); err != nil {
		return err
	}
	if err := c.Report.validate(c.Journal); err != nil {
		return err
	}
	return nil
}

func (r *ReplayConfig) validate() error {
	if strings.TrimSpace(r.DataDir) == "" {
		return fmt.Errorf("replay.data_dir cannot be empty")
	}
	symbols := r.NormalizedSymbols()
	if len(symbols) == 0 {
		return fmt.Errorf("replay.symbols requires at least one symbol")
	}
	for _, sym := range symbols {
		if err := market.ValidateSymbol(sym); err != nil {
			return fmt.Errorf("replay.symbols contains invalid symbol: %w", err)
		}
	}
	if _, err := backtest.ParseFrequency(r.Frequency); err != nil {
		return fmt.Errorf("replay.frequency invalid: %w", err)
	}
	if r.KlineCount < 10 || r.KlineCount > 2000 {
		return fmt.Errorf("replay.kline_count must be in [10,2000]")
	}
	if r.MaxSteps < 0 {
		return fmt.Errorf("replay.max_steps must be >= 0")
	}
	if r.DisplayInterval <= 0 {
		return fmt.Errorf("replay.display_interval must be > 0")
	}
	return nil
}

func (a *AIConfig) validate() error {
	if a.TimeoutSeconds <= 0 {
		return fmt.Errorf("ai.timeout_seconds must be > 0")
	}
	if a.MaxRetries < 0 {
		return fmt.Errorf("ai.max_retries must be >= 0")
	}
	if a.Temperature < 0 || a.Temperature > 2 {
		return fmt.Errorf("ai.temperature must be in [0,2]")
	}
	if strings.TrimSpace(a.SchemaPath) == "" {
		return fmt.Errorf("ai.schema_path cannot be empty")
	}
	enabled := 0
	for _, m := range a.Providers {
		if !m.Enabled {
			continue
		}
		enabled++
		id := strings.TrimSpace(m.ID)
		if id == "" {
			id = strings.TrimSpace(m.BaseURL)
		}
		if strings.TrimSpace(m.Model) == "" {
			return fmt.Errorf("ai.providers contains entry without model (id=%s)", id)
		}
		if strings.TrimSpace(m.BaseURL) == "" {
			return fmt.Errorf("ai.providers.%s missing base_url", id)
		}
		if strings.TrimSpace(m.APIKeyEnv) == "" {
			return fmt.Errorf("ai.providers.%s missing api_key_env (keys are read from the environment only)", id)
		}
	}
	if len(a.Providers) > 0 && enabled == 0 {
		return fmt.Errorf("ai.providers requires at least one enabled entry")
	}
	return nil
}

func (l *LedgerConfig) validate() error {
	if l.InitialCash <= 0 {
		return fmt.Errorf("ledger.initial_cash must be > 0")
	}
	return nil
}

func (r *ReportConfig) validate(j JournalConfig) error {
	if !r.Enabled {
		return nil
	}
	if strings.TrimSpace(r.OutputDir) == "" {
		return fmt.Errorf("report.output_dir cannot be empty when report.enabled")
	}
	if strings.TrimSpace(j.Root) == "" {
		return fmt.Errorf("report.enabled requires journal.root (the equity series comes from the run journal)")
	}
	return nil
}
