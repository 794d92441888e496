package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tapesim/internal/ai"
	"tapesim/internal/backtest"
	"tapesim/internal/config"
	"tapesim/internal/decision"
	"tapesim/internal/ledger"
	"tapesim/internal/logger"
	"tapesim/internal/market"
	"tapesim/internal/replay"
	"tapesim/internal/store/tradelog"

	"golang.org/x/sync/errgroup"
)

// AppBuilder 按配置装配回放所需的全部依赖。
// deciderFn 可被测试替换成脚本化决策器。
type AppBuilder struct {
	cfg *config.Config

	deciderFn func([]ai.Provider, *decision.SchemaRegistry, time.Duration) backtest.Decider
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:       cfg,
		deciderFn: buildDecisionEngine,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func buildDecisionEngine(providers []ai.Provider, schemas *decision.SchemaRegistry, timeout time.Duration) backtest.Decider {
	return ai.NewEngine(providers, schemas, timeout)
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)
	logger.EnableLLMPayloadDump(cfg.App.LLMDump)

	symbols := cfg.Replay.NormalizedSymbols()
	if len(symbols) == 0 {
		return nil, fmt.Errorf("replay.symbols 为空，没有可回放的交易对")
	}
	for _, sym := range symbols {
		if err := market.ValidateSymbol(sym); err != nil {
			return nil, fmt.Errorf("交易对校验失败: %w", err)
		}
	}
	freq, err := backtest.ParseFrequency(cfg.Replay.Frequency)
	if err != nil {
		return nil, err
	}

	cursor := replay.NewCursor(cfg.Replay.DataDir)
	var loadGroup errgroup.Group
	for _, sym := range symbols {
		loadGroup.Go(func() error {
			if err := cursor.Load(sym); err != nil {
				return fmt.Errorf("加载 %s 历史数据失败: %w", sym, err)
			}
			logger.Infof("✓ %s 历史数据就绪（%d 根K线）", sym, cursor.Len(sym))
			return nil
		})
	}
	if err := loadGroup.Wait(); err != nil {
		return nil, err
	}

	led, ledgerSource, err := bootstrapLedger(cfg.Ledger)
	if err != nil {
		return nil, err
	}
	acct := led.Snapshot()
	logger.Infof("✓ 账本就绪（%s），可用资金 %.2f", ledgerSource, acct.AvailableCash)

	schemas, err := decision.NewSchemaRegistry(cfg.AI.SchemaPath, cfg.AI.SchemaWatch)
	if err != nil {
		return nil, fmt.Errorf("加载决策 schema 失败: %w", err)
	}

	providers := ai.BuildProviders(cfg.AI.Providers, cfg.AI.CallOptions())
	if len(providers) == 0 {
		logger.Warnf("没有可用的模型提供方（检查 api_key_env 指向的环境变量），所有决策将按 hold 处理")
	}
	providerIDs := make([]string, 0, len(providers))
	for _, p := range providers {
		providerIDs = append(providerIDs, p.ID())
	}
	decider := b.deciderFn(providers, schemas, cfg.AI.CallTimeout())

	var journal *backtest.RunJournal
	if root := strings.TrimSpace(cfg.Journal.Root); root != "" {
		journal, err = backtest.NewRunJournal(root)
		if err != nil {
			return nil, fmt.Errorf("初始化运行日志失败: %w", err)
		}
	} else {
		logger.Warnf("journal.root 为空，运行日志已禁用")
	}

	var trades *tradelog.Store
	if path := strings.TrimSpace(cfg.Ledger.TradeLogPath); path != "" {
		trades, err = tradelog.New(path)
		if err != nil {
			return nil, fmt.Errorf("初始化交易流水失败: %w", err)
		}
	}

	var reporter *backtest.Reporter
	if cfg.Report.Enabled {
		if journal == nil {
			logger.Warnf("权益报告依赖运行日志，已跳过渲染")
		} else {
			reporter = backtest.NewReporter(journal, cfg.Report.OutputDir)
		}
	}

	orch := backtest.NewOrchestrator(backtest.OrchestratorConfig{
		Frequency:       freq.Key,
		KlineCount:      cfg.Replay.KlineCount,
		MaxSteps:        cfg.Replay.MaxSteps,
		DisplayInterval: cfg.Replay.DisplayInterval,
		StatePath:       strings.TrimSpace(cfg.Ledger.StatePath),
		DataDir:         cfg.Replay.DataDir,
	}, cursor, led, decider, journal, trades, reporter)

	var httpSrv *backtest.HTTPServer
	if cfg.App.HTTPEnabled() {
		httpSrv, err = backtest.NewHTTPServer(backtest.HTTPConfig{
			Addr:         cfg.App.HTTPAddr,
			Orchestrator: orch,
			Ledger:       led,
			Journal:      journal,
			Trades:       trades,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化 HTTP 服务失败: %w", err)
		}
	}

	return &App{
		cfg:     cfg,
		orch:    orch,
		httpSrv: httpSrv,
		journal: journal,
		trades:  trades,
		Summary: &StartupSummary{
			RunID:         orch.RunID(),
			Symbols:       symbols,
			Frequency:     freq.Key,
			KlineCount:    cfg.Replay.KlineCount,
			MaxSteps:      cfg.Replay.MaxSteps,
			DataDir:       cfg.Replay.DataDir,
			LedgerSource:  ledgerSource,
			InitialCash:   acct.InitialCash,
			AvailableCash: acct.AvailableCash,
			OpenPositions: len(acct.Positions),
			Providers:     providerIDs,
			SchemaPath:    cfg.AI.SchemaPath,
			SchemaWatch:   cfg.AI.SchemaWatch,
			JournalRoot:   strings.TrimSpace(cfg.Journal.Root),
			TradeLogPath:  strings.TrimSpace(cfg.Ledger.TradeLogPath),
			ReportDir:     reportDirOrEmpty(cfg.Report, reporter),
			HTTPAddr:      strings.TrimSpace(cfg.App.HTTPAddr),
		},
	}, nil
}

func reportDirOrEmpty(cfg config.ReportConfig, reporter *backtest.Reporter) string {
	if reporter == nil {
		return ""
	}
	return cfg.OutputDir
}

// bootstrapLedger 按 状态文件 → 初始配置 → 全新账本 的顺序恢复账本。
// 状态文件损坏时中止启动，绝不悄悄丢弃历史。
func bootstrapLedger(cfg config.LedgerConfig) (*ledger.Ledger, string, error) {
	if path := strings.TrimSpace(cfg.StatePath); path != "" {
		led, err := ledger.Load(path)
		if err == nil {
			return led, fmt.Sprintf("状态文件 %s", path), nil
		}
		if !errors.Is(err, ledger.ErrStateNotFound) {
			return nil, "", fmt.Errorf("恢复账本状态失败: %w", err)
		}
	}
	if path := strings.TrimSpace(cfg.InitPath); path != "" {
		led, err := ledger.Load(path)
		if err == nil {
			return led, fmt.Sprintf("初始配置 %s", path), nil
		}
		if !errors.Is(err, ledger.ErrStateNotFound) {
			return nil, "", fmt.Errorf("读取账本初始配置失败: %w", err)
		}
	}
	return ledger.New(cfg.InitialCash), "全新账本", nil
}

// WithDecider 替换默认的模型决策引擎（测试用）。
func WithDecider(fn func([]ai.Provider, *decision.SchemaRegistry, time.Duration) backtest.Decider) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.deciderFn = fn
		}
	}
}
