package backtest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tapesim/internal/ai"
	"tapesim/internal/decision"
	"tapesim/internal/indicator"
	"tapesim/internal/ledger"
	"tapesim/internal/replay"
	"tapesim/internal/store/tradelog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSeries(t *testing.T, dir, symbol string, bars int, base float64) {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("timestamp,open,high,low,close,volume\n")
	for i := 0; i < bars; i++ {
		price := base + float64(i)
		fmt.Fprintf(&sb, "%d,%.2f,%.2f,%.2f,%.2f,%.2f\n",
			1700000000+int64(i)*60, price, price+1, price-1, price, 10.0)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, symbol+"_historical.csv"), []byte(sb.String()), 0o644))
}

type orchFixture struct {
	cursor    *replay.Cursor
	ledger    *ledger.Ledger
	journal   *RunJournal
	trades    *tradelog.Store
	statePath string
}

func newOrchFixture(t *testing.T, series map[string]int) orchFixture {
	t.Helper()
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	require.NoError(t, os.MkdirAll(dataDir, 0o755))
	base := 100.0
	for sym, bars := range series {
		writeSeries(t, dataDir, sym, bars, base)
		base += 1000
	}
	cursor := replay.NewCursor(dataDir)
	for sym := range series {
		require.NoError(t, cursor.Load(sym))
	}
	journal, err := NewRunJournal(filepath.Join(dir, "journal"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })
	trades, err := tradelog.New(filepath.Join(dir, "trades", "trades.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = trades.Close() })
	return orchFixture{
		cursor:    cursor,
		ledger:    ledger.New(10000),
		journal:   journal,
		trades:    trades,
		statePath: filepath.Join(dir, "state", "portfolio.json"),
	}
}

func (f orchFixture) orchestrator(cfg OrchestratorConfig, d Decider) *Orchestrator {
	if cfg.Frequency == "" {
		cfg.Frequency = "1m"
	}
	if cfg.StatePath == "" {
		cfg.StatePath = f.statePath
	}
	return NewOrchestrator(cfg, f.cursor, f.ledger, d, f.journal, f.trades, nil)
}

// scriptDecider 按调用序号出脚本化决策。
type scriptDecider struct {
	calls  int
	script func(call int, snap indicator.Snapshot) (ai.Result, error)
}

func (s *scriptDecider) Decide(_ context.Context, snap indicator.Snapshot, _ ledger.AccountSnapshot) (ai.Result, error) {
	s.calls++
	return s.script(s.calls, snap)
}

func holdResult(snap indicator.Snapshot) ai.Result {
	return ai.Result{
		Decision:   decision.Decision{Symbol: snap.Symbol, Signal: decision.SignalHold},
		ProviderID: "stub",
	}
}

func holdDecider() *scriptDecider {
	return &scriptDecider{script: func(_ int, snap indicator.Snapshot) (ai.Result, error) {
		return holdResult(snap), nil
	}}
}

func TestRunDrainsOnExhaustion(t *testing.T) {
	f := newOrchFixture(t, map[string]int{"BTC": 5})
	o := f.orchestrator(OrchestratorConfig{RunID: "run-exhaust"}, holdDecider())

	require.NoError(t, o.Run(context.Background()))

	stats := o.Stats()
	assert.Equal(t, 5, stats.Steps)
	assert.Equal(t, 5, stats.Decisions)
	assert.Equal(t, 5, stats.Holds)
	assert.Equal(t, 0, stats.Applied)
	assert.Equal(t, 0, stats.Errors)
	assert.Equal(t, 1, stats.LedgerSaves, "全程 hold 只有终态保存一次")
	assert.InDelta(t, 10000, stats.FinalEquity, 1e-9)

	status := o.Status()
	assert.Equal(t, "stopped", status.State)
	assert.Contains(t, status.Note, "回放完毕")

	run, err := f.journal.GetRun(context.Background(), "run-exhaust")
	require.NoError(t, err)
	assert.Equal(t, RunStatusDone, run.Status)
	assert.Equal(t, 5, run.Stats.Steps)
	assert.False(t, run.CompletedAt.IsZero())

	steps, err := f.journal.ListSteps(context.Background(), "run-exhaust", 0)
	require.NoError(t, err)
	assert.Len(t, steps, 5)
}

func TestRunRespectsMaxSteps(t *testing.T) {
	f := newOrchFixture(t, map[string]int{"BTC": 10})
	o := f.orchestrator(OrchestratorConfig{RunID: "run-max", MaxSteps: 3}, holdDecider())

	require.NoError(t, o.Run(context.Background()))

	assert.Equal(t, 3, o.Stats().Steps)
	assert.Equal(t, 3, f.cursor.Position("BTC"), "触发上限的那一步也要推进游标")
	assert.Contains(t, o.Status().Note, "最大步数")
}

func TestDecisionFailureIsImplicitHold(t *testing.T) {
	f := newOrchFixture(t, map[string]int{"BTC": 4})
	d := &scriptDecider{script: func(int, indicator.Snapshot) (ai.Result, error) {
		return ai.Result{}, fmt.Errorf("provider 故障")
	}}
	o := f.orchestrator(OrchestratorConfig{RunID: "run-fail"}, d)

	require.NoError(t, o.Run(context.Background()))

	stats := o.Stats()
	assert.Equal(t, 4, stats.Steps, "决策失败从不中断回放")
	assert.Equal(t, 4, stats.Errors)
	assert.Equal(t, 0, stats.Decisions)
	assert.Equal(t, 0, stats.Applied)
	assert.InDelta(t, 10000, f.ledger.Snapshot().TotalAsset, 1e-9, "隐式 hold 不动账本")

	logs, err := f.journal.ListDecisions(context.Background(), "run-fail", 0)
	require.NoError(t, err)
	require.Len(t, logs, 4)
	for _, rec := range logs {
		assert.Contains(t, rec.Error, "provider 故障")
		assert.Equal(t, "BTC", rec.Symbol)
	}
}

func TestBuyHoldCloseFlow(t *testing.T) {
	f := newOrchFixture(t, map[string]int{"BTC": 4})
	d := &scriptDecider{script: func(call int, snap indicator.Snapshot) (ai.Result, error) {
		switch call {
		case 1:
			return ai.Result{
				ProviderID: "stub",
				Decision: decision.Decision{
					Symbol:   snap.Symbol,
					Signal:   decision.SignalBuy,
					Quantity: 1,
					Leverage: 2,
				},
			}, nil
		case 3:
			return ai.Result{
				ProviderID: "stub",
				Decision:   decision.Decision{Symbol: snap.Symbol, Signal: decision.SignalClose},
			}, nil
		default:
			return holdResult(snap), nil
		}
	}}
	o := f.orchestrator(OrchestratorConfig{RunID: "run-flow"}, d)

	require.NoError(t, o.Run(context.Background()))

	stats := o.Stats()
	assert.Equal(t, 4, stats.Steps)
	assert.Equal(t, 4, stats.Decisions)
	assert.Equal(t, 2, stats.Applied)
	assert.Equal(t, 2, stats.Holds)
	assert.Equal(t, 3, stats.LedgerSaves, "开仓、平仓两次步内保存加一次终态保存")

	// 收盘价 100/101/102/103：入场 100，第 3 步 102 平仓，
	// 杠杆 2 实现盈亏 (102-100)*1*2=4，保证金 50 退回现金。
	acct := f.ledger.Snapshot()
	assert.InDelta(t, 10000, acct.AvailableCash, 1e-9)
	assert.InDelta(t, 4, acct.RealizedPnL, 1e-9)
	assert.Empty(t, acct.Positions)

	t.Run("journal equity curve", func(t *testing.T) {
		steps, err := f.journal.ListSteps(context.Background(), "run-flow", 0)
		require.NoError(t, err)
		require.Len(t, steps, 4)
		assert.InDelta(t, 10050, steps[0].Equity, 1e-9, "开仓后 9950 现金 + 100 名义")
		assert.InDelta(t, 10051, steps[1].Equity, 1e-9)
		assert.InDelta(t, 10000, steps[2].Equity, 1e-9)
		assert.True(t, steps[0].Changed)
		assert.False(t, steps[1].Changed)
		assert.True(t, steps[2].Changed)
		assert.Equal(t, 1, steps[0].Positions)
		assert.Equal(t, 0, steps[2].Positions)
	})

	t.Run("trade operations", func(t *testing.T) {
		ops, err := f.trades.ListOperations(context.Background(), "BTC", 10)
		require.NoError(t, err)
		require.Len(t, ops, 2)
		assert.Equal(t, tradelog.OpClose, ops[0].Operation)
		assert.Equal(t, tradelog.OpOpen, ops[1].Operation)
		assert.Equal(t, "long", ops[1].Details["side"])
		assert.InDelta(t, 100, ops[1].Details["entry_price"].(float64), 1e-9)
	})

	t.Run("closed trade", func(t *testing.T) {
		trades, err := f.trades.ListClosedTrades(context.Background(), "BTC", 10)
		require.NoError(t, err)
		require.Len(t, trades, 1)
		ct := trades[0]
		assert.Equal(t, "long", ct.Side)
		assert.InDelta(t, 100, ct.EntryPrice, 1e-9)
		assert.InDelta(t, 102, ct.ExitPrice, 1e-9)
		assert.InDelta(t, 4, ct.RealizedPnL, 1e-9)
		assert.InDelta(t, 50, ct.Margin, 1e-9)
		assert.Equal(t, 3, ct.ClosedStep)
		assert.Equal(t, int64(1700000120), ct.ClosedAt.Unix(), "平仓时间取K线时间")
	})
}

func TestInsufficientFundsDropsWholeDecision(t *testing.T) {
	f := newOrchFixture(t, map[string]int{"BTC": 3})
	d := &scriptDecider{script: func(_ int, snap indicator.Snapshot) (ai.Result, error) {
		return ai.Result{
			ProviderID: "stub",
			Decision: decision.Decision{
				Symbol:   snap.Symbol,
				Signal:   decision.SignalBuy,
				Quantity: 1000,
				Leverage: 1,
			},
		}, nil
	}}
	o := f.orchestrator(OrchestratorConfig{RunID: "run-drop"}, d)

	require.NoError(t, o.Run(context.Background()))

	stats := o.Stats()
	assert.Equal(t, 3, stats.Steps)
	assert.Equal(t, 3, stats.Dropped)
	assert.Equal(t, 0, stats.Applied)
	assert.Equal(t, 1, stats.LedgerSaves)
	assert.InDelta(t, 10000, f.ledger.Snapshot().AvailableCash, 1e-9, "整条丢弃，现金不动")

	ops, err := f.trades.ListOperations(context.Background(), "BTC", 10)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	for _, op := range ops {
		assert.Equal(t, tradelog.OpReject, op.Operation)
		assert.Contains(t, op.Details["reason"], "可用资金不足")
	}
}

func TestCanceledContextDrainsBeforeFirstStep(t *testing.T) {
	f := newOrchFixture(t, map[string]int{"BTC": 5})
	o := f.orchestrator(OrchestratorConfig{RunID: "run-cancel"}, holdDecider())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, o.Run(ctx), "协作式停止不是错误")

	stats := o.Stats()
	assert.Equal(t, 0, stats.Steps)
	assert.Equal(t, 1, stats.LedgerSaves, "停止信号下终态保存照常发生")
	assert.Equal(t, "stopped", o.Status().State)
	assert.Contains(t, o.Status().Note, "停止信号")

	run, err := f.journal.GetRun(context.Background(), "run-cancel")
	require.NoError(t, err)
	assert.Equal(t, RunStatusDone, run.Status)
}

func TestMidRunCancelFinishesCurrentStep(t *testing.T) {
	f := newOrchFixture(t, map[string]int{"BTC": 8})
	ctx, cancel := context.WithCancel(context.Background())
	d := &scriptDecider{script: func(call int, snap indicator.Snapshot) (ai.Result, error) {
		if call == 2 {
			cancel()
		}
		return holdResult(snap), nil
	}}
	o := f.orchestrator(OrchestratorConfig{RunID: "run-midcancel"}, d)

	require.NoError(t, o.Run(ctx))

	assert.Equal(t, 2, o.Stats().Steps, "取消只在步与步之间生效，第 2 步要完整跑完")
	steps, err := f.journal.ListSteps(context.Background(), "run-midcancel", 0)
	require.NoError(t, err)
	assert.Len(t, steps, 2)
}

func TestZeroSnapshotsDrainsWithBookkeeping(t *testing.T) {
	f := newOrchFixture(t, map[string]int{"BTC": 3})
	f.cursor.Advance("BTC", 99)
	o := f.orchestrator(OrchestratorConfig{RunID: "run-empty"}, holdDecider())

	require.NoError(t, o.Run(context.Background()))

	stats := o.Stats()
	assert.Equal(t, 1, stats.Steps, "触发排空的那一步也要记账")
	assert.Equal(t, 0, stats.Decisions)
	assert.Contains(t, o.Status().Note, "没有任何可用快照")

	steps, err := f.journal.ListSteps(context.Background(), "run-empty", 0)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.InDelta(t, 10000, steps[0].Equity, 1e-9)
}

func TestTerminalSaveHappensEvenWhenLastStepChanged(t *testing.T) {
	f := newOrchFixture(t, map[string]int{"BTC": 2})
	d := &scriptDecider{script: func(call int, snap indicator.Snapshot) (ai.Result, error) {
		if call == 2 {
			return ai.Result{
				ProviderID: "stub",
				Decision: decision.Decision{
					Symbol:   snap.Symbol,
					Signal:   decision.SignalBuy,
					Quantity: 1,
					Leverage: 2,
				},
			}, nil
		}
		return holdResult(snap), nil
	}}
	o := f.orchestrator(OrchestratorConfig{RunID: "run-lastchange"}, d)

	require.NoError(t, o.Run(context.Background()))

	assert.Equal(t, 2, o.Stats().LedgerSaves, "最后一步的步内保存之外仍有一次终态保存")

	restored, err := ledger.Load(f.statePath)
	require.NoError(t, err)
	snap := restored.Snapshot()
	require.Len(t, snap.Positions, 1)
	assert.Equal(t, "BTC", snap.Positions[0].Symbol)
}

func TestMultiSymbolDrainsOnShortestSeries(t *testing.T) {
	f := newOrchFixture(t, map[string]int{"BTC": 5, "ETH": 3})
	o := f.orchestrator(OrchestratorConfig{RunID: "run-multi"}, holdDecider())

	require.NoError(t, o.Run(context.Background()))

	stats := o.Stats()
	assert.Equal(t, 3, stats.Steps, "最短序列耗尽即排空")
	assert.Equal(t, 6, stats.Decisions, "每步两个标的各一次决策")
	assert.Contains(t, o.Status().Note, "ETH")
}

func TestRunCannotStartTwice(t *testing.T) {
	f := newOrchFixture(t, map[string]int{"BTC": 2})
	o := f.orchestrator(OrchestratorConfig{RunID: "run-twice"}, holdDecider())

	require.NoError(t, o.Run(context.Background()))
	err := o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "已经启动过")
}

func TestStatusBeforeAndAfterRun(t *testing.T) {
	f := newOrchFixture(t, map[string]int{"BTC": 2})
	o := f.orchestrator(OrchestratorConfig{RunID: "run-status", Frequency: "3m"}, holdDecider())

	before := o.Status()
	assert.Equal(t, "idle", before.State)
	assert.Equal(t, 0, before.Step)

	require.NoError(t, o.Run(context.Background()))

	after := o.Status()
	assert.Equal(t, "stopped", after.State)
	assert.Equal(t, "run-status", after.RunID)
	assert.Equal(t, "3m", after.Frequency)
	assert.Equal(t, []string{"BTC"}, after.Symbols)
	assert.InDelta(t, 10000, after.Account.TotalAsset, 1e-9)
	assert.False(t, after.StartedAt.IsZero())
}
