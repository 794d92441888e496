// Package backtest 驱动历史行情回放：单协程主循环按步推进游标、
// 构建指标快照、同步请求模型决策并把结果作用到账本，
// 每一步的权益与决策材料都写入 RunJournal，持仓变动写入交易流水。
package backtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tapesim/internal/ai"
	"tapesim/internal/decision"
	"tapesim/internal/indicator"
	"tapesim/internal/ledger"
	"tapesim/internal/logger"
	"tapesim/internal/market"
	"tapesim/internal/replay"
	"tapesim/internal/store/tradelog"

	"github.com/google/uuid"
)

// State 是回放主循环的运行状态。
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Decider 是决策入口，ai.Engine 实现它；测试里用桩替换。
type Decider interface {
	Decide(ctx context.Context, snap indicator.Snapshot, acct ledger.AccountSnapshot) (ai.Result, error)
}

// Status 提供给 HTTP 查询的实时状态。
type Status struct {
	RunID     string                 `json:"run_id"`
	State     string                 `json:"state"`
	Step      int                    `json:"step"`
	Symbols   []string               `json:"symbols"`
	Frequency string                 `json:"frequency"`
	Note      string                 `json:"note,omitempty"`
	StartedAt time.Time              `json:"started_at"`
	Account   ledger.AccountSnapshot `json:"account"`
}

// OrchestratorConfig 汇集主循环需要的参数。
type OrchestratorConfig struct {
	RunID           string
	Frequency       string
	KlineCount      int
	MaxSteps        int
	DisplayInterval int
	StatePath       string
	DataDir         string
}

// Orchestrator 是唯一的账本写入方。状态机 Running → Draining → Stopped：
// 收到停止信号、任一标的序列耗尽、或整步拿不到快照都会进入 Draining；
// 触发排空的那一步仍会完成记账。进入 Stopped 时账本做一次终态保存
// （无论最后一步有没有变化）、run 记录收尾、权益报告渲染。
type Orchestrator struct {
	cfg      OrchestratorConfig
	cursor   *replay.Cursor
	ledger   *ledger.Ledger
	decider  Decider
	journal  *RunJournal
	trades   *tradelog.Store
	reporter *Reporter

	mu        sync.RWMutex
	state     State
	step      int
	drainNote string
	startedAt time.Time
	symbols   []string
	stats     RunStats
}

func NewOrchestrator(cfg OrchestratorConfig, cursor *replay.Cursor, led *ledger.Ledger, decider Decider, journal *RunJournal, trades *tradelog.Store, reporter *Reporter) *Orchestrator {
	if strings.TrimSpace(cfg.RunID) == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.KlineCount <= 0 {
		cfg.KlineCount = 100
	}
	if cfg.DisplayInterval <= 0 {
		cfg.DisplayInterval = 10
	}
	return &Orchestrator{
		cfg:      cfg,
		cursor:   cursor,
		ledger:   led,
		decider:  decider,
		journal:  journal,
		trades:   trades,
		reporter: reporter,
	}
}

func (o *Orchestrator) RunID() string { return o.cfg.RunID }

func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) Stats() RunStats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.stats
}

func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return Status{
		RunID:     o.cfg.RunID,
		State:     o.state.String(),
		Step:      o.step,
		Symbols:   append([]string(nil), o.symbols...),
		Frequency: o.cfg.Frequency,
		Note:      o.drainNote,
		StartedAt: o.startedAt,
		Account:   o.ledger.Snapshot(),
	}
}

// Run 执行回放直到排空。协作式停止只在步与步之间生效，
// 进行中的一步总是完整跑完；正常结束与收到停止信号都返回 nil。
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return fmt.Errorf("回放已经启动过（当前状态 %s）", o.state)
	}
	o.state = StateRunning
	o.startedAt = time.Now()
	o.symbols = o.cursor.Symbols()
	symbols := append([]string(nil), o.symbols...)
	o.mu.Unlock()

	acct := o.ledger.Snapshot()
	if o.journal != nil {
		run := Run{
			ID:          o.cfg.RunID,
			Status:      RunStatusRunning,
			Symbols:     strings.Join(symbols, ","),
			Frequency:   o.cfg.Frequency,
			InitialCash: acct.InitialCash,
			Config: RunConfig{
				Symbols:         symbols,
				Frequency:       o.cfg.Frequency,
				KlineCount:      o.cfg.KlineCount,
				MaxSteps:        o.cfg.MaxSteps,
				DisplayInterval: o.cfg.DisplayInterval,
				InitialCash:     acct.InitialCash,
				DataDir:         o.cfg.DataDir,
				StatePath:       o.cfg.StatePath,
			},
		}
		if err := o.journal.InsertRun(ctx, run); err != nil {
			logger.Warnf("[replay] 写入 run 记录失败: %v", err)
		}
	}
	logger.Infof("[replay] run %s 启动：标的=%s 周期=%s K线窗口=%d 初始资金=%.2f",
		o.cfg.RunID, strings.Join(symbols, ","), o.cfg.Frequency, o.cfg.KlineCount, acct.InitialCash)

	for o.State() == StateRunning {
		if ctx.Err() != nil {
			o.drain("收到停止信号")
			break
		}
		o.runStep(ctx)
	}
	o.finish()
	return nil
}

type stepItem struct {
	symbol string
	bar    market.Candle
	snap   indicator.Snapshot
}

func (o *Orchestrator) runStep(ctx context.Context) {
	o.mu.Lock()
	o.step++
	step := o.step
	symbols := append([]string(nil), o.symbols...)
	o.mu.Unlock()

	var drainNote string

	// 1-2: 取当前K线、标记价格、构建快照。单个标的失败只影响自己。
	var items []stepItem
	var stepTS int64
	for _, sym := range symbols {
		bar, ok := o.cursor.Current(sym)
		if !ok {
			logger.Warnf("[replay] step %d: %s 没有当前K线，本步跳过", step, sym)
			continue
		}
		if bar.Timestamp > stepTS {
			stepTS = bar.Timestamp
		}
		o.ledger.MarkPrice(sym, bar.Close)
		snap, err := indicator.Build(sym, o.cursor.Window(sym, o.cfg.KlineCount), o.cfg.Frequency)
		if err != nil {
			logger.Warnf("[replay] step %d: 构建 %s 快照失败: %v", step, sym, err)
			continue
		}
		items = append(items, stepItem{symbol: sym, bar: bar, snap: snap})
	}

	// 3: 整步一个快照都没有，排空。
	if len(items) == 0 {
		drainNote = "本步没有任何可用快照"
	}

	// 4-5: 逐标的决策并应用。
	var tally RunStats
	changed := false
	for _, it := range items {
		if o.decideAndApply(ctx, step, it, &tally) {
			changed = true
		}
	}
	if changed {
		o.persistLedger()
	}

	// 6: 记账。触发排空的一步也要走到这里。
	o.journalStep(step, stepTS, changed)
	o.mu.Lock()
	o.stats.Steps++
	o.stats.Decisions += tally.Decisions
	o.stats.Holds += tally.Holds
	o.stats.Errors += tally.Errors
	o.stats.Applied += tally.Applied
	o.stats.Dropped += tally.Dropped
	o.mu.Unlock()
	if step%o.cfg.DisplayInterval == 0 {
		acct := o.ledger.Snapshot()
		logger.Infof("[replay] step %d：总资产=%.2f 可用=%.2f 已实现=%.2f 持仓=%d",
			step, acct.TotalAsset, acct.AvailableCash, acct.RealizedPnL, len(acct.Positions))
	}

	// 7: 推进所有标的，任一耗尽即排空。
	if drainNote == "" {
		for _, sym := range symbols {
			if !o.cursor.Advance(sym, 1) {
				drainNote = fmt.Sprintf("%s 历史数据已回放完毕", sym)
			}
		}
	}

	// 8: 步数上限。
	if drainNote == "" && o.cfg.MaxSteps > 0 && step >= o.cfg.MaxSteps {
		drainNote = fmt.Sprintf("已达到最大步数 %d", o.cfg.MaxSteps)
	}

	if drainNote != "" {
		o.drain(drainNote)
	}
}

// decideAndApply 为单个标的请求决策并作用到账本，返回账本是否变化。
// 决策失败按隐式 hold 处理；资金不足整条丢弃。两者都只记录，从不中断回放。
func (o *Orchestrator) decideAndApply(ctx context.Context, step int, it stepItem, tally *RunStats) bool {
	beforeAcct := o.ledger.Snapshot()
	rec := DecisionRecord{RunID: o.cfg.RunID, Step: step, Symbol: it.symbol}

	res, err := o.decider.Decide(ctx, it.snap, beforeAcct)
	if err != nil {
		tally.Errors++
		rec.Error = err.Error()
		logger.Warnf("[replay] step %d %s 决策失败，按 hold 处理: %v", step, it.symbol, err)
		o.appendDecision(rec)
		return false
	}
	tally.Decisions++
	rec.ProviderID = res.ProviderID
	rec.SystemPrompt = res.SystemPrompt
	rec.UserPrompt = res.UserPrompt
	rec.RawOutput = res.RawOutput
	rec.DecisionJSON = res.RawJSON
	rec.LatencyMS = res.LatencyMS

	d := res.Decision
	if decision.NormalizeSignal(d.Signal) == decision.SignalHold {
		tally.Holds++
		o.appendDecision(rec)
		return false
	}

	changed, err := o.ledger.Apply(it.symbol, d)
	if err != nil {
		rec.Error = err.Error()
		o.appendDecision(rec)
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			tally.Dropped++
			logger.Warnf("[replay] step %d %s 决策被丢弃: %v", step, it.symbol, err)
			o.recordReject(step, it, d, res.ProviderID, err)
		} else {
			logger.Warnf("[replay] step %d %s 决策无法应用: %v", step, it.symbol, err)
		}
		return false
	}
	o.appendDecision(rec)
	if !changed {
		return false
	}
	tally.Applied++
	o.recordTrade(step, it, beforeAcct, d, res.ProviderID)
	return true
}

// recordTrade 按应用前后的持仓差推导出 open/scale/flip/close 流水。
func (o *Orchestrator) recordTrade(step int, it stepItem, beforeAcct ledger.AccountSnapshot, d decision.Decision, providerID string) {
	if o.trades == nil {
		return
	}
	afterAcct := o.ledger.Snapshot()
	before := findPosition(beforeAcct, it.symbol)
	after := findPosition(afterAcct, it.symbol)
	barTime := time.Unix(it.bar.Timestamp, 0)

	details := map[string]any{
		"signal":   decision.NormalizeSignal(d.Signal),
		"quantity": d.Quantity,
		"provider": providerID,
	}
	if d.Leverage > 0 {
		details["leverage"] = d.Leverage
	}
	if d.Confidence > 0 {
		details["confidence"] = d.Confidence
	}

	var op tradelog.Operation
	switch {
	case before == nil && after != nil:
		op = tradelog.OpOpen
		details["side"] = after.Side
		details["entry_price"] = after.EntryPrice
	case before != nil && after == nil:
		op = tradelog.OpClose
		details["exit_price"] = before.CurrentPrice
		o.insertClosedTrade(step, barTime, *before, afterAcct.RealizedPnL-beforeAcct.RealizedPnL, providerID)
	case before != nil && after != nil && before.Side != after.Side:
		op = tradelog.OpFlip
		details["exit_price"] = before.CurrentPrice
		details["side"] = after.Side
		details["entry_price"] = after.EntryPrice
		o.insertClosedTrade(step, barTime, *before, afterAcct.RealizedPnL-beforeAcct.RealizedPnL, providerID)
	case before != nil && after != nil:
		op = tradelog.OpScale
		details["entry_price"] = after.EntryPrice
		details["total_quantity"] = after.Quantity
	default:
		return
	}

	rec := tradelog.OperationRecord{
		RunID:     o.cfg.RunID,
		Step:      step,
		Symbol:    it.symbol,
		Operation: op,
		Details:   details,
		Timestamp: barTime,
	}
	if err := o.trades.AppendOperation(context.Background(), rec); err != nil {
		logger.Warnf("[replay] 写入操作流水失败: %v", err)
	}
}

func (o *Orchestrator) recordReject(step int, it stepItem, d decision.Decision, providerID string, cause error) {
	if o.trades == nil {
		return
	}
	rec := tradelog.OperationRecord{
		RunID:     o.cfg.RunID,
		Step:      step,
		Symbol:    it.symbol,
		Operation: tradelog.OpReject,
		Details: map[string]any{
			"signal":   decision.NormalizeSignal(d.Signal),
			"quantity": d.Quantity,
			"provider": providerID,
			"reason":   cause.Error(),
		},
		Timestamp: time.Unix(it.bar.Timestamp, 0),
	}
	if err := o.trades.AppendOperation(context.Background(), rec); err != nil {
		logger.Warnf("[replay] 写入拒绝流水失败: %v", err)
	}
}

func (o *Orchestrator) insertClosedTrade(step int, closedAt time.Time, pos ledger.Position, realized float64, providerID string) {
	rec := tradelog.ClosedTradeRecord{
		RunID:       o.cfg.RunID,
		Symbol:      pos.Symbol,
		Side:        pos.Side,
		Quantity:    pos.Quantity,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   pos.CurrentPrice,
		Leverage:    pos.Leverage,
		Margin:      pos.Margin,
		RealizedPnL: realized,
		OpenedAt:    time.Unix(pos.OpenedAt, 0),
		ClosedAt:    closedAt,
		ClosedStep:  step,
		Details:     map[string]any{"provider": providerID},
	}
	if err := o.trades.InsertClosedTrade(context.Background(), rec); err != nil {
		logger.Warnf("[replay] 写入平仓记录失败: %v", err)
	}
}

func (o *Orchestrator) appendDecision(rec DecisionRecord) {
	if o.journal == nil {
		return
	}
	if _, err := o.journal.AppendDecision(context.Background(), rec); err != nil {
		logger.Warnf("[replay] 写入决策日志失败: %v", err)
	}
}

func (o *Orchestrator) journalStep(step int, ts int64, changed bool) {
	if o.journal == nil {
		return
	}
	acct := o.ledger.Snapshot()
	rec := StepRecord{
		RunID:      o.cfg.RunID,
		Step:       step,
		TS:         ts,
		Equity:     acct.TotalAsset,
		Cash:       acct.AvailableCash,
		Realized:   acct.RealizedPnL,
		Unrealized: acct.TotalUnrealized,
		Positions:  len(acct.Positions),
		Changed:    changed,
	}
	if err := o.journal.AppendStep(context.Background(), rec); err != nil {
		logger.Warnf("[replay] 写入权益点失败: %v", err)
	}
}

func (o *Orchestrator) persistLedger() {
	if strings.TrimSpace(o.cfg.StatePath) == "" {
		return
	}
	if err := o.ledger.Save(o.cfg.StatePath); err != nil {
		logger.Errorf("[replay] 保存账本失败: %v", err)
		return
	}
	o.mu.Lock()
	o.stats.LedgerSaves++
	o.mu.Unlock()
}

func (o *Orchestrator) drain(note string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateRunning {
		return
	}
	o.state = StateDraining
	o.drainNote = note
	logger.Infof("[replay] 进入排空: %s", note)
}

// finish 进入终态：账本终态保存一次（与最后一步是否有变化无关）、
// run 记录收尾、权益报告渲染。收到停止信号后也要能落盘，所以这里不用外部 ctx。
func (o *Orchestrator) finish() {
	o.mu.Lock()
	o.state = StateStopped
	note := o.drainNote
	o.mu.Unlock()

	o.persistLedger()

	acct := o.ledger.Snapshot()
	o.mu.Lock()
	o.stats.FinalEquity = acct.TotalAsset
	o.stats.AvailableCash = acct.AvailableCash
	o.stats.RealizedPnL = acct.RealizedPnL
	o.stats.ReturnPct = acct.ReturnPct
	o.stats.FinishedAt = time.Now()
	stats := o.stats
	o.mu.Unlock()

	if o.journal != nil {
		if err := o.journal.FinishRun(context.Background(), o.cfg.RunID, RunStatusDone, stats, note); err != nil {
			logger.Warnf("[replay] 收尾 run 记录失败: %v", err)
		}
	}
	if o.reporter != nil {
		if path, err := o.reporter.Render(context.Background(), o.cfg.RunID); err != nil {
			logger.Warnf("[replay] 渲染权益报告失败: %v", err)
		} else {
			logger.Infof("[replay] 权益报告已生成: %s", path)
		}
	}
	logger.Infof("[replay] run %s 结束（%s）：步数=%d 决策=%d 应用=%d hold=%d 失败=%d 丢弃=%d 总资产=%.2f 收益率=%.2f%%",
		o.cfg.RunID, note, stats.Steps, stats.Decisions, stats.Applied, stats.Holds,
		stats.Errors, stats.Dropped, stats.FinalEquity, stats.ReturnPct)
}

func findPosition(acct ledger.AccountSnapshot, symbol string) *ledger.Position {
	for i := range acct.Positions {
		if acct.Positions[i].Symbol == symbol {
			return &acct.Positions[i]
		}
	}
	return nil
}
