package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"tapesim/internal/decision"
	"tapesim/internal/logger"
)

const (
	SideLong  = "long"
	SideShort = "short"
)

// ErrInsufficientFunds 表示可用现金不足以覆盖本次决策所需保证金。
// 整条决策原样丢弃，现金永不为负。
var ErrInsufficientFunds = errors.New("可用资金不足")

// Position 是一个币种的持仓，每个币种最多一笔。
type Position struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Quantity      float64 `json:"quantity"`
	EntryPrice    float64 `json:"entry_price"`
	CurrentPrice  float64 `json:"current_price"`
	Leverage      float64 `json:"leverage"`
	Margin        float64 `json:"margin"`
	NotionalUSD   float64 `json:"notional_usd"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	RiskUSD       float64 `json:"risk_usd,omitempty"`
	Confidence    float64 `json:"confidence,omitempty"`
	ProfitTarget  float64 `json:"profit_target,omitempty"`
	StopLoss      float64 `json:"stop_loss,omitempty"`
	OpenedAt      int64   `json:"opened_at,omitempty"`
}

// AccountSnapshot 是账本的不可变视图，持仓按币种排序。
type AccountSnapshot struct {
	InitialCash     float64    `json:"initial_cash"`
	AvailableCash   float64    `json:"available_cash"`
	RealizedPnL     float64    `json:"realized_pnl"`
	TotalUnrealized float64    `json:"total_unrealized_pnl"`
	TotalAsset      float64    `json:"total_asset"`
	ReturnPct       float64    `json:"return_pct"`
	UpdatedAt       int64      `json:"updated_at"`
	Positions       []Position `json:"positions"`
}

// Ledger 维护模拟账户：现金、持仓与已实现盈亏。
// 写入方只有回放主循环，读侧（HTTP）通过 RWMutex 拿快照。
type Ledger struct {
	mu            sync.RWMutex
	initialCash   float64
	availableCash float64
	realizedPnL   float64
	positions     map[string]*Position
	lastMark      map[string]float64
	updatedAt     int64
}

func New(initialCash float64) *Ledger {
	if initialCash < 0 {
		initialCash = 0
	}
	return &Ledger{
		initialCash:   initialCash,
		availableCash: initialCash,
		positions:     make(map[string]*Position),
		lastMark:      make(map[string]float64),
		updatedAt:     time.Now().Unix(),
	}
}

// MarkPrice 记录币种最新标记价。未持仓也会记录，作为后续开仓的入场价兜底；
// 已持仓时刷新现价并重算未实现盈亏。
func (l *Ledger) MarkPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastMark[symbol] = price
	if pos, ok := l.positions[symbol]; ok {
		pos.CurrentPrice = price
		pos.NotionalUSD = notionalOf(pos.Quantity, price)
		pos.UnrealizedPnL = unrealizedFor(pos.Side, pos.EntryPrice, price, pos.Quantity, pos.Leverage)
	}
	l.updatedAt = time.Now().Unix()
}

// Apply 把一条决策作用到账本，返回账本是否发生变化。
// hold 与平不存在的仓都是 (false, nil)；资金不足返回 ErrInsufficientFunds 且账本不动。
func (l *Ledger) Apply(symbol string, d decision.Decision) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch decision.NormalizeSignal(d.Signal) {
	case decision.SignalHold:
		return false, nil
	case decision.SignalClose:
		return l.closeLocked(symbol), nil
	case decision.SignalBuy:
		return l.tradeLocked(symbol, SideLong, d)
	case decision.SignalSell:
		return l.tradeLocked(symbol, SideShort, d)
	default:
		return false, fmt.Errorf("未知信号: %q", d.Signal)
	}
}

func (l *Ledger) tradeLocked(symbol, side string, d decision.Decision) (bool, error) {
	if d.Quantity <= 0 {
		return false, fmt.Errorf("数量必须为正: %v", d.Quantity)
	}
	entry := d.EntryPrice
	if entry <= 0 {
		entry = l.lastMark[symbol]
	}
	if entry <= 0 {
		return false, fmt.Errorf("%s 没有可用的入场价", symbol)
	}
	leverage := d.Leverage
	if leverage <= 0 {
		leverage = 1
	}

	pos, exists := l.positions[symbol]
	if !exists {
		return l.openLocked(symbol, side, entry, leverage, d)
	}
	if pos.Side == side {
		return l.scaleInLocked(pos, entry, d)
	}
	return l.flipLocked(pos, side, entry, leverage, d)
}

func (l *Ledger) openLocked(symbol, side string, entry, leverage float64, d decision.Decision) (bool, error) {
	margin := marginFor(d.Quantity, entry, leverage)
	if !decimalGTE(l.availableCash, margin) {
		return false, fmt.Errorf("%w: 需要保证金 %.2f, 可用 %.2f", ErrInsufficientFunds, margin, l.availableCash)
	}
	l.availableCash = subFloat(l.availableCash, margin)

	pos := &Position{
		Symbol:       symbol,
		Side:         side,
		Quantity:     d.Quantity,
		EntryPrice:   entry,
		CurrentPrice: entry,
		Leverage:     leverage,
		Margin:       margin,
		RiskUSD:      d.RiskUSD,
		Confidence:   d.Confidence,
		ProfitTarget: d.ProfitTarget,
		StopLoss:     d.StopLoss,
		OpenedAt:     time.Now().Unix(),
	}
	if mark := l.lastMark[symbol]; mark > 0 {
		pos.CurrentPrice = mark
	}
	pos.NotionalUSD = notionalOf(pos.Quantity, pos.CurrentPrice)
	pos.UnrealizedPnL = unrealizedFor(side, entry, pos.CurrentPrice, pos.Quantity, leverage)
	l.positions[symbol] = pos
	l.updatedAt = time.Now().Unix()
	logger.Infof("开仓 %s %s 数量=%v 入场=%v 杠杆=%vx 保证金=%.2f", symbol, side, pos.Quantity, entry, leverage, margin)
	return true, nil
}

// scaleInLocked 同向加仓：入场价按数量加权平均，新保证金沿用原仓位杠杆。
func (l *Ledger) scaleInLocked(pos *Position, entry float64, d decision.Decision) (bool, error) {
	addMargin := marginFor(d.Quantity, entry, pos.Leverage)
	if !decimalGTE(l.availableCash, addMargin) {
		return false, fmt.Errorf("%w: 加仓需要保证金 %.2f, 可用 %.2f", ErrInsufficientFunds, addMargin, l.availableCash)
	}
	l.availableCash = subFloat(l.availableCash, addMargin)

	pos.EntryPrice = weightedEntry(pos.EntryPrice, pos.Quantity, entry, d.Quantity)
	pos.Quantity = addFloat(pos.Quantity, d.Quantity)
	pos.Margin = addFloat(pos.Margin, addMargin)
	if d.ProfitTarget > 0 {
		pos.ProfitTarget = d.ProfitTarget
	}
	if d.StopLoss > 0 {
		pos.StopLoss = d.StopLoss
	}
	if d.Confidence > 0 {
		pos.Confidence = d.Confidence
	}
	pos.NotionalUSD = notionalOf(pos.Quantity, pos.CurrentPrice)
	pos.UnrealizedPnL = unrealizedFor(pos.Side, pos.EntryPrice, pos.CurrentPrice, pos.Quantity, pos.Leverage)
	l.updatedAt = time.Now().Unix()
	logger.Infof("加仓 %s %s 总数量=%v 均价=%.4f 追加保证金=%.2f", pos.Symbol, pos.Side, pos.Quantity, pos.EntryPrice, addMargin)
	return true, nil
}

// flipLocked 反向换仓：整体核算，资金不够则整条丢弃，旧仓原样保留。
func (l *Ledger) flipLocked(pos *Position, side string, entry, leverage float64, d decision.Decision) (bool, error) {
	newMargin := marginFor(d.Quantity, entry, leverage)
	cashAfterClose := addFloat(l.availableCash, pos.Margin)
	if !decimalGTE(cashAfterClose, newMargin) {
		return false, fmt.Errorf("%w: 换向需要保证金 %.2f, 平仓后可用 %.2f", ErrInsufficientFunds, newMargin, cashAfterClose)
	}

	realized := pos.UnrealizedPnL
	l.realizedPnL = addFloat(l.realizedPnL, realized)
	l.availableCash = subFloat(cashAfterClose, newMargin)
	symbol := pos.Symbol
	delete(l.positions, symbol)

	next := &Position{
		Symbol:       symbol,
		Side:         side,
		Quantity:     d.Quantity,
		EntryPrice:   entry,
		CurrentPrice: entry,
		Leverage:     leverage,
		Margin:       newMargin,
		RiskUSD:      d.RiskUSD,
		Confidence:   d.Confidence,
		ProfitTarget: d.ProfitTarget,
		StopLoss:     d.StopLoss,
		OpenedAt:     time.Now().Unix(),
	}
	if mark := l.lastMark[symbol]; mark > 0 {
		next.CurrentPrice = mark
	}
	next.NotionalUSD = notionalOf(next.Quantity, next.CurrentPrice)
	next.UnrealizedPnL = unrealizedFor(side, entry, next.CurrentPrice, next.Quantity, leverage)
	l.positions[symbol] = next
	l.updatedAt = time.Now().Unix()
	logger.Infof("换向 %s %s→%s 实现盈亏=%.2f 新保证金=%.2f", symbol, pos.Side, side, realized, newMargin)
	return true, nil
}

// closeLocked 全部平仓：未实现盈亏转入已实现，占用保证金退回现金。
func (l *Ledger) closeLocked(symbol string) bool {
	pos, ok := l.positions[symbol]
	if !ok {
		return false
	}
	l.realizedPnL = addFloat(l.realizedPnL, pos.UnrealizedPnL)
	l.availableCash = addFloat(l.availableCash, pos.Margin)
	delete(l.positions, symbol)
	l.updatedAt = time.Now().Unix()
	logger.Infof("平仓 %s %s 实现盈亏=%.2f 退回保证金=%.2f", symbol, pos.Side, pos.UnrealizedPnL, pos.Margin)
	return true
}

// TotalPnL 返回已实现与未实现盈亏之和。
func (l *Ledger) TotalPnL() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := l.realizedPnL
	for _, pos := range l.positions {
		total = addFloat(total, pos.UnrealizedPnL)
	}
	return total
}

// Snapshot 返回账本的深拷贝视图。
func (l *Ledger) Snapshot() AccountSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

func (l *Ledger) snapshotLocked() AccountSnapshot {
	snap := AccountSnapshot{
		InitialCash:   l.initialCash,
		AvailableCash: l.availableCash,
		RealizedPnL:   l.realizedPnL,
		UpdatedAt:     l.updatedAt,
		Positions:     make([]Position, 0, len(l.positions)),
	}
	totalAsset := decFromFloat(l.availableCash)
	totalUnrealized := decimalZero
	for _, pos := range l.positions {
		snap.Positions = append(snap.Positions, *pos)
		totalAsset = totalAsset.Add(decFromFloat(pos.NotionalUSD))
		totalUnrealized = totalUnrealized.Add(decFromFloat(pos.UnrealizedPnL))
	}
	sort.Slice(snap.Positions, func(i, j int) bool { return snap.Positions[i].Symbol < snap.Positions[j].Symbol })
	snap.TotalAsset = decToFloat(totalAsset)
	snap.TotalUnrealized = decToFloat(totalUnrealized)
	if l.initialCash > 0 {
		snap.ReturnPct = decToFloat(totalAsset.Sub(decFromFloat(l.initialCash)).
			Div(decFromFloat(l.initialCash)).Mul(decFromFloat(100)))
	}
	return snap
}
