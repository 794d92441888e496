package indicator

import (
	"errors"
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"tapesim/internal/market"
)

// ErrInsufficientHistory 表示窗口为空，无法构建快照。
var ErrInsufficientHistory = errors.New("历史窗口不足")

const (
	rsiFastPeriod = 7
	rsiSlowPeriod = 14
	emaFastPeriod = 20
	emaSlowPeriod = 50
	atrFastPeriod = 3
	atrSlowPeriod = 14
	macdFast      = 12
	macdSlow      = 26
	macdSignal    = 9
)

// Value 保存单个指标的最新值、序列与状态。
// 序列只包含有效点：预热期的零种子与 NaN/Inf 一律剔除，不用零占位。
type Value struct {
	Latest float64   `json:"latest"`
	Series []float64 `json:"series,omitempty"`
	State  string    `json:"state,omitempty"`
	Note   string    `json:"note,omitempty"`
}

// Snapshot 汇总单个币种在当前游标处的市场视图。
type Snapshot struct {
	Symbol    string           `json:"symbol"`
	Frequency string           `json:"frequency"`
	Timestamp int64            `json:"timestamp"`
	Price     float64          `json:"price"`
	Volume    float64          `json:"volume"`
	AvgVolume float64          `json:"avg_volume"`
	MidPrices []float64        `json:"mid_prices,omitempty"`
	Bars      int              `json:"bars"`
	Values    map[string]Value `json:"values"`
	Warnings  []string         `json:"warnings,omitempty"`
}

// IndicatorKeys 返回固定的指标顺序，提示词渲染依赖它保证确定性。
func IndicatorKeys() []string {
	return []string{
		"rsi_7", "rsi_14",
		"macd", "macd_signal",
		"ema_20", "ema_50",
		"atr_3", "atr_14",
	}
}

// Build 基于窗口内的 K 线构建快照。纯函数，窗口为空时返回 ErrInsufficientHistory。
func Build(symbol string, window []market.Candle, frequency string) (Snapshot, error) {
	if len(window) == 0 {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrInsufficientHistory, symbol)
	}

	closes := make([]float64, len(window))
	highs := make([]float64, len(window))
	lows := make([]float64, len(window))
	for i, c := range window {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}
	last := window[len(window)-1]

	snap := Snapshot{
		Symbol:    symbol,
		Frequency: frequency,
		Timestamp: last.Timestamp,
		Price:     last.Close,
		Volume:    last.Volume,
		AvgVolume: round4(market.Candles(window).AvgVolume()),
		MidPrices: sanitizeSeries(market.Candles(window).MidSeries()),
		Bars:      len(window),
		Values:    make(map[string]Value),
	}

	// RSI
	for _, period := range []int{rsiFastPeriod, rsiSlowPeriod} {
		key := fmt.Sprintf("rsi_%d", period)
		if len(closes) < period+1 {
			snap.markUnavailable(key, period+1)
			continue
		}
		series := trimLeadingZeros(sanitizeSeries(talib.Rsi(closes, period)))
		val := lastValid(series)
		state := "neutral"
		switch {
		case val >= 70:
			state = "overbought"
		case val <= 30:
			state = "oversold"
		}
		snap.Values[key] = Value{
			Latest: val,
			Series: series,
			State:  state,
			Note:   fmt.Sprintf("period=%d", period),
		}
	}

	// MACD
	if len(closes) < macdSlow+macdSignal {
		snap.markUnavailable("macd", macdSlow+macdSignal)
		snap.markUnavailable("macd_signal", macdSlow+macdSignal)
	} else {
		macd, signal, hist := talib.Macd(closes, macdFast, macdSlow, macdSignal)
		macdSeries := trimLeadingZeros(sanitizeSeries(macd))
		signalSeries := trimLeadingZeros(sanitizeSeries(signal))
		histSeries := trimLeadingZeros(sanitizeSeries(hist))
		state := "flat"
		switch {
		case lastValid(histSeries) > 0:
			state = "bullish"
		case lastValid(histSeries) < 0:
			state = "bearish"
		}
		snap.Values["macd"] = Value{
			Latest: lastValid(macdSeries),
			Series: macdSeries,
			State:  state,
			Note:   fmt.Sprintf("hist=%.4f", lastValid(histSeries)),
		}
		snap.Values["macd_signal"] = Value{
			Latest: lastValid(signalSeries),
			Series: signalSeries,
			Note:   fmt.Sprintf("%d/%d/%d", macdFast, macdSlow, macdSignal),
		}
	}

	// EMA
	for _, period := range []int{emaFastPeriod, emaSlowPeriod} {
		key := fmt.Sprintf("ema_%d", period)
		if len(closes) < period {
			snap.markUnavailable(key, period)
			continue
		}
		series := trimLeadingZeros(sanitizeSeries(talib.Ema(closes, period)))
		snap.Values[key] = Value{
			Latest: lastValid(series),
			Series: series,
			State:  relativeState(last.Close, lastValid(series)),
			Note:   fmt.Sprintf("EMA%d vs price", period),
		}
	}

	// ATR
	for _, period := range []int{atrFastPeriod, atrSlowPeriod} {
		key := fmt.Sprintf("atr_%d", period)
		if len(closes) < period+1 {
			snap.markUnavailable(key, period+1)
			continue
		}
		series := trimLeadingZeros(sanitizeSeries(talib.Atr(highs, lows, closes, period)))
		snap.Values[key] = Value{
			Latest: lastValid(series),
			Series: series,
			State:  "volatility",
			Note:   fmt.Sprintf("period=%d", period),
		}
	}

	return snap, nil
}

func (s *Snapshot) markUnavailable(key string, need int) {
	s.Values[key] = Value{Note: fmt.Sprintf("需要至少 %d 根K线", need)}
	s.Warnings = append(s.Warnings, fmt.Sprintf("%s 不可用: 窗口 %d 根, 需要 %d 根", key, s.Bars, need))
}

func sanitizeSeries(src []float64) []float64 {
	out := make([]float64, 0, len(src))
	for _, v := range src {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out = append(out, round4(v))
	}
	return out
}

// trimLeadingZeros drops TALib's zero-seeded warmup values so series start when enough candles exist.
func trimLeadingZeros(series []float64) []float64 {
	start := 0
	for start < len(series) && almostZero(series[start]) {
		start++
	}
	return series[start:]
}

func almostZero(v float64) bool {
	return math.Abs(v) <= 1e-9
}

func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) && !math.IsInf(series[i], 0) {
			return series[i]
		}
	}
	return 0
}

func relativeState(price, ref float64) string {
	if ref == 0 {
		return "unknown"
	}
	switch {
	case price > ref*1.002:
		return "above"
	case price < ref*0.998:
		return "below"
	default:
		return "touch"
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
