package decision

import (
	"encoding/json"
	"strconv"
	"strings"
)

// 中文说明：
// 本文件定义 AI 决策的线格式与宽松解码，所有字段来自不可信的模型输出。

const (
	SignalBuy   = "buy"
	SignalSell  = "sell"
	SignalHold  = "hold"
	SignalClose = "close"
)

// Decision 单币种交易决策，线格式字段名与提示词约定一致。
type Decision struct {
	Symbol       string  `json:"coin"`
	Signal       string  `json:"signal"`
	Quantity     float64 `json:"quantity,omitempty"`
	ProfitTarget float64 `json:"profit_target,omitempty"`
	StopLoss     float64 `json:"stop_loss,omitempty"`
	Invalidation string  `json:"invalidation_condition,omitempty"`
	Leverage     float64 `json:"leverage,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`
	RiskUSD      float64 `json:"risk_usd,omitempty"`
	EntryPrice   float64 `json:"entry_price,omitempty"`
}

// UnmarshalJSON 宽松解码：模型偶尔把数字加引号（"0.5"），一律兼容。
func (d *Decision) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.Symbol = coerceString(raw["coin"])
	d.Signal = coerceString(raw["signal"])
	d.Quantity = coerceFloat64(raw["quantity"])
	d.ProfitTarget = coerceFloat64(raw["profit_target"])
	d.StopLoss = coerceFloat64(raw["stop_loss"])
	d.Invalidation = coerceString(raw["invalidation_condition"])
	d.Leverage = coerceFloat64(raw["leverage"])
	d.Confidence = coerceFloat64(raw["confidence"])
	d.RiskUSD = coerceFloat64(raw["risk_usd"])
	d.EntryPrice = coerceFloat64(raw["entry_price"])
	return nil
}

func coerceString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

func coerceFloat64(v any) float64 {
	switch x := v.(type) {
	case nil:
		return 0
	case float64:
		return x
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return 0
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
		return 0
	default:
		return 0
	}
}
