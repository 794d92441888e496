package decision

import "fmt"

// 中文说明：
// 边界校验：决策来自外部模型，出账本前必须通过范围检查。
// 任何一项不过即整条拒绝，调用方按"决策不可用"处理成隐式 hold。

var validSignals = map[string]bool{
	SignalBuy: true, SignalSell: true, SignalHold: true, SignalClose: true,
}

func Validate(d *Decision) error {
	if !validSignals[d.Signal] {
		return fmt.Errorf("非法 signal: %q", d.Signal)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence 范围 0-1: %v", d.Confidence)
	}
	if d.Leverage < 0 {
		return fmt.Errorf("leverage 不能为负: %v", d.Leverage)
	}
	if d.EntryPrice < 0 {
		return fmt.Errorf("entry_price 不能为负: %v", d.EntryPrice)
	}
	if d.RiskUSD < 0 {
		return fmt.Errorf("risk_usd 不能为负: %v", d.RiskUSD)
	}
	switch d.Signal {
	case SignalBuy, SignalSell:
		if d.Quantity <= 0 {
			return fmt.Errorf("开仓需提供 quantity>0: %v", d.Quantity)
		}
		if d.Leverage == 0 {
			// 未给杠杆按 1 处理，由账本兜底。
			break
		}
		if d.Leverage < 1 {
			return fmt.Errorf("leverage 需 >= 1: %v", d.Leverage)
		}
	}
	return nil
}
