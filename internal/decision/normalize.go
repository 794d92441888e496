package decision

import "strings"

// NormalizeSignal 统一信号名称，兼容 long/short/wait 等同义词。
func NormalizeSignal(s string) string {
	replacer := strings.NewReplacer(" ", "_", "-", "_")
	s = strings.ToLower(strings.TrimSpace(s))
	s = replacer.Replace(s)
	switch s {
	case "buy", "long", "open_long", "enter_long", "go_long", "buy_long", "open":
		return SignalBuy
	case "sell", "short", "open_short", "enter_short", "go_short", "sell_short":
		return SignalSell
	case "hold", "wait", "stay", "neutral", "none":
		return SignalHold
	case "close", "exit", "flat", "close_position", "close_long", "close_short", "exit_long", "exit_short", "take_profit":
		return SignalClose
	default:
		return s
	}
}
