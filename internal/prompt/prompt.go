// Package prompt 负责把行情快照与账户状态渲染成模型提示词。
// 渲染结果是确定性的：同一份输入总是产出同一段文本，方便回放对比。
package prompt

import (
	"fmt"
	"strings"
	"time"

	"tapesim/internal/indicator"
	"tapesim/internal/ledger"
	"tapesim/internal/pkg/text"
)

const systemPersona = `你是一名经验丰富的加密货币合约交易员，正在一段历史行情回放中做决策。
你看到的行情只到当前K线为止，未来数据不可见，请只依据已给出的信息判断。
账户采用保证金模式：开仓冻结 名义价值/杠杆 的保证金，可用资金不足时订单会被拒绝。`

const outputContract = `### 输出要求
- 只输出一个 JSON 对象，不要输出数组、解释文字或 markdown 代码块以外的内容。
- JSON 顶层必须是 {"trade_signal_args": {...}}，字段不可增删。
- signal 可选：buy / sell / hold / close。
- quantity 为标的数量（非 USD 金额），开仓时必须大于 0。
- 单次开仓的名义价值（数量×价格）不要超过可用资金的 30%。
- confidence 取值 0~1，没有把握时请选择 hold。`

// System 组装系统提示词：交易员设定、输出契约、以及来自 schema 的补充提示。
func System(schemaHint string) string {
	var sb strings.Builder
	sb.WriteString(systemPersona)
	sb.WriteString("\n\n")
	sb.WriteString(outputContract)
	if hint := strings.TrimSpace(schemaHint); hint != "" {
		sb.WriteString("\n\n### 格式补充说明\n")
		sb.WriteString(hint)
	}
	sb.WriteString("\n")
	return sb.String()
}

// BuildUser 组装完整的用户提示词：元信息、市场状态、账户状态、收尾指令。
func BuildUser(snap indicator.Snapshot, acct ledger.AccountSnapshot) string {
	var sb strings.Builder
	sb.WriteString(renderHeader(snap))
	sb.WriteString(RenderMarket(snap))
	sb.WriteString(RenderAccount(acct, snap.Symbol))
	fmt.Fprintf(&sb, "\n请基于以上信息给出 %s 的交易决策。\n", snap.Symbol)
	return sb.String()
}

func renderHeader(snap indicator.Snapshot) string {
	var sb strings.Builder
	sb.WriteString("## 元信息\n")
	ts := "-"
	if snap.Timestamp > 0 {
		ts = time.Unix(snap.Timestamp, 0).UTC().Format(time.RFC3339)
	}
	fmt.Fprintf(&sb, "- 决策时刻: %s\n", ts)
	fmt.Fprintf(&sb, "- 标的: %s\n", snap.Symbol)
	if snap.Frequency != "" {
		fmt.Fprintf(&sb, "- 决策频率: %s\n", snap.Frequency)
	}
	return sb.String()
}

// RenderMarket 渲染单个标的的行情区块。指标按固定顺序输出，
// 不可用的指标明确标注原因而不是静默省略。
func RenderMarket(snap indicator.Snapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "\n## 市场状态: %s\n", snap.Symbol)
	fmt.Fprintf(&sb, "- 最新价格: %.4f\n", snap.Price)
	fmt.Fprintf(&sb, "- 最新成交量: %.2f (窗口均量 %.2f)\n", snap.Volume, snap.AvgVolume)
	fmt.Fprintf(&sb, "- 窗口K线数: %d\n", snap.Bars)

	if len(snap.MidPrices) > 0 {
		sb.WriteString("- 中间价序列(旧→新): ")
		sb.WriteString(renderSeries(snap.MidPrices, 10))
		sb.WriteString("\n")
	}

	sb.WriteString("\n### 技术指标\n")
	for _, key := range indicator.IndicatorKeys() {
		val, ok := snap.Values[key]
		if !ok {
			continue
		}
		if len(val.Series) == 0 {
			note := strings.TrimSpace(val.Note)
			if note == "" {
				note = "无数据"
			}
			fmt.Fprintf(&sb, "- %s: 无数据（%s）\n", key, note)
			continue
		}
		line := fmt.Sprintf("- %s: %.4f", key, val.Latest)
		if val.State != "" {
			line += fmt.Sprintf(" (%s)", val.State)
		}
		sb.WriteString(line + "\n")
		if len(val.Series) > 1 {
			fmt.Fprintf(&sb, "    序列(旧→新): %s\n", renderSeries(val.Series, 10))
		}
	}

	if len(snap.Warnings) > 0 {
		sb.WriteString("\n### 数据警告\n")
		for _, w := range snap.Warnings {
			sb.WriteString("- " + text.Truncate(w, 200) + "\n")
		}
	}
	return sb.String()
}

// RenderAccount 渲染账户资金与持仓区块。
// symbol 用于提示模型当前标的是否已有持仓可平。
func RenderAccount(acct ledger.AccountSnapshot, symbol string) string {
	var sb strings.Builder
	sb.WriteString("\n## 账户资金\n")
	fmt.Fprintf(&sb, "- 可用资金: %.2f USDT · 已实现盈亏: %.2f · 总资产: %.2f · 收益率: %.2f%%\n",
		acct.AvailableCash, acct.RealizedPnL, acct.TotalAsset, acct.ReturnPct)

	if len(acct.Positions) == 0 {
		sb.WriteString("\n## 当前持仓\n当前无持仓，只可返回 buy / sell / hold 指令。\n")
		return sb.String()
	}

	sb.WriteString("\n## 当前持仓\n")
	holdsSymbol := false
	for _, pos := range acct.Positions {
		if pos.Symbol == symbol {
			holdsSymbol = true
		}
		line := fmt.Sprintf("- %s %s entry=%.4f qty=%.4f lev=x%.2f margin=%.2f",
			pos.Symbol, strings.ToUpper(pos.Side), pos.EntryPrice, pos.Quantity, pos.Leverage, pos.Margin)
		if pos.CurrentPrice > 0 {
			line += fmt.Sprintf(" last=%.4f", pos.CurrentPrice)
		}
		line += fmt.Sprintf(" upnl=%.2f", pos.UnrealizedPnL)
		sb.WriteString(line + "\n")
		if pos.ProfitTarget > 0 || pos.StopLoss > 0 {
			fmt.Fprintf(&sb, "    止盈=%.4f 止损=%.4f\n", pos.ProfitTarget, pos.StopLoss)
		}
	}
	if holdsSymbol {
		fmt.Fprintf(&sb, "%s 已有持仓：buy/sell 同向为加仓、反向为换向，close 为全部平仓。\n", symbol)
	}
	return sb.String()
}

// renderSeries 输出序列尾部最多 limit 个值，超出部分用省略号标记。
func renderSeries(series []float64, limit int) string {
	if limit <= 0 || len(series) == 0 {
		return "[]"
	}
	start := 0
	truncated := false
	if len(series) > limit {
		start = len(series) - limit
		truncated = true
	}
	parts := make([]string, 0, limit+1)
	if truncated {
		parts = append(parts, "...")
	}
	for _, v := range series[start:] {
		parts = append(parts, trimFloat(v))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// trimFloat 保留 4 位小数并去掉无意义的尾零。
func trimFloat(v float64) string {
	s := fmt.Sprintf("%.4f", v)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	if s == "" || s == "-" {
		return "0"
	}
	return s
}
