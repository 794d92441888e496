package app

import (
	"fmt"
	"strings"

	"tapesim/internal/logger"
)

// StartupSummary 汇总装配结果，回放开始前整块打印一次。
type StartupSummary struct {
	RunID         string
	Symbols       []string
	Frequency     string
	KlineCount    int
	MaxSteps      int
	DataDir       string
	LedgerSource  string
	InitialCash   float64
	AvailableCash float64
	OpenPositions int
	Providers     []string
	SchemaPath    string
	SchemaWatch   bool
	JournalRoot   string
	TradeLogPath  string
	ReportDir     string
	HTTPAddr      string
}

func (s *StartupSummary) Print() {
	if s == nil {
		return
	}
	logger.InfoBlock(s.render())
}

func (s *StartupSummary) render() string {
	var b strings.Builder
	const title = "回放启动摘要 (REPLAY STARTUP SUMMARY)"
	fmt.Fprintln(&b, strings.Repeat("=", 80))
	fmt.Fprintf(&b, "%*s\n", 40+len(title)/2, title)
	fmt.Fprintln(&b, strings.Repeat("=", 80))
	fmt.Fprintf(&b, "运行 ID: %s\n", s.RunID)
	fmt.Fprintln(&b)

	fmt.Fprintln(&b, "[回放数据 (REPLAY DATA)]")
	fmt.Fprintf(&b, "  回放标的: %s\n", formatList(s.Symbols))
	fmt.Fprintf(&b, "  K线周期: %s\n", s.Frequency)
	fmt.Fprintf(&b, "  窗口长度: %d 根\n", s.KlineCount)
	fmt.Fprintf(&b, "  步数上限: %s\n", formatSteps(s.MaxSteps))
	fmt.Fprintf(&b, "  数据目录: %s\n", s.DataDir)
	fmt.Fprintln(&b)

	fmt.Fprintln(&b, "[模拟账户 (LEDGER)]")
	fmt.Fprintf(&b, "  账本来源: %s\n", s.LedgerSource)
	fmt.Fprintf(&b, "  初始资金: %.2f\n", s.InitialCash)
	fmt.Fprintf(&b, "  可用资金: %.2f\n", s.AvailableCash)
	fmt.Fprintf(&b, "  当前持仓: %d 个\n", s.OpenPositions)
	fmt.Fprintln(&b)

	fmt.Fprintln(&b, "[模型决策 (AI DECISION)]")
	fmt.Fprintf(&b, "  模型链: %s\n", formatList(s.Providers))
	fmt.Fprintf(&b, "  决策 schema: %s\n", s.SchemaPath)
	fmt.Fprintf(&b, "  schema 热加载: %s\n", formatBool(s.SchemaWatch))
	fmt.Fprintln(&b)

	fmt.Fprintln(&b, "[持久化与服务 (PERSISTENCE & SERVICES)]")
	fmt.Fprintf(&b, "  运行日志: %s\n", orDisabled(s.JournalRoot))
	fmt.Fprintf(&b, "  交易流水: %s\n", orDisabled(s.TradeLogPath))
	fmt.Fprintf(&b, "  权益报告: %s\n", orDisabled(s.ReportDir))
	fmt.Fprintf(&b, "  HTTP 服务: %s\n", orDisabled(s.HTTPAddr))
	fmt.Fprint(&b, strings.Repeat("=", 80))
	return b.String()
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func formatSteps(n int) string {
	if n <= 0 {
		return "不限"
	}
	return fmt.Sprintf("%d", n)
}

func formatBool(v bool) string {
	if v {
		return "开启"
	}
	return "关闭"
}

func orDisabled(v string) string {
	if strings.TrimSpace(v) == "" {
		return "未启用"
	}
	return v
}
