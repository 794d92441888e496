package backtest

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
)

const (
	reportBackground    = "#060c1b"
	reportTextPrimary   = "#eceff4"
	reportTextSecondary = "#9ca3af"
	reportEquityColor   = "#34d399"
	reportCashColor     = "#3b82f6"
	reportBaseColor     = "#fbbf24"

	reportWidthPx  = 1600
	reportHeightPx = 600
)

// Reporter 在 run 结束时把 journal 里的权益曲线渲染成 HTML 报告。
// 只产出 HTML，不做截图。
type Reporter struct {
	journal   *RunJournal
	outputDir string
}

func NewReporter(journal *RunJournal, outputDir string) *Reporter {
	if strings.TrimSpace(outputDir) == "" {
		outputDir = "reports"
	}
	return &Reporter{journal: journal, outputDir: outputDir}
}

// Render 渲染 runID 的权益报告，返回写出的文件路径。
func (r *Reporter) Render(ctx context.Context, runID string) (string, error) {
	if r == nil || r.journal == nil {
		return "", fmt.Errorf("报告依赖的 journal 未初始化")
	}
	run, err := r.journal.GetRun(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("读取 run %s 失败: %w", runID, err)
	}
	points, err := r.journal.EquitySeries(ctx, runID, 0)
	if err != nil {
		return "", fmt.Errorf("读取权益曲线失败: %w", err)
	}
	if len(points) == 0 {
		return "", fmt.Errorf("run %s 没有任何权益点", runID)
	}
	html, err := buildEquityHTML(run, points)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(r.outputDir, runID+".html")
	if err := os.WriteFile(path, html, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func buildEquityHTML(run Run, points []EquityPoint) ([]byte, error) {
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)

	xAxis := make([]string, len(points))
	equity := make([]opts.LineData, len(points))
	cash := make([]opts.LineData, len(points))
	base := make([]opts.LineData, len(points))
	for i, pt := range points {
		if pt.TS > 0 {
			xAxis[i] = time.Unix(pt.TS, 0).UTC().Format("01-02 15:04")
		} else {
			xAxis[i] = fmt.Sprintf("#%d", pt.Step)
		}
		equity[i] = opts.LineData{Value: round(pt.Equity, 2)}
		cash[i] = opts.LineData{Value: round(pt.Cash, 2)}
		base[i] = opts.LineData{Value: round(run.InitialCash, 2)}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", reportWidthPx),
			Height:          fmt.Sprintf("%dpx", reportHeightPx),
			BackgroundColor: reportBackground,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:         fmt.Sprintf("权益曲线 %s", run.Symbols),
			Subtitle:      fmt.Sprintf("run=%s 周期=%s 步数=%d 收益率=%.2f%%", run.ID, run.Frequency, run.Stats.Steps, run.Stats.ReturnPct),
			Left:          "left",
			Top:           "10",
			TitleStyle:    &opts.TextStyle{Color: reportTextPrimary, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: reportTextSecondary},
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: reportTextPrimary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: reportTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(false)},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: reportTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: reportTextSecondary, Opacity: opts.Float(0.2)}},
		}),
	)
	line.SetSeriesOptions(
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)
	line.SetXAxis(xAxis)
	line.AddSeries("总资产", equity, charts.WithLineStyleOpts(opts.LineStyle{Color: reportEquityColor, Width: 2}))
	line.AddSeries("可用资金", cash, charts.WithLineStyleOpts(opts.LineStyle{Color: reportCashColor, Width: 2}))
	line.AddSeries("初始资金", base, charts.WithLineStyleOpts(opts.LineStyle{Color: reportBaseColor, Width: 1, Opacity: opts.Float(0.5)}))

	page.AddCharts(line)
	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func round(val float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Round(val)
	}
	scale := math.Pow10(decimals)
	return math.Round(val*scale) / scale
}
