package replay

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"tapesim/internal/market"
)

var requiredColumns = []string{"timestamp", "open", "high", "low", "close", "volume"}

// loadSeriesCSV 读取一个币种的历史 K 线文件。
// 表头列名不区分大小写、顺序任意，多余列忽略；数据行解析失败视为文件损坏。
func loadSeriesCSV(path string) ([]market.Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("读取表头失败: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\uFEFF")))
		if name == "" {
			continue
		}
		if _, ok := cols[name]; !ok {
			cols[name] = i
		}
	}
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("缺少必需列 %q", name)
		}
	}

	var candles []market.Candle
	line := 1
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("第 %d 行解析失败: %w", line, err)
		}
		c, err := parseRow(rec, cols)
		if err != nil {
			return nil, fmt.Errorf("第 %d 行: %w", line, err)
		}
		candles = append(candles, c)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("文件没有数据行")
	}

	sort.SliceStable(candles, func(i, j int) bool { return candles[i].Timestamp < candles[j].Timestamp })
	return dedupeByTimestamp(candles), nil
}

func parseRow(rec []string, cols map[string]int) (market.Candle, error) {
	field := func(name string) (string, error) {
		idx := cols[name]
		if idx >= len(rec) {
			return "", fmt.Errorf("缺少字段 %q", name)
		}
		return strings.TrimSpace(rec[idx]), nil
	}

	tsRaw, err := field("timestamp")
	if err != nil {
		return market.Candle{}, err
	}
	ts, err := parseTimestamp(tsRaw)
	if err != nil {
		return market.Candle{}, err
	}

	var c market.Candle
	c.Timestamp = ts
	for _, part := range []struct {
		name string
		dst  *float64
	}{
		{"open", &c.Open},
		{"high", &c.High},
		{"low", &c.Low},
		{"close", &c.Close},
		{"volume", &c.Volume},
	} {
		raw, err := field(part.name)
		if err != nil {
			return market.Candle{}, err
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return market.Candle{}, fmt.Errorf("字段 %q 值 %q 无法解析: %w", part.name, raw, err)
		}
		*part.dst = v
	}
	if c.Volume < 0 {
		return market.Candle{}, fmt.Errorf("成交量为负: %v", c.Volume)
	}
	return c, nil
}

// parseTimestamp 同时接受整数和浮点字面量的 Unix 秒。
func parseTimestamp(raw string) (int64, error) {
	if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return ts, nil
	}
	fv, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("时间戳 %q 无法解析: %w", raw, err)
	}
	return int64(fv), nil
}

// dedupeByTimestamp 去除重复时间戳，保留后出现的一根。输入须已排序。
func dedupeByTimestamp(candles []market.Candle) []market.Candle {
	if len(candles) < 2 {
		return candles
	}
	out := candles[:1]
	for _, c := range candles[1:] {
		if c.Timestamp == out[len(out)-1].Timestamp {
			out[len(out)-1] = c
			continue
		}
		out = append(out, c)
	}
	return out
}
