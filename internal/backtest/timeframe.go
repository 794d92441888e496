package backtest

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Frequency 描述回放步进的K线周期。
type Frequency struct {
	Key      string
	Duration time.Duration
}

var supportedFrequencies = map[string]Frequency{
	"1m":  {Key: "1m", Duration: time.Minute},
	"3m":  {Key: "3m", Duration: 3 * time.Minute},
	"5m":  {Key: "5m", Duration: 5 * time.Minute},
	"15m": {Key: "15m", Duration: 15 * time.Minute},
	"30m": {Key: "30m", Duration: 30 * time.Minute},
	"1h":  {Key: "1h", Duration: time.Hour},
	"4h":  {Key: "4h", Duration: 4 * time.Hour},
	"1d":  {Key: "1d", Duration: 24 * time.Hour},
}

// ParseFrequency 返回标准化周期定义，不在白名单内的输入报错。
func ParseFrequency(input string) (Frequency, error) {
	key := strings.ToLower(strings.TrimSpace(input))
	f, ok := supportedFrequencies[key]
	if !ok {
		return Frequency{}, fmt.Errorf("不支持的周期: %q（可选: %s）", input, strings.Join(SupportedFrequencies(), " "))
	}
	return f, nil
}

// SupportedFrequencies 返回所有支持的 key（按时长排序）。
func SupportedFrequencies() []string {
	keys := make([]string, 0, len(supportedFrequencies))
	for k := range supportedFrequencies {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return supportedFrequencies[keys[i]].Duration < supportedFrequencies[keys[j]].Duration
	})
	return keys
}
