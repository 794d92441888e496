package decision

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"tapesim/internal/pkg/jsonutil"
)

const wireEnvelopeKey = "trade_signal_args"

// Parse 从模型的自由文本输出中提取并解码一条决策。
// 返回值依次为：解码后的决策、提取到的 JSON 文本（便于落盘排查）、错误。
func Parse(raw string) (Decision, string, error) {
	block, ok := jsonutil.ExtractObject(raw)
	if !ok {
		return Decision{}, "", fmt.Errorf("未找到 JSON 决策对象")
	}
	if !gjson.Valid(block) {
		return Decision{}, block, fmt.Errorf("json 格式无效")
	}
	parsed := gjson.Parse(block)
	if !parsed.IsObject() {
		return Decision{}, block, fmt.Errorf("根节点必须是 JSON 对象")
	}
	args := parsed.Get(wireEnvelopeKey)
	if !args.Exists() {
		return Decision{}, block, fmt.Errorf("缺少 %s 字段", wireEnvelopeKey)
	}
	if !args.IsObject() {
		return Decision{}, block, fmt.Errorf("%s 必须是对象", wireEnvelopeKey)
	}

	var d Decision
	if err := json.Unmarshal([]byte(args.Raw), &d); err != nil {
		return Decision{}, block, fmt.Errorf("解析决策失败: %w", err)
	}
	d.Signal = NormalizeSignal(d.Signal)
	d.Symbol = strings.ToUpper(strings.TrimSpace(d.Symbol))
	return d, block, nil
}
