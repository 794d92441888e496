package market

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrRejectedSymbol 表示币种名未通过白名单校验。
// 币种名会被拼进数据文件路径，校验必须发生在任何文件系统访问之前。
var ErrRejectedSymbol = errors.New("币种名不合法")

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{1,12}$`)

// Normalize 去除首尾空白并统一为大写。
func Normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// NormalizeList 规范化并去重，保持原有顺序。
func NormalizeList(symbols []string) []string {
	if len(symbols) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		norm := Normalize(s)
		if norm == "" {
			continue
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	return out
}

// ValidateSymbol 按白名单文法校验币种名：仅允许 1~12 位大写字母或数字。
// 路径分隔符、..、shell 元字符等一律拒绝。
func ValidateSymbol(symbol string) error {
	if !symbolPattern.MatchString(symbol) {
		return fmt.Errorf("%w: %q", ErrRejectedSymbol, symbol)
	}
	return nil
}

func IsValidSymbol(symbol string) bool {
	return ValidateSymbol(symbol) == nil
}
