package text

// Truncate 截断到 max 个字符并追加省略号。
// 按 rune 截断，中文内容不会被切出半个字符。
func Truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
