package replay

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"tapesim/internal/logger"
	"tapesim/internal/market"
)

// ErrDataUnavailable 表示指定币种的历史数据缺失或损坏。
var ErrDataUnavailable = errors.New("历史数据不可用")

type seriesState struct {
	candles []market.Candle
	idx     int
}

// Cursor 管理多币种历史序列的回放位置。
// 序列加载后不可变，游标只向前移动，越界后不回绕也不截断。
type Cursor struct {
	dataDir string

	mu     sync.RWMutex
	states map[string]*seriesState
}

func NewCursor(dataDir string) *Cursor {
	return &Cursor{
		dataDir: dataDir,
		states:  make(map[string]*seriesState),
	}
}

// Load 加载一个币种的历史序列，重复调用是空操作。
// 币种名校验发生在任何路径拼接与文件访问之前。
func (c *Cursor) Load(symbol string) error {
	symbol = market.Normalize(symbol)
	if err := market.ValidateSymbol(symbol); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.states[symbol]; ok {
		return nil
	}

	path := filepath.Join(c.dataDir, symbol+"_historical.csv")
	candles, err := loadSeriesCSV(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDataUnavailable, symbol, err)
	}
	c.states[symbol] = &seriesState{candles: candles}
	logger.Infof("已加载 %s 历史数据 %d 根 (%s)", symbol, len(candles), path)
	return nil
}

// Current 返回游标所指的 K 线；序列耗尽或币种未加载时第二个返回值为 false。
func (c *Cursor) Current(symbol string) (market.Candle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.states[symbol]
	if !ok || st.idx >= len(st.candles) {
		return market.Candle{}, false
	}
	return st.candles[st.idx], true
}

// Window 返回以游标为终点（含）的最多 count 根 K 线。
// 序列开头附近不足 count 根时返回实际数量，不算错误。
func (c *Cursor) Window(symbol string, count int) []market.Candle {
	if count <= 0 {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.states[symbol]
	if !ok || st.idx >= len(st.candles) {
		return nil
	}
	start := st.idx - count + 1
	if start < 0 {
		start = 0
	}
	return st.candles[start : st.idx+1]
}

// Advance 将游标前移 steps 根，返回移动后是否仍在序列内。
// steps <= 0 不移动，仅报告当前有效性。
func (c *Cursor) Advance(symbol string, steps int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[symbol]
	if !ok {
		return false
	}
	if steps > 0 {
		st.idx += steps
	}
	return st.idx < len(st.candles)
}

// Reset 将游标拨回序列起点，不重新读盘。
func (c *Cursor) Reset(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[symbol]; ok {
		st.idx = 0
	}
}

// Position 返回游标当前下标，币种未加载返回 -1。
func (c *Cursor) Position(symbol string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.states[symbol]
	if !ok {
		return -1
	}
	return st.idx
}

func (c *Cursor) Len(symbol string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.states[symbol]
	if !ok {
		return 0
	}
	return len(st.candles)
}

func (c *Cursor) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.states))
	for s := range c.states {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
