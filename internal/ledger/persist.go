package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const stateVersion = 1

var (
	// ErrStateNotFound 表示状态文件不存在，调用方回退到初始资金。
	ErrStateNotFound = errors.New("账本状态文件不存在")
	// ErrStateCorrupt 表示状态文件无法解析或未通过一致性检查，启动必须中止。
	ErrStateCorrupt = errors.New("账本状态文件损坏")
)

type stateFile struct {
	Version int `json:"version"`
	AccountSnapshot
}

// Save 全量覆盖写状态文件：先写临时文件再原子改名，中途崩溃不会破坏旧状态。
func (l *Ledger) Save(path string) error {
	l.mu.RLock()
	state := stateFile{Version: stateVersion, AccountSnapshot: l.snapshotLocked()}
	l.mu.RUnlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化账本失败: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("创建状态目录失败: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".portfolio-*.json")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("写入状态失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("关闭临时文件失败: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("替换状态文件失败: %w", err)
	}
	return nil
}

// Load 从状态文件重建账本。
// 文件不存在返回 ErrStateNotFound；解析失败或数据不自洽返回 ErrStateCorrupt。
func Load(path string) (*Ledger, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrStateNotFound, path)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrStateCorrupt, path, err)
	}

	var state stateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStateCorrupt, path, err)
	}
	if err := validateState(state); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStateCorrupt, path, err)
	}

	initial := state.InitialCash
	if initial <= 0 && len(state.Positions) == 0 && state.AvailableCash > 0 {
		// 手写的初始资金文件可以只给 available_cash。
		initial = state.AvailableCash
	}

	l := &Ledger{
		initialCash:   initial,
		availableCash: state.AvailableCash,
		realizedPnL:   state.RealizedPnL,
		positions:     make(map[string]*Position, len(state.Positions)),
		lastMark:      make(map[string]float64, len(state.Positions)),
		updatedAt:     state.UpdatedAt,
	}
	if l.updatedAt == 0 {
		l.updatedAt = time.Now().Unix()
	}
	for i := range state.Positions {
		pos := state.Positions[i]
		if pos.CurrentPrice <= 0 {
			pos.CurrentPrice = pos.EntryPrice
		}
		// 派生字段一律重算，不信任文件里的旧值。
		pos.NotionalUSD = notionalOf(pos.Quantity, pos.CurrentPrice)
		pos.UnrealizedPnL = unrealizedFor(pos.Side, pos.EntryPrice, pos.CurrentPrice, pos.Quantity, pos.Leverage)
		l.positions[pos.Symbol] = &pos
		l.lastMark[pos.Symbol] = pos.CurrentPrice
	}
	return l, nil
}

func validateState(state stateFile) error {
	if state.Version < 0 || state.Version > stateVersion {
		return fmt.Errorf("不支持的版本 %d", state.Version)
	}
	if state.InitialCash < 0 {
		return fmt.Errorf("初始资金为负: %v", state.InitialCash)
	}
	if state.AvailableCash < 0 {
		return fmt.Errorf("可用资金为负: %v", state.AvailableCash)
	}
	seen := make(map[string]struct{}, len(state.Positions))
	for _, pos := range state.Positions {
		if pos.Symbol == "" {
			return fmt.Errorf("持仓缺少币种名")
		}
		if _, ok := seen[pos.Symbol]; ok {
			return fmt.Errorf("币种 %s 出现多笔持仓", pos.Symbol)
		}
		seen[pos.Symbol] = struct{}{}
		if pos.Side != SideLong && pos.Side != SideShort {
			return fmt.Errorf("%s 方向非法: %q", pos.Symbol, pos.Side)
		}
		if pos.Quantity <= 0 {
			return fmt.Errorf("%s 数量非法: %v", pos.Symbol, pos.Quantity)
		}
		if pos.EntryPrice <= 0 {
			return fmt.Errorf("%s 入场价非法: %v", pos.Symbol, pos.EntryPrice)
		}
		if pos.Leverage <= 0 {
			return fmt.Errorf("%s 杠杆非法: %v", pos.Symbol, pos.Leverage)
		}
		if pos.Margin < 0 {
			return fmt.Errorf("%s 保证金为负: %v", pos.Symbol, pos.Margin)
		}
	}
	return nil
}
