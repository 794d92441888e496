// Package tradelog 用 SQLite 留存回放过程中的全部账本操作与平仓记录。
// 写入失败只记日志不中断回放，历史可通过 HTTP 接口或 sqlite 工具离线翻查。
package tradelog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Store struct {
	db *gorm.DB
}

// New 打开（必要时创建）交易日志库并完成建表。
func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("tradelog: 数据库路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("tradelog: 创建目录失败: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&tradeOperationModel{}, &closedTradeModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL：写入方只有回放循环，读方是 HTTP 查询，小连接池足够。
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AppendOperation 追加一条操作记录。
func (s *Store) AppendOperation(ctx context.Context, rec OperationRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("tradelog store 未初始化")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	detailBytes, _ := json.Marshal(rec.Details)
	model := tradeOperationModel{
		RunID:     strings.TrimSpace(rec.RunID),
		Step:      rec.Step,
		Symbol:    strings.ToUpper(strings.TrimSpace(rec.Symbol)),
		Operation: string(rec.Operation),
		Details:   detailBytes,
		Timestamp: rec.Timestamp.UnixMilli(),
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// ListOperations 按时间倒序列出操作记录，symbol 为空则不过滤。
func (s *Store) ListOperations(ctx context.Context, symbol string, limit int) ([]OperationRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("tradelog store 未初始化")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Model(&tradeOperationModel{})
	if sym := strings.ToUpper(strings.TrimSpace(symbol)); sym != "" {
		query = query.Where("symbol = ?", sym)
	}
	var models []tradeOperationModel
	if err := query.Order("timestamp DESC, id DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]OperationRecord, 0, len(models))
	for _, m := range models {
		out = append(out, operationModelToRecord(m))
	}
	return out, nil
}

// InsertClosedTrade 记录一笔完整平仓。
func (s *Store) InsertClosedTrade(ctx context.Context, rec ClosedTradeRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("tradelog store 未初始化")
	}
	if rec.ClosedAt.IsZero() {
		rec.ClosedAt = time.Now()
	}
	detailBytes, _ := json.Marshal(rec.Details)
	model := closedTradeModel{
		RunID:       strings.TrimSpace(rec.RunID),
		Symbol:      strings.ToUpper(strings.TrimSpace(rec.Symbol)),
		Side:        strings.ToLower(strings.TrimSpace(rec.Side)),
		Quantity:    rec.Quantity,
		EntryPrice:  rec.EntryPrice,
		ExitPrice:   rec.ExitPrice,
		Leverage:    rec.Leverage,
		Margin:      rec.Margin,
		RealizedPnL: rec.RealizedPnL,
		OpenedAt:    timeToMillis(rec.OpenedAt),
		ClosedAt:    rec.ClosedAt.UnixMilli(),
		ClosedStep:  rec.ClosedStep,
		Details:     detailBytes,
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// ListClosedTrades 按平仓时间倒序列出平仓记录，symbol 为空则不过滤。
func (s *Store) ListClosedTrades(ctx context.Context, symbol string, limit int) ([]ClosedTradeRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("tradelog store 未初始化")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Model(&closedTradeModel{})
	if sym := strings.ToUpper(strings.TrimSpace(symbol)); sym != "" {
		query = query.Where("symbol = ?", sym)
	}
	var models []closedTradeModel
	if err := query.Order("closed_at DESC, id DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]ClosedTradeRecord, 0, len(models))
	for _, m := range models {
		out = append(out, closedTradeModelToRecord(m))
	}
	return out, nil
}

func operationModelToRecord(m tradeOperationModel) OperationRecord {
	var details map[string]any
	if len(m.Details) > 0 {
		_ = json.Unmarshal(m.Details, &details)
	}
	return OperationRecord{
		RunID:     m.RunID,
		Step:      m.Step,
		Symbol:    m.Symbol,
		Operation: Operation(m.Operation),
		Details:   details,
		Timestamp: millisToTime(m.Timestamp),
	}
}

func closedTradeModelToRecord(m closedTradeModel) ClosedTradeRecord {
	var details map[string]any
	if len(m.Details) > 0 {
		_ = json.Unmarshal(m.Details, &details)
	}
	return ClosedTradeRecord{
		RunID:       m.RunID,
		Symbol:      m.Symbol,
		Side:        m.Side,
		Quantity:    m.Quantity,
		EntryPrice:  m.EntryPrice,
		ExitPrice:   m.ExitPrice,
		Leverage:    m.Leverage,
		Margin:      m.Margin,
		RealizedPnL: m.RealizedPnL,
		OpenedAt:    millisToTime(m.OpenedAt),
		ClosedAt:    millisToTime(m.ClosedAt),
		ClosedStep:  m.ClosedStep,
		Details:     details,
	}
}

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisToTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
