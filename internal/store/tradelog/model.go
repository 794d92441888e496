package tradelog

import (
	"time"

	"gorm.io/datatypes"
)

// Operation 交易操作类型。
type Operation string

const (
	OpOpen   Operation = "open"
	OpScale  Operation = "scale"
	OpFlip   Operation = "flip"
	OpClose  Operation = "close"
	OpReject Operation = "reject"
)

// OperationRecord 一次账本操作的留痕。
type OperationRecord struct {
	RunID     string
	Step      int
	Symbol    string
	Operation Operation
	Details   map[string]any
	Timestamp time.Time
}

// ClosedTradeRecord 一笔完整平仓的结果。
type ClosedTradeRecord struct {
	RunID       string
	Symbol      string
	Side        string
	Quantity    float64
	EntryPrice  float64
	ExitPrice   float64
	Leverage    float64
	Margin      float64
	RealizedPnL float64
	OpenedAt    time.Time
	ClosedAt    time.Time
	ClosedStep  int
	Details     map[string]any
}

type tradeOperationModel struct {
	ID        int64          `gorm:"column:id;primaryKey"`
	RunID     string         `gorm:"column:run_id;index"`
	Step      int            `gorm:"column:step"`
	Symbol    string         `gorm:"column:symbol;index"`
	Operation string         `gorm:"column:operation"`
	Details   datatypes.JSON `gorm:"column:details"`
	Timestamp int64          `gorm:"column:timestamp;index"`
}

func (tradeOperationModel) TableName() string { return "trade_operations" }

type closedTradeModel struct {
	ID          int64          `gorm:"column:id;primaryKey"`
	RunID       string         `gorm:"column:run_id;index"`
	Symbol      string         `gorm:"column:symbol;index"`
	Side        string         `gorm:"column:side"`
	Quantity    float64        `gorm:"column:quantity"`
	EntryPrice  float64        `gorm:"column:entry_price"`
	ExitPrice   float64        `gorm:"column:exit_price"`
	Leverage    float64        `gorm:"column:leverage"`
	Margin      float64        `gorm:"column:margin"`
	RealizedPnL float64        `gorm:"column:realized_pnl"`
	OpenedAt    int64          `gorm:"column:opened_at"`
	ClosedAt    int64          `gorm:"column:closed_at;index"`
	ClosedStep  int            `gorm:"column:closed_step"`
	Details     datatypes.JSON `gorm:"column:details"`
}

func (closedTradeModel) TableName() string { return "closed_trades" }
