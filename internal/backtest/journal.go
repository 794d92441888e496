package backtest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// RunJournal 管理 replay_runs/run_steps/decision_logs 三张表。
// 回放过程的流水账都落在这里：每个 run 一行摘要、
// 每个 step 一个权益点、每次模型调用一条完整记录（含提示词与原始输出），
// 供 HTTP 查询接口与报表使用。
type RunJournal struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

func NewRunJournal(root string) (*RunJournal, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("journal root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(root, "runs.db")
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureJournalSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &RunJournal{db: db, path: path}, nil
}

func (j *RunJournal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

func ensureJournalSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS replay_runs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			symbols TEXT NOT NULL,
			frequency TEXT NOT NULL,
			initial_cash REAL NOT NULL,
			final_equity REAL NOT NULL DEFAULT 0,
			return_pct REAL NOT NULL DEFAULT 0,
			steps INTEGER NOT NULL DEFAULT 0,
			config_json TEXT NOT NULL,
			stats_json TEXT,
			message TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS run_steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			equity REAL NOT NULL,
			cash REAL NOT NULL,
			realized REAL NOT NULL,
			unrealized REAL NOT NULL,
			positions INTEGER NOT NULL,
			changed INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY(run_id) REFERENCES replay_runs(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS decision_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			provider_id TEXT,
			system_prompt TEXT,
			user_prompt TEXT,
			raw_output TEXT,
			decision_json TEXT,
			error TEXT,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			FOREIGN KEY(run_id) REFERENCES replay_runs(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_run_steps_run ON run_steps(run_id, step);`,
		`CREATE INDEX IF NOT EXISTS idx_decision_logs_run ON decision_logs(run_id, step);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// InsertRun 写入一条 run 记录。
func (j *RunJournal) InsertRun(ctx context.Context, run Run) error {
	cfgJSON, err := json.Marshal(run.Config)
	if err != nil {
		return err
	}
	statsJSON, err := json.Marshal(run.Stats)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO replay_runs
			(id, status, symbols, frequency, initial_cash, final_equity, return_pct, steps,
			 config_json, stats_json, message, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Status, run.Symbols, run.Frequency, run.InitialCash,
		run.FinalEquity, run.ReturnPct, run.Steps, string(cfgJSON), bytesOrNil(statsJSON),
		run.Message, now, now, nullableTime(run.CompletedAt))
	return err
}

// FinishRun 终态更新：状态、收益指标与统计快照一次写齐。
func (j *RunJournal) FinishRun(ctx context.Context, id, status string, stats RunStats, message string) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	var completed interface{}
	if status == RunStatusDone || status == RunStatusFailed {
		completed = now
	}
	_, err = j.db.ExecContext(ctx, `
		UPDATE replay_runs
		SET status=?, final_equity=?, return_pct=?, steps=?, stats_json=?, message=?, updated_at=?,
		    completed_at=CASE WHEN ? IS NULL THEN completed_at ELSE ? END
		WHERE id=?`,
		status, stats.FinalEquity, stats.ReturnPct, stats.Steps, string(statsJSON), message, now,
		completed, completed, id)
	return err
}

// AppendStep 追加一个权益曲线点。
func (j *RunJournal) AppendStep(ctx context.Context, rec StepRecord) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO run_steps
			(run_id, step, ts, equity, cash, realized, unrealized, positions, changed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Step, rec.TS, rec.Equity, rec.Cash, rec.Realized, rec.Unrealized,
		rec.Positions, boolToInt(rec.Changed))
	return err
}

// AppendDecision 记录一次模型调用的完整材料，成功失败都记。
func (j *RunJournal) AppendDecision(ctx context.Context, rec DecisionRecord) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := j.db.ExecContext(ctx, `
		INSERT INTO decision_logs
			(run_id, step, symbol, provider_id, system_prompt, user_prompt,
			 raw_output, decision_json, error, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Step, rec.Symbol, rec.ProviderID, rec.SystemPrompt, rec.UserPrompt,
		rec.RawOutput, rec.DecisionJSON, rec.Error, rec.LatencyMS, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (j *RunJournal) GetRun(ctx context.Context, id string) (Run, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT id, status, symbols, frequency, initial_cash, final_equity, return_pct, steps,
		       config_json, stats_json, message, created_at, updated_at, completed_at
		FROM replay_runs WHERE id=?`, id)
	return scanRun(row)
}

func (j *RunJournal) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, status, symbols, frequency, initial_cash, final_equity, return_pct, steps,
		       config_json, stats_json, message, created_at, updated_at, completed_at
		FROM replay_runs
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, run)
	}
	return list, rows.Err()
}

func (j *RunJournal) ListSteps(ctx context.Context, runID string, limit int) ([]StepRecord, error) {
	if limit <= 0 || limit > 2000 {
		limit = 400
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT step, ts, equity, cash, realized, unrealized, positions, changed
		FROM run_steps
		WHERE run_id=?
		ORDER BY step ASC
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StepRecord
	for rows.Next() {
		var rec StepRecord
		var changed int64
		if err := rows.Scan(&rec.Step, &rec.TS, &rec.Equity, &rec.Cash, &rec.Realized,
			&rec.Unrealized, &rec.Positions, &changed); err != nil {
			return nil, err
		}
		rec.RunID = runID
		rec.Changed = changed != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (j *RunJournal) ListDecisions(ctx context.Context, runID string, limit int) ([]DecisionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, step, symbol, provider_id, system_prompt, user_prompt,
		       raw_output, decision_json, error, latency_ms, created_at
		FROM decision_logs
		WHERE run_id=?
		ORDER BY step ASC, id ASC
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DecisionRecord
	for rows.Next() {
		var rec DecisionRecord
		var created int64
		var provider, system, user, raw, decisionStr, errStr sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Step, &rec.Symbol, &provider, &system, &user,
			&raw, &decisionStr, &errStr, &rec.LatencyMS, &created); err != nil {
			return nil, err
		}
		rec.RunID = runID
		rec.ProviderID = provider.String
		rec.SystemPrompt = system.String
		rec.UserPrompt = user.String
		rec.RawOutput = raw.String
		rec.DecisionJSON = decisionStr.String
		rec.Error = errStr.String
		rec.CreatedAt = timeFromMillis(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// EquitySeries 取整条权益曲线，报表用，上限放宽。
func (j *RunJournal) EquitySeries(ctx context.Context, runID string, limit int) ([]EquityPoint, error) {
	if limit <= 0 || limit > 20000 {
		limit = 5000
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT step, ts, equity, cash
		FROM run_steps
		WHERE run_id=?
		ORDER BY step ASC
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EquityPoint
	for rows.Next() {
		var pt EquityPoint
		if err := rows.Scan(&pt.Step, &pt.TS, &pt.Equity, &pt.Cash); err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

func bytesOrNil(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (Run, error) {
	var run Run
	var cfgStr string
	var statsStr sql.NullString
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64
	if err := row.Scan(&run.ID, &run.Status, &run.Symbols, &run.Frequency, &run.InitialCash,
		&run.FinalEquity, &run.ReturnPct, &run.Steps, &cfgStr, &statsStr, &run.Message,
		&createdAt, &updatedAt, &completedAt); err != nil {
		return Run{}, err
	}
	run.CreatedAt = timeFromMillis(createdAt)
	run.UpdatedAt = timeFromMillis(updatedAt)
	if completedAt.Valid {
		run.CompletedAt = timeFromMillis(completedAt.Int64)
	}
	if err := json.Unmarshal([]byte(cfgStr), &run.Config); err != nil {
		return Run{}, err
	}
	if statsStr.Valid && statsStr.String != "" {
		if err := json.Unmarshal([]byte(statsStr.String), &run.Stats); err != nil {
			return Run{}, err
		}
	}
	return run, nil
}

func timeFromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.Unix(0, ms*int64(time.Millisecond))
}
