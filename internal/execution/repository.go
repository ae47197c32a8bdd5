package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"smart-exec/internal/account"
	"smart-exec/internal/store"
)

// Repository 持久化执行记录，供按执行 ID 或账户查询历史。
type Repository struct {
	db *sql.DB
}

// NewRepository 创建执行记录仓库并初始化表。
func NewRepository(st *store.Store) (*Repository, error) {
	if st == nil {
		return nil, errors.New("execution: store 不能为空")
	}
	r := &Repository{db: st.DB()}
	if err := r.initSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS execution_runs (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	state TEXT NOT NULL,
	code TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	notional_usd TEXT NOT NULL,
	recipient TEXT NOT NULL DEFAULT '',
	risk_level TEXT NOT NULL DEFAULT '',
	loan_id TEXT NOT NULL DEFAULT '',
	steps TEXT NOT NULL DEFAULT '[]',
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_execution_runs_account ON execution_runs(account_id, started_at);

CREATE TABLE IF NOT EXISTS execution_entries (
	execution_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	kind TEXT NOT NULL,
	message TEXT NOT NULL,
	tx_hash TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	PRIMARY KEY (execution_id, seq)
);
`
	if _, err := r.db.Exec(stmt); err != nil {
		return fmt.Errorf("execution: 初始化表失败: %w", err)
	}
	return nil
}

// Save 写入或更新执行头信息（状态、步骤）。
func (r *Repository) Save(ctx context.Context, rep Report) error {
	steps, err := json.Marshal(rep.Steps)
	if err != nil {
		return fmt.Errorf("execution: 序列化步骤失败: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO execution_runs (id, account_id, kind, state, code, reason, notional_usd, recipient, risk_level, loan_id, steps, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	state = excluded.state,
	code = excluded.code,
	reason = excluded.reason,
	recipient = excluded.recipient,
	risk_level = excluded.risk_level,
	loan_id = excluded.loan_id,
	steps = excluded.steps,
	finished_at = excluded.finished_at`,
		rep.ExecutionID, rep.AccountID, rep.Kind, string(rep.State), rep.Code, rep.Reason,
		rep.NotionalUSD.String(), rep.Recipient, string(rep.RiskLevel), rep.LoanID, string(steps),
		formatTime(rep.StartedAt), formatTime(rep.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("execution: 保存执行失败: %w", err)
	}
	return nil
}

// AppendEntry 追加一条执行日志，记录只增不改。
func (r *Repository) AppendEntry(ctx context.Context, executionID string, e Entry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO execution_entries (execution_id, seq, kind, message, tx_hash, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		executionID, e.Seq, e.Kind, e.Message, e.TxHash, formatTime(e.At),
	)
	if err != nil {
		return fmt.Errorf("execution: 写入执行日志失败: %w", err)
	}
	return nil
}

// Get 读取单个执行的完整报告。
func (r *Repository) Get(ctx context.Context, id string) (Report, error) {
	row := r.db.QueryRowContext(ctx, selectRun+` WHERE id = ?`, id)
	rep, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, &Rejection{Code: CodeNotFound, Reason: id}
	}
	if err != nil {
		return Report{}, err
	}
	if err := r.loadEntries(ctx, &rep); err != nil {
		return Report{}, err
	}
	return rep, nil
}

// ListByAccount 按时间倒序列出账户的执行记录。
func (r *Repository) ListByAccount(ctx context.Context, accountID string, limit int) ([]Report, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, selectRun+` WHERE account_id = ? ORDER BY started_at DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("execution: 查询执行历史失败: %w", err)
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		rep, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("execution: 读取执行历史失败: %w", err)
	}
	// 内存库只有一个连接，先释放游标再查日志
	_ = rows.Close()

	for i := range out {
		if err := r.loadEntries(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Repository) loadEntries(ctx context.Context, rep *Report) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT seq, kind, message, tx_hash, created_at FROM execution_entries WHERE execution_id = ? ORDER BY seq`,
		rep.ExecutionID,
	)
	if err != nil {
		return fmt.Errorf("execution: 查询执行日志失败: %w", err)
	}
	defer rows.Close()

	rep.Entries = rep.Entries[:0]
	rep.TxHashes = rep.TxHashes[:0]
	for rows.Next() {
		var (
			e  Entry
			at string
		)
		if err := rows.Scan(&e.Seq, &e.Kind, &e.Message, &e.TxHash, &at); err != nil {
			return fmt.Errorf("execution: 解析执行日志失败: %w", err)
		}
		e.At = parseTime(at)
		rep.Entries = append(rep.Entries, e)
		if e.Kind == EntrySubmitted && e.TxHash != "" {
			rep.TxHashes = append(rep.TxHashes, e.TxHash)
		}
	}
	return rows.Err()
}

const selectRun = `SELECT id, account_id, kind, state, code, reason, notional_usd, recipient, risk_level, loan_id, steps, started_at, finished_at FROM execution_runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Report, error) {
	var (
		rep                          Report
		state, notional, level       string
		steps, startedAt, finishedAt string
	)
	if err := row.Scan(&rep.ExecutionID, &rep.AccountID, &rep.Kind, &state, &rep.Code, &rep.Reason,
		&notional, &rep.Recipient, &level, &rep.LoanID, &steps, &startedAt, &finishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Report{}, err
		}
		return Report{}, fmt.Errorf("execution: 解析执行失败: %w", err)
	}

	rep.State = State(state)
	rep.RiskLevel = account.RiskLevel(level)
	rep.NotionalUSD, _ = decimal.NewFromString(notional)
	if err := json.Unmarshal([]byte(steps), &rep.Steps); err != nil {
		return Report{}, fmt.Errorf("execution: 解析步骤失败: %w", err)
	}
	rep.StartedAt = parseTime(startedAt)
	rep.FinishedAt = parseTime(finishedAt)
	rep.Entries = []Entry{}
	rep.TxHashes = []string{}
	splitSteps(&rep)
	return rep, nil
}

// splitSteps 依据步骤状态区分成功与失败。
func splitSteps(rep *Report) {
	rep.Succeeded = []Step{}
	rep.Failed = nil
	for i := range rep.Steps {
		switch rep.Steps[i].Status {
		case StepConfirmed:
			rep.Succeeded = append(rep.Succeeded, rep.Steps[i])
		case StepFailed:
			failed := rep.Steps[i]
			rep.Failed = &failed
		}
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
