package loan

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"smart-exec/internal/account"
	"smart-exec/internal/events"
	"smart-exec/internal/metrics"
	"smart-exec/internal/store"
)

// Engine 是借贷状态的唯一写入方。
type Engine struct {
	store    *store.Store
	db       *sql.DB
	ceilings []decimal.Decimal
	bus      *events.Bus
	metrics  *metrics.Collector
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine 创建借贷引擎，ceilings 按 KYC 等级给出默认 LTV 上限。
func NewEngine(st *store.Store, ceilings []float64, bus *events.Bus, m *metrics.Collector, logger *zap.Logger) (*Engine, error) {
	if st == nil {
		return nil, errors.New("loan: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		store:   st,
		db:      st.DB(),
		bus:     bus,
		metrics: m,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, c := range ceilings {
		e.ceilings = append(e.ceilings, decimal.NewFromFloat(c))
	}
	if err := e.initSchema(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS loans (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			collateral TEXT NOT NULL,
			collateral_usd TEXT NOT NULL,
			original_principal TEXT NOT NULL,
			principal TEXT NOT NULL,
			ltv TEXT NOT NULL,
			ltv_ceiling TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_loans_account ON loans(account_id);`,
		`CREATE TABLE IF NOT EXISTS loan_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			loan_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			amount_usd TEXT NOT NULL DEFAULT '0',
			remaining_usd TEXT NOT NULL DEFAULT '0',
			note TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range schema {
		if _, err := e.db.Exec(stmt); err != nil {
			return fmt.Errorf("loan: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

// CeilingFor 返回 KYC 等级对应的默认 LTV 上限。
func (e *Engine) CeilingFor(tier account.Tier) (decimal.Decimal, error) {
	if !tier.Valid() || int(tier) >= len(e.ceilings) {
		return decimal.Zero, reject(CodeUnknownAccountTier, "没有等级 %d 的 LTV 配置", int(tier))
	}
	return e.ceilings[tier], nil
}

// OpenLoan 校验 LTV 后开立借贷，违规请求整体拒绝，不做部分放款。
func (e *Engine) OpenLoan(ctx context.Context, req OpenRequest) (Position, error) {
	assessment, err := Assess(req)
	if err != nil {
		var rej *Rejection
		if errors.As(err, &rej) {
			e.logger.Warn("借款被拒绝",
				zap.String("account_id", req.AccountID),
				zap.String("code", rej.Code),
				zap.String("reason", rej.Reason),
			)
			e.metrics.LoanEvent("rejected")
		}
		return Position{}, err
	}

	now := e.now()
	pos := Position{
		ID:                uuid.NewString(),
		AccountID:         req.AccountID,
		Collateral:        assessment.Collateral,
		CollateralUSD:     assessment.CollateralUSD,
		OriginalPrincipal: req.PrincipalUSD,
		Principal:         req.PrincipalUSD,
		LTV:               assessment.LTV,
		LTVCeiling:        req.LTVCeiling,
		Status:            StatusOpen,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	collateral, err := json.Marshal(pos.Collateral)
	if err != nil {
		return Position{}, fmt.Errorf("loan: 序列化抵押物失败: %w", err)
	}

	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO loans (id, account_id, collateral, collateral_usd, original_principal, principal, ltv, ltv_ceiling, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			pos.ID, pos.AccountID, string(collateral), pos.CollateralUSD.String(),
			pos.OriginalPrincipal.String(), pos.Principal.String(), pos.LTV.String(), pos.LTVCeiling.String(),
			string(pos.Status), formatTime(now), formatTime(now),
		); err != nil {
			return fmt.Errorf("loan: 写入借贷失败: %w", err)
		}
		return logEventTx(ctx, tx, pos.ID, "opened", pos.Principal, pos.Principal, "", now)
	})
	if err != nil {
		return Position{}, err
	}

	e.logger.Info("借贷已开立",
		zap.String("loan_id", pos.ID),
		zap.String("account_id", pos.AccountID),
		zap.String("principal", pos.Principal.StringFixed(2)),
		zap.String("collateral_usd", pos.CollateralUSD.StringFixed(2)),
		zap.String("ltv", pos.LTV.StringFixed(4)),
	)
	e.metrics.LoanEvent("opened")
	e.publish(pos, "opened")
	return pos, nil
}

// Repay 部分或全部还款，本金归零时状态变为 repaid。
func (e *Engine) Repay(ctx context.Context, loanID string, amount decimal.Decimal) (Position, error) {
	if !amount.IsPositive() {
		return Position{}, reject(CodeInvalidAmount, "还款金额必须为正: %s", amount)
	}

	var pos Position
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := scanPosition(tx.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, loanID))
		if err != nil {
			return err
		}
		if current.Status != StatusOpen {
			return reject(CodeNotOpen, "借贷 %s 当前状态为 %s", loanID, current.Status)
		}
		if amount.GreaterThan(current.Principal) {
			return reject(CodeRepaymentExceeds, "还款 $%s 超过剩余本金 $%s",
				amount.StringFixed(2), current.Principal.StringFixed(2))
		}

		now := e.now()
		current.Principal = current.Principal.Sub(amount)
		if current.Principal.IsZero() {
			current.Status = StatusRepaid
		}
		current.UpdatedAt = now

		if err := updateStatusTx(ctx, tx, current); err != nil {
			return err
		}
		if err := logEventTx(ctx, tx, loanID, "repayment", amount, current.Principal, "", now); err != nil {
			return err
		}
		pos = current
		return nil
	})
	if err != nil {
		return Position{}, err
	}

	event := "repayment"
	if pos.Status == StatusRepaid {
		event = "repaid"
	}
	e.logger.Info("借贷还款完成",
		zap.String("loan_id", loanID),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("remaining", pos.Principal.StringFixed(2)),
		zap.String("status", string(pos.Status)),
	)
	e.metrics.LoanEvent(event)
	e.publish(pos, event)
	return pos, nil
}

// Liquidate 由外部清算触发，将未结清借贷置为 liquidated。
func (e *Engine) Liquidate(ctx context.Context, loanID, reason string) (Position, error) {
	var pos Position
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := scanPosition(tx.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, loanID))
		if err != nil {
			return err
		}
		if current.Status != StatusOpen {
			return reject(CodeNotOpen, "借贷 %s 当前状态为 %s", loanID, current.Status)
		}

		now := e.now()
		current.Status = StatusLiquidated
		current.UpdatedAt = now
		if err := updateStatusTx(ctx, tx, current); err != nil {
			return err
		}
		if err := logEventTx(ctx, tx, loanID, "liquidated", decimal.Zero, current.Principal, reason, now); err != nil {
			return err
		}
		pos = current
		return nil
	})
	if err != nil {
		return Position{}, err
	}

	e.logger.Warn("借贷已清算", zap.String("loan_id", loanID), zap.String("reason", reason))
	e.metrics.LoanEvent("liquidated")
	e.publish(pos, "liquidated")
	return pos, nil
}

// Get 读取借贷头寸。
func (e *Engine) Get(ctx context.Context, loanID string) (Position, error) {
	return scanPosition(e.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, loanID))
}

// ListByAccount 返回账户的全部借贷，按开立时间排序。
func (e *Engine) ListByAccount(ctx context.Context, accountID string) ([]Position, error) {
	rows, err := e.db.QueryContext(ctx, selectColumns+` WHERE account_id = ? ORDER BY created_at ASC, id ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("loan: 查询借贷失败: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loan: 遍历借贷失败: %w", err)
	}
	return out, nil
}

func (e *Engine) publish(pos Position, event string) {
	e.bus.Publish(events.Event{
		Type:      events.TypeLoanChanged,
		AccountID: pos.AccountID,
		SubjectID: pos.ID,
		Payload: map[string]any{
			"event":     event,
			"status":    string(pos.Status),
			"principal": pos.Principal.StringFixed(2),
		},
	})
}

func updateStatusTx(ctx context.Context, tx *sql.Tx, pos Position) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE loans SET principal = ?, status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		pos.Principal.String(), string(pos.Status), formatTime(pos.UpdatedAt), pos.ID, string(StatusOpen))
	if err != nil {
		return fmt.Errorf("loan: 更新借贷失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return reject(CodeNotOpen, "借贷 %s 已被并发修改", pos.ID)
	}
	return nil
}

func logEventTx(ctx context.Context, tx *sql.Tx, loanID, eventType string, amount, remaining decimal.Decimal, note string, ts time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO loan_events (loan_id, event_type, amount_usd, remaining_usd, note, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		loanID, eventType, amount.String(), remaining.String(), note, formatTime(ts),
	); err != nil {
		return fmt.Errorf("loan: 记录借贷事件失败: %w", err)
	}
	return nil
}

const selectColumns = `SELECT id, account_id, collateral, collateral_usd, original_principal, principal, ltv, ltv_ceiling, status, created_at, updated_at FROM loans`

type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(row scanner) (Position, error) {
	var (
		pos                                           Position
		collateral, collateralUSD, original, principal string
		ltv, ceiling, status, created, updated        string
	)
	err := row.Scan(&pos.ID, &pos.AccountID, &collateral, &collateralUSD, &original, &principal,
		&ltv, &ceiling, &status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Position{}, &Rejection{Code: CodeLoanNotFound}
	}
	if err != nil {
		return Position{}, fmt.Errorf("loan: 读取借贷失败: %w", err)
	}

	if err := json.Unmarshal([]byte(collateral), &pos.Collateral); err != nil {
		return Position{}, fmt.Errorf("loan: 解析抵押物失败: %w", err)
	}
	for _, f := range []struct {
		raw string
		dst *decimal.Decimal
	}{
		{collateralUSD, &pos.CollateralUSD},
		{original, &pos.OriginalPrincipal},
		{principal, &pos.Principal},
		{ltv, &pos.LTV},
		{ceiling, &pos.LTVCeiling},
	} {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return Position{}, fmt.Errorf("loan: 解析金额失败: %w", err)
		}
		*f.dst = v
	}
	pos.Status = Status(status)
	pos.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	pos.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return pos, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
