package warning

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"smart-exec/internal/ai"
	"smart-exec/internal/events"
	"smart-exec/internal/store"
)

// Severity 为提示严重程度，与账户风险等级对应。
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Status 为提示状态。
type Status string

const (
	StatusActive    Status = "active"
	StatusDismissed Status = "dismissed"
	StatusResolved  Status = "resolved"
)

// CodeRiskElevated 为风险等级偏高时生成的提示代码。
const CodeRiskElevated = "RISK_ELEVATED"

var ErrNotFound = errors.New("warning: 提示不存在或已关闭")

// Warning 为面向用户的安全提示。
type Warning struct {
	ID              string    `json:"id"`
	AccountID       string    `json:"account_id"`
	Code            string    `json:"code"`
	Severity        Severity  `json:"severity"`
	Message         string    `json:"message"`
	Reasons         []string  `json:"reasons,omitempty"`
	SuggestedAction string    `json:"suggested_action,omitempty"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RaiseRequest 描述一次提示请求。
type RaiseRequest struct {
	AccountID string
	Code      string
	Severity  Severity
	Message   string
	Reasons   []string
	KYCTier   int
}

// Advisor 为提示生成处置建议。
type Advisor interface {
	SuggestAction(ctx context.Context, w ai.WarningContext) (ai.Advice, error)
}

const adviceTimeout = 30 * time.Second

// Board 持久化安全提示并广播变更。
type Board struct {
	db      *sql.DB
	bus     *events.Bus
	advisor Advisor
	logger  *zap.Logger
	now     func() time.Time

	wg sync.WaitGroup
}

// NewBoard 创建提示板并初始化表结构，advisor 可为空。
func NewBoard(st *store.Store, bus *events.Bus, advisor Advisor, logger *zap.Logger) (*Board, error) {
	if st == nil {
		return nil, errors.New("warning: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Board{
		db:      st.DB(),
		bus:     bus,
		advisor: advisor,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if err := b.initSchema(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Board) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS safety_warnings (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	code TEXT NOT NULL,
	severity TEXT NOT NULL,
	message TEXT NOT NULL,
	reasons TEXT NOT NULL DEFAULT '[]',
	suggested_action TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_safety_warnings_account ON safety_warnings(account_id, status);
`
	if _, err := b.db.Exec(stmt); err != nil {
		return fmt.Errorf("warning: 初始化表失败: %w", err)
	}
	return nil
}

// Raise 生成或刷新提示；同一账户同一代码只保留一条活动提示。
func (b *Board) Raise(ctx context.Context, req RaiseRequest) (Warning, error) {
	if strings.TrimSpace(req.AccountID) == "" {
		return Warning{}, errors.New("warning: account_id 不能为空")
	}
	if req.Code == "" {
		req.Code = CodeRiskElevated
	}
	if req.Severity == "" {
		req.Severity = SeverityMedium
	}

	reasons, err := json.Marshal(req.Reasons)
	if err != nil {
		return Warning{}, fmt.Errorf("warning: 序列化原因失败: %w", err)
	}

	now := b.now()

	existing, err := b.active(ctx, req.AccountID, req.Code)
	switch {
	case err == nil:
		// 刷新保留已有建议
		if _, err := b.db.ExecContext(ctx,
			`UPDATE safety_warnings SET severity = ?, message = ?, reasons = ?, updated_at = ?
			 WHERE id = ?`,
			string(req.Severity), req.Message, string(reasons), formatTime(now), existing.ID,
		); err != nil {
			return Warning{}, fmt.Errorf("warning: 刷新提示失败: %w", err)
		}
		existing.Severity = req.Severity
		existing.Message = req.Message
		existing.Reasons = req.Reasons
		existing.UpdatedAt = now
		b.publish(events.TypeWarningRaised, existing)
		return existing, nil
	case !errors.Is(err, ErrNotFound):
		return Warning{}, err
	}

	w := Warning{
		ID:              uuid.NewString(),
		AccountID:       req.AccountID,
		Code:            req.Code,
		Severity:        req.Severity,
		Message:         req.Message,
		Reasons:         req.Reasons,
		SuggestedAction: defaultAction(req),
		Status:          StatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if _, err := b.db.ExecContext(ctx,
		`INSERT INTO safety_warnings (id, account_id, code, severity, message, reasons, suggested_action, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.AccountID, w.Code, string(w.Severity), w.Message, string(reasons), w.SuggestedAction,
		string(w.Status), formatTime(now), formatTime(now),
	); err != nil {
		return Warning{}, fmt.Errorf("warning: 写入提示失败: %w", err)
	}

	b.logger.Info("安全提示已生成",
		zap.String("warning_id", w.ID),
		zap.String("account_id", w.AccountID),
		zap.String("severity", string(w.Severity)),
	)
	b.publish(events.TypeWarningRaised, w)

	if b.advisor != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.advise(w, req)
		}()
	}
	return w, nil
}

// Wait 等待后台生成建议的任务结束。
func (b *Board) Wait() {
	b.wg.Wait()
}

// Dismiss 由用户显式关闭提示。
func (b *Board) Dismiss(ctx context.Context, id string) (Warning, error) {
	w, err := b.Get(ctx, id)
	if err != nil {
		return Warning{}, err
	}
	if w.Status != StatusActive {
		return Warning{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := b.close(ctx, w.ID, StatusDismissed); err != nil {
		return Warning{}, err
	}
	w.Status = StatusDismissed
	b.publish(events.TypeWarningCleared, w)
	return w, nil
}

// Resolve 在触发条件消失时关闭提示，没有活动提示时返回 false。
func (b *Board) Resolve(ctx context.Context, accountID, code string) (bool, error) {
	w, err := b.active(ctx, accountID, code)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := b.close(ctx, w.ID, StatusResolved); err != nil {
		return false, err
	}
	w.Status = StatusResolved
	b.logger.Info("安全提示已解除", zap.String("warning_id", w.ID), zap.String("account_id", accountID))
	b.publish(events.TypeWarningCleared, w)
	return true, nil
}

// Get 读取单条提示。
func (b *Board) Get(ctx context.Context, id string) (Warning, error) {
	row := b.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	return scanWarning(row)
}

// Active 返回账户当前所有活动提示。
func (b *Board) Active(ctx context.Context, accountID string) ([]Warning, error) {
	rows, err := b.db.QueryContext(ctx,
		selectColumns+` WHERE account_id = ? AND status = ? ORDER BY created_at ASC`,
		accountID, string(StatusActive))
	if err != nil {
		return nil, fmt.Errorf("warning: 查询提示失败: %w", err)
	}
	defer rows.Close()

	var out []Warning
	for rows.Next() {
		w, err := scanWarning(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("warning: 遍历提示失败: %w", err)
	}
	return out, nil
}

func (b *Board) active(ctx context.Context, accountID, code string) (Warning, error) {
	row := b.db.QueryRowContext(ctx,
		selectColumns+` WHERE account_id = ? AND code = ? AND status = ? LIMIT 1`,
		accountID, code, string(StatusActive))
	return scanWarning(row)
}

func (b *Board) close(ctx context.Context, id string, status Status) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE safety_warnings SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(status), formatTime(b.now()), id, string(StatusActive))
	if err != nil {
		return fmt.Errorf("warning: 更新提示状态失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// advise 在后台向 advisor 索取建议，成功后覆盖默认建议；提示已关闭时不再更新。
func (b *Board) advise(w Warning, req RaiseRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), adviceTimeout)
	defer cancel()

	advice, err := b.advisor.SuggestAction(ctx, ai.WarningContext{
		AccountID: req.AccountID,
		Severity:  string(req.Severity),
		Message:   req.Message,
		Reasons:   req.Reasons,
		KYCTier:   req.KYCTier,
	})
	if err != nil {
		b.logger.Warn("生成处置建议失败，保留默认建议", zap.String("warning_id", w.ID), zap.Error(err))
		return
	}

	now := b.now()
	res, err := b.db.ExecContext(ctx,
		`UPDATE safety_warnings SET suggested_action = ?, updated_at = ? WHERE id = ? AND status = ?`,
		advice.SuggestedAction, formatTime(now), w.ID, string(StatusActive))
	if err != nil {
		b.logger.Warn("更新处置建议失败", zap.String("warning_id", w.ID), zap.Error(err))
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return
	}

	updated, err := b.Get(ctx, w.ID)
	if err != nil {
		b.logger.Warn("读取提示失败", zap.String("warning_id", w.ID), zap.Error(err))
		return
	}
	b.publish(events.TypeWarningRaised, updated)
}

func defaultAction(req RaiseRequest) string {
	for _, r := range req.Reasons {
		if strings.HasPrefix(r, "kyc_incomplete") {
			return "完成更高等级的 KYC 认证后再进行大额交易"
		}
	}
	if req.Severity == SeverityHigh {
		return "请确认本次交易为本人操作，并考虑降低交易金额"
	}
	return "请核对交易金额与收款地址"
}

func (b *Board) publish(t events.Type, w Warning) {
	b.bus.Publish(events.Event{
		Type:      t,
		AccountID: w.AccountID,
		SubjectID: w.ID,
		Payload: map[string]any{
			"code":     w.Code,
			"severity": string(w.Severity),
			"status":   string(w.Status),
			"message":  w.Message,
		},
	})
}

const selectColumns = `SELECT id, account_id, code, severity, message, reasons, suggested_action, status, created_at, updated_at FROM safety_warnings`

type scanner interface {
	Scan(dest ...any) error
}

func scanWarning(row scanner) (Warning, error) {
	var (
		w                         Warning
		severity, status, reasons string
		created, updated          string
	)
	err := row.Scan(&w.ID, &w.AccountID, &w.Code, &severity, &w.Message, &reasons, &w.SuggestedAction, &status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Warning{}, ErrNotFound
	}
	if err != nil {
		return Warning{}, fmt.Errorf("warning: 读取提示失败: %w", err)
	}
	if err := json.Unmarshal([]byte(reasons), &w.Reasons); err != nil {
		return Warning{}, fmt.Errorf("warning: 解析原因失败: %w", err)
	}
	w.Severity = Severity(severity)
	w.Status = Status(status)
	w.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	w.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return w, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
