package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"smart-exec/internal/store"
)

// VolumeTracker 维护账户的日度成交额与历史交易摘要。
type VolumeTracker struct {
	store     *store.Store
	db        *sql.DB
	resetHour int
	logger    *zap.Logger
}

// DailyUsage 表示账户某个交易日的已用额度。
type DailyUsage struct {
	AccountID   string
	TradingDate string
	Used        decimal.Decimal
	TradeCount  int64
}

// NewVolumeTracker 创建成交额跟踪器并初始化表结构。
func NewVolumeTracker(st *store.Store, resetHour int, logger *zap.Logger) (*VolumeTracker, error) {
	if st == nil {
		return nil, errors.New("risk: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tracker := &VolumeTracker{
		store:     st,
		db:        st.DB(),
		resetHour: resetHour,
		logger:    logger,
	}
	if err := tracker.initSchema(); err != nil {
		return nil, err
	}
	return tracker, nil
}

func (t *VolumeTracker) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS risk_daily_volume (
			account_id TEXT NOT NULL,
			trading_date TEXT NOT NULL,
			used_usd TEXT NOT NULL,
			trade_count INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (account_id, trading_date)
		);`,
		`CREATE TABLE IF NOT EXISTS risk_trade_history (
			account_id TEXT PRIMARY KEY,
			trade_count INTEGER NOT NULL DEFAULT 0,
			total_usd TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS risk_activity_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id TEXT NOT NULL,
			occurred_at TEXT NOT NULL,
			event_type TEXT NOT NULL,
			message TEXT NOT NULL,
			details TEXT,
			trading_date TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_risk_activity_account ON risk_activity_log(account_id, trading_date);`,
	}

	for _, stmt := range schema {
		if _, err := t.db.Exec(stmt); err != nil {
			return fmt.Errorf("risk: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

// History 返回账户在 ts 所在交易日的已用额度及历史平均单笔金额。
func (t *VolumeTracker) History(ctx context.Context, accountID string, ts time.Time) (History, error) {
	var h History

	usage, err := t.Usage(ctx, accountID, ts)
	if err != nil {
		return h, err
	}
	h.DailyUsed = usage.Used

	var total string
	row := t.db.QueryRowContext(ctx,
		`SELECT trade_count, total_usd FROM risk_trade_history WHERE account_id = ?`, accountID)
	switch scanErr := row.Scan(&h.TradeCount, &total); {
	case errors.Is(scanErr, sql.ErrNoRows):
		h.AverageTrade = decimal.Zero
		return h, nil
	case scanErr != nil:
		return h, fmt.Errorf("risk: 查询交易历史失败: %w", scanErr)
	}

	sum, err := decimal.NewFromString(total)
	if err != nil {
		return h, fmt.Errorf("risk: 解析累计成交额失败: %w", err)
	}
	if h.TradeCount > 0 {
		h.AverageTrade = sum.Div(decimal.NewFromInt(h.TradeCount)).Round(2)
	}
	return h, nil
}

// Usage 返回账户某交易日的已用额度。
func (t *VolumeTracker) Usage(ctx context.Context, accountID string, ts time.Time) (DailyUsage, error) {
	usage := DailyUsage{
		AccountID:   accountID,
		TradingDate: tradingDay(ts, t.resetHour),
		Used:        decimal.Zero,
	}

	var used string
	row := t.db.QueryRowContext(ctx,
		`SELECT used_usd, trade_count FROM risk_daily_volume WHERE account_id = ? AND trading_date = ?`,
		accountID, usage.TradingDate)
	switch scanErr := row.Scan(&used, &usage.TradeCount); {
	case errors.Is(scanErr, sql.ErrNoRows):
		return usage, nil
	case scanErr != nil:
		return usage, fmt.Errorf("risk: 查询日度成交额失败: %w", scanErr)
	}

	value, err := decimal.NewFromString(used)
	if err != nil {
		return usage, fmt.Errorf("risk: 解析日度成交额失败: %w", err)
	}
	usage.Used = value
	return usage, nil
}

// Record 累加一笔已广播子订单的金额到当日额度，返回更新后的当日用量。
// 交易历史不在此处累加，见 RecordTrade。
func (t *VolumeTracker) Record(ctx context.Context, accountID string, ts time.Time, notional decimal.Decimal) (DailyUsage, error) {
	if !notional.IsPositive() {
		return DailyUsage{}, fmt.Errorf("risk: 成交额必须为正: %s", notional)
	}

	tradingDate := tradingDay(ts, t.resetHour)
	now := time.Now().UTC().Format(time.RFC3339)
	result := DailyUsage{AccountID: accountID, TradingDate: tradingDate}

	err := t.store.WithTx(ctx, func(tx *sql.Tx) error {
		used, count, err := readDecimalCount(ctx, tx,
			`SELECT used_usd, trade_count FROM risk_daily_volume WHERE account_id = ? AND trading_date = ?`,
			accountID, tradingDate)
		if err != nil {
			return err
		}
		used = used.Add(notional)
		count++
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO risk_daily_volume (account_id, trading_date, used_usd, trade_count, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(account_id, trading_date) DO UPDATE SET
			   used_usd = excluded.used_usd, trade_count = excluded.trade_count, updated_at = excluded.updated_at`,
			accountID, tradingDate, used.String(), count, now,
		); err != nil {
			return fmt.Errorf("risk: 更新日度成交额失败: %w", err)
		}

		result.Used = used
		result.TradeCount = count
		return nil
	})
	if err != nil {
		return DailyUsage{}, err
	}

	t.logger.Debug("成交额已累加",
		zap.String("account_id", accountID),
		zap.String("trading_date", tradingDate),
		zap.String("used_usd", result.Used.StringFixed(2)),
	)
	return result, nil
}

// RecordTrade 以一次执行为单位累加交易历史，total 为该次执行的成交总额。
func (t *VolumeTracker) RecordTrade(ctx context.Context, accountID string, total decimal.Decimal) (History, error) {
	if !total.IsPositive() {
		return History{}, fmt.Errorf("risk: 交易金额必须为正: %s", total)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	var h History
	err := t.store.WithTx(ctx, func(tx *sql.Tx) error {
		sum, trades, err := readDecimalCount(ctx, tx,
			`SELECT total_usd, trade_count FROM risk_trade_history WHERE account_id = ?`, accountID)
		if err != nil {
			return err
		}
		sum = sum.Add(total)
		trades++
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO risk_trade_history (account_id, trade_count, total_usd, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(account_id) DO UPDATE SET
			   trade_count = excluded.trade_count, total_usd = excluded.total_usd, updated_at = excluded.updated_at`,
			accountID, trades, sum.String(), now,
		); err != nil {
			return fmt.Errorf("risk: 更新交易历史失败: %w", err)
		}
		h.TradeCount = trades
		h.AverageTrade = sum.Div(decimal.NewFromInt(trades)).Round(2)
		return nil
	})
	if err != nil {
		return History{}, err
	}
	return h, nil
}

// LogEvent 记录风控事件。
func (t *VolumeTracker) LogEvent(ctx context.Context, accountID, eventType, message, details string, ts time.Time) error {
	if eventType == "" {
		return errors.New("risk: eventType 不能为空")
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := t.db.ExecContext(ctx,
		`INSERT INTO risk_activity_log (account_id, occurred_at, event_type, message, details, trading_date)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		accountID, ts.UTC().Format(time.RFC3339), eventType, message, details, tradingDay(ts, t.resetHour),
	)
	if err != nil {
		return fmt.Errorf("risk: 写入风险事件日志失败: %w", err)
	}
	return nil
}

// ActivityEntry 为一条风控事件日志。
type ActivityEntry struct {
	OccurredAt time.Time
	EventType  string
	Message    string
	Details    string
}

// Activity 返回账户最近的风控事件，按时间倒序。
func (t *VolumeTracker) Activity(ctx context.Context, accountID string, limit int) ([]ActivityEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := t.db.QueryContext(ctx,
		`SELECT occurred_at, event_type, message, COALESCE(details, '')
		 FROM risk_activity_log WHERE account_id = ? ORDER BY id DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("risk: 查询风险事件失败: %w", err)
	}
	defer rows.Close()

	var out []ActivityEntry
	for rows.Next() {
		var (
			entry ActivityEntry
			ts    string
		)
		if err := rows.Scan(&ts, &entry.EventType, &entry.Message, &entry.Details); err != nil {
			return nil, fmt.Errorf("risk: 读取风险事件失败: %w", err)
		}
		entry.OccurredAt, _ = time.Parse(time.RFC3339, ts)
		out = append(out, entry)
	}
	return out, rows.Err()
}

func readDecimalCount(ctx context.Context, tx *sql.Tx, query string, args ...any) (decimal.Decimal, int64, error) {
	var (
		raw   string
		count int64
	)
	switch err := tx.QueryRowContext(ctx, query, args...).Scan(&raw, &count); {
	case errors.Is(err, sql.ErrNoRows):
		return decimal.Zero, 0, nil
	case err != nil:
		return decimal.Zero, 0, fmt.Errorf("risk: 查询累计值失败: %w", err)
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("risk: 解析累计值失败: %w", err)
	}
	return value, count, nil
}

func tradingDay(ts time.Time, resetHour int) string {
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	utc := ts.UTC()
	shifted := utc.Add(-time.Duration(resetHour) * time.Hour)
	day := time.Date(shifted.Year(), shifted.Month(), shifted.Day(), 0, 0, 0, 0, time.UTC)
	return day.Format("2006-01-02")
}
