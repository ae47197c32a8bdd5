package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"smart-exec/internal/store"
)

// Service 管理账户的持久化状态。
type Service struct {
	store  *store.Store
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewService 初始化账户服务并创建表结构。
func NewService(st *store.Store, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, errors.New("account: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		store:  st,
		db:     st.DB(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	kyc_tier INTEGER NOT NULL DEFAULT 0,
	risk_level TEXT NOT NULL DEFAULT 'low',
	wallet TEXT NOT NULL DEFAULT '',
	custody TEXT NOT NULL DEFAULT 'self',
	last_activity TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("account: 初始化表失败: %w", err)
	}
	return nil
}

// Create 新建账户，初始等级为 0、风险为 low。
func (s *Service) Create(ctx context.Context, id string, custody Custody) (Account, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Account{}, errors.New("account: id 不能为空")
	}
	if custody == "" {
		custody = CustodySelf
	}

	now := s.now()
	acct := Account{
		ID:        id,
		KYCTier:   Tier0,
		RiskLevel: RiskLow,
		Custody:   custody,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, kyc_tier, risk_level, wallet, custody, last_activity, created_at, updated_at)
		 VALUES (?, ?, ?, '', ?, '', ?, ?)`,
		acct.ID, int(acct.KYCTier), string(acct.RiskLevel), string(acct.Custody),
		formatTime(now), formatTime(now),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return Account{}, fmt.Errorf("%w: %s", ErrExists, id)
		}
		return Account{}, fmt.Errorf("account: 创建账户失败: %w", err)
	}

	s.logger.Info("账户已创建", zap.String("account_id", id), zap.String("custody", string(custody)))
	return acct, nil
}

// Get 读取账户。
func (s *Service) Get(ctx context.Context, id string) (Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kyc_tier, risk_level, wallet, custody, last_activity, created_at, updated_at
		 FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// List 返回全部账户，按创建时间排序。
func (s *Service) List(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kyc_tier, risk_level, wallet, custody, last_activity, created_at, updated_at
		 FROM accounts ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("account: 查询账户失败: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("account: 遍历账户失败: %w", err)
	}
	return out, nil
}

// ConnectWallet 绑定钱包地址，地址统一为 EIP-55 校验格式。
func (s *Service) ConnectWallet(ctx context.Context, id, address string) (Account, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return Account{}, fmt.Errorf("%w: %q", ErrInvalidWallet, address)
	}
	checksum := common.HexToAddress(address).Hex()

	if err := s.update(ctx, id, `wallet = ?`, checksum); err != nil {
		return Account{}, err
	}
	s.logger.Info("钱包已连接", zap.String("account_id", id), zap.String("wallet", checksum))
	return s.Get(ctx, id)
}

// DisconnectWallet 清除钱包地址。
func (s *Service) DisconnectWallet(ctx context.Context, id string) (Account, error) {
	if err := s.update(ctx, id, `wallet = ''`); err != nil {
		return Account{}, err
	}
	s.logger.Info("钱包已断开", zap.String("account_id", id))
	return s.Get(ctx, id)
}

// ApplyKYCTier 应用 KYC 结果，等级只能保持或提升。
func (s *Service) ApplyKYCTier(ctx context.Context, id string, tier Tier) (Account, error) {
	if !tier.Valid() {
		return Account{}, fmt.Errorf("%w: %d", ErrInvalidTier, int(tier))
	}

	var acct Account
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := scanAccount(tx.QueryRowContext(ctx,
			`SELECT id, kyc_tier, risk_level, wallet, custody, last_activity, created_at, updated_at
			 FROM accounts WHERE id = ?`, id))
		if err != nil {
			return err
		}
		if tier < current.KYCTier {
			return fmt.Errorf("%w: %s -> %s", ErrTierDowngrade, current.KYCTier, tier)
		}
		if tier == current.KYCTier {
			acct = current
			return nil
		}

		now := s.now()
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET kyc_tier = ?, updated_at = ? WHERE id = ?`,
			int(tier), formatTime(now), id,
		); err != nil {
			return fmt.Errorf("account: 更新 KYC 等级失败: %w", err)
		}
		current.KYCTier = tier
		current.UpdatedAt = now
		acct = current
		s.logger.Info("KYC 等级已提升", zap.String("account_id", id), zap.Int("tier", int(tier)))
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	return acct, nil
}

// SetRiskLevel 写回风控派生的风险等级，仅供风控组件调用。
func (s *Service) SetRiskLevel(ctx context.Context, id string, level RiskLevel) error {
	if !level.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRisk, level)
	}
	return s.update(ctx, id, `risk_level = ?`, string(level))
}

// Touch 记录最近一次会话活动时间。
func (s *Service) Touch(ctx context.Context, id string, ts time.Time) error {
	return s.update(ctx, id, `last_activity = ?`, formatTime(ts.UTC()))
}

func (s *Service) update(ctx context.Context, id, set string, args ...any) error {
	args = append(args, formatTime(s.now()), id)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE accounts SET %s, updated_at = ? WHERE id = ?`, set), args...)
	if err != nil {
		return fmt.Errorf("account: 更新账户失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("account: 读取更新结果失败: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (Account, error) {
	var (
		acct                              Account
		tier                              int
		risk, custody                     string
		lastActivity, created, updatedStr string
	)
	err := row.Scan(&acct.ID, &tier, &risk, &acct.Wallet, &custody, &lastActivity, &created, &updatedStr)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("account: 读取账户失败: %w", err)
	}

	acct.KYCTier = Tier(tier)
	acct.RiskLevel = RiskLevel(risk)
	acct.Custody = Custody(custody)
	acct.LastActivity = parseTime(lastActivity)
	acct.CreatedAt = parseTime(created)
	acct.UpdatedAt = parseTime(updatedStr)
	return acct, nil
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
