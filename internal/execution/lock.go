package execution

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"smart-exec/internal/config"
	"smart-exec/internal/store"
)

// Locker 保证每个账户同一时间只有一个活动执行。
type Locker interface {
	Acquire(ctx context.Context, accountID, owner string) (bool, error)
	Release(ctx context.Context, accountID, owner string) error
}

// NewLocker 按配置选择锁实现。sqlite 锁与其他组件共用同一个库，
// 多个 CLI 进程之间同样互斥。
func NewLocker(cfg config.ExecutionConfig, redisCfg config.RedisConfig, st *store.Store) (Locker, error) {
	switch strings.ToLower(cfg.LockBackend) {
	case "", "sqlite":
		return NewSQLiteLocker(st, cfg.LockTTL)
	case "memory":
		return NewMemoryLocker(), nil
	case "redis":
		return NewRedisLocker(redisCfg, cfg.LockTTL)
	default:
		return nil, fmt.Errorf("execution: 不支持的锁类型 %s", cfg.LockBackend)
	}
}

// MemoryLocker 为进程内锁。
type MemoryLocker struct {
	mu     sync.Mutex
	owners map[string]string
}

// NewMemoryLocker 创建进程内锁。
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{owners: make(map[string]string)}
}

func (l *MemoryLocker) Acquire(_ context.Context, accountID, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.owners[accountID]; held {
		return false, nil
	}
	l.owners[accountID] = owner
	return true, nil
}

func (l *MemoryLocker) Release(_ context.Context, accountID, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owners[accountID] == owner {
		delete(l.owners, accountID)
	}
	return nil
}

// SQLiteLocker 以 execution_locks 表的主键保证互斥，过期的锁可被接管。
type SQLiteLocker struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewSQLiteLocker 创建 SQLite 锁并初始化表结构。
func NewSQLiteLocker(st *store.Store, ttl time.Duration) (*SQLiteLocker, error) {
	if st == nil {
		return nil, errors.New("execution: store 不能为空")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	l := &SQLiteLocker{db: st.DB(), ttl: ttl, now: time.Now}
	if _, err := l.db.Exec(`CREATE TABLE IF NOT EXISTS execution_locks (
		account_id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		acquired_at TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);`); err != nil {
		return nil, fmt.Errorf("execution: 初始化锁表失败: %w", err)
	}
	return l, nil
}

func (l *SQLiteLocker) Acquire(ctx context.Context, accountID, owner string) (bool, error) {
	now := l.now().UTC()
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO execution_locks (account_id, owner, acquired_at, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(account_id) DO UPDATE SET
		   owner = excluded.owner, acquired_at = excluded.acquired_at, expires_at = excluded.expires_at
		 WHERE execution_locks.expires_at <= ?`,
		accountID, owner, now.Format(time.RFC3339Nano), now.Add(l.ttl).UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("execution: 获取 SQLite 锁失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("execution: 获取 SQLite 锁失败: %w", err)
	}
	return n == 1, nil
}

func (l *SQLiteLocker) Release(ctx context.Context, accountID, owner string) error {
	if _, err := l.db.ExecContext(ctx,
		`DELETE FROM execution_locks WHERE account_id = ? AND owner = ?`, accountID, owner,
	); err != nil {
		return fmt.Errorf("execution: 释放 SQLite 锁失败: %w", err)
	}
	return nil
}

// 仅当持有者一致时删除，避免误删他人续上的锁。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker 使用 SET NX + TTL 实现跨进程锁。
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisLocker 连接 Redis 并创建锁。
func NewRedisLocker(cfg config.RedisConfig, ttl time.Duration) (*RedisLocker, error) {
	if cfg.Address == "" {
		return nil, errors.New("execution: Redis address 不能为空")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("execution: 连接 Redis 失败: %w", err)
	}
	return newRedisLocker(client, ttl), nil
}

func newRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl, prefix: "smartexec:lock:"}
}

func (l *RedisLocker) Acquire(ctx context.Context, accountID, owner string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+accountID, owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("execution: 获取 Redis 锁失败: %w", err)
	}
	return ok, nil
}

func (l *RedisLocker) Release(ctx context.Context, accountID, owner string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + accountID}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("execution: 释放 Redis 锁失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
