package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"smart-exec/internal/events"
	"smart-exec/internal/store"
)

// Service 负责持久化监控事件。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	account_id TEXT NOT NULL DEFAULT '',
	subject_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);
CREATE INDEX IF NOT EXISTS idx_monitor_events_account ON monitor_events(account_id);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, account_id, subject_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(event.Type), event.AccountID, event.SubjectID, string(payload), event.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

// Attach 订阅事件总线并持久化所有事件，返回取消订阅函数。
func (s *Service) Attach(bus *events.Bus) func() {
	if bus == nil {
		return func() {}
	}
	return bus.Subscribe(func(evt events.Event) {
		if err := s.Record(context.Background(), Event{
			Type:      EventType(evt.Type),
			AccountID: evt.AccountID,
			SubjectID: evt.SubjectID,
			Timestamp: evt.Timestamp,
			Payload:   evt.Payload,
		}); err != nil {
			s.logger.Warn("记录总线事件失败", zap.String("type", string(evt.Type)), zap.Error(err))
		}
	})
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Error:   err.Error(),
		Context: ctxMap,
	}
	if recErr := s.Record(ctx, Event{
		Type:      EventError,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); recErr != nil {
		s.logger.Warn("记录异常事件失败", zap.Error(recErr))
	}
}

// ListEvents 按类型与账户检索最近事件，按写入顺序倒序。
func (s *Service) ListEvents(ctx context.Context, q Query) ([]Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, event_type, account_id, subject_id, payload, created_at FROM monitor_events WHERE 1 = 1`
	args := make([]interface{}, 0, 3)
	if q.Type != "" {
		query += ` AND event_type = ?`
		args = append(args, string(q.Type))
	}
	if q.AccountID != "" {
		query += ` AND account_id = ?`
		args = append(args, q.AccountID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			evt     Event
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&evt.ID, &typ, &evt.AccountID, &evt.SubjectID, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339Nano, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}

		evt.Type = EventType(typ)
		evt.Timestamp = ts
		evt.Payload = json.RawMessage(payload)
		events = append(events, evt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}
