package execution

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"smart-exec/internal/events"
)

// Run 为一次执行的句柄，可轮询状态、等待结束或取消。
// 执行记录只追加，不重排也不截断。
type Run struct {
	id        string
	accountID string

	mu     sync.RWMutex
	report Report
	err    error

	cancel   context.CancelFunc
	onFinish func()
	done     chan struct{}

	repo   *Repository
	bus    *events.Bus
	logger *zap.Logger
	now    func() time.Time
}

func newRun(id, accountID, kind string, now func() time.Time, repo *Repository, bus *events.Bus, logger *zap.Logger) *Run {
	return &Run{
		id:        id,
		accountID: accountID,
		report: Report{
			ExecutionID: id,
			AccountID:   accountID,
			Kind:        kind,
			State:       StateIdle,
			Steps:       []Step{},
			Succeeded:   []Step{},
			Entries:     []Entry{},
			TxHashes:    []string{},
			StartedAt:   now().UTC(),
		},
		done:   make(chan struct{}),
		repo:   repo,
		bus:    bus,
		logger: logger.With(zap.String("execution_id", id), zap.String("account_id", accountID)),
		now:    now,
	}
}

// ID 返回执行 ID。
func (r *Run) ID() string {
	return r.id
}

// AccountID 返回发起账户。
func (r *Run) AccountID() string {
	return r.accountID
}

// State 返回当前状态。
func (r *Run) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.report.State
}

// Snapshot 返回当前报告的副本。
func (r *Run) Snapshot() Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneReport(r.report)
}

// Done 在执行进入终态后关闭。
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Cancel 停止调度后续子订单；已广播的交易不会撤回。
func (r *Run) Cancel() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Wait 阻塞至执行结束，被拒绝时返回 *Rejection。
func (r *Run) Wait(ctx context.Context) (Report, error) {
	select {
	case <-ctx.Done():
		return r.Snapshot(), ctx.Err()
	case <-r.done:
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneReport(r.report), r.err
}

func (r *Run) transition(ctx context.Context, state State) {
	r.mu.Lock()
	r.report.State = state
	snapshot := cloneReport(r.report)
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	r.bus.Publish(events.Event{
		Type:      events.TypeExecutionState,
		AccountID: snapshot.AccountID,
		SubjectID: snapshot.ExecutionID,
		Payload:   map[string]any{"state": string(state)},
	})
}

func (r *Run) log(ctx context.Context, kind, message, txHash string) {
	r.mu.Lock()
	entry := Entry{
		Seq:     len(r.report.Entries) + 1,
		Kind:    kind,
		Message: message,
		TxHash:  txHash,
		At:      r.now().UTC(),
	}
	r.report.Entries = append(r.report.Entries, entry)
	if kind == EntrySubmitted && txHash != "" {
		r.report.TxHashes = append(r.report.TxHashes, txHash)
	}
	r.mu.Unlock()

	if r.repo != nil {
		if err := r.repo.AppendEntry(context.WithoutCancel(ctx), r.id, entry); err != nil {
			r.logger.Warn("写入执行日志失败", zap.Error(err))
		}
	}
}

func (r *Run) update(fn func(rep *Report)) {
	r.mu.Lock()
	fn(&r.report)
	r.mu.Unlock()
}

func (r *Run) setStep(i int, fn func(s *Step)) {
	r.mu.Lock()
	fn(&r.report.Steps[i])
	step := r.report.Steps[i]
	splitSteps(&r.report)
	r.mu.Unlock()

	r.bus.Publish(events.Event{
		Type:      events.TypeExecutionStep,
		AccountID: r.accountID,
		SubjectID: r.id,
		Payload: map[string]any{
			"index":   step.Index,
			"token":   step.Token,
			"status":  string(step.Status),
			"tx_hash": step.TxHash,
		},
	})
}

// finish 进入终态并唤醒等待者，只生效一次。
func (r *Run) finish(ctx context.Context, state State, code, reason string) {
	r.mu.Lock()
	if r.report.State.Terminal() {
		r.mu.Unlock()
		return
	}
	r.report.State = state
	r.report.Code = code
	r.report.Reason = reason
	r.report.FinishedAt = r.now().UTC()
	splitSteps(&r.report)
	if state == StateRejected || state == StatePartiallyFailed {
		r.err = &Rejection{Code: code, Reason: reason}
	}
	snapshot := cloneReport(r.report)
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	r.bus.Publish(events.Event{
		Type:      events.TypeExecutionState,
		AccountID: snapshot.AccountID,
		SubjectID: snapshot.ExecutionID,
		Payload: map[string]any{
			"state":     string(state),
			"code":      code,
			"reason":    reason,
			"tx_hashes": snapshot.TxHashes,
		},
	})

	fields := []zap.Field{
		zap.String("state", string(state)),
		zap.Int("confirmed", len(snapshot.Succeeded)),
		zap.Int("tx_count", len(snapshot.TxHashes)),
	}
	if code != "" {
		fields = append(fields, zap.String("code", code), zap.String("reason", reason))
	}
	if state == StateCompleted {
		r.logger.Info("执行完成", fields...)
	} else {
		r.logger.Warn("执行结束", fields...)
	}

	if r.onFinish != nil {
		r.onFinish()
	}
	close(r.done)
}

func (r *Run) persist(ctx context.Context, snapshot Report) {
	if r.repo == nil {
		return
	}
	if err := r.repo.Save(context.WithoutCancel(ctx), snapshot); err != nil {
		r.logger.Warn("保存执行状态失败", zap.Error(err))
	}
}

func cloneReport(rep Report) Report {
	out := rep
	out.Steps = append([]Step(nil), rep.Steps...)
	out.Succeeded = append([]Step(nil), rep.Succeeded...)
	out.Entries = append([]Entry(nil), rep.Entries...)
	out.TxHashes = append([]string(nil), rep.TxHashes...)
	if out.Steps == nil {
		out.Steps = []Step{}
	}
	if out.Succeeded == nil {
		out.Succeeded = []Step{}
	}
	if out.Entries == nil {
		out.Entries = []Entry{}
	}
	if out.TxHashes == nil {
		out.TxHashes = []string{}
	}
	if rep.Failed != nil {
		failed := *rep.Failed
		out.Failed = &failed
	}
	return out
}
