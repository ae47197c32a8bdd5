package warning

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-exec/internal/ai"
	"smart-exec/internal/events"
	"smart-exec/internal/store"
)

type stubAdvisor struct {
	advice ai.Advice
	err    error
	block  chan struct{}

	mu    sync.Mutex
	calls int
}

func (s *stubAdvisor) SuggestAction(ctx context.Context, _ ai.WarningContext) (ai.Advice, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ai.Advice{}, ctx.Err()
		}
	}
	return s.advice, s.err
}

func (s *stubAdvisor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestBoard(t *testing.T, advisor Advisor) *Board {
	t.Helper()
	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := events.NewBus(16, nil)
	t.Cleanup(bus.Close)

	b, err := NewBoard(st, bus, advisor, nil)
	require.NoError(t, err)
	t.Cleanup(b.Wait)
	return b
}

func TestRaiseDeduplicatesPerAccountAndCode(t *testing.T) {
	b := newTestBoard(t, nil)
	ctx := context.Background()

	first, err := b.Raise(ctx, RaiseRequest{AccountID: "alice", Severity: SeverityMedium, Message: "m1", Reasons: []string{"stale_session"}})
	require.NoError(t, err)

	second, err := b.Raise(ctx, RaiseRequest{AccountID: "alice", Severity: SeverityHigh, Message: "m2"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	active, err := b.Active(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, SeverityHigh, active[0].Severity)
	assert.Equal(t, "m2", active[0].Message)
	assert.NotEmpty(t, active[0].SuggestedAction)
}

func TestDismissAndResolve(t *testing.T) {
	b := newTestBoard(t, nil)
	ctx := context.Background()

	w, err := b.Raise(ctx, RaiseRequest{AccountID: "alice", Severity: SeverityMedium, Message: "m"})
	require.NoError(t, err)

	dismissed, err := b.Dismiss(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDismissed, dismissed.Status)

	_, err = b.Dismiss(ctx, w.ID)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = b.Raise(ctx, RaiseRequest{AccountID: "alice", Severity: SeverityMedium, Message: "again"})
	require.NoError(t, err)

	resolved, err := b.Resolve(ctx, "alice", CodeRiskElevated)
	require.NoError(t, err)
	assert.True(t, resolved)

	resolved, err = b.Resolve(ctx, "alice", CodeRiskElevated)
	require.NoError(t, err)
	assert.False(t, resolved)

	active, err := b.Active(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestAdvisorRunsInBackground(t *testing.T) {
	advisor := &stubAdvisor{advice: ai.Advice{SuggestedAction: "降低金额"}, block: make(chan struct{})}
	b := newTestBoard(t, advisor)
	ctx := context.Background()

	// advisor 阻塞时 Raise 立即返回默认建议
	w, err := b.Raise(ctx, RaiseRequest{AccountID: "alice", Severity: SeverityHigh, Message: "m"})
	require.NoError(t, err)
	assert.Equal(t, "请确认本次交易为本人操作，并考虑降低交易金额", w.SuggestedAction)

	close(advisor.block)
	b.Wait()

	got, err := b.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "降低金额", got.SuggestedAction)

	// 刷新已有提示不再调用 advisor，也不覆盖建议
	again, err := b.Raise(ctx, RaiseRequest{AccountID: "alice", Severity: SeverityMedium, Message: "m2"})
	require.NoError(t, err)
	b.Wait()
	assert.Equal(t, w.ID, again.ID)
	assert.Equal(t, 1, advisor.callCount())

	got, err = b.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "降低金额", got.SuggestedAction)
	assert.Equal(t, "m2", got.Message)
}

func TestAdvisorSkipsClosedWarning(t *testing.T) {
	advisor := &stubAdvisor{advice: ai.Advice{SuggestedAction: "降低金额"}, block: make(chan struct{})}
	b := newTestBoard(t, advisor)
	ctx := context.Background()

	w, err := b.Raise(ctx, RaiseRequest{AccountID: "alice", Severity: SeverityHigh, Message: "m"})
	require.NoError(t, err)
	_, err = b.Dismiss(ctx, w.ID)
	require.NoError(t, err)

	close(advisor.block)
	b.Wait()

	got, err := b.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDismissed, got.Status)
	assert.NotEqual(t, "降低金额", got.SuggestedAction)
}

func TestAdvisorFailureKeepsFallback(t *testing.T) {
	advisor := &stubAdvisor{err: errors.New("quota")}
	b := newTestBoard(t, advisor)
	ctx := context.Background()

	w, err := b.Raise(ctx, RaiseRequest{
		AccountID: "alice",
		Severity:  SeverityMedium,
		Message:   "m",
		Reasons:   []string{"kyc_incomplete: tier 1 < 2"},
	})
	require.NoError(t, err)
	assert.Contains(t, w.SuggestedAction, "KYC")

	b.Wait()
	assert.Equal(t, 1, advisor.callCount())
	got, err := b.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Contains(t, got.SuggestedAction, "KYC")
	assert.WithinDuration(t, w.UpdatedAt, got.UpdatedAt, time.Second)
}
