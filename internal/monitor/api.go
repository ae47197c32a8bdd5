package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"smart-exec/internal/account"
	"smart-exec/internal/execution"
	"smart-exec/internal/loan"
	"smart-exec/internal/warning"
)

// ExecutionReader 为执行记录查询。
type ExecutionReader interface {
	Get(ctx context.Context, id string) (execution.Report, error)
	History(ctx context.Context, accountID string, limit int) ([]execution.Report, error)
}

// WarningBoard 为安全提示查询与关闭。
type WarningBoard interface {
	Active(ctx context.Context, accountID string) ([]warning.Warning, error)
	Dismiss(ctx context.Context, id string) (warning.Warning, error)
}

// LoanReader 为借贷查询。
type LoanReader interface {
	Get(ctx context.Context, loanID string) (loan.Position, error)
	ListByAccount(ctx context.Context, accountID string) ([]loan.Position, error)
}

// AccountReader 为账户查询。
type AccountReader interface {
	Get(ctx context.Context, id string) (account.Account, error)
}

// APIOptions 为只读接口依赖，Metrics 为空时不暴露 /metrics。
type APIOptions struct {
	Events     *Service
	Executions ExecutionReader
	Warnings   WarningBoard
	Loans      LoanReader
	Accounts   AccountReader
	Metrics    http.Handler
	Logger     *zap.Logger
}

type api struct {
	opts   APIOptions
	logger *zap.Logger
}

// NewHandler 构建监控 HTTP 接口。
func NewHandler(opts APIOptions) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	a := &api{opts: opts, logger: opts.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", a.listEvents)
	mux.HandleFunc("GET /executions/{id}", a.getExecution)
	mux.HandleFunc("GET /accounts/{id}", a.getAccount)
	mux.HandleFunc("GET /accounts/{id}/executions", a.accountExecutions)
	mux.HandleFunc("GET /accounts/{id}/warnings", a.accountWarnings)
	mux.HandleFunc("GET /accounts/{id}/loans", a.accountLoans)
	mux.HandleFunc("POST /warnings/{id}/dismiss", a.dismissWarning)
	mux.HandleFunc("GET /loans/{id}", a.getLoan)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (a *api) listEvents(w http.ResponseWriter, r *http.Request) {
	if a.opts.Events == nil {
		http.Error(w, "events unavailable", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	query := Query{
		Limit:     parseLimit(q.Get("limit"), 200),
		AccountID: strings.TrimSpace(q.Get("account_id")),
	}
	if typ := strings.TrimSpace(q.Get("type")); typ != "" {
		query.Type = EventType(strings.ToLower(typ))
	}

	events, err := a.opts.Events.ListEvents(r.Context(), query)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, events)
}

func (a *api) getExecution(w http.ResponseWriter, r *http.Request) {
	if a.opts.Executions == nil {
		http.Error(w, "executions unavailable", http.StatusServiceUnavailable)
		return
	}
	rep, err := a.opts.Executions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, rep)
}

func (a *api) getAccount(w http.ResponseWriter, r *http.Request) {
	if a.opts.Accounts == nil {
		http.Error(w, "accounts unavailable", http.StatusServiceUnavailable)
		return
	}
	acct, err := a.opts.Accounts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, acct)
}

func (a *api) accountExecutions(w http.ResponseWriter, r *http.Request) {
	if a.opts.Executions == nil {
		http.Error(w, "executions unavailable", http.StatusServiceUnavailable)
		return
	}
	reports, err := a.opts.Executions.History(r.Context(), r.PathValue("id"), parseLimit(r.URL.Query().Get("limit"), 50))
	if err != nil {
		a.fail(w, err)
		return
	}
	if reports == nil {
		reports = []execution.Report{}
	}
	a.writeJSON(w, http.StatusOK, reports)
}

func (a *api) accountWarnings(w http.ResponseWriter, r *http.Request) {
	if a.opts.Warnings == nil {
		http.Error(w, "warnings unavailable", http.StatusServiceUnavailable)
		return
	}
	list, err := a.opts.Warnings.Active(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	if list == nil {
		list = []warning.Warning{}
	}
	a.writeJSON(w, http.StatusOK, list)
}

func (a *api) accountLoans(w http.ResponseWriter, r *http.Request) {
	if a.opts.Loans == nil {
		http.Error(w, "loans unavailable", http.StatusServiceUnavailable)
		return
	}
	list, err := a.opts.Loans.ListByAccount(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	if list == nil {
		list = []loan.Position{}
	}
	a.writeJSON(w, http.StatusOK, list)
}

func (a *api) dismissWarning(w http.ResponseWriter, r *http.Request) {
	if a.opts.Warnings == nil {
		http.Error(w, "warnings unavailable", http.StatusServiceUnavailable)
		return
	}
	wn, err := a.opts.Warnings.Dismiss(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, wn)
}

func (a *api) getLoan(w http.ResponseWriter, r *http.Request) {
	if a.opts.Loans == nil {
		http.Error(w, "loans unavailable", http.StatusServiceUnavailable)
		return
	}
	pos, err := a.opts.Loans.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, pos)
}

func (a *api) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Warn("监控接口处理失败", zap.Error(err))
	}
	a.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, execution.ErrNotFound),
		errors.Is(err, warning.ErrNotFound),
		errors.Is(err, loan.ErrNotFound),
		errors.Is(err, account.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("写入监控响应失败", zap.Error(err))
	}
}

func parseLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	if v > 1000 {
		v = 1000
	}
	return v
}
