package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"smart-exec/internal/monitor"
)

// startMonitorServer 启动只读监控接口，ctx 结束后关闭；返回的通道在关闭完成后关闭。
func startMonitorServer(ctx context.Context, comps *Components, port int, logger *zap.Logger) (<-chan struct{}, error) {
	handler := monitor.NewHandler(monitor.APIOptions{
		Events:     comps.Monitor,
		Executions: comps.Sequencer,
		Warnings:   comps.Warnings,
		Loans:      comps.Loans,
		Accounts:   comps.Accounts,
		Metrics:    comps.Metrics.Handler(),
		Logger:     logger.Named("http"),
	})

	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("监听监控端口失败: %w", err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("关闭监控服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("监控服务异常", zap.Error(err))
		}
	}()

	logger.Info("监控接口已启动", zap.String("addr", ln.Addr().String()))
	return stopped, nil
}
