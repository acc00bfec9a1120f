package job

import (
	"context"
	"log/slog"
	"time"

	"bankledger/internal/service"
)

// RefreshJob 多进程共用一个存储时，定期丢弃本进程的模式与设置缓存
type RefreshJob struct {
	bank     *service.Bank
	logger   *slog.Logger
	stopCh   chan struct{}
	interval time.Duration
}

func NewRefreshJob(bank *service.Bank, interval time.Duration, logger *slog.Logger) *RefreshJob {
	return &RefreshJob{
		bank:     bank,
		logger:   logger,
		stopCh:   make(chan struct{}),
		interval: interval,
	}
}

func (j *RefreshJob) Start(ctx context.Context) {
	j.logger.Info("[RefreshJob] 缓存刷新任务启动", "interval", j.interval)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("[RefreshJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.logger.Info("[RefreshJob] 任务停止")
			return
		case <-ticker.C:
			if err := j.bank.Refresh(ctx); err != nil {
				j.logger.Warn("[RefreshJob] 刷新失败", "error", err)
			}
		}
	}
}

func (j *RefreshJob) Stop() {
	close(j.stopCh)
}
