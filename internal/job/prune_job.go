package job

import (
	"context"
	"log/slog"
	"time"

	"bankledger/internal/membership"
	"bankledger/internal/service"
)

// PruneJob 定期清理已经不在任何公会中的账户
type PruneJob struct {
	bank      *service.Bank
	directory membership.Directory
	logger    *slog.Logger
	stopCh    chan struct{}
	interval  time.Duration
}

func NewPruneJob(bank *service.Bank, directory membership.Directory, interval time.Duration, logger *slog.Logger) *PruneJob {
	return &PruneJob{
		bank:      bank,
		directory: directory,
		logger:    logger,
		stopCh:    make(chan struct{}),
		interval:  interval,
	}
}

func (j *PruneJob) Start(ctx context.Context) {
	j.logger.Info("[PruneJob] 账户清理任务启动", "interval", j.interval)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("[PruneJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.logger.Info("[PruneJob] 任务停止")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *PruneJob) Stop() {
	close(j.stopCh)
}

// RunOnce 全局模式清理 global，本地模式逐个清理目录中的公会；返回删除的账户数
func (j *PruneJob) RunOnce(ctx context.Context) int {
	global, err := j.bank.Mode.IsGlobal(ctx)
	if err != nil {
		j.logger.Error("[PruneJob] 读取银行模式失败", "error", err)
		return 0
	}

	if global {
		return j.prune(ctx, "")
	}

	guilds, err := j.directory.Guilds(ctx)
	if err != nil {
		j.logger.Error("[PruneJob] 读取公会列表失败", "error", err)
		return 0
	}
	total := 0
	for _, g := range guilds {
		if ctx.Err() != nil {
			break
		}
		total += j.prune(ctx, g.ID)
	}
	if total > 0 {
		j.logger.Info("[PruneJob] 本次清理完成", "deleted", total)
	}
	return total
}

func (j *PruneJob) prune(ctx context.Context, guildID string) int {
	result, err := j.bank.Leaderboard.Prune(ctx, guildID, "")
	if err != nil {
		j.logger.Error("[PruneJob] 清理失败", "guild_id", guildID, "error", err)
		return 0
	}
	if len(result.Skipped) > 0 {
		j.logger.Warn("[PruneJob] 成员列表不完整，跳过", "namespace", result.Namespace, "skipped", result.Skipped)
	}
	return len(result.Deleted)
}
