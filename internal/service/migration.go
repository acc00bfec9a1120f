package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"bankledger/internal/repository"
)

// CurrentSchemaVersion 当前代码期望的数据版本
const CurrentSchemaVersion = 1

// MigrationStep 把数据从 Version-1 升级到 Version
type MigrationStep struct {
	Version int
	Name    string
	Apply   func(ctx context.Context, store repository.Store) error
}

// DefaultMigrations 内置的迁移步骤
func DefaultMigrations() []MigrationStep {
	return []MigrationStep{
		{Version: 1, Name: "truncate_fractional_balances", Apply: truncateFractionalBalances},
	}
}

// MigrationRunner 启动时按顺序执行尚未应用的迁移
//
// 每一步成功后才写入新的版本号，中途失败下次启动会从失败的那一步重新执行。
type MigrationRunner struct {
	store  repository.Store
	steps  []MigrationStep
	logger *slog.Logger
}

func NewMigrationRunner(store repository.Store, steps []MigrationStep, logger *slog.Logger) *MigrationRunner {
	sorted := append([]MigrationStep(nil), steps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	return &MigrationRunner{store: store, steps: sorted, logger: logger}
}

// Run 返回执行后的版本号
func (r *MigrationRunner) Run(ctx context.Context) (int, error) {
	meta, err := r.store.GetMeta(ctx)
	if err != nil {
		return 0, fmt.Errorf("读取数据版本失败: %w", err)
	}
	version := meta.SchemaVersion

	for _, step := range r.steps {
		if step.Version <= version {
			continue
		}
		if step.Version != version+1 {
			return version, fmt.Errorf("缺少版本 %d 到 %d 的迁移", version, step.Version)
		}

		r.logger.Info("[Migration] 开始迁移", "from", version, "to", step.Version, "name", step.Name)
		if err := step.Apply(ctx, r.store); err != nil {
			return version, fmt.Errorf("迁移 %s 失败: %w", step.Name, err)
		}
		if err := r.store.SetSchemaVersion(ctx, step.Version); err != nil {
			return version, fmt.Errorf("写入数据版本失败: %w", err)
		}
		version = step.Version
		r.logger.Info("[Migration] 迁移完成", "version", version)
	}
	return version, nil
}

// truncateFractionalBalances 早期数据里的小数余额截断为整数，如 5.0 -> 5，7.9 -> 7
func truncateFractionalBalances(ctx context.Context, store repository.Store) error {
	namespaces, err := store.Namespaces(ctx)
	if err != nil {
		return err
	}
	for _, ns := range namespaces {
		err := repository.WithTx(ctx, store, ns, func(tx repository.Tx) error {
			for _, acc := range tx.Snapshot() {
				if acc.Balance.Exponent() >= 0 {
					continue
				}
				acc.Balance = acc.Balance.Truncate(0)
				tx.Put(acc)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("命名空间 %s: %w", ns, err)
		}
	}
	return nil
}
