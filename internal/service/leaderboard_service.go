package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"bankledger/internal/membership"
	"bankledger/internal/model"
	"bankledger/internal/repository"

	"golang.org/x/sync/errgroup"
)

// LeaderboardService 排行榜与失效账户清理
type LeaderboardService struct {
	store       repository.Store
	accounts    *AccountService
	mode        *ModeController
	directory   membership.Directory
	events      *EventSink
	logger      *slog.Logger
	concurrency int
}

func NewLeaderboardService(store repository.Store, accounts *AccountService, mode *ModeController, directory membership.Directory,
	events *EventSink, logger *slog.Logger, concurrency int) *LeaderboardService {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &LeaderboardService{
		store:       store,
		accounts:    accounts,
		mode:        mode,
		directory:   directory,
		events:      events,
		logger:      logger,
		concurrency: concurrency,
	}
}

// Leaderboard 按余额降序排列，余额相同时保持插入顺序
//
// 全局模式下指定 guildID 只保留该公会的成员；本地模式必须指定公会。limit <= 0 表示不限制。
func (s *LeaderboardService) Leaderboard(ctx context.Context, guildID string, limit int) ([]LeaderboardEntry, error) {
	global, err := s.mode.IsGlobal(ctx)
	if err != nil {
		return nil, err
	}

	var rows []*model.Account
	if global {
		rows, err = s.store.ListAccounts(ctx, model.GlobalNamespace)
		if err != nil {
			return nil, fmt.Errorf("读取账户失败: %w", err)
		}
		if guildID != "" {
			if rows, err = s.filterMembers(ctx, guildID, rows); err != nil {
				return nil, err
			}
		}
	} else {
		if guildID == "" {
			return nil, ErrMissingScope
		}
		rows, err = s.store.ListAccounts(ctx, guildID)
		if err != nil {
			return nil, fmt.Errorf("读取账户失败: %w", err)
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Balance.GreaterThan(rows[j].Balance)
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	entries := make([]LeaderboardEntry, 0, len(rows))
	for i, row := range rows {
		entries = append(entries, LeaderboardEntry{Rank: i + 1, Account: accountFromModel(row)})
	}
	return entries, nil
}

func (s *LeaderboardService) filterMembers(ctx context.Context, guildID string, rows []*model.Account) ([]*model.Account, error) {
	if s.directory == nil {
		return nil, ErrNoDirectory
	}
	// 排行榜只是展示，成员没加载完时用已知成员过滤
	members, err := s.loadMembers(ctx, guildID)
	if errors.Is(err, membership.ErrIncomplete) {
		s.logger.Debug("[LeaderboardService] 公会成员不完整，按已知成员过滤", "guild_id", guildID, "known", len(members))
	} else if err != nil {
		return nil, fmt.Errorf("读取公会成员失败: %w", err)
	}
	out := rows[:0]
	for _, row := range rows {
		if _, ok := members[row.Identity]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}

// Position 返回成员在排行榜中的名次（从 1 开始）
//
// 全局模式按全局排行计算，本地模式按公会排行计算。账户未持久化时返回 ErrAccountNotFound。
func (s *LeaderboardService) Position(ctx context.Context, member Member, guildID string) (int, error) {
	global, err := s.mode.IsGlobal(ctx)
	if err != nil {
		return 0, err
	}
	scope := guildID
	if global {
		scope = ""
	}
	entries, err := s.Leaderboard(ctx, scope, 0)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if e.Account.Identity == member.ID {
			return e.Rank, nil
		}
	}
	return 0, repository.ErrAccountNotFound
}

// Prune 删除已经不在任何可见公会中的账户
//
// identity 非空时只删除这一个账户，不检查成员关系。
// 只要有一个相关公会的成员列表不完整或不可用，就跳过整个清理，
// 不会因为看不全成员而误删账户。跳过的公会记录在结果的 Skipped 中。
func (s *LeaderboardService) Prune(ctx context.Context, guildID, identity string) (*PruneResult, error) {
	release := s.mode.shared()
	defer release()

	global, err := s.mode.IsGlobal(ctx)
	if err != nil {
		return nil, err
	}
	ns := model.GlobalNamespace
	if !global {
		if guildID == "" {
			return nil, ErrPruneRequiresScope
		}
		ns = guildID
	}
	result := &PruneResult{Namespace: ns}

	if identity != "" {
		// 和余额变更走同一把账户锁，避免并发写入把刚删除的账户写回
		found, err := s.accounts.deleteIdentity(ctx, ns, identity)
		if err != nil {
			return nil, fmt.Errorf("清理账户失败: %w", err)
		}
		result.Deleted = []string{}
		if found {
			result.Deleted = append(result.Deleted, identity)
		}
		s.finishPrune(ctx, result)
		return result, nil
	}

	if s.directory == nil {
		return nil, ErrNoDirectory
	}

	var guildIDs []string
	if global {
		guilds, err := s.directory.Guilds(ctx)
		if err != nil {
			return nil, fmt.Errorf("读取公会列表失败: %w", err)
		}
		for _, g := range guilds {
			guildIDs = append(guildIDs, g.ID)
		}
	} else {
		guildIDs = []string{guildID}
	}

	reachable, skipped, err := s.collectMembers(ctx, guildIDs)
	if err != nil {
		return nil, err
	}
	if len(skipped) > 0 {
		result.Skipped = skipped
		s.logger.Warn("[LeaderboardService] 存在成员列表不完整的公会，跳过清理", "namespace", ns, "skipped", skipped)
		return result, nil
	}

	deleted, err := s.deleteWhere(ctx, ns, func(acc *model.Account) bool {
		_, ok := reachable[acc.Identity]
		return !ok
	})
	if err != nil {
		return nil, err
	}
	result.Deleted = deleted
	s.finishPrune(ctx, result)
	return result, nil
}

// collectMembers 并发拉取公会成员，返回成员并集与成员列表不可信的公会
func (s *LeaderboardService) collectMembers(ctx context.Context, guildIDs []string) (map[string]struct{}, []string, error) {
	var (
		mu        sync.Mutex
		reachable = make(map[string]struct{})
		skipped   []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, id := range guildIDs {
		id := id
		g.Go(func() error {
			members, err := s.loadMembers(gctx, id)
			switch {
			case errors.Is(err, membership.ErrIncomplete), errors.Is(err, membership.ErrUnavailable):
				mu.Lock()
				skipped = append(skipped, id)
				mu.Unlock()
				return nil
			case err != nil:
				return fmt.Errorf("读取公会 %s 成员失败: %w", id, err)
			}
			mu.Lock()
			for m := range members {
				reachable[m] = struct{}{}
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	sort.Strings(skipped)
	return reachable, skipped, nil
}

// loadMembers 成员列表不完整时先尝试加载一次
func (s *LeaderboardService) loadMembers(ctx context.Context, guildID string) (map[string]struct{}, error) {
	members, err := s.directory.Members(ctx, guildID)
	if !errors.Is(err, membership.ErrIncomplete) {
		return members, err
	}
	if err := s.directory.Load(ctx, guildID); err != nil && !errors.Is(err, membership.ErrIncomplete) {
		return nil, err
	}
	return s.directory.Members(ctx, guildID)
}

// deleteWhere 在一个事务里删除命名空间中满足条件的账户
func (s *LeaderboardService) deleteWhere(ctx context.Context, ns string, match func(acc *model.Account) bool) ([]string, error) {
	deleted := []string{}
	err := repository.WithTx(ctx, s.store, ns, func(tx repository.Tx) error {
		for _, acc := range tx.Snapshot() {
			if match(acc) {
				tx.Delete(acc.Identity)
				deleted = append(deleted, acc.Identity)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("清理账户失败: %w", err)
	}
	return deleted, nil
}

func (s *LeaderboardService) finishPrune(ctx context.Context, result *PruneResult) {
	if len(result.Deleted) == 0 {
		return
	}
	s.logger.Info("[LeaderboardService] 已清理账户", "namespace", result.Namespace, "count", len(result.Deleted))
	s.events.Emit(ctx, LedgerEvent{Type: EventPrune, Namespace: result.Namespace, Amount: int64(len(result.Deleted))})
}
