package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"bankledger/internal/infrastructure/lock"
	"bankledger/internal/model"
	"bankledger/internal/repository"

	"github.com/shopspring/decimal"
)

// AccountService 账户读取与余额写入
//
// 公开方法自己解析命名空间并加锁；带 Locked 后缀的方法要求调用方
// 已经持有 gate 读锁和对应账户的锁。
type AccountService struct {
	store    repository.Store
	locker   lock.Locker
	mode     *ModeController
	settings *SettingsService
	events   *EventSink
	logger   *slog.Logger
	now      func() time.Time
}

func NewAccountService(store repository.Store, locker lock.Locker, mode *ModeController, settings *SettingsService,
	events *EventSink, logger *slog.Logger, now func() time.Time) *AccountService {
	return &AccountService{
		store:    store,
		locker:   locker,
		mode:     mode,
		settings: settings,
		events:   events,
		logger:   logger,
		now:      now,
	}
}

// withLocks 持有 gate 读锁，解析命名空间后按顺序锁住涉及的账户再执行 fn
func (s *AccountService) withLocks(ctx context.Context, guildID string, identities []string, fn func(ns string) error) (string, error) {
	release := s.mode.shared()
	defer release()

	ns, err := s.mode.Namespace(ctx, guildID)
	if err != nil {
		return "", err
	}

	keys := make([]string, 0, len(identities))
	for _, id := range identities {
		keys = append(keys, accountKey(ns, id))
	}
	unlock, err := s.locker.Lock(ctx, keys...)
	if err != nil {
		return ns, fmt.Errorf("获取账户锁失败: %w", err)
	}
	defer unlock()

	return ns, fn(ns)
}

// GetAccount 读取账户；不存在时返回未持久化的默认账户，不会写入存储
func (s *AccountService) GetAccount(ctx context.Context, member Member, guildID string) (*Account, error) {
	ns, err := s.mode.Namespace(ctx, guildID)
	if err != nil {
		return nil, err
	}
	return s.getAccount(ctx, ns, member)
}

func (s *AccountService) GetBalance(ctx context.Context, member Member, guildID string) (int64, error) {
	acc, err := s.GetAccount(ctx, member, guildID)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

// CanSpend 余额是否足够支付 amount，负数一律返回 false
func (s *AccountService) CanSpend(ctx context.Context, member Member, guildID string, amount int64) (bool, error) {
	if amount < 0 {
		return false, nil
	}
	balance, err := s.GetBalance(ctx, member, guildID)
	if err != nil {
		return false, err
	}
	return balance >= amount, nil
}

// SetBalance 直接设置余额，必要时创建账户
func (s *AccountService) SetBalance(ctx context.Context, member Member, guildID string, amount int64) (int64, error) {
	var balance int64
	ns, err := s.withLocks(ctx, guildID, []string{member.ID}, func(ns string) error {
		var err error
		balance, err = s.setBalanceLocked(ctx, ns, member, amount)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.events.Emit(ctx, LedgerEvent{Type: EventBalanceSet, Namespace: ns, Identity: member.ID, Balance: balance})
	return balance, nil
}

func (s *AccountService) getAccount(ctx context.Context, ns string, member Member) (*Account, error) {
	row, err := s.store.GetAccount(ctx, ns, member.ID)
	if err == nil {
		return accountFromModel(row), nil
	}
	if !errors.Is(err, repository.ErrAccountNotFound) {
		return nil, fmt.Errorf("读取账户失败: %w", err)
	}

	st, err := s.settings.forNamespace(ctx, ns)
	if err != nil {
		return nil, err
	}
	return &Account{
		Identity:  member.ID,
		Namespace: ns,
		Name:      member.DisplayName,
		Balance:   st.DefaultBalance,
	}, nil
}

func (s *AccountService) setBalanceLocked(ctx context.Context, ns string, member Member, amount int64) (int64, error) {
	if amount < 0 {
		return 0, invalidAmount("余额不能为负数: %d", amount)
	}
	st, err := s.settings.forNamespace(ctx, ns)
	if err != nil {
		return 0, err
	}
	if amount > st.MaxBalance {
		return 0, &BalanceTooHighError{Name: member.DisplayName, Requested: amount, MaxBalance: st.MaxBalance, Currency: st.Currency}
	}

	row, err := s.store.GetAccount(ctx, ns, member.ID)
	switch {
	case errors.Is(err, repository.ErrAccountNotFound):
		row = &model.Account{Namespace: ns, Identity: member.ID}
	case err != nil:
		return 0, fmt.Errorf("读取账户失败: %w", err)
	}
	if row.CreatedAt == 0 {
		row.CreatedAt = s.now().Unix()
	}
	if row.Name == "" {
		row.Name = member.DisplayName
	}
	row.Balance = decimal.NewFromInt(amount)

	if err := s.store.SaveAccount(ctx, row); err != nil {
		return 0, fmt.Errorf("保存账户失败: %w", err)
	}
	return amount, nil
}

func (s *AccountService) withdrawLocked(ctx context.Context, ns string, member Member, amount int64) (int64, error) {
	if amount < 0 {
		return 0, invalidAmount("扣款金额不能为负数: %d", amount)
	}
	acc, err := s.getAccount(ctx, ns, member)
	if err != nil {
		return 0, err
	}
	if amount > acc.Balance {
		return 0, &InsufficientFundsError{Requested: amount, Balance: acc.Balance}
	}
	return s.setBalanceLocked(ctx, ns, member, acc.Balance-amount)
}

func (s *AccountService) depositLocked(ctx context.Context, ns string, member Member, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, invalidAmount("存款金额必须大于 0: %d", amount)
	}
	acc, err := s.getAccount(ctx, ns, member)
	if err != nil {
		return 0, err
	}
	if amount <= math.MaxInt64-acc.Balance {
		return s.setBalanceLocked(ctx, ns, member, acc.Balance+amount)
	}
	// 相加溢出，不可能在上限之内
	st, err := s.settings.forNamespace(ctx, ns)
	if err != nil {
		return 0, err
	}
	return 0, &BalanceTooHighError{Name: member.DisplayName, Requested: math.MaxInt64, MaxBalance: st.MaxBalance, Currency: st.Currency}
}

// DeleteUserData 从所有命名空间删除某个身份的账户，返回删除过的命名空间
func (s *AccountService) DeleteUserData(ctx context.Context, identity string) ([]string, error) {
	release := s.mode.shared()
	defer release()

	namespaces, err := s.store.Namespaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取命名空间失败: %w", err)
	}

	var deleted []string
	for _, ns := range namespaces {
		found, err := s.deleteIdentity(ctx, ns, identity)
		if err != nil {
			return deleted, err
		}
		if found {
			deleted = append(deleted, ns)
		}
	}

	if len(deleted) > 0 {
		s.logger.Info("[AccountService] 用户数据已删除", "identity", identity, "namespaces", deleted)
		s.events.Emit(ctx, LedgerEvent{Type: EventUserDeleted, Identity: identity})
	}
	return deleted, nil
}

func (s *AccountService) deleteIdentity(ctx context.Context, ns, identity string) (bool, error) {
	unlock, err := s.locker.Lock(ctx, accountKey(ns, identity))
	if err != nil {
		return false, fmt.Errorf("获取账户锁失败: %w", err)
	}
	defer unlock()

	found := false
	err = repository.WithTx(ctx, s.store, ns, func(tx repository.Tx) error {
		for _, acc := range tx.Snapshot() {
			if acc.Identity == identity {
				tx.Delete(identity)
				found = true
				break
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("删除账户失败: %w", err)
	}
	return found, nil
}
