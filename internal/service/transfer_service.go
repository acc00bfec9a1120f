package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// TransferService 扣款、存款与转账
type TransferService struct {
	accounts *AccountService
	events   *EventSink
	logger   *slog.Logger

	// 补偿操作脱离调用方 ctx 执行，单独限时
	compensateTimeout time.Duration
}

func NewTransferService(accounts *AccountService, events *EventSink, logger *slog.Logger, compensateTimeout time.Duration) *TransferService {
	return &TransferService{
		accounts:          accounts,
		events:            events,
		logger:            logger,
		compensateTimeout: compensateTimeout,
	}
}

// Withdraw 扣款，返回扣款后的余额
func (s *TransferService) Withdraw(ctx context.Context, member Member, guildID string, amount int64) (int64, error) {
	var balance int64
	ns, err := s.accounts.withLocks(ctx, guildID, []string{member.ID}, func(ns string) error {
		var err error
		balance, err = s.accounts.withdrawLocked(ctx, ns, member, amount)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.events.Emit(ctx, LedgerEvent{Type: EventWithdraw, Namespace: ns, Identity: member.ID, Amount: amount, Balance: balance})
	return balance, nil
}

// Deposit 存款，返回存款后的余额
func (s *TransferService) Deposit(ctx context.Context, member Member, guildID string, amount int64) (int64, error) {
	var balance int64
	ns, err := s.accounts.withLocks(ctx, guildID, []string{member.ID}, func(ns string) error {
		var err error
		balance, err = s.accounts.depositLocked(ctx, ns, member, amount)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.events.Emit(ctx, LedgerEvent{Type: EventDeposit, Namespace: ns, Identity: member.ID, Amount: amount, Balance: balance})
	return balance, nil
}

// Transfer 从 from 转账给 to，返回收款方的新余额
//
// 两个账户的锁在整个过程中都被持有。先检查收款方上限再扣款，
// 入账失败时把钱退回付款方；退回也失败则返回 ReconciliationError 并发出告警。
func (s *TransferService) Transfer(ctx context.Context, from, to Member, guildID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, invalidAmount("转账金额必须大于 0: %d", amount)
	}

	var balance int64
	ns, err := s.accounts.withLocks(ctx, guildID, []string{from.ID, to.ID}, func(ns string) error {
		var err error
		balance, err = s.transferLocked(ctx, ns, from, to, amount)
		return err
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("[TransferService] 转账成功", "namespace", ns, "from", from.ID, "to", to.ID, "amount", amount)
	s.events.Emit(ctx, LedgerEvent{Type: EventTransfer, Namespace: ns, Identity: from.ID, Counterparty: to.ID, Amount: amount, Balance: balance})
	return balance, nil
}

func (s *TransferService) transferLocked(ctx context.Context, ns string, from, to Member, amount int64) (int64, error) {
	recipient, err := s.accounts.getAccount(ctx, ns, to)
	if err != nil {
		return 0, err
	}
	st, err := s.accounts.settings.forNamespace(ctx, ns)
	if err != nil {
		return 0, err
	}
	if target := addSaturating(recipient.Balance, amount); target > st.MaxBalance {
		return 0, &BalanceTooHighError{Name: to.DisplayName, Requested: target, MaxBalance: st.MaxBalance, Currency: st.Currency}
	}

	if _, err := s.accounts.withdrawLocked(ctx, ns, from, amount); err != nil {
		return 0, err
	}

	balance, depositErr := s.accounts.depositLocked(ctx, ns, to, amount)
	if depositErr == nil {
		return balance, nil
	}

	// 调用方的 ctx 可能已经取消，退款必须照常执行
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.compensateTimeout)
	defer cancel()

	if _, err := s.accounts.depositLocked(cctx, ns, from, amount); err != nil {
		rec := &ReconciliationError{
			Namespace:     ns,
			From:          from.ID,
			To:            to.ID,
			Amount:        amount,
			DepositErr:    depositErr,
			CompensateErr: err,
		}
		s.logger.Error("[TransferService] 转账入账失败且退回付款方失败，需要人工对账",
			"namespace", ns, "from", from.ID, "to", to.ID, "amount", amount,
			"deposit_error", depositErr, "compensate_error", err)
		s.events.Alert(cctx, LedgerEvent{
			Type:         EventReconciliation,
			Namespace:    ns,
			Identity:     from.ID,
			Counterparty: to.ID,
			Amount:       amount,
			Message:      rec.Error(),
		})
		return 0, rec
	}

	s.logger.Warn("[TransferService] 转账入账失败，已退回付款方",
		"namespace", ns, "from", from.ID, "to", to.ID, "amount", amount, "error", depositErr)
	return 0, fmt.Errorf("转账入账失败，已退回付款方: %w", depositErr)
}
