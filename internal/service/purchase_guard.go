package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeAbort
	outcomeFailure
)

var errActionFailed = errors.New("付费操作执行失败")

// Outcome 付费操作的结果：成功保留扣款，放弃或失败都会退款
type Outcome[T any] struct {
	kind  outcomeKind
	value T
	err   error
}

func Succeed[T any](v T) Outcome[T] {
	return Outcome[T]{kind: outcomeSuccess, value: v}
}

// Abort 操作主动放弃，退款后返回零值且不报错
func Abort[T any]() Outcome[T] {
	return Outcome[T]{kind: outcomeAbort}
}

// Fail 操作失败，退款后把 err 原样返回
func Fail[T any](err error) Outcome[T] {
	if err == nil {
		err = errActionFailed
	}
	return Outcome[T]{kind: outcomeFailure, err: err}
}

// Invocation 一次付费调用的上下文；GuildID 为空表示私信等没有公会的场景
type Invocation struct {
	Member  Member
	GuildID string
}

type Action[T any] func(ctx context.Context, inv Invocation) Outcome[T]

type Guarded[T any] func(ctx context.Context, inv Invocation) (T, error)

// PurchaseGuard 先扣款再执行操作
type PurchaseGuard struct {
	mode          *ModeController
	settings      *SettingsService
	transfers     *TransferService
	events        *EventSink
	logger        *slog.Logger
	refundTimeout time.Duration
}

func NewPurchaseGuard(mode *ModeController, settings *SettingsService, transfers *TransferService,
	events *EventSink, logger *slog.Logger, refundTimeout time.Duration) *PurchaseGuard {
	return &PurchaseGuard{
		mode:          mode,
		settings:      settings,
		transfers:     transfers,
		events:        events,
		logger:        logger,
		refundTimeout: refundTimeout,
	}
}

// Guard 包装 action，每次调用先扣 cost
//
// 扣款失败时 action 不会执行；action 放弃、失败或 panic 时退回 cost，
// 即使调用方的 ctx 已经取消。cost 为 0 时不扣款也不退款，cost 为负时每次调用都返回 ErrInvalidAmount。
func Guard[T any](g *PurchaseGuard, cost int64) func(Action[T]) Guarded[T] {
	return func(action Action[T]) Guarded[T] {
		return func(ctx context.Context, inv Invocation) (T, error) {
			var zero T
			if cost < 0 {
				return zero, invalidAmount("付费金额不能为负数: %d", cost)
			}
			ns, err := g.charge(ctx, inv, cost)
			if err != nil {
				return zero, err
			}

			settled := false
			defer func() {
				if settled {
					return
				}
				r := recover()
				g.logger.Error("[PurchaseGuard] 付费操作 panic，退款", "identity", inv.Member.ID, "cost", cost, "panic", r)
				_ = g.refund(ctx, inv, ns, cost)
				if r != nil {
					panic(r)
				}
			}()

			outcome := action(ctx, inv)
			settled = true

			switch outcome.kind {
			case outcomeSuccess:
				return outcome.value, nil
			case outcomeAbort:
				if err := g.refund(ctx, inv, ns, cost); err != nil {
					return zero, err
				}
				return zero, nil
			default:
				if err := g.refund(ctx, inv, ns, cost); err != nil {
					return zero, errors.Join(outcome.err, err)
				}
				return zero, outcome.err
			}
		}
	}
}

// charge 扣款并返回扣款所在的命名空间，退款记录到同一个命名空间
func (g *PurchaseGuard) charge(ctx context.Context, inv Invocation, cost int64) (string, error) {
	ns, err := g.mode.Namespace(ctx, inv.GuildID)
	if errors.Is(err, ErrMissingScope) {
		return "", &RejectionError{Message: "银行不是全局模式时，不能在私信中使用付费命令。", Err: ErrMissingScope}
	}
	if err != nil {
		return "", err
	}

	if _, err := g.transfers.Withdraw(ctx, inv.Member, inv.GuildID, cost); err != nil {
		currency, cerr := g.settings.CurrencyName(ctx, inv.GuildID)
		if cerr != nil {
			currency = g.settings.defaults.Currency
		}
		return "", &RejectionError{
			Message: fmt.Sprintf("使用此命令至少需要 %s %s。", Humanize(cost), currency),
			Err:     err,
		}
	}
	return ns, nil
}

func (g *PurchaseGuard) refund(ctx context.Context, inv Invocation, ns string, cost int64) error {
	if cost == 0 {
		return nil
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.refundTimeout)
	defer cancel()

	if _, err := g.transfers.Deposit(rctx, inv.Member, inv.GuildID, cost); err != nil {
		g.logger.Error("[PurchaseGuard] 退款失败", "identity", inv.Member.ID, "guild_id", inv.GuildID, "cost", cost, "error", err)
		return fmt.Errorf("退款失败: %w", err)
	}
	g.logger.Debug("[PurchaseGuard] 已退款", "identity", inv.Member.ID, "guild_id", inv.GuildID, "cost", cost)
	g.events.Emit(rctx, LedgerEvent{Type: EventPurchaseRefund, Namespace: ns, Identity: inv.Member.ID, Amount: cost})
	return nil
}
