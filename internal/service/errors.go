package service

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var (
	ErrInvalidAmount      = errors.New("金额不合法")
	ErrInsufficientFunds  = errors.New("余额不足")
	ErrBalanceTooHigh     = errors.New("余额超过上限")
	ErrMissingScope       = errors.New("非全局银行必须指定公会")
	ErrPruneRequiresScope = errors.New("清理非全局银行的账户时必须指定公会")
	ErrReconciliation     = errors.New("转账对账失败")
	ErrNoDirectory        = errors.New("未配置成员目录")
)

func invalidAmount(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidAmount, fmt.Sprintf(format, args...))
}

// InsufficientFundsError 扣款金额大于当前余额
type InsufficientFundsError struct {
	Requested int64
	Balance   int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("余额不足: 需要 %s，当前 %s", Humanize(e.Requested), Humanize(e.Balance))
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// BalanceTooHighError 写入后的余额会超过所在作用域的上限
//
// Requested 是调用方想要达到的余额；两数相加溢出 int64 时为 math.MaxInt64。
type BalanceTooHighError struct {
	Name       string
	Requested  int64
	MaxBalance int64
	Currency   string
}

func (e *BalanceTooHighError) Error() string {
	return fmt.Sprintf("%s 的余额不能超过 %s %s", e.Name, Humanize(e.MaxBalance), e.Currency)
}

func (e *BalanceTooHighError) Is(target error) bool {
	return target == ErrBalanceTooHigh
}

// ReconciliationError 转账入账失败，且把钱退回付款方也失败了，需要人工对账
type ReconciliationError struct {
	Namespace     string
	From          string
	To            string
	Amount        int64
	DepositErr    error
	CompensateErr error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("转账对账失败: namespace=%s, from=%s, to=%s, amount=%d, 入账错误: %v, 退回错误: %v",
		e.Namespace, e.From, e.To, e.Amount, e.DepositErr, e.CompensateErr)
}

func (e *ReconciliationError) Is(target error) bool {
	return target == ErrReconciliation
}

func (e *ReconciliationError) Unwrap() []error {
	return []error{e.DepositErr, e.CompensateErr}
}

// RejectionError 可以直接展示给用户的拒绝原因
type RejectionError struct {
	Message string
	Err     error
}

func (e *RejectionError) Error() string {
	return e.Message
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

// Humanize 按千分位格式化金额，如 1,000,000
func Humanize(n int64) string {
	return message.NewPrinter(language.English).Sprintf("%d", n)
}

// addSaturating 两个非负数相加，溢出时返回 math.MaxInt64
func addSaturating(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}
