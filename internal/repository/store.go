package repository

import (
	"context"
	"errors"
	"fmt"

	"bankledger/internal/model"
)

var (
	ErrAccountNotFound  = errors.New("账户不存在")
	ErrSettingsNotFound = errors.New("银行设置不存在")
	ErrTxDone           = errors.New("事务已提交或已回滚")
)

// Store 账本的持久化接口
//
// 数据按命名空间划分：global 或公会 ID。
// 单点读写直接调用；需要对整个命名空间读改写时使用 Begin 开启事务，
// 事务期间同一命名空间的其他写入不可见、也不会交错执行。
type Store interface {
	GetAccount(ctx context.Context, namespace, identity string) (*model.Account, error)
	SaveAccount(ctx context.Context, account *model.Account) error
	// ListAccounts 按插入顺序返回命名空间内的所有账户
	ListAccounts(ctx context.Context, namespace string) ([]*model.Account, error)
	// Namespaces 返回当前存在账户的全部命名空间（含 global）
	Namespaces(ctx context.Context) ([]string, error)
	ClearNamespace(ctx context.Context, namespace string) error
	// ClearGuildNamespaces 清空除 global 之外的所有命名空间
	ClearGuildNamespaces(ctx context.Context) error

	Begin(ctx context.Context, namespace string) (Tx, error)

	GetSettings(ctx context.Context, namespace string) (*model.BankSettings, error)
	SaveSettings(ctx context.Context, settings *model.BankSettings) error

	GetMeta(ctx context.Context) (*model.BankMeta, error)
	SetGlobalFlag(ctx context.Context, isGlobal bool) error
	SetSchemaVersion(ctx context.Context, version int) error

	Ping(ctx context.Context) error
	Close() error
}

// Tx 命名空间级的读改写事务
//
// Snapshot 返回事务开始时的内容（按插入顺序），可以原地修改后 Put 回去。
// Commit 与 Abort 只能生效一次，之后再调用返回 ErrTxDone。
type Tx interface {
	Namespace() string
	Snapshot() []*model.Account
	Put(account *model.Account)
	Delete(identity string)
	Commit(ctx context.Context) error
	Abort() error
}

// WithTx 在事务中执行 fn：fn 返回 nil 时提交，否则回滚。
// panic 时同样回滚后继续抛出，保证每条退出路径恰好执行 Commit 或 Abort 之一。
func WithTx(ctx context.Context, s Store, namespace string, fn func(tx Tx) error) (err error) {
	tx, err := s.Begin(ctx, namespace)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if r := recover(); r != nil {
			_ = tx.Abort()
			panic(r)
		}
		if abortErr := tx.Abort(); abortErr != nil && !errors.Is(abortErr, ErrTxDone) {
			err = errors.Join(err, abortErr)
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = ctx.Err(); err != nil {
		return err
	}
	committed = true
	if err = tx.Commit(ctx); err != nil {
		_ = tx.Abort()
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}
