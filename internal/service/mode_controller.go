package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"bankledger/internal/model"
	"bankledger/internal/repository"
)

// ModeController 管理全局/本地模式
//
// gate 是进程级的读写锁：余额变更、清理、删除用户数据持读锁，
// 切换模式和清空银行持写锁，因此切换过程中不会有余额变更落到将被清空的命名空间。
// 读锁不能重入，内部方法在已持有读锁时不能再调用公开方法。
type ModeController struct {
	store  repository.Store
	events *EventSink
	logger *slog.Logger

	gate sync.RWMutex

	mu     sync.Mutex
	cached *bool
}

func NewModeController(store repository.Store, events *EventSink, logger *slog.Logger) *ModeController {
	return &ModeController{store: store, events: events, logger: logger}
}

func (m *ModeController) shared() func() {
	m.gate.RLock()
	return m.gate.RUnlock
}

func (m *ModeController) exclusive() func() {
	m.gate.Lock()
	return m.gate.Unlock
}

// IsGlobal 返回当前模式，首次调用时从存储读取
func (m *ModeController) IsGlobal(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached != nil {
		return *m.cached, nil
	}
	return m.loadLocked(ctx)
}

// Refresh 丢弃缓存重新读取，多进程部署时其他进程可能已经切换了模式
func (m *ModeController) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.loadLocked(ctx)
	return err
}

func (m *ModeController) loadLocked(ctx context.Context) (bool, error) {
	meta, err := m.store.GetMeta(ctx)
	if err != nil {
		return false, fmt.Errorf("读取银行模式失败: %w", err)
	}
	v := meta.IsGlobal
	m.cached = &v
	return v, nil
}

// Namespace 解析本次操作的命名空间
func (m *ModeController) Namespace(ctx context.Context, guildID string) (string, error) {
	global, err := m.IsGlobal(ctx)
	if err != nil {
		return "", err
	}
	if global {
		return model.GlobalNamespace, nil
	}
	if guildID == "" {
		return "", ErrMissingScope
	}
	return guildID, nil
}

// SetGlobal 切换模式，模式实际发生变化时清空被放弃的一侧
//
// 本地切到全局清空所有公会命名空间，全局切回本地清空 global。返回切换后的模式。
func (m *ModeController) SetGlobal(ctx context.Context, global bool) (bool, error) {
	release := m.exclusive()
	defer release()

	current, err := m.IsGlobal(ctx)
	if err != nil {
		return current, err
	}
	if current == global {
		return current, nil
	}

	if current {
		err = m.store.ClearNamespace(ctx, model.GlobalNamespace)
	} else {
		err = m.store.ClearGuildNamespaces(ctx)
	}
	if err != nil {
		return current, fmt.Errorf("切换模式时清空账户失败: %w", err)
	}

	if err := m.store.SetGlobalFlag(ctx, global); err != nil {
		return current, fmt.Errorf("保存银行模式失败: %w", err)
	}

	m.mu.Lock()
	m.cached = &global
	m.mu.Unlock()

	m.logger.Info("[ModeController] 银行模式已切换", "global", global)
	m.events.Emit(ctx, LedgerEvent{Type: EventModeChanged, Message: modeName(global)})
	return global, nil
}

// Wipe 清空账户
//
// 全局模式清空 global；本地模式指定公会时只清该公会，否则清空所有公会。
func (m *ModeController) Wipe(ctx context.Context, guildID string) error {
	release := m.exclusive()
	defer release()

	global, err := m.IsGlobal(ctx)
	if err != nil {
		return err
	}

	target := guildID
	switch {
	case global:
		target = model.GlobalNamespace
		err = m.store.ClearNamespace(ctx, target)
	case guildID == "":
		target = "*"
		err = m.store.ClearGuildNamespaces(ctx)
	default:
		err = m.store.ClearNamespace(ctx, guildID)
	}
	if err != nil {
		return fmt.Errorf("清空银行失败: %w", err)
	}

	m.logger.Warn("[ModeController] 银行已清空", "namespace", target)
	m.events.Emit(ctx, LedgerEvent{Type: EventWipe, Namespace: target})
	return nil
}

func modeName(global bool) string {
	if global {
		return "global"
	}
	return "local"
}
