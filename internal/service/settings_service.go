package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"bankledger/internal/config"
	"bankledger/internal/model"
	"bankledger/internal/repository"
)

// SettingsService 银行名称、货币名、默认余额与余额上限
//
// 全局模式读写 global 命名空间的设置，本地模式读写公会自己的设置；
// 从未写入过的作用域使用配置里的默认值。global 的设置在进程内缓存，
// 写入时同步更新缓存，Refresh 可以丢弃缓存重新读取。
type SettingsService struct {
	store    repository.Store
	mode     *ModeController
	defaults config.BankConfig
	logger   *slog.Logger

	// 串行化读改写，避免两个设置项同时写入时互相覆盖
	writeMu sync.Mutex

	cacheMu sync.Mutex
	global  *model.BankSettings
}

func NewSettingsService(store repository.Store, mode *ModeController, defaults config.BankConfig, logger *slog.Logger) *SettingsService {
	return &SettingsService{store: store, mode: mode, defaults: defaults, logger: logger}
}

// Settings 返回作用域当前生效的设置
func (s *SettingsService) Settings(ctx context.Context, guildID string) (*model.BankSettings, error) {
	ns, err := s.mode.Namespace(ctx, guildID)
	if err != nil {
		return nil, err
	}
	return s.forNamespace(ctx, ns)
}

func (s *SettingsService) BankName(ctx context.Context, guildID string) (string, error) {
	st, err := s.Settings(ctx, guildID)
	if err != nil {
		return "", err
	}
	return st.BankName, nil
}

func (s *SettingsService) CurrencyName(ctx context.Context, guildID string) (string, error) {
	st, err := s.Settings(ctx, guildID)
	if err != nil {
		return "", err
	}
	return st.Currency, nil
}

func (s *SettingsService) DefaultBalance(ctx context.Context, guildID string) (int64, error) {
	st, err := s.Settings(ctx, guildID)
	if err != nil {
		return 0, err
	}
	return st.DefaultBalance, nil
}

func (s *SettingsService) MaxBalance(ctx context.Context, guildID string) (int64, error) {
	st, err := s.Settings(ctx, guildID)
	if err != nil {
		return 0, err
	}
	return st.MaxBalance, nil
}

func (s *SettingsService) SetBankName(ctx context.Context, guildID, name string) (string, error) {
	st, err := s.update(ctx, guildID, func(st *model.BankSettings) error {
		st.BankName = name
		return nil
	})
	if err != nil {
		return "", err
	}
	return st.BankName, nil
}

func (s *SettingsService) SetCurrencyName(ctx context.Context, guildID, name string) (string, error) {
	st, err := s.update(ctx, guildID, func(st *model.BankSettings) error {
		st.Currency = name
		return nil
	})
	if err != nil {
		return "", err
	}
	return st.Currency, nil
}

// SetDefaultBalance 默认余额必须在 0 到当前上限之间
func (s *SettingsService) SetDefaultBalance(ctx context.Context, guildID string, amount int64) (int64, error) {
	st, err := s.update(ctx, guildID, func(st *model.BankSettings) error {
		if amount < 0 || amount > st.MaxBalance {
			return invalidAmount("默认余额必须在 0 到 %s 之间", Humanize(st.MaxBalance))
		}
		st.DefaultBalance = amount
		return nil
	})
	if err != nil {
		return 0, err
	}
	return st.DefaultBalance, nil
}

// SetMaxBalance 上限必须大于 0，已有余额不会被调整
func (s *SettingsService) SetMaxBalance(ctx context.Context, guildID string, amount int64) (int64, error) {
	st, err := s.update(ctx, guildID, func(st *model.BankSettings) error {
		if amount <= 0 {
			return invalidAmount("余额上限必须大于 0")
		}
		st.MaxBalance = amount
		return nil
	})
	if err != nil {
		return 0, err
	}
	return st.MaxBalance, nil
}

// Refresh 丢弃 global 设置的缓存
func (s *SettingsService) Refresh() {
	s.cacheMu.Lock()
	s.global = nil
	s.cacheMu.Unlock()
}

func (s *SettingsService) update(ctx context.Context, guildID string, apply func(st *model.BankSettings) error) (*model.BankSettings, error) {
	ns, err := s.mode.Namespace(ctx, guildID)
	if err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// 写入前以存储为准，不信任缓存
	st, err := s.load(ctx, ns)
	if err != nil {
		return nil, err
	}
	if err := apply(st); err != nil {
		return nil, err
	}
	if err := s.store.SaveSettings(ctx, st); err != nil {
		return nil, fmt.Errorf("保存银行设置失败: %w", err)
	}

	if ns == model.GlobalNamespace {
		cp := *st
		s.cacheMu.Lock()
		s.global = &cp
		s.cacheMu.Unlock()
	}
	s.logger.Info("[SettingsService] 银行设置已更新", "namespace", ns,
		"bank_name", st.BankName, "currency", st.Currency,
		"default_balance", st.DefaultBalance, "max_balance", st.MaxBalance)
	return st, nil
}

// forNamespace 返回设置的副本
func (s *SettingsService) forNamespace(ctx context.Context, ns string) (*model.BankSettings, error) {
	if ns != model.GlobalNamespace {
		return s.load(ctx, ns)
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.global == nil {
		st, err := s.load(ctx, ns)
		if err != nil {
			return nil, err
		}
		s.global = st
	}
	cp := *s.global
	return &cp, nil
}

func (s *SettingsService) load(ctx context.Context, ns string) (*model.BankSettings, error) {
	st, err := s.store.GetSettings(ctx, ns)
	if errors.Is(err, repository.ErrSettingsNotFound) {
		return &model.BankSettings{
			Namespace:      ns,
			BankName:       s.defaults.Name,
			Currency:       s.defaults.Currency,
			DefaultBalance: s.defaults.DefaultBalance,
			MaxBalance:     s.defaults.MaxBalance,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取银行设置失败: %w", err)
	}
	return st, nil
}
