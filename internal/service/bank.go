package service

import (
	"context"
	"log/slog"
	"time"

	"bankledger/internal/config"
	"bankledger/internal/infrastructure/lock"
	"bankledger/internal/infrastructure/mq"
	"bankledger/internal/membership"
	"bankledger/internal/repository"
)

// Bank 把各个服务组装在一起，HTTP 层和后台任务只依赖它
type Bank struct {
	Mode        *ModeController
	Settings    *SettingsService
	Accounts    *AccountService
	Transfers   *TransferService
	Guard       *PurchaseGuard
	Leaderboard *LeaderboardService
	Migrations  *MigrationRunner

	store repository.Store
}

type options struct {
	locker           lock.Locker
	directory        membership.Directory
	defaults         config.BankConfig
	publisher        mq.Publisher
	eventsTopic      string
	alertsTopic      string
	logger           *slog.Logger
	now              func() time.Time
	pruneConcurrency int
	settleTimeout    time.Duration
	migrations       []MigrationStep
}

type Option func(*options)

// WithLocker 多进程部署时传入 Redis 锁，默认使用进程内锁
func WithLocker(l lock.Locker) Option {
	return func(o *options) { o.locker = l }
}

func WithDirectory(d membership.Directory) Option {
	return func(o *options) { o.directory = d }
}

// WithDefaults 未写入存储的作用域使用的设置
func WithDefaults(cfg config.BankConfig) Option {
	return func(o *options) { o.defaults = cfg }
}

func WithPublisher(p mq.Publisher, eventsTopic, alertsTopic string) Option {
	return func(o *options) {
		o.publisher = p
		o.eventsTopic = eventsTopic
		o.alertsTopic = alertsTopic
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithPruneConcurrency(n int) Option {
	return func(o *options) { o.pruneConcurrency = n }
}

// WithSettleTimeout 退款、转账补偿这类脱离调用方 ctx 的操作的超时
func WithSettleTimeout(d time.Duration) Option {
	return func(o *options) { o.settleTimeout = d }
}

func WithMigrations(steps []MigrationStep) Option {
	return func(o *options) { o.migrations = steps }
}

func NewBank(store repository.Store, opts ...Option) *Bank {
	o := &options{
		locker:           lock.NewKeyedMutex(),
		defaults:         config.Default().Bank,
		publisher:        mq.NopPublisher{},
		logger:           slog.Default(),
		now:              time.Now,
		pruneConcurrency: 4,
		settleTimeout:    5 * time.Second,
		migrations:       DefaultMigrations(),
	}
	for _, opt := range opts {
		opt(o)
	}

	events := NewEventSink(o.publisher, o.eventsTopic, o.alertsTopic, o.logger)
	mode := NewModeController(store, events, o.logger)
	settings := NewSettingsService(store, mode, o.defaults, o.logger)
	accounts := NewAccountService(store, o.locker, mode, settings, events, o.logger, o.now)
	transfers := NewTransferService(accounts, events, o.logger, o.settleTimeout)

	return &Bank{
		Mode:        mode,
		Settings:    settings,
		Accounts:    accounts,
		Transfers:   transfers,
		Guard:       NewPurchaseGuard(mode, settings, transfers, events, o.logger, o.settleTimeout),
		Leaderboard: NewLeaderboardService(store, accounts, mode, o.directory, events, o.logger, o.pruneConcurrency),
		Migrations:  NewMigrationRunner(store, o.migrations, o.logger),
		store:       store,
	}
}

// Start 执行迁移并读取当前模式
func (b *Bank) Start(ctx context.Context) error {
	if _, err := b.Migrations.Run(ctx); err != nil {
		return err
	}
	return b.Mode.Refresh(ctx)
}

// Refresh 丢弃模式与设置的缓存，多进程部署时由定时任务调用
func (b *Bank) Refresh(ctx context.Context) error {
	b.Settings.Refresh()
	return b.Mode.Refresh(ctx)
}

func (b *Bank) Ping(ctx context.Context) error {
	return b.store.Ping(ctx)
}
