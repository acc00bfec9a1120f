package repository

import (
	"context"
	"fmt"
	"sort"

	"bankledger/internal/model"

	"gorm.io/gorm"
)

var _ Store = (*GormStore)(nil)

// GormStore 基于 gorm 的 Store 实现（MySQL）
//
// 【事务怎么保证命名空间内不交错？】
// Begin 时用 SELECT ... FOR UPDATE 读取整个命名空间，
// InnoDB 会对 uk_namespace_identity 上该命名空间的范围加 next-key 锁，
// 其他事务对这个命名空间的插入、更新、删除都要等待提交或回滚。
type GormStore struct {
	db           *gorm.DB
	accountRepo  *AccountRepository
	settingsRepo *SettingsRepository
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		db:           db,
		accountRepo:  NewAccountRepository(db),
		settingsRepo: NewSettingsRepository(db),
	}
}

// AutoMigrate 建表（不涉及数据迁移，数据迁移由 service.MigrationRunner 负责）
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(
		&model.Account{},
		&model.BankSettings{},
		&model.BankMeta{},
	)
}

func (s *GormStore) GetAccount(ctx context.Context, namespace, identity string) (*model.Account, error) {
	return s.accountRepo.Get(ctx, nil, namespace, identity)
}

func (s *GormStore) SaveAccount(ctx context.Context, account *model.Account) error {
	return s.accountRepo.Upsert(ctx, nil, account)
}

func (s *GormStore) ListAccounts(ctx context.Context, namespace string) ([]*model.Account, error) {
	return s.accountRepo.List(ctx, nil, namespace, false)
}

func (s *GormStore) Namespaces(ctx context.Context) ([]string, error) {
	return s.accountRepo.Namespaces(ctx)
}

func (s *GormStore) ClearNamespace(ctx context.Context, namespace string) error {
	return s.accountRepo.DeleteNamespace(ctx, namespace)
}

func (s *GormStore) ClearGuildNamespaces(ctx context.Context) error {
	return s.accountRepo.DeleteAllExcept(ctx, model.GlobalNamespace)
}

func (s *GormStore) Begin(ctx context.Context, namespace string) (Tx, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}

	snapshot, err := s.accountRepo.List(ctx, tx, namespace, true)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("锁定命名空间失败: %w", err)
	}

	return &gormTx{
		tx:          tx,
		accountRepo: s.accountRepo,
		namespace:   namespace,
		snapshot:    snapshot,
		puts:        make(map[string]*model.Account),
		deletes:     make(map[string]struct{}),
	}, nil
}

func (s *GormStore) GetSettings(ctx context.Context, namespace string) (*model.BankSettings, error) {
	return s.settingsRepo.Get(ctx, namespace)
}

func (s *GormStore) SaveSettings(ctx context.Context, settings *model.BankSettings) error {
	return s.settingsRepo.Save(ctx, settings)
}

func (s *GormStore) GetMeta(ctx context.Context) (*model.BankMeta, error) {
	return s.settingsRepo.GetMeta(ctx)
}

func (s *GormStore) SetGlobalFlag(ctx context.Context, isGlobal bool) error {
	return s.settingsRepo.SetGlobalFlag(ctx, isGlobal)
}

func (s *GormStore) SetSchemaVersion(ctx context.Context, version int) error {
	return s.settingsRepo.SetSchemaVersion(ctx, version)
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type gormTx struct {
	tx          *gorm.DB
	accountRepo *AccountRepository
	namespace   string
	snapshot    []*model.Account
	puts        map[string]*model.Account
	deletes     map[string]struct{}
	done        bool
}

func (t *gormTx) Namespace() string { return t.namespace }

func (t *gormTx) Snapshot() []*model.Account { return t.snapshot }

func (t *gormTx) Put(account *model.Account) {
	account.Namespace = t.namespace
	delete(t.deletes, account.Identity)
	t.puts[account.Identity] = account
}

func (t *gormTx) Delete(identity string) {
	delete(t.puts, identity)
	t.deletes[identity] = struct{}{}
}

func (t *gormTx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true

	identities := make([]string, 0, len(t.deletes))
	for identity := range t.deletes {
		identities = append(identities, identity)
	}
	sort.Strings(identities)
	if err := t.accountRepo.DeleteIdentities(ctx, t.tx, t.namespace, identities); err != nil {
		t.tx.Rollback()
		return err
	}

	puts := make([]*model.Account, 0, len(t.puts))
	for _, acc := range t.puts {
		puts = append(puts, acc)
	}
	sort.Slice(puts, func(i, j int) bool { return puts[i].Identity < puts[j].Identity })
	if err := t.accountRepo.Upsert(ctx, t.tx, puts...); err != nil {
		t.tx.Rollback()
		return err
	}

	return t.tx.Commit().Error
}

func (t *gormTx) Abort() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	return t.tx.Rollback().Error
}
