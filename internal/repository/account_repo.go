package repository

import (
	"context"
	"errors"

	"bankledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AccountRepository bank_account 表的读写
type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

var accountConflict = clause.OnConflict{
	Columns:   []clause.Column{{Name: "namespace"}, {Name: "identity"}},
	DoUpdates: clause.AssignmentColumns([]string{"name", "balance", "created_at"}),
}

func (r *AccountRepository) Get(ctx context.Context, tx *gorm.DB, namespace, identity string) (*model.Account, error) {
	if tx == nil {
		tx = r.db
	}
	var account model.Account
	err := tx.WithContext(ctx).
		Where("namespace = ? AND identity = ?", namespace, identity).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// Upsert 按 (namespace, identity) 插入或覆盖，已存在的行保留原主键
func (r *AccountRepository) Upsert(ctx context.Context, tx *gorm.DB, accounts ...*model.Account) error {
	if tx == nil {
		tx = r.db
	}
	if len(accounts) == 0 {
		return nil
	}
	rows := make([]*model.Account, 0, len(accounts))
	for _, acc := range accounts {
		cp := acc.Clone()
		cp.ID = 0
		rows = append(rows, cp)
	}
	return tx.WithContext(ctx).Clauses(accountConflict).Create(&rows).Error
}

func (r *AccountRepository) List(ctx context.Context, tx *gorm.DB, namespace string, forUpdate bool) ([]*model.Account, error) {
	if tx == nil {
		tx = r.db
	}
	query := tx.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var accounts []*model.Account
	err := query.
		Where("namespace = ?", namespace).
		Order("id ASC").
		Find(&accounts).Error
	return accounts, err
}

func (r *AccountRepository) Namespaces(ctx context.Context) ([]string, error) {
	var namespaces []string
	err := r.db.WithContext(ctx).
		Model(&model.Account{}).
		Distinct("namespace").
		Order("namespace ASC").
		Pluck("namespace", &namespaces).Error
	return namespaces, err
}

func (r *AccountRepository) DeleteIdentities(ctx context.Context, tx *gorm.DB, namespace string, identities []string) error {
	if tx == nil {
		tx = r.db
	}
	if len(identities) == 0 {
		return nil
	}
	return tx.WithContext(ctx).
		Where("namespace = ? AND identity IN ?", namespace, identities).
		Delete(&model.Account{}).Error
}

func (r *AccountRepository) DeleteNamespace(ctx context.Context, namespace string) error {
	return r.db.WithContext(ctx).
		Where("namespace = ?", namespace).
		Delete(&model.Account{}).Error
}

func (r *AccountRepository) DeleteAllExcept(ctx context.Context, namespace string) error {
	return r.db.WithContext(ctx).
		Where("namespace <> ?", namespace).
		Delete(&model.Account{}).Error
}
