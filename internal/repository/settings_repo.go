package repository

import (
	"context"
	"errors"

	"bankledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SettingsRepository bank_settings 与 bank_meta 表的读写
type SettingsRepository struct {
	db *gorm.DB
}

func NewSettingsRepository(db *gorm.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

func (r *SettingsRepository) Get(ctx context.Context, namespace string) (*model.BankSettings, error) {
	var settings model.BankSettings
	err := r.db.WithContext(ctx).Where("namespace = ?", namespace).First(&settings).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSettingsNotFound
		}
		return nil, err
	}
	return &settings, nil
}

func (r *SettingsRepository) Save(ctx context.Context, settings *model.BankSettings) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "namespace"}},
			DoUpdates: clause.AssignmentColumns([]string{"bank_name", "currency", "default_balance", "max_balance"}),
		}).
		Create(settings).Error
}

func (r *SettingsRepository) GetMeta(ctx context.Context) (*model.BankMeta, error) {
	var meta model.BankMeta
	err := r.db.WithContext(ctx).Where("id = ?", 1).First(&meta).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &model.BankMeta{ID: 1}, nil
		}
		return nil, err
	}
	return &meta, nil
}

// updateMeta 只更新指定列，行不存在时先插入默认行
func (r *SettingsRepository) updateMeta(ctx context.Context, column string, value interface{}) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&model.BankMeta{ID: 1}).Error
		if err != nil {
			return err
		}
		return tx.Model(&model.BankMeta{}).
			Where("id = ?", 1).
			Update(column, value).Error
	})
}

func (r *SettingsRepository) SetGlobalFlag(ctx context.Context, isGlobal bool) error {
	return r.updateMeta(ctx, "is_global", isGlobal)
}

func (r *SettingsRepository) SetSchemaVersion(ctx context.Context, version int) error {
	return r.updateMeta(ctx, "schema_version", version)
}
