package model

// BankSettings 银行设置表，每个命名空间一行
type BankSettings struct {
	Namespace      string `gorm:"type:varchar(32);primaryKey" json:"namespace"`
	BankName       string `gorm:"type:varchar(128);not null" json:"bank_name"`
	Currency       string `gorm:"type:varchar(64);not null" json:"currency"`
	DefaultBalance int64  `gorm:"not null" json:"default_balance"`
	MaxBalance     int64  `gorm:"not null" json:"max_balance"`
}

func (BankSettings) TableName() string {
	return "bank_settings"
}

// BankMeta 单行元数据：全局开关与 schema 版本
type BankMeta struct {
	ID            int  `gorm:"primaryKey" json:"-"` // 固定为 1
	IsGlobal      bool `gorm:"not null;default:false" json:"is_global"`
	SchemaVersion int  `gorm:"not null;default:0" json:"schema_version"`
}

func (BankMeta) TableName() string {
	return "bank_meta"
}
