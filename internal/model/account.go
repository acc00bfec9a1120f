package model

import (
	"github.com/shopspring/decimal"
)

// GlobalNamespace 全局模式下所有账户所在的命名空间
const GlobalNamespace = "global"

// Account 账户表
// 每个命名空间（global 或公会 ID）内，一个身份对应一行
//
// 【为什么余额用 decimal？】
// 早期数据存在小数余额（如 5.0），迁移 0→1 需要能读出原始值再截断为整数。
// 业务层只使用 IntBalance()，不会出现小数。
type Account struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"-"`                                         // 自增主键，同时代表插入顺序
	Namespace string          `gorm:"type:varchar(32);not null;uniqueIndex:uk_namespace_identity" json:"namespace"` // global 或公会 ID
	Identity  string          `gorm:"type:varchar(32);not null;uniqueIndex:uk_namespace_identity" json:"identity"`
	Name      string          `gorm:"type:varchar(128);not null;default:''" json:"name"` // 首次持久化时的显示名，之后不再更新
	Balance   decimal.Decimal `gorm:"type:decimal(38,4);not null;default:0" json:"balance"`
	CreatedAt int64           `gorm:"not null;default:0" json:"created_at"` // unix 秒，0 表示尚未持久化
}

func (Account) TableName() string {
	return "bank_account"
}

// IntBalance 返回整数余额
func (a *Account) IntBalance() int64 {
	return a.Balance.IntPart()
}

// Clone 返回副本，存储层对外只交出副本
func (a *Account) Clone() *Account {
	cp := *a
	return &cp
}
