package service

import (
	"time"

	"bankledger/internal/model"
)

// Member 发起操作的用户
type Member struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Account 对外展示的账户
//
// 未持久化的账户 CreatedAt 为 0，余额为作用域的默认余额。
type Account struct {
	Identity  string `json:"identity"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Balance   int64  `json:"balance"`
	CreatedAt int64  `json:"created_at"`
}

// Persisted 账户是否已经写入过存储
func (a *Account) Persisted() bool {
	return a.CreatedAt != 0
}

// Created 创建时间，未持久化时为 unix 零点
func (a *Account) Created() time.Time {
	return time.Unix(a.CreatedAt, 0).UTC()
}

func accountFromModel(row *model.Account) *Account {
	return &Account{
		Identity:  row.Identity,
		Namespace: row.Namespace,
		Name:      row.Name,
		Balance:   row.IntBalance(),
		CreatedAt: row.CreatedAt,
	}
}

// LeaderboardEntry 排行榜中的一行
type LeaderboardEntry struct {
	Rank    int      `json:"rank"`
	Account *Account `json:"account"`
}

// PruneResult 清理结果
//
// Skipped 列出成员列表不可信而被跳过的公会。
type PruneResult struct {
	Namespace string   `json:"namespace"`
	Deleted   []string `json:"deleted"`
	Skipped   []string `json:"skipped,omitempty"`
}

func accountKey(namespace, identity string) string {
	return namespace + "/" + identity
}
