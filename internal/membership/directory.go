// Package membership 提供公会成员查询，账本只在排行榜过滤和清理失效账户时使用。
package membership

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	ErrUnknownGuild = errors.New("公会不存在")
	ErrUnavailable  = errors.New("公会当前不可用")
	ErrIncomplete   = errors.New("公会成员尚未完整加载")
)

// Guild 公会状态
//
// Large 且未 Chunked 的公会成员列表不完整；Unavailable 的公会成员列表不可信。
// 这两种情况下都不能据此判断某个账户已经失效。
type Guild struct {
	ID          string `json:"id"`
	Large       bool   `json:"large"`
	Chunked     bool   `json:"chunked"`
	Unavailable bool   `json:"unavailable"`
}

// Complete 成员列表是否可以完整枚举
func (g Guild) Complete() bool {
	return !g.Unavailable && (!g.Large || g.Chunked)
}

// Directory 成员目录，由调用方（机器人平台）实现
type Directory interface {
	Guilds(ctx context.Context) ([]Guild, error)
	// Members 返回公会成员 ID 集合；不可用返回 ErrUnavailable。
	// 未加载完时返回已知的部分成员和 ErrIncomplete。
	Members(ctx context.Context, guildID string) (map[string]struct{}, error)
	// Load 尝试把大型公会的成员完整加载
	Load(ctx context.Context, guildID string) error
}

// Registry 进程内的成员目录，通过 HTTP 接口或测试代码写入
type Registry struct {
	mu     sync.RWMutex
	guilds map[string]*guildState
}

type guildState struct {
	info    Guild
	members map[string]struct{}
}

var _ Directory = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{guilds: make(map[string]*guildState)}
}

// SetGuild 覆盖公会的状态与成员列表
func (r *Registry) SetGuild(info Guild, members []string) {
	set := make(map[string]struct{}, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guilds[info.ID] = &guildState{info: info, members: set}
}

func (r *Registry) RemoveGuild(guildID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.guilds, guildID)
}

func (r *Registry) Guilds(_ context.Context) ([]Guild, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Guild, 0, len(r.guilds))
	for _, g := range r.guilds {
		out = append(out, g.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Registry) Members(_ context.Context, guildID string) (map[string]struct{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.guilds[guildID]
	if !ok {
		return nil, ErrUnknownGuild
	}
	if g.info.Unavailable {
		return nil, ErrUnavailable
	}
	out := make(map[string]struct{}, len(g.members))
	for m := range g.members {
		out[m] = struct{}{}
	}
	if !g.info.Complete() {
		return out, ErrIncomplete
	}
	return out, nil
}

// Load Registry 没有上游可拉取，只能报告当前是否完整
func (r *Registry) Load(_ context.Context, guildID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.guilds[guildID]
	if !ok {
		return ErrUnknownGuild
	}
	if g.info.Unavailable {
		return ErrUnavailable
	}
	if !g.info.Complete() {
		return ErrIncomplete
	}
	return nil
}
