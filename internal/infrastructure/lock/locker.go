package lock

import (
	"context"
	"sort"
	"sync"
)

// Unlock 释放 Locker.Lock 拿到的全部锁
type Unlock func()

// Locker 按 key 串行化账户操作
//
// 【多个 key 时的加锁顺序】
// 转账要同时锁住两个账户。如果 A->B 先锁 A 再锁 B，而 B->A 先锁 B 再锁 A，
// 两个转账会互相等待形成死锁。所以 Lock 总是按 key 的字典序加锁，重复的 key 只锁一次。
type Locker interface {
	Lock(ctx context.Context, keys ...string) (Unlock, error)
}

// SortKeys 排序并去重
func SortKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// KeyedMutex 进程内的按 key 互斥锁
//
// 每个 key 对应一个容量为 1 的 channel，等待时可以被 ctx 取消；
// 没有持有者和等待者时条目会被回收，map 不会无限增长。
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
}

type keyEntry struct {
	ch   chan struct{}
	refs int
}

var _ Locker = (*KeyedMutex)(nil)

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyEntry)}
}

func (m *KeyedMutex) ref(key string) *keyEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &keyEntry{ch: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *KeyedMutex) unref(key string, e *keyEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

func (m *KeyedMutex) Lock(ctx context.Context, keys ...string) (Unlock, error) {
	keys = SortKeys(keys)
	held := make([]*keyEntry, 0, len(keys))

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i].ch
			m.unref(keys[i], held[i])
		}
	}

	for _, key := range keys {
		e := m.ref(key)
		select {
		case e.ch <- struct{}{}:
			held = append(held, e)
		case <-ctx.Done():
			m.unref(key, e)
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

// Len 当前被引用的 key 数量
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
