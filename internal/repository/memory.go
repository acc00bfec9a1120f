package repository

import (
	"context"
	"errors"
	"sort"
	"sync"

	"bankledger/internal/model"
)

var ErrStoreClosed = errors.New("存储已关闭")

var _ Store = (*MemoryStore)(nil)

// MemoryStore 进程内存储，单进程部署和测试使用
//
// 每个命名空间有一个容量为 1 的 gate：事务和单点写入都要先拿到 gate，
// 因此事务执行期间同一命名空间不会有交错写入。读操作只拿 mu 的读锁。
type MemoryStore struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]*model.Account
	settings   map[string]*model.BankSettings
	meta       model.BankMeta
	nextID     int64
	closed     bool

	gateMu sync.Mutex
	gates  map[string]chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		namespaces: make(map[string]map[string]*model.Account),
		settings:   make(map[string]*model.BankSettings),
		meta:       model.BankMeta{ID: 1},
		gates:      make(map[string]chan struct{}),
	}
}

func (s *MemoryStore) gate(namespace string) chan struct{} {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	g, ok := s.gates[namespace]
	if !ok {
		g = make(chan struct{}, 1)
		s.gates[namespace] = g
	}
	return g
}

func (s *MemoryStore) acquire(ctx context.Context, namespace string) (func(), error) {
	g := s.gate(namespace)
	select {
	case g <- struct{}{}:
		return func() { <-g }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *MemoryStore) GetAccount(_ context.Context, namespace, identity string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if acc, ok := s.namespaces[namespace][identity]; ok {
		return acc.Clone(), nil
	}
	return nil, ErrAccountNotFound
}

func (s *MemoryStore) SaveAccount(ctx context.Context, account *model.Account) error {
	release, err := s.acquire(ctx, account.Namespace)
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.putLocked(account)
	return nil
}

// putLocked 写入账户；已存在的身份保留原 ID（插入顺序不变）
func (s *MemoryStore) putLocked(account *model.Account) {
	ns, ok := s.namespaces[account.Namespace]
	if !ok {
		ns = make(map[string]*model.Account)
		s.namespaces[account.Namespace] = ns
	}
	cp := account.Clone()
	if existing, ok := ns[cp.Identity]; ok {
		cp.ID = existing.ID
	} else {
		s.nextID++
		cp.ID = s.nextID
	}
	ns[cp.Identity] = cp
}

func (s *MemoryStore) ListAccounts(_ context.Context, namespace string) ([]*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(namespace), nil
}

func (s *MemoryStore) snapshotLocked(namespace string) []*model.Account {
	ns := s.namespaces[namespace]
	out := make([]*model.Account, 0, len(ns))
	for _, acc := range ns {
		out = append(out, acc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) Namespaces(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.namespaces))
	for ns, accounts := range s.namespaces {
		if len(accounts) > 0 {
			out = append(out, ns)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) ClearNamespace(ctx context.Context, namespace string) error {
	release, err := s.acquire(ctx, namespace)
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.namespaces, namespace)
	return nil
}

func (s *MemoryStore) ClearGuildNamespaces(ctx context.Context) error {
	namespaces, err := s.Namespaces(ctx)
	if err != nil {
		return err
	}
	for _, ns := range namespaces {
		if ns == model.GlobalNamespace {
			continue
		}
		if err := s.ClearNamespace(ctx, ns); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Begin(ctx context.Context, namespace string) (Tx, error) {
	release, err := s.acquire(ctx, namespace)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	closed := s.closed
	snapshot := s.snapshotLocked(namespace)
	s.mu.RUnlock()
	if closed {
		release()
		return nil, ErrStoreClosed
	}

	return &memoryTx{
		store:     s,
		namespace: namespace,
		snapshot:  snapshot,
		puts:      make(map[string]*model.Account),
		deletes:   make(map[string]struct{}),
		release:   release,
	}, nil
}

func (s *MemoryStore) GetSettings(_ context.Context, namespace string) (*model.BankSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st, ok := s.settings[namespace]; ok {
		cp := *st
		return &cp, nil
	}
	return nil, ErrSettingsNotFound
}

func (s *MemoryStore) SaveSettings(_ context.Context, settings *model.BankSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	cp := *settings
	s.settings[settings.Namespace] = &cp
	return nil
}

func (s *MemoryStore) GetMeta(_ context.Context) (*model.BankMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta := s.meta
	return &meta, nil
}

func (s *MemoryStore) SetGlobalFlag(_ context.Context, isGlobal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.meta.IsGlobal = isGlobal
	return nil
}

func (s *MemoryStore) SetSchemaVersion(_ context.Context, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.meta.SchemaVersion = version
	return nil
}

func (s *MemoryStore) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type memoryTx struct {
	store     *MemoryStore
	namespace string
	snapshot  []*model.Account
	puts      map[string]*model.Account
	deletes   map[string]struct{}
	release   func()
	done      bool
}

func (t *memoryTx) Namespace() string { return t.namespace }

func (t *memoryTx) Snapshot() []*model.Account { return t.snapshot }

func (t *memoryTx) Put(account *model.Account) {
	account.Namespace = t.namespace
	delete(t.deletes, account.Identity)
	t.puts[account.Identity] = account
}

func (t *memoryTx) Delete(identity string) {
	delete(t.puts, identity)
	t.deletes[identity] = struct{}{}
}

func (t *memoryTx) Commit(_ context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	defer t.release()

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	ns := s.namespaces[t.namespace]
	for identity := range t.deletes {
		delete(ns, identity)
	}
	for _, acc := range t.puts {
		s.putLocked(acc)
	}
	return nil
}

func (t *memoryTx) Abort() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.release()
	return nil
}
