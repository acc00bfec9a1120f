package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"bankledger/internal/model"
	"bankledger/internal/repository"
)

var (
	errBoom   = errors.New("boom")
	fixedTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	bank      *Bank
	store     *faultyStore
	publisher *recordingPublisher
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	store := &faultyStore{Store: repository.NewMemoryStore()}
	pub := &recordingPublisher{}
	base := []Option{
		WithLogger(discardLogger()),
		WithClock(func() time.Time { return fixedTime }),
		WithPublisher(pub, "events", "alerts"),
		WithSettleTimeout(time.Second),
	}
	bank := NewBank(store, append(base, opts...)...)
	if err := bank.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return &testEnv{bank: bank, store: store, publisher: pub}
}

func (e *testEnv) setGlobal(t *testing.T, global bool) {
	t.Helper()
	if _, err := e.bank.Mode.SetGlobal(context.Background(), global); err != nil {
		t.Fatalf("SetGlobal(%v): %v", global, err)
	}
}

func (e *testEnv) mustSet(t *testing.T, m Member, guildID string, amount int64) {
	t.Helper()
	if _, err := e.bank.Accounts.SetBalance(context.Background(), m, guildID, amount); err != nil {
		t.Fatalf("SetBalance(%s, %d): %v", m.ID, amount, err)
	}
}

func (e *testEnv) balance(t *testing.T, m Member, guildID string) int64 {
	t.Helper()
	b, err := e.bank.Accounts.GetBalance(context.Background(), m, guildID)
	if err != nil {
		t.Fatalf("GetBalance(%s): %v", m.ID, err)
	}
	return b
}

// faultyStore 可以按账户注入写入失败
type faultyStore struct {
	repository.Store

	mu     sync.Mutex
	failOn func(acc *model.Account, call int) error
	calls  map[string]int
}

func (s *faultyStore) setFailOn(fn func(acc *model.Account, call int) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOn = fn
	s.calls = make(map[string]int)
}

func (s *faultyStore) SaveAccount(ctx context.Context, acc *model.Account) error {
	s.mu.Lock()
	fn := s.failOn
	var call int
	if fn != nil {
		s.calls[acc.Identity]++
		call = s.calls[acc.Identity]
	}
	s.mu.Unlock()

	if fn != nil {
		if err := fn(acc, call); err != nil {
			return err
		}
	}
	return s.Store.SaveAccount(ctx, acc)
}

type publishedMessage struct {
	Topic string
	Key   string
	Event LedgerEvent
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []publishedMessage
}

func (p *recordingPublisher) Publish(_ context.Context, topic, key string, payload []byte) error {
	var ev LedgerEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, publishedMessage{Topic: topic, Key: key, Event: ev})
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) byTopic(topic string) []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedMessage
	for _, m := range p.msgs {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
