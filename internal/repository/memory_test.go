package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bankledger/internal/model"

	"github.com/shopspring/decimal"
)

func account(ns, id string, balance int64) *model.Account {
	return &model.Account{Namespace: ns, Identity: id, Balance: decimal.NewFromInt(balance), CreatedAt: 1}
}

func TestMemoryStoreGetSave(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.GetAccount(ctx, "g1", "u1"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("want ErrAccountNotFound, got %v", err)
	}
	if err := s.SaveAccount(ctx, account("g1", "u1", 50)); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetAccount(ctx, "g1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.IntBalance() != 50 {
		t.Fatalf("balance=%d want 50", got.IntBalance())
	}

	// 返回的是副本
	got.Balance = decimal.NewFromInt(999)
	again, _ := s.GetAccount(ctx, "g1", "u1")
	if again.IntBalance() != 50 {
		t.Fatalf("store leaked internal pointer: balance=%d", again.IntBalance())
	}
}

func TestMemoryStoreListKeepsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, id := range []string{"c", "a", "b"} {
		if err := s.SaveAccount(ctx, account("g", id, 1)); err != nil {
			t.Fatal(err)
		}
	}
	// 更新不改变顺序
	if err := s.SaveAccount(ctx, account("g", "c", 7)); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListAccounts(ctx, "g")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"c", "a", "b"}
	for i, acc := range list {
		if acc.Identity != want[i] {
			t.Fatalf("order[%d]=%s want %s", i, acc.Identity, want[i])
		}
	}
}

func TestMemoryStoreClear(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.SaveAccount(ctx, account(model.GlobalNamespace, "u1", 1))
	_ = s.SaveAccount(ctx, account("g1", "u1", 1))
	_ = s.SaveAccount(ctx, account("g2", "u2", 1))

	if err := s.ClearGuildNamespaces(ctx); err != nil {
		t.Fatal(err)
	}
	namespaces, _ := s.Namespaces(ctx)
	if len(namespaces) != 1 || namespaces[0] != model.GlobalNamespace {
		t.Fatalf("namespaces=%v want [global]", namespaces)
	}

	if err := s.ClearNamespace(ctx, model.GlobalNamespace); err != nil {
		t.Fatal(err)
	}
	// 幂等
	if err := s.ClearNamespace(ctx, model.GlobalNamespace); err != nil {
		t.Fatal(err)
	}
	namespaces, _ = s.Namespaces(ctx)
	if len(namespaces) != 0 {
		t.Fatalf("namespaces=%v want empty", namespaces)
	}
}

func TestWithTxCommitAndAbort(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.SaveAccount(ctx, account("g", "keep", 1))
	_ = s.SaveAccount(ctx, account("g", "drop", 2))

	err := WithTx(ctx, s, "g", func(tx Tx) error {
		for _, acc := range tx.Snapshot() {
			if acc.Identity == "drop" {
				tx.Delete(acc.Identity)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetAccount(ctx, "g", "drop"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("drop should be deleted, got %v", err)
	}

	boom := errors.New("boom")
	err = WithTx(ctx, s, "g", func(tx Tx) error {
		tx.Delete("keep")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
	if _, err := s.GetAccount(ctx, "g", "keep"); err != nil {
		t.Fatalf("aborted tx must not delete: %v", err)
	}

	// 回滚后 gate 已释放，可以再次开启事务
	tx, err := s.Begin(ctx, "g")
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Abort(); err != nil {
		t.Fatal(err)
	}
	if err := tx.Abort(); !errors.Is(err, ErrTxDone) {
		t.Fatalf("second Abort want ErrTxDone, got %v", err)
	}
	if err := tx.Commit(ctx); !errors.Is(err, ErrTxDone) {
		t.Fatalf("Commit after Abort want ErrTxDone, got %v", err)
	}
}

func TestWithTxPanicAborts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.SaveAccount(ctx, account("g", "u", 1))

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = WithTx(ctx, s, "g", func(tx Tx) error {
			tx.Delete("u")
			panic("boom")
		})
	}()

	if _, err := s.GetAccount(ctx, "g", "u"); err != nil {
		t.Fatalf("panicking tx must not commit: %v", err)
	}
	// gate 已释放
	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := s.SaveAccount(ctx2, account("g", "u", 2)); err != nil {
		t.Fatalf("gate not released: %v", err)
	}
}

func TestTxBlocksPointWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	tx, err := s.Begin(ctx, "g")
	if err != nil {
		t.Fatal(err)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := s.SaveAccount(short, account("g", "u", 1)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("write during tx should wait, got %v", err)
	}
	// 其他命名空间不受影响
	if err := s.SaveAccount(ctx, account("other", "u", 1)); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.SaveAccount(ctx, account("g", "u", 3)); err != nil {
			t.Errorf("SaveAccount after commit: %v", err)
		}
	}()
	tx.Put(account("g", "u", 2))
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	got, _ := s.GetAccount(ctx, "g", "u")
	if got.IntBalance() != 3 {
		t.Fatalf("balance=%d want 3 (write after commit wins)", got.IntBalance())
	}
}

func TestMemoryStoreMeta(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	meta, _ := s.GetMeta(ctx)
	if meta.IsGlobal || meta.SchemaVersion != 0 {
		t.Fatalf("fresh meta=%+v", meta)
	}
	_ = s.SetGlobalFlag(ctx, true)
	_ = s.SetSchemaVersion(ctx, 1)
	meta, _ = s.GetMeta(ctx)
	if !meta.IsGlobal || meta.SchemaVersion != 1 {
		t.Fatalf("meta=%+v", meta)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Ping(ctx); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("Ping after Close want ErrStoreClosed, got %v", err)
	}
}
