package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"bankledger/internal/model"
)

func TestSetGlobalWipesGuildAccounts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.mustSet(t, alice, "g1", 10)
	env.mustSet(t, bob, "g2", 10)

	got, err := env.bank.Mode.SetGlobal(ctx, true)
	if err != nil || !got {
		t.Fatalf("SetGlobal=%v, %v", got, err)
	}
	namespaces, _ := env.store.Namespaces(ctx)
	if len(namespaces) != 0 {
		t.Fatalf("guild namespaces survived: %v", namespaces)
	}
	meta, _ := env.store.GetMeta(ctx)
	if !meta.IsGlobal {
		t.Fatal("flag not persisted")
	}

	env.mustSet(t, alice, "", 10)
	if _, err := env.bank.Mode.SetGlobal(ctx, false); err != nil {
		t.Fatal(err)
	}
	rows, _ := env.store.ListAccounts(ctx, model.GlobalNamespace)
	if len(rows) != 0 {
		t.Fatalf("global accounts survived: %d", len(rows))
	}
}

func TestSetGlobalSameModeKeepsData(t *testing.T) {
	env := newTestEnv(t)
	env.mustSet(t, alice, "g1", 10)

	if _, err := env.bank.Mode.SetGlobal(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if got := env.balance(t, alice, "g1"); got != 10 {
		t.Fatalf("balance=%d want 10", got)
	}
}

func TestModeRefreshReadsStore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// 其他进程切换了模式
	if err := env.store.SetGlobalFlag(ctx, true); err != nil {
		t.Fatal(err)
	}
	if global, _ := env.bank.Mode.IsGlobal(ctx); global {
		t.Fatal("cached value should still be local")
	}
	if err := env.bank.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if global, _ := env.bank.Mode.IsGlobal(ctx); !global {
		t.Fatal("Refresh did not pick up the new mode")
	}
}

func TestWipe(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.mustSet(t, alice, "g1", 10)
	env.mustSet(t, alice, "g2", 10)

	if err := env.bank.Mode.Wipe(ctx, "g1"); err != nil {
		t.Fatal(err)
	}
	namespaces, _ := env.store.Namespaces(ctx)
	if len(namespaces) != 1 || namespaces[0] != "g2" {
		t.Fatalf("namespaces=%v", namespaces)
	}

	if err := env.bank.Mode.Wipe(ctx, ""); err != nil {
		t.Fatal(err)
	}
	namespaces, _ = env.store.Namespaces(ctx)
	if len(namespaces) != 0 {
		t.Fatalf("namespaces=%v", namespaces)
	}
}

func TestSetGlobalTwiceIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setGlobal(t, true)
	env.mustSet(t, alice, "", 10)

	got, err := env.bank.Mode.SetGlobal(ctx, true)
	if err != nil || !got {
		t.Fatalf("SetGlobal=%v, %v", got, err)
	}
	if b := env.balance(t, alice, ""); b != 10 {
		t.Fatalf("second SetGlobal wiped data: balance=%d", b)
	}
}

// 切换模式与并发存款交错时，公会命名空间里不能留下账户
func TestSetGlobalExcludesConcurrentMutations(t *testing.T) {
	for round := 0; round < 20; round++ {
		env := newTestEnv(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < 8; i++ {
			m := Member{ID: fmt.Sprintf("%d", 2000+i)}
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for j := 0; j < 20; j++ {
					if _, err := env.bank.Transfers.Deposit(ctx, m, "g1", 3); err != nil {
						t.Errorf("Deposit: %v", err)
						return
					}
				}
			}()
		}
		close(start)
		if _, err := env.bank.Mode.SetGlobal(ctx, true); err != nil {
			t.Fatal(err)
		}
		wg.Wait()

		namespaces, err := env.store.Namespaces(ctx)
		if err != nil {
			t.Fatal(err)
		}
		for _, ns := range namespaces {
			if ns != model.GlobalNamespace {
				t.Fatalf("round %d: guild namespace %q survived the switch", round, ns)
			}
		}
	}
}

// 清空与并发存款交错时，每个账户要么在清空前累加、要么从默认余额重新开始，不会丢失更新
func TestWipeExcludesConcurrentMutations(t *testing.T) {
	const (
		amount   = 3
		deposits = 20
	)
	for round := 0; round < 20; round++ {
		env := newTestEnv(t)
		ctx := context.Background()
		def, err := env.bank.Settings.DefaultBalance(ctx, "g1")
		if err != nil {
			t.Fatal(err)
		}

		members := make([]Member, 8)
		seen := make([][]int64, len(members))
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := range members {
			i := i
			members[i] = Member{ID: fmt.Sprintf("%d", 3000+i)}
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for j := 0; j < deposits; j++ {
					b, err := env.bank.Transfers.Deposit(ctx, members[i], "g1", amount)
					if err != nil {
						t.Errorf("Deposit: %v", err)
						return
					}
					seen[i] = append(seen[i], b)
				}
			}()
		}
		close(start)
		if err := env.bank.Mode.Wipe(ctx, "g1"); err != nil {
			t.Fatal(err)
		}
		wg.Wait()

		for i, m := range members {
			prev, resets := def, 0
			for _, b := range seen[i] {
				switch {
				case b == prev+amount:
				case b == def+amount && resets == 0:
					resets++
				default:
					t.Fatalf("round %d: %s balance %d after %d", round, m.ID, b, prev)
				}
				prev = b
			}
			acc, err := env.bank.Accounts.GetAccount(ctx, m, "g1")
			if err != nil {
				t.Fatal(err)
			}
			if acc.Persisted() && acc.Balance != prev {
				t.Fatalf("round %d: %s stored %d, last deposit returned %d", round, m.ID, acc.Balance, prev)
			}
		}
	}
}
