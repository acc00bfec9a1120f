package job

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"bankledger/internal/membership"
	"bankledger/internal/repository"
	"bankledger/internal/service"
)

func newBank(t *testing.T, dir membership.Directory) *service.Bank {
	t.Helper()
	bank := service.NewBank(repository.NewMemoryStore(),
		service.WithDirectory(dir),
		service.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err := bank.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return bank
}

func TestPruneJobLocalMode(t *testing.T) {
	ctx := context.Background()
	dir := membership.NewRegistry()
	dir.SetGuild(membership.Guild{ID: "g1"}, []string{"a"})
	dir.SetGuild(membership.Guild{ID: "g2", Large: true}, []string{"a"})
	bank := newBank(t, dir)

	for _, g := range []string{"g1", "g2"} {
		for _, id := range []string{"a", "b"} {
			if _, err := bank.Accounts.SetBalance(ctx, service.Member{ID: id}, g, 1); err != nil {
				t.Fatal(err)
			}
		}
	}

	j := NewPruneJob(bank, dir, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if got := j.RunOnce(ctx); got != 1 {
		t.Fatalf("deleted=%d want 1 (g2 is incomplete)", got)
	}

	board, _ := bank.Leaderboard.Leaderboard(ctx, "g2", 0)
	if len(board) != 2 {
		t.Fatalf("g2 accounts pruned: %d left", len(board))
	}
}

func TestPruneJobGlobalMode(t *testing.T) {
	ctx := context.Background()
	dir := membership.NewRegistry()
	dir.SetGuild(membership.Guild{ID: "g1"}, []string{"a"})
	bank := newBank(t, dir)
	if _, err := bank.Mode.SetGlobal(ctx, true); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if _, err := bank.Accounts.SetBalance(ctx, service.Member{ID: id}, "", 1); err != nil {
			t.Fatal(err)
		}
	}

	j := NewPruneJob(bank, dir, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if got := j.RunOnce(ctx); got != 2 {
		t.Fatalf("deleted=%d want 2", got)
	}
}

func TestPruneJobStop(t *testing.T) {
	bank := newBank(t, membership.NewRegistry())
	j := NewPruneJob(bank, membership.NewRegistry(), time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))

	done := make(chan struct{})
	go func() {
		j.Start(context.Background())
		close(done)
	}()
	j.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
