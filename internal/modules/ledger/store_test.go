package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"swiftride/internal/testutil"
)

func TestPGConcurrentDebitsNeverOverdraw(t *testing.T) {
	db := testutil.OpenDB(t, "ledger_entries", "wallet_accounts")
	svc := NewService(NewStore(db), nil)
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, "rider", d("1000"), "seed"); err != nil {
		t.Fatal(err)
	}

	const n = 30
	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := svc.Debit(ctx, Posting{AccountID: "rider", Amount: d("100"), ReferenceID: fmt.Sprintf("debit-%d", i), Kind: KindRideCharge})
			errs <- err
		}(i)
	}
	close(start)
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInsufficientFunds):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 10 {
		t.Fatalf("successful debits = %d, want 10", ok)
	}
	acc, err := svc.Account(ctx, "rider")
	if err != nil {
		t.Fatal(err)
	}
	if !acc.Balance.IsZero() {
		t.Fatalf("balance = %s, want 0", acc.Balance)
	}
}

func TestPGDuplicateReference(t *testing.T) {
	db := testutil.OpenDB(t, "ledger_entries", "wallet_accounts")
	svc := NewService(NewStore(db), nil)
	ctx := context.Background()

	first, err := svc.Deposit(ctx, "driver", d("12.34"), "dep-1")
	if err != nil {
		t.Fatal(err)
	}
	again, err := svc.Deposit(ctx, "driver", d("12.34"), "dep-1")
	if !errors.Is(err, ErrDuplicateReference) || again.ID != first.ID {
		t.Fatalf("replay = %+v err = %v", again, err)
	}
	if err := svc.SetLocked(ctx, "driver", true); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Debit(ctx, Posting{AccountID: "driver", Amount: d("1"), ReferenceID: "x", Kind: KindRideCharge}); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("err = %v, want ErrAccountLocked", err)
	}
	entries, err := svc.Entries(ctx, "driver", 10)
	if err != nil || len(entries) != 1 || !entries[0].BalanceAfter.Equal(d("12.34")) {
		t.Fatalf("entries = %+v err = %v", entries, err)
	}
}
