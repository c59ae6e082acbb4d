package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opencommons/accounting/internal/app/domain/account"
	"github.com/opencommons/accounting/internal/app/domain/currency"
	"github.com/opencommons/accounting/internal/app/domain/transfer"
	"github.com/opencommons/accounting/internal/app/storage"
)

// newTestStore connects to the database named by TEST_POSTGRES_DSN, applies
// migrations and truncates all tables. Tests are skipped when the variable
// is unset.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	db, err := Open(dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := db.Exec(`TRUNCATE currencies, trustlines, accounts, account_tags, transfers`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return New(db)
}

func int64p(v int64) *int64 { return &v }

func seedCurrency(t *testing.T, s *Store) currency.Currency {
	t.Helper()
	cur, err := s.CreateCurrency(context.Background(), currency.Currency{
		Code:       "TEST",
		Status:     currency.StatusActive,
		Name:       "Test",
		NamePlural: "Tests",
		Symbol:     "T$",
		Decimals:   2,
		Scale:      6,
		Rate:       currency.Rate{N: 1, D: 10},
		Keys:       currency.Keys{Issuer: "k-issuer", Credit: "k-credit", Admin: "k-admin"},
		Settings:   currency.Settings{DefaultInitialCreditLimit: int64p(1000000)},
		AdminID:    "admin1",
	})
	if err != nil {
		t.Fatalf("create currency: %v", err)
	}
	return cur
}

func seedAccount(t *testing.T, s *Store, cur currency.Currency, code, key string) account.Account {
	t.Helper()
	acct, err := s.CreateAccount(context.Background(), account.Account{
		CurrencyID:  cur.ID,
		Code:        code,
		Status:      account.StatusActive,
		CreditLimit: 1000000,
		Key:         key,
		Users:       []string{"u1"},
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return acct
}

func TestCurrencyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cur := seedCurrency(t, s)

	got, err := s.GetCurrencyByCode(ctx, "TEST")
	if err != nil {
		t.Fatalf("get by code: %v", err)
	}
	if got.ID != cur.ID || got.Keys.Admin != "k-admin" {
		t.Errorf("got %+v, want id %s with admin key", got, cur.ID)
	}
	if got.Settings.DefaultInitialCreditLimit == nil || *got.Settings.DefaultInitialCreditLimit != 1000000 {
		t.Errorf("settings did not survive the round trip: %+v", got.Settings)
	}

	got.Name = "Renamed"
	if _, err := s.UpdateCurrency(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err = s.GetCurrency(ctx, cur.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Renamed" {
		t.Errorf("name = %q, want Renamed", got.Name)
	}

	if _, err := s.GetCurrencyByCode(ctx, "NONE"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing currency: err = %v, want ErrNotFound", err)
	}
}

func TestAccountCodeUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cur := seedCurrency(t, s)
	seedAccount(t, s, cur, "TEST0001", "k-a1")

	_, err := s.CreateAccount(ctx, account.Account{
		CurrencyID: cur.ID, Code: "TEST0001", Status: account.StatusActive, Key: "k-a2",
	})
	if !errors.Is(err, storage.ErrDuplicateCode) {
		t.Fatalf("duplicate code: err = %v, want ErrDuplicateCode", err)
	}
}

func TestMaxCodeSuffixIgnoresNonNumeric(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cur := seedCurrency(t, s)
	seedAccount(t, s, cur, "TEST0001", "k-a1")
	seedAccount(t, s, cur, "TEST0007", "k-a2")
	seedAccount(t, s, cur, "TESTEXTR", "k-ext")

	max, err := s.MaxCodeSuffix(ctx, cur.ID, "TEST")
	if err != nil {
		t.Fatalf("max suffix: %v", err)
	}
	if max != 7 {
		t.Errorf("max = %d, want 7", max)
	}
}

func TestAccountTagsAndHashLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cur := seedCurrency(t, s)
	acct := seedAccount(t, s, cur, "TEST0001", "k-a1")

	stored, err := s.ReplaceAccountTags(ctx, acct.ID, []account.Tag{
		{Name: "phone", Value: "raw-never-stored", Hash: "hash-1"},
	})
	if err != nil {
		t.Fatalf("replace tags: %v", err)
	}
	if len(stored) != 1 || stored[0].Value != "" {
		t.Fatalf("stored tags = %+v, want one tag without a value", stored)
	}

	found, err := s.GetAccountByTagHash(ctx, cur.ID, "hash-1")
	if err != nil {
		t.Fatalf("lookup by hash: %v", err)
	}
	if found.ID != acct.ID {
		t.Errorf("found %s, want %s", found.ID, acct.ID)
	}

	// Replacement is wholesale, the old hash must stop resolving.
	if _, err := s.ReplaceAccountTags(ctx, acct.ID, []account.Tag{{Name: "mail", Hash: "hash-2"}}); err != nil {
		t.Fatalf("replace tags: %v", err)
	}
	if _, err := s.GetAccountByTagHash(ctx, cur.ID, "hash-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("stale hash: err = %v, want ErrNotFound", err)
	}
}

func TestTransferFiltersAndPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cur := seedCurrency(t, s)
	payer := seedAccount(t, s, cur, "TEST0001", "k-a1")
	payee := seedAccount(t, s, cur, "TEST0002", "k-a2")

	mk := func(state transfer.State) transfer.Transfer {
		tr, err := s.CreateTransfer(ctx, transfer.Transfer{
			CurrencyID: cur.ID,
			State:      state,
			Amount:     250000,
			PayerID:    payer.ID,
			PayeeID:    payee.ID,
			Meta:       transfer.Meta{Description: "groceries"},
			UserID:     "u1",
		})
		if err != nil {
			t.Fatalf("create transfer: %v", err)
		}
		return tr
	}
	pending := mk(transfer.StatePending)
	mk(transfer.StateNew)

	got, err := s.ListTransfers(ctx, cur.ID, storage.TransferFilter{States: []transfer.State{transfer.StatePending}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != pending.ID {
		t.Fatalf("pending filter returned %d transfers", len(got))
	}

	due, err := s.ListPendingBefore(ctx, cur.ID, time.Now().UTC().Add(time.Second), 100)
	if err != nil {
		t.Fatalf("list pending before: %v", err)
	}
	if len(due) != 1 || due[0].ID != pending.ID {
		t.Fatalf("due = %d transfers, want the pending one", len(due))
	}
	if due, _ = s.ListPendingBefore(ctx, cur.ID, time.Now().UTC().Add(-time.Hour), 100); len(due) != 0 {
		t.Errorf("cutoff in the past still matched %d transfers", len(due))
	}
}

func TestInTransactionRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cur := seedCurrency(t, s)

	boom := errors.New("boom")
	err := s.InTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.CreateAccount(ctx, account.Account{
			CurrencyID: cur.ID, Code: "TEST0001", Status: account.StatusActive, Key: "k-a1",
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if _, err := s.GetAccountByCode(ctx, cur.ID, "TEST0001"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("account survived the rollback: err = %v", err)
	}
}
