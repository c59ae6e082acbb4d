package transfers

import (
	"context"
	"testing"
	"time"

	"github.com/opencommons/accounting/internal/app/domain/account"
	"github.com/opencommons/accounting/internal/app/domain/currency"
	"github.com/opencommons/accounting/internal/app/domain/transfer"
	"github.com/opencommons/accounting/internal/app/domain/user"
	"github.com/opencommons/accounting/internal/app/errs"
	"github.com/opencommons/accounting/internal/app/events"
	"github.com/opencommons/accounting/internal/app/keys"
	ledgermem "github.com/opencommons/accounting/internal/app/ledger/memory"
	"github.com/opencommons/accounting/internal/app/services/accounts"
	"github.com/opencommons/accounting/internal/app/services/currencies"
	"github.com/opencommons/accounting/internal/app/storage"
	storagemem "github.com/opencommons/accounting/internal/app/storage/memory"
)

var admin = user.ByUser("admin1")

type env struct {
	currencies *currencies.Service
	accounts   *accounts.Service
	transfers  *Service
	bus        *events.Bus
	currency   currency.Currency
	payer      account.Account // owned by u1
	payee      account.Account // owned by u2
}

func boolp(v bool) *bool  { return &v }
func intp(v int64) *int64 { return &v }

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	store := storagemem.New()
	provider := keys.NewMemoryProvider()
	cursvc := currencies.New(store, ledgermem.New(nil), provider, nil)
	acctsvc := accounts.New(store, cursvc, provider, nil)
	bus := events.NewBus(nil)

	cur, err := cursvc.CreateCurrency(ctx, admin, currencies.CreateCurrencyInput{
		Code: "TEST",
		Name: "Test",
		Rate: currency.Rate{N: 1, D: 10},
		Settings: currency.Settings{
			DefaultInitialCreditLimit:   intp(1000000),
			DefaultAllowPayments:        boolp(true),
			DefaultAllowPaymentRequests: boolp(true),
		},
	})
	if err != nil {
		t.Fatalf("CreateCurrency: %v", err)
	}

	e := &env{
		currencies: cursvc,
		accounts:   acctsvc,
		transfers:  New(store, cursvc, acctsvc, bus, nil),
		bus:        bus,
		currency:   cur,
	}
	e.payer = e.createAccount(t, "u1")
	e.payee = e.createAccount(t, "u2")
	return e
}

func (e *env) createAccount(t *testing.T, owner string) account.Account {
	t.Helper()
	acct, err := e.accounts.CreateAccount(context.Background(), admin, e.currency.ID, accounts.CreateAccountInput{
		Users: []string{owner},
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return acct
}

func (e *env) balance(t *testing.T, id string) int64 {
	t.Helper()
	acct, err := e.accounts.GetAccount(context.Background(), admin, id)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	return acct.Balance
}

func TestCreatePayment(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tr, err := e.transfers.CreateTransfer(ctx, user.ByUser("u1"), e.currency.ID, CreateTransferInput{
		PayerID: e.payer.ID,
		PayeeID: e.payee.ID,
		Amount:  250000,
		Meta:    transfer.Meta{Description: "groceries"},
		State:   transfer.StateCommitted,
	})
	if err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}
	if tr.State != transfer.StateCommitted {
		t.Errorf("state = %s, want committed", tr.State)
	}
	if tr.Hash == "" {
		t.Errorf("committed transfer must carry the settlement hash")
	}
	if got := e.balance(t, e.payer.ID); got != -250000 {
		t.Errorf("payer balance = %d, want -250000", got)
	}
	if got := e.balance(t, e.payee.ID); got != 250000 {
		t.Errorf("payee balance = %d, want 250000", got)
	}
}

func TestPaymentBeyondCreditLimitFails(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tr, err := e.transfers.CreateTransfer(ctx, user.ByUser("u1"), e.currency.ID, CreateTransferInput{
		PayerID: e.payer.ID,
		PayeeID: e.payee.ID,
		Amount:  1500000,
		Meta:    transfer.Meta{Description: "too much"},
		State:   transfer.StateCommitted,
	})
	if !errs.IsBadRequest(err) {
		t.Fatalf("err = %v, want bad request", err)
	}
	if tr.State != transfer.StateFailed {
		t.Errorf("state = %s, want failed", tr.State)
	}
	if got := e.balance(t, e.payer.ID); got != 0 {
		t.Errorf("payer balance = %d, want unchanged 0", got)
	}

	// Failed transfers can only be deleted.
	if _, err := e.transfers.UpdateTransfer(ctx, user.ByUser("u1"), tr.ID, UpdateTransferInput{State: transfer.StateCommitted}); !errs.IsBadRequest(err) {
		t.Errorf("retry commit: err = %v, want bad request", err)
	}
	if err := e.transfers.DeleteTransfer(ctx, user.ByUser("u1"), tr.ID); err != nil {
		t.Errorf("delete failed transfer: %v", err)
	}
}

func TestPaymentRequestLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tr, err := e.transfers.CreateTransfer(ctx, user.ByUser("u2"), e.currency.ID, CreateTransferInput{
		PayerID: e.payer.ID,
		PayeeID: e.payee.ID,
		Amount:  100000,
		Meta:    transfer.Meta{Description: "invoice"},
		State:   transfer.StatePending,
	})
	if err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}
	if tr.State != transfer.StatePending {
		t.Fatalf("state = %s, want pending", tr.State)
	}

	// Only the payer may act on the request.
	if _, err := e.transfers.UpdateTransfer(ctx, user.ByUser("u2"), tr.ID, UpdateTransferInput{State: transfer.StateCommitted}); !errs.IsForbidden(err) {
		t.Errorf("payee commit: err = %v, want forbidden", err)
	}

	committed, err := e.transfers.UpdateTransfer(ctx, user.ByUser("u1"), tr.ID, UpdateTransferInput{State: transfer.StateCommitted})
	if err != nil {
		t.Fatalf("payer commit: %v", err)
	}
	if committed.State != transfer.StateCommitted {
		t.Errorf("state = %s, want committed", committed.State)
	}
	if committed.UserID != "u1" {
		t.Errorf("acting user = %s, want the committing payer u1", committed.UserID)
	}
	if got := e.balance(t, e.payee.ID); got != 100000 {
		t.Errorf("payee balance = %d, want 100000", got)
	}
}

func TestPaymentRequestRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tr, err := e.transfers.CreateTransfer(ctx, user.ByUser("u2"), e.currency.ID, CreateTransferInput{
		PayerID: e.payer.ID,
		PayeeID: e.payee.ID,
		Amount:  100000,
		Meta:    transfer.Meta{Description: "disputed"},
		State:   transfer.StatePending,
	})
	if err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}

	rejected, err := e.transfers.UpdateTransfer(ctx, user.ByUser("u1"), tr.ID, UpdateTransferInput{State: transfer.StateRejected})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.State != transfer.StateRejected {
		t.Errorf("state = %s, want rejected", rejected.State)
	}
	if rejected.UserID != "u1" {
		t.Errorf("acting user = %s, want the rejecting payer u1", rejected.UserID)
	}
	if got := e.balance(t, e.payee.ID); got != 0 {
		t.Errorf("payee balance = %d, want 0", got)
	}
	// Rejected transfers cannot come back.
	if _, err := e.transfers.UpdateTransfer(ctx, user.ByUser("u1"), tr.ID, UpdateTransferInput{State: transfer.StateCommitted}); !errs.IsBadRequest(err) {
		t.Errorf("commit after reject: err = %v, want bad request", err)
	}
}

func TestRequestCommitsAutomatically(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.accounts.UpdateAccountSettings(ctx, user.ByUser("u1"), e.payer.ID, account.Settings{
		AcceptPaymentsAutomatically: boolp(true),
	}); err != nil {
		t.Fatalf("UpdateAccountSettings: %v", err)
	}

	tr, err := e.transfers.CreateTransfer(ctx, user.ByUser("u2"), e.currency.ID, CreateTransferInput{
		PayerID: e.payer.ID,
		PayeeID: e.payee.ID,
		Amount:  100000,
		Meta:    transfer.Meta{Description: "subscription"},
		State:   transfer.StatePending,
	})
	if err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}
	if tr.State != transfer.StateCommitted {
		t.Errorf("state = %s, want committed right away", tr.State)
	}
}

func TestRequestCommitsForWhitelistedPayee(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.accounts.UpdateAccountSettings(ctx, user.ByUser("u1"), e.payer.ID, account.Settings{
		AcceptPaymentsWhitelist: []string{e.payee.ID},
	}); err != nil {
		t.Fatalf("UpdateAccountSettings: %v", err)
	}

	tr, err := e.transfers.CreateTransfer(ctx, user.ByUser("u2"), e.currency.ID, CreateTransferInput{
		PayerID: e.payer.ID,
		PayeeID: e.payee.ID,
		Amount:  100000,
		Meta:    transfer.Meta{Description: "trusted"},
		State:   transfer.StatePending,
	})
	if err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}
	if tr.State != transfer.StateCommitted {
		t.Errorf("state = %s, want committed for whitelisted payee", tr.State)
	}
}

func TestRequestedCommitWaitsForPayer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// A payee asking for an immediate commit has no payer consent: the
	// request parks in pending and no money moves.
	tr, err := e.transfers.CreateTransfer(ctx, user.ByUser("u2"), e.currency.ID, CreateTransferInput{
		PayerID: e.payer.ID,
		PayeeID: e.payee.ID,
		Amount:  100000,
		Meta:    transfer.Meta{Description: "eager invoice"},
		State:   transfer.StateCommitted,
	})
	if err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}
	if tr.State != transfer.StatePending {
		t.Fatalf("state = %s, want pending until the payer decides", tr.State)
	}
	if got := e.balance(t, e.payer.ID); got != 0 {
		t.Errorf("payer balance = %d, want untouched 0", got)
	}
	if got := e.balance(t, e.payee.ID); got != 0 {
		t.Errorf("payee balance = %d, want untouched 0", got)
	}

	committed, err := e.transfers.UpdateTransfer(ctx, user.ByUser("u1"), tr.ID, UpdateTransferInput{State: transfer.StateCommitted})
	if err != nil {
		t.Fatalf("payer commit: %v", err)
	}
	if committed.State != transfer.StateCommitted {
		t.Errorf("state = %s, want committed", committed.State)
	}
	if got := e.balance(t, e.payee.ID); got != 100000 {
		t.Errorf("payee balance = %d, want 100000", got)
	}
}

func TestPayeeCommitsWhenPolicyAccepts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tr, err := e.transfers.CreateTransfer(ctx, user.ByUser("u2"), e.currency.ID, CreateTransferInput{
		PayerID: e.payer.ID,
		PayeeID: e.payee.ID,
		Amount:  100000,
		Meta:    transfer.Meta{Description: "invoice"},
		State:   transfer.StatePending,
	})
	if err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}
	if _, err := e.transfers.UpdateTransfer(ctx, user.ByUser("u2"), tr.ID, UpdateTransferInput{State: transfer.StateCommitted}); !errs.IsForbidden(err) {
		t.Fatalf("payee commit without consent: err = %v, want forbidden", err)
	}

	// Once the payer whitelists the payee, the payee may push the request
	// through.
	if _, err := e.accounts.UpdateAccountSettings(ctx, user.ByUser("u1"), e.payer.ID, account.Settings{
		AcceptPaymentsWhitelist: []string{e.payee.ID},
	}); err != nil {
		t.Fatalf("UpdateAccountSettings: %v", err)
	}
	committed, err := e.transfers.UpdateTransfer(ctx, user.ByUser("u2"), tr.ID, UpdateTransferInput{State: transfer.StateCommitted})
	if err != nil {
		t.Fatalf("payee commit: %v", err)
	}
	if committed.State != transfer.StateCommitted {
		t.Errorf("state = %s, want committed", committed.State)
	}
}

func TestTagAuthorizedRequest(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.accounts.UpdateAccountSettings(ctx, admin, e.payer.ID, account.Settings{
		AllowTagPayments: boolp(true),
	}); err != nil {
		t.Fatalf("UpdateAccountSettings: %v", err)
	}
	if _, err := e.accounts.UpdateAccountTags(ctx, user.ByUser("u1"), e.payer.ID, []account.Tag{
		{Name: "phone", Value: "+34 666 777 888"},
	}); err != nil {
		t.Fatalf("UpdateAccountTags: %v", err)
	}

	// The payer is resolved from the tag; no payer id is given.
	tr, err := e.transfers.CreateTransfer(ctx, user.ByUser("u2"), e.currency.ID, CreateTransferInput{
		PayeeID: e.payee.ID,
		Amount:  100000,
		Meta:    transfer.Meta{Description: "tag sale"},
		State:   transfer.StatePending,
		Authorization: &transfer.Authorization{
			Type:  transfer.AuthorizationTypeTag,
			Value: "+34 666 777 888",
		},
	})
	if err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}
	if tr.PayerID != e.payer.ID {
		t.Errorf("payer = %s, want the tagged account %s", tr.PayerID, e.payer.ID)
	}
	if tr.State != transfer.StateCommitted {
		t.Errorf("state = %s, want committed right away", tr.State)
	}
	if tr.Authorization == nil || tr.Authorization.Value != "" || tr.Authorization.Hash == "" {
		t.Errorf("stored authorization must carry the hash only, got %+v", tr.Authorization)
	}

	// An unknown tag resolves to no account.
	if _, err := e.transfers.CreateTransfer(ctx, user.ByUser("u2"), e.currency.ID, CreateTransferInput{
		PayeeID: e.payee.ID,
		Amount:  100000,
		Meta:    transfer.Meta{Description: "bad tag"},
		State:   transfer.StatePending,
		Authorization: &transfer.Authorization{
			Type:  transfer.AuthorizationTypeTag,
			Value: "unknown",
		},
	}); !errs.IsNotFound(err) {
		t.Errorf("unknown tag: err = %v, want not found", err)
	}
}

func TestCreateTransferValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	caller := user.ByUser("u1")

	cases := []struct {
		name  string
		input CreateTransferInput
	}{
		{"zero amount", CreateTransferInput{PayerID: e.payer.ID, PayeeID: e.payee.ID, Meta: transfer.Meta{Description: "x"}}},
		{"missing description", CreateTransferInput{PayerID: e.payer.ID, PayeeID: e.payee.ID, Amount: 1}},
		{"same accounts", CreateTransferInput{PayerID: e.payer.ID, PayeeID: e.payer.ID, Amount: 1, Meta: transfer.Meta{Description: "x"}}},
		{"unknown state", CreateTransferInput{PayerID: e.payer.ID, PayeeID: e.payee.ID, Amount: 1, Meta: transfer.Meta{Description: "x"}, State: transfer.StateSubmitted}},
	}
	for _, tc := range cases {
		if _, err := e.transfers.CreateTransfer(ctx, caller, e.currency.ID, tc.input); !errs.IsBadRequest(err) {
			t.Errorf("%s: err = %v, want bad request", tc.name, err)
		}
	}

	if _, err := e.transfers.CreateTransfer(ctx, user.ByUser("stranger"), e.currency.ID, CreateTransferInput{
		PayerID: e.payer.ID, PayeeID: e.payee.ID, Amount: 1, Meta: transfer.Meta{Description: "x"},
	}); !errs.IsForbidden(err) {
		t.Errorf("stranger: err = %v, want forbidden", err)
	}
}

func TestParkedTransferCommitsLater(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	caller := user.ByUser("u1")

	tr, err := e.transfers.CreateTransfer(ctx, caller, e.currency.ID, CreateTransferInput{
		PayerID: e.payer.ID,
		PayeeID: e.payee.ID,
		Amount:  100000,
		Meta:    transfer.Meta{Description: "draft"},
	})
	if err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}
	if tr.State != transfer.StateNew {
		t.Fatalf("state = %s, want new", tr.State)
	}

	// The description may still be amended.
	meta := transfer.Meta{Description: "final"}
	amended, err := e.transfers.UpdateTransfer(ctx, caller, tr.ID, UpdateTransferInput{Meta: &meta})
	if err != nil {
		t.Fatalf("amend: %v", err)
	}
	if amended.Meta.Description != "final" {
		t.Errorf("description = %s, want final", amended.Meta.Description)
	}

	committed, err := e.transfers.UpdateTransfer(ctx, caller, tr.ID, UpdateTransferInput{State: transfer.StateCommitted})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if committed.State != transfer.StateCommitted {
		t.Errorf("state = %s, want committed", committed.State)
	}
	if _, err := e.transfers.UpdateTransfer(ctx, caller, tr.ID, UpdateTransferInput{Meta: &meta}); !errs.IsBadRequest(err) {
		t.Errorf("amend after commit: err = %v, want bad request", err)
	}
}

func TestAmendNewTransfer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	caller := user.ByUser("u1")
	third := e.createAccount(t, "u3")

	tr, err := e.transfers.CreateTransfer(ctx, caller, e.currency.ID, CreateTransferInput{
		PayerID: e.payer.ID,
		PayeeID: e.payee.ID,
		Amount:  100000,
		Meta:    transfer.Meta{Description: "draft"},
	})
	if err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}

	// The creator may change amount and payee while the transfer is new.
	amended, err := e.transfers.UpdateTransfer(ctx, caller, tr.ID, UpdateTransferInput{
		Amount:  intp(150000),
		PayeeID: &third.ID,
	})
	if err != nil {
		t.Fatalf("amend: %v", err)
	}
	if amended.Amount != 150000 {
		t.Errorf("amount = %d, want 150000", amended.Amount)
	}
	if amended.PayeeID != third.ID {
		t.Errorf("payee = %s, want %s", amended.PayeeID, third.ID)
	}

	// Changing the payer takes the admin.
	if _, err := e.transfers.UpdateTransfer(ctx, caller, tr.ID, UpdateTransferInput{
		PayerID: &e.payee.ID,
	}); !errs.IsForbidden(err) {
		t.Errorf("payer change by creator: err = %v, want forbidden", err)
	}
	amended, err = e.transfers.UpdateTransfer(ctx, admin, tr.ID, UpdateTransferInput{
		PayerID: &e.payee.ID,
	})
	if err != nil {
		t.Fatalf("payer change by admin: %v", err)
	}
	if amended.PayerID != e.payee.ID {
		t.Errorf("payer = %s, want %s", amended.PayerID, e.payee.ID)
	}

	// Nobody but the creator or the admin may amend.
	if _, err := e.transfers.UpdateTransfer(ctx, user.ByUser("u2"), tr.ID, UpdateTransferInput{
		Amount: intp(1),
	}); !errs.IsForbidden(err) {
		t.Errorf("amend by stranger to the transfer: err = %v, want forbidden", err)
	}

	// Once pending, only the description may still change.
	pending, err := e.transfers.CreateTransfer(ctx, user.ByUser("u2"), e.currency.ID, CreateTransferInput{
		PayerID: e.payer.ID,
		PayeeID: e.payee.ID,
		Amount:  50000,
		Meta:    transfer.Meta{Description: "invoice"},
		State:   transfer.StatePending,
	})
	if err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}
	if _, err := e.transfers.UpdateTransfer(ctx, user.ByUser("u2"), pending.ID, UpdateTransferInput{
		Amount: intp(60000),
	}); !errs.IsBadRequest(err) {
		t.Errorf("amount change on pending: err = %v, want bad request", err)
	}
}

func TestCreateTransferWithCallerID(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	caller := user.ByUser("u1")

	tr, err := e.transfers.CreateTransfer(ctx, caller, e.currency.ID, CreateTransferInput{
		ID:      "0d3b3f4e-7a9b-4c44-9f10-6f0f62a3a001",
		PayerID: e.payer.ID,
		PayeeID: e.payee.ID,
		Amount:  100000,
		Meta:    transfer.Meta{Description: "with id"},
	})
	if err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}
	if tr.ID != "0d3b3f4e-7a9b-4c44-9f10-6f0f62a3a001" {
		t.Errorf("id = %s, want the caller-supplied one", tr.ID)
	}

	// The same id cannot be used twice.
	if _, err := e.transfers.CreateTransfer(ctx, caller, e.currency.ID, CreateTransferInput{
		ID:      tr.ID,
		PayerID: e.payer.ID,
		PayeeID: e.payee.ID,
		Amount:  100000,
		Meta:    transfer.Meta{Description: "again"},
	}); !errs.IsBadRequest(err) {
		t.Errorf("duplicate id: err = %v, want bad request", err)
	}
}

func TestDeleteTransfer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tr, err := e.transfers.CreateTransfer(ctx, user.ByUser("u1"), e.currency.ID, CreateTransferInput{
		PayerID: e.payer.ID,
		PayeeID: e.payee.ID,
		Amount:  100000,
		Meta:    transfer.Meta{Description: "draft"},
	})
	if err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}

	// Only the creator (or the admin) may delete.
	if err := e.transfers.DeleteTransfer(ctx, user.ByUser("u2"), tr.ID); !errs.IsForbidden(err) {
		t.Errorf("payee delete: err = %v, want forbidden", err)
	}
	if err := e.transfers.DeleteTransfer(ctx, user.ByUser("u1"), tr.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := e.transfers.GetTransfer(ctx, admin, tr.ID); !errs.IsNotFound(err) {
		t.Errorf("deleted transfer must be invisible, err = %v", err)
	}
}

func TestListTransfersVisibility(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	third := e.createAccount(t, "u3")

	if _, err := e.transfers.CreateTransfer(ctx, user.ByUser("u1"), e.currency.ID, CreateTransferInput{
		PayerID: e.payer.ID, PayeeID: e.payee.ID, Amount: 1000,
		Meta: transfer.Meta{Description: "a"}, State: transfer.StateCommitted,
	}); err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}
	if _, err := e.transfers.CreateTransfer(ctx, user.ByUser("u2"), e.currency.ID, CreateTransferInput{
		PayerID: e.payee.ID, PayeeID: third.ID, Amount: 1000,
		Meta: transfer.Meta{Description: "b"}, State: transfer.StateCommitted,
	}); err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}

	mine, err := e.transfers.ListTransfers(ctx, user.ByUser("u1"), e.currency.ID, storage.TransferFilter{})
	if err != nil {
		t.Fatalf("ListTransfers: %v", err)
	}
	if len(mine) != 1 {
		t.Errorf("u1 sees %d transfers, want 1", len(mine))
	}

	all, err := e.transfers.ListTransfers(ctx, admin, e.currency.ID, storage.TransferFilter{})
	if err != nil {
		t.Fatalf("ListTransfers as admin: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("admin sees %d transfers, want 2", len(all))
	}
}

func TestCreateMultipleTransfers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	third := e.createAccount(t, "u3")

	out, err := e.transfers.CreateMultipleTransfers(ctx, user.ByUser("u1"), e.currency.ID, []CreateTransferInput{
		{PayerID: e.payer.ID, PayeeID: e.payee.ID, Amount: 100000, Meta: transfer.Meta{Description: "a"}, State: transfer.StateCommitted},
		{PayerID: e.payer.ID, PayeeID: third.ID, Amount: 200000, Meta: transfer.Meta{Description: "b"}, State: transfer.StateCommitted},
	})
	if err != nil {
		t.Fatalf("CreateMultipleTransfers: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	for _, tr := range out {
		if tr.State != transfer.StateCommitted {
			t.Errorf("transfer %s state = %s, want committed", tr.ID, tr.State)
		}
	}
	if got := e.balance(t, e.payer.ID); got != -300000 {
		t.Errorf("payer balance = %d, want -300000", got)
	}

	// Each input stands on its own: an invalid one is dropped from the
	// result, the rest goes through.
	mixed, err := e.transfers.CreateMultipleTransfers(ctx, user.ByUser("u1"), e.currency.ID, []CreateTransferInput{
		{PayerID: e.payer.ID, PayeeID: e.payee.ID, Amount: 100000, Meta: transfer.Meta{Description: "ok"}, State: transfer.StateCommitted},
		{PayerID: e.payer.ID, PayeeID: e.payee.ID, Amount: -1, Meta: transfer.Meta{Description: "bad"}},
	})
	if err != nil {
		t.Fatalf("mixed batch: %v", err)
	}
	if len(mixed) != 1 {
		t.Fatalf("len(mixed) = %d, want only the settled transfer", len(mixed))
	}
	if mixed[0].State != transfer.StateCommitted {
		t.Errorf("state = %s, want committed", mixed[0].State)
	}
	if got := e.balance(t, e.payer.ID); got != -400000 {
		t.Errorf("payer balance = %d, want -400000", got)
	}
}

func TestTransferEventsPublished(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var states []transfer.State
	e.bus.OnTransferStateChanged(func(_ context.Context, event events.TransferStateChanged) error {
		states = append(states, event.Transfer.State)
		return nil
	})

	if _, err := e.transfers.CreateTransfer(ctx, user.ByUser("u1"), e.currency.ID, CreateTransferInput{
		PayerID: e.payer.ID,
		PayeeID: e.payee.ID,
		Amount:  100000,
		Meta:    transfer.Meta{Description: "observed"},
		State:   transfer.StateCommitted,
	}); err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}

	want := []transfer.State{transfer.StateNew, transfer.StateSubmitted, transfer.StateCommitted}
	if len(states) != len(want) {
		t.Fatalf("observed states %v, want %v", states, want)
	}
	for i, s := range want {
		if states[i] != s {
			t.Fatalf("observed states %v, want %v", states, want)
		}
	}
}

func TestSweepPending(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// The payer auto-accepts requests after one second.
	if _, err := e.accounts.UpdateAccountSettings(ctx, user.ByUser("u1"), e.payer.ID, account.Settings{
		AcceptPaymentsAfter: intp(1),
	}); err != nil {
		t.Fatalf("UpdateAccountSettings: %v", err)
	}

	tr, err := e.transfers.CreateTransfer(ctx, user.ByUser("u2"), e.currency.ID, CreateTransferInput{
		PayerID: e.payer.ID,
		PayeeID: e.payee.ID,
		Amount:  100000,
		Meta:    transfer.Meta{Description: "expiring"},
		State:   transfer.StatePending,
	})
	if err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}

	// Not yet due.
	accepted, err := e.transfers.SweepPending(ctx, e.currency.ID)
	if err != nil {
		t.Fatalf("SweepPending: %v", err)
	}
	if accepted != 0 {
		t.Fatalf("accepted = %d before the deadline, want 0", accepted)
	}

	time.Sleep(1100 * time.Millisecond)
	accepted, err = e.transfers.SweepPending(ctx, e.currency.ID)
	if err != nil {
		t.Fatalf("SweepPending: %v", err)
	}
	if accepted != 1 {
		t.Fatalf("accepted = %d, want 1", accepted)
	}

	swept, err := e.transfers.GetTransfer(ctx, admin, tr.ID)
	if err != nil {
		t.Fatalf("GetTransfer: %v", err)
	}
	if swept.State != transfer.StateCommitted {
		t.Errorf("state = %s, want committed", swept.State)
	}
	if swept.UserID != "admin1" {
		t.Errorf("acting user = %s, want the currency admin", swept.UserID)
	}

	// Nothing left to sweep.
	if accepted, err = e.transfers.SweepPending(ctx, e.currency.ID); err != nil || accepted != 0 {
		t.Errorf("second sweep = (%d, %v), want (0, nil)", accepted, err)
	}
}

func TestSweepAcceptsNewlyWhitelistedPayee(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tr, err := e.transfers.CreateTransfer(ctx, user.ByUser("u2"), e.currency.ID, CreateTransferInput{
		PayerID: e.payer.ID,
		PayeeID: e.payee.ID,
		Amount:  100000,
		Meta:    transfer.Meta{Description: "recurring"},
		State:   transfer.StatePending,
	})
	if err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}

	// The payer's policy changed after the request parked: the next sweep
	// re-evaluates it and settles without waiting for any deadline.
	if _, err := e.accounts.UpdateAccountSettings(ctx, user.ByUser("u1"), e.payer.ID, account.Settings{
		AcceptPaymentsWhitelist: []string{e.payee.ID},
	}); err != nil {
		t.Fatalf("UpdateAccountSettings: %v", err)
	}

	accepted, err := e.transfers.SweepPending(ctx, e.currency.ID)
	if err != nil {
		t.Fatalf("SweepPending: %v", err)
	}
	if accepted != 1 {
		t.Fatalf("accepted = %d, want 1", accepted)
	}
	swept, err := e.transfers.GetTransfer(ctx, admin, tr.ID)
	if err != nil {
		t.Fatalf("GetTransfer: %v", err)
	}
	if swept.State != transfer.StateCommitted {
		t.Errorf("state = %s, want committed", swept.State)
	}
	if swept.UserID != "admin1" {
		t.Errorf("acting user = %s, want the currency admin", swept.UserID)
	}
}

func TestSweepSkipsPayersWithoutExpiry(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tr, err := e.transfers.CreateTransfer(ctx, user.ByUser("u2"), e.currency.ID, CreateTransferInput{
		PayerID: e.payer.ID,
		PayeeID: e.payee.ID,
		Amount:  100000,
		Meta:    transfer.Meta{Description: "waiting"},
		State:   transfer.StatePending,
	})
	if err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	accepted, err := e.transfers.SweepPending(ctx, e.currency.ID)
	if err != nil {
		t.Fatalf("SweepPending: %v", err)
	}
	if accepted != 0 {
		t.Errorf("accepted = %d, want 0", accepted)
	}
	still, err := e.transfers.GetTransfer(ctx, admin, tr.ID)
	if err != nil {
		t.Fatalf("GetTransfer: %v", err)
	}
	if still.State != transfer.StatePending {
		t.Errorf("state = %s, want still pending", still.State)
	}
}
