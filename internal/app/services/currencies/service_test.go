package currencies

import (
	"context"
	"testing"

	"github.com/opencommons/accounting/internal/app/domain/currency"
	"github.com/opencommons/accounting/internal/app/domain/user"
	"github.com/opencommons/accounting/internal/app/errs"
	"github.com/opencommons/accounting/internal/app/keys"
	"github.com/opencommons/accounting/internal/app/ledger"
	ledgermem "github.com/opencommons/accounting/internal/app/ledger/memory"
	"github.com/opencommons/accounting/internal/app/storage"
	storagemem "github.com/opencommons/accounting/internal/app/storage/memory"
)

func newTestService() (*Service, storage.Store) {
	store := storagemem.New()
	svc := New(store, ledgermem.New(nil), keys.NewMemoryProvider(), nil)
	return svc, store
}

func createCurrency(t *testing.T, svc *Service, code, admin string) currency.Currency {
	t.Helper()
	cur, err := svc.CreateCurrency(context.Background(), user.ByUser(admin), CreateCurrencyInput{
		Code: code,
		Name: "Test",
		Rate: currency.Rate{N: 1, D: 10},
	})
	if err != nil {
		t.Fatalf("CreateCurrency(%s): %v", code, err)
	}
	return cur
}

func TestCreateCurrency(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	cur := createCurrency(t, svc, "TEST", "admin1")

	if cur.ID == "" {
		t.Fatalf("currency id not assigned")
	}
	if cur.Status != currency.StatusActive {
		t.Errorf("status = %s, want active", cur.Status)
	}
	if cur.AdminID != "admin1" {
		t.Errorf("admin = %s, want the caller", cur.AdminID)
	}
	if cur.Decimals != 2 || cur.Scale != 6 {
		t.Errorf("decimals/scale = %d/%d, want defaults 2/6", cur.Decimals, cur.Scale)
	}
	for name, id := range map[string]string{
		"issuer":         cur.Keys.Issuer,
		"credit":         cur.Keys.Credit,
		"admin":          cur.Keys.Admin,
		"externalTrader": cur.Keys.ExternalTrader,
		"externalIssuer": cur.Keys.ExternalIssuer,
	} {
		if id == "" {
			t.Errorf("%s key was not escrowed", name)
		}
	}

	if cur.ExternalAccountID == "" {
		t.Fatalf("external account not created")
	}
	external, err := store.GetAccount(ctx, cur.ExternalAccountID)
	if err != nil {
		t.Fatalf("GetAccount(external): %v", err)
	}
	if external.Code != "TESTEXTR" {
		t.Errorf("external account code = %s, want TESTEXTR", external.Code)
	}
	if external.Key != cur.Keys.ExternalTrader {
		t.Errorf("external account must use the external trader key")
	}
}

func TestCreateCurrencyValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	admin := user.ByUser("admin1")

	cases := []struct {
		name  string
		input CreateCurrencyInput
	}{
		{"lowercase code", CreateCurrencyInput{Code: "test", Name: "Test", Rate: currency.Rate{N: 1, D: 10}}},
		{"short code", CreateCurrencyInput{Code: "TES", Name: "Test", Rate: currency.Rate{N: 1, D: 10}}},
		{"missing name", CreateCurrencyInput{Code: "TEST", Rate: currency.Rate{N: 1, D: 10}}},
		{"zero rate", CreateCurrencyInput{Code: "TEST", Name: "Test"}},
		{"negative rate", CreateCurrencyInput{Code: "TEST", Name: "Test", Rate: currency.Rate{N: -1, D: 10}}},
	}
	for _, tc := range cases {
		if _, err := svc.CreateCurrency(ctx, admin, tc.input); !errs.IsBadRequest(err) {
			t.Errorf("%s: err = %v, want bad request", tc.name, err)
		}
	}

	createCurrency(t, svc, "TEST", "admin1")
	_, err := svc.CreateCurrency(ctx, admin, CreateCurrencyInput{
		Code: "TEST", Name: "Test", Rate: currency.Rate{N: 1, D: 10},
	})
	if !errs.IsBadRequest(err) {
		t.Errorf("duplicate code: err = %v, want bad request", err)
	}
}

func TestUpdateCurrency(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	cur := createCurrency(t, svc, "TEST", "admin1")

	name := "Renamed"
	if _, err := svc.UpdateCurrency(ctx, user.ByUser("intruder"), cur.ID, UpdateCurrencyInput{Name: &name}); !errs.IsForbidden(err) {
		t.Errorf("non-admin update: err = %v, want forbidden", err)
	}

	updated, err := svc.UpdateCurrency(ctx, user.ByUser("admin1"), cur.ID, UpdateCurrencyInput{Name: &name})
	if err != nil {
		t.Fatalf("UpdateCurrency: %v", err)
	}
	if updated.Name != "Renamed" {
		t.Errorf("name = %s, want Renamed", updated.Name)
	}

	rate := currency.Rate{N: 1, D: 2}
	if _, err := svc.UpdateCurrency(ctx, user.ByUser("admin1"), cur.ID, UpdateCurrencyInput{Rate: &rate}); !errs.IsKind(err, errs.KindNotImplemented) {
		t.Errorf("rate change: err = %v, want not implemented", err)
	}
}

func TestUpdateCurrencySettings(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	admin := user.ByUser("admin1")

	tr := true
	limit := int64(100000)
	cur, err := svc.CreateCurrency(ctx, admin, CreateCurrencyInput{
		Code: "TEST",
		Name: "Test",
		Rate: currency.Rate{N: 1, D: 10},
		Settings: currency.Settings{
			DefaultAllowPayments:      &tr,
			DefaultInitialCreditLimit: &limit,
		},
	})
	if err != nil {
		t.Fatalf("CreateCurrency: %v", err)
	}

	newLimit := int64(50000)
	updated, err := svc.UpdateCurrencySettings(ctx, admin, cur.ID, currency.Settings{
		DefaultInitialCreditLimit: &newLimit,
	})
	if err != nil {
		t.Fatalf("UpdateCurrencySettings: %v", err)
	}
	if got := updated.Settings.DefaultInitialCreditLimit; got == nil || *got != 50000 {
		t.Errorf("patched field not applied")
	}
	if got := updated.Settings.DefaultAllowPayments; got == nil || !*got {
		t.Errorf("unpatched field must survive the merge")
	}

	if _, err := svc.UpdateCurrencySettings(ctx, user.ByUser("intruder"), cur.ID, currency.Settings{}); !errs.IsForbidden(err) {
		t.Errorf("non-admin settings update: err = %v, want forbidden", err)
	}
}

func TestTrustlines(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	admin := user.ByUser("admin1")

	local := createCurrency(t, svc, "LOCL", "admin1")
	other := createCurrency(t, svc, "OTHR", "admin2")

	line, err := svc.CreateTrustline(ctx, admin, local.ID, CreateTrustlineInput{
		TrustedCurrencyCode: "OTHR",
		Limit:               500000,
	})
	if err != nil {
		t.Fatalf("CreateTrustline: %v", err)
	}
	if line.TrustedKey != other.Keys.ExternalIssuer {
		t.Errorf("trustline must point at the trusted currency's external issuer")
	}

	if _, err := svc.CreateTrustline(ctx, admin, local.ID, CreateTrustlineInput{
		TrustedCurrencyCode: "LOCL", Limit: 1,
	}); !errs.IsBadRequest(err) {
		t.Errorf("self trust: err = %v, want bad request", err)
	}
	if _, err := svc.CreateTrustline(ctx, admin, local.ID, CreateTrustlineInput{
		TrustedCurrencyCode: "OTHR", Limit: 0,
	}); !errs.IsBadRequest(err) {
		t.Errorf("zero limit: err = %v, want bad request", err)
	}
	if _, err := svc.CreateTrustline(ctx, user.ByUser("admin2"), local.ID, CreateTrustlineInput{
		TrustedCurrencyCode: "OTHR", Limit: 1,
	}); !errs.IsForbidden(err) {
		t.Errorf("foreign admin: err = %v, want forbidden", err)
	}

	updated, err := svc.UpdateTrustline(ctx, admin, line.ID, 250000)
	if err != nil {
		t.Fatalf("UpdateTrustline: %v", err)
	}
	if updated.Limit != 250000 {
		t.Errorf("limit = %d, want 250000", updated.Limit)
	}

	lines, err := svc.ListTrustlines(ctx, local.ID)
	if err != nil {
		t.Fatalf("ListTrustlines: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("len(lines) = %d, want 1", len(lines))
	}
}

func TestDisableEnableCurrency(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	admin := user.ByUser("admin1")
	cur := createCurrency(t, svc, "TEST", "admin1")

	disabled, err := svc.DisableCurrency(ctx, admin, cur.ID)
	if err != nil {
		t.Fatalf("DisableCurrency: %v", err)
	}
	if disabled.Status != currency.StatusDisabled {
		t.Errorf("status = %s, want disabled", disabled.Status)
	}

	// Disabling again is a no-op.
	if _, err := svc.DisableCurrency(ctx, admin, cur.ID); err != nil {
		t.Fatalf("second DisableCurrency: %v", err)
	}

	enabled, err := svc.EnableCurrency(ctx, admin, cur.ID)
	if err != nil {
		t.Fatalf("EnableCurrency: %v", err)
	}
	if enabled.Status != currency.StatusActive {
		t.Errorf("status = %s, want active", enabled.Status)
	}
}

func TestEnsurePool(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	cur := createCurrency(t, svc, "TEST", "admin1")

	if cur.Keys.DisabledAccountsPool != "" {
		t.Fatalf("pool must not exist before first use")
	}
	withPool, err := svc.EnsurePool(ctx, cur)
	if err != nil {
		t.Fatalf("EnsurePool: %v", err)
	}
	if withPool.Keys.DisabledAccountsPool == "" {
		t.Fatalf("pool key not escrowed")
	}

	again, err := svc.EnsurePool(ctx, withPool)
	if err != nil {
		t.Fatalf("second EnsurePool: %v", err)
	}
	if again.Keys.DisabledAccountsPool != withPool.Keys.DisabledAccountsPool {
		t.Errorf("EnsurePool must be idempotent")
	}
}

func TestEnsurePoolRecreatesLedgerAccount(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	cur := createCurrency(t, svc, "TEST", "admin1")

	cur, err := svc.EnsurePool(ctx, cur)
	if err != nil {
		t.Fatalf("EnsurePool: %v", err)
	}

	// Drop the pool's ledger account while the escrowed key survives.
	ck := svc.Keys(cur)
	sponsor, err := ck.SponsorKey(ctx)
	if err != nil {
		t.Fatalf("SponsorKey: %v", err)
	}
	adminKey, err := ck.AdminKey(ctx)
	if err != nil {
		t.Fatalf("AdminKey: %v", err)
	}
	handle, err := svc.LedgerCurrency(cur).GetAccount(ctx, cur.Keys.DisabledAccountsPool)
	if err != nil {
		t.Fatalf("GetAccount(pool): %v", err)
	}
	if err := handle.Delete(ctx, ledger.DeleteAccountKeys{Sponsor: sponsor, Admin: adminKey}); err != nil {
		t.Fatalf("Delete(pool): %v", err)
	}

	again, err := svc.EnsurePool(ctx, cur)
	if err != nil {
		t.Fatalf("EnsurePool after loss: %v", err)
	}
	if again.Keys.DisabledAccountsPool != cur.Keys.DisabledAccountsPool {
		t.Errorf("pool must keep its escrowed key")
	}
	found, err := svc.LedgerCurrency(again).FindAccount(ctx, again.Keys.DisabledAccountsPool)
	if err != nil {
		t.Fatalf("FindAccount(pool): %v", err)
	}
	if found == nil {
		t.Errorf("pool ledger account was not recreated")
	}
}
