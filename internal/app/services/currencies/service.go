// Package currencies manages currency lifecycle, settings and trustlines,
// and resolves ledger handles and role keys for the other services.
package currencies

import (
	"context"
	"errors"
	"regexp"

	"github.com/opencommons/accounting/internal/app/domain/account"
	"github.com/opencommons/accounting/internal/app/domain/currency"
	"github.com/opencommons/accounting/internal/app/domain/user"
	"github.com/opencommons/accounting/internal/app/errs"
	"github.com/opencommons/accounting/internal/app/keys"
	"github.com/opencommons/accounting/internal/app/ledger"
	"github.com/opencommons/accounting/internal/app/storage"
	"github.com/opencommons/accounting/pkg/logger"
)

var codePattern = regexp.MustCompile(`^[A-Z0-9]{4}$`)

// Service manages currencies.
type Service struct {
	store  storage.Store
	ledger ledger.Ledger
	keys   keys.Provider
	log    *logger.Logger
}

// New constructs a currencies service.
func New(store storage.Store, ldg ledger.Ledger, provider keys.Provider, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("currencies")
	}
	return &Service{
		store:  store,
		ledger: ldg,
		keys:   provider,
		log:    log,
	}
}

// CreateCurrencyInput describes a new currency. Zero Decimals and Scale get
// the defaults 2 and 6.
type CreateCurrencyInput struct {
	Code       string
	Name       string
	NamePlural string
	Symbol     string
	Decimals   *int
	Scale      *int
	Rate       currency.Rate
	AdminID    string
	Settings   currency.Settings
}

// CreateCurrency provisions a new currency on the ledger and locally. The
// caller becomes its admin unless AdminID names someone else.
func (s *Service) CreateCurrency(ctx context.Context, caller user.Caller, input CreateCurrencyInput) (currency.Currency, error) {
	if !codePattern.MatchString(input.Code) {
		return currency.Currency{}, errs.BadRequest("currency code must be 4 uppercase alphanumeric characters, got %q", input.Code)
	}
	if input.Name == "" {
		return currency.Currency{}, errs.BadRequest("currency name is required")
	}
	if input.Rate.N <= 0 || input.Rate.D <= 0 {
		return currency.Currency{}, errs.BadRequest("currency rate must be a positive fraction")
	}
	adminID := input.AdminID
	if adminID == "" {
		adminID = caller.UserID
	}
	if adminID == "" {
		return currency.Currency{}, errs.BadRequest("currency admin is required")
	}

	cur := currency.Currency{
		Code:       input.Code,
		Status:     currency.StatusActive,
		Name:       input.Name,
		NamePlural: input.NamePlural,
		Symbol:     input.Symbol,
		Decimals:   2,
		Scale:      6,
		Rate:       input.Rate,
		Settings:   input.Settings,
		AdminID:    adminID,
	}
	if input.Decimals != nil {
		cur.Decimals = *input.Decimals
	}
	if input.Scale != nil {
		cur.Scale = *input.Scale
	}
	if cur.Decimals < 0 || cur.Scale < cur.Decimals {
		return currency.Currency{}, errs.BadRequest("currency scale must be at least the number of decimals")
	}

	if _, err := s.store.GetCurrencyByCode(ctx, cur.Code); err == nil {
		return currency.Currency{}, errs.BadRequest("currency code %s is already taken", cur.Code)
	}

	sponsor, err := s.keys.SponsorKey(ctx)
	if err != nil {
		return currency.Currency{}, err
	}
	created, err := s.ledger.CreateCurrency(ctx, LedgerConfig(cur), sponsor)
	if err != nil {
		return currency.Currency{}, err
	}
	if cur.Keys, err = s.escrowKeys(ctx, created); err != nil {
		return currency.Currency{}, err
	}

	cur, err = s.store.CreateCurrency(ctx, cur)
	if err != nil {
		return currency.Currency{}, err
	}

	external, err := s.createExternalAccount(ctx, cur)
	if err != nil {
		return currency.Currency{}, err
	}
	cur.ExternalAccountID = external.ID
	cur, err = s.store.UpdateCurrency(ctx, cur)
	if err != nil {
		return currency.Currency{}, err
	}

	s.log.WithField("currency", cur.Code).
		WithField("admin", cur.AdminID).
		Info("currency created")
	return cur, nil
}

func (s *Service) escrowKeys(ctx context.Context, created ledger.CurrencyKeys) (currency.Keys, error) {
	var out currency.Keys
	for _, k := range []struct {
		pair keys.Pair
		dst  *string
	}{
		{created.Issuer, &out.Issuer},
		{created.Credit, &out.Credit},
		{created.Admin, &out.Admin},
		{created.ExternalTrader, &out.ExternalTrader},
		{created.ExternalIssuer, &out.ExternalIssuer},
	} {
		id, err := s.keys.StoreKey(ctx, k.pair)
		if err != nil {
			return currency.Keys{}, err
		}
		*k.dst = id
	}
	return out, nil
}

// createExternalAccount records the virtual account representing the
// external trader, used as counterparty of cross-currency transfers.
func (s *Service) createExternalAccount(ctx context.Context, cur currency.Currency) (account.Account, error) {
	acct := account.Account{
		CurrencyID:  cur.ID,
		Code:        cur.Code + "EXTR",
		Status:      account.StatusActive,
		CreditLimit: derefInt64(cur.Settings.ExternalTraderCreditLimit),
		Key:         cur.Keys.ExternalTrader,
	}
	if cur.Settings.ExternalTraderMaximumBalance != nil {
		v := *cur.Settings.ExternalTraderMaximumBalance
		acct.MaximumBalance = &v
	}
	return s.store.CreateAccount(ctx, acct)
}

// GetCurrency returns a currency by id.
func (s *Service) GetCurrency(ctx context.Context, id string) (currency.Currency, error) {
	cur, err := s.store.GetCurrency(ctx, id)
	if err != nil {
		return currency.Currency{}, notFound(err, "currency %s not found", id)
	}
	return cur, nil
}

// GetCurrencyByCode returns a currency by its code.
func (s *Service) GetCurrencyByCode(ctx context.Context, code string) (currency.Currency, error) {
	cur, err := s.store.GetCurrencyByCode(ctx, code)
	if err != nil {
		return currency.Currency{}, notFound(err, "currency %s not found", code)
	}
	return cur, nil
}

// ListCurrencies returns all currencies.
func (s *Service) ListCurrencies(ctx context.Context) ([]currency.Currency, error) {
	return s.store.ListCurrencies(ctx)
}

// UpdateCurrencyInput holds the mutable currency attributes. Nil fields are
// left unchanged.
type UpdateCurrencyInput struct {
	Name       *string
	NamePlural *string
	Symbol     *string
	Rate       *currency.Rate
	AdminID    *string
}

// UpdateCurrency updates currency attributes. Admin only.
func (s *Service) UpdateCurrency(ctx context.Context, caller user.Caller, id string, input UpdateCurrencyInput) (currency.Currency, error) {
	cur, err := s.GetCurrency(ctx, id)
	if err != nil {
		return currency.Currency{}, err
	}
	if !s.IsAdmin(caller, cur) {
		return currency.Currency{}, errs.Forbidden("only the currency admin may update the currency")
	}
	if input.Rate != nil && *input.Rate != cur.Rate {
		return currency.Currency{}, errs.NotImplemented("changing the currency rate is not implemented")
	}
	if input.Name != nil {
		if *input.Name == "" {
			return currency.Currency{}, errs.BadRequest("currency name cannot be empty")
		}
		cur.Name = *input.Name
	}
	if input.NamePlural != nil {
		cur.NamePlural = *input.NamePlural
	}
	if input.Symbol != nil {
		cur.Symbol = *input.Symbol
	}
	if input.AdminID != nil {
		if *input.AdminID == "" {
			return currency.Currency{}, errs.BadRequest("currency admin cannot be empty")
		}
		cur.AdminID = *input.AdminID
	}
	return s.store.UpdateCurrency(ctx, cur)
}

// UpdateCurrencySettings merges the given settings into the currency's
// defaults. Fields set in patch replace the stored value; unset fields are
// kept. Admin only.
func (s *Service) UpdateCurrencySettings(ctx context.Context, caller user.Caller, id string, patch currency.Settings) (currency.Currency, error) {
	cur, err := s.GetCurrency(ctx, id)
	if err != nil {
		return currency.Currency{}, err
	}
	if !s.IsAdmin(caller, cur) {
		return currency.Currency{}, errs.Forbidden("only the currency admin may update currency settings")
	}
	cur.Settings = cur.Settings.Merge(patch)
	return s.store.UpdateCurrency(ctx, cur)
}

// DisableCurrency disables every active user account, parking its exposure
// in the disabled-accounts pool, and then removes the currency from the
// ledger. Admin only.
func (s *Service) DisableCurrency(ctx context.Context, caller user.Caller, id string) (currency.Currency, error) {
	cur, err := s.GetCurrency(ctx, id)
	if err != nil {
		return currency.Currency{}, err
	}
	if !s.IsAdmin(caller, cur) {
		return currency.Currency{}, errs.Forbidden("only the currency admin may disable the currency")
	}
	if cur.Status == currency.StatusDisabled {
		return cur, nil
	}

	if cur, err = s.disableUserAccounts(ctx, cur); err != nil {
		return currency.Currency{}, err
	}

	signers, err := s.ManagementKeys(ctx, cur)
	if err != nil {
		return currency.Currency{}, err
	}
	if err := s.LedgerCurrency(cur).Disable(ctx, signers); err != nil {
		return currency.Currency{}, err
	}

	cur.Status = currency.StatusDisabled
	cur, err = s.store.UpdateCurrency(ctx, cur)
	if err != nil {
		return currency.Currency{}, err
	}
	s.log.WithField("currency", cur.Code).Info("currency disabled")
	return cur, nil
}

// disableUserAccounts disables every active user account on the ledger, one
// at a time, moving each balance into the disabled-accounts pool. The
// external trader account is ledger-managed and stays untouched.
func (s *Service) disableUserAccounts(ctx context.Context, cur currency.Currency) (currency.Currency, error) {
	active, err := s.store.ListAccounts(ctx, cur.ID, storage.AccountFilter{
		Statuses: []account.Status{account.StatusActive},
	})
	if err != nil {
		return currency.Currency{}, err
	}

	var signers *ledger.DisableAccountKeys
	for _, acct := range active {
		if acct.ID == cur.ExternalAccountID {
			continue
		}
		if signers == nil {
			if cur, err = s.EnsurePool(ctx, cur); err != nil {
				return currency.Currency{}, err
			}
			ck := s.Keys(cur)
			var set ledger.DisableAccountKeys
			if set.Sponsor, err = ck.SponsorKey(ctx); err != nil {
				return currency.Currency{}, err
			}
			if set.Admin, err = ck.AdminKey(ctx); err != nil {
				return currency.Currency{}, err
			}
			if set.Pool, err = ck.PoolKey(ctx); err != nil {
				return currency.Currency{}, err
			}
			signers = &set
		}
		handle, err := s.LedgerCurrency(cur).GetAccount(ctx, acct.Key)
		if err != nil {
			return currency.Currency{}, err
		}
		if err := handle.Disable(ctx, *signers); err != nil {
			return currency.Currency{}, err
		}
		acct.Status = account.StatusDisabled
		if _, err := s.store.UpdateAccount(ctx, acct); err != nil {
			return currency.Currency{}, err
		}
	}
	return cur, nil
}

// EnableCurrency recreates a disabled currency on the ledger, including its
// trustlines and the disabled-accounts pool. If disabled accounts still park
// exposure in the pool, the pool is funded from the issuer so each of them
// can be re-enabled later. Admin only.
func (s *Service) EnableCurrency(ctx context.Context, caller user.Caller, id string) (currency.Currency, error) {
	cur, err := s.GetCurrency(ctx, id)
	if err != nil {
		return currency.Currency{}, err
	}
	if !s.IsAdmin(caller, cur) {
		return currency.Currency{}, errs.Forbidden("only the currency admin may enable the currency")
	}
	if cur.Status == currency.StatusActive {
		return cur, nil
	}

	signers, err := s.ManagementKeys(ctx, cur)
	if err != nil {
		return currency.Currency{}, err
	}
	handle := s.LedgerCurrency(cur)
	if err := handle.Enable(ctx, signers); err != nil {
		return currency.Currency{}, err
	}

	lines, err := s.store.ListTrustlines(ctx, cur.ID)
	if err != nil {
		return currency.Currency{}, err
	}
	for _, line := range lines {
		err := handle.TrustCurrency(ctx, line.TrustedKey, cur.AmountToLedger(line.Limit), ledger.TrustlineKeys{
			Sponsor:        signers.Sponsor,
			ExternalTrader: signers.ExternalTrader,
			ExternalIssuer: &signers.ExternalIssuer,
		})
		if err != nil {
			return currency.Currency{}, err
		}
	}

	if cur, err = s.EnsurePool(ctx, cur); err != nil {
		return currency.Currency{}, err
	}
	if err := s.fundPool(ctx, cur); err != nil {
		return currency.Currency{}, err
	}

	cur.Status = currency.StatusActive
	cur, err = s.store.UpdateCurrency(ctx, cur)
	if err != nil {
		return currency.Currency{}, err
	}
	s.log.WithField("currency", cur.Code).Info("currency enabled")
	return cur, nil
}

// fundPool pays the aggregate exposure of disabled and suspended accounts
// (balance plus credit limit) from the issuer into the pool. After a
// currency disable and enable cycle the pool account comes back empty, so
// it has to be refilled before those accounts can draw from it again.
func (s *Service) fundPool(ctx context.Context, cur currency.Currency) error {
	parked, err := s.store.ListAccounts(ctx, cur.ID, storage.AccountFilter{
		Statuses: []account.Status{account.StatusDisabled, account.StatusSuspended},
	})
	if err != nil {
		return err
	}
	var total int64
	for _, acct := range parked {
		total += acct.Balance + acct.CreditLimit
	}
	if total <= 0 {
		return nil
	}

	ck := s.Keys(cur)
	sponsor, err := ck.SponsorKey(ctx)
	if err != nil {
		return err
	}
	issuerKey, err := ck.IssuerKey(ctx)
	if err != nil {
		return err
	}
	issuer, err := s.LedgerCurrency(cur).GetAccount(ctx, cur.Keys.Issuer)
	if err != nil {
		return err
	}
	_, err = issuer.Pay(ctx, cur.Keys.DisabledAccountsPool, cur.AmountToLedger(total), ledger.PayKeys{
		Sponsor: sponsor,
		Account: issuerKey,
	})
	return err
}

// EnsurePool returns the currency with its disabled-accounts pool present on
// the ledger, creating the pool account on first use. If the pool key is
// already escrowed but its ledger account is gone (the currency was disabled
// and re-enabled), the account is recreated under the same key.
func (s *Service) EnsurePool(ctx context.Context, cur currency.Currency) (currency.Currency, error) {
	if cur.Keys.DisabledAccountsPool != "" {
		existing, err := s.LedgerCurrency(cur).FindAccount(ctx, cur.Keys.DisabledAccountsPool)
		if err != nil {
			return currency.Currency{}, err
		}
		if existing != nil {
			return cur, nil
		}
		pool, err := s.keys.RetrieveKey(ctx, cur.Keys.DisabledAccountsPool)
		if err != nil {
			return currency.Currency{}, err
		}
		if err := s.createPoolAccount(ctx, cur, &pool); err != nil {
			return currency.Currency{}, err
		}
		return cur, nil
	}

	// Re-read under the id in case a concurrent call created the pool.
	fresh, err := s.store.GetCurrency(ctx, cur.ID)
	if err != nil {
		return currency.Currency{}, err
	}
	if fresh.Keys.DisabledAccountsPool != "" {
		return s.EnsurePool(ctx, fresh)
	}

	pair := keys.GeneratePair()
	if err := s.createPoolAccount(ctx, fresh, &pair); err != nil {
		return currency.Currency{}, err
	}
	id, err := s.keys.StoreKey(ctx, pair)
	if err != nil {
		return currency.Currency{}, err
	}
	fresh.Keys.DisabledAccountsPool = id
	fresh, err = s.store.UpdateCurrency(ctx, fresh)
	if err != nil {
		return currency.Currency{}, err
	}
	s.log.WithField("currency", fresh.Code).Info("disabled-accounts pool created")
	return fresh, nil
}

func (s *Service) createPoolAccount(ctx context.Context, cur currency.Currency, pool *keys.Pair) error {
	sponsor, err := s.keys.SponsorKey(ctx)
	if err != nil {
		return err
	}
	issuer, err := s.keys.RetrieveKey(ctx, cur.Keys.Issuer)
	if err != nil {
		return err
	}
	_, err = s.LedgerCurrency(cur).CreateAccount(ctx, ledger.CreateAccountOptions{Key: pool}, ledger.CreateAccountKeys{
		Sponsor: sponsor,
		Issuer:  issuer,
	})
	return err
}

// IsAdmin reports whether the caller administers the currency.
func (s *Service) IsAdmin(caller user.Caller, cur currency.Currency) bool {
	return caller.System || (caller.UserID != "" && caller.UserID == cur.AdminID)
}

// LedgerConfig builds the ledger-side configuration of the currency.
func LedgerConfig(cur currency.Currency) ledger.CurrencyConfig {
	config := ledger.CurrencyConfig{
		Code:                        cur.Code,
		RateN:                       cur.Rate.N,
		RateD:                       cur.Rate.D,
		ExternalTraderInitialCredit: cur.AmountToLedger(derefInt64(cur.Settings.ExternalTraderCreditLimit)),
	}
	if cur.Settings.ExternalTraderMaximumBalance != nil {
		config.ExternalTraderMaximumBalance = cur.AmountToLedger(*cur.Settings.ExternalTraderMaximumBalance)
	}
	return config
}

// LedgerData builds the ledger-side account keys of the currency.
func LedgerData(cur currency.Currency) ledger.CurrencyData {
	return ledger.CurrencyData{
		IssuerPublicKey:               cur.Keys.Issuer,
		CreditPublicKey:               cur.Keys.Credit,
		AdminPublicKey:                cur.Keys.Admin,
		ExternalIssuerPublicKey:       cur.Keys.ExternalIssuer,
		ExternalTraderPublicKey:       cur.Keys.ExternalTrader,
		DisabledAccountsPoolPublicKey: cur.Keys.DisabledAccountsPool,
	}
}

// LedgerCurrency returns the ledger handle of the currency.
func (s *Service) LedgerCurrency(cur currency.Currency) ledger.Currency {
	return s.ledger.Currency(LedgerConfig(cur), LedgerData(cur))
}

// Keys returns the role key resolver of the currency.
func (s *Service) Keys(cur currency.Currency) keys.CurrencyKeys {
	return keys.ForCurrency(s.keys, cur.Keys.Issuer, cur.Keys.Credit, cur.Keys.Admin,
		cur.Keys.ExternalTrader, cur.Keys.ExternalIssuer, cur.Keys.DisabledAccountsPool)
}

// ManagementKeys resolves the full signer set for currency-level operations.
func (s *Service) ManagementKeys(ctx context.Context, cur currency.Currency) (ledger.CurrencyManagementKeys, error) {
	ck := s.Keys(cur)
	var out ledger.CurrencyManagementKeys
	var err error
	if out.Sponsor, err = ck.SponsorKey(ctx); err != nil {
		return out, err
	}
	if out.Issuer, err = ck.IssuerKey(ctx); err != nil {
		return out, err
	}
	if out.Credit, err = ck.CreditKey(ctx); err != nil {
		return out, err
	}
	if out.Admin, err = ck.AdminKey(ctx); err != nil {
		return out, err
	}
	if out.ExternalIssuer, err = ck.ExternalIssuerKey(ctx); err != nil {
		return out, err
	}
	if out.ExternalTrader, err = ck.ExternalTraderKey(ctx); err != nil {
		return out, err
	}
	return out, nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, storage.ErrNotFound) {
		return errs.NotFound(format, args...)
	}
	return err
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
