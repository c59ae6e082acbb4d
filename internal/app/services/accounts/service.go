// Package accounts manages accounts within a currency: creation with code
// allocation, settings, lifecycle status including the disabled-accounts
// pool, pre-authorization tags and the locally cached balance.
package accounts

import (
	"context"
	"errors"
	"fmt"

	"github.com/opencommons/accounting/internal/app/domain/account"
	"github.com/opencommons/accounting/internal/app/domain/currency"
	"github.com/opencommons/accounting/internal/app/domain/user"
	"github.com/opencommons/accounting/internal/app/errs"
	"github.com/opencommons/accounting/internal/app/keys"
	"github.com/opencommons/accounting/internal/app/ledger"
	"github.com/opencommons/accounting/internal/app/metrics"
	"github.com/opencommons/accounting/internal/app/policy"
	"github.com/opencommons/accounting/internal/app/services/currencies"
	"github.com/opencommons/accounting/internal/app/storage"
	"github.com/opencommons/accounting/pkg/logger"
)

// codeRetries bounds the retry loop on concurrent code allocation.
const codeRetries = 5

// Service manages accounts.
type Service struct {
	store      storage.Store
	currencies *currencies.Service
	keys       keys.Provider
	log        *logger.Logger
}

// New constructs an accounts service.
func New(store storage.Store, cur *currencies.Service, provider keys.Provider, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("accounts")
	}
	return &Service{
		store:      store,
		currencies: cur,
		keys:       provider,
		log:        log,
	}
}

// CreateAccountInput describes a new account. Nil CreditLimit and
// MaximumBalance fall back to the currency defaults.
type CreateAccountInput struct {
	Users          []string
	CreditLimit    *int64
	MaximumBalance *int64
	Settings       account.Settings
}

// CreateAccount creates an account in the currency, allocating the next free
// code and funding the ledger account with its credit limit. Admin only.
func (s *Service) CreateAccount(ctx context.Context, caller user.Caller, currencyID string, input CreateAccountInput) (account.Account, error) {
	cur, err := s.currencies.GetCurrency(ctx, currencyID)
	if err != nil {
		return account.Account{}, err
	}
	if !s.currencies.IsAdmin(caller, cur) {
		return account.Account{}, errs.Forbidden("only the currency admin may create accounts")
	}
	if cur.Status != currency.StatusActive {
		return account.Account{}, errs.InactiveCurrency("currency %s is not active", cur.Code)
	}

	creditLimit := int64(0)
	if cur.Settings.DefaultInitialCreditLimit != nil {
		creditLimit = *cur.Settings.DefaultInitialCreditLimit
	}
	if input.CreditLimit != nil {
		creditLimit = *input.CreditLimit
	}
	if creditLimit < 0 {
		return account.Account{}, errs.BadRequest("credit limit cannot be negative")
	}
	var maximumBalance *int64
	if cur.Settings.DefaultInitialMaximumBalance != nil {
		v := *cur.Settings.DefaultInitialMaximumBalance
		maximumBalance = &v
	}
	if input.MaximumBalance != nil {
		v := *input.MaximumBalance
		maximumBalance = &v
	}
	if maximumBalance != nil && *maximumBalance <= 0 {
		return account.Account{}, errs.BadRequest("maximum balance must be positive")
	}

	pair, err := s.createOnLedger(ctx, cur, creditLimit, maximumBalance)
	if err != nil {
		return account.Account{}, err
	}
	keyID, err := s.keys.StoreKey(ctx, pair)
	if err != nil {
		return account.Account{}, err
	}

	acct := account.Account{
		CurrencyID:     cur.ID,
		Status:         account.StatusActive,
		CreditLimit:    creditLimit,
		MaximumBalance: maximumBalance,
		Key:            keyID,
		Users:          input.Users,
		Settings:       input.Settings,
	}

	// The code carries a uniqueness constraint; on a concurrent allocation
	// the insert fails and the next free code is tried again.
	for attempt := 0; ; attempt++ {
		suffix, err := s.store.MaxCodeSuffix(ctx, cur.ID, cur.Code)
		if err != nil {
			return account.Account{}, err
		}
		acct.Code = fmt.Sprintf("%s%04d", cur.Code, suffix+1)
		created, err := s.store.CreateAccount(ctx, acct)
		if err == nil {
			acct = created
			break
		}
		if !errors.Is(err, storage.ErrDuplicateCode) || attempt == codeRetries {
			return account.Account{}, err
		}
	}

	metrics.ObserveAccountCreated(cur.Code)
	s.log.WithField("currency", cur.Code).
		WithField("account", acct.Code).
		Info("account created")
	return acct, nil
}

func (s *Service) createOnLedger(ctx context.Context, cur currency.Currency, creditLimit int64, maximumBalance *int64) (keys.Pair, error) {
	ck := s.currencies.Keys(cur)
	signers := ledger.CreateAccountKeys{}
	var err error
	if signers.Sponsor, err = ck.SponsorKey(ctx); err != nil {
		return keys.Pair{}, err
	}
	if signers.Issuer, err = ck.IssuerKey(ctx); err != nil {
		return keys.Pair{}, err
	}
	options := ledger.CreateAccountOptions{}
	if creditLimit > 0 {
		credit, err := ck.CreditKey(ctx)
		if err != nil {
			return keys.Pair{}, err
		}
		signers.Credit = &credit
		options.InitialCredit = cur.AmountToLedger(creditLimit)
	}
	if maximumBalance != nil {
		// The ledger cap includes the credited amount.
		options.MaximumBalance = cur.AmountToLedger(*maximumBalance + creditLimit)
	}
	return s.currencies.LedgerCurrency(cur).CreateAccount(ctx, options, signers)
}

// GetAccount returns an account by id. Disabled and suspended accounts stay
// visible to their owners and the admin only; deleted accounts to no one.
func (s *Service) GetAccount(ctx context.Context, caller user.Caller, id string) (account.Account, error) {
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return account.Account{}, notFound(err, "account %s not found", id)
	}
	return s.checkVisible(ctx, caller, acct)
}

// GetAccountByCode returns an account by its code within a currency.
func (s *Service) GetAccountByCode(ctx context.Context, caller user.Caller, currencyID, code string) (account.Account, error) {
	acct, err := s.store.GetAccountByCode(ctx, currencyID, code)
	if err != nil {
		return account.Account{}, notFound(err, "account %s not found", code)
	}
	return s.checkVisible(ctx, caller, acct)
}

// GetAccountByKey returns an account by its ledger key.
func (s *Service) GetAccountByKey(ctx context.Context, caller user.Caller, key string) (account.Account, error) {
	acct, err := s.store.GetAccountByKey(ctx, key)
	if err != nil {
		return account.Account{}, notFound(err, "no account with key %s", key)
	}
	return s.checkVisible(ctx, caller, acct)
}

func (s *Service) checkVisible(ctx context.Context, caller user.Caller, acct account.Account) (account.Account, error) {
	if acct.Status == account.StatusDeleted {
		return account.Account{}, errs.NotFound("account %s not found", acct.Code)
	}
	if caller.System || acct.HasUser(caller.UserID) {
		return acct, nil
	}
	cur, err := s.currencies.GetCurrency(ctx, acct.CurrencyID)
	if err != nil {
		return account.Account{}, err
	}
	if s.currencies.IsAdmin(caller, cur) {
		return acct, nil
	}
	if acct.Status != account.StatusActive {
		return account.Account{}, errs.NotFound("account %s not found", acct.Code)
	}
	return maskBalance(acct, cur), nil
}

// maskBalance zeroes the cached balance when the account hides it from
// non-owner non-admin viewers.
func maskBalance(acct account.Account, cur currency.Currency) account.Account {
	if policy.ForAccount(&acct, &cur).HideBalance() {
		acct.Balance = 0
	}
	return acct
}

// ListAccounts lists the accounts of a currency. Non-admin callers only see
// active accounts plus their own.
func (s *Service) ListAccounts(ctx context.Context, caller user.Caller, currencyID string, filter storage.AccountFilter) ([]account.Account, error) {
	cur, err := s.currencies.GetCurrency(ctx, currencyID)
	if err != nil {
		return nil, err
	}
	accts, err := s.store.ListAccounts(ctx, currencyID, filter)
	if err != nil {
		return nil, err
	}
	if s.currencies.IsAdmin(caller, cur) {
		return withoutStatus(accts, account.StatusDeleted), nil
	}
	visible := accts[:0]
	for _, acct := range accts {
		switch {
		case acct.Status != account.StatusDeleted && acct.HasUser(caller.UserID):
			visible = append(visible, acct)
		case acct.Status == account.StatusActive:
			visible = append(visible, maskBalance(acct, cur))
		}
	}
	return visible, nil
}

func withoutStatus(accts []account.Account, status account.Status) []account.Account {
	out := accts[:0]
	for _, acct := range accts {
		if acct.Status != status {
			out = append(out, acct)
		}
	}
	return out
}

// UpdateAccountInput holds the admin-mutable account attributes. Nil fields
// are left unchanged.
type UpdateAccountInput struct {
	CreditLimit    *int64
	MaximumBalance *int64
	Users          *[]string
}

// UpdateAccount changes the credit limit, maximum balance or owners of an
// account. Admin only; the credit limit change is settled on the ledger
// before the record is updated.
func (s *Service) UpdateAccount(ctx context.Context, caller user.Caller, id string, input UpdateAccountInput) (account.Account, error) {
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return account.Account{}, notFound(err, "account %s not found", id)
	}
	cur, err := s.currencies.GetCurrency(ctx, acct.CurrencyID)
	if err != nil {
		return account.Account{}, err
	}
	if !s.currencies.IsAdmin(caller, cur) {
		return account.Account{}, errs.Forbidden("only the currency admin may update accounts")
	}
	if acct.Status != account.StatusActive {
		return account.Account{}, errs.BadRequest("account %s is not active", acct.Code)
	}

	if input.CreditLimit != nil && *input.CreditLimit != acct.CreditLimit {
		if *input.CreditLimit < 0 {
			return account.Account{}, errs.BadRequest("credit limit cannot be negative")
		}
		if err := s.updateCreditOnLedger(ctx, cur, acct, *input.CreditLimit); err != nil {
			return account.Account{}, err
		}
		acct.CreditLimit = *input.CreditLimit
	}
	if input.MaximumBalance != nil && (acct.MaximumBalance == nil || *input.MaximumBalance != *acct.MaximumBalance) {
		if *input.MaximumBalance <= 0 {
			return account.Account{}, errs.BadRequest("maximum balance must be positive")
		}
		if err := s.updateMaximumOnLedger(ctx, cur, acct, *input.MaximumBalance+acct.CreditLimit); err != nil {
			return account.Account{}, err
		}
		v := *input.MaximumBalance
		acct.MaximumBalance = &v
	}
	if input.Users != nil {
		acct.Users = *input.Users
	}

	acct, err = s.store.UpdateAccount(ctx, acct)
	if err != nil {
		return account.Account{}, err
	}
	return s.ReconcileBalance(ctx, cur, acct)
}

func (s *Service) updateCreditOnLedger(ctx context.Context, cur currency.Currency, acct account.Account, newLimit int64) error {
	ck := s.currencies.Keys(cur)
	sponsor, err := ck.SponsorKey(ctx)
	if err != nil {
		return err
	}
	handle, err := s.currencies.LedgerCurrency(cur).GetAccount(ctx, acct.Key)
	if err != nil {
		return err
	}
	delta := newLimit - acct.CreditLimit
	signers := ledger.UpdateCreditKeys{Sponsor: sponsor}
	if delta > 0 {
		credit, err := ck.CreditKey(ctx)
		if err != nil {
			return err
		}
		signers.Credit = &credit
	} else {
		own, err := ck.RetrieveKey(ctx, acct.Key)
		if err != nil {
			return err
		}
		signers.Account = &own
	}
	return handle.UpdateCredit(ctx, cur.AmountToLedger(delta), signers)
}

func (s *Service) updateMaximumOnLedger(ctx context.Context, cur currency.Currency, acct account.Account, ledgerMax int64) error {
	ck := s.currencies.Keys(cur)
	sponsor, err := ck.SponsorKey(ctx)
	if err != nil {
		return err
	}
	own, err := ck.RetrieveKey(ctx, acct.Key)
	if err != nil {
		return err
	}
	handle, err := s.currencies.LedgerCurrency(cur).GetAccount(ctx, acct.Key)
	if err != nil {
		return err
	}
	return handle.UpdateMaximumBalance(ctx, cur.AmountToLedger(ledgerMax), ledger.PayKeys{
		Sponsor: sponsor,
		Account: own,
	})
}

// GetAccountSettings returns the account's own settings, without currency
// defaults applied. Owner or admin only.
func (s *Service) GetAccountSettings(ctx context.Context, caller user.Caller, id string) (account.Settings, error) {
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return account.Settings{}, notFound(err, "account %s not found", id)
	}
	cur, err := s.currencies.GetCurrency(ctx, acct.CurrencyID)
	if err != nil {
		return account.Settings{}, err
	}
	if !s.currencies.IsAdmin(caller, cur) && !acct.HasUser(caller.UserID) {
		return account.Settings{}, errs.Forbidden("only the account owner or the currency admin may read settings")
	}
	return acct.Settings, nil
}

// UpdateAccountSettings merges the given settings into the account's. Owner
// or admin; the on-payment credit limit is admin only.
func (s *Service) UpdateAccountSettings(ctx context.Context, caller user.Caller, id string, patch account.Settings) (account.Account, error) {
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return account.Account{}, notFound(err, "account %s not found", id)
	}
	cur, err := s.currencies.GetCurrency(ctx, acct.CurrencyID)
	if err != nil {
		return account.Account{}, err
	}
	admin := s.currencies.IsAdmin(caller, cur)
	if !admin && !acct.HasUser(caller.UserID) {
		return account.Account{}, errs.Forbidden("only the account owner or the currency admin may update settings")
	}
	if !admin && touchesAdminSettings(patch) {
		return account.Account{}, errs.Forbidden("only the currency admin may change payment permissions")
	}
	acct.Settings = acct.Settings.Merge(patch)
	return s.store.UpdateAccount(ctx, acct)
}

// touchesAdminSettings reports whether the patch changes permission flags
// reserved to the currency admin. Acceptance preferences and display flags
// belong to the account owner.
func touchesAdminSettings(patch account.Settings) bool {
	return patch.AllowPayments != nil ||
		patch.AllowPaymentRequests != nil ||
		patch.AllowTagPayments != nil ||
		patch.AllowTagPaymentRequests != nil ||
		patch.AllowExternalPayments != nil ||
		patch.AllowExternalPaymentRequests != nil ||
		patch.OnPaymentCreditLimit != nil
}

// ReconcileBalance refreshes the cached balance from the ledger. The local
// balance is the ledger balance minus the credit limit.
func (s *Service) ReconcileBalance(ctx context.Context, cur currency.Currency, acct account.Account) (account.Account, error) {
	handle, err := s.currencies.LedgerCurrency(cur).GetAccount(ctx, acct.Key)
	if err != nil {
		return account.Account{}, err
	}
	ledgerBalance, err := cur.AmountFromLedger(handle.Balance())
	if err != nil {
		return account.Account{}, err
	}
	balance := ledgerBalance - acct.CreditLimit
	if balance == acct.Balance {
		return acct, nil
	}
	acct.Balance = balance
	return s.store.UpdateAccount(ctx, acct)
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, storage.ErrNotFound) {
		return errs.NotFound(format, args...)
	}
	return err
}
