package accounts

import (
	"context"

	"github.com/opencommons/accounting/internal/app/domain/account"
	"github.com/opencommons/accounting/internal/app/domain/currency"
	"github.com/opencommons/accounting/internal/app/domain/user"
	"github.com/opencommons/accounting/internal/app/errs"
	"github.com/opencommons/accounting/internal/app/ledger"
)

// SetAccountStatus drives the account lifecycle. Disabling or suspending
// removes the account from the ledger and parks its credited balance in the
// currency's disabled-accounts pool; re-activating recreates it funded from
// the pool. Repeating the current status is a no-op.
func (s *Service) SetAccountStatus(ctx context.Context, caller user.Caller, id string, to account.Status) (account.Account, error) {
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return account.Account{}, notFound(err, "account %s not found", id)
	}
	if acct.Status == to {
		return acct, nil
	}
	cur, err := s.currencies.GetCurrency(ctx, acct.CurrencyID)
	if err != nil {
		return account.Account{}, err
	}

	allowed, adminOnly := account.CanTransition(acct.Status, to)
	if !allowed {
		return account.Account{}, errs.BadRequest("account cannot change status from %s to %s", acct.Status, to)
	}
	admin := s.currencies.IsAdmin(caller, cur)
	if adminOnly && !admin {
		return account.Account{}, errs.Forbidden("only the currency admin may change the account status from %s to %s", acct.Status, to)
	}
	if !admin && !acct.HasUser(caller.UserID) {
		return account.Account{}, errs.Forbidden("only the account owner or the currency admin may change the account status")
	}
	if cur.Status != currency.StatusActive {
		return account.Account{}, errs.InactiveCurrency("currency %s is not active", cur.Code)
	}

	from := acct.Status
	switch {
	case to == account.StatusActive:
		if cur, err = s.enableOnLedger(ctx, cur, acct); err != nil {
			return account.Account{}, err
		}
	case from == account.StatusActive:
		if cur, err = s.disableOnLedger(ctx, cur, acct); err != nil {
			return account.Account{}, err
		}
	default:
		// Disabled and Suspended both keep their exposure parked in the
		// pool, so moving between them touches no ledger account.
	}

	acct.Status = to
	acct, err = s.store.UpdateAccount(ctx, acct)
	if err != nil {
		return account.Account{}, err
	}
	if to == account.StatusActive {
		if acct, err = s.ReconcileBalance(ctx, cur, acct); err != nil {
			return account.Account{}, err
		}
	}

	s.log.WithField("account", acct.Code).
		WithField("from", string(from)).
		WithField("to", string(to)).
		Info("account status changed")
	return acct, nil
}

// disableOnLedger removes the ledger account, moving its full ledger balance
// (cached balance plus credit limit) into the disabled-accounts pool.
func (s *Service) disableOnLedger(ctx context.Context, cur currency.Currency, acct account.Account) (currency.Currency, error) {
	cur, err := s.currencies.EnsurePool(ctx, cur)
	if err != nil {
		return currency.Currency{}, err
	}
	ck := s.currencies.Keys(cur)
	sponsor, err := ck.SponsorKey(ctx)
	if err != nil {
		return currency.Currency{}, err
	}
	adminKey, err := ck.AdminKey(ctx)
	if err != nil {
		return currency.Currency{}, err
	}
	poolKey, err := ck.PoolKey(ctx)
	if err != nil {
		return currency.Currency{}, err
	}
	handle, err := s.currencies.LedgerCurrency(cur).GetAccount(ctx, acct.Key)
	if err != nil {
		return currency.Currency{}, err
	}
	if err := handle.Disable(ctx, ledger.DisableAccountKeys{
		Sponsor: sponsor,
		Admin:   adminKey,
		Pool:    poolKey,
	}); err != nil {
		return currency.Currency{}, err
	}
	return cur, nil
}

// enableOnLedger recreates the ledger account, drawing its previous ledger
// balance back from the disabled-accounts pool.
func (s *Service) enableOnLedger(ctx context.Context, cur currency.Currency, acct account.Account) (currency.Currency, error) {
	cur, err := s.currencies.EnsurePool(ctx, cur)
	if err != nil {
		return currency.Currency{}, err
	}
	ck := s.currencies.Keys(cur)
	sponsor, err := ck.SponsorKey(ctx)
	if err != nil {
		return currency.Currency{}, err
	}
	issuer, err := ck.IssuerKey(ctx)
	if err != nil {
		return currency.Currency{}, err
	}
	poolKey, err := ck.PoolKey(ctx)
	if err != nil {
		return currency.Currency{}, err
	}
	own, err := ck.RetrieveKey(ctx, acct.Key)
	if err != nil {
		return currency.Currency{}, err
	}

	options := ledger.EnableAccountOptions{
		Balance: cur.AmountToLedger(acct.Balance + acct.CreditLimit),
		Credit:  cur.AmountToLedger(acct.CreditLimit),
	}
	if acct.MaximumBalance != nil {
		options.MaximumBalance = cur.AmountToLedger(*acct.MaximumBalance + acct.CreditLimit)
	}
	err = s.currencies.LedgerCurrency(cur).EnableAccount(ctx, options, ledger.EnableAccountKeys{
		Sponsor: sponsor,
		Issuer:  issuer,
		Pool:    poolKey,
		Account: own,
	})
	if err != nil {
		return currency.Currency{}, err
	}
	return cur, nil
}

// DeleteAccount permanently deletes an account with a zero balance. Active
// accounts are removed from the ledger with their credited amount returned to
// the credit account; disabled and suspended accounts pay their remaining
// credit limit out of the pool instead.
func (s *Service) DeleteAccount(ctx context.Context, caller user.Caller, id string) error {
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return notFound(err, "account %s not found", id)
	}
	if acct.Status == account.StatusDeleted {
		return errs.NotFound("account %s not found", id)
	}
	cur, err := s.currencies.GetCurrency(ctx, acct.CurrencyID)
	if err != nil {
		return err
	}
	admin := s.currencies.IsAdmin(caller, cur)
	if !admin && !acct.HasUser(caller.UserID) {
		return errs.Forbidden("only the account owner or the currency admin may delete the account")
	}
	if acct.Balance != 0 {
		return errs.BadRequest("account %s still holds a balance", acct.Code)
	}

	switch acct.Status {
	case account.StatusActive:
		if err := s.deleteOnLedger(ctx, cur, acct); err != nil {
			return err
		}
	case account.StatusDisabled, account.StatusSuspended:
		if err := s.refundFromPool(ctx, cur, acct); err != nil {
			return err
		}
	}

	acct.Status = account.StatusDeleted
	if _, err := s.store.UpdateAccount(ctx, acct); err != nil {
		return err
	}
	s.log.WithField("account", acct.Code).Info("account deleted")
	return nil
}

// refundFromPool returns the credited amount of a disabled or suspended
// account from the pool to the credit account.
func (s *Service) refundFromPool(ctx context.Context, cur currency.Currency, acct account.Account) error {
	if acct.CreditLimit == 0 || cur.Keys.DisabledAccountsPool == "" {
		return nil
	}
	ck := s.currencies.Keys(cur)
	sponsor, err := ck.SponsorKey(ctx)
	if err != nil {
		return err
	}
	poolKey, err := ck.PoolKey(ctx)
	if err != nil {
		return err
	}
	pool, err := s.currencies.LedgerCurrency(cur).GetAccount(ctx, cur.Keys.DisabledAccountsPool)
	if err != nil {
		return err
	}
	_, err = pool.Pay(ctx, cur.Keys.Credit, cur.AmountToLedger(acct.CreditLimit), ledger.PayKeys{
		Sponsor: sponsor,
		Account: poolKey,
	})
	return err
}

func (s *Service) deleteOnLedger(ctx context.Context, cur currency.Currency, acct account.Account) error {
	ck := s.currencies.Keys(cur)
	sponsor, err := ck.SponsorKey(ctx)
	if err != nil {
		return err
	}
	adminKey, err := ck.AdminKey(ctx)
	if err != nil {
		return err
	}
	handle, err := s.currencies.LedgerCurrency(cur).GetAccount(ctx, acct.Key)
	if err != nil {
		return err
	}
	return handle.Delete(ctx, ledger.DeleteAccountKeys{
		Sponsor: sponsor,
		Admin:   adminKey,
	})
}
