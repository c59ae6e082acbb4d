package transfers

import (
	"context"
	"time"

	"github.com/opencommons/accounting/internal/app/domain/account"
	"github.com/opencommons/accounting/internal/app/domain/currency"
	"github.com/opencommons/accounting/internal/app/domain/transfer"
	"github.com/opencommons/accounting/internal/app/domain/user"
	"github.com/opencommons/accounting/internal/app/errs"
	"github.com/opencommons/accounting/internal/app/events"
	"github.com/opencommons/accounting/internal/app/keys"
	"github.com/opencommons/accounting/internal/app/ledger"
	"github.com/opencommons/accounting/internal/app/metrics"
	"github.com/opencommons/accounting/internal/app/policy"
	"github.com/opencommons/accounting/internal/app/services/accounts"
)

// applyTransition moves a transfer to the requested state after checking the
// state machine and the caller's authority. Requesting the current state is
// a no-op: nothing is written and no event is published.
func (s *Service) applyTransition(ctx context.Context, caller user.Caller, tr transfer.Transfer, to transfer.State) (transfer.Transfer, error) {
	if tr.State == to {
		return tr, nil
	}
	if !transfer.IsRequestable(to) {
		return transfer.Transfer{}, errs.BadRequest("state %s cannot be requested", to)
	}
	if !transfer.CanTransition(tr.State, to) {
		return transfer.Transfer{}, errs.BadRequest("a transfer cannot move from %s to %s", tr.State, to)
	}
	cur, err := s.currencies.GetCurrency(ctx, tr.CurrencyID)
	if err != nil {
		return transfer.Transfer{}, err
	}
	if cur.Status != currency.StatusActive {
		return transfer.Transfer{}, errs.InactiveCurrency("currency %s is not active", cur.Code)
	}
	if err := s.authorizeTransition(ctx, caller, cur, tr, to); err != nil {
		return transfer.Transfer{}, err
	}

	if to == transfer.StateCommitted {
		return s.commit(ctx, caller, cur, tr)
	}
	if to == transfer.StateRejected && caller.UserID != "" {
		tr.UserID = caller.UserID
	}
	return s.persistState(ctx, cur, tr, to)
}

// authorizeTransition enforces who may drive which transition: committing or
// rejecting takes the payer's authority, deleting the creator's. The payee
// may commit a request the payer's policy accepts without waiting; the
// currency admin may do all of it.
func (s *Service) authorizeTransition(ctx context.Context, caller user.Caller, cur currency.Currency, tr transfer.Transfer, to transfer.State) error {
	if s.currencies.IsAdmin(caller, cur) {
		return nil
	}
	switch to {
	case transfer.StateCommitted, transfer.StateRejected:
		payer, err := s.store.GetAccount(ctx, tr.PayerID)
		if err != nil {
			return err
		}
		if payer.HasUser(caller.UserID) {
			return nil
		}
		if to == transfer.StateCommitted {
			payee, err := s.store.GetAccount(ctx, tr.PayeeID)
			if err != nil {
				return err
			}
			if payee.HasUser(caller.UserID) && s.submitRightAway(ctx, cur, tr, payer) {
				return nil
			}
		}
		return errs.Forbidden("only the payer may %s the transfer", verb(to))
	case transfer.StateDeleted:
		if tr.UserID == "" || tr.UserID != caller.UserID {
			return errs.Forbidden("only the transfer's creator may delete it")
		}
	default:
		return errs.Forbidden("transition to %s is not permitted", to)
	}
	return nil
}

// submitRightAway reports whether the payer's policy lets this payment
// request settle without the payer acting on it: it accepts payments
// automatically, whitelists the payee, or the transfer carries a tag
// authorization that resolves to the payer.
func (s *Service) submitRightAway(ctx context.Context, cur currency.Currency, tr transfer.Transfer, payer account.Account) bool {
	payerPolicy := policy.ForAccount(&payer, &cur)
	if payerPolicy.AcceptPaymentsAutomatically() || payerPolicy.Whitelisted(tr.PayeeID) {
		return true
	}
	if tr.Authorization != nil && tr.Authorization.Type == transfer.AuthorizationTypeTag &&
		tr.Authorization.Hash != "" && payerPolicy.AllowTagPayments() {
		tagged, err := s.store.GetAccountByTagHash(ctx, cur.ID, tr.Authorization.Hash)
		if err == nil && tagged.ID == payer.ID {
			return true
		}
	}
	return false
}

func verb(state transfer.State) string {
	if state == transfer.StateRejected {
		return "reject"
	}
	return "commit"
}

// commit settles the transfer on the ledger under the committing caller's
// identity. The transfer is first persisted as submitted; a successful
// payment moves it to committed with the ledger transaction hash and
// reconciles both cached balances, a failed one moves it to failed and the
// settlement error is returned.
func (s *Service) commit(ctx context.Context, caller user.Caller, cur currency.Currency, tr transfer.Transfer) (transfer.Transfer, error) {
	if caller.UserID != "" {
		tr.UserID = caller.UserID
	}
	tr, err := s.persistState(ctx, cur, tr, transfer.StateSubmitted)
	if err != nil {
		return transfer.Transfer{}, err
	}

	payer, err := s.store.GetAccount(ctx, tr.PayerID)
	if err != nil {
		return transfer.Transfer{}, err
	}
	payee, err := s.store.GetAccount(ctx, tr.PayeeID)
	if err != nil {
		return transfer.Transfer{}, err
	}

	// Administered commits are signed with the currency admin key; anything
	// else pays with the payer's own escrowed key.
	administered := s.currencies.IsAdmin(caller, cur) && !payer.HasUser(caller.UserID)

	started := time.Now()
	settled, payErr := s.settle(ctx, cur, payer.Key, payee.Key, tr.Amount, administered)
	if payErr != nil {
		if tr, err = s.persistState(ctx, cur, tr, transfer.StateFailed); err != nil {
			s.log.WithError(err).WithField("transfer_id", tr.ID).Error("persist failed state")
		}
		return tr, errs.Wrap(payErr, errs.KindBadRequest, "transfer could not be settled")
	}
	metrics.ObserveSettlement(cur.Code, time.Since(started))

	tr.Hash = settled.Hash
	tr, err = s.persistState(ctx, cur, tr, transfer.StateCommitted)
	if err != nil {
		return transfer.Transfer{}, err
	}

	if payer, err = s.accounts.ReconcileBalance(ctx, cur, payer); err != nil {
		s.log.WithError(err).WithField("account", payer.Code).Error("reconcile payer balance")
	}
	if payee, err = s.accounts.ReconcileBalance(ctx, cur, payee); err != nil {
		s.log.WithError(err).WithField("account", payee.Code).Error("reconcile payee balance")
	}
	s.applyOnPaymentCreditLimit(ctx, cur, payee)

	s.log.WithField("transfer_id", tr.ID).
		WithField("currency", cur.Code).
		WithField("amount", tr.Amount).
		Info("transfer committed")
	return tr, nil
}

func (s *Service) settle(ctx context.Context, cur currency.Currency, payerKey, payeeKey string, amount int64, administered bool) (ledger.Transfer, error) {
	ck := s.currencies.Keys(cur)
	sponsor, err := ck.SponsorKey(ctx)
	if err != nil {
		return ledger.Transfer{}, err
	}
	var own keys.Pair
	if administered {
		own, err = ck.AdminKey(ctx)
	} else {
		own, err = ck.RetrieveKey(ctx, payerKey)
	}
	if err != nil {
		return ledger.Transfer{}, err
	}
	handle, err := s.currencies.LedgerCurrency(cur).GetAccount(ctx, payerKey)
	if err != nil {
		return ledger.Transfer{}, err
	}
	return handle.Pay(ctx, payeeKey, cur.AmountToLedger(amount), ledger.PayKeys{
		Sponsor: sponsor,
		Account: own,
	})
}

// applyOnPaymentCreditLimit raises the payee's credit limit to the
// configured on-payment value after an incoming payment. Failures are
// logged; the committed transfer stands either way.
func (s *Service) applyOnPaymentCreditLimit(ctx context.Context, cur currency.Currency, payee account.Account) {
	limit, ok := policy.ForAccount(&payee, &cur).OnPaymentCreditLimit()
	if !ok || payee.CreditLimit >= limit {
		return
	}
	if _, err := s.accounts.UpdateAccount(ctx, user.System(), payee.ID, accounts.UpdateAccountInput{
		CreditLimit: &limit,
	}); err != nil {
		s.log.WithError(err).WithField("account", payee.Code).Error("apply on-payment credit limit")
	}
}

// persistState writes the new state and publishes the change.
func (s *Service) persistState(ctx context.Context, cur currency.Currency, tr transfer.Transfer, to transfer.State) (transfer.Transfer, error) {
	tr.State = to
	tr, err := s.store.UpdateTransfer(ctx, tr)
	if err != nil {
		return transfer.Transfer{}, err
	}
	s.publish(ctx, cur, tr)
	return tr, nil
}

func (s *Service) publish(ctx context.Context, cur currency.Currency, tr transfer.Transfer) {
	metrics.ObserveTransferState(cur.Code, string(tr.State))
	if s.bus != nil {
		s.bus.PublishTransferStateChanged(ctx, events.TransferStateChanged{
			Transfer:     tr,
			CurrencyCode: cur.Code,
		})
	}
}
