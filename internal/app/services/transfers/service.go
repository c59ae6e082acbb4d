// Package transfers implements the transfer state machine: creation of
// payments and payment requests, the commit saga against the ledger, and the
// periodic sweep that accepts timed-out payment requests.
package transfers

import (
	"context"
	"errors"
	"sync"

	"github.com/opencommons/accounting/internal/app/domain/account"
	"github.com/opencommons/accounting/internal/app/domain/currency"
	"github.com/opencommons/accounting/internal/app/domain/transfer"
	"github.com/opencommons/accounting/internal/app/domain/user"
	"github.com/opencommons/accounting/internal/app/errs"
	"github.com/opencommons/accounting/internal/app/events"
	"github.com/opencommons/accounting/internal/app/policy"
	"github.com/opencommons/accounting/internal/app/services/accounts"
	"github.com/opencommons/accounting/internal/app/services/currencies"
	"github.com/opencommons/accounting/internal/app/storage"
	"github.com/opencommons/accounting/pkg/logger"
)

// Service manages transfers.
type Service struct {
	store      storage.Store
	currencies *currencies.Service
	accounts   *accounts.Service
	bus        *events.Bus
	log        *logger.Logger
}

// New constructs a transfers service.
func New(store storage.Store, cur *currencies.Service, acct *accounts.Service, bus *events.Bus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("transfers")
	}
	return &Service{
		store:      store,
		currencies: cur,
		accounts:   acct,
		bus:        bus,
		log:        log,
	}
}

// CreateTransferInput describes a new transfer. State chooses the initial
// handling: "new" parks it, "committed" settles a payment immediately, and
// "pending" submits a payment request to the payer. A non-empty ID keeps the
// caller-chosen identifier.
type CreateTransferInput struct {
	ID            string
	PayerID       string
	PayeeID       string
	Amount        int64
	Meta          transfer.Meta
	State         transfer.State
	Authorization *transfer.Authorization
}

// CreateTransfer validates and creates a transfer. A caller owning the payer
// account creates a payment; one owning the payee account creates a payment
// request, which commits right away when the payer's policy accepts it and
// otherwise waits in state pending for the payer's decision.
func (s *Service) CreateTransfer(ctx context.Context, caller user.Caller, currencyID string, input CreateTransferInput) (transfer.Transfer, error) {
	cur, err := s.currencies.GetCurrency(ctx, currencyID)
	if err != nil {
		return transfer.Transfer{}, err
	}
	if cur.Status != currency.StatusActive {
		return transfer.Transfer{}, errs.InactiveCurrency("currency %s is not active", cur.Code)
	}

	tr, authority, err := s.validateNew(ctx, caller, cur, input)
	if err != nil {
		return transfer.Transfer{}, err
	}

	tr, err = s.store.CreateTransfer(ctx, tr)
	if err != nil {
		return transfer.Transfer{}, err
	}
	s.publish(ctx, cur, tr)

	switch input.State {
	case "", transfer.StateNew:
		return tr, nil
	case transfer.StateCommitted, transfer.StatePending:
		if authority.payerSide || authority.rightAway {
			return s.commit(ctx, caller, cur, tr)
		}
		return s.persistState(ctx, cur, tr, transfer.StatePending)
	default:
		return transfer.Transfer{}, errs.BadRequest("a transfer cannot be created in state %s", input.State)
	}
}

// transferAuthority captures who stands behind a new transfer: payerSide is
// set for the payer's owner or the admin, rightAway when the payer's policy
// lets a payment request settle without waiting.
type transferAuthority struct {
	payerSide bool
	rightAway bool
}

// validateNew checks the input and builds the transfer in state new.
func (s *Service) validateNew(ctx context.Context, caller user.Caller, cur currency.Currency, input CreateTransferInput) (transfer.Transfer, transferAuthority, error) {
	var zero transfer.Transfer
	var none transferAuthority

	if input.Amount <= 0 {
		return zero, none, errs.BadRequest("transfer amount must be positive")
	}
	if input.Meta.Description == "" {
		return zero, none, errs.BadRequest("transfer description is required")
	}
	if input.ID != "" {
		if _, err := s.store.GetTransfer(ctx, input.ID); err == nil {
			return zero, none, errs.BadRequest("transfer %s already exists", input.ID)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return zero, none, err
		}
	}

	payerID := input.PayerID
	auth := input.Authorization
	// A tag authorization identifies the payer by a pre-authorized tag
	// instead of an account id.
	if auth != nil {
		if auth.Type != transfer.AuthorizationTypeTag {
			return zero, none, errs.BadRequest("unsupported authorization type %q", auth.Type)
		}
		if auth.Value == "" {
			return zero, none, errs.BadRequest("authorization value is required")
		}
		tagged, err := s.accounts.FindAccountByTag(ctx, cur.ID, auth.Value)
		if err != nil {
			return zero, none, err
		}
		if payerID == "" {
			payerID = tagged.ID
		} else if payerID != tagged.ID {
			return zero, none, errs.Forbidden("the authorization does not match the payer account")
		}
		auth = &transfer.Authorization{
			Type: transfer.AuthorizationTypeTag,
			Hash: account.HashTagValue(auth.Value),
		}
	}
	if payerID == "" || input.PayeeID == "" {
		return zero, none, errs.BadRequest("payer and payee are required")
	}
	if payerID == input.PayeeID {
		return zero, none, errs.BadRequest("payer and payee must be different accounts")
	}

	payer, err := s.activeAccount(ctx, cur, payerID)
	if err != nil {
		return zero, none, err
	}
	payee, err := s.activeAccount(ctx, cur, input.PayeeID)
	if err != nil {
		return zero, none, err
	}

	admin := s.currencies.IsAdmin(caller, cur)
	payerPolicy := policy.ForAccount(&payer, &cur)
	payeePolicy := policy.ForAccount(&payee, &cur)

	var authority transferAuthority
	switch {
	case admin || payer.HasUser(caller.UserID):
		// Payment by the payer.
		authority.payerSide = true
		if !admin && !payerPolicy.AllowPayments() {
			return zero, none, errs.Forbidden("account %s does not allow payments", payer.Code)
		}
		if !admin && !payeePolicy.AllowPaymentRequests() && input.State == transfer.StatePending {
			return zero, none, errs.Forbidden("account %s does not accept payment requests", payee.Code)
		}
	case payee.HasUser(caller.UserID):
		// Payment request by the payee.
		if !payeePolicy.AllowPaymentRequests() {
			return zero, none, errs.Forbidden("account %s does not allow payment requests", payee.Code)
		}
		if auth != nil {
			if !payerPolicy.AllowTagPayments() {
				return zero, none, errs.Forbidden("account %s does not allow tag payments", payer.Code)
			}
			authority.rightAway = true
		}
		if payerPolicy.AcceptPaymentsAutomatically() || payerPolicy.Whitelisted(payee.ID) {
			authority.rightAway = true
		}
	default:
		return zero, none, errs.Forbidden("the caller owns neither the payer nor the payee account")
	}

	tr := transfer.Transfer{
		ID:            input.ID,
		CurrencyID:    cur.ID,
		State:         transfer.StateNew,
		Amount:        input.Amount,
		PayerID:       payer.ID,
		PayeeID:       payee.ID,
		Meta:          input.Meta,
		Authorization: auth,
		UserID:        caller.UserID,
	}
	return tr, authority, nil
}

func (s *Service) activeAccount(ctx context.Context, cur currency.Currency, id string) (account.Account, error) {
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return account.Account{}, errs.NotFound("account %s not found", id)
		}
		return account.Account{}, err
	}
	if acct.CurrencyID != cur.ID {
		return account.Account{}, errs.BadRequest("account %s does not belong to currency %s", acct.Code, cur.Code)
	}
	if acct.Status != account.StatusActive {
		return account.Account{}, errs.BadRequest("account %s is not active", acct.Code)
	}
	return acct, nil
}

// CreateMultipleTransfers creates several transfers concurrently, best
// effort: each input is validated and settled on its own, failures are
// logged and left out of the result.
func (s *Service) CreateMultipleTransfers(ctx context.Context, caller user.Caller, currencyID string, inputs []CreateTransferInput) ([]transfer.Transfer, error) {
	if len(inputs) == 0 {
		return nil, errs.BadRequest("at least one transfer is required")
	}
	cur, err := s.currencies.GetCurrency(ctx, currencyID)
	if err != nil {
		return nil, err
	}
	if cur.Status != currency.StatusActive {
		return nil, errs.InactiveCurrency("currency %s is not active", cur.Code)
	}

	out := make([]transfer.Transfer, len(inputs))
	done := make([]bool, len(inputs))
	var wg sync.WaitGroup
	for i, input := range inputs {
		wg.Add(1)
		go func(i int, input CreateTransferInput) {
			defer wg.Done()
			tr, err := s.CreateTransfer(ctx, caller, currencyID, input)
			if err != nil {
				s.log.WithError(err).WithField("payee", input.PayeeID).Warn("transfer in batch failed")
				return
			}
			out[i], done[i] = tr, true
		}(i, input)
	}
	wg.Wait()

	created := make([]transfer.Transfer, 0, len(inputs))
	for i := range out {
		if done[i] {
			created = append(created, out[i])
		}
	}
	return created, nil
}

// GetTransfer returns a transfer visible to the caller: a currency admin or
// an owner of either account.
func (s *Service) GetTransfer(ctx context.Context, caller user.Caller, id string) (transfer.Transfer, error) {
	tr, err := s.store.GetTransfer(ctx, id)
	if err != nil {
		return transfer.Transfer{}, notFound(err, "transfer %s not found", id)
	}
	if tr.State == transfer.StateDeleted {
		return transfer.Transfer{}, errs.NotFound("transfer %s not found", id)
	}
	visible, err := s.visible(ctx, caller, tr)
	if err != nil {
		return transfer.Transfer{}, err
	}
	if !visible {
		return transfer.Transfer{}, errs.NotFound("transfer %s not found", id)
	}
	return tr, nil
}

func (s *Service) visible(ctx context.Context, caller user.Caller, tr transfer.Transfer) (bool, error) {
	cur, err := s.currencies.GetCurrency(ctx, tr.CurrencyID)
	if err != nil {
		return false, err
	}
	if s.currencies.IsAdmin(caller, cur) {
		return true, nil
	}
	for _, id := range []string{tr.PayerID, tr.PayeeID} {
		acct, err := s.store.GetAccount(ctx, id)
		if err != nil {
			return false, err
		}
		if acct.HasUser(caller.UserID) {
			return true, nil
		}
	}
	return false, nil
}

// ListTransfers lists the currency's transfers visible to the caller,
// deleted ones excluded.
func (s *Service) ListTransfers(ctx context.Context, caller user.Caller, currencyID string, filter storage.TransferFilter) ([]transfer.Transfer, error) {
	cur, err := s.currencies.GetCurrency(ctx, currencyID)
	if err != nil {
		return nil, err
	}
	trs, err := s.store.ListTransfers(ctx, currencyID, filter)
	if err != nil {
		return nil, err
	}
	admin := s.currencies.IsAdmin(caller, cur)
	owned := map[string]bool{}
	out := trs[:0]
	for _, tr := range trs {
		if tr.State == transfer.StateDeleted {
			continue
		}
		if admin {
			out = append(out, tr)
			continue
		}
		for _, id := range []string{tr.PayerID, tr.PayeeID} {
			ok, seen := owned[id]
			if !seen {
				acct, err := s.store.GetAccount(ctx, id)
				if err != nil {
					return nil, err
				}
				ok = acct.HasUser(caller.UserID)
				owned[id] = ok
			}
			if ok {
				out = append(out, tr)
				break
			}
		}
	}
	return out, nil
}

// UpdateTransferInput holds the transfer amendments and the optionally
// requested state transition. Nil fields are left unchanged.
type UpdateTransferInput struct {
	Amount  *int64
	Meta    *transfer.Meta
	PayerID *string
	PayeeID *string
	State   transfer.State
}

// UpdateTransfer amends a transfer and optionally requests a state
// transition. The description may change while the transfer has not settled;
// amount and payee only while it is still new, by its creator or the admin.
// Changing the payer takes the admin.
func (s *Service) UpdateTransfer(ctx context.Context, caller user.Caller, id string, input UpdateTransferInput) (transfer.Transfer, error) {
	tr, err := s.GetTransfer(ctx, caller, id)
	if err != nil {
		return transfer.Transfer{}, err
	}
	if input.Amount != nil || input.Meta != nil || input.PayerID != nil || input.PayeeID != nil {
		if tr, err = s.amend(ctx, caller, tr, input); err != nil {
			return transfer.Transfer{}, err
		}
	}
	if input.State == "" || input.State == tr.State {
		return tr, nil
	}
	return s.applyTransition(ctx, caller, tr, input.State)
}

func (s *Service) amend(ctx context.Context, caller user.Caller, tr transfer.Transfer, input UpdateTransferInput) (transfer.Transfer, error) {
	cur, err := s.currencies.GetCurrency(ctx, tr.CurrencyID)
	if err != nil {
		return transfer.Transfer{}, err
	}
	admin := s.currencies.IsAdmin(caller, cur)
	if !admin && (tr.UserID == "" || tr.UserID != caller.UserID) {
		return transfer.Transfer{}, errs.Forbidden("only the transfer's creator may amend it")
	}

	if input.Meta != nil {
		if tr.State != transfer.StateNew && tr.State != transfer.StatePending {
			return transfer.Transfer{}, errs.BadRequest("a %s transfer cannot be amended", tr.State)
		}
		if input.Meta.Description == "" {
			return transfer.Transfer{}, errs.BadRequest("transfer description is required")
		}
		tr.Meta = *input.Meta
	}
	if input.Amount != nil || input.PayerID != nil || input.PayeeID != nil {
		if tr.State != transfer.StateNew {
			return transfer.Transfer{}, errs.BadRequest("a %s transfer cannot be amended", tr.State)
		}
	}
	if input.Amount != nil {
		if *input.Amount <= 0 {
			return transfer.Transfer{}, errs.BadRequest("transfer amount must be positive")
		}
		tr.Amount = *input.Amount
	}
	if input.PayerID != nil && *input.PayerID != tr.PayerID {
		if !admin {
			return transfer.Transfer{}, errs.Forbidden("only the currency admin may change the payer")
		}
		payer, err := s.activeAccount(ctx, cur, *input.PayerID)
		if err != nil {
			return transfer.Transfer{}, err
		}
		tr.PayerID = payer.ID
	}
	if input.PayeeID != nil && *input.PayeeID != tr.PayeeID {
		payee, err := s.activeAccount(ctx, cur, *input.PayeeID)
		if err != nil {
			return transfer.Transfer{}, err
		}
		tr.PayeeID = payee.ID
	}
	if tr.PayerID == tr.PayeeID {
		return transfer.Transfer{}, errs.BadRequest("payer and payee must be different accounts")
	}
	return s.store.UpdateTransfer(ctx, tr)
}

// DeleteTransfer marks a transfer deleted. Allowed for its creator or the
// admin while the transfer has not settled.
func (s *Service) DeleteTransfer(ctx context.Context, caller user.Caller, id string) error {
	tr, err := s.GetTransfer(ctx, caller, id)
	if err != nil {
		return err
	}
	_, err = s.applyTransition(ctx, caller, tr, transfer.StateDeleted)
	return err
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, storage.ErrNotFound) {
		return errs.NotFound(format, args...)
	}
	return err
}
