package currencies

import (
	"context"

	"github.com/opencommons/accounting/internal/app/domain/currency"
	"github.com/opencommons/accounting/internal/app/domain/user"
	"github.com/opencommons/accounting/internal/app/errs"
	"github.com/opencommons/accounting/internal/app/ledger"
)

// CreateTrustlineInput describes a new trustline toward another currency.
type CreateTrustlineInput struct {
	// TrustedCurrencyCode names the currency whose external issuer is to be
	// trusted.
	TrustedCurrencyCode string
	// Limit is the maximum exposure, in local scaled units.
	Limit int64
}

// CreateTrustline establishes a limited trust toward another currency's
// external issuer, enabling payments across the two. Admin only.
func (s *Service) CreateTrustline(ctx context.Context, caller user.Caller, currencyID string, input CreateTrustlineInput) (currency.Trustline, error) {
	cur, err := s.GetCurrency(ctx, currencyID)
	if err != nil {
		return currency.Trustline{}, err
	}
	if !s.IsAdmin(caller, cur) {
		return currency.Trustline{}, errs.Forbidden("only the currency admin may manage trustlines")
	}
	if cur.Status != currency.StatusActive {
		return currency.Trustline{}, errs.InactiveCurrency("currency %s is not active", cur.Code)
	}
	if input.Limit <= 0 {
		return currency.Trustline{}, errs.BadRequest("trustline limit must be positive")
	}
	trusted, err := s.GetCurrencyByCode(ctx, input.TrustedCurrencyCode)
	if err != nil {
		return currency.Trustline{}, err
	}
	if trusted.ID == cur.ID {
		return currency.Trustline{}, errs.BadRequest("a currency cannot trust itself")
	}

	if err := s.trustOnLedger(ctx, cur, trusted.Keys.ExternalIssuer, input.Limit); err != nil {
		return currency.Trustline{}, err
	}
	line := currency.Trustline{
		CurrencyID: cur.ID,
		TrustedKey: trusted.Keys.ExternalIssuer,
		Limit:      input.Limit,
	}
	return s.store.CreateTrustline(ctx, line)
}

// UpdateTrustline changes the limit of an existing trustline. A zero limit
// removes the line on the ledger. Admin only.
func (s *Service) UpdateTrustline(ctx context.Context, caller user.Caller, id string, limit int64) (currency.Trustline, error) {
	line, err := s.store.GetTrustline(ctx, id)
	if err != nil {
		return currency.Trustline{}, notFound(err, "trustline %s not found", id)
	}
	cur, err := s.GetCurrency(ctx, line.CurrencyID)
	if err != nil {
		return currency.Trustline{}, err
	}
	if !s.IsAdmin(caller, cur) {
		return currency.Trustline{}, errs.Forbidden("only the currency admin may manage trustlines")
	}
	if limit < 0 {
		return currency.Trustline{}, errs.BadRequest("trustline limit cannot be negative")
	}

	if err := s.trustOnLedger(ctx, cur, line.TrustedKey, limit); err != nil {
		return currency.Trustline{}, err
	}
	line.Limit = limit
	return s.store.UpdateTrustline(ctx, line)
}

// GetTrustline returns a trustline by id.
func (s *Service) GetTrustline(ctx context.Context, id string) (currency.Trustline, error) {
	line, err := s.store.GetTrustline(ctx, id)
	if err != nil {
		return currency.Trustline{}, notFound(err, "trustline %s not found", id)
	}
	return line, nil
}

// ListTrustlines returns the trustlines of a currency.
func (s *Service) ListTrustlines(ctx context.Context, currencyID string) ([]currency.Trustline, error) {
	return s.store.ListTrustlines(ctx, currencyID)
}

func (s *Service) trustOnLedger(ctx context.Context, cur currency.Currency, trustedKey string, limit int64) error {
	ck := s.Keys(cur)
	sponsor, err := ck.SponsorKey(ctx)
	if err != nil {
		return err
	}
	trader, err := ck.ExternalTraderKey(ctx)
	if err != nil {
		return err
	}
	issuer, err := ck.ExternalIssuerKey(ctx)
	if err != nil {
		return err
	}
	return s.LedgerCurrency(cur).TrustCurrency(ctx, trustedKey, cur.AmountToLedger(limit), ledger.TrustlineKeys{
		Sponsor:        sponsor,
		ExternalTrader: trader,
		ExternalIssuer: &issuer,
	})
}
