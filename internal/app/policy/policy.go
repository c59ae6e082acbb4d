// Package policy evaluates authorization policy flags over merged settings.
// Every flag is read from the account's own settings first, falling back to
// the owning currency's default for that flag if absent. The merge is shallow
// and computed at read time; it is never denormalized or cached.
package policy

import (
	"github.com/opencommons/accounting/internal/app/domain/account"
	"github.com/opencommons/accounting/internal/app/domain/currency"
)

// Effective is the merged view of one account's policy against its currency's
// defaults. It is cheap to build and intended to be discarded after use.
type Effective struct {
	acct *account.Settings
	cur  *currency.Settings
}

// ForAccount builds the effective policy for an account within its currency.
func ForAccount(a *account.Account, c *currency.Currency) Effective {
	return Effective{acct: &a.Settings, cur: &c.Settings}
}

func resolveBool(own *bool, def *bool) bool {
	if own != nil {
		return *own
	}
	if def != nil {
		return *def
	}
	return false
}

func resolveInt(own *int64, def *int64) (int64, bool) {
	if own != nil {
		return *own, true
	}
	if def != nil {
		return *def, true
	}
	return 0, false
}

// AllowPayments reports whether the account may initiate payments.
func (e Effective) AllowPayments() bool {
	return resolveBool(e.acct.AllowPayments, e.cur.DefaultAllowPayments)
}

// AllowPaymentRequests reports whether the account may request payments from
// other accounts.
func (e Effective) AllowPaymentRequests() bool {
	return resolveBool(e.acct.AllowPaymentRequests, e.cur.DefaultAllowPaymentRequests)
}

// AllowTagPayments reports whether the account may define tags that other
// accounts use to pre-authorize payments.
func (e Effective) AllowTagPayments() bool {
	return resolveBool(e.acct.AllowTagPayments, e.cur.DefaultAllowTagPayments)
}

// AllowTagPaymentRequests reports whether the account may request payments
// pre-authorized with tags.
func (e Effective) AllowTagPaymentRequests() bool {
	return resolveBool(e.acct.AllowTagPaymentRequests, e.cur.DefaultAllowTagPaymentRequests)
}

// AcceptPaymentsAutomatically reports whether incoming payment requests
// against this account are charged without manual acceptance.
func (e Effective) AcceptPaymentsAutomatically() bool {
	return resolveBool(e.acct.AcceptPaymentsAutomatically, e.cur.DefaultAcceptPaymentsAutomatically)
}

// AcceptPaymentsAfter returns the number of seconds after which a pending
// payment request is accepted automatically. ok is false when no expiry is
// configured, meaning requests stay pending until acted on.
func (e Effective) AcceptPaymentsAfter() (seconds int64, ok bool) {
	seconds, ok = resolveInt(e.acct.AcceptPaymentsAfter, e.cur.DefaultAcceptPaymentsAfter)
	if ok && seconds <= 0 {
		return 0, false
	}
	return seconds, ok
}

// AcceptPaymentsWhitelist returns the payee ids whose requests against this
// account are accepted automatically.
func (e Effective) AcceptPaymentsWhitelist() []string {
	if e.acct.AcceptPaymentsWhitelist != nil {
		return e.acct.AcceptPaymentsWhitelist
	}
	return e.cur.DefaultAcceptPaymentsWhitelist
}

// Whitelisted reports whether the given payee is on the effective whitelist.
func (e Effective) Whitelisted(payeeID string) bool {
	for _, id := range e.AcceptPaymentsWhitelist() {
		if id == payeeID {
			return true
		}
	}
	return false
}

// OnPaymentCreditLimit returns the hard cap for the dynamic on-payment credit
// limit scheme. ok is false when the scheme is off.
func (e Effective) OnPaymentCreditLimit() (limit int64, ok bool) {
	return resolveInt(e.acct.OnPaymentCreditLimit, e.cur.DefaultOnPaymentCreditLimit)
}

// AllowExternalPayments reports whether the account may pay accounts in other
// currencies.
func (e Effective) AllowExternalPayments() bool {
	return resolveBool(e.acct.AllowExternalPayments, e.cur.DefaultAllowExternalPayments)
}

// AllowExternalPaymentRequests reports whether the account may request
// payments from accounts in other currencies.
func (e Effective) AllowExternalPaymentRequests() bool {
	return resolveBool(e.acct.AllowExternalPaymentRequests, e.cur.DefaultAllowExternalPaymentRequests)
}

// AcceptExternalPaymentsAutomatically reports whether incoming external
// payment requests are charged without manual acceptance. It is never true
// when AcceptPaymentsAutomatically is false.
func (e Effective) AcceptExternalPaymentsAutomatically() bool {
	if !e.AcceptPaymentsAutomatically() {
		return false
	}
	return resolveBool(e.acct.AcceptExternalPaymentsAutomatically, e.cur.DefaultAcceptExternalPaymentsAutomatically)
}

// HideBalance reports whether the account balance is hidden from other
// non-admin users.
func (e Effective) HideBalance() bool {
	return resolveBool(e.acct.HideBalance, e.cur.DefaultHideBalance)
}
