// Package account provides the account domain model: a credit-limited balance
// in a managed currency, its lifecycle status, policy settings and
// pre-authorization tags.
package account

import (
	"time"
)

// Status of an account.
type Status string

const (
	StatusActive    Status = "active"
	StatusDisabled  Status = "disabled"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// Settings holds per-account policy overrides. Every field is optional; an
// absent field falls back to the owning currency's default at evaluation time
// (see the policy package). The merge is never denormalized into storage.
type Settings struct {
	AllowPayments        *bool `json:"allowPayments,omitempty"`
	AllowPaymentRequests *bool `json:"allowPaymentRequests,omitempty"`

	AllowSimplePayments          *bool `json:"allowSimplePayments,omitempty"`
	AllowSimplePaymentRequests   *bool `json:"allowSimplePaymentRequests,omitempty"`
	AllowQrPayments              *bool `json:"allowQrPayments,omitempty"`
	AllowQrPaymentRequests       *bool `json:"allowQrPaymentRequests,omitempty"`
	AllowMultiplePayments        *bool `json:"allowMultiplePayments,omitempty"`
	AllowMultiplePaymentRequests *bool `json:"allowMultiplePaymentRequests,omitempty"`

	AllowTagPayments        *bool `json:"allowTagPayments,omitempty"`
	AllowTagPaymentRequests *bool `json:"allowTagPaymentRequests,omitempty"`

	AcceptPaymentsAutomatically *bool    `json:"acceptPaymentsAutomatically,omitempty"`
	AcceptPaymentsAfter         *int64   `json:"acceptPaymentsAfter,omitempty"`
	AcceptPaymentsWhitelist     []string `json:"acceptPaymentsWhitelist,omitempty"`
	OnPaymentCreditLimit        *int64   `json:"onPaymentCreditLimit,omitempty"`

	AllowExternalPayments               *bool `json:"allowExternalPayments,omitempty"`
	AllowExternalPaymentRequests        *bool `json:"allowExternalPaymentRequests,omitempty"`
	AcceptExternalPaymentsAutomatically *bool `json:"acceptExternalPaymentsAutomatically,omitempty"`

	HideBalance *bool `json:"hideBalance,omitempty"`
}

// Merge returns the settings with every field set in patch replacing the
// corresponding base field. Unset (nil) patch fields keep the base value;
// slices replace wholesale.
func (s Settings) Merge(patch Settings) Settings {
	out := s
	if patch.AllowPayments != nil {
		out.AllowPayments = patch.AllowPayments
	}
	if patch.AllowPaymentRequests != nil {
		out.AllowPaymentRequests = patch.AllowPaymentRequests
	}
	if patch.AllowSimplePayments != nil {
		out.AllowSimplePayments = patch.AllowSimplePayments
	}
	if patch.AllowSimplePaymentRequests != nil {
		out.AllowSimplePaymentRequests = patch.AllowSimplePaymentRequests
	}
	if patch.AllowQrPayments != nil {
		out.AllowQrPayments = patch.AllowQrPayments
	}
	if patch.AllowQrPaymentRequests != nil {
		out.AllowQrPaymentRequests = patch.AllowQrPaymentRequests
	}
	if patch.AllowMultiplePayments != nil {
		out.AllowMultiplePayments = patch.AllowMultiplePayments
	}
	if patch.AllowMultiplePaymentRequests != nil {
		out.AllowMultiplePaymentRequests = patch.AllowMultiplePaymentRequests
	}
	if patch.AllowTagPayments != nil {
		out.AllowTagPayments = patch.AllowTagPayments
	}
	if patch.AllowTagPaymentRequests != nil {
		out.AllowTagPaymentRequests = patch.AllowTagPaymentRequests
	}
	if patch.AcceptPaymentsAutomatically != nil {
		out.AcceptPaymentsAutomatically = patch.AcceptPaymentsAutomatically
	}
	if patch.AcceptPaymentsAfter != nil {
		out.AcceptPaymentsAfter = patch.AcceptPaymentsAfter
	}
	if patch.AcceptPaymentsWhitelist != nil {
		out.AcceptPaymentsWhitelist = patch.AcceptPaymentsWhitelist
	}
	if patch.OnPaymentCreditLimit != nil {
		out.OnPaymentCreditLimit = patch.OnPaymentCreditLimit
	}
	if patch.AllowExternalPayments != nil {
		out.AllowExternalPayments = patch.AllowExternalPayments
	}
	if patch.AllowExternalPaymentRequests != nil {
		out.AllowExternalPaymentRequests = patch.AllowExternalPaymentRequests
	}
	if patch.AcceptExternalPaymentsAutomatically != nil {
		out.AcceptExternalPaymentsAutomatically = patch.AcceptExternalPaymentsAutomatically
	}
	if patch.HideBalance != nil {
		out.HideBalance = patch.HideBalance
	}
	return out
}

// Tag is a privacy-preserving pre-authorization token for an account. Only a
// deterministic keyed hash of the opaque value is stored, never the value
// itself. The hash is unsalted so equal inputs always hash equal, which is
// what makes exact-match lookup possible.
type Tag struct {
	ID        string
	AccountID string
	Name      string
	// Value is only present on input; it is hashed and discarded.
	Value string
	Hash  string

	UpdatedAt time.Time
}

// Account mirrors a ledger account locally. Balance is a read-through cache
// derived from the ledger (ledger balance minus credit limit); it is
// recomputed after every settlement touching the account and is never a
// source of truth.
type Account struct {
	ID         string
	CurrencyID string

	// Code is the public identifier, always prefixed by the currency code.
	Code   string
	Status Status

	CreditLimit int64
	// MaximumBalance is nil for unlimited.
	MaximumBalance *int64
	Balance        int64

	// Key is the opaque id of the account's signing key. For ledger reads it
	// doubles as the account's public key.
	Key string

	// Users owning this account. Virtual accounts may have none.
	Users []string

	Settings Settings

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasUser reports whether the given user owns this account.
func (a *Account) HasUser(userID string) bool {
	for _, id := range a.Users {
		if id == userID {
			return true
		}
	}
	return false
}

// statusTransitions holds the allowed status transitions and whether each
// one requires the currency admin (true) or may also be performed by an
// account owner (false). Deletion is not a status transition: it runs the
// balance and ledger checks in DeleteAccount.
var statusTransitions = map[Status]map[Status]bool{
	StatusActive: {
		StatusDisabled:  false,
		StatusSuspended: true,
	},
	StatusDisabled: {
		StatusActive:    true,
		StatusSuspended: true,
	},
	StatusSuspended: {
		StatusActive:   true,
		StatusDisabled: true,
	},
}

// CanTransition reports whether the status change is allowed at all and, if
// so, whether it requires the currency admin.
func CanTransition(from, to Status) (allowed, adminOnly bool) {
	targets, ok := statusTransitions[from]
	if !ok {
		return false, false
	}
	adminOnly, ok = targets[to]
	return ok, adminOnly
}
