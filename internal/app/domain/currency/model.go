// Package currency provides the currency domain model: a managed mutual-credit
// currency with its settings, key references and amount scaling rules.
package currency

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/opencommons/accounting/internal/app/errs"
)

// Status of a currency.
type Status string

const (
	StatusNew      Status = "new"
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// Rate expresses the value of the currency as a fraction n/d of the global
// reference unit.
type Rate struct {
	N int64 `json:"n"`
	D int64 `json:"d"`
}

// Keys holds the opaque key ids for the ledger accounts that manage this
// currency. Raw signing material never appears here.
type Keys struct {
	Issuer               string `json:"issuer"`
	Credit               string `json:"credit"`
	Admin                string `json:"admin"`
	ExternalTrader       string `json:"externalTrader"`
	ExternalIssuer       string `json:"externalIssuer"`
	DisabledAccountsPool string `json:"disabledAccountsPool,omitempty"`
}

// Settings holds the currency-wide defaults for account policy flags. Every
// field is optional; per-account settings override these at evaluation time.
type Settings struct {
	DefaultInitialCreditLimit    *int64 `json:"defaultInitialCreditLimit,omitempty"`
	DefaultInitialMaximumBalance *int64 `json:"defaultInitialMaximumBalance,omitempty"`

	DefaultAllowPayments        *bool `json:"defaultAllowPayments,omitempty"`
	DefaultAllowPaymentRequests *bool `json:"defaultAllowPaymentRequests,omitempty"`

	DefaultAllowSimplePayments          *bool `json:"defaultAllowSimplePayments,omitempty"`
	DefaultAllowSimplePaymentRequests   *bool `json:"defaultAllowSimplePaymentRequests,omitempty"`
	DefaultAllowQrPayments              *bool `json:"defaultAllowQrPayments,omitempty"`
	DefaultAllowQrPaymentRequests       *bool `json:"defaultAllowQrPaymentRequests,omitempty"`
	DefaultAllowMultiplePayments        *bool `json:"defaultAllowMultiplePayments,omitempty"`
	DefaultAllowMultiplePaymentRequests *bool `json:"defaultAllowMultiplePaymentRequests,omitempty"`

	DefaultAllowTagPayments        *bool `json:"defaultAllowTagPayments,omitempty"`
	DefaultAllowTagPaymentRequests *bool `json:"defaultAllowTagPaymentRequests,omitempty"`

	DefaultAcceptPaymentsAutomatically *bool    `json:"defaultAcceptPaymentsAutomatically,omitempty"`
	DefaultAcceptPaymentsAfter         *int64   `json:"defaultAcceptPaymentsAfter,omitempty"`
	DefaultAcceptPaymentsWhitelist     []string `json:"defaultAcceptPaymentsWhitelist,omitempty"`
	DefaultOnPaymentCreditLimit        *int64   `json:"defaultOnPaymentCreditLimit,omitempty"`

	DefaultAllowExternalPayments               *bool `json:"defaultAllowExternalPayments,omitempty"`
	DefaultAllowExternalPaymentRequests        *bool `json:"defaultAllowExternalPaymentRequests,omitempty"`
	DefaultAcceptExternalPaymentsAutomatically *bool `json:"defaultAcceptExternalPaymentsAutomatically,omitempty"`

	DefaultHideBalance *bool `json:"defaultHideBalance,omitempty"`

	ExternalTraderCreditLimit    *int64 `json:"externalTraderCreditLimit,omitempty"`
	ExternalTraderMaximumBalance *int64 `json:"externalTraderMaximumBalance,omitempty"`
}

// Merge returns the settings with every field set in patch replacing the
// corresponding base field. Unset (nil) patch fields keep the base value;
// slices replace wholesale.
func (s Settings) Merge(patch Settings) Settings {
	out := s
	if patch.DefaultInitialCreditLimit != nil {
		out.DefaultInitialCreditLimit = patch.DefaultInitialCreditLimit
	}
	if patch.DefaultInitialMaximumBalance != nil {
		out.DefaultInitialMaximumBalance = patch.DefaultInitialMaximumBalance
	}
	if patch.DefaultAllowPayments != nil {
		out.DefaultAllowPayments = patch.DefaultAllowPayments
	}
	if patch.DefaultAllowPaymentRequests != nil {
		out.DefaultAllowPaymentRequests = patch.DefaultAllowPaymentRequests
	}
	if patch.DefaultAllowSimplePayments != nil {
		out.DefaultAllowSimplePayments = patch.DefaultAllowSimplePayments
	}
	if patch.DefaultAllowSimplePaymentRequests != nil {
		out.DefaultAllowSimplePaymentRequests = patch.DefaultAllowSimplePaymentRequests
	}
	if patch.DefaultAllowQrPayments != nil {
		out.DefaultAllowQrPayments = patch.DefaultAllowQrPayments
	}
	if patch.DefaultAllowQrPaymentRequests != nil {
		out.DefaultAllowQrPaymentRequests = patch.DefaultAllowQrPaymentRequests
	}
	if patch.DefaultAllowMultiplePayments != nil {
		out.DefaultAllowMultiplePayments = patch.DefaultAllowMultiplePayments
	}
	if patch.DefaultAllowMultiplePaymentRequests != nil {
		out.DefaultAllowMultiplePaymentRequests = patch.DefaultAllowMultiplePaymentRequests
	}
	if patch.DefaultAllowTagPayments != nil {
		out.DefaultAllowTagPayments = patch.DefaultAllowTagPayments
	}
	if patch.DefaultAllowTagPaymentRequests != nil {
		out.DefaultAllowTagPaymentRequests = patch.DefaultAllowTagPaymentRequests
	}
	if patch.DefaultAcceptPaymentsAutomatically != nil {
		out.DefaultAcceptPaymentsAutomatically = patch.DefaultAcceptPaymentsAutomatically
	}
	if patch.DefaultAcceptPaymentsAfter != nil {
		out.DefaultAcceptPaymentsAfter = patch.DefaultAcceptPaymentsAfter
	}
	if patch.DefaultAcceptPaymentsWhitelist != nil {
		out.DefaultAcceptPaymentsWhitelist = patch.DefaultAcceptPaymentsWhitelist
	}
	if patch.DefaultOnPaymentCreditLimit != nil {
		out.DefaultOnPaymentCreditLimit = patch.DefaultOnPaymentCreditLimit
	}
	if patch.DefaultAllowExternalPayments != nil {
		out.DefaultAllowExternalPayments = patch.DefaultAllowExternalPayments
	}
	if patch.DefaultAllowExternalPaymentRequests != nil {
		out.DefaultAllowExternalPaymentRequests = patch.DefaultAllowExternalPaymentRequests
	}
	if patch.DefaultAcceptExternalPaymentsAutomatically != nil {
		out.DefaultAcceptExternalPaymentsAutomatically = patch.DefaultAcceptExternalPaymentsAutomatically
	}
	if patch.DefaultHideBalance != nil {
		out.DefaultHideBalance = patch.DefaultHideBalance
	}
	if patch.ExternalTraderCreditLimit != nil {
		out.ExternalTraderCreditLimit = patch.ExternalTraderCreditLimit
	}
	if patch.ExternalTraderMaximumBalance != nil {
		out.ExternalTraderMaximumBalance = patch.ExternalTraderMaximumBalance
	}
	return out
}

// Currency is a managed mutual-credit currency. Amounts everywhere in the
// engine are integers in scaled units; Scale defines the conversion to the
// ledger's decimal representation.
type Currency struct {
	ID     string
	Code   string
	Status Status

	Name       string
	NamePlural string
	Symbol     string
	Decimals   int
	Scale      int
	Rate       Rate

	Keys     Keys
	Settings Settings

	// ExternalAccountID references the virtual account used for
	// cross-currency trade.
	ExternalAccountID string

	// AdminID is the user administering this currency.
	AdminID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AmountToLedger converts a scaled integer amount to the ledger's decimal
// string representation.
func (c *Currency) AmountToLedger(amount int64) string {
	return decimal.New(amount, int32(-c.Scale)).String()
}

// AmountFromLedger converts a ledger decimal string to scaled integer units,
// truncating toward zero on the lossy direction.
func (c *Currency) AmountFromLedger(amount string) (int64, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, errs.BadRequest("invalid ledger amount %q", amount)
	}
	return d.Shift(int32(c.Scale)).IntPart(), nil
}

// Convert translates an amount in from-units to to-units through the
// currencies' rates, truncating toward zero.
func Convert(amount int64, from Rate, to Rate) int64 {
	d := decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(from.N)).
		Div(decimal.NewFromInt(from.D)).
		Mul(decimal.NewFromInt(to.D)).
		Div(decimal.NewFromInt(to.N))
	return d.IntPart()
}

// Trustline is a bilateral credit limit toward another currency's external
// issuer, enabling inter-currency trade. Limit and Balance are scaled integer
// amounts in the local currency.
type Trustline struct {
	ID         string
	CurrencyID string
	// TrustedKey is the public key of the trusted currency's external issuer.
	TrustedKey string
	Limit      int64
	Balance    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
