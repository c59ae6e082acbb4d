// Package ledger defines the interfaces to the external settlement ledger,
// the authoritative store of value. The engine never builds ledger
// transactions itself; it drives these primitives and mirrors the results
// locally.
//
// Amounts crossing this boundary are decimal strings in the ledger's
// representation. Everything inside the engine is integer scaled units; the
// currency model owns the conversion.
//
// Signing material is never held by ledger objects. Keys are passed into each
// call so they stay in memory as briefly as possible.
package ledger

import (
	"context"

	"github.com/opencommons/accounting/internal/app/keys"
)

// CurrencyConfig is the ledger-side configuration of a currency.
type CurrencyConfig struct {
	Code string
	// RateN / RateD express the currency's value against the global
	// reference unit.
	RateN int64
	RateD int64
	// ExternalTraderInitialCredit is the initial balance for the external
	// trader account, as a decimal string.
	ExternalTraderInitialCredit string
	// ExternalTraderMaximumBalance caps the external trader account. Empty
	// means unlimited.
	ExternalTraderMaximumBalance string
}

// CurrencyData holds the public keys of the ledger accounts managing a
// currency.
type CurrencyData struct {
	IssuerPublicKey               string
	CreditPublicKey               string
	AdminPublicKey                string
	ExternalIssuerPublicKey       string
	ExternalTraderPublicKey       string
	DisabledAccountsPoolPublicKey string
}

// CurrencyKeys is the full set of signing keys created alongside a currency.
type CurrencyKeys struct {
	Issuer         keys.Pair
	Credit         keys.Pair
	Admin          keys.Pair
	ExternalIssuer keys.Pair
	ExternalTrader keys.Pair
}

// Transfer reports a settled payment on the ledger.
type Transfer struct {
	Payer  string
	Payee  string
	Amount string
	// Hash is the ledger transaction id.
	Hash string
}

// CreateAccountOptions configures a new ledger account.
type CreateAccountOptions struct {
	// InitialCredit funds the account from the credit account.
	InitialCredit string
	// MaximumBalance caps the account's ledger balance, credit included.
	// Empty means unlimited.
	MaximumBalance string
	// Key reuses an existing key pair instead of generating one.
	Key *keys.Pair
}

// CreateAccountKeys holds the signers for account creation. Credit is only
// required when InitialCredit is positive.
type CreateAccountKeys struct {
	Sponsor keys.Pair
	Issuer  keys.Pair
	Credit  *keys.Pair
}

// EnableAccountOptions recreates a previously disabled account.
type EnableAccountOptions struct {
	// Balance is the ledger balance to restore, drawn from the
	// disabled-accounts pool.
	Balance string
	// Credit is the account's credit limit.
	Credit string
	// MaximumBalance caps the account, credit included. Empty is unlimited.
	MaximumBalance string
}

// EnableAccountKeys holds the signers for account re-creation.
type EnableAccountKeys struct {
	Sponsor keys.Pair
	Issuer  keys.Pair
	Pool    keys.Pair
	Account keys.Pair
}

// CurrencyManagementKeys holds the full signer set for currency-level
// enable/disable.
type CurrencyManagementKeys struct {
	Sponsor        keys.Pair
	Issuer         keys.Pair
	Credit         keys.Pair
	Admin          keys.Pair
	ExternalIssuer keys.Pair
	ExternalTrader keys.Pair
}

// TrustlineKeys holds the signers for trustline updates. ExternalIssuer is
// not required when decreasing an existing trustline.
type TrustlineKeys struct {
	Sponsor        keys.Pair
	ExternalTrader keys.Pair
	ExternalIssuer *keys.Pair
}

// PayKeys signs a payment. Account is either the payer's own key or the
// currency admin key for administered payments.
type PayKeys struct {
	Sponsor keys.Pair
	Account keys.Pair
}

// Ledger is the entry point to the settlement system.
type Ledger interface {
	// CreateCurrency provisions a new currency on the ledger and returns
	// the generated management keys.
	CreateCurrency(ctx context.Context, config CurrencyConfig, sponsor keys.Pair) (CurrencyKeys, error)
	// Currency returns a handle to an existing currency.
	Currency(config CurrencyConfig, data CurrencyData) Currency
}

// Currency is the ledger-side handle of one managed currency.
type Currency interface {
	// SetConfig updates the cached ledger-side configuration.
	SetConfig(config CurrencyConfig)
	// SetData updates the cached ledger-side account keys.
	SetData(data CurrencyData)

	// CreateAccount creates and funds a new account, returning its key.
	CreateAccount(ctx context.Context, options CreateAccountOptions, signers CreateAccountKeys) (keys.Pair, error)
	// GetAccount returns a loaded account handle. It fails if the account
	// does not exist.
	GetAccount(ctx context.Context, publicKey string) (Account, error)
	// FindAccount is GetAccount returning nil instead of an error when the
	// account does not exist.
	FindAccount(ctx context.Context, publicKey string) (Account, error)
	// EnableAccount recreates a disabled account with the given balance
	// drawn from the disabled-accounts pool.
	EnableAccount(ctx context.Context, options EnableAccountOptions, signers EnableAccountKeys) error

	// TrustCurrency creates or updates the trustline to another currency's
	// external issuer. A zero limit removes the line.
	TrustCurrency(ctx context.Context, trustedPublicKey string, limit string, signers TrustlineKeys) error

	// Enable recreates the currency infrastructure on the ledger.
	Enable(ctx context.Context, signers CurrencyManagementKeys) error
	// Disable removes the currency from the ledger. All user accounts must
	// have been disabled first.
	Disable(ctx context.Context, signers CurrencyManagementKeys) error
}

// Account is a loaded ledger account handle.
type Account interface {
	// Balance returns the account's ledger balance as a decimal string.
	Balance() string
	// Pay moves amount from this account to the destination.
	Pay(ctx context.Context, payeePublicKey string, amount string, signers PayKeys) (Transfer, error)
	// UpdateCredit adjusts the credited balance by delta, a possibly
	// negative decimal string. Positive deltas are funded by the credit
	// account and require its key; negative deltas pay back to it and
	// require the account's own key.
	UpdateCredit(ctx context.Context, delta string, signers UpdateCreditKeys) error
	// UpdateMaximumBalance changes the cap, credit included. Empty amount
	// removes the cap.
	UpdateMaximumBalance(ctx context.Context, amount string, signers PayKeys) error
	// Disable removes the account from the ledger, moving its balance into
	// the disabled-accounts pool.
	Disable(ctx context.Context, signers DisableAccountKeys) error
	// Delete permanently removes the account, returning its balance to the
	// credit account.
	Delete(ctx context.Context, signers DeleteAccountKeys) error
}

// UpdateCreditKeys signs a credit change. Credit and Issuer are required when
// increasing, Account when decreasing.
type UpdateCreditKeys struct {
	Sponsor keys.Pair
	Credit  *keys.Pair
	Issuer  *keys.Pair
	Account *keys.Pair
}

// DisableAccountKeys signs an account disable.
type DisableAccountKeys struct {
	Sponsor keys.Pair
	Admin   keys.Pair
	Pool    keys.Pair
}

// DeleteAccountKeys signs an account delete.
type DeleteAccountKeys struct {
	Sponsor keys.Pair
	Admin   keys.Pair
}
