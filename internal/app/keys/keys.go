// Package keys abstracts the external key/secret provider. The engine
// persists only opaque key ids; signing material is fetched on demand and
// kept in memory as briefly as possible.
package keys

import (
	"context"
)

// Pair is signing material for one ledger account. Public doubles as the
// opaque key id persisted by the engine.
type Pair struct {
	Public string
	Secret string
}

// Provider supplies signing material by key id. Implementations live outside
// the engine (escrow service, HSM); an in-memory implementation backs tests
// and development.
type Provider interface {
	// SponsorKey returns the deployment-wide sponsor key funding ledger
	// operations.
	SponsorKey(ctx context.Context) (Pair, error)
	// RetrieveKey returns the key pair stored under the given id.
	RetrieveKey(ctx context.Context, keyID string) (Pair, error)
	// StoreKey escrows a key pair and returns its id.
	StoreKey(ctx context.Context, pair Pair) (string, error)
}

// CurrencyKeys resolves a currency's role keys through a Provider. Role ids
// are the opaque key ids stored on the currency record.
type CurrencyKeys struct {
	provider Provider

	IssuerID         string
	CreditID         string
	AdminID          string
	ExternalTraderID string
	ExternalIssuerID string
	PoolID           string
}

// ForCurrency builds a role resolver for the given key ids.
func ForCurrency(provider Provider, issuer, credit, admin, externalTrader, externalIssuer, pool string) CurrencyKeys {
	return CurrencyKeys{
		provider:         provider,
		IssuerID:         issuer,
		CreditID:         credit,
		AdminID:          admin,
		ExternalTraderID: externalTrader,
		ExternalIssuerID: externalIssuer,
		PoolID:           pool,
	}
}

func (k CurrencyKeys) SponsorKey(ctx context.Context) (Pair, error) {
	return k.provider.SponsorKey(ctx)
}

func (k CurrencyKeys) IssuerKey(ctx context.Context) (Pair, error) {
	return k.provider.RetrieveKey(ctx, k.IssuerID)
}

func (k CurrencyKeys) CreditKey(ctx context.Context) (Pair, error) {
	return k.provider.RetrieveKey(ctx, k.CreditID)
}

func (k CurrencyKeys) AdminKey(ctx context.Context) (Pair, error) {
	return k.provider.RetrieveKey(ctx, k.AdminID)
}

func (k CurrencyKeys) ExternalTraderKey(ctx context.Context) (Pair, error) {
	return k.provider.RetrieveKey(ctx, k.ExternalTraderID)
}

func (k CurrencyKeys) ExternalIssuerKey(ctx context.Context) (Pair, error) {
	return k.provider.RetrieveKey(ctx, k.ExternalIssuerID)
}

// PoolKey returns the disabled-accounts pool key. The pool is created lazily,
// so the id may be empty until the pool exists.
func (k CurrencyKeys) PoolKey(ctx context.Context) (Pair, error) {
	return k.provider.RetrieveKey(ctx, k.PoolID)
}

func (k CurrencyKeys) RetrieveKey(ctx context.Context, keyID string) (Pair, error) {
	return k.provider.RetrieveKey(ctx, keyID)
}

func (k CurrencyKeys) StoreKey(ctx context.Context, pair Pair) (string, error) {
	return k.provider.StoreKey(ctx, pair)
}
