package storage

import (
	"context"
	"errors"
	"time"

	"github.com/opencommons/accounting/internal/app/domain/account"
	"github.com/opencommons/accounting/internal/app/domain/currency"
	"github.com/opencommons/accounting/internal/app/domain/transfer"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrDuplicateCode is returned when a unique code constraint is violated.
// Account code allocation relies on it to retry on concurrent inserts.
var ErrDuplicateCode = errors.New("duplicate code")

// AccountFilter narrows account listings. Zero values mean no filter.
type AccountFilter struct {
	Statuses []account.Status
	Code     string
	UserID   string
}

// TransferFilter narrows transfer listings. Zero values mean no filter.
type TransferFilter struct {
	AccountID string
	States    []transfer.State
	UserID    string
}

// CurrencyStore persists currencies and their trustlines.
type CurrencyStore interface {
	CreateCurrency(ctx context.Context, cur currency.Currency) (currency.Currency, error)
	UpdateCurrency(ctx context.Context, cur currency.Currency) (currency.Currency, error)
	GetCurrency(ctx context.Context, id string) (currency.Currency, error)
	GetCurrencyByCode(ctx context.Context, code string) (currency.Currency, error)
	ListCurrencies(ctx context.Context) ([]currency.Currency, error)

	CreateTrustline(ctx context.Context, line currency.Trustline) (currency.Trustline, error)
	UpdateTrustline(ctx context.Context, line currency.Trustline) (currency.Trustline, error)
	GetTrustline(ctx context.Context, id string) (currency.Trustline, error)
	GetTrustlineByKey(ctx context.Context, currencyID, trustedKey string) (currency.Trustline, error)
	ListTrustlines(ctx context.Context, currencyID string) ([]currency.Trustline, error)
}

// AccountStore persists accounts and their pre-authorization tags.
type AccountStore interface {
	// CreateAccount inserts the account. It returns ErrDuplicateCode when
	// the code is already taken within the currency.
	CreateAccount(ctx context.Context, acct account.Account) (account.Account, error)
	UpdateAccount(ctx context.Context, acct account.Account) (account.Account, error)
	GetAccount(ctx context.Context, id string) (account.Account, error)
	GetAccountByCode(ctx context.Context, currencyID, code string) (account.Account, error)
	GetAccountByKey(ctx context.Context, key string) (account.Account, error)
	ListAccounts(ctx context.Context, currencyID string, filter AccountFilter) ([]account.Account, error)
	// MaxCodeSuffix returns the highest numeric suffix among account codes
	// with the given prefix, or 0 when there is none.
	MaxCodeSuffix(ctx context.Context, currencyID, prefix string) (int, error)

	// ReplaceAccountTags atomically replaces the account's tag set.
	ReplaceAccountTags(ctx context.Context, accountID string, tags []account.Tag) ([]account.Tag, error)
	ListAccountTags(ctx context.Context, accountID string) ([]account.Tag, error)
	// GetAccountByTagHash resolves a tag hash to its account within a
	// currency. Returns ErrNotFound when no tag matches.
	GetAccountByTagHash(ctx context.Context, currencyID, hash string) (account.Account, error)
}

// TransferStore persists transfers.
type TransferStore interface {
	CreateTransfer(ctx context.Context, tr transfer.Transfer) (transfer.Transfer, error)
	UpdateTransfer(ctx context.Context, tr transfer.Transfer) (transfer.Transfer, error)
	GetTransfer(ctx context.Context, id string) (transfer.Transfer, error)
	ListTransfers(ctx context.Context, currencyID string, filter TransferFilter) ([]transfer.Transfer, error)
	// ListPendingBefore returns pending transfers last updated before the
	// cutoff, oldest first, at most limit records.
	ListPendingBefore(ctx context.Context, currencyID string, cutoff time.Time, limit int) ([]transfer.Transfer, error)
}

// Tx runs a function within a storage transaction. The context passed to fn
// carries the transaction; store calls made with it join it. A returned
// error rolls everything back.
type Tx interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store aggregates the persistence interfaces.
type Store interface {
	CurrencyStore
	AccountStore
	TransferStore
	Tx
}
