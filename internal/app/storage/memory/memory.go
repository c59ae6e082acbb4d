// Package memory implements the storage interfaces in process memory. It is
// safe for concurrent use and is primarily intended for tests and local
// development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opencommons/accounting/internal/app/domain/account"
	"github.com/opencommons/accounting/internal/app/domain/currency"
	"github.com/opencommons/accounting/internal/app/domain/transfer"
	"github.com/opencommons/accounting/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces.
type Store struct {
	mu         sync.Mutex
	currencies map[string]currency.Currency
	trustlines map[string]currency.Trustline
	accounts   map[string]account.Account
	tags       map[string][]account.Tag // by account id
	transfers  map[string]transfer.Transfer
}

var _ storage.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		currencies: make(map[string]currency.Currency),
		trustlines: make(map[string]currency.Trustline),
		accounts:   make(map[string]account.Account),
		tags:       make(map[string][]account.Tag),
		transfers:  make(map[string]transfer.Transfer),
	}
}

// InTransaction runs fn directly. The memory store does not roll back on
// error; tests that need rollback semantics use the postgres store.
func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// --- CurrencyStore ----------------------------------------------------------

func (s *Store) CreateCurrency(_ context.Context, cur currency.Currency) (currency.Currency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur.ID == "" {
		cur.ID = uuid.NewString()
	}
	for _, existing := range s.currencies {
		if existing.Code == cur.Code {
			return currency.Currency{}, storage.ErrDuplicateCode
		}
	}
	now := time.Now().UTC()
	cur.CreatedAt = now
	cur.UpdatedAt = now
	s.currencies[cur.ID] = cur
	return cur, nil
}

func (s *Store) UpdateCurrency(_ context.Context, cur currency.Currency) (currency.Currency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.currencies[cur.ID]
	if !ok {
		return currency.Currency{}, storage.ErrNotFound
	}
	cur.CreatedAt = existing.CreatedAt
	cur.UpdatedAt = time.Now().UTC()
	s.currencies[cur.ID] = cur
	return cur, nil
}

func (s *Store) GetCurrency(_ context.Context, id string) (currency.Currency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.currencies[id]
	if !ok {
		return currency.Currency{}, storage.ErrNotFound
	}
	return cur, nil
}

func (s *Store) GetCurrencyByCode(_ context.Context, code string) (currency.Currency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cur := range s.currencies {
		if cur.Code == code {
			return cur, nil
		}
	}
	return currency.Currency{}, storage.ErrNotFound
}

func (s *Store) ListCurrencies(_ context.Context) ([]currency.Currency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]currency.Currency, 0, len(s.currencies))
	for _, cur := range s.currencies {
		out = append(out, cur)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *Store) CreateTrustline(_ context.Context, line currency.Trustline) (currency.Trustline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if line.ID == "" {
		line.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	line.CreatedAt = now
	line.UpdatedAt = now
	s.trustlines[line.ID] = line
	return line, nil
}

func (s *Store) UpdateTrustline(_ context.Context, line currency.Trustline) (currency.Trustline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.trustlines[line.ID]
	if !ok {
		return currency.Trustline{}, storage.ErrNotFound
	}
	line.CreatedAt = existing.CreatedAt
	line.UpdatedAt = time.Now().UTC()
	s.trustlines[line.ID] = line
	return line, nil
}

func (s *Store) GetTrustline(_ context.Context, id string) (currency.Trustline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, ok := s.trustlines[id]
	if !ok {
		return currency.Trustline{}, storage.ErrNotFound
	}
	return line, nil
}

func (s *Store) GetTrustlineByKey(_ context.Context, currencyID, trustedKey string) (currency.Trustline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, line := range s.trustlines {
		if line.CurrencyID == currencyID && line.TrustedKey == trustedKey {
			return line, nil
		}
	}
	return currency.Trustline{}, storage.ErrNotFound
}

func (s *Store) ListTrustlines(_ context.Context, currencyID string) ([]currency.Trustline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []currency.Trustline
	for _, line := range s.trustlines {
		if line.CurrencyID == currencyID {
			out = append(out, line)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- AccountStore -----------------------------------------------------------

func (s *Store) CreateAccount(_ context.Context, acct account.Account) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	for _, existing := range s.accounts {
		if existing.CurrencyID == acct.CurrencyID && existing.Code == acct.Code {
			return account.Account{}, storage.ErrDuplicateCode
		}
	}
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	s.accounts[acct.ID] = acct
	return acct, nil
}

func (s *Store) UpdateAccount(_ context.Context, acct account.Account) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.accounts[acct.ID]
	if !ok {
		return account.Account{}, storage.ErrNotFound
	}
	acct.CreatedAt = existing.CreatedAt
	acct.UpdatedAt = time.Now().UTC()
	s.accounts[acct.ID] = acct
	return acct, nil
}

func (s *Store) GetAccount(_ context.Context, id string) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		return account.Account{}, storage.ErrNotFound
	}
	return acct, nil
}

func (s *Store) GetAccountByCode(_ context.Context, currencyID, code string) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, acct := range s.accounts {
		if acct.CurrencyID == currencyID && acct.Code == code {
			return acct, nil
		}
	}
	return account.Account{}, storage.ErrNotFound
}

func (s *Store) GetAccountByKey(_ context.Context, key string) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, acct := range s.accounts {
		if acct.Key == key {
			return acct, nil
		}
	}
	return account.Account{}, storage.ErrNotFound
}

func (s *Store) ListAccounts(_ context.Context, currencyID string, filter storage.AccountFilter) ([]account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []account.Account
	for _, acct := range s.accounts {
		if acct.CurrencyID != currencyID {
			continue
		}
		if filter.Code != "" && acct.Code != filter.Code {
			continue
		}
		if filter.UserID != "" && !acct.HasUser(filter.UserID) {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, acct.Status) {
			continue
		}
		out = append(out, acct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *Store) MaxCodeSuffix(_ context.Context, currencyID, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	max := 0
	for _, acct := range s.accounts {
		if acct.CurrencyID != currencyID || !strings.HasPrefix(acct.Code, prefix) {
			continue
		}
		if n := numericSuffix(acct.Code[len(prefix):]); n > max {
			max = n
		}
	}
	return max, nil
}

func numericSuffix(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func (s *Store) ReplaceAccountTags(_ context.Context, accountID string, tags []account.Tag) ([]account.Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[accountID]; !ok {
		return nil, storage.ErrNotFound
	}
	now := time.Now().UTC()
	stored := make([]account.Tag, 0, len(tags))
	for _, tag := range tags {
		if tag.ID == "" {
			tag.ID = uuid.NewString()
		}
		tag.AccountID = accountID
		tag.Value = ""
		tag.UpdatedAt = now
		stored = append(stored, tag)
	}
	s.tags[accountID] = stored
	return stored, nil
}

func (s *Store) ListAccountTags(_ context.Context, accountID string) ([]account.Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]account.Tag, len(s.tags[accountID]))
	copy(out, s.tags[accountID])
	return out, nil
}

func (s *Store) GetAccountByTagHash(_ context.Context, currencyID, hash string) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for accountID, tags := range s.tags {
		acct, ok := s.accounts[accountID]
		if !ok || acct.CurrencyID != currencyID || acct.Status != account.StatusActive {
			continue
		}
		for _, tag := range tags {
			if tag.Hash == hash {
				return acct, nil
			}
		}
	}
	return account.Account{}, storage.ErrNotFound
}

// --- TransferStore ----------------------------------------------------------

func (s *Store) CreateTransfer(_ context.Context, tr transfer.Transfer) (transfer.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tr.ID == "" {
		tr.ID = uuid.NewString()
	} else if _, ok := s.transfers[tr.ID]; ok {
		return transfer.Transfer{}, storage.ErrDuplicateCode
	}
	now := time.Now().UTC()
	tr.CreatedAt = now
	tr.UpdatedAt = now
	s.transfers[tr.ID] = tr
	return tr, nil
}

func (s *Store) UpdateTransfer(_ context.Context, tr transfer.Transfer) (transfer.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.transfers[tr.ID]
	if !ok {
		return transfer.Transfer{}, storage.ErrNotFound
	}
	tr.CreatedAt = existing.CreatedAt
	tr.UpdatedAt = time.Now().UTC()
	s.transfers[tr.ID] = tr
	return tr, nil
}

func (s *Store) GetTransfer(_ context.Context, id string) (transfer.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.transfers[id]
	if !ok {
		return transfer.Transfer{}, storage.ErrNotFound
	}
	return tr, nil
}

func (s *Store) ListTransfers(_ context.Context, currencyID string, filter storage.TransferFilter) ([]transfer.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []transfer.Transfer
	for _, tr := range s.transfers {
		if tr.CurrencyID != currencyID {
			continue
		}
		if filter.AccountID != "" && tr.PayerID != filter.AccountID && tr.PayeeID != filter.AccountID {
			continue
		}
		if filter.UserID != "" && tr.UserID != filter.UserID {
			continue
		}
		if len(filter.States) > 0 && !containsState(filter.States, tr.State) {
			continue
		}
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListPendingBefore(_ context.Context, currencyID string, cutoff time.Time, limit int) ([]transfer.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []transfer.Transfer
	for _, tr := range s.transfers {
		if tr.CurrencyID != currencyID || tr.State != transfer.StatePending {
			continue
		}
		if !tr.UpdatedAt.Before(cutoff) {
			continue
		}
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func containsStatus(list []account.Status, s account.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsState(list []transfer.State, s transfer.State) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
