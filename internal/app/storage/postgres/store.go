// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/opencommons/accounting/internal/app/domain/account"
	"github.com/opencommons/accounting/internal/app/domain/currency"
	"github.com/opencommons/accounting/internal/app/domain/transfer"
	"github.com/opencommons/accounting/internal/app/storage"
)

// Store implements the storage interfaces on a PostgreSQL database.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to the database and verifies the connection.
func Open(dsn string) (*sqlx.DB, error) {
	return sqlx.Connect("postgres", dsn)
}

type txKey struct{}

// InTransaction runs fn inside a database transaction. Store calls made with
// the context passed to fn join the transaction. Nested calls reuse the
// outer transaction.
func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// ext returns the transaction bound to ctx, or the database handle.
func (s *Store) ext(ctx context.Context) sqlx.ExtContext {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return s.db
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func translate(err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return storage.ErrNotFound
	case isUniqueViolation(err):
		return storage.ErrDuplicateCode
	}
	return err
}

// --- CurrencyStore ----------------------------------------------------------

type currencyRow struct {
	ID                string    `db:"id"`
	Code              string    `db:"code"`
	Status            string    `db:"status"`
	Name              string    `db:"name"`
	NamePlural        string    `db:"name_plural"`
	Symbol            string    `db:"symbol"`
	Decimals          int       `db:"decimals"`
	Scale             int       `db:"scale"`
	RateN             int64     `db:"rate_n"`
	RateD             int64     `db:"rate_d"`
	Keys              []byte    `db:"keys"`
	Settings          []byte    `db:"settings"`
	ExternalAccountID string    `db:"external_account_id"`
	AdminID           string    `db:"admin_id"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (r currencyRow) model() (currency.Currency, error) {
	cur := currency.Currency{
		ID:                r.ID,
		Code:              r.Code,
		Status:            currency.Status(r.Status),
		Name:              r.Name,
		NamePlural:        r.NamePlural,
		Symbol:            r.Symbol,
		Decimals:          r.Decimals,
		Scale:             r.Scale,
		Rate:              currency.Rate{N: r.RateN, D: r.RateD},
		ExternalAccountID: r.ExternalAccountID,
		AdminID:           r.AdminID,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if err := json.Unmarshal(r.Keys, &cur.Keys); err != nil {
		return currency.Currency{}, err
	}
	if err := json.Unmarshal(r.Settings, &cur.Settings); err != nil {
		return currency.Currency{}, err
	}
	return cur, nil
}

func (s *Store) CreateCurrency(ctx context.Context, cur currency.Currency) (currency.Currency, error) {
	if cur.ID == "" {
		cur.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	cur.CreatedAt = now
	cur.UpdatedAt = now

	keysJSON, err := json.Marshal(cur.Keys)
	if err != nil {
		return currency.Currency{}, err
	}
	settingsJSON, err := json.Marshal(cur.Settings)
	if err != nil {
		return currency.Currency{}, err
	}
	_, err = s.ext(ctx).ExecContext(ctx, `
		INSERT INTO currencies (id, code, status, name, name_plural, symbol, decimals, scale,
			rate_n, rate_d, keys, settings, external_account_id, admin_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, cur.ID, cur.Code, cur.Status, cur.Name, cur.NamePlural, cur.Symbol, cur.Decimals, cur.Scale,
		cur.Rate.N, cur.Rate.D, keysJSON, settingsJSON, cur.ExternalAccountID, cur.AdminID,
		cur.CreatedAt, cur.UpdatedAt)
	if err != nil {
		return currency.Currency{}, translate(err)
	}
	return cur, nil
}

func (s *Store) UpdateCurrency(ctx context.Context, cur currency.Currency) (currency.Currency, error) {
	cur.UpdatedAt = time.Now().UTC()

	keysJSON, err := json.Marshal(cur.Keys)
	if err != nil {
		return currency.Currency{}, err
	}
	settingsJSON, err := json.Marshal(cur.Settings)
	if err != nil {
		return currency.Currency{}, err
	}
	res, err := s.ext(ctx).ExecContext(ctx, `
		UPDATE currencies SET code = $2, status = $3, name = $4, name_plural = $5, symbol = $6,
			decimals = $7, scale = $8, rate_n = $9, rate_d = $10, keys = $11, settings = $12,
			external_account_id = $13, admin_id = $14, updated_at = $15
		WHERE id = $1
	`, cur.ID, cur.Code, cur.Status, cur.Name, cur.NamePlural, cur.Symbol,
		cur.Decimals, cur.Scale, cur.Rate.N, cur.Rate.D, keysJSON, settingsJSON,
		cur.ExternalAccountID, cur.AdminID, cur.UpdatedAt)
	if err != nil {
		return currency.Currency{}, translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return currency.Currency{}, storage.ErrNotFound
	}
	return s.GetCurrency(ctx, cur.ID)
}

const currencyColumns = `id, code, status, name, name_plural, symbol, decimals, scale,
	rate_n, rate_d, keys, settings, external_account_id, admin_id, created_at, updated_at`

func (s *Store) getCurrency(ctx context.Context, where string, arg any) (currency.Currency, error) {
	var row currencyRow
	err := sqlx.GetContext(ctx, s.ext(ctx), &row,
		`SELECT `+currencyColumns+` FROM currencies WHERE `+where, arg)
	if err != nil {
		return currency.Currency{}, translate(err)
	}
	return row.model()
}

func (s *Store) GetCurrency(ctx context.Context, id string) (currency.Currency, error) {
	return s.getCurrency(ctx, "id = $1", id)
}

func (s *Store) GetCurrencyByCode(ctx context.Context, code string) (currency.Currency, error) {
	return s.getCurrency(ctx, "code = $1", code)
}

func (s *Store) ListCurrencies(ctx context.Context) ([]currency.Currency, error) {
	var rows []currencyRow
	err := sqlx.SelectContext(ctx, s.ext(ctx), &rows,
		`SELECT `+currencyColumns+` FROM currencies ORDER BY code`)
	if err != nil {
		return nil, translate(err)
	}
	out := make([]currency.Currency, 0, len(rows))
	for _, row := range rows {
		cur, err := row.model()
		if err != nil {
			return nil, err
		}
		out = append(out, cur)
	}
	return out, nil
}

type trustlineRow struct {
	ID         string    `db:"id"`
	CurrencyID string    `db:"currency_id"`
	TrustedKey string    `db:"trusted_key"`
	Limit      int64     `db:"limit_units"`
	Balance    int64     `db:"balance"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r trustlineRow) model() currency.Trustline {
	return currency.Trustline{
		ID:         r.ID,
		CurrencyID: r.CurrencyID,
		TrustedKey: r.TrustedKey,
		Limit:      r.Limit,
		Balance:    r.Balance,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func (s *Store) CreateTrustline(ctx context.Context, line currency.Trustline) (currency.Trustline, error) {
	if line.ID == "" {
		line.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	line.CreatedAt = now
	line.UpdatedAt = now

	_, err := s.ext(ctx).ExecContext(ctx, `
		INSERT INTO trustlines (id, currency_id, trusted_key, limit_units, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, line.ID, line.CurrencyID, line.TrustedKey, line.Limit, line.Balance, line.CreatedAt, line.UpdatedAt)
	if err != nil {
		return currency.Trustline{}, translate(err)
	}
	return line, nil
}

func (s *Store) UpdateTrustline(ctx context.Context, line currency.Trustline) (currency.Trustline, error) {
	line.UpdatedAt = time.Now().UTC()
	res, err := s.ext(ctx).ExecContext(ctx, `
		UPDATE trustlines SET trusted_key = $2, limit_units = $3, balance = $4, updated_at = $5
		WHERE id = $1
	`, line.ID, line.TrustedKey, line.Limit, line.Balance, line.UpdatedAt)
	if err != nil {
		return currency.Trustline{}, translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return currency.Trustline{}, storage.ErrNotFound
	}
	return s.GetTrustline(ctx, line.ID)
}

func (s *Store) GetTrustline(ctx context.Context, id string) (currency.Trustline, error) {
	var row trustlineRow
	err := sqlx.GetContext(ctx, s.ext(ctx), &row,
		`SELECT * FROM trustlines WHERE id = $1`, id)
	if err != nil {
		return currency.Trustline{}, translate(err)
	}
	return row.model(), nil
}

func (s *Store) GetTrustlineByKey(ctx context.Context, currencyID, trustedKey string) (currency.Trustline, error) {
	var row trustlineRow
	err := sqlx.GetContext(ctx, s.ext(ctx), &row,
		`SELECT * FROM trustlines WHERE currency_id = $1 AND trusted_key = $2`, currencyID, trustedKey)
	if err != nil {
		return currency.Trustline{}, translate(err)
	}
	return row.model(), nil
}

func (s *Store) ListTrustlines(ctx context.Context, currencyID string) ([]currency.Trustline, error) {
	var rows []trustlineRow
	err := sqlx.SelectContext(ctx, s.ext(ctx), &rows,
		`SELECT * FROM trustlines WHERE currency_id = $1 ORDER BY created_at`, currencyID)
	if err != nil {
		return nil, translate(err)
	}
	out := make([]currency.Trustline, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.model())
	}
	return out, nil
}

// --- AccountStore -----------------------------------------------------------

type accountRow struct {
	ID             string         `db:"id"`
	CurrencyID     string         `db:"currency_id"`
	Code           string         `db:"code"`
	Status         string         `db:"status"`
	CreditLimit    int64          `db:"credit_limit"`
	MaximumBalance sql.NullInt64  `db:"maximum_balance"`
	Balance        int64          `db:"balance"`
	Key            string         `db:"key"`
	Users          pq.StringArray `db:"users"`
	Settings       []byte         `db:"settings"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r accountRow) model() (account.Account, error) {
	acct := account.Account{
		ID:          r.ID,
		CurrencyID:  r.CurrencyID,
		Code:        r.Code,
		Status:      account.Status(r.Status),
		CreditLimit: r.CreditLimit,
		Balance:     r.Balance,
		Key:         r.Key,
		Users:       []string(r.Users),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.MaximumBalance.Valid {
		v := r.MaximumBalance.Int64
		acct.MaximumBalance = &v
	}
	if err := json.Unmarshal(r.Settings, &acct.Settings); err != nil {
		return account.Account{}, err
	}
	return acct, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func (s *Store) CreateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now

	settingsJSON, err := json.Marshal(acct.Settings)
	if err != nil {
		return account.Account{}, err
	}
	_, err = s.ext(ctx).ExecContext(ctx, `
		INSERT INTO accounts (id, currency_id, code, status, credit_limit, maximum_balance,
			balance, key, users, settings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, acct.ID, acct.CurrencyID, acct.Code, acct.Status, acct.CreditLimit, nullInt64(acct.MaximumBalance),
		acct.Balance, acct.Key, pq.Array(acct.Users), settingsJSON, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		return account.Account{}, translate(err)
	}
	return acct, nil
}

func (s *Store) UpdateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	acct.UpdatedAt = time.Now().UTC()

	settingsJSON, err := json.Marshal(acct.Settings)
	if err != nil {
		return account.Account{}, err
	}
	res, err := s.ext(ctx).ExecContext(ctx, `
		UPDATE accounts SET code = $2, status = $3, credit_limit = $4, maximum_balance = $5,
			balance = $6, key = $7, users = $8, settings = $9, updated_at = $10
		WHERE id = $1
	`, acct.ID, acct.Code, acct.Status, acct.CreditLimit, nullInt64(acct.MaximumBalance),
		acct.Balance, acct.Key, pq.Array(acct.Users), settingsJSON, acct.UpdatedAt)
	if err != nil {
		return account.Account{}, translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return account.Account{}, storage.ErrNotFound
	}
	return s.GetAccount(ctx, acct.ID)
}

func (s *Store) getAccount(ctx context.Context, where string, args ...any) (account.Account, error) {
	var row accountRow
	err := sqlx.GetContext(ctx, s.ext(ctx), &row,
		`SELECT * FROM accounts WHERE `+where, args...)
	if err != nil {
		return account.Account{}, translate(err)
	}
	return row.model()
}

func (s *Store) GetAccount(ctx context.Context, id string) (account.Account, error) {
	return s.getAccount(ctx, "id = $1", id)
}

func (s *Store) GetAccountByCode(ctx context.Context, currencyID, code string) (account.Account, error) {
	return s.getAccount(ctx, "currency_id = $1 AND code = $2", currencyID, code)
}

func (s *Store) GetAccountByKey(ctx context.Context, key string) (account.Account, error) {
	return s.getAccount(ctx, "key = $1", key)
}

func (s *Store) ListAccounts(ctx context.Context, currencyID string, filter storage.AccountFilter) ([]account.Account, error) {
	query := `SELECT * FROM accounts WHERE currency_id = $1`
	args := []any{currencyID}
	if filter.Code != "" {
		args = append(args, filter.Code)
		query += ` AND code = $2`
	}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		query += ` AND $` + strconv.Itoa(len(args)) + ` = ANY(users)`
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		args = append(args, pq.Array(statuses))
		query += ` AND status = ANY($` + strconv.Itoa(len(args)) + `)`
	}
	query += ` ORDER BY code`

	var rows []accountRow
	if err := sqlx.SelectContext(ctx, s.ext(ctx), &rows, query, args...); err != nil {
		return nil, translate(err)
	}
	out := make([]account.Account, 0, len(rows))
	for _, row := range rows {
		acct, err := row.model()
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, nil
}

func (s *Store) MaxCodeSuffix(ctx context.Context, currencyID, prefix string) (int, error) {
	var max sql.NullInt64
	err := sqlx.GetContext(ctx, s.ext(ctx), &max, `
		SELECT MAX(substring(code FROM length($2) + 1)::int)
		FROM accounts
		WHERE currency_id = $1
		  AND code LIKE $2 || '%'
		  AND substring(code FROM length($2) + 1) ~ '^[0-9]+$'
	`, currencyID, prefix)
	if err != nil {
		return 0, translate(err)
	}
	return int(max.Int64), nil
}

func (s *Store) ReplaceAccountTags(ctx context.Context, accountID string, tags []account.Tag) ([]account.Tag, error) {
	stored := make([]account.Tag, 0, len(tags))
	err := s.InTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.GetAccount(ctx, accountID); err != nil {
			return err
		}
		if _, err := s.ext(ctx).ExecContext(ctx,
			`DELETE FROM account_tags WHERE account_id = $1`, accountID); err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, tag := range tags {
			if tag.ID == "" {
				tag.ID = uuid.NewString()
			}
			tag.AccountID = accountID
			tag.Value = ""
			tag.UpdatedAt = now
			if _, err := s.ext(ctx).ExecContext(ctx, `
				INSERT INTO account_tags (id, account_id, name, hash, updated_at)
				VALUES ($1, $2, $3, $4, $5)
			`, tag.ID, tag.AccountID, tag.Name, tag.Hash, tag.UpdatedAt); err != nil {
				return err
			}
			stored = append(stored, tag)
		}
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	return stored, nil
}

type tagRow struct {
	ID        string    `db:"id"`
	AccountID string    `db:"account_id"`
	Name      string    `db:"name"`
	Hash      string    `db:"hash"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (s *Store) ListAccountTags(ctx context.Context, accountID string) ([]account.Tag, error) {
	var rows []tagRow
	err := sqlx.SelectContext(ctx, s.ext(ctx), &rows,
		`SELECT * FROM account_tags WHERE account_id = $1 ORDER BY name`, accountID)
	if err != nil {
		return nil, translate(err)
	}
	out := make([]account.Tag, 0, len(rows))
	for _, row := range rows {
		out = append(out, account.Tag{
			ID:        row.ID,
			AccountID: row.AccountID,
			Name:      row.Name,
			Hash:      row.Hash,
			UpdatedAt: row.UpdatedAt,
		})
	}
	return out, nil
}

func (s *Store) GetAccountByTagHash(ctx context.Context, currencyID, hash string) (account.Account, error) {
	var row accountRow
	err := sqlx.GetContext(ctx, s.ext(ctx), &row, `
		SELECT a.* FROM accounts a
		JOIN account_tags t ON t.account_id = a.id
		WHERE a.currency_id = $1 AND t.hash = $2 AND a.status = 'active'
		LIMIT 1
	`, currencyID, hash)
	if err != nil {
		return account.Account{}, translate(err)
	}
	return row.model()
}

// --- TransferStore ----------------------------------------------------------

type transferRow struct {
	ID         string    `db:"id"`
	CurrencyID string    `db:"currency_id"`
	State      string    `db:"state"`
	Amount     int64     `db:"amount"`
	PayerID    string    `db:"payer_id"`
	PayeeID    string    `db:"payee_id"`
	Meta       []byte    `db:"meta"`
	Auth       []byte    `db:"auth"`
	Hash       string    `db:"hash"`
	UserID     string    `db:"user_id"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r transferRow) model() (transfer.Transfer, error) {
	tr := transfer.Transfer{
		ID:         r.ID,
		CurrencyID: r.CurrencyID,
		State:      transfer.State(r.State),
		Amount:     r.Amount,
		PayerID:    r.PayerID,
		PayeeID:    r.PayeeID,
		Hash:       r.Hash,
		UserID:     r.UserID,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if err := json.Unmarshal(r.Meta, &tr.Meta); err != nil {
		return transfer.Transfer{}, err
	}
	if len(r.Auth) > 0 {
		tr.Authorization = &transfer.Authorization{}
		if err := json.Unmarshal(r.Auth, tr.Authorization); err != nil {
			return transfer.Transfer{}, err
		}
	}
	return tr, nil
}

func marshalAuth(auth *transfer.Authorization) ([]byte, error) {
	if auth == nil {
		return nil, nil
	}
	// The plain value never reaches storage.
	stored := transfer.Authorization{Type: auth.Type, Hash: auth.Hash}
	return json.Marshal(stored)
}

func (s *Store) CreateTransfer(ctx context.Context, tr transfer.Transfer) (transfer.Transfer, error) {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	tr.CreatedAt = now
	tr.UpdatedAt = now

	metaJSON, err := json.Marshal(tr.Meta)
	if err != nil {
		return transfer.Transfer{}, err
	}
	authJSON, err := marshalAuth(tr.Authorization)
	if err != nil {
		return transfer.Transfer{}, err
	}
	_, err = s.ext(ctx).ExecContext(ctx, `
		INSERT INTO transfers (id, currency_id, state, amount, payer_id, payee_id,
			meta, auth, hash, user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, tr.ID, tr.CurrencyID, tr.State, tr.Amount, tr.PayerID, tr.PayeeID,
		metaJSON, authJSON, tr.Hash, tr.UserID, tr.CreatedAt, tr.UpdatedAt)
	if err != nil {
		return transfer.Transfer{}, translate(err)
	}
	return tr, nil
}

func (s *Store) UpdateTransfer(ctx context.Context, tr transfer.Transfer) (transfer.Transfer, error) {
	tr.UpdatedAt = time.Now().UTC()

	metaJSON, err := json.Marshal(tr.Meta)
	if err != nil {
		return transfer.Transfer{}, err
	}
	authJSON, err := marshalAuth(tr.Authorization)
	if err != nil {
		return transfer.Transfer{}, err
	}
	res, err := s.ext(ctx).ExecContext(ctx, `
		UPDATE transfers SET state = $2, amount = $3, payer_id = $4, payee_id = $5,
			meta = $6, auth = $7, hash = $8, user_id = $9, updated_at = $10
		WHERE id = $1
	`, tr.ID, tr.State, tr.Amount, tr.PayerID, tr.PayeeID, metaJSON, authJSON, tr.Hash, tr.UserID, tr.UpdatedAt)
	if err != nil {
		return transfer.Transfer{}, translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return transfer.Transfer{}, storage.ErrNotFound
	}
	return s.GetTransfer(ctx, tr.ID)
}

func (s *Store) GetTransfer(ctx context.Context, id string) (transfer.Transfer, error) {
	var row transferRow
	err := sqlx.GetContext(ctx, s.ext(ctx), &row,
		`SELECT * FROM transfers WHERE id = $1`, id)
	if err != nil {
		return transfer.Transfer{}, translate(err)
	}
	return row.model()
}

func (s *Store) ListTransfers(ctx context.Context, currencyID string, filter storage.TransferFilter) ([]transfer.Transfer, error) {
	query := `SELECT * FROM transfers WHERE currency_id = $1`
	args := []any{currencyID}
	if filter.AccountID != "" {
		args = append(args, filter.AccountID)
		n := strconv.Itoa(len(args))
		query += ` AND (payer_id = $` + n + ` OR payee_id = $` + n + `)`
	}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		query += ` AND user_id = $` + strconv.Itoa(len(args))
	}
	if len(filter.States) > 0 {
		states := make([]string, 0, len(filter.States))
		for _, st := range filter.States {
			states = append(states, string(st))
		}
		args = append(args, pq.Array(states))
		query += ` AND state = ANY($` + strconv.Itoa(len(args)) + `)`
	}
	query += ` ORDER BY created_at`

	var rows []transferRow
	if err := sqlx.SelectContext(ctx, s.ext(ctx), &rows, query, args...); err != nil {
		return nil, translate(err)
	}
	out := make([]transfer.Transfer, 0, len(rows))
	for _, row := range rows {
		tr, err := row.model()
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, nil
}

func (s *Store) ListPendingBefore(ctx context.Context, currencyID string, cutoff time.Time, limit int) ([]transfer.Transfer, error) {
	var rows []transferRow
	err := sqlx.SelectContext(ctx, s.ext(ctx), &rows, `
		SELECT * FROM transfers
		WHERE currency_id = $1 AND state = $2 AND updated_at < $3
		ORDER BY updated_at
		LIMIT $4
	`, currencyID, transfer.StatePending, cutoff, limit)
	if err != nil {
		return nil, translate(err)
	}
	out := make([]transfer.Transfer, 0, len(rows))
	for _, row := range rows {
		tr, err := row.model()
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, nil
}
