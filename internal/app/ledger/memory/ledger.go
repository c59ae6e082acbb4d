// Package memory implements the ledger interfaces against process memory.
// It enforces the same balance rules as the real settlement system: ledger
// balances never go below zero, maximum balances cap balance plus credit,
// and disabling an account parks its balance in the disabled-accounts pool.
// Used for development and tests.
package memory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/opencommons/accounting/internal/app/errs"
	"github.com/opencommons/accounting/internal/app/keys"
	"github.com/opencommons/accounting/internal/app/ledger"
	"github.com/opencommons/accounting/pkg/logger"
)

// Ledger is an in-memory settlement ledger.
type Ledger struct {
	mu         sync.Mutex
	currencies map[string]*currencyState // by currency code
	logger     *logger.Logger
}

type currencyState struct {
	config   ledger.CurrencyConfig
	accounts map[string]*accountState // by public key
}

type accountState struct {
	publicKey  string
	balance    decimal.Decimal
	maximum    decimal.Decimal // zero means unlimited
	hasMaximum bool
	issuer     bool
}

// New returns an empty in-memory ledger.
func New(log *logger.Logger) *Ledger {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Ledger{
		currencies: make(map[string]*currencyState),
		logger:     log,
	}
}

// CreateCurrency provisions the currency's management accounts and funds the
// external trader.
func (l *Ledger) CreateCurrency(ctx context.Context, config ledger.CurrencyConfig, sponsor keys.Pair) (ledger.CurrencyKeys, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.currencies[config.Code]; ok {
		return ledger.CurrencyKeys{}, errs.BadRequest("currency %s already exists on the ledger", config.Code)
	}

	ck := ledger.CurrencyKeys{
		Issuer:         keys.GeneratePair(),
		Credit:         keys.GeneratePair(),
		Admin:          keys.GeneratePair(),
		ExternalIssuer: keys.GeneratePair(),
		ExternalTrader: keys.GeneratePair(),
	}

	state := &currencyState{
		config:   config,
		accounts: make(map[string]*accountState),
	}
	state.accounts[ck.Issuer.Public] = &accountState{publicKey: ck.Issuer.Public, issuer: true}
	// The credit account is issuer-backed: it mints credited balances on
	// demand rather than holding pre-funded value.
	state.accounts[ck.Credit.Public] = &accountState{publicKey: ck.Credit.Public, issuer: true}
	state.accounts[ck.Admin.Public] = &accountState{publicKey: ck.Admin.Public}
	state.accounts[ck.ExternalIssuer.Public] = &accountState{publicKey: ck.ExternalIssuer.Public}

	trader := &accountState{publicKey: ck.ExternalTrader.Public}
	if config.ExternalTraderMaximumBalance != "" {
		max, err := decimal.NewFromString(config.ExternalTraderMaximumBalance)
		if err != nil {
			return ledger.CurrencyKeys{}, errs.BadRequest("invalid external trader maximum balance %q", config.ExternalTraderMaximumBalance)
		}
		trader.maximum = max
		trader.hasMaximum = true
	}
	if config.ExternalTraderInitialCredit != "" {
		credit, err := decimal.NewFromString(config.ExternalTraderInitialCredit)
		if err != nil {
			return ledger.CurrencyKeys{}, errs.BadRequest("invalid external trader initial credit %q", config.ExternalTraderInitialCredit)
		}
		trader.balance = credit
	}
	state.accounts[ck.ExternalTrader.Public] = trader

	l.currencies[config.Code] = state
	l.logger.WithField("currency", config.Code).Info("ledger currency created")
	return ck, nil
}

// Currency returns a handle over an existing or future currency state.
func (l *Ledger) Currency(config ledger.CurrencyConfig, data ledger.CurrencyData) ledger.Currency {
	return &currencyHandle{ledger: l, config: config, data: data}
}

type currencyHandle struct {
	ledger *Ledger
	config ledger.CurrencyConfig
	data   ledger.CurrencyData
}

func (c *currencyHandle) SetConfig(config ledger.CurrencyConfig) { c.config = config }
func (c *currencyHandle) SetData(data ledger.CurrencyData)       { c.data = data }

func (c *currencyHandle) state() (*currencyState, error) {
	s, ok := c.ledger.currencies[c.config.Code]
	if !ok {
		return nil, errs.NotFound("currency %s not found on the ledger", c.config.Code)
	}
	return s, nil
}

func (c *currencyHandle) CreateAccount(ctx context.Context, options ledger.CreateAccountOptions, signers ledger.CreateAccountKeys) (keys.Pair, error) {
	c.ledger.mu.Lock()
	defer c.ledger.mu.Unlock()

	state, err := c.state()
	if err != nil {
		return keys.Pair{}, err
	}
	if signers.Issuer.Secret == "" {
		return keys.Pair{}, errs.Forbidden("issuer key required to create accounts")
	}

	var pair keys.Pair
	if options.Key != nil {
		pair = *options.Key
	} else {
		pair = keys.GeneratePair()
	}
	if _, ok := state.accounts[pair.Public]; ok {
		return keys.Pair{}, errs.BadRequest("account %s already exists", pair.Public)
	}

	acc := &accountState{publicKey: pair.Public}
	if options.MaximumBalance != "" {
		max, err := decimal.NewFromString(options.MaximumBalance)
		if err != nil {
			return keys.Pair{}, errs.BadRequest("invalid maximum balance %q", options.MaximumBalance)
		}
		acc.maximum = max
		acc.hasMaximum = true
	}
	state.accounts[pair.Public] = acc

	if options.InitialCredit != "" && options.InitialCredit != "0" {
		if signers.Credit == nil {
			delete(state.accounts, pair.Public)
			return keys.Pair{}, errs.Forbidden("credit key required to fund new account")
		}
		if err := c.pay(state, c.data.CreditPublicKey, pair.Public, options.InitialCredit); err != nil {
			delete(state.accounts, pair.Public)
			return keys.Pair{}, err
		}
	}
	return pair, nil
}

func (c *currencyHandle) GetAccount(ctx context.Context, publicKey string) (ledger.Account, error) {
	acc, err := c.FindAccount(ctx, publicKey)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, errs.NotFound("account %s not found on the ledger", publicKey)
	}
	return acc, nil
}

func (c *currencyHandle) FindAccount(ctx context.Context, publicKey string) (ledger.Account, error) {
	c.ledger.mu.Lock()
	defer c.ledger.mu.Unlock()

	state, err := c.state()
	if err != nil {
		return nil, err
	}
	acc, ok := state.accounts[publicKey]
	if !ok {
		return nil, nil
	}
	return &accountHandle{currency: c, publicKey: publicKey, balance: acc.balance}, nil
}

func (c *currencyHandle) EnableAccount(ctx context.Context, options ledger.EnableAccountOptions, signers ledger.EnableAccountKeys) error {
	c.ledger.mu.Lock()
	defer c.ledger.mu.Unlock()

	state, err := c.state()
	if err != nil {
		return err
	}
	public := signers.Account.Public
	if _, ok := state.accounts[public]; ok {
		return errs.BadRequest("account %s already exists", public)
	}

	acc := &accountState{publicKey: public}
	if options.MaximumBalance != "" {
		max, err := decimal.NewFromString(options.MaximumBalance)
		if err != nil {
			return errs.BadRequest("invalid maximum balance %q", options.MaximumBalance)
		}
		acc.maximum = max
		acc.hasMaximum = true
	}
	state.accounts[public] = acc

	if options.Balance != "" && options.Balance != "0" {
		if err := c.pay(state, c.data.DisabledAccountsPoolPublicKey, public, options.Balance); err != nil {
			delete(state.accounts, public)
			return err
		}
	}
	return nil
}

func (c *currencyHandle) TrustCurrency(ctx context.Context, trustedPublicKey string, limit string, signers ledger.TrustlineKeys) error {
	c.ledger.mu.Lock()
	defer c.ledger.mu.Unlock()

	if _, err := c.state(); err != nil {
		return err
	}
	if signers.ExternalTrader.Secret == "" {
		return errs.Forbidden("external trader key required to update trustlines")
	}
	if _, err := decimal.NewFromString(limit); limit != "" && err != nil {
		return errs.BadRequest("invalid trustline limit %q", limit)
	}
	// Trust limits are tracked by the caller; the in-memory ledger only
	// validates the request.
	return nil
}

func (c *currencyHandle) Enable(ctx context.Context, signers ledger.CurrencyManagementKeys) error {
	c.ledger.mu.Lock()
	defer c.ledger.mu.Unlock()

	if _, ok := c.ledger.currencies[c.config.Code]; ok {
		return errs.BadRequest("currency %s already enabled", c.config.Code)
	}
	state := &currencyState{
		config:   c.config,
		accounts: make(map[string]*accountState),
	}
	state.accounts[signers.Issuer.Public] = &accountState{publicKey: signers.Issuer.Public, issuer: true}
	state.accounts[signers.Credit.Public] = &accountState{publicKey: signers.Credit.Public, issuer: true}
	state.accounts[signers.Admin.Public] = &accountState{publicKey: signers.Admin.Public}
	state.accounts[signers.ExternalIssuer.Public] = &accountState{publicKey: signers.ExternalIssuer.Public}
	state.accounts[signers.ExternalTrader.Public] = &accountState{publicKey: signers.ExternalTrader.Public}
	if pool := c.data.DisabledAccountsPoolPublicKey; pool != "" {
		state.accounts[pool] = &accountState{publicKey: pool}
	}
	c.ledger.currencies[c.config.Code] = state
	return nil
}

func (c *currencyHandle) Disable(ctx context.Context, signers ledger.CurrencyManagementKeys) error {
	c.ledger.mu.Lock()
	defer c.ledger.mu.Unlock()

	state, err := c.state()
	if err != nil {
		return err
	}
	managed := map[string]bool{
		c.data.IssuerPublicKey:               true,
		c.data.CreditPublicKey:               true,
		c.data.AdminPublicKey:                true,
		c.data.ExternalIssuerPublicKey:       true,
		c.data.ExternalTraderPublicKey:       true,
		c.data.DisabledAccountsPoolPublicKey: true,
	}
	for key := range state.accounts {
		if !managed[key] {
			return errs.BadRequest("currency %s still has active accounts", c.config.Code)
		}
	}
	delete(c.ledger.currencies, c.config.Code)
	return nil
}

// pay moves amount between two accounts of the same currency. Caller holds
// the ledger lock.
func (c *currencyHandle) pay(state *currencyState, from, to, amount string) error {
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return errs.BadRequest("invalid amount %q", amount)
	}
	if value.IsNegative() || value.IsZero() {
		return errs.BadRequest("amount must be positive")
	}
	payer, ok := state.accounts[from]
	if !ok {
		return errs.NotFound("payer account %s not found on the ledger", from)
	}
	payee, ok := state.accounts[to]
	if !ok {
		return errs.NotFound("payee account %s not found on the ledger", to)
	}
	if !payer.issuer && payer.balance.LessThan(value) {
		return errs.BadRequest("insufficient ledger balance in account %s", from)
	}
	if payee.hasMaximum && payee.balance.Add(value).GreaterThan(payee.maximum) {
		return errs.BadRequest("payment exceeds maximum balance of account %s", to)
	}
	if !payer.issuer {
		payer.balance = payer.balance.Sub(value)
	}
	if !payee.issuer {
		payee.balance = payee.balance.Add(value)
	}
	return nil
}

type accountHandle struct {
	currency  *currencyHandle
	publicKey string
	balance   decimal.Decimal
}

func (a *accountHandle) Balance() string {
	return a.balance.String()
}

func (a *accountHandle) Pay(ctx context.Context, payeePublicKey string, amount string, signers ledger.PayKeys) (ledger.Transfer, error) {
	a.currency.ledger.mu.Lock()
	defer a.currency.ledger.mu.Unlock()

	state, err := a.currency.state()
	if err != nil {
		return ledger.Transfer{}, err
	}
	if signers.Account.Secret == "" {
		return ledger.Transfer{}, errs.Forbidden("payment requires a signing key")
	}
	if signers.Account.Public != a.publicKey && signers.Account.Public != a.currency.data.AdminPublicKey {
		return ledger.Transfer{}, errs.Forbidden("key %s may not sign for account %s", signers.Account.Public, a.publicKey)
	}
	if err := a.currency.pay(state, a.publicKey, payeePublicKey, amount); err != nil {
		return ledger.Transfer{}, err
	}
	a.balance = state.accounts[a.publicKey].balance
	return ledger.Transfer{
		Payer:  a.publicKey,
		Payee:  payeePublicKey,
		Amount: amount,
		Hash:   transactionHash(),
	}, nil
}

func (a *accountHandle) UpdateCredit(ctx context.Context, delta string, signers ledger.UpdateCreditKeys) error {
	a.currency.ledger.mu.Lock()
	defer a.currency.ledger.mu.Unlock()

	state, err := a.currency.state()
	if err != nil {
		return err
	}
	value, err := decimal.NewFromString(delta)
	if err != nil {
		return errs.BadRequest("invalid credit delta %q", delta)
	}
	switch {
	case value.IsZero():
		return nil
	case value.IsPositive():
		if signers.Credit == nil {
			return errs.Forbidden("credit key required to increase credit")
		}
		if err := a.currency.pay(state, a.currency.data.CreditPublicKey, a.publicKey, value.String()); err != nil {
			return err
		}
	default:
		if signers.Account == nil {
			return errs.Forbidden("account key required to decrease credit")
		}
		if err := a.currency.pay(state, a.publicKey, a.currency.data.CreditPublicKey, value.Neg().String()); err != nil {
			return err
		}
	}
	a.balance = state.accounts[a.publicKey].balance
	return nil
}

func (a *accountHandle) UpdateMaximumBalance(ctx context.Context, amount string, signers ledger.PayKeys) error {
	a.currency.ledger.mu.Lock()
	defer a.currency.ledger.mu.Unlock()

	state, err := a.currency.state()
	if err != nil {
		return err
	}
	acc, ok := state.accounts[a.publicKey]
	if !ok {
		return errs.NotFound("account %s not found on the ledger", a.publicKey)
	}
	if amount == "" {
		acc.hasMaximum = false
		acc.maximum = decimal.Zero
		return nil
	}
	max, err := decimal.NewFromString(amount)
	if err != nil {
		return errs.BadRequest("invalid maximum balance %q", amount)
	}
	acc.maximum = max
	acc.hasMaximum = true
	return nil
}

func (a *accountHandle) Disable(ctx context.Context, signers ledger.DisableAccountKeys) error {
	a.currency.ledger.mu.Lock()
	defer a.currency.ledger.mu.Unlock()

	state, err := a.currency.state()
	if err != nil {
		return err
	}
	acc, ok := state.accounts[a.publicKey]
	if !ok {
		return errs.NotFound("account %s not found on the ledger", a.publicKey)
	}
	if acc.balance.IsPositive() {
		if err := a.currency.pay(state, a.publicKey, a.currency.data.DisabledAccountsPoolPublicKey, acc.balance.String()); err != nil {
			return err
		}
	}
	delete(state.accounts, a.publicKey)
	a.balance = decimal.Zero
	return nil
}

func (a *accountHandle) Delete(ctx context.Context, signers ledger.DeleteAccountKeys) error {
	a.currency.ledger.mu.Lock()
	defer a.currency.ledger.mu.Unlock()

	state, err := a.currency.state()
	if err != nil {
		return err
	}
	acc, ok := state.accounts[a.publicKey]
	if !ok {
		return errs.NotFound("account %s not found on the ledger", a.publicKey)
	}
	if acc.balance.IsPositive() {
		if err := a.currency.pay(state, a.publicKey, a.currency.data.CreditPublicKey, acc.balance.String()); err != nil {
			return err
		}
	}
	delete(state.accounts, a.publicKey)
	a.balance = decimal.Zero
	return nil
}

func transactionHash() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("read random: %v", err))
	}
	return hex.EncodeToString(b[:])
}
