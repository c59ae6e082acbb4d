package app

import (
	"context"
	"fmt"

	"github.com/opencommons/accounting/internal/app/events"
	"github.com/opencommons/accounting/internal/app/keys"
	"github.com/opencommons/accounting/internal/app/ledger"
	ledgermem "github.com/opencommons/accounting/internal/app/ledger/memory"
	"github.com/opencommons/accounting/internal/app/services/accounts"
	"github.com/opencommons/accounting/internal/app/services/currencies"
	"github.com/opencommons/accounting/internal/app/services/transfers"
	"github.com/opencommons/accounting/internal/app/storage"
	"github.com/opencommons/accounting/internal/app/storage/memory"
	"github.com/opencommons/accounting/internal/app/system"
	"github.com/opencommons/accounting/pkg/logger"
)

// Options holds the external dependencies of the application. Nil fields
// default to the in-memory implementations.
type Options struct {
	Store  storage.Store
	Ledger ledger.Ledger
	Keys   keys.Provider

	// SweepEnabled starts the pending-transfer sweep with SweepSchedule, a
	// cron expression.
	SweepEnabled  bool
	SweepSchedule string
}

// Application ties the domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Bus        *events.Bus
	Currencies *currencies.Service
	Accounts   *accounts.Service
	Transfers  *transfers.Service
}

// New builds a fully initialised application.
func New(opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if opts.Store == nil {
		opts.Store = memory.New()
	}
	if opts.Ledger == nil {
		opts.Ledger = ledgermem.New(log.WithField("component", "ledger"))
	}
	if opts.Keys == nil {
		opts.Keys = keys.NewMemoryProvider()
	}

	bus := events.NewBus(log.WithField("component", "events"))
	currencyService := currencies.New(opts.Store, opts.Ledger, opts.Keys, log.WithField("component", "currencies"))
	accountService := accounts.New(opts.Store, currencyService, opts.Keys, log.WithField("component", "accounts"))
	transferService := transfers.New(opts.Store, currencyService, accountService, bus, log.WithField("component", "transfers"))

	bus.OnTransferStateChanged(func(ctx context.Context, event events.TransferStateChanged) error {
		log.WithField("transfer_id", event.Transfer.ID).
			WithField("currency", event.CurrencyCode).
			WithField("state", string(event.Transfer.State)).
			Debug("transfer state changed")
		return nil
	})

	manager := system.NewManager()
	for _, name := range []string{"currencies", "accounts", "transfers"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}
	if opts.SweepEnabled {
		sweeper := transfers.NewSweeper(transferService, opts.SweepSchedule, log.WithField("component", "sweep"))
		if err := manager.Register(sweeper); err != nil {
			return nil, fmt.Errorf("register sweep: %w", err)
		}
	}

	return &Application{
		manager:    manager,
		log:        log,
		Bus:        bus,
		Currencies: currencyService,
		Accounts:   accountService,
		Transfers:  transferService,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before
// Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
