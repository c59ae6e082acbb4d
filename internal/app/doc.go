// Package app composes the accounting engine: it wires the domain services
// to their storage, ledger and key dependencies and manages their lifecycle.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── account/        # Accounts, settings, pre-authorization tags
//	│   ├── currency/       # Currencies, settings, trustlines, scaling
//	│   ├── transfer/       # Transfers and their state machine
//	│   └── user/           # Caller identity
//	├── policy/             # Account/currency settings evaluation
//	├── events/             # Domain event bus
//	├── keys/               # Key provider abstraction
//	├── ledger/             # Settlement ledger interfaces
//	│   └── memory/         # In-memory ledger for development and tests
//	├── storage/            # Storage interfaces and implementations
//	│   ├── interfaces.go   # Store interfaces and filters
//	│   ├── memory/         # In-memory implementation for testing
//	│   └── postgres/       # PostgreSQL implementation for production
//	├── services/           # Business logic
//	│   ├── currencies/     # Currency lifecycle, settings, trustlines
//	│   ├── accounts/       # Account lifecycle, pool, tags, balances
//	│   └── transfers/      # Transfer state machine, commit saga, sweep
//	├── system/             # Service lifecycle management
//	├── metrics/            # Prometheus collectors
//	└── errs/               # Kind-carrying error values
//
// # Responsibilities
//
// Domain models hold data and pure rules (state machines, amount scaling).
// Services implement the business operations against the storage and ledger
// interfaces. The app package only composes; business logic belongs in
// internal/app/services/.
//
// Money amounts are integers in scaled currency units everywhere inside the
// engine. Decimal strings appear only at the ledger boundary, converted by
// the currency model.
package app
