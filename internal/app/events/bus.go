// Package events carries domain notifications between services. The bus is
// explicit: producers and consumers receive it at construction, and handlers
// run synchronously on the publishing goroutine.
package events

import (
	"context"
	"sync"

	"github.com/opencommons/accounting/internal/app/domain/transfer"
	"github.com/opencommons/accounting/pkg/logger"
)

// TransferStateChanged is published after a transfer's persisted state
// changes. Identity transitions do not publish.
type TransferStateChanged struct {
	Transfer     transfer.Transfer
	CurrencyCode string
}

// TransferHandler consumes transfer state changes. Errors are logged, not
// propagated to the publisher.
type TransferHandler func(ctx context.Context, event TransferStateChanged) error

// Bus dispatches domain events to registered handlers.
type Bus struct {
	mu               sync.RWMutex
	transferHandlers []TransferHandler
	logger           *logger.Logger
}

// NewBus creates an empty bus.
func NewBus(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.NewDefault("events")
	}
	return &Bus{logger: log}
}

// OnTransferStateChanged registers a handler for transfer state changes.
func (b *Bus) OnTransferStateChanged(handler TransferHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transferHandlers = append(b.transferHandlers, handler)
}

// PublishTransferStateChanged dispatches the event to all registered
// handlers in registration order.
func (b *Bus) PublishTransferStateChanged(ctx context.Context, event TransferStateChanged) {
	b.mu.RLock()
	handlers := b.transferHandlers
	b.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			b.logger.WithError(err).
				WithField("transfer_id", event.Transfer.ID).
				WithField("state", string(event.Transfer.State)).
				Error("transfer event handler failed")
		}
	}
}
