package transfers

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opencommons/accounting/internal/app/domain/currency"
	"github.com/opencommons/accounting/internal/app/domain/transfer"
	"github.com/opencommons/accounting/internal/app/domain/user"
	"github.com/opencommons/accounting/internal/app/metrics"
	"github.com/opencommons/accounting/internal/app/policy"
	"github.com/opencommons/accounting/pkg/logger"
)

// sweepBatch bounds the pending transfers handled per currency per run.
const sweepBatch = 100

// SweepPending accepts the currency's pending payment requests that either
// outlived the payer's accept-after waiting time or that the payer's current
// policy would now settle right away. Each is committed under the currency
// admin's authority. It returns how many transfers were committed.
func (s *Service) SweepPending(ctx context.Context, currencyID string) (int, error) {
	cur, err := s.currencies.GetCurrency(ctx, currencyID)
	if err != nil {
		return 0, err
	}
	if cur.Status != currency.StatusActive {
		return 0, nil
	}
	pending, err := s.store.ListPendingBefore(ctx, cur.ID, time.Now(), sweepBatch)
	if err != nil {
		return 0, err
	}

	accepted := 0
	for _, stale := range pending {
		// Re-read: a payer may have committed or rejected the transfer
		// since the listing.
		tr, err := s.store.GetTransfer(ctx, stale.ID)
		if err != nil {
			s.log.WithError(err).WithField("transfer_id", stale.ID).Warn("sweep could not reload transfer")
			continue
		}
		if tr.State != transfer.StatePending {
			continue
		}
		payer, err := s.store.GetAccount(ctx, tr.PayerID)
		if err != nil {
			return accepted, err
		}
		expired := false
		if after, ok := policy.ForAccount(&payer, &cur).AcceptPaymentsAfter(); ok {
			deadline := tr.UpdatedAt.Add(time.Duration(after) * time.Second)
			expired = !time.Now().Before(deadline)
		}
		if !expired && !s.submitRightAway(ctx, cur, tr, payer) {
			continue
		}
		if _, err := s.applyTransition(ctx, user.ByUser(cur.AdminID), tr, transfer.StateCommitted); err != nil {
			// The transfer is now failed; carry on with the rest.
			s.log.WithError(err).WithField("transfer_id", tr.ID).Warn("sweep could not commit transfer")
			continue
		}
		accepted++
	}
	if accepted > 0 {
		metrics.ObserveSweepAccepted(cur.Code, accepted)
	}
	return accepted, nil
}

// Sweeper periodically runs SweepPending over all currencies. It implements
// the system service lifecycle.
type Sweeper struct {
	service  *Service
	schedule string
	cron     *cron.Cron
	log      *logger.Logger
}

// NewSweeper creates a sweeper with the given cron schedule, for example
// "@every 1m".
func NewSweeper(service *Service, schedule string, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.NewDefault("sweep")
	}
	if schedule == "" {
		schedule = "@every 1m"
	}
	return &Sweeper{
		service:  service,
		schedule: schedule,
		log:      log,
	}
}

func (s *Sweeper) Name() string { return "transfers-sweep" }

// Start schedules the sweep.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, s.run); err != nil {
		return err
	}
	s.cron.Start()
	s.log.WithField("schedule", s.schedule).Info("sweep started")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) run() {
	ctx := context.Background()
	curs, err := s.service.currencies.ListCurrencies(ctx)
	if err != nil {
		s.log.WithError(err).Error("sweep could not list currencies")
		return
	}
	for _, cur := range curs {
		accepted, err := s.service.SweepPending(ctx, cur.ID)
		metrics.ObserveSweep(cur.Code, err)
		if err != nil {
			s.log.WithError(err).WithField("currency", cur.Code).Error("sweep run failed")
			continue
		}
		if accepted > 0 {
			s.log.WithField("currency", cur.Code).
				WithField("accepted", accepted).
				Info("pending transfers accepted")
		}
	}
}
