// services/scheduler.go
package services

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"

	"stake-settlement/metrics"
)

// EscrowMonitor refreshes the escrow balance gauge for recent challenges.
type EscrowMonitor struct {
	Store    LedgerStore
	Gateway  WalletGateway
	Metrics  *metrics.Collector
	Now      Clock
	Lookback time.Duration
}

func (m *EscrowMonitor) Refresh(ctx context.Context) error {
	challenges, err := m.Store.ListEscrowChallenges(ctx, m.Now().Add(-m.Lookback))
	if err != nil {
		return err
	}
	for _, c := range challenges {
		balance, err := m.Gateway.GetBalance(ctx, *c.EscrowAddress)
		if err != nil {
			log.Warn().Err(err).Str("challenge_id", c.ID).Msg("⚠️ Escrow balance refresh failed")
			continue
		}
		m.Metrics.SetEscrowBalance(c.ID, balance)
	}
	return nil
}

// StartScheduler runs the payout reconcile sweep and the escrow balance
// refresh in the background. Shut the returned scheduler down on exit.
func StartScheduler(reconciler *Reconciler, monitor *EscrowMonitor, interval time.Duration) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	// Every interval: resolve payouts whose outcome was unknown
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			if _, err := reconciler.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("[Scheduler] reconcile sweep failed")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("payout-reconcile"),
	)
	if err != nil {
		return nil, err
	}

	if monitor != nil {
		// Every 5 minutes: escrow balance gauge
		_, err = sched.NewJob(
			gocron.DurationJob(5*time.Minute),
			gocron.NewTask(func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				if err := monitor.Refresh(ctx); err != nil {
					log.Error().Err(err).Msg("[Scheduler] escrow balance refresh failed")
				}
			}),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithName("escrow-balance"),
		)
		if err != nil {
			return nil, err
		}
	}

	sched.Start()
	log.Info().Dur("interval", interval).Msg("⏰ Payout reconcile scheduler started")
	return sched, nil
}
