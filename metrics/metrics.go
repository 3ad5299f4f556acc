package metrics

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Collector holds the settlement engine's Prometheus collectors. A nil
// *Collector is valid and records nothing.
type Collector struct {
	Registry *prometheus.Registry

	settlements     *prometheus.CounterVec
	participants    *prometheus.CounterVec
	payouts         *prometheus.CounterVec
	payoutAmount    *prometheus.CounterVec
	transferLatency prometheus.Histogram
	escrowBalance   *prometheus.GaugeVec
	unresolved      prometheus.Gauge
	reconciled      *prometheus.CounterVec
}

func New() *Collector {
	c := &Collector{
		Registry: prometheus.NewRegistry(),
		settlements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stake_settlement",
				Subsystem: "settlement",
				Name:      "runs_total",
				Help:      "Challenges settled, by regime.",
			},
			[]string{"regime"},
		),
		participants: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stake_settlement",
				Subsystem: "settlement",
				Name:      "participants_total",
				Help:      "Participations decided at settlement, by outcome.",
			},
			[]string{"outcome"},
		),
		payouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stake_settlement",
				Subsystem: "payout",
				Name:      "transfers_total",
				Help:      "Payout transfers by outcome.",
			},
			[]string{"outcome"},
		),
		payoutAmount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stake_settlement",
				Subsystem: "payout",
				Name:      "usdc_total",
				Help:      "USDC moved out of escrow by outcome.",
			},
			[]string{"outcome"},
		),
		transferLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "stake_settlement",
				Subsystem: "payout",
				Name:      "transfer_seconds",
				Help:      "Time from signing to a known transfer outcome.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90},
			},
		),
		escrowBalance: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "stake_settlement",
				Subsystem: "escrow",
				Name:      "balance_usdc",
				Help:      "Last observed escrow balance per challenge.",
			},
			[]string{"challenge_id"},
		),
		unresolved: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "stake_settlement",
				Subsystem: "payout",
				Name:      "unresolved_attempts",
				Help:      "Payout attempts awaiting reconciliation.",
			},
		),
		reconciled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stake_settlement",
				Subsystem: "reconcile",
				Name:      "attempts_total",
				Help:      "Unresolved attempts resolved by the sweep, by result.",
			},
			[]string{"result"},
		),
	}
	c.Registry.MustRegister(
		c.settlements,
		c.participants,
		c.payouts,
		c.payoutAmount,
		c.transferLatency,
		c.escrowBalance,
		c.unresolved,
		c.reconciled,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return c
}

func (c *Collector) ObserveSettlement(regime string, winners, losers int) {
	if c == nil {
		return
	}
	c.settlements.WithLabelValues(regime).Inc()
	c.participants.WithLabelValues("winner").Add(float64(winners))
	c.participants.WithLabelValues("loser").Add(float64(losers))
}

// ObservePayout records one transfer outcome: succeeded, failed or unknown.
func (c *Collector) ObservePayout(outcome string, amount decimal.Decimal) {
	if c == nil {
		return
	}
	c.payouts.WithLabelValues(outcome).Inc()
	c.payoutAmount.WithLabelValues(outcome).Add(amount.InexactFloat64())
}

func (c *Collector) ObserveTransfer(d time.Duration) {
	if c == nil {
		return
	}
	c.transferLatency.Observe(d.Seconds())
}

func (c *Collector) SetEscrowBalance(challengeID string, balance decimal.Decimal) {
	if c == nil {
		return
	}
	c.escrowBalance.WithLabelValues(challengeID).Set(balance.InexactFloat64())
}

func (c *Collector) SetUnresolved(n int) {
	if c == nil {
		return
	}
	c.unresolved.Set(float64(n))
}

func (c *Collector) ObserveReconcile(result string) {
	if c == nil {
		return
	}
	c.reconciled.WithLabelValues(result).Inc()
}

// Handler exposes the registry on a fiber route.
func (c *Collector) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{}))
}
