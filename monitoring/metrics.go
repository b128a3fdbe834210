package monitoring

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	heldSeats = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "seat_holds_active",
			Help: "Seats currently held and unexpired per trip",
		},
		[]string{"trip_id"},
	)

	lockOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seat_lock_operations_total",
			Help: "Total seat lock store operations",
		},
		[]string{"operation", "outcome"},
	)

	renewals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seat_lease_renewals_total",
			Help: "Keep-alive renewals by outcome",
		},
		[]string{"outcome"},
	)

	sweptSeats = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seat_locks_swept_total",
			Help: "Held seats moved to expired by the sweeper",
		},
	)

	bookingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booking_transitions_total",
			Help: "Booking status transitions",
		},
		[]string{"from", "to"},
	)

	reconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booking_reconciled_total",
			Help: "Bookings or seats repaired by the reconciler",
		},
		[]string{"action"},
	)

	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_goroutines_total",
			Help: "Current number of active goroutines",
		},
	)

	lockCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seat_lock_call_duration_seconds",
			Help:    "Latency of lock store calls",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"operation"},
	)

	holdDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seat_hold_duration_seconds",
			Help:    "Time from first hold to sale or release",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"outcome"},
	)
)

// Redis keys shared with the lock store. Kept here as literals so the
// collector does not import the store.
const (
	tripIndexKey    = "seatlock:trips"
	tripExpiryKeyFm = "seatlock:{%s}:expiry"
)

type Monitor struct {
	redis    redis.Cmdable
	clock    clockwork.Clock
	interval time.Duration
}

func NewMonitor(redisClient redis.Cmdable, clock clockwork.Clock) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Monitor{redis: redisClient, clock: clock, interval: 30 * time.Second}
}

// Run collects gauges until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := m.CollectHeldSeats(ctx); err != nil {
				slog.Warn("Failed to collect held seat metrics", "error", err)
			}
			m.collectGoroutineMetrics()
		}
	}
}

// CollectHeldSeats sets the per-trip gauge from the lock store's expiry
// indexes. Entries with a score in the past are lapsed and not counted.
func (m *Monitor) CollectHeldSeats(ctx context.Context) error {
	if m.redis == nil {
		return nil
	}
	trips, err := m.redis.SMembers(ctx, tripIndexKey).Result()
	if err != nil {
		return fmt.Errorf("list trips: %w", err)
	}
	min := strconv.FormatInt(m.clock.Now().UnixMilli()+1, 10)
	counts := make(map[string]int64, len(trips))
	for _, trip := range trips {
		n, err := m.redis.ZCount(ctx, fmt.Sprintf(tripExpiryKeyFm, trip), min, "+inf").Result()
		if err != nil {
			return fmt.Errorf("count holds on trip %s: %w", trip, err)
		}
		counts[trip] = n
	}
	// Trips the sweeper pruned from the index drop out of the gauge.
	heldSeats.Reset()
	for trip, n := range counts {
		heldSeats.WithLabelValues(trip).Set(float64(n))
	}
	return nil
}

func (m *Monitor) collectGoroutineMetrics() {
	goroutineCount.Set(float64(runtime.NumGoroutine()))
}

func TrackLockOperation(operation, outcome string, elapsed time.Duration) {
	lockOperations.WithLabelValues(operation, outcome).Inc()
	lockCallDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func TrackRenewal(outcome string) {
	renewals.WithLabelValues(outcome).Inc()
}

func TrackSwept(n int) {
	sweptSeats.Add(float64(n))
}

func TrackBookingTransition(from, to string) {
	bookingTransitions.WithLabelValues(from, to).Inc()
}

func TrackReconciled(action string) {
	reconciled.WithLabelValues(action).Inc()
}

func TrackHold(outcome string, held time.Duration) {
	holdDuration.WithLabelValues(outcome).Observe(held.Seconds())
}
