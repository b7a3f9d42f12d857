package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rl1809/arbitrage-pipeline/internal/core/domain"
	"github.com/rl1809/arbitrage-pipeline/internal/metrics"
	"github.com/rl1809/arbitrage-pipeline/internal/port"
)

type ReconcilerConfig struct {
	Interval     time.Duration
	Concurrency  int
	BatchSize    int
	CallTimeout  time.Duration
	ExchangeRate decimal.Decimal
	PriceScale   int32
}

type outcome string

const (
	outcomeUnchanged outcome = "unchanged"
	outcomeSold      outcome = "sold"
	outcomeSoldOut   outcome = "sold_out_source"
	outcomeSkipped   outcome = "skipped"
	outcomeFailed    outcome = "failed"
)

type ItemFailure struct {
	ListingID string
	Err       error
}

type SweepReport struct {
	Checked   int
	Unchanged int
	Sold      int
	SoldOut   int
	Skipped   int
	Failures  []ItemFailure
	Duration  time.Duration
}

type Reconciler struct {
	cfg         ReconcilerConfig
	listings    port.ListingRepository
	collector   port.SourceCollector
	destination port.Destination
	locker      port.Locker
	metrics     *metrics.Pipeline
	log         logrus.FieldLogger
	now         func() time.Time
}

func NewReconciler(cfg ReconcilerConfig, listings port.ListingRepository, collector port.SourceCollector, destination port.Destination, locker port.Locker, m *metrics.Pipeline, log logrus.FieldLogger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.ExchangeRate.IsZero() {
		cfg.ExchangeRate = decimal.NewFromInt(1)
	}
	if cfg.PriceScale <= 0 {
		cfg.PriceScale = defaultPriceScale
	}

	return &Reconciler{
		cfg:         cfg,
		listings:    listings,
		collector:   collector,
		destination: destination,
		locker:      locker,
		metrics:     m,
		log:         log,
		now:         time.Now,
	}
}

// Run sweeps immediately and then every Interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		report, err := r.Sweep(ctx)
		if err != nil {
			r.log.WithError(err).Error("reconciliation sweep")
		} else {
			r.log.WithFields(logrus.Fields{
				"checked":  report.Checked,
				"sold":     report.Sold,
				"sold_out": report.SoldOut,
				"skipped":  report.Skipped,
				"failures": len(report.Failures),
				"duration": report.Duration.String(),
			}).Info("reconciliation sweep finished")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep checks every listed listing once, a page of BatchSize at a time. Errors
// on one listing are recorded in the report and never stop the others.
func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	start := r.now()

	var (
		mu     sync.Mutex
		report SweepReport
		cursor domain.Cursor
	)
	for {
		page, err := r.listings.ListByState(ctx, domain.StateListed, cursor, r.cfg.BatchSize)
		if err != nil {
			return report, fmt.Errorf("list listed: %w", err)
		}
		if len(page) == 0 {
			break
		}

		var g errgroup.Group
		g.SetLimit(r.cfg.Concurrency)
		for i := range page {
			l := page[i]
			g.Go(func() error {
				res, err := r.check(ctx, &l)

				mu.Lock()
				defer mu.Unlock()
				report.Checked++
				switch {
				case err != nil:
					res = outcomeFailed
					report.Failures = append(report.Failures, ItemFailure{ListingID: l.ID, Err: err})
				case res == outcomeSold:
					report.Sold++
				case res == outcomeSoldOut:
					report.SoldOut++
				case res == outcomeSkipped:
					report.Skipped++
				default:
					report.Unchanged++
				}
				r.metrics.ReconcileOutcome(string(res))
				return nil
			})
		}
		_ = g.Wait()

		if len(page) < r.cfg.BatchSize {
			break
		}
		cursor = domain.CursorOf(&page[len(page)-1])
		if err := ctx.Err(); err != nil {
			return report, err
		}
	}

	report.Duration = r.now().Sub(start)
	r.metrics.SweepDuration(report.Duration.Seconds())
	return report, nil
}

func (r *Reconciler) check(ctx context.Context, l *domain.Listing) (res outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic checking listing %s: %v", l.ID, p)
		}
	}()

	unlock, ok, err := r.locker.TryLock(ctx, lockKey(l.ID))
	if err != nil {
		return "", fmt.Errorf("lock listing: %w", err)
	}
	if !ok {
		return outcomeSkipped, nil
	}
	defer unlock()

	// the copy from the listing query may be stale once the lock is held
	fresh, err := r.listings.GetListing(ctx, l.ID)
	if err != nil {
		return "", err
	}
	if fresh.State != domain.StateListed {
		return outcomeSkipped, nil
	}
	l = fresh
	log := r.log.WithFields(logrus.Fields{"listing_id": l.ID, "source_ref": l.SourceRef})

	gone, err := r.sourceGone(ctx, l.SourceRef)
	if err != nil {
		return "", fmt.Errorf("source check: %w", err)
	}
	if gone {
		tr, err := l.TransitionTo(domain.StateSoldOutSource, "source item gone", r.now())
		if err != nil {
			return "", err
		}
		if err := r.listings.SaveTransition(ctx, l, &tr); err != nil {
			return "", fmt.Errorf("save listing: %w", err)
		}
		r.metrics.Transition(string(tr.From), string(tr.To))
		log.Info("source sold out, listing closed")

		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()
		if err := r.destination.SetInventoryZero(callCtx, l.DestinationID); err != nil {
			log.WithError(err).Warn("failed to zero destination inventory")
		}
		return outcomeSoldOut, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	status, err := r.destination.SaleStatus(callCtx, l.DestinationID)
	if err != nil {
		return "", fmt.Errorf("sale status: %w", err)
	}
	if !status.Sold {
		return outcomeUnchanged, nil
	}

	now := r.now()
	tr, err := l.TransitionTo(domain.StateSold, "sold on destination", now)
	if err != nil {
		return "", err
	}
	sale := r.saleRecord(l, status, now)
	if err := r.listings.MarkSold(ctx, l, tr, sale); err != nil {
		return "", fmt.Errorf("mark sold: %w", err)
	}
	r.metrics.Transition(string(tr.From), string(tr.To))
	log.WithField("profit", sale.Profit.String()).Info("listing sold")
	return outcomeSold, nil
}

func (r *Reconciler) sourceGone(ctx context.Context, sourceRef string) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	snap, err := r.collector.Fetch(callCtx, sourceRef)
	if err != nil {
		if domain.KindOf(err) == domain.KindNotFound {
			return true, nil
		}
		return false, err
	}
	return !snap.Available, nil
}

func (r *Reconciler) saleRecord(l *domain.Listing, status domain.SaleStatus, now time.Time) domain.SaleRecord {
	soldAt := status.SoldAt
	if soldAt.IsZero() {
		soldAt = now
	}
	salePrice := status.SalePrice
	if salePrice.IsZero() {
		salePrice = l.DestinationPrice
	}

	cost := l.TotalCost().Mul(r.cfg.ExchangeRate).Round(r.cfg.PriceScale)
	return domain.SaleRecord{
		ID:               uuid.NewString(),
		ListingID:        l.ID,
		SalePrice:        salePrice,
		SourceCost:       l.SourceCost,
		ShippingEstimate: l.ShippingEstimate,
		Fees:             status.Fees,
		CostBasis:        cost,
		Profit:           salePrice.Sub(status.Fees).Sub(cost),
		SoldAt:           soldAt,
		CreatedAt:        now,
	}
}
