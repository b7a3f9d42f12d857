package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/arbitrage-pipeline/internal/core/domain"
	"github.com/rl1809/arbitrage-pipeline/internal/metrics"
	"github.com/rl1809/arbitrage-pipeline/internal/port"
)

var (
	ErrQueueFull      = errors.New("pipeline queue full")
	ErrListingBusy    = errors.New("listing is being processed")
	ErrEmptySourceRef = errors.New("empty source ref")
	ErrNotRetryable   = errors.New("listing is not in a retryable state")
)

const (
	stageScrape    = "scrape"
	stageTranslate = "translate"
	stagePrice     = "price"
	stagePublish   = "publish"
)

type OrchestratorConfig struct {
	Workers       int
	QueueSize     int
	Retry         RetryPolicy
	CallTimeout   time.Duration // per external call
	SignalTimeout time.Duration // competitor and category lookups
	BatchSize     int
	StaleAfter    time.Duration // pending listings untouched this long are requeued
	Pricing       domain.PricingPolicy
}

// Dependencies are the adapters the orchestrator drives. Competitors and
// Categories are optional.
type Dependencies struct {
	Listings    port.ListingRepository
	Collector   port.SourceCollector
	Translation *TranslationCache
	Destination port.Destination
	Competitors port.CompetitorSignal
	Categories  port.CategorySuggester
	Quota       port.PublishQuota
	Locker      port.Locker
	Metrics     *metrics.Pipeline
	Log         logrus.FieldLogger
}

type job struct {
	listingID string
	refresh   bool
}

type Orchestrator struct {
	cfg OrchestratorConfig
	Dependencies

	queue    chan job
	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(cfg OrchestratorConfig, deps Dependencies) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.SignalTimeout <= 0 {
		cfg.SignalTimeout = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}

	return &Orchestrator{
		cfg:          cfg,
		Dependencies: deps,
		queue:        make(chan job, cfg.QueueSize),
		inflight:     make(map[string]bool),
		now:          time.Now,
		sleep:        sleepContext,
	}
}

// Start runs the worker pool until ctx is cancelled. Wait blocks until every
// worker has returned.
func (o *Orchestrator) Start(ctx context.Context) {
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go func(id int) {
			defer o.wg.Done()
			o.workerLoop(ctx, id)
		}(i)
	}
	o.Log.Infof("started %d pipeline workers", o.cfg.Workers)
}

func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) workerLoop(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-o.queue:
			o.Metrics.QueueDepth(len(o.queue))
			log := o.Log.WithFields(logrus.Fields{"worker": id, "listing_id": j.listingID})

			err := o.process(ctx, j)
			o.release(j.listingID)

			switch {
			case err == nil:
			case errors.Is(err, ErrListingBusy):
				log.Debug("listing locked elsewhere, skipped")
			case ctx.Err() != nil:
				log.Info("run interrupted by shutdown")
			default:
				log.WithError(err).Error("pipeline run aborted")
			}
		}
	}
}

// Submit registers sourceRef on first sight and queues it for processing.
// Listings already listed or terminal are returned untouched.
func (o *Orchestrator) Submit(ctx context.Context, sourceRef string) (*domain.Listing, error) {
	sourceRef = strings.TrimSpace(sourceRef)
	if sourceRef == "" {
		return nil, ErrEmptySourceRef
	}

	now := o.now()
	l, created, err := o.Listings.UpsertListing(ctx, domain.Listing{
		ID:        uuid.NewString(),
		SourceRef: sourceRef,
		State:     domain.StateScraped,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert listing: %w", err)
	}
	if created {
		o.Metrics.Transition("", string(domain.StateScraped))
		o.Log.WithFields(logrus.Fields{"listing_id": l.ID, "source_ref": sourceRef}).Info("new listing")
	}

	if !l.State.Pending() && l.State != domain.StateError {
		return l, nil
	}
	if err := o.enqueue(job{listingID: l.ID, refresh: !created}); err != nil {
		return l, err
	}
	return l, nil
}

// Retry is the operator path out of error and failed.
func (o *Orchestrator) Retry(ctx context.Context, listingID string) (*domain.Listing, error) {
	unlock, ok, err := o.Locker.TryLock(ctx, lockKey(listingID))
	if err != nil {
		return nil, fmt.Errorf("lock listing: %w", err)
	}
	if !ok {
		return nil, ErrListingBusy
	}
	defer unlock()

	l, err := o.Listings.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if l.State != domain.StateError && l.State != domain.StateFailed {
		return l, fmt.Errorf("%w: %s", ErrNotRetryable, l.State)
	}
	// a reopened listing must not be left pending without a job
	if len(o.queue) >= cap(o.queue) {
		return l, ErrQueueFull
	}

	tr, err := l.Reopen(o.now())
	if err != nil {
		return nil, err
	}
	if err := o.save(ctx, l, &tr); err != nil {
		return nil, err
	}
	log := o.Log.WithFields(logrus.Fields{"listing_id": l.ID, "state": l.State})
	log.Info("listing reopened by operator")

	// the worker takes the same lock
	unlock()
	if err := o.enqueue(job{listingID: l.ID}); err != nil {
		// lost the last slot to a concurrent submit; RequeueStale picks it up
		log.WithError(err).Warn("reopened listing not queued")
	}
	return l, nil
}

// RetryDue queues error listings whose deferral has elapsed.
func (o *Orchestrator) RetryDue(ctx context.Context) (int, error) {
	due, err := o.Listings.ListDueRetries(ctx, o.now(), o.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due retries: %w", err)
	}

	queued := 0
	for _, l := range due {
		ok, err := o.tryEnqueue(job{listingID: l.ID})
		if errors.Is(err, ErrQueueFull) {
			break
		}
		if ok {
			queued++
		}
	}
	return queued, nil
}

// Recover queues every listing a previous process left mid-pipeline. It waits
// for queue space instead of dropping listings, so run it after Start.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	queued := 0
	err := o.eachPending(ctx, func(l *domain.Listing) (bool, error) {
		ok, err := o.enqueueWait(ctx, job{listingID: l.ID})
		if ok {
			queued++
		}
		return true, err
	})
	return queued, err
}

// RequeueStale queues pending listings that have not moved for StaleAfter and
// have no job in this process. It stops early when the queue is full.
func (o *Orchestrator) RequeueStale(ctx context.Context) (int, error) {
	cutoff := o.now().Add(-o.cfg.StaleAfter)
	queued := 0
	err := o.eachPending(ctx, func(l *domain.Listing) (bool, error) {
		if !l.UpdatedAt.Before(cutoff) {
			// pages are ordered by updated_at, the rest of this state is fresh
			return false, nil
		}
		ok, err := o.tryEnqueue(job{listingID: l.ID})
		if errors.Is(err, ErrQueueFull) {
			return false, errStopScan
		}
		if ok {
			queued++
		}
		return true, err
	})
	if errors.Is(err, errStopScan) {
		err = nil
	}
	return queued, err
}

var errStopScan = errors.New("stop scan")

// eachPending pages through scraped, translated and priced listings in
// (updated_at, id) order. fn returns false to skip the rest of the current state.
func (o *Orchestrator) eachPending(ctx context.Context, fn func(l *domain.Listing) (bool, error)) error {
	for _, state := range []domain.State{domain.StateScraped, domain.StateTranslated, domain.StatePriced} {
		var cursor domain.Cursor
	pages:
		for {
			page, err := o.Listings.ListByState(ctx, state, cursor, o.cfg.BatchSize)
			if err != nil {
				return fmt.Errorf("list %s: %w", state, err)
			}
			for i := range page {
				more, err := fn(&page[i])
				if err != nil {
					return err
				}
				if !more {
					break pages
				}
			}
			if len(page) < o.cfg.BatchSize {
				break
			}
			cursor = domain.CursorOf(&page[len(page)-1])
		}
	}
	return nil
}

// RunScheduler calls RetryDue and RequeueStale every interval until ctx is done.
func (o *Orchestrator) RunScheduler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := o.RetryDue(ctx); err != nil {
				o.Log.WithError(err).Warn("retry scheduler")
			} else if n > 0 {
				o.Log.Infof("retry scheduler queued %d listings", n)
			}
			if n, err := o.RequeueStale(ctx); err != nil {
				o.Log.WithError(err).Warn("stale listing scan")
			} else if n > 0 {
				o.Log.Infof("requeued %d stale listings", n)
			}
		}
	}
}

// ListFailed returns listings waiting on an operator, error first.
func (o *Orchestrator) ListFailed(ctx context.Context, limit int) ([]domain.Listing, error) {
	if limit <= 0 {
		limit = o.cfg.BatchSize
	}
	var out []domain.Listing
	for _, state := range []domain.State{domain.StateError, domain.StateFailed} {
		listings, err := o.Listings.ListByState(ctx, state, domain.Cursor{}, limit-len(out))
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", state, err)
		}
		out = append(out, listings...)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (o *Orchestrator) QuotaRemaining(ctx context.Context) (int, error) {
	n, err := o.Quota.Remaining(ctx, o.now())
	if err != nil {
		return 0, err
	}
	o.Metrics.QuotaRemaining(n)
	return n, nil
}

func (o *Orchestrator) enqueue(j job) error {
	_, err := o.tryEnqueue(j)
	return err
}

// tryEnqueue reports whether j was queued. A listing that already has a job
// is not queued again and is not an error.
func (o *Orchestrator) tryEnqueue(j job) (bool, error) {
	if !o.claim(j.listingID) {
		return false, nil
	}
	select {
	case o.queue <- j:
		o.Metrics.QueueDepth(len(o.queue))
		return true, nil
	default:
		o.release(j.listingID)
		return false, ErrQueueFull
	}
}

// enqueueWait is tryEnqueue that blocks for queue space until ctx is done.
func (o *Orchestrator) enqueueWait(ctx context.Context, j job) (bool, error) {
	if !o.claim(j.listingID) {
		return false, nil
	}
	select {
	case o.queue <- j:
		o.Metrics.QueueDepth(len(o.queue))
		return true, nil
	case <-ctx.Done():
		o.release(j.listingID)
		return false, ctx.Err()
	}
}

func (o *Orchestrator) claim(listingID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[listingID] {
		return false
	}
	o.inflight[listingID] = true
	return true
}

func (o *Orchestrator) release(listingID string) {
	o.mu.Lock()
	delete(o.inflight, listingID)
	o.mu.Unlock()
}

// Process runs one listing through every remaining stage under its advisory
// lock. Callers normally go through Submit; tests call it directly.
func (o *Orchestrator) Process(ctx context.Context, listingID string) error {
	return o.process(ctx, job{listingID: listingID})
}

func (o *Orchestrator) process(ctx context.Context, j job) error {
	unlock, ok, err := o.Locker.TryLock(ctx, lockKey(j.listingID))
	if err != nil {
		return fmt.Errorf("lock listing: %w", err)
	}
	if !ok {
		return ErrListingBusy
	}
	defer func() { unlock() }()

	l, err := o.Listings.GetListing(ctx, j.listingID)
	if err != nil {
		return err
	}
	log := o.Log.WithFields(logrus.Fields{"listing_id": l.ID, "source_ref": l.SourceRef})

	if l.State == domain.StateError {
		resumed, err := o.resume(ctx, l, log)
		if err != nil || !resumed {
			return err
		}
	}

	refresh := j.refresh || l.SourceTitle == ""
	for l.State.Pending() {
		if err := ctx.Err(); err != nil {
			return err
		}

		stage, err := o.runStage(ctx, l, &refresh)
		if err == nil {
			continue
		}

		var pe *persistError
		if errors.As(err, &pe) {
			return pe.err
		}
		if ctx.Err() != nil {
			// pre-call state is kept, nothing recorded
			return ctx.Err()
		}

		f := domain.AsFailure(err)
		if f.Kind == domain.KindCanceled {
			return err
		}
		o.Metrics.StageFailure(stage, string(f.Kind))
		if f.Kind == domain.KindInvariant {
			log.WithError(err).Error("invariant violation")
			return err
		}

		retry, err := o.recordFailure(ctx, l, f, stage, log)
		if err != nil || !retry {
			return err
		}

		// the lease covers a running stage, not the backoff
		unlock()
		if err := o.sleep(ctx, l.NextAttemptAt.Sub(o.now())); err != nil {
			return err
		}
		relock, ok, err := o.Locker.TryLock(ctx, lockKey(l.ID))
		if err != nil {
			return fmt.Errorf("lock listing: %w", err)
		}
		if !ok {
			return ErrListingBusy
		}
		unlock = relock
		if l, err = o.Listings.GetListing(ctx, l.ID); err != nil {
			return err
		}
		if l.State != domain.StateError {
			// another instance moved it on while we slept
			return nil
		}
		if _, err := o.resume(ctx, l, log); err != nil {
			return err
		}
	}
	return nil
}

// resume leaves error either back to the failed-from state or to failed once
// the attempt budget is spent. It reports whether the listing can continue.
func (o *Orchestrator) resume(ctx context.Context, l *domain.Listing, log logrus.FieldLogger) (bool, error) {
	now := o.now()
	if l.LastError != nil && l.LastError.Kind == domain.KindRateLimited &&
		l.NextAttemptAt != nil && now.Before(*l.NextAttemptAt) {
		return false, nil
	}

	if l.Attempts >= o.cfg.Retry.MaxAttempts {
		tr, err := l.TransitionTo(domain.StateFailed, "attempts exhausted", now)
		if err != nil {
			return false, err
		}
		if err := o.save(ctx, l, &tr); err != nil {
			return false, err
		}
		log.WithField("attempts", l.Attempts).Warn("listing failed permanently")
		return false, nil
	}

	tr, err := l.TransitionTo(l.FailedFrom, "retry", now)
	if err != nil {
		return false, err
	}
	if err := o.save(ctx, l, &tr); err != nil {
		return false, err
	}
	return true, nil
}

// recordFailure persists f and reports whether to retry in-process.
func (o *Orchestrator) recordFailure(ctx context.Context, l *domain.Listing, f *domain.Failure, stage string, log logrus.FieldLogger) (bool, error) {
	now := o.now()
	if f.Kind != domain.KindRateLimited {
		l.Attempts++
	}
	f.Attempt = l.Attempts
	f.At = now

	tr, err := l.Fail(f, now)
	if err != nil {
		return false, err
	}

	retry := false
	switch {
	case f.Kind == domain.KindRateLimited:
		next := now.Add(f.RetryAfter)
		if f.RetryAfter <= 0 {
			next = now.Add(o.cfg.Retry.Delay(1))
		}
		l.NextAttemptAt = &next
	case f.Kind.Retryable() && l.Attempts < o.cfg.Retry.MaxAttempts:
		next := now.Add(o.cfg.Retry.Delay(l.Attempts))
		if f.RetryAfter > next.Sub(now) {
			next = now.Add(f.RetryAfter)
		}
		l.NextAttemptAt = &next
		retry = true
	default:
		l.NextAttemptAt = nil
	}

	if err := o.save(ctx, l, &tr); err != nil {
		return false, err
	}
	log.WithFields(logrus.Fields{
		"stage":   stage,
		"kind":    f.Kind,
		"attempt": f.Attempt,
	}).Warnf("stage failed: %s", f.Message)

	if f.Kind.Retryable() && l.Attempts >= o.cfg.Retry.MaxAttempts {
		tr, err := l.TransitionTo(domain.StateFailed, "attempts exhausted", now)
		if err != nil {
			return false, err
		}
		if err := o.save(ctx, l, &tr); err != nil {
			return false, err
		}
		log.WithField("attempts", l.Attempts).Warn("listing failed permanently")
	}
	return retry, nil
}

func (o *Orchestrator) runStage(ctx context.Context, l *domain.Listing, refresh *bool) (stage string, err error) {
	stage = stageFor(l.State)
	defer func() {
		if r := recover(); r != nil {
			err = domain.NewFailure(domain.KindInternal, "panic in %s stage: %v", stage, r)
		}
	}()

	switch l.State {
	case domain.StateScraped:
		if *refresh {
			stage = stageScrape
			if err := o.scrape(ctx, l); err != nil {
				return stage, err
			}
			*refresh = false
			stage = stageTranslate
		}
		return stage, o.translate(ctx, l)
	case domain.StateTranslated:
		return stage, o.price(ctx, l)
	case domain.StatePriced:
		return stage, o.publish(ctx, l)
	}
	return stage, fmt.Errorf("%w: no stage for %s", domain.ErrInvalidTransition, l.State)
}

func (o *Orchestrator) scrape(ctx context.Context, l *domain.Listing) error {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	snap, err := o.Collector.Fetch(callCtx, l.SourceRef)
	if err != nil {
		return err
	}
	if !snap.Available {
		return domain.NewFailure(domain.KindNotFound, "source item %s is no longer available", l.SourceRef)
	}

	l.Marketplace = snap.Marketplace
	l.SourceURL = snap.URL
	l.SourceTitle = snap.Title
	l.SourceDescription = snap.Description
	l.ImageURLs = snap.ImageURLs
	l.SourceCost = snap.Price
	l.ShippingEstimate = snap.Shipping
	l.UpdatedAt = o.now()
	return o.save(ctx, l, nil)
}

func (o *Orchestrator) translate(ctx context.Context, l *domain.Listing) error {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	loc, err := o.Translation.Localize(callCtx, l.SourceTitle, l.SourceDescription)
	if err != nil {
		return err
	}

	l.LocalizedTitle = loc.Title
	l.LocalizedDescription = loc.Description
	return o.advance(ctx, l, domain.StateTranslated, "translated")
}

func (o *Orchestrator) price(ctx context.Context, l *domain.Listing) error {
	in := domain.PricingInput{
		SourceCost:       l.SourceCost,
		ShippingEstimate: l.ShippingEstimate,
		Policy:           o.cfg.Pricing,
	}
	in.Suggestions = o.suggestCategories(ctx, l)

	category := o.cfg.Pricing.DefaultCategoryID
	if len(in.Suggestions) > 0 {
		category = pickCategory(in.Suggestions, o.cfg.Pricing)
	}
	in.CompetitorMedian = o.competitorMedian(ctx, l, category)

	q, err := Optimize(in)
	if err != nil {
		return domain.WrapFailure(domain.KindRejected, err)
	}

	l.DestinationPrice = q.Price
	l.CategoryID = q.CategoryID
	if q.Clamped {
		o.Log.WithFields(logrus.Fields{
			"listing_id": l.ID,
			"target":     q.Target.StringFixed(2),
			"price":      q.Price.String(),
		}).Info("price clamped to competitor ceiling")
	}
	return o.advance(ctx, l, domain.StatePriced, "priced")
}

func (o *Orchestrator) suggestCategories(ctx context.Context, l *domain.Listing) []domain.CategorySuggestion {
	if o.Categories == nil {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.SignalTimeout)
	defer cancel()

	s, err := o.Categories.Suggest(callCtx, l.LocalizedTitle, l.LocalizedDescription)
	if err != nil {
		o.Log.WithError(err).WithField("listing_id", l.ID).Warn("category suggestion unavailable")
		return nil
	}
	return s
}

func (o *Orchestrator) competitorMedian(ctx context.Context, l *domain.Listing, category string) *decimal.Decimal {
	if o.Competitors == nil {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.SignalTimeout)
	defer cancel()

	median, ok, err := o.Competitors.MedianPrice(callCtx, l.LocalizedTitle, category)
	if err != nil {
		o.Log.WithError(err).WithField("listing_id", l.ID).Warn("competitor signal unavailable")
		return nil
	}
	if !ok {
		return nil
	}
	return &median
}

func (o *Orchestrator) publish(ctx context.Context, l *domain.Listing) error {
	now := o.now()
	ok, err := o.Quota.TryAcquire(ctx, now)
	if err != nil {
		return domain.WrapFailure(domain.KindTransient, fmt.Errorf("publish quota: %w", err))
	}
	if !ok {
		f := domain.NewFailure(domain.KindRateLimited, "daily publish quota exhausted")
		f.RetryAfter = NextQuotaReset(now).Sub(now)
		return f
	}
	if n, err := o.Quota.Remaining(ctx, now); err == nil {
		o.Metrics.QuotaRemaining(n)
	}

	if err := ctx.Err(); err != nil {
		if relErr := o.Quota.Release(context.WithoutCancel(ctx), now); relErr != nil {
			o.Log.WithError(relErr).Warn("release publish slot")
		}
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	res, err := o.Destination.Publish(callCtx, domain.PublishPayload{
		ListingID:   l.ID,
		SourceRef:   l.SourceRef,
		Title:       l.LocalizedTitle,
		Description: l.LocalizedDescription,
		Price:       l.DestinationPrice,
		CategoryID:  l.CategoryID,
		ImageURLs:   l.ImageURLs,
	}, l.DestinationID)
	if err != nil {
		return err
	}

	l.DestinationID = res.DestinationID
	l.DestinationURL = res.URL
	return o.advance(ctx, l, domain.StateListed, "published")
}

func (o *Orchestrator) advance(ctx context.Context, l *domain.Listing, to domain.State, reason string) error {
	tr, err := l.TransitionTo(to, reason, o.now())
	if err != nil {
		return err
	}
	l.Attempts = 0
	return o.save(ctx, l, &tr)
}

// persistError marks store failures so they are not recorded as stage failures.
type persistError struct{ err error }

func (e *persistError) Error() string { return e.err.Error() }
func (e *persistError) Unwrap() error { return e.err }

func (o *Orchestrator) save(ctx context.Context, l *domain.Listing, tr *domain.Transition) error {
	// a cancelled run must not lose a result an external side already applied
	if err := o.Listings.SaveTransition(context.WithoutCancel(ctx), l, tr); err != nil {
		return &persistError{err: fmt.Errorf("save listing %s: %w", l.ID, err)}
	}
	if tr != nil {
		o.Metrics.Transition(string(tr.From), string(tr.To))
	}
	return nil
}

func stageFor(s domain.State) string {
	switch s {
	case domain.StateScraped:
		return stageTranslate
	case domain.StateTranslated:
		return stagePrice
	case domain.StatePriced:
		return stagePublish
	}
	return string(s)
}

func lockKey(listingID string) string {
	return "listing:" + listingID
}

// NextQuotaReset is the start of the next UTC day.
func NextQuotaReset(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}
