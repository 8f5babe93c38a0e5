package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"mixer-backend/models"
	"mixer-backend/storage"
)

const DefaultSweepInterval = 10 * time.Minute

// SweepResult summarizes one expiration sweep.
type SweepResult struct {
	Skipped     bool                       `json:"skipped"`
	Cancelled   []models.CancelledCeremony `json:"cancelled"`
	Blacklisted int                        `json:"blacklisted"`
	Requeued    int                        `json:"requeued"`

	blacklistedPer []int
}

// ExpirationWatchdog cancels ceremonies whose transaction can no longer be
// submitted. Participants who did not sign are blacklisted; those who
// signed go back to the queue.
type ExpirationWatchdog struct {
	stores   *Stores
	manager  *CeremonyManager
	interval time.Duration
	now      func() time.Time
	metrics  *MetricsCollector
	log      zerolog.Logger
}

func NewExpirationWatchdog(stores *Stores, manager *CeremonyManager, interval time.Duration, metrics *MetricsCollector, log zerolog.Logger) *ExpirationWatchdog {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &ExpirationWatchdog{
		stores:   stores,
		manager:  manager,
		interval: interval,
		now:      manager.now,
		metrics:  metrics,
		log:      log.With().Str("component", "watchdog").Logger(),
	}
}

// Sweep cancels every expired ceremony in one atomic commit, unless the
// previous sweep ran less than the interval ago. A ceremony that cannot be
// staged is left for the next sweep and reported in the returned error,
// alongside the result of the ceremonies that were handled.
func (w *ExpirationWatchdog) Sweep(ctx context.Context) (*SweepResult, error) {
	defer w.metrics.ObserveDuration("sweep", time.Now())

	var result *SweepResult
	err := w.manager.withRetry(ctx, func(ctx context.Context) error {
		r, err := w.sweepOnce(ctx)
		if r != nil {
			result = r
		}
		return err
	})
	w.metrics.RecordSweep(err, result != nil && result.Skipped)
	if result == nil {
		return nil, err
	}

	for i, record := range result.Cancelled {
		w.manager.announceCancellation(record, result.blacklistedPer[i])
	}
	w.metrics.RecordBlacklisted(result.Blacklisted)
	if len(result.Cancelled) > 0 {
		w.log.Info().
			Int("cancelled", len(result.Cancelled)).
			Int("blacklisted", result.Blacklisted).
			Int("requeued", result.Requeued).
			Msg("expired ceremonies swept")
	}
	return result, err
}

// sweepOnce returns a non-nil result only when its commit went through.
func (w *ExpirationWatchdog) sweepOnce(ctx context.Context) (*SweepResult, error) {
	now := w.now()

	var (
		lastSwept time.Time
		version   uint64
	)
	entry, err := w.stores.DB.Get(ctx, storage.LastSweptKey())
	switch {
	case err == nil:
		if err := entry.Decode(&lastSwept); err != nil {
			return nil, internalError("could not decode last sweep time: %w", err)
		}
		version = entry.Version
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, internalError("could not read last sweep time: %w", err)
	}
	if version != 0 && now.Sub(lastSwept) < w.interval {
		return &SweepResult{Skipped: true}, nil
	}

	active, err := w.stores.Ceremonies.List(ctx)
	if err != nil {
		return nil, internalError("could not list ceremonies: %w", err)
	}

	c := storage.NewCommit().Check(storage.LastSweptKey(), version)
	if err := c.SetValue(storage.LastSweptKey(), now); err != nil {
		return nil, internalError("could not stage sweep time: %w", err)
	}

	var (
		result = &SweepResult{Cancelled: []models.CancelledCeremony{}}
		errs   *multierror.Error
	)
	for _, stored := range active {
		if !stored.Ceremony.Expired(now) {
			continue
		}

		scratch := storage.NewCommit()
		record, blacklisted, err := w.stageExpiry(scratch, stored, now)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("ceremony %s: %w", stored.Ceremony.ID, err))
			continue
		}
		c.Merge(scratch)

		result.Cancelled = append(result.Cancelled, record)
		result.blacklistedPer = append(result.blacklistedPer, blacklisted)
		result.Blacklisted += blacklisted
		result.Requeued += len(stored.Ceremony.Participants) - blacklisted
	}

	if err := w.manager.commit(ctx, c); err != nil {
		return nil, err
	}
	return result, errs.ErrorOrNil()
}

// stageExpiry stages the cancellation of an expired ceremony and returns
// the number of participants blacklisted.
func (w *ExpirationWatchdog) stageExpiry(c *storage.Commit, stored storage.StoredCeremony, now time.Time) (models.CancelledCeremony, int, error) {
	signed, missing := stored.Ceremony.Signers()
	for _, p := range missing {
		entry := models.BlacklistEntry{
			CredentialHash: p.PaymentCredential,
			Reason:         models.ReasonFailedToSign,
			ID:             uuid.NewString(),
			Timestamp:      now,
		}
		if err := w.stores.Blacklist.StagePut(c, entry); err != nil {
			return models.CancelledCeremony{}, 0, err
		}
		w.log.Debug().
			Str("ceremony", stored.Ceremony.ID).
			Str("address", p.Address).
			Str("credential", p.PaymentCredential).
			Msg("staged blacklist entry for participant that failed to sign")
	}

	record, err := w.manager.stageCancellation(c, stored, models.ReasonExpired, signed)
	if err != nil {
		return models.CancelledCeremony{}, 0, err
	}
	return record, len(missing), nil
}

// RunIsolated sweeps and logs any failure. It never panics or fails the
// caller, so it can run after every request.
func (w *ExpirationWatchdog) RunIsolated(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Msg("expiration sweep panicked")
		}
	}()

	if _, err := w.Sweep(ctx); err != nil {
		w.log.Error().Err(err).Msg("expiration sweep failed")
	}
}

// Run sweeps on every tick until ctx is done.
func (w *ExpirationWatchdog) Run(ctx context.Context, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.RunIsolated(ctx)
		}
	}
}
