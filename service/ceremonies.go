package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	"mixer-backend/ledger"
	"mixer-backend/models"
	"mixer-backend/storage"
)

type FinalizeStatus string

const (
	FinalizeNotReady  FinalizeStatus = "not-ready"
	FinalizeSubmitted FinalizeStatus = "submitted"
	FinalizeCancelled FinalizeStatus = "cancelled"
)

// FinalizeResult is the outcome of a finalization attempt.
type FinalizeResult struct {
	Status         FinalizeStatus `json:"status"`
	ConfirmationID string         `json:"confirmation_id,omitempty"`
	Reason         string         `json:"reason,omitempty"`
}

type CeremonyManagerConfig struct {
	Params models.ProtocolParameters
	// Retries bounds how often a commit that lost a race is attempted again.
	Retries uint64
	// Backoff is the first delay between attempts; it doubles each time.
	Backoff time.Duration
	Now     func() time.Time
}

// CeremonyManager owns the set of active ceremonies and moves each one
// through formation, finalization and cancellation.
type CeremonyManager struct {
	stores     *Stores
	builder    ledger.TransactionBuilder
	crypto     ledger.Crypto
	params     models.ProtocolParameters
	retries    uint64
	backoff    time.Duration
	now        func() time.Time
	stamps     *stamper
	metrics    *MetricsCollector
	events     *EventProcessor
	log        zerolog.Logger
	finalizing singleflight.Group
}

func NewCeremonyManager(
	cfg CeremonyManagerConfig,
	stores *Stores,
	builder ledger.TransactionBuilder,
	crypto ledger.Crypto,
	metrics *MetricsCollector,
	events *EventProcessor,
	log zerolog.Logger,
) *CeremonyManager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 10 * time.Millisecond
	}
	return &CeremonyManager{
		stores:  stores,
		builder: builder,
		crypto:  crypto,
		params:  cfg.Params,
		retries: cfg.Retries,
		backoff: cfg.Backoff,
		now:     cfg.Now,
		stamps:  newStamper(cfg.Now),
		metrics: metrics,
		events:  events,
		log:     log.With().Str("component", "ceremonies").Logger(),
	}
}

// withRetry runs f again whenever it fails with a storage conflict, backing
// off exponentially. Running out of attempts is reported as ErrContention.
func (m *CeremonyManager) withRetry(ctx context.Context, f func(ctx context.Context) error) error {
	backoff := retry.NewExponential(m.backoff)
	err := retry.Do(ctx, retry.WithMaxRetries(m.retries, backoff), func(ctx context.Context) error {
		err := f(ctx)
		if errors.Is(err, storage.ErrConflict) {
			return retry.RetryableError(err)
		}
		return err
	})
	if errors.Is(err, storage.ErrConflict) {
		return ErrContention.With(err)
	}
	return err
}

// commit applies c, passing conflicts through untouched so that withRetry
// can see them.
func (m *CeremonyManager) commit(ctx context.Context, c *storage.Commit) error {
	err := m.stores.DB.AtomicCommit(ctx, c)
	if err == nil || errors.Is(err, storage.ErrConflict) {
		return err
	}
	return internalError("commit failed: %w", err)
}

// TryFormCeremony promotes the oldest queued participants into a new
// ceremony once enough of them are waiting.
func (m *CeremonyManager) TryFormCeremony(ctx context.Context) (*models.Ceremony, error) {
	defer m.metrics.ObserveDuration("form", time.Now())

	var formed *models.Ceremony
	err := m.withRetry(ctx, func(ctx context.Context) error {
		c, err := m.formOnce(ctx)
		formed = c
		return err
	})
	if err != nil {
		return nil, err
	}

	m.metrics.RecordCeremonyFormed()
	m.log.Info().
		Str("ceremony", formed.ID).
		Str("tx", formed.TransactionHash).
		Int("participants", len(formed.Participants)).
		Time("expires_at", formed.ExpiresAt).
		Msg("ceremony formed")

	addresses := make([]string, len(formed.Participants))
	for i, p := range formed.Participants {
		addresses[i] = p.Address
	}
	m.events.Publish(Event{
		Type:            EventCeremonyFormed,
		CeremonyID:      formed.ID,
		Transaction:     hex.EncodeToString(formed.Transaction),
		TransactionHash: formed.TransactionHash,
		Participants:    addresses,
	})
	m.events.Publish(Event{Type: EventQueueUpdated})
	return formed, nil
}

func (m *CeremonyManager) formOnce(ctx context.Context) (*models.Ceremony, error) {
	selected, err := m.stores.Queue.Oldest(ctx, m.params.MinParticipants)
	if err != nil {
		return nil, internalError("could not read queue: %w", err)
	}
	if len(selected) < m.params.MinParticipants {
		return nil, ErrNotEnoughParticipants.Withf("%d of %d queued", len(selected), m.params.MinParticipants)
	}

	participants := make([]models.Participant, len(selected))
	for i, item := range selected {
		participants[i] = item.Entry.Participant
	}

	built, err := m.builder.Build(ctx, participants)
	if err != nil {
		return nil, ErrBuildFailed.With(err)
	}
	operatorWitness, err := m.crypto.OperatorWitness(built.Blob)
	if err != nil {
		return nil, ErrBuildFailed.Withf("operator witness: %w", err)
	}
	operatorCredential, err := m.crypto.DecodeWitnessSigner(operatorWitness)
	if err != nil {
		return nil, ErrBuildFailed.Withf("operator witness signer: %w", err)
	}

	ceremony := models.Ceremony{
		ID:              uuid.NewString(),
		Participants:    participants,
		Transaction:     built.Blob,
		TransactionHash: built.Hash,
		Witnesses:       []models.Witness{{SignerCredential: operatorCredential, Blob: operatorWitness}},
		ExpiresAt:       built.ExpiresAt,
		CreatedAt:       m.now(),
	}

	c := storage.NewCommit()
	for _, item := range selected {
		m.stores.Queue.StageRemove(c, item)
	}
	if err := m.stores.Ceremonies.StageCreate(c, ceremony); err != nil {
		return nil, internalError("could not stage ceremony: %w", err)
	}
	if err := m.commit(ctx, c); err != nil {
		return nil, err
	}
	return &ceremony, nil
}

// TryFinalizeCeremony submits the transaction of a fully signed ceremony.
// Concurrent calls for the same id share a single submission.
func (m *CeremonyManager) TryFinalizeCeremony(ctx context.Context, id string) (*FinalizeResult, error) {
	v, err, _ := m.finalizing.Do(id, func() (interface{}, error) {
		return m.finalize(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*FinalizeResult), nil
}

func (m *CeremonyManager) finalize(ctx context.Context, id string) (*FinalizeResult, error) {
	defer m.metrics.ObserveDuration("finalize", time.Now())

	stored, err := m.getCeremony(ctx, id)
	if err != nil {
		return nil, err
	}
	ceremony := stored.Ceremony
	if !ceremony.Ready() {
		return &FinalizeResult{Status: FinalizeNotReady}, nil
	}

	witnesses := make([][]byte, len(ceremony.Witnesses))
	for i, w := range ceremony.Witnesses {
		witnesses[i] = w.Blob
	}

	var confirmation string
	signed, err := m.builder.Assemble(ctx, ceremony.Transaction, witnesses)
	if err == nil {
		confirmation, err = m.builder.Submit(ctx, signed)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, internalError("finalization of %s interrupted: %w", id, err)
		}

		m.log.Warn().Err(err).Str("ceremony", id).Str("tx", ceremony.TransactionHash).Msg("ceremony transaction rejected")
		if _, cerr := m.CancelCeremony(ctx, id, models.ReasonSubmissionFailed); cerr != nil && !errors.Is(cerr, ErrCeremonyNotFound) {
			return nil, cerr
		}
		return &FinalizeResult{Status: FinalizeCancelled, Reason: models.ReasonSubmissionFailed}, nil
	}

	record := models.CeremonyRecord{
		ID:              ceremony.ID,
		TransactionHash: ceremony.TransactionHash,
		ExpiresAt:       ceremony.ExpiresAt,
		SubmittedAt:     m.now(),
		ConfirmationID:  confirmation,
	}
	var withdrawn int
	err = m.withRetry(ctx, func(ctx context.Context) error {
		c := storage.NewCommit()
		withdrawn = 0
		current, err := m.stores.Ceremonies.Get(ctx, id)
		switch {
		case err == nil:
			m.stores.Ceremonies.StageDelete(c, *current)
		case errors.Is(err, storage.ErrNotFound):
			// a concurrent cancellation re-enqueued participants whose
			// inputs this transaction has just spent
			withdrawn, err = m.stageWithdrawal(ctx, c, ceremony.Participants)
			if err != nil {
				return err
			}
			m.log.Warn().
				Str("ceremony", id).
				Int("withdrawn", withdrawn).
				Msg("ceremony concluded elsewhere while its transaction was submitted")
		default:
			return internalError("could not reload ceremony %s: %w", id, err)
		}
		if err := m.stores.History.StageRecord(c, record); err != nil {
			return internalError("could not stage history record: %w", err)
		}
		return m.commit(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	m.metrics.RecordCeremonyFinalized()
	m.log.Info().Str("ceremony", id).Str("confirmation", confirmation).Msg("ceremony transaction submitted")
	m.events.Publish(Event{
		Type:            EventCeremonyConcluded,
		CeremonyID:      id,
		TransactionHash: ceremony.TransactionHash,
		ConfirmationID:  confirmation,
	})
	if withdrawn > 0 {
		m.events.Publish(Event{Type: EventQueueUpdated})
	}
	return &FinalizeResult{Status: FinalizeSubmitted, ConfirmationID: confirmation}, nil
}

// stageWithdrawal removes the queue entries of participants and returns how
// many were queued.
func (m *CeremonyManager) stageWithdrawal(ctx context.Context, c *storage.Commit, participants []models.Participant) (int, error) {
	var withdrawn int
	for _, p := range participants {
		item, err := m.stores.Queue.Lookup(ctx, p.Address)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, internalError("could not look up queue entry of %s: %w", p.Address, err)
		}
		m.stores.Queue.StageRemove(c, *item)
		withdrawn++
	}
	return withdrawn, nil
}

// CancelCeremony returns every participant to the queue, drops the
// ceremony and records the cancellation.
func (m *CeremonyManager) CancelCeremony(ctx context.Context, id string, reason string) (*models.CancelledCeremony, error) {
	var record models.CancelledCeremony
	err := m.withRetry(ctx, func(ctx context.Context) error {
		stored, err := m.getCeremony(ctx, id)
		if err != nil {
			return err
		}
		c := storage.NewCommit()
		record, err = m.stageCancellation(c, *stored, reason, stored.Ceremony.Participants)
		if err != nil {
			return err
		}
		return m.commit(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	m.announceCancellation(record, 0)
	return &record, nil
}

// stageCancellation deletes the ceremony, re-enqueues requeue with fresh
// timestamps in their original order and writes the cancellation record.
func (m *CeremonyManager) stageCancellation(c *storage.Commit, stored storage.StoredCeremony, reason string, requeue []models.Participant) (models.CancelledCeremony, error) {
	m.stores.Ceremonies.StageDelete(c, stored)

	stamps := m.stamps.NextN(len(requeue))
	for i, p := range requeue {
		if err := m.stores.Queue.StageEnqueue(c, p, stamps[i]); err != nil {
			return models.CancelledCeremony{}, internalError("could not stage re-enqueue of %s: %w", p.Address, err)
		}
	}

	record := models.CancelledCeremony{
		CeremonyID:      stored.Ceremony.ID,
		Reason:          reason,
		TransactionHash: stored.Ceremony.TransactionHash,
		Timestamp:       m.now(),
	}
	if err := m.stores.History.StageCancelled(c, record); err != nil {
		return models.CancelledCeremony{}, internalError("could not stage cancellation record: %w", err)
	}
	return record, nil
}

func (m *CeremonyManager) announceCancellation(record models.CancelledCeremony, blacklisted int) {
	m.metrics.RecordCeremonyCancelled(record.Reason)
	m.log.Info().
		Str("ceremony", record.CeremonyID).
		Str("reason", record.Reason).
		Int("blacklisted", blacklisted).
		Msg("ceremony cancelled")
	m.events.Publish(Event{
		Type:            EventCeremonyCancelled,
		CeremonyID:      record.CeremonyID,
		TransactionHash: record.TransactionHash,
		Reason:          record.Reason,
	})
	m.events.Publish(Event{Type: EventQueueUpdated})
}

func (m *CeremonyManager) getCeremony(ctx context.Context, id string) (*storage.StoredCeremony, error) {
	stored, err := m.stores.Ceremonies.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrCeremonyNotFound.Withf("%s", id)
	}
	if err != nil {
		return nil, internalError("could not load ceremony %s: %w", id, err)
	}
	return stored, nil
}

// ActiveCeremonies lists ceremonies still collecting witnesses.
func (m *CeremonyManager) ActiveCeremonies(ctx context.Context) ([]models.Ceremony, error) {
	stored, err := m.stores.Ceremonies.List(ctx)
	if err != nil {
		return nil, internalError("could not list ceremonies: %w", err)
	}
	ceremonies := make([]models.Ceremony, len(stored))
	for i, s := range stored {
		ceremonies[i] = s.Ceremony
	}
	return ceremonies, nil
}

// Status reports where ceremony id is in its lifecycle.
func (m *CeremonyManager) Status(ctx context.Context, id string) (models.CeremonyStatus, error) {
	lookups := []struct {
		get   func() error
		state models.CeremonyState
	}{
		{func() error { _, err := m.stores.Ceremonies.Get(ctx, id); return err }, models.CeremonyPending},
		{func() error { _, err := m.stores.History.Record(ctx, id); return err }, models.CeremonyOnChain},
	}
	for _, l := range lookups {
		err := l.get()
		if err == nil {
			return models.CeremonyStatus{State: l.state}, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return models.CeremonyStatus{}, internalError("could not look up ceremony %s: %w", id, err)
		}
	}

	cancelled, err := m.stores.History.Cancelled(ctx, id)
	switch {
	case err == nil:
		return models.CeremonyStatus{State: models.CeremonyCancelled, Reason: cancelled.Reason}, nil
	case errors.Is(err, storage.ErrNotFound):
		return models.CeremonyStatus{State: models.CeremonyNotFound}, nil
	default:
		return models.CeremonyStatus{}, internalError("could not look up ceremony %s: %w", id, err)
	}
}

// String renders a finalize result for logs.
func (r FinalizeResult) String() string {
	if r.Reason != "" {
		return fmt.Sprintf("%s:%s", r.Status, r.Reason)
	}
	return string(r.Status)
}
