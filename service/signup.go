package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"mixer-backend/ledger"
	"mixer-backend/models"
	"mixer-backend/storage"
)

const DefaultSignupFreshness = 10 * time.Minute

// SignupRequest carries the signup payload exactly as it was signed.
type SignupRequest struct {
	Payload   []byte
	Signature models.SignedMessage
}

type SignupResult struct {
	Participant models.Participant `json:"participant"`
	// CeremonyID is set when the signup completed a quorum.
	CeremonyID string `json:"ceremony_id,omitempty"`
}

// SignupService admits participants into the queue.
type SignupService struct {
	stores    *Stores
	crypto    ledger.Crypto
	balances  ledger.BalanceOracle
	manager   *CeremonyManager
	params    models.ProtocolParameters
	freshness time.Duration
	now       func() time.Time
	metrics   *MetricsCollector
	events    *EventProcessor
	log       zerolog.Logger
}

func NewSignupService(
	stores *Stores,
	crypto ledger.Crypto,
	balances ledger.BalanceOracle,
	manager *CeremonyManager,
	freshness time.Duration,
	metrics *MetricsCollector,
	events *EventProcessor,
	log zerolog.Logger,
) *SignupService {
	if freshness <= 0 {
		freshness = DefaultSignupFreshness
	}
	return &SignupService{
		stores:    stores,
		crypto:    crypto,
		balances:  balances,
		manager:   manager,
		params:    manager.params,
		freshness: freshness,
		now:       manager.now,
		metrics:   metrics,
		events:    events,
		log:       log.With().Str("component", "signup").Logger(),
	}
}

// Signup verifies req, queues the participant and tries to form a ceremony.
// Formation failures do not fail the signup.
func (s *SignupService) Signup(ctx context.Context, req SignupRequest) (*SignupResult, error) {
	defer s.metrics.ObserveDuration("signup", time.Now())

	participant, err := s.VerifySignup(ctx, req)
	if err == nil {
		err = s.enqueue(ctx, participant)
	}
	s.metrics.RecordSignup(err)
	if err != nil {
		s.log.Debug().Err(err).Msg("signup rejected")
		return nil, err
	}
	s.log.Info().Str("address", participant.Address).Msg("participant queued")
	s.events.Publish(Event{Type: EventQueueUpdated})

	result := &SignupResult{Participant: *participant}
	ceremony, err := s.manager.TryFormCeremony(ctx)
	switch {
	case err == nil:
		result.CeremonyID = ceremony.ID
	case errors.Is(err, ErrNotEnoughParticipants):
	default:
		s.log.Warn().Err(err).Msg("ceremony formation after signup failed")
	}
	return result, nil
}

// VerifySignup performs every admission check, in order, without touching
// the queue.
func (s *SignupService) VerifySignup(ctx context.Context, req SignupRequest) (*models.Participant, error) {
	var payload models.SignupPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return nil, ErrMalformedSignup.With(err)
	}

	// 1. The payload must carry the canonical signup statement
	if payload.Context != models.SignupContext {
		return nil, ErrWrongContext
	}

	// 2. The signup must be recent
	signedAt := time.UnixMilli(payload.SignupTimestamp)
	if skew := s.now().Sub(signedAt); skew > s.freshness || skew < -s.freshness {
		return nil, ErrStaleSignup.Withf("signed at %s", signedAt.UTC().Format(time.RFC3339))
	}

	// 3. The address credential must not be blacklisted
	address, err := s.crypto.DecodeAddress(payload.Address)
	if err != nil {
		return nil, ErrInvalidAddress.With(err)
	}
	blacklisted, err := s.stores.Blacklist.Contains(ctx, address.PaymentCredential)
	if err != nil {
		return nil, internalError("could not check blacklist: %w", err)
	}
	if blacklisted {
		return nil, ErrBlacklisted.Withf("%s", payload.Address)
	}

	// 4. The address must not be queued or in an active ceremony
	queued, err := s.stores.Queue.Contains(ctx, payload.Address)
	if err != nil {
		return nil, internalError("could not check queue: %w", err)
	}
	_, member, err := s.stores.Ceremonies.MemberOf(ctx, payload.Address)
	if err != nil {
		return nil, internalError("could not check ceremony membership: %w", err)
	}
	if queued || member {
		return nil, ErrAlreadyQueued.Withf("%s", payload.Address)
	}

	// 5. The recipient must be a valid address unrelated to the sender
	recipient, err := s.crypto.DecodeAddress(payload.RecipientAddress)
	if err != nil {
		return nil, ErrInvalidRecipient.With(err)
	}
	if recipient.PaymentCredential == address.PaymentCredential {
		return nil, ErrInvalidRecipient.Withf("recipient shares the payment credential of the address")
	}
	if recipient.StakeCredential != "" && address.StakeCredential != "" && recipient.StakeCredential == address.StakeCredential {
		return nil, ErrInvalidRecipient.Withf("recipient shares the stake credential of the address")
	}

	// 6. The payload must be signed by the address key
	if !s.crypto.VerifySignedMessage(address.PaymentCredential, req.Payload, req.Signature) {
		return nil, ErrBadSignupSignature
	}

	// 7. The address must hold enough to cover its share
	balance, err := s.balances.Balance(ctx, payload.Address)
	if err != nil {
		return nil, ErrBalanceUnavailable.With(err)
	}
	if required := s.params.RequiredBalance(); balance < required {
		return nil, ErrInsufficientBalance.Withf("balance %d, required %d", balance, required)
	}

	return &models.Participant{
		Address:           payload.Address,
		RecipientAddress:  payload.RecipientAddress,
		SignedProof:       req.Signature,
		PaymentCredential: address.PaymentCredential,
	}, nil
}

func (s *SignupService) enqueue(ctx context.Context, p *models.Participant) error {
	err := s.stores.Queue.Enqueue(ctx, *p, s.manager.stamps.Next())
	if errors.Is(err, storage.ErrConflict) {
		return ErrSignupRaceLost.With(err)
	}
	if err != nil {
		return internalError("could not enqueue %s: %w", p.Address, err)
	}
	return nil
}
