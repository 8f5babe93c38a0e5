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

type AdminAction string

const (
	AdminReset           AdminAction = "reset"
	AdminRemoveBlacklist AdminAction = "remove_blacklist"
	AdminCancelCeremony  AdminAction = "cancel_ceremony"
)

// AdminPayload is the statement the admin key signs. Binding the action
// keeps a signature for one operation from authorizing another.
type AdminPayload struct {
	Action    AdminAction `json:"action"`
	Timestamp int64       `json:"timestamp"` // unix milliseconds
	Target    string      `json:"target,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

type AdminRequest struct {
	Payload   []byte
	Signature models.SignedMessage
}

// AdminService runs operator actions authorized by the admin key.
type AdminService struct {
	stores     *Stores
	crypto     ledger.Crypto
	manager    *CeremonyManager
	credential string
	freshness  time.Duration
	now        func() time.Time
	events     *EventProcessor
	log        zerolog.Logger
}

func NewAdminService(stores *Stores, crypto ledger.Crypto, manager *CeremonyManager, adminCredential string, freshness time.Duration, events *EventProcessor, log zerolog.Logger) *AdminService {
	if freshness <= 0 {
		freshness = DefaultSignupFreshness
	}
	return &AdminService{
		stores:     stores,
		crypto:     crypto,
		manager:    manager,
		credential: adminCredential,
		freshness:  freshness,
		now:        manager.now,
		events:     events,
		log:        log.With().Str("component", "admin").Logger(),
	}
}

func (a *AdminService) authorize(req AdminRequest, action AdminAction) (*AdminPayload, error) {
	var payload AdminPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return nil, ErrMalformedAdminRequest.With(err)
	}
	if payload.Action != action {
		return nil, ErrAdminWrongAction.Withf("signed for %q", payload.Action)
	}
	signedAt := time.UnixMilli(payload.Timestamp)
	if skew := a.now().Sub(signedAt); skew > a.freshness || skew < -a.freshness {
		return nil, ErrAdminStale
	}
	if a.credential == "" || !a.crypto.VerifySignedMessage(a.credential, req.Payload, req.Signature) {
		a.log.Warn().Str("action", string(action)).Msg("rejected admin request with invalid signature")
		return nil, ErrAdminUnauthorized
	}
	return &payload, nil
}

// ResetAllState wipes the queue, active ceremonies, the blacklist and the
// sweep marker. Ceremony history and cancellation records are kept. It
// returns the number of deleted keys.
func (a *AdminService) ResetAllState(ctx context.Context, req AdminRequest) (int, error) {
	if _, err := a.authorize(req, AdminReset); err != nil {
		return 0, err
	}

	var deleted int
	err := a.manager.withRetry(ctx, func(ctx context.Context) error {
		c := storage.NewCommit()
		n, err := storage.StageClear(ctx, a.stores.DB, c, storage.MutableStatePrefixes())
		if err != nil {
			return internalError("could not stage reset: %w", err)
		}
		deleted = n
		return a.manager.commit(ctx, c)
	})
	if err != nil {
		return 0, err
	}

	a.log.Warn().Int("deleted", deleted).Msg("all coordinator state reset by admin")
	a.events.Publish(Event{Type: EventQueueUpdated})
	return deleted, nil
}

// RemoveBlacklistEntry lifts the blacklisting of the credential named in
// the payload target.
func (a *AdminService) RemoveBlacklistEntry(ctx context.Context, req AdminRequest) error {
	payload, err := a.authorize(req, AdminRemoveBlacklist)
	if err != nil {
		return err
	}

	err = a.stores.Blacklist.Remove(ctx, payload.Target)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotBlacklisted.Withf("%s", payload.Target)
	}
	if err != nil {
		return internalError("could not remove blacklist entry: %w", err)
	}
	a.log.Info().Str("credential", payload.Target).Msg("blacklist entry removed by admin")
	return nil
}

// CancelCeremony cancels the ceremony named in the payload target. All of
// its participants return to the queue.
func (a *AdminService) CancelCeremony(ctx context.Context, req AdminRequest) (*models.CancelledCeremony, error) {
	payload, err := a.authorize(req, AdminCancelCeremony)
	if err != nil {
		return nil, err
	}
	reason := payload.Reason
	if reason == "" {
		reason = models.ReasonAdminCancellation
	}
	return a.manager.CancelCeremony(ctx, payload.Target, reason)
}
