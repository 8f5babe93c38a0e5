package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"mixer-backend/ledger"
	"mixer-backend/models"
	"mixer-backend/storage"
)

type Config struct {
	Params models.ProtocolParameters
	// SignupFreshness bounds the clock skew accepted on signup and admin
	// payloads.
	SignupFreshness time.Duration
	SweepInterval   time.Duration
	// AdminCredential is the credential of the key that signs admin requests.
	AdminCredential string
	ConflictRetries uint64
	RetryBackoff    time.Duration
	Now             func() time.Time
}

// MixingService is the entry point used by transports. It wires the
// coordinator components over one shared store.
type MixingService struct {
	stores    *Stores
	manager   *CeremonyManager
	witnesses *WitnessCollector
	watchdog  *ExpirationWatchdog
	signup    *SignupService
	admin     *AdminService
	metrics   *MetricsCollector
	params    models.ProtocolParameters
	log       zerolog.Logger
}

func NewMixingService(
	cfg Config,
	db storage.AtomicStore,
	builder ledger.TransactionBuilder,
	crypto ledger.Crypto,
	balances ledger.BalanceOracle,
	metrics *MetricsCollector,
	events *EventProcessor,
	log zerolog.Logger,
) *MixingService {
	stores := NewStores(db)
	manager := NewCeremonyManager(CeremonyManagerConfig{
		Params:  cfg.Params,
		Retries: cfg.ConflictRetries,
		Backoff: cfg.RetryBackoff,
		Now:     cfg.Now,
	}, stores, builder, crypto, metrics, events, log)

	return &MixingService{
		stores:    stores,
		manager:   manager,
		witnesses: NewWitnessCollector(stores, crypto, manager, metrics, log),
		watchdog:  NewExpirationWatchdog(stores, manager, cfg.SweepInterval, metrics, log),
		signup:    NewSignupService(stores, crypto, balances, manager, cfg.SignupFreshness, metrics, events, log),
		admin:     NewAdminService(stores, crypto, manager, cfg.AdminCredential, cfg.SignupFreshness, events, log),
		metrics:   metrics,
		params:    cfg.Params,
		log:       log,
	}
}

func (ms *MixingService) Signup(ctx context.Context, req SignupRequest) (*SignupResult, error) {
	defer ms.refreshGauges(ctx)
	return ms.signup.Signup(ctx, req)
}

func (ms *MixingService) TryFormCeremony(ctx context.Context) (*models.Ceremony, error) {
	defer ms.refreshGauges(ctx)
	return ms.manager.TryFormCeremony(ctx)
}

func (ms *MixingService) SubmitWitness(ctx context.Context, ceremonyID string, blob []byte) (*WitnessResult, error) {
	defer ms.refreshGauges(ctx)
	return ms.witnesses.SubmitWitness(ctx, ceremonyID, blob)
}

func (ms *MixingService) TryFinalizeCeremony(ctx context.Context, id string) (*FinalizeResult, error) {
	defer ms.refreshGauges(ctx)
	return ms.manager.TryFinalizeCeremony(ctx, id)
}

func (ms *MixingService) CancelCeremony(ctx context.Context, id string, reason string) (*models.CancelledCeremony, error) {
	defer ms.refreshGauges(ctx)
	return ms.manager.CancelCeremony(ctx, id, reason)
}

// GetQueue lists queued participants oldest first.
func (ms *MixingService) GetQueue(ctx context.Context) ([]models.QueueEntry, error) {
	queued, err := ms.stores.Queue.List(ctx)
	if err != nil {
		return nil, internalError("could not list queue: %w", err)
	}
	entries := make([]models.QueueEntry, len(queued))
	for i, q := range queued {
		entries[i] = q.Entry
	}
	return entries, nil
}

func (ms *MixingService) GetActiveCeremonies(ctx context.Context) ([]models.Ceremony, error) {
	return ms.manager.ActiveCeremonies(ctx)
}

// GetCeremonyHistory lists submitted ceremonies, newest expiration first.
func (ms *MixingService) GetCeremonyHistory(ctx context.Context) ([]models.CeremonyRecord, error) {
	records, err := ms.stores.History.Records(ctx)
	if err != nil {
		return nil, internalError("could not list history: %w", err)
	}
	return records, nil
}

func (ms *MixingService) GetCancelledCeremonies(ctx context.Context) ([]models.CancelledCeremony, error) {
	records, err := ms.stores.History.CancelledRecords(ctx)
	if err != nil {
		return nil, internalError("could not list cancellations: %w", err)
	}
	return records, nil
}

func (ms *MixingService) GetCeremonyStatus(ctx context.Context, id string) (models.CeremonyStatus, error) {
	return ms.manager.Status(ctx, id)
}

func (ms *MixingService) GetBlacklist(ctx context.Context) ([]models.BlacklistEntry, error) {
	entries, err := ms.stores.Blacklist.List(ctx)
	if err != nil {
		return nil, internalError("could not list blacklist: %w", err)
	}
	return entries, nil
}

func (ms *MixingService) GetProtocolParameters() models.ProtocolParameters {
	return ms.params
}

func (ms *MixingService) RunExpirationSweep(ctx context.Context) (*SweepResult, error) {
	defer ms.refreshGauges(ctx)
	return ms.watchdog.Sweep(ctx)
}

// RunIsolatedSweep sweeps and only logs failures.
func (ms *MixingService) RunIsolatedSweep(ctx context.Context) {
	defer ms.refreshGauges(ctx)
	ms.watchdog.RunIsolated(ctx)
}

// Watchdog exposes the watchdog for periodic scheduling.
func (ms *MixingService) Watchdog() *ExpirationWatchdog {
	return ms.watchdog
}

func (ms *MixingService) AdminResetAllState(ctx context.Context, req AdminRequest) (int, error) {
	defer ms.refreshGauges(ctx)
	return ms.admin.ResetAllState(ctx, req)
}

func (ms *MixingService) AdminRemoveBlacklistEntry(ctx context.Context, req AdminRequest) error {
	return ms.admin.RemoveBlacklistEntry(ctx, req)
}

func (ms *MixingService) AdminCancelCeremony(ctx context.Context, req AdminRequest) (*models.CancelledCeremony, error) {
	defer ms.refreshGauges(ctx)
	return ms.admin.CancelCeremony(ctx, req)
}

func (ms *MixingService) refreshGauges(ctx context.Context) {
	if ms.metrics == nil {
		return
	}
	if queued, err := ms.stores.Queue.List(ctx); err == nil {
		ms.metrics.SetQueueLength(len(queued))
	}
	if active, err := ms.stores.Ceremonies.List(ctx); err == nil {
		ms.metrics.SetActiveCeremonies(len(active))
	}
}
