package service_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"mixer-backend/ledger"
	"mixer-backend/models"
	"mixer-backend/service"
	"mixer-backend/storage"
	"mixer-backend/utils/unittest"
)

const funds = 50_000_000

var testParams = models.ProtocolParameters{
	MinParticipants:    2,
	OperatorFee:        1_000_000,
	UniformOutputValue: 10_000_000,
}

type harnessConfig struct {
	params   models.ProtocolParameters
	validity time.Duration
	retries  uint64
	wrap     func(ledger.TransactionBuilder) ledger.TransactionBuilder
}

type harnessOption func(*harnessConfig)

func withMinParticipants(n int) harnessOption {
	return func(cfg *harnessConfig) {
		cfg.params.MinParticipants = n
	}
}

func withValidity(d time.Duration) harnessOption {
	return func(cfg *harnessConfig) {
		cfg.validity = d
	}
}

func withBuilder(wrap func(ledger.TransactionBuilder) ledger.TransactionBuilder) harnessOption {
	return func(cfg *harnessConfig) {
		cfg.wrap = wrap
	}
}

// recordingSink keeps every delivered event.
type recordingSink struct {
	mu     sync.Mutex
	events []service.Event
}

func (s *recordingSink) Broadcast(e service.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) Types() []service.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]service.EventType, len(s.events))
	for i, e := range s.events {
		types[i] = e.Type
	}
	return types
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	clock  *unittest.Clock
	store  *storage.BadgerStore
	devnet *ledger.Devnet
	admin  *ledger.Wallet
	sink   *recordingSink
	events *service.EventProcessor
	svc    *service.MixingService
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	cfg := harnessConfig{params: testParams, retries: 10}
	for _, opt := range opts {
		opt(&cfg)
	}

	clock := unittest.NewClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	store := unittest.InMemoryStore(t)
	log := unittest.Logger()

	operator, err := ledger.NewWallet(false)
	require.NoError(t, err)
	admin, err := ledger.NewWallet(false)
	require.NoError(t, err)

	devnet, err := ledger.NewDevnet(ledger.DevnetConfig{
		Validity:      cfg.validity,
		FaucetEnabled: true,
		Now:           clock.Now,
	}, cfg.params, operator.Key, log)
	require.NoError(t, err)

	var builder ledger.TransactionBuilder = devnet
	if cfg.wrap != nil {
		builder = cfg.wrap(devnet)
	}

	metrics := service.NewMetricsCollector(prometheus.NewRegistry())
	sink := &recordingSink{}
	events := service.NewEventProcessor(sink, 64, metrics, log)
	events.Start()
	t.Cleanup(events.Stop)

	svc := service.NewMixingService(service.Config{
		Params:          cfg.params,
		AdminCredential: admin.Credential(),
		ConflictRetries: cfg.retries,
		RetryBackoff:    time.Millisecond,
		Now:             clock.Now,
	}, store, builder, devnet, devnet, metrics, events, log)

	return &harness{
		t:      t,
		ctx:    context.Background(),
		clock:  clock,
		store:  store,
		devnet: devnet,
		admin:  admin,
		sink:   sink,
		events: events,
		svc:    svc,
	}
}

type user struct {
	wallet    *ledger.Wallet
	recipient *ledger.Wallet
}

func (u *user) Address() string {
	return u.wallet.Address
}

// newUser creates a funded user with a fresh recipient address.
func (h *harness) newUser(amount uint64) *user {
	wallet, err := ledger.NewWallet(true)
	require.NoError(h.t, err)
	recipient, err := ledger.NewWallet(true)
	require.NoError(h.t, err)
	if amount > 0 {
		_, err = h.devnet.Faucet(h.ctx, wallet.Address, amount)
		require.NoError(h.t, err)
	}
	return &user{wallet: wallet, recipient: recipient}
}

func (h *harness) payload(u *user) models.SignupPayload {
	return models.SignupPayload{
		Address:          u.wallet.Address,
		RecipientAddress: u.recipient.Address,
		Context:          models.SignupContext,
		SignupTimestamp:  h.clock.Now().UnixMilli(),
	}
}

// signed marshals payload and signs it with key.
func signed(t *testing.T, payload interface{}, signer *ledger.Wallet) ([]byte, models.SignedMessage) {
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	sig, err := signer.SignMessage(raw)
	require.NoError(t, err)
	return raw, sig
}

func (h *harness) signupRequest(u *user, mutate func(*models.SignupPayload)) service.SignupRequest {
	payload := h.payload(u)
	if mutate != nil {
		mutate(&payload)
	}
	raw, sig := signed(h.t, payload, u.wallet)
	return service.SignupRequest{Payload: raw, Signature: sig}
}

// signup registers u and advances the clock so that arrivals are ordered.
func (h *harness) signup(u *user) *service.SignupResult {
	result, err := h.svc.Signup(h.ctx, h.signupRequest(u, nil))
	require.NoError(h.t, err)
	h.clock.Advance(time.Second)
	return result
}

// formCeremony signs up users until a ceremony forms and returns it.
func (h *harness) formCeremony(users ...*user) models.Ceremony {
	var id string
	for _, u := range users {
		id = h.signup(u).CeremonyID
	}
	require.NotEmpty(h.t, id, "no ceremony formed")

	active, err := h.svc.GetActiveCeremonies(h.ctx)
	require.NoError(h.t, err)
	for _, c := range active {
		if c.ID == id {
			return c
		}
	}
	h.t.Fatalf("ceremony %s not active", id)
	return models.Ceremony{}
}

func (h *harness) witness(u *user, ceremony models.Ceremony) []byte {
	blob, err := u.wallet.SignTransaction(ceremony.Transaction)
	require.NoError(h.t, err)
	return blob
}

func (h *harness) queueAddresses() []string {
	queue, err := h.svc.GetQueue(h.ctx)
	require.NoError(h.t, err)
	addresses := make([]string, len(queue))
	for i, e := range queue {
		addresses[i] = e.Participant.Address
	}
	return addresses
}

func (h *harness) adminRequest(signer *ledger.Wallet, payload service.AdminPayload) service.AdminRequest {
	if payload.Timestamp == 0 {
		payload.Timestamp = h.clock.Now().UnixMilli()
	}
	raw, sig := signed(h.t, payload, signer)
	return service.AdminRequest{Payload: raw, Signature: sig}
}

// blacklist records u as a participant that failed to sign.
func (h *harness) blacklist(u *user) {
	c := storage.NewCommit()
	require.NoError(h.t, storage.NewBlacklist(h.store).StagePut(c, models.BlacklistEntry{
		CredentialHash: u.wallet.Credential(),
		Reason:         models.ReasonFailedToSign,
		ID:             "test",
		Timestamp:      h.clock.Now(),
	}))
	require.NoError(h.t, h.store.AtomicCommit(h.ctx, c))
}

func addressesOf(participants []models.Participant) []string {
	addresses := make([]string, len(participants))
	for i, p := range participants {
		addresses[i] = p.Address
	}
	return addresses
}

// faultyBuilder overrides selected builder operations with failures.
type faultyBuilder struct {
	ledger.TransactionBuilder
	buildErr  error
	submitErr error
	// afterSubmit runs once the wrapped builder accepted a submission
	afterSubmit func()
}

func (b *faultyBuilder) Build(ctx context.Context, participants []models.Participant) (*ledger.BuiltTransaction, error) {
	if b.buildErr != nil {
		return nil, b.buildErr
	}
	return b.TransactionBuilder.Build(ctx, participants)
}

func (b *faultyBuilder) Submit(ctx context.Context, signed []byte) (string, error) {
	if b.submitErr != nil {
		return "", b.submitErr
	}
	confirmation, err := b.TransactionBuilder.Submit(ctx, signed)
	if err == nil && b.afterSubmit != nil {
		b.afterSubmit()
	}
	return confirmation, err
}

// enqueueDirect queues u without going through signup, so no ceremony forms.
func (h *harness) enqueueDirect(u *user) {
	p := models.Participant{
		Address:           u.Address(),
		RecipientAddress:  u.recipient.Address,
		PaymentCredential: u.wallet.Credential(),
	}
	require.NoError(h.t, storage.NewQueue(h.store).Enqueue(h.ctx, p, h.clock.Now()))
	h.clock.Advance(time.Second)
}

func (h *harness) status(id string) string {
	status, err := h.svc.GetCeremonyStatus(h.ctx, id)
	require.NoError(h.t, err)
	return status.String()
}
