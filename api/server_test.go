package api_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mixer-backend/api"
	"mixer-backend/ledger"
	"mixer-backend/models"
	"mixer-backend/service"
	"mixer-backend/utils/unittest"
)

const funds = 50_000_000

type fixture struct {
	t      *testing.T
	clock  *unittest.Clock
	devnet *ledger.Devnet
	admin  *ledger.Wallet
	hub    *api.Hub
	server *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	clock := unittest.NewClock(time.Now().UTC())
	log := unittest.Logger()
	params := models.ProtocolParameters{MinParticipants: 2, OperatorFee: 1_000_000, UniformOutputValue: 10_000_000}

	operator, err := ledger.NewWallet(false)
	require.NoError(t, err)
	admin, err := ledger.NewWallet(false)
	require.NoError(t, err)
	devnet, err := ledger.NewDevnet(ledger.DevnetConfig{FaucetEnabled: true, Now: clock.Now}, params, operator.Key, log)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics := service.NewMetricsCollector(reg)
	hub := api.NewHub(log)
	events := service.NewEventProcessor(hub, 64, metrics, log)
	events.Start()

	svc := service.NewMixingService(service.Config{
		Params:          params,
		AdminCredential: admin.Credential(),
		ConflictRetries: 10,
		RetryBackoff:    time.Millisecond,
		Now:             clock.Now,
	}, unittest.InMemoryStore(t), devnet, devnet, devnet, metrics, events, log)

	srv := api.NewServer(api.ServerConfig{ClientOrigin: "*", FaucetAmount: funds}, svc, hub, devnet, reg, log)
	server := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hub.Close()
		server.Close()
		events.Stop()
	})

	return &fixture{t: t, clock: clock, devnet: devnet, admin: admin, hub: hub, server: server}
}

func (f *fixture) do(method, path string, body interface{}, out interface{}) int {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(f.t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(f.t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(f.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// fundedWallet creates a wallet and pays it through the faucet endpoint.
func (f *fixture) fundedWallet() *ledger.Wallet {
	wallet, err := ledger.NewWallet(true)
	require.NoError(f.t, err)
	var resp api.FaucetResponse
	require.Equal(f.t, http.StatusOK, f.do(http.MethodPost, "/faucet", api.FaucetRequest{Address: wallet.Address}, &resp))
	require.Equal(f.t, uint64(funds), resp.Amount)
	return wallet
}

func (f *fixture) signed(signer *ledger.Wallet, payload interface{}) api.SignedRequest {
	raw, err := json.Marshal(payload)
	require.NoError(f.t, err)
	sig, err := signer.SignMessage(raw)
	require.NoError(f.t, err)
	return api.SignedRequest{Payload: string(raw), Signature: sig}
}

func (f *fixture) signupBody(wallet *ledger.Wallet) api.SignedRequest {
	recipient, err := ledger.NewWallet(true)
	require.NoError(f.t, err)
	return f.signed(wallet, models.SignupPayload{
		Address:          wallet.Address,
		RecipientAddress: recipient.Address,
		Context:          models.SignupContext,
		SignupTimestamp:  f.clock.Now().UnixMilli(),
	})
}

func TestProtocolParameters(t *testing.T) {
	f := newFixture(t)
	var params models.ProtocolParameters
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/protocol_parameters", nil, &params))
	assert.Equal(t, 2, params.MinParticipants)
}

func TestCeremonyOverHTTP(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	a, b := f.fundedWallet(), f.fundedWallet()

	var first service.SignupResult
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/signup", f.signupBody(a), &first))
	assert.Empty(t, first.CeremonyID)

	var queue []models.QueueEntry
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/queue", nil, &queue))
	require.Len(t, queue, 1)
	assert.Equal(t, a.Address, queue[0].Participant.Address)
	assert.Empty(t, queue[0].Participant.RecipientAddress)

	var second service.SignupResult
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/signup", f.signupBody(b), &second))
	require.NotEmpty(t, second.CeremonyID)

	var views []api.CeremonyView
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/list_active_ceremonies", nil, &views))
	require.Len(t, views, 1)
	view := views[0]
	assert.Equal(t, second.CeremonyID, view.ID)
	for _, p := range view.Participants {
		assert.Empty(t, p.RecipientAddress)
	}

	// the formed event carries the transaction to sign
	var formed service.Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for formed.Type != service.EventCeremonyFormed {
		require.NoError(t, conn.ReadJSON(&formed))
	}
	assert.Equal(t, view.Transaction, formed.Transaction)

	blob, err := hex.DecodeString(view.Transaction)
	require.NoError(t, err)
	for _, w := range []*ledger.Wallet{a, b} {
		witness, err := w.SignTransaction(blob)
		require.NoError(t, err)
		var result service.WitnessResult
		require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/submit_signature", api.SubmitSignatureRequest{
			CeremonyID: view.ID,
			Witness:    hex.EncodeToString(witness),
		}, &result))
	}

	var status api.CeremonyStatusResponse
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/ceremony_status?id="+view.ID, nil, &status))
	assert.Equal(t, "on-chain", status.Status)

	var history []models.CeremonyRecord
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/ceremony_history", nil, &history))
	require.Len(t, history, 1)
	assert.Equal(t, view.TransactionHash, history[0].TransactionHash)
}

func TestErrorStatusCodes(t *testing.T) {
	f := newFixture(t)
	wallet := f.fundedWallet()

	var e api.ErrorResponse
	stale := f.signed(wallet, models.SignupPayload{
		Address:         wallet.Address,
		Context:         models.SignupContext,
		SignupTimestamp: f.clock.Now().Add(-time.Hour).UnixMilli(),
	})
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/signup", stale, &e))
	assert.Equal(t, string(service.KindValidation), e.Kind)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/signup", "not an object", &e))

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/submit_signature", api.SubmitSignatureRequest{
		CeremonyID: "missing",
		Witness:    "00",
	}, &e))
	assert.Equal(t, string(service.KindNotFound), e.Kind)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/submit_signature", api.SubmitSignatureRequest{
		CeremonyID: "missing",
		Witness:    "zz",
	}, &e))
	assert.Equal(t, string(service.KindCrypto), e.Kind)

	reset := f.signed(wallet, service.AdminPayload{Action: service.AdminReset, Timestamp: f.clock.Now().UnixMilli()})
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/admin/reset", reset, &e))
	assert.Equal(t, string(service.KindAdminAuth), e.Kind)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/ceremony_status", nil, &e))

	var status api.CeremonyStatusResponse
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/ceremony_status?id=nope", nil, &status))
	assert.Equal(t, "not-found", status.Status)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/faucet", api.FaucetRequest{Address: "bogus"}, &e))
}

func TestAdminOverHTTP(t *testing.T) {
	f := newFixture(t)
	wallet := f.fundedWallet()
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/signup", f.signupBody(wallet), nil))

	reset := f.signed(f.admin, service.AdminPayload{Action: service.AdminReset, Timestamp: f.clock.Now().UnixMilli()})
	var out map[string]int
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/admin/reset", reset, &out))
	assert.Positive(t, out["deleted"])

	var queue []models.QueueEntry
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/queue", nil, &queue))
	assert.Empty(t, queue)

	remove := f.signed(f.admin, service.AdminPayload{
		Action:    service.AdminRemoveBlacklist,
		Timestamp: f.clock.Now().UnixMilli(),
		Target:    wallet.Credential(),
	})
	var e api.ErrorResponse
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/admin/blacklist/remove", remove, &e))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.fundedWallet()
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/queue", nil, nil))

	resp, err := http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "mixer_queue_length")
	assert.Contains(t, string(body), "mixer_expiration_sweeps_total")
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusConflict, api.StatusCode(service.KindConflict))
	assert.Equal(t, http.StatusConflict, api.StatusCode(service.KindNotReady))
	assert.Equal(t, http.StatusInternalServerError, api.StatusCode(service.KindSubmission))
	assert.Equal(t, http.StatusInternalServerError, api.StatusCode(service.KindOf(context.Canceled)))
}
