package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mixer-backend/ledger"
	"mixer-backend/models"
	"mixer-backend/service"
)

func TestAdminResetKeepsHistory(t *testing.T) {
	h := newHarness(t, withMinParticipants(2))
	a, b := h.newUser(funds), h.newUser(funds)
	done := h.formCeremony(a, b)
	for _, u := range []*user{a, b} {
		_, err := h.svc.SubmitWitness(h.ctx, done.ID, h.witness(u, done))
		require.NoError(t, err)
	}

	cancelled := h.formCeremony(h.newUser(funds), h.newUser(funds))
	_, err := h.svc.CancelCeremony(h.ctx, cancelled.ID, "test")
	require.NoError(t, err)

	// the cancelled participants form the next ceremony
	_, err = h.svc.TryFormCeremony(h.ctx)
	require.NoError(t, err)
	h.enqueueDirect(h.newUser(funds))
	banned := h.newUser(funds)
	h.blacklist(banned)
	_, err = h.svc.RunExpirationSweep(h.ctx)
	require.NoError(t, err)

	require.Len(t, h.queueAddresses(), 1)

	deleted, err := h.svc.AdminResetAllState(h.ctx, h.adminRequest(h.admin, service.AdminPayload{Action: service.AdminReset}))
	require.NoError(t, err)
	assert.Positive(t, deleted)

	assert.Empty(t, h.queueAddresses())
	active, err := h.svc.GetActiveCeremonies(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
	blacklist, err := h.svc.GetBlacklist(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, blacklist)

	history, err := h.svc.GetCeremonyHistory(h.ctx)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, "on-chain", h.status(done.ID))
	assert.Equal(t, "cancelled:test", h.status(cancelled.ID))

	// the sweep marker is cleared too, so the next sweep runs at once
	result, err := h.svc.RunExpirationSweep(h.ctx)
	require.NoError(t, err)
	assert.False(t, result.Skipped)

	// previously blacklisted and queued addresses may sign up again
	h.signup(banned)
}

func TestAdminAuthorization(t *testing.T) {
	h := newHarness(t)
	stranger, err := ledger.NewWallet(false)
	require.NoError(t, err)

	cases := []struct {
		name    string
		request func() service.AdminRequest
		err     error
	}{
		{
			name: "malformed",
			request: func() service.AdminRequest {
				sig, err := h.admin.SignMessage([]byte("reset"))
				require.NoError(t, err)
				return service.AdminRequest{Payload: []byte("reset"), Signature: sig}
			},
			err: service.ErrMalformedAdminRequest,
		},
		{
			name: "signed for another action",
			request: func() service.AdminRequest {
				return h.adminRequest(h.admin, service.AdminPayload{Action: service.AdminRemoveBlacklist})
			},
			err: service.ErrAdminWrongAction,
		},
		{
			name: "stale",
			request: func() service.AdminRequest {
				return h.adminRequest(h.admin, service.AdminPayload{
					Action:    service.AdminReset,
					Timestamp: h.clock.Now().Add(-time.Hour).UnixMilli(),
				})
			},
			err: service.ErrAdminStale,
		},
		{
			name: "not the admin key",
			request: func() service.AdminRequest {
				return h.adminRequest(stranger, service.AdminPayload{Action: service.AdminReset})
			},
			err: service.ErrAdminUnauthorized,
		},
		{
			name: "tampered payload",
			request: func() service.AdminRequest {
				req := h.adminRequest(h.admin, service.AdminPayload{Action: service.AdminReset})
				other := h.adminRequest(h.admin, service.AdminPayload{Action: service.AdminReset, Reason: "x"})
				req.Signature = other.Signature
				return req
			},
			err: service.ErrAdminUnauthorized,
		},
	}

	queued := h.newUser(funds)
	h.enqueueDirect(queued)

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.AdminResetAllState(h.ctx, tc.request())
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.err)
		})
	}
	assert.Equal(t, []string{queued.Address()}, h.queueAddresses())
}

func TestAdminRemoveBlacklistEntry(t *testing.T) {
	h := newHarness(t, withMinParticipants(3))
	banned := h.newUser(funds)
	h.blacklist(banned)

	remove := func() error {
		return h.svc.AdminRemoveBlacklistEntry(h.ctx, h.adminRequest(h.admin, service.AdminPayload{
			Action: service.AdminRemoveBlacklist,
			Target: banned.wallet.Credential(),
		}))
	}
	require.NoError(t, remove())

	blacklist, err := h.svc.GetBlacklist(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, blacklist)
	h.signup(banned)

	err = remove()
	assert.ErrorIs(t, err, service.ErrNotBlacklisted)
	assert.Equal(t, service.KindNotFound, service.KindOf(err))
}

func TestAdminCancelCeremony(t *testing.T) {
	h := newHarness(t, withMinParticipants(2))
	a, b := h.newUser(funds), h.newUser(funds)
	ceremony := h.formCeremony(a, b)

	record, err := h.svc.AdminCancelCeremony(h.ctx, h.adminRequest(h.admin, service.AdminPayload{
		Action: service.AdminCancelCeremony,
		Target: ceremony.ID,
	}))
	require.NoError(t, err)
	assert.Equal(t, models.ReasonAdminCancellation, record.Reason)
	assert.Equal(t, []string{a.Address(), b.Address()}, h.queueAddresses())

	_, err = h.svc.AdminCancelCeremony(h.ctx, h.adminRequest(h.admin, service.AdminPayload{
		Action: service.AdminCancelCeremony,
		Target: ceremony.ID,
		Reason: "duplicate",
	}))
	assert.ErrorIs(t, err, service.ErrCeremonyNotFound)
}
