package ledger_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mixer-backend/ledger"
	"mixer-backend/models"
	"mixer-backend/utils/unittest"
)

var params = models.ProtocolParameters{
	MinParticipants:    3,
	OperatorFee:        1_000_000,
	UniformOutputValue: 10_000_000,
}

type fixture struct {
	devnet   *ledger.Devnet
	operator *ledger.Wallet
	clock    *unittest.Clock
}

func newFixture(t *testing.T, statePath string) *fixture {
	operator, err := ledger.NewWallet(false)
	require.NoError(t, err)
	clock := unittest.NewClock(time.Now())

	devnet, err := ledger.NewDevnet(ledger.DevnetConfig{
		StatePath:     statePath,
		FaucetEnabled: true,
		Now:           clock.Now,
	}, params, operator.Key, unittest.Logger())
	require.NoError(t, err)

	return &fixture{devnet: devnet, operator: operator, clock: clock}
}

// participants creates n funded participants with fresh recipients.
func (f *fixture) participants(t *testing.T, n int, funds uint64) ([]models.Participant, []*ledger.Wallet) {
	ctx := context.Background()
	var (
		participants []models.Participant
		wallets      []*ledger.Wallet
	)
	for i := 0; i < n; i++ {
		w, err := ledger.NewWallet(true)
		require.NoError(t, err)
		r, err := ledger.NewWallet(true)
		require.NoError(t, err)
		_, err = f.devnet.Faucet(ctx, w.Address, funds)
		require.NoError(t, err)

		participants = append(participants, models.Participant{
			Address:           w.Address,
			RecipientAddress:  r.Address,
			PaymentCredential: w.Credential(),
		})
		wallets = append(wallets, w)
	}
	return participants, wallets
}

func (f *fixture) witnesses(t *testing.T, blob []byte, wallets []*ledger.Wallet) [][]byte {
	operatorWitness, err := f.devnet.OperatorWitness(blob)
	require.NoError(t, err)
	witnesses := [][]byte{operatorWitness}
	for _, w := range wallets {
		witness, err := w.SignTransaction(blob)
		require.NoError(t, err)
		witnesses = append(witnesses, witness)
	}
	return witnesses
}

func TestDecodeAddress(t *testing.T) {
	w, err := ledger.NewWallet(true)
	require.NoError(t, err)

	details, err := ledger.DecodeAddress(w.Address)
	require.NoError(t, err)
	assert.Equal(t, w.Credential(), details.PaymentCredential)
	assert.Len(t, details.StakeCredential, 40)

	enterprise := ledger.NewAddress(w.Credential(), "")
	details, err = ledger.DecodeAddress(enterprise)
	require.NoError(t, err)
	assert.Empty(t, details.StakeCredential)

	for _, bad := range []string{"", "addr_", "stake_" + w.Credential(), "addr_xyz", enterprise + "00"} {
		_, err := ledger.DecodeAddress(bad)
		assert.ErrorIs(t, err, ledger.ErrInvalidAddress, bad)
	}
}

func TestDevnet_MixingRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	participants, wallets := f.participants(t, 3, 20_000_000)

	built, err := f.devnet.Build(ctx, participants)
	require.NoError(t, err)
	assert.True(t, built.ExpiresAt.After(f.clock.Now()))

	hash, err := f.devnet.HashTransaction(built.Blob)
	require.NoError(t, err)
	assert.Equal(t, built.Hash, hash)

	witnesses := f.witnesses(t, built.Blob, wallets)
	for i, w := range witnesses {
		assert.True(t, f.devnet.VerifyWitness(w, built.Hash), "witness %d", i)
	}
	signer, err := f.devnet.DecodeWitnessSigner(witnesses[1])
	require.NoError(t, err)
	assert.Equal(t, participants[0].PaymentCredential, signer)

	signed, err := f.devnet.Assemble(ctx, built.Blob, witnesses)
	require.NoError(t, err)
	confirmation, err := f.devnet.Submit(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, built.Hash, confirmation)

	for _, p := range participants {
		balance, err := f.devnet.Balance(ctx, p.RecipientAddress)
		require.NoError(t, err)
		assert.Equal(t, params.UniformOutputValue, balance)

		change, err := f.devnet.Balance(ctx, p.Address)
		require.NoError(t, err)
		assert.Equal(t, uint64(20_000_000)-params.UniformOutputValue-params.OperatorFee, change)
	}
	fees, err := f.devnet.Balance(ctx, f.devnet.OperatorAddress())
	require.NoError(t, err)
	assert.Equal(t, 3*params.OperatorFee, fees)

	require.NoError(t, ledger.ValidateChain(f.devnet.Chain()))

	// the same transaction cannot be applied twice
	_, err = f.devnet.Submit(ctx, signed)
	require.ErrorIs(t, err, ledger.ErrInputSpent)
}

func TestDevnet_SubmitRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("missing witness", func(t *testing.T) {
		f := newFixture(t, "")
		participants, wallets := f.participants(t, 2, 20_000_000)
		built, err := f.devnet.Build(ctx, participants)
		require.NoError(t, err)

		witnesses := f.witnesses(t, built.Blob, wallets[:1])
		signed, err := f.devnet.Assemble(ctx, built.Blob, witnesses)
		require.NoError(t, err)
		_, err = f.devnet.Submit(ctx, signed)
		require.ErrorIs(t, err, ledger.ErrMissingWitness)
	})

	t.Run("witness over another transaction", func(t *testing.T) {
		f := newFixture(t, "")
		participants, wallets := f.participants(t, 2, 30_000_000)
		first, err := f.devnet.Build(ctx, participants)
		require.NoError(t, err)
		second, err := f.devnet.Build(ctx, participants)
		require.NoError(t, err)

		witnesses := f.witnesses(t, first.Blob, wallets)
		assert.False(t, f.devnet.VerifyWitness(witnesses[1], second.Hash))

		signed, err := f.devnet.Assemble(ctx, second.Blob, witnesses)
		require.NoError(t, err)
		_, err = f.devnet.Submit(ctx, signed)
		require.ErrorIs(t, err, ledger.ErrInvalidWitness)
	})

	t.Run("expired", func(t *testing.T) {
		f := newFixture(t, "")
		participants, wallets := f.participants(t, 2, 20_000_000)
		built, err := f.devnet.Build(ctx, participants)
		require.NoError(t, err)

		f.clock.Advance(ledger.DefaultValidity + time.Second)
		signed, err := f.devnet.Assemble(ctx, built.Blob, f.witnesses(t, built.Blob, wallets))
		require.NoError(t, err)
		_, err = f.devnet.Submit(ctx, signed)
		require.ErrorIs(t, err, ledger.ErrExpired)
	})

	t.Run("input spent after build", func(t *testing.T) {
		f := newFixture(t, "")
		participants, wallets := f.participants(t, 2, 20_000_000)
		built, err := f.devnet.Build(ctx, participants)
		require.NoError(t, err)

		other, err := ledger.NewWallet(false)
		require.NoError(t, err)
		_, err = f.devnet.Transfer(ctx, wallets[0], other.Address, 5_000_000)
		require.NoError(t, err)

		signed, err := f.devnet.Assemble(ctx, built.Blob, f.witnesses(t, built.Blob, wallets))
		require.NoError(t, err)
		_, err = f.devnet.Submit(ctx, signed)
		require.ErrorIs(t, err, ledger.ErrInputSpent)
	})
}

func TestDevnet_BuildNeedsFunds(t *testing.T) {
	f := newFixture(t, "")
	participants, _ := f.participants(t, 2, params.RequiredBalance()-1)
	_, err := f.devnet.Build(context.Background(), participants)
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
}

func TestDevnet_ExactBalanceMixesWithoutChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	exact, exactWallets := f.participants(t, 1, params.RequiredBalance())
	funded, fundedWallets := f.participants(t, 1, 20_000_000)

	built, err := f.devnet.Build(ctx, append(exact, funded...))
	require.NoError(t, err)

	body, err := ledger.DecodeBody(built.Blob)
	require.NoError(t, err)
	// two recipients, one change output, one operator output
	require.Len(t, body.Outputs, 4)
	for _, o := range body.Outputs {
		assert.NotEqual(t, exact[0].Address, o.Address)
		assert.NotZero(t, o.Amount)
	}

	signed, err := f.devnet.Assemble(ctx, built.Blob, f.witnesses(t, built.Blob, append(exactWallets, fundedWallets...)))
	require.NoError(t, err)
	_, err = f.devnet.Submit(ctx, signed)
	require.NoError(t, err)

	balance, err := f.devnet.Balance(ctx, exact[0].Address)
	require.NoError(t, err)
	assert.Zero(t, balance)
	balance, err = f.devnet.Balance(ctx, exact[0].RecipientAddress)
	require.NoError(t, err)
	assert.Equal(t, params.UniformOutputValue, balance)
}

func TestDevnet_SignedMessages(t *testing.T) {
	f := newFixture(t, "")
	w, err := ledger.NewWallet(false)
	require.NoError(t, err)

	payload := []byte("payload")
	msg, err := w.SignMessage(payload)
	require.NoError(t, err)

	assert.True(t, f.devnet.VerifySignedMessage(w.Credential(), payload, msg))
	assert.False(t, f.devnet.VerifySignedMessage(f.operator.Credential(), payload, msg))
	assert.False(t, f.devnet.VerifySignedMessage(w.Credential(), []byte("other"), msg))
}

func TestDevnet_Persistence(t *testing.T) {
	unittest.RunWithTempDir(t, func(dir string) {
		ctx := context.Background()
		path := filepath.Join(dir, "devnet.json")

		f := newFixture(t, path)
		w, err := ledger.NewWallet(false)
		require.NoError(t, err)
		_, err = f.devnet.Faucet(ctx, w.Address, 42)
		require.NoError(t, err)

		reopened, err := ledger.NewDevnet(ledger.DevnetConfig{StatePath: path}, params, f.operator.Key, unittest.Logger())
		require.NoError(t, err)

		balance, err := reopened.Balance(ctx, w.Address)
		require.NoError(t, err)
		assert.Equal(t, uint64(42), balance)
		assert.Len(t, reopened.Chain(), 2)

		// faucet is off unless configured
		_, err = reopened.Faucet(ctx, w.Address, 1)
		require.ErrorIs(t, err, ledger.ErrFaucetDisabled)
	})
}
