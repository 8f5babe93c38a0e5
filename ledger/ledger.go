// Package ledger defines the collaborators the coordinator consumes to talk
// to a UTXO ledger, together with a self-contained devnet implementation.
package ledger

import (
	"context"
	"errors"
	"time"

	"mixer-backend/models"
)

var (
	ErrInvalidAddress     = errors.New("invalid address")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrMalformed          = errors.New("malformed transaction")
	ErrExpired            = errors.New("transaction validity interval has passed")
	ErrMissingWitness     = errors.New("required signer has no witness")
	ErrInvalidWitness     = errors.New("invalid witness")
	ErrInputSpent         = errors.New("input already spent or unknown")
	ErrUnbalanced         = errors.New("inputs and outputs do not balance")
	ErrUnauthorizedSpend  = errors.New("input owner did not sign")
	ErrFaucetDisabled     = errors.New("faucet disabled")
	ErrInvalidFaucetValue = errors.New("faucet amount must be positive")
)

// AddressDetails holds the credentials an address is built from.
// StakeCredential is empty for enterprise addresses.
type AddressDetails struct {
	PaymentCredential string
	StakeCredential   string
}

// BuiltTransaction is an unsigned mixing transaction.
type BuiltTransaction struct {
	Blob      []byte
	Hash      string
	ExpiresAt time.Time
}

// TransactionBuilder turns a quorum of participants into a transaction and
// brings the signed result to the ledger.
type TransactionBuilder interface {
	Build(ctx context.Context, participants []models.Participant) (*BuiltTransaction, error)
	Assemble(ctx context.Context, blob []byte, witnesses [][]byte) ([]byte, error)
	// Submit returns the confirmation id assigned by the ledger.
	Submit(ctx context.Context, signed []byte) (string, error)
}

// Crypto covers the signature and encoding rules of the ledger.
type Crypto interface {
	VerifySignedMessage(credential string, payload []byte, signed models.SignedMessage) bool
	DecodeAddress(address string) (*AddressDetails, error)
	DecodeWitnessSigner(blob []byte) (string, error)
	VerifyWitness(blob []byte, txHash string) bool
	HashTransaction(blob []byte) (string, error)
	OperatorWitness(blob []byte) ([]byte, error)
}

type BalanceOracle interface {
	Balance(ctx context.Context, address string) (uint64, error)
}
