package ledger

import (
	"crypto/ecdsa"
	"fmt"

	"mixer-backend/encryption"
	"mixer-backend/models"
)

var cryptoService = encryption.NewCryptoService()

// Wallet is a key together with the devnet address it controls.
type Wallet struct {
	Key     *ecdsa.PrivateKey
	Address string
}

// NewWallet creates a fresh key. With stake set the address also carries a
// stake credential derived from a second key.
func NewWallet(stake bool) (*Wallet, error) {
	key, err := cryptoService.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate wallet key: %w", err)
	}
	var stakeCredential string
	if stake {
		stakeKey, err := cryptoService.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("failed to generate stake key: %w", err)
		}
		stakeCredential = cryptoService.Credential(&stakeKey.PublicKey)
	}
	return WalletFromKey(key, stakeCredential), nil
}

func WalletFromKey(key *ecdsa.PrivateKey, stakeCredential string) *Wallet {
	return &Wallet{
		Key:     key,
		Address: NewAddress(cryptoService.Credential(&key.PublicKey), stakeCredential),
	}
}

func (w *Wallet) Credential() string {
	return cryptoService.Credential(&w.Key.PublicKey)
}

func (w *Wallet) SignMessage(payload []byte) (models.SignedMessage, error) {
	return cryptoService.SignMessage(payload, w.Key)
}

func (w *Wallet) SignTransaction(blob []byte) ([]byte, error) {
	return SignTransaction(w.Key, blob)
}

// SignTransaction returns the witness of key over the transaction body blob.
func SignTransaction(key *ecdsa.PrivateKey, blob []byte) ([]byte, error) {
	if _, err := DecodeBody(blob); err != nil {
		return nil, err
	}
	sig, err := cryptoService.SignHash(cryptoService.Keccak256(blob), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return encode(TransactionWitness{
		Key:       cryptoService.FromECDSAPub(&key.PublicKey),
		Signature: sig,
	})
}
