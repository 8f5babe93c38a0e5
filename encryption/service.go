package encryption

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"

	"mixer-backend/models"
)

var ErrMalformedSignedMessage = errors.New("malformed signed message")

type CryptoService struct{}

func NewCryptoService() *CryptoService {
	return &CryptoService{}
}

// GenerateKeyPair generates a new ECDSA key pair
func (cs *CryptoService) GenerateKeyPair() (*ecdsa.PrivateKey, error) {
	return crypto.GenerateKey()
}

// Sign creates a recoverable signature over the Keccak256 hash of data
func (cs *CryptoService) Sign(data []byte, privateKey *ecdsa.PrivateKey) ([]byte, error) {
	return cs.SignHash(cs.Keccak256(data), privateKey)
}

// SignHash signs a 32 byte digest as is
func (cs *CryptoService) SignHash(hash []byte, privateKey *ecdsa.PrivateKey) ([]byte, error) {
	return crypto.Sign(hash, privateKey)
}

// VerifySignature verifies the signature of data using public key
func (cs *CryptoService) VerifySignature(data, signature []byte, publicKey *ecdsa.PublicKey) bool {
	return cs.VerifyHash(cs.Keccak256(data), signature, publicKey)
}

// VerifyHash verifies a signature over a 32 byte digest
func (cs *CryptoService) VerifyHash(hash, signature []byte, publicKey *ecdsa.PublicKey) bool {
	if publicKey == nil || len(hash) != 32 {
		return false
	}
	sigPublicKey, err := crypto.SigToPub(hash, signature)
	if err != nil {
		return false
	}
	return sigPublicKey.X.Cmp(publicKey.X) == 0 && sigPublicKey.Y.Cmp(publicKey.Y) == 0
}

// FromECDSAPub serializes public key to bytes
func (cs *CryptoService) FromECDSAPub(pub *ecdsa.PublicKey) []byte {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return nil
	}
	return crypto.FromECDSAPub(pub)
}

func (cs *CryptoService) UnmarshalPublicKey(data []byte) (*ecdsa.PublicKey, error) {
	return crypto.UnmarshalPubkey(data)
}

// Keccak256 computes Keccak-256 hash
func (cs *CryptoService) Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// Credential is the lowercase hex of the 20 byte key hash identifying pub.
func (cs *CryptoService) Credential(pub *ecdsa.PublicKey) string {
	return hex.EncodeToString(crypto.PubkeyToAddress(*pub).Bytes())
}

// SignMessage produces a detached signature of payload that carries its
// own public key.
func (cs *CryptoService) SignMessage(payload []byte, privateKey *ecdsa.PrivateKey) (models.SignedMessage, error) {
	sig, err := cs.Sign(payload, privateKey)
	if err != nil {
		return models.SignedMessage{}, fmt.Errorf("failed to sign message: %w", err)
	}
	return models.SignedMessage{
		Key:       hexutil.Encode(cs.FromECDSAPub(&privateKey.PublicKey)),
		Signature: hexutil.Encode(sig),
	}, nil
}

// OpenSignedMessage checks the signature of msg over payload and returns
// the credential of the signing key.
func (cs *CryptoService) OpenSignedMessage(payload []byte, msg models.SignedMessage) (string, error) {
	keyBytes, err := decodeHex(msg.Key)
	if err != nil {
		return "", fmt.Errorf("%w: key: %v", ErrMalformedSignedMessage, err)
	}
	sig, err := decodeHex(msg.Signature)
	if err != nil {
		return "", fmt.Errorf("%w: signature: %v", ErrMalformedSignedMessage, err)
	}
	pub, err := cs.UnmarshalPublicKey(keyBytes)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedSignedMessage, err)
	}
	if !cs.VerifySignature(payload, sig, pub) {
		return "", errors.New("signature does not match key")
	}
	return cs.Credential(pub), nil
}

// decodeHex accepts hex with or without the 0x prefix.
func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}
