package encryption

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"mixer-backend/storage"
)

// KeyFile is the on-disk form of an operator or admin key.
type KeyFile struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// ParsePrivateKey restores a key from hex, with or without the 0x prefix.
func ParsePrivateKey(s string) (*ecdsa.PrivateKey, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to restore private key: %w", err)
	}
	return privateKey, nil
}

func EncodePrivateKey(privateKey *ecdsa.PrivateKey) string {
	return hexutil.Encode(crypto.FromECDSA(privateKey))
}

func EncodePublicKey(pub *ecdsa.PublicKey) string {
	return hexutil.Encode(crypto.FromECDSAPub(pub))
}

// ReadKey reads the key stored at path.
func ReadKey(path string) (*ecdsa.PrivateKey, error) {
	var stored KeyFile
	if err := storage.ReadJSONFile(path, &stored); err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return ParsePrivateKey(stored.PrivateKey)
}

// WriteKey saves key to path, readable by the owner only.
func WriteKey(path string, key *ecdsa.PrivateKey) error {
	stored := KeyFile{
		PublicKey:  EncodePublicKey(&key.PublicKey),
		PrivateKey: EncodePrivateKey(key),
	}
	if err := storage.WriteJSONFile(path, stored); err != nil {
		return fmt.Errorf("failed to save key: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to restrict key file permissions: %w", err)
	}
	return nil
}

// LoadOrGenerateKey reads the key stored at path, creating and saving a new
// one when the file does not exist. generated reports which happened.
func LoadOrGenerateKey(path string) (key *ecdsa.PrivateKey, generated bool, err error) {
	var stored KeyFile
	err = storage.ReadJSONFile(path, &stored)
	if err == nil {
		key, err = ParsePrivateKey(stored.PrivateKey)
		return key, false, err
	}
	if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("failed to read key file: %w", err)
	}

	key, err = crypto.GenerateKey()
	if err != nil {
		return nil, false, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := WriteKey(path, key); err != nil {
		return nil, false, err
	}
	return key, true, nil
}
