package ledger

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

type Input struct {
	TxID  string `cbor:"1,keyasint" json:"tx_id"`
	Index uint32 `cbor:"2,keyasint" json:"index"`
}

func (in Input) String() string {
	return fmt.Sprintf("%s#%d", in.TxID, in.Index)
}

type Output struct {
	Address string `cbor:"1,keyasint" json:"address"`
	Amount  uint64 `cbor:"2,keyasint" json:"amount"`
}

// TransactionBody is the signed part of a transaction. Its hash is the
// transaction id.
type TransactionBody struct {
	Inputs          []Input  `cbor:"1,keyasint"`
	Outputs         []Output `cbor:"2,keyasint"`
	RequiredSigners []string `cbor:"3,keyasint"`
	ValidTo         int64    `cbor:"4,keyasint"` // unix seconds
	Nonce           string   `cbor:"5,keyasint"`
}

// TransactionWitness is a signature over the transaction hash together
// with the uncompressed public key that produced it.
type TransactionWitness struct {
	Key       []byte `cbor:"1,keyasint"`
	Signature []byte `cbor:"2,keyasint"`
}

type SignedTransaction struct {
	Body      []byte   `cbor:"1,keyasint"`
	Witnesses [][]byte `cbor:"2,keyasint"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("invalid cbor options: %v", err))
	}
}

func encode(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

func DecodeBody(blob []byte) (*TransactionBody, error) {
	var body TransactionBody
	if err := cbor.Unmarshal(blob, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &body, nil
}

func decodeWitness(blob []byte) (*TransactionWitness, error) {
	var w TransactionWitness
	if err := cbor.Unmarshal(blob, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWitness, err)
	}
	if len(w.Key) == 0 || len(w.Signature) == 0 {
		return nil, fmt.Errorf("%w: empty key or signature", ErrInvalidWitness)
	}
	return &w, nil
}

func decodeSigned(blob []byte) (*SignedTransaction, error) {
	var tx SignedTransaction
	if err := cbor.Unmarshal(blob, &tx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &tx, nil
}

func hashHex(hash []byte) string {
	return hex.EncodeToString(hash)
}
