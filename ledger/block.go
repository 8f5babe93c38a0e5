package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Block records one applied transaction on the devnet chain.
type Block struct {
	Index      uint64 `json:"index"`
	Timestamp  int64  `json:"timestamp"` // unix nanoseconds
	TxHash     string `json:"tx_hash"`
	Data       []byte `json:"data"`
	PrevHash   []byte `json:"prev_hash"`
	Hash       []byte `json:"hash"`
	Nonce      uint64 `json:"nonce"`
	Difficulty uint8  `json:"difficulty"` // number of leading zero bytes required
}

func NewBlock(index uint64, at time.Time, txHash string, data []byte, prevHash []byte, difficulty uint8) *Block {
	block := &Block{
		Index:      index,
		Timestamp:  at.UnixNano(),
		TxHash:     txHash,
		Data:       data,
		PrevHash:   prevHash,
		Difficulty: difficulty,
	}
	block.Mine()
	return block
}

func (b *Block) Mine() {
	target := make([]byte, b.Difficulty)
	for nonce := uint64(0); ; nonce++ {
		b.Nonce = nonce
		b.Hash = b.calculateHash()
		if bytes.HasPrefix(b.Hash, target) {
			return
		}
	}
}

func (b *Block) calculateHash() []byte {
	buffer := new(bytes.Buffer)
	binary.Write(buffer, binary.BigEndian, b.Index)
	binary.Write(buffer, binary.BigEndian, b.Timestamp)
	buffer.WriteString(b.TxHash)
	buffer.Write(b.Data)
	buffer.Write(b.PrevHash)
	binary.Write(buffer, binary.BigEndian, b.Nonce)

	hash := sha256.Sum256(buffer.Bytes())
	return hash[:]
}

func (b *Block) Validate() bool {
	calculatedHash := b.calculateHash()
	if !bytes.Equal(calculatedHash, b.Hash) {
		return false
	}
	return bytes.HasPrefix(calculatedHash, make([]byte, b.Difficulty))
}

// ValidateChain checks hashes, links, indexes and timestamp order.
func ValidateChain(blocks []*Block) error {
	for i, block := range blocks {
		if !block.Validate() {
			return fmt.Errorf("block %d has invalid hash", i)
		}
		if i == 0 {
			continue
		}

		previous := blocks[i-1]
		if !bytes.Equal(block.PrevHash, previous.Hash) {
			return fmt.Errorf("block %d has invalid previous hash link", i)
		}
		if block.Index != previous.Index+1 {
			return fmt.Errorf("block %d has invalid index", i)
		}
		if block.Timestamp < previous.Timestamp {
			return fmt.Errorf("block %d is older than its parent", i)
		}
	}
	return nil
}
