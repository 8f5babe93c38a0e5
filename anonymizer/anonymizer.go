package anonymizer

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

// Anonymizer produces uniformly random orderings so that the position of
// an output in a transaction says nothing about who requested it.
type Anonymizer struct {
	source io.Reader
}

func New() *Anonymizer {
	return &Anonymizer{source: rand.Reader}
}

// NewWithSource uses r as the randomness source instead of crypto/rand.
func NewWithSource(r io.Reader) *Anonymizer {
	return &Anonymizer{source: r}
}

// Permutation returns a random permutation of [0, n).
func (a *Anonymizer) Permutation(n int) ([]int, error) {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}

	// Fisher-Yates shuffle
	for i := n - 1; i > 0; i-- {
		j, err := rand.Int(a.source, big.NewInt(int64(i+1)))
		if err != nil {
			return nil, fmt.Errorf("failed to draw random index: %w", err)
		}
		k := int(j.Int64())
		perm[i], perm[k] = perm[k], perm[i]
	}
	return perm, nil
}

// Shuffle returns a shuffled copy of items.
func Shuffle[T any](a *Anonymizer, items []T) ([]T, error) {
	perm, err := a.Permutation(len(items))
	if err != nil {
		return nil, err
	}
	shuffled := make([]T, len(items))
	for i, p := range perm {
		shuffled[i] = items[p]
	}
	return shuffled, nil
}
