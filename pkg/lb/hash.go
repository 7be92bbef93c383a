package lb

import (
	"errors"

	"github.com/cespare/xxhash"
)

var ErrNoWorkers = errors.New("lb: worker count must be positive")

// Hash spreads signatures over worker slots with xxhash, so the same peer
// keeps landing on the same worker across reconnects.
type Hash struct {
	length uint64
}

func NewHash(n int) (*Hash, error) {
	if n <= 0 {
		return nil, ErrNoWorkers
	}
	return &Hash{length: uint64(n)}, nil
}

func (h *Hash) Pick(signature string) int {
	if h.length == 1 {
		return 0
	}
	return int(xxhash.Sum64String(signature) % h.length)
}

func (h *Hash) Size() int {
	return int(h.length)
}
