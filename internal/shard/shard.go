// Package shard maps users to engine instances. Each engine owns the queue,
// pairs and timers of its shard; gateways route commands by the same
// mapping. Pairing never crosses shards.
package shard

import "github.com/cespare/xxhash/v2"

// Router maps a user ID to a shard index in [0, Count()).
type Router interface {
	Shard(userID string) int
	Count() int
}

// Single routes everyone to shard 0.
type Single struct{}

func (Single) Shard(string) int { return 0 }
func (Single) Count() int       { return 1 }

// Modulo hashes the user ID with xxhash and takes it modulo n.
type Modulo struct {
	n uint64
}

// New returns Single for n <= 1 and Modulo otherwise.
func New(n int) Router {
	if n <= 1 {
		return Single{}
	}
	return Modulo{n: uint64(n)}
}

func (m Modulo) Shard(userID string) int {
	return int(xxhash.Sum64String(userID) % m.n)
}

func (m Modulo) Count() int { return int(m.n) }
