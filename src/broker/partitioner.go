package broker

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"strings"
)

// DefaultPartitionKey is the constant key used by FixedKey when none is given.
// All records then land on the same partition.
const DefaultPartitionKey = "0"

// Partitioner chooses the record key used for partition assignment.
type Partitioner interface {
	Key() []byte
}

type fixedKey []byte

func (k fixedKey) Key() []byte { return k }

// FixedKey sends every record with the same key, so ordering holds across
// all published records but throughput is bounded by a single partition.
func FixedKey(key string) Partitioner {
	return fixedKey(key)
}

type randomKey struct{}

func (randomKey) Key() []byte {
	return binary.BigEndian.AppendUint64(nil, rand.Uint64())
}

// RandomKey spreads records across partitions with no ordering between them.
func RandomKey() Partitioner {
	return randomKey{}
}

// ParsePartitioner maps a strategy name ("fixed", "random") to a Partitioner.
func ParsePartitioner(strategy string) (Partitioner, error) {
	switch strings.ToLower(strings.TrimSpace(strategy)) {
	case "", "fixed":
		return FixedKey(DefaultPartitionKey), nil
	case "random":
		return RandomKey(), nil
	default:
		return nil, fmt.Errorf("unknown partition strategy %q", strategy)
	}
}
