// Package syncutil provides shared locking primitives.
package syncutil

import "sync"

const shardCount = 256

// ShardedMutex is a fixed pool of mutexes keyed by string. Memory stays
// bounded no matter how many distinct keys are seen; keys that hash to the
// same shard contend with each other, which only costs latency.
//
// The payment gate holds one lock per (agent, chain) pair so that a balance
// check and the pending record it admits cannot interleave with another
// admission for the same pair. The zero value is ready to use.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the shard for key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardIndex(key)]
	mu.Lock()
	return mu.Unlock
}

// shardIndex is FNV-1a over the key bytes, folded to the shard count.
func shardIndex(key string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return h % shardCount
}
