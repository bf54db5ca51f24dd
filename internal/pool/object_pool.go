package pool

import (
	"crypto/sha256"
	"hash"
	"sync"
	"sync/atomic"
)

// Pool is a typed wrapper over sync.Pool that resets objects on Put.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T)

	gets atomic.Int64
	news atomic.Int64
}

// NewPool creates a pool. reset may be nil.
func NewPool[T any](newFunc func() T, reset func(T)) *Pool[T] {
	p := &Pool[T]{reset: reset}
	p.pool.New = func() any {
		p.news.Add(1)
		return newFunc()
	}
	return p
}

// Get retrieves an object from the pool.
func (p *Pool[T]) Get() T {
	p.gets.Add(1)
	return p.pool.Get().(T)
}

// Put resets obj and returns it to the pool.
func (p *Pool[T]) Put(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	p.pool.Put(obj)
}

// Stats returns pool statistics.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{Gets: p.gets.Load(), News: p.news.Load()}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Gets int64 `json:"gets"`
	News int64 `json:"news"`
}

// HitRate returns the share of Gets served without allocating.
func (s PoolStats) HitRate() float64 {
	if s.Gets == 0 {
		return 0
	}
	return float64(s.Gets-s.News) / float64(s.Gets)
}

// SHA256Pool 复用 sha256 hasher，用于评审缓存键等高频摘要
var SHA256Pool = NewPool(sha256.New, func(h hash.Hash) { h.Reset() })

// SumSHA256 returns sha256 over parts joined by a zero byte.
func SumSHA256(parts ...string) []byte {
	h := SHA256Pool.Get()
	defer SHA256Pool.Put(h)
	for i, part := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(part))
	}
	return h.Sum(nil)
}
