package pool

import (
	"bytes"
	"crypto/sha256"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPool_ResetsOnPut(t *testing.T) {
	p := NewPool(func() *bytes.Buffer { return new(bytes.Buffer) }, func(b *bytes.Buffer) { b.Reset() })

	b := p.Get()
	b.WriteString("dirty")
	p.Put(b)

	// sync.Pool 不保证复用，但取回的对象一定是空的
	assert.Zero(t, p.Get().Len())
	assert.Equal(t, int64(2), p.Stats().Gets)
	assert.GreaterOrEqual(t, p.Stats().News, int64(1))
}

func TestPoolStats_HitRate(t *testing.T) {
	assert.Zero(t, PoolStats{}.HitRate())
	assert.InDelta(t, 0.75, PoolStats{Gets: 4, News: 1}.HitRate(), 1e-9)
}

func TestSumSHA256(t *testing.T) {
	want := sha256.Sum256([]byte("model\x00prompt\x00text"))
	assert.Equal(t, want[:], SumSHA256("model", "prompt", "text"))

	// 分隔符防止拼接歧义
	assert.NotEqual(t, SumSHA256("ab", "c"), SumSHA256("a", "bc"))
}

func TestSumSHA256_Concurrent(t *testing.T) {
	want := sha256.Sum256([]byte("x"))
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				assert.Equal(t, want[:], SumSHA256("x"))
			}
		}()
	}
	wg.Wait()
}
