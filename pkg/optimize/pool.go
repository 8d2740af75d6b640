package optimize

import (
	"bytes"
	"sync"
)

// Pool is a typed sync.Pool. reset, when set, runs before a value is reused.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T)
}

func NewPool[T any](newFn func() T, reset func(T)) *Pool[T] {
	return &Pool[T]{
		pool:  sync.Pool{New: func() any { return newFn() }},
		reset: reset,
	}
}

func (p *Pool[T]) Get() T {
	return p.pool.Get().(T)
}

func (p *Pool[T]) Put(v T) {
	if p.reset != nil {
		p.reset(v)
	}
	p.pool.Put(v)
}

// BufferPool recycles encode buffers. Buffers that grew beyond maxCap are
// dropped so one oversized frame does not pin memory.
type BufferPool struct {
	pool   *Pool[*bytes.Buffer]
	maxCap int
}

func NewBufferPool(initialCap, maxCap int) *BufferPool {
	return &BufferPool{
		pool: NewPool(
			func() *bytes.Buffer { return bytes.NewBuffer(make([]byte, 0, initialCap)) },
			func(b *bytes.Buffer) { b.Reset() },
		),
		maxCap: maxCap,
	}
}

func (p *BufferPool) Get() *bytes.Buffer {
	return p.pool.Get()
}

func (p *BufferPool) Put(b *bytes.Buffer) {
	if p.maxCap > 0 && b.Cap() > p.maxCap {
		return
	}
	p.pool.Put(b)
}
