package pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_GetPut(t *testing.T) {
	p := New(func() *[]byte {
		buf := make([]byte, 16*1024)
		return &buf
	})

	buf := p.Get()
	require.NotNil(t, buf)
	assert.Len(t, *buf, 16*1024)

	p.Put(buf)

	again := p.Get()
	require.NotNil(t, again)
	assert.Len(t, *again, 16*1024)
}

func TestPool_ConcurrentAccess(t *testing.T) {
	p := New(func() *[]byte {
		buf := make([]byte, 1024)
		return &buf
	})

	var wg sync.WaitGroup
	const goroutines = 50
	const iterations = 200

	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range iterations {
				buf := p.Get()
				(*buf)[0] = byte(j)
				p.Put(buf)
			}
		}()
	}

	wg.Wait()
}
