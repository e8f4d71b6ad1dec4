package gps

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOneShot_FirstResolveWins(t *testing.T) {
	cell := NewOneShot[int]()

	_, ok := cell.Value()
	assert.False(t, ok)

	assert.True(t, cell.Resolve(1))
	assert.False(t, cell.Resolve(2))

	v, ok := cell.Value()
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	select {
	case <-cell.Done():
	default:
		t.Fatal("done channel not closed after resolve")
	}
}

func TestOneShot_ConcurrentResolve(t *testing.T) {
	cell := NewOneShot[int]()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if cell.Resolve(i) {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	_, ok := cell.Value()
	assert.True(t, ok)
}
