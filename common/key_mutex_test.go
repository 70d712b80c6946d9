package common

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyMutex_Should_Serialize_Same_Key(t *testing.T) {
	m := NewKeyMutex[int]()
	counters := make([]int, 4)

	wg := sync.WaitGroup{}
	for i := 0; i < 400; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := i % len(counters)
			release := m.Lock(key)
			counters[key]++
			release()
		}(i)
	}
	wg.Wait()

	for _, c := range counters {
		assert.Equal(t, 100, c)
	}
	assert.Zero(t, m.len())
}
