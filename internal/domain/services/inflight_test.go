package services

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInflightGuardAcquireRelease(t *testing.T) {
	guard := NewInflightGuard()

	assert.True(t, guard.Acquire("com.app.a"))
	assert.False(t, guard.Acquire("com.app.a"))
	assert.True(t, guard.Acquire("com.app.b"))

	guard.Release("com.app.a")
	assert.True(t, guard.Acquire("com.app.a"))
}

func TestInflightGuardConcurrentAcquire(t *testing.T) {
	guard := NewInflightGuard()

	const goroutines = 32
	var wg sync.WaitGroup
	wg.Add(goroutines)

	acquired := make(chan bool, goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			acquired <- guard.Acquire("com.app.contested")
		}()
	}
	wg.Wait()
	close(acquired)

	wins := 0
	for ok := range acquired {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}
