package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLatchSerializesSameID(t *testing.T) {
	latches := newLatchMap()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := latches.lock("m1")
			defer release()
			counter++
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
}

func TestLatchEntriesAreReclaimed(t *testing.T) {
	latches := newLatchMap()

	release := latches.lock("m1")
	latches.mu.Lock()
	assert.Len(t, latches.entries, 1)
	latches.mu.Unlock()

	release()
	latches.mu.Lock()
	assert.Empty(t, latches.entries)
	latches.mu.Unlock()
}

func TestLatchDifferentIDsDoNotBlock(t *testing.T) {
	latches := newLatchMap()

	releaseA := latches.lock("a")
	defer releaseA()

	done := make(chan struct{})
	go func() {
		releaseB := latches.lock("b")
		releaseB()
		close(done)
	}()
	<-done
}
