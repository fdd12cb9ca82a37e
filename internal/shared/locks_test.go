package shared

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	locks := NewKeyedMutex()

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("shared")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	require.Equal(t, 50, counter)
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	locks := NewKeyedMutex()

	unlockA := locks.Lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := locks.Lock("b")
		unlockB()
		close(done)
	}()
	<-done
	unlockA()
}

func TestKeyedMutexEntryReclaimed(t *testing.T) {
	locks := NewKeyedMutex()

	unlock := locks.Lock("ephemeral")
	unlock()

	locks.mu.Lock()
	defer locks.mu.Unlock()
	require.Empty(t, locks.entries)
}
