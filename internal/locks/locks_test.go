package locks

import (
	"sync"
	"testing"
)

func TestPerKeySerializesSameKey(t *testing.T) {
	var keyed PerKey
	counter := 0
	var group sync.WaitGroup
	for i := 0; i < 64; i++ {
		group.Add(1)
		go func() {
			defer group.Done()
			unlock := keyed.Lock("user-a")
			defer unlock()
			counter++
		}()
	}
	group.Wait()
	if counter != 64 {
		t.Fatalf("expected 64 increments, got %d", counter)
	}
}

func TestPerKeyDistinctKeysIndependent(t *testing.T) {
	var keyed PerKey
	unlockA := keyed.Lock("user-a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := keyed.Lock("user-b")
		unlockB()
		close(done)
	}()
	<-done
}
