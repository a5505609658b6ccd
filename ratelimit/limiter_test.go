package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestLimiterBoundary(t *testing.T) {
	lim := New(5, time.Minute)
	defer lim.Stop()

	for i := 0; i < 5; i++ {
		if !lim.Allow("10.0.0.1") {
			t.Fatalf("admission %d refused, want admitted", i+1)
		}
	}
	if lim.Allow("10.0.0.1") {
		t.Error("6th admission within window admitted, want refused")
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	lim := New(2, time.Minute)
	defer lim.Stop()

	for i := 0; i < 2; i++ {
		if !lim.Allow("10.0.0.1") {
			t.Errorf("first key admission %d refused", i+1)
		}
		if !lim.Allow("10.0.0.2") {
			t.Errorf("second key admission %d refused", i+1)
		}
	}
	if lim.Allow("10.0.0.1") || lim.Allow("10.0.0.2") {
		t.Error("admission above limit, want both keys refused")
	}
}

func TestLimiterWindowExpiry(t *testing.T) {
	lim := New(1, 50*time.Millisecond)
	defer lim.Stop()

	if !lim.Allow("10.0.0.1") {
		t.Fatal("first admission refused")
	}
	if lim.Allow("10.0.0.1") {
		t.Fatal("second admission within window admitted")
	}

	time.Sleep(60 * time.Millisecond)

	if !lim.Allow("10.0.0.1") {
		t.Error("admission after window expiry refused")
	}
}

func TestLimiterRefusalNotRecorded(t *testing.T) {
	lim := New(1, 80*time.Millisecond)
	defer lim.Stop()

	if !lim.Allow("10.0.0.1") {
		t.Fatal("first admission refused")
	}
	// Hammering while refused must not extend the window.
	for i := 0; i < 10; i++ {
		lim.Allow("10.0.0.1")
		time.Sleep(time.Millisecond)
	}

	time.Sleep(80 * time.Millisecond)

	if !lim.Allow("10.0.0.1") {
		t.Error("admission refused after window, refusals were recorded")
	}
}

func TestLimiterConcurrent(t *testing.T) {
	lim := New(100, time.Minute)
	defer lim.Stop()

	var (
		wg      sync.WaitGroup
		results = make(chan bool, 200)
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- lim.Allow("shared")
		}()
	}
	wg.Wait()
	close(results)

	var admitted int
	for ok := range results {
		if ok {
			admitted++
		}
	}
	if admitted != 100 {
		t.Errorf("admitted = %d, want exactly 100", admitted)
	}
}

func TestLimiterSweepDropsStaleKeys(t *testing.T) {
	lim := New(3, 10*time.Millisecond)
	defer lim.Stop()

	for i := 0; i < 50; i++ {
		lim.Allow(fmt.Sprintf("10.0.0.%d", i))
	}
	time.Sleep(20 * time.Millisecond)

	lim.sweep()

	lim.mx.Lock()
	defer lim.mx.Unlock()
	if len(lim.seen) != 0 {
		t.Errorf("stale keys remaining = %d, want 0", len(lim.seen))
	}
}
