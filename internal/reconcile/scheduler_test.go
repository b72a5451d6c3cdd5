package reconcile

import (
	"sync"
	"testing"
	"time"
)

func TestScheduleCoalescesBurstIntoOnePull(t *testing.T) {
	fired := make(chan time.Time, 8)
	coalesced := 0
	var mu sync.Mutex
	s := NewScheduler(SchedulerOptions[string]{
		SettleDelay: 150 * time.Millisecond,
		Fire:        func(string) { fired <- time.Now() },
		OnCoalesce: func(string) {
			mu.Lock()
			coalesced++
			mu.Unlock()
		},
	})
	defer s.Stop()

	start := time.Now()
	if !s.Schedule("members:12") {
		t.Fatalf("expected first schedule to arm the timer")
	}
	time.Sleep(10 * time.Millisecond)
	if s.Schedule("members:12") {
		t.Fatalf("expected second schedule to collapse")
	}
	time.Sleep(10 * time.Millisecond)
	if s.Schedule("members:12") {
		t.Fatalf("expected third schedule to collapse")
	}

	select {
	case at := <-fired:
		if elapsed := at.Sub(start); elapsed < 150*time.Millisecond {
			t.Fatalf("pull fired after %v, before the settle delay", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pull never fired")
	}
	select {
	case <-fired:
		t.Fatalf("expected exactly one pull")
	case <-time.After(250 * time.Millisecond):
	}
	mu.Lock()
	defer mu.Unlock()
	if coalesced != 2 {
		t.Fatalf("expected two coalesced schedules, got %d", coalesced)
	}
}

func TestScheduleKeysAreIndependent(t *testing.T) {
	var mu sync.Mutex
	fired := map[int64]int{}
	s := NewScheduler(SchedulerOptions[int64]{
		SettleDelay: 20 * time.Millisecond,
		Fire: func(k int64) {
			mu.Lock()
			fired[k]++
			mu.Unlock()
		},
	})
	s.Schedule(1)
	s.Schedule(2)
	s.Schedule(1)
	time.Sleep(120 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fired[1] != 1 || fired[2] != 1 {
		t.Fatalf("expected one pull per key, got %v", fired)
	}
}

func TestScheduleRearmsAfterFiring(t *testing.T) {
	fired := make(chan struct{}, 4)
	s := NewScheduler(SchedulerOptions[int]{
		SettleDelay: 20 * time.Millisecond,
		Fire:        func(int) { fired <- struct{}{} },
	})
	s.Schedule(1)
	<-fired
	if s.Pending(1) {
		t.Fatalf("expected no pending pull after firing")
	}
	if !s.Schedule(1) {
		t.Fatalf("expected schedule after firing to arm a new timer")
	}
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("second pull never fired")
	}
}

func TestOnFireReportsSettleWait(t *testing.T) {
	waits := make(chan time.Duration, 1)
	fired := make(chan int, 1)
	s := NewScheduler(SchedulerOptions[int]{
		SettleDelay: 30 * time.Millisecond,
		OnFire:      func(_ int, waited time.Duration) { waits <- waited },
		Fire:        func(key int) { fired <- key },
	})
	s.Schedule(7)
	time.Sleep(10 * time.Millisecond)
	s.Schedule(7)

	select {
	case waited := <-waits:
		if waited < 30*time.Millisecond {
			t.Fatalf("expected wait measured from the first schedule, got %s", waited)
		}
	case <-time.After(time.Second):
		t.Fatalf("OnFire never called")
	}
	if key := <-fired; key != 7 {
		t.Fatalf("expected key 7 to fire, got %d", key)
	}
}

func TestStopDisarmsPendingPulls(t *testing.T) {
	fired := make(chan struct{}, 4)
	s := NewScheduler(SchedulerOptions[int]{
		SettleDelay: 30 * time.Millisecond,
		Fire:        func(int) { fired <- struct{}{} },
	})
	s.Schedule(1)
	s.Schedule(2)
	if !s.Pending(1) {
		t.Fatalf("expected pending pull")
	}
	s.Stop()
	if s.Pending(1) || s.Pending(2) {
		t.Fatalf("expected no pending pulls after stop")
	}
	select {
	case <-fired:
		t.Fatalf("expected stopped timers not to fire")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDefaultSettleDelay(t *testing.T) {
	s := NewScheduler(SchedulerOptions[int]{})
	if s.SettleDelay() != DefaultSettleDelay {
		t.Fatalf("expected default settle delay, got %v", s.SettleDelay())
	}
}
