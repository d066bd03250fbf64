package power

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"meterbox/internal/logging"
	"meterbox/internal/settings"
)

type fakeSuspender struct {
	mu        sync.Mutex
	armed     []time.Duration
	suspends  int
	armErr    error
	onSuspend func()
	suspended chan struct{}
}

func newFakeSuspender() *fakeSuspender {
	return &fakeSuspender{suspended: make(chan struct{}, 1)}
}

func (f *fakeSuspender) ArmWakeTimer(d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.armErr != nil {
		return f.armErr
	}
	f.armed = append(f.armed, d)
	return nil
}

func (f *fakeSuspender) Suspend() error {
	f.mu.Lock()
	f.suspends++
	hook := f.onSuspend
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	select {
	case f.suspended <- struct{}{}:
	default:
	}
	return nil
}

// batchGate mimics the orchestrator's suspend gate: a mutex held for the
// duration of a batch.
type batchGate struct {
	mu   sync.Mutex
	held atomic.Bool
}

func (g *batchGate) Acquire() {
	g.mu.Lock()
	g.held.Store(true)
}

func (g *batchGate) Release() {
	g.held.Store(false)
	g.mu.Unlock()
}

func openStore(t *testing.T) *settings.Store {
	t.Helper()
	store, err := settings.Open(filepath.Join(t.TempDir(), "settings.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func enableSleep(t *testing.T, store *settings.Store, seconds int) {
	t.Helper()
	op := settings.DefaultOperational()
	op.SleepEnabled = true
	op.SleepSeconds = seconds
	if err := store.SetOperational(context.Background(), op); err != nil {
		t.Fatalf("SetOperational: %v", err)
	}
}

func newController(store *settings.Store, susp Suspender, timeout time.Duration, teardown func()) *Controller {
	return NewController(Options{
		Settings:  store,
		Suspender: susp,
		Teardown:  teardown,
		Timeout:   timeout,
		Logger:    logging.NewNop(),
		Sync:      func() {},
	})
}

func TestExpirySuspendsWhenSleepEnabled(t *testing.T) {
	store := openStore(t)
	enableSleep(t, store, 60)
	susp := newFakeSuspender()

	teardowns := 0
	ctrl := newController(store, susp, 10*time.Millisecond, func() { teardowns++ })
	ctrl.Start()
	defer ctrl.Stop()

	select {
	case <-susp.suspended:
	case <-time.After(2 * time.Second):
		t.Fatal("suspend never happened")
	}

	if len(susp.armed) != 1 || susp.armed[0] != 60*time.Second {
		t.Errorf("armed = %v, want [1m0s]", susp.armed)
	}
	if teardowns != 1 {
		t.Errorf("teardowns = %d, want 1", teardowns)
	}

	_, ok, err := store.SavedWakeClock(context.Background())
	if err != nil || !ok {
		t.Errorf("wake clock not saved: ok=%v err=%v", ok, err)
	}
}

func TestExpiryStaysActiveWhenSleepDisabled(t *testing.T) {
	store := openStore(t) // defaults: sleep disabled
	susp := newFakeSuspender()

	ctrl := newController(store, susp, 10*time.Millisecond, nil)
	ctrl.Start()
	defer ctrl.Stop()

	// Let the timer expire several times; sleep is disabled so the
	// controller must keep rearming instead of suspending.
	time.Sleep(150 * time.Millisecond)

	susp.mu.Lock()
	defer susp.mu.Unlock()
	if susp.suspends != 0 || len(susp.armed) != 0 {
		t.Errorf("suspender touched: suspends=%d armed=%v", susp.suspends, susp.armed)
	}
}

func TestTouchDefersExpiry(t *testing.T) {
	store := openStore(t)
	enableSleep(t, store, 60)
	susp := newFakeSuspender()

	ctrl := newController(store, susp, 80*time.Millisecond, nil)
	ctrl.Start()
	defer ctrl.Stop()

	// Keep touching for longer than the timeout window.
	for i := 0; i < 5; i++ {
		time.Sleep(30 * time.Millisecond)
		ctrl.Touch()
	}
	susp.mu.Lock()
	suspends := susp.suspends
	susp.mu.Unlock()
	if suspends != 0 {
		t.Fatal("suspended despite activity")
	}

	select {
	case <-susp.suspended:
	case <-time.After(2 * time.Second):
		t.Fatal("suspend never happened after activity stopped")
	}
}

func TestExpiryWaitsForInFlightBatch(t *testing.T) {
	store := openStore(t)
	enableSleep(t, store, 60)
	susp := newFakeSuspender()

	// A batch is running when the timer fires; suspend must not proceed
	// until the batch releases the gate.
	gate := &batchGate{}
	gate.Acquire()

	ctrl := NewController(Options{
		Settings:  store,
		Suspender: susp,
		Gate:      gate,
		Timeout:   10 * time.Millisecond,
		Logger:    logging.NewNop(),
		Sync:      func() {},
	})
	ctrl.Start()
	defer ctrl.Stop()

	time.Sleep(100 * time.Millisecond)
	susp.mu.Lock()
	early := susp.suspends
	susp.mu.Unlock()
	if early != 0 {
		t.Fatal("suspended while a batch was in flight")
	}

	gate.Release()
	select {
	case <-susp.suspended:
	case <-time.After(2 * time.Second):
		t.Fatal("suspend never happened after the batch finished")
	}
}

func TestGateHeldUntilSuspendFires(t *testing.T) {
	store := openStore(t)
	enableSleep(t, store, 60)
	susp := newFakeSuspender()
	gate := &batchGate{}

	var heldAtSuspend atomic.Bool
	susp.onSuspend = func() { heldAtSuspend.Store(gate.held.Load()) }

	var heldAtTeardown atomic.Bool
	ctrl := NewController(Options{
		Settings:  store,
		Suspender: susp,
		Gate:      gate,
		Teardown:  func() { heldAtTeardown.Store(gate.held.Load()) },
		Timeout:   10 * time.Millisecond,
		Logger:    logging.NewNop(),
		Sync:      func() {},
	})
	ctrl.Start()
	defer ctrl.Stop()

	select {
	case <-susp.suspended:
	case <-time.After(2 * time.Second):
		t.Fatal("suspend never happened")
	}
	if !heldAtTeardown.Load() {
		t.Error("gate released before teardown; a batch could start mid-handoff")
	}
	if !heldAtSuspend.Load() {
		t.Error("gate released before suspend; a batch could start mid-handoff")
	}

	// The gate opens again after the handoff so work can resume post-wake.
	reacquired := make(chan struct{})
	go func() {
		gate.Acquire()
		gate.Release()
		close(reacquired)
	}()
	select {
	case <-reacquired:
	case <-time.After(2 * time.Second):
		t.Fatal("gate still held after suspend returned")
	}
}

func TestWakeHandsBackAfterSuspendReturns(t *testing.T) {
	store := openStore(t)
	enableSleep(t, store, 60)
	susp := newFakeSuspender()

	woke := make(chan struct{}, 1)
	ctrl := NewController(Options{
		Settings:  store,
		Suspender: susp,
		OnWake:    func() { woke <- struct{}{} },
		Timeout:   10 * time.Millisecond,
		Logger:    logging.NewNop(),
		Sync:      func() {},
	})
	ctrl.Start()
	defer ctrl.Stop()

	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatal("wake callback never ran after suspend returned")
	}
	if got := ctrl.State(); got != StateStopped {
		t.Errorf("state = %s, want stopped after wake", got)
	}

	// The controller is done for this process life: no rearming, no second
	// suspend.
	ctrl.Touch()
	time.Sleep(100 * time.Millisecond)
	susp.mu.Lock()
	defer susp.mu.Unlock()
	if susp.suspends != 1 {
		t.Errorf("suspends = %d, want 1", susp.suspends)
	}
}

func TestArmFailureRevertsToActive(t *testing.T) {
	store := openStore(t)
	enableSleep(t, store, 60)
	susp := newFakeSuspender()
	susp.armErr = errors.New("rtc busy")

	ctrl := newController(store, susp, 10*time.Millisecond, nil)
	ctrl.Start()
	defer ctrl.Stop()

	deadline := time.After(time.Second)
	for {
		if ctrl.State() == StateActive {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("state = %s, want active after arm failure", ctrl.State())
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	susp.mu.Lock()
	defer susp.mu.Unlock()
	if susp.suspends != 0 {
		t.Error("suspended despite wake timer failure")
	}
}

func TestStopPreventsExpiry(t *testing.T) {
	store := openStore(t)
	enableSleep(t, store, 60)
	susp := newFakeSuspender()

	ctrl := newController(store, susp, 50*time.Millisecond, nil)
	ctrl.Start()
	ctrl.Stop()

	time.Sleep(150 * time.Millisecond)
	susp.mu.Lock()
	defer susp.mu.Unlock()
	if susp.suspends != 0 {
		t.Error("suspended after Stop")
	}
	if ctrl.State() != StateStopped {
		t.Errorf("state = %s", ctrl.State())
	}
}
