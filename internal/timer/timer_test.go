package timer

import (
	"sync"
	"testing"
	"time"
)

type fireRecorder struct {
	mu    sync.Mutex
	fired []struct {
		channel string
		kind    Kind
	}
}

func (r *fireRecorder) fire(channelID string, kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, struct {
		channel string
		kind    Kind
	}{channelID, kind})
}

func (r *fireRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func waitForFires(t *testing.T, r *fireRecorder, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for r.count() < want {
		select {
		case <-deadline:
			t.Fatalf("fires = %d, want %d", r.count(), want)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestArm_FiresAfterDuration(t *testing.T) {
	rec := &fireRecorder{}
	e := New(Opts{Regular: 10 * time.Millisecond, Closing: time.Hour, Fire: rec.fire})
	defer e.Stop()

	e.Arm("c1", KindRegular)
	waitForFires(t, rec, 1)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.fired[0].channel != "c1" || rec.fired[0].kind != KindRegular {
		t.Errorf("fired = %+v", rec.fired[0])
	}
	if _, ok := e.Armed("c1"); ok {
		t.Error("timer still armed after firing")
	}
}

func TestArm_ReplacesExistingTimer(t *testing.T) {
	rec := &fireRecorder{}
	e := New(Opts{Regular: 15 * time.Millisecond, Closing: 15 * time.Millisecond, Fire: rec.fire})
	defer e.Stop()

	e.Arm("c1", KindRegular)
	e.Arm("c1", KindClosing) // staff sent a closing phrase; prior timer cancelled

	if kind, ok := e.Armed("c1"); !ok || kind != KindClosing {
		t.Fatalf("Armed = %v, %v; want closing", kind, ok)
	}
	waitForFires(t, rec, 1)
	time.Sleep(30 * time.Millisecond)
	if rec.count() != 1 {
		t.Errorf("fires = %d, want exactly 1 (one timer per channel)", rec.count())
	}
	rec.mu.Lock()
	kind := rec.fired[0].kind
	rec.mu.Unlock()
	if kind != KindClosing {
		t.Errorf("fired kind = %v, want closing", kind)
	}
}

func TestCancel_PlayerReplied(t *testing.T) {
	rec := &fireRecorder{}
	e := New(Opts{Regular: 10 * time.Millisecond, Fire: rec.fire})
	defer e.Stop()

	e.Arm("c1", KindRegular)
	e.Cancel("c1")

	time.Sleep(30 * time.Millisecond)
	if rec.count() != 0 {
		t.Errorf("fires = %d, want 0 after cancel", rec.count())
	}
}

func TestArm_DisabledByNonPositiveDuration(t *testing.T) {
	rec := &fireRecorder{}
	e := New(Opts{Regular: 0, Closing: -1, Fire: rec.fire})
	defer e.Stop()

	e.Arm("c1", KindRegular)
	e.Arm("c2", KindClosing)

	if _, ok := e.Armed("c1"); ok {
		t.Error("regular timer armed despite zero duration")
	}
	if _, ok := e.Armed("c2"); ok {
		t.Error("closing timer armed despite negative duration")
	}
}

// Scenario: process restarts with lastStaffMessageAt 20 minutes in the
// past and a 10-minute regular window; the timeout fires immediately.
func TestRestoreAll_ExpiredFiresImmediately(t *testing.T) {
	rec := &fireRecorder{}
	e := New(Opts{Regular: 10 * time.Minute, Fire: rec.fire})
	defer e.Stop()

	e.RestoreAll([]RestoreEntry{{
		ChannelID: "c1",
		Kind:      KindRegular,
		Since:     time.Now().Add(-20 * time.Minute),
	}})

	if rec.count() != 1 {
		t.Fatalf("fires = %d, want 1 immediate fire", rec.count())
	}
	if _, ok := e.Armed("c1"); ok {
		t.Error("expired restore must not leave a timer armed")
	}
}

func TestRestoreAll_RemainingDurationRearmed(t *testing.T) {
	rec := &fireRecorder{}
	e := New(Opts{Regular: 50 * time.Millisecond, Fire: rec.fire})
	defer e.Stop()

	e.RestoreAll([]RestoreEntry{{
		ChannelID: "c1",
		Kind:      KindRegular,
		Since:     time.Now().Add(-40 * time.Millisecond),
	}})

	if rec.count() != 0 {
		t.Fatal("timer fired before remaining duration elapsed")
	}
	if _, ok := e.Armed("c1"); !ok {
		t.Fatal("timer not re-armed with remaining duration")
	}
	waitForFires(t, rec, 1)
}

func TestRestoreAll_Idempotent(t *testing.T) {
	rec := &fireRecorder{}
	e := New(Opts{Regular: 10 * time.Minute, Fire: rec.fire})
	defer e.Stop()

	entries := []RestoreEntry{{
		ChannelID: "c1",
		Kind:      KindRegular,
		Since:     time.Now().Add(-20 * time.Minute),
	}}
	e.RestoreAll(entries)
	e.RestoreAll(entries) // double start

	if rec.count() != 1 {
		t.Errorf("fires = %d, want 1 (restore must be idempotent)", rec.count())
	}
}

func TestStop_CancelsAllTimers(t *testing.T) {
	rec := &fireRecorder{}
	e := New(Opts{Regular: 10 * time.Millisecond, Fire: rec.fire})

	e.Arm("c1", KindRegular)
	e.Arm("c2", KindRegular)
	e.Stop()

	time.Sleep(30 * time.Millisecond)
	if rec.count() != 0 {
		t.Errorf("fires = %d, want 0 after Stop", rec.count())
	}
	e.Arm("c3", KindRegular)
	if _, ok := e.Armed("c3"); ok {
		t.Error("engine accepted Arm after Stop")
	}
}
