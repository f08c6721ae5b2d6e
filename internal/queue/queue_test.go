package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/ticketline/internal/notify"
)

// scriptSender answers each Send from a per-text script of errors, then
// succeeds, assigning sequential message IDs.
type scriptSender struct {
	mu     sync.Mutex
	errs   map[string][]error // text -> errors to return before succeeding
	sent   []string
	sendAt []time.Time
	nextID int
}

func newScriptSender() *scriptSender {
	return &scriptSender{errs: make(map[string][]error)}
}

func (s *scriptSender) failNext(text string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[text] = append(s.errs[text], errs...)
}

func (s *scriptSender) Send(_ context.Context, n notify.Notification) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pending := s.errs[n.Text]; len(pending) > 0 {
		err := pending[0]
		s.errs[n.Text] = pending[1:]
		return "", err
	}
	s.nextID++
	s.sent = append(s.sent, n.Text)
	s.sendAt = append(s.sendAt, time.Now())
	return fmt.Sprintf("msg-%d", s.nextID), nil
}

func (s *scriptSender) delivered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]string, len(s.sent))
	copy(cp, s.sent)
	return cp
}

func newTestQueue(t *testing.T, sender notify.Sender, opts Opts) *Queue {
	t.Helper()
	opts.Sender = sender
	if opts.BaseRetry == 0 {
		opts.BaseRetry = time.Millisecond
	}
	q, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(q.Stop)
	return q
}

func waitForStats(t *testing.T, q *Queue, cond func(Stats) bool) Stats {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		st := q.Stats()
		if cond(st) {
			return st
		}
		select {
		case <-deadline:
			t.Fatalf("stats condition never met, last %+v", st)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestEnqueue_DeliversInOrder(t *testing.T) {
	sender := newScriptSender()
	q := newTestQueue(t, sender, Opts{})

	for _, text := range []string{"a", "b", "c"} {
		q.Enqueue(notify.Notification{ChannelID: "C1", Text: text})
	}

	waitForStats(t, q, func(st Stats) bool { return st.Sent == 3 })
	got := sender.delivered()
	for i, want := range []string{"a", "b", "c"} {
		if got[i] != want {
			t.Fatalf("delivered = %v, want [a b c]", got)
		}
	}
}

func TestEnqueue_PermanentFailureDoesNotBlockQueue(t *testing.T) {
	sender := newScriptSender()
	sender.failNext("poison",
		fmt.Errorf("boom"), fmt.Errorf("boom"), fmt.Errorf("boom"), fmt.Errorf("boom"))
	q := newTestQueue(t, sender, Opts{RetryLimit: 3})

	q.Enqueue(notify.Notification{ChannelID: "C1", Text: "poison"})
	q.Enqueue(notify.Notification{ChannelID: "C1", Text: "after"})

	st := waitForStats(t, q, func(st Stats) bool { return st.Sent == 1 && st.PermanentFailures == 1 })
	if got := sender.delivered(); len(got) != 1 || got[0] != "after" {
		t.Errorf("delivered = %v, want [after]", got)
	}
	if st.Pending != 0 {
		t.Errorf("Pending = %d, want 0", st.Pending)
	}
}

func TestEnqueue_TransientFailureRetriesSameItem(t *testing.T) {
	sender := newScriptSender()
	sender.failNext("flaky", fmt.Errorf("net"), fmt.Errorf("net"))
	q := newTestQueue(t, sender, Opts{RetryLimit: 5})

	q.Enqueue(notify.Notification{ChannelID: "C1", Text: "flaky"})

	waitForStats(t, q, func(st Stats) bool { return st.Sent == 1 })
	if q.Stats().PermanentFailures != 0 {
		t.Error("retried item must not count as permanent failure")
	}
}

func TestEnqueue_RateLimitCooldownThenDelivery(t *testing.T) {
	sender := newScriptSender()
	sender.failNext("limited", &notify.RateLimitedError{RetryAfter: 10 * time.Millisecond})
	q := newTestQueue(t, sender, Opts{RetryLimit: 5})

	start := time.Now()
	q.Enqueue(notify.Notification{ChannelID: "C1", Text: "limited"})

	waitForStats(t, q, func(st Stats) bool { return st.Sent == 1 })
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("delivered after %v, want >= 10ms cooldown", elapsed)
	}
}

func TestEnqueue_PacingBetweenSends(t *testing.T) {
	sender := newScriptSender()
	q := newTestQueue(t, sender, Opts{RateLimit: 30 * time.Millisecond})

	q.Enqueue(notify.Notification{ChannelID: "C1", Text: "one"})
	q.Enqueue(notify.Notification{ChannelID: "C1", Text: "two"})

	waitForStats(t, q, func(st Stats) bool { return st.Sent == 2 })
	sender.mu.Lock()
	gap := sender.sendAt[1].Sub(sender.sendAt[0])
	sender.mu.Unlock()
	if gap < 25*time.Millisecond {
		t.Errorf("gap between sends = %v, want >= ~30ms", gap)
	}
}

func TestEnqueue_DedupByUpdateID(t *testing.T) {
	sender := newScriptSender()
	q := newTestQueue(t, sender, Opts{})

	q.Enqueue(notify.Notification{ChannelID: "C1", Text: "x", UpdateID: "u1"})
	waitForStats(t, q, func(st Stats) bool { return st.Sent == 1 })

	q.Enqueue(notify.Notification{ChannelID: "C1", Text: "x again", UpdateID: "u1"})
	time.Sleep(20 * time.Millisecond)

	if st := q.Stats(); st.Sent != 1 || st.Pending != 0 {
		t.Errorf("duplicate update delivered: %+v", st)
	}
}

func TestRestoreProcessed_SurvivesSnapshotRoundTrip(t *testing.T) {
	sender := newScriptSender()
	q := newTestQueue(t, sender, Opts{})

	q.Enqueue(notify.Notification{ChannelID: "C1", Text: "x", UpdateID: "u9"})
	waitForStats(t, q, func(st Stats) bool { return st.Sent == 1 })

	q2 := newTestQueue(t, newScriptSender(), Opts{})
	q2.RestoreProcessed(q.Processed())
	q2.Enqueue(notify.Notification{ChannelID: "C1", Text: "x", UpdateID: "u9"})
	time.Sleep(20 * time.Millisecond)

	if st := q2.Stats(); st.Sent != 0 {
		t.Errorf("restored dedup set did not suppress duplicate: %+v", st)
	}
}

func TestTicketFor_ReverseMappingAndCap(t *testing.T) {
	sender := newScriptSender()
	q := newTestQueue(t, sender, Opts{ReplyCap: 2})

	for i := 1; i <= 3; i++ {
		q.Enqueue(notify.Notification{
			ChannelID:       "C1",
			Text:            fmt.Sprintf("t%d", i),
			TicketChannelID: fmt.Sprintf("chan-%d", i),
		})
	}
	waitForStats(t, q, func(st Stats) bool { return st.Sent == 3 })

	if _, ok := q.TicketFor("msg-1"); ok {
		t.Error("oldest mapping should have been trimmed at cap 2")
	}
	if ch, ok := q.TicketFor("msg-3"); !ok || ch != "chan-3" {
		t.Errorf("TicketFor(msg-3) = %q, %v", ch, ok)
	}
}

func TestStop_HaltsDrainLoop(t *testing.T) {
	sender := newScriptSender()
	sender.failNext("stuck", &notify.RateLimitedError{RetryAfter: time.Hour})
	q := newTestQueue(t, sender, Opts{RetryLimit: 5})

	q.Enqueue(notify.Notification{ChannelID: "C1", Text: "stuck"})
	time.Sleep(5 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		q.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not cancel the drain loop")
	}
}
