// Package queue serializes outbound notifications to the messaging app,
// enforcing a minimum inter-send interval and retrying failures with
// escalating delays.
package queue

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/zulandar/ticketline/internal/notify"
)

// defaultReplyMapCap bounds the reverse map from sent-message IDs to
// ticket channels; oldest entries are trimmed first.
const defaultReplyMapCap = 500

// item is one queued notification with its retry accounting.
type item struct {
	n       notify.Notification
	retries int
}

// Stats are the queue's aggregate counters.
type Stats struct {
	Sent              int64 `json:"sent"`
	PermanentFailures int64 `json:"permanent_failures"`
	Pending           int   `json:"pending"`
}

// Queue is a tenant-scoped FIFO delivery queue. Items are sent strictly
// head-first; a failing head is retried in place so submission order is
// never violated, and dropped once the retry ceiling is exceeded so one
// poisoned item cannot stall the rest.
type Queue struct {
	sender     notify.Sender
	rateLimit  time.Duration
	baseRetry  time.Duration
	retryLimit int
	replyCap   int

	mu         sync.Mutex
	items      []*item
	draining   bool
	stopped    bool
	lastSend   time.Time
	sent       int64
	permFailed int64

	replyMap   map[string]string // sent message ID -> ticket channel ID
	replyOrder []string

	processed      map[string]bool // update IDs already delivered
	processedOrder []string

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// Opts holds parameters for creating a Queue.
type Opts struct {
	Sender     notify.Sender
	RateLimit  time.Duration // minimum gap between successful sends
	BaseRetry  time.Duration // escalating retry delay base
	RetryLimit int           // attempts before an item is dropped
	ReplyCap   int           // reverse-map size bound; defaults to 500
}

// New creates a Queue.
func New(opts Opts) (*Queue, error) {
	if opts.Sender == nil {
		return nil, errors.New("queue: sender is required")
	}
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = 3
	}
	if opts.ReplyCap <= 0 {
		opts.ReplyCap = defaultReplyMapCap
	}
	return &Queue{
		sender:     opts.Sender,
		rateLimit:  opts.RateLimit,
		baseRetry:  opts.BaseRetry,
		retryLimit: opts.RetryLimit,
		replyCap:   opts.ReplyCap,
		replyMap:   make(map[string]string),
		processed:  make(map[string]bool),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// Enqueue appends a notification and ensures the drain loop is running.
// Notifications whose UpdateID was already delivered are dropped.
func (q *Queue) Enqueue(n notify.Notification) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		log.Printf("queue: dropping enqueue after stop: %.40s", n.Text)
		return
	}
	if n.UpdateID != "" && q.processed[n.UpdateID] {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, &item{n: n})
	start := !q.draining
	if start {
		q.draining = true
	}
	q.mu.Unlock()

	if start {
		go q.drain()
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Stop cancels the drain loop. Pending items stay queued in memory and
// are lost unless the caller snapshots them; delivery is at-least-once
// with bounded retries, not durable.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	wasDraining := q.draining
	q.mu.Unlock()
	close(q.stop)
	if wasDraining {
		<-q.done
	}
}

// TicketFor resolves a sent notification message back to the ticket
// channel it concerned, for reply routing.
func (q *Queue) TicketFor(messageID string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.replyMap[messageID]
	return ch, ok
}

// Stats returns the aggregate counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Sent: q.sent, PermanentFailures: q.permFailed, Pending: len(q.items)}
}

// Processed returns the delivered update IDs for snapshotting.
func (q *Queue) Processed() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := make([]string, len(q.processedOrder))
	copy(cp, q.processedOrder)
	return cp
}

// RestoreProcessed seeds the dedup set from a snapshot.
func (q *Queue) RestoreProcessed(ids []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		if !q.processed[id] {
			q.processed[id] = true
			q.processedOrder = append(q.processedOrder, id)
		}
	}
}

// drain is the single consumer loop: head-first, paced, with in-place
// retries for the head item.
func (q *Queue) drain() {
	defer close(q.done)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-q.stop
		cancel()
	}()

	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.stop:
				return
			case <-q.wake:
				continue
			}
		}
		head := q.items[0]
		wait := q.rateLimit - time.Since(q.lastSend)
		q.mu.Unlock()

		if wait > 0 && !q.sleep(wait) {
			return
		}

		id, err := q.sender.Send(ctx, head.n)
		if err == nil {
			q.finishHead(head, id)
			continue
		}

		head.retries++
		if head.retries >= q.retryLimit {
			log.Printf("queue: permanent failure after %d attempts: %v (%.60s)",
				head.retries, err, head.n.Text)
			q.dropHead(head)
			continue
		}

		var rle *notify.RateLimitedError
		if errors.As(err, &rle) {
			log.Printf("queue: rate limited, cooling down %v", rle.RetryAfter)
			if !q.sleep(rle.RetryAfter) {
				return
			}
			continue
		}

		delay := q.baseRetry * time.Duration(head.retries)
		log.Printf("queue: send failed (attempt %d/%d): %v, retrying in %v",
			head.retries, q.retryLimit, err, delay)
		if !q.sleep(delay) {
			return
		}
	}
}

// finishHead pops the delivered head, stamps pacing state, and records
// the reverse mapping and dedup entry.
func (q *Queue) finishHead(head *item, messageID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.popLocked(head)
	q.lastSend = time.Now()
	q.sent++
	if messageID != "" && head.n.TicketChannelID != "" {
		if _, exists := q.replyMap[messageID]; !exists {
			q.replyOrder = append(q.replyOrder, messageID)
		}
		q.replyMap[messageID] = head.n.TicketChannelID
		for len(q.replyOrder) > q.replyCap {
			oldest := q.replyOrder[0]
			q.replyOrder = q.replyOrder[1:]
			delete(q.replyMap, oldest)
		}
	}
	if head.n.UpdateID != "" && !q.processed[head.n.UpdateID] {
		q.processed[head.n.UpdateID] = true
		q.processedOrder = append(q.processedOrder, head.n.UpdateID)
	}
}

// dropHead removes a permanently failed head and counts it.
func (q *Queue) dropHead(head *item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.popLocked(head)
	q.permFailed++
}

// popLocked removes head from the front if it is still there. The drain
// loop is the only remover, so this is a plain shift.
func (q *Queue) popLocked(head *item) {
	if len(q.items) > 0 && q.items[0] == head {
		q.items = q.items[1:]
	}
}

// sleep waits d, returning false if the queue was stopped first.
func (q *Queue) sleep(d time.Duration) bool {
	select {
	case <-q.stop:
		return false
	case <-time.After(d):
		return true
	}
}
