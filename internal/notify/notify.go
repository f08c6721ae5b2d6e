// Package notify delivers operator notifications to the messaging app.
package notify

import (
	"context"
	"fmt"
	"time"
)

// Notification is one outbound operator message.
type Notification struct {
	ChannelID string // destination channel in the messaging app
	Text      string

	// TicketChannelID is the originating ticket channel, when the
	// notification concerns one. The delivery queue records the reverse
	// mapping so a reply to the sent message routes back to the ticket.
	TicketChannelID string

	// UpdateID is a source-provided identifier for deduplication;
	// empty means no dedup applies.
	UpdateID string
}

// Sender posts one notification and returns the platform-assigned message
// identifier, used for reply routing.
type Sender interface {
	Send(ctx context.Context, n Notification) (messageID string, err error)
}

// RateLimitedError reports a server-specified cooldown. The delivery
// queue sleeps for RetryAfter on top of its normal pacing before the next
// attempt.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("notify: rate limited, retry after %v", e.RetryAfter)
}
