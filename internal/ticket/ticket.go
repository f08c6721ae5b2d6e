// Package ticket owns the authoritative in-memory registry of open
// support tickets and the lifecycle state machine driven by gateway
// events.
package ticket

import (
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/ticketline/internal/timer"
)

// TimerPhase tags the ticket's activity-timer state. The phase and the
// staff-message timestamp travel together so the waiting flag, the timer
// kind, and the arm time can never disagree.
type TimerPhase string

const (
	PhaseIdle         TimerPhase = "idle"
	PhaseArmedRegular TimerPhase = "regular"
	PhaseArmedClosing TimerPhase = "closing"
)

// TimerState is the tagged variant for a ticket's timer.
type TimerState struct {
	Phase TimerPhase `json:"phase"`
	Since time.Time  `json:"since,omitempty"` // last staff message time while armed
}

// Kind maps the phase to the timer engine's kind. Only valid for armed
// phases.
func (s TimerState) Kind() timer.Kind {
	if s.Phase == PhaseArmedClosing {
		return timer.KindClosing
	}
	return timer.KindRegular
}

// Record is one open ticket channel.
type Record struct {
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name"`
	GuildID     string `json:"guild_id"`
	GuildName   string `json:"guild_name,omitempty"`

	// CreatedAt derives from the channel identifier's embedded time.
	CreatedAt time.Time `json:"created_at"`

	LastMessage   string    `json:"last_message,omitempty"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`

	OpenerID   string `json:"opener_id,omitempty"`
	OpenerName string `json:"opener_name,omitempty"`

	// FirstStaffReplyAt is set by the first staff message and never
	// overwritten.
	FirstStaffReplyAt *time.Time `json:"first_staff_reply_at,omitempty"`

	Timer TimerState `json:"timer"`

	// FirstPlayerMessageSeen records that the "first message"
	// notification for this ticket has been emitted.
	FirstPlayerMessageSeen bool `json:"first_player_message_seen,omitempty"`

	// ThreadID is the messaging-app thread for this ticket, if one was
	// created.
	ThreadID string `json:"thread_id,omitempty"`

	MessageCount int64 `json:"message_count"`
}

// Counters are the tenant's aggregate statistics.
type Counters struct {
	TotalCreated  int64     `json:"total_created"`
	TotalClosed   int64     `json:"total_closed"`
	MessagesSeen  int64     `json:"messages_seen"`
	HourHistogram [24]int64 `json:"hour_histogram"`
}

// ArchiveRecord is the durable snapshot written when a ticket closes.
type ArchiveRecord struct {
	ChannelID         string
	ChannelName       string
	GuildID           string
	OpenerID          string
	OpenerName        string
	CreatedAt         time.Time
	ClosedAt          time.Time
	FirstStaffReplyAt *time.Time
	MessageCount      int64

	// Partial marks a best-effort record built from incomplete
	// information (a delete for a channel we never registered).
	Partial bool
}

// MessageEntry is one inbound message offered to the durable log.
type MessageEntry struct {
	ChannelID  string
	MessageID  string
	AuthorID   string
	AuthorName string
	Staff      bool
	Content    string
	Timestamp  time.Time
}

// Archiver receives durable-write requests. The writes themselves are the
// persistence layer's responsibility; failures are logged by the caller
// and never block state transitions.
type Archiver interface {
	ArchiveTicket(rec ArchiveRecord) error
	AppendMessage(entry MessageEntry) error
}

// snowflakeTime extracts the creation time embedded in a channel
// identifier, falling back to now for malformed IDs.
func snowflakeTime(id string) time.Time {
	ts, err := discordgo.SnowflakeTimestamp(id)
	if err != nil {
		return time.Now()
	}
	return ts
}
