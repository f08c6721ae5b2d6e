package ticket

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/ticketline/internal/notify"
	"github.com/zulandar/ticketline/internal/timer"
)

// previewLimit bounds the stored last-message preview.
const previewLimit = 120

// Rules hold the classification and staff-detection configuration.
type Rules struct {
	CategoryID     string
	NamePrefixes   []string // case-insensitive substrings
	StaffRoleIDs   []string
	ClosingPhrases []string // case-insensitive substrings
}

// RegistryOpts holds parameters for creating a Registry.
type RegistryOpts struct {
	GuildID string
	Rules   Rules
	Timers  *timer.Engine

	// Enqueue hands a notification to the delivery queue. The
	// destination channel is filled in by the tenant wiring.
	Enqueue func(n notify.Notification)

	// Archive receives durable-write requests; optional.
	Archive Archiver

	// LookupRoles resolves a user's guild roles when the message
	// payload carries no member data; optional.
	LookupRoles func(userID string) []string

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// Registry is the decision point for "is this channel a ticket", "who is
// staff", and "has this ticket gone quiet". All mutation happens under
// one mutex; events for a tenant arrive on a single timeline.
type Registry struct {
	guildID     string
	rules       Rules
	timers      *timer.Engine
	enqueue     func(n notify.Notification)
	archive     Archiver
	lookupRoles func(userID string) []string
	now         func() time.Time

	mu        sync.Mutex
	tickets   map[string]*Record
	channels  map[string]*discordgo.Channel // metadata cache for classification
	guildName string
	selfID    string
	paused    bool
	counters  Counters
}

// NewRegistry creates a Registry.
func NewRegistry(opts RegistryOpts) (*Registry, error) {
	if opts.GuildID == "" {
		return nil, fmt.Errorf("ticket: guild id is required")
	}
	if opts.Timers == nil {
		return nil, fmt.Errorf("ticket: timer engine is required")
	}
	if opts.Enqueue == nil {
		return nil, fmt.Errorf("ticket: enqueue func is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		guildID:     opts.GuildID,
		rules:       opts.Rules,
		timers:      opts.Timers,
		enqueue:     opts.Enqueue,
		archive:     opts.Archive,
		lookupRoles: opts.LookupRoles,
		now:         now,
		tickets:     make(map[string]*Record),
		channels:    make(map[string]*discordgo.Channel),
	}, nil
}

// SetSelfID records the connected identity so its own messages never
// feed opener or first-reply accounting.
func (r *Registry) SetSelfID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selfID = id
}

// SetPaused toggles notification suppression. State transitions continue
// regardless; only the operator-facing notifications stop.
func (r *Registry) SetPaused(paused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = paused
}

// Paused reports the suppression flag.
func (r *Registry) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// TicketChannelIDs returns the channel IDs of all open tickets, used for
// the gateway's lazy subscription.
func (r *Registry) TicketChannelIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.tickets))
	for id := range r.tickets {
		ids = append(ids, id)
	}
	return ids
}

// Tickets returns a copy of the open ticket records.
func (r *Registry) Tickets() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.tickets))
	for _, rec := range r.tickets {
		out = append(out, *rec)
	}
	return out
}

// Ticket returns one record by channel ID.
func (r *Registry) Ticket(channelID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tickets[channelID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Stats returns the aggregate counters.
func (r *Registry) Stats() Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

// SyncGuild ingests the full channel list delivered with a guild sync,
// registering every matching channel. Already-known tickets are left
// untouched, so repeated syncs (reconnects) cannot duplicate records.
func (r *Registry) SyncGuild(g *discordgo.Guild) {
	if g.ID != r.guildID {
		return
	}
	r.mu.Lock()
	r.guildName = g.Name
	for _, c := range g.Channels {
		r.channels[c.ID] = c
	}
	r.mu.Unlock()

	for _, c := range g.Channels {
		r.observeChannel(c, "sync")
	}
}

// ChannelCreated handles an explicit channel-create event.
func (r *Registry) ChannelCreated(c *discordgo.Channel) {
	r.mu.Lock()
	r.channels[c.ID] = c
	r.mu.Unlock()
	r.observeChannel(c, "create")
}

// ChannelUpdated refreshes metadata and lazily reclassifies: a channel
// first seen via a bare message event becomes a ticket once its
// parent/category information arrives.
func (r *Registry) ChannelUpdated(c *discordgo.Channel) {
	r.mu.Lock()
	r.channels[c.ID] = c
	if rec, ok := r.tickets[c.ID]; ok && c.Name != "" {
		rec.ChannelName = c.Name
	}
	r.mu.Unlock()
	r.observeChannel(c, "update")
}

// observeChannel registers the channel as a ticket if it matches the
// classification rule and is not yet known.
func (r *Registry) observeChannel(c *discordgo.Channel, via string) {
	r.mu.Lock()
	if _, known := r.tickets[c.ID]; known || !r.classifyLocked(c) {
		r.mu.Unlock()
		return
	}
	rec := &Record{
		ChannelID:   c.ID,
		ChannelName: c.Name,
		GuildID:     r.guildID,
		GuildName:   r.guildName,
		CreatedAt:   snowflakeTime(c.ID),
		Timer:       TimerState{Phase: PhaseIdle},
	}
	r.tickets[c.ID] = rec
	r.counters.TotalCreated++
	paused := r.paused
	name := rec.ChannelName
	r.mu.Unlock()

	log.Printf("ticket: registered %s (%s) via %s", c.ID, name, via)
	if !paused {
		r.enqueue(notify.Notification{
			Text:            fmt.Sprintf("New ticket: #%s", name),
			TicketChannelID: c.ID,
			UpdateID:        "new:" + c.ID,
		})
	}
}

// ChannelDeleted closes the ticket: snapshot, durable archive, removal,
// closed notification. Closure is terminal; a reused identifier later is
// a new ticket.
func (r *Registry) ChannelDeleted(c *discordgo.Channel) {
	r.timers.Cancel(c.ID)

	r.mu.Lock()
	delete(r.channels, c.ID)
	rec, ok := r.tickets[c.ID]
	if !ok {
		matches := r.classifyLocked(c)
		r.mu.Unlock()
		if matches {
			// Never registered but would have matched: archive a
			// best-effort fallback record from partial information.
			r.archiveWrite(ArchiveRecord{
				ChannelID:   c.ID,
				ChannelName: c.Name,
				GuildID:     r.guildID,
				CreatedAt:   snowflakeTime(c.ID),
				ClosedAt:    r.now(),
				Partial:     true,
			})
		}
		return
	}
	delete(r.tickets, c.ID)
	r.counters.TotalClosed++
	paused := r.paused
	snapshot := *rec
	r.mu.Unlock()

	r.archiveWrite(ArchiveRecord{
		ChannelID:         snapshot.ChannelID,
		ChannelName:       snapshot.ChannelName,
		GuildID:           snapshot.GuildID,
		OpenerID:          snapshot.OpenerID,
		OpenerName:        snapshot.OpenerName,
		CreatedAt:         snapshot.CreatedAt,
		ClosedAt:          r.now(),
		FirstStaffReplyAt: snapshot.FirstStaffReplyAt,
		MessageCount:      snapshot.MessageCount,
	})

	log.Printf("ticket: closed %s (%s)", snapshot.ChannelID, snapshot.ChannelName)
	if !paused {
		r.enqueue(notify.Notification{
			Text:            fmt.Sprintf("Ticket closed: #%s", snapshot.ChannelName),
			TicketChannelID: snapshot.ChannelID,
			UpdateID:        "closed:" + snapshot.ChannelID,
		})
	}
}

// MessageReceived is the inbound-message transition. Messages from the
// connected identity or other automated accounts are excluded entirely:
// self-notification loops must not occur.
func (r *Registry) MessageReceived(m *discordgo.Message) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	r.mu.Lock()
	if m.Author.ID == r.selfID {
		r.mu.Unlock()
		return
	}

	rec, known := r.tickets[m.ChannelID]
	if !known {
		c, cached := r.channels[m.ChannelID]
		if !cached {
			// Classification must not block message accounting: keep a
			// minimal synthesized descriptor until real metadata
			// arrives via a channel event.
			c = &discordgo.Channel{
				ID:      m.ChannelID,
				GuildID: r.guildID,
				Type:    discordgo.ChannelTypeGuildText,
			}
			r.channels[m.ChannelID] = c
		}
		if !r.classifyLocked(c) {
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
		r.observeChannel(c, "message")
		r.mu.Lock()
		rec = r.tickets[m.ChannelID]
		if rec == nil {
			r.mu.Unlock()
			return
		}
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}
	rec.LastMessage = truncate(m.Content, previewLimit)
	rec.LastMessageAt = ts
	rec.MessageCount++
	r.counters.MessagesSeen++
	r.counters.HourHistogram[ts.Hour()]++

	staff := r.isStaffLocked(m)
	paused := r.paused
	var firstPlayerNotice bool

	if staff {
		if rec.FirstStaffReplyAt == nil {
			t := ts
			rec.FirstStaffReplyAt = &t
		}
		kind := timer.KindRegular
		phase := PhaseArmedRegular
		if r.matchesClosingPhraseLocked(m.Content) {
			kind = timer.KindClosing
			phase = PhaseArmedClosing
		}
		rec.Timer = TimerState{Phase: phase, Since: ts}
		defer r.timers.Arm(m.ChannelID, kind)
	} else {
		if rec.OpenerID == "" {
			rec.OpenerID = m.Author.ID
			rec.OpenerName = authorName(m)
		}
		rec.Timer = TimerState{Phase: PhaseIdle}
		defer r.timers.Cancel(m.ChannelID)
		if !rec.FirstPlayerMessageSeen {
			rec.FirstPlayerMessageSeen = true
			firstPlayerNotice = true
		}
	}
	channelName := rec.ChannelName
	r.mu.Unlock()

	if r.archive != nil {
		if err := r.archive.AppendMessage(MessageEntry{
			ChannelID:  m.ChannelID,
			MessageID:  m.ID,
			AuthorID:   m.Author.ID,
			AuthorName: authorName(m),
			Staff:      staff,
			Content:    m.Content,
			Timestamp:  ts,
		}); err != nil {
			log.Printf("ticket: message log append failed: %v", err)
		}
	}

	if firstPlayerNotice && !paused {
		r.enqueue(notify.Notification{
			Text: fmt.Sprintf("First message in #%s from %s: %s",
				channelName, authorName(m), truncate(m.Content, previewLimit)),
			TicketChannelID: m.ChannelID,
			UpdateID:        "first:" + m.ChannelID,
		})
	}
}

// TimerExpired is the timer engine's fire callback: clear the waiting
// state and notify unless paused (the timer still clears either way).
func (r *Registry) TimerExpired(channelID string, kind timer.Kind) {
	r.mu.Lock()
	rec, ok := r.tickets[channelID]
	if !ok {
		r.mu.Unlock()
		return
	}
	rec.Timer = TimerState{Phase: PhaseIdle}
	paused := r.paused
	channelName := rec.ChannelName
	r.mu.Unlock()

	if paused {
		return
	}
	var text string
	if kind == timer.KindClosing {
		text = fmt.Sprintf("Ticket #%s can be closed: no reply after the closing question.", channelName)
	} else {
		text = fmt.Sprintf("No reply in #%s: consider following up.", channelName)
	}
	r.enqueue(notify.Notification{
		Text:            text,
		TicketChannelID: channelID,
		UpdateID:        fmt.Sprintf("timeout:%s:%d", channelID, r.now().UnixNano()),
	})
}

// SeedActivity backfills the last-message preview for a ticket that has
// no observed activity yet, from a REST history read. Live gateway
// traffic always wins over a backfill.
func (r *Registry) SeedActivity(channelID, preview string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tickets[channelID]
	if !ok || !rec.LastMessageAt.IsZero() {
		return
	}
	rec.LastMessage = truncate(preview, previewLimit)
	rec.LastMessageAt = at
}

// RestoreEntries lists the timers to re-create after a restart.
func (r *Registry) RestoreEntries() []timer.RestoreEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []timer.RestoreEntry
	for id, rec := range r.tickets {
		if rec.Timer.Phase == PhaseIdle {
			continue
		}
		out = append(out, timer.RestoreEntry{
			ChannelID: id,
			Kind:      rec.Timer.Kind(),
			Since:     rec.Timer.Since,
		})
	}
	return out
}

// Snapshot exports the open tickets and counters for persistence.
func (r *Registry) Snapshot() (map[string]Record, Counters) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tickets := make(map[string]Record, len(r.tickets))
	for id, rec := range r.tickets {
		tickets[id] = *rec
	}
	return tickets, r.counters
}

// Restore seeds the registry from a persisted snapshot. Counters are
// replaced, records merged (existing records win, so a restore after
// live events cannot roll state back).
func (r *Registry) Restore(tickets map[string]Record, counters Counters) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, rec := range tickets {
		if _, exists := r.tickets[id]; !exists {
			cp := rec
			r.tickets[id] = &cp
		}
	}
	r.counters = counters
}

// classifyLocked applies the ticket rule: supported channel kind, parent
// is the configured category (directly or one level nested), and the
// name contains a configured prefix.
func (r *Registry) classifyLocked(c *discordgo.Channel) bool {
	if c == nil {
		return false
	}
	switch c.Type {
	case discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews:
	default:
		return false
	}
	if !r.underCategoryLocked(c) {
		return false
	}
	name := strings.ToLower(c.Name)
	for _, prefix := range r.rules.NamePrefixes {
		if strings.Contains(name, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}

// underCategoryLocked checks direct or one-level-nested membership in the
// ticket category.
func (r *Registry) underCategoryLocked(c *discordgo.Channel) bool {
	if c.ParentID == "" {
		return false
	}
	if c.ParentID == r.rules.CategoryID {
		return true
	}
	parent, ok := r.channels[c.ParentID]
	return ok && parent.ParentID == r.rules.CategoryID
}

// isStaffLocked reports whether the author's role set intersects the
// configured staff roles. Member data from the payload is preferred; the
// REST lookup is the fallback.
func (r *Registry) isStaffLocked(m *discordgo.Message) bool {
	var roles []string
	if m.Member != nil {
		roles = m.Member.Roles
	} else if r.lookupRoles != nil {
		roles = r.lookupRoles(m.Author.ID)
	}
	for _, role := range roles {
		for _, staff := range r.rules.StaffRoleIDs {
			if role == staff {
				return true
			}
		}
	}
	return false
}

// matchesClosingPhraseLocked checks the staff message against the
// configured closing phrases, case-insensitively.
func (r *Registry) matchesClosingPhraseLocked(content string) bool {
	text := strings.ToLower(content)
	for _, phrase := range r.rules.ClosingPhrases {
		if phrase != "" && strings.Contains(text, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}

// archiveWrite forwards to the archiver, logging failures. Archive
// faults never propagate into the state machine.
func (r *Registry) archiveWrite(rec ArchiveRecord) {
	if r.archive == nil {
		return
	}
	if err := r.archive.ArchiveTicket(rec); err != nil {
		log.Printf("ticket: archive write failed for %s: %v", rec.ChannelID, err)
	}
}

func authorName(m *discordgo.Message) string {
	if m.Author == nil {
		return ""
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
