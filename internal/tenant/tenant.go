// Package tenant wires one guild deployment together: gateway session,
// REST client, ticket registry, activity timers, delivery queue, state
// snapshots, and the daily digest.
package tenant

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/robfig/cron/v3"

	"github.com/zulandar/ticketline/internal/archive"
	"github.com/zulandar/ticketline/internal/config"
	"github.com/zulandar/ticketline/internal/gateway"
	"github.com/zulandar/ticketline/internal/notify"
	"github.com/zulandar/ticketline/internal/queue"
	"github.com/zulandar/ticketline/internal/rest"
	"github.com/zulandar/ticketline/internal/state"
	"github.com/zulandar/ticketline/internal/ticket"
	"github.com/zulandar/ticketline/internal/timer"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// DigestSource supplies the archive-backed numbers for the daily digest.
type DigestSource interface {
	ClosedSince(cutoff time.Time) (int64, error)
}

// HistorySource reads the durable message log for a ticket channel.
type HistorySource interface {
	Messages(channelID string, limit int) ([]archive.MessageLog, error)
}

// Opts holds parameters for creating a Tenant.
type Opts struct {
	Config config.TenantConfig

	// Archive receives closed tickets and message logs; optional.
	Archive ticket.Archiver
	// Digest supplies closed-ticket counts for the daily digest; optional.
	Digest DigestSource
	// History serves ticket message-log reads; optional.
	History HistorySource

	// For testing: inject replacements for the real network clients.
	Sender notify.Sender
	REST   *rest.Client
	Dialer gateway.Dialer
}

// Tenant is one running guild deployment.
type Tenant struct {
	cfg      config.TenantConfig
	session  *gateway.Session
	rest     *rest.Client
	registry *ticket.Registry
	timers   *timer.Engine
	queue    *queue.Queue
	store    *state.Store
	digest   DigestSource
	history  HistorySource

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	runDone chan struct{}
	runErr  error
}

// New builds a Tenant from its config. Nothing connects until Start.
func New(opts Opts) (*Tenant, error) {
	cfg := opts.Config
	t := &Tenant{cfg: cfg, digest: opts.Digest, history: opts.History}

	t.timers = timer.New(timer.Opts{
		Regular: time.Duration(cfg.Tickets.CheckMinutes) * time.Minute,
		Closing: time.Duration(cfg.Tickets.ClosingCheckMinutes) * time.Minute,
		Fire: func(channelID string, kind timer.Kind) {
			t.registry.TimerExpired(channelID, kind)
		},
	})

	sender := opts.Sender
	if sender == nil {
		s, err := notify.NewSlackSender(notify.SlackSenderOpts{BotToken: cfg.Slack.BotToken})
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", cfg.Name, err)
		}
		sender = s
	}
	q, err := queue.New(queue.Opts{
		Sender:     sender,
		RateLimit:  time.Duration(cfg.Queue.RateLimitMs) * time.Millisecond,
		BaseRetry:  time.Duration(cfg.Queue.BaseRetryMs) * time.Millisecond,
		RetryLimit: cfg.Queue.RetryLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", cfg.Name, err)
	}
	t.queue = q

	t.rest = opts.REST
	if t.rest == nil {
		rc, err := rest.New(rest.ClientOpts{Token: cfg.Discord.Token, AuthMode: cfg.Discord.AuthMode})
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", cfg.Name, err)
		}
		t.rest = rc
	}

	registry, err := ticket.NewRegistry(ticket.RegistryOpts{
		GuildID: cfg.Discord.GuildID,
		Rules: ticket.Rules{
			CategoryID:     cfg.Tickets.CategoryID,
			NamePrefixes:   cfg.Tickets.NamePrefixes,
			StaffRoleIDs:   cfg.Tickets.StaffRoleIDs,
			ClosingPhrases: cfg.Tickets.ClosingPhrases,
		},
		Timers:      t.timers,
		Enqueue:     t.enqueue,
		Archive:     opts.Archive,
		LookupRoles: t.lookupRoles,
	})
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", cfg.Name, err)
	}
	t.registry = registry

	session, err := gateway.NewSession(gateway.SessionOpts{
		Token:             cfg.Discord.Token,
		AuthMode:          cfg.Discord.AuthMode,
		GuildID:           cfg.Discord.GuildID,
		Handler:           t,
		SubscribeChannels: registry.TicketChannelIDs,
		Dialer:            opts.Dialer,
	})
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", cfg.Name, err)
	}
	t.session = session

	store, err := state.NewStore(cfg.StateFile)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", cfg.Name, err)
	}
	t.store = store

	return t, nil
}

// Name returns the tenant's configured name.
func (t *Tenant) Name() string { return t.cfg.Name }

// Start restores persisted state, connects the gateway, and launches the
// autosave and digest loops.
func (t *Tenant) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("tenant %s: already started", t.cfg.Name)
	}
	t.started = true
	t.mu.Unlock()

	snap, err := t.store.Load()
	if err != nil {
		return fmt.Errorf("tenant %s: %w", t.cfg.Name, err)
	}
	t.registry.Restore(snap.Tickets, snap.Counters)
	t.queue.RestoreProcessed(snap.Processed)
	t.timers.RestoreAll(t.registry.RestoreEntries())
	log.Printf("tenant %s: restored %d tickets from %s", t.cfg.Name, len(snap.Tickets), t.cfg.StateFile)

	t.store.StartAutosave(time.Duration(t.cfg.AutosaveSeconds)*time.Second, t.collectSnapshot)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.mu.Lock()
	t.cancel = cancel
	t.runDone = done
	t.mu.Unlock()

	go func() {
		defer close(done)
		err := t.session.Run(runCtx)
		t.mu.Lock()
		t.runErr = err
		t.mu.Unlock()
		if err != nil {
			log.Printf("tenant %s: gateway stopped: %v", t.cfg.Name, err)
		}
	}()

	if t.cfg.DigestCron != "" && t.digest != nil {
		go t.runDigestScheduler(runCtx)
	}
	return nil
}

// Stop shuts the tenant down: delivery queue first so no new sends
// start, then timers, then the gateway connection (heartbeat, socket),
// then a final state save.
func (t *Tenant) Stop() error {
	t.queue.Stop()
	t.timers.Stop()
	if err := t.session.Close(); err != nil {
		log.Printf("tenant %s: close gateway: %v", t.cfg.Name, err)
	}
	t.mu.Lock()
	cancel, done := t.cancel, t.runDone
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	t.store.StopAutosave()
	if err := t.store.Save(t.collectSnapshot()); err != nil {
		return fmt.Errorf("tenant %s: final save: %w", t.cfg.Name, err)
	}
	return nil
}

// RunErr reports the gateway's terminal error, if any.
func (t *Tenant) RunErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runErr
}

// Pause suppresses notifications without dropping the connection.
func (t *Tenant) Pause() { t.registry.SetPaused(true) }

// Resume re-enables notifications.
func (t *Tenant) Resume() { t.registry.SetPaused(false) }

// Paused reports the suppression flag.
func (t *Tenant) Paused() bool { return t.registry.Paused() }

// Tickets returns the open ticket records.
func (t *Tenant) Tickets() []ticket.Record { return t.registry.Tickets() }

// Ticket returns one open ticket by channel ID.
func (t *Tenant) Ticket(channelID string) (ticket.Record, bool) {
	return t.registry.Ticket(channelID)
}

// Stats is the tenant's aggregate view for the dashboard.
type Stats struct {
	Name        string          `json:"name"`
	Paused      bool            `json:"paused"`
	OpenTickets int             `json:"open_tickets"`
	Counters    ticket.Counters `json:"counters"`
	Queue       queue.Stats     `json:"queue"`
}

// Stats returns the aggregate counters.
func (t *Tenant) Stats() Stats {
	return Stats{
		Name:        t.cfg.Name,
		Paused:      t.registry.Paused(),
		OpenTickets: len(t.registry.Tickets()),
		Counters:    t.registry.Stats(),
		Queue:       t.queue.Stats(),
	}
}

// SendToTicket posts a staff-authored message into a ticket channel.
func (t *Tenant) SendToTicket(ctx context.Context, channelID, content string) error {
	if _, ok := t.registry.Ticket(channelID); !ok {
		return fmt.Errorf("tenant %s: no open ticket for channel %s", t.cfg.Name, channelID)
	}
	if _, err := t.rest.PostMessage(ctx, channelID, content); err != nil {
		return fmt.Errorf("tenant %s: %w", t.cfg.Name, err)
	}
	return nil
}

// TicketForReply resolves a notification message ID back to the ticket
// channel it concerned, so an operator reply can be routed.
func (t *Tenant) TicketForReply(messageID string) (string, bool) {
	return t.queue.TicketFor(messageID)
}

// History returns the logged messages for a ticket channel, oldest first.
func (t *Tenant) History(channelID string, limit int) ([]archive.MessageLog, error) {
	if t.history == nil {
		return nil, fmt.Errorf("tenant %s: no message log configured", t.cfg.Name)
	}
	return t.history.Messages(channelID, limit)
}

// enqueue stamps the notification destination and hands it to the queue.
func (t *Tenant) enqueue(n notify.Notification) {
	n.ChannelID = t.cfg.Slack.ChannelID
	t.queue.Enqueue(n)
}

// lookupRoles resolves a user's roles over REST for staff detection when
// the gateway payload carries no member data.
func (t *Tenant) lookupRoles(userID string) []string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	member, err := t.rest.GuildMember(ctx, t.cfg.Discord.GuildID, userID)
	if err != nil {
		log.Printf("tenant %s: member lookup for %s: %v", t.cfg.Name, userID, err)
		return nil
	}
	return member.Roles
}

// collectSnapshot assembles the current persistent state.
func (t *Tenant) collectSnapshot() *state.Snapshot {
	tickets, counters := t.registry.Snapshot()
	return &state.Snapshot{
		Tickets:   tickets,
		Counters:  counters,
		Processed: t.queue.Processed(),
	}
}

// HandleReady records the connected identity and seeds the channel cache
// from a REST scan, so tickets that predate the process are picked up
// even when no guild sync arrives.
func (t *Tenant) HandleReady(ev *gateway.ReadyEvent) {
	if ev.User != nil {
		t.registry.SetSelfID(ev.User.ID)
	}
	go t.scanChannels()
}

// HandleResumed is informational; the gateway resent missed dispatches.
func (t *Tenant) HandleResumed() {}

// HandleGuildCreate ingests the guild's channel list.
func (t *Tenant) HandleGuildCreate(g *discordgo.Guild) {
	t.registry.SyncGuild(g)
}

// HandleChannelCreate registers new ticket channels.
func (t *Tenant) HandleChannelCreate(c *discordgo.Channel) {
	t.registry.ChannelCreated(c)
}

// HandleChannelUpdate refreshes channel metadata.
func (t *Tenant) HandleChannelUpdate(c *discordgo.Channel) {
	t.registry.ChannelUpdated(c)
}

// HandleChannelDelete closes the ticket.
func (t *Tenant) HandleChannelDelete(c *discordgo.Channel) {
	t.registry.ChannelDeleted(c)
}

// HandleMessageCreate feeds the lifecycle state machine.
func (t *Tenant) HandleMessageCreate(m *discordgo.Message) {
	t.registry.MessageReceived(m)
}

// scanChannels walks the guild's channel list over REST and offers each
// to the registry. Already-notified tickets stay quiet because the
// queue's processed set survives restarts.
func (t *Tenant) scanChannels() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	channels, err := t.rest.GuildChannels(ctx, t.cfg.Discord.GuildID)
	if err != nil {
		log.Printf("tenant %s: channel scan: %v", t.cfg.Name, err)
		return
	}
	for _, c := range channels {
		t.registry.ChannelUpdated(c)
		rec, ok := t.registry.Ticket(c.ID)
		if !ok || !rec.LastMessageAt.IsZero() {
			continue
		}
		msgs, err := t.rest.RecentMessages(ctx, c.ID, 1)
		if err != nil {
			log.Printf("tenant %s: preview backfill for %s: %v", t.cfg.Name, c.ID, err)
			continue
		}
		if len(msgs) > 0 {
			t.registry.SeedActivity(c.ID, msgs[0].Content, msgs[0].Timestamp)
		}
	}
}

// nextCronDuration parses a 5-field cron expression and returns the
// duration until the next fire time. Returns 0 on parse error.
func nextCronDuration(expr string) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	next := sched.Next(time.Now())
	d := time.Until(next)
	if d < 0 {
		return 0
	}
	return d
}

// runDigestScheduler posts a daily summary on the configured cron.
func (t *Tenant) runDigestScheduler(ctx context.Context) {
	d := nextCronDuration(t.cfg.DigestCron)
	if d <= 0 {
		log.Printf("tenant %s: invalid digest cron %q, digest disabled", t.cfg.Name, t.cfg.DigestCron)
		return
	}
	tm := time.NewTimer(d)
	defer tm.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tm.C:
			t.fireDigest()
			if d := nextCronDuration(t.cfg.DigestCron); d > 0 {
				tm.Reset(d)
			} else {
				return
			}
		}
	}
}

// fireDigest enqueues the daily summary notification.
func (t *Tenant) fireDigest() {
	now := time.Now()
	closed, err := t.digest.ClosedSince(now.Add(-24 * time.Hour))
	if err != nil {
		log.Printf("tenant %s: digest query: %v", t.cfg.Name, err)
		return
	}
	stats := t.registry.Stats()
	open := len(t.registry.Tickets())
	t.enqueue(notify.Notification{
		Text: fmt.Sprintf("Daily digest for %s: %d open tickets, %d closed in the last 24h, %d messages seen total.",
			t.cfg.Name, open, closed, stats.MessagesSeen),
		UpdateID: "digest:" + now.Format("2006-01-02"),
	})
}
