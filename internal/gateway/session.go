// Package gateway maintains one persistent realtime connection per tenant
// to the chat platform: authentication, heartbeats, resume, and dispatch
// routing to the ticket registry.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

const (
	// defaultGatewayURL is the fresh-connect endpoint; resumes use the
	// session's resume URL instead.
	defaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"
	// serviceIntents is the event-category bitmask declared by the
	// service identity: guild structure, guild messages, message
	// content, and the member list.
	serviceIntents = int(discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent |
		discordgo.IntentsGuildMembers)
)

// Reconnect delays; vars so tests can shorten them.
var (
	// resumeDelay is the short reconnect delay after a resumable close.
	resumeDelay = 2 * time.Second
	// identifyDelay is the longer reconnect delay before a fresh identify.
	identifyDelay = 5 * time.Second
	// invalidSessionWait returns the randomized 1-5s pause before
	// re-identifying after an invalid-session frame.
	invalidSessionWait = func() time.Duration {
		return time.Second + time.Duration(rand.Int63n(int64(4*time.Second)))
	}
)

// ErrAuthenticationFailed is returned by Run when the platform rejects
// the credentials with a terminal close code. Reconnecting will not help;
// the tenant needs a credential update.
var ErrAuthenticationFailed = errors.New("gateway: authentication failed")

// Conn is the subset of a websocket connection the session uses,
// abstracted for test mocks.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteJSON(v interface{}) error
	CloseWithCode(code int) error
	Close() error
}

// Dialer opens gateway connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// realConn wraps *websocket.Conn; writes are serialized because the
// heartbeat goroutine and the read loop both send frames.
type realConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *realConn) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

func (c *realConn) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *realConn) CloseWithCode(code int) error {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, "")
	c.conn.WriteMessage(websocket.CloseMessage, msg)
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *realConn) Close() error { return c.conn.Close() }

// realDialer uses the default gorilla dialer.
type realDialer struct{}

func (realDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		return nil, err
	}
	return &realConn{conn: conn}, nil
}

// SessionOpts holds parameters for creating a Session.
type SessionOpts struct {
	Token    string // raw token; header/identify form depends on AuthMode
	AuthMode string // "bot" or "user"
	GuildID  string
	Handler  Handler

	// SubscribeChannels returns the ticket-category channel IDs to opt
	// into via lazy subscription (personal identity only). Called after
	// READY and after every RESUMED, because subscription state does not
	// survive a resume.
	SubscribeChannels func() []string

	GatewayURL string // defaults to defaultGatewayURL
	Dialer     Dialer // defaults to the gorilla dialer; injectable for tests
}

// Session owns one gateway connection and its heartbeat loop. All dispatch
// handling happens on the read loop, so Handler implementations observe a
// single sequential timeline.
type Session struct {
	opts   SessionOpts
	dialer Dialer

	mu          sync.Mutex
	conn        Conn
	sessionID   string
	resumeURL   string
	seq         int64
	awaitingAck bool
	selfClose   int           // close code of a locally initiated close, 0 otherwise
	hbStop      chan struct{} // closes the active heartbeat loop
	stopped     bool
}

// NewSession creates a Session. Run must be called to connect.
func NewSession(opts SessionOpts) (*Session, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("gateway: token is required")
	}
	if opts.AuthMode != "bot" && opts.AuthMode != "user" {
		return nil, fmt.Errorf("gateway: auth mode must be \"bot\" or \"user\", got %q", opts.AuthMode)
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("gateway: handler is required")
	}
	if opts.GatewayURL == "" {
		opts.GatewayURL = defaultGatewayURL
	}
	d := opts.Dialer
	if d == nil {
		d = realDialer{}
	}
	return &Session{opts: opts, dialer: d}, nil
}

// SessionID returns the held session identity, empty if none.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Seq returns the last seen dispatch sequence number.
func (s *Session) Seq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Run connects and services the gateway until ctx is cancelled or the
// platform rejects the credentials. Transient failures reconnect forever:
// the connection must be self-healing for unattended operation.
func (s *Session) Run(ctx context.Context) error {
	dialBackoff := &backoff.Backoff{Min: time.Second, Max: time.Minute, Factor: 2, Jitter: true}

	for {
		if ctx.Err() != nil {
			return nil
		}

		url := s.connectURL()
		conn, err := s.dialer.Dial(ctx, url)
		if err != nil {
			wait := dialBackoff.Duration()
			log.Printf("gateway: dial %s failed: %v (retrying in %v)", url, err, wait)
			if !sleepCtx(ctx, wait) {
				return nil
			}
			continue
		}
		dialBackoff.Reset()

		code := s.serve(ctx, conn)
		s.stopHeartbeat()
		conn.Close()

		if ctx.Err() != nil || s.isStopped() {
			return nil
		}

		switch {
		case fatalCloseCodes[code]:
			log.Printf("gateway: terminal close code %d, giving up", code)
			return fmt.Errorf("close code %d: %w", code, ErrAuthenticationFailed)
		case resumableCloseCodes[code] || code == 0:
			// A bare transport drop carries no close code; the held
			// session is still worth a resume attempt.
			log.Printf("gateway: connection closed (code %d), resuming in %v", code, resumeDelay)
			if !sleepCtx(ctx, resumeDelay) {
				return nil
			}
		default:
			log.Printf("gateway: connection closed (code %d), fresh identify in %v", code, identifyDelay)
			s.clearSession()
			if !sleepCtx(ctx, identifyDelay) {
				return nil
			}
		}
	}
}

// Close shuts the connection down with a normal-closure code so the
// platform does not treat the disconnect as abnormal. The heartbeat loop
// is stopped first.
func (s *Session) Close() error {
	s.mu.Lock()
	s.stopped = true
	conn := s.conn
	s.mu.Unlock()
	s.stopHeartbeat()
	if conn != nil {
		return conn.CloseWithCode(websocket.CloseNormalClosure)
	}
	return nil
}

// connectURL picks the resume URL when a session is held, else the fresh
// gateway endpoint.
func (s *Session) connectURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID != "" && s.resumeURL != "" {
		return s.resumeURL
	}
	return s.opts.GatewayURL
}

// serve reads frames until the connection dies and returns the close code
// (0 when the error carried none).
func (s *Session) serve(ctx context.Context, conn Conn) int {
	s.mu.Lock()
	s.conn = conn
	s.selfClose = 0
	s.awaitingAck = false
	s.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			code := s.selfClose
			s.conn = nil
			s.mu.Unlock()
			if code != 0 {
				return code
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return closeErr.Code
			}
			return 0
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Printf("gateway: frame decode error: %v", err)
			continue
		}
		s.handleFrame(ctx, conn, &f)
	}
}

// handleFrame dispatches one inbound frame by opcode.
func (s *Session) handleFrame(ctx context.Context, conn Conn, f *frame) {
	switch f.Op {
	case opHello:
		var hello helloPayload
		if err := json.Unmarshal(f.D, &hello); err != nil {
			log.Printf("gateway: hello decode error: %v", err)
			return
		}
		interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
		s.startHeartbeat(conn, interval)
		if s.SessionID() != "" {
			s.sendResume(conn)
		} else {
			s.sendIdentify(conn)
		}

	case opHeartbeat:
		// The server may request an immediate beat.
		s.sendHeartbeat(conn)

	case opHeartbeatAck:
		s.mu.Lock()
		s.awaitingAck = false
		s.mu.Unlock()

	case opDispatch:
		s.mu.Lock()
		if f.S > s.seq {
			s.seq = f.S
		}
		s.mu.Unlock()
		s.dispatch(conn, f.T, f.D)

	case opReconnect:
		// Close locally with a resumable code so the retry logic
		// attempts a resume.
		s.closeWithCode(conn, closeCodeReconnect)

	case opInvalidSession:
		var resumable invalidSessionPayload
		json.Unmarshal(f.D, &resumable)
		if !resumable {
			s.clearSession()
		}
		// Randomized 1-5s wait before re-identifying, per the protocol.
		wait := invalidSessionWait()
		log.Printf("gateway: invalid session (resumable=%v), re-identifying in %v", resumable, wait)
		if !sleepCtx(ctx, wait) {
			return
		}
		s.sendIdentify(conn)

	default:
		log.Printf("gateway: unhandled opcode %d", f.Op)
	}
}

// dispatch decodes one named event and routes it to the handler.
func (s *Session) dispatch(conn Conn, name string, d json.RawMessage) {
	h := s.opts.Handler
	switch name {
	case "READY":
		var ev ReadyEvent
		if err := json.Unmarshal(d, &ev); err != nil {
			log.Printf("gateway: READY decode error: %v", err)
			return
		}
		s.mu.Lock()
		s.sessionID = ev.SessionID
		if ev.ResumeGatewayURL != "" {
			s.resumeURL = ev.ResumeGatewayURL + "/?v=10&encoding=json"
		}
		s.mu.Unlock()
		log.Printf("gateway: ready, session %s", ev.SessionID)
		h.HandleReady(&ev)
		s.sendSubscriptions(conn)

	case "RESUMED":
		log.Printf("gateway: session resumed")
		h.HandleResumed()
		// Subscription state is not preserved across a resume.
		s.sendSubscriptions(conn)

	case "GUILD_CREATE":
		var g discordgo.Guild
		if err := json.Unmarshal(d, &g); err != nil {
			log.Printf("gateway: GUILD_CREATE decode error: %v", err)
			return
		}
		h.HandleGuildCreate(&g)
		s.sendSubscriptions(conn)

	case "CHANNEL_CREATE":
		var c discordgo.Channel
		if err := json.Unmarshal(d, &c); err != nil {
			log.Printf("gateway: CHANNEL_CREATE decode error: %v", err)
			return
		}
		h.HandleChannelCreate(&c)

	case "CHANNEL_UPDATE":
		var c discordgo.Channel
		if err := json.Unmarshal(d, &c); err != nil {
			log.Printf("gateway: CHANNEL_UPDATE decode error: %v", err)
			return
		}
		h.HandleChannelUpdate(&c)

	case "CHANNEL_DELETE":
		var c discordgo.Channel
		if err := json.Unmarshal(d, &c); err != nil {
			log.Printf("gateway: CHANNEL_DELETE decode error: %v", err)
			return
		}
		h.HandleChannelDelete(&c)

	case "MESSAGE_CREATE":
		var m discordgo.Message
		if err := json.Unmarshal(d, &m); err != nil {
			log.Printf("gateway: MESSAGE_CREATE decode error: %v", err)
			return
		}
		h.HandleMessageCreate(&m)

	default:
		if !ignoredEvents[name] {
			log.Printf("gateway: unhandled dispatch event %s", name)
		}
	}
}

// sendIdentify sends the opcode 2 payload appropriate to the auth mode.
// The shape is a pure branch on configuration and never changes
// mid-session: the service identity declares an intent bitmask and a
// device descriptor, the personal identity declares an online presence
// and lets the platform infer access.
func (s *Session) sendIdentify(conn Conn) {
	payload := identifyPayload{Token: s.opts.Token}
	if s.opts.AuthMode == "bot" {
		intents := serviceIntents
		payload.Intents = &intents
		payload.Properties = identifyProperties{OS: "linux", Browser: "ticketline", Device: "ticketline"}
	} else {
		payload.Properties = identifyProperties{OS: "linux", Browser: "Chrome", Device: ""}
		payload.Presence = &presencePayload{Status: "online", Activities: []string{}}
	}
	s.writeFrame(conn, opIdentify, payload)
}

// sendResume re-attaches to the held session.
func (s *Session) sendResume(conn Conn) {
	s.mu.Lock()
	payload := resumePayload{Token: s.opts.Token, SessionID: s.sessionID, Seq: s.seq}
	s.mu.Unlock()
	s.writeFrame(conn, opResume, payload)
}

// sendHeartbeat sends the last seen sequence number and marks the beat as
// awaiting acknowledgement.
func (s *Session) sendHeartbeat(conn Conn) {
	s.mu.Lock()
	seq := s.seq
	s.awaitingAck = true
	s.mu.Unlock()

	var d interface{}
	if seq > 0 {
		d = seq
	}
	if err := conn.WriteJSON(struct {
		Op int         `json:"op"`
		D  interface{} `json:"d"`
	}{Op: opHeartbeat, D: d}); err != nil {
		log.Printf("gateway: heartbeat send failed: %v", err)
	}
}

// sendSubscriptions sends the lazy-subscribe control frame for the ticket
// category channels. Only the personal identity needs it; the service
// identity receives channel events via its declared intents.
func (s *Session) sendSubscriptions(conn Conn) {
	if s.opts.AuthMode != "user" || s.opts.SubscribeChannels == nil {
		return
	}
	ids := s.opts.SubscribeChannels()
	if len(ids) == 0 {
		return
	}
	channels := make(map[string][][2]int, len(ids))
	for _, id := range ids {
		channels[id] = [][2]int{{0, 99}}
	}
	s.writeFrame(conn, opGuildSubscriptions, subscribePayload{
		GuildID:  s.opts.GuildID,
		Channels: channels,
		Typing:   true,
		Threads:  true,
	})
}

// writeFrame marshals and sends one outbound frame.
func (s *Session) writeFrame(conn Conn, op int, payload interface{}) {
	d, err := json.Marshal(payload)
	if err != nil {
		log.Printf("gateway: marshal op %d: %v", op, err)
		return
	}
	if err := conn.WriteJSON(frame{Op: op, D: d}); err != nil {
		log.Printf("gateway: write op %d: %v", op, err)
	}
}

// startHeartbeat launches the heartbeat loop for this connection,
// replacing any prior loop. The first beat waits a random fraction of the
// interval to spread reconnect load.
func (s *Session) startHeartbeat(conn Conn, interval time.Duration) {
	s.stopHeartbeat()
	stop := make(chan struct{})
	s.mu.Lock()
	s.hbStop = stop
	s.mu.Unlock()
	go s.heartbeatLoop(conn, interval, stop)
}

// stopHeartbeat cancels the active heartbeat loop, if any.
func (s *Session) stopHeartbeat() {
	s.mu.Lock()
	stop := s.hbStop
	s.hbStop = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// heartbeatLoop beats every interval. A beat that was never acknowledged
// means the connection is dead: force-close with a non-resumable code and
// let the reconnect logic take over.
func (s *Session) heartbeatLoop(conn Conn, interval time.Duration, stop chan struct{}) {
	jitter := time.Duration(rand.Float64() * float64(interval))
	select {
	case <-stop:
		return
	case <-time.After(jitter):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		missed := s.awaitingAck
		s.mu.Unlock()
		if missed {
			log.Printf("gateway: heartbeat ack missed, closing connection")
			s.closeWithCode(conn, closeCodeHeartbeatTimeout)
			return
		}
		s.sendHeartbeat(conn)

		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// closeWithCode records a locally initiated close so the read loop can
// classify it, then closes the connection.
func (s *Session) closeWithCode(conn Conn, code int) {
	s.mu.Lock()
	s.selfClose = code
	s.mu.Unlock()
	conn.CloseWithCode(code)
}

// clearSession drops the held session identity, forcing a fresh identify
// on the next connection.
func (s *Session) clearSession() {
	s.mu.Lock()
	s.sessionID = ""
	s.resumeURL = ""
	s.seq = 0
	s.mu.Unlock()
}

func (s *Session) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// sleepCtx waits d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
