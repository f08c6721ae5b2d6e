package gateway

import (
	"encoding/json"

	"github.com/bwmarrin/discordgo"
)

// Gateway opcodes.
const (
	opDispatch           = 0
	opHeartbeat          = 1
	opIdentify           = 2
	opResume             = 6
	opReconnect          = 7
	opInvalidSession     = 9
	opHello              = 10
	opHeartbeatAck       = 11
	opGuildSubscriptions = 14
)

// Close codes issued locally. They sit outside the platform's reserved
// range so classification can tell a self-close from a server close.
const (
	// closeCodeReconnect is used when the server requests a reconnect
	// (opcode 7); the session is still resumable.
	closeCodeReconnect = 4900
	// closeCodeHeartbeatTimeout is used when a heartbeat ack never
	// arrived; the connection is considered dead and the session is not
	// trusted for a resume.
	closeCodeHeartbeatTimeout = 4901
)

// Server close codes with special meaning.
const (
	closeCodeAuthenticationFailed = 4004
	closeCodeInvalidIntents       = 4013
	closeCodeDisallowedIntents    = 4014
)

// resumableCloseCodes are codes after which the held session ID and
// sequence number remain valid for a Resume.
var resumableCloseCodes = map[int]bool{
	4000: true, // unknown error
	4001: true, // unknown opcode
	4002: true, // decode error
	4003: true, // not authenticated
	4005: true, // already authenticated
	4007: true, // invalid seq
	4008: true, // rate limited
	4009: true, // session timed out
	closeCodeReconnect: true,
}

// fatalCloseCodes indicate a credential or intent problem that no amount
// of reconnecting will fix. The tenant must be stopped and reconfigured.
var fatalCloseCodes = map[int]bool{
	closeCodeAuthenticationFailed: true,
	closeCodeInvalidIntents:       true,
	closeCodeDisallowedIntents:    true,
}

// frame is one gateway message: opcode, payload, sequence, event name.
type frame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  int64           `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// helloPayload is the opcode 10 body.
type helloPayload struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"` // milliseconds
}

// identifyProperties describes the connecting device.
type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// identifyPayload is the opcode 2 body. Intents is only declared for the
// service identity; Presence only for the personal identity.
type identifyPayload struct {
	Token      string             `json:"token"`
	Properties identifyProperties `json:"properties"`
	Intents    *int               `json:"intents,omitempty"`
	Presence   *presencePayload   `json:"presence,omitempty"`
}

// presencePayload declares an online presence for the personal identity.
type presencePayload struct {
	Status     string   `json:"status"`
	Since      int64    `json:"since"`
	Activities []string `json:"activities"`
	AFK        bool     `json:"afk"`
}

// resumePayload is the opcode 6 body.
type resumePayload struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// subscribePayload is the opcode 14 body: an explicit opt-in to message
// and member-list events for specific channels. Required under the
// personal identity, where the platform does not push channel events
// proactively. Ranges follow the observed client behavior.
type subscribePayload struct {
	GuildID  string              `json:"guild_id"`
	Channels map[string][][2]int `json:"channels"`
	Typing   bool                `json:"typing"`
	Threads  bool                `json:"threads"`
}

// ReadyEvent carries the session identity assigned on a fresh Identify.
type ReadyEvent struct {
	SessionID        string             `json:"session_id"`
	ResumeGatewayURL string             `json:"resume_gateway_url"`
	User             *discordgo.User    `json:"user"`
	Guilds           []*discordgo.Guild `json:"guilds"`
}

// invalidSessionPayload is the opcode 9 body: whether a resume may still
// be attempted. The manager treats false (the common case) by clearing
// session identity and re-identifying.
type invalidSessionPayload bool

// Handler receives decoded dispatch events in delivery order. All calls
// happen from the session's read loop, so implementations see a single
// sequential timeline per tenant.
type Handler interface {
	HandleReady(ev *ReadyEvent)
	HandleResumed()
	HandleGuildCreate(g *discordgo.Guild)
	HandleChannelCreate(c *discordgo.Channel)
	HandleChannelUpdate(c *discordgo.Channel)
	HandleChannelDelete(c *discordgo.Channel)
	HandleMessageCreate(m *discordgo.Message)
}

// ignoredEvents are dispatch events the platform sends that carry no
// ticket-relevant information. They are dropped without logging; anything
// not listed here and not handled is logged so new event types surface
// during development.
var ignoredEvents = map[string]bool{
	"PRESENCE_UPDATE":          true,
	"TYPING_START":             true,
	"GUILD_MEMBER_UPDATE":      true,
	"MESSAGE_UPDATE":           true,
	"MESSAGE_DELETE":           true,
	"MESSAGE_REACTION_ADD":     true,
	"VOICE_STATE_UPDATE":       true,
	"SESSIONS_REPLACE":         true,
	"GUILD_MEMBER_LIST_UPDATE": true,
}
