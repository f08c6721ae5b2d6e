// Package rest wraps the platform's request/response API: channel lists,
// message history, posting, and role lookups for staff detection.
package rest

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
)

// api abstracts the discordgo.Session methods we use, enabling test mocks.
// The underlying session is used strictly for REST calls; the realtime
// connection is owned by the gateway package.
type api interface {
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
}

// Client is a rate-limit-aware REST client for one tenant.
type Client struct {
	api         api
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	Token    string
	AuthMode string // "bot" or "user"; controls the bearer header form
	// For testing: inject a mock API instead of a real session.
	API api
}

// New creates a Client. The bearer credential header depends on the
// authentication mode: the service identity prefixes "Bot ", the personal
// identity sends the raw token.
func New(opts ClientOpts) (*Client, error) {
	c := &Client{baseBackoff: baseBackoff, maxBackoff: maxBackoff}
	if opts.API != nil {
		c.api = opts.API
		return c, nil
	}
	if opts.Token == "" {
		return nil, fmt.Errorf("rest: token is required")
	}
	token := opts.Token
	if opts.AuthMode == "bot" {
		token = "Bot " + token
	}
	sess, err := discordgo.New(token)
	if err != nil {
		return nil, fmt.Errorf("rest: create session: %w", err)
	}
	c.api = sess
	return c, nil
}

// GuildChannels fetches the channel list for a guild.
func (c *Client) GuildChannels(ctx context.Context, guildID string) ([]*discordgo.Channel, error) {
	var channels []*discordgo.Channel
	err := c.retryOnRateLimit(ctx, func() error {
		var apiErr error
		channels, apiErr = c.api.GuildChannels(guildID)
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("rest: guild channels: %w", err)
	}
	return channels, nil
}

// RecentMessages fetches up to limit recent messages for a channel,
// newest first.
func (c *Client) RecentMessages(ctx context.Context, channelID string, limit int) ([]*discordgo.Message, error) {
	var msgs []*discordgo.Message
	err := c.retryOnRateLimit(ctx, func() error {
		var apiErr error
		msgs, apiErr = c.api.ChannelMessages(channelID, limit, "", "", "")
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("rest: channel messages: %w", err)
	}
	return msgs, nil
}

// PostMessage posts a new message to a channel and returns it.
func (c *Client) PostMessage(ctx context.Context, channelID, content string) (*discordgo.Message, error) {
	var msg *discordgo.Message
	err := c.retryOnRateLimit(ctx, func() error {
		var apiErr error
		msg, apiErr = c.api.ChannelMessageSend(channelID, content)
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("rest: send message: %w", err)
	}
	return msg, nil
}

// EditMessage replaces the content of an existing message.
func (c *Client) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	err := c.retryOnRateLimit(ctx, func() error {
		_, apiErr := c.api.ChannelMessageEdit(channelID, messageID, content)
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("rest: edit message: %w", err)
	}
	return nil
}

// GuildRoles fetches the role list for a guild.
func (c *Client) GuildRoles(ctx context.Context, guildID string) ([]*discordgo.Role, error) {
	var roles []*discordgo.Role
	err := c.retryOnRateLimit(ctx, func() error {
		var apiErr error
		roles, apiErr = c.api.GuildRoles(guildID)
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("rest: guild roles: %w", err)
	}
	return roles, nil
}

// GuildMember fetches one guild member, used for role-based staff
// detection when the message payload carries no member data.
func (c *Client) GuildMember(ctx context.Context, guildID, userID string) (*discordgo.Member, error) {
	var member *discordgo.Member
	err := c.retryOnRateLimit(ctx, func() error {
		var apiErr error
		member, apiErr = c.api.GuildMember(guildID, userID)
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("rest: guild member: %w", err)
	}
	return member, nil
}

// retryOnRateLimit calls fn and retries with exponential backoff on
// rate limit errors. It respects context cancellation.
func (c *Client) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err // not a rate limit error
		}

		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * c.baseBackoff
		if wait > c.maxBackoff {
			wait = c.maxBackoff
		}

		log.Printf("rest: rate limited (attempt %d/%d), retrying in %v",
			attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
