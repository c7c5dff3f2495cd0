// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mattermost implements the relay driver for Mattermost servers.
package mattermost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/chatrelay/pkg/format/markdown"
	"github.com/aiku/chatrelay/pkg/relay"
)

// DefaultPlatform is the platform name used when none is configured.
const DefaultPlatform = "mattermost"

const reconnectDelay = 5 * time.Second

var errStopped = errors.New("mattermost client stopped")

// Config holds the connection settings for one Mattermost account.
type Config struct {
	ServerURL string
	Token     string
	// BotPrefix marks usernames of other relay bots whose posts are ignored.
	BotPrefix string
	Platform  string
}

// Client is a relay.Driver backed by the Mattermost REST and websocket APIs.
type Client struct {
	cfg    Config
	client *model.Client4

	mu       sync.Mutex
	wsClient *model.WebSocketClient
	userID   string
	username string

	stopOnce sync.Once
	stopChan chan struct{}
	log      zerolog.Logger
}

var (
	_ relay.Driver = (*Client)(nil)
	_ relay.Runner = (*Client)(nil)
)

// New creates a client. No network calls are made until Start.
func New(cfg Config, log zerolog.Logger) *Client {
	if cfg.Platform == "" {
		cfg.Platform = DefaultPlatform
	}
	cfg.ServerURL = strings.TrimSuffix(cfg.ServerURL, "/")
	client := model.NewAPIv4Client(cfg.ServerURL)
	client.SetToken(cfg.Token)
	return &Client{
		cfg:      cfg,
		client:   client,
		stopChan: make(chan struct{}),
		log:      log.With().Str("component", "mm_client").Str("platform", cfg.Platform).Logger(),
	}
}

// Platform implements relay.Driver.
func (c *Client) Platform() string {
	return c.cfg.Platform
}

// UserID returns the authenticated bot user id, empty before Start.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Start verifies the token and begins delivering posted events to recv.
func (c *Client) Start(ctx context.Context, recv relay.Receiver) error {
	c.log.Info().Str("server_url", c.cfg.ServerURL).Msg("Connecting to Mattermost")

	me, _, err := c.client.GetMe(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to verify Mattermost session: %w", err)
	}
	c.mu.Lock()
	c.userID = me.Id
	c.username = me.Username
	c.mu.Unlock()
	c.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")

	if err := c.connectWebSocket(); err != nil {
		return err
	}
	go c.listenWebSocket(ctx, recv)
	return nil
}

func (c *Client) connectWebSocket() error {
	wsURL := httpToWS(c.cfg.ServerURL)
	ws, err := model.NewWebSocketClient4(wsURL, c.client.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to create websocket client: %w", err)
	}
	ws.Listen()

	c.mu.Lock()
	if c.stopping() {
		c.mu.Unlock()
		ws.Close()
		return errStopped
	}
	c.wsClient = ws
	c.mu.Unlock()

	c.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
	return nil
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func (c *Client) listenWebSocket(ctx context.Context, recv relay.Receiver) {
	for {
		c.mu.Lock()
		ws := c.wsClient
		c.mu.Unlock()
		if ws == nil {
			return
		}
		select {
		case <-c.stopChan:
			return
		case <-ctx.Done():
			return
		case evt, ok := <-ws.EventChannel:
			if !ok {
				c.log.Warn().Msg("WebSocket event channel closed, reconnecting")
				if !c.reconnect(ctx) {
					return
				}
				continue
			}
			if evt == nil {
				continue
			}
			c.handleEvent(ctx, recv, evt)
		}
	}
}

// reconnect retries the websocket until it succeeds or the client stops.
func (c *Client) reconnect(ctx context.Context) bool {
	for {
		select {
		case <-c.stopChan:
			return false
		case <-ctx.Done():
			return false
		default:
		}
		err := c.connectWebSocket()
		if err == nil {
			return true
		}
		if errors.Is(err, errStopped) {
			return false
		}
		c.log.Error().Err(err).Dur("retry_in", reconnectDelay).Msg("Failed to reconnect WebSocket")
		select {
		case <-c.stopChan:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(reconnectDelay):
		}
	}
}

// stopping reports whether Stop has been called.
func (c *Client) stopping() bool {
	select {
	case <-c.stopChan:
		return true
	default:
		return false
	}
}

// Stop closes the websocket and stops the event loop. A connection dialed
// concurrently by the reconnect loop is closed as soon as it completes.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	c.mu.Lock()
	ws := c.wsClient
	c.wsClient = nil
	c.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
}

// Send implements relay.Driver. Replies are threaded under the root of the
// target post's thread.
func (c *Client) Send(ctx context.Context, chatID string, msg *relay.UnifiedMessage) (relay.SentMessage, error) {
	post := &model.Post{
		ChannelId: chatID,
		Message:   markdown.RenderMessage(msg),
	}

	if target := msg.SendAction.MessageID; target != "" {
		post.RootId = c.threadRoot(ctx, target)
	}

	switch {
	case msg.Image == "":
	case msg.HasRemoteImage():
		post.Message = strings.TrimSpace(post.Message + "\n" + msg.Image)
	default:
		fileID, err := c.uploadImage(ctx, chatID, msg.Image)
		if err != nil {
			return relay.SentMessage{}, err
		}
		post.FileIds = []string{fileID}
	}

	created, _, err := c.client.CreatePost(ctx, post)
	if err != nil {
		return relay.SentMessage{}, fmt.Errorf("failed to create post: %w", err)
	}
	return relay.SentMessage{MessageID: created.Id, UserID: c.UserID()}, nil
}

// threadRoot returns the root post id of the thread postID belongs to.
func (c *Client) threadRoot(ctx context.Context, postID string) string {
	target, _, err := c.client.GetPost(ctx, postID, "")
	if err != nil {
		c.log.Debug().Err(err).Str("post_id", postID).Msg("Failed to look up reply target, using it as root")
		return postID
	}
	if target.RootId != "" {
		return target.RootId
	}
	return postID
}

func (c *Client) uploadImage(ctx context.Context, channelID, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read image: %w", err)
	}
	resp, _, err := c.client.UploadFile(ctx, data, channelID, filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("failed to upload to Mattermost: %w", err)
	}
	if len(resp.FileInfos) == 0 {
		return "", errors.New("no file info returned from upload")
	}
	return resp.FileInfos[0].Id, nil
}

// IsGroupAdmin reports whether userID holds the channel admin role.
func (c *Client) IsGroupAdmin(ctx context.Context, chatID, userID string) (bool, error) {
	member, _, err := c.client.GetChannelMember(ctx, chatID, userID, "")
	if err != nil {
		return false, fmt.Errorf("failed to get channel member: %w", err)
	}
	if member.SchemeAdmin {
		return true, nil
	}
	return slices.Contains(strings.Fields(member.Roles), model.ChannelAdminRoleId), nil
}

// IsGroupOwner reports whether userID created the channel.
func (c *Client) IsGroupOwner(ctx context.Context, chatID, userID string) (bool, error) {
	channel, _, err := c.client.GetChannel(ctx, chatID, "")
	if err != nil {
		return false, fmt.Errorf("failed to get channel: %w", err)
	}
	return channel.CreatorId != "" && channel.CreatorId == userID, nil
}
