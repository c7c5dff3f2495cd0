// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrix implements the relay driver for Matrix homeservers.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/chatrelay/pkg/format/html"
	"github.com/aiku/chatrelay/pkg/relay"
)

// DefaultPlatform is the platform name used when none is configured.
const DefaultPlatform = "matrix"

// Power levels that count as chat admin and chat owner.
const (
	AdminPowerLevel = 50
	OwnerPowerLevel = 100
)

// Config holds the connection settings for one Matrix account.
type Config struct {
	HomeserverURL string
	UserID        string
	AccessToken   string
	Platform      string
	// MediaDir receives downloaded inbound images.
	MediaDir string
}

// Client is a relay.Driver backed by the Matrix client-server API.
type Client struct {
	cfg    Config
	client *mautrix.Client

	stopOnce sync.Once
	log      zerolog.Logger
}

var (
	_ relay.Driver = (*Client)(nil)
	_ relay.Runner = (*Client)(nil)
)

// New creates a client. No network calls are made until Start.
func New(cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.Platform == "" {
		cfg.Platform = DefaultPlatform
	}
	client, err := mautrix.NewClient(cfg.HomeserverURL, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}
	log = log.With().Str("component", "matrix_client").Str("platform", cfg.Platform).Logger()
	client.Log = log
	return &Client{
		cfg:    cfg,
		client: client,
		log:    log,
	}, nil
}

// Platform implements relay.Driver.
func (c *Client) Platform() string {
	return c.cfg.Platform
}

// UserID returns the bot's Matrix user id.
func (c *Client) UserID() id.UserID {
	return c.client.UserID
}

// Start verifies the access token and begins syncing. Events from before the
// first sync are not relayed.
func (c *Client) Start(ctx context.Context, recv relay.Receiver) error {
	c.log.Info().Str("homeserver", c.cfg.HomeserverURL).Msg("Connecting to Matrix")

	whoami, err := c.client.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify Matrix session: %w", err)
	}
	c.client.UserID = whoami.UserID
	c.log.Info().Stringer("user_id", whoami.UserID).Msg("Authenticated")

	syncer, ok := c.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("unexpected syncer type")
	}
	syncer.OnSync(c.client.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		c.handleMessage(ctx, recv, evt)
	})

	go func() {
		if err := c.client.SyncWithContext(ctx); err != nil && ctx.Err() == nil {
			c.log.Error().Err(err).Msg("Sync stopped")
		}
	}()
	return nil
}

// Stop ends the sync loop.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.client.StopSync()
	})
}

// Send implements relay.Driver.
func (c *Client) Send(ctx context.Context, chatID string, msg *relay.UnifiedMessage) (relay.SentMessage, error) {
	body, formatted := html.RenderMessage(msg)
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body,
	}
	if formatted != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = formatted
	}

	switch {
	case msg.Image == "":
	case msg.HasRemoteImage():
		content.Body = strings.TrimSpace(content.Body + "\n" + msg.Image)
		if content.FormattedBody != "" {
			content.FormattedBody += "<br>" + msg.Image
		}
	default:
		if err := c.attachImage(ctx, content, msg.Image); err != nil {
			return relay.SentMessage{}, err
		}
	}

	if target := msg.SendAction.MessageID; target != "" {
		content.RelatesTo = &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: id.EventID(target)},
		}
	}

	resp, err := c.client.SendMessageEvent(ctx, id.RoomID(chatID), event.EventMessage, content)
	if err != nil {
		return relay.SentMessage{}, fmt.Errorf("failed to send message: %w", err)
	}
	return relay.SentMessage{MessageID: resp.EventID.String(), UserID: c.client.UserID.String()}, nil
}

// attachImage uploads path and turns content into an image event with the
// text as its caption.
func (c *Client) attachImage(ctx context.Context, content *event.MessageEventContent, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}
	name := filepath.Base(path)
	mimeType := http.DetectContentType(data)
	resp, err := c.client.UploadBytesWithName(ctx, data, mimeType, name)
	if err != nil {
		return fmt.Errorf("failed to upload image: %w", err)
	}

	content.MsgType = event.MsgImage
	content.URL = resp.ContentURI.CUString()
	content.FileName = name
	content.Info = &event.FileInfo{MimeType: mimeType, Size: len(data)}
	if content.Body == "" {
		content.Body = name
	}
	return nil
}

func (c *Client) powerLevel(ctx context.Context, chatID, userID string) (int, error) {
	var pl event.PowerLevelsEventContent
	if err := c.client.StateEvent(ctx, id.RoomID(chatID), event.StatePowerLevels, "", &pl); err != nil {
		return 0, fmt.Errorf("failed to get power levels: %w", err)
	}
	return pl.GetUserLevel(id.UserID(userID)), nil
}

// IsGroupAdmin reports whether userID has at least moderator power in the room.
func (c *Client) IsGroupAdmin(ctx context.Context, chatID, userID string) (bool, error) {
	level, err := c.powerLevel(ctx, chatID, userID)
	if err != nil {
		return false, err
	}
	return level >= AdminPowerLevel, nil
}

// IsGroupOwner reports whether userID has full power in the room.
func (c *Client) IsGroupOwner(ctx context.Context, chatID, userID string) (bool, error) {
	level, err := c.powerLevel(ctx, chatID, userID)
	if err != nil {
		return false, err
	}
	return level >= OwnerPowerLevel, nil
}
