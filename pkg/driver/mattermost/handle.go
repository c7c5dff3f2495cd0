// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/chatrelay/pkg/format/markdown"
	"github.com/aiku/chatrelay/pkg/relay"
)

// handleEvent converts a websocket event and hands it to recv.
func (c *Client) handleEvent(ctx context.Context, recv relay.Receiver, evt *model.WebSocketEvent) {
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		post, err := c.parsePostedEvent(evt)
		if err != nil {
			c.log.Warn().Err(err).Msg("Failed to parse posted event")
			return
		}
		if post == nil {
			return
		}
		msg := c.toUnified(ctx, post, senderName(evt))
		if msg == nil {
			return
		}
		c.log.Debug().
			Str("post_id", post.Id).
			Str("channel_id", post.ChannelId).
			Str("user_id", post.UserId).
			Msg("Received new message")
		recv.Receive(ctx, msg)
	default:
		c.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
	}
}

func senderName(evt *model.WebSocketEvent) string {
	name, _ := evt.GetData()["sender_name"].(string)
	return strings.TrimPrefix(name, "@")
}

// parsePostedEvent extracts a post from a websocket event, applying echo
// prevention. Returns (nil, nil) to skip silently.
func (c *Client) parsePostedEvent(evt *model.WebSocketEvent) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("posted event missing post data")
	}

	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}

	c.mu.Lock()
	ownID, ownName := c.userID, c.username
	c.mu.Unlock()

	// Echo prevention: skip own posts.
	if post.UserId == ownID {
		return nil, nil
	}

	// Skip system messages.
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil, nil
	}

	// Echo prevention: skip other relay bots.
	if name := senderName(evt); name != "" && isRelayUsername(name, ownName, c.cfg.BotPrefix) {
		c.log.Debug().
			Str("post_id", post.Id).
			Str("username", name).
			Msg("Skipping relay bot post (echo prevention)")
		return nil, nil
	}

	return &post, nil
}

// isRelayUsername reports whether username belongs to this or another relay
// bot.
func isRelayUsername(username, ownName, botPrefix string) bool {
	switch {
	case ownName != "" && username == ownName:
		return true
	case botPrefix != "" && strings.HasPrefix(username, botPrefix):
		return true
	default:
		return false
	}
}

// toUnified converts a post. It returns nil for posts with nothing to relay.
func (c *Client) toUnified(ctx context.Context, post *model.Post, name string) *relay.UnifiedMessage {
	msg := &relay.UnifiedMessage{
		ChatAttrs: relay.ChatAttribute{
			Platform:  c.cfg.Platform,
			ChatID:    post.ChannelId,
			Name:      name,
			UserID:    post.UserId,
			MessageID: post.Id,
		},
		Message: markdown.Parse(post.Message),
	}
	if msg.ChatAttrs.Name == "" {
		msg.ChatAttrs.Name = c.displayName(ctx, post.UserId)
	}

	if post.RootId != "" {
		msg.ChatAttrs.ReplyTo = c.replyAttr(ctx, post)
	}

	if len(post.FileIds) > 0 {
		msg.Image, msg.FileID = c.imageLink(ctx, post.FileIds[0])
	}

	if len(msg.Message) == 0 && msg.Image == "" {
		return nil
	}
	return msg
}

func (c *Client) displayName(ctx context.Context, userID string) string {
	user, _, err := c.client.GetUser(ctx, userID, "")
	if err != nil {
		c.log.Debug().Err(err).Str("user_id", userID).Msg("Failed to look up sender")
		return userID
	}
	return user.Username
}

// replyAttr describes the thread root a post replies to.
func (c *Client) replyAttr(ctx context.Context, post *model.Post) *relay.ChatAttribute {
	attr := &relay.ChatAttribute{
		Platform:  c.cfg.Platform,
		ChatID:    post.ChannelId,
		MessageID: post.RootId,
	}
	root, _, err := c.client.GetPost(ctx, post.RootId, "")
	if err != nil {
		c.log.Debug().Err(err).Str("root_id", post.RootId).Msg("Failed to look up thread root")
		return attr
	}
	attr.UserID = root.UserId
	return attr
}

// imageLink returns a public link for fileID when it is an image.
func (c *Client) imageLink(ctx context.Context, fileID string) (link, id string) {
	info, _, err := c.client.GetFileInfo(ctx, fileID)
	if err != nil {
		c.log.Warn().Err(err).Str("file_id", fileID).Msg("Failed to get file info")
		return "", ""
	}
	if !info.IsImage() {
		return "", ""
	}
	link, _, err = c.client.GetFileLink(ctx, fileID)
	if err != nil {
		c.log.Warn().Err(err).Str("file_id", fileID).Msg("Failed to get public file link")
		return "", ""
	}
	return link, fileID
}
