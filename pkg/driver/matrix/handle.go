// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/chatrelay/pkg/format/html"
	"github.com/aiku/chatrelay/pkg/relay"
)

// handleMessage converts an m.room.message event and hands it to recv.
func (c *Client) handleMessage(ctx context.Context, recv relay.Receiver, evt *event.Event) {
	if evt.Sender == c.client.UserID {
		return
	}
	content := evt.Content.AsMessage()
	if content == nil {
		return
	}
	// Edits are not relayed.
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return
	}

	log := c.log.With().Stringer("event_id", evt.ID).Stringer("room_id", evt.RoomID).Logger()

	msg := &relay.UnifiedMessage{
		ChatAttrs: relay.ChatAttribute{
			Platform:  c.cfg.Platform,
			ChatID:    evt.RoomID.String(),
			Name:      c.displayName(ctx, evt.Sender),
			UserID:    evt.Sender.String(),
			MessageID: evt.ID.String(),
		},
	}

	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		msg.Message = messageEntities(content)
		if content.MsgType == event.MsgEmote {
			msg.Message = append([]relay.MessageEntity{relay.Plain("* ")}, msg.Message...)
		}
	case event.MsgImage:
		path, err := c.downloadImage(ctx, content)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to download image")
		}
		msg.Image = path
		if content.FileName != "" && content.Body != content.FileName {
			msg.Message = messageEntities(content)
		}
	default:
		log.Trace().Str("msgtype", string(content.MsgType)).Msg("Unhandled message type")
		return
	}

	if replyTo := content.RelatesTo.GetReplyTo(); replyTo != "" {
		msg.ChatAttrs.ReplyTo = c.replyAttr(ctx, evt.RoomID, replyTo)
	}

	if len(msg.Message) == 0 && msg.Image == "" {
		return
	}
	log.Debug().Stringer("sender", evt.Sender).Msg("Received new message")
	recv.Receive(ctx, msg)
}

// messageEntities prefers the HTML body and drops reply fallbacks.
func messageEntities(content *event.MessageEventContent) []relay.MessageEntity {
	content.RemoveReplyFallback()
	if content.Format == event.FormatHTML && content.FormattedBody != "" {
		return html.Parse(content.FormattedBody)
	}
	if content.Body == "" {
		return nil
	}
	return []relay.MessageEntity{relay.Plain(content.Body)}
}

func (c *Client) displayName(ctx context.Context, userID id.UserID) string {
	resp, err := c.client.GetDisplayName(ctx, userID)
	if err == nil && resp.DisplayName != "" {
		return resp.DisplayName
	}
	localpart, _, perr := userID.Parse()
	if perr != nil {
		return userID.String()
	}
	return localpart
}

// replyAttr describes the event a message replies to.
func (c *Client) replyAttr(ctx context.Context, roomID id.RoomID, eventID id.EventID) *relay.ChatAttribute {
	attr := &relay.ChatAttribute{
		Platform:  c.cfg.Platform,
		ChatID:    roomID.String(),
		MessageID: eventID.String(),
	}
	target, err := c.client.GetEvent(ctx, roomID, eventID)
	if err != nil {
		c.log.Debug().Err(err).Stringer("event_id", eventID).Msg("Failed to look up reply target")
		return attr
	}
	attr.UserID = target.Sender.String()
	return attr
}

// downloadImage stores the image in MediaDir and returns its path.
func (c *Client) downloadImage(ctx context.Context, content *event.MessageEventContent) (string, error) {
	if c.cfg.MediaDir == "" {
		return "", fmt.Errorf("no media directory configured")
	}
	mxc, err := content.URL.Parse()
	if err != nil {
		return "", fmt.Errorf("invalid content uri: %w", err)
	}
	data, err := c.client.DownloadBytes(ctx, mxc)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", mxc, err)
	}
	if err := os.MkdirAll(c.cfg.MediaDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create media directory: %w", err)
	}
	name := uuid.NewSHA1(uuid.NameSpaceURL, []byte(mxc.String())).String() + filepath.Ext(content.GetFileName())
	path := filepath.Join(c.cfg.MediaDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write image: %w", err)
	}
	return path, nil
}
