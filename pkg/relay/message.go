// Copyright 2024-2026 Aiku AI

package relay

import (
	"strings"
)

// EntityKind tags a text segment with its presentation.
type EntityKind string

const (
	EntityPlain         EntityKind = "plain"
	EntityBold          EntityKind = "bold"
	EntityItalic        EntityKind = "italic"
	EntityUnderline     EntityKind = "underline"
	EntityStrikethrough EntityKind = "strikethrough"
	EntityMonospace     EntityKind = "monospace"
	EntityLink          EntityKind = "link"
)

// MessageEntity is one segment of message text. Link is only meaningful for
// EntityLink segments.
type MessageEntity struct {
	Text string     `json:"text"`
	Kind EntityKind `json:"kind"`
	Link string     `json:"link,omitempty"`
}

// Plain returns a plain text segment.
func Plain(text string) MessageEntity {
	return MessageEntity{Text: text, Kind: EntityPlain}
}

// ChatAttribute describes where a message came from. ForwardFrom and ReplyTo
// are owned child nodes and never point back up the chain.
type ChatAttribute struct {
	Platform  string `json:"platform"`
	ChatID    string `json:"chat_id"`
	Name      string `json:"name,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`

	ForwardFrom *ChatAttribute `json:"forward_from,omitempty"`
	ReplyTo     *ChatAttribute `json:"reply_to,omitempty"`
}

// Clone returns a deep copy of the attribute chain.
func (c *ChatAttribute) Clone() *ChatAttribute {
	if c == nil {
		return nil
	}
	out := *c
	out.ForwardFrom = c.ForwardFrom.Clone()
	out.ReplyTo = c.ReplyTo.Clone()
	return &out
}

// Group returns the chat this attribute belongs to.
func (c *ChatAttribute) Group() GroupID {
	return GroupID{Platform: c.Platform, ChatID: c.ChatID}
}

// Key returns the relation store key of the message this attribute names.
func (c *ChatAttribute) Key() MessageKey {
	return MessageKey{Platform: c.Platform, ChatID: c.ChatID, MessageID: c.MessageID}
}

// SendAction asks the destination driver to send the message as a reply to
// MessageID, authored by UserID on that platform.
type SendAction struct {
	MessageID string `json:"message_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// IsZero reports whether no reply target is set.
func (s SendAction) IsZero() bool {
	return s.MessageID == ""
}

// UnifiedMessage is the platform independent form of a chat message. The
// engine may mutate it while dispatching; drivers must treat it as read-only.
type UnifiedMessage struct {
	ChatAttrs  ChatAttribute   `json:"chat_attrs"`
	Message    []MessageEntity `json:"message,omitempty"`
	Image      string          `json:"image,omitempty"`
	FileID     string          `json:"file_id,omitempty"`
	SendAction SendAction      `json:"send_action"`
}

// Clone returns a deep copy that can be modified independently.
func (m *UnifiedMessage) Clone() *UnifiedMessage {
	out := *m
	out.ChatAttrs.ForwardFrom = m.ChatAttrs.ForwardFrom.Clone()
	out.ChatAttrs.ReplyTo = m.ChatAttrs.ReplyTo.Clone()
	if m.Message != nil {
		out.Message = make([]MessageEntity, len(m.Message))
		copy(out.Message, m.Message)
	}
	return &out
}

// Text concatenates all segments without formatting.
func (m *UnifiedMessage) Text() string {
	var sb strings.Builder
	for _, e := range m.Message {
		sb.WriteString(e.Text)
	}
	return sb.String()
}

// HasRemoteImage reports whether Image still points at a remote resource.
func (m *UnifiedMessage) HasRemoteImage() bool {
	return strings.HasPrefix(m.Image, "http://") || strings.HasPrefix(m.Image, "https://")
}

// Header returns the sender prefix drivers put in front of relayed text:
// the bold display name, and the forward origin when there is one.
func (m *UnifiedMessage) Header() []MessageEntity {
	var out []MessageEntity
	if m.ChatAttrs.Name != "" {
		out = append(out, MessageEntity{Text: m.ChatAttrs.Name, Kind: EntityBold}, Plain(": "))
	}
	if fwd := m.ChatAttrs.ForwardFrom; fwd != nil {
		name := fwd.Name
		if name == "" {
			name = fwd.Platform
		}
		out = append(out, MessageEntity{Text: "[forwarded from " + name + "]", Kind: EntityItalic}, Plain(" "))
	}
	return out
}

// GroupID identifies one chat on one platform.
type GroupID struct {
	Platform string `json:"platform"`
	ChatID   string `json:"chat_id"`
}

func (g GroupID) String() string {
	return g.Platform + "/" + g.ChatID
}

// MessageKey identifies one message on one platform.
type MessageKey struct {
	Platform  string `json:"platform"`
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

// Group returns the chat the message belongs to.
func (k MessageKey) Group() GroupID {
	return GroupID{Platform: k.Platform, ChatID: k.ChatID}
}

func (k MessageKey) String() string {
	return k.Platform + "/" + k.ChatID + "/" + k.MessageID
}
