// Copyright 2024-2026 Aiku AI

package relay

import (
	"testing"
)

func TestUnifiedMessageCloneIsDeep(t *testing.T) {
	t.Parallel()
	orig := &UnifiedMessage{
		ChatAttrs: ChatAttribute{
			Platform: "A", ChatID: "1", MessageID: "m",
			ReplyTo: &ChatAttribute{
				Platform: "A", ChatID: "1", MessageID: "r",
				ForwardFrom: &ChatAttribute{Platform: "B", ChatID: "2", Name: "origin"},
			},
		},
		Message: []MessageEntity{Plain("hi")},
	}
	c := orig.Clone()
	c.ChatAttrs.ReplyTo.ForwardFrom.Name = "changed"
	c.ChatAttrs.ReplyTo = nil
	c.Message[0].Text = "bye"
	c.SendAction.MessageID = "x"

	if orig.ChatAttrs.ReplyTo == nil {
		t.Fatalf("clearing the clone's reply_to affected the original")
	}
	if got := orig.ChatAttrs.ReplyTo.ForwardFrom.Name; got != "origin" {
		t.Errorf("nested forward_from: got %q, want %q", got, "origin")
	}
	if got := orig.Message[0].Text; got != "hi" {
		t.Errorf("segments: got %q, want %q", got, "hi")
	}
	if !orig.SendAction.IsZero() {
		t.Errorf("send action leaked into the original")
	}
}

func TestChatAttributeClone(t *testing.T) {
	t.Parallel()
	var none *ChatAttribute
	if none.Clone() != nil {
		t.Errorf("nil attribute cloned to non-nil")
	}

	orig := &ChatAttribute{
		Platform: "A", ChatID: "1", MessageID: "m", Name: "alice",
		ForwardFrom: &ChatAttribute{Platform: "B", ChatID: "2", Name: "origin"},
	}
	c := orig.Clone()
	if c == orig || c.ForwardFrom == orig.ForwardFrom {
		t.Fatalf("clone shares pointers with the original")
	}
	c.Name = "bob"
	c.ForwardFrom.Name = "changed"
	if orig.Name != "alice" || orig.ForwardFrom.Name != "origin" {
		t.Errorf("original changed: %+v, forward_from %+v", orig, orig.ForwardFrom)
	}
	if c.MessageID != "m" || c.ReplyTo != nil {
		t.Errorf("clone: got %+v", c)
	}
}

func TestUnifiedMessageText(t *testing.T) {
	t.Parallel()
	msg := &UnifiedMessage{Message: []MessageEntity{
		Plain("see "),
		{Text: "docs", Kind: EntityLink, Link: "https://example.com"},
		{Text: "!", Kind: EntityBold},
	}}
	if got := msg.Text(); got != "see docs!" {
		t.Errorf("Text: got %q, want %q", got, "see docs!")
	}
}

func TestUnifiedMessageHeader(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		attrs ChatAttribute
		want  []MessageEntity
	}{
		{"anonymous", ChatAttribute{}, nil},
		{"named", ChatAttribute{Name: "alice"}, []MessageEntity{
			{Text: "alice", Kind: EntityBold}, Plain(": "),
		}},
		{"forwarded", ChatAttribute{Name: "alice", ForwardFrom: &ChatAttribute{Platform: "B"}}, []MessageEntity{
			{Text: "alice", Kind: EntityBold}, Plain(": "),
			{Text: "[forwarded from B]", Kind: EntityItalic}, Plain(" "),
		}},
	}
	for _, tt := range tests {
		msg := &UnifiedMessage{ChatAttrs: tt.attrs}
		got := msg.Header()
		if len(got) != len(tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("%s[%d]: got %+v, want %+v", tt.name, i, got[i], tt.want[i])
			}
		}
	}
}

func TestHasRemoteImage(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"":                     false,
		"/tmp/a.png":           false,
		"http://x/y.png":       true,
		"https://cdn.x/y.jpeg": true,
	}
	for img, want := range tests {
		msg := &UnifiedMessage{Image: img}
		if got := msg.HasRemoteImage(); got != want {
			t.Errorf("HasRemoteImage(%q): got %v, want %v", img, got, want)
		}
	}
}

func TestKeys(t *testing.T) {
	t.Parallel()
	attrs := &ChatAttribute{Platform: "A", ChatID: "1", MessageID: "m"}
	if got := attrs.Key().String(); got != "A/1/m" {
		t.Errorf("Key: got %q", got)
	}
	if got := attrs.Group().String(); got != "A/1" {
		t.Errorf("Group: got %q", got)
	}
	if attrs.Key().Group() != attrs.Group() {
		t.Errorf("Key().Group() != Group()")
	}
}
