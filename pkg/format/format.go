// Copyright 2024-2026 Aiku AI

// Package format holds helpers shared by the markup converters.
//
//   - markdown converts segments to and from Mattermost markdown.
//   - html converts segments to and from Matrix HTML.
package format

import (
	"strings"

	"github.com/aiku/chatrelay/pkg/relay"
)

// IsSafeLink reports whether href uses a scheme that may be rendered as a
// clickable link.
func IsSafeLink(href string) bool {
	lower := strings.ToLower(strings.TrimSpace(href))
	return strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "mailto:")
}

// AppendPlain appends text as a plain segment, merging it into a preceding
// plain segment.
func AppendPlain(out []relay.MessageEntity, text string) []relay.MessageEntity {
	if text == "" {
		return out
	}
	if n := len(out); n > 0 && out[n-1].Kind == relay.EntityPlain {
		out[n-1].Text += text
		return out
	}
	return append(out, relay.Plain(text))
}
