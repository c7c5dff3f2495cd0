// Copyright 2024-2026 Aiku AI

// Package markdown converts message segments to and from Mattermost markdown.
package markdown

import (
	"regexp"
	"strings"

	"github.com/aiku/chatrelay/pkg/format"
	"github.com/aiku/chatrelay/pkg/relay"
)

// Capture groups, in order: code block, inline code, bold, strikethrough,
// link text, link target, star italic, underscore italic.
var tokenRe = regexp.MustCompile("(?s)```(?:\\w+)?\\n?(.*?)```" +
	"|`([^`\\n]+)`" +
	`|\*\*(.+?)\*\*` +
	`|~~(.+?)~~` +
	`|\[([^\]]+)\]\(([^)\s]+)\)` +
	`|\*([^*\n]+)\*` +
	`|\b_([^_\n]+)_\b`)

// Parse splits Mattermost markdown into segments. Unsupported block syntax
// is kept as plain text.
func Parse(text string) []relay.MessageEntity {
	if text == "" {
		return nil
	}
	var out []relay.MessageEntity
	last := 0
	for _, m := range tokenRe.FindAllStringSubmatchIndex(text, -1) {
		out = format.AppendPlain(out, text[last:m[0]])
		last = m[1]
		group := func(i int) string { return text[m[2*i]:m[2*i+1]] }
		has := func(i int) bool { return m[2*i] >= 0 }

		switch {
		case has(1):
			out = append(out, relay.MessageEntity{Text: strings.TrimSuffix(group(1), "\n"), Kind: relay.EntityMonospace})
		case has(2):
			out = append(out, relay.MessageEntity{Text: group(2), Kind: relay.EntityMonospace})
		case has(3):
			out = append(out, relay.MessageEntity{Text: group(3), Kind: relay.EntityBold})
		case has(4):
			out = append(out, relay.MessageEntity{Text: group(4), Kind: relay.EntityStrikethrough})
		case has(5):
			if format.IsSafeLink(group(6)) {
				out = append(out, relay.MessageEntity{Text: group(5), Kind: relay.EntityLink, Link: group(6)})
			} else {
				out = format.AppendPlain(out, group(5))
			}
		case has(7):
			out = append(out, relay.MessageEntity{Text: group(7), Kind: relay.EntityItalic})
		case has(8):
			out = append(out, relay.MessageEntity{Text: group(8), Kind: relay.EntityItalic})
		}
	}
	return format.AppendPlain(out, text[last:])
}

// Render writes segments as Mattermost markdown.
func Render(entities []relay.MessageEntity) string {
	var sb strings.Builder
	for _, e := range entities {
		if e.Text == "" && e.Kind != relay.EntityLink {
			continue
		}
		switch e.Kind {
		case relay.EntityBold:
			sb.WriteString("**" + e.Text + "**")
		case relay.EntityItalic:
			sb.WriteString("*" + e.Text + "*")
		case relay.EntityStrikethrough:
			sb.WriteString("~~" + e.Text + "~~")
		case relay.EntityMonospace:
			if strings.Contains(e.Text, "\n") {
				sb.WriteString("```\n" + e.Text + "\n```")
			} else {
				sb.WriteString("`" + e.Text + "`")
			}
		case relay.EntityLink:
			text := e.Text
			if text == "" {
				text = e.Link
			}
			if format.IsSafeLink(e.Link) {
				sb.WriteString("[" + text + "](" + e.Link + ")")
			} else {
				sb.WriteString(text)
			}
		default:
			// Mattermost has no underline.
			sb.WriteString(e.Text)
		}
	}
	return sb.String()
}

// RenderMessage renders msg with its sender header.
func RenderMessage(msg *relay.UnifiedMessage) string {
	return Render(append(msg.Header(), msg.Message...))
}
