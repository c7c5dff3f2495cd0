// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package html converts message segments to and from Matrix HTML.
package html

import (
	"html"
	"regexp"
	"strings"

	"github.com/aiku/chatrelay/pkg/format"
	"github.com/aiku/chatrelay/pkg/relay"
)

var (
	mxReplyRe = regexp.MustCompile(`(?s)<mx-reply>.*?</mx-reply>`)
	brRe      = regexp.MustCompile(`<br\s*/?>`)
	pRe       = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	tagRe     = regexp.MustCompile(`<[^>]+>`)

	// Capture groups, in order: pre block, inline code, strong, em,
	// underline, strikethrough, link target, link text.
	tokenRe = regexp.MustCompile(`(?s)<pre><code[^>]*>(.*?)</code></pre>` +
		`|<code>(.*?)</code>` +
		`|<(?:strong|b)>(.*?)</(?:strong|b)>` +
		`|<(?:em|i)>(.*?)</(?:em|i)>` +
		`|<u>(.*?)</u>` +
		`|<(?:del|s|strike)>(.*?)</(?:del|s|strike)>` +
		`|<a href="([^"]+)"[^>]*>(.*?)</a>`)
)

// text strips any remaining tags and decodes entities.
func text(s string) string {
	return html.UnescapeString(tagRe.ReplaceAllString(s, ""))
}

// Parse splits a Matrix formatted body into segments. Reply fallbacks are
// dropped and tags without a segment kind are stripped.
func Parse(formatted string) []relay.MessageEntity {
	s := mxReplyRe.ReplaceAllString(formatted, "")
	s = pRe.ReplaceAllString(s, "$1\n\n")
	s = brRe.ReplaceAllString(s, "\n")
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	var out []relay.MessageEntity
	add := func(kind relay.EntityKind, raw string) {
		if t := text(raw); t != "" {
			out = append(out, relay.MessageEntity{Text: t, Kind: kind})
		}
	}
	last := 0
	for _, m := range tokenRe.FindAllStringSubmatchIndex(s, -1) {
		out = format.AppendPlain(out, text(s[last:m[0]]))
		last = m[1]
		group := func(i int) string { return s[m[2*i]:m[2*i+1]] }
		has := func(i int) bool { return m[2*i] >= 0 }

		switch {
		case has(1):
			add(relay.EntityMonospace, strings.TrimSuffix(group(1), "\n"))
		case has(2):
			add(relay.EntityMonospace, group(2))
		case has(3):
			add(relay.EntityBold, group(3))
		case has(4):
			add(relay.EntityItalic, group(4))
		case has(5):
			add(relay.EntityUnderline, group(5))
		case has(6):
			add(relay.EntityStrikethrough, group(6))
		case has(7):
			href := html.UnescapeString(group(7))
			if format.IsSafeLink(href) {
				out = append(out, relay.MessageEntity{Text: text(group(8)), Kind: relay.EntityLink, Link: href})
			} else {
				out = format.AppendPlain(out, text(group(8)))
			}
		}
	}
	return format.AppendPlain(out, text(s[last:]))
}

// Render returns the plain body and the HTML formatted body for entities.
// formatted is empty when every segment is plain text.
func Render(entities []relay.MessageEntity) (body, formatted string) {
	var plain, rich strings.Builder
	styled := false
	for _, e := range entities {
		escaped := html.EscapeString(e.Text)
		switch e.Kind {
		case relay.EntityBold:
			rich.WriteString("<strong>" + escaped + "</strong>")
		case relay.EntityItalic:
			rich.WriteString("<em>" + escaped + "</em>")
		case relay.EntityUnderline:
			rich.WriteString("<u>" + escaped + "</u>")
		case relay.EntityStrikethrough:
			rich.WriteString("<del>" + escaped + "</del>")
		case relay.EntityMonospace:
			if strings.Contains(e.Text, "\n") {
				rich.WriteString("<pre><code>" + escaped + "</code></pre>")
			} else {
				rich.WriteString("<code>" + escaped + "</code>")
			}
		case relay.EntityLink:
			label := e.Text
			if label == "" {
				label = e.Link
			}
			if !format.IsSafeLink(e.Link) {
				plain.WriteString(label)
				rich.WriteString(html.EscapeString(label))
				continue
			}
			if label == e.Link {
				plain.WriteString(label)
			} else {
				plain.WriteString(label + " (" + e.Link + ")")
			}
			rich.WriteString(`<a href="` + html.EscapeString(e.Link) + `">` + html.EscapeString(label) + "</a>")
			styled = true
			continue
		default:
			plain.WriteString(e.Text)
			rich.WriteString(strings.ReplaceAll(escaped, "\n", "<br>"))
			continue
		}
		if e.Text != "" {
			styled = true
		}
		plain.WriteString(e.Text)
	}
	if !styled {
		return plain.String(), ""
	}
	return plain.String(), rich.String()
}

// RenderMessage renders msg with its sender header.
func RenderMessage(msg *relay.UnifiedMessage) (body, formatted string) {
	return Render(append(msg.Header(), msg.Message...))
}
