// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog"
)

// ErrInvalidRule is returned when a rule is missing a required field.
var ErrInvalidRule = errors.New("invalid forward rule")

// ForwardActionType selects which messages an edge relays.
type ForwardActionType int

const (
	// ActionAll relays every message.
	ActionAll ForwardActionType = iota + 1
	// ActionReply relays only replies that resolve on the destination.
	ActionReply
)

func (t ForwardActionType) String() string {
	switch t {
	case ActionAll:
		return "All"
	case ActionReply:
		return "Reply"
	default:
		return fmt.Sprintf("ForwardActionType(%d)", int(t))
	}
}

func (t ForwardActionType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ForwardAction is a directed edge to one destination chat.
type ForwardAction struct {
	ToPlatform string            `json:"to_platform"`
	ToChat     string            `json:"to_chat"`
	Type       ForwardActionType `json:"type"`
}

// Rule forward types.
const (
	RuleBiDirection = "BiDirection"
	RuleOneWay      = "OneWay"
	RuleReplyOnly   = "ReplyOnly"
)

// Rule is one declarative topology entry.
type Rule struct {
	From        string
	FromChat    string
	To          string
	ToChat      string
	ForwardType string
}

// DefaultRule forwards everything from a platform without an explicit rule
// for the source chat.
type DefaultRule struct {
	From   string
	To     string
	ToChat string
}

// Topology holds the explicit and default forwarding graphs. It is built
// once by BuildTopology and never modified afterwards, so any number of
// goroutines may read it without locking.
type Topology struct {
	actions  map[string]map[string][]ForwardAction
	defaults map[string][]ForwardAction
}

// BuildTopology compiles rule lists into a Topology. Rules with missing fields
// are configuration errors. Rules with an unknown ForwardType are logged and
// skipped.
func BuildTopology(log zerolog.Logger, rules []Rule, defaults []DefaultRule) (*Topology, error) {
	t := &Topology{
		actions:  make(map[string]map[string][]ForwardAction),
		defaults: make(map[string][]ForwardAction),
	}
	var errs []error
	for i, r := range rules {
		if missing := r.missingFields(); len(missing) > 0 {
			errs = append(errs, fmt.Errorf("%w: topology[%d] missing %s", ErrInvalidRule, i, strings.Join(missing, ", ")))
			continue
		}
		switch r.ForwardType {
		case RuleBiDirection:
			t.addEdge(r.From, r.FromChat, r.To, r.ToChat, ActionAll)
			t.addEdge(r.To, r.ToChat, r.From, r.FromChat, ActionAll)
		case RuleOneWay:
			t.addEdge(r.From, r.FromChat, r.To, r.ToChat, ActionAll)
		case RuleReplyOnly:
			t.addEdge(r.From, r.FromChat, r.To, r.ToChat, ActionReply)
		default:
			log.Warn().
				Int("index", i).
				Str("forward_type", r.ForwardType).
				Str("from", r.From).
				Str("from_chat", r.FromChat).
				Msg("Unknown forward type, skipping rule")
		}
	}
	for i, d := range defaults {
		if d.From == "" || d.To == "" || d.ToChat == "" {
			errs = append(errs, fmt.Errorf("%w: default[%d] requires from, to and to_chat", ErrInvalidRule, i))
			continue
		}
		t.defaults[d.From] = append(t.defaults[d.From], ForwardAction{
			ToPlatform: d.To,
			ToChat:     d.ToChat,
			Type:       ActionReply,
		})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return t, nil
}

func (r Rule) missingFields() []string {
	var missing []string
	if r.From == "" {
		missing = append(missing, "from")
	}
	if r.FromChat == "" {
		missing = append(missing, "from_chat")
	}
	if r.To == "" {
		missing = append(missing, "to")
	}
	if r.ToChat == "" {
		missing = append(missing, "to_chat")
	}
	if r.ForwardType == "" {
		missing = append(missing, "forward_type")
	}
	return missing
}

func (t *Topology) addEdge(from, fromChat, to, toChat string, typ ForwardActionType) {
	chats, ok := t.actions[from]
	if !ok {
		chats = make(map[string][]ForwardAction)
		t.actions[from] = chats
	}
	chats[fromChat] = append(chats[fromChat], ForwardAction{ToPlatform: to, ToChat: toChat, Type: typ})
}

// HasActions reports whether an explicit rule exists for the chat.
func (t *Topology) HasActions(platform, chatID string) bool {
	_, ok := t.actions[platform][chatID]
	return ok
}

// Actions returns the explicit edges for the chat in configuration order.
func (t *Topology) Actions(platform, chatID string) []ForwardAction {
	return slices.Clone(t.actions[platform][chatID])
}

// Defaults returns the default edges for the platform in configuration order.
func (t *Topology) Defaults(platform string) []ForwardAction {
	return slices.Clone(t.defaults[platform])
}

// TopologySnapshot is a serializable copy of the graph.
type TopologySnapshot struct {
	Actions  map[string]map[string][]ForwardAction `json:"actions"`
	Defaults map[string][]ForwardAction            `json:"defaults"`
}

// Snapshot copies the graph for inspection.
func (t *Topology) Snapshot() TopologySnapshot {
	snap := TopologySnapshot{
		Actions:  make(map[string]map[string][]ForwardAction, len(t.actions)),
		Defaults: make(map[string][]ForwardAction, len(t.defaults)),
	}
	for platform, chats := range t.actions {
		m := make(map[string][]ForwardAction, len(chats))
		for chat, edges := range chats {
			m[chat] = slices.Clone(edges)
		}
		snap.Actions[platform] = m
	}
	for platform, edges := range t.defaults {
		snap.Defaults[platform] = slices.Clone(edges)
	}
	return snap
}

// EdgeCount returns the number of explicit and default edges.
func (t *Topology) EdgeCount() (explicit, defaults int) {
	for _, chats := range t.actions {
		for _, edges := range chats {
			explicit += len(edges)
		}
	}
	for _, edges := range t.defaults {
		defaults += len(edges)
	}
	return explicit, defaults
}
