// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Outcome is the terminal state of one dispatch.
type Outcome int

const (
	OutcomeDropped Outcome = iota
	OutcomeHandled
	OutcomeReplyShortcut
	OutcomeDefault
	OutcomeFanout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDropped:
		return "dropped"
	case OutcomeHandled:
		return "handled"
	case OutcomeReplyShortcut:
		return "reply-shortcut"
	case OutcomeDefault:
		return "default-routed"
	case OutcomeFanout:
		return "fanout-routed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// DispatcherParams wires a Dispatcher. Topology and Drivers are required.
type DispatcherParams struct {
	Topology  *Topology
	Relations *RelationStore
	Hooks     *HookPipeline
	Drivers   *Registry
	Images    ImageFetcher
	// Accounts maps platform name to the relay's own user id there.
	Accounts map[string]string
}

// Dispatcher routes inbound messages to their destinations.
type Dispatcher struct {
	topology  *Topology
	relations *RelationStore
	hooks     *HookPipeline
	drivers   *Registry
	images    ImageFetcher
	accounts  map[string]string

	wg  sync.WaitGroup
	log zerolog.Logger
}

var _ Receiver = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher. Missing optional collaborators are
// replaced by empty ones.
func NewDispatcher(p DispatcherParams, log zerolog.Logger) *Dispatcher {
	log = log.With().Str("component", "dispatcher").Logger()
	if p.Relations == nil {
		p.Relations = NewRelationStore(log)
	}
	if p.Hooks == nil {
		p.Hooks = NewHookPipeline()
	}
	return &Dispatcher{
		topology:  p.Topology,
		relations: p.Relations,
		hooks:     p.Hooks,
		drivers:   p.Drivers,
		images:    p.Images,
		accounts:  maps.Clone(p.Accounts),
		log:       log,
	}
}

// Receive dispatches msg in its own goroutine. Drivers call this for every
// inbound message.
func (d *Dispatcher) Receive(ctx context.Context, msg *UnifiedMessage) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.log.Error().
					Str("platform", msg.ChatAttrs.Platform).
					Str("chat_id", msg.ChatAttrs.ChatID).
					Interface("panic", r).
					Msg("Dispatch panicked")
			}
		}()
		d.Dispatch(ctx, msg)
	}()
}

// Wait blocks until every dispatch started by Receive has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Dispatch routes msg synchronously and reports how it ended.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *UnifiedMessage) Outcome {
	attrs := &msg.ChatAttrs
	log := d.log.With().
		Str("dispatch_id", uuid.NewString()).
		Str("platform", attrs.Platform).
		Str("chat_id", attrs.ChatID).
		Str("message_id", attrs.MessageID).
		Logger()
	ctx = log.WithContext(ctx)

	if attrs.MessageID != "" {
		d.relations.RecordIngress(ctx, attrs.Key(), attrs.UserID)
	}

	explicit := d.topology.HasActions(attrs.Platform, attrs.ChatID)
	if !explicit {
		log.Debug().Msg("No explicit forward rule for chat")
	}

	if d.hooks.RunSource(ctx, msg) {
		return OutcomeHandled
	}

	img := &sharedImage{fetcher: d.images, remote: msg.Image, fileID: msg.FileID}

	if d.dispatchReply(ctx, msg, img) {
		return OutcomeReplyShortcut
	}
	if !explicit {
		return d.dispatchDefault(ctx, msg, img)
	}
	d.fanout(ctx, msg, img)
	return OutcomeFanout
}

// dispatchReply sends a reply to one of the relay's own copies straight back
// to the chat the original came from, unless that chat has explicit rules.
func (d *Dispatcher) dispatchReply(ctx context.Context, msg *UnifiedMessage, img *sharedImage) bool {
	attrs := &msg.ChatAttrs
	rt := attrs.ReplyTo
	if rt == nil || rt.MessageID == "" {
		return false
	}
	bot, ok := d.accounts[attrs.Platform]
	if !ok || rt.UserID != bot {
		return false
	}
	log := zerolog.Ctx(ctx)

	copyKey := MessageKey{Platform: attrs.Platform, ChatID: attrs.ChatID, MessageID: rt.MessageID}
	entry, err := d.relations.Resolve(ctx, copyKey, attrs.Group())
	if err != nil {
		log.Debug().Err(err).Str("reply_to", rt.MessageID).Msg("Reply target is not a relayed copy")
		return false
	}
	src, err := d.relations.ResolveSource(ctx, entry)
	if err != nil {
		log.Debug().Err(err).Str("reply_to", rt.MessageID).Msg("Relayed copy has no resolvable source")
		return false
	}
	if src.Group() == attrs.Group() {
		return false
	}
	if d.topology.HasActions(src.Platform, src.ChatID) {
		return false
	}

	attrs.ReplyTo = nil
	msg.SendAction = src.SendAction()
	out := msg.Clone()
	img.apply(ctx, out)
	d.deliver(ctx, attrs.Key(), ForwardAction{ToPlatform: src.Platform, ToChat: src.ChatID, Type: ActionAll}, out)
	return true
}

func (d *Dispatcher) dispatchDefault(ctx context.Context, msg *UnifiedMessage, img *sharedImage) Outcome {
	defaults := d.topology.Defaults(msg.ChatAttrs.Platform)
	if len(defaults) == 0 {
		zerolog.Ctx(ctx).Debug().Msg("No default rule for platform, dropping message")
		return OutcomeDropped
	}
	origin := msg.ChatAttrs.Key()
	for _, action := range defaults {
		out := msg.Clone()
		img.apply(ctx, out)
		d.deliver(ctx, origin, action, out)
	}
	return OutcomeDefault
}

func (d *Dispatcher) fanout(ctx context.Context, msg *UnifiedMessage, img *sharedImage) {
	attrs := &msg.ChatAttrs
	origin := attrs.Key()
	bot := d.accounts[attrs.Platform]
	rt := attrs.ReplyTo

	for _, action := range d.topology.Actions(attrs.Platform, attrs.ChatID) {
		log := zerolog.Ctx(ctx).With().
			Str("to_platform", action.ToPlatform).
			Str("to_chat", action.ToChat).
			Logger()
		edgeCtx := log.WithContext(ctx)

		out := msg.Clone()
		if d.hooks.RunEdge(edgeCtx, action, out) {
			continue
		}

		dest := GroupID{Platform: action.ToPlatform, ChatID: action.ToChat}
		var target *DestinationMessageID
		if rt != nil && rt.MessageID != "" {
			replyKey := MessageKey{Platform: attrs.Platform, ChatID: attrs.ChatID, MessageID: rt.MessageID}
			resolved, err := d.relations.Resolve(edgeCtx, replyKey, dest)
			if err != nil {
				log.Debug().Err(err).Str("reply_to", rt.MessageID).Msg("Reply target not found on destination, sending without reply")
			} else {
				target = resolved
			}
		}

		if action.Type == ActionReply {
			if target == nil {
				continue
			}
			if rt.Group() == attrs.Group() && rt.UserID != bot {
				continue
			}
		}

		// The relay's own copies are never shown as reply targets.
		if rt != nil && bot != "" && rt.UserID == bot {
			out.ChatAttrs.ReplyTo = nil
		}
		if target != nil {
			out.SendAction = target.SendAction()
		}

		img.apply(edgeCtx, out)
		d.deliver(edgeCtx, origin, action, out)
	}
}

// deliver sends out to the action's destination and records the copy. Sends
// already recorded for this origin and destination are skipped.
func (d *Dispatcher) deliver(ctx context.Context, origin MessageKey, action ForwardAction, out *UnifiedMessage) bool {
	log := zerolog.Ctx(ctx)
	dest := GroupID{Platform: action.ToPlatform, ChatID: action.ToChat}

	var entry *DestinationMessageID
	if origin.MessageID != "" {
		var fresh bool
		entry, fresh = d.relations.Reserve(origin, dest)
		if !fresh {
			log.Debug().Stringer("dest", dest).Msg("Message already relayed to destination, skipping")
			return false
		}
	}

	sent, err := d.drivers.Send(ctx, dest.Platform, dest.ChatID, out)
	if err != nil {
		if entry != nil {
			d.relations.Fail(entry)
		}
		log.Error().Err(err).Stringer("dest", dest).Msg("Failed to relay message")
		return false
	}
	if entry != nil {
		if err := d.relations.Complete(ctx, entry, sent.MessageID, sent.UserID); err != nil {
			log.Warn().Err(err).Stringer("dest", dest).Msg("Failed to record relayed message")
		}
	}
	log.Debug().
		Stringer("dest", dest).
		Str("dest_message_id", sent.MessageID).
		Msg("Relayed message")
	return true
}

// sharedImage materializes a dispatch's image at most once, however many
// destinations need it.
type sharedImage struct {
	fetcher ImageFetcher
	remote  string
	fileID  string

	once sync.Once
	path string
	err  error
}

func (s *sharedImage) apply(ctx context.Context, out *UnifiedMessage) {
	if s.fetcher == nil || !out.HasRemoteImage() || out.Image != s.remote {
		return
	}
	s.once.Do(func() {
		s.path, s.err = s.fetcher.GetImage(ctx, s.remote, s.fileID)
	})
	if s.err != nil {
		zerolog.Ctx(ctx).Warn().Err(s.err).Str("image", s.remote).Msg("Failed to fetch image, relaying without it")
		out.Image = ""
		return
	}
	out.Image = s.path
}
