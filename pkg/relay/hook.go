// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Scope limits which messages a hook sees. An empty list matches anything.
type Scope struct {
	SrcPlatforms []string
	SrcChats     []string
	DstPlatforms []string
	DstChats     []string
}

type stringSet map[string]struct{}

func newStringSet(values []string) stringSet {
	if len(values) == 0 {
		return nil
	}
	s := make(stringSet, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

func (s stringSet) matches(v string) bool {
	if s == nil {
		return true
	}
	_, ok := s[v]
	return ok
}

type compiledScope struct {
	srcPlatforms, srcChats, dstPlatforms, dstChats stringSet
}

func (s Scope) compile() compiledScope {
	return compiledScope{
		srcPlatforms: newStringSet(s.SrcPlatforms),
		srcChats:     newStringSet(s.SrcChats),
		dstPlatforms: newStringSet(s.DstPlatforms),
		dstChats:     newStringSet(s.DstChats),
	}
}

func (c compiledScope) matchSource(attrs *ChatAttribute) bool {
	return c.srcPlatforms.matches(attrs.Platform) && c.srcChats.matches(attrs.ChatID)
}

func (c compiledScope) matchEdge(attrs *ChatAttribute, action ForwardAction) bool {
	return c.matchSource(attrs) && c.dstPlatforms.matches(action.ToPlatform) && c.dstChats.matches(action.ToChat)
}

// SourceHookFunc runs once per inbound message. Returning true stops dispatch.
type SourceHookFunc func(ctx context.Context, msg *UnifiedMessage) (handled bool, err error)

// EdgeHookFunc runs once per candidate edge. Returning true skips the edge.
type EdgeHookFunc func(ctx context.Context, action ForwardAction, msg *UnifiedMessage) (handled bool, err error)

type sourceHook struct {
	name  string
	scope compiledScope
	fn    SourceHookFunc
}

type edgeHook struct {
	name  string
	scope compiledScope
	fn    EdgeHookFunc
}

// HookPipeline runs hooks in registration order. Hooks are meant to be
// registered during start-up; running hooks never holds the lock.
type HookPipeline struct {
	mu     sync.RWMutex
	source []sourceHook
	edge   []edgeHook
}

// NewHookPipeline returns an empty pipeline.
func NewHookPipeline() *HookPipeline {
	return &HookPipeline{}
}

// AddSourceHook appends a hook matched against the source platform and chat.
// The destination fields of scope are ignored.
func (p *HookPipeline) AddSourceHook(name string, scope Scope, fn SourceHookFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.source = append(p.source, sourceHook{name: name, scope: scope.compile(), fn: fn})
}

// AddEdgeHook appends a hook matched against source and destination.
func (p *HookPipeline) AddEdgeHook(name string, scope Scope, fn EdgeHookFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.edge = append(p.edge, edgeHook{name: name, scope: scope.compile(), fn: fn})
}

// RunSource runs matching source hooks until one handles the message.
func (p *HookPipeline) RunSource(ctx context.Context, msg *UnifiedMessage) bool {
	p.mu.RLock()
	hooks := p.source
	p.mu.RUnlock()

	for _, h := range hooks {
		if !h.scope.matchSource(&msg.ChatAttrs) {
			continue
		}
		if callHook(ctx, h.name, func() (bool, error) { return h.fn(ctx, msg) }) {
			return true
		}
	}
	return false
}

// RunEdge runs matching edge hooks until one handles the edge.
func (p *HookPipeline) RunEdge(ctx context.Context, action ForwardAction, msg *UnifiedMessage) bool {
	p.mu.RLock()
	hooks := p.edge
	p.mu.RUnlock()

	for _, h := range hooks {
		if !h.scope.matchEdge(&msg.ChatAttrs, action) {
			continue
		}
		if callHook(ctx, h.name, func() (bool, error) { return h.fn(ctx, action, msg) }) {
			return true
		}
	}
	return false
}

// callHook treats errors and panics as "not handled".
func callHook(ctx context.Context, name string, fn func() (bool, error)) (handled bool) {
	log := zerolog.Ctx(ctx)
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Str("hook", name).Err(fmt.Errorf("panic: %v", r)).Msg("Hook panicked")
			handled = false
		}
	}()
	handled, err := fn()
	if err != nil {
		log.Warn().Err(err).Str("hook", name).Msg("Hook failed")
		return false
	}
	if handled {
		log.Debug().Str("hook", name).Msg("Hook handled message")
	}
	return handled
}
