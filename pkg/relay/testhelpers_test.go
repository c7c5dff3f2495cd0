// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// sendCall records one Send on a fakeDriver.
type sendCall struct {
	ChatID string
	Msg    *UnifiedMessage
}

// fakeDriver is an in-memory Driver that records sends and hands out
// sequential message ids of the form "<platform>-<n>".
type fakeDriver struct {
	platform string
	userID   string

	mu    sync.Mutex
	calls []sendCall
	next  int

	// FailChats makes Send fail for these chat ids.
	FailChats map[string]bool
	// Admins and Owners hold "chat/user" pairs.
	Admins map[string]bool
	Owners map[string]bool
}

func newFakeDriver(platform, userID string) *fakeDriver {
	return &fakeDriver{
		platform:  platform,
		userID:    userID,
		FailChats: make(map[string]bool),
		Admins:    make(map[string]bool),
		Owners:    make(map[string]bool),
	}
}

func (f *fakeDriver) Platform() string { return f.platform }

func (f *fakeDriver) Send(_ context.Context, chatID string, msg *UnifiedMessage) (SentMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailChats[chatID] {
		return SentMessage{}, errors.New("fake send failure")
	}
	f.next++
	f.calls = append(f.calls, sendCall{ChatID: chatID, Msg: msg.Clone()})
	return SentMessage{MessageID: fmt.Sprintf("%s-%d", f.platform, f.next), UserID: f.userID}, nil
}

func (f *fakeDriver) IsGroupAdmin(_ context.Context, chatID, userID string) (bool, error) {
	return f.Admins[chatID+"/"+userID], nil
}

func (f *fakeDriver) IsGroupOwner(_ context.Context, chatID, userID string) (bool, error) {
	return f.Owners[chatID+"/"+userID], nil
}

func (f *fakeDriver) Calls() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]sendCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// memJournal is an in-memory RelationJournal.
type memJournal struct {
	mu      sync.Mutex
	records []RelationRecord
}

func (j *memJournal) Append(_ context.Context, rec RelationRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, rec)
	return nil
}

func (j *memJournal) Load(_ context.Context) ([]RelationRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := make([]RelationRecord, len(j.records))
	copy(cp, j.records)
	return cp, nil
}

func (j *memJournal) Purge(_ context.Context, before time.Time) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	kept := j.records[:0]
	var removed int64
	for _, rec := range j.records {
		if rec.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	j.records = kept
	return removed, nil
}

// testAccounts are the relay's own user ids on the fake platforms.
var testAccounts = map[string]string{
	"A": "botA",
	"B": "botB",
	"C": "botC",
}

// testEnv bundles a dispatcher with fake drivers for platforms A, B and C.
type testEnv struct {
	Topology   *Topology
	Relations  *RelationStore
	Hooks      *HookPipeline
	Drivers    map[string]*fakeDriver
	Dispatcher *Dispatcher
}

func newTestEnv(t *testing.T, rules []Rule, defaults []DefaultRule, images ImageFetcher) *testEnv {
	t.Helper()
	log := zerolog.Nop()
	topo, err := BuildTopology(log, rules, defaults)
	if err != nil {
		t.Fatalf("BuildTopology: %v", err)
	}
	env := &testEnv{
		Topology:  topo,
		Relations: NewRelationStore(log, WithResolveTimeout(200*time.Millisecond)),
		Hooks:     NewHookPipeline(),
		Drivers:   make(map[string]*fakeDriver),
	}
	registry := NewRegistry()
	for platform, user := range testAccounts {
		d := newFakeDriver(platform, user)
		env.Drivers[platform] = d
		if err := registry.Register(d); err != nil {
			t.Fatalf("Register(%s): %v", platform, err)
		}
	}
	env.Dispatcher = NewDispatcher(DispatcherParams{
		Topology:  topo,
		Relations: env.Relations,
		Hooks:     env.Hooks,
		Drivers:   registry,
		Images:    images,
		Accounts:  testAccounts,
	}, log)
	return env
}

// textMessage builds a plain text message.
func textMessage(platform, chat, msgID, userID, text string) *UnifiedMessage {
	return &UnifiedMessage{
		ChatAttrs: ChatAttribute{
			Platform:  platform,
			ChatID:    chat,
			Name:      userID,
			UserID:    userID,
			MessageID: msgID,
		},
		Message: []MessageEntity{Plain(text)},
	}
}

// replyMessage builds a message replying to replyMsgID by replyUser in the
// same chat.
func replyMessage(platform, chat, msgID, userID, replyMsgID, replyUser string) *UnifiedMessage {
	msg := textMessage(platform, chat, msgID, userID, "reply")
	msg.ChatAttrs.ReplyTo = &ChatAttribute{
		Platform:  platform,
		ChatID:    chat,
		UserID:    replyUser,
		MessageID: replyMsgID,
	}
	return msg
}
