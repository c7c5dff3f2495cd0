// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrix

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/chatrelay/pkg/relay"
)

// sentEvent records a message event sent to the fake homeserver.
type sentEvent struct {
	RoomID  string
	Content event.MessageEventContent
}

// fakeHS wraps an httptest.Server simulating the parts of the Matrix
// client-server API the driver uses.
type fakeHS struct {
	Server *httptest.Server

	mu      sync.Mutex
	sent    []sentEvent
	uploads int

	// DisplayNames maps user IDs to profile display names.
	DisplayNames map[string]string
	// PowerLevels maps room IDs to their power level content.
	PowerLevels map[string]*event.PowerLevelsEventContent
	// Events maps event IDs to stored events.
	Events map[string]*event.Event
	// Media maps media IDs to their bytes.
	Media map[string][]byte
	// FailSend makes every send request fail.
	FailSend bool
}

func newFakeHS(t *testing.T) *fakeHS {
	t.Helper()
	f := &fakeHS{
		DisplayNames: make(map[string]string),
		PowerLevels:  make(map[string]*event.PowerLevelsEventContent),
		Events:       make(map[string]*event.Event),
		Media:        make(map[string][]byte),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeHS) Sent() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEvent(nil), f.sent...)
}

func (f *fakeHS) Uploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND", "error": "not found"})
}

// segmentAfter returns the path segment following marker.
func segmentAfter(path, marker string) string {
	_, rest, ok := strings.Cut(path, marker)
	if !ok {
		return ""
	}
	seg, _, _ := strings.Cut(rest, "/")
	return seg
}

func (f *fakeHS) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	path := r.URL.Path

	switch {
	case strings.HasSuffix(path, "/account/whoami"):
		if r.Header.Get("Authorization") != "Bearer test-token" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"errcode": "M_UNKNOWN_TOKEN", "error": "bad token"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"user_id": "@bot:example.org", "device_id": "DEV"})

	case r.Method == http.MethodPut && strings.Contains(path, "/send/m.room.message/"):
		if f.FailSend {
			writeJSON(w, http.StatusForbidden, map[string]string{"errcode": "M_FORBIDDEN", "error": "no"})
			return
		}
		var content event.MessageEventContent
		_ = json.Unmarshal(body, &content)
		f.mu.Lock()
		f.sent = append(f.sent, sentEvent{RoomID: segmentAfter(path, "/rooms/"), Content: content})
		n := len(f.sent)
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"event_id": "$sent" + string(rune('0'+n))})

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/media/v3/upload"):
		f.mu.Lock()
		f.uploads++
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"content_uri": "mxc://example.org/uploaded"})

	case strings.Contains(path, "/download/"):
		parts := strings.Split(path, "/")
		if data, ok := f.Media[parts[len(parts)-1]]; ok {
			_, _ = w.Write(data)
			return
		}
		notFound(w)

	case strings.Contains(path, "/state/m.room.power_levels"):
		if pl, ok := f.PowerLevels[segmentAfter(path, "/rooms/")]; ok {
			writeJSON(w, http.StatusOK, pl)
			return
		}
		notFound(w)

	case strings.Contains(path, "/event/"):
		if evt, ok := f.Events[segmentAfter(path, "/event/")]; ok {
			writeJSON(w, http.StatusOK, evt)
			return
		}
		notFound(w)

	case strings.HasSuffix(path, "/displayname"):
		if name, ok := f.DisplayNames[segmentAfter(path, "/profile/")]; ok {
			writeJSON(w, http.StatusOK, map[string]string{"displayname": name})
			return
		}
		notFound(w)

	default:
		notFound(w)
	}
}

// newTestClient returns a client for @bot:example.org against f.
func newTestClient(t *testing.T, f *fakeHS) *Client {
	t.Helper()
	c, err := New(Config{
		HomeserverURL: f.Server.URL,
		UserID:        "@bot:example.org",
		AccessToken:   "test-token",
		MediaDir:      t.TempDir(),
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// messageEvent builds a parsed m.room.message event.
func messageEvent(sender, eventID string, content *event.MessageEventContent) *event.Event {
	return &event.Event{
		Type:    event.EventMessage,
		RoomID:  id.RoomID("!room:example.org"),
		ID:      id.EventID(eventID),
		Sender:  id.UserID(sender),
		Content: event.Content{Parsed: content},
	}
}

// recordingReceiver collects received messages.
type recordingReceiver struct {
	mu   sync.Mutex
	msgs []*relay.UnifiedMessage
}

func (r *recordingReceiver) Receive(_ context.Context, msg *relay.UnifiedMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recordingReceiver) Messages() []*relay.UnifiedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*relay.UnifiedMessage(nil), r.msgs...)
}
