// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mattermost

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/chatrelay/pkg/relay"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// fakeMM wraps an httptest.Server simulating the Mattermost API. It records
// calls and serves canned responses.
type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall
	posts []*model.Post

	// TokenToUser maps bearer tokens to user IDs for GetMe auth.
	TokenToUser map[string]string
	Users       map[string]*model.User
	Channels    map[string]*model.Channel
	// Members maps "channelID:userID" to a channel member.
	Members map[string]*model.ChannelMember
	Posts   map[string]*model.Post
	Files   map[string]*model.FileInfo
	// FailEndpoints causes matching path fragments to return 500.
	FailEndpoints map[string]bool
	// WSEvents are written to every websocket connection once it opens.
	WSEvents []*model.WebSocketEvent
	// DropFirstWS closes the first websocket connection after WSEvents.
	DropFirstWS bool

	wsDials int
	wsOpen  int
}

func newFakeMM(t *testing.T) *fakeMM {
	t.Helper()
	f := &fakeMM{
		TokenToUser:   map[string]string{"test-token": "bot-id"},
		Users:         map[string]*model.User{"bot-id": {Id: "bot-id", Username: "relaybot"}},
		Channels:      make(map[string]*model.Channel),
		Members:       make(map[string]*model.ChannelMember),
		Posts:         make(map[string]*model.Post),
		Files:         make(map[string]*model.FileInfo),
		FailEndpoints: make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeMM) record(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: method, Path: path, Body: body})
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeMM) CalledPath(path string) bool {
	for _, c := range f.Calls() {
		if strings.Contains(c.Path, path) {
			return true
		}
	}
	return false
}

// CreatedPosts returns the posts created through the API.
func (f *fakeMM) CreatedPosts() []*model.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]*model.Post, len(f.posts))
	copy(cp, f.posts)
	return cp
}

func (f *fakeMM) resolveToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	for tok, uid := range f.TokenToUser {
		if auth == "BEARER "+tok || auth == "Bearer "+tok {
			return uid
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, v any) {
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.record(r.Method, r.URL.Path, string(body))

	for fragment := range f.FailEndpoints {
		if strings.Contains(r.URL.Path, fragment) {
			w.WriteHeader(http.StatusInternalServerError)
			writeJSON(w, map[string]string{"message": "fake error"})
			return
		}
	}

	path := r.URL.Path
	parts := strings.Split(strings.TrimPrefix(path, "/api/v4/"), "/")

	switch {
	case path == "/api/v4/websocket":
		f.serveWebSocket(w, r)

	case r.Method == http.MethodGet && path == "/api/v4/users/me":
		uid := f.resolveToken(r)
		if uid == "" {
			w.WriteHeader(http.StatusUnauthorized)
			writeJSON(w, map[string]string{"message": "unauthorized"})
			return
		}
		writeJSON(w, f.Users[uid])

	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "users":
		if u, ok := f.Users[parts[1]]; ok {
			writeJSON(w, u)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	case r.Method == http.MethodPost && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		post.Id = "created-post-id"
		f.mu.Lock()
		f.posts = append(f.posts, &post)
		f.mu.Unlock()
		writeJSON(w, &post)

	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "posts":
		if p, ok := f.Posts[parts[1]]; ok {
			writeJSON(w, p)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	case r.Method == http.MethodPost && path == "/api/v4/files":
		writeJSON(w, &model.FileUploadResponse{
			FileInfos: []*model.FileInfo{{Id: "uploaded-file-id", Name: "upload"}},
		})

	case r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "files" && parts[2] == "info":
		if fi, ok := f.Files[parts[1]]; ok {
			writeJSON(w, fi)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	case r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "files" && parts[2] == "link":
		if _, ok := f.Files[parts[1]]; ok {
			writeJSON(w, map[string]string{"link": f.Server.URL + "/files/" + parts[1] + "/public"})
			return
		}
		w.WriteHeader(http.StatusNotFound)

	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "channels":
		if ch, ok := f.Channels[parts[1]]; ok {
			writeJSON(w, ch)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	case r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "channels" && parts[2] == "members":
		if m, ok := f.Members[parts[1]+":"+parts[3]]; ok {
			writeJSON(w, m)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	default:
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]string{"message": "not found: " + path})
	}
}

var wsUpgrader = websocket.Upgrader{}

// serveWebSocket accepts a websocket, sends WSEvents and then reads until the
// client goes away.
func (f *fakeMM) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	f.mu.Lock()
	f.wsDials++
	f.wsOpen++
	drop := f.DropFirstWS && f.wsDials == 1
	events := f.WSEvents
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.wsOpen--
		f.mu.Unlock()
	}()

	for _, evt := range events {
		raw, err := evt.ToJSON()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			return
		}
	}
	if drop {
		return
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// WebSockets returns how many websocket connections were accepted and how
// many are still open.
func (f *fakeMM) WebSockets() (dials, open int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wsDials, f.wsOpen
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// newTestClient returns a client logged in as bot-id against f.
func newTestClient(f *fakeMM) *Client {
	c := New(Config{ServerURL: f.Server.URL, Token: "test-token", BotPrefix: "relay-"}, zerolog.Nop())
	c.userID = "bot-id"
	c.username = "relaybot"
	return c
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

// postedEvent builds a posted event carrying post.
func postedEvent(t *testing.T, post *model.Post, sender string) *model.WebSocketEvent {
	t.Helper()
	raw, err := json.Marshal(post)
	if err != nil {
		t.Fatalf("marshal post: %v", err)
	}
	return newWebSocketEvent(model.WebsocketEventPosted, post.ChannelId, map[string]any{
		"post":        string(raw),
		"sender_name": "@" + sender,
	})
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
