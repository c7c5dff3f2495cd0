// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package admin serves a small HTTP API for inspecting a running relay.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/chatrelay/pkg/relay"
)

const (
	maxPurgeBodySize = 1 << 20
	// Larger values overflow time.Duration.
	maxOlderThanHours = math.MaxInt64 / int64(time.Hour)
)

// Params wires a Server.
type Params struct {
	Addr      string
	Token     string
	Topology  *relay.Topology
	Relations *relay.RelationStore
	// MaxAge is the purge age used when a request does not name one.
	MaxAge time.Duration
}

// Server exposes topology and relation state over HTTP.
type Server struct {
	p      Params
	server *http.Server
	now    func() time.Time
	log    zerolog.Logger
}

// New creates a Server. It does not listen until Start is called.
func New(p Params, log zerolog.Logger) *Server {
	s := &Server{
		p:   p,
		now: time.Now,
		log: log.With().Str("component", "admin_api").Logger(),
	}
	s.server = &http.Server{
		Addr:         p.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the API routes, behind the bearer token check when a token
// is configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/topology", s.HandleTopology)
	mux.HandleFunc("/api/relations", s.HandleRelation)
	mux.HandleFunc("/api/relations/purge", s.HandlePurge)
	if s.p.Token == "" {
		return mux
	}
	return s.requireToken(mux)
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	want := []byte("Bearer " + s.p.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			s.log.Warn().Str("remote_addr", r.RemoteAddr).Str("path", r.URL.Path).Msg("Rejected unauthorized admin request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start listens in the background until Shutdown is called.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.p.Addr).Msg("Starting relay admin API")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("Relay admin API error")
		}
	}()
}

// Shutdown stops the listener and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// HandleTopology is the handler for GET /api/topology.
func (s *Server) HandleTopology(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	explicit, defaults := s.p.Topology.EdgeCount()
	s.writeJSON(w, topologyResponse{
		Edges:        explicit,
		DefaultEdges: defaults,
		Graph:        s.p.Topology.Snapshot(),
	})
}

type topologyResponse struct {
	Edges        int                    `json:"edges"`
	DefaultEdges int                    `json:"default_edges"`
	Graph        relay.TopologySnapshot `json:"graph"`
}

type relationEntry struct {
	Platform  string         `json:"platform"`
	ChatID    string         `json:"chat_id"`
	MessageID string         `json:"message_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Pending   bool           `json:"pending"`
	Source    *relationEntry `json:"source,omitempty"`
}

func newRelationEntry(e *relay.DestinationMessageID) *relationEntry {
	if e == nil {
		return nil
	}
	id, _ := e.MessageID()
	return &relationEntry{
		Platform:  e.Platform,
		ChatID:    e.ChatID,
		MessageID: id,
		UserID:    e.UserID(),
		Pending:   e.Pending(),
		Source:    newRelationEntry(e.Source),
	}
}

// HandleRelation is the handler for GET /api/relations. It looks up the copy
// of platform/chat/message on dst_platform/dst_chat without waiting for
// pending sends.
func (s *Server) HandleRelation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	src := relay.MessageKey{
		Platform:  q.Get("platform"),
		ChatID:    q.Get("chat"),
		MessageID: q.Get("message"),
	}
	dst := relay.GroupID{Platform: q.Get("dst_platform"), ChatID: q.Get("dst_chat")}
	if src.Platform == "" || src.ChatID == "" || src.MessageID == "" || dst.Platform == "" || dst.ChatID == "" {
		http.Error(w, "platform, chat, message, dst_platform and dst_chat are required", http.StatusBadRequest)
		return
	}
	e, ok := s.p.Relations.Lookup(src, dst)
	if !ok {
		http.Error(w, "relation not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, newRelationEntry(e))
}

type purgeRequest struct {
	OlderThanHours int `json:"older_than_hours"`
}

type purgeResponse struct {
	Purged    int `json:"purged"`
	Remaining int `json:"remaining"`
}

// HandlePurge is the handler for POST /api/relations/purge. An optional JSON
// body overrides the configured maximum age.
func (s *Server) HandlePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	maxAge := s.p.MaxAge
	if r.Body != nil && r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxPurgeBodySize)
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if len(strings.TrimSpace(string(body))) > 0 {
			var req purgeRequest
			if err := json.Unmarshal(body, &req); err != nil {
				http.Error(w, "invalid JSON", http.StatusBadRequest)
				return
			}
			if req.OlderThanHours < 0 || int64(req.OlderThanHours) > maxOlderThanHours {
				http.Error(w, fmt.Sprintf("older_than_hours must be between 0 and %d", maxOlderThanHours), http.StatusBadRequest)
				return
			}
			if req.OlderThanHours > 0 {
				maxAge = time.Duration(req.OlderThanHours) * time.Hour
			}
		}
	}

	purged := s.p.Relations.Purge(r.Context(), s.now().Add(-maxAge))
	s.log.Info().
		Str("remote_addr", r.RemoteAddr).
		Dur("max_age", maxAge).
		Int("purged", purged).
		Msg("Relation purge requested")
	s.writeJSON(w, purgeResponse{Purged: purged, Remaining: s.p.Relations.Len()})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("Failed to write admin response")
	}
}
