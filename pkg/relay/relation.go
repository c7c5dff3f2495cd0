// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrRelationNotFound is returned when no relation exists for a message
	// at the requested destination, or its send failed.
	ErrRelationNotFound = errors.New("relation not found")
	// ErrResolveTimeout is returned when a pending message id did not resolve
	// within the resolve timeout.
	ErrResolveTimeout = errors.New("timed out waiting for pending message id")
	// ErrAlreadyCompleted is returned when completing an entry twice.
	ErrAlreadyCompleted = errors.New("relation entry already completed")
)

// DefaultResolveTimeout bounds how long Resolve waits for a pending entry.
const DefaultResolveTimeout = 5 * time.Second

// DestinationMessageID is one copy of a message on one chat. Its message id
// is pending until the send that created it finishes; MessageID and UserID
// only return values once the entry is resolved.
type DestinationMessageID struct {
	Platform string
	ChatID   string
	// Source is the entry this copy was relayed from, nil for an origin.
	Source *DestinationMessageID

	origin MessageKey
	group  *relationGroup

	done      chan struct{}
	messageID string
	userID    string
	failed    bool
}

func newPendingEntry(origin MessageKey, dest GroupID, group *relationGroup, source *DestinationMessageID) *DestinationMessageID {
	return &DestinationMessageID{
		Platform: dest.Platform,
		ChatID:   dest.ChatID,
		Source:   source,
		origin:   origin,
		group:    group,
		done:     make(chan struct{}),
	}
}

// Group returns the chat holding this copy.
func (d *DestinationMessageID) Group() GroupID {
	return GroupID{Platform: d.Platform, ChatID: d.ChatID}
}

// Pending reports whether the send for this entry is still in flight.
func (d *DestinationMessageID) Pending() bool {
	select {
	case <-d.done:
		return false
	default:
		return true
	}
}

// MessageID returns the platform message id once resolved.
func (d *DestinationMessageID) MessageID() (string, bool) {
	if d.Pending() || d.failed {
		return "", false
	}
	return d.messageID, true
}

// UserID returns the author of this copy once resolved.
func (d *DestinationMessageID) UserID() string {
	if d.Pending() {
		return ""
	}
	return d.userID
}

// Key returns the message key of this copy once resolved.
func (d *DestinationMessageID) Key() (MessageKey, bool) {
	id, ok := d.MessageID()
	if !ok {
		return MessageKey{}, false
	}
	return MessageKey{Platform: d.Platform, ChatID: d.ChatID, MessageID: id}, true
}

// Wait blocks until the entry resolves or ctx is done.
func (d *DestinationMessageID) Wait(ctx context.Context) error {
	select {
	case <-d.done:
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrResolveTimeout, ctx.Err())
	}
	if d.failed {
		return ErrRelationNotFound
	}
	return nil
}

// SendAction converts a resolved entry into a reply target.
func (d *DestinationMessageID) SendAction() SendAction {
	id, _ := d.MessageID()
	return SendAction{MessageID: id, UserID: d.UserID()}
}

// relationGroup holds every known copy of one message, keyed by chat. All
// message keys of the copies point at the same group.
type relationGroup struct {
	entries map[GroupID]*DestinationMessageID
}

// RelationRecord is the persisted form of one resolved entry. Origin equals
// Dest for ingress records.
type RelationRecord struct {
	Origin    MessageKey
	Dest      MessageKey
	UserID    string
	CreatedAt time.Time
}

// IsIngress reports whether the record describes an inbound message.
func (r RelationRecord) IsIngress() bool {
	return r.Origin == r.Dest
}

// RelationJournal persists relation records.
type RelationJournal interface {
	Append(ctx context.Context, rec RelationRecord) error
	Load(ctx context.Context) ([]RelationRecord, error)
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// RelationStore correlates messages with their relayed copies so replies can
// be stitched across platforms. Entries are never overwritten.
type RelationStore struct {
	mu      sync.RWMutex
	groups  map[MessageKey]*relationGroup
	created map[MessageKey]time.Time

	timeout time.Duration
	journal RelationJournal
	now     func() time.Time
	log     zerolog.Logger
}

// RelationStoreOption configures a RelationStore.
type RelationStoreOption func(*RelationStore)

// WithResolveTimeout sets how long Resolve waits on pending entries.
func WithResolveTimeout(d time.Duration) RelationStoreOption {
	return func(s *RelationStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithJournal persists completed entries to j.
func WithJournal(j RelationJournal) RelationStoreOption {
	return func(s *RelationStore) {
		s.journal = j
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) RelationStoreOption {
	return func(s *RelationStore) {
		s.now = now
	}
}

// NewRelationStore creates an empty store.
func NewRelationStore(log zerolog.Logger, opts ...RelationStoreOption) *RelationStore {
	s := &RelationStore{
		groups:  make(map[MessageKey]*relationGroup),
		created: make(map[MessageKey]time.Time),
		timeout: DefaultResolveTimeout,
		now:     time.Now,
		log:     log.With().Str("component", "relation_store").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// groupFor returns the group for key, creating it. Callers hold s.mu.
func (s *RelationStore) groupFor(key MessageKey, at time.Time) *relationGroup {
	g, ok := s.groups[key]
	if !ok {
		g = &relationGroup{entries: make(map[GroupID]*DestinationMessageID)}
		s.groups[key] = g
		s.created[key] = at
	}
	return g
}

// RecordIngress registers an inbound message under its own chat. It returns
// the existing entry when the message is already known, which is the case
// for copies the relay itself posted.
func (s *RelationStore) RecordIngress(ctx context.Context, key MessageKey, userID string) *DestinationMessageID {
	entry, added := s.recordIngress(key, userID, s.now())
	if added {
		s.appendJournal(ctx, RelationRecord{Origin: key, Dest: key, UserID: userID, CreatedAt: s.now()})
	}
	return entry
}

func (s *RelationStore) recordIngress(key MessageKey, userID string, at time.Time) (*DestinationMessageID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groupFor(key, at)
	if e, ok := g.entries[key.Group()]; ok {
		return e, false
	}
	e := newPendingEntry(key, key.Group(), g, nil)
	e.messageID = key.MessageID
	e.userID = userID
	close(e.done)
	g.entries[key.Group()] = e
	return e, true
}

// Reserve creates a pending entry for the copy of origin in dest. The bool is
// false when an entry already exists, in which case that entry is returned
// and the caller must not send again.
func (s *RelationStore) Reserve(origin MessageKey, dest GroupID) (*DestinationMessageID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groupFor(origin, s.now())
	if e, ok := g.entries[dest]; ok {
		return e, false
	}
	e := newPendingEntry(origin, dest, g, g.entries[origin.Group()])
	g.entries[dest] = e
	return e, true
}

// Complete resolves a reserved entry with the id the destination assigned and
// makes the copy itself addressable.
func (s *RelationStore) Complete(ctx context.Context, e *DestinationMessageID, messageID, userID string) error {
	at := s.now()
	if err := s.complete(e, messageID, userID, at); err != nil {
		return err
	}
	s.appendJournal(ctx, RelationRecord{
		Origin:    e.origin,
		Dest:      MessageKey{Platform: e.Platform, ChatID: e.ChatID, MessageID: messageID},
		UserID:    userID,
		CreatedAt: at,
	})
	return nil
}

func (s *RelationStore) complete(e *DestinationMessageID, messageID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !e.Pending() {
		return ErrAlreadyCompleted
	}
	e.messageID = messageID
	e.userID = userID
	close(e.done)
	destKey := MessageKey{Platform: e.Platform, ChatID: e.ChatID, MessageID: messageID}
	if _, ok := s.groups[destKey]; !ok {
		s.groups[destKey] = e.group
		s.created[destKey] = at
	}
	return nil
}

// Fail marks a reserved entry as undeliverable. Waiters see
// ErrRelationNotFound.
func (s *RelationStore) Fail(e *DestinationMessageID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !e.Pending() {
		return
	}
	e.failed = true
	close(e.done)
}

// Record stores a resolved relation between origin and its copy dest. A key
// that is already resolved is left untouched.
func (s *RelationStore) Record(ctx context.Context, origin MessageKey, dest MessageKey, userID string) *DestinationMessageID {
	e, _ := s.Reserve(origin, dest.Group())
	if err := s.Complete(ctx, e, dest.MessageID, userID); err != nil && !errors.Is(err, ErrAlreadyCompleted) {
		s.log.Warn().Err(err).Stringer("origin", origin).Stringer("dest", dest).Msg("Failed to record relation")
	}
	return e
}

// Lookup returns the entry for src in dst without waiting. The entry may
// still be pending.
func (s *RelationStore) Lookup(src MessageKey, dst GroupID) (*DestinationMessageID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[src]
	if !ok {
		return nil, false
	}
	e, ok := g.entries[dst]
	return e, ok
}

// Resolve returns the resolved entry for src in dst, waiting up to the
// resolve timeout for a pending send to finish.
func (s *RelationStore) Resolve(ctx context.Context, src MessageKey, dst GroupID) (*DestinationMessageID, error) {
	e, ok := s.Lookup(src, dst)
	if !ok {
		return nil, ErrRelationNotFound
	}
	if e.Pending() {
		waitCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		if err := e.Wait(waitCtx); err != nil {
			return nil, err
		}
	}
	if e.failed {
		return nil, ErrRelationNotFound
	}
	return e, nil
}

// ResolveSource waits for e.Source and returns it.
func (s *RelationStore) ResolveSource(ctx context.Context, e *DestinationMessageID) (*DestinationMessageID, error) {
	src := e.Source
	if src == nil {
		return nil, ErrRelationNotFound
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := src.Wait(waitCtx); err != nil {
		return nil, err
	}
	return src, nil
}

// Len returns the number of addressable message keys.
func (s *RelationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups)
}

// Purge forgets every key recorded before the cutoff and returns how many
// were removed.
func (s *RelationStore) Purge(ctx context.Context, before time.Time) int {
	s.mu.Lock()
	removed := 0
	for key, at := range s.created {
		if at.Before(before) {
			delete(s.created, key)
			delete(s.groups, key)
			removed++
		}
	}
	s.mu.Unlock()

	if s.journal != nil {
		if _, err := s.journal.Purge(ctx, before); err != nil {
			s.log.Warn().Err(err).Msg("Failed to purge relation journal")
		}
	}
	return removed
}

// RunPurger removes entries older than maxAge every interval until ctx is
// done.
func (s *RelationStore) RunPurger(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	s.log.Info().
		Dur("interval", interval).
		Dur("max_age", maxAge).
		Msg("Starting relation purge loop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Relation purge loop stopped")
			return
		case <-ticker.C:
			removed := s.Purge(ctx, s.now().Add(-maxAge))
			if removed > 0 {
				s.log.Debug().Int("removed", removed).Msg("Purged old relations")
			}
		}
	}
}

// Restore replays the journal into memory. It is meant to run once before
// dispatching starts.
func (s *RelationStore) Restore(ctx context.Context) (int, error) {
	if s.journal == nil {
		return 0, nil
	}
	records, err := s.journal.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load relation journal: %w", err)
	}
	for _, rec := range records {
		if rec.IsIngress() {
			s.recordIngress(rec.Origin, rec.UserID, rec.CreatedAt)
			continue
		}
		s.mu.Lock()
		g := s.groupFor(rec.Origin, rec.CreatedAt)
		e, exists := g.entries[rec.Dest.Group()]
		if !exists {
			e = newPendingEntry(rec.Origin, rec.Dest.Group(), g, g.entries[rec.Origin.Group()])
			g.entries[rec.Dest.Group()] = e
		}
		s.mu.Unlock()
		if exists {
			s.log.Debug().Stringer("origin", rec.Origin).Stringer("dest", rec.Dest).Msg("Skipped duplicate relation record")
			continue
		}
		if err := s.complete(e, rec.Dest.MessageID, rec.UserID, rec.CreatedAt); err != nil {
			s.log.Debug().Err(err).Stringer("origin", rec.Origin).Stringer("dest", rec.Dest).Msg("Skipped restored relation")
		}
	}
	s.log.Info().Int("records", len(records)).Msg("Restored relations from journal")
	return len(records), nil
}

func (s *RelationStore) appendJournal(ctx context.Context, rec RelationRecord) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Append(ctx, rec); err != nil {
		s.log.Warn().Err(err).
			Stringer("origin", rec.Origin).
			Stringer("dest", rec.Dest).
			Msg("Failed to persist relation")
	}
}
