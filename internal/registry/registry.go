// Package registry holds the in-memory mapping from session identifier to the
// ordered scans reported for that session.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"scanbridge/go-scan-server/internal/model"
)

var (
	// ErrEmptySessionID is returned when a write names no session.
	ErrEmptySessionID = errors.New("session id is required")
	// ErrSessionNotFound is returned by metadata lookups for unknown sessions.
	// Scans never returns it; an unknown session simply has no scans.
	ErrSessionNotFound = errors.New("session not found")
	// ErrClosed is returned by every operation once the registry is closed.
	ErrClosed = errors.New("registry closed")
)

// isoLayout matches the millisecond UTC form used for createdAt fields.
const isoLayout = "2006-01-02T15:04:05.000Z"

type entry struct {
	session  model.Session
	scans    []model.ScanData
	lastSeen time.Time
	nextID   int64
}

// Registry is safe for concurrent use. A single lock guards the map and every
// per-session slice, so appends to one session are serialized.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	closed   bool

	now   func() time.Time
	newID func() string
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDGenerator overrides how CreateSession names new sessions.
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// New constructs an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*entry),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Insert appends a scan to the session, creating the session on first use.
// The returned record carries the assigned id and createdAt.
func (r *Registry) Insert(sessionID string, in model.ScanInput) (model.ScanData, error) {
	if sessionID == "" {
		return model.ScanData{}, ErrEmptySessionID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return model.ScanData{}, fmt.Errorf("insert scan into %q: %w", sessionID, ErrClosed)
	}

	now := r.now().UTC()
	e, ok := r.sessions[sessionID]
	if !ok {
		e = r.newEntry(sessionID, now)
		r.sessions[sessionID] = e
	}

	e.nextID++
	ts := in.ScanTimestamp
	if ts == 0 {
		ts = now.UnixMilli()
	}

	scan := model.ScanData{
		ID:            e.nextID,
		SessionID:     sessionID,
		Code:          in.Code,
		ScanTimestamp: ts,
		CreatedAt:     now.Format(isoLayout),
	}
	e.scans = append(e.scans, scan)

	e.lastSeen = now
	e.session.LastActivity = scan.CreatedAt
	e.session.ScanCount = len(e.scans)
	e.session.Status = model.SessionActive

	return scan, nil
}

// Scans returns a copy of the session's scans in insertion order. A session
// that has never been written to yields an empty, non-nil slice.
func (r *Registry) Scans(sessionID string) ([]model.ScanData, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, fmt.Errorf("get scans for %q: %w", sessionID, ErrClosed)
	}

	e, ok := r.sessions[sessionID]
	if !ok {
		return []model.ScanData{}, nil
	}

	out := make([]model.ScanData, len(e.scans))
	copy(out, e.scans)
	return out, nil
}

// CreateSession registers a new empty session under a generated identifier.
func (r *Registry) CreateSession() (model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return model.Session{}, fmt.Errorf("create session: %w", ErrClosed)
	}

	id := r.newID()
	for {
		if _, taken := r.sessions[id]; !taken {
			break
		}
		id = r.newID()
	}

	e := r.newEntry(id, r.now().UTC())
	r.sessions[id] = e
	return e.session, nil
}

// Session returns the metadata of a known session.
func (r *Registry) Session(sessionID string) (model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return model.Session{}, fmt.Errorf("get session %q: %w", sessionID, ErrClosed)
	}

	e, ok := r.sessions[sessionID]
	if !ok {
		return model.Session{}, ErrSessionNotFound
	}
	return e.session, nil
}

// CloseSession marks a session closed. Its scans remain readable until it expires.
func (r *Registry) CloseSession(sessionID string) (model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return model.Session{}, fmt.Errorf("close session %q: %w", sessionID, ErrClosed)
	}

	e, ok := r.sessions[sessionID]
	if !ok {
		return model.Session{}, ErrSessionNotFound
	}

	now := r.now().UTC()
	e.lastSeen = now
	e.session.LastActivity = now.Format(isoLayout)
	e.session.Status = model.SessionClosed
	return e.session, nil
}

// Sessions lists every session ordered by creation time.
func (r *Registry) Sessions() ([]model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, fmt.Errorf("list sessions: %w", ErrClosed)
	}

	out := make([]model.Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.session)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out, nil
}

// Expire drops every session whose last activity is older than ttl and
// returns the removed identifiers in sorted order.
func (r *Registry) Expire(ttl time.Duration) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("expire sessions: %w", ErrClosed)
	}
	if ttl <= 0 {
		return nil, nil
	}

	cutoff := r.now().UTC().Add(-ttl)
	var removed []string
	for id, e := range r.sessions {
		if e.lastSeen.Before(cutoff) {
			delete(r.sessions, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed, nil
}

// Len reports how many sessions are tracked.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Reset drops all sessions.
func (r *Registry) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("reset: %w", ErrClosed)
	}
	r.sessions = make(map[string]*entry)
	return nil
}

// Close releases the stored data. Subsequent calls fail with ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.sessions = nil
}

// RunJanitor expires idle sessions every interval until ctx is cancelled.
// ttl is consulted on every sweep so it can change at runtime.
func (r *Registry) RunJanitor(ctx context.Context, interval time.Duration, ttl func() time.Duration, onExpire func([]string)) error {
	if interval <= 0 {
		return fmt.Errorf("invalid sweep interval %s", interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := r.Expire(ttl())
			if err != nil {
				return err
			}
			if len(removed) > 0 && onExpire != nil {
				onExpire(removed)
			}
		}
	}
}

func (r *Registry) newEntry(id string, now time.Time) *entry {
	stamp := now.Format(isoLayout)
	return &entry{
		session: model.Session{
			SessionID:    id,
			CreatedAt:    stamp,
			LastActivity: stamp,
			Status:       model.SessionActive,
		},
		scans:    []model.ScanData{},
		lastSeen: now,
	}
}
