// Package registry is the single source of truth mapping a context key to a
// live session. It prevents duplicate session creation when the same work
// context is addressed concurrently.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// DefaultIdleTTL is how long a session may sit idle before expiry.
const DefaultIdleTTL = 7 * 24 * time.Hour

// DefaultSweepCron sweeps expired sessions once a day.
const DefaultSweepCron = "0 3 * * *"

// ErrVerificationFailed reports that the backend no longer recognizes a
// session id. Callers typically recover by resolving a fresh session.
var ErrVerificationFailed = errors.New("registry: session verification failed")

// Session is one live logical conversation.
type Session struct {
	SessionID    string
	ContextKey   string
	CreatedAt    time.Time
	LastActiveAt time.Time
	MessageCount int
}

// entry wraps a Session with local bookkeeping. Sessions minted here or
// announced by the backend are trusted and are not re-verified. Sessions
// recovered from the store at startup are verified on first resolve, since
// the backend may have dropped them while we were down.
type entry struct {
	Session
	trusted bool
}

// VerifyFunc checks that the backend still recognizes a session id. Any
// non-true outcome, explicit false or an error, is treated as not verified,
// so a transport hiccup cannot wedge the registry into never retrying.
type VerifyFunc func(ctx context.Context, sessionID string) (bool, error)

// Store is the optional persistence capability for crash recovery. A nil
// Store runs the registry memory-only.
type Store interface {
	SaveSession(s Session) error
	DeleteSession(contextKey string) error
}

// Registry maps normalized context keys to live sessions.
type Registry struct {
	ttl   time.Duration
	store Store
	mint  func() string

	mu       sync.Mutex
	sessions map[string]*entry   // normalized context key -> session
	keyLocks map[string]*keyLock // per-key guard for resolve/verify

	sweepMu   sync.Mutex
	lastSweep time.Time
}

// Opts holds parameters for creating a Registry.
type Opts struct {
	IdleTTL time.Duration // defaults to DefaultIdleTTL
	Store   Store         // optional persistence mirror
	Preload []Session     // sessions recovered from the store at startup
	Mint    func() string // session id minting; defaults to uuid
}

// New creates a Registry.
func New(opts Opts) *Registry {
	ttl := opts.IdleTTL
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	mint := opts.Mint
	if mint == nil {
		mint = uuid.NewString
	}
	r := &Registry{
		ttl:      ttl,
		store:    opts.Store,
		mint:     mint,
		sessions: make(map[string]*entry),
		keyLocks: make(map[string]*keyLock),
	}
	now := time.Now()
	for _, s := range opts.Preload {
		if now.Sub(s.LastActiveAt) > ttl {
			continue // expired while we were down
		}
		e := &entry{Session: s}
		e.ContextKey = NormalizeKey(s.ContextKey)
		r.sessions[e.ContextKey] = e
	}
	return r
}

// NormalizeKey canonicalizes a context key (a working-directory style path).
func NormalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return key
	}
	key = path.Clean(key)
	if len(key) > 1 {
		key = strings.TrimSuffix(key, "/")
	}
	return key
}

// ResolveOrCreate returns the live session id for a context key, verifying
// any existing entry with the backend and minting a fresh id when there is
// no verified entry. Callers for the same key are serialized so two racing
// resolves can never mint distinct sessions; verification I/O runs outside
// the registry map lock.
func (r *Registry) ResolveOrCreate(ctx context.Context, contextKey string, verify VerifyFunc) (string, error) {
	key := NormalizeKey(contextKey)
	if key == "" {
		return "", fmt.Errorf("registry: context key is required")
	}

	kl := r.acquireKeyLock(key)
	defer r.releaseKeyLock(key, kl)

	r.mu.Lock()
	existing := r.sessions[key]
	if existing != nil && r.expiredLocked(existing, time.Now()) {
		delete(r.sessions, key)
		existing = nil
	}
	var candidate Session
	trusted := false
	if existing != nil {
		candidate = existing.Session // copy, then release before I/O
		trusted = existing.trusted
	}
	r.mu.Unlock()

	if existing != nil {
		if trusted {
			r.Touch(candidate.SessionID)
			return candidate.SessionID, nil
		}
		verified := false
		if verify != nil {
			ok, err := verify(ctx, candidate.SessionID)
			if err != nil {
				log.Printf("registry: verify %s: %v (treating as not verified)", candidate.SessionID, err)
			}
			verified = ok && err == nil
		}
		if verified {
			r.markTrusted(key, candidate.SessionID)
			r.Touch(candidate.SessionID)
			return candidate.SessionID, nil
		}
		r.removeEntry(key)
	}

	now := time.Now()
	e := &entry{
		Session: Session{
			SessionID:    r.mint(),
			ContextKey:   key,
			CreatedAt:    now,
			LastActiveAt: now,
		},
		trusted: true,
	}
	r.mu.Lock()
	r.sessions[key] = e
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveSession(e.Session); err != nil {
			log.Printf("registry: persist session %s: %v", e.SessionID, err)
		}
	}
	return e.SessionID, nil
}

// Adopt registers a backend-announced session id for a context key,
// replacing any existing entry.
func (r *Registry) Adopt(sessionID, contextKey string) {
	key := NormalizeKey(contextKey)
	if key == "" || sessionID == "" {
		return
	}
	now := time.Now()
	e := &entry{
		Session: Session{
			SessionID:    sessionID,
			ContextKey:   key,
			CreatedAt:    now,
			LastActiveAt: now,
		},
		trusted: true, // the backend just announced it
	}
	r.mu.Lock()
	r.sessions[key] = e
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveSession(e.Session); err != nil {
			log.Printf("registry: persist adopted session %s: %v", sessionID, err)
		}
	}
}

// Lookup returns the session for a session id, if live.
func (r *Registry) Lookup(sessionID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, e := range r.sessions {
		if e.SessionID == sessionID && !r.expiredLocked(e, now) {
			return e.Session, true
		}
	}
	return Session{}, false
}

// Touch refreshes a session's last-active time.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.sessions {
		if e.SessionID == sessionID {
			e.LastActiveAt = time.Now()
			return
		}
	}
}

// markTrusted flips the trusted flag after a successful verification.
func (r *Registry) markTrusted(key, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[key]; ok && e.SessionID == sessionID {
		e.trusted = true
	}
}

// RecordMessage bumps a session's message count and last-active time.
func (r *Registry) RecordMessage(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.sessions {
		if e.SessionID == sessionID {
			e.MessageCount++
			e.LastActiveAt = time.Now()
			return
		}
	}
}

// Remove drops the session for a context key.
func (r *Registry) Remove(contextKey string) {
	r.removeEntry(NormalizeKey(contextKey))
}

func (r *Registry) removeEntry(key string) {
	r.mu.Lock()
	_, ok := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()

	if ok && r.store != nil {
		if err := r.store.DeleteSession(key); err != nil {
			log.Printf("registry: delete persisted session for %s: %v", key, err)
		}
	}
}

// SweepExpired removes all sessions idle beyond the TTL. Returns how many
// were removed.
func (r *Registry) SweepExpired() int {
	now := time.Now()

	r.mu.Lock()
	var expired []string
	for key, e := range r.sessions {
		if r.expiredLocked(e, now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	for _, key := range expired {
		if r.store != nil {
			if err := r.store.DeleteSession(key); err != nil {
				log.Printf("registry: delete expired session for %s: %v", key, err)
			}
		}
	}

	r.sweepMu.Lock()
	r.lastSweep = now
	r.sweepMu.Unlock()

	if len(expired) > 0 {
		log.Printf("registry: swept %d expired sessions", len(expired))
	}
	return len(expired)
}

// Run sweeps expired sessions on the given cron schedule until ctx is
// cancelled. It sweeps once immediately at start.
func (r *Registry) Run(ctx context.Context, sweepCron string) error {
	if sweepCron == "" {
		sweepCron = DefaultSweepCron
	}
	c := cron.New()
	if _, err := c.AddFunc(sweepCron, func() { r.SweepExpired() }); err != nil {
		return fmt.Errorf("registry: sweep schedule %q: %w", sweepCron, err)
	}

	r.SweepExpired()
	c.Start()
	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	return nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns a copy of all live sessions for diagnostics.
func (r *Registry) Snapshot() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.Session)
	}
	return out
}

// LastSweep returns when the last sweep completed.
func (r *Registry) LastSweep() time.Time {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()
	return r.lastSweep
}

// expiredLocked reports whether a session is idle beyond the TTL.
// Caller holds mu.
func (r *Registry) expiredLocked(e *entry, now time.Time) bool {
	return now.Sub(e.LastActiveAt) > r.ttl
}

// keyLock serializes resolves for one context key. refs counts holders and
// waiters so the map entry can be pruned once the last one releases it.
type keyLock struct {
	sync.Mutex
	refs int
}

// acquireKeyLock takes the per-key lock, creating it on first use.
func (r *Registry) acquireKeyLock(key string) *keyLock {
	r.mu.Lock()
	kl, ok := r.keyLocks[key]
	if !ok {
		kl = &keyLock{}
		r.keyLocks[key] = kl
	}
	kl.refs++
	r.mu.Unlock()

	kl.Lock()
	return kl
}

// releaseKeyLock drops the per-key lock and removes the map entry when no
// other resolve holds or waits on it. A waiter that recreated the entry
// would not serialize against the current holder, so pruning must count
// references rather than fire on every release.
func (r *Registry) releaseKeyLock(key string, kl *keyLock) {
	kl.Unlock()

	r.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(r.keyLocks, key)
	}
	r.mu.Unlock()
}
