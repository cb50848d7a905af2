package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func alwaysTrue(ctx context.Context, sessionID string) (bool, error)  { return true, nil }
func alwaysFalse(ctx context.Context, sessionID string) (bool, error) { return false, nil }

func TestResolveOrCreate_MintsOnce(t *testing.T) {
	r := New(Opts{})
	ctx := context.Background()

	id1, err := r.ResolveOrCreate(ctx, "/proj/a", alwaysTrue)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	id2, err := r.ResolveOrCreate(ctx, "/proj/a", alwaysTrue)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id1 != id2 {
		t.Errorf("ids differ: %q vs %q", id1, id2)
	}
	if r.Len() != 1 {
		t.Errorf("len = %d, want 1", r.Len())
	}
}

func TestResolveOrCreate_NormalizesKeys(t *testing.T) {
	r := New(Opts{})
	ctx := context.Background()

	id1, _ := r.ResolveOrCreate(ctx, "/proj/a/", alwaysTrue)
	id2, _ := r.ResolveOrCreate(ctx, "/proj/./a", alwaysTrue)
	if id1 != id2 {
		t.Errorf("normalized keys resolved differently: %q vs %q", id1, id2)
	}
}

func TestResolveOrCreate_MintedSessionSkipsVerify(t *testing.T) {
	r := New(Opts{})
	ctx := context.Background()

	id1, _ := r.ResolveOrCreate(ctx, "/proj/a", alwaysTrue)
	id2, _ := r.ResolveOrCreate(ctx, "/proj/a", func(ctx context.Context, id string) (bool, error) {
		t.Error("verify called for a session we minted ourselves")
		return false, nil
	})
	if id1 != id2 {
		t.Errorf("ids differ: %q vs %q", id1, id2)
	}
}

func TestResolveOrCreate_FailedVerificationMintsFresh(t *testing.T) {
	// A session recovered from the store must be checked against the backend
	// before reuse.
	r := New(Opts{Preload: []Session{
		{SessionID: "recovered", ContextKey: "/proj/a", LastActiveAt: time.Now()},
	}})
	ctx := context.Background()

	id, _ := r.ResolveOrCreate(ctx, "/proj/a", alwaysFalse)
	if id == "recovered" {
		t.Error("unverified session should have been replaced")
	}
	if r.Len() != 1 {
		t.Errorf("len = %d, want 1", r.Len())
	}
}

func TestResolveOrCreate_VerifiedSessionBecomesTrusted(t *testing.T) {
	r := New(Opts{Preload: []Session{
		{SessionID: "recovered", ContextKey: "/proj/a", LastActiveAt: time.Now()},
	}})
	ctx := context.Background()

	id1, _ := r.ResolveOrCreate(ctx, "/proj/a", alwaysTrue)
	if id1 != "recovered" {
		t.Fatalf("id = %q, want recovered", id1)
	}

	// One successful verification is enough; later resolves skip it.
	calls := 0
	id2, _ := r.ResolveOrCreate(ctx, "/proj/a", func(ctx context.Context, id string) (bool, error) {
		calls++
		return true, nil
	})
	if id2 != "recovered" {
		t.Errorf("id = %q, want recovered", id2)
	}
	if calls != 0 {
		t.Errorf("verify calls = %d, want 0", calls)
	}
}

func TestResolveOrCreate_VerifyErrorTreatedAsNotVerified(t *testing.T) {
	r := New(Opts{Preload: []Session{
		{SessionID: "recovered", ContextKey: "/proj/a", LastActiveAt: time.Now()},
	}})
	ctx := context.Background()

	id1, err := r.ResolveOrCreate(ctx, "/proj/a", func(ctx context.Context, id string) (bool, error) {
		return false, errors.New("backend unreachable")
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id1 == "recovered" {
		t.Error("verify error must mint a fresh session, not wedge the registry")
	}

	// The fresh entry is usable on the next resolve.
	id2, _ := r.ResolveOrCreate(ctx, "/proj/a", alwaysTrue)
	if id1 != id2 {
		t.Errorf("fresh session not retained: %q vs %q", id1, id2)
	}
}

func TestResolveOrCreate_EmptyKey(t *testing.T) {
	r := New(Opts{})
	if _, err := r.ResolveOrCreate(context.Background(), "  ", alwaysTrue); err == nil {
		t.Fatal("expected error for empty key")
	}
}

// Two concurrent resolves for the same key with verify=always-false must
// still agree on a single session id.
func TestResolveOrCreate_ConcurrentSingleMint(t *testing.T) {
	r := New(Opts{})
	ctx := context.Background()

	const callers = 16
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := r.ResolveOrCreate(ctx, "/proj/a", alwaysFalse)
			if err != nil {
				t.Errorf("resolve: %v", err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	// The first caller mints; everyone serialized behind it reuses the
	// minted session without consulting verify.
	seen := make(map[string]bool)
	for _, id := range ids {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Errorf("distinct ids = %d, want 1 (%v)", len(seen), seen)
	}
	if r.Len() != 1 {
		t.Errorf("len = %d, want 1", r.Len())
	}
}

// N concurrent callers with a verify that accepts any existing id must all
// receive the same id.
func TestResolveOrCreate_ConcurrentSameID(t *testing.T) {
	r := New(Opts{})
	ctx := context.Background()

	const callers = 16
	ids := make(chan string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := r.ResolveOrCreate(ctx, "/proj/a", alwaysTrue)
			if err != nil {
				t.Errorf("resolve: %v", err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Errorf("distinct ids = %d, want 1 (%v)", len(seen), seen)
	}
}

// The per-key lock map must not grow with every distinct context key ever
// resolved: entries are pruned once the last holder releases them.
func TestResolveOrCreate_PrunesKeyLocks(t *testing.T) {
	r := New(Opts{})
	ctx := context.Background()

	for i := 0; i < 32; i++ {
		key := fmt.Sprintf("/proj/%d", i)
		if _, err := r.ResolveOrCreate(ctx, key, alwaysTrue); err != nil {
			t.Fatalf("resolve %s: %v", key, err)
		}
	}

	// Contended keys prune too, once every caller is done.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.ResolveOrCreate(ctx, "/proj/shared", alwaysFalse); err != nil {
				t.Errorf("resolve: %v", err)
			}
		}()
	}
	wg.Wait()

	r.mu.Lock()
	n := len(r.keyLocks)
	r.mu.Unlock()
	if n != 0 {
		t.Errorf("key locks left behind = %d, want 0", n)
	}
}

func TestTouchAndRecordMessage(t *testing.T) {
	r := New(Opts{})
	ctx := context.Background()
	id, _ := r.ResolveOrCreate(ctx, "/proj/a", alwaysTrue)

	r.RecordMessage(id)
	r.RecordMessage(id)
	sess, ok := r.Lookup(id)
	if !ok {
		t.Fatal("session not found")
	}
	if sess.MessageCount != 2 {
		t.Errorf("message count = %d, want 2", sess.MessageCount)
	}
}

func TestRemove(t *testing.T) {
	r := New(Opts{})
	ctx := context.Background()
	id, _ := r.ResolveOrCreate(ctx, "/proj/a", alwaysTrue)

	r.Remove("/proj/a")
	if _, ok := r.Lookup(id); ok {
		t.Error("session should be gone")
	}
}

func TestSweepExpired(t *testing.T) {
	r := New(Opts{IdleTTL: 10 * time.Millisecond})
	ctx := context.Background()
	r.ResolveOrCreate(ctx, "/proj/a", alwaysTrue)
	r.ResolveOrCreate(ctx, "/proj/b", alwaysTrue)

	time.Sleep(20 * time.Millisecond)
	r.ResolveOrCreate(ctx, "/proj/c", alwaysTrue)

	if n := r.SweepExpired(); n != 2 {
		t.Errorf("swept = %d, want 2", n)
	}
	if r.Len() != 1 {
		t.Errorf("len = %d, want 1", r.Len())
	}
	if r.LastSweep().IsZero() {
		t.Error("last sweep not recorded")
	}
}

func TestLazyExpiryOnAccess(t *testing.T) {
	r := New(Opts{IdleTTL: 10 * time.Millisecond})
	ctx := context.Background()
	id1, _ := r.ResolveOrCreate(ctx, "/proj/a", alwaysTrue)

	time.Sleep(20 * time.Millisecond)

	// The expired entry must not be verified at all; a new id is minted.
	id2, _ := r.ResolveOrCreate(ctx, "/proj/a", func(ctx context.Context, id string) (bool, error) {
		t.Error("verify called for expired session")
		return true, nil
	})
	if id1 == id2 {
		t.Error("expired session id was reused")
	}
}

func TestPreload_SkipsExpired(t *testing.T) {
	now := time.Now()
	r := New(Opts{
		IdleTTL: time.Hour,
		Preload: []Session{
			{SessionID: "live", ContextKey: "/proj/a", LastActiveAt: now},
			{SessionID: "stale", ContextKey: "/proj/b", LastActiveAt: now.Add(-2 * time.Hour)},
		},
	})
	if r.Len() != 1 {
		t.Errorf("len = %d, want 1", r.Len())
	}
	if _, ok := r.Lookup("live"); !ok {
		t.Error("live preloaded session missing")
	}
	if _, ok := r.Lookup("stale"); ok {
		t.Error("stale preloaded session should have been dropped")
	}
}

type recordingStore struct {
	mu      sync.Mutex
	saved   []Session
	deleted []string
}

func (s *recordingStore) SaveSession(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, sess)
	return nil
}

func (s *recordingStore) DeleteSession(contextKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, contextKey)
	return nil
}

func TestStoreMirroring(t *testing.T) {
	st := &recordingStore{}
	r := New(Opts{Store: st})
	ctx := context.Background()

	r.ResolveOrCreate(ctx, "/proj/a", alwaysTrue)
	r.Remove("/proj/a")

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.saved) != 1 || st.saved[0].ContextKey != "/proj/a" {
		t.Errorf("saved = %+v", st.saved)
	}
	if len(st.deleted) != 1 || st.deleted[0] != "/proj/a" {
		t.Errorf("deleted = %+v", st.deleted)
	}
}

func TestMintInjection(t *testing.T) {
	n := 0
	r := New(Opts{Mint: func() string {
		n++
		return fmt.Sprintf("sess-%d", n)
	}})
	id, _ := r.ResolveOrCreate(context.Background(), "/proj/a", alwaysTrue)
	if id != "sess-1" {
		t.Errorf("id = %q", id)
	}
}
