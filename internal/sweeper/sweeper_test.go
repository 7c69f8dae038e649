package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/agentic-studio/internal/domain"
	"github.com/ashureev/agentic-studio/internal/reply"
	"github.com/ashureev/agentic-studio/internal/store"
	"github.com/ashureev/agentic-studio/internal/studio"
)

func seed(t *testing.T, repo store.Repository, key string, lastSeen time.Time) {
	t.Helper()
	err := repo.CreateSession(context.Background(), &domain.Session{
		Key:          key,
		VisitorID:    "v_1",
		TabID:        key,
		Conversation: domain.NewConversation("hi"),
		CreatedAt:    lastSeen,
		LastSeenAt:   lastSeen,
	})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
}

func newService(repo store.Repository) *studio.Service {
	return studio.NewService(repo, reply.Default(), "hi", studio.Options{})
}

func TestSweepRemovesOnlyIdleSessions(t *testing.T) {
	repo := store.NewMemory()
	ctx := context.Background()
	seed(t, repo, "v_1:old", time.Now().Add(-2*time.Hour))
	seed(t, repo, "v_1:fresh", time.Now())

	var cleaned []string
	n := Sweep(ctx, repo, newService(repo), Options{
		TTL:       time.Hour,
		OnCleanup: []CleanupCallback{func(key string) { cleaned = append(cleaned, key) }},
	})

	if n != 1 {
		t.Fatalf("expected 1 session swept, got %d", n)
	}
	if len(cleaned) != 1 || cleaned[0] != "v_1:old" {
		t.Fatalf("unexpected cleanup callbacks: %v", cleaned)
	}
	if s, _ := repo.GetSession(ctx, "v_1:old"); s != nil {
		t.Error("expected idle session to be deleted")
	}
	if s, _ := repo.GetSession(ctx, "v_1:fresh"); s == nil {
		t.Error("expected active session to survive")
	}
}

func TestSweepSkipsConnectedSessions(t *testing.T) {
	repo := store.NewMemory()
	ctx := context.Background()
	seed(t, repo, "v_1:open-tab", time.Now().Add(-2*time.Hour))

	n := Sweep(ctx, repo, newService(repo), Options{
		TTL:      time.Hour,
		IsActive: func(key string) bool { return key == "v_1:open-tab" },
	})

	if n != 0 {
		t.Fatalf("expected connected session to be kept, swept %d", n)
	}
	if s, _ := repo.GetSession(ctx, "v_1:open-tab"); s == nil {
		t.Fatal("expected connected session to survive")
	}
}

// staleList reports a session as expired even though it has since been used.
type staleList struct {
	store.Repository
	stale []*domain.Session
}

func (s staleList) GetExpiredSessions(context.Context, time.Duration) ([]*domain.Session, error) {
	return s.stale, nil
}

func TestSweepRechecksBeforeDeleting(t *testing.T) {
	repo := store.NewMemory()
	ctx := context.Background()
	seed(t, repo, "v_1:tab", time.Now())

	listed := staleList{Repository: repo, stale: []*domain.Session{{Key: "v_1:tab", TabID: "tab"}}}
	if n := Sweep(ctx, listed, newService(repo), Options{TTL: time.Hour}); n != 0 {
		t.Fatalf("expected a recently used session to be kept, swept %d", n)
	}
	if s, _ := repo.GetSession(ctx, "v_1:tab"); s == nil {
		t.Fatal("expected session to survive the stale listing")
	}
}

func TestSubmitAfterSweepDoesNotReseed(t *testing.T) {
	repo := store.NewMemory()
	ctx := context.Background()
	ref := studio.Ref{VisitorID: "v_1", SessionID: "tab-1"}

	clock := time.Now().Add(-2 * time.Hour)
	svc := studio.NewService(repo, reply.Default(), "hi", studio.Options{
		Now: func() time.Time { return clock },
	})
	if _, _, err := svc.Submit(ctx, ref, "launch plan"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	clock = time.Now()
	if n := Sweep(ctx, repo, svc, Options{TTL: time.Hour}); n != 1 {
		t.Fatalf("expected 1 session swept, got %d", n)
	}

	_, ok, err := svc.Submit(ctx, ref, "tell me a joke")
	if !errors.Is(err, studio.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got ok=%v err=%v", ok, err)
	}
	if s, _ := repo.GetSession(ctx, ref.Key()); s != nil {
		t.Fatal("an expired tab must not be reseeded by a submit")
	}

	snap, err := svc.Reset(ctx, ref)
	if err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if len(snap.Turns) != 1 {
		t.Fatalf("expected reset to start over, got %d turns", len(snap.Turns))
	}
	if _, ok, err := svc.Submit(ctx, ref, "idea"); err != nil || !ok {
		t.Fatalf("expected submit after reset to work: ok=%v err=%v", ok, err)
	}
}

type listErrRepo struct {
	store.Repository
}

func (listErrRepo) GetExpiredSessions(context.Context, time.Duration) ([]*domain.Session, error) {
	return nil, errors.New("boom")
}

func TestSweepListFailure(t *testing.T) {
	if n := Sweep(context.Background(), listErrRepo{}, newService(store.NewMemory()), Options{TTL: time.Hour}); n != 0 {
		t.Fatalf("expected 0, got %d", n)
	}
}

func TestStartSweepsUntilCancelled(t *testing.T) {
	repo := store.NewMemory()
	seed(t, repo, "v_1:old", time.Now().Add(-2*time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once
	done := make(chan struct{})
	Start(ctx, repo, newService(repo), Options{
		Interval:  10 * time.Millisecond,
		TTL:       time.Hour,
		OnCleanup: []CleanupCallback{func(string) { once.Do(func() { close(done) }) }},
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper never ran")
	}
}
