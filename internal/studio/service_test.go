package studio

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/agentic-studio/internal/domain"
	"github.com/ashureev/agentic-studio/internal/reply"
	"github.com/ashureev/agentic-studio/internal/store"
	"github.com/ashureev/agentic-studio/internal/transcript"
)

const greeting = "Hey there"

type recordingLogger struct {
	mu     sync.Mutex
	events []transcript.Event
}

func (r *recordingLogger) Log(e transcript.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingLogger) Close() error { return nil }

func newTestService(t *testing.T, opts Options) (*Service, store.Repository) {
	t.Helper()
	repo := store.NewMemory()
	return NewService(repo, reply.Default(), greeting, opts), repo
}

var tab = Ref{VisitorID: "v_1", SessionID: "tab-1"}

func TestSnapshotSeedsGreeting(t *testing.T) {
	svc, _ := newTestService(t, Options{})

	snap, err := svc.Snapshot(context.Background(), tab)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(snap.Turns) != 1 || snap.Turns[0].Role != domain.RoleAssistant || snap.Turns[0].Content != greeting {
		t.Fatalf("unexpected seed: %+v", snap.Turns)
	}
	if snap.SessionID != "tab-1" {
		t.Fatalf("unexpected session id %q", snap.SessionID)
	}
}

func TestSubmitLaunchHeadline(t *testing.T) {
	svc, repo := newTestService(t, Options{})
	ctx := context.Background()

	snap, ok, err := svc.Submit(ctx, tab, "Give me a bold launch headline.")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !ok {
		t.Fatal("expected submission to be accepted")
	}
	if len(snap.Turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(snap.Turns))
	}
	if snap.Turns[1].Role != domain.RoleUser {
		t.Fatalf("expected user turn, got %+v", snap.Turns[1])
	}
	if snap.Turns[2].Content != reply.PlanningResponse {
		t.Fatalf("expected planning response, got %q", snap.Turns[2].Content)
	}

	stored, err := repo.GetSession(ctx, tab.Key())
	if err != nil || stored == nil {
		t.Fatalf("expected stored session, got %v, %v", stored, err)
	}
	if stored.Conversation.Len() != 3 {
		t.Fatalf("expected 3 stored turns, got %d", stored.Conversation.Len())
	}
}

func TestSubmitBlankIsNoop(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	if _, err := svc.FillInput(ctx, tab, "draft"); err != nil {
		t.Fatalf("FillInput failed: %v", err)
	}
	snap, ok, err := svc.Submit(ctx, tab, "   ")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if ok {
		t.Fatal("blank input must be rejected")
	}
	if len(snap.Turns) != 1 {
		t.Fatalf("expected no appended turns, got %d", len(snap.Turns))
	}
	if snap.PendingInput != "draft" {
		t.Fatalf("blank submit must keep pending input, got %q", snap.PendingInput)
	}
}

func TestFillInputDoesNotSubmit(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	snap, err := svc.FillInput(ctx, tab, "Outline a 3-step plan to introduce my product.")
	if err != nil {
		t.Fatalf("FillInput failed: %v", err)
	}
	if snap.PendingInput != "Outline a 3-step plan to introduce my product." {
		t.Fatalf("unexpected pending input %q", snap.PendingInput)
	}
	if len(snap.Turns) != 1 {
		t.Fatalf("FillInput must not add turns, got %d", len(snap.Turns))
	}

	snap, ok, err := svc.Submit(ctx, tab, snap.PendingInput)
	if err != nil || !ok {
		t.Fatalf("Submit failed: ok=%v err=%v", ok, err)
	}
	if snap.PendingInput != "" {
		t.Fatalf("expected pending input cleared after submit, got %q", snap.PendingInput)
	}
}

func TestSubmitRejectsLongInput(t *testing.T) {
	svc, _ := newTestService(t, Options{MaxInputRunes: 5})

	_, _, err := svc.Submit(context.Background(), tab, strings.Repeat("é", 6))
	if !errors.Is(err, ErrInputTooLong) {
		t.Fatalf("expected ErrInputTooLong, got %v", err)
	}
	if _, ok, err := svc.Submit(context.Background(), tab, "  plan  "); err != nil || !ok {
		t.Fatalf("surrounding whitespace must not count toward the limit: ok=%v err=%v", ok, err)
	}
}

func TestResetReseeds(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	if _, _, err := svc.Submit(ctx, tab, "pitch"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	snap, err := svc.Reset(ctx, tab)
	if err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if len(snap.Turns) != 1 || snap.Turns[0].Content != greeting {
		t.Fatalf("expected reseeded conversation, got %+v", snap.Turns)
	}
}

func TestSessionsAreIsolatedPerTab(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()
	other := Ref{VisitorID: tab.VisitorID, SessionID: "tab-2"}

	if _, _, err := svc.Submit(ctx, tab, "remote team"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	snap, err := svc.Snapshot(ctx, other)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(snap.Turns) != 1 {
		t.Fatalf("a new tab must start fresh, got %d turns", len(snap.Turns))
	}
}

func TestConcurrentSubmitsKeepPairsTogether(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := svc.Submit(ctx, tab, "idea"); err != nil {
				t.Errorf("Submit failed: %v", err)
			}
		}()
	}
	wg.Wait()

	snap, err := svc.Snapshot(ctx, tab)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(snap.Turns) != 41 {
		t.Fatalf("expected 41 turns, got %d", len(snap.Turns))
	}
	for i := 1; i < len(snap.Turns); i += 2 {
		if snap.Turns[i].Role != domain.RoleUser || snap.Turns[i+1].Role != domain.RoleAssistant {
			t.Fatalf("turn pair %d interleaved: %+v %+v", i, snap.Turns[i], snap.Turns[i+1])
		}
	}
}

func TestTranscriptEvents(t *testing.T) {
	rec := &recordingLogger{}
	svc, _ := newTestService(t, Options{Transcript: rec})
	ctx := WithChannel(context.Background(), "websocket")

	if _, _, err := svc.Submit(ctx, tab, "copy"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(rec.events))
	}
	if rec.events[0].EventType != transcript.EventUserMessage || rec.events[1].EventType != transcript.EventAssistantMessage {
		t.Fatalf("unexpected event types: %+v", rec.events)
	}
	if rec.events[1].Content != reply.PitchResponse {
		t.Fatalf("unexpected assistant content %q", rec.events[1].Content)
	}
	if rec.events[0].Channel != "websocket" {
		t.Fatalf("unexpected channel %q", rec.events[0].Channel)
	}
}

func TestExpireRechecksIdleTime(t *testing.T) {
	svc, repo := newTestService(t, Options{})
	ctx := context.Background()

	if _, _, err := svc.Submit(ctx, tab, "plan"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	removed, err := svc.Expire(ctx, tab.Key(), time.Hour)
	if err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	if removed {
		t.Fatal("a recently used session must not be expired")
	}
	if s, _ := repo.GetSession(ctx, tab.Key()); s == nil || s.Conversation.Len() != 3 {
		t.Fatalf("expected session to keep its turns, got %+v", s)
	}
}

func TestExpiredTabIsNotReseeded(t *testing.T) {
	clock := time.Now()
	svc, _ := newTestService(t, Options{Now: func() time.Time { return clock }})
	ctx := context.Background()

	if _, _, err := svc.Submit(ctx, tab, "plan"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	clock = clock.Add(2 * time.Hour)
	if removed, err := svc.Expire(ctx, tab.Key(), time.Hour); err != nil || !removed {
		t.Fatalf("expected session to expire: removed=%v err=%v", removed, err)
	}

	if _, err := svc.Snapshot(ctx, tab); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Snapshot: expected ErrSessionExpired, got %v", err)
	}
	if _, err := svc.FillInput(ctx, tab, "x"); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("FillInput: expected ErrSessionExpired, got %v", err)
	}
	if err := svc.Touch(ctx, tab); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Touch: expected ErrSessionExpired, got %v", err)
	}
	// Other tabs of the same visitor are unaffected.
	if _, err := svc.Snapshot(ctx, Ref{VisitorID: tab.VisitorID, SessionID: "tab-2"}); err != nil {
		t.Fatalf("Snapshot of a new tab failed: %v", err)
	}
}

func TestTombstonesAgeOut(t *testing.T) {
	clock := time.Now()
	svc, _ := newTestService(t, Options{
		Now:          func() time.Time { return clock },
		TombstoneTTL: time.Hour,
	})
	ctx := context.Background()

	if _, err := svc.Snapshot(ctx, tab); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	clock = clock.Add(2 * time.Hour)
	if removed, _ := svc.Expire(ctx, tab.Key(), time.Hour); !removed {
		t.Fatal("expected session to expire")
	}
	clock = clock.Add(2 * time.Hour)
	if _, err := svc.Snapshot(ctx, tab); err != nil {
		t.Fatalf("expected an old tombstone to be forgotten, got %v", err)
	}
}

func TestTouchKeepsSessionAlive(t *testing.T) {
	clock := time.Now()
	svc, repo := newTestService(t, Options{Now: func() time.Time { return clock }})
	ctx := context.Background()

	if _, err := svc.Snapshot(ctx, tab); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	clock = clock.Add(50 * time.Minute)
	if err := svc.Touch(ctx, tab); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	clock = clock.Add(50 * time.Minute)
	if removed, _ := svc.Expire(ctx, tab.Key(), time.Hour); removed {
		t.Fatal("a touched session must not expire")
	}
	if s, _ := repo.GetSession(ctx, tab.Key()); s == nil {
		t.Fatal("expected session to survive")
	}

	// Touching a tab that never opened a session is a no-op.
	if err := svc.Touch(ctx, Ref{VisitorID: "v_2", SessionID: "tab-x"}); err != nil {
		t.Fatalf("Touch of unknown session failed: %v", err)
	}
}

func TestPreviewStoresNothing(t *testing.T) {
	svc, repo := newTestService(t, Options{})

	snap := svc.Preview(tab)
	if len(snap.Turns) != 1 || snap.Turns[0].Content != greeting || snap.SessionID != tab.SessionID {
		t.Fatalf("unexpected preview %+v", snap)
	}
	if s, _ := repo.GetSession(context.Background(), tab.Key()); s != nil {
		t.Fatal("Preview must not create a session")
	}
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	var k keyedMutex

	var wg sync.WaitGroup
	var mu sync.Mutex
	inside := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.lock("v_1:tab-1")
			mu.Lock()
			inside++
			if inside != 1 {
				t.Errorf("two holders of the same key: %d", inside)
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if n := k.len(); n != 0 {
		t.Fatalf("expected lock entries to be released, got %d", n)
	}
}

func TestSubmitTrimsLikeTheBrowser(t *testing.T) {
	svc, _ := newTestService(t, Options{MaxInputRunes: 4})
	ctx := context.Background()

	snap, ok, err := svc.Submit(ctx, tab, "\ufeff\ufeff")
	if err != nil || ok {
		t.Fatalf("a byte-order-mark-only message is blank: ok=%v err=%v", ok, err)
	}
	if len(snap.Turns) != 1 {
		t.Fatalf("expected no turns appended, got %d", len(snap.Turns))
	}
	if _, ok, err := svc.Submit(ctx, tab, "\ufeffplan\ufeff"); err != nil || !ok {
		t.Fatalf("surrounding byte order marks must not count toward the limit: ok=%v err=%v", ok, err)
	}
}
