package matching

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/whisper/chat-matcher/internal/notify"
	"github.com/whisper/chat-matcher/internal/profile"
	"github.com/whisper/chat-matcher/internal/session"
)

type engineFixture struct {
	queue    *MemoryQueue
	store    *session.MemoryStore
	sessions *session.Manager
	rec      *notify.Recorder
	engine   *Engine
	now      time.Time
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		queue: NewMemoryQueue(),
		store: session.NewMemoryStore(),
		rec:   &notify.Recorder{},
		now:   t0,
	}
	f.sessions = session.NewManager(f.store, f.rec)
	f.engine = NewEngine(f.queue, f.sessions, f.rec, EngineConfig{
		MatchInterval: 10 * time.Millisecond,
		SleepInterval: 50 * time.Millisecond,
		FallbackGrace: grace,
		QueueTimeout:  time.Minute,
	})
	f.engine.now = func() time.Time { return f.now }
	return f
}

func (f *engineFixture) enqueue(t *testing.T, e QueueEntry) {
	t.Helper()
	if _, err := f.queue.Enqueue(context.Background(), e); err != nil {
		t.Fatalf("enqueue %s: %v", e.UserID, err)
	}
}

func TestEngine_PairsUnfilteredUsers(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.enqueue(t, entry("a", profile.GenderMale, 2*time.Second))
	f.enqueue(t, entry("b", profile.GenderFemale, time.Second))

	res, err := f.engine.ScanOnce(ctx)
	if err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}
	if res.Paired != 1 {
		t.Fatalf("Paired = %d", res.Paired)
	}
	if n, _ := f.queue.Size(ctx); n != 0 {
		t.Errorf("queue size = %d, want 0", n)
	}

	evA := f.rec.For("a", notify.TypeMatched)
	evB := f.rec.For("b", notify.TypeMatched)
	if len(evA) != 1 || len(evB) != 1 {
		t.Fatalf("matched events: a=%d b=%d", len(evA), len(evB))
	}
	if evA[0].PartnerID != "b" || evB[0].PartnerID != "a" || evA[0].SessionID != evB[0].SessionID {
		t.Errorf("events = %+v / %+v", evA[0], evB[0])
	}

	s, err := f.store.Get(ctx, evA[0].SessionID)
	if err != nil || !s.IsActive || !s.IsRandomChat {
		t.Errorf("session = %+v, %v", s, err)
	}
	if f.engine.State() != StateActive {
		t.Errorf("state = %s, want active after a match", f.engine.State())
	}
}

func TestEngine_StateTransitions(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.engine.ScanOnce(ctx)
	if f.engine.State() != StateIdle {
		t.Errorf("empty queue: state = %s", f.engine.State())
	}

	f.enqueue(t, entry("solo", profile.GenderMale, 0))
	f.engine.ScanOnce(ctx)
	if f.engine.State() != StateActive {
		t.Errorf("non-empty queue: state = %s", f.engine.State())
	}
	if f.engine.interval() != 10*time.Millisecond {
		t.Errorf("active interval = %s", f.engine.interval())
	}

	f.queue.Remove(ctx, "solo")
	f.engine.ScanOnce(ctx)
	if f.engine.State() != StateIdle || f.engine.interval() != 50*time.Millisecond {
		t.Errorf("drained queue: state = %s interval = %s", f.engine.State(), f.engine.interval())
	}
}

func TestEngine_FilteredUserStaysQueued(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.enqueue(t, filtered(entry("c", profile.GenderMale, 0), profile.GenderFemale, false))
	f.enqueue(t, entry("m", profile.GenderMale, 0))

	for i := 0; i < 5; i++ {
		f.now = f.now.Add(10 * time.Minute)
		if _, err := f.engine.ScanOnce(ctx); err != nil {
			t.Fatalf("scan %d: %v", i, err)
		}
	}
	if ok, _ := f.queue.Contains(ctx, "c"); !ok {
		t.Error("c was removed from the queue")
	}
	if len(f.store.Sessions()) != 0 {
		t.Errorf("sessions created: %+v", f.store.Sessions())
	}
}

func TestEngine_WaitingSignalSentOnce(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.enqueue(t, filtered(entry("c", profile.GenderMale, 0), profile.GenderFemale, false))

	f.engine.ScanOnce(ctx)
	if len(f.rec.For("c", notify.TypeWaiting)) != 0 {
		t.Fatal("waiting signal sent before the timeout")
	}

	f.now = f.now.Add(2 * time.Minute)
	f.engine.ScanOnce(ctx)
	f.engine.ScanOnce(ctx)

	evs := f.rec.For("c", notify.TypeWaiting)
	if len(evs) != 1 {
		t.Fatalf("waiting events = %d, want 1", len(evs))
	}
	if evs[0].WaitedSeconds != 120 {
		t.Errorf("WaitedSeconds = %d", evs[0].WaitedSeconds)
	}
	if ok, _ := f.queue.Contains(ctx, "c"); !ok {
		t.Error("timeout must not evict the entry")
	}
}

type flakyCreator struct {
	mu    sync.Mutex
	fails int
	inner SessionCreator
}

func (c *flakyCreator) Create(ctx context.Context, a, b string) (*session.MatchSession, error) {
	c.mu.Lock()
	if c.fails > 0 {
		c.fails--
		c.mu.Unlock()
		return nil, errors.New("db unavailable")
	}
	c.mu.Unlock()
	return c.inner.Create(ctx, a, b)
}

func TestEngine_SessionFailureRequeuesBoth(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.engine.sessions = &flakyCreator{fails: 1, inner: f.sessions}

	a := entry("a", profile.GenderMale, 5*time.Second)
	b := entry("b", profile.GenderFemale, 4*time.Second)
	f.enqueue(t, a)
	f.enqueue(t, b)

	res, err := f.engine.ScanOnce(ctx)
	if err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}
	if res.Failed != 1 || res.Paired != 0 {
		t.Fatalf("result = %+v", res)
	}

	snap, _ := f.queue.Snapshot(ctx)
	if len(snap) != 2 {
		t.Fatalf("queue after failure = %+v", snap)
	}
	if !snap[0].JoinedAt.Equal(a.JoinedAt) || !snap[1].JoinedAt.Equal(b.JoinedAt) {
		t.Errorf("join times not preserved: %+v", snap)
	}
	if len(f.rec.Deliveries()) != 0 {
		t.Errorf("notifications sent for a failed pair: %+v", f.rec.Deliveries())
	}

	// Next pass succeeds.
	if res, _ := f.engine.ScanOnce(ctx); res.Paired != 1 {
		t.Errorf("retry result = %+v", res)
	}
}

// leavingQueue removes a user right after the snapshot, as a concurrent
// LeaveQueue would.
type leavingQueue struct {
	*MemoryQueue
	leaver string
}

func (q *leavingQueue) Snapshot(ctx context.Context) ([]QueueEntry, error) {
	entries, err := q.MemoryQueue.Snapshot(ctx)
	q.MemoryQueue.Remove(ctx, q.leaver)
	return entries, err
}

func TestEngine_LeaveDuringScanDropsPair(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	lq := &leavingQueue{MemoryQueue: f.queue, leaver: "b"}
	f.engine.queue = lq

	f.enqueue(t, entry("a", profile.GenderMale, 2*time.Second))
	f.enqueue(t, entry("b", profile.GenderFemale, time.Second))

	res, err := f.engine.ScanOnce(ctx)
	if err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}
	if res.Paired != 0 || res.Dropped != 1 {
		t.Errorf("result = %+v", res)
	}
	if ok, _ := f.queue.Contains(ctx, "a"); !ok {
		t.Error("a should be back in the queue")
	}
	if ok, _ := f.queue.Contains(ctx, "b"); ok {
		t.Error("b left and must not be requeued")
	}
	if len(f.store.Sessions()) != 0 {
		t.Error("session created for a user who left")
	}
}

// blockingQueue holds Snapshot until released.
type blockingQueue struct {
	*MemoryQueue
	entered chan struct{}
	release chan struct{}
}

func (q *blockingQueue) Snapshot(ctx context.Context) ([]QueueEntry, error) {
	close(q.entered)
	<-q.release
	return q.MemoryQueue.Snapshot(ctx)
}

func TestEngine_ReentrantScanSkipped(t *testing.T) {
	f := newEngineFixture(t)
	bq := &blockingQueue{MemoryQueue: f.queue, entered: make(chan struct{}), release: make(chan struct{})}
	f.engine.queue = bq

	done := make(chan struct{})
	go func() {
		f.engine.ScanOnce(context.Background())
		close(done)
	}()
	<-bq.entered

	if _, err := f.engine.ScanOnce(context.Background()); !errors.Is(err, ErrScanInProgress) {
		t.Errorf("concurrent scan: err = %v", err)
	}
	if f.engine.Skipped() != 1 {
		t.Errorf("Skipped = %d", f.engine.Skipped())
	}

	close(bq.release)
	<-done
}

type errQueue struct{ *MemoryQueue }

func (errQueue) Snapshot(context.Context) ([]QueueEntry, error) {
	return nil, errors.New("redis down")
}

func TestEngine_RunSurvivesErrorsAndStops(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.queue = errQueue{f.queue}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.engine.Run(ctx)
		close(done)
	}()

	time.Sleep(120 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestEngine_RunPairsAfterKick(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.cfg.SleepInterval = time.Hour // only a kick can trigger the next scan

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.engine.Run(ctx)

	time.Sleep(20 * time.Millisecond) // let the first (empty) scan run
	f.enqueue(t, entry("a", profile.GenderMale, time.Second))
	f.enqueue(t, entry("b", profile.GenderFemale, time.Second))
	f.engine.Kick()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.rec.For("a", notify.TypeMatched)) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("kick did not trigger a scan")
}
