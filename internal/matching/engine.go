package matching

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/whisper/chat-matcher/internal/metrics"
	"github.com/whisper/chat-matcher/internal/notify"
	"github.com/whisper/chat-matcher/internal/session"
)

// ErrScanInProgress is returned by ScanOnce when another scan is running.
var ErrScanInProgress = errors.New("matching: scan already in progress")

// State is the engine's polling mode.
type State int32

const (
	StateIdle   State = iota // poll every SleepInterval
	StateActive              // poll every MatchInterval
)

func (s State) String() string {
	if s == StateActive {
		return "active"
	}
	return "idle"
}

// EngineConfig holds the engine's timing parameters.
type EngineConfig struct {
	MatchInterval time.Duration
	SleepInterval time.Duration
	FallbackGrace time.Duration
	QueueTimeout  time.Duration
}

// DefaultEngineConfig returns the production timings.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MatchInterval: 500 * time.Millisecond,
		SleepInterval: 5 * time.Second,
		FallbackGrace: 30 * time.Second,
		QueueTimeout:  60 * time.Second,
	}
}

// SessionCreator is the part of the session manager the engine needs.
type SessionCreator interface {
	Create(ctx context.Context, userA, userB string) (*session.MatchSession, error)
}

// ScanResult summarises one pass.
type ScanResult struct {
	Queued  int // entries in the snapshot
	Paired  int // sessions created
	Dropped int // pairs abandoned because an entry left mid-scan
	Failed  int // pairs requeued after a session error
}

// Engine periodically scans the wait queue and turns compatible entries
// into sessions. Exactly one scan runs at a time.
type Engine struct {
	queue    WaitQueue
	sessions SessionCreator
	notifier notify.Notifier
	cfg      EngineConfig
	now      func() time.Time

	scanning atomic.Bool
	state    atomic.Int32
	skipped  atomic.Int64
	wake     chan struct{}

	mu      sync.Mutex
	waiting map[string]int64 // user id -> JoinedAt ms already signalled
}

// NewEngine creates an engine in the Idle state.
func NewEngine(queue WaitQueue, sessions SessionCreator, notifier notify.Notifier, cfg EngineConfig) *Engine {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Engine{
		queue:    queue,
		sessions: sessions,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		waiting:  make(map[string]int64),
	}
}

// State returns the current polling mode.
func (e *Engine) State() State { return State(e.state.Load()) }

// Skipped returns how many scans were refused because one was running.
func (e *Engine) Skipped() int64 { return e.skipped.Load() }

func (e *Engine) setState(s State) {
	if State(e.state.Swap(int32(s))) != s {
		log.Printf("[matcher] engine %s", s)
	}
	metrics.EngineState.Set(float64(s))
}

// Kick asks a sleeping engine to scan now. It never blocks.
func (e *Engine) Kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run drives scans until ctx is cancelled. Scan errors are logged and the
// loop carries on.
func (e *Engine) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	log.Printf("[matcher] engine started (match=%s sleep=%s grace=%s)",
		e.cfg.MatchInterval, e.cfg.SleepInterval, e.cfg.FallbackGrace)

	for {
		select {
		case <-ctx.Done():
			log.Println("[matcher] engine stopped")
			return
		case <-e.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		if _, err := e.ScanOnce(ctx); err != nil && !errors.Is(err, ErrScanInProgress) {
			log.Printf("[matcher] scan failed: %v", err)
		}
		timer.Reset(e.interval())
	}
}

func (e *Engine) interval() time.Duration {
	if e.State() == StateActive {
		return e.cfg.MatchInterval
	}
	return e.cfg.SleepInterval
}

// ScanOnce runs a single pass: snapshot, pair, then commit each pair.
func (e *Engine) ScanOnce(ctx context.Context) (ScanResult, error) {
	if !e.scanning.CompareAndSwap(false, true) {
		e.skipped.Add(1)
		metrics.ScansSkipped.Inc()
		return ScanResult{}, ErrScanInProgress
	}
	defer e.scanning.Store(false)

	start := time.Now()
	defer func() { metrics.ScanDuration.Observe(time.Since(start).Seconds()) }()
	metrics.ScansTotal.Inc()

	entries, err := e.queue.Snapshot(ctx)
	if err != nil {
		return ScanResult{}, fmt.Errorf("matching: scan: %w", err)
	}

	now := e.now()
	res := ScanResult{Queued: len(entries)}
	paired := make(map[string]bool)

	for _, m := range PairEntries(entries, now, e.cfg.FallbackGrace) {
		if ctx.Err() != nil {
			break
		}
		switch e.commit(ctx, m, now) {
		case commitOK:
			res.Paired++
			paired[m.Seeker.UserID] = true
			paired[m.Partner.UserID] = true
		case commitDropped:
			res.Dropped++
		case commitFailed:
			res.Failed++
		}
	}

	e.signalWaiting(ctx, entries, paired, now)

	remaining := len(entries) - 2*res.Paired
	metrics.QueueSize.Set(float64(remaining))
	if res.Paired > 0 || remaining > 0 {
		e.setState(StateActive)
	} else {
		e.setState(StateIdle)
	}

	if res.Paired > 0 || res.Failed > 0 {
		log.Printf("[matcher] scan: queued=%d paired=%d dropped=%d failed=%d",
			res.Queued, res.Paired, res.Dropped, res.Failed)
	}
	return res, nil
}

type commitOutcome int

const (
	commitOK commitOutcome = iota
	commitDropped
	commitFailed
)

// commit claims both entries, creates the session and notifies both users.
// A pair whose entries cannot both be claimed is abandoned; a pair whose
// session cannot be created goes back to the queue with its join times.
func (e *Engine) commit(ctx context.Context, m Match, now time.Time) commitOutcome {
	a, b := m.Seeker, m.Partner

	ok, err := e.queue.Take(ctx, a)
	if err != nil {
		log.Printf("[matcher] take %s: %v", a.UserID, err)
		return commitFailed
	}
	if !ok {
		return commitDropped
	}

	ok, err = e.queue.Take(ctx, b)
	if err != nil || !ok {
		if err != nil {
			log.Printf("[matcher] take %s: %v", b.UserID, err)
		}
		e.requeue(ctx, a)
		if err != nil {
			return commitFailed
		}
		return commitDropped
	}

	sess, err := e.sessions.Create(ctx, a.UserID, b.UserID)
	if err != nil {
		log.Printf("[matcher] create session %s/%s: %v (requeueing)", a.UserID, b.UserID, err)
		metrics.MatchFailures.Inc()
		e.requeue(ctx, a)
		e.requeue(ctx, b)
		return commitFailed
	}

	metrics.MatchesTotal.WithLabelValues(string(m.Kind)).Inc()
	metrics.MatchWait.Observe(a.Waited(now).Seconds())
	metrics.MatchWait.Observe(b.Waited(now).Seconds())

	e.notify(ctx, a.UserID, notify.Event{Type: notify.TypeMatched, SessionID: sess.ID, PartnerID: b.UserID})
	e.notify(ctx, b.UserID, notify.Event{Type: notify.TypeMatched, SessionID: sess.ID, PartnerID: a.UserID})

	log.Printf("[matcher] matched %s + %s (%s) session=%s", a.UserID, b.UserID, m.Kind, sess.ID)
	return commitOK
}

func (e *Engine) requeue(ctx context.Context, entry QueueEntry) {
	if err := e.queue.Requeue(ctx, entry); err != nil {
		log.Printf("[matcher] requeue %s: %v", entry.UserID, err)
	}
}

func (e *Engine) notify(ctx context.Context, userID string, ev notify.Event) {
	if err := e.notifier.Notify(ctx, userID, ev); err != nil {
		log.Printf("[matcher] notify %s %s: %v", userID, ev.Type, err)
	}
}

// signalWaiting sends match_waiting once per queue entry that has waited
// past QueueTimeout. The entry stays queued.
func (e *Engine) signalWaiting(ctx context.Context, entries []QueueEntry, paired map[string]bool, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		seen[entry.UserID] = true
		if paired[entry.UserID] {
			delete(e.waiting, entry.UserID)
			continue
		}
		waited := entry.Waited(now)
		if waited < e.cfg.QueueTimeout {
			continue
		}
		joined := entry.JoinedAt.UnixMilli()
		if e.waiting[entry.UserID] == joined {
			continue
		}
		e.waiting[entry.UserID] = joined
		metrics.WaitingSignals.Inc()
		e.notify(ctx, entry.UserID, notify.Event{Type: notify.TypeWaiting, WaitedSeconds: int(waited.Seconds())})
	}
	for userID := range e.waiting {
		if !seen[userID] {
			delete(e.waiting, userID)
		}
	}
}
