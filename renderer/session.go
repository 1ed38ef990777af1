package renderer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/use-agent/prerender/metrics"
	"github.com/use-agent/prerender/models"
	"golang.org/x/sync/semaphore"
)

const defaultRotateAfter = time.Hour

// LaunchFunc starts a new browser process.
type LaunchFunc func(ctx context.Context) (Browser, error)

// Session is one browser process and when it was started. Sessions are
// replaced, never mutated, on rotation or crash.
type Session struct {
	browser   Browser
	createdAt time.Time

	// detached sessions no longer report disconnects.
	detached atomic.Bool

	// holds counts renders using the session. Guarded by SessionManager.mu.
	holds int
}

func (s *Session) Browser() Browser { return s.browser }

func (s *Session) Age() time.Duration { return time.Since(s.createdAt) }

// SessionManagerOptions configures a SessionManager.
type SessionManagerOptions struct {
	Launch LaunchFunc

	// RotateAfter is the maximum session age. Default: 1h.
	RotateAfter time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// SessionManager owns the current browser session. It is safe for
// concurrent use.
type SessionManager struct {
	launch      LaunchFunc
	rotateAfter time.Duration
	log         *slog.Logger
	m           *metrics.Metrics

	// launching serializes launches without blocking readers of current.
	launching *semaphore.Weighted

	mu       sync.Mutex
	current  *Session
	closing  bool
	retiring map[*Session]struct{}

	subMu  sync.Mutex
	subs   map[uint64]func()
	nextID uint64

	crashes atomic.Int64
}

// NewSessionManager creates a manager. Nothing is launched until the first
// Acquire.
func NewSessionManager(opts SessionManagerOptions) *SessionManager {
	if opts.RotateAfter <= 0 {
		opts.RotateAfter = defaultRotateAfter
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &SessionManager{
		launch:      opts.Launch,
		rotateAfter: opts.RotateAfter,
		log:         opts.Logger,
		m:           opts.Metrics,
		launching:   semaphore.NewWeighted(1),
		retiring:    make(map[*Session]struct{}),
		subs:        make(map[uint64]func()),
	}
}

// Acquire returns the current session, launching one if there is none and
// replacing it once it is older than RotateAfter. Concurrent callers share
// a single launch. Every successful Acquire must be paired with Release.
func (sm *SessionManager) Acquire(ctx context.Context) (*Session, error) {
	if s := sm.hold(); s != nil {
		return s, nil
	}

	if err := sm.launching.Acquire(ctx, 1); err != nil {
		return nil, contextError(ctx)
	}
	defer sm.launching.Release(1)

	// Another caller may have launched while this one waited.
	if s := sm.hold(); s != nil {
		return s, nil
	}

	if sm.launch == nil {
		return nil, models.NewRenderError(models.ErrCodeBrowserCrash, "no browser launcher configured", nil)
	}
	b, err := sm.launch(ctx)
	if err != nil {
		return nil, models.NewRenderError(models.ErrCodeBrowserCrash, "failed to launch browser", err)
	}
	sm.m.BrowserLaunched()

	s := &Session{browser: b, createdAt: time.Now(), holds: 1}
	sm.mu.Lock()
	sm.current = s
	sm.mu.Unlock()
	go sm.watch(s)

	sm.log.Info("browser session started")
	return s, nil
}

// hold returns the current session with its hold count raised, or nil when
// a launch is needed. A session past RotateAfter is retired here.
func (sm *SessionManager) hold() *Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	s := sm.current
	if s == nil {
		return nil
	}
	if s.Age() >= sm.rotateAfter {
		sm.log.Info("rotating browser session", "age", s.Age().Round(time.Second))
		sm.retire(s)
		sm.current = nil
		sm.m.BrowserRotated()
		return nil
	}
	s.holds++
	return s
}

// Release drops a hold taken by Acquire. A retired session closes when its
// last hold is released.
func (sm *SessionManager) Release(s *Session) {
	sm.mu.Lock()
	s.holds--
	_, retired := sm.retiring[s]
	closeNow := retired && s.holds <= 0
	if closeNow {
		delete(sm.retiring, s)
	}
	sm.mu.Unlock()

	if closeNow {
		sm.closeRetired(s)
	}
}

// retire detaches s. It closes now if idle, otherwise on its last Release.
// Caller holds mu.
func (sm *SessionManager) retire(s *Session) {
	s.detached.Store(true)
	if s.holds <= 0 {
		go sm.closeRetired(s)
		return
	}
	sm.retiring[s] = struct{}{}
}

func (sm *SessionManager) closeRetired(s *Session) {
	if err := s.browser.Close(); err != nil {
		sm.log.Debug("closing retired browser", "error", err)
	}
}

// watch waits for the session's process to go away and reports it as a
// crash unless the session was detached or the manager is closing.
func (sm *SessionManager) watch(s *Session) {
	<-s.browser.Done()

	sm.mu.Lock()
	if s.detached.Load() || sm.closing || sm.current != s {
		sm.mu.Unlock()
		return
	}
	sm.current = nil
	sm.mu.Unlock()

	sm.crashes.Add(1)
	sm.m.BrowserCrashed()
	sm.log.Warn("browser disconnected unexpectedly")
	sm.notify()
}

// OnDisconnected subscribes fn to unexpected browser disconnects. fn runs on
// its own goroutine. The returned func unsubscribes.
func (sm *SessionManager) OnDisconnected(fn func()) (unsubscribe func()) {
	sm.subMu.Lock()
	id := sm.nextID
	sm.nextID++
	sm.subs[id] = fn
	sm.subMu.Unlock()

	return func() {
		sm.subMu.Lock()
		delete(sm.subs, id)
		sm.subMu.Unlock()
	}
}

func (sm *SessionManager) notify() {
	sm.subMu.Lock()
	fns := make([]func(), 0, len(sm.subs))
	for _, fn := range sm.subs {
		fns = append(fns, fn)
	}
	sm.subMu.Unlock()

	for _, fn := range fns {
		go fn()
	}
}

// Current returns the live session, or nil.
func (sm *SessionManager) Current() *Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

// Crashes is the number of unexpected disconnects so far.
func (sm *SessionManager) Crashes() int64 { return sm.crashes.Load() }

// Close shuts down the current session and any retiring ones. Disconnects
// caused by it are not reported. Calling Close again is a no-op until the
// next Acquire.
func (sm *SessionManager) Close() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.closing = true
	defer func() { sm.closing = false }()

	var errs []error
	if s := sm.current; s != nil {
		s.detached.Store(true)
		if err := s.browser.Close(); err != nil {
			errs = append(errs, err)
		}
		sm.current = nil
		sm.log.Info("browser session closed")
	}
	for s := range sm.retiring {
		if err := s.browser.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(sm.retiring, s)
	}
	return errors.Join(errs...)
}
