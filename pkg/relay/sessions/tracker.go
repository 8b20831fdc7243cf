package sessions

import (
	"context"
	"errors"
	"sync"
)

// Admission errors returned by Register.
var (
	ErrServerFull  = errors.New("session capacity reached")
	ErrClientLimit = errors.New("per-client session limit reached")
)

// Limits cap concurrent sessions at admission time. Zero values mean
// unlimited.
type Limits struct {
	MaxSessions          int
	MaxSessionsPerClient int
}

// Handle lets the tracker reach into a running session during shutdown.
type Handle struct {
	Cancel func()
	Notify func(message string) error
}

// Tracker admits sessions under the configured limits and tracks them for
// graceful drain. The zero value is usable and unlimited.
type Tracker struct {
	limits Limits

	mu        sync.Mutex
	sessions  map[string]*trackedSession
	perClient map[string]int
	wg        sync.WaitGroup
}

type trackedSession struct {
	clientKey string
	handle    Handle
	once      sync.Once
}

func NewTracker(limits Limits) *Tracker {
	return &Tracker{
		limits:    limits,
		sessions:  make(map[string]*trackedSession),
		perClient: make(map[string]int),
	}
}

// Register admits a session keyed by its ID and the client it belongs to.
// On success the returned closure unregisters it; calling the closure more
// than once is safe. Admission failures return ErrServerFull or
// ErrClientLimit.
func (t *Tracker) Register(sessionID, clientKey string, h Handle) (unregister func(), err error) {
	if t == nil {
		return func() {}, nil
	}

	entry := &trackedSession{clientKey: clientKey, handle: h}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[string]*trackedSession)
	}
	if t.perClient == nil {
		t.perClient = make(map[string]int)
	}
	if t.limits.MaxSessions > 0 && len(t.sessions) >= t.limits.MaxSessions {
		t.mu.Unlock()
		return nil, ErrServerFull
	}
	if t.limits.MaxSessionsPerClient > 0 && t.perClient[clientKey] >= t.limits.MaxSessionsPerClient {
		t.mu.Unlock()
		return nil, ErrClientLimit
	}
	old := t.sessions[sessionID]
	t.sessions[sessionID] = entry
	t.perClient[clientKey]++
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(sessionID, old)
	}

	return func() { t.unregister(sessionID, entry) }, nil
}

func (t *Tracker) unregister(sessionID string, entry *trackedSession) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions != nil && t.sessions[sessionID] == entry {
			delete(t.sessions, sessionID)
		}
		if n := t.perClient[entry.clientKey]; n <= 1 {
			delete(t.perClient, entry.clientKey)
		} else {
			t.perClient[entry.clientKey] = n - 1
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Tracker) ClientCount(clientKey string) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.perClient[clientKey]
}

// NotifyAll sends an informational message to every session, best effort.
func (t *Tracker) NotifyAll(message string) (sent int) {
	if t == nil {
		return 0
	}

	var notifies []func(message string) error
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Notify == nil {
			continue
		}
		notifies = append(notifies, entry.handle.Notify)
	}
	t.mu.Unlock()

	for _, notify := range notifies {
		_ = notify(message)
		sent++
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has unregistered, or ctx ends.
// It reports whether the tracker fully drained.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
