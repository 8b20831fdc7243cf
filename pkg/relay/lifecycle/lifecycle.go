package lifecycle

import (
	"sync/atomic"
	"time"
)

// State is a tiny process lifecycle holder shared across handlers. It is
// used for readiness draining during graceful shutdown and for reporting
// uptime. All methods are safe on a nil receiver.
type State struct {
	started  time.Time
	draining atomic.Bool
}

func NewState() *State {
	return &State{started: time.Now()}
}

func (s *State) SetDraining(draining bool) {
	if s == nil {
		return
	}
	s.draining.Store(draining)
}

func (s *State) IsDraining() bool {
	if s == nil {
		return false
	}
	return s.draining.Load()
}

func (s *State) Uptime() time.Duration {
	if s == nil || s.started.IsZero() {
		return 0
	}
	return time.Since(s.started)
}
