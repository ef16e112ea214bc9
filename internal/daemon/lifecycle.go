package daemon

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bft-labs/rtcms/pkg/log"
)

// State is the lifecycle state of the daemon.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateCrashed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateCrashed:
		return "Crashed"
	default:
		return "Unknown"
	}
}

// Lifecycle errors.
var (
	ErrNotRunning      = errors.New("daemon: not running")
	ErrAlreadyRunning  = errors.New("daemon: already running")
	ErrShutdownTimeout = errors.New("daemon: shutdown timeout")
)

// ShutdownTimeout is the default maximum time to wait for workers on Stop.
const ShutdownTimeout = 10 * time.Second

// StateHandler is called after every state change, outside the lifecycle lock.
type StateHandler func(previous, current State, reason string)

// allowed lists the states reachable from each state.
var allowed = map[State][]State{
	StateStopped:  {StateStarting},
	StateStarting: {StateRunning, StateCrashed},
	StateRunning:  {StateStopping, StateCrashed},
	StateStopping: {StateStopped, StateCrashed},
	StateCrashed:  {StateStarting, StateStopping},
}

// lifecycle guards state transitions and tracks worker goroutines.
type lifecycle struct {
	mu      sync.RWMutex
	state   State
	wg      sync.WaitGroup
	logger  log.Logger
	handler StateHandler
}

func newLifecycle(logger log.Logger, handler StateHandler) *lifecycle {
	return &lifecycle{state: StateStopped, logger: logger, handler: handler}
}

func (l *lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// transition moves to next if the current state allows it.
func (l *lifecycle) transition(next State, reason string) error {
	l.mu.Lock()
	prev := l.state
	ok := false
	for _, s := range allowed[prev] {
		if s == next {
			ok = true
			break
		}
	}
	if !ok {
		l.mu.Unlock()
		if prev == StateStopped || prev == StateCrashed {
			return fmt.Errorf("%w: cannot go from %s to %s", ErrNotRunning, prev, next)
		}
		return fmt.Errorf("%w: cannot go from %s to %s", ErrAlreadyRunning, prev, next)
	}
	l.state = next
	l.mu.Unlock()

	if l.handler != nil {
		l.handler(prev, next, reason)
	}
	l.logger.Info("state transition",
		log.String("from", prev.String()),
		log.String("to", next.String()),
		log.String("reason", reason),
	)
	return nil
}

// goWorker runs fn as a tracked worker.
func (l *lifecycle) goWorker(fn func()) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		fn()
	}()
}

// waitWithTimeout waits for all workers or returns ErrShutdownTimeout.
func (l *lifecycle) waitWithTimeout(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		l.logger.Warn("shutdown timeout, abandoning workers", log.Duration("timeout", timeout))
		return ErrShutdownTimeout
	}
}
