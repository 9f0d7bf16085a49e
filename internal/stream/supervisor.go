package stream

import (
	"sync"
	"sync/atomic"
	"time"
)

// Default stall thresholds.
const (
	DefaultWarnAfter    = 5 * time.Second
	DefaultTimeoutAfter = 10 * time.Second
)

// SupervisorState is the state of a Supervisor.
type SupervisorState int32

const (
	// StateActive means bytes arrived recently.
	StateActive SupervisorState = iota
	// StateWarned means the stream has been idle for at least WarnAfter.
	StateWarned
	// StateTimedOut means the stream has been idle for at least TimeoutAfter and was given up.
	StateTimedOut
	// StateDone means the supervisor was stopped before timing out.
	StateDone
)

func (s SupervisorState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateWarned:
		return "warned"
	case StateTimedOut:
		return "timed_out"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// SupervisorConfig configures a Supervisor. Zero durations select the defaults.
type SupervisorConfig struct {
	WarnAfter    time.Duration
	TimeoutAfter time.Duration

	// OnWarn is called once each time the stream goes idle for WarnAfter.
	OnWarn func()
	// OnTimeout is called at most once, when the stream has been idle for TimeoutAfter.
	OnTimeout func()
}

// Supervisor watches the time since the last received byte of a stream. It never touches the
// stream itself; OnTimeout is expected to finalize the message and cancel the read.
type Supervisor struct {
	warnAfter    time.Duration
	timeoutAfter time.Duration
	onWarn       func()
	onTimeout    func()

	last  atomic.Int64
	state atomic.Int32

	stop     chan struct{}
	stopOnce sync.Once
	exited   chan struct{}
}

// NewSupervisor creates a Supervisor. The idle clock starts when Run is called.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.WarnAfter <= 0 {
		cfg.WarnAfter = DefaultWarnAfter
	}
	if cfg.TimeoutAfter <= 0 {
		cfg.TimeoutAfter = DefaultTimeoutAfter
	}
	if cfg.TimeoutAfter < cfg.WarnAfter {
		cfg.TimeoutAfter = cfg.WarnAfter
	}
	noop := func() {}
	if cfg.OnWarn == nil {
		cfg.OnWarn = noop
	}
	if cfg.OnTimeout == nil {
		cfg.OnTimeout = noop
	}
	return &Supervisor{
		warnAfter:    cfg.WarnAfter,
		timeoutAfter: cfg.TimeoutAfter,
		onWarn:       cfg.OnWarn,
		onTimeout:    cfg.OnTimeout,
		stop:         make(chan struct{}),
		exited:       make(chan struct{}),
	}
}

// Touch records byte activity. It is safe to call from any goroutine.
func (s *Supervisor) Touch() {
	s.last.Store(time.Now().UnixNano())
}

// State returns the current state.
func (s *Supervisor) State() SupervisorState {
	return SupervisorState(s.state.Load())
}

// Run blocks until the stream times out or Stop is called. It is meant to be run in its own
// goroutine.
func (s *Supervisor) Run() {
	defer close(s.exited)

	s.Touch()
	timer := time.NewTimer(s.warnAfter)
	defer timer.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-timer.C:
		}

		idle := time.Since(time.Unix(0, s.last.Load()))
		switch {
		case idle >= s.timeoutAfter:
			if !s.state.CompareAndSwap(int32(StateActive), int32(StateTimedOut)) &&
				!s.state.CompareAndSwap(int32(StateWarned), int32(StateTimedOut)) {
				return
			}
			s.onTimeout()
			return
		case idle >= s.warnAfter:
			if s.state.CompareAndSwap(int32(StateActive), int32(StateWarned)) {
				s.onWarn()
			}
			timer.Reset(s.timeoutAfter - idle)
		default:
			s.state.CompareAndSwap(int32(StateWarned), int32(StateActive))
			timer.Reset(s.warnAfter - idle)
		}
	}
}

// Stop moves the supervisor to Done unless it already timed out. Once Stop returns, OnWarn and
// OnTimeout will not be called anymore unless a call was already in progress; use Wait to be
// sure. It is safe to call more than once.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		for {
			cur := s.state.Load()
			if SupervisorState(cur) == StateTimedOut {
				break
			}
			if s.state.CompareAndSwap(cur, int32(StateDone)) {
				break
			}
		}
		close(s.stop)
	})
}

// Wait blocks until Run has returned.
func (s *Supervisor) Wait() {
	<-s.exited
}
