package camera

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/SlyRix/FotoBox-sub000/internal/config"
	"github.com/SlyRix/FotoBox-sub000/internal/logger"
)

// State is the supervisor's lifecycle state
type State string

const (
	StateIdle        State = "idle"
	StateStarting    State = "starting"
	StateStreaming   State = "streaming"
	StateCoolingDown State = "cooling_down"
	StateFailed      State = "failed"
)

var (
	// ErrRetriesExhausted is returned by Start once the retry budget is used
	// up; a counter reset is scheduled automatically.
	ErrRetriesExhausted = errors.New("capture process retries exhausted")

	// ErrNoStreamCommand is returned when no stream command is configured
	ErrNoStreamCommand = errors.New("no stream command configured")
)

const stdoutChunkSize = 32 * 1024

// Supervisor owns the lifecycle of the external continuous-capture process.
// The process writes back-to-back JPEG frames to stdout; the supervisor
// demuxes them and hands each frame to the registered frame handler. Failures
// are absorbed by a retry/cooldown state machine:
//
//	Idle -> Starting -> Streaming -> Idle (manual stop)
//	                              -> CoolingDown (failure) -> Starting (retry)
//	                                                       -> Failed (retries exhausted) -> Idle (reset)
//
// All state lives behind one mutex; external I/O runs on per-process
// goroutines that report back through the exit watcher.
type Supervisor struct {
	cfg config.CameraConfig
	log *zerolog.Logger

	mu       sync.Mutex
	state    State
	cmd      *exec.Cmd
	exited   chan struct{}
	gen      uint64
	retries  int
	stopping bool
	fatal    bool

	retryTimer *time.Timer
	resetTimer *time.Timer

	onFrame    func(Frame)
	hasWaiters func() bool

	// State transitions are queued and relayed in order by a dedicated
	// dispatcher, so handlers never run under the supervisor's mutex and
	// a burst of transitions never drops one.
	onState    func(State)
	notifyMu   sync.Mutex
	notifyQ    []State
	notifyKick chan struct{}
}

// NewSupervisor creates a supervisor for the configured stream command
func NewSupervisor(cfg config.CameraConfig) *Supervisor {
	s := &Supervisor{
		cfg:        cfg,
		log:        logger.WithComponent("supervisor"),
		state:      StateIdle,
		notifyKick: make(chan struct{}, 1),
	}
	go s.dispatchStates()
	return s
}

// SetFrameHandler registers the handler invoked for each demuxed frame.
// Must be set before Start.
func (s *Supervisor) SetFrameHandler(fn func(Frame)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFrame = fn
}

// SetStateHandler registers the handler invoked on each state transition
func (s *Supervisor) SetStateHandler(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = fn
}

// SetWaiterCheck registers a callback reporting whether any viewer is
// currently waiting for preview; consulted when the retry counter resets
func (s *Supervisor) SetWaiterCheck(fn func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasWaiters = fn
}

// State returns the current lifecycle state
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Retries returns the current retry counter
func (s *Supervisor) Retries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// Start spawns the capture process. It is a no-op if the process is already
// running and refuses with ErrRetriesExhausted once the retry budget is used
// up, scheduling an automatic counter reset after the reset cooldown.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	return s.startLocked()
}

// retryStart is the scheduled-restart path. It spawns only if the
// supervisor is still cooling down from the same failed run; a stop or a
// newer run landing first makes the callback a no-op.
func (s *Supervisor) retryStart(gen uint64) error {
	s.mu.Lock()
	if s.gen != gen || s.state != StateCoolingDown {
		s.mu.Unlock()
		return nil
	}
	s.retryTimer = nil
	return s.startLocked()
}

// startLocked spawns the capture process. The caller holds mu; it is
// released on every path.
func (s *Supervisor) startLocked() error {
	switch s.state {
	case StateStarting, StateStreaming:
		s.mu.Unlock()
		return nil
	}

	if len(s.cfg.StreamCommand) == 0 {
		s.mu.Unlock()
		return ErrNoStreamCommand
	}

	if s.retries >= s.cfg.MaxRetries {
		s.setStateLocked(StateFailed)
		s.scheduleResetLocked()
		s.mu.Unlock()
		return ErrRetriesExhausted
	}

	s.setStateLocked(StateStarting)

	// Spawn failures count against the retry budget like process failures
	fail := func(err error) error {
		s.log.Error().Err(err).Msg("Failed to spawn capture process")
		s.registerFailureLocked()
		s.mu.Unlock()
		return fmt.Errorf("failed to start capture process: %w", err)
	}

	cmd := exec.Command(s.cfg.StreamCommand[0], s.cfg.StreamCommand[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fail(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fail(err)
	}
	if err := cmd.Start(); err != nil {
		return fail(err)
	}

	s.cmd = cmd
	s.exited = make(chan struct{})
	s.stopping = false
	s.fatal = false
	s.gen++
	gen := s.gen
	exited := s.exited

	go s.readStdout(gen, stdout)
	go s.scanStderr(gen, stderr)
	go s.watchExit(gen, cmd, exited)

	s.setStateLocked(StateStreaming)
	pid := cmd.Process.Pid
	s.mu.Unlock()

	s.log.Info().Int("pid", pid).Strs("argv", s.cfg.StreamCommand).Msg("Capture process started")
	return nil
}

// Stop terminates the capture process with SIGTERM, escalating to SIGKILL
// after the stop timeout. It returns once the process has exited (or
// immediately if none is running).
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}

	if s.cmd == nil {
		switch s.state {
		case StateStarting, StateStreaming, StateCoolingDown:
			s.setStateLocked(StateIdle)
		}
		s.mu.Unlock()
		return
	}

	s.stopping = true
	cmd := s.cmd
	exited := s.exited
	s.mu.Unlock()

	s.terminate(cmd, exited)
}

// ResetRetries zeroes the retry counter. If viewers are waiting for preview
// and the supervisor is not running, it starts immediately.
func (s *Supervisor) ResetRetries() {
	s.mu.Lock()
	if s.resetTimer != nil {
		s.resetTimer.Stop()
		s.resetTimer = nil
	}
	s.retries = 0
	if s.state == StateFailed {
		s.setStateLocked(StateIdle)
	}
	idle := s.state == StateIdle
	waiters := s.hasWaiters
	s.mu.Unlock()

	s.log.Info().Msg("Retry counter reset")

	if idle && waiters != nil && waiters() {
		if err := s.Start(); err != nil {
			s.log.Error().Err(err).Msg("Restart after retry reset failed")
		}
	}
}

// terminate signals the process and waits for the exit watcher, escalating
// to SIGKILL once the stop timeout elapses
func (s *Supervisor) terminate(cmd *exec.Cmd, exited chan struct{}) {
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			s.log.Debug().Err(err).Msg("SIGTERM failed")
		}
	}

	select {
	case <-exited:
		return
	case <-time.After(s.cfg.StopTimeout):
	}

	s.log.Warn().Msg("Capture process ignored SIGTERM, killing")
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	<-exited
}

// readStdout forwards the continuous byte stream through a demuxer and emits
// complete frames. Each process run gets a fresh demuxer, so a frame
// truncated by a restart is simply never completed.
func (s *Supervisor) readStdout(gen uint64, r io.Reader) {
	demux := NewDemuxer(s.cfg.MaxFrameBuffer)
	buf := make([]byte, stdoutChunkSize)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			frames := demux.Append(buf[:n])
			if len(frames) > 0 {
				s.mu.Lock()
				current := s.gen == gen
				onFrame := s.onFrame
				s.mu.Unlock()
				if current && onFrame != nil {
					for _, f := range frames {
						onFrame(f)
					}
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// scanStderr watches diagnostic output for known fatal patterns. A match
// stops the process; the exit watcher then applies the shared retry policy,
// so the two failure triggers never double-count.
func (s *Supervisor) scanStderr(gen uint64, r io.Reader) {
	var pending []byte
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				idx := indexNewline(pending)
				if idx < 0 {
					break
				}
				line := strings.TrimSpace(string(pending[:idx]))
				pending = pending[idx+1:]
				if line == "" {
					continue
				}
				s.log.Debug().Str("stderr", line).Msg("Capture process output")
				if s.matchesFatal(line) {
					s.log.Error().Str("stderr", line).Msg("Fatal device error reported")
					s.stopOnFatal(gen)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func indexNewline(b []byte) int {
	for i, c := range b {
		if c == '\n' {
			return i
		}
	}
	return -1
}

func (s *Supervisor) matchesFatal(line string) bool {
	lower := strings.ToLower(line)
	for _, p := range s.cfg.FatalStderrPatterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func (s *Supervisor) stopOnFatal(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.cmd == nil || s.fatal {
		s.mu.Unlock()
		return
	}
	s.fatal = true
	cmd := s.cmd
	exited := s.exited
	s.mu.Unlock()

	s.terminate(cmd, exited)
}

// watchExit is the single place failures are counted. Both failure triggers
// (fatal stderr pattern, nonzero exit) converge here.
func (s *Supervisor) watchExit(gen uint64, cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	close(exited)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen {
		return
	}
	s.cmd = nil
	wasStopping := s.stopping
	wasFatal := s.fatal
	s.stopping = false
	s.fatal = false

	if wasStopping && !wasFatal {
		s.log.Info().Msg("Capture process stopped")
		s.setStateLocked(StateIdle)
		return
	}

	if err == nil && !wasFatal {
		// Clean unprompted exit; nothing to retry
		s.log.Info().Msg("Capture process exited cleanly")
		s.setStateLocked(StateIdle)
		return
	}

	s.log.Warn().Err(err).Bool("fatal_stderr", wasFatal).Msg("Capture process failed")
	s.registerFailureLocked()
}

// registerFailureLocked increments the shared retry counter and schedules
// either a restart or, once the budget is exhausted, a counter reset
func (s *Supervisor) registerFailureLocked() {
	s.retries++

	if s.retries >= s.cfg.MaxRetries {
		s.log.Error().Int("retries", s.retries).Msg("Retry budget exhausted")
		s.setStateLocked(StateFailed)
		s.scheduleResetLocked()
		return
	}

	s.setStateLocked(StateCoolingDown)
	s.log.Info().
		Int("retries", s.retries).
		Dur("cooldown", s.cfg.RetryCooldown).
		Msg("Scheduling capture process restart")

	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	gen := s.gen
	s.retryTimer = time.AfterFunc(s.cfg.RetryCooldown, func() {
		if err := s.retryStart(gen); err != nil {
			s.log.Error().Err(err).Msg("Scheduled restart failed")
		}
	})
}

func (s *Supervisor) scheduleResetLocked() {
	if s.resetTimer != nil {
		return
	}
	s.resetTimer = time.AfterFunc(s.cfg.ResetCooldown, s.ResetRetries)
	s.log.Info().Dur("cooldown", s.cfg.ResetCooldown).Msg("Scheduled retry counter reset")
}

func (s *Supervisor) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	s.notifyMu.Lock()
	s.notifyQ = append(s.notifyQ, st)
	s.notifyMu.Unlock()
	select {
	case s.notifyKick <- struct{}{}:
	default:
	}
}

// dispatchStates relays queued transitions to the state handler in order,
// outside the supervisor's mutex
func (s *Supervisor) dispatchStates() {
	for range s.notifyKick {
		for {
			s.notifyMu.Lock()
			if len(s.notifyQ) == 0 {
				s.notifyMu.Unlock()
				break
			}
			st := s.notifyQ[0]
			s.notifyQ = s.notifyQ[1:]
			s.notifyMu.Unlock()

			s.mu.Lock()
			fn := s.onState
			s.mu.Unlock()
			if fn != nil {
				fn(st)
			}
		}
	}
}
