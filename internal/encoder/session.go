package encoder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// State is the encoder session lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ErrSinkClosed is returned by writes against a drained or dead session.
var ErrSinkClosed = errors.New("encoder sink closed")

// stderrMaxLines bounds the in-memory stderr tail kept per session.
const stderrMaxLines = 100

// Session is one running FFmpeg process with three wired pipes: video on
// stdin, audio on the auxiliary fd 3, fMP4 on stdout. Sessions are
// replaced, never restarted in place.
type Session struct {
	// ID is a ULID, sortable by start time across restarts.
	ID string

	logger *slog.Logger
	cmd    *exec.Cmd

	state    atomic.Int32
	draining atomic.Bool

	videoMu     sync.Mutex
	videoIn     io.WriteCloser
	videoClosed bool

	audioMu     sync.Mutex
	audioIn     *os.File
	audioClosed bool

	stdout io.ReadCloser

	stderrMu    sync.Mutex
	stderrLines []string

	monitor *Monitor

	done      chan struct{}
	exitErr   error
	startedAt time.Time
}

// Start launches a new encoder session. The returned session is in the
// starting state; it transitions to running on the first stdout byte.
func Start(logger *slog.Logger, binary string, settings Settings) (*Session, error) {
	s := &Session{
		ID:     ulid.Make().String(),
		done:   make(chan struct{}),
		cmd:    exec.Command(binary, BuildArgs(settings)...),
		logger: logger.With(slog.String("component", "encoder")),
	}
	s.logger = s.logger.With(slog.String("sessionId", s.ID))
	s.state.Store(int32(StateStarting))

	videoIn, err := s.cmd.StdinPipe()
	if err != nil {
		s.state.Store(int32(StateTerminated))
		return nil, fmt.Errorf("opening video pipe: %w", err)
	}
	s.videoIn = videoIn

	audioRead, audioWrite, err := os.Pipe()
	if err != nil {
		s.state.Store(int32(StateTerminated))
		return nil, fmt.Errorf("opening audio pipe: %w", err)
	}
	// ExtraFiles[0] becomes fd 3 in the child, matching -i pipe:3.
	s.cmd.ExtraFiles = []*os.File{audioRead}
	s.audioIn = audioWrite

	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		s.state.Store(int32(StateTerminated))
		return nil, fmt.Errorf("opening output pipe: %w", err)
	}
	s.stdout = stdout

	stderr, err := s.cmd.StderrPipe()
	if err != nil {
		s.state.Store(int32(StateTerminated))
		return nil, fmt.Errorf("opening stderr pipe: %w", err)
	}

	if err := s.cmd.Start(); err != nil {
		audioRead.Close()
		audioWrite.Close()
		s.state.Store(int32(StateTerminated))
		return nil, fmt.Errorf("spawning encoder: %w", err)
	}
	s.startedAt = time.Now()
	// The child holds its own copy of the read end.
	audioRead.Close()

	if monitor, merr := NewMonitor(int32(s.cmd.Process.Pid)); merr != nil {
		s.logger.Debug("process monitor unavailable", slog.String("error", merr.Error()))
	} else {
		s.monitor = monitor
		s.monitor.Start()
	}

	s.logger.Info("encoder session started",
		slog.Int("pid", s.cmd.Process.Pid),
		slog.String("videoFormat", settings.VideoFormat),
		slog.Bool("shortKeyframes", settings.ShortKeyframes))

	go s.captureStderr(stderr)
	go s.wait()

	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Running reports whether the session has produced output and is alive.
func (s *Session) Running() bool {
	return s.State() == StateRunning
}

// Active reports whether the session is transcoding: either spawned and
// waiting on the first output byte, or already producing output.
func (s *Session) Active() bool {
	st := s.State()
	return st == StateStarting || st == StateRunning
}

// Output returns the fMP4 stream. The first successful read flips the
// session from starting to running.
func (s *Session) Output() io.Reader {
	return &outputReader{session: s}
}

// WriteVideo writes one video frame to the primary input. Writes are
// serialized by the sink's own lock so driver callbacks may be parallel.
func (s *Session) WriteVideo(p []byte) error {
	s.videoMu.Lock()
	defer s.videoMu.Unlock()
	if s.videoClosed {
		return ErrSinkClosed
	}
	if _, err := s.videoIn.Write(p); err != nil {
		return fmt.Errorf("writing video frame: %w", err)
	}
	return nil
}

// WriteAudio writes one audio frame to the auxiliary input.
func (s *Session) WriteAudio(p []byte) error {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	if s.audioClosed {
		return ErrSinkClosed
	}
	if _, err := s.audioIn.Write(p); err != nil {
		return fmt.Errorf("writing audio frame: %w", err)
	}
	return nil
}

// Drain closes both input sinks, waits up to timeout for the process to
// flush and exit, then force-kills it. Idempotent.
func (s *Session) Drain(timeout time.Duration) {
	if !s.draining.CompareAndSwap(false, true) {
		return
	}
	if s.State() != StateTerminated {
		s.state.Store(int32(StateDraining))
	}
	s.closeSinks()

	select {
	case <-s.done:
	case <-time.After(timeout):
		s.logger.Warn("encoder did not drain in time, killing",
			slog.Duration("timeout", timeout))
		s.Kill()
		<-s.done
	}
}

// Kill terminates the process immediately without waiting for a flush.
func (s *Session) Kill() {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

// Done is closed when the process has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the process exit error. Valid only after Done is closed.
func (s *Session) Err() error {
	return s.exitErr
}

// Unexpected reports whether the exit happened without a Drain request.
func (s *Session) Unexpected() bool {
	return !s.draining.Load()
}

// StderrTail returns a copy of the captured stderr tail.
func (s *Session) StderrTail() []string {
	s.stderrMu.Lock()
	defer s.stderrMu.Unlock()
	out := make([]string, len(s.stderrLines))
	copy(out, s.stderrLines)
	return out
}

// Stats returns the latest process resource sample, if monitoring is up.
func (s *Session) Stats() (Stats, bool) {
	if s.monitor == nil {
		return Stats{}, false
	}
	return s.monitor.Stats(), true
}

// Uptime returns how long the process has been alive.
func (s *Session) Uptime() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

func (s *Session) closeSinks() {
	s.videoMu.Lock()
	if !s.videoClosed {
		s.videoClosed = true
		_ = s.videoIn.Close()
	}
	s.videoMu.Unlock()

	s.audioMu.Lock()
	if !s.audioClosed {
		s.audioClosed = true
		_ = s.audioIn.Close()
	}
	s.audioMu.Unlock()
}

func (s *Session) wait() {
	err := s.cmd.Wait()
	s.exitErr = err

	if s.monitor != nil {
		stats := s.monitor.Stats()
		s.monitor.Stop()
		s.logger.Info("encoder session ended",
			slog.Duration("uptime", s.Uptime()),
			slog.Float64("cpuPercent", stats.CPUPercent),
			slog.Uint64("rssBytes", stats.RSSBytes))
	}

	if err != nil && s.Unexpected() {
		s.logger.Error("encoder exited unexpectedly", slog.String("error", err.Error()))
		for _, line := range s.StderrTail() {
			s.logger.Warn("encoder stderr", slog.String("line", line))
		}
	}

	s.closeSinks()
	s.state.Store(int32(StateTerminated))
	close(s.done)
}

func (s *Session) captureStderr(stderr io.ReadCloser) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		s.stderrMu.Lock()
		s.stderrLines = append(s.stderrLines, line)
		if len(s.stderrLines) > stderrMaxLines {
			s.stderrLines = s.stderrLines[1:]
		}
		s.stderrMu.Unlock()
	}
}

// outputReader flips starting→running on the first byte out of FFmpeg.
type outputReader struct {
	session *Session
	seen    bool
}

func (r *outputReader) Read(p []byte) (int, error) {
	n, err := r.session.stdout.Read(p)
	if n > 0 && !r.seen {
		r.seen = true
		if r.session.state.CompareAndSwap(int32(StateStarting), int32(StateRunning)) {
			r.session.logger.Info("encoder producing output")
		}
	}
	return n, err
}
