package supervisor

import (
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	// Lines kept once the process has started; pre-startup text is kept whole.
	maxDiagnosticLines = 500
	// Lines copied into an ErrorRecord.
	errorOutputLines = 40
)

// ProcessHandle owns one spawned transcoder. Only the Supervisor holds
// references to it.
type ProcessHandle struct {
	id           StreamID
	runID        uuid.UUID
	cmd          *exec.Cmd
	command      Command
	request      StreamRequest
	manifestPath string
	playbackURL  string
	spawnedAt    time.Time

	mu            sync.Mutex
	diagnostics   []string
	errClass      ErrorClass
	errLine       string
	started       bool // startup marker seen
	ready         bool // manifest seen
	readyAt       time.Time
	exitCode      *int
	stopRequested bool
	killTimer     *time.Timer

	abort     chan struct{} // closed by stop or shutdown
	abortOnce sync.Once
	exited    chan struct{} // closed once the process is reaped
}

func newProcessHandle(req StreamRequest, cmd *exec.Cmd, command Command, manifestPath, playbackURL string) *ProcessHandle {
	return &ProcessHandle{
		id:           req.ID,
		runID:        uuid.New(),
		cmd:          cmd,
		command:      command,
		request:      req,
		manifestPath: manifestPath,
		playbackURL:  playbackURL,
		spawnedAt:    time.Now(),
		abort:        make(chan struct{}),
		exited:       make(chan struct{}),
	}
}

func (h *ProcessHandle) pid() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// appendDiagnostic records one line of transcoder output and updates the
// error class. Before the startup marker the whole accumulated text is
// reclassified, so a later, more specific match replaces an earlier one.
// The first marker clears any class. After it, markers are plain output
// (the muxer logs "Opening" for every segment) and any match is a runtime
// failure.
func (h *ProcessHandle) appendDiagnostic(line string) (ErrorClass, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev := h.errClass
	h.diagnostics = append(h.diagnostics, line)

	switch {
	case !h.started && IsStartupMarker(line):
		h.started = true
		h.errClass = ClassNone
		h.errLine = ""
	case !h.started:
		if c := Classify(strings.Join(h.diagnostics, "\n")); c != ClassNone {
			h.errClass = c
			h.errLine = line
		}
	default:
		if Classify(line) != ClassNone {
			h.errClass = ClassRuntimeFailure
			h.errLine = line
		}
		if len(h.diagnostics) > maxDiagnosticLines {
			h.diagnostics = append(h.diagnostics[:0:0], h.diagnostics[len(h.diagnostics)-maxDiagnosticLines:]...)
		}
	}
	return h.errClass, h.errClass != prev
}

func (h *ProcessHandle) markReady() {
	h.mu.Lock()
	h.ready = true
	h.readyAt = time.Now()
	h.mu.Unlock()
}

// finish records the exit code, settles the final error class and wakes every
// waiter. It returns the class to report, or ClassNone for a requested stop
// or a clean exit after readiness.
func (h *ProcessHandle) finish(code int) ErrorClass {
	h.mu.Lock()
	h.exitCode = &code
	if h.killTimer != nil {
		h.killTimer.Stop()
	}
	switch {
	case h.stopRequested:
		// Termination was asked for; the exit code reflects the signal.
	case !h.ready:
		if h.errClass == ClassNone {
			h.errClass = ClassUnknown
		}
	case code != 0:
		h.errClass = ClassRuntimeFailure
	}
	class := h.errClass
	if h.stopRequested {
		class = ClassNone
	}
	h.mu.Unlock()

	close(h.exited)
	return class
}

// requestAbort rejects a pending readiness wait without touching the process.
func (h *ProcessHandle) requestAbort() {
	h.abortOnce.Do(func() { close(h.abort) })
}

// terminate asks the process to exit and schedules a forced kill after
// killAfter. The kill is cancelled by finish if the process exits first.
func (h *ProcessHandle) terminate(killAfter time.Duration, log *slog.Logger) {
	h.requestAbort()

	h.mu.Lock()
	if h.stopRequested {
		h.mu.Unlock()
		return
	}
	h.stopRequested = true
	h.mu.Unlock()

	select {
	case <-h.exited:
		return
	default:
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return
		}
		// Windows cannot signal a child process; Kill is all there is.
		log.Debug("terminate signal failed, killing", slog.String("stream_id", string(h.id)), slog.String("error", err.Error()))
		h.kill(log)
		return
	}

	timer := time.AfterFunc(killAfter, func() {
		select {
		case <-h.exited:
		default:
			log.Warn("transcoder did not exit in time, killing",
				slog.String("stream_id", string(h.id)),
				slog.Int("pid", h.pid()),
				slog.Duration("after", killAfter))
			h.kill(log)
		}
	})

	h.mu.Lock()
	h.killTimer = timer
	if h.exitCode != nil {
		timer.Stop()
	}
	h.mu.Unlock()
}

func (h *ProcessHandle) kill(log *slog.Logger) {
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Error("kill transcoder failed", slog.String("stream_id", string(h.id)), slog.String("error", err.Error()))
	}
}

type handleSnapshot struct {
	errClass      ErrorClass
	errLine       string
	started       bool
	ready         bool
	readyAt       time.Time
	exitCode      *int
	stopRequested bool
	output        string
}

func (h *ProcessHandle) snapshot() handleSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	tail := h.diagnostics
	if len(tail) > errorOutputLines {
		tail = tail[len(tail)-errorOutputLines:]
	}
	return handleSnapshot{
		errClass:      h.errClass,
		errLine:       h.errLine,
		started:       h.started,
		ready:         h.ready,
		readyAt:       h.readyAt,
		exitCode:      h.exitCode,
		stopRequested: h.stopRequested,
		output:        strings.Join(tail, "\n"),
	}
}

// lines returns a copy of the accumulated diagnostic lines.
func (h *ProcessHandle) lines() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.diagnostics))
	copy(out, h.diagnostics)
	return out
}

func (h *ProcessHandle) status() StatusRecord {
	snap := h.snapshot()
	rec := StatusRecord{
		ID:           h.id,
		Phase:        PhaseStarting,
		PID:          h.pid(),
		ManifestPath: h.manifestPath,
		PlaybackURL:  h.playbackURL,
		ErrorClass:   snap.errClass,
		ErrorMessage: Guidance(snap.errClass),
	}
	started := h.spawnedAt
	rec.StartedAt = &started
	if snap.ready {
		rec.Phase = PhaseRunning
	}
	return rec
}
