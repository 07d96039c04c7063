package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"rtsp2hls/internal/platform/logger"
)

const (
	DefaultKillTimeout = 3 * time.Second
	DefaultStopGrace   = 500 * time.Millisecond

	// Time allowed for stderr to drain after the process exited.
	waitDelay = 2 * time.Second
)

var (
	errAborted = errors.New("readiness wait aborted")
	errExited  = errors.New("process exited")
)

// Recorder receives stream lifecycle metrics. *metrics.Metrics implements it.
type Recorder interface {
	ObserveReady(d time.Duration)
	IncStopped()
	IncFailure(class string)
}

type noopRecorder struct{}

func (noopRecorder) ObserveReady(time.Duration) {}
func (noopRecorder) IncStopped()                {}
func (noopRecorder) IncFailure(string)          {}

// Config configures a Supervisor. Zero durations fall back to the defaults.
type Config struct {
	OutputDir        string
	PlaybackBaseURL  string // e.g. http://localhost:8080/hls
	PollInterval     time.Duration
	ReadinessTimeout time.Duration
	KillTimeout      time.Duration
	StopGrace        time.Duration
	Tool             ToolChecker
	Log              *slog.Logger
	Metrics          Recorder

	// MaxStreams returns the limit on tracked processes; zero or a nil
	// func means unlimited. It is read on every start.
	MaxStreams func() int
}

// Supervisor owns the identifier to process mapping. Every map mutation and
// every spawn happen under mu, so for one identifier start and stop are
// serialized while different identifiers proceed concurrently.
type Supervisor struct {
	cfg     Config
	log     *slog.Logger
	metrics Recorder
	poller  Poller

	mu       sync.Mutex
	handles  map[StreamID]*ProcessHandle
	errors   map[StreamID]*ErrorRecord
	draining map[*ProcessHandle]struct{} // stopped, not yet reaped

	shuttingDown atomic.Bool

	subMu       sync.Mutex
	subscribers map[int]chan StatusEvent
	nextSub     int
}

// New creates a Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ReadinessTimeout <= 0 {
		cfg.ReadinessTimeout = DefaultReadinessTimeout
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = DefaultKillTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.Tool == nil {
		cfg.Tool = NewToolLocator("")
	}
	if cfg.Log == nil {
		cfg.Log = logger.Discard()
	}
	var rec Recorder = noopRecorder{}
	if cfg.Metrics != nil {
		rec = cfg.Metrics
	}
	return &Supervisor{
		cfg:         cfg,
		log:         cfg.Log,
		metrics:     rec,
		poller:      Poller{Interval: cfg.PollInterval, Timeout: cfg.ReadinessTimeout},
		handles:     make(map[StreamID]*ProcessHandle),
		errors:      make(map[StreamID]*ErrorRecord),
		draining:    make(map[*ProcessHandle]struct{}),
		subscribers: make(map[int]chan StatusEvent),
	}
}

// OutputDir is the default output directory for requests without one.
func (s *Supervisor) OutputDir() string { return s.cfg.OutputDir }

// CheckTool runs the external tool check without starting anything.
func (s *Supervisor) CheckTool(ctx context.Context) ToolInfo {
	return s.cfg.Tool.Check(ctx)
}

// PlaybackURL is the URL a player uses for id's manifest.
func (s *Supervisor) PlaybackURL(id StreamID) string {
	return strings.TrimRight(s.cfg.PlaybackBaseURL, "/") + "/" + url.PathEscape(ManifestName(id))
}

// Start spawns a transcoder for req and blocks until its manifest appears,
// the process fails, the stream is stopped, shutdown begins, ctx is
// cancelled, or the readiness timeout elapses. Every failure is a *StartError.
func (s *Supervisor) Start(ctx context.Context, req StreamRequest) (ReadyInfo, error) {
	if s.shuttingDown.Load() {
		return ReadyInfo{}, newStartError(req.ID, ErrShuttingDown, ClassNone, nil)
	}

	req = req.withDefaults(s.cfg.OutputDir)
	if err := req.Validate(); err != nil {
		return ReadyInfo{}, newStartError(req.ID, ErrInvalidRequest, ClassNone, err)
	}
	// Playback URLs and cleanup only cover the served directory.
	if !sameDir(req.OutputDirectory, s.cfg.OutputDir) {
		err := fmt.Errorf("output directory %q is not the served directory", req.OutputDirectory)
		return ReadyInfo{}, newStartError(req.ID, ErrInvalidRequest, ClassNone, err)
	}

	tool := s.cfg.Tool.Check(ctx)
	if !tool.Available {
		var cause error
		if tool.Error != "" {
			cause = errors.New(tool.Error)
		}
		s.log.Warn("transcoder unavailable, start rejected",
			slog.String("stream_id", string(req.ID)),
			slog.String("error", tool.Error))
		return ReadyInfo{}, newStartError(req.ID, ErrToolUnavailable, ClassNone, cause)
	}

	h, err := s.spawn(req, tool.Path)
	if err != nil {
		return ReadyInfo{}, err
	}

	s.log.Info("transcoder started",
		slog.String("stream_id", string(h.id)),
		slog.String("run_id", h.runID.String()),
		slog.Int("pid", h.pid()),
		slog.String("source", logger.RedactURL(req.SourceURL)),
		slog.String("manifest", h.manifestPath))

	return s.awaitReady(ctx, h)
}

func (s *Supervisor) spawn(req StreamRequest, binary string) (*ProcessHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shuttingDown.Load() {
		return nil, newStartError(req.ID, ErrShuttingDown, ClassNone, nil)
	}
	if _, ok := s.handles[req.ID]; ok {
		return nil, newStartError(req.ID, ErrAlreadyRunning, ClassNone, nil)
	}
	if limit := s.maxStreams(); limit > 0 && len(s.handles) >= limit {
		return nil, newStartError(req.ID, ErrTooManyStreams, ClassNone, fmt.Errorf("%w: limit is %d", ErrTooManyStreams, limit))
	}

	if err := os.MkdirAll(req.OutputDirectory, 0o755); err != nil {
		return nil, newStartError(req.ID, ErrOutputUnavailable, ClassFileAccess, err)
	}
	manifestPath := filepath.Join(req.OutputDirectory, ManifestName(req.ID))
	// A manifest left by an earlier run would satisfy readiness immediately.
	if err := os.Remove(manifestPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, newStartError(req.ID, ErrOutputUnavailable, ClassFileAccess, err)
	}

	command := BuildTranscodeCommand(binary, req, manifestPath)
	cmd := exec.Command(command.Binary, command.Args...)
	diagR, diagW := io.Pipe()
	cmd.Stderr = diagW
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		diagW.Close()
		diagR.Close()
		s.log.Error("transcoder spawn failed",
			slog.String("stream_id", string(req.ID)),
			slog.String("binary", binary),
			slog.String("error", err.Error()))
		// The located binary may have gone away; look again next time.
		if c, ok := s.cfg.Tool.(interface{ Clear() }); ok {
			c.Clear()
		}
		return nil, newStartError(req.ID, ErrSpawnFailure, ClassNone, err)
	}

	h := newProcessHandle(req, cmd, command, manifestPath, s.PlaybackURL(req.ID))
	s.handles[req.ID] = h
	delete(s.errors, req.ID)

	// Published before the watcher exists so "starting" precedes any exit event.
	s.publish(h, PhaseStarting, nil)
	go s.watch(h, diagR, diagW)
	return h, nil
}

func (s *Supervisor) awaitReady(ctx context.Context, h *ProcessHandle) (ReadyInfo, error) {
	waitCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	go func() {
		select {
		case <-h.abort:
			cancel(errAborted)
		case <-h.exited:
			cancel(errExited)
		case <-waitCtx.Done():
		}
	}()

	state, err := s.poller.Wait(waitCtx, h.manifestPath)
	log := s.log.With(slog.String("stream_id", string(h.id)), slog.String("run_id", h.runID.String()))

	if state == Ready && !s.claimReady(h) {
		// Stopped or exited between the stat and now.
		state, err = Aborted, errAborted
		select {
		case <-h.exited:
			err = errExited
		default:
		}
	}

	switch state {
	case Ready:
		elapsed := time.Since(h.spawnedAt)
		s.metrics.ObserveReady(elapsed)
		log.Info("stream ready", slog.Duration("elapsed", elapsed), slog.String("playback_url", h.playbackURL))
		return ReadyInfo{ID: h.id, PlaybackURL: h.playbackURL, ManifestPath: h.manifestPath}, nil

	case TimedOut:
		s.release(h)
		snap := h.snapshot()
		class := snap.errClass
		s.recordError(h, classOrUnknown(class), fmt.Sprintf("no manifest after %s", s.cfg.ReadinessTimeout))
		s.metrics.IncFailure("timeout")
		log.Warn("stream readiness timed out", slog.Duration("timeout", s.cfg.ReadinessTimeout), slog.String("class", string(class)))
		return ReadyInfo{}, newStartError(h.id, ErrReadinessTimeout, class, fmt.Errorf("no manifest after %s", s.cfg.ReadinessTimeout))

	case Failed:
		s.release(h)
		s.recordError(h, ClassFileAccess, err.Error())
		s.metrics.IncFailure(string(ClassFileAccess))
		log.Error("manifest check failed", slog.String("error", err.Error()))
		return ReadyInfo{}, newStartError(h.id, ErrOutputUnavailable, ClassFileAccess, err)
	}

	// Aborted: the cause tells who interrupted the wait.
	switch {
	case errors.Is(err, errExited):
		snap := h.snapshot()
		if snap.stopRequested {
			return ReadyInfo{}, newStartError(h.id, ErrStoppedDuringStartup, ClassNone, nil)
		}
		code := -1
		if snap.exitCode != nil {
			code = *snap.exitCode
		}
		log.Warn("transcoder exited before readiness", slog.Int("exit_code", code), slog.String("class", string(snap.errClass)))
		return ReadyInfo{}, newStartError(h.id, ErrProcessExited, snap.errClass, fmt.Errorf("exit code %d", code))

	case errors.Is(err, errAborted):
		s.release(h)
		log.Info("start interrupted by stop")
		return ReadyInfo{}, newStartError(h.id, ErrStoppedDuringStartup, ClassNone, nil)

	default:
		s.release(h)
		log.Info("start cancelled by caller", slog.String("cause", fmt.Sprint(err)))
		return ReadyInfo{}, newStartError(h.id, ErrStoppedDuringStartup, ClassNone, err)
	}
}

// claimReady marks h ready if it is still the live handle for its
// identifier. The running event is published under mu so it cannot follow
// the stopped event of a concurrent Stop.
func (s *Supervisor) claimReady(h *ProcessHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handles[h.id] != h {
		return false
	}
	select {
	case <-h.abort:
		return false
	case <-h.exited:
		return false
	default:
	}
	h.markReady()
	s.publish(h, PhaseRunning, nil)
	return true
}

func (s *Supervisor) maxStreams() int {
	if s.cfg.MaxStreams == nil {
		return 0
	}
	return s.cfg.MaxStreams()
}

func sameDir(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}

// watch forwards diagnostics to the handle and reaps the process.
func (s *Supervisor) watch(h *ProcessHandle, diag *io.PipeReader, w *io.PipeWriter) {
	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		s.scanDiagnostics(h, diag)
	}()

	waitErr := h.cmd.Wait()
	w.Close()
	<-scanned

	code := -1
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}
	class := h.finish(code)
	s.onExit(h, code, class, waitErr)
}

func (s *Supervisor) scanDiagnostics(h *ProcessHandle, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	sc.Split(scanLines)

	log := s.log.With(slog.String("stream_id", string(h.id)))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		log.Debug("transcoder", slog.String("line", line))

		class, changed := h.appendDiagnostic(line)
		if changed && class != ClassNone {
			log.Warn("transcoder diagnostic classified", slog.String("class", string(class)), slog.String("line", line))
		}
	}
	if err := sc.Err(); err != nil {
		log.Warn("diagnostic stream unreadable", slog.String("error", err.Error()))
	}
	// Keep the writer unblocked until the process is gone.
	_, _ = io.Copy(io.Discard, r)
}

// scanLines splits on \n or \r; the transcoder rewrites progress lines with \r.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (s *Supervisor) onExit(h *ProcessHandle, code int, class ErrorClass, waitErr error) {
	s.mu.Lock()
	delete(s.draining, h)
	current := s.handles[h.id] == h
	if current {
		delete(s.handles, h.id)
	}
	s.mu.Unlock()

	log := s.log.With(
		slog.String("stream_id", string(h.id)),
		slog.String("run_id", h.runID.String()),
		slog.Int("exit_code", code))

	if !current {
		log.Debug("stopped transcoder reaped")
		return
	}

	if class == ClassNone {
		log.Info("transcoder exited")
		s.publish(h, PhaseStopped, &code)
		return
	}

	s.recordError(h, class, "")
	s.metrics.IncFailure(string(class))
	attrs := []any{slog.String("class", string(class))}
	if waitErr != nil {
		attrs = append(attrs, slog.String("error", waitErr.Error()))
	}
	log.Warn("transcoder failed", attrs...)
	s.publish(h, PhaseError, &code)
}

// release removes h from the map if it is still the current handle for its
// identifier and terminates it. It reports whether h was current.
func (s *Supervisor) release(h *ProcessHandle) bool {
	s.mu.Lock()
	current := s.handles[h.id] == h
	if current {
		delete(s.handles, h.id)
	}
	select {
	case <-h.exited:
	default:
		s.draining[h] = struct{}{}
	}
	s.mu.Unlock()

	h.terminate(s.cfg.KillTimeout, s.log)
	return current
}

func (s *Supervisor) recordError(h *ProcessHandle, class ErrorClass, detail string) {
	snap := h.snapshot()
	msg := Guidance(class)
	if detail != "" {
		msg = strings.TrimSpace(msg + " (" + detail + ")")
	}
	rec := &ErrorRecord{
		ID:        h.id,
		Class:     class,
		Message:   msg,
		Output:    snap.output,
		Timestamp: time.Now(),
	}

	s.mu.Lock()
	// A newer run owns the identifier; its state must not be overwritten.
	if _, running := s.handles[h.id]; !running {
		s.errors[h.id] = rec
	}
	s.mu.Unlock()
}

// Stop terminates the process for id. It returns false when nothing is
// tracked for id. The identifier is free for a new Start as soon as Stop
// returns, even if the old process has not exited yet.
func (s *Supervisor) Stop(id StreamID) bool {
	s.mu.Lock()
	h, ok := s.handles[id]
	if ok {
		delete(s.errors, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	if !s.release(h) {
		// Lost a race with another Stop or the exit watcher.
		return false
	}

	s.metrics.IncStopped()
	s.log.Info("stream stopped", slog.String("stream_id", string(id)), slog.Int("pid", h.pid()))
	s.publish(h, PhaseStopped, nil)
	return true
}

// StopAll stops every tracked stream, then waits the stop grace window so
// the processes can release their files before the caller cleans up.
func (s *Supervisor) StopAll(ctx context.Context) int {
	s.mu.Lock()
	ids := make([]StreamID, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	stopped := 0
	for _, id := range ids {
		if s.Stop(id) {
			stopped++
		}
	}

	t := time.NewTimer(s.cfg.StopGrace)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
	return stopped
}

// BeginShutdown rejects all future starts and aborts every pending
// readiness wait. Running processes are left to StopAll.
func (s *Supervisor) BeginShutdown() {
	s.shuttingDown.Store(true)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handles {
		h.requestAbort()
	}
}

// ShuttingDown reports whether BeginShutdown was called.
func (s *Supervisor) ShuttingDown() bool {
	return s.shuttingDown.Load()
}

// Drain waits until every stopped process has been reaped. When ctx ends
// first the stragglers are killed and ctx's error is returned.
func (s *Supervisor) Drain(ctx context.Context) error {
	s.mu.Lock()
	pending := make([]*ProcessHandle, 0, len(s.draining))
	for h := range s.draining {
		pending = append(pending, h)
	}
	s.mu.Unlock()

	for i, h := range pending {
		select {
		case <-h.exited:
		case <-ctx.Done():
			for _, rest := range pending[i:] {
				select {
				case <-rest.exited:
				default:
					s.log.Warn("killing transcoder at shutdown", slog.String("stream_id", string(rest.id)), slog.Int("pid", rest.pid()))
					rest.kill(s.log)
				}
			}
			return ctx.Err()
		}
	}
	return nil
}

// Status reports the current state of id. Untracked identifiers are
// "stopped", or "error" while a failure record is kept for them.
func (s *Supervisor) Status(id StreamID) StatusRecord {
	s.mu.Lock()
	h, ok := s.handles[id]
	rec := s.errors[id]
	s.mu.Unlock()

	if ok {
		return h.status()
	}
	if rec != nil {
		return StatusRecord{ID: id, Phase: PhaseError, ErrorClass: rec.Class, ErrorMessage: rec.Message}
	}
	return StatusRecord{ID: id, Phase: PhaseStopped}
}

// StatusAll reports every tracked stream ordered by identifier.
func (s *Supervisor) StatusAll() []StatusRecord {
	s.mu.Lock()
	handles := make([]*ProcessHandle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	sort.Slice(handles, func(i, j int) bool { return handles[i].id < handles[j].id })
	out := make([]StatusRecord, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.status())
	}
	return out
}

// ProcessInfo reports whether id has a tracked process and its pid.
func (s *Supervisor) ProcessInfo(id StreamID) (running bool, pid int) {
	s.mu.Lock()
	h, ok := s.handles[id]
	s.mu.Unlock()
	if !ok {
		return false, 0
	}
	return true, h.pid()
}

// LastError returns the kept failure record for id, or a live record when a
// running process currently carries an error class. Nil means no error.
func (s *Supervisor) LastError(id StreamID) *ErrorRecord {
	s.mu.Lock()
	h, ok := s.handles[id]
	rec := s.errors[id]
	s.mu.Unlock()

	if rec != nil {
		cp := *rec
		return &cp
	}
	if !ok {
		return nil
	}
	snap := h.snapshot()
	if snap.errClass == ClassNone {
		return nil
	}
	return &ErrorRecord{
		ID:        id,
		Class:     snap.errClass,
		Message:   Guidance(snap.errClass),
		Output:    snap.output,
		Timestamp: time.Now(),
	}
}

// ClearError forgets the failure record for id.
func (s *Supervisor) ClearError(id StreamID) {
	s.mu.Lock()
	delete(s.errors, id)
	s.mu.Unlock()
}

// ActiveCount is the number of tracked processes.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Subscribe returns a channel of status events and a function that ends the
// subscription. Events are dropped for subscribers whose buffer is full.
func (s *Supervisor) Subscribe(buffer int) (<-chan StatusEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan StatusEvent, buffer)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subscribers, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *Supervisor) publish(h *ProcessHandle, phase Phase, exitCode *int) {
	status := h.status()
	status.Phase = phase
	if phase == PhaseStopped {
		status.PID = 0
		status.ErrorClass = ClassNone
		status.ErrorMessage = ""
	}
	ev := StatusEvent{Status: status, ExitCode: exitCode, At: time.Now()}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func classOrUnknown(c ErrorClass) ErrorClass {
	if c == ClassNone {
		return ClassUnknown
	}
	return c
}
