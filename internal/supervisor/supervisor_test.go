package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTool struct{ info ToolInfo }

func (s staticTool) Check(context.Context) ToolInfo { return s.info }

// fakeTranscoder writes a shell script that answers -version and exposes the
// last argument (the manifest path) as $MANIFEST to body.
func fakeTranscoder(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script transcoder needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\n" +
		"if [ \"$1\" = \"-version\" ]; then echo 'ffmpeg version 6.0-test'; exit 0; fi\n" +
		"for MANIFEST; do :; done\n" +
		body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestSupervisor(t *testing.T, binary string, mutate ...func(*Config)) *Supervisor {
	t.Helper()
	cfg := Config{
		OutputDir:        t.TempDir(),
		PlaybackBaseURL:  "http://localhost:8080/hls",
		PollInterval:     20 * time.Millisecond,
		ReadinessTimeout: 5 * time.Second,
		KillTimeout:      200 * time.Millisecond,
		StopGrace:        10 * time.Millisecond,
		Tool:             staticTool{ToolInfo{Available: true, Path: binary}},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s := New(cfg)
	t.Cleanup(func() {
		s.BeginShutdown()
		s.StopAll(context.Background())
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Drain(ctx)
	})
	return s
}

const (
	readyBody = `echo "Stream mapping:" >&2
touch "$MANIFEST"
exec sleep 30`
	hangBody = `exec sleep 30`
)

func startErr(t *testing.T, err error) *StartError {
	t.Helper()
	var se *StartError
	require.ErrorAs(t, err, &se)
	return se
}

func TestStart_ReadyReturnsPlaybackURL(t *testing.T) {
	s := newTestSupervisor(t, fakeTranscoder(t, readyBody))

	info, err := s.Start(context.Background(), StreamRequest{ID: "cam1", SourceURL: "rtsp://x/1"})
	require.NoError(t, err)
	assert.Equal(t, StreamID("cam1"), info.ID)
	assert.Equal(t, "http://localhost:8080/hls/cam1.m3u8", info.PlaybackURL)
	assert.Equal(t, filepath.Join(s.OutputDir(), "cam1.m3u8"), info.ManifestPath)

	st := s.Status("cam1")
	assert.Equal(t, PhaseRunning, st.Phase)
	assert.NotZero(t, st.PID)
	require.NotNil(t, st.StartedAt)

	running, pid := s.ProcessInfo("cam1")
	assert.True(t, running)
	assert.Equal(t, st.PID, pid)
}

func TestStart_AlreadyRunningDoesNotSpawn(t *testing.T) {
	s := newTestSupervisor(t, fakeTranscoder(t, hangBody))

	first := make(chan error, 1)
	go func() {
		_, err := s.Start(context.Background(), StreamRequest{ID: "cam1", SourceURL: "rtsp://x/1"})
		first <- err
	}()
	require.Eventually(t, func() bool { return s.ActiveCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	_, pid := s.ProcessInfo("cam1")

	_, err := s.Start(context.Background(), StreamRequest{ID: "cam1", SourceURL: "rtsp://x/1"})
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, 1, s.ActiveCount())
	_, pidAfter := s.ProcessInfo("cam1")
	assert.Equal(t, pid, pidAfter)

	require.True(t, s.Stop("cam1"))
	select {
	case err := <-first:
		require.ErrorIs(t, err, ErrStoppedDuringStartup)
	case <-time.After(3 * time.Second):
		t.Fatal("pending start did not resolve after stop")
	}
}

func TestStop_UnknownIsNoop(t *testing.T) {
	s := newTestSupervisor(t, fakeTranscoder(t, hangBody))

	assert.False(t, s.Stop("never-started"))
	assert.Equal(t, PhaseStopped, s.Status("never-started").Phase)
	assert.Empty(t, s.StatusAll())
}

func TestStop_IsIdempotentAndFreesIdentifier(t *testing.T) {
	s := newTestSupervisor(t, fakeTranscoder(t, readyBody))
	ctx := context.Background()

	_, err := s.Start(ctx, StreamRequest{ID: "cam1", SourceURL: "rtsp://x/1"})
	require.NoError(t, err)

	assert.True(t, s.Stop("cam1"))
	assert.False(t, s.Stop("cam1"))
	assert.Equal(t, PhaseStopped, s.Status("cam1").Phase)

	_, err = s.Start(ctx, StreamRequest{ID: "cam1", SourceURL: "rtsp://x/1"})
	require.NoError(t, err)
	assert.Equal(t, PhaseRunning, s.Status("cam1").Phase)
}

func TestStart_ProcessExitClassifiesDiagnostics(t *testing.T) {
	body := `echo "[tcp @ 0x1] Connection to tcp://10.0.0.1:554 failed: Connection refused" >&2
exit 1`
	s := newTestSupervisor(t, fakeTranscoder(t, body))

	_, err := s.Start(context.Background(), StreamRequest{ID: "cam1", SourceURL: "rtsp://10.0.0.1/1"})
	require.ErrorIs(t, err, ErrProcessExited)
	se := startErr(t, err)
	assert.Equal(t, ClassConnection, se.Class)
	assert.Equal(t, Guidance(ClassConnection), se.Message)

	require.Eventually(t, func() bool { return s.LastError("cam1") != nil }, 2*time.Second, 10*time.Millisecond)
	rec := s.LastError("cam1")
	assert.Equal(t, ClassConnection, rec.Class)
	assert.Contains(t, rec.Output, "Connection refused")
	assert.Equal(t, PhaseError, s.Status("cam1").Phase)

	s.ClearError("cam1")
	assert.Nil(t, s.LastError("cam1"))
	assert.Equal(t, PhaseStopped, s.Status("cam1").Phase)
}

func TestStart_SilentExitIsUnknown(t *testing.T) {
	s := newTestSupervisor(t, fakeTranscoder(t, "exit 1"))

	_, err := s.Start(context.Background(), StreamRequest{ID: "cam1", SourceURL: "rtsp://x/1"})
	require.ErrorIs(t, err, ErrProcessExited)
	assert.Equal(t, ClassUnknown, startErr(t, err).Class)
}

func TestStart_ReadinessTimeoutStopsProcess(t *testing.T) {
	s := newTestSupervisor(t, fakeTranscoder(t, hangBody), func(c *Config) {
		c.ReadinessTimeout = 150 * time.Millisecond
	})

	_, err := s.Start(context.Background(), StreamRequest{ID: "cam1", SourceURL: "rtsp://x/1"})
	require.ErrorIs(t, err, ErrReadinessTimeout)
	assert.Zero(t, s.ActiveCount())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.Drain(ctx))

	rec := s.LastError("cam1")
	require.NotNil(t, rec)
	assert.Equal(t, ClassUnknown, rec.Class)
}

func TestStart_StaleManifestDoesNotSatisfyReadiness(t *testing.T) {
	s := newTestSupervisor(t, fakeTranscoder(t, hangBody), func(c *Config) {
		c.ReadinessTimeout = 150 * time.Millisecond
	})
	stale := filepath.Join(s.OutputDir(), "cam1.m3u8")
	require.NoError(t, os.WriteFile(stale, []byte("#EXTM3U\n"), 0o644))

	_, err := s.Start(context.Background(), StreamRequest{ID: "cam1", SourceURL: "rtsp://x/1"})
	require.ErrorIs(t, err, ErrReadinessTimeout)
}

func TestStart_CallerCancelStopsProcess(t *testing.T) {
	s := newTestSupervisor(t, fakeTranscoder(t, hangBody))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := s.Start(ctx, StreamRequest{ID: "cam1", SourceURL: "rtsp://x/1"})
	require.ErrorIs(t, err, ErrStoppedDuringStartup)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, s.ActiveCount())
}

func TestBeginShutdown_AbortsPendingAndRejectsNew(t *testing.T) {
	s := newTestSupervisor(t, fakeTranscoder(t, hangBody))

	pending := make(chan error, 1)
	go func() {
		_, err := s.Start(context.Background(), StreamRequest{ID: "cam1", SourceURL: "rtsp://x/1"})
		pending <- err
	}()
	require.Eventually(t, func() bool { return s.ActiveCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	s.BeginShutdown()
	assert.True(t, s.ShuttingDown())

	select {
	case err := <-pending:
		require.ErrorIs(t, err, ErrStoppedDuringStartup)
	case <-time.After(3 * time.Second):
		t.Fatal("pending start not aborted by shutdown")
	}

	_, err := s.Start(context.Background(), StreamRequest{ID: "cam2", SourceURL: "rtsp://x/2"})
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestStart_ToolUnavailableShortCircuits(t *testing.T) {
	s := newTestSupervisor(t, "", func(c *Config) {
		c.Tool = staticTool{ToolInfo{Error: "ffmpeg not found on PATH"}}
	})

	_, err := s.Start(context.Background(), StreamRequest{ID: "cam1", SourceURL: "rtsp://x/1"})
	require.ErrorIs(t, err, ErrToolUnavailable)
	assert.Contains(t, err.Error(), "not found on PATH")
	assert.Zero(t, s.ActiveCount())
}

type clearingTool struct {
	staticTool
	cleared atomic.Int32
}

func (c *clearingTool) Clear() { c.cleared.Add(1) }

func TestStart_SpawnFailure(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "no-such-ffmpeg")
	tool := &clearingTool{staticTool: staticTool{ToolInfo{Available: true, Path: missing}}}
	s := newTestSupervisor(t, missing, func(c *Config) { c.Tool = tool })

	_, err := s.Start(context.Background(), StreamRequest{ID: "cam1", SourceURL: "rtsp://x/1"})
	require.ErrorIs(t, err, ErrSpawnFailure)
	assert.Zero(t, s.ActiveCount())
	assert.EqualValues(t, 1, tool.cleared.Load(), "tool cache is dropped after a failed spawn")
}

func TestStart_InvalidRequest(t *testing.T) {
	s := newTestSupervisor(t, fakeTranscoder(t, readyBody))

	for _, req := range []StreamRequest{
		{ID: "", SourceURL: "rtsp://x/1"},
		{ID: "../escape", SourceURL: "rtsp://x/1"},
		{ID: "cam1", SourceURL: "  "},
		{ID: "cam1", SourceURL: "rtsp://x/1", Options: EncodingOptions{Resolution: "big"}},
	} {
		_, err := s.Start(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidRequest, "request %+v", req)
	}
	assert.Zero(t, s.ActiveCount())
}

func TestStart_OutputDirectoryCreated(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "out")
	s := newTestSupervisor(t, fakeTranscoder(t, readyBody), func(c *Config) { c.OutputDir = dir })

	info, err := s.Start(context.Background(), StreamRequest{ID: "cam1", SourceURL: "rtsp://x/1", OutputDirectory: dir + "/"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "cam1.m3u8"), info.ManifestPath)
	assert.DirExists(t, dir)
}

func TestStart_OutputDirectoryOutsideServedRoot(t *testing.T) {
	s := newTestSupervisor(t, fakeTranscoder(t, readyBody))
	other := t.TempDir()

	for _, dir := range []string{other, filepath.Join(s.OutputDir(), "sub")} {
		_, err := s.Start(context.Background(), StreamRequest{ID: "cam1", SourceURL: "rtsp://x/1", OutputDirectory: dir})
		assert.ErrorIs(t, err, ErrInvalidRequest, dir)
	}
	assert.Zero(t, s.ActiveCount())
	assert.NoDirExists(t, filepath.Join(s.OutputDir(), "sub"))
}

func TestStart_MaxStreams(t *testing.T) {
	limit := 1
	s := newTestSupervisor(t, fakeTranscoder(t, readyBody), func(c *Config) {
		c.MaxStreams = func() int { return limit }
	})

	_, err := s.Start(context.Background(), StreamRequest{ID: "cam1", SourceURL: "rtsp://x/1"})
	require.NoError(t, err)

	_, err = s.Start(context.Background(), StreamRequest{ID: "cam2", SourceURL: "rtsp://x/2"})
	require.ErrorIs(t, err, ErrTooManyStreams)
	assert.Equal(t, 1, s.ActiveCount())

	limit = 2
	_, err = s.Start(context.Background(), StreamRequest{ID: "cam2", SourceURL: "rtsp://x/2"})
	require.NoError(t, err)
}

func TestStart_MaxStreamsConcurrent(t *testing.T) {
	s := newTestSupervisor(t, fakeTranscoder(t, readyBody), func(c *Config) {
		c.MaxStreams = func() int { return 2 }
	})

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Start(context.Background(), StreamRequest{ID: StreamID(fmt.Sprintf("cam%d", i)), SourceURL: "rtsp://x"})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	ok, limited := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrTooManyStreams):
			limited++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 2, ok)
	assert.Equal(t, 4, limited)
	assert.Equal(t, 2, s.ActiveCount())
}

func TestClaimReady(t *testing.T) {
	s := newTestSupervisor(t, fakeTranscoder(t, readyBody))
	events, unsubscribe := s.Subscribe(4)
	defer unsubscribe()

	track := func(h *ProcessHandle) {
		s.mu.Lock()
		s.handles[h.id] = h
		s.mu.Unlock()
	}
	untrack := func(h *ProcessHandle) {
		s.mu.Lock()
		delete(s.handles, h.id)
		s.mu.Unlock()
	}

	t.Run("untracked", func(t *testing.T) {
		h := newBareHandle()
		assert.False(t, s.claimReady(h))
		assert.False(t, h.snapshot().ready)
	})

	t.Run("aborted", func(t *testing.T) {
		h := newBareHandle()
		track(h)
		defer untrack(h)
		h.requestAbort()
		assert.False(t, s.claimReady(h))
	})

	t.Run("live", func(t *testing.T) {
		h := newBareHandle()
		track(h)
		defer untrack(h)
		assert.True(t, s.claimReady(h))
		assert.True(t, h.snapshot().ready)
	})

	require.Len(t, events, 1, "only the live claim publishes")
	ev := <-events
	assert.Equal(t, PhaseRunning, ev.Status.Phase)
}

func TestStart_StartingEventPrecedesExit(t *testing.T) {
	s := newTestSupervisor(t, fakeTranscoder(t, `exit 1`))
	events, unsubscribe := s.Subscribe(16)
	defer unsubscribe()

	_, err := s.Start(context.Background(), StreamRequest{ID: "cam1", SourceURL: "rtsp://x/1"})
	require.ErrorIs(t, err, ErrProcessExited)

	var phases []Phase
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events:
				phases = append(phases, ev.Status.Phase)
			default:
				return len(phases) >= 2
			}
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []Phase{PhaseStarting, PhaseError}, phases)
}

func TestRuntimeFailureAfterReadiness(t *testing.T) {
	body := `touch "$MANIFEST"
sleep 1
exit 3`
	s := newTestSupervisor(t, fakeTranscoder(t, body))
	events, unsubscribe := s.Subscribe(16)
	defer unsubscribe()

	_, err := s.Start(context.Background(), StreamRequest{ID: "cam1", SourceURL: "rtsp://x/1"})
	require.NoError(t, err)

	var phases []Phase
	deadline := time.After(5 * time.Second)
	for len(phases) < 3 {
		select {
		case ev := <-events:
			phases = append(phases, ev.Status.Phase)
			if ev.Status.Phase == PhaseError {
				require.NotNil(t, ev.ExitCode)
				assert.Equal(t, 3, *ev.ExitCode)
				assert.Equal(t, ClassRuntimeFailure, ev.Status.ErrorClass)
			}
		case <-deadline:
			t.Fatalf("missing events, got %v", phases)
		}
	}
	assert.Equal(t, []Phase{PhaseStarting, PhaseRunning, PhaseError}, phases)

	rec := s.LastError("cam1")
	require.NotNil(t, rec)
	assert.Equal(t, ClassRuntimeFailure, rec.Class)
	assert.Zero(t, s.ActiveCount())
}

func TestStatusAll_ReflectsStartsMinusStops(t *testing.T) {
	s := newTestSupervisor(t, fakeTranscoder(t, readyBody))
	ctx := context.Background()

	for _, id := range []StreamID{"c", "a", "b"} {
		_, err := s.Start(ctx, StreamRequest{ID: id, SourceURL: "rtsp://x/" + string(id)})
		require.NoError(t, err)
	}
	require.True(t, s.Stop("b"))

	all := s.StatusAll()
	require.Len(t, all, 2)
	assert.Equal(t, StreamID("a"), all[0].ID)
	assert.Equal(t, StreamID("c"), all[1].ID)
	for _, st := range all {
		assert.Equal(t, PhaseRunning, st.Phase)
	}
}

func TestStopAll_StopsEverythingAndWaitsGrace(t *testing.T) {
	s := newTestSupervisor(t, fakeTranscoder(t, readyBody), func(c *Config) {
		c.StopGrace = 100 * time.Millisecond
	})
	ctx := context.Background()
	for _, id := range []StreamID{"a", "b"} {
		_, err := s.Start(ctx, StreamRequest{ID: id, SourceURL: "rtsp://x/1"})
		require.NoError(t, err)
	}

	began := time.Now()
	assert.Equal(t, 2, s.StopAll(ctx))
	assert.GreaterOrEqual(t, time.Since(began), 100*time.Millisecond)
	assert.Zero(t, s.ActiveCount())

	drainCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	require.NoError(t, s.Drain(drainCtx))
}

func TestStop_SendsTerminationSignal(t *testing.T) {
	body := `trap 'touch "$MANIFEST.term"; exit 0' TERM
touch "$MANIFEST"
while :; do sleep 0.05; done`
	s := newTestSupervisor(t, fakeTranscoder(t, body), func(c *Config) { c.KillTimeout = 5 * time.Second })

	info, err := s.Start(context.Background(), StreamRequest{ID: "cam1", SourceURL: "rtsp://x/1"})
	require.NoError(t, err)
	require.True(t, s.Stop("cam1"))

	require.Eventually(t, func() bool {
		_, err := os.Stat(info.ManifestPath + ".term")
		return err == nil
	}, 3*time.Second, 20*time.Millisecond, "process did not see SIGTERM before the force kill")
}

func TestStop_ForceKillsProcessIgnoringTerm(t *testing.T) {
	body := `trap '' TERM
touch "$MANIFEST"
exec 2>/dev/null
while :; do sleep 1; done`
	s := newTestSupervisor(t, fakeTranscoder(t, body), func(c *Config) {
		c.KillTimeout = 100 * time.Millisecond
	})

	_, err := s.Start(context.Background(), StreamRequest{ID: "cam1", SourceURL: "rtsp://x/1"})
	require.NoError(t, err)
	require.True(t, s.Stop("cam1"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Drain(ctx))
}

func TestDrain_KillsWhenContextEnds(t *testing.T) {
	body := `trap '' TERM
touch "$MANIFEST"
exec 2>/dev/null
while :; do sleep 1; done`
	s := newTestSupervisor(t, fakeTranscoder(t, body), func(c *Config) {
		c.KillTimeout = time.Minute
	})

	_, err := s.Start(context.Background(), StreamRequest{ID: "cam1", SourceURL: "rtsp://x/1"})
	require.NoError(t, err)
	require.True(t, s.Stop("cam1"))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = s.Drain(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded))

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	require.NoError(t, s.Drain(ctx2))
}

func TestStats_NotRunning(t *testing.T) {
	s := newTestSupervisor(t, fakeTranscoder(t, readyBody))

	_, err := s.Stats(context.Background(), "cam1")
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestStats_Running(t *testing.T) {
	s := newTestSupervisor(t, fakeTranscoder(t, readyBody))
	_, err := s.Start(context.Background(), StreamRequest{ID: "cam1", SourceURL: "rtsp://x/1"})
	require.NoError(t, err)

	stats, err := s.Stats(context.Background(), "cam1")
	require.NoError(t, err)
	_, pid := s.ProcessInfo("cam1")
	assert.Equal(t, pid, stats.PID)
	assert.NotZero(t, stats.MemoryRSSBytes)
}
