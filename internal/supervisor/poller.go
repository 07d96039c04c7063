package supervisor

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"
)

// PollState is the state of one readiness wait.
type PollState int

const (
	Polling PollState = iota
	Ready
	TimedOut
	Aborted
	// Failed means the manifest path could not be checked for a reason
	// other than "not found".
	Failed
)

func (s PollState) String() string {
	switch s {
	case Polling:
		return "polling"
	case Ready:
		return "ready"
	case TimedOut:
		return "timed_out"
	case Aborted:
		return "aborted"
	case Failed:
		return "failed"
	default:
		return "invalid"
	}
}

const (
	DefaultPollInterval     = time.Second
	DefaultReadinessTimeout = 30 * time.Second
)

// Poller waits for a manifest file to appear on a fixed interval with a
// bounded total wait.
type Poller struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Wait checks path immediately and then every Interval until it is a regular
// file (Ready), Timeout has elapsed (TimedOut), ctx is done (Aborted; the
// returned error is context.Cause), or a stat error other than not-exist
// occurs (Failed, with that error).
func (p Poller) Wait(ctx context.Context, path string) (PollState, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultReadinessTimeout
	}

	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := context.Cause(ctx); err != nil {
			return Aborted, err
		}

		ok, err := manifestExists(path)
		if err != nil {
			return Failed, err
		}
		if ok {
			return Ready, nil
		}
		if time.Since(start) >= timeout {
			return TimedOut, ErrReadinessTimeout
		}

		select {
		case <-ctx.Done():
			return Aborted, context.Cause(ctx)
		case <-ticker.C:
		}
	}
}

// manifestExists reports whether path is a regular file. A path that exists
// but is not a regular file is treated as not ready yet.
func manifestExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}
