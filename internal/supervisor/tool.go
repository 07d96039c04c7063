package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

const (
	toolName              = "ffmpeg"
	defaultToolCacheTTL   = 30 * time.Second
	defaultVersionTimeout = 5 * time.Second
)

// ToolInfo is the result of an external tool availability check.
type ToolInfo struct {
	Available  bool   `json:"available"`
	UsingLocal bool   `json:"usingLocal,omitempty"`
	Path       string `json:"path,omitempty"`
	Version    string `json:"version,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ToolChecker reports whether the transcoder binary can be run.
type ToolChecker interface {
	Check(ctx context.Context) ToolInfo
}

// ToolLocator finds the transcoder binary.
// Search order:
//  1. Binary (explicit path, usually from FFMPEG_BINARY)
//  2. <LocalDir>/ffmpeg/bin/ffmpeg, the bundled copy
//  3. ffmpeg on PATH
//
// A candidate is accepted only when "-version" runs successfully.
// Successful results are cached for CacheTTL; failures are re-checked every time
// so installing the tool does not require a restart.
type ToolLocator struct {
	Binary         string
	LocalDir       string
	CacheTTL       time.Duration
	VersionTimeout time.Duration

	mu        sync.Mutex
	cached    ToolInfo
	checkedAt time.Time
}

// NewToolLocator creates a locator preferring binary when it is non-empty.
func NewToolLocator(binary string) *ToolLocator {
	return &ToolLocator{
		Binary:         binary,
		LocalDir:       ".",
		CacheTTL:       defaultToolCacheTTL,
		VersionTimeout: defaultVersionTimeout,
	}
}

// Check implements ToolChecker.
func (l *ToolLocator) Check(ctx context.Context) ToolInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cached.Available && time.Since(l.checkedAt) < l.CacheTTL {
		return l.cached
	}

	info := l.detect(ctx)
	l.cached = info
	l.checkedAt = time.Now()
	return info
}

// Clear drops the cached result.
func (l *ToolLocator) Clear() {
	l.mu.Lock()
	l.cached = ToolInfo{}
	l.mu.Unlock()
}

func (l *ToolLocator) detect(ctx context.Context) ToolInfo {
	var errs []error

	if l.Binary != "" {
		version, err := l.version(ctx, l.Binary)
		if err == nil {
			return ToolInfo{Available: true, Path: l.Binary, Version: version}
		}
		errs = append(errs, fmt.Errorf("%s: %w", l.Binary, err))
	}

	local := localToolPath(l.LocalDir)
	if isExecutable(local) {
		version, err := l.version(ctx, local)
		if err == nil {
			return ToolInfo{Available: true, UsingLocal: true, Path: local, Version: version}
		}
		errs = append(errs, fmt.Errorf("%s: %w", local, err))
	}

	path, err := exec.LookPath(toolName)
	if err != nil {
		errs = append(errs, fmt.Errorf("%s not found on PATH", toolName))
		return ToolInfo{Error: errors.Join(errs...).Error()}
	}
	version, err := l.version(ctx, path)
	if err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", path, err))
		return ToolInfo{Error: errors.Join(errs...).Error()}
	}
	return ToolInfo{Available: true, Path: path, Version: version}
}

func (l *ToolLocator) version(ctx context.Context, path string) (string, error) {
	timeout := l.VersionTimeout
	if timeout <= 0 {
		timeout = defaultVersionTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		return "", err
	}
	return parseVersion(string(out)), nil
}

// parseVersion extracts "6.0" from "ffmpeg version 6.0 Copyright ...".
func parseVersion(output string) string {
	for _, line := range strings.Split(output, "\n") {
		if !strings.HasPrefix(line, "ffmpeg version") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) >= 3 {
			return parts[2]
		}
	}
	return ""
}

func localToolPath(dir string) string {
	name := toolName
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(dir, "ffmpeg", "bin", name)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode()&0o111 != 0
}
