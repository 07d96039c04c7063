// Package lifecycle runs the one-time shutdown sequence shared by every exit
// path: signals, the UI's close request and fatal server errors.
package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultTimeout bounds the whole sequence.
const DefaultTimeout = 10 * time.Second

// Supervisor is the part of the stream supervisor that shutdown drives.
type Supervisor interface {
	BeginShutdown()
	StopAll(ctx context.Context) int
	Drain(ctx context.Context) error
}

// Server is an HTTP server, or anything stopped like one.
type Server interface {
	Shutdown(ctx context.Context) error
}

// Config wires the Coordinator. Nil CleanOutput and Server are skipped.
type Config struct {
	Supervisor  Supervisor
	CleanOutput func() error
	Server      Server
	Timeout     time.Duration
	Log         *slog.Logger
}

// Coordinator runs the shutdown sequence at most once. Shutdown may be called
// concurrently from any goroutine; later callers block until the first run
// has finished.
type Coordinator struct {
	cfg Config

	once   sync.Once
	done   chan struct{}
	reason string
}

// New returns a Coordinator for cfg.
func New(cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{cfg: cfg, done: make(chan struct{})}
}

// Shutdown stops every stream, waits for the processes to exit (killing the
// rest when the timeout passes), removes output files and stops the server.
// Failures are logged; the sequence always runs to the end.
func (c *Coordinator) Shutdown(reason string) {
	c.once.Do(func() {
		c.reason = reason
		defer close(c.done)
		c.run(reason)
	})
	<-c.done
}

func (c *Coordinator) run(reason string) {
	log := c.cfg.Log.With(slog.String("reason", reason))
	log.Info("shutdown started")
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	if sup := c.cfg.Supervisor; sup != nil {
		sup.BeginShutdown()
		n := sup.StopAll(ctx)
		log.Info("streams stopped", slog.Int("count", n))
		if err := sup.Drain(ctx); err != nil {
			log.Warn("transcoders did not exit in time, killed", slog.String("error", err.Error()))
		}
	}

	if c.cfg.CleanOutput != nil {
		if err := c.cfg.CleanOutput(); err != nil {
			log.Warn("output cleanup incomplete", slog.String("error", err.Error()))
		}
	}

	if c.cfg.Server != nil {
		if err := c.cfg.Server.Shutdown(ctx); err != nil {
			log.Error("http server shutdown", slog.String("error", err.Error()))
		}
	}

	log.Info("shutdown complete", slog.Duration("elapsed", time.Since(start)))
}

// Done is closed when the sequence has finished.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Reason is the reason passed to the first Shutdown call. Valid after Done.
func (c *Coordinator) Reason() string {
	<-c.done
	return c.reason
}

// HandleSignals runs Shutdown on SIGINT or SIGTERM until ctx ends.
func (c *Coordinator) HandleSignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			c.cfg.Log.Info("shutdown signal received", slog.String("signal", sig.String()))
			c.Shutdown("signal " + sig.String())
		case <-ctx.Done():
		case <-c.done:
		}
	}()
}
