//go:build unix

package lifecycle

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleSignals(t *testing.T) {
	rec := &recorder{}
	c := New(Config{Supervisor: &fakeSupervisor{rec: rec}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.HandleSignals(ctx)

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("SIGTERM did not trigger shutdown")
	}
	assert.Equal(t, "signal terminated", c.Reason())
}
