//go:build unix

package taskmanager

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func init() {
	// proc.stop freezes the whole worker, heartbeat goroutine included.
	processHandlers["proc.stop"] = func(ctx context.Context, t Task[job]) error {
		if err := t.UpdateProgress(0.1); err != nil {
			return err
		}
		_ = syscall.Kill(os.Getpid(), syscall.SIGSTOP)
		return nil
	}
}

// TestManager_ProcessHeartbeatTimeout verifies silent workers are treated as lost
// Given: A worker that stops itself after its first progress report
// When: No heartbeat arrives within the timeout
// Then: The worker is killed and the run fails with ErrExecutorLost
func TestManager_ProcessHeartbeatTimeout(t *testing.T) {
	spec := procSpec("proc.stop", job{})
	_, stream, _ := startManager(t, []Spec{spec}, WithHeartbeat(50*time.Millisecond, 300*time.Millisecond))

	start := time.Now()
	events := collect(t, stream)
	last := events[len(events)-1]
	assert.Equal(t, StateFailed, last.Status.State)
	assert.ErrorIs(t, last.Err, ErrExecutorLost)
	assert.Contains(t, last.Err.Error(), "heartbeat")
	assert.Less(t, time.Since(start), 15*time.Second)
}
