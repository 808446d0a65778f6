//go:build unix

package supervisor

import (
	"context"
	"flag"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	helperModeEnv  = "NETMON_HELPER_AGENT"
	helperReadyEnv = "NETMON_HELPER_READY"
)

// TestHelperAgent is the child side of the launcher tests. It stands in for
// the agent binary when the test binary re-executes itself.
func TestHelperAgent(t *testing.T) {
	mode := os.Getenv(helperModeEnv)
	if mode == "" {
		return
	}

	sigs := make(chan os.Signal, 1)
	switch mode {
	case "interruptible":
		signal.Notify(sigs, os.Interrupt)
	case "stubborn":
		signal.Ignore(os.Interrupt)
	default:
		os.Exit(2)
	}

	// the resource is the last argument
	if err := os.WriteFile(os.Getenv(helperReadyEnv), []byte(strings.Join(flag.Args(), " ")), 0o600); err != nil {
		os.Exit(2)
	}

	select {
	case <-sigs:
		os.Exit(3)
	case <-time.After(time.Minute):
		os.Exit(4)
	}
}

func launchHelper(t *testing.T, mode, resource string) *execProcess {
	t.Helper()
	ready := filepath.Join(t.TempDir(), "ready")
	l := &ExecLauncher{
		Binary: os.Args[0],
		Args:   []string{"-test.run=^TestHelperAgent$"},
		Env:    []string{helperModeEnv + "=" + mode, helperReadyEnv + "=" + ready},
	}
	proc, err := l.Launch(context.Background(), resource)
	require.NoError(t, err)
	p := proc.(*execProcess)
	t.Cleanup(func() {
		if p.cmd.ProcessState == nil {
			p.Kill()
			p.Wait()
		}
	})

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(ready)
		return err == nil && len(b) > 0
	}, 10*time.Second, 10*time.Millisecond, "agent never became ready")
	b, err := os.ReadFile(ready)
	require.NoError(t, err)
	assert.Equal(t, resource, string(b))
	return p
}

func TestExecLauncherInterruptReachesAgent(t *testing.T) {
	p := launchHelper(t, "interruptible", "eth0")

	pgid, err := syscall.Getpgid(p.PID())
	require.NoError(t, err)
	assert.Equal(t, p.PID(), pgid, "agent leads its own process group")
	assert.NotEqual(t, syscall.Getpgrp(), pgid)

	require.NoError(t, p.Interrupt())
	err = p.Wait()

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode(), "agent saw the interrupt")
	require.NotNil(t, p.cmd.ProcessState)
}

func TestReapKillsAgentIgnoringInterrupt(t *testing.T) {
	p := launchHelper(t, "stubborn", "eth1")

	logs := &syncBuffer{}
	s := New(Options{ReapTimeout: 200 * time.Millisecond, Logger: zerolog.New(logs)})

	require.NoError(t, p.Interrupt())
	start := time.Now()
	err := s.reapOne(spawned{resource: "eth1", proc: p})
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	require.True(t, ok)
	assert.True(t, status.Signaled())
	assert.Equal(t, syscall.SIGKILL, status.Signal())
	assert.Contains(t, err.Error(), "eth1 (pid")

	require.NotNil(t, p.cmd.ProcessState, "killed agent is still reaped")
	assert.Len(t, logs.messages("agent did not exit, killing"), 1)
}
