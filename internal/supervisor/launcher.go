package supervisor

import (
	"context"
	"os"
	"os/exec"
)

// Process is a spawned agent.
type Process interface {
	PID() int
	Interrupt() error
	Kill() error
	Wait() error
}

// Launcher starts the agent for one resource.
type Launcher interface {
	Launch(ctx context.Context, resource string) (Process, error)
}

// ExecLauncher runs the agent binary with the resource as its last argument.
type ExecLauncher struct {
	Binary string
	Args   []string // passed before the resource, usually empty
	Env    []string // appended to the supervisor's environment
}

// Launch does not tie the child to ctx: the supervisor interrupts and reaps
// its agents explicitly during shutdown.
func (l *ExecLauncher) Launch(_ context.Context, resource string) (Process, error) {
	args := append(append([]string(nil), l.Args...), resource)
	cmd := exec.Command(l.Binary, args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) PID() int         { return p.cmd.Process.Pid }
func (p *execProcess) Interrupt() error { return p.cmd.Process.Signal(os.Interrupt) }
func (p *execProcess) Kill() error      { return p.cmd.Process.Kill() }
func (p *execProcess) Wait() error      { return p.cmd.Wait() }
