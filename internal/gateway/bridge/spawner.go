package bridge

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// HelperSpec describes one helper process to launch.
type HelperSpec struct {
	EndpointID string
	SessionDir string
	Port       int
}

// Process is a running helper.
type Process interface {
	Pid() int
	Done() <-chan struct{}
	Close() error
}

// Spawner launches helper processes.
type Spawner interface {
	Spawn(ctx context.Context, spec HelperSpec) (Process, error)
}

// ExecSpawner runs the helper binary as a child process in its own process
// group. The helper learns its endpoint, session directory and listen port
// from the environment.
type ExecSpawner struct {
	Binary string
	Args   []string
}

// Spawn implements Spawner.
func (s *ExecSpawner) Spawn(ctx context.Context, spec HelperSpec) (Process, error) {
	if s.Binary == "" {
		return nil, fmt.Errorf("bridge: no helper command configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, s.Binary, s.Args...)
	cmd.Dir = spec.SessionDir
	cmd.Env = append(os.Environ(),
		"CHATYARD_ENDPOINT="+spec.EndpointID,
		"CHATYARD_SESSION_DIR="+spec.SessionDir,
		"CHATYARD_PORT="+strconv.Itoa(spec.Port),
	)

	// Own process group so SIGTERM reaches the helper's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("bridge: start helper for %s: %w", spec.EndpointID, err)
	}

	p := &execProcess{cmd: cmd, cancel: cancel, doneCh: make(chan struct{})}
	go func() {
		cmd.Wait()
		close(p.doneCh)
	}()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	once   sync.Once
	doneCh chan struct{}
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.doneCh }

// Close terminates the helper via context cancellation.
func (p *execProcess) Close() error {
	p.once.Do(p.cancel)
	return nil
}
