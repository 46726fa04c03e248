package process

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/aradsms/teams_telephony/internal/shell_service/app"
)

// ExecSpawner starts shell processes with os/exec.
type ExecSpawner struct {
	executable string
	args       []string
	logger     *slog.Logger
}

// NewExecSpawner creates a spawner for executable. args is split on whitespace,
// e.g. "-NoLogo -NoProfile -Command -".
func NewExecSpawner(executable, args string, logger *slog.Logger) *ExecSpawner {
	return &ExecSpawner{
		executable: executable,
		args:       strings.Fields(args),
		logger:     logger.With("component", "exec_spawner"),
	}
}

// Spawn starts the shell. The process outlives ctx; it ends through Kill or on its own.
func (s *ExecSpawner) Spawn(ctx context.Context, env map[string]string) (app.Process, error) {
	cmd := exec.Command(s.executable, s.args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.executable, err)
	}
	s.logger.InfoContext(ctx, "Shell process started", "pid", cmd.Process.Pid, "executable", s.executable)

	p := &execProcess{cmd: cmd, stdin: stdin, out: pr, done: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		_ = pw.Close()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	out     *io.PipeReader
	done    chan struct{}
	waitErr error
	once    sync.Once
}

func (p *execProcess) Stdin() io.Writer  { return p.stdin }
func (p *execProcess) Output() io.Reader { return p.out }

func (p *execProcess) Wait() error {
	<-p.done
	return p.waitErr
}

func (p *execProcess) Kill() error {
	var err error
	p.once.Do(func() {
		_ = p.stdin.Close()
		select {
		case <-p.done:
			return
		default:
		}
		err = p.cmd.Process.Kill()
	})
	return err
}
