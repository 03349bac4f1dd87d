package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ClaudeSpawner implements BatchSpawner using os/exec. Command defaults to
// "claude".
type ClaudeSpawner struct {
	Command string
}

// Spawn starts a `<command> -p` subprocess with the given model and prompt.
func (s *ClaudeSpawner) Spawn(ctx context.Context, model, prompt, workdir string) (Process, error) {
	command := s.Command
	if command == "" {
		command = "claude"
	}
	args := []string{"-p", prompt}
	if model != "" {
		args = append(args, "--model", model)
	}
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = workdir

	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", command, err)
	}
	return &execProcess{cmd: cmd, output: &outBuf, stderr: &errBuf}, nil
}

// execProcess wraps exec.Cmd to implement Process.
type execProcess struct {
	cmd    *exec.Cmd
	output *strings.Builder
	stderr *strings.Builder
}

// Wait waits for the subprocess to exit. A failing exit carries the tail of
// stderr in the error.
func (p *execProcess) Wait() error {
	if err := p.cmd.Wait(); err != nil {
		if tail := strings.TrimSpace(p.stderr.String()); tail != "" {
			if len(tail) > 500 {
				tail = tail[len(tail)-500:]
			}
			return fmt.Errorf("wait: %w: %s", err, tail)
		}
		return fmt.Errorf("wait: %w", err)
	}
	return nil
}

// Kill sends SIGKILL to the subprocess.
func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill: %w", err)
	}
	return nil
}

func (p *execProcess) Output() (string, error) { return p.output.String(), nil } //nolint:revive // interface impl
