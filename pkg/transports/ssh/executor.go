package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/dutkit/dutkit/pkg/telemetry"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

// ExecResult represents the result of a command execution.
type ExecResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// ExecuteCommand runs a command on the remote host.
func (c *SSHClient) ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error) {
	res, err := c.Execute(ctx, cmd)
	return res.Stdout, res.Stderr, err
}

// Execute runs a command and returns the full result. A non-zero exit is
// reported as a non-temporary *TransportError carrying the exit code.
func (c *SSHClient) Execute(ctx context.Context, cmd string) (ExecResult, error) {
	var res ExecResult
	err := telemetry.RecordTransportCall(ctx, "ssh", "exec", c.config.Host, func(ctx context.Context) error {
		var err error
		res, err = c.execute(ctx, cmd)
		return err
	})
	return res, err
}

// execute is the internal implementation of command execution.
func (c *SSHClient) execute(ctx context.Context, cmd string) (ExecResult, error) {
	res := ExecResult{StartedAt: time.Now(), ExitCode: -1}

	if _, ok := ctx.Deadline(); !ok && c.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	sshClient, err := c.getClient()
	if err != nil {
		return res, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return res, &TransportError{
			Op:          "exec",
			Err:         fmt.Errorf("failed to create session: %w", err),
			ExitCode:    -1,
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	res.FinishedAt = time.Now()
	res.Duration = res.FinishedAt.Sub(res.StartedAt)
	res.Stdout = strings.TrimSpace(stdoutBuf.String())
	res.Stderr = strings.TrimSpace(stderrBuf.String())

	if execErr == nil {
		res.ExitCode = 0
		return res, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, &TransportError{
			Op:       "exec",
			Err:      fmt.Errorf("%q exited with code %d: %s", cmd, exitErr.ExitStatus(), res.Stderr),
			ExitCode: res.ExitCode,
		}
	}

	return res, &TransportError{
		Op:          "exec",
		Err:         execErr,
		ExitCode:    -1,
		IsTemporary: true,
	}
}

// ExecuteScript uploads a script over SFTP, runs it with the given
// interpreter and removes it afterwards.
func (c *SSHClient) ExecuteScript(ctx context.Context, script []byte, interpreter string, args ...string) (ExecResult, error) {
	remote := path.Join("/tmp", "dut-"+uuid.NewString()+".sh")

	if err := c.WriteFile(ctx, remote, script, 0o755); err != nil {
		return ExecResult{ExitCode: -1}, fmt.Errorf("failed to upload script: %w", err)
	}
	defer func() {
		if err := c.Remove(context.WithoutCancel(ctx), remote); err != nil {
			telemetry.FromContext(ctx).Zerolog().Warn().Err(err).Str("path", remote).Msg("failed to clean up script file")
		}
	}()

	parts := []string{remote}
	if interpreter != "" {
		parts = append([]string{interpreter}, parts...)
	}
	for _, a := range args {
		parts = append(parts, ShellQuote(a))
	}

	return c.Execute(ctx, strings.Join(parts, " "))
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
