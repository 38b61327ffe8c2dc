package ssh

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dutkit/dutkit/pkg/device"
	"github.com/dutkit/dutkit/pkg/telemetry"
)

// ClientFactory builds an unconnected client for one device address.
type ClientFactory func(cfg *Config) (*SSHClient, error)

// Shell runs commands on a device whose address may change across
// reboots. It dials lazily and redials whenever the handle resolves to a
// new address.
type Shell struct {
	handle  *device.Handle
	config  *Config
	factory ClientFactory

	mu         sync.Mutex
	client     *SSHClient
	generation int
	host       string
}

// NewShell creates a Shell for the device behind handle. cfg.Host is
// ignored; the address comes from the handle.
func NewShell(handle *device.Handle, cfg *Config) *Shell {
	return &Shell{
		handle:  handle,
		config:  cfg,
		factory: NewSSHClient,
	}
}

// conn returns a connected client for the handle's current address.
func (s *Shell) conn(ctx context.Context) (*SSHClient, error) {
	addr, err := s.handle.Address(ctx)
	if err != nil {
		return nil, &TransportError{Op: "resolve", Err: err, ExitCode: -1, IsTemporary: true}
	}
	gen := s.handle.Generation()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil && s.generation == gen && s.host == addr && s.client.IsConnected() {
		return s.client, nil
	}
	if s.client != nil {
		telemetry.FromContext(ctx).Zerolog().Debug().
			Str("device", s.handle.ShortUUID()).
			Str("old", s.host).
			Str("new", addr).
			Msg("redialing device shell")
		_ = s.client.Disconnect()
		s.client = nil
	}

	client, err := s.factory(s.config.WithHost(addr))
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		if IsTemporary(err) {
			s.handle.Invalidate()
		}
		return nil, err
	}

	s.client = client
	s.generation = gen
	s.host = addr
	return client, nil
}

// drop forgets the current connection after a link failure and marks the
// address stale so the next call re-resolves it.
func (s *Shell) drop(client *SSHClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == client {
		_ = s.client.Disconnect()
		s.client = nil
	}
	s.handle.Invalidate()
}

// run executes fn on a live client, dropping the client when the
// failure is a link problem rather than a command result.
func (s *Shell) run(ctx context.Context, fn func(*SSHClient) error) error {
	client, err := s.conn(ctx)
	if err != nil {
		return err
	}
	err = fn(client)
	if err != nil && IsTemporary(err) && ctx.Err() == nil {
		s.drop(client)
	}
	return err
}

// HostOS runs cmd on the device host OS and returns trimmed stdout.
func (s *Shell) HostOS(ctx context.Context, cmd string) (string, error) {
	var out string
	err := s.run(ctx, func(c *SSHClient) error {
		var err error
		out, _, err = c.ExecuteCommand(ctx, cmd)
		return err
	})
	return out, err
}

// ContainerID returns the ID of the running container whose name matches
// name. A missing container is a temporary error since it may still be
// starting.
func (s *Shell) ContainerID(ctx context.Context, name string) (string, error) {
	out, err := s.HostOS(ctx, fmt.Sprintf("%s ps -q -f name=%s", s.engine(), ShellQuote(name)))
	if err != nil {
		return "", err
	}
	ids := strings.Fields(out)
	if len(ids) == 0 {
		return "", &TransportError{
			Op:          "container",
			Err:         fmt.Errorf("no running container matches %q", name),
			ExitCode:    -1,
			IsTemporary: true,
		}
	}
	return ids[0], nil
}

// Container runs cmd inside the named application container.
func (s *Shell) Container(ctx context.Context, name, cmd string) (string, error) {
	id, err := s.ContainerID(ctx, name)
	if err != nil {
		return "", err
	}
	return s.HostOS(ctx, fmt.Sprintf("%s exec %s sh -c %s", s.engine(), id, ShellQuote(cmd)))
}

// Script uploads and runs a script on the host OS with sh.
func (s *Shell) Script(ctx context.Context, script []byte, args ...string) (string, error) {
	var out string
	err := s.run(ctx, func(c *SSHClient) error {
		res, err := c.ExecuteScript(ctx, script, "sh", args...)
		out = res.Stdout
		return err
	})
	return out, err
}

// Exists reports whether path exists on the host OS.
func (s *Shell) Exists(ctx context.Context, path string) (bool, error) {
	var exists bool
	err := s.run(ctx, func(c *SSHClient) error {
		var err error
		exists, err = c.Exists(ctx, path)
		return err
	})
	return exists, err
}

// ReadFile reads a file from the host OS.
func (s *Shell) ReadFile(ctx context.Context, path string) (string, error) {
	var content []byte
	err := s.run(ctx, func(c *SSHClient) error {
		var err error
		content, err = c.ReadFile(ctx, path)
		return err
	})
	return string(content), err
}

// Upload copies a local file to the host OS.
func (s *Shell) Upload(ctx context.Context, localPath, remotePath string, mode uint32) error {
	return s.run(ctx, func(c *SSHClient) error {
		return c.UploadFile(ctx, localPath, remotePath, mode)
	})
}

// Ping checks that the shell can reach the device.
func (s *Shell) Ping(ctx context.Context) error {
	return s.run(ctx, func(c *SSHClient) error {
		return c.HealthCheck(ctx)
	})
}

// Close disconnects the current connection, if any.
func (s *Shell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Disconnect()
	s.client = nil
	return err
}

func (s *Shell) engine() string {
	if s.config.ContainerEngine == "" {
		return "balena"
	}
	return s.config.ContainerEngine
}
