// Package observe turns transport calls into typed readings and builds
// poll conditions over them.
//
// A Reader takes one fresh reading per call. Readers never cache and never
// turn a failed read into a false predicate: a read error propagates to
// the poller, which decides whether to abort or keep waiting.
package observe

import (
	"context"
	"fmt"

	"github.com/dutkit/dutkit/pkg/device"
)

// Reader produces one observation of device state.
type Reader[V any] interface {
	Read(ctx context.Context) (V, error)
}

// ReaderFunc adapts a function to Reader.
type ReaderFunc[V any] func(ctx context.Context) (V, error)

// Read calls f.
func (f ReaderFunc[V]) Read(ctx context.Context) (V, error) {
	return f(ctx)
}

// Map derives a reader by converting each reading of r. A conversion
// error is returned as a read error.
func Map[A, B any](r Reader[A], fn func(A) (B, error)) Reader[B] {
	return ReaderFunc[B](func(ctx context.Context) (B, error) {
		a, err := r.Read(ctx)
		if err != nil {
			var zero B
			return zero, err
		}
		return fn(a)
	})
}

// Sources are the slices of the transport clients each reader needs.
type (
	ServiceSource interface {
		ServiceDetails(ctx context.Context, uuid string) (device.ServiceSnapshot, error)
	}
	LogSource interface {
		Logs(ctx context.Context, uuid string) ([]device.LogEntry, error)
	}
	VersionSource interface {
		SupervisorVersion(ctx context.Context, uuid string) (string, error)
	}
	TargetStateSource interface {
		TargetState(ctx context.Context) (device.TargetState, error)
	}
	PingSource interface {
		Ping(ctx context.Context) (string, error)
	}
	HostRunner interface {
		HostOS(ctx context.Context, cmd string) (string, error)
	}
	ContainerRunner interface {
		Container(ctx context.Context, name, cmd string) (string, error)
	}
	FileProber interface {
		Exists(ctx context.Context, path string) (bool, error)
	}
)

// CloudServices reads the device's service installs from the cloud API.
type CloudServices struct {
	Source ServiceSource
	UUID   string
}

// Read implements Reader.
func (r CloudServices) Read(ctx context.Context) (device.ServiceSnapshot, error) {
	return r.Source.ServiceDetails(ctx, r.UUID)
}

// CloudLogs reads the device's log history from the cloud API.
type CloudLogs struct {
	Source LogSource
	UUID   string
}

// Read implements Reader.
func (r CloudLogs) Read(ctx context.Context) ([]device.LogEntry, error) {
	return r.Source.Logs(ctx, r.UUID)
}

// CloudSupervisorVersion reads the supervisor version reported to the
// cloud.
type CloudSupervisorVersion struct {
	Source VersionSource
	UUID   string
}

// Read implements Reader.
func (r CloudSupervisorVersion) Read(ctx context.Context) (string, error) {
	return r.Source.SupervisorVersion(ctx, r.UUID)
}

// SupervisorTargetState reads the local target state from the device.
type SupervisorTargetState struct {
	Source TargetStateSource
}

// Read implements Reader.
func (r SupervisorTargetState) Read(ctx context.Context) (device.TargetState, error) {
	return r.Source.TargetState(ctx)
}

// SupervisorPing reads the supervisor's ping body.
type SupervisorPing struct {
	Source PingSource
}

// Read implements Reader.
func (r SupervisorPing) Read(ctx context.Context) (string, error) {
	return r.Source.Ping(ctx)
}

// HostCommand reads the trimmed output of a host OS command.
type HostCommand struct {
	Runner HostRunner
	Cmd    string
}

// Read implements Reader.
func (r HostCommand) Read(ctx context.Context) (string, error) {
	return r.Runner.HostOS(ctx, r.Cmd)
}

// ContainerCommand reads the trimmed output of a command run inside a
// service container.
type ContainerCommand struct {
	Runner    ContainerRunner
	Container string
	Cmd       string
}

// Read implements Reader.
func (r ContainerCommand) Read(ctx context.Context) (string, error) {
	return r.Runner.Container(ctx, r.Container, r.Cmd)
}

// RemoteFile reads whether a host OS path exists.
type RemoteFile struct {
	Prober FileProber
	Path   string
}

// Read implements Reader.
func (r RemoteFile) Read(ctx context.Context) (bool, error) {
	return r.Prober.Exists(ctx, r.Path)
}

// PinLevel decodes a pin reading ("0"/"1" or "hi"/"lo") from r.
func PinLevel(r Reader[string]) Reader[device.PinLevel] {
	return Map(r, func(raw string) (device.PinLevel, error) {
		level, err := device.ParsePinLevel(raw)
		if err != nil {
			return device.PinUnknown, fmt.Errorf("pin reading: %w", err)
		}
		return level, nil
	})
}
