// Package harness turns a loaded configuration into a ready Env: the
// device handle, the three transport adapters, a default waiter, telemetry
// and the run history store.
package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/dutkit/dutkit/pkg/config"
	"github.com/dutkit/dutkit/pkg/device"
	"github.com/dutkit/dutkit/pkg/poll"
	"github.com/dutkit/dutkit/pkg/scenario"
	"github.com/dutkit/dutkit/pkg/stores"
	"github.com/dutkit/dutkit/pkg/telemetry"
	"github.com/dutkit/dutkit/pkg/transports/cloud"
	"github.com/dutkit/dutkit/pkg/transports/ssh"
	"github.com/dutkit/dutkit/pkg/transports/supervisor"
)

// Cloud is the part of the cloud API the suites use.
type Cloud interface {
	ServiceDetails(ctx context.Context, uuid string) (device.ServiceSnapshot, error)
	Logs(ctx context.Context, uuid string) ([]device.LogEntry, error)
	SupervisorVersion(ctx context.Context, uuid string) (string, error)
	SetConfigVariable(ctx context.Context, uuid, name, value string) error
	PushRelease(ctx context.Context, app, source string) (string, error)
}

// Shell runs commands on the device.
type Shell interface {
	HostOS(ctx context.Context, cmd string) (string, error)
	Container(ctx context.Context, name, cmd string) (string, error)
	Script(ctx context.Context, script []byte, args ...string) (string, error)
	Exists(ctx context.Context, path string) (bool, error)
	ReadFile(ctx context.Context, path string) (string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Supervisor is the on-device supervisor API.
type Supervisor interface {
	Ping(ctx context.Context) (string, error)
	TargetState(ctx context.Context) (device.TargetState, error)
	SetTargetState(ctx context.Context, state device.TargetState) (supervisor.Response, error)
}

// Env is everything a suite needs to drive one device.
type Env struct {
	Config     *config.Config
	Device     *device.Handle
	Cloud      Cloud
	Shell      Shell
	Supervisor Supervisor
	Waiter     *poll.Waiter
	Telemetry  *telemetry.Telemetry

	// Store is nil when run history is disabled.
	Store stores.Store
}

// Option adjusts an Env after wiring, mostly to swap in fakes.
type Option func(*Env)

// WithCloud replaces the cloud client.
func WithCloud(c Cloud) Option {
	return func(e *Env) { e.Cloud = c }
}

// WithShell replaces the shell.
func WithShell(s Shell) Option {
	return func(e *Env) { e.Shell = s }
}

// WithSupervisor replaces the supervisor client.
func WithSupervisor(s Supervisor) Option {
	return func(e *Env) { e.Supervisor = s }
}

// WithTelemetry uses an existing telemetry instance.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(e *Env) { e.Telemetry = t }
}

// New wires an Env from cfg. The configuration is expected to be
// validated already.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Env, error) {
	env := &Env{Config: cfg}
	for _, opt := range opts {
		opt(env)
	}

	if env.Telemetry == nil {
		tel, err := telemetry.NewTelemetry(TelemetryConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("failed to set up telemetry: %w", err)
		}
		env.Telemetry = tel
	}
	if err := env.Telemetry.StartMetricsServer(); err != nil {
		env.shutdownTelemetry(ctx)
		return nil, err
	}

	cloudClient := cloud.NewClient(cfg.Cloud.URL, cfg.Cloud.Token,
		cloud.WithTimeout(cfg.Cloud.Timeout.D()),
		cloud.WithPusher(&cloud.CLIPusher{Binary: cfg.Cloud.CLI}),
	)
	if env.Cloud == nil {
		env.Cloud = cloudClient
	}

	resolver, err := Resolver(cfg.Device, cloudClient)
	if err != nil {
		env.shutdownTelemetry(ctx)
		return nil, err
	}
	env.Device = device.NewHandle(cfg.Device.UUID, resolver)

	if env.Shell == nil {
		env.Shell = ssh.NewShell(env.Device, SSHConfig(cfg.SSH))
	}
	if env.Supervisor == nil {
		env.Supervisor = supervisor.NewClient(env.Device,
			supervisor.WithPort(cfg.Supervisor.Port),
			supervisor.WithTimeout(cfg.Supervisor.Timeout.D()),
		)
	}

	policy := Policy(cfg.Poll)
	if err := policy.Validate(); err != nil {
		env.shutdownTelemetry(ctx)
		return nil, fmt.Errorf("poll config: %w", err)
	}
	env.Waiter = poll.NewWaiter(policy)

	if cfg.Store.Enabled {
		store, err := OpenStore(ctx, cfg.Store.Path)
		if err != nil {
			env.shutdownTelemetry(ctx)
			return nil, err
		}
		env.Store = store
		env.Telemetry.Events.Subscribe(stores.NewRecorder(store).EventSink(), nil)
	}

	return env, nil
}

// shutdownTelemetry releases telemetry when New fails part way.
func (e *Env) shutdownTelemetry(ctx context.Context) {
	if err := e.Telemetry.Shutdown(context.WithoutCancel(ctx)); err != nil {
		log.Warn().Err(err).Msg("failed to shut down telemetry")
	}
}

// Context attaches the Env's telemetry and logger to ctx.
func (e *Env) Context(ctx context.Context) context.Context {
	ctx = e.Telemetry.WithContext(ctx)
	logger := telemetry.FromContext(ctx).WithDevice(e.Device.UUID())
	return logger.WithContext(ctx)
}

// Runner returns a scenario runner for the device, wired to the default
// waiter and, when enabled, the run history.
func (e *Env) Runner(opts ...scenario.RunnerOption) *scenario.Runner {
	base := []scenario.RunnerOption{scenario.WithWaiter(e.Waiter)}
	if e.Store != nil {
		base = append(base, scenario.WithRecorder(stores.NewRecorder(e.Store)))
	}
	return scenario.NewRunner(e.Device.UUID(), append(base, opts...)...)
}

// Close releases the shell connection, flushes telemetry and closes the
// store.
func (e *Env) Close(ctx context.Context) error {
	var errs []error
	if e.Shell != nil {
		errs = append(errs, e.Shell.Close())
	}
	if e.Telemetry != nil {
		errs = append(errs, e.Telemetry.Shutdown(ctx))
	}
	if e.Store != nil {
		errs = append(errs, e.Store.Close())
	}
	return errors.Join(errs...)
}

// Resolver builds the address resolver the device config asks for.
func Resolver(cfg config.DeviceConfig, source device.AddressSource) (device.Resolver, error) {
	switch cfg.Resolver {
	case "static":
		if cfg.Address == "" {
			return nil, fmt.Errorf("static resolver needs device.address")
		}
		return device.StaticResolver(cfg.Address), nil
	case "cloud", "":
		r := device.NewCloudResolver(source)
		r.Prefix = cfg.AddressPrefix
		return r, nil
	case "dns":
		return &device.DNSResolver{}, nil
	default:
		return nil, fmt.Errorf("unknown resolver %q", cfg.Resolver)
	}
}

// SSHConfig maps the harness SSH settings onto the shell adapter's config.
func SSHConfig(cfg config.SSHConfig) *ssh.Config {
	out := ssh.DefaultConfig("", cfg.User)
	if cfg.Port != 0 {
		out.Port = cfg.Port
	}
	out.AuthMethod = ssh.AuthMethod(cfg.Auth)
	out.Password = cfg.Password
	out.PrivateKeyPath = expandHome(cfg.KeyFile)
	out.PrivateKeyPassphrase = cfg.KeyPassphrase
	if cfg.KnownHostsFile != "" {
		out.KnownHostsPath = expandHome(cfg.KnownHostsFile)
	}
	out.StrictHostKeyChecking = cfg.StrictHostKeys
	if d := cfg.ConnectTimeout.D(); d > 0 {
		out.ConnectionTimeout = d
	}
	if d := cfg.CommandTimeout.D(); d > 0 {
		out.CommandTimeout = d
	}
	if cfg.ContainerEngine != "" {
		out.ContainerEngine = cfg.ContainerEngine
	}
	if p := cfg.Proxy; p != nil {
		out.ProxyHost = p.Host
		if p.Port != 0 {
			out.ProxyPort = p.Port
		}
		out.ProxyUser = p.User
		out.ProxyAuthMethod = ssh.AuthMethod(p.Auth)
		out.ProxyPassword = p.Password
		out.ProxyPrivateKeyPath = expandHome(p.KeyFile)
	}
	return out
}

// Policy converts the poll settings into a poll.Policy.
func Policy(cfg config.PollConfig) poll.Policy {
	p := poll.Policy{
		Interval:    cfg.Interval.D(),
		MaxAttempts: cfg.MaxAttempts,
		Timeout:     cfg.Timeout.D(),
	}
	if cfg.Backoff {
		max := cfg.BackoffMax.D()
		if max < p.Interval {
			max = p.Interval
		}
		p.Backoff = poll.ExponentialBackoff(p.Interval, max)
	}
	return p
}

// TelemetryConfig maps the harness telemetry settings.
func TelemetryConfig(cfg *config.Config) *telemetry.Config {
	out := telemetry.DefaultConfig()
	if cfg.Telemetry.LogLevel != "" {
		out.Logging.Level = cfg.Telemetry.LogLevel
	}
	if cfg.Telemetry.LogFormat != "" {
		out.Logging.Format = cfg.Telemetry.LogFormat
	}
	switch cfg.Telemetry.TraceExporter {
	case "", "none":
	default:
		out.Tracing.Enabled = true
		out.Tracing.Exporter = cfg.Telemetry.TraceExporter
		out.Tracing.Endpoint = cfg.Telemetry.TraceEndpoint
	}
	if cfg.Telemetry.MetricsPort != 0 {
		out.Metrics.ListenAddress = fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort)
	}
	return out
}

// OpenStore opens and migrates the run history database at path.
func OpenStore(ctx context.Context, path string) (stores.Store, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open run history %s: %w", path, err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate run history %s: %w", path, err)
	}
	log.Debug().Str("path", path).Msg("run history ready")
	return store, nil
}

func expandHome(p string) string {
	if len(p) < 2 || p[:2] != "~/" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
