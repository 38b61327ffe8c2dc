package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the harness configuration for one device under test.
type Config struct {
	// Device identifies the device under test and how to find it.
	Device DeviceConfig `yaml:"device" json:"device"`

	// Cloud configures the fleet API.
	Cloud CloudConfig `yaml:"cloud" json:"cloud"`

	// SSH configures the host OS shell.
	SSH SSHConfig `yaml:"ssh" json:"ssh"`

	// Supervisor configures the on-device supervisor API.
	Supervisor SupervisorConfig `yaml:"supervisor" json:"supervisor"`

	// Poll is the default budget of every convergence wait.
	Poll PollConfig `yaml:"poll" json:"poll"`

	// Suites holds per-suite settings.
	Suites SuitesConfig `yaml:"suites" json:"suites"`

	// Store configures the run history database.
	Store StoreConfig `yaml:"store" json:"store"`

	// Telemetry configures logging, tracing and metrics.
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`

	// Source is the file the configuration was loaded from.
	Source string `yaml:"-" json:"-"`
}

// DeviceConfig identifies the device under test.
type DeviceConfig struct {
	// UUID is the device UUID as known to the fleet API.
	UUID string `yaml:"uuid" json:"uuid" validate:"required"`

	// Resolver picks how the device address is found: static, cloud or dns.
	Resolver string `yaml:"resolver" json:"resolver" validate:"required,oneof=static cloud dns"`

	// Address is the fixed address used by the static resolver.
	Address string `yaml:"address,omitempty" json:"address,omitempty" validate:"required_if=Resolver static"`

	// AddressPrefix selects which of several reported addresses the cloud
	// resolver uses (e.g. "10.").
	AddressPrefix string `yaml:"address_prefix,omitempty" json:"address_prefix,omitempty"`
}

// CloudConfig configures the fleet API client.
type CloudConfig struct {
	// URL is the API base URL.
	URL string `yaml:"url" json:"url" validate:"required,url"`

	// Token is the API token. Usually supplied through DUT_CLOUD_TOKEN.
	Token string `yaml:"token,omitempty" json:"token,omitempty"`

	// Timeout bounds each API request.
	Timeout Duration `yaml:"timeout" json:"timeout"`

	// CLI is the vendor CLI used to push releases.
	CLI string `yaml:"cli" json:"cli"`
}

// SSHConfig configures the host OS shell.
type SSHConfig struct {
	User string `yaml:"user" json:"user" validate:"required"`
	Port int    `yaml:"port" json:"port" validate:"min=1,max=65535"`

	// Auth is one of none, password, key or agent.
	Auth string `yaml:"auth" json:"auth" validate:"required,oneof=none password key agent"`

	// Password is usually supplied through DUT_SSH_PASSWORD.
	Password string `yaml:"password,omitempty" json:"password,omitempty" validate:"required_if=Auth password"`

	KeyFile        string `yaml:"key_file,omitempty" json:"key_file,omitempty" validate:"required_if=Auth key"`
	KeyPassphrase  string `yaml:"key_passphrase,omitempty" json:"key_passphrase,omitempty"`
	KnownHostsFile string `yaml:"known_hosts_file,omitempty" json:"known_hosts_file,omitempty"`
	StrictHostKeys bool   `yaml:"strict_host_keys" json:"strict_host_keys"`

	ConnectTimeout Duration `yaml:"connect_timeout" json:"connect_timeout"`
	CommandTimeout Duration `yaml:"command_timeout" json:"command_timeout"`

	// ContainerEngine is the engine CLI on the host OS.
	ContainerEngine string `yaml:"container_engine" json:"container_engine"`

	// Proxy is an optional jump host.
	Proxy *ProxyConfig `yaml:"proxy,omitempty" json:"proxy,omitempty"`
}

// ProxyConfig configures an SSH jump host.
type ProxyConfig struct {
	Host     string `yaml:"host" json:"host" validate:"required"`
	Port     int    `yaml:"port" json:"port" validate:"omitempty,min=1,max=65535"`
	User     string `yaml:"user" json:"user" validate:"required"`
	Auth     string `yaml:"auth" json:"auth" validate:"required,oneof=password key agent"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty" json:"key_file,omitempty"`
}

// SupervisorConfig configures the supervisor API client.
type SupervisorConfig struct {
	Port    int      `yaml:"port" json:"port" validate:"min=1,max=65535"`
	Timeout Duration `yaml:"timeout" json:"timeout"`
}

// PollConfig is the default wait budget.
type PollConfig struct {
	Interval    Duration `yaml:"interval" json:"interval"`
	MaxAttempts int      `yaml:"max_attempts" json:"max_attempts" validate:"min=0"`
	Timeout     Duration `yaml:"timeout" json:"timeout"`

	// Backoff grows the interval exponentially up to BackoffMax.
	Backoff    bool     `yaml:"backoff" json:"backoff"`
	BackoffMax Duration `yaml:"backoff_max" json:"backoff_max"`
}

// SuitesConfig holds per-suite settings.
type SuitesConfig struct {
	Supervisor SupervisorSuiteConfig `yaml:"supervisor" json:"supervisor"`
	DeviceTree DeviceTreeSuiteConfig `yaml:"devicetree" json:"devicetree"`
	Modem      ModemSuiteConfig      `yaml:"modem" json:"modem"`
}

// SupervisorSuiteConfig configures the supervisor suite.
type SupervisorSuiteConfig struct {
	// App is the fleet releases are pushed to.
	App string `yaml:"app" json:"app"`

	// Services are the service names every release must run.
	Services []string `yaml:"services" json:"services"`

	// Container is the service container probed for the update lock.
	Container string `yaml:"container" json:"container"`

	// LockService is the service whose held-back release is awaited.
	// Defaults to the first of Services.
	LockService string `yaml:"lock_service" json:"lock_service"`

	// HelloSource, LockSource and OriginalSource are local release
	// source directories.
	HelloSource    string `yaml:"hello_source" json:"hello_source"`
	LockSource     string `yaml:"lock_source" json:"lock_source"`
	OriginalSource string `yaml:"original_source" json:"original_source"`

	// DeltaFile is the file, relative to HelloSource, appended to so that
	// the second release differs from the first.
	DeltaFile string `yaml:"delta_file" json:"delta_file"`
}

// DeviceTreeSuiteConfig configures the device-tree suite.
type DeviceTreeSuiteConfig struct {
	// GPIO is the pin the overlay binds.
	GPIO int `yaml:"gpio" json:"gpio" validate:"min=0"`

	// ConfigTxt is the boot config file checked after the reboot.
	ConfigTxt string `yaml:"config_txt" json:"config_txt"`
}

// ModemSuiteConfig configures the cellular suite.
type ModemSuiteConfig struct {
	// File is the modems.json path.
	File string `yaml:"file" json:"file"`

	// Modems lists the modem models to test. Empty means no scenarios.
	Modems []string `yaml:"modems" json:"modems"`
}

// StoreConfig configures the run history database.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path" validate:"required_if=Enabled true"`
}

// TelemetryConfig configures logging, tracing and metrics.
type TelemetryConfig struct {
	LogLevel  string `yaml:"log_level" json:"log_level" validate:"omitempty,oneof=trace debug info warn error"`
	LogFormat string `yaml:"log_format" json:"log_format" validate:"omitempty,oneof=console json"`

	// TraceExporter is one of none, stdout or otlp.
	TraceExporter string `yaml:"trace_exporter" json:"trace_exporter" validate:"omitempty,oneof=none stdout otlp"`
	TraceEndpoint string `yaml:"trace_endpoint,omitempty" json:"trace_endpoint,omitempty" validate:"required_if=TraceExporter otlp"`

	// MetricsPort serves /metrics when non-zero.
	MetricsPort int `yaml:"metrics_port" json:"metrics_port" validate:"min=0,max=65535"`
}

// Duration is a time.Duration written as a string such as "5s" in
// configuration files.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// String formats the duration.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var v interface{}
	if err := value.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v interface{}) error {
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val))
	case int:
		*d = Duration(time.Duration(val))
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}
