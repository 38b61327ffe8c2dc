package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Environment variables overlaid on a loaded configuration. Secrets are
// expected to come from here or from a .env file rather than from the
// configuration file itself.
const (
	EnvDeviceUUID    = "DUT_DEVICE_UUID"
	EnvDeviceAddress = "DUT_DEVICE_ADDRESS"
	EnvCloudURL      = "DUT_CLOUD_URL"
	EnvCloudToken    = "DUT_CLOUD_TOKEN"
	EnvSSHPassword   = "DUT_SSH_PASSWORD"
	EnvSSHKeyFile    = "DUT_SSH_KEY_FILE"
	EnvApp           = "DUT_APP"
)

// Load reads a configuration file and layers it on DefaultConfig. The
// format follows the extension: .yaml and .yml are decoded strictly with
// yaml.v3, .cue goes through the CUE parser. An empty path returns the
// defaults.
func Load(ctx context.Context, path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	var (
		cfg *Config
		err error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		cfg, err = LoadYAML(path)
	case ".cue":
		cfg, err = LoadCUE(ctx, path)
	default:
		info, statErr := os.Stat(path)
		if statErr == nil && info.IsDir() {
			cfg, err = LoadCUE(ctx, path)
			break
		}
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return nil, err
	}

	cfg.Source = path
	log.Debug().Str("config", path).Msg("loaded configuration")
	return cfg, nil
}

// LoadYAML decodes a YAML file on top of the defaults. Unknown keys are
// rejected.
func LoadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadCUE evaluates a CUE file or package directory against the config
// schema.
func LoadCUE(ctx context.Context, path string) (*Config, error) {
	parsed, err := NewCUEParser().Parse(ctx, []string{path})
	if err != nil {
		return nil, err
	}
	if err := parsed.Err(); err != nil {
		return nil, err
	}
	return parsed.Config, nil
}

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
		log.Debug().Str("dotenv", p).Msg("loaded .env")
	}
	return nil
}

// ApplyEnv overlays the DUT_* environment variables.
func (c *Config) ApplyEnv() {
	overlay := []struct {
		key string
		dst *string
	}{
		{EnvDeviceUUID, &c.Device.UUID},
		{EnvDeviceAddress, &c.Device.Address},
		{EnvCloudURL, &c.Cloud.URL},
		{EnvCloudToken, &c.Cloud.Token},
		{EnvSSHPassword, &c.SSH.Password},
		{EnvSSHKeyFile, &c.SSH.KeyFile},
		{EnvApp, &c.Suites.Supervisor.App},
	}
	for _, o := range overlay {
		if v, ok := os.LookupEnv(o.key); ok && v != "" {
			*o.dst = v
		}
	}

	if c.Device.Address != "" && os.Getenv(EnvDeviceAddress) != "" {
		c.Device.Resolver = "static"
	}
	if c.SSH.Password != "" && c.SSH.Auth == "none" {
		c.SSH.Auth = "password"
	}
	if c.SSH.KeyFile != "" && c.SSH.Auth == "none" {
		c.SSH.Auth = "key"
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the configuration is complete enough to run suites.
func (c *Config) Validate() error {
	var problems []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("config validation: %w", err)
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}

	for name, d := range map[string]Duration{
		"cloud.timeout":       c.Cloud.Timeout,
		"ssh.connect_timeout": c.SSH.ConnectTimeout,
		"ssh.command_timeout": c.SSH.CommandTimeout,
		"supervisor.timeout":  c.Supervisor.Timeout,
		"poll.interval":       c.Poll.Interval,
		"poll.timeout":        c.Poll.Timeout,
		"poll.backoff_max":    c.Poll.BackoffMax,
	} {
		if d < 0 {
			problems = append(problems, name+" must not be negative")
		}
	}
	if c.Poll.MaxAttempts == 0 && c.Poll.Timeout == 0 {
		problems = append(problems, "poll needs max_attempts or timeout")
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("invalid configuration:\n  %s", strings.Join(problems, "\n  "))
}

func describe(fe validator.FieldError) string {
	path := fe.Namespace()
	if i := strings.IndexByte(path, '.'); i >= 0 {
		path = path[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return path + " is required"
	case "required_if":
		return fmt.Sprintf("%s is required when %s", path, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", path, fe.Param(), fmt.Sprint(fe.Value()))
	case "url":
		return path + " must be a URL"
	case "min", "max":
		return fmt.Sprintf("%s must be %s %s", path, map[string]string{"min": ">=", "max": "<="}[fe.Tag()], fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", path, fe.Tag())
	}
}
