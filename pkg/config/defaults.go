package config

import (
	"time"
)

// Defaults for a development device on a lab network.
const (
	DefaultCloudURL       = "https://api.balena-cloud.com"
	DefaultSSHPort        = 22222
	DefaultSupervisorPort = 48484
	DefaultStorePath      = "dutkit.db"
)

// DefaultConfig returns the configuration every loaded file is layered on.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Resolver: "cloud",
		},
		Cloud: CloudConfig{
			URL:     DefaultCloudURL,
			Timeout: Duration(30 * time.Second),
			CLI:     "balena",
		},
		SSH: SSHConfig{
			User:            "root",
			Port:            DefaultSSHPort,
			Auth:            "none",
			ConnectTimeout:  Duration(30 * time.Second),
			CommandTimeout:  Duration(5 * time.Minute),
			ContainerEngine: "balena",
		},
		Supervisor: SupervisorConfig{
			Port:    DefaultSupervisorPort,
			Timeout: Duration(10 * time.Second),
		},
		Poll: PollConfig{
			Interval:    Duration(5 * time.Second),
			MaxAttempts: 50,
			BackoffMax:  Duration(time.Minute),
		},
		Suites: SuitesConfig{
			Supervisor: SupervisorSuiteConfig{
				Services:  []string{"main"},
				Container: "main",
				DeltaFile: "src/main.py",
			},
			DeviceTree: DeviceTreeSuiteConfig{
				GPIO:      4,
				ConfigTxt: "/mnt/boot/config.txt",
			},
			Modem: ModemSuiteConfig{
				File: "modems.json",
			},
		},
		Store: StoreConfig{
			Enabled: true,
			Path:    DefaultStorePath,
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			LogFormat:     "console",
			TraceExporter: "none",
		},
	}
}
