package device

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ServiceStatus is the lifecycle status the cloud reports for a service
// install.
type ServiceStatus string

const (
	StatusDownloading ServiceStatus = "Downloading"
	StatusDownloaded  ServiceStatus = "Downloaded"
	StatusInstalling  ServiceStatus = "Installing"
	StatusInstalled   ServiceStatus = "Installed"
	StatusStarting    ServiceStatus = "Starting"
	StatusRunning     ServiceStatus = "Running"
	StatusStopping    ServiceStatus = "Stopping"
	StatusStopped     ServiceStatus = "Stopped"
	StatusExited      ServiceStatus = "exited"
	StatusDeleted     ServiceStatus = "Deleted"
)

// ServiceInstance is one install of a service image at a given release.
type ServiceInstance struct {
	Status           ServiceStatus `json:"status"`
	Commit           string        `json:"commit"`
	ReleaseID        int64         `json:"release_id,omitempty"`
	DownloadProgress *int          `json:"download_progress,omitempty"`
	CreatedAt        time.Time     `json:"created_at,omitempty"`
}

// String renders the instance as status@commit.
func (i ServiceInstance) String() string {
	return fmt.Sprintf("%s@%s", i.Status, shortCommit(i.Commit))
}

// ServiceSnapshot maps service names to their installs, newest first. A
// service has more than one install while a new release is staged next to
// the running one.
type ServiceSnapshot map[string][]ServiceInstance

// Instances returns the installs of a service.
func (s ServiceSnapshot) Instances(service string) []ServiceInstance {
	return s[service]
}

// Current returns the newest install of a service.
func (s ServiceSnapshot) Current(service string) (ServiceInstance, bool) {
	inst := s[service]
	if len(inst) == 0 {
		return ServiceInstance{}, false
	}
	return inst[0], true
}

// Has reports whether the service has an install matching status and
// commit.
func (s ServiceSnapshot) Has(service string, status ServiceStatus, commit string) bool {
	for _, inst := range s[service] {
		if inst.Status == status && inst.Commit == commit {
			return true
		}
	}
	return false
}

// String renders the snapshot deterministically for comments and
// assertion messages.
func (s ServiceSnapshot) String() string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		inst := make([]string, 0, len(s[name]))
		for _, i := range s[name] {
			inst = append(inst, i.String())
		}
		parts = append(parts, fmt.Sprintf("%s=[%s]", name, strings.Join(inst, " ")))
	}
	return strings.Join(parts, " ")
}

func shortCommit(c string) string {
	if len(c) > 7 {
		return c[:7]
	}
	return c
}

// TargetState is the document accepted by the supervisor's local
// target-state endpoint.
type TargetState struct {
	Local     LocalState     `json:"local"`
	Dependent DependentState `json:"dependent"`
}

// LocalState is the local part of a target state.
type LocalState struct {
	Name   string                 `json:"name"`
	Config map[string]string      `json:"config"`
	Apps   map[string]interface{} `json:"apps"`
}

// DependentState lists dependent apps and devices.
type DependentState struct {
	Apps    []interface{} `json:"apps"`
	Devices []interface{} `json:"devices"`
}

// NewLocalTargetState builds a local-mode target state with the given
// config and no apps.
func NewLocalTargetState(config map[string]string) TargetState {
	return TargetState{
		Local: LocalState{
			Name:   "local",
			Config: config,
			Apps:   map[string]interface{}{},
		},
		Dependent: DependentState{
			Apps:    []interface{}{},
			Devices: []interface{}{},
		},
	}
}

// LogEntry is one line of device logs as reported by the cloud.
type LogEntry struct {
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	IsSystem    bool      `json:"isSystem,omitempty"`
	IsStdErr    bool      `json:"isStdErr,omitempty"`
	ServiceName string    `json:"serviceName,omitempty"`
}

// LogsMatch reports whether some entry contains the positive substring and
// no entry contains the negative one. An empty negative substring is
// ignored.
func LogsMatch(entries []LogEntry, contains, notContains string) bool {
	found := false
	for _, e := range entries {
		if notContains != "" && strings.Contains(e.Message, notContains) {
			return false
		}
		if strings.Contains(e.Message, contains) {
			found = true
		}
	}
	return found
}

// LogsAfter returns the entries following the first one that contains
// marker. Without a marker line every entry is returned.
func LogsAfter(entries []LogEntry, marker string) []LogEntry {
	for i, e := range entries {
		if strings.Contains(e.Message, marker) {
			return entries[i+1:]
		}
	}
	return entries
}

// PinLevel is a decoded GPIO line level.
type PinLevel string

const (
	PinHigh    PinLevel = "hi"
	PinLow     PinLevel = "lo"
	PinUnknown PinLevel = ""
)

// ParsePinLevel decodes a sysfs value ("0"/"1") or a debugfs level
// ("hi"/"lo", optionally quoted).
func ParsePinLevel(raw string) (PinLevel, error) {
	v := strings.Trim(strings.TrimSpace(raw), `"`)
	switch v {
	case "1", "hi", "high":
		return PinHigh, nil
	case "0", "lo", "low":
		return PinLow, nil
	default:
		return PinUnknown, fmt.Errorf("unrecognised pin level %q", raw)
	}
}

// Opposite returns the other level.
func (p PinLevel) Opposite() PinLevel {
	switch p {
	case PinHigh:
		return PinLow
	case PinLow:
		return PinHigh
	default:
		return PinUnknown
	}
}
