package observe

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dutkit/dutkit/pkg/device"
	"github.com/dutkit/dutkit/pkg/poll"
)

// ServicesAtCommit holds when every named service's newest install is
// Running at commit. One mismatching service makes it false.
func ServicesAtCommit(r Reader[device.ServiceSnapshot], services []string, commit string) poll.Condition[device.ServiceSnapshot] {
	return poll.Condition[device.ServiceSnapshot]{
		Description: fmt.Sprintf("services %s running at %s", strings.Join(services, ","), short(commit)),
		Kind:        "services-at-commit",
		Check: func(ctx context.Context) (device.ServiceSnapshot, bool, error) {
			snapshot, err := r.Read(ctx)
			if err != nil {
				return nil, false, err
			}
			return snapshot, servicesAtCommit(snapshot, services, commit), nil
		},
	}
}

func servicesAtCommit(snapshot device.ServiceSnapshot, services []string, commit string) bool {
	if len(services) == 0 {
		return false
	}
	for _, name := range services {
		current, ok := snapshot.Current(name)
		if !ok || current.Status != device.StatusRunning || current.Commit != commit {
			return false
		}
	}
	return true
}

// ReleaseHeldBack holds when service has an install Running at
// runningCommit and, in the same reading, one Downloaded at stagedCommit.
func ReleaseHeldBack(r Reader[device.ServiceSnapshot], service, runningCommit, stagedCommit string) poll.Condition[device.ServiceSnapshot] {
	return poll.Condition[device.ServiceSnapshot]{
		Description: fmt.Sprintf("%s running %s with %s downloaded", service, short(runningCommit), short(stagedCommit)),
		Kind:        "release-held-back",
		Check: func(ctx context.Context) (device.ServiceSnapshot, bool, error) {
			snapshot, err := r.Read(ctx)
			if err != nil {
				return nil, false, err
			}
			ok := snapshot.Has(service, device.StatusRunning, runningCommit) &&
				snapshot.Has(service, device.StatusDownloaded, stagedCommit)
			return snapshot, ok, nil
		},
	}
}

// TargetStateMatches holds when the device's local config equals want on
// keys, or on every key of want when keys is empty.
func TargetStateMatches(r Reader[device.TargetState], want map[string]string, keys ...string) poll.Condition[device.TargetState] {
	if len(keys) == 0 {
		for k := range want {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}
	return poll.Condition[device.TargetState]{
		Description: "target state has " + strings.Join(keys, ","),
		Kind:        "target-state",
		Check: func(ctx context.Context) (device.TargetState, bool, error) {
			state, err := r.Read(ctx)
			if err != nil {
				return device.TargetState{}, false, err
			}
			return state, ConfigMismatch(state, want, keys...) == "", nil
		},
	}
}

// ConfigMismatch returns the first key whose value differs, or "".
func ConfigMismatch(state device.TargetState, want map[string]string, keys ...string) string {
	for _, k := range keys {
		got, ok := state.Local.Config[k]
		if !ok || got != want[k] {
			return k
		}
	}
	return ""
}

// LogsContain holds when some line contains contains and no line contains
// notContains.
func LogsContain(r Reader[[]device.LogEntry], contains, notContains string) poll.Condition[[]device.LogEntry] {
	desc := fmt.Sprintf("logs contain %q", contains)
	if notContains != "" {
		desc += fmt.Sprintf(" and not %q", notContains)
	}
	return poll.Condition[[]device.LogEntry]{
		Description: desc,
		Kind:        "logs",
		Check: func(ctx context.Context) ([]device.LogEntry, bool, error) {
			entries, err := r.Read(ctx)
			if err != nil {
				return nil, false, err
			}
			return entries, device.LogsMatch(entries, contains, notContains), nil
		},
	}
}

// FileExists holds when r reports the file present.
func FileExists(r Reader[bool], path string) poll.Condition[bool] {
	return boolIs(r, true, path+" exists", "file")
}

// FileAbsent holds when r reports the file missing.
func FileAbsent(r Reader[bool], path string) poll.Condition[bool] {
	return boolIs(r, false, path+" is absent", "file")
}

func boolIs(r Reader[bool], want bool, desc, kind string) poll.Condition[bool] {
	return poll.Condition[bool]{
		Description: desc,
		Kind:        kind,
		Check: func(ctx context.Context) (bool, bool, error) {
			v, err := r.Read(ctx)
			if err != nil {
				return false, false, err
			}
			return v, v == want, nil
		},
	}
}

// MarkerGone holds once the marker file no longer exists on the host OS.
// A reboot clears files under /tmp, so a marker written before a
// rebooting action proves the reboot happened.
func MarkerGone(runner HostRunner, path string) poll.Condition[string] {
	cmd := fmt.Sprintf("test -f %s || echo pass", shellQuote(path))
	c := OutputEquals(HostCommand{Runner: runner, Cmd: cmd}, "pass")
	c.Description = "marker " + path + " removed by reboot"
	c.Kind = "marker"
	return c
}

// OutputEquals holds when the reading equals want.
func OutputEquals(r Reader[string], want string) poll.Condition[string] {
	return outputMatch(r, fmt.Sprintf("output is %q", want), func(s string) bool { return s == want })
}

// OutputContains holds when the reading contains sub.
func OutputContains(r Reader[string], sub string) poll.Condition[string] {
	return outputMatch(r, fmt.Sprintf("output contains %q", sub), func(s string) bool { return strings.Contains(s, sub) })
}

// OutputLacks holds when the reading does not contain sub.
func OutputLacks(r Reader[string], sub string) poll.Condition[string] {
	return outputMatch(r, fmt.Sprintf("output lacks %q", sub), func(s string) bool { return !strings.Contains(s, sub) })
}

// OutputNotEmpty holds when the reading is non-empty.
func OutputNotEmpty(r Reader[string]) poll.Condition[string] {
	return outputMatch(r, "output is not empty", func(s string) bool { return s != "" })
}

func outputMatch(r Reader[string], desc string, match func(string) bool) poll.Condition[string] {
	return poll.Condition[string]{
		Description: desc,
		Kind:        "output",
		Check: func(ctx context.Context) (string, bool, error) {
			out, err := r.Read(ctx)
			if err != nil {
				return "", false, err
			}
			return out, match(out), nil
		},
	}
}

// PinLevelIs holds when the decoded pin level equals level.
func PinLevelIs(r Reader[string], level device.PinLevel) poll.Condition[device.PinLevel] {
	c := Equals(PinLevel(r), level)
	c.Description = "pin level is " + string(level)
	c.Kind = "pin"
	return c
}

// Equals holds when the reading equals want.
func Equals[V comparable](r Reader[V], want V) poll.Condition[V] {
	return poll.Condition[V]{
		Description: fmt.Sprintf("value is %v", want),
		Kind:        "equals",
		Check: func(ctx context.Context) (V, bool, error) {
			v, err := r.Read(ctx)
			if err != nil {
				return v, false, err
			}
			return v, v == want, nil
		},
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func short(commit string) string {
	if len(commit) > 7 {
		return commit[:7]
	}
	return commit
}
