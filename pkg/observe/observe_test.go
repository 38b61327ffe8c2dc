package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dutkit/dutkit/pkg/device"
	"github.com/dutkit/dutkit/pkg/poll"
)

const uuid = "0123456789abcdef0123456789abcdef"

// sequence returns its readings in order and repeats the last one.
type sequence[V any] struct {
	readings []V
	err      error
	reads    int
}

func (s *sequence[V]) Read(context.Context) (V, error) {
	s.reads++
	if s.err != nil {
		var zero V
		return zero, s.err
	}
	i := s.reads - 1
	if i >= len(s.readings) {
		i = len(s.readings) - 1
	}
	return s.readings[i], nil
}

func fastWaiter(attempts int) *poll.Waiter {
	return poll.NewWaiter(
		poll.Policy{Interval: time.Millisecond, MaxAttempts: attempts},
		poll.WithSleeper(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	)
}

func check[T any](t *testing.T, c poll.Condition[T]) (T, bool) {
	t.Helper()
	v, ok, err := c.Check(context.Background())
	require.NoError(t, err)
	return v, ok
}

func running(commit string) device.ServiceInstance {
	return device.ServiceInstance{Status: device.StatusRunning, Commit: commit}
}

func TestServicesAtCommitIsConjunction(t *testing.T) {
	tests := []struct {
		name     string
		snapshot device.ServiceSnapshot
		services []string
		want     bool
	}{
		{
			name:     "all running at commit",
			snapshot: device.ServiceSnapshot{"main": {running("c1")}, "proxy": {running("c1")}},
			services: []string{"main", "proxy"},
			want:     true,
		},
		{
			name:     "one service at another commit",
			snapshot: device.ServiceSnapshot{"main": {running("c1")}, "proxy": {running("c0")}},
			services: []string{"main", "proxy"},
			want:     false,
		},
		{
			name:     "one service missing",
			snapshot: device.ServiceSnapshot{"main": {running("c1")}},
			services: []string{"main", "proxy"},
			want:     false,
		},
		{
			name: "newest install not running yet",
			snapshot: device.ServiceSnapshot{"main": {
				{Status: device.StatusDownloading, Commit: "c1"},
				running("c0"),
			}},
			services: []string{"main"},
			want:     false,
		},
		{
			name:     "no services requested",
			snapshot: device.ServiceSnapshot{"main": {running("c1")}},
			want:     false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &sequence[device.ServiceSnapshot]{readings: []device.ServiceSnapshot{tt.snapshot}}
			_, ok := check(t, ServicesAtCommit(r, tt.services, "c1"))
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestServicesAtCommitConvergesThroughPoll(t *testing.T) {
	r := &sequence[device.ServiceSnapshot]{readings: []device.ServiceSnapshot{
		{"main": {{Status: device.StatusDownloading, Commit: "c2"}, running("c1")}},
		{"main": {{Status: device.StatusInstalling, Commit: "c2"}, running("c1")}},
		{"main": {running("c2")}},
		{"main": {running("c2")}},
	}}

	res := poll.Until(context.Background(), fastWaiter(50), ServicesAtCommit(r, []string{"main"}, "c2"))
	require.True(t, res.Converged())
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, r.reads, "no extra reading after convergence")
}

func TestReleaseHeldBackNeedsBothInOneReading(t *testing.T) {
	held := device.ServiceSnapshot{"main": {
		{Status: device.StatusDownloaded, Commit: "c2"},
		running("c1"),
	}}
	onlyStaged := device.ServiceSnapshot{"main": {{Status: device.StatusDownloaded, Commit: "c2"}}}
	onlyRunning := device.ServiceSnapshot{"main": {running("c1")}}
	applied := device.ServiceSnapshot{"main": {running("c2")}}

	for name, tc := range map[string]struct {
		snapshot device.ServiceSnapshot
		want     bool
	}{
		"held back":    {held, true},
		"only staged":  {onlyStaged, false},
		"only running": {onlyRunning, false},
		"applied":      {applied, false},
	} {
		t.Run(name, func(t *testing.T) {
			r := &sequence[device.ServiceSnapshot]{readings: []device.ServiceSnapshot{tc.snapshot}}
			_, ok := check(t, ReleaseHeldBack(r, "main", "c1", "c2"))
			assert.Equal(t, tc.want, ok)
		})
	}

	// Running@c1 and Downloaded@c2 seen in different readings never
	// satisfy the condition.
	r := &sequence[device.ServiceSnapshot]{readings: []device.ServiceSnapshot{onlyRunning, onlyStaged}}
	res := poll.Until(context.Background(), fastWaiter(4), ReleaseHeldBack(r, "main", "c1", "c2"))
	assert.Equal(t, poll.Exhausted, res.Outcome)
}

func TestLogsContain(t *testing.T) {
	logs := []device.LogEntry{
		{Message: "Supervisor starting"},
		{Message: `Applied configuration change {"SUPERVISOR_DELTA":"0"}`},
		{Message: "Downloading image 'main'"},
	}
	r := &sequence[[]device.LogEntry]{readings: [][]device.LogEntry{logs}}

	_, ok := check(t, LogsContain(r, "Downloading image", "Downloading delta for image"))
	assert.True(t, ok, "positive present, negative absent")

	_, ok = check(t, LogsContain(r, "Downloading delta for image", ""))
	assert.False(t, ok, "positive absent")

	_, ok = check(t, LogsContain(r, "Downloading image", "SUPERVISOR_DELTA"))
	assert.False(t, ok, "negative present")
}

func TestReadErrorsPropagate(t *testing.T) {
	boom := errors.New("connection refused")

	_, ok, err := ServicesAtCommit(&sequence[device.ServiceSnapshot]{err: boom}, []string{"main"}, "c1").Check(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.False(t, ok)

	_, _, err = LogsContain(&sequence[[]device.LogEntry]{err: boom}, "x", "").Check(context.Background())
	assert.ErrorIs(t, err, boom)

	_, _, err = FileAbsent(&sequence[bool]{err: boom}, "/tmp/x").Check(context.Background())
	assert.ErrorIs(t, err, boom, "a failed probe is not an absent file")

	res := poll.Until(context.Background(), fastWaiter(5), OutputEquals(&sequence[string]{err: boom}, "OK"))
	assert.Equal(t, poll.Failed, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
}

func TestTargetStateMatches(t *testing.T) {
	want := map[string]string{
		"HOST_CONFIG_dtoverlay": `"gpio-key,gpio=4,active_low=0,gpio_pull=up"`,
		"HOST_CONFIG_dtparam":   `"i2c_arm=on","spi=on","audio=on","foo=bar","level=42"`,
	}
	state := device.NewLocalTargetState(map[string]string{
		"HOST_CONFIG_dtoverlay": want["HOST_CONFIG_dtoverlay"],
		"HOST_CONFIG_dtparam":   want["HOST_CONFIG_dtparam"],
		"SUPERVISOR_LOCAL_MODE": "true",
	})
	r := &sequence[device.TargetState]{readings: []device.TargetState{state}}

	_, ok := check(t, TargetStateMatches(r, want))
	assert.True(t, ok, "extra keys on the device are ignored")

	other := map[string]string{"HOST_CONFIG_dtoverlay": "none", "HOST_CONFIG_dtparam": want["HOST_CONFIG_dtparam"]}
	_, ok = check(t, TargetStateMatches(r, other))
	assert.False(t, ok)

	_, ok = check(t, TargetStateMatches(r, other, "HOST_CONFIG_dtparam"))
	assert.True(t, ok, "only the listed keys are compared")

	assert.Equal(t, "HOST_CONFIG_dtoverlay", ConfigMismatch(state, other, "HOST_CONFIG_dtoverlay", "HOST_CONFIG_dtparam"))
}

type fakeHost struct {
	outputs map[string][]string
	calls   map[string]int
}

func (f *fakeHost) HostOS(_ context.Context, cmd string) (string, error) {
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	outs, ok := f.outputs[cmd]
	if !ok {
		return "", errors.New("unexpected command: " + cmd)
	}
	i := f.calls[cmd]
	f.calls[cmd]++
	if i >= len(outs) {
		i = len(outs) - 1
	}
	return outs[i], nil
}

func (f *fakeHost) Container(ctx context.Context, name, cmd string) (string, error) {
	return f.HostOS(ctx, name+"/"+cmd)
}

func TestMarkerGone(t *testing.T) {
	host := &fakeHost{outputs: map[string][]string{
		"test -f '/tmp/reboot-check' || echo pass": {"", "", "pass"},
	}}

	res := poll.Until(context.Background(), fastWaiter(10), MarkerGone(host, "/tmp/reboot-check"))
	require.True(t, res.Converged())
	assert.Equal(t, 3, res.Attempts)
}

func TestOutputPredicates(t *testing.T) {
	host := &fakeHost{outputs: map[string][]string{
		"ls /tmp/balena":              {"updates.lock"},
		"main/ls /tmp/balena":         {"updates.lock"},
		"balena ps | grep supervisor": {"abc balena_supervisor"},
	}}

	_, ok := check(t, OutputEquals(HostCommand{Runner: host, Cmd: "ls /tmp/balena"}, "updates.lock"))
	assert.True(t, ok)

	_, ok = check(t, OutputEquals(ContainerCommand{Runner: host, Container: "main", Cmd: "ls /tmp/balena"}, "updates.lock"))
	assert.True(t, ok)

	_, ok = check(t, OutputContains(HostCommand{Runner: host, Cmd: "balena ps | grep supervisor"}, "balena_supervisor"))
	assert.True(t, ok)

	_, ok = check(t, OutputLacks(HostCommand{Runner: host, Cmd: "balena ps | grep supervisor"}, "balena_supervisor"))
	assert.False(t, ok)

	_, ok = check(t, OutputNotEmpty(HostCommand{Runner: host, Cmd: "balena ps | grep supervisor"}))
	assert.True(t, ok)
}

func TestPinLevelIs(t *testing.T) {
	tests := []struct {
		raw  string
		want device.PinLevel
	}{
		{`"hi"`, device.PinHigh},
		{"hi", device.PinHigh},
		{"1", device.PinHigh},
		{`"lo"`, device.PinLow},
		{"0", device.PinLow},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			r := &sequence[string]{readings: []string{tt.raw}}
			level, ok := check(t, PinLevelIs(r, tt.want))
			assert.True(t, ok)
			assert.Equal(t, tt.want, level)

			_, ok = check(t, PinLevelIs(r, tt.want.Opposite()))
			assert.False(t, ok)
		})
	}

	_, _, err := PinLevelIs(&sequence[string]{readings: []string{"floating"}}, device.PinHigh).Check(context.Background())
	assert.Error(t, err, "an unreadable level is a read error")
}

type fakeCloud struct {
	snapshot device.ServiceSnapshot
	version  string
}

func (f *fakeCloud) ServiceDetails(context.Context, string) (device.ServiceSnapshot, error) {
	return f.snapshot, nil
}

func (f *fakeCloud) SupervisorVersion(context.Context, string) (string, error) {
	return f.version, nil
}

type fakeSupervisor struct{ state device.TargetState }

func (f *fakeSupervisor) TargetState(context.Context) (device.TargetState, error) { return f.state, nil }
func (f *fakeSupervisor) Ping(context.Context) (string, error)                     { return "OK", nil }

type fakeProber map[string]bool

func (f fakeProber) Exists(_ context.Context, path string) (bool, error) { return f[path], nil }

// The same predicate works over any transport producing the same type.
func TestReadersAreInterchangeable(t *testing.T) {
	cloud := &fakeCloud{version: "14.11.2"}
	host := &fakeHost{outputs: map[string][]string{"cat /etc/supervisor-version": {"14.11.2"}}}

	for name, r := range map[string]Reader[string]{
		"cloud": CloudSupervisorVersion{Source: cloud, UUID: uuid},
		"shell": HostCommand{Runner: host, Cmd: "cat /etc/supervisor-version"},
	} {
		t.Run(name, func(t *testing.T) {
			_, ok := check(t, Equals(r, "14.11.2"))
			assert.True(t, ok)
		})
	}

	_, ok := check(t, OutputEquals(SupervisorPing{Source: &fakeSupervisor{}}, "OK"))
	assert.True(t, ok)

	files := fakeProber{"/mnt/boot/config.txt": true}
	_, ok = check(t, FileExists(RemoteFile{Prober: files, Path: "/mnt/boot/config.txt"}, "/mnt/boot/config.txt"))
	assert.True(t, ok)
	_, ok = check(t, FileAbsent(RemoteFile{Prober: files, Path: "/tmp/reboot-check"}, "/tmp/reboot-check"))
	assert.True(t, ok)

	cloud.snapshot = device.ServiceSnapshot{"main": {running("c1")}}
	_, ok = check(t, ServicesAtCommit(CloudServices{Source: cloud, UUID: uuid}, []string{"main"}, "c1"))
	assert.True(t, ok)

	sup := &fakeSupervisor{state: device.NewLocalTargetState(map[string]string{"A": "1"})}
	_, ok = check(t, TargetStateMatches(SupervisorTargetState{Source: sup}, map[string]string{"A": "1"}))
	assert.True(t, ok)
}
