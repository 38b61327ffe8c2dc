package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dutkit/dutkit/pkg/config"
	"github.com/dutkit/dutkit/pkg/device"
	"github.com/dutkit/dutkit/pkg/harness"
	"github.com/dutkit/dutkit/pkg/poll"
	"github.com/dutkit/dutkit/pkg/scenario"
)

const testUUID = "a1b2c3d4e5f60718293a4b5c6d7e8f90"

// fakeFleet plays both the cloud API and the device. A pushed release
// reports Downloading on the first read and Running afterwards, unless the
// running release holds the update lock.
type fakeFleet struct {
	mu sync.Mutex

	pushes   []string
	vars     map[string]string
	services []device.ServiceInstance
	logs     []device.LogEntry
	locked   bool
	pending  string
	settling int

	container    string
	version      string
	supervisorUp bool
	commands     []string

	// ignoreDeltaVar makes the device keep fetching deltas.
	ignoreDeltaVar bool
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{vars: map[string]string{}, container: "main", version: "v14.11.2", supervisorUp: true}
}

func (f *fakeFleet) log(msg string) {
	f.logs = append(f.logs, device.LogEntry{Message: msg, Timestamp: time.Now()})
}

func (f *fakeFleet) PushRelease(_ context.Context, app, source string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if app != "fleet/dut" {
		return "", fmt.Errorf("unknown app %s", app)
	}
	f.pushes = append(f.pushes, source)
	commit := fmt.Sprintf("%040d", len(f.pushes))

	if f.vars[VarDelta] != "0" || f.ignoreDeltaVar {
		f.log(deltaLogLine + " balena/main")
	}

	_, lockApp := os.Stat(filepath.Join(source, "LOCK"))
	if f.locked && f.vars[VarOverrideLock] != "1" {
		f.services = []device.ServiceInstance{
			{Status: device.StatusRunning, Commit: f.services[0].Commit},
			{Status: device.StatusDownloaded, Commit: commit},
		}
		f.pending = commit
		return commit, nil
	}
	f.services = []device.ServiceInstance{{Status: device.StatusDownloading, Commit: commit}}
	f.settling = 1
	f.locked = lockApp == nil
	return commit, nil
}

func (f *fakeFleet) ServiceDetails(context.Context, string) (device.ServiceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.settling > 0 {
		f.settling--
		snap := device.ServiceSnapshot{"main": append([]device.ServiceInstance(nil), f.services...)}
		if f.settling == 0 {
			f.services[0].Status = device.StatusRunning
		}
		return snap, nil
	}
	return device.ServiceSnapshot{"main": append([]device.ServiceInstance(nil), f.services...)}, nil
}

func (f *fakeFleet) Logs(context.Context, string) ([]device.LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]device.LogEntry(nil), f.logs...), nil
}

func (f *fakeFleet) SupervisorVersion(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.supervisorUp {
		return "", nil
	}
	return f.version, nil
}

func (f *fakeFleet) SetConfigVariable(_ context.Context, uuid, name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if uuid != testUUID {
		return fmt.Errorf("unknown device %s", uuid)
	}
	f.vars[name] = value
	if name == VarDelta && value == "0" {
		f.log(deltaOffLogLine)
	}
	if name == VarOverrideLock && value == "1" && f.pending != "" {
		f.services = []device.ServiceInstance{{Status: device.StatusRunning, Commit: f.pending}}
		f.pending = ""
		f.locked = false
	}
	return nil
}

func (f *fakeFleet) HostOS(_ context.Context, cmd string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.commands = append(f.commands, cmd)
	switch {
	case strings.HasPrefix(cmd, "systemctl stop balena-supervisor"):
		f.supervisorUp = false
		return "", nil
	case cmd == updateSupervisor:
		f.supervisorUp = true
		return "Getting image name and tag...\nSupervisor configuration found from API.", nil
	case strings.Contains(cmd, "ps | grep supervisor"):
		if f.supervisorUp {
			return "4b3c2a1f  balena/aarch64-supervisor  Up 2 seconds  balena_supervisor", nil
		}
		return "", nil
	}
	return "", fmt.Errorf("unexpected command %q", cmd)
}

func (f *fakeFleet) Container(_ context.Context, name, cmd string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if name != f.container {
		return "", fmt.Errorf("no container %s", name)
	}
	if cmd == "ls "+lockDir && f.locked {
		return lockFileListing, nil
	}
	return "", errors.New("ls: /tmp/balena: No such file or directory")
}

func (f *fakeFleet) Script(context.Context, []byte, ...string) (string, error) { return "", nil }
func (f *fakeFleet) Exists(context.Context, string) (bool, error)              { return false, nil }
func (f *fakeFleet) ReadFile(context.Context, string) (string, error)          { return "", nil }
func (f *fakeFleet) Ping(context.Context) error                                { return nil }
func (f *fakeFleet) Close() error                                              { return nil }

func sources(t *testing.T) config.SupervisorSuiteConfig {
	t.Helper()
	root := t.TempDir()

	write := func(rel, content string) {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	write("hello/src/main.py", "print('hello')\n")
	write("hello/Dockerfile.template", "FROM balenalib/%%BALENA_MACHINE_NAME%%-python\n")
	write("lock/LOCK", "")
	write("lock/Dockerfile", "FROM alpine\n")
	write("original/Dockerfile", "FROM node\n")

	cfg := config.DefaultConfig().Suites.Supervisor
	cfg.App = "fleet/dut"
	cfg.HelloSource = filepath.Join(root, "hello")
	cfg.LockSource = filepath.Join(root, "lock")
	cfg.OriginalSource = filepath.Join(root, "original")
	return cfg
}

func run(t *testing.T, fleet *fakeFleet, suiteCfg config.SupervisorSuiteConfig, title string) scenario.Result {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Suites.Supervisor = suiteCfg

	waiter := poll.NewWaiter(
		poll.Policy{Interval: time.Second, MaxAttempts: 5},
		poll.WithSleeper(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	)
	env := &harness.Env{
		Config: cfg,
		Device: device.NewHandle(testUUID, device.StaticResolver("10.0.0.2")),
		Cloud:  fleet,
		Shell:  fleet,
		Waiter: waiter,
	}

	runner := scenario.NewRunner(testUUID, scenario.WithWaiter(waiter), scenario.WithFilter(title))
	report, err := runner.Run(context.Background(), New(env))
	require.NoError(t, err)
	require.Len(t, report.Suites, 1)
	require.NoError(t, report.Suites[0].SetupErr)
	require.Len(t, report.Suites[0].Scenarios, 1)
	return report.Suites[0].Scenarios[0]
}

func TestProvisioningWithoutDeltas(t *testing.T) {
	fleet := newFakeFleet()
	cfg := sources(t)

	res := run(t, fleet, cfg, "Provisioning without deltas")
	require.True(t, res.Passed(), res.FailureMessage())

	require.Len(t, fleet.pushes, 2)
	assert.Equal(t, fleet.pushes[0], fleet.pushes[1], "both pushes come from the staged copy")
	assert.NotEqual(t, cfg.HelloSource, fleet.pushes[0], "the configured source is never modified")

	original, err := os.ReadFile(filepath.Join(cfg.HelloSource, "src/main.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hello')\n", string(original))

	_, err = os.Stat(fleet.pushes[0])
	assert.True(t, os.IsNotExist(err), "staged copy is removed on teardown")

	assert.Equal(t, "1", fleet.vars[VarDelta], "deltas are re-enabled on teardown")
}

func TestProvisioningWithoutDeltasDetectsDeltaDownload(t *testing.T) {
	fleet := newFakeFleet()
	fleet.ignoreDeltaVar = true

	res := run(t, fleet, sources(t), "Provisioning without deltas")
	require.False(t, res.Passed())
	require.True(t, device.LogsMatch(fleet.logs, deltaOffLogLine, ""), "the config change is logged either way")

	var af *scenario.AssertionFailure
	require.ErrorAs(t, res.Failure, &af)
	assert.Contains(t, af.Message, "shouldn't use deltas")
}

func TestSupervisorReload(t *testing.T) {
	fleet := newFakeFleet()

	res := run(t, fleet, sources(t), "Supervisor reload test")
	require.True(t, res.Passed(), res.FailureMessage())

	require.NotEmpty(t, fleet.commands)
	assert.Contains(t, fleet.commands[0], "balena rm balena_supervisor")
	assert.Contains(t, fleet.commands, updateSupervisor)
}

func TestOverrideLock(t *testing.T) {
	fleet := newFakeFleet()

	res := run(t, fleet, sources(t), "Override lock test")
	require.True(t, res.Passed(), res.FailureMessage())

	var sawHeldBack bool
	for _, step := range res.Steps {
		if step.Kind == scenario.StepWait && strings.Contains(step.Name, "downloaded") {
			sawHeldBack = step.Status == scenario.StepPassed
		}
	}
	assert.True(t, sawHeldBack, "the staged release was observed held back")
	assert.Equal(t, "0", fleet.vars[VarOverrideLock], "override is reset on teardown")
}

func TestProvisioningWithoutDeltasIgnoresFirstRelease(t *testing.T) {
	fleet := newFakeFleet()

	res := run(t, fleet, sources(t), "Provisioning without deltas")
	require.True(t, res.Passed(), res.FailureMessage())

	var messages []string
	for _, e := range fleet.logs {
		messages = append(messages, e.Message)
	}
	assert.Equal(t, []string{deltaLogLine + " balena/main", deltaOffLogLine}, messages)
}

func TestOverrideLockProbesContainerSeparately(t *testing.T) {
	fleet := newFakeFleet()
	fleet.container = "main_1_1"
	cfg := sources(t)
	cfg.Container = "main_1_1"

	res := run(t, fleet, cfg, "Override lock test")
	require.True(t, res.Passed(), res.FailureMessage())
}

func TestOverrideLockFailsWhenReleaseInstallsDespiteLock(t *testing.T) {
	fleet := newFakeFleet()
	cfg := sources(t)
	// Without the marker the fake never takes the lock, so the lock file
	// wait exhausts.
	require.NoError(t, os.Remove(filepath.Join(cfg.LockSource, "LOCK")))

	res := run(t, fleet, cfg, "Override lock test")
	require.False(t, res.Passed())
	assert.Contains(t, res.FailureMessage(), "not satisfied")
}

func TestSetupRequiresApp(t *testing.T) {
	cfg := sources(t)
	cfg.App = ""

	env := &harness.Env{
		Config: config.DefaultConfig(),
		Device: device.NewHandle(testUUID, nil),
	}
	env.Config.Suites.Supervisor = cfg

	report, err := scenario.NewRunner(testUUID).Run(context.Background(), New(env))
	require.NoError(t, err)
	require.Error(t, report.Suites[0].SetupErr)
	for _, sc := range report.Suites[0].Scenarios {
		assert.False(t, sc.Passed())
	}
}

func TestIsRemote(t *testing.T) {
	assert.True(t, isRemote("https://github.com/balena-io-examples/balena-updates-lock.git"))
	assert.True(t, isRemote("git@github.com:org/app.git"))
	assert.False(t, isRemote("/srv/apps/hello"))
	assert.False(t, isRemote("apps/hello"))
}
