// Package supervisor is the release-update suite: pushing releases through
// the cloud and checking how the on-device supervisor applies them.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dutkit/dutkit/pkg/config"
	"github.com/dutkit/dutkit/pkg/device"
	"github.com/dutkit/dutkit/pkg/harness"
	"github.com/dutkit/dutkit/pkg/observe"
	"github.com/dutkit/dutkit/pkg/scenario"
)

// Title is the suite title.
const Title = "Supervisor test suite"

// Device config variables the scenarios toggle.
const (
	VarDelta        = "BALENA_SUPERVISOR_DELTA"
	VarOverrideLock = "BALENA_SUPERVISOR_OVERRIDE_LOCK"
)

// Log lines that show whether a release was fetched as a delta.
const (
	deltaLogLine     = "Downloading delta for image"
	deltaOffLogLine  = `Applied configuration change {"SUPERVISOR_DELTA":"0"}`
	lockFileListing  = "updates.lock"
	lockDir          = "/tmp/balena"
	updateSupervisor = "update-balena-supervisor"
)

type suite struct {
	cfg   config.SupervisorSuiteConfig
	uuid  string
	cloud harness.Cloud
	shell harness.Shell

	engine string
}

// New builds the suite for env.
func New(env *harness.Env) scenario.Suite {
	s := &suite{
		cfg:    env.Config.Suites.Supervisor,
		uuid:   env.Device.UUID(),
		cloud:  env.Cloud,
		shell:  env.Shell,
		engine: env.Config.SSH.ContainerEngine,
	}
	if s.engine == "" {
		s.engine = "balena"
	}

	return scenario.Suite{
		Title: Title,
		Setup: s.setup,
		Scenarios: []scenario.Scenario{
			{Title: "Provisioning without deltas", Run: s.withoutDeltas},
			{Title: "Supervisor reload test", Run: s.reload},
			{Title: "Override lock test", Run: s.overrideLock},
		},
	}
}

func (s *suite) setup(context.Context) error {
	if s.cfg.App == "" {
		return errors.New("suites.supervisor.app is not set")
	}
	if len(s.cfg.Services) == 0 {
		return errors.New("suites.supervisor.services is empty")
	}
	return nil
}

// lockService is the cloud service name of the lock-holding release.
func (s *suite) lockService() string {
	if s.cfg.LockService != "" {
		return s.cfg.LockService
	}
	return s.cfg.Services[0]
}

func (s *suite) services() observe.Reader[device.ServiceSnapshot] {
	return observe.CloudServices{Source: s.cloud, UUID: s.uuid}
}

// workdir stages src into a fresh temporary directory removed on
// teardown.
func (s *suite) workdir(t *scenario.T, name, src string) string {
	dir := scenario.Get(t, "stage "+name+" source", func(ctx context.Context) (string, error) {
		dir, err := os.MkdirTemp("", "dutkit-"+name+"-")
		if err != nil {
			return "", err
		}
		if err := stage(ctx, src, filepath.Join(dir, "src")); err != nil {
			os.RemoveAll(dir)
			return "", err
		}
		return dir, nil
	})
	t.Teardown("remove "+name+" source", func(context.Context) error {
		return os.RemoveAll(dir)
	})
	return filepath.Join(dir, "src")
}

func (s *suite) push(t *scenario.T, dir string) string {
	commit := scenario.Get(t, "push release", func(ctx context.Context) (string, error) {
		return s.cloud.PushRelease(ctx, s.cfg.App, dir)
	})
	t.Comment("pushed release " + commit)
	return commit
}

func (s *suite) awaitRunning(t *scenario.T, commit string) {
	scenario.Await(t, observe.ServicesAtCommit(s.services(), s.cfg.Services, commit))
}

func (s *suite) setVar(t *scenario.T, name, value string) {
	t.Act(fmt.Sprintf("set %s=%s", name, value), func(ctx context.Context) error {
		return s.cloud.SetConfigVariable(ctx, s.uuid, name, value)
	})
}

// withoutDeltas disables deltas and checks the next release is fetched in
// full.
func (s *suite) withoutDeltas(_ context.Context, t *scenario.T) error {
	dir := s.workdir(t, "hello", s.cfg.HelloSource)

	first := s.push(t, dir)
	s.awaitRunning(t, first)

	s.setVar(t, VarDelta, "0")
	t.Teardown("re-enable deltas", func(ctx context.Context) error {
		return s.cloud.SetConfigVariable(ctx, s.uuid, VarDelta, "1")
	})

	t.Act("modify "+s.cfg.DeltaFile, func(context.Context) error {
		return appendLine(filepath.Join(dir, s.cfg.DeltaFile), "#comment")
	})

	second := s.push(t, dir)
	s.awaitRunning(t, second)

	logs := scenario.Get(t, "read device logs", func(ctx context.Context) ([]device.LogEntry, error) {
		return s.cloud.Logs(ctx, s.uuid)
	})
	// Only lines after the config change count; the first release was
	// fetched while deltas were still on.
	usedDeltas := device.LogsMatch(device.LogsAfter(logs, deltaOffLogLine), deltaLogLine, "")
	t.Is(!usedDeltas, true, "Device shouldn't use deltas to download new release")
	return nil
}

// reload removes the supervisor, reinstalls it with the update script and
// checks the same version comes back and services recover.
func (s *suite) reload(_ context.Context, t *scenario.T) error {
	version := scenario.Get(t, "read supervisor version", func(ctx context.Context) (string, error) {
		return s.cloud.SupervisorVersion(ctx, s.uuid)
	})
	t.Comment(fmt.Sprintf("Supervisor version %s detected", version))

	t.Act("remove supervisor", func(ctx context.Context) error {
		_, err := s.shell.HostOS(ctx, fmt.Sprintf(
			"systemctl stop balena-supervisor && %[1]s rm balena_supervisor && %[1]s rmi -f $(%[1]s images | grep supervisor | awk '{print $3}')",
			s.engine))
		return err
	})

	dir := s.workdir(t, "original", s.cfg.OriginalSource)
	commit := s.push(t, dir)

	out := scenario.Get(t, "run supervisor update script", func(ctx context.Context) (string, error) {
		return s.shell.HostOS(ctx, updateSupervisor)
	})
	t.Comment(out)

	got := scenario.Await(t, observe.Equals[string](observe.CloudSupervisorVersion{Source: s.cloud, UUID: s.uuid}, version))
	t.Is(got, version, "Supervisor should have same version that it started with")

	ps := scenario.Get(t, "list supervisor container", func(ctx context.Context) (string, error) {
		return s.shell.HostOS(ctx, fmt.Sprintf("%s ps | grep supervisor || true", s.engine))
	})
	t.OK(ps != "", "Supervisor should now be running")

	s.awaitRunning(t, commit)
	t.OK(true, "Device should have downloaded services from original app")
	return nil
}

// overrideLock pushes an app holding the update lock, checks the next
// release is held back, then overrides the lock.
func (s *suite) overrideLock(_ context.Context, t *scenario.T) error {
	lockSrc := s.workdir(t, "lock", s.cfg.LockSource)
	first := s.push(t, lockSrc)

	lock := observe.ContainerCommand{Runner: s.shell, Container: s.cfg.Container, Cmd: "ls " + lockDir}
	scenario.Await(t, observe.OutputEquals(lock, lockFileListing), scenario.Tolerant())

	original := s.workdir(t, "original", s.cfg.OriginalSource)
	second := s.push(t, original)

	scenario.Await(t, observe.ReleaseHeldBack(s.services(), s.lockService(), first, second))
	t.OK(true, "Release should be downloaded, but not running due to lockfile")

	s.setVar(t, VarOverrideLock, "1")
	t.Teardown("disable lock override", func(ctx context.Context) error {
		return s.cloud.SetConfigVariable(ctx, s.uuid, VarOverrideLock, "0")
	})

	s.awaitRunning(t, second)
	t.OK(true, "Second release should now be running, as override lock was enabled")
	return nil
}
