package modem

import (
	"context"
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

const (
	testUUID = "a1b2c3d4e5f60718293a4b5c6d7e8f90"
	modemA   = "/org/freedesktop/ModemManager1/Modem/0"
	modemB   = "/org/freedesktop/ModemManager1/Modem/1"
)

// fakeModems answers ModemManager commands for two attached modems. The
// EC25 has two bearers, the second of which connects.
type fakeModems struct {
	mu sync.Mutex

	scans     int // scans that still find nothing
	lossy     bool
	connected bool
	cmds      []string
}

func (f *fakeModems) HostOS(_ context.Context, cmd string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)

	switch {
	case cmd == "mmcli --scan-modems && mmcli --list-modems":
		if f.scans > 0 {
			f.scans--
			return noModems, nil
		}
		return f.listing(), nil
	case cmd == "mmcli --list-modems":
		return f.listing(), nil
	case cmd == "mmcli --list-modems -J":
		return fmt.Sprintf(`{"modem-list":[%q,%q]}`, modemA, modemB), nil
	case cmd == "mmcli -m "+modemA+" -J":
		state := "registered"
		if f.connected {
			state = "connected"
		}
		return fmt.Sprintf(`{"modem":{"generic":{"model":"EC25","state":%q,"bearers":["/b/0","/b/1"]}}}`, state), nil
	case cmd == "mmcli -m "+modemB+" -J":
		return `{"modem":{"generic":{"model":"ME909s-120","state":"disabled","bearers":[]}}}`, nil
	case strings.HasSuffix(cmd, "-b /b/0 -J"):
		return `{"bearer":{"status":{"connected":"no","interface":"--"},"ipv4-config":{}}}`, nil
	case strings.HasSuffix(cmd, "-b /b/1 -J"):
		return `{"bearer":{"status":{"connected":"yes","interface":"wwan0"},"ipv4-config":{"address":"10.64.1.7"}}}`, nil
	case strings.Contains(cmd, "--simple-connect="):
		if !strings.Contains(cmd, "apn=internet,ip-type=ipv4") {
			return "", fmt.Errorf("bad connect %q", cmd)
		}
		f.connected = true
		return "successfully connected the modem", nil
	case strings.HasPrefix(cmd, "ping -4 -c 10 -I wwan0 8.8.8.8"):
		received := 10
		if f.lossy {
			received = 7
		}
		return fmt.Sprintf("10 packets transmitted, %d packets received, %d%% packet loss", received, (10-received)*10), nil
	case strings.HasPrefix(cmd, "mmcli"), strings.HasPrefix(cmd, "ip "):
		return "", nil
	}
	return "", fmt.Errorf("unexpected command %q", cmd)
}

func (f *fakeModems) listing() string {
	return "    " + modemA + " [Quectel] EC25\n    " + modemB + " [Huawei] ME909s-120"
}

func (f *fakeModems) Container(context.Context, string, string) (string, error) { return "", nil }
func (f *fakeModems) Script(context.Context, []byte, ...string) (string, error) { return "", nil }
func (f *fakeModems) Exists(context.Context, string) (bool, error)              { return false, nil }
func (f *fakeModems) ReadFile(context.Context, string) (string, error)          { return "", nil }
func (f *fakeModems) Ping(context.Context) error                                { return nil }
func (f *fakeModems) Close() error                                              { return nil }

func modemFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "modems.json")
	data := `{"modems":["EC25","ME909s-120"],"network":{"apn":"internet","ipType":"ipv4","testUrl":"8.8.8.8"}}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func run(t *testing.T, shell *fakeModems, file string, models ...string) scenario.SuiteResult {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Suites.Modem.File = file
	cfg.Suites.Modem.Modems = models

	waiter := poll.NewWaiter(
		poll.Policy{Interval: time.Second, MaxAttempts: 5},
		poll.WithSleeper(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	)
	env := &harness.Env{
		Config: cfg,
		Device: device.NewHandle(testUUID, device.StaticResolver("10.0.0.2")),
		Shell:  shell,
		Waiter: waiter,
	}

	report, err := scenario.NewRunner(testUUID, scenario.WithWaiter(waiter)).Run(context.Background(), New(env))
	require.NoError(t, err)
	require.Len(t, report.Suites, 1)
	return report.Suites[0]
}

func TestModemConnects(t *testing.T) {
	shell := &fakeModems{scans: 2}

	suite := run(t, shell, modemFile(t), "EC25")
	require.NoError(t, suite.SetupErr)
	require.Len(t, suite.Scenarios, 1)

	res := suite.Scenarios[0]
	require.True(t, res.Passed(), res.FailureMessage())
	assert.Equal(t, ScenarioTitle("EC25"), res.Title)

	assert.Contains(t, shell.cmds, "mmcli --modem="+modemA+" --bearer=/b/1")
	assert.Contains(t, shell.cmds, "ip addr add 10.64.1.7/32 dev wwan0")
	assert.Contains(t, shell.cmds, "ip route add default dev wwan0 metric 200")

	last := shell.cmds[len(shell.cmds)-1]
	assert.Equal(t, fmt.Sprintf("mmcli -m %[1]s --simple-disconnect && mmcli -m %[1]s --disable", modemA), last)
}

func TestModemPacketLoss(t *testing.T) {
	shell := &fakeModems{lossy: true}

	suite := run(t, shell, modemFile(t), "EC25")
	res := suite.Scenarios[0]
	require.False(t, res.Passed())

	var af *scenario.AssertionFailure
	require.ErrorAs(t, res.Failure, &af)
	assert.Equal(t, "ip address 8.8.8.8 should respond over wwan0", af.Message)
	assert.Contains(t, shell.cmds[len(shell.cmds)-1], "--simple-disconnect")
}

func TestUnsupportedModem(t *testing.T) {
	shell := &fakeModems{}

	suite := run(t, shell, modemFile(t), "SIM7600")
	res := suite.Scenarios[0]
	require.False(t, res.Passed())
	assert.Contains(t, res.FailureMessage(), "Check if SIM7600 is a supported modem.")
	assert.Empty(t, shell.cmds)
}

func TestModemNotAttached(t *testing.T) {
	shell := &fakeModems{scans: 100}

	suite := run(t, shell, modemFile(t), "EC25")
	require.False(t, suite.Scenarios[0].Passed())
	assert.Len(t, shell.cmds, 5, "the scan is polled until the budget runs out")
}

func TestOneScenarioPerModem(t *testing.T) {
	suite := run(t, &fakeModems{}, modemFile(t), "EC25", "ME909s-120")
	require.Len(t, suite.Scenarios, 2)
	assert.True(t, suite.Scenarios[0].Passed(), suite.Scenarios[0].FailureMessage())
	assert.False(t, suite.Scenarios[1].Passed(), "the Huawei modem never connects")
}

func TestNoModemsConfigured(t *testing.T) {
	suite := run(t, &fakeModems{}, modemFile(t))
	assert.Empty(t, suite.Scenarios)
}

func TestMissingModemFile(t *testing.T) {
	suite := run(t, &fakeModems{}, filepath.Join(t.TempDir(), "absent.json"), "EC25")
	require.Error(t, suite.SetupErr)
}

func TestModemFilePath(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Source = "/etc/dut/dut.yaml"
	assert.Equal(t, "/etc/dut/modems.json", modemFilePath(cfg))

	cfg.Suites.Modem.File = "/srv/modems.json"
	assert.Equal(t, "/srv/modems.json", modemFilePath(cfg))

	cfg.Source = ""
	cfg.Suites.Modem.File = "modems.json"
	assert.Equal(t, "modems.json", modemFilePath(cfg))
}

func TestListedModels(t *testing.T) {
	out := "    /org/freedesktop/ModemManager1/Modem/0 [Quectel] EC25\n\n  /org/freedesktop/ModemManager1/Modem/3 [Sierra] EM7455\n"
	assert.Equal(t, []string{"EC25", "EM7455"}, listedModels(out))
}
