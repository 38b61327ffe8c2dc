package devicetree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
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
	"github.com/dutkit/dutkit/pkg/transports/supervisor"
)

const testUUID = "a1b2c3d4e5f60718293a4b5c6d7e8f90"

var errOffline = errors.New("dial tcp: connect: no route to host")

// fakeBoard is a device whose supervisor reboots it after a target state
// write. It is offline for one poll after the write.
type fakeBoard struct {
	mu sync.Mutex

	level    string // sysfs value before the overlay
	exported bool
	marker   bool
	offline  int
	state    device.TargetState
	applied  bool
	config   []string
	brokenDT bool
	cmds     []string
}

func newFakeBoard(level string) *fakeBoard {
	return &fakeBoard{level: level, state: device.NewLocalTargetState(map[string]string{})}
}

func (b *fakeBoard) down() bool {
	if b.offline > 0 {
		b.offline--
		return true
	}
	return false
}

func (b *fakeBoard) HostOS(_ context.Context, cmd string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cmds = append(b.cmds, cmd)
	if b.down() {
		return "", errOffline
	}
	switch {
	case strings.Contains(cmd, ">/sys/class/gpio/export"):
		b.exported = true
	case strings.Contains(cmd, ">/sys/class/gpio/unexport"):
		b.exported = false
	case strings.HasPrefix(cmd, "cat /sys/class/gpio/gpio4/value"):
		if !b.exported {
			return "", errors.New("cat: No such file or directory")
		}
		return b.level, nil
	case cmd == "touch "+rebootMarker:
		b.marker = true
	case strings.HasPrefix(cmd, "test -f"):
		if b.marker {
			return "", nil
		}
		return "pass", nil
	default:
		return "", fmt.Errorf("unexpected command %q", cmd)
	}
	return "", nil
}

func (b *fakeBoard) Script(_ context.Context, script []byte, args ...string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.down() {
		return "", errOffline
	}
	switch {
	case bytes.Equal(script, pinLevelScript):
		pulled := b.level == "0"
		if !b.applied {
			pulled = !pulled
		}
		if pulled {
			return `"hi"`, nil
		}
		return `"lo"`, nil
	case bytes.Equal(script, configTxtScript):
		if len(args) != 2 || args[1] != "/mnt/boot/config.txt" {
			return "", fmt.Errorf("bad args %v", args)
		}
		var values []string
		for _, line := range b.config {
			if v, ok := strings.CutPrefix(line, args[0]+"="); ok {
				values = append(values, `"`+v+`"`)
			}
		}
		return strings.Join(values, ","), nil
	}
	return "", errors.New("unknown script")
}

// boardAPI is the supervisor API of a fakeBoard.
type boardAPI struct{ *fakeBoard }

func (a boardAPI) Ping(context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.down() {
		return "", errOffline
	}
	return "OK", nil
}

func (a boardAPI) TargetState(context.Context) (device.TargetState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, nil
}

func (a boardAPI) SetTargetState(ctx context.Context, state device.TargetState) (supervisor.Response, error) {
	return a.fakeBoard.setTargetState(ctx, state)
}

func (b *fakeBoard) setTargetState(_ context.Context, state device.TargetState) (supervisor.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = state
	b.offline = 1
	b.marker = false
	b.exported = false
	if b.brokenDT {
		return supervisor.Response{Status: "success", Message: "OK"}, nil
	}
	b.applied = true
	b.config = nil
	for _, key := range []string{KeyOverlay, KeyParam} {
		name := strings.TrimPrefix(key, "HOST_CONFIG_")
		for _, v := range strings.Split(state.Local.Config[key], `","`) {
			b.config = append(b.config, name+"="+strings.Trim(v, `"`))
		}
	}
	return supervisor.Response{Status: "success", Message: "OK"}, nil
}

func (b *fakeBoard) Container(context.Context, string, string) (string, error) { return "", nil }
func (b *fakeBoard) Exists(context.Context, string) (bool, error)              { return false, nil }
func (b *fakeBoard) ReadFile(context.Context, string) (string, error)          { return "", nil }
func (b *fakeBoard) Ping(context.Context) error                                { return nil }
func (b *fakeBoard) Close() error                                              { return nil }

type countingResolver struct{ calls int }

func (r *countingResolver) Resolve(context.Context, string) (string, error) {
	r.calls++
	return fmt.Sprintf("10.0.0.%d", r.calls), nil
}

func run(t *testing.T, board *fakeBoard, resolver device.Resolver) scenario.Result {
	t.Helper()

	waiter := poll.NewWaiter(
		poll.Policy{Interval: time.Second, MaxAttempts: 5},
		poll.WithSleeper(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	)
	env := &harness.Env{
		Config:     config.DefaultConfig(),
		Device:     device.NewHandle(testUUID, resolver),
		Shell:      board,
		Supervisor: boardAPI{board},
		Waiter:     waiter,
	}

	report, err := scenario.NewRunner(testUUID, scenario.WithWaiter(waiter)).Run(context.Background(), New(env))
	require.NoError(t, err)
	require.Len(t, report.Suites[0].Scenarios, 1)
	return report.Suites[0].Scenarios[0]
}

func TestOverlayPullsPinUp(t *testing.T) {
	board := newFakeBoard("0")
	resolver := &countingResolver{}

	res := run(t, board, resolver)
	require.True(t, res.Passed(), res.FailureMessage())

	assert.Contains(t, board.state.Local.Config[KeyOverlay], "gpio_pull=up")
	assert.GreaterOrEqual(t, resolver.calls, 2, "address is resolved again after the reboot")
	assert.False(t, board.exported)
}

func TestOverlayPullsPinDown(t *testing.T) {
	board := newFakeBoard("1")

	res := run(t, board, device.StaticResolver("10.0.0.9"))
	require.True(t, res.Passed(), res.FailureMessage())
	assert.Contains(t, board.state.Local.Config[KeyOverlay], "gpio_pull=down")
}

func TestOverlayNotApplied(t *testing.T) {
	board := newFakeBoard("0")
	board.brokenDT = true

	res := run(t, board, device.StaticResolver("10.0.0.9"))
	require.False(t, res.Passed())

	var af *scenario.AssertionFailure
	require.ErrorAs(t, res.Failure, &af)
	assert.Equal(t, "Pin 4 is set to High after applying dtoverlay", af.Message)

	last := board.cmds[len(board.cmds)-1]
	assert.Contains(t, last, "unexport", "teardown leaves the pin unexported")
}

func TestTargetState(t *testing.T) {
	ts := TargetState(17, "down")
	assert.Equal(t, `"gpio-key,gpio=17,active_low=0,gpio_pull=down"`, ts.Local.Config[KeyOverlay])
	assert.Equal(t, paramValue, ts.Local.Config[KeyParam])
	assert.Equal(t, "local", ts.Local.Name)
	assert.Equal(t, "true", ts.Local.Config["SUPERVISOR_LOCAL_MODE"])
}

func TestScriptsEmbedded(t *testing.T) {
	assert.True(t, bytes.HasPrefix(pinLevelScript, []byte("#!/bin/sh")))
	assert.True(t, bytes.HasPrefix(configTxtScript, []byte("#!/bin/sh")))
}
