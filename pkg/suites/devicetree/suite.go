// Package devicetree checks that device-tree overlays and parameters set
// through the supervisor's local API reach the boot config and take effect
// after the reboot they trigger.
package devicetree

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"

	"github.com/dutkit/dutkit/pkg/config"
	"github.com/dutkit/dutkit/pkg/device"
	"github.com/dutkit/dutkit/pkg/harness"
	"github.com/dutkit/dutkit/pkg/observe"
	"github.com/dutkit/dutkit/pkg/scenario"
	"github.com/dutkit/dutkit/pkg/transports/supervisor"
)

// Title is the suite title.
const Title = "Device Tree tests"

// Config keys written through the target state.
const (
	KeyOverlay = "HOST_CONFIG_dtoverlay"
	KeyParam   = "HOST_CONFIG_dtparam"
)

const (
	rebootMarker = "/tmp/reboot-check"
	paramValue   = `"i2c_arm=on","spi=on","audio=on","foo=bar","level=42"`
)

var (
	//go:embed scripts/pinlevel.sh
	pinLevelScript []byte

	//go:embed scripts/configtxt.sh
	configTxtScript []byte
)

type suite struct {
	cfg        config.DeviceTreeSuiteConfig
	handle     *device.Handle
	shell      harness.Shell
	supervisor harness.Supervisor
}

// New builds the suite for env.
func New(env *harness.Env) scenario.Suite {
	s := &suite{
		cfg:        env.Config.Suites.DeviceTree,
		handle:     env.Device,
		shell:      env.Shell,
		supervisor: env.Supervisor,
	}
	return scenario.Suite{
		Title: Title,
		Scenarios: []scenario.Scenario{
			{Title: "DToverlay & DTparam tests", Run: s.overlayAndParam},
		},
	}
}

// TargetState is the local target state that pulls the GPIO line up or
// down through the gpio-key overlay.
func TargetState(gpio int, pull string) device.TargetState {
	return device.NewLocalTargetState(map[string]string{
		KeyOverlay:                      fmt.Sprintf(`"gpio-key,gpio=%d,active_low=0,gpio_pull=%s"`, gpio, pull),
		KeyParam:                        paramValue,
		"SUPERVISOR_PERSISTENT_LOGGING": "true",
		"SUPERVISOR_LOCAL_MODE":         "true",
	})
}

func (s *suite) sysfs(gpio int) string {
	return fmt.Sprintf("/sys/class/gpio/gpio%d", gpio)
}

func (s *suite) overlayAndParam(_ context.Context, t *scenario.T) error {
	gpio := s.cfg.GPIO
	pin := strconv.Itoa(gpio)

	t.Act("export gpio "+pin, func(ctx context.Context) error {
		_, err := s.shell.HostOS(ctx, fmt.Sprintf("[ -d %s ] || echo %d >/sys/class/gpio/export", s.sysfs(gpio), gpio))
		return err
	})
	t.Teardown("unexport gpio "+pin, func(ctx context.Context) error {
		_, err := s.shell.HostOS(ctx, fmt.Sprintf("[ ! -d %s ] || echo %d >/sys/class/gpio/unexport", s.sysfs(gpio), gpio))
		return err
	})

	raw := scenario.Get(t, "read gpio "+pin, func(ctx context.Context) (string, error) {
		return s.shell.HostOS(ctx, fmt.Sprintf("cat %s/value", s.sysfs(gpio)))
	})
	initial, err := device.ParsePinLevel(raw)
	t.NoError(err, "read gpio "+pin)

	// The overlay pulls the line the other way, so a change proves it was
	// applied.
	pull, want := "up", device.PinHigh
	if initial == device.PinLow {
		t.Equal(raw, "0", fmt.Sprintf("Pin %d was Low when the test started", gpio))
	} else {
		t.Equal(raw, "1", fmt.Sprintf("Pin %d is High as expected", gpio))
		pull, want = "down", device.PinLow
	}

	t.Act("unexport gpio "+pin, func(ctx context.Context) error {
		_, err := s.shell.HostOS(ctx, fmt.Sprintf("echo %d >/sys/class/gpio/unexport", gpio))
		return err
	})

	target := TargetState(gpio, pull)
	s.apply(t, target)

	// The overlay's driver now owns the line, so sysfs can no longer read
	// it; debugfs still can.
	level := scenario.Get(t, "read gpio "+pin+" through debugfs", func(ctx context.Context) (device.PinLevel, error) {
		return observe.PinLevel(s.pinReader(gpio)).Read(ctx)
	})
	t.Equal(level, want, fmt.Sprintf("Pin %d is set to %s after applying dtoverlay", gpio, levelName(want)))

	state := scenario.Get(t, "read target state", s.supervisor.TargetState)
	t.Equal(state.Local.Config[KeyOverlay], target.Local.Config[KeyOverlay], "DToverlay successfully set in target state")
	t.Equal(state.Local.Config[KeyParam], target.Local.Config[KeyParam], "DTparam successfully set in target state")

	overlay := scenario.Get(t, "read dtoverlay from config.txt", s.configTxt("dtoverlay"))
	t.Equal(overlay, target.Local.Config[KeyOverlay], "DToverlay successfully configured in the config.txt")

	param := scenario.Get(t, "read dtparam from config.txt", s.configTxt("dtparam"))
	t.Equal(param, target.Local.Config[KeyParam], "DTparam successfully configured in the config.txt")
	return nil
}

// apply writes target through the supervisor and waits out the reboot it
// causes.
func (s *suite) apply(t *scenario.T, target device.TargetState) {
	ping := observe.SupervisorPing{Source: s.supervisor}
	scenario.Await(t, observe.OutputEquals(ping, "OK"), scenario.Tolerant())

	t.Act("write reboot marker", func(ctx context.Context) error {
		_, err := s.shell.HostOS(ctx, "touch "+rebootMarker)
		return err
	})

	resp := scenario.Get(t, "set target state", func(ctx context.Context) (supervisor.Response, error) {
		return s.supervisor.SetTargetState(ctx, target)
	})
	s.handle.MarkRebooting()
	t.Same(resp, supervisor.Response{Status: "success", Message: "OK"},
		"DToverlay & DTparam configured successfully through Supervisor API")

	scenario.Await(t, observe.MarkerGone(s.shell, rebootMarker), scenario.Tolerant())

	// The address may change across the reboot.
	addr := scenario.Get(t, "resolve device address", func(ctx context.Context) (string, error) {
		s.handle.Invalidate()
		return s.handle.Address(ctx)
	})
	t.Comment("device is at " + addr)

	scenario.Await(t, observe.OutputEquals(ping, "OK"), scenario.Tolerant())
}

func (s *suite) pinReader(gpio int) observe.Reader[string] {
	return observe.ReaderFunc[string](func(ctx context.Context) (string, error) {
		return s.shell.Script(ctx, pinLevelScript, strconv.Itoa(gpio))
	})
}

func (s *suite) configTxt(key string) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		return s.shell.Script(ctx, configTxtScript, key, s.cfg.ConfigTxt)
	}
}

func levelName(p device.PinLevel) string {
	if p == device.PinHigh {
		return "High"
	}
	return "Low"
}
