// Package modem is the cellular suite: one scenario per modem model, each
// bringing the modem up through ModemManager and pinging over it.
package modem

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dutkit/dutkit/pkg/config"
	"github.com/dutkit/dutkit/pkg/harness"
	"github.com/dutkit/dutkit/pkg/observe"
	"github.com/dutkit/dutkit/pkg/scenario"
)

// Title is the suite title.
const Title = "Cellular tests"

const (
	noModems     = "No modems were found"
	pingSuccess  = "10 packets transmitted, 10 packets received"
	routeMetric  = 200
	stateOnline  = "connected"
	bearerOnline = "yes"
)

type suite struct {
	path  string
	shell harness.Shell
	file  *config.ModemFile
}

// ScenarioTitle names the scenario for model.
func ScenarioTitle(model string) string {
	return "Modem test - " + model
}

// New builds the suite for env with one scenario per configured modem.
func New(env *harness.Env) scenario.Suite {
	s := &suite{
		path:  modemFilePath(env.Config),
		shell: env.Shell,
	}

	var scenarios []scenario.Scenario
	for _, model := range env.Config.Suites.Modem.Modems {
		scenarios = append(scenarios, scenario.Scenario{
			Title: ScenarioTitle(model),
			Run: func(ctx context.Context, t *scenario.T) error {
				return s.run(ctx, t, model)
			},
		})
	}
	return scenario.Suite{Title: Title, Setup: s.setup, Scenarios: scenarios}
}

// modemFilePath resolves a relative modem file against the directory of
// the configuration file.
func modemFilePath(cfg *config.Config) string {
	path := cfg.Suites.Modem.File
	if path == "" || filepath.IsAbs(path) || cfg.Source == "" {
		return path
	}
	return filepath.Join(filepath.Dir(cfg.Source), path)
}

func (s *suite) setup(ctx context.Context) error {
	if s.path == "" {
		return errors.New("suites.modem.file is not set")
	}
	mf, err := config.LoadModems(ctx, s.path)
	if err != nil {
		return err
	}
	s.file = mf
	return nil
}

func (s *suite) host(cmd string) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		return s.shell.HostOS(ctx, cmd)
	}
}

func (s *suite) exec(t *scenario.T, cmd string) {
	t.Act(cmd, func(ctx context.Context) error {
		_, err := s.shell.HostOS(ctx, cmd)
		return err
	})
}

func (s *suite) run(_ context.Context, t *scenario.T, model string) error {
	t.Comment("Starting Modem Tests...")
	net := s.file.Network

	t.Is(s.file.Supports(model), true, fmt.Sprintf("Check if %s is a supported modem.", model))

	scan := observe.HostCommand{Runner: s.shell, Cmd: "mmcli --scan-modems && mmcli --list-modems"}
	scenario.Await(t, observe.OutputLacks(scan, noModems), scenario.Tolerant())

	listing := scenario.Get(t, "list modems", s.host("mmcli --list-modems"))
	t.Is(slices.Contains(listedModels(listing), model), true, fmt.Sprintf("Check if DUT has a %s modem.", model))

	addr := s.findModem(t, model)

	s.exec(t, fmt.Sprintf("mmcli --modem=%s --enable", addr))
	t.Teardown("disconnect modem", func(ctx context.Context) error {
		_, err := s.shell.HostOS(ctx, fmt.Sprintf("mmcli -m %[1]s --simple-disconnect && mmcli -m %[1]s --disable", addr))
		return err
	})

	s.exec(t, fmt.Sprintf("mmcli -m %s --simple-connect='apn=%s,ip-type=%s'", addr, net.APN, net.IPType))

	info := scenario.Get(t, "read modem "+addr, s.modem(addr))
	generic := info.Modem.Generic
	t.Is(generic.State, stateOnline, "Check modem is connected to network.")

	bearer, status := s.findBearer(t, addr, generic.Bearers)
	iface := status.Bearer.Status.Interface
	ip := status.Bearer.IPv4.Address
	t.Comment(fmt.Sprintf("bearer %s is up on %s with %s", bearer, iface, ip))

	s.exec(t, fmt.Sprintf("mmcli --modem=%s --bearer=%s", addr, bearer))
	s.exec(t, fmt.Sprintf("ip link set %s up", iface))
	s.exec(t, fmt.Sprintf("ip addr add %s/32 dev %s", ip, iface))
	s.exec(t, fmt.Sprintf("ip link set dev %s arp off", iface))
	s.exec(t, fmt.Sprintf("ip route add default dev %s metric %d", iface, routeMetric))

	ping := scenario.Get(t, "ping "+net.TestURL, s.host(fmt.Sprintf("ping -4 -c 10 -I %s %s", iface, net.TestURL)))
	t.OK(strings.Contains(ping, pingSuccess), fmt.Sprintf("ip address %s should respond over %s", net.TestURL, iface))
	return nil
}

func (s *suite) modem(addr string) func(ctx context.Context) (modemInfo, error) {
	return func(ctx context.Context) (modemInfo, error) {
		cmd := fmt.Sprintf("mmcli -m %s -J", addr)
		out, err := s.shell.HostOS(ctx, cmd)
		if err != nil {
			return modemInfo{}, err
		}
		return decode[modemInfo](cmd, out)
	}
}

func (s *suite) bearer(addr, bearer string) func(ctx context.Context) (bearerInfo, error) {
	return func(ctx context.Context) (bearerInfo, error) {
		cmd := fmt.Sprintf("mmcli -m %s -b %s -J", addr, bearer)
		out, err := s.shell.HostOS(ctx, cmd)
		if err != nil {
			return bearerInfo{}, err
		}
		return decode[bearerInfo](cmd, out)
	}
}

// findModem returns the D-Bus path of the modem whose model is model,
// reading every listed modem in parallel.
func (s *suite) findModem(t *scenario.T, model string) string {
	list := scenario.Get(t, "list modem addresses", func(ctx context.Context) (modemList, error) {
		const cmd = "mmcli --list-modems -J"
		out, err := s.shell.HostOS(ctx, cmd)
		if err != nil {
			return modemList{}, err
		}
		return decode[modemList](cmd, out)
	})

	infos := scenario.Get(t, "read modem models", func(ctx context.Context) ([]modemInfo, error) {
		fns := make([]func(context.Context) (modemInfo, error), len(list.Modems))
		for i, addr := range list.Modems {
			fns[i] = s.modem(addr)
		}
		return scenario.Collect(ctx, fns...)
	})

	for i, info := range infos {
		if info.Modem.Generic.Model == model {
			t.Comment(fmt.Sprintf("%s is at %s", model, list.Modems[i]))
			return list.Modems[i]
		}
	}
	t.Fatal(fmt.Errorf("no modem reports model %s", model))
	return ""
}

// findBearer returns the first connected bearer of the modem, reading
// every bearer in parallel.
func (s *suite) findBearer(t *scenario.T, addr string, bearers []string) (string, bearerInfo) {
	infos := scenario.Get(t, "read bearers", func(ctx context.Context) ([]bearerInfo, error) {
		fns := make([]func(context.Context) (bearerInfo, error), len(bearers))
		for i, b := range bearers {
			fns[i] = s.bearer(addr, b)
		}
		return scenario.Collect(ctx, fns...)
	})

	for i, info := range infos {
		if info.Bearer.Status.Connected == bearerOnline {
			return bearers[i], info
		}
	}
	t.Fatal(fmt.Errorf("modem %s has no connected bearer", addr))
	return "", bearerInfo{}
}
