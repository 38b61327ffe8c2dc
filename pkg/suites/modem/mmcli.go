package modem

import (
	"encoding/json"
	"fmt"
	"strings"
)

// JSON shapes of `mmcli -J` output, reduced to the fields the suite reads.

type modemList struct {
	Modems []string `json:"modem-list"`
}

type modemInfo struct {
	Modem struct {
		Generic struct {
			Model   string   `json:"model"`
			State   string   `json:"state"`
			Bearers []string `json:"bearers"`
		} `json:"generic"`
	} `json:"modem"`
}

type bearerInfo struct {
	Bearer struct {
		Status struct {
			Connected string `json:"connected"`
			Interface string `json:"interface"`
		} `json:"status"`
		IPv4 struct {
			Address string `json:"address"`
		} `json:"ipv4-config"`
	} `json:"bearer"`
}

func decode[V any](cmd, out string) (V, error) {
	var v V
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		return v, fmt.Errorf("parse output of %q: %w", cmd, err)
	}
	return v, nil
}

// listedModels extracts the model column of `mmcli --list-modems`, the
// last word of each line.
func listedModels(out string) []string {
	var models []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		models = append(models, fields[len(fields)-1])
	}
	return models
}
