package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ModemFile is the cellular suite input (modems.json).
type ModemFile struct {
	// Modems are the modem models the suite knows how to test.
	Modems []string `json:"modems"`

	// Network is the cellular network every modem connects to.
	Network ModemNetwork `json:"network"`
}

// ModemNetwork describes the carrier network.
type ModemNetwork struct {
	APN     string `json:"apn"`
	IPType  string `json:"ipType"`
	TestURL string `json:"testUrl"`
}

// Supports reports whether model is listed. Model names compare without
// regard to case or surrounding space.
func (m *ModemFile) Supports(model string) bool {
	model = strings.TrimSpace(model)
	for _, known := range m.Modems {
		if strings.EqualFold(strings.TrimSpace(known), model) {
			return true
		}
	}
	return false
}

// LoadModems reads and validates a modems.json file.
func LoadModems(ctx context.Context, path string) (*ModemFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read modem file %s: %w", path, err)
	}

	var mf ModemFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("failed to parse modem file %s: %w", path, err)
	}

	if err := NewSchemaRegistry().ValidateModems(ctx, &mf); err != nil {
		return nil, fmt.Errorf("modem file %s: %w", path, err)
	}
	return &mf, nil
}
