// Package config loads and validates the harness configuration.
//
// A configuration names the device under test, how to reach it over the
// cloud API, SSH and the supervisor API, the default polling budget, and
// per-suite settings. Files are YAML (.yaml, .yml) or CUE (.cue, or a CUE
// package directory). Either way the file is layered on DefaultConfig, so
// a file only needs the values that differ.
//
// # Components
//
// CUEParser: evaluates CUE sources, unifies them in order and checks the
// result against the built-in "config" schema. The schema is closed, so a
// misspelled key is an error with a file position.
//
// SchemaRegistry: holds CUE schemas by name. Besides "config" it carries
// "modems", the shape of the cellular suite's modems.json.
//
// Loader: Load dispatches on the file extension. LoadDotEnv and ApplyEnv
// overlay secrets from .env files and DUT_* variables. Validate enforces
// the go-playground/validator tags and reports every problem at once.
//
// # Usage Example
//
//	_ = config.LoadDotEnv(".env")
//	cfg, err := config.Load(ctx, "dut.yaml")
//	if err != nil {
//		return err
//	}
//	cfg.ApplyEnv()
//	if err := cfg.Validate(); err != nil {
//		return err
//	}
package config
