package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation. Each registered
// schema source must define #Schema.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	// Built-in schemas are compile-time constants; a failure is a bug.
	for name, src := range map[string]string{
		"config": builtinConfigSchema,
		"modems": builtinModemsSchema,
	} {
		if err := sr.RegisterSchema(name, src); err != nil {
			panic(err)
		}
	}

	return sr
}

// RegisterSchema registers a CUE schema with the given name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath("#Schema"))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define #Schema", name)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Apply unifies val with the named schema.
func (sr *SchemaRegistry) Apply(name string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}
	return schema.Unify(val), nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateModems validates a modem suite file against the modems schema.
func (sr *SchemaRegistry) ValidateModems(ctx context.Context, modems *ModemFile) error {
	return sr.ValidateAgainstSchema(ctx, "modems", modems)
}

// Built-in schema definitions

const builtinConfigSchema = `
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
#Port:     int & >=0 & <=65535

#Schema: {
	device?: {
		uuid?:           string & =~"^[0-9a-fA-F-]*$"
		resolver?:       "static" | "cloud" | "dns"
		address?:        string
		address_prefix?: string
	}

	cloud?: {
		url?:     string & =~"^https?://"
		token?:   string
		timeout?: #Duration
		cli?:     string
	}

	ssh?: {
		user?:             string
		port?:             #Port
		auth?:             "none" | "password" | "key" | "agent"
		password?:         string
		key_file?:         string
		key_passphrase?:   string
		known_hosts_file?: string
		strict_host_keys?: bool
		connect_timeout?:  #Duration
		command_timeout?:  #Duration
		container_engine?: string
		proxy?: {
			host:      string
			port?:     #Port
			user:      string
			auth:      "password" | "key" | "agent"
			password?: string
			key_file?: string
		}
	}

	supervisor?: {
		port?:    #Port
		timeout?: #Duration
	}

	poll?: {
		interval?:     #Duration
		max_attempts?: int & >=0
		timeout?:      #Duration
		backoff?:      bool
		backoff_max?:  #Duration
	}

	suites?: {
		supervisor?: {
			app?:             string
			services?:        [...string]
			container?:       string
			lock_service?:    string
			hello_source?:    string
			lock_source?:     string
			original_source?: string
			delta_file?:      string
		}
		devicetree?: {
			gpio?:       int & >=0
			config_txt?: string
		}
		modem?: {
			file?:   string
			modems?: [...string]
		}
	}

	store?: {
		enabled?: bool
		path?:    string
	}

	telemetry?: {
		log_level?:      "trace" | "debug" | "info" | "warn" | "error"
		log_format?:     "console" | "json"
		trace_exporter?: "none" | "stdout" | "otlp"
		trace_endpoint?: string
		metrics_port?:   #Port
	}
}
`

const builtinModemsSchema = `
#Schema: {
	modems: [...string & !=""]
	network: {
		apn:     string & !=""
		ipType:  "ipv4" | "ipv6" | "ipv4v6"
		testUrl: string & !=""
	}
}
`
