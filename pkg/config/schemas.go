package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry holds the compiled CUE schema that configuration files
// written in CUE are unified with.
type SchemaRegistry struct {
	ctx    *cue.Context
	mu     sync.RWMutex
	schema cue.Value
}

// NewSchemaRegistry compiles the built-in configuration schema.
func NewSchemaRegistry(ctx *cue.Context) (*SchemaRegistry, error) {
	if ctx == nil {
		ctx = cuecontext.New()
	}
	sr := &SchemaRegistry{ctx: ctx}
	if err := sr.Register(builtinConfigSchema); err != nil {
		return nil, err
	}
	return sr, nil
}

// Register replaces the schema. The source must define #Config.
func (sr *SchemaRegistry) Register(source string) error {
	val := sr.ctx.CompileString(source, cue.Filename("schema.cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}
	def := val.LookupPath(cue.ParsePath("#Config"))
	if !def.Exists() {
		return fmt.Errorf("schema does not define #Config")
	}

	sr.mu.Lock()
	sr.schema = def
	sr.mu.Unlock()
	return nil
}

// Apply unifies a configuration value with the schema and checks that the
// result is concrete.
func (sr *SchemaRegistry) Apply(val cue.Value) (cue.Value, error) {
	sr.mu.RLock()
	schema := sr.schema
	sr.mu.RUnlock()

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// builtinConfigSchema mirrors File. Telemetry is left open and checked by
// telemetry.Config.Validate after decoding.
const builtinConfigSchema = `
#NonNegative: int & >=0

#Config: {
	provider?: {
		name?: "simulated" | "aws" | "wasm"
		aws?: {
			region?:                string
			profile?:               string
			endpoint?:              string
			shell_document?:        string & !=""
			powershell_document?:   string & !=""
			command_poll_interval?: int & >=1
		}
		ssh?: {
			enabled?:                  bool
			user?:                     string
			port?:                     int & >=0 & <=65535
			key_path?:                 string
			known_hosts_path?:         string
			insecure_ignore_host_key?: bool
			hosts?: [string]: string
			address_attribute?: string
			remote_dir?:        string
			connect_timeout?:   #NonNegative
		}
		wasm?: {
			module?:       string
			manifest?:     string
			call_timeout?: #NonNegative
		}
		simulated?: {
			instance_type?:     string & =~"^[a-z][a-z0-9-]*\\.[a-z0-9]+$"
			capacity_failures?: int & >=0
			transition_polls?:  int & >=0
		}
	}

	resize?: {
		instance_id?:               string
		target_instance_type?:      string & =~"^[a-z][a-z0-9-]*\\.[a-z0-9]+$"
		reservation_tag?:           string
		platform?:                  string
		availability_zone?:         string
		max_attempts?:              int & >=1 & <=100
		retry_interval?:            int & >=0 & <=3600
		reservation_timeout?:       int & >=1
		reservation_poll_interval?: int & >=1
		stop_timeout?:              int & >=1
		start_timeout?:             int & >=1
		poll_interval?:             int & >=1
		pre_downtime_script?:       string
		post_start_script?:         string
		script_timeout?:            int & >=1
		force_stop?:                bool
	}

	batch?: {
		concurrency?: int & >=1 & <=64
		targets?: [...{
			instance_id:           string & !=""
			target_instance_type?: string
		}]
	}

	telemetry?: {...}

	store?: {
		path?:           string & !=""
		retention_days?: #NonNegative
	}

	policy?: {
		paths?: [...string]
		disable_builtins?: bool
		watch?:            bool
	}

	server?: {
		address?: string & !=""
		allowed_origins?: [...string]
		max_concurrent_runs?: int & >=1
	}
}
`
