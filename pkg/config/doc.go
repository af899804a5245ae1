// Package config loads the rightsize configuration file.
//
// # Overview
//
// A configuration file selects the control-plane provider, supplies default
// resize parameters, lists batch targets and configures telemetry, run
// history, guard policies and the HTTP API. Every field has a default, so an
// empty file (or no file at all) is valid.
//
// # Formats
//
// The format is chosen by extension:
//
//   - .cue: compiled with CUE and unified with a built-in #Config schema, so
//     typos and out-of-range values are reported with file positions. A
//     directory of .cue files is unified into one configuration.
//   - .yaml, .yml: decoded with yaml.v3; unknown fields are errors.
//   - .toml: decoded with BurntSushi/toml; undecoded keys are errors.
//   - .json: decoded with encoding/json; unknown fields are errors.
//   - .star: a Starlark script that assigns a dict to the global "config".
//     The script may call getenv(name, default) and struct(...).
//
// After decoding, the result is checked with validator struct tags.
//
// # Usage Example
//
//	cfg, err := config.Load(ctx, "rightsize.cue")
//	if err != nil {
//	    var le *config.LoadError
//	    if errors.As(err, &le) {
//	        for _, ve := range le.Errors {
//	            fmt.Println(ve)
//	        }
//	    }
//	    return err
//	}
//	params := cfg.Resize.Merge(resize.Parameters{InstanceID: "i-0abc"})
//
// A CUE configuration:
//
//	provider: {
//	    name: "aws"
//	    aws: region: "eu-west-1"
//	}
//	resize: {
//	    target_instance_type: "m6i.large"
//	    max_attempts:         10
//	}
//	batch: targets: [
//	    {instance_id: "i-0abc"},
//	    {instance_id: "i-0def", target_instance_type: "m6i.xlarge"},
//	]
//
// # Security
//
// Starlark evaluation has no filesystem or network access, prints are
// discarded and evaluation is cancelled after a timeout.
package config
