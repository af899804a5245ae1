package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/rightsize/pkg/resize"
	"github.com/openfroyo/rightsize/pkg/telemetry"
)

// Default returns the configuration used when no file is given.
func Default() *File {
	return &File{
		Provider: ProviderConfig{
			Name: ProviderSimulated,
			AWS: AWSConfig{
				ShellDocument:       "AWS-RunShellScript",
				PowerShellDocument:  "AWS-RunPowerShellScript",
				CommandPollInterval: 2,
			},
			SSH: SSHConfig{
				Port:             22,
				AddressAttribute: "PrivateIpAddress",
				RemoteDir:        "/tmp",
				ConnectTimeout:   30,
			},
			WASM: WASMConfig{
				CallTimeout: 60,
			},
			Simulated: SimulatedConfig{
				InstanceType:    "m5.large",
				TransitionPolls: 1,
			},
		},
		Resize:    resize.DefaultParameters(),
		Batch:     BatchConfig{Concurrency: 4},
		Telemetry: *telemetry.DefaultConfig(),
		Store:     StoreConfig{Path: "rightsize.db"},
		Server: ServerConfig{
			Address:           ":8080",
			MaxConcurrentRuns: 4,
		},
	}
}

var validate = validator.New()

// Validate checks the file and returns a *LoadError listing every problem.
func (f *File) Validate() error {
	var issues []ValidationError

	if err := validate.Struct(f); err != nil {
		issues = append(issues, validatorIssues(err)...)
	}
	if f.Provider.Name == ProviderWASM && f.Provider.WASM.Module == "" {
		issues = append(issues, ValidationError{Path: "provider.wasm.module", Message: "required when provider is wasm"})
	}
	if err := f.Telemetry.Validate(); err != nil {
		issues = append(issues, ValidationError{Path: "telemetry", Message: err.Error()})
	}

	if len(issues) > 0 {
		return &LoadError{Source: "config", Errors: issues}
	}
	return nil
}

// Targets expands the batch section into resize parameters, one per target,
// each based on the file's resize defaults. Without batch targets it returns
// the resize section alone.
func (f *File) Targets() []resize.Parameters {
	if len(f.Batch.Targets) == 0 {
		return []resize.Parameters{f.Resize}
	}
	out := make([]resize.Parameters, 0, len(f.Batch.Targets))
	for _, t := range f.Batch.Targets {
		out = append(out, f.Resize.Merge(resize.Parameters{
			InstanceID:         t.InstanceID,
			TargetInstanceType: t.TargetInstanceType,
		}))
	}
	return out
}

// validatorIssues converts validator field errors into ValidationErrors keyed
// by the json field path.
func validatorIssues(err error) []ValidationError {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []ValidationError{{Message: err.Error()}}
	}

	issues := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msg := fmt.Sprintf("failed %q constraint", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed %q constraint (%s)", fe.Tag(), fe.Param())
		}
		issues = append(issues, ValidationError{
			Path:    fieldPath(fe.Namespace()),
			Message: msg,
		})
	}
	return issues
}

// fieldPath turns "File.Provider.AWS.CommandPollInterval" into
// "provider.aws.command_poll_interval".
func fieldPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = snake(p)
	}
	return strings.Join(parts, ".")
}

func snake(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		upper := r >= 'A' && r <= 'Z'
		if upper && i > 0 {
			prevLower := runes[i-1] >= 'a' && runes[i-1] <= 'z'
			nextLower := i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z'
			if prevLower || nextLower {
				b.WriteByte('_')
			}
		}
		if upper {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
