package resize

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/rightsize/pkg/engine"
)

// Workflow parameter names.
const (
	ParamInstanceID              = "InstanceId"
	ParamTargetInstanceType      = "TargetInstanceType"
	ParamReservationTag          = "ReservationTag"
	ParamPlatform                = "Platform"
	ParamAvailabilityZone        = "AvailabilityZone"
	ParamMaxAttempts             = "MaxAttempts"
	ParamRetryInterval           = "RetryInterval"
	ParamReservationTimeout      = "ReservationTimeout"
	ParamReservationPollInterval = "ReservationPollInterval"
	ParamStopTimeout             = "StopTimeout"
	ParamStartTimeout            = "StartTimeout"
	ParamPollInterval            = "PollInterval"
	ParamPreDowntimeScript       = "PreDowntimeScript"
	ParamPostStartScript         = "PostStartScript"
	ParamScriptTimeout           = "ScriptTimeout"
	ParamForceStop               = "ForceStop"
)

// Parameters is the invocation surface of a resize. Durations are in seconds.
type Parameters struct {
	// InstanceID is the resource to resize.
	InstanceID string `json:"instance_id" yaml:"instance_id" toml:"instance_id" validate:"required"`

	// TargetInstanceType is the desired instance type.
	TargetInstanceType string `json:"target_instance_type" yaml:"target_instance_type" toml:"target_instance_type" validate:"required"`

	// ReservationTag names the capacity reservation.
	ReservationTag string `json:"reservation_tag,omitempty" yaml:"reservation_tag,omitempty" toml:"reservation_tag"`

	// Platform overrides the platform discovered from the instance.
	Platform string `json:"platform,omitempty" yaml:"platform,omitempty" toml:"platform"`

	// AvailabilityZone overrides the zone discovered from the instance.
	AvailabilityZone string `json:"availability_zone,omitempty" yaml:"availability_zone,omitempty" toml:"availability_zone"`

	MaxAttempts             int `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts" validate:"gte=1,lte=100"`
	RetryInterval           int `json:"retry_interval" yaml:"retry_interval" toml:"retry_interval" validate:"gte=0,lte=3600"`
	ReservationTimeout      int `json:"reservation_timeout" yaml:"reservation_timeout" toml:"reservation_timeout" validate:"gte=1"`
	ReservationPollInterval int `json:"reservation_poll_interval" yaml:"reservation_poll_interval" toml:"reservation_poll_interval" validate:"gte=1"`
	StopTimeout             int `json:"stop_timeout" yaml:"stop_timeout" toml:"stop_timeout" validate:"gte=1"`
	StartTimeout            int `json:"start_timeout" yaml:"start_timeout" toml:"start_timeout" validate:"gte=1"`
	PollInterval            int `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval" validate:"gte=1"`

	// PreDowntimeScript runs on the instance before it is stopped. Empty skips
	// the check; ".ps1" scripts run under PowerShell.
	PreDowntimeScript string `json:"pre_downtime_script,omitempty" yaml:"pre_downtime_script,omitempty" toml:"pre_downtime_script"`

	// PostStartScript runs on the instance after it is running again.
	PostStartScript string `json:"post_start_script,omitempty" yaml:"post_start_script,omitempty" toml:"post_start_script"`

	ScriptTimeout int  `json:"script_timeout" yaml:"script_timeout" toml:"script_timeout" validate:"gte=1"`
	ForceStop     bool `json:"force_stop,omitempty" yaml:"force_stop,omitempty" toml:"force_stop"`
}

// DefaultParameters returns the documented defaults.
func DefaultParameters() Parameters {
	return Parameters{
		ReservationTag:          "rightsize",
		MaxAttempts:             engine.DefaultMaxAttempts,
		RetryInterval:           int(engine.DefaultRetryInterval.Seconds()),
		ReservationTimeout:      int(engine.DefaultReservationVerifyTimeout.Seconds()),
		ReservationPollInterval: int(engine.DefaultReservationPollInterval.Seconds()),
		StopTimeout:             int(engine.DefaultStopStartTimeout.Seconds()),
		StartTimeout:            int(engine.DefaultStopStartTimeout.Seconds()),
		PollInterval:            int(engine.DefaultStopStartPollInterval.Seconds()),
		ScriptTimeout:           600,
	}
}

var validate = validator.New()

// Validate checks the parameters and returns a configuration error listing
// every failing field.
func (p Parameters) Validate() error {
	if err := validate.Struct(p); err != nil {
		return engine.NewConfigurationError("invalid resize parameters", err).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// Map converts the parameters into engine run parameters.
func (p Parameters) Map() engine.Parameters {
	params := engine.Parameters{
		ParamInstanceID:              engine.String(p.InstanceID),
		ParamTargetInstanceType:      engine.String(p.TargetInstanceType),
		ParamReservationTag:          engine.String(p.ReservationTag),
		ParamMaxAttempts:             engine.Int(p.MaxAttempts),
		ParamRetryInterval:           engine.Int(p.RetryInterval),
		ParamReservationTimeout:      engine.Int(p.ReservationTimeout),
		ParamReservationPollInterval: engine.Int(p.ReservationPollInterval),
		ParamStopTimeout:             engine.Int(p.StopTimeout),
		ParamStartTimeout:            engine.Int(p.StartTimeout),
		ParamPollInterval:            engine.Int(p.PollInterval),
		ParamPreDowntimeScript:       engine.String(p.PreDowntimeScript),
		ParamPostStartScript:         engine.String(p.PostStartScript),
		ParamScriptTimeout:           engine.Int(p.ScriptTimeout),
		ParamForceStop:               engine.Bool(p.ForceStop),
	}
	if p.Platform != "" {
		params[ParamPlatform] = engine.String(p.Platform)
	}
	if p.AvailabilityZone != "" {
		params[ParamAvailabilityZone] = engine.String(p.AvailabilityZone)
	}
	return params
}

// Merge overlays the non-zero fields of o onto p. A zero field in o keeps
// p's value, so Merge cannot clear a string, zero a number or turn ForceStop
// off. Callers that need explicit zeros decode onto p instead.
func (p Parameters) Merge(o Parameters) Parameters {
	merged := p
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	setString(&merged.InstanceID, o.InstanceID)
	setString(&merged.TargetInstanceType, o.TargetInstanceType)
	setString(&merged.ReservationTag, o.ReservationTag)
	setString(&merged.Platform, o.Platform)
	setString(&merged.AvailabilityZone, o.AvailabilityZone)
	setString(&merged.PreDowntimeScript, o.PreDowntimeScript)
	setString(&merged.PostStartScript, o.PostStartScript)
	setInt(&merged.MaxAttempts, o.MaxAttempts)
	setInt(&merged.RetryInterval, o.RetryInterval)
	setInt(&merged.ReservationTimeout, o.ReservationTimeout)
	setInt(&merged.ReservationPollInterval, o.ReservationPollInterval)
	setInt(&merged.StopTimeout, o.StopTimeout)
	setInt(&merged.StartTimeout, o.StartTimeout)
	setInt(&merged.PollInterval, o.PollInterval)
	setInt(&merged.ScriptTimeout, o.ScriptTimeout)
	if o.ForceStop {
		merged.ForceStop = true
	}
	return merged
}

// String summarizes the request for logs.
func (p Parameters) String() string {
	return fmt.Sprintf("%s -> %s", p.InstanceID, p.TargetInstanceType)
}
