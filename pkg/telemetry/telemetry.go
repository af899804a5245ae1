package telemetry

import (
	"context"
	"errors"
)

// Telemetry owns every sink built from a Config.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// NewTelemetry validates cfg and builds its sinks. Sinks built before a
// failure are released.
func NewTelemetry(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Telemetry{Config: cfg}
	var err error
	if t.Logger, err = NewLogger(cfg.Logging); err != nil {
		return nil, err
	}
	if t.Tracer, err = NewTracer(ctx, cfg); err != nil {
		_ = t.Logger.Close()
		return nil, err
	}
	if t.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		_ = t.Tracer.Shutdown(ctx)
		_ = t.Logger.Close()
		return nil, err
	}
	if t.Events, err = NewEventPublisher(cfg.Events); err != nil {
		_ = t.Tracer.Shutdown(ctx)
		_ = t.Logger.Close()
		return nil, err
	}
	return t, nil
}

// Observer returns an engine observer feeding every sink.
func (t *Telemetry) Observer() *Observer {
	return NewObserver(t.Logger.Zerolog(), t.Tracer, t.Metrics, t.Events)
}

// Shutdown delivers buffered events, flushes spans and closes the log file.
// The logger stays usable for stderr output until then.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Logger.Close(),
	)
}
