// Package telemetry wires structured logging (zerolog), tracing
// (OpenTelemetry), Prometheus metrics and lifecycle events around workflow
// runs.
//
// Observer implements engine.Observer; pass it with engine.WithObserver and
// every run produces a "run <workflow>" span with a "step <name>" child per
// step, run and step counters, reservation attempt and wait poll counters,
// and events for subscribers:
//
//	tel, err := telemetry.NewTelemetry(ctx, telemetry.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	e := engine.NewWorkflowEngine(client,
//		engine.WithLogger(tel.Logger.Zerolog()),
//		engine.WithObserver(tel.Observer()),
//	)
package telemetry
