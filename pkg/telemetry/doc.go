// Package telemetry provides the observability stack of the control plane.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and an in-process event publisher.
// The event publisher doubles as the notification channel through which
// clients learn the terminal outcome of asynchronous lifecycle actions.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	errCh := tel.Metrics.StartMetricsServer()
//
// # Metrics
//
// Metrics are registered on a private registry and served on the configured
// listen address. A nil or disabled *Metrics accepts every Record call and
// does nothing, so components never need to guard their instrumentation.
//
// # Events
//
// Subscribers registered with Subscribe receive events in publish order.
// With EnableAsync the publisher buffers events and delivers them in batches
// from a single goroutine; Publish never blocks and reports a full buffer as
// an error.
package telemetry
