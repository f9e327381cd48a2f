// Package providers holds the pieces shared by the cloud adapters.
//
// A cloud integration supplies a Compute: a small synchronous API that can
// launch, start, stop, delete and describe one instance. Adapter wraps it
// into an engine.ProviderAdapter. Every call returns as soon as the cloud
// accepts the request; a background poller then waits for the instance to
// settle and reports the outcome through the bound engine.CallbackSink.
//
// Adapters are registered before the engine that consumes their callbacks
// exists, so the sink is bound late:
//
//	adapter, _ := openstack.New(cfg, logger)
//	adapters.Register(adapter, limit)
//	eng, _ := engine.New(engine.Options{Adapters: adapters, ...})
//	adapter.Bind(eng.Ingress)
package providers
