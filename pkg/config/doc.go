// Package config loads the labforge configuration.
//
// # Overview
//
// A single YAML file (labforge.yaml by default) describes the database, the
// quota limits, the orchestrator and scheduler timings, the cloud providers,
// the SSH settings used to install project keys, the admission policies and
// telemetry. Every key can be overridden from the environment with the
// LABFORGE_ prefix, dots replaced by underscores:
//
//	LABFORGE_DATABASE_PATH=/var/lib/labforge/labforge.db
//	LABFORGE_SCHEDULER_INTERVAL=30s
//
// The configuration is built once at process start and handed to each
// component explicitly. Only the quota section is reloaded at runtime, see
// WatchQuota.
//
// # Usage Example
//
//	cfg, err := config.Load("labforge.yaml")
//	if err != nil {
//	    return err
//	}
//	sched, err := cfg.Scheduler.Engine()
package config
