// Package metrics defines the Prometheus metrics this controller exposes
// and the sink used to record them. Grounded on catalog/to-consul/syncer.go's
// CounterDefinition/GaugeDefinition vars and sync-catalog/command.go's
// recordMetrics, reusing armon/go-metrics' Prometheus sink rather than
// wiring client_golang counters by hand.
package metrics

import (
	"time"

	"github.com/armon/go-metrics"
	"github.com/armon/go-metrics/prometheus"
)

var (
	baseName                = []string{"consul_mutator"}
	subscriptionsName       = append(baseName, "subscriptions")
	watchersActiveName      = append(baseName, "watchers_active")
	checksumUpdatesName     = append(baseName, "checksum_updates")
	deploymentPatchesName   = append(baseName, "deployment_patches")
	admissionRequestsName   = append(baseName, "admission_requests")
	admissionRequestsErrors = append(baseName, "admission_requests", "error")
)

// Counters is the set of counter definitions this controller registers.
var Counters = []prometheus.CounterDefinition{
	{Name: checksumUpdatesName, Help: "Increments each time a key watcher observes and records a new checksum"},
	{Name: deploymentPatchesName, Help: "Increments each time the update worker successfully patches a Deployment"},
	{Name: admissionRequestsName, Help: "Increments for each admission request handled"},
	{Name: admissionRequestsErrors, Help: "Increments whenever the admission webhook denies or errors a request"},
}

// Gauges is the set of gauge definitions this controller registers.
var Gauges = []prometheus.GaugeDefinition{
	{Name: subscriptionsName, Help: "Current number of (namespace, deployment, slot) subscriptions held by the registry"},
	{Name: watchersActiveName, Help: "Current number of running Consul key watchers"},
}

// NewSink builds the Prometheus sink these metrics are recorded through,
// retaining metric values for retention before they're evicted.
func NewSink(retention time.Duration) (*prometheus.PrometheusSink, error) {
	opts := prometheus.PrometheusOpts{
		Expiration:         retention,
		CounterDefinitions: Counters,
		GaugeDefinitions:   Gauges,
	}
	return prometheus.NewPrometheusSinkFrom(opts)
}

// IncrChecksumUpdate records a key watcher writing a new checksum.
func IncrChecksumUpdate() { metrics.IncrCounter(checksumUpdatesName, 1) }

// IncrDeploymentPatch records a successful Deployment patch.
func IncrDeploymentPatch() { metrics.IncrCounter(deploymentPatchesName, 1) }

// IncrAdmissionRequest records an admission request, and also counts it as
// an error when it was not allowed.
func IncrAdmissionRequest(ok bool) {
	metrics.IncrCounter(admissionRequestsName, 1)
	if !ok {
		metrics.IncrCounter(admissionRequestsErrors, 1)
	}
}

// SetSubscriptions records the current subscription count.
func SetSubscriptions(n int) { metrics.SetGauge(subscriptionsName, float32(n)) }

// SetWatchersActive records the current running-watcher count.
func SetWatchersActive(n int) { metrics.SetGauge(watchersActiveName, float32(n)) }
