// Package metrics exposes the gateway's Prometheus surface: subscription
// counts, fan-out counters, and write-queue depth gauges, labelled per
// service (the write-queue gauge per socket).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Every collector below is registered against the package-private
// process-wide registry that Handler serves.
var (
	Subscriptions = promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mesh",
		Name:      "subscriptions",
		Help:      "Current number of distinct subscribed subjects, per service.",
	}, []string{"service"})

	FanOutTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "mesh",
		Name:      "fanout_deliveries_total",
		Help:      "Total publish deliveries made, per service and recipient kind.",
	}, []string{"service", "recipient_kind"})

	PublishesTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "mesh",
		Name:      "publishes_total",
		Help:      "Total Publish frames accepted, per service.",
	}, []string{"service"})

	WriteQueueBytes = promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mesh",
		Name:      "socket_write_queue_bytes",
		Help:      "Current queued-write byte count, per socket name.",
	}, []string{"socket"})

	Connections = promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mesh",
		Name:      "connections",
		Help:      "Current connected socket count, per service and kind.",
	}, []string{"service", "kind"})
)

var registry = prometheus.NewRegistry()

// RecipientKind labels FanOutTotal's deliveries.
const (
	RecipientClient = "client"
	RecipientPeer   = "peer"
)

// Handler returns the HTTP handler that serves the registry in the
// Prometheus exposition format, for mounting at e.g. /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
