/*
Copyright 2023 The GoStor Authors All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Result labels for connection outcomes.
const (
	ResultHandoff   = "handoff"
	ResultDiscovery = "discovery"
	ResultRedirect  = "redirect"
	ResultFailed    = "failed"
)

type AppMetrics struct {
	// ListenerStatus is 1 while a portal listener is accepting.
	ListenerStatus *prometheus.GaugeVec
	// ActiveConnections counts connections still in login or discovery.
	ActiveConnections *prometheus.GaugeVec
	// ConnectionsTotal counts finished connections by outcome.
	ConnectionsTotal *prometheus.CounterVec
	// LoginFailuresTotal counts login rejections by status class and detail.
	LoginFailuresTotal     *prometheus.CounterVec
	DiscoveryRequestsTotal *prometheus.CounterVec
	HandoffsTotal          *prometheus.CounterVec
	ConfigReloadsTotal     *prometheus.CounterVec
	// LoginDurationSeconds measures accept to handoff or close.
	LoginDurationSeconds *prometheus.HistogramVec
}

var Metrics AppMetrics

func init() {
	Metrics.ListenerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctld_listener_serving_state",
			Help: "Whether a portal listener is currently accepting connections.",
		},
		[]string{"protocol", "portal"},
	)
	Metrics.ActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctld_active_connections",
			Help: "Number of connections in login or discovery.",
		},
		[]string{"protocol", "portal_group"},
	)
	Metrics.ConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctld_connections_total",
			Help: "Number of finished connections by result.",
		},
		[]string{"protocol", "portal_group", "result"},
	)
	Metrics.LoginFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctld_login_failures_total",
			Help: "Number of login responses with an error status.",
		},
		[]string{"portal_group", "class", "detail"},
	)
	Metrics.DiscoveryRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctld_discovery_requests_total",
			Help: "Number of SendTargets and discovery log page requests served.",
		},
		[]string{"protocol", "portal_group"},
	)
	Metrics.HandoffsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctld_handoffs_total",
			Help: "Number of connections handed to the kernel.",
		},
		[]string{"protocol", "target"},
	)
	Metrics.ConfigReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctld_config_reloads_total",
			Help: "Number of configuration reload attempts.",
		},
		[]string{"result"},
	)
	Metrics.LoginDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ctld",
			Name:      "login_duration_seconds",
			Help:      "Time from accept until the connection was handed off or closed.",
		},
		[]string{"protocol", "result"},
	)

	prometheus.MustRegister(Metrics.ListenerStatus)
	prometheus.MustRegister(Metrics.ActiveConnections)
	prometheus.MustRegister(Metrics.ConnectionsTotal)
	prometheus.MustRegister(Metrics.LoginFailuresTotal)
	prometheus.MustRegister(Metrics.DiscoveryRequestsTotal)
	prometheus.MustRegister(Metrics.HandoffsTotal)
	prometheus.MustRegister(Metrics.ConfigReloadsTotal)
	prometheus.MustRegister(Metrics.LoginDurationSeconds)
}
