package labsim

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	sessionsCreated prometheus.Counter
	framesSent      *prometheus.CounterVec
	streams         *prometheus.GaugeVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labsim",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "labsim",
			Name:      "sessions_created_total",
			Help:      "Lab sessions created.",
		}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labsim",
			Name:      "provisioning_frames_total",
			Help:      "Provisioning frames sent by type.",
		}, []string{"type"}),
		streams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "labsim",
			Name:      "open_streams",
			Help:      "Open websocket streams by kind.",
		}, []string{"stream"}),
	}
	m.registry.MustRegister(m.requests, m.sessionsCreated, m.framesSent, m.streams)
	return m
}
