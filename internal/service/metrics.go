package service

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CZERTAINLY/vbox-robot/internal/pool"
)

// Calibration and provisioning outcomes.
const (
	outcomeSuccess   = "success"
	outcomeFailure   = "failure"
	outcomeCancelled = "cancelled"
)

type metrics struct {
	registry     *prometheus.Registry
	calibrations *prometheus.CounterVec
	provisions   *prometheus.CounterVec
}

func newMetrics(workers func() pool.Stats, vms func() int) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		calibrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vbox_robot_calibrations_total",
				Help: "Total number of calibrations by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		provisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vbox_robot_provisions_total",
				Help: "Total number of provisioned virtual machines by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
	}

	m.registry.MustRegister(
		m.calibrations,
		m.provisions,
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "vbox_robot_workers_live",
				Help: "Number of running calibration worker processes",
			},
			func() float64 { return float64(workers().Live) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "vbox_robot_workers_idle",
				Help: "Number of calibration workers waiting for a task",
			},
			func() float64 { return float64(workers().Idle) },
		),
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Name: "vbox_robot_workers_spawned_total",
				Help: "Total number of started calibration worker processes",
			},
			func() float64 { return float64(workers().Spawned) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "vbox_robot_vms",
				Help: "Number of registered virtual machines",
			},
			func() float64 { return float64(vms()) },
		),
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func outcome(err error) string {
	switch {
	case err == nil:
		return outcomeSuccess
	case cancelled(err):
		return outcomeCancelled
	default:
		return outcomeFailure
	}
}

// cancelled reports whether the caller stopped waiting.
func cancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
