// Package metrics exports Prometheus collectors fed from the event bus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reminderd/internal/eventbus"
)

const namespace = "reminderd"

type Metrics struct {
	reg *prometheus.Registry

	tasksCreated prometheus.Counter
	tasksDeleted prometheus.Counter
	fires        prometheus.Counter
	deliveries   *prometheus.CounterVec
	armFailures  prometheus.Counter
	repairs      prometheus.Counter
	poolSize     *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		tasksCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_created_total",
			Help: "Reminders accepted by create.",
		}),
		tasksDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_deleted_total",
			Help: "Reminders removed by delete.",
		}),
		fires: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fires_total",
			Help: "Completed firing cycles.",
		}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "deliveries_total",
			Help: "Delivery attempts by result.",
		}, []string{"result"}),
		armFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "arm_failures_total",
			Help: "Wake-ups that could not be armed or cleared.",
		}),
		repairs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconcile_repairs_total",
			Help: "Wake-ups re-armed by the reconciler.",
		}),
		poolSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_size",
			Help: "Pending reminders per scheduler instance.",
		}, []string{"key"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// GaugeFunc exports a value sampled at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, fn)
}

// Observe updates collectors from one event.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeTaskCreated:
		m.tasksCreated.Inc()
		if d, ok := e.Data.(eventbus.TaskEvent); ok {
			m.poolSize.WithLabelValues(d.Key).Set(float64(d.PoolSize))
		}
	case eventbus.TypeTaskDeleted:
		m.tasksDeleted.Inc()
		if d, ok := e.Data.(eventbus.TaskEvent); ok {
			m.poolSize.WithLabelValues(d.Key).Set(float64(d.PoolSize))
		}
	case eventbus.TypeFireCompleted:
		m.fires.Inc()
		if d, ok := e.Data.(eventbus.FireEvent); ok {
			m.poolSize.WithLabelValues(d.Key).Set(float64(d.Remaining))
		}
	case eventbus.TypeDeliverySucceeded:
		m.deliveries.WithLabelValues("success").Inc()
	case eventbus.TypeDeliveryFailed:
		m.deliveries.WithLabelValues("failure").Inc()
	case eventbus.TypeArmFailed:
		m.armFailures.Inc()
	case eventbus.TypeReconcileRepaired:
		m.repairs.Inc()
	}
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(1024)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}
