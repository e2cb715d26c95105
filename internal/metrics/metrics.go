// Package metrics exposes Prometheus metrics for the chat service.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zulandar/chatyard/internal/chatstate"
	"github.com/zulandar/chatyard/internal/events"
	"github.com/zulandar/chatyard/internal/models"
	"gorm.io/gorm"
)

const namespace = "chatyard"

// Metrics owns a private registry and every collector registered on it.
type Metrics struct {
	reg *prometheus.Registry

	Events       *prometheus.CounterVec
	FanoutDrops  *prometheus.CounterVec
	JobRuns      *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec
	ChatsByState *prometheus.GaugeVec
	AgentLoad    *prometheus.GaugeVec
	Sessions     prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_total",
			Help: "Domain events published, by type.",
		}, []string{"type"}),
		FanoutDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fanout_dropped_total",
			Help: "Events discarded for slow stream clients, by topic.",
		}, []string{"topic"}),
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "job_runs_total",
			Help: "Scheduled job runs, by job and result.",
		}, []string{"job", "result"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "job_duration_seconds",
			Help:    "Scheduled job duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		ChatsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "chats",
			Help: "Chats by status.",
		}, []string{"status"}),
		AgentLoad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "agent_active_chats",
			Help: "Current chat count per agent.",
		}, []string{"agent"}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "bridge_sessions",
			Help: "Open bridge helper sessions.",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Events, m.FanoutDrops, m.JobRuns, m.JobDuration,
		m.ChatsByState, m.AgentLoad, m.Sessions,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// HandleEvent implements events.Listener.
func (m *Metrics) HandleEvent(ev events.Event) error {
	m.Events.WithLabelValues(ev.Type).Inc()
	return nil
}

// FanoutDropped matches the fanout drop hook.
func (m *Metrics) FanoutDropped(topic string) {
	m.FanoutDrops.WithLabelValues(topic).Inc()
}

// ObserveJob matches the scheduler observer signature.
func (m *Metrics) ObserveJob(job string, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.JobRuns.WithLabelValues(job, result).Inc()
	m.JobDuration.WithLabelValues(job).Observe(took.Seconds())
}

// Refresh recomputes the gauges from the database. Every known status is
// written so a drained status reads zero instead of going stale.
func (m *Metrics) Refresh(ctx context.Context, db *gorm.DB) error {
	var rows []struct {
		Status string
		N      int64
	}
	if err := db.WithContext(ctx).Model(&models.Chat{}).
		Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error; err != nil {
		return fmt.Errorf("metrics: count chats: %w", err)
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	for _, s := range chatstate.Statuses() {
		m.ChatsByState.WithLabelValues(s).Set(float64(counts[s]))
	}

	var agents []models.Agent
	if err := db.WithContext(ctx).Where("is_agent = ?", true).Find(&agents).Error; err != nil {
		return fmt.Errorf("metrics: list agents: %w", err)
	}
	m.AgentLoad.Reset()
	for _, a := range agents {
		m.AgentLoad.WithLabelValues(a.ID).Set(float64(a.CurrentChatsCount))
	}
	return nil
}
