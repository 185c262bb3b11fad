package monitor

import (
	"crypto-alert-bot/internal/database"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	log "github.com/sirupsen/logrus"
)

// EngineMetrics are the monitoring engine's observability surface. Counters
// survive restarts: they are persisted to the metrics table and re-added on
// boot.
type EngineMetrics struct {
	TicksTotal       prometheus.Counter
	FiresTotal       prometheus.Counter
	DeliveriesTotal  prometheus.Counter
	DeadLettersTotal prometheus.Counter
	FetchFailures    *prometheus.CounterVec
	LiveAlerts       prometheus.Gauge
}

func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cryptoalert",
			Subsystem: "monitor",
			Name:      "ticks_total",
			Help:      "The total number of completed scheduler ticks",
		}),
		FiresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cryptoalert",
			Subsystem: "monitor",
			Name:      "fires_total",
			Help:      "The total number of fire events emitted",
		}),
		DeliveriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cryptoalert",
			Subsystem: "monitor",
			Name:      "deliveries_total",
			Help:      "The total number of notifications delivered",
		}),
		DeadLettersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cryptoalert",
			Subsystem: "monitor",
			Name:      "dead_letters_total",
			Help:      "The total number of fire events dropped after delivery retries were exhausted",
		}),
		FetchFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cryptoalert",
				Subsystem: "monitor",
				Name:      "fetch_failures_total",
				Help:      "Transient fetch failures per failure kind",
			},
			[]string{"kind"},
		),
		LiveAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cryptoalert",
			Subsystem: "monitor",
			Name:      "live_alerts",
			Help:      "The current number of persisted alerts",
		}),
	}

	reg.MustRegister(m.TicksTotal, m.FiresTotal, m.DeliveriesTotal,
		m.DeadLettersTotal, m.FetchFailures, m.LiveAlerts)
	return m
}

// LoadFromDB re-adds persisted counter values after a restart.
func (m *EngineMetrics) LoadFromDB() {
	ticks, _ := database.GetMetric("ticks_total")
	fires, _ := database.GetMetric("fires_total")
	deliveries, _ := database.GetMetric("deliveries_total")
	deadLetters, _ := database.GetMetric("dead_letters_total")

	m.TicksTotal.Add(ticks)
	m.FiresTotal.Add(fires)
	m.DeliveriesTotal.Add(deliveries)
	m.DeadLettersTotal.Add(deadLetters)

	failures, err := database.GetMetricsWithLabel("fetch_failures_total", "kind")
	if err != nil {
		log.Errorf("Failed to load fetch failure metrics: %v", err)
		return
	}
	for kind, value := range failures {
		m.FetchFailures.WithLabelValues(kind).Add(value)
	}

	log.Println("Metrics loaded from database.")
}

// SaveToDB persists counter values; called periodically and on shutdown.
func (m *EngineMetrics) SaveToDB() {
	database.SaveMetric("ticks_total", counterValue(m.TicksTotal))
	database.SaveMetric("fires_total", counterValue(m.FiresTotal))
	database.SaveMetric("deliveries_total", counterValue(m.DeliveriesTotal))
	database.SaveMetric("dead_letters_total", counterValue(m.DeadLettersTotal))

	metricChan := make(chan prometheus.Metric, 16)
	go func() {
		m.FetchFailures.Collect(metricChan)
		close(metricChan)
	}()

	for metric := range metricChan {
		metricProto := &dto.Metric{}
		if err := metric.Write(metricProto); err != nil {
			log.Errorf("Failed to read fetch failure metric: %v", err)
			continue
		}
		var kind string
		for _, label := range metricProto.Label {
			if label.GetName() == "kind" {
				kind = label.GetValue()
			}
		}
		database.SaveMetricWithLabel("fetch_failures_total", "kind", kind, metricProto.Counter.GetValue())
	}

	log.Println("Metrics saved to database.")
}

func counterValue(metric prometheus.Collector) float64 {
	metricChan := make(chan prometheus.Metric, 1)
	metric.Collect(metricChan)
	close(metricChan)

	metricProto := &dto.Metric{}
	if err := (<-metricChan).Write(metricProto); err != nil {
		log.Errorf("Failed to read metric value: %v", err)
		return 0
	}

	if metricProto.Counter != nil {
		return metricProto.Counter.GetValue()
	}
	if metricProto.Gauge != nil {
		return metricProto.Gauge.GetValue()
	}
	return 0
}
