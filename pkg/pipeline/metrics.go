//go:build prometheus

package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsBackendName имя активного бэкенда метрик для логов
const metricsBackendName = "prometheus"

// MetricsConfig конфигурация системы метрик
type MetricsConfig struct {
	// Enabled включает/выключает сбор метрик
	Enabled bool

	// Namespace префикс для Prometheus метрик
	Namespace string

	// Subsystem подсистема для Prometheus метрик
	Subsystem string
}

// DefaultMetricsConfig возвращает конфигурацию по умолчанию
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:   true,
		Namespace: "ivr_media",
		Subsystem: "pipeline",
	}
}

// Prometheus метрики процесса. Регистрируются один раз на процесс,
// сессии различаются только внутренними счетчиками коллекторов:
// метка session_id взорвала бы кардинальность и повторную регистрацию.
var (
	promOnce sync.Once

	promPacketsProcessed *prometheus.CounterVec
	promPacketsDropped   *prometheus.CounterVec
	promStagePanics      *prometheus.CounterVec
	promQueueDepth       *prometheus.GaugeVec
	promStageDuration    *prometheus.HistogramVec
	promPoolTasks        *prometheus.CounterVec
	promPoolRejections   *prometheus.CounterVec
)

// initPrometheusMetrics регистрирует метрики процесса через promauto
func initPrometheusMetrics(namespace, subsystem string) {
	promOnce.Do(func() {
		promPacketsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_processed_total",
			Help:      "Total number of items processed per pipeline stage",
		}, []string{"stage"})

		promPacketsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Total number of items dropped on full queues per stage",
		}, []string{"stage"})

		promStagePanics = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stage_panics_total",
			Help:      "Total number of recovered panics in stage callbacks",
		}, []string{"stage"})

		promQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_depth",
			Help:      "Current depth of inter-stage queues",
		}, []string{"stage"})

		promStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stage_duration_seconds",
			Help:      "Duration of stage callback invocations in seconds",
			// от 10мкс до 100мс, кадр длится 20мс
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.02, 0.05, 0.1},
		}, []string{"stage"})

		promPoolTasks = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pool_tasks_total",
			Help:      "Total number of tasks executed per pool tier",
		}, []string{"tier"})

		promPoolRejections = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pool_rejections_total",
			Help:      "Total number of task submissions rejected on full tier queues",
		}, []string{"tier"})
	})
}

// MetricsCollector собирает метрики конвейера и пула.
//
// Экспортирует Prometheus метрики процесса и ведет атомарные счетчики
// для внутренней диагностики. Все операции thread-safe.
type MetricsCollector struct {
	enabled bool

	// Performance counters (атомарные для fast path)
	packetsProcessed int64
	packetsDropped   int64
	stagePanics      int64
	poolTasks        int64
	poolRejections   int64
}

// NewMetricsCollector создает сборщик метрик
func NewMetricsCollector(config *MetricsConfig) *MetricsCollector {
	if config == nil {
		config = DefaultMetricsConfig()
	}
	if !config.Enabled {
		return &MetricsCollector{enabled: false}
	}

	initPrometheusMetrics(config.Namespace, config.Subsystem)
	return &MetricsCollector{enabled: true}
}

// PacketProcessed учитывает успешный вызов обработчика стадии
func (mc *MetricsCollector) PacketProcessed(stage string, duration time.Duration) {
	if !mc.enabled {
		return
	}
	promPacketsProcessed.WithLabelValues(stage).Inc()
	promStageDuration.WithLabelValues(stage).Observe(duration.Seconds())
	atomic.AddInt64(&mc.packetsProcessed, 1)
}

// PacketDropped учитывает потерю элемента на заполненной очереди
func (mc *MetricsCollector) PacketDropped(stage string) {
	if !mc.enabled {
		return
	}
	promPacketsDropped.WithLabelValues(stage).Inc()
	atomic.AddInt64(&mc.packetsDropped, 1)
}

// StagePanic учитывает восстановленную панику обработчика стадии
func (mc *MetricsCollector) StagePanic(stage string) {
	if !mc.enabled {
		return
	}
	promStagePanics.WithLabelValues(stage).Inc()
	atomic.AddInt64(&mc.stagePanics, 1)
}

// QueueDepth обновляет датчик глубины очереди стадии
func (mc *MetricsCollector) QueueDepth(stage string, depth int) {
	if !mc.enabled {
		return
	}
	promQueueDepth.WithLabelValues(stage).Set(float64(depth))
}

// TaskExecuted учитывает исполненную задачу пула
func (mc *MetricsCollector) TaskExecuted(tier string, duration time.Duration) {
	if !mc.enabled {
		return
	}
	promPoolTasks.WithLabelValues(tier).Inc()
	atomic.AddInt64(&mc.poolTasks, 1)
}

// TaskRejected учитывает отклоненную задачу пула
func (mc *MetricsCollector) TaskRejected(tier string) {
	if !mc.enabled {
		return
	}
	promPoolRejections.WithLabelValues(tier).Inc()
	atomic.AddInt64(&mc.poolRejections, 1)
}

// GetPerformanceCounters возвращает внутренние счетчики коллектора
func (mc *MetricsCollector) GetPerformanceCounters() map[string]int64 {
	if !mc.enabled {
		return nil
	}
	return map[string]int64{
		"packets_processed": atomic.LoadInt64(&mc.packetsProcessed),
		"packets_dropped":   atomic.LoadInt64(&mc.packetsDropped),
		"stage_panics":      atomic.LoadInt64(&mc.stagePanics),
		"pool_tasks":        atomic.LoadInt64(&mc.poolTasks),
		"pool_rejections":   atomic.LoadInt64(&mc.poolRejections),
	}
}
