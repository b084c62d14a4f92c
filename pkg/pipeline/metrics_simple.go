//go:build !prometheus

package pipeline

import (
	"sync/atomic"
	"time"
)

// metricsBackendName имя активного бэкенда метрик для логов
const metricsBackendName = "memory"

// MetricsConfig конфигурация системы метрик
type MetricsConfig struct {
	// Enabled включает/выключает сбор метрик
	Enabled bool

	// Namespace префикс для метрик (игнорируется в простой версии)
	Namespace string

	// Subsystem подсистема для метрик (игнорируется в простой версии)
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

// MetricsCollector упрощенная версия сборщика метрик без Prometheus.
//
// Ведет только атомарные performance counters. Используется когда
// экспорт в Prometheus не требуется, сборка без тега prometheus.
type MetricsCollector struct {
	enabled bool

	// Performance counters (атомарные для fast path)
	packetsProcessed int64
	packetsDropped   int64
	stagePanics      int64
	poolTasks        int64
	poolRejections   int64
}

// NewMetricsCollector создает простой сборщик метрик без Prometheus
func NewMetricsCollector(config *MetricsConfig) *MetricsCollector {
	if config == nil {
		config = DefaultMetricsConfig()
	}
	if !config.Enabled {
		return &MetricsCollector{enabled: false}
	}
	return &MetricsCollector{enabled: true}
}

// PacketProcessed учитывает успешный вызов обработчика стадии
func (mc *MetricsCollector) PacketProcessed(stage string, duration time.Duration) {
	if !mc.enabled {
		return
	}
	atomic.AddInt64(&mc.packetsProcessed, 1)
}

// PacketDropped учитывает потерю элемента на заполненной очереди
func (mc *MetricsCollector) PacketDropped(stage string) {
	if !mc.enabled {
		return
	}
	atomic.AddInt64(&mc.packetsDropped, 1)
}

// StagePanic учитывает восстановленную панику обработчика стадии
func (mc *MetricsCollector) StagePanic(stage string) {
	if !mc.enabled {
		return
	}
	atomic.AddInt64(&mc.stagePanics, 1)
}

// QueueDepth в простой версии не сохраняется, глубина очередей
// доступна через Processor.GetQueueStats
func (mc *MetricsCollector) QueueDepth(stage string, depth int) {
}

// TaskExecuted учитывает исполненную задачу пула
func (mc *MetricsCollector) TaskExecuted(tier string, duration time.Duration) {
	if !mc.enabled {
		return
	}
	atomic.AddInt64(&mc.poolTasks, 1)
}

// TaskRejected учитывает отклоненную задачу пула
func (mc *MetricsCollector) TaskRejected(tier string) {
	if !mc.enabled {
		return
	}
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
