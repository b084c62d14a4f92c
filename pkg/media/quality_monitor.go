package media

import (
	"fmt"
	"time"
)

// Пороги качества по умолчанию для окна наблюдения ~5 секунд
const (
	// DefaultQualityWindow период опроса счетчиков потока
	DefaultQualityWindow = 5 * time.Second
	// DefaultMaxInterpolatedPerWindow при кадре 20 мс окно содержит
	// ~250 кадров, порог соответствует ~10% маскированных потерь
	DefaultMaxInterpolatedPerWindow = 25
	// DefaultMaxLatePerWindow допустимое число опоздавших пакетов за окно
	DefaultMaxLatePerWindow = 25
	// DefaultReceiveInactivity максимальная пауза входящего потока
	DefaultReceiveInactivity = 3 * time.Second
)

// QualityThresholds пороги деградации качества входящего потока.
// Превышение любого порога за окно наблюдения считается деградацией.
type QualityThresholds struct {
	// MaxInterpolatedPerWindow интерполированные кадры за окно
	MaxInterpolatedPerWindow uint64
	// MaxOverflowsPerWindow переполнения jitter buffer за окно,
	// ноль означает что любое переполнение деградирует качество
	MaxOverflowsPerWindow uint64
	// MaxLatePerWindow опоздавшие пакеты за окно
	MaxLatePerWindow uint64
	// ReceiveInactivity пауза входящего потока при хотя бы одном
	// уже принятом пакете
	ReceiveInactivity time.Duration
}

// DefaultQualityThresholds возвращает пороги по умолчанию
func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		MaxInterpolatedPerWindow: DefaultMaxInterpolatedPerWindow,
		MaxOverflowsPerWindow:    0,
		MaxLatePerWindow:         DefaultMaxLatePerWindow,
		ReceiveInactivity:        DefaultReceiveInactivity,
	}
}

// Validate проверяет корректность порогов
func (qt QualityThresholds) Validate() error {
	if qt.ReceiveInactivity < 0 {
		return fmt.Errorf("ReceiveInactivity не может быть отрицательным: %v", qt.ReceiveInactivity)
	}
	return nil
}

// QualitySample снимок накопительных счетчиков потока на момент опроса
type QualitySample struct {
	Interpolated uint64    // Всего интерполированных кадров
	Overflows    uint64    // Всего переполнений jitter buffer
	Late         uint64    // Всего отброшенных опоздавших пакетов
	Received     uint64    // Всего принятых пакетов
	LastReceive  time.Time // Момент последней принятой датаграммы
}

// QualityMonitor сравнивает снимки счетчиков между окнами наблюдения
// и формирует список причин деградации качества.
//
// Счетчики накопительные, монитор работает с дельтами между
// последовательными вызовами Evaluate. Используется из одной
// горутины опроса, синхронизации не содержит.
type QualityMonitor struct {
	thresholds QualityThresholds
	prev       QualitySample
	hasPrev    bool
	degraded   bool
}

// NewQualityMonitor создает монитор с указанными порогами
func NewQualityMonitor(thresholds QualityThresholds) *QualityMonitor {
	return &QualityMonitor{thresholds: thresholds}
}

// Evaluate сравнивает снимок с предыдущим окном и возвращает причины
// деградации. Пустой срез означает норму. Первый вызов только
// фиксирует базовый снимок и всегда возвращает норму.
func (qm *QualityMonitor) Evaluate(now time.Time, sample QualitySample) []string {
	if !qm.hasPrev {
		qm.prev = sample
		qm.hasPrev = true
		return nil
	}

	var reasons []string

	if d := sample.Interpolated - qm.prev.Interpolated; d > qm.thresholds.MaxInterpolatedPerWindow {
		reasons = append(reasons, fmt.Sprintf("интерполировано %d кадров за окно при пороге %d",
			d, qm.thresholds.MaxInterpolatedPerWindow))
	}
	if d := sample.Overflows - qm.prev.Overflows; d > qm.thresholds.MaxOverflowsPerWindow {
		reasons = append(reasons, fmt.Sprintf("%d переполнений jitter buffer за окно", d))
	}
	if d := sample.Late - qm.prev.Late; d > qm.thresholds.MaxLatePerWindow {
		reasons = append(reasons, fmt.Sprintf("%d опоздавших пакетов за окно при пороге %d",
			d, qm.thresholds.MaxLatePerWindow))
	}
	if sample.Received > 0 && !sample.LastReceive.IsZero() {
		if idle := now.Sub(sample.LastReceive); idle > qm.thresholds.ReceiveInactivity {
			reasons = append(reasons, fmt.Sprintf("нет входящих пакетов %v", idle.Round(time.Millisecond)))
		}
	}

	qm.prev = sample
	qm.degraded = len(reasons) > 0
	return reasons
}

// IsDegraded возвращает результат последней оценки
func (qm *QualityMonitor) IsDegraded() bool {
	return qm.degraded
}
