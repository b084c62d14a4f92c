// Package events реализует событийную шину медиа плоскости.
//
// Шина развязывает приём RTP пакетов от потребителей: издатели никогда
// не блокируются (при переполнении очереди событие отбрасывается и
// считается), единственный потребитель последовательно доставляет
// события подписчикам по снимку списка. Подписка и отписка безопасны
// одновременно с доставкой.
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType определяет тип события медиа плоскости
type EventType int

const (
	// EventRTPPacketReceived входящая датаграмма разобрана и принята в конвейер
	EventRTPPacketReceived EventType = iota
	// EventAudioDataReady декодированный PCM кадр готов для потребителя
	EventAudioDataReady
	// EventJitterBufferOverflow jitter buffer выполнил вытеснение по переполнению
	EventJitterBufferOverflow
	// EventPacketLossDetected обнаружен разрыв в последовательности пакетов
	EventPacketLossDetected
	// EventSessionStarted медиа сессия запущена
	EventSessionStarted
	// EventSessionEnded медиа сессия завершена
	EventSessionEnded
	// EventQualityDegraded монитор качества зафиксировал деградацию
	EventQualityDegraded
	// EventDTMFDetected принято DTMF событие (RFC 4733)
	EventDTMFDetected
)

// String возвращает каноническое имя типа события
func (t EventType) String() string {
	switch t {
	case EventRTPPacketReceived:
		return "RTP_PACKET_RECEIVED"
	case EventAudioDataReady:
		return "AUDIO_DATA_READY"
	case EventJitterBufferOverflow:
		return "JITTER_BUFFER_OVERFLOW"
	case EventPacketLossDetected:
		return "PACKET_LOSS_DETECTED"
	case EventSessionStarted:
		return "SESSION_STARTED"
	case EventSessionEnded:
		return "SESSION_ENDED"
	case EventQualityDegraded:
		return "QUALITY_DEGRADED"
	case EventDTMFDetected:
		return "DTMF_DETECTED"
	default:
		return "UNKNOWN"
	}
}

// AudioEvent представляет одно событие медиа плоскости.
// Data несёт полезную нагрузку события (ключи в snake_case),
// CorrelationID опционален и связывает цепочки событий между собой.
type AudioEvent struct {
	Type          EventType
	SessionID     string
	Timestamp     time.Time
	Data          map[string]interface{}
	CorrelationID string
}

// NewAudioEvent создает событие с текущей временной меткой
func NewAudioEvent(eventType EventType, sessionID string, data map[string]interface{}) AudioEvent {
	return AudioEvent{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// NewCorrelatedEvent создает событие со сгенерированным correlation ID
func NewCorrelatedEvent(eventType EventType, sessionID string, data map[string]interface{}) AudioEvent {
	event := NewAudioEvent(eventType, sessionID, data)
	event.CorrelationID = uuid.NewString()
	return event
}
