package media

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/arzzra/ivr_media/pkg/g711"
)

// BufferedAudioPacket аудио пакет в буферах медиа плоскости.
// SequenceNumber и Timestamp берутся из RTP заголовка как есть,
// локально назначается только ReceivedTime.
type BufferedAudioPacket struct {
	SequenceNumber uint16
	Timestamp      uint32
	Payload        []byte
	ReceivedTime   time.Time
	SessionID      string
}

// SequenceDiff возвращает знаковое расстояние от a до b с учетом
// переполнения 16-битного счетчика: SequenceDiff(5, 65530) == 11.
func SequenceDiff(a, b uint16) int {
	diff := int(a) - int(b)
	if diff > 32768 {
		diff -= 65536
	} else if diff < -32768 {
		diff += 65536
	}
	return diff
}

// Параметры jitter buffer по умолчанию
const (
	DefaultJitterDepthMs   = 100
	DefaultFrameDurationMs = 20
	DefaultSampleRate      = 8000

	// evictFraction доля буфера, вытесняемая при переполнении
	evictFraction = 4
)

// JitterBufferConfig конфигурация jitter buffer
type JitterBufferConfig struct {
	// SessionID идентификатор сессии для ошибок и логов
	SessionID string

	// DepthMs целевая глубина буфера в миллисекундах
	DepthMs int

	// FrameDurationMs длительность одного кадра в миллисекундах
	FrameDurationMs int

	// SampleRate частота дискретизации в Гц
	SampleRate int
}

// DefaultJitterBufferConfig возвращает конфигурацию по умолчанию:
// глубина 100мс, кадр 20мс, 8кГц (5 пакетов глубины, 160 байт кадр).
func DefaultJitterBufferConfig() JitterBufferConfig {
	return JitterBufferConfig{
		DepthMs:         DefaultJitterDepthMs,
		FrameDurationMs: DefaultFrameDurationMs,
		SampleRate:      DefaultSampleRate,
	}
}

// Validate проверяет конфигурацию jitter buffer
func (c JitterBufferConfig) Validate() error {
	if c.DepthMs <= 0 {
		return NewStreamerError(ErrorCodeJitterConfigInvalid, c.SessionID,
			fmt.Sprintf("DepthMs должен быть положительным, получен %d", c.DepthMs))
	}
	if c.FrameDurationMs <= 0 {
		return NewStreamerError(ErrorCodeJitterConfigInvalid, c.SessionID,
			fmt.Sprintf("FrameDurationMs должен быть положительным, получен %d", c.FrameDurationMs))
	}
	if c.DepthMs < c.FrameDurationMs {
		return NewStreamerError(ErrorCodeJitterConfigInvalid, c.SessionID,
			fmt.Sprintf("DepthMs %d меньше длительности кадра %d", c.DepthMs, c.FrameDurationMs))
	}
	if c.SampleRate <= 0 {
		return NewStreamerError(ErrorCodeJitterConfigInvalid, c.SessionID,
			fmt.Sprintf("SampleRate должен быть положительным, получен %d", c.SampleRate))
	}
	return nil
}

// JitterBufferStats снимок счетчиков jitter buffer
type JitterBufferStats struct {
	Buffered           int
	ExpectedSequence   uint16
	LastOutputSequence uint16
	BaseTimestamp      uint32
	Received           uint64
	Delivered          uint64
	Duplicates         uint64
	Late               uint64
	Evicted            uint64
	Overflows          uint64
	Interpolated       uint64
}

// JitterBuffer восстанавливает порядок RTP пакетов и маскирует потери.
//
// Пакеты хранятся в map по sequence number, выдача идет строго по
// ожидаемому номеру. Отсутствующий кадр по запросу интерполируется
// тишиной, если дальше по потоку уже есть буферизованные пакеты.
// При накоплении вдвое больше целевой глубины вытесняется примерно
// четверть самых старых пакетов. Один мьютекс сериализует все мутации
// и чтение статистики.
type JitterBuffer struct {
	mu sync.Mutex

	config          JitterBufferConfig
	depthPackets    int
	samplesPerFrame int

	packets             map[uint16]*BufferedAudioPacket
	expectedSequence    uint16
	hasExpected         bool
	lastOutputSequence  uint16
	lastOutputTimestamp uint32
	baseTimestamp       uint32

	received     uint64
	delivered    uint64
	duplicates   uint64
	late         uint64
	evicted      uint64
	overflows    uint64
	interpolated uint64
}

// NewJitterBuffer создает jitter buffer по конфигурации
func NewJitterBuffer(config JitterBufferConfig) (*JitterBuffer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &JitterBuffer{
		config:          config,
		depthPackets:    config.DepthMs / config.FrameDurationMs,
		samplesPerFrame: config.SampleRate * config.FrameDurationMs / 1000,
		packets:         make(map[uint16]*BufferedAudioPacket),
	}, nil
}

// AddPacket кладет пакет в буфер.
//
// Дубликат, опоздавший пакет и переполнение отклоняются с типизированной
// ошибкой и подсчетом. Первый пакет фиксирует ожидаемый sequence number.
// При переполнении вытесняется четверть самых старых пакетов, а входящий
// пакет отклоняется в этом же раунде.
func (jb *JitterBuffer) AddPacket(packet *BufferedAudioPacket) error {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if _, exists := jb.packets[packet.SequenceNumber]; exists {
		jb.duplicates++
		return NewJitterBufferError(ErrorCodeJitterDuplicatePacket, jb.config.SessionID,
			fmt.Sprintf("пакет %d уже в буфере", packet.SequenceNumber),
			packet.SequenceNumber, len(jb.packets), 2*jb.depthPackets)
	}

	if !jb.hasExpected {
		jb.expectedSequence = packet.SequenceNumber
		jb.hasExpected = true
		jb.baseTimestamp = packet.Timestamp
	}

	if SequenceDiff(packet.SequenceNumber, jb.expectedSequence) < -jb.depthPackets {
		jb.late++
		return NewJitterBufferError(ErrorCodeJitterLatePacket, jb.config.SessionID,
			fmt.Sprintf("пакет %d опоздал, ожидается %d", packet.SequenceNumber, jb.expectedSequence),
			packet.SequenceNumber, len(jb.packets), 2*jb.depthPackets)
	}

	if len(jb.packets) >= 2*jb.depthPackets {
		jb.evictOldest()
		jb.overflows++
		return NewJitterBufferError(ErrorCodeJitterBufferOverflow, jb.config.SessionID,
			fmt.Sprintf("буфер переполнен, пакет %d отклонен", packet.SequenceNumber),
			packet.SequenceNumber, len(jb.packets), 2*jb.depthPackets)
	}

	jb.packets[packet.SequenceNumber] = packet
	jb.received++
	return nil
}

// evictOldest вытесняет четверть самых старых пакетов по расстоянию
// от ожидаемого sequence number. Вызывать под мьютексом.
func (jb *JitterBuffer) evictOldest() {
	seqs := make([]uint16, 0, len(jb.packets))
	for seq := range jb.packets {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool {
		return SequenceDiff(seqs[i], jb.expectedSequence) < SequenceDiff(seqs[j], jb.expectedSequence)
	})

	evictCount := 2 * jb.depthPackets / evictFraction
	if evictCount < 1 {
		evictCount = 1
	}
	if evictCount > len(seqs) {
		evictCount = len(seqs)
	}

	for _, seq := range seqs[:evictCount] {
		delete(jb.packets, seq)
	}
	jb.evicted += uint64(evictCount)
}

// AudioFrame кадр, выданный jitter buffer. Для интерполированного кадра
// payload содержит тишину PCMU, а timestamp продолжает последний выданный.
type AudioFrame struct {
	Payload        []byte
	SequenceNumber uint16
	Timestamp      uint32
	Interpolated   bool
}

// NextFrame возвращает следующий кадр по порядку вместе с метаданными.
//
// Если ожидаемый пакет в буфере, он извлекается и возвращается. Иначе,
// при interpolate и наличии пакетов дальше по потоку, синтезируется кадр
// тишины PCMU и выдача сдвигается, маскируя потерю. Во всех остальных
// случаях возвращается (AudioFrame{}, false).
func (jb *JitterBuffer) NextFrame(interpolate bool) (AudioFrame, bool) {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if !jb.hasExpected {
		return AudioFrame{}, false
	}

	if packet, ok := jb.packets[jb.expectedSequence]; ok {
		delete(jb.packets, jb.expectedSequence)
		frame := AudioFrame{
			Payload:        packet.Payload,
			SequenceNumber: jb.expectedSequence,
			Timestamp:      packet.Timestamp,
		}
		jb.lastOutputSequence = jb.expectedSequence
		jb.lastOutputTimestamp = packet.Timestamp
		jb.expectedSequence++
		jb.delivered++
		return frame, true
	}

	if interpolate && jb.hasPacketAhead() {
		jb.lastOutputTimestamp += uint32(jb.samplesPerFrame)
		frame := AudioFrame{
			Payload:        g711.GenerateSilence(jb.samplesPerFrame),
			SequenceNumber: jb.expectedSequence,
			Timestamp:      jb.lastOutputTimestamp,
			Interpolated:   true,
		}
		jb.lastOutputSequence = jb.expectedSequence
		jb.expectedSequence++
		jb.interpolated++
		return frame, true
	}

	return AudioFrame{}, false
}

// GetNextAudio возвращает payload следующего кадра по порядку.
// Семантика выдачи и интерполяции совпадает с NextFrame.
func (jb *JitterBuffer) GetNextAudio(interpolate bool) ([]byte, bool) {
	frame, ok := jb.NextFrame(interpolate)
	if !ok {
		return nil, false
	}
	return frame.Payload, true
}

// hasPacketAhead проверяет наличие пакетов дальше ожидаемого.
// Вызывать под мьютексом.
func (jb *JitterBuffer) hasPacketAhead() bool {
	for seq := range jb.packets {
		if SequenceDiff(seq, jb.expectedSequence) > 0 {
			return true
		}
	}
	return false
}

// BufferedCount возвращает число пакетов в буфере
func (jb *JitterBuffer) BufferedCount() int {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return len(jb.packets)
}

// ResetSequence переустанавливает ожидаемый sequence number.
// Буферизованные пакеты сохраняются и будут выданы или отклонены
// относительно новой позиции.
func (jb *JitterBuffer) ResetSequence(seq uint16) {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	jb.expectedSequence = seq
	jb.hasExpected = true
}

// Clear очищает буфер. Счетчики статистики сохраняются.
func (jb *JitterBuffer) Clear() {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	jb.packets = make(map[uint16]*BufferedAudioPacket)
	jb.hasExpected = false
}

// GetStats возвращает снимок счетчиков буфера
func (jb *JitterBuffer) GetStats() JitterBufferStats {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	return JitterBufferStats{
		Buffered:           len(jb.packets),
		ExpectedSequence:   jb.expectedSequence,
		LastOutputSequence: jb.lastOutputSequence,
		BaseTimestamp:      jb.baseTimestamp,
		Received:           jb.received,
		Delivered:          jb.delivered,
		Duplicates:         jb.duplicates,
		Late:               jb.late,
		Evicted:            jb.evicted,
		Overflows:          jb.overflows,
		Interpolated:       jb.interpolated,
	}
}
