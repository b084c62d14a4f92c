package media

import (
	"sort"
	"sync"
	"time"
)

// Параметры replay buffer по умолчанию
const (
	// DefaultReplayCapacity вмещает чуть больше 5 секунд потока 20мс кадров
	DefaultReplayCapacity = 256

	// DefaultReplayTTL срок жизни записи
	DefaultReplayTTL = 5 * time.Second

	// replaySweepInterval период чистки просроченных записей,
	// выполняется попутно при Store
	replaySweepInterval = 5 * time.Second
)

// ReplayBufferConfig конфигурация replay buffer
type ReplayBufferConfig struct {
	// Capacity число хранимых пакетов
	Capacity int

	// TTL срок жизни записи
	TTL time.Duration
}

// DefaultReplayBufferConfig возвращает конфигурацию по умолчанию
func DefaultReplayBufferConfig() ReplayBufferConfig {
	return ReplayBufferConfig{
		Capacity: DefaultReplayCapacity,
		TTL:      DefaultReplayTTL,
	}
}

// replayEntry запись кольцевого буфера
type replayEntry struct {
	packet     *BufferedAudioPacket
	storedTime time.Time
	replayed   bool
}

// ReplayBufferStats снимок счетчиков replay buffer
type ReplayBufferStats struct {
	Size      int
	Capacity  int
	Stored    uint64
	Overflows uint64
	Expired   uint64
	Replayed  uint64
}

// PacketReplayBuffer кольцевой буфер недавних пакетов для восстановления
// ограниченных потерь без сетевой ретрансмиссии.
//
// Записи хранятся в порядке поступления. При заполнении перезаписывается
// самая старая запись, просроченные записи чистятся с фронта попутно при
// Store. Replay выбирает живые записи сессии в диапазоне sequence numbers
// и возвращает их по возрастанию с учетом wraparound.
type PacketReplayBuffer struct {
	mu sync.Mutex

	entries   []replayEntry
	head      int
	size      int
	ttl       time.Duration
	lastSweep time.Time

	stored    uint64
	overflows uint64
	expired   uint64
	replayed  uint64
}

// NewPacketReplayBuffer создает replay buffer по конфигурации.
// Неположительные поля заменяются значениями по умолчанию.
func NewPacketReplayBuffer(config ReplayBufferConfig) *PacketReplayBuffer {
	if config.Capacity <= 0 {
		config.Capacity = DefaultReplayCapacity
	}
	if config.TTL <= 0 {
		config.TTL = DefaultReplayTTL
	}

	return &PacketReplayBuffer{
		entries:   make([]replayEntry, config.Capacity),
		ttl:       config.TTL,
		lastSweep: time.Now(),
	}
}

// Store кладет пакет в буфер. При заполнении перезаписывается самая
// старая запись с подсчетом переполнения.
func (rb *PacketReplayBuffer) Store(packet *BufferedAudioPacket) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	now := time.Now()
	entry := replayEntry{packet: packet, storedTime: now}

	if rb.size == len(rb.entries) {
		rb.entries[rb.head] = entry
		rb.head = (rb.head + 1) % len(rb.entries)
		rb.overflows++
	} else {
		rb.entries[(rb.head+rb.size)%len(rb.entries)] = entry
		rb.size++
	}
	rb.stored++

	if now.Sub(rb.lastSweep) >= replaySweepInterval {
		rb.sweep(now)
	}
}

// sweep чистит просроченные записи с фронта. Вызывать под мьютексом.
func (rb *PacketReplayBuffer) sweep(now time.Time) {
	for rb.size > 0 && now.Sub(rb.entries[rb.head].storedTime) > rb.ttl {
		rb.entries[rb.head] = replayEntry{}
		rb.head = (rb.head + 1) % len(rb.entries)
		rb.size--
		rb.expired++
	}
	rb.lastSweep = now
}

// Replay возвращает живые пакеты сессии в диапазоне [start, end]
// по возрастанию sequence number. Диапазон с start > end трактуется
// как wraparound: [start, 65535] ∪ [0, end]. Совпавшие записи
// помечаются как воспроизведенные.
func (rb *PacketReplayBuffer) Replay(sessionID string, start, end uint16) []*BufferedAudioPacket {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	now := time.Now()
	var hits []*BufferedAudioPacket

	for i := 0; i < rb.size; i++ {
		entry := &rb.entries[(rb.head+i)%len(rb.entries)]
		if now.Sub(entry.storedTime) > rb.ttl {
			continue
		}
		if entry.packet.SessionID != sessionID {
			continue
		}
		if !sequenceInRange(entry.packet.SequenceNumber, start, end) {
			continue
		}
		entry.replayed = true
		rb.replayed++
		hits = append(hits, entry.packet)
	}

	sort.Slice(hits, func(i, j int) bool {
		return SequenceDiff(hits[i].SequenceNumber, start) < SequenceDiff(hits[j].SequenceNumber, start)
	})
	return hits
}

// sequenceInRange проверяет вхождение seq в диапазон с учетом wraparound
func sequenceInRange(seq, start, end uint16) bool {
	if start <= end {
		return seq >= start && seq <= end
	}
	return seq >= start || seq <= end
}

// Clear очищает буфер. Счетчики статистики сохраняются.
func (rb *PacketReplayBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for i := range rb.entries {
		rb.entries[i] = replayEntry{}
	}
	rb.head = 0
	rb.size = 0
}

// GetStats возвращает снимок счетчиков буфера
func (rb *PacketReplayBuffer) GetStats() ReplayBufferStats {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	return ReplayBufferStats{
		Size:      rb.size,
		Capacity:  len(rb.entries),
		Stored:    rb.stored,
		Overflows: rb.overflows,
		Expired:   rb.expired,
		Replayed:  rb.replayed,
	}
}
