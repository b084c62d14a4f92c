package media

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeSessionPacket(sessionID string, seq uint16) *BufferedAudioPacket {
	return &BufferedAudioPacket{
		SequenceNumber: seq,
		Timestamp:      uint32(seq) * 160,
		Payload:        make([]byte, 160),
		ReceivedTime:   time.Now(),
		SessionID:      sessionID,
	}
}

func TestReplayBufferStoreAndReplay(t *testing.T) {
	rb := NewPacketReplayBuffer(DefaultReplayBufferConfig())

	for seq := uint16(10); seq < 20; seq++ {
		rb.Store(makeSessionPacket("sess-1", seq))
	}

	hits := rb.Replay("sess-1", 12, 15)
	require.Len(t, hits, 4)
	for i, packet := range hits {
		assert.Equal(t, uint16(12+i), packet.SequenceNumber, "выдача по возрастанию")
	}

	stats := rb.GetStats()
	assert.Equal(t, 10, stats.Size)
	assert.Equal(t, uint64(10), stats.Stored)
	assert.Equal(t, uint64(4), stats.Replayed)
	assert.Equal(t, uint64(0), stats.Overflows)
}

func TestReplayBufferRangeWraparound(t *testing.T) {
	rb := NewPacketReplayBuffer(DefaultReplayBufferConfig())

	for _, seq := range []uint16{65530, 65531, 65532, 65533, 65534, 65535, 0, 1, 2, 3} {
		rb.Store(makeSessionPacket("sess-1", seq))
	}

	hits := rb.Replay("sess-1", 65533, 2)
	require.Len(t, hits, 6)

	want := []uint16{65533, 65534, 65535, 0, 1, 2}
	for i, packet := range hits {
		assert.Equal(t, want[i], packet.SequenceNumber, "порядок с учетом перехода через ноль")
	}
}

func TestReplayBufferFiltersSession(t *testing.T) {
	rb := NewPacketReplayBuffer(DefaultReplayBufferConfig())

	rb.Store(makeSessionPacket("sess-1", 100))
	rb.Store(makeSessionPacket("sess-2", 101))
	rb.Store(makeSessionPacket("sess-1", 102))

	hits := rb.Replay("sess-1", 100, 102)
	require.Len(t, hits, 2, "чужая сессия не попадает в выдачу")
	assert.Equal(t, uint16(100), hits[0].SequenceNumber)
	assert.Equal(t, uint16(102), hits[1].SequenceNumber)

	assert.Empty(t, rb.Replay("sess-3", 100, 102))
}

func TestReplayBufferEmptyRange(t *testing.T) {
	rb := NewPacketReplayBuffer(DefaultReplayBufferConfig())

	rb.Store(makeSessionPacket("sess-1", 50))

	assert.Empty(t, rb.Replay("sess-1", 60, 70), "вне диапазона ничего нет")
}

func TestReplayBufferSkipsExpired(t *testing.T) {
	rb := NewPacketReplayBuffer(ReplayBufferConfig{
		Capacity: 16,
		TTL:      10 * time.Millisecond,
	})

	rb.Store(makeSessionPacket("sess-1", 100))
	time.Sleep(30 * time.Millisecond)
	rb.Store(makeSessionPacket("sess-1", 101))

	hits := rb.Replay("sess-1", 100, 101)
	require.Len(t, hits, 1, "просроченная запись не воспроизводится")
	assert.Equal(t, uint16(101), hits[0].SequenceNumber)
}

func TestReplayBufferOverflowDropsOldest(t *testing.T) {
	rb := NewPacketReplayBuffer(ReplayBufferConfig{Capacity: 4, TTL: time.Minute})

	for seq := uint16(1); seq <= 6; seq++ {
		rb.Store(makeSessionPacket("sess-1", seq))
	}

	stats := rb.GetStats()
	assert.Equal(t, 4, stats.Size)
	assert.Equal(t, 4, stats.Capacity)
	assert.Equal(t, uint64(6), stats.Stored)
	assert.Equal(t, uint64(2), stats.Overflows)

	hits := rb.Replay("sess-1", 1, 6)
	require.Len(t, hits, 4, "старые записи перезаписаны")
	assert.Equal(t, uint16(3), hits[0].SequenceNumber)
	assert.Equal(t, uint16(6), hits[3].SequenceNumber)
}

func TestReplayBufferClear(t *testing.T) {
	rb := NewPacketReplayBuffer(DefaultReplayBufferConfig())

	rb.Store(makeSessionPacket("sess-1", 1))
	rb.Store(makeSessionPacket("sess-1", 2))
	require.Len(t, rb.Replay("sess-1", 1, 2), 2)

	rb.Clear()

	assert.Empty(t, rb.Replay("sess-1", 1, 2))
	stats := rb.GetStats()
	assert.Equal(t, 0, stats.Size)
	assert.Equal(t, uint64(2), stats.Stored, "счетчики переживают очистку")
	assert.Equal(t, uint64(2), stats.Replayed)
}

func TestReplayBufferDefaultsApplied(t *testing.T) {
	rb := NewPacketReplayBuffer(ReplayBufferConfig{})

	stats := rb.GetStats()
	assert.Equal(t, DefaultReplayCapacity, stats.Capacity)
}
