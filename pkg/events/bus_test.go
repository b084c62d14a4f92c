package events

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTypeString(t *testing.T) {
	tests := []struct {
		eventType EventType
		expected  string
	}{
		{EventRTPPacketReceived, "RTP_PACKET_RECEIVED"},
		{EventAudioDataReady, "AUDIO_DATA_READY"},
		{EventJitterBufferOverflow, "JITTER_BUFFER_OVERFLOW"},
		{EventPacketLossDetected, "PACKET_LOSS_DETECTED"},
		{EventSessionStarted, "SESSION_STARTED"},
		{EventSessionEnded, "SESSION_ENDED"},
		{EventQualityDegraded, "QUALITY_DEGRADED"},
		{EventDTMFDetected, "DTMF_DETECTED"},
		{EventType(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.eventType.String())
	}
}

func TestNewCorrelatedEvent(t *testing.T) {
	first := NewCorrelatedEvent(EventPacketLossDetected, "session-1", nil)
	second := NewCorrelatedEvent(EventPacketLossDetected, "session-1", nil)

	assert.NotEmpty(t, first.CorrelationID)
	assert.NotEmpty(t, second.CorrelationID)
	assert.NotEqual(t, first.CorrelationID, second.CorrelationID,
		"correlation ID должен быть уникальным")
	assert.False(t, first.Timestamp.IsZero())
}

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	require.NoError(t, bus.Start())
	defer bus.Stop()

	received := make(chan AudioEvent, 1)
	bus.Subscribe(EventAudioDataReady, func(event AudioEvent) {
		received <- event
	})

	data := map[string]interface{}{"frame_size": 160}
	ok := bus.Publish(NewAudioEvent(EventAudioDataReady, "session-1", data))
	require.True(t, ok)

	select {
	case event := <-received:
		assert.Equal(t, EventAudioDataReady, event.Type)
		assert.Equal(t, "session-1", event.SessionID)
		assert.Equal(t, 160, event.Data["frame_size"])
	case <-time.After(time.Second):
		t.Fatal("событие не доставлено за секунду")
	}
}

func TestBusPreservesOrder(t *testing.T) {
	bus := NewBus(200)
	require.NoError(t, bus.Start())

	var got []int
	bus.Subscribe(EventRTPPacketReceived, func(event AudioEvent) {
		got = append(got, event.Data["seq"].(int))
	})

	const total = 100
	for i := 0; i < total; i++ {
		ok := bus.Publish(NewAudioEvent(EventRTPPacketReceived, "session-1",
			map[string]interface{}{"seq": i}))
		require.True(t, ok)
	}

	// Stop дочитывает очередь, после него доставка завершена
	bus.Stop()

	require.Len(t, got, total)
	for i, seq := range got {
		assert.Equal(t, i, seq, "порядок доставки нарушен на позиции %d", i)
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	// потребитель не запущен, очередь заполняется до предела
	bus := NewBus(2)

	assert.True(t, bus.Publish(NewAudioEvent(EventSessionStarted, "s", nil)))
	assert.True(t, bus.Publish(NewAudioEvent(EventSessionStarted, "s", nil)))
	assert.False(t, bus.Publish(NewAudioEvent(EventSessionStarted, "s", nil)),
		"публикация в полную очередь должна вернуть false")

	stats := bus.Stats()
	assert.Equal(t, uint64(2), stats.Published)
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, 2, stats.QueueDepth)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(10)
	require.NoError(t, bus.Start())

	var calls int64
	id := bus.Subscribe(EventSessionEnded, func(event AudioEvent) {
		atomic.AddInt64(&calls, 1)
	})

	require.True(t, bus.Unsubscribe(EventSessionEnded, id))
	assert.False(t, bus.Unsubscribe(EventSessionEnded, id),
		"повторная отписка должна вернуть false")

	bus.Publish(NewAudioEvent(EventSessionEnded, "session-1", nil))
	bus.Stop()

	assert.Equal(t, int64(0), atomic.LoadInt64(&calls))
}

func TestBusHandlerPanicIsolation(t *testing.T) {
	bus := NewBus(10)
	require.NoError(t, bus.Start())

	var survivorCalls int64
	bus.Subscribe(EventQualityDegraded, func(event AudioEvent) {
		panic("обработчик сломан")
	})
	bus.Subscribe(EventQualityDegraded, func(event AudioEvent) {
		atomic.AddInt64(&survivorCalls, 1)
	})

	bus.Publish(NewAudioEvent(EventQualityDegraded, "session-1", nil))
	bus.Stop()

	assert.Equal(t, int64(1), atomic.LoadInt64(&survivorCalls),
		"паника одного обработчика не должна мешать остальным")
	assert.Equal(t, uint64(1), bus.Stats().HandlerPanics)
}

func TestBusStopDrainsQueue(t *testing.T) {
	bus := NewBus(100)
	require.NoError(t, bus.Start())

	var delivered int64
	bus.Subscribe(EventRTPPacketReceived, func(event AudioEvent) {
		atomic.AddInt64(&delivered, 1)
	})

	const total = 50
	for i := 0; i < total; i++ {
		require.True(t, bus.Publish(NewAudioEvent(EventRTPPacketReceived, "s", nil)))
	}

	bus.Stop()
	assert.Equal(t, int64(total), atomic.LoadInt64(&delivered),
		"Stop обязан доставить все опубликованные события")
}

func TestBusPublishAfterStop(t *testing.T) {
	bus := NewBus(10)
	require.NoError(t, bus.Start())
	bus.Stop()

	assert.False(t, bus.Publish(NewAudioEvent(EventSessionStarted, "s", nil)))
	assert.Equal(t, uint64(1), bus.Stats().Dropped)
}

func TestBusDoubleStart(t *testing.T) {
	bus := NewBus(10)
	require.NoError(t, bus.Start())
	assert.Error(t, bus.Start(), "повторный запуск должен вернуть ошибку")
	bus.Stop()
}

func TestBusStopIdempotent(t *testing.T) {
	bus := NewBus(10)
	require.NoError(t, bus.Start())
	bus.Stop()
	bus.Stop()
}
