package media

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/ivr_media/pkg/g711"
)

// makeTestPacket создаёт аудио пакет со стандартным кадром 160 байт
func makeTestPacket(seq uint16, timestamp uint32) *BufferedAudioPacket {
	payload := make([]byte, 160)
	payload[0] = byte(seq)
	return &BufferedAudioPacket{
		SequenceNumber: seq,
		Timestamp:      timestamp,
		Payload:        payload,
		ReceivedTime:   time.Now(),
		SessionID:      "test-session",
	}
}

func newTestJitterBuffer(t *testing.T) *JitterBuffer {
	t.Helper()
	config := DefaultJitterBufferConfig()
	config.SessionID = "test-session"
	jb, err := NewJitterBuffer(config)
	require.NoError(t, err, "создание буфера со стандартной конфигурацией")
	return jb
}

func TestSequenceDiff(t *testing.T) {
	tests := []struct {
		name string
		a, b uint16
		want int
	}{
		{"равные номера", 10, 10, 0},
		{"следующий номер", 101, 100, 1},
		{"предыдущий номер", 100, 101, -1},
		{"переход через ноль вперед", 5, 65530, 11},
		{"переход через ноль назад", 65530, 5, -11},
		{"ноль после максимума", 0, 65535, 1},
		{"максимум перед нулем", 65535, 0, -1},
		{"большой разрыв вперед", 1000, 100, 900},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SequenceDiff(tt.a, tt.b))
		})
	}
}

func TestJitterBufferConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*JitterBufferConfig)
		wantError bool
	}{
		{"конфигурация по умолчанию валидна", func(c *JitterBufferConfig) {}, false},
		{"нулевая глубина", func(c *JitterBufferConfig) { c.DepthMs = 0 }, true},
		{"отрицательная глубина", func(c *JitterBufferConfig) { c.DepthMs = -100 }, true},
		{"нулевая длительность кадра", func(c *JitterBufferConfig) { c.FrameDurationMs = 0 }, true},
		{"глубина меньше кадра", func(c *JitterBufferConfig) { c.DepthMs = 10 }, true},
		{"нулевая частота дискретизации", func(c *JitterBufferConfig) { c.SampleRate = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultJitterBufferConfig()
			tt.mutate(&config)
			err := config.Validate()
			if tt.wantError {
				assert.Error(t, err)
				assert.True(t, HasErrorCode(err, ErrorCodeJitterConfigInvalid),
					"ожидается код ошибки конфигурации")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestJitterBufferInOrderDelivery(t *testing.T) {
	jb := newTestJitterBuffer(t)

	for i := uint16(0); i < 3; i++ {
		require.NoError(t, jb.AddPacket(makeTestPacket(100+i, 8000+uint32(i)*160)))
	}

	for i := uint16(0); i < 3; i++ {
		frame, ok := jb.NextFrame(true)
		require.True(t, ok, "кадр %d должен быть выдан", i)
		assert.Equal(t, 100+i, frame.SequenceNumber)
		assert.Equal(t, 8000+uint32(i)*160, frame.Timestamp)
		assert.False(t, frame.Interpolated)
		assert.Equal(t, byte(100+i), frame.Payload[0], "payload исходного пакета")
	}

	_, ok := jb.NextFrame(true)
	assert.False(t, ok, "пустой буфер не выдает кадров")

	stats := jb.GetStats()
	assert.Equal(t, uint64(3), stats.Received)
	assert.Equal(t, uint64(3), stats.Delivered)
	assert.Equal(t, uint16(103), stats.ExpectedSequence)
	assert.Equal(t, uint16(102), stats.LastOutputSequence)
	assert.Equal(t, uint32(8000), stats.BaseTimestamp)
}

func TestJitterBufferReordersPackets(t *testing.T) {
	jb := newTestJitterBuffer(t)

	// первый пакет фиксирует ожидаемый номер, остальные вразнобой
	require.NoError(t, jb.AddPacket(makeTestPacket(50, 1000)))
	require.NoError(t, jb.AddPacket(makeTestPacket(53, 1480)))
	require.NoError(t, jb.AddPacket(makeTestPacket(51, 1160)))
	require.NoError(t, jb.AddPacket(makeTestPacket(52, 1320)))

	var got []uint16
	for {
		frame, ok := jb.NextFrame(false)
		if !ok {
			break
		}
		got = append(got, frame.SequenceNumber)
	}

	assert.Equal(t, []uint16{50, 51, 52, 53}, got, "выдача строго по порядку")
}

func TestJitterBufferSequenceWraparound(t *testing.T) {
	jb := newTestJitterBuffer(t)
	jb.ResetSequence(65533)

	seqs := []uint16{65535, 65533, 0, 65534, 2, 1}
	for _, seq := range seqs {
		require.NoError(t, jb.AddPacket(makeTestPacket(seq, uint32(seq)*160)))
	}

	want := []uint16{65533, 65534, 65535, 0, 1, 2}
	for _, seq := range want {
		frame, ok := jb.NextFrame(false)
		require.True(t, ok, "кадр %d должен быть выдан", seq)
		assert.Equal(t, seq, frame.SequenceNumber)
	}
}

func TestJitterBufferRejectsDuplicate(t *testing.T) {
	jb := newTestJitterBuffer(t)

	require.NoError(t, jb.AddPacket(makeTestPacket(200, 4000)))
	err := jb.AddPacket(makeTestPacket(200, 4000))

	require.Error(t, err, "дубликат должен быть отклонен")
	assert.True(t, HasErrorCode(err, ErrorCodeJitterDuplicatePacket))

	var jbErr *JitterBufferError
	require.True(t, errors.As(err, &jbErr))
	assert.Equal(t, uint16(200), jbErr.Sequence)

	stats := jb.GetStats()
	assert.Equal(t, uint64(1), stats.Duplicates)
	assert.Equal(t, uint64(1), stats.Received, "дубликат не увеличивает принятые")
	assert.Equal(t, 1, stats.Buffered)
}

func TestJitterBufferRejectsLatePacket(t *testing.T) {
	jb := newTestJitterBuffer(t)

	require.NoError(t, jb.AddPacket(makeTestPacket(100, 1000)))
	_, ok := jb.NextFrame(false)
	require.True(t, ok)

	// глубина 5 пакетов: отставание на 11 от ожидаемого 101 безнадежно
	err := jb.AddPacket(makeTestPacket(90, 500))
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrorCodeJitterLatePacket))

	stats := jb.GetStats()
	assert.Equal(t, uint64(1), stats.Late)
	assert.Equal(t, 0, stats.Buffered)
}

func TestJitterBufferLateWithinDepthAccepted(t *testing.T) {
	jb := newTestJitterBuffer(t)
	jb.ResetSequence(100)

	require.NoError(t, jb.AddPacket(makeTestPacket(102, 1320)))

	// отставание в пределах глубины еще может быть выдано
	err := jb.AddPacket(makeTestPacket(100, 1000))
	assert.NoError(t, err, "пакет в пределах глубины принимается")

	frame, ok := jb.NextFrame(false)
	require.True(t, ok)
	assert.Equal(t, uint16(100), frame.SequenceNumber)
}

func TestJitterBufferInterpolatesMissingFrame(t *testing.T) {
	jb := newTestJitterBuffer(t)

	require.NoError(t, jb.AddPacket(makeTestPacket(300, 16000)))
	require.NoError(t, jb.AddPacket(makeTestPacket(302, 16320)))

	frame, ok := jb.NextFrame(true)
	require.True(t, ok)
	assert.Equal(t, uint16(300), frame.SequenceNumber)
	assert.False(t, frame.Interpolated)

	// пакет 301 потерян, но 302 уже в буфере
	frame, ok = jb.NextFrame(true)
	require.True(t, ok, "потерянный кадр интерполируется")
	assert.True(t, frame.Interpolated)
	assert.Equal(t, uint16(301), frame.SequenceNumber)
	assert.Equal(t, uint32(16160), frame.Timestamp, "timestamp продолжает предыдущий кадр")
	assert.Len(t, frame.Payload, 160)
	for _, b := range frame.Payload {
		require.Equal(t, byte(g711.ULawSilence), b, "интерполированный кадр состоит из тишины")
	}

	frame, ok = jb.NextFrame(true)
	require.True(t, ok)
	assert.Equal(t, uint16(302), frame.SequenceNumber)
	assert.Equal(t, uint32(16320), frame.Timestamp)
	assert.False(t, frame.Interpolated)

	stats := jb.GetStats()
	assert.Equal(t, uint64(2), stats.Delivered)
	assert.Equal(t, uint64(1), stats.Interpolated)
}

func TestJitterBufferNoInterpolationWithoutAhead(t *testing.T) {
	jb := newTestJitterBuffer(t)

	require.NoError(t, jb.AddPacket(makeTestPacket(400, 2000)))
	_, ok := jb.NextFrame(true)
	require.True(t, ok)

	// дальше по потоку пакетов нет: тишина не синтезируется
	_, ok = jb.NextFrame(true)
	assert.False(t, ok, "без пакетов впереди интерполяция не происходит")

	assert.Equal(t, uint64(0), jb.GetStats().Interpolated)
}

func TestJitterBufferInterpolationDisabled(t *testing.T) {
	jb := newTestJitterBuffer(t)

	require.NoError(t, jb.AddPacket(makeTestPacket(500, 3000)))
	require.NoError(t, jb.AddPacket(makeTestPacket(502, 3320)))

	_, ok := jb.NextFrame(false)
	require.True(t, ok)

	_, ok = jb.NextFrame(false)
	assert.False(t, ok, "с выключенной интерполяцией разрыв блокирует выдачу")
}

func TestJitterBufferStreamWithSingleLoss(t *testing.T) {
	jb := newTestJitterBuffer(t)

	// поток из 10 кадров, шестой потерян
	for i := uint16(0); i < 10; i++ {
		if i == 5 {
			continue
		}
		require.NoError(t, jb.AddPacket(makeTestPacket(700+i, 40000+uint32(i)*160)))
	}

	var frames []AudioFrame
	for {
		frame, ok := jb.NextFrame(true)
		if !ok {
			break
		}
		frames = append(frames, frame)
	}

	require.Len(t, frames, 10, "потеря замаскирована, выдано 10 кадров")
	for i, frame := range frames {
		assert.Equal(t, uint16(700+i), frame.SequenceNumber)
		assert.Equal(t, 40000+uint32(i)*160, frame.Timestamp, "непрерывные timestamps кадра %d", i)
		assert.Equal(t, i == 5, frame.Interpolated)
	}

	stats := jb.GetStats()
	assert.Equal(t, uint64(9), stats.Delivered)
	assert.Equal(t, uint64(1), stats.Interpolated)
}

func TestJitterBufferOverflowEvictsOldest(t *testing.T) {
	jb := newTestJitterBuffer(t)

	// глубина 5 пакетов, емкость 10
	for i := uint16(0); i < 10; i++ {
		require.NoError(t, jb.AddPacket(makeTestPacket(1000+i, uint32(i)*160)))
	}
	assert.Equal(t, 10, jb.BufferedCount())

	err := jb.AddPacket(makeTestPacket(1010, 1600))
	require.Error(t, err, "переполнение отклоняет входящий пакет")
	assert.True(t, HasErrorCode(err, ErrorCodeJitterBufferOverflow))

	stats := jb.GetStats()
	assert.Equal(t, uint64(1), stats.Overflows)
	assert.Equal(t, uint64(2), stats.Evicted, "вытесняется четверть емкости")
	assert.Equal(t, 8, stats.Buffered)

	// после вытеснения место освободилось
	assert.NoError(t, jb.AddPacket(makeTestPacket(1010, 1600)))

	// самые старые 1000 и 1001 вытеснены, выдача начинается с интерполяции
	frame, ok := jb.NextFrame(true)
	require.True(t, ok)
	assert.True(t, frame.Interpolated)
	assert.Equal(t, uint16(1000), frame.SequenceNumber)
}

func TestJitterBufferClear(t *testing.T) {
	jb := newTestJitterBuffer(t)

	require.NoError(t, jb.AddPacket(makeTestPacket(100, 1000)))
	require.NoError(t, jb.AddPacket(makeTestPacket(101, 1160)))
	_, ok := jb.NextFrame(false)
	require.True(t, ok)

	jb.Clear()
	assert.Equal(t, 0, jb.BufferedCount())

	_, ok = jb.NextFrame(true)
	assert.False(t, ok, "после очистки выдавать нечего")

	stats := jb.GetStats()
	assert.Equal(t, uint64(2), stats.Received, "счетчики переживают очистку")
	assert.Equal(t, uint64(1), stats.Delivered)

	// первый пакет после очистки заново фиксирует позицию
	require.NoError(t, jb.AddPacket(makeTestPacket(9000, 5000)))
	frame, ok := jb.NextFrame(false)
	require.True(t, ok)
	assert.Equal(t, uint16(9000), frame.SequenceNumber)
}

func TestJitterBufferGetNextAudio(t *testing.T) {
	jb := newTestJitterBuffer(t)

	packet := makeTestPacket(600, 7000)
	require.NoError(t, jb.AddPacket(packet))

	payload, ok := jb.GetNextAudio(true)
	require.True(t, ok)
	assert.Equal(t, packet.Payload, payload)

	_, ok = jb.GetNextAudio(true)
	assert.False(t, ok)
}
