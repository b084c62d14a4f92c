package g711

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// generateSinePCM создаёт буфер PCM16 с синусоидой заданной амплитуды
func generateSinePCM(samples int, amplitude float64, freq float64, sampleRate int) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		value := int16(amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(value))
	}
	return pcm
}

func TestLinearToUlawKnownValues(t *testing.T) {
	tests := []struct {
		name   string
		sample int16
		want   byte
	}{
		{"ноль кодируется в 0xFF", 0, 0xFF},
		{"минус два кодируется в 0x7F", -2, 0x7F},
		{"максимум кодируется в 0x80", 32767, 0x80},
		{"минимум кодируется в 0x00", -32768, 0x00},
		{"клиппинг положительной амплитуды", 32635, 0x80},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LinearToUlaw(tt.sample))
		})
	}
}

func TestUlawToLinearKnownValues(t *testing.T) {
	tests := []struct {
		name string
		ulaw byte
		want int16
	}{
		{"положительный ноль", 0xFF, 0},
		{"отрицательный ноль декодируется в -2", 0x7F, -2},
		{"максимум положительного сегмента", 0x80, 32124},
		{"максимум отрицательного сегмента", 0x00, -32124},
		{"минимальный шаг положительного сегмента", 0xFE, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UlawToLinear(tt.ulaw))
		})
	}
}

// TestTablesMutuallyInverse проверяет, что таблица кодирования является
// точной обратной функцией таблицы декодирования для всех 256 кодовых слов.
func TestTablesMutuallyInverse(t *testing.T) {
	for i := 0; i < 256; i++ {
		b := byte(i)
		linear := UlawToLinear(b)
		back := LinearToUlaw(linear)
		require.Equal(t, b, back,
			"кодовое слово 0x%02X декодировано в %d, обратно закодировано в 0x%02X",
			b, linear, back)
	}
}

// TestDecodeEncodeRoundTripFrame проверяет восстановление кадра PCMU
// байт в байт после цикла декодирование -> кодирование.
func TestDecodeEncodeRoundTripFrame(t *testing.T) {
	pcm := generateSinePCM(160, 12000, 440, 8000)
	frame := EncodePCM(pcm)
	require.Len(t, frame, 160)

	decoded := DecodePCMU(frame)
	require.Len(t, decoded, 320)

	reencoded := EncodePCM(decoded)
	assert.Equal(t, frame, reencoded, "цикл decode->encode должен восстановить кадр байт в байт")
}

func TestEncodePCMOddLength(t *testing.T) {
	pcm := []byte{0x00, 0x10, 0x00, 0x20, 0xFF}
	out := EncodePCM(pcm)
	// Последний байт отбрасывается, кодируются два полных отсчёта
	assert.Len(t, out, 2)
}

func TestEncodePCMEmpty(t *testing.T) {
	out := EncodePCM(nil)
	assert.Empty(t, out)
}

func TestDecodePCMULength(t *testing.T) {
	frame := GenerateSilence(160)
	pcm := DecodePCMU(frame)
	assert.Len(t, pcm, 320)
}

func TestValidatePCMUFormat(t *testing.T) {
	tests := []struct {
		name         string
		data         []byte
		expectedSize int
		wantErr      bool
	}{
		{
			name:         "корректный кадр 160 байт",
			data:         GenerateSilence(160),
			expectedSize: 160,
			wantErr:      false,
		},
		{
			name:         "слишком короткий кадр",
			data:         GenerateSilence(80),
			expectedSize: 160,
			wantErr:      true,
		},
		{
			name:         "слишком длинный кадр",
			data:         GenerateSilence(320),
			expectedSize: 160,
			wantErr:      true,
		},
		{
			name:         "постоянный сигнал проходит проверку",
			data:         []byte{0x55, 0x55, 0x55, 0x55},
			expectedSize: 4,
			wantErr:      false,
		},
		{
			name:         "пустой кадр при нулевом ожидании",
			data:         []byte{},
			expectedSize: 0,
			wantErr:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePCMUFormat(tt.data, tt.expectedSize)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePCMFormat(t *testing.T) {
	t.Run("нечётная длина отклоняется", func(t *testing.T) {
		_, err := ValidatePCMFormat([]byte{0x01, 0x02, 0x03})
		assert.Error(t, err)
	})

	t.Run("пустой буфер отклоняется", func(t *testing.T) {
		_, err := ValidatePCMFormat(nil)
		assert.Error(t, err)
	})

	t.Run("статистика постоянного сигнала", func(t *testing.T) {
		pcm := make([]byte, 8)
		for i := 0; i < 4; i++ {
			binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(1000)))
		}
		stats, err := ValidatePCMFormat(pcm)
		require.NoError(t, err)
		assert.Equal(t, 4, stats.Samples)
		assert.Equal(t, 1000, stats.MaxAmplitude)
		assert.InDelta(t, 1000.0, stats.RMS, 0.001)
	})
}

func TestResample(t *testing.T) {
	t.Run("одинаковые частоты возвращают копию", func(t *testing.T) {
		pcm := generateSinePCM(160, 8000, 440, 8000)
		out, err := Resample(pcm, 8000, 8000)
		require.NoError(t, err)
		assert.Equal(t, pcm, out)
	})

	t.Run("повышение частоты вдвое удваивает число отсчётов", func(t *testing.T) {
		pcm := generateSinePCM(160, 8000, 440, 8000)
		out, err := Resample(pcm, 8000, 16000)
		require.NoError(t, err)
		assert.Len(t, out, len(pcm)*2)
	})

	t.Run("линейная интерполяция между отсчётами", func(t *testing.T) {
		pcm := make([]byte, 4)
		binary.LittleEndian.PutUint16(pcm[0:], uint16(int16(0)))
		binary.LittleEndian.PutUint16(pcm[2:], uint16(int16(100)))

		out, err := Resample(pcm, 8000, 16000)
		require.NoError(t, err)
		require.Len(t, out, 8)

		assert.Equal(t, int16(0), int16(binary.LittleEndian.Uint16(out[0:])))
		assert.Equal(t, int16(50), int16(binary.LittleEndian.Uint16(out[2:])))
		assert.Equal(t, int16(100), int16(binary.LittleEndian.Uint16(out[4:])))
	})

	t.Run("некорректные частоты отклоняются", func(t *testing.T) {
		_, err := Resample([]byte{0, 0}, 0, 8000)
		assert.Error(t, err)
	})
}

func TestGenerateSilence(t *testing.T) {
	frame := GenerateSilence(160)
	require.Len(t, frame, 160)
	for i, b := range frame {
		require.Equal(t, byte(ULawSilence), b, "байт %d не является тишиной", i)
	}

	// Тишина декодируется в пренебрежимо малую амплитуду
	pcm := DecodePCMU(frame)
	for i := 0; i < len(pcm)/2; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		assert.LessOrEqual(t, int(math.Abs(float64(sample))), 2)
	}
}

func BenchmarkEncodePCM(b *testing.B) {
	pcm := generateSinePCM(160, 12000, 440, 8000)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		EncodePCM(pcm)
	}
}

func BenchmarkDecodePCMU(b *testing.B) {
	frame := EncodePCM(generateSinePCM(160, 12000, 440, 8000))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		DecodePCMU(frame)
	}
}
