package media

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pcmFromSamples упаковывает сэмплы в PCM16 little-endian
func pcmFromSamples(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}

// constantPCM возвращает кадр из n одинаковых сэмплов
func constantPCM(value int16, n int) []byte {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = value
	}
	return pcmFromSamples(samples)
}

// sinePCM возвращает кадр синусоиды с целым числом периодов
func sinePCM(amplitude float64, samplesPerPeriod, periods int) []byte {
	n := samplesPerPeriod * periods
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(amplitude * math.Sin(2*math.Pi*float64(i)/float64(samplesPerPeriod)))
	}
	return pcmFromSamples(samples)
}

func TestAudioProcessorAnalyzeConstantLevel(t *testing.T) {
	ap := NewAudioProcessor(DefaultAudioProcessorConfig())

	analysis, err := ap.Analyze(constantPCM(1000, 160))
	require.NoError(t, err)

	assert.InDelta(t, 1000.0, analysis.RMS, 0.001, "RMS постоянного уровня равен уровню")
	assert.InDelta(t, 20*math.Log10(1000.0/32768.0), analysis.DBFS, 0.001)
	assert.True(t, analysis.VoiceActive, "-30 dBFS выше порога -45")
	assert.Equal(t, 160, analysis.Samples)
}

func TestAudioProcessorAnalyzeSilence(t *testing.T) {
	ap := NewAudioProcessor(DefaultAudioProcessorConfig())

	analysis, err := ap.Analyze(constantPCM(0, 160))
	require.NoError(t, err)

	assert.Equal(t, 0.0, analysis.RMS)
	assert.True(t, math.IsInf(analysis.DBFS, -1), "тишина дает минус бесконечность dBFS")
	assert.False(t, analysis.VoiceActive)
}

func TestAudioProcessorAnalyzeQuietNoise(t *testing.T) {
	ap := NewAudioProcessor(DefaultAudioProcessorConfig())

	analysis, err := ap.Analyze(constantPCM(10, 160))
	require.NoError(t, err)

	assert.InDelta(t, -70.3, analysis.DBFS, 0.1)
	assert.False(t, analysis.VoiceActive, "-70 dBFS ниже порога голосовой активности")
}

func TestAudioProcessorAnalyzeSine(t *testing.T) {
	ap := NewAudioProcessor(DefaultAudioProcessorConfig())

	amplitude := 16000.0
	analysis, err := ap.Analyze(sinePCM(amplitude, 20, 8))
	require.NoError(t, err)

	assert.InDelta(t, amplitude/math.Sqrt2, analysis.RMS, amplitude*0.01,
		"RMS синусоиды равен амплитуде делённой на корень из двух")
	assert.True(t, analysis.VoiceActive)
}

func TestAudioProcessorAnalyzeInvalidFrame(t *testing.T) {
	ap := NewAudioProcessor(DefaultAudioProcessorConfig())

	tests := []struct {
		name string
		pcm  []byte
	}{
		{"пустой кадр", nil},
		{"нечетная длина", make([]byte, 161)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ap.Analyze(tt.pcm)
			require.Error(t, err)
			assert.True(t, HasErrorCode(err, ErrorCodeAudioSizeInvalid))
		})
	}
}

func TestAudioProcessorNormalize(t *testing.T) {
	ap := NewAudioProcessor(DefaultAudioProcessorConfig())

	input := pcmFromSamples([]int16{8000, -4000, 0, 2000})
	out, err := ap.Normalize(input)
	require.NoError(t, err)
	require.Len(t, out, len(input))

	// пик 8000 масштабируется до 0.7 полной шкалы
	gain := 0.7 * 32767.0 / 8000.0
	wantPeak := int16(8000 * gain)
	assert.Equal(t, wantPeak, int16(binary.LittleEndian.Uint16(out[0:])))
	assert.Equal(t, int16(-4000*gain), int16(binary.LittleEndian.Uint16(out[2:])))
	assert.Equal(t, int16(0), int16(binary.LittleEndian.Uint16(out[4:])))

	// вход не модифицируется
	assert.Equal(t, int16(8000), int16(binary.LittleEndian.Uint16(input[0:])))
}

func TestAudioProcessorNormalizeGainLimit(t *testing.T) {
	ap := NewAudioProcessor(DefaultAudioProcessorConfig())

	out, err := ap.Normalize(pcmFromSamples([]int16{100, -50}))
	require.NoError(t, err)

	// тихий кадр усиливается не более чем вчетверо
	assert.Equal(t, int16(400), int16(binary.LittleEndian.Uint16(out[0:])))
	assert.Equal(t, int16(-200), int16(binary.LittleEndian.Uint16(out[2:])))
}

func TestAudioProcessorNormalizeSilence(t *testing.T) {
	ap := NewAudioProcessor(DefaultAudioProcessorConfig())

	input := constantPCM(0, 160)
	out, err := ap.Normalize(input)
	require.NoError(t, err)
	assert.Equal(t, input, out, "тишина возвращается без изменений")
}

func TestAudioProcessorStatistics(t *testing.T) {
	ap := NewAudioProcessor(DefaultAudioProcessorConfig())

	_, err := ap.Analyze(constantPCM(5000, 160))
	require.NoError(t, err)
	_, err = ap.Analyze(constantPCM(1, 160))
	require.NoError(t, err)

	stats := ap.GetStatistics()
	assert.Equal(t, uint64(2), stats.FramesAnalyzed)
	assert.Equal(t, uint64(1), stats.VoiceFrames)
	assert.Equal(t, uint64(640), stats.BytesProcessed)
}

func TestAudioProcessorDefaults(t *testing.T) {
	ap := NewAudioProcessor(AudioProcessorConfig{SessionID: "s"})

	// нулевые поля заменяются значениями по умолчанию
	analysis, err := ap.Analyze(constantPCM(1000, 8))
	require.NoError(t, err)
	assert.True(t, analysis.VoiceActive)
}
