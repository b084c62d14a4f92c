package media

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
)

// VoiceActivityThresholdDBFS порог детектора голосовой активности.
// Кадры тише порога считаются паузой или фоновым шумом.
const VoiceActivityThresholdDBFS = -45.0

// maxNormalizationGain ограничение усиления при нормализации,
// тихий шум не должен раздуваться до полной шкалы
const maxNormalizationGain = 4.0

// AudioAnalysis результат анализа одного PCM кадра
type AudioAnalysis struct {
	// RMS среднеквадратичная амплитуда в сэмплах (0..32768)
	RMS float64

	// DBFS уровень относительно полной шкалы, 0 это максимум.
	// Для кадра полной тишины math.Inf(-1).
	DBFS float64

	// VoiceActive признак голосовой активности по порогу dBFS
	VoiceActive bool

	// Samples число сэмплов в кадре
	Samples int
}

// AudioProcessorConfig конфигурация анализатора аудио
type AudioProcessorConfig struct {
	// SessionID идентификатор сессии для ошибок и логов
	SessionID string

	// SampleRate частота дискретизации в Гц
	SampleRate int

	// VADThresholdDBFS порог детектора голосовой активности
	VADThresholdDBFS float64

	// NormalizationTarget целевой пиковый уровень нормализации (0..1)
	NormalizationTarget float64
}

// DefaultAudioProcessorConfig возвращает конфигурацию по умолчанию:
// телефонное аудио 8кГц, порог VAD -45 dBFS, нормализация до 0.7 шкалы.
func DefaultAudioProcessorConfig() AudioProcessorConfig {
	return AudioProcessorConfig{
		SampleRate:          DefaultSampleRate,
		VADThresholdDBFS:    VoiceActivityThresholdDBFS,
		NormalizationTarget: 0.7,
	}
}

// AudioProcessorStatistics счетчики анализатора
type AudioProcessorStatistics struct {
	FramesAnalyzed uint64
	VoiceFrames    uint64
	BytesProcessed uint64
}

// AudioProcessor анализирует декодированные PCM кадры: среднеквадратичная
// амплитуда, уровень dBFS, детектор голосовой активности и пиковая
// нормализация. PCM принимается как 16 бит little-endian моно.
type AudioProcessor struct {
	config AudioProcessorConfig
	mutex  sync.RWMutex

	framesAnalyzed uint64
	voiceFrames    uint64
	bytesProcessed uint64
}

// NewAudioProcessor создает анализатор аудио.
// Нулевые поля конфигурации заменяются значениями по умолчанию.
func NewAudioProcessor(config AudioProcessorConfig) *AudioProcessor {
	defaults := DefaultAudioProcessorConfig()
	if config.SampleRate <= 0 {
		config.SampleRate = defaults.SampleRate
	}
	if config.VADThresholdDBFS == 0 {
		config.VADThresholdDBFS = defaults.VADThresholdDBFS
	}
	if config.NormalizationTarget <= 0 || config.NormalizationTarget > 1 {
		config.NormalizationTarget = defaults.NormalizationTarget
	}

	return &AudioProcessor{config: config}
}

// Analyze вычисляет RMS, dBFS и признак голосовой активности кадра
func (ap *AudioProcessor) Analyze(pcm []byte) (AudioAnalysis, error) {
	if len(pcm) == 0 || len(pcm)%2 != 0 {
		return AudioAnalysis{}, NewAudioError(ErrorCodeAudioSizeInvalid, ap.config.SessionID,
			fmt.Sprintf("PCM кадр должен содержать целое число 16-битных сэмплов, получено %d байт", len(pcm)),
			0, len(pcm))
	}

	samples := len(pcm) / 2
	var sumSquares float64
	for i := 0; i < samples; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sumSquares += s * s
	}

	rms := math.Sqrt(sumSquares / float64(samples))
	dbfs := math.Inf(-1)
	if rms > 0 {
		dbfs = 20 * math.Log10(rms/32768.0)
	}

	analysis := AudioAnalysis{
		RMS:         rms,
		DBFS:        dbfs,
		VoiceActive: dbfs >= ap.config.VADThresholdDBFS,
		Samples:     samples,
	}

	ap.mutex.Lock()
	ap.framesAnalyzed++
	ap.bytesProcessed += uint64(len(pcm))
	if analysis.VoiceActive {
		ap.voiceFrames++
	}
	ap.mutex.Unlock()

	return analysis, nil
}

// Normalize масштабирует кадр так, чтобы пик достиг целевого уровня.
// Усиление ограничено maxNormalizationGain, тишина возвращается как есть.
// Возвращается новый срез, вход не модифицируется.
func (ap *AudioProcessor) Normalize(pcm []byte) ([]byte, error) {
	if len(pcm) == 0 || len(pcm)%2 != 0 {
		return nil, NewAudioError(ErrorCodeAudioSizeInvalid, ap.config.SessionID,
			fmt.Sprintf("PCM кадр должен содержать целое число 16-битных сэмплов, получено %d байт", len(pcm)),
			0, len(pcm))
	}

	samples := len(pcm) / 2
	peak := 0.0
	for i := 0; i < samples; i++ {
		s := math.Abs(float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))))
		if s > peak {
			peak = s
		}
	}

	out := make([]byte, len(pcm))
	if peak == 0 {
		copy(out, pcm)
		return out, nil
	}

	gain := ap.config.NormalizationTarget * 32767.0 / peak
	if gain > maxNormalizationGain {
		gain = maxNormalizationGain
	}

	for i := 0; i < samples; i++ {
		scaled := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) * gain
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(scaled)))
	}
	return out, nil
}

// GetStatistics возвращает снимок счетчиков анализатора
func (ap *AudioProcessor) GetStatistics() AudioProcessorStatistics {
	ap.mutex.RLock()
	defer ap.mutex.RUnlock()

	return AudioProcessorStatistics{
		FramesAnalyzed: ap.framesAnalyzed,
		VoiceFrames:    ap.voiceFrames,
		BytesProcessed: ap.bytesProcessed,
	}
}
