// Package g711 реализует кодек G.711 μ-law (PCMU) для телефонного аудио.
//
// Преобразование выполняется через предвычисленные таблицы поиска:
//   - таблица кодирования на 65536 записей (линейный PCM16 → μ-law байт)
//   - таблица декодирования на 256 записей (μ-law байт → линейный PCM16)
//
// Таблицы строятся один раз на процесс через sync.Once и после
// инициализации никогда не изменяются, поэтому массовые операции
// кодирования/декодирования не требуют синхронизации.
//
// Кодовое слово отрицательного нуля (0x7F) декодируется в -2, а не в 0:
// это середина его интервала квантования, и так таблица декодирования
// остаётся инъективной, а таблица кодирования является её точной
// обратной функцией (decode → encode восстанавливает байты один в один).
package g711

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Константы кодека G.711 μ-law
const (
	// ULawBias смещение, добавляемое к амплитуде перед квантованием
	ULawBias = 0x84
	// ULawClip максимальная амплитуда сигнала перед кодированием
	ULawClip = 32635
	// ULawSilence байт тишины μ-law (единственное соглашение в модуле)
	ULawSilence = 0x7F
	// BytesPerSample размер одного отсчёта PCM16 в байтах
	BytesPerSample = 2
)

var (
	tablesOnce  sync.Once
	encodeTable [65536]byte
	decodeTable [256]int16
)

// initTables строит таблицы преобразования. Вызывается ровно один раз.
func initTables() {
	for i := 0; i < 256; i++ {
		decodeTable[i] = ulawToLinearCompute(byte(i))
	}
	// Отрицательный ноль: середина интервала квантования {-3..-1},
	// сохраняет взаимную обратность таблиц
	decodeTable[ULawSilence] = -2

	for i := 0; i < 65536; i++ {
		encodeTable[i] = linearToUlawCompute(int16(i))
	}
}

// linearToUlawCompute кодирует один отсчёт PCM16 в μ-law байт.
// Алгоритм: выделение знака, ограничение амплитуды (32635), добавление
// смещения 0x84, поиск сегмента экспоненты удвоением порогов, выделение
// мантиссы, сборка знак|экспонента|мантисса и инверсия битов.
func linearToUlawCompute(sample int16) byte {
	s := int(sample)
	var sign byte
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ULawClip {
		s = ULawClip
	}
	s += ULawBias

	exponent := 0
	for threshold := 0x100; exponent < 7 && s >= threshold; threshold <<= 1 {
		exponent++
	}
	mantissa := byte(s>>(uint(exponent)+3)) & 0x0F

	return ^(sign | byte(exponent)<<4 | mantissa)
}

// ulawToLinearCompute декодирует один μ-law байт в отсчёт PCM16.
func ulawToLinearCompute(ulaw byte) int16 {
	u := ^ulaw
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F

	magnitude := ((int(mantissa)<<3)+ULawBias)<<exponent - ULawBias
	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// LinearToUlaw преобразует отсчёт PCM16 в μ-law байт через таблицу.
func LinearToUlaw(sample int16) byte {
	tablesOnce.Do(initTables)
	return encodeTable[uint16(sample)]
}

// UlawToLinear преобразует μ-law байт в отсчёт PCM16 через таблицу.
func UlawToLinear(ulaw byte) int16 {
	tablesOnce.Do(initTables)
	return decodeTable[ulaw]
}

// EncodePCM кодирует буфер PCM16 (little-endian) в PCMU.
// Вход нечётной длины усекается на один байт с предупреждением,
// ошибка не возвращается.
func EncodePCM(pcm []byte) []byte {
	tablesOnce.Do(initTables)

	if len(pcm)%2 != 0 {
		slog.Warn("g711: буфер PCM нечётной длины, последний байт отброшен",
			"length", len(pcm))
		pcm = pcm[:len(pcm)-1]
	}

	out := make([]byte, len(pcm)/2)
	for i := range out {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = encodeTable[uint16(sample)]
	}
	return out
}

// DecodePCMU декодирует буфер PCMU в PCM16 (little-endian).
// На каждый входной байт приходится два байта результата.
func DecodePCMU(pcmu []byte) []byte {
	tablesOnce.Do(initTables)

	out := make([]byte, len(pcmu)*2)
	for i, b := range pcmu {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(decodeTable[b]))
	}
	return out
}

// PCMStats статистика буфера PCM16, собранная при валидации.
type PCMStats struct {
	Samples      int     // Количество отсчётов
	MaxAmplitude int     // Максимальная абсолютная амплитуда
	RMS          float64 // Среднеквадратичная амплитуда
}

// ValidatePCMUFormat проверяет кадр PCMU: точный размер кадра обязателен,
// постоянный сигнал (все байты одинаковы) фиксируется в логе, но кадр
// не отклоняется — тишина 0x7F тоже постоянна.
func ValidatePCMUFormat(data []byte, expectedSize int) error {
	if len(data) != expectedSize {
		return fmt.Errorf("неверный размер кадра PCMU: %d, ожидается %d",
			len(data), expectedSize)
	}

	if len(data) > 1 {
		constant := true
		for _, b := range data[1:] {
			if b != data[0] {
				constant = false
				break
			}
		}
		if constant && data[0] != ULawSilence {
			slog.Debug("g711: кадр PCMU содержит постоянный сигнал",
				"byte", data[0], "size", len(data))
		}
	}
	return nil
}

// ValidatePCMFormat проверяет буфер PCM16 и возвращает его статистику.
// Буфер нечётной длины считается ошибкой формата.
func ValidatePCMFormat(data []byte) (PCMStats, error) {
	if len(data) == 0 {
		return PCMStats{}, fmt.Errorf("пустой буфер PCM")
	}
	if len(data)%2 != 0 {
		return PCMStats{}, fmt.Errorf("буфер PCM нечётной длины: %d", len(data))
	}

	stats := PCMStats{Samples: len(data) / 2}
	var sumSquares float64
	for i := 0; i < stats.Samples; i++ {
		sample := int(int16(binary.LittleEndian.Uint16(data[i*2:])))
		if sample < 0 {
			sample = -sample
		}
		if sample > stats.MaxAmplitude {
			stats.MaxAmplitude = sample
		}
		sumSquares += float64(sample) * float64(sample)
	}
	stats.RMS = math.Sqrt(sumSquares / float64(stats.Samples))
	return stats, nil
}

// Resample изменяет частоту дискретизации буфера PCM16 наивной линейной
// интерполяцией. Это временное решение для согласования частот с внешними
// сервисами, не вещательное качество.
func Resample(pcm []byte, fromRate, toRate int) ([]byte, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("некорректные частоты дискретизации: %d -> %d",
			fromRate, toRate)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("буфер PCM нечётной длины: %d", len(pcm))
	}
	if fromRate == toRate || len(pcm) == 0 {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out, nil
	}

	samples := len(pcm) / 2
	outSamples := samples * toRate / fromRate
	out := make([]byte, outSamples*2)

	ratio := float64(fromRate) / float64(toRate)
	for i := 0; i < outSamples; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := int16(binary.LittleEndian.Uint16(pcm[idx*2:]))
		s1 := s0
		if idx+1 < samples {
			s1 = int16(binary.LittleEndian.Uint16(pcm[(idx+1)*2:]))
		}

		sample := int16(float64(s0) + frac*float64(s1-s0))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(sample))
	}
	return out, nil
}

// GenerateSilence возвращает буфер PCMU из байтов тишины 0x7F.
func GenerateSilence(samples int) []byte {
	out := make([]byte, samples)
	for i := range out {
		out[i] = ULawSilence
	}
	return out
}
