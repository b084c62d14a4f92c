// Package media реализует медиа плоскость VoIP/IVR конвейера.
//
// Пакет принимает и отправляет аудио поток RTP/PCMU в реальном времени:
// прием датаграмм, восстановление порядка пакетов, маскирование потерь,
// декодирование G.711 μ-law и доставку PCM кадров потребителю через
// событийную шину.
//
// # Основные возможности
//
//   - RTPAudioStreamer с жизненным циклом created → started → stopped
//   - Jitter buffer с переупорядочиванием по sequence number и
//     интерполяцией потерянных кадров тишиной
//   - Replay buffer для восстановления ограниченных потерь без
//     ретрансмиссии по сети
//   - DTMF прием и отправка согласно RFC 4733
//   - Анализ аудио: RMS, dBFS, детектор голосовой активности
//   - Монитор качества с публикацией событий деградации
//   - Расширенная обработка ошибок с контекстной информацией
//
// # Архитектура
//
// Пакет состоит из следующих основных компонентов:
//
//   - RTPAudioStreamer - центральный компонент, владеет транспортом,
//     буферами и конвейером обработки
//   - JitterBuffer - буферизация и переупорядочивание входящих пакетов
//   - PacketReplayBuffer - кольцевой буфер недавних пакетов для replay
//   - AudioProcessor - анализ и нормализация PCM кадров
//   - DTMFSender/DTMFReceiver - сигнализация RFC 4733
//   - QualityThresholds - пороги монитора качества
//
// Транспорт и разбор пакетов предоставляет pkg/rtp, кодек pkg/g711,
// конвейер обработки pkg/pipeline, событийную шину pkg/events.
//
// # Быстрый старт
//
//	config := media.DefaultSessionConfig()
//	config.SessionID = "call-123"
//	config.LocalAddr = "0.0.0.0:0" // эфемерный порт
//
//	streamer, err := media.NewRTPAudioStreamer(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	streamer.SetAudioReadyHandler(func(pcm []byte, meta media.AudioFrameMeta) {
//	    // декодированный PCM кадр 16 бит 8кГц моно
//	})
//
//	if err := streamer.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer streamer.Stop()
//
//	// Отправка аудио в сторону собеседника
//	err = streamer.SendAudio(pcmFrame) // ровно 320 байт на 20мс кадр
//
// # Поток данных
//
// Входящий путь: UDP датаграмма → разбор RTP → очередь приема →
// replay buffer + jitter buffer → декодирование PCMU → событие
// AUDIO_DATA_READY. Исходящий путь: SendAudio → кодирование PCMU →
// RTP пакет с монотонными sequence/timestamp → UDP.
//
// Пауза входящего потока не останавливает выдачу: цикл дозабора
// продолжает выталкивать буферизованные и интерполированные кадры.
//
// # Обработка ошибок
//
// Пакет использует типизированную систему ошибок с кодами от 2000:
//
//	if err != nil {
//	    var mediaErr *media.MediaError
//	    if media.AsMediaError(err, &mediaErr) {
//	        fmt.Printf("Код ошибки: %d\n", mediaErr.Code)
//	        fmt.Printf("Рекомендация: %s\n", media.GetErrorSuggestion(err))
//	    }
//	}
//
// # Thread Safety
//
// Все публичные методы RTPAudioStreamer thread-safe. Буферы защищены
// внутренними мьютексами, счетчики атомарны, рабочие конвейера не
// блокируются на примитивах кооперативных горутин.
//
// # Ссылки
//
//   - RFC 3550 - RTP: A Transport Protocol for Real-Time Applications
//   - RFC 3551 - RTP Profile for Audio and Video Conferences
//   - RFC 4733 - RTP Payload for DTMF Digits, Telephony Tones and Signals
package media
