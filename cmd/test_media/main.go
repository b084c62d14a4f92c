// Ручной тест медиа плоскости: два стримера на loopback обмениваются
// синтезированным тоном, по завершении печатаются счетчики сессий и
// конвейера. Используется для проверки живой связки сокет → jitter
// buffer → декодер → callback без SIP уровня.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/arzzra/ivr_media/pkg/media"
)

func main() {
	var (
		duration  = flag.Duration("duration", 5*time.Second, "Длительность обмена")
		toneHz    = flag.Float64("tone", 440, "Частота тона, Гц")
		sendDTMF  = flag.String("dtmf", "", "DTMF последовательность для отправки (например 123#)")
		debug     = flag.Bool("debug", false, "Подробное логирование")
		withStats = flag.Bool("stats", true, "Печатать счетчики по завершении")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	alice := newStreamer("alice")
	bob := newStreamer("bob")

	var aliceFrames, bobFrames, voiceFrames uint64
	alice.SetAudioReadyHandler(func(pcm []byte, meta media.AudioFrameMeta) {
		atomic.AddUint64(&aliceFrames, 1)
		if meta.VoiceActive {
			atomic.AddUint64(&voiceFrames, 1)
		}
	})
	bob.SetAudioReadyHandler(func(pcm []byte, meta media.AudioFrameMeta) {
		atomic.AddUint64(&bobFrames, 1)
	})
	bob.SetDTMFHandler(func(event media.DTMFEvent) {
		fmt.Printf("[DTMF] bob принял %s (%v)\n", event.Digit, event.Duration)
	})

	if err := alice.Start(); err != nil {
		log.Fatalf("запуск alice: %v", err)
	}
	defer alice.Stop()
	if err := bob.Start(); err != nil {
		log.Fatalf("запуск bob: %v", err)
	}
	defer bob.Stop()

	if err := alice.SetRemoteAddr(bob.LocalAddr()); err != nil {
		log.Fatalf("связывание alice → bob: %v", err)
	}
	if err := bob.SetRemoteAddr(alice.LocalAddr()); err != nil {
		log.Fatalf("связывание bob → alice: %v", err)
	}

	fmt.Printf("alice %s ⇄ bob %s, тон %.0f Гц, %v\n",
		alice.LocalAddr(), bob.LocalAddr(), *toneHz, *duration)

	if *sendDTMF != "" {
		digits, err := media.ParseDTMFString(*sendDTMF)
		if err != nil {
			log.Fatalf("разбор DTMF последовательности: %v", err)
		}
		go func() {
			time.Sleep(500 * time.Millisecond)
			for _, digit := range digits {
				if err := alice.SendDTMF(digit, 80*time.Millisecond); err != nil {
					log.Printf("отправка DTMF %s: %v", digit, err)
				}
				time.Sleep(200 * time.Millisecond)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(*duration)

	phase := 0.0
	step := 2 * math.Pi * *toneHz / float64(media.DefaultSampleRate)

loop:
	for {
		select {
		case <-deadline:
			break loop
		case <-sigChan:
			fmt.Println("\nпрервано")
			break loop
		case <-ticker.C:
			frame := toneFrame(&phase, step)
			if err := alice.SendAudio(frame); err != nil {
				log.Printf("отправка alice: %v", err)
			}
			if err := bob.SendAudio(frame); err != nil {
				log.Printf("отправка bob: %v", err)
			}
		}
	}

	// дожидаемся хвоста обмена и выдачи из jitter buffer
	time.Sleep(300 * time.Millisecond)

	fmt.Printf("alice принял %d кадров (%d с голосом), bob принял %d кадров\n",
		atomic.LoadUint64(&aliceFrames), atomic.LoadUint64(&voiceFrames),
		atomic.LoadUint64(&bobFrames))

	if *withStats {
		printStats(alice)
		printStats(bob)
	}
}

// newStreamer создает loopback стример с эфемерным портом
func newStreamer(name string) *media.RTPAudioStreamer {
	config := media.DefaultSessionConfig()
	config.SessionID = name
	config.LocalAddr = "127.0.0.1:0"

	streamer, err := media.NewRTPAudioStreamer(config)
	if err != nil {
		log.Fatalf("создание стримера %s: %v", name, err)
	}
	return streamer
}

// toneFrame синтезирует один 20мс кадр синусоиды PCM16
func toneFrame(phase *float64, step float64) []byte {
	samples := media.DefaultSampleRate * media.DefaultFrameDurationMs / 1000
	frame := make([]byte, 2*samples)
	for i := 0; i < samples; i++ {
		sample := int16(12000 * math.Sin(*phase))
		binary.LittleEndian.PutUint16(frame[i*2:], uint16(sample))
		*phase += step
	}
	return frame
}

// printStats печатает счетчики сессии, буферов и конвейера
func printStats(s *media.RTPAudioStreamer) {
	status := s.GetSessionStatus()
	buffers := s.GetBufferStatus()
	metrics := s.GetProcessingMetrics()

	fmt.Printf("\n=== %s ===\n", status.SessionID)
	fmt.Printf("пакеты:  принято %d, отправлено %d, отброшено на приеме %d\n",
		status.PacketsReceived, status.PacketsSent, status.IngestRejects)
	fmt.Printf("кадры:   обработано %d, доставлено %d, потеряно на мосту %d\n",
		status.FramesProcessed, status.FramesDelivered, status.CallbackDrops)
	fmt.Printf("jitter:  буфер %d, интерполировано %d, дубликаты %d, опоздавшие %d\n",
		buffers.Jitter.Buffered, buffers.Jitter.Interpolated,
		buffers.Jitter.Duplicates, buffers.Jitter.Late)
	fmt.Printf("replay:  сохранено %d, воспроизведено %d, просрочено %d\n",
		buffers.Replay.Stored, buffers.Replay.Replayed, buffers.Replay.Expired)
	fmt.Printf("шина:    опубликовано %d, отброшено %d\n",
		metrics.Bus.Published, metrics.Bus.Dropped)
	for name, stage := range metrics.Processor.Stages {
		fmt.Printf("стадия %-12s обработано %d, ошибок %d, глубина очереди %d\n",
			name, stage.Processed, stage.Errors, stage.QueueDepth)
	}
}
