package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pion/randutil"
	"github.com/pion/rtp"

	"github.com/arzzra/ivr_media/pkg/events"
	"github.com/arzzra/ivr_media/pkg/g711"
	"github.com/arzzra/ivr_media/pkg/pipeline"
	rtpnet "github.com/arzzra/ivr_media/pkg/rtp"
)

// Состояния жизненного цикла стримера
const (
	StreamerStateCreated = "created"
	StreamerStateStarted = "started"
	StreamerStateStopped = "stopped"

	streamerEventStart = "start"
	streamerEventStop  = "stop"
)

// Параметры стримера по умолчанию
const (
	// DefaultDTMFPayloadType динамический payload type для RFC 4733
	DefaultDTMFPayloadType uint8 = 101

	// DefaultMaxReplayGap максимальный разрыв, закрываемый через replay buffer
	DefaultMaxReplayGap = 5

	// DefaultCallbackQueueSize емкость моста пользовательских callbacks
	DefaultCallbackQueueSize = 64

	// DefaultStreamerStopTimeout время ожидания горутин стримера при Stop
	DefaultStreamerStopTimeout = 2 * time.Second
)

// SessionConfig конфигурация RTP аудио стримера.
// После Start конфигурация считается неизменяемой, единственное
// исключение: LocalAddr с портом 0 заменяется фактическим адресом
// после привязки сокета.
type SessionConfig struct {
	// SessionID уникальный идентификатор сессии.
	// Пустое значение заменяется сгенерированным UUID
	SessionID string

	// LocalAddr локальный UDP адрес, порт 0 выбирает эфемерный
	LocalAddr string

	// RemoteAddr удаленный адрес. Пустое значение означает, что адрес
	// будет выучен из первой входящей датаграммы
	RemoteAddr string

	// PayloadType тип полезной нагрузки аудио, по умолчанию PCMU (0)
	PayloadType uint8

	// SampleRate частота дискретизации в Гц
	SampleRate int

	// FrameDurationMs длительность кадра в миллисекундах
	FrameDurationMs int

	// JitterDepthMs целевая глубина jitter buffer в миллисекундах
	JitterDepthMs int

	// ReplayCapacity емкость replay buffer в пакетах
	ReplayCapacity int

	// ReplayTTL срок жизни записи replay buffer
	ReplayTTL time.Duration

	// MaxReplayGap максимальный разрыв sequence numbers, который
	// стример пытается закрыть через replay buffer
	MaxReplayGap int

	// InterpolationEnabled включает маскирование потерянных кадров
	// тишиной при выдаче из jitter buffer
	InterpolationEnabled bool

	// ReplayRecoveryEnabled включает хранение копий пакетов и
	// восстановление ограниченных разрывов из replay buffer
	ReplayRecoveryEnabled bool

	// QualityMonitorEnabled включает периодическую оценку качества
	// входящего потока
	QualityMonitorEnabled bool

	// DTMFEnabled включает прием и отправку DTMF по RFC 4733
	DTMFEnabled bool

	// DTMFPayloadType payload type DTMF потока
	DTMFPayloadType uint8

	// BusQueueSize емкость очереди шины событий
	BusQueueSize int

	// CallbackQueueSize емкость моста пользовательских callbacks
	CallbackQueueSize int

	// QualityThresholds пороги деградации качества
	QualityThresholds QualityThresholds

	// QualityInterval окно наблюдения монитора качества
	QualityInterval time.Duration

	// StopTimeout время ожидания горутин при остановке
	StopTimeout time.Duration
}

// DefaultSessionConfig возвращает конфигурацию стримера по умолчанию:
// PCMU 8кГц, кадр 20мс, jitter 100мс, все возможности включены,
// DTMF на payload type 101. SessionID генерируется при создании.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		LocalAddr:             "0.0.0.0:0",
		PayloadType:           rtpnet.PayloadTypePCMU,
		SampleRate:            DefaultSampleRate,
		FrameDurationMs:       DefaultFrameDurationMs,
		JitterDepthMs:         DefaultJitterDepthMs,
		ReplayCapacity:        DefaultReplayCapacity,
		ReplayTTL:             DefaultReplayTTL,
		MaxReplayGap:          DefaultMaxReplayGap,
		InterpolationEnabled:  true,
		ReplayRecoveryEnabled: true,
		QualityMonitorEnabled: true,
		DTMFEnabled:           true,
		DTMFPayloadType:       DefaultDTMFPayloadType,
		BusQueueSize:          events.DefaultQueueSize,
		CallbackQueueSize:     DefaultCallbackQueueSize,
		QualityThresholds:     DefaultQualityThresholds(),
		QualityInterval:       DefaultQualityWindow,
		StopTimeout:           DefaultStreamerStopTimeout,
	}
}

// withDefaults заменяет нулевые поля значениями по умолчанию
func (c SessionConfig) withDefaults() SessionConfig {
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
	if c.LocalAddr == "" {
		c.LocalAddr = "0.0.0.0:0"
	}
	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.FrameDurationMs == 0 {
		c.FrameDurationMs = DefaultFrameDurationMs
	}
	if c.JitterDepthMs == 0 {
		c.JitterDepthMs = DefaultJitterDepthMs
	}
	if c.ReplayCapacity == 0 {
		c.ReplayCapacity = DefaultReplayCapacity
	}
	if c.ReplayTTL == 0 {
		c.ReplayTTL = DefaultReplayTTL
	}
	if c.MaxReplayGap == 0 {
		c.MaxReplayGap = DefaultMaxReplayGap
	}
	if c.DTMFPayloadType == 0 {
		c.DTMFPayloadType = DefaultDTMFPayloadType
	}
	if c.BusQueueSize == 0 {
		c.BusQueueSize = events.DefaultQueueSize
	}
	if c.CallbackQueueSize == 0 {
		c.CallbackQueueSize = DefaultCallbackQueueSize
	}
	if c.QualityThresholds == (QualityThresholds{}) {
		c.QualityThresholds = DefaultQualityThresholds()
	}
	if c.QualityInterval == 0 {
		c.QualityInterval = DefaultQualityWindow
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = DefaultStreamerStopTimeout
	}
	return c
}

// Validate проверяет конфигурацию стримера
func (c SessionConfig) Validate() error {
	if c.SampleRate <= 0 {
		return NewStreamerError(ErrorCodeStreamerInvalidConfig, c.SessionID,
			fmt.Sprintf("SampleRate должен быть положительным, получен %d", c.SampleRate))
	}
	if c.FrameDurationMs <= 0 {
		return NewStreamerError(ErrorCodeStreamerInvalidConfig, c.SessionID,
			fmt.Sprintf("FrameDurationMs должен быть положительным, получен %d", c.FrameDurationMs))
	}
	if c.PayloadType > 127 {
		return NewStreamerError(ErrorCodeStreamerInvalidConfig, c.SessionID,
			fmt.Sprintf("PayloadType %d вне диапазона RTP", c.PayloadType))
	}
	if c.DTMFEnabled {
		if c.DTMFPayloadType > 127 {
			return NewStreamerError(ErrorCodeStreamerInvalidConfig, c.SessionID,
				fmt.Sprintf("DTMFPayloadType %d вне диапазона RTP", c.DTMFPayloadType))
		}
		if c.DTMFPayloadType == c.PayloadType {
			return NewStreamerError(ErrorCodeStreamerInvalidConfig, c.SessionID,
				"DTMFPayloadType совпадает с аудио PayloadType")
		}
	}
	if c.MaxReplayGap < 0 {
		return NewStreamerError(ErrorCodeStreamerInvalidConfig, c.SessionID,
			fmt.Sprintf("MaxReplayGap не может быть отрицательным: %d", c.MaxReplayGap))
	}
	if c.QualityInterval <= 0 {
		return NewStreamerError(ErrorCodeStreamerInvalidConfig, c.SessionID,
			fmt.Sprintf("QualityInterval должен быть положительным: %v", c.QualityInterval))
	}
	if c.StopTimeout <= 0 {
		return NewStreamerError(ErrorCodeStreamerInvalidConfig, c.SessionID,
			fmt.Sprintf("StopTimeout должен быть положительным: %v", c.StopTimeout))
	}
	if err := c.QualityThresholds.Validate(); err != nil {
		return WrapMediaError(ErrorCodeStreamerInvalidConfig, c.SessionID,
			"некорректные пороги качества", err)
	}
	return nil
}

// AudioFrameMeta метаданные выданного PCM кадра
type AudioFrameMeta struct {
	SessionID       string
	SequenceNumber  uint16
	Timestamp       uint32
	SampleRate      int
	FrameDurationMs int

	// RMS и DBFS результаты анализа кадра, для кадра полной
	// тишины DBFS равен -Inf
	RMS  float64
	DBFS float64

	// VoiceActive признак голосовой активности
	VoiceActive bool

	// Interpolated кадр синтезирован jitter buffer вместо потерянного
	Interpolated bool
}

// SessionStatus снимок состояния и счетчиков стримера
type SessionStatus struct {
	SessionID  string
	State      string
	LocalAddr  string
	RemoteAddr string

	PacketsReceived uint64
	PacketsSent     uint64
	BytesReceived   uint64
	BytesSent       uint64
	FramesProcessed uint64
	FramesDelivered uint64

	MalformedDrops   uint64
	PayloadTypeDrops uint64
	IngestRejects    uint64
	CallbackDrops    uint64
	ReceiveErrors    uint64
	ReplayRecovered  uint64

	DTMFSent     uint64
	DTMFReceived uint64

	LastReceive     time.Time
	QualityDegraded bool
}

// BufferStatus снимки буферов стримера
type BufferStatus struct {
	Jitter JitterBufferStats
	Replay ReplayBufferStats
}

// ProcessingMetrics снимки конвейера, пула и шины событий
type ProcessingMetrics struct {
	Processor pipeline.ProcessorStats
	Queues    map[string]pipeline.QueueStats
	Pool      map[string]pipeline.TierStats
	Workers   []pipeline.WorkerMetrics
	Bus       events.BusStats
}

// drainToken маркер принудительной выдачи из jitter buffer при паузе
// входящего потока. Проходит конвейер как обычный элемент.
type drainToken struct{}

// RTPAudioStreamer принимает и отправляет PCMU аудио поток по UDP.
//
// Входящие датаграммы разбираются в RTP пакеты и проходят трехстадийный
// конвейер: прием кладет пакеты в jitter и replay буферы, обработка
// декодирует кадры в PCM с анализом, доставка закрывает цикл. Готовые
// кадры выдаются обработчику приложения через выделенную горутину моста,
// события публикуются в шину. Исходящее аудио кодируется и отправляется
// синхронно из SendAudio, DTMF события разделяют sequence пространство
// с аудио потоком.
type RTPAudioStreamer struct {
	config SessionConfig

	stateMu      sync.Mutex
	stateMachine *fsm.FSM

	transportMu sync.RWMutex
	transport   rtpnet.Transport

	bus       *events.Bus
	pool      *pipeline.TieredPool
	processor *pipeline.Processor

	jitter    *JitterBuffer
	replay    *PacketReplayBuffer
	audioProc *AudioProcessor
	quality   *QualityMonitor

	dtmfSender   *DTMFSender
	dtmfReceiver *DTMFReceiver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	samplesPerFrame int
	frameBytes      int
	pcmFrameBytes   int

	ssrc          uint32
	sendSeq       uint32
	sendTimestamp uint32
	firstFrame    uint32

	// drainMu сериализует выдачу из jitter buffer между рабочими
	// стадии обработки, сохраняя порядок кадров
	drainMu sync.Mutex

	seqMu            sync.Mutex
	lastAcceptedSeq  uint16
	haveLastAccepted bool

	callbackMu   sync.RWMutex
	onAudioReady func([]byte, AudioFrameMeta)
	onDTMF       func(DTMFEvent)
	callbackCh   chan func()

	packetsReceived  uint64
	packetsSent      uint64
	bytesReceived    uint64
	bytesSent        uint64
	framesProcessed  uint64
	framesDelivered  uint64
	malformedDrops   uint64
	payloadTypeDrops uint64
	ingestRejects    uint64
	callbackDrops    uint64
	receiveErrors    uint64
	replayRecovered  uint64
	dtmfSent         uint64
	dtmfReceived     uint64
	lastReceiveNano  int64
	qualityDegraded  int32
}

// NewRTPAudioStreamer создает стример по конфигурации.
// Нулевые поля заменяются значениями по умолчанию, сокет не создается
// до вызова Start.
func NewRTPAudioStreamer(config SessionConfig) (*RTPAudioStreamer, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	jitter, err := NewJitterBuffer(JitterBufferConfig{
		SessionID:       config.SessionID,
		DepthMs:         config.JitterDepthMs,
		FrameDurationMs: config.FrameDurationMs,
		SampleRate:      config.SampleRate,
	})
	if err != nil {
		return nil, WrapMediaError(ErrorCodeStreamerInvalidConfig, config.SessionID,
			"ошибка создания jitter buffer", err)
	}

	audioConfig := DefaultAudioProcessorConfig()
	audioConfig.SessionID = config.SessionID
	audioConfig.SampleRate = config.SampleRate

	processorConfig := pipeline.DefaultProcessorConfig()
	processorConfig.SessionID = config.SessionID

	ctx, cancel := context.WithCancel(context.Background())
	rng := randutil.NewMathRandomGenerator()

	s := &RTPAudioStreamer{
		config: config,
		jitter: jitter,
		replay: NewPacketReplayBuffer(ReplayBufferConfig{
			Capacity: config.ReplayCapacity,
			TTL:      config.ReplayTTL,
		}),
		audioProc:       NewAudioProcessor(audioConfig),
		quality:         NewQualityMonitor(config.QualityThresholds),
		bus:             events.NewBus(config.BusQueueSize),
		pool:            pipeline.NewTieredPool(pipeline.DefaultPoolConfig()),
		ctx:             ctx,
		cancel:          cancel,
		samplesPerFrame: config.SampleRate * config.FrameDurationMs / 1000,
		ssrc:            rng.Uint32(),
		sendSeq:         uint32(rng.Intn(1 << 16)),
		sendTimestamp:   rng.Uint32(),
		callbackCh:      make(chan func(), config.CallbackQueueSize),
	}
	s.frameBytes = s.samplesPerFrame
	s.pcmFrameBytes = 2 * s.samplesPerFrame

	s.processor = pipeline.NewProcessor(processorConfig, s.pool)
	s.processor.SetIngestionCallback(s.ingestPacket)
	s.processor.SetProcessingCallback(s.processAudio)
	s.processor.SetTransmissionCallback(s.completeDelivery)

	if config.DTMFEnabled {
		s.dtmfSender = NewDTMFSender(config.DTMFPayloadType, config.SessionID)
		s.dtmfReceiver = NewDTMFReceiver(config.DTMFPayloadType, config.SessionID)
		s.dtmfReceiver.SetCallback(s.handleIncomingDTMF)
	}

	s.initStateMachine()

	return s, nil
}

// initStateMachine инициализирует конечный автомат состояний
func (s *RTPAudioStreamer) initStateMachine() {
	s.stateMachine = fsm.NewFSM(
		StreamerStateCreated,
		fsm.Events{
			{Name: streamerEventStart, Src: []string{StreamerStateCreated}, Dst: StreamerStateStarted},
			{Name: streamerEventStop, Src: []string{StreamerStateCreated, StreamerStateStarted}, Dst: StreamerStateStopped},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				slog.Debug("смена состояния стримера",
					"session_id", s.config.SessionID,
					"from", e.Src,
					"to", e.Dst)
			},
		},
	)
}

// State возвращает текущее состояние стримера
func (s *RTPAudioStreamer) State() string {
	return s.stateMachine.Current()
}

// Start привязывает UDP сокет и запускает конвейер обработки.
//
// Ошибка привязки сокета фатальна. Порт 0 разрешается при привязке,
// фактический локальный адрес пишется обратно в конфигурацию и
// доступен через LocalAddr.
func (s *RTPAudioStreamer) Start() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if current := s.stateMachine.Current(); current != StreamerStateCreated {
		return NewStreamerError(ErrorCodeStreamerAlreadyStarted, s.config.SessionID,
			fmt.Sprintf("стример уже запускался, состояние %s", current))
	}

	transport, err := rtpnet.NewUDPTransport(rtpnet.TransportConfig{
		LocalAddr:  s.config.LocalAddr,
		RemoteAddr: s.config.RemoteAddr,
		BufferSize: rtpnet.MaxRTPPacketSize,
		DSCP:       rtpnet.DSCPExpeditedForwarding,
	})
	if err != nil {
		return WrapMediaError(ErrorCodeStreamerBindFailed, s.config.SessionID,
			fmt.Sprintf("не удалось привязать UDP сокет %s", s.config.LocalAddr), err)
	}

	s.config.LocalAddr = transport.LocalAddr().String()
	s.setTransport(transport)

	if err := s.bus.Start(); err != nil {
		transport.Close()
		return WrapMediaError(ErrorCodePipelineNotReady, s.config.SessionID,
			"не удалось запустить шину событий", err)
	}
	if err := s.pool.Start(); err != nil {
		s.bus.Stop()
		transport.Close()
		return WrapMediaError(ErrorCodePipelineNotReady, s.config.SessionID,
			"не удалось запустить пул рабочих", err)
	}
	if err := s.processor.Start(); err != nil {
		s.pool.Stop()
		s.bus.Stop()
		transport.Close()
		return WrapMediaError(ErrorCodePipelineNotReady, s.config.SessionID,
			"не удалось запустить конвейер обработки", err)
	}

	s.bus.Subscribe(events.EventPacketLossDetected, s.handlePacketLoss)
	s.bus.Subscribe(events.EventJitterBufferOverflow, s.handleOverflow)

	s.wg.Add(4)
	go s.receiveLoop()
	go s.drainLoop()
	go s.qualityLoop()
	go s.callbackLoop()

	if err := s.stateMachine.Event(context.Background(), streamerEventStart); err != nil {
		return WrapMediaError(ErrorCodeStreamerAlreadyStarted, s.config.SessionID,
			"переход состояния отклонен", err)
	}

	s.bus.Publish(events.NewCorrelatedEvent(events.EventSessionStarted, s.config.SessionID,
		map[string]interface{}{
			"local_addr":   s.config.LocalAddr,
			"remote_addr":  s.config.RemoteAddr,
			"payload_type": s.config.PayloadType,
			"dtmf_enabled": s.config.DTMFEnabled,
		}))

	slog.Info("стример запущен",
		"session_id", s.config.SessionID,
		"local_addr", s.config.LocalAddr,
		"remote_addr", s.config.RemoteAddr,
		"payload_type", s.config.PayloadType,
		"dtmf_enabled", s.config.DTMFEnabled)

	return nil
}

// Stop останавливает стример и освобождает ресурсы. Идемпотентен.
//
// Порядок: перевод состояния, отмена контекста и закрытие сокета,
// ожидание горутин, остановка конвейера и пула, публикация итоговой
// статистики и остановка шины с выдачей накопленных событий.
func (s *RTPAudioStreamer) Stop() error {
	s.stateMu.Lock()
	current := s.stateMachine.Current()
	if current == StreamerStateStopped {
		s.stateMu.Unlock()
		return nil
	}
	wasStarted := current == StreamerStateStarted
	if err := s.stateMachine.Event(context.Background(), streamerEventStop); err != nil {
		s.stateMu.Unlock()
		return WrapMediaError(ErrorCodeStreamerStopped, s.config.SessionID,
			"переход состояния отклонен", err)
	}
	s.stateMu.Unlock()

	s.cancel()

	if transport := s.getTransport(); transport != nil {
		_ = transport.Close()
	}

	if wasStarted && !waitGroupTimeout(&s.wg, s.config.StopTimeout) {
		slog.Warn("горутины стримера не завершились за отведенное время",
			"session_id", s.config.SessionID,
			"timeout", s.config.StopTimeout)
	}

	s.processor.Stop()
	s.pool.Stop()

	s.bus.Publish(events.NewAudioEvent(events.EventSessionEnded, s.config.SessionID,
		map[string]interface{}{
			"packets_received": atomic.LoadUint64(&s.packetsReceived),
			"packets_sent":     atomic.LoadUint64(&s.packetsSent),
			"bytes_received":   atomic.LoadUint64(&s.bytesReceived),
			"bytes_sent":       atomic.LoadUint64(&s.bytesSent),
			"frames_processed": atomic.LoadUint64(&s.framesProcessed),
		}))
	s.bus.Stop()

	s.jitter.Clear()
	s.replay.Clear()

	slog.Info("стример остановлен",
		"session_id", s.config.SessionID,
		"packets_received", atomic.LoadUint64(&s.packetsReceived),
		"packets_sent", atomic.LoadUint64(&s.packetsSent),
		"frames_processed", atomic.LoadUint64(&s.framesProcessed))

	return nil
}

// SendAudio кодирует PCM кадр в PCMU и отправляет удаленной стороне.
// Принимает ровно один кадр: samplesPerFrame*2 байт PCM 16 бит LE
// (320 байт для 20мс при 8кГц). Marker ставится на первом пакете потока.
func (s *RTPAudioStreamer) SendAudio(pcm []byte) error {
	if state := s.State(); state != StreamerStateStarted {
		return NewStreamerError(ErrorCodeStreamerNotStarted, s.config.SessionID,
			fmt.Sprintf("стример не запущен, состояние %s", state))
	}
	if len(pcm) != s.pcmFrameBytes {
		return NewAudioError(ErrorCodeAudioSizeInvalid, s.config.SessionID,
			fmt.Sprintf("ожидается %d байт PCM, получено %d", s.pcmFrameBytes, len(pcm)),
			s.pcmFrameBytes, len(pcm))
	}

	payload := g711.EncodePCM(pcm)

	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        rtpnet.ExpectedRTPVersion,
			Marker:         atomic.CompareAndSwapUint32(&s.firstFrame, 0, 1),
			PayloadType:    s.config.PayloadType,
			SequenceNumber: uint16(atomic.AddUint32(&s.sendSeq, 1)),
			Timestamp:      atomic.AddUint32(&s.sendTimestamp, uint32(s.samplesPerFrame)),
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}

	transport := s.getTransport()
	if err := transport.Send(packet); err != nil {
		if transport.RemoteAddr() == nil {
			return WrapMediaError(ErrorCodeRemoteAddressUnknown, s.config.SessionID,
				"удаленный адрес не известен", err)
		}
		return WrapMediaError(ErrorCodeSendFailed, s.config.SessionID,
			"ошибка отправки аудио пакета", err)
	}

	atomic.AddUint64(&s.packetsSent, 1)
	atomic.AddUint64(&s.bytesSent, uint64(len(payload)))
	return nil
}

// SendDTMF отправляет DTMF событие по RFC 4733: три start пакета и три
// end пакета в общем sequence пространстве с аудио потоком. Нулевая
// длительность заменяется DefaultDTMFDuration.
func (s *RTPAudioStreamer) SendDTMF(digit DTMFDigit, duration time.Duration) error {
	if state := s.State(); state != StreamerStateStarted {
		return NewStreamerError(ErrorCodeStreamerNotStarted, s.config.SessionID,
			fmt.Sprintf("стример не запущен, состояние %s", state))
	}
	if s.dtmfSender == nil {
		return NewDTMFError(ErrorCodeDTMFNotEnabled, s.config.SessionID,
			"DTMF не включен конфигурацией", digit, duration)
	}
	if duration == 0 {
		duration = DefaultDTMFDuration
	}

	event := DTMFEvent{
		Digit:     digit,
		Duration:  duration,
		Volume:    DefaultDTMFVolume,
		Timestamp: atomic.LoadUint32(&s.sendTimestamp),
	}

	packets, err := s.dtmfSender.BuildEventPackets(event, s.ssrc, event.Timestamp, func() uint16 {
		return uint16(atomic.AddUint32(&s.sendSeq, 1))
	})
	if err != nil {
		return err
	}

	transport := s.getTransport()
	for _, packet := range packets {
		if err := transport.Send(packet); err != nil {
			return WrapMediaError(ErrorCodeDTMFSendFailed, s.config.SessionID,
				fmt.Sprintf("ошибка отправки DTMF %s", digit), err)
		}
		atomic.AddUint64(&s.packetsSent, 1)
		atomic.AddUint64(&s.bytesSent, uint64(len(packet.Payload)))
	}

	atomic.AddUint64(&s.dtmfSent, 1)
	slog.Debug("DTMF отправлен",
		"session_id", s.config.SessionID,
		"digit", digit.String(),
		"duration", duration)
	return nil
}

// SetAudioReadyHandler устанавливает обработчик готовых PCM кадров.
// Обработчик вызывается из выделенной горутины моста в порядке выдачи
// кадров, медленный обработчик приводит к подсчитанным потерям кадров,
// но не тормозит конвейер.
func (s *RTPAudioStreamer) SetAudioReadyHandler(handler func(pcm []byte, meta AudioFrameMeta)) {
	s.callbackMu.Lock()
	s.onAudioReady = handler
	s.callbackMu.Unlock()
}

// SetDTMFHandler устанавливает обработчик принятых DTMF цифр
func (s *RTPAudioStreamer) SetDTMFHandler(handler func(DTMFEvent)) {
	s.callbackMu.Lock()
	s.onDTMF = handler
	s.callbackMu.Unlock()
}

// SetRemoteAddr устанавливает удаленный адрес после запуска.
// Используется когда адрес становится известен из сигнализации
// уже после привязки сокета.
func (s *RTPAudioStreamer) SetRemoteAddr(addr string) error {
	transport := s.getTransport()
	if transport == nil {
		return NewStreamerError(ErrorCodeStreamerNotStarted, s.config.SessionID,
			"транспорт еще не создан")
	}
	if err := transport.SetRemoteAddr(addr); err != nil {
		return WrapMediaError(ErrorCodeRemoteAddressUnknown, s.config.SessionID,
			fmt.Sprintf("не удалось установить удаленный адрес %s", addr), err)
	}
	return nil
}

// LocalAddr возвращает фактический локальный адрес после привязки сокета
func (s *RTPAudioStreamer) LocalAddr() string {
	if transport := s.getTransport(); transport != nil {
		if addr := transport.LocalAddr(); addr != nil {
			return addr.String()
		}
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.config.LocalAddr
}

// GetSessionStatus возвращает снимок состояния и счетчиков стримера
func (s *RTPAudioStreamer) GetSessionStatus() SessionStatus {
	s.stateMu.Lock()
	localAddr := s.config.LocalAddr
	remoteAddr := s.config.RemoteAddr
	s.stateMu.Unlock()

	if transport := s.getTransport(); transport != nil {
		if addr := transport.LocalAddr(); addr != nil {
			localAddr = addr.String()
		}
		if addr := transport.RemoteAddr(); addr != nil {
			remoteAddr = addr.String()
		}
	}

	var lastReceive time.Time
	if nano := atomic.LoadInt64(&s.lastReceiveNano); nano != 0 {
		lastReceive = time.Unix(0, nano)
	}

	return SessionStatus{
		SessionID:  s.config.SessionID,
		State:      s.State(),
		LocalAddr:  localAddr,
		RemoteAddr: remoteAddr,

		PacketsReceived: atomic.LoadUint64(&s.packetsReceived),
		PacketsSent:     atomic.LoadUint64(&s.packetsSent),
		BytesReceived:   atomic.LoadUint64(&s.bytesReceived),
		BytesSent:       atomic.LoadUint64(&s.bytesSent),
		FramesProcessed: atomic.LoadUint64(&s.framesProcessed),
		FramesDelivered: atomic.LoadUint64(&s.framesDelivered),

		MalformedDrops:   atomic.LoadUint64(&s.malformedDrops),
		PayloadTypeDrops: atomic.LoadUint64(&s.payloadTypeDrops),
		IngestRejects:    atomic.LoadUint64(&s.ingestRejects),
		CallbackDrops:    atomic.LoadUint64(&s.callbackDrops),
		ReceiveErrors:    atomic.LoadUint64(&s.receiveErrors),
		ReplayRecovered:  atomic.LoadUint64(&s.replayRecovered),

		DTMFSent:     atomic.LoadUint64(&s.dtmfSent),
		DTMFReceived: atomic.LoadUint64(&s.dtmfReceived),

		LastReceive:     lastReceive,
		QualityDegraded: atomic.LoadInt32(&s.qualityDegraded) != 0,
	}
}

// GetBufferStatus возвращает снимки jitter и replay буферов
func (s *RTPAudioStreamer) GetBufferStatus() BufferStatus {
	return BufferStatus{
		Jitter: s.jitter.GetStats(),
		Replay: s.replay.GetStats(),
	}
}

// GetProcessingMetrics возвращает снимки конвейера, очередей, пула и шины
func (s *RTPAudioStreamer) GetProcessingMetrics() ProcessingMetrics {
	return ProcessingMetrics{
		Processor: s.processor.GetStats(),
		Queues:    s.processor.GetQueueStats(),
		Pool:      s.pool.Stats(),
		Workers:   s.pool.Metrics(),
		Bus:       s.bus.Stats(),
	}
}

// Bus возвращает шину событий сессии для подписки приложения
func (s *RTPAudioStreamer) Bus() *events.Bus {
	return s.bus
}

// setTransport сохраняет транспорт под мьютексом
func (s *RTPAudioStreamer) setTransport(transport rtpnet.Transport) {
	s.transportMu.Lock()
	s.transport = transport
	s.transportMu.Unlock()
}

// getTransport возвращает транспорт под мьютексом
func (s *RTPAudioStreamer) getTransport() rtpnet.Transport {
	s.transportMu.RLock()
	defer s.transportMu.RUnlock()
	return s.transport
}

// receiveLoop читает датаграммы из сокета до отмены контекста.
// Таймауты чтения нормальны и пропускаются, прочие ошибки считаются
// и логируются без прерывания цикла.
func (s *RTPAudioStreamer) receiveLoop() {
	defer s.wg.Done()

	transport := s.getTransport()
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		data, _, err := transport.Receive(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			var netErr *rtpnet.ClassifiedError
			if errors.As(err, &netErr) && netErr.Type == rtpnet.ErrorTypeTimeout {
				continue
			}
			if !transport.IsActive() {
				return
			}
			atomic.AddUint64(&s.receiveErrors, 1)
			slog.Debug("ошибка приема датаграммы",
				"session_id", s.config.SessionID,
				"error", err)
			continue
		}

		s.handleDatagram(data)
	}
}

// handleDatagram разбирает датаграмму и подает пакет в конвейер.
// Битые датаграммы и чужие payload types отбрасываются с подсчетом,
// DTMF пакеты уходят приемнику DTMF мимо аудио пути.
func (s *RTPAudioStreamer) handleDatagram(data []byte) {
	atomic.StoreInt64(&s.lastReceiveNano, time.Now().UnixNano())
	atomic.AddUint64(&s.bytesReceived, uint64(len(data)))

	packet := rtpnet.ParsePacket(data)
	if packet == nil {
		atomic.AddUint64(&s.malformedDrops, 1)
		return
	}

	if s.dtmfReceiver != nil {
		handled, err := s.dtmfReceiver.ProcessPacket(packet)
		if err != nil {
			slog.Debug("некорректный DTMF пакет",
				"session_id", s.config.SessionID,
				"error", err)
		}
		if handled {
			return
		}
	}

	if packet.PayloadType != s.config.PayloadType {
		atomic.AddUint64(&s.payloadTypeDrops, 1)
		return
	}

	buffered := &BufferedAudioPacket{
		SequenceNumber: packet.SequenceNumber,
		Timestamp:      packet.Timestamp,
		Payload:        packet.Payload,
		ReceivedTime:   time.Now(),
		SessionID:      s.config.SessionID,
	}

	if !s.processor.SubmitForIngestion(buffered) {
		atomic.AddUint64(&s.ingestRejects, 1)
		return
	}
	atomic.AddUint64(&s.packetsReceived, 1)

	s.bus.Publish(events.NewAudioEvent(events.EventRTPPacketReceived, s.config.SessionID,
		map[string]interface{}{
			"sequence":  packet.SequenceNumber,
			"timestamp": packet.Timestamp,
			"size":      len(packet.Payload),
		}))
}

// ingestPacket callback стадии приема: replay копия, детекция разрывов,
// укладка в jitter buffer. Отклоненный буфером пакет не идет дальше.
func (s *RTPAudioStreamer) ingestPacket(item interface{}) (interface{}, error) {
	if _, ok := item.(drainToken); ok {
		return item, nil
	}

	packet, ok := item.(*BufferedAudioPacket)
	if !ok {
		return nil, fmt.Errorf("неожиданный тип на стадии приема: %T", item)
	}

	if len(packet.Payload) != s.frameBytes {
		return nil, NewAudioError(ErrorCodeAudioSizeInvalid, s.config.SessionID,
			fmt.Sprintf("кадр %d байт, ожидается %d", len(packet.Payload), s.frameBytes),
			s.frameBytes, len(packet.Payload))
	}

	if s.config.ReplayRecoveryEnabled {
		s.replay.Store(clonePacket(packet))
	}
	s.trackSequenceGap(packet.SequenceNumber)

	if err := s.jitter.AddPacket(packet); err != nil {
		var jbErr *JitterBufferError
		if errors.As(err, &jbErr) && jbErr.Code == ErrorCodeJitterBufferOverflow {
			s.bus.Publish(events.NewAudioEvent(events.EventJitterBufferOverflow, s.config.SessionID,
				map[string]interface{}{
					"sequence": jbErr.Sequence,
					"buffered": jbErr.BufferedSize,
					"max":      jbErr.MaxSize,
				}))
		}
		return nil, err
	}

	return packet, nil
}

// trackSequenceGap отслеживает разрывы во входящем потоке по последнему
// принятому sequence number и публикует PACKET_LOSS_DETECTED на разрыв
func (s *RTPAudioStreamer) trackSequenceGap(seq uint16) {
	s.seqMu.Lock()
	if !s.haveLastAccepted {
		s.haveLastAccepted = true
		s.lastAcceptedSeq = seq
		s.seqMu.Unlock()
		return
	}
	diff := SequenceDiff(seq, s.lastAcceptedSeq)
	if diff <= 0 {
		s.seqMu.Unlock()
		return
	}
	rangeStart := s.lastAcceptedSeq + 1
	rangeEnd := seq - 1
	s.lastAcceptedSeq = seq
	s.seqMu.Unlock()

	gap := diff - 1
	if gap == 0 {
		return
	}

	s.bus.Publish(events.NewCorrelatedEvent(events.EventPacketLossDetected, s.config.SessionID,
		map[string]interface{}{
			"range_start": rangeStart,
			"range_end":   rangeEnd,
			"gap":         gap,
			"next_seen":   seq,
		}))
}

// processAudio callback стадии обработки: выдача подряд идущих кадров
// из jitter buffer с интерполяцией потерь, декодирование PCMU в PCM,
// анализ и публикация AUDIO_DATA_READY на каждый кадр. Возвращает пачку
// PCM кадров для стадии доставки, nil если выдавать нечего.
func (s *RTPAudioStreamer) processAudio(_ interface{}) (interface{}, error) {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	var batch [][]byte
	for {
		frame, ok := s.jitter.NextFrame(s.config.InterpolationEnabled)
		if !ok {
			break
		}

		pcm := g711.DecodePCMU(frame.Payload)
		meta := AudioFrameMeta{
			SessionID:       s.config.SessionID,
			SequenceNumber:  frame.SequenceNumber,
			Timestamp:       frame.Timestamp,
			SampleRate:      s.config.SampleRate,
			FrameDurationMs: s.config.FrameDurationMs,
			Interpolated:    frame.Interpolated,
		}

		if analysis, err := s.audioProc.Analyze(pcm); err == nil {
			meta.RMS = analysis.RMS
			meta.DBFS = analysis.DBFS
			meta.VoiceActive = analysis.VoiceActive
		}

		atomic.AddUint64(&s.framesProcessed, 1)
		s.bus.Publish(events.NewAudioEvent(events.EventAudioDataReady, s.config.SessionID,
			map[string]interface{}{
				"sequence":      frame.SequenceNumber,
				"size":          len(pcm),
				"sample_rate":   s.config.SampleRate,
				"frame_size_ms": s.config.FrameDurationMs,
				"rms":           meta.RMS,
				"voice_active":  meta.VoiceActive,
				"interpolated":  frame.Interpolated,
			}))

		s.deliverAudio(pcm, meta)
		batch = append(batch, pcm)
	}

	if len(batch) == 0 {
		return nil, nil
	}
	return batch, nil
}

// completeDelivery callback стадии доставки, закрывает конвейер подсчетом
func (s *RTPAudioStreamer) completeDelivery(item interface{}) (interface{}, error) {
	batch, ok := item.([][]byte)
	if !ok {
		return nil, fmt.Errorf("неожиданный тип на стадии доставки: %T", item)
	}
	atomic.AddUint64(&s.framesDelivered, uint64(len(batch)))
	return nil, nil
}

// deliverAudio передает кадр обработчику приложения через мост.
// Заполненный мост означает подсчитанную потерю кадра для приложения,
// конвейер при этом не блокируется.
func (s *RTPAudioStreamer) deliverAudio(pcm []byte, meta AudioFrameMeta) {
	s.callbackMu.RLock()
	handler := s.onAudioReady
	s.callbackMu.RUnlock()
	if handler == nil {
		return
	}

	select {
	case s.callbackCh <- func() { handler(pcm, meta) }:
	default:
		atomic.AddUint64(&s.callbackDrops, 1)
	}
}

// callbackLoop выделенная горутина вызова пользовательских обработчиков
func (s *RTPAudioStreamer) callbackLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.callbackCh:
			s.invokeCallback(fn)
		}
	}
}

// invokeCallback вызывает обработчик с изоляцией паники
func (s *RTPAudioStreamer) invokeCallback(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("паника в обработчике приложения",
				"session_id", s.config.SessionID,
				"panic", r)
		}
	}()
	fn()
}

// drainLoop подталкивает выдачу из jitter buffer при паузе входящего
// потока: без новых пакетов стадия обработки не просыпается сама, и
// буферизованные кадры зависли бы до конца сессии.
func (s *RTPAudioStreamer) drainLoop() {
	defer s.wg.Done()

	interval := time.Duration(s.config.FrameDurationMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			last := atomic.LoadInt64(&s.lastReceiveNano)
			if last == 0 || time.Since(time.Unix(0, last)) < 2*interval {
				continue
			}
			if s.jitter.BufferedCount() == 0 {
				continue
			}
			s.processor.SubmitForIngestion(drainToken{})
		}
	}
}

// qualityLoop периодически оценивает качество входящего потока
func (s *RTPAudioStreamer) qualityLoop() {
	defer s.wg.Done()

	if !s.config.QualityMonitorEnabled {
		return
	}

	ticker := time.NewTicker(s.config.QualityInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.evaluateQuality(time.Now())
		}
	}
}

// evaluateQuality снимает счетчики, прогоняет их через монитор качества
// и публикует QUALITY_DEGRADED при превышении порогов
func (s *RTPAudioStreamer) evaluateQuality(now time.Time) {
	jitterStats := s.jitter.GetStats()

	var lastReceive time.Time
	if nano := atomic.LoadInt64(&s.lastReceiveNano); nano != 0 {
		lastReceive = time.Unix(0, nano)
	}

	reasons := s.quality.Evaluate(now, QualitySample{
		Interpolated: jitterStats.Interpolated,
		Overflows:    jitterStats.Overflows,
		Late:         jitterStats.Late,
		Received:     atomic.LoadUint64(&s.packetsReceived),
		LastReceive:  lastReceive,
	})

	if len(reasons) == 0 {
		atomic.StoreInt32(&s.qualityDegraded, 0)
		return
	}
	atomic.StoreInt32(&s.qualityDegraded, 1)

	s.bus.Publish(events.NewCorrelatedEvent(events.EventQualityDegraded, s.config.SessionID,
		map[string]interface{}{
			"reasons":      reasons,
			"interpolated": jitterStats.Interpolated,
			"overflows":    jitterStats.Overflows,
			"late":         jitterStats.Late,
		}))

	slog.Warn("деградация качества входящего потока",
		"session_id", s.config.SessionID,
		"reasons", strings.Join(reasons, "; "))
}

// handlePacketLoss обработчик PACKET_LOSS_DETECTED: небольшие разрывы
// пытается закрыть повтором пакетов из replay buffer фоновой задачей
func (s *RTPAudioStreamer) handlePacketLoss(event events.AudioEvent) {
	if !s.config.ReplayRecoveryEnabled {
		return
	}

	gap, _ := event.Data["gap"].(int)
	rangeStart, okStart := event.Data["range_start"].(uint16)
	rangeEnd, okEnd := event.Data["range_end"].(uint16)
	if !okStart || !okEnd || gap <= 0 {
		return
	}

	if gap > s.config.MaxReplayGap {
		slog.Debug("разрыв слишком велик для replay",
			"session_id", s.config.SessionID,
			"gap", gap,
			"max_gap", s.config.MaxReplayGap)
		return
	}

	err := s.pool.Submit(pipeline.TierNormal, "packet-replay", func() error {
		recovered := s.replay.Replay(s.config.SessionID, rangeStart, rangeEnd)
		for _, packet := range recovered {
			if addErr := s.jitter.AddPacket(packet); addErr != nil {
				continue
			}
			atomic.AddUint64(&s.replayRecovered, 1)
		}
		if len(recovered) > 0 {
			slog.Debug("пакеты восстановлены из replay buffer",
				"session_id", s.config.SessionID,
				"recovered", len(recovered),
				"range_start", rangeStart,
				"range_end", rangeEnd)
		}
		return nil
	})
	if err != nil {
		slog.Debug("задача replay отклонена пулом",
			"session_id", s.config.SessionID,
			"error", err)
	}
}

// handleOverflow обработчик JITTER_BUFFER_OVERFLOW
func (s *RTPAudioStreamer) handleOverflow(event events.AudioEvent) {
	slog.Warn("переполнение jitter buffer",
		"session_id", event.SessionID,
		"sequence", event.Data["sequence"],
		"buffered", event.Data["buffered"])
}

// handleIncomingDTMF callback приемника DTMF: публикация события и
// передача цифры обработчику приложения через мост
func (s *RTPAudioStreamer) handleIncomingDTMF(event DTMFEvent) {
	atomic.AddUint64(&s.dtmfReceived, 1)

	s.bus.Publish(events.NewCorrelatedEvent(events.EventDTMFDetected, s.config.SessionID,
		map[string]interface{}{
			"digit":    event.Digit.String(),
			"duration": event.Duration,
			"volume":   event.Volume,
		}))

	s.callbackMu.RLock()
	handler := s.onDTMF
	s.callbackMu.RUnlock()
	if handler == nil {
		return
	}

	select {
	case s.callbackCh <- func() { handler(event) }:
	default:
		atomic.AddUint64(&s.callbackDrops, 1)
	}
}

// clonePacket копирует пакет вместе с payload. Replay buffer держит
// копию, потому что оригинал уходит в jitter buffer и потребляется.
func clonePacket(packet *BufferedAudioPacket) *BufferedAudioPacket {
	clone := *packet
	clone.Payload = make([]byte, len(packet.Payload))
	copy(clone.Payload, packet.Payload)
	return &clone
}

// waitGroupTimeout ждет wg не дольше timeout, false при истечении
func waitGroupTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
