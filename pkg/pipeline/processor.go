package pipeline

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// StageCallback обработчик одной стадии конвейера.
// Возвращенный не-nil результат передается в очередь следующей стадии.
// Ошибка означает отбрасывание элемента с подсчетом, паника изолируется.
type StageCallback func(item interface{}) (interface{}, error)

// Индексы стадий конвейера
const (
	stageIngestion = iota
	stageProcessing
	stageTransmission
	stageCount
)

// stageNames имена стадий для логов и меток метрик
var stageNames = [stageCount]string{"ingestion", "processing", "transmission"}

const (
	// stageWorkers число рабочих на каждую стадию
	stageWorkers = 2
	// processorWorkerTotal все рабочие конвейера, включая монитор
	processorWorkerTotal = stageCount*stageWorkers + 1

	// ingestionBackoff пауза стадии приема при пустой очереди
	ingestionBackoff = time.Millisecond
	// processingBackoff пауза стадии обработки при пустой очереди
	processingBackoff = 5 * time.Millisecond
	// transmissionBackoff пауза стадии отправки при пустой очереди
	transmissionBackoff = time.Millisecond
	// panicBackoff пауза цикла после паники обработчика
	panicBackoff = 10 * time.Millisecond

	// monitorTick шаг проверки стоп-флага монитором
	monitorTick = 100 * time.Millisecond

	// DefaultReadyTimeout ожидание готовности рабочих при старте
	DefaultReadyTimeout = 2 * time.Second
	// DefaultMonitorInterval период сводки монитора о глубине очередей
	DefaultMonitorInterval = 30 * time.Second
)

// stageBackoffs паузы опроса по стадиям
var stageBackoffs = [stageCount]time.Duration{
	ingestionBackoff,
	processingBackoff,
	transmissionBackoff,
}

// ProcessorConfig конфигурация конвейера обработки RTP
type ProcessorConfig struct {
	// SessionID идентификатор сессии для логов
	SessionID string

	// QueueShards число шардов каждой межстадийной очереди
	QueueShards int

	// QueueCapacity суммарная емкость каждой межстадийной очереди
	QueueCapacity int

	// ReadyTimeout время ожидания подтверждений готовности рабочих
	ReadyTimeout time.Duration

	// StopTimeout время ожидания завершения рабочих при Stop
	StopTimeout time.Duration

	// MonitorInterval период сводки монитора
	MonitorInterval time.Duration
}

// DefaultProcessorConfig возвращает конфигурацию конвейера по умолчанию
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		QueueShards:     DefaultShardCount,
		QueueCapacity:   DefaultQueueCapacity,
		ReadyTimeout:    DefaultReadyTimeout,
		StopTimeout:     DefaultPoolStopTimeout,
		MonitorInterval: DefaultMonitorInterval,
	}
}

// Validate проверяет конфигурацию конвейера
func (c ProcessorConfig) Validate() error {
	if c.QueueShards <= 0 {
		return fmt.Errorf("QueueShards должен быть положительным, получен %d", c.QueueShards)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("QueueCapacity должен быть положительным, получен %d", c.QueueCapacity)
	}
	if c.ReadyTimeout <= 0 {
		return fmt.Errorf("ReadyTimeout должен быть положительным, получен %v", c.ReadyTimeout)
	}
	if c.StopTimeout <= 0 {
		return fmt.Errorf("StopTimeout должен быть положительным, получен %v", c.StopTimeout)
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("MonitorInterval должен быть положительным, получен %v", c.MonitorInterval)
	}
	return nil
}

// StageStats счетчики одной стадии
type StageStats struct {
	Processed    uint64
	Errors       uint64
	Panics       uint64
	ForwardDrops uint64
	QueueDepth   int
}

// ProcessorStats снимок счетчиков конвейера
type ProcessorStats struct {
	Submitted      uint64
	SubmitRejected uint64
	Stages         map[string]StageStats
}

// Processor многопоточный конвейер обработки RTP пакетов.
//
// Владеет тремя шардированными очередями и исполняет стадии на рабочих
// переданного пула: прием и отправка на realtime, обработка на high,
// монитор на normal. Единственная внешняя точка входа SubmitForIngestion.
// Остановка кооперативная: стоп-флаг проверяется каждую итерацию цикла.
type Processor struct {
	config  ProcessorConfig
	pool    *TieredPool
	metrics *MetricsCollector

	queues [stageCount]*ShardedQueue

	callbackMu sync.RWMutex
	callbacks  [stageCount]StageCallback

	stopFlag int32
	workerWg sync.WaitGroup

	stateMu sync.Mutex
	started bool

	submitted      uint64
	submitRejected uint64
	processed      [stageCount]uint64
	cbErrors       [stageCount]uint64
	cbPanics       [stageCount]uint64
	forwardDrops   [stageCount]uint64
}

// NewProcessor создает конвейер поверх пула рабочих.
// Нулевые поля конфигурации заменяются значениями по умолчанию.
func NewProcessor(config ProcessorConfig, pool *TieredPool) *Processor {
	defaults := DefaultProcessorConfig()
	if config.QueueShards <= 0 {
		config.QueueShards = defaults.QueueShards
	}
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = defaults.QueueCapacity
	}
	if config.ReadyTimeout <= 0 {
		config.ReadyTimeout = defaults.ReadyTimeout
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = defaults.StopTimeout
	}
	if config.MonitorInterval <= 0 {
		config.MonitorInterval = defaults.MonitorInterval
	}

	p := &Processor{
		config:  config,
		pool:    pool,
		metrics: NewMetricsCollector(nil),
	}
	for i := range p.queues {
		p.queues[i] = NewShardedQueue(config.QueueShards, config.QueueCapacity)
	}
	return p
}

// SetIngestionCallback регистрирует обработчик стадии приема.
// Вызывать до Start.
func (p *Processor) SetIngestionCallback(cb StageCallback) {
	p.setCallback(stageIngestion, cb)
}

// SetProcessingCallback регистрирует обработчик стадии обработки.
// Вызывать до Start.
func (p *Processor) SetProcessingCallback(cb StageCallback) {
	p.setCallback(stageProcessing, cb)
}

// SetTransmissionCallback регистрирует обработчик стадии отправки.
// Вызывать до Start.
func (p *Processor) SetTransmissionCallback(cb StageCallback) {
	p.setCallback(stageTransmission, cb)
}

func (p *Processor) setCallback(stage int, cb StageCallback) {
	p.callbackMu.Lock()
	p.callbacks[stage] = cb
	p.callbackMu.Unlock()
}

// Start запускает рабочих всех стадий и монитор, затем ждет
// подтверждений готовности. Неполная готовность за ReadyTimeout не
// фатальна и лишь логируется, отказ пула принять рабочего фатален.
func (p *Processor) Start() error {
	p.stateMu.Lock()
	if p.started {
		p.stateMu.Unlock()
		return fmt.Errorf("конвейер уже запущен")
	}
	p.started = true
	p.stateMu.Unlock()

	ready := make(chan struct{}, processorWorkerTotal)

	for i := 0; i < stageWorkers; i++ {
		name := fmt.Sprintf("rtp-ingestion-%d", i)
		if err := p.spawn(TierRealtime, name, ready, func() { p.stageLoop(stageIngestion) }); err != nil {
			return err
		}
	}
	for i := 0; i < stageWorkers; i++ {
		name := fmt.Sprintf("rtp-processing-%d", i)
		if err := p.spawn(TierHigh, name, ready, func() { p.stageLoop(stageProcessing) }); err != nil {
			return err
		}
	}
	for i := 0; i < stageWorkers; i++ {
		name := fmt.Sprintf("rtp-transmission-%d", i)
		if err := p.spawn(TierRealtime, name, ready, func() { p.stageLoop(stageTransmission) }); err != nil {
			return err
		}
	}
	if err := p.spawn(TierNormal, "pipeline-monitor", ready, p.monitorLoop); err != nil {
		return err
	}

	readyCount := 0
	timeout := time.After(p.config.ReadyTimeout)
	for readyCount < processorWorkerTotal {
		select {
		case <-ready:
			readyCount++
		case <-timeout:
			slog.Warn("не все рабочие конвейера подтвердили готовность",
				"session_id", p.config.SessionID,
				"ready", readyCount,
				"expected", processorWorkerTotal,
				"timeout", p.config.ReadyTimeout)
			return nil
		}
	}

	slog.Debug("конвейер запущен",
		"session_id", p.config.SessionID,
		"workers", processorWorkerTotal,
		"metrics_backend", metricsBackendName)
	return nil
}

// spawn ставит цикл рабочего в пул с подтверждением готовности
func (p *Processor) spawn(tier Tier, name string, ready chan<- struct{}, loop func()) error {
	p.workerWg.Add(1)
	err := p.pool.Submit(tier, name, func() error {
		defer p.workerWg.Done()
		ready <- struct{}{}
		loop()
		return nil
	})
	if err != nil {
		p.workerWg.Done()
		return fmt.Errorf("не удалось запустить рабочего %s: %w", name, err)
	}
	return nil
}

// SubmitForIngestion ставит элемент в очередь приема без блокировки.
// Возвращает false при заполненной очереди или остановленном конвейере.
func (p *Processor) SubmitForIngestion(item interface{}) bool {
	if atomic.LoadInt32(&p.stopFlag) != 0 {
		atomic.AddUint64(&p.submitRejected, 1)
		return false
	}
	if !p.queues[stageIngestion].TryPut(item) {
		atomic.AddUint64(&p.submitRejected, 1)
		p.metrics.PacketDropped(stageNames[stageIngestion])
		return false
	}
	atomic.AddUint64(&p.submitted, 1)
	return true
}

// Stop взводит стоп-флаг и ждет рабочих не дольше StopTimeout.
// Не успевшие завершиться рабочие бросаются с предупреждением.
// Идемпотентен.
func (p *Processor) Stop() {
	if !atomic.CompareAndSwapInt32(&p.stopFlag, 0, 1) {
		return
	}

	done := make(chan struct{})
	go func() {
		p.workerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Debug("конвейер остановлен", "session_id", p.config.SessionID)
	case <-time.After(p.config.StopTimeout):
		slog.Warn("рабочие конвейера не завершились за отведенное время",
			"session_id", p.config.SessionID,
			"timeout", p.config.StopTimeout)
	}
}

// GetStats возвращает снимок счетчиков конвейера
func (p *Processor) GetStats() ProcessorStats {
	stats := ProcessorStats{
		Submitted:      atomic.LoadUint64(&p.submitted),
		SubmitRejected: atomic.LoadUint64(&p.submitRejected),
		Stages:         make(map[string]StageStats, stageCount),
	}
	for stage := 0; stage < stageCount; stage++ {
		stats.Stages[stageNames[stage]] = StageStats{
			Processed:    atomic.LoadUint64(&p.processed[stage]),
			Errors:       atomic.LoadUint64(&p.cbErrors[stage]),
			Panics:       atomic.LoadUint64(&p.cbPanics[stage]),
			ForwardDrops: atomic.LoadUint64(&p.forwardDrops[stage]),
			QueueDepth:   p.queues[stage].Len(),
		}
	}
	return stats
}

// GetQueueStats возвращает снимки межстадийных очередей
func (p *Processor) GetQueueStats() map[string]QueueStats {
	result := make(map[string]QueueStats, stageCount)
	for stage := 0; stage < stageCount; stage++ {
		result[stageNames[stage]] = p.queues[stage].Stats()
	}
	return result
}

// stageLoop основной цикл рабочего стадии: неблокирующий опрос своей
// очереди с паузой на пустоте, вызов обработчика, передача результата
// дальше. Заполненная следующая очередь означает подсчитанную потерю.
func (p *Processor) stageLoop(stage int) {
	from := p.queues[stage]
	var to *ShardedQueue
	if stage+1 < stageCount {
		to = p.queues[stage+1]
	}
	backoff := stageBackoffs[stage]

	for atomic.LoadInt32(&p.stopFlag) == 0 {
		item, ok := from.TryGet()
		if !ok {
			time.Sleep(backoff)
			continue
		}

		result, ok := p.invokeStage(stage, item)
		if !ok || result == nil || to == nil {
			continue
		}
		if !to.TryPut(result) {
			atomic.AddUint64(&p.forwardDrops[stage], 1)
			p.metrics.PacketDropped(stageNames[stage])
			slog.Debug("очередь следующей стадии заполнена, результат отброшен",
				"session_id", p.config.SessionID,
				"stage", stageNames[stage])
		}
	}
}

// invokeStage вызывает обработчик стадии с изоляцией паники
func (p *Processor) invokeStage(stage int, item interface{}) (result interface{}, ok bool) {
	p.callbackMu.RLock()
	cb := p.callbacks[stage]
	p.callbackMu.RUnlock()
	if cb == nil {
		return nil, false
	}

	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&p.cbPanics[stage], 1)
			p.metrics.StagePanic(stageNames[stage])
			slog.Error("паника в обработчике стадии",
				"session_id", p.config.SessionID,
				"stage", stageNames[stage],
				"panic", r,
				"stack", string(debug.Stack()))
			time.Sleep(panicBackoff)
			result, ok = nil, false
		}
	}()

	start := time.Now()
	out, err := cb(item)
	if err != nil {
		atomic.AddUint64(&p.cbErrors[stage], 1)
		slog.Debug("обработчик стадии вернул ошибку",
			"session_id", p.config.SessionID,
			"stage", stageNames[stage],
			"error", err)
		return nil, false
	}

	atomic.AddUint64(&p.processed[stage], 1)
	p.metrics.PacketProcessed(stageNames[stage], time.Since(start))
	return out, true
}

// monitorLoop периодически обновляет датчики глубины очередей и раз в
// MonitorInterval пишет сводку. Спит короткими шагами, чтобы стоп-флаг
// замечался быстро.
func (p *Processor) monitorLoop() {
	lastReport := time.Now()

	for atomic.LoadInt32(&p.stopFlag) == 0 {
		time.Sleep(monitorTick)

		for stage := 0; stage < stageCount; stage++ {
			p.metrics.QueueDepth(stageNames[stage], p.queues[stage].Len())
		}

		if time.Since(lastReport) < p.config.MonitorInterval {
			continue
		}
		lastReport = time.Now()

		slog.Info("состояние очередей конвейера",
			"session_id", p.config.SessionID,
			"ingestion", p.queues[stageIngestion].Len(),
			"processing", p.queues[stageProcessing].Len(),
			"transmission", p.queues[stageTransmission].Len(),
			"submitted", atomic.LoadUint64(&p.submitted),
			"rejected", atomic.LoadUint64(&p.submitRejected))
	}
}
