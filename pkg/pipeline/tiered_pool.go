package pipeline

import (
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Tier уровень приоритета рабочих горутин пула
type Tier int

const (
	// TierRealtime уровень для приема и отправки RTP, закрепляется за OS потоком
	TierRealtime Tier = iota
	// TierHigh уровень для декодирования и обработки аудио
	TierHigh
	// TierNormal уровень для мониторинга и фоновых задач
	TierNormal

	tierCount = 3
)

// String возвращает имя уровня
func (t Tier) String() string {
	switch t {
	case TierRealtime:
		return "realtime"
	case TierHigh:
		return "high"
	case TierNormal:
		return "normal"
	default:
		return "unknown"
	}
}

const (
	// realtimeTierWorkers фиксированное число рабочих уровня realtime
	realtimeTierWorkers = 4
	// highTierWorkers фиксированное число рабочих уровня high
	highTierWorkers = 2

	// DefaultPoolWorkers суммарное число рабочих по умолчанию
	DefaultPoolWorkers = 8
	// DefaultTierQueueSize емкость очереди задач одного уровня по умолчанию
	DefaultTierQueueSize = 64
	// DefaultPoolStopTimeout время ожидания завершения рабочих при остановке
	DefaultPoolStopTimeout = 2 * time.Second
)

// PoolConfig конфигурация трехуровневого пула
type PoolConfig struct {
	// TotalWorkers общее число рабочих горутин. Уровни realtime и high
	// получают фиксированные 4 и 2, остаток (минимум 1) уходит normal.
	TotalWorkers int

	// QueueSize емкость очереди задач каждого уровня
	QueueSize int

	// StopTimeout максимальное время ожидания рабочих при Stop
	StopTimeout time.Duration
}

// DefaultPoolConfig возвращает конфигурацию пула по умолчанию
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		TotalWorkers: DefaultPoolWorkers,
		QueueSize:    DefaultTierQueueSize,
		StopTimeout:  DefaultPoolStopTimeout,
	}
}

// Validate проверяет конфигурацию пула
func (c PoolConfig) Validate() error {
	if c.TotalWorkers <= 0 {
		return fmt.Errorf("TotalWorkers должен быть положительным, получен %d", c.TotalWorkers)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("QueueSize должен быть положительным, получен %d", c.QueueSize)
	}
	if c.StopTimeout <= 0 {
		return fmt.Errorf("StopTimeout должен быть положительным, получен %v", c.StopTimeout)
	}
	return nil
}

// poolTask задача с именем для диагностики
type poolTask struct {
	name string
	fn   func() error
}

// workerStats метрики одного рабочего, защищены собственным мьютексом
type workerStats struct {
	mu            sync.Mutex
	tasks         uint64
	errors        uint64
	minDuration   time.Duration
	maxDuration   time.Duration
	totalDuration time.Duration
	lastActivity  time.Time
}

// WorkerMetrics снимок метрик одного рабочего
type WorkerMetrics struct {
	Tier         Tier
	WorkerID     int
	TasksTotal   uint64
	ErrorsTotal  uint64
	MinDuration  time.Duration
	MaxDuration  time.Duration
	AvgDuration  time.Duration
	LastActivity time.Time
}

// TierStats снимок состояния одного уровня пула
type TierStats struct {
	Workers       int
	QueueDepth    int
	QueueCapacity int
	Submitted     uint64
	Rejected      uint64
}

// TieredPool пул рабочих горутин с тремя уровнями приоритета.
//
// Каждый уровень владеет ограниченной очередью задач и фиксированным
// числом рабочих. Рабочие уровня realtime закрепляются за OS потоком и
// пытаются поднять приоритет планировщика, неудача не фатальна. Отправка
// задачи в заполненную очередь отклоняется без блокировки.
type TieredPool struct {
	config  PoolConfig
	queues  [tierCount]chan poolTask
	counts  [tierCount]int
	stats   [tierCount][]*workerStats
	metrics *MetricsCollector

	stopChan chan struct{}
	wg       sync.WaitGroup

	stateMu sync.Mutex
	started bool
	stopped bool

	submitted [tierCount]uint64
	rejected  [tierCount]uint64
}

// NewTieredPool создает пул по конфигурации. Нулевые поля конфигурации
// заменяются значениями по умолчанию.
func NewTieredPool(config PoolConfig) *TieredPool {
	defaults := DefaultPoolConfig()
	if config.TotalWorkers <= 0 {
		config.TotalWorkers = defaults.TotalWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = defaults.StopTimeout
	}

	normalWorkers := config.TotalWorkers - realtimeTierWorkers - highTierWorkers
	if normalWorkers < 1 {
		normalWorkers = 1
	}

	p := &TieredPool{
		config:   config,
		metrics:  NewMetricsCollector(nil),
		stopChan: make(chan struct{}),
	}
	p.counts[TierRealtime] = realtimeTierWorkers
	p.counts[TierHigh] = highTierWorkers
	p.counts[TierNormal] = normalWorkers

	for tier := 0; tier < tierCount; tier++ {
		p.queues[tier] = make(chan poolTask, config.QueueSize)
		p.stats[tier] = make([]*workerStats, p.counts[tier])
		for i := range p.stats[tier] {
			p.stats[tier][i] = &workerStats{}
		}
	}

	return p
}

// Start запускает рабочие горутины всех уровней
func (p *TieredPool) Start() error {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	if p.started {
		return fmt.Errorf("пул уже запущен")
	}
	if p.stopped {
		return fmt.Errorf("пул уже остановлен")
	}
	p.started = true

	for tier := 0; tier < tierCount; tier++ {
		for id := 0; id < p.counts[tier]; id++ {
			p.wg.Add(1)
			go p.workerLoop(Tier(tier), id)
		}
	}

	slog.Debug("пул рабочих запущен",
		"realtime", p.counts[TierRealtime],
		"high", p.counts[TierHigh],
		"normal", p.counts[TierNormal])
	return nil
}

// Submit ставит задачу в очередь уровня без блокировки.
// Заполненная очередь означает отклонение с подсчетом.
func (p *TieredPool) Submit(tier Tier, name string, fn func() error) error {
	if tier < 0 || tier >= tierCount {
		return fmt.Errorf("неизвестный уровень пула: %d", tier)
	}

	select {
	case <-p.stopChan:
		return fmt.Errorf("пул остановлен, задача %q отклонена", name)
	default:
	}

	select {
	case p.queues[tier] <- poolTask{name: name, fn: fn}:
		atomic.AddUint64(&p.submitted[tier], 1)
		return nil
	default:
		atomic.AddUint64(&p.rejected[tier], 1)
		p.metrics.TaskRejected(tier.String())
		return fmt.Errorf("очередь уровня %s заполнена, задача %q отклонена", tier, name)
	}
}

// Stop останавливает пул: закрывает стоп-канал и ждет рабочих не дольше
// StopTimeout. Не успевшие завершиться рабочие бросаются с предупреждением.
// Идемпотентен.
func (p *TieredPool) Stop() {
	p.stateMu.Lock()
	if p.stopped {
		p.stateMu.Unlock()
		return
	}
	p.stopped = true
	wasStarted := p.started
	p.stateMu.Unlock()

	close(p.stopChan)
	if !wasStarted {
		return
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Debug("пул рабочих остановлен")
	case <-time.After(p.config.StopTimeout):
		slog.Warn("рабочие пула не завершились за отведенное время",
			"timeout", p.config.StopTimeout)
	}
}

// Metrics возвращает снимок метрик всех рабочих
func (p *TieredPool) Metrics() []WorkerMetrics {
	result := make([]WorkerMetrics, 0, p.counts[TierRealtime]+p.counts[TierHigh]+p.counts[TierNormal])
	for tier := 0; tier < tierCount; tier++ {
		for id, ws := range p.stats[tier] {
			ws.mu.Lock()
			m := WorkerMetrics{
				Tier:         Tier(tier),
				WorkerID:     id,
				TasksTotal:   ws.tasks,
				ErrorsTotal:  ws.errors,
				MinDuration:  ws.minDuration,
				MaxDuration:  ws.maxDuration,
				LastActivity: ws.lastActivity,
			}
			if ws.tasks > 0 {
				m.AvgDuration = ws.totalDuration / time.Duration(ws.tasks)
			}
			ws.mu.Unlock()
			result = append(result, m)
		}
	}
	return result
}

// Stats возвращает снимок состояния уровней пула
func (p *TieredPool) Stats() map[string]TierStats {
	result := make(map[string]TierStats, tierCount)
	for tier := 0; tier < tierCount; tier++ {
		t := Tier(tier)
		result[t.String()] = TierStats{
			Workers:       p.counts[tier],
			QueueDepth:    len(p.queues[tier]),
			QueueCapacity: cap(p.queues[tier]),
			Submitted:     atomic.LoadUint64(&p.submitted[tier]),
			Rejected:      atomic.LoadUint64(&p.rejected[tier]),
		}
	}
	return result
}

// workerLoop основной цикл рабочего. Рабочие realtime закрепляются за
// OS потоком, чтобы повышение приоритета действовало на весь срок жизни.
func (p *TieredPool) workerLoop(tier Tier, id int) {
	defer p.wg.Done()

	if tier == TierRealtime {
		runtime.LockOSThread()
		if err := elevateWorkerPriority(); err != nil {
			slog.Warn("не удалось повысить приоритет потока",
				"tier", tier.String(), "worker", id, "error", err)
		}
	}

	for {
		select {
		case <-p.stopChan:
			return
		case task := <-p.queues[tier]:
			p.runTask(tier, id, task)
		}
	}
}

// runTask исполняет задачу с изоляцией паники и записью метрик
func (p *TieredPool) runTask(tier Tier, id int, task poolTask) {
	start := time.Now()
	var taskErr error

	func() {
		defer func() {
			if r := recover(); r != nil {
				taskErr = fmt.Errorf("паника: %v", r)
				slog.Error("паника в задаче пула",
					"tier", tier.String(),
					"worker", id,
					"task", task.name,
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()
		taskErr = task.fn()
	}()

	duration := time.Since(start)
	p.recordTask(tier, id, duration, taskErr != nil)
	p.metrics.TaskExecuted(tier.String(), duration)
}

// recordTask обновляет метрики рабочего
func (p *TieredPool) recordTask(tier Tier, id int, duration time.Duration, failed bool) {
	ws := p.stats[tier][id]
	ws.mu.Lock()
	defer ws.mu.Unlock()

	ws.tasks++
	if failed {
		ws.errors++
	}
	if ws.minDuration == 0 || duration < ws.minDuration {
		ws.minDuration = duration
	}
	if duration > ws.maxDuration {
		ws.maxDuration = duration
	}
	ws.totalDuration += duration
	ws.lastActivity = time.Now()
}
