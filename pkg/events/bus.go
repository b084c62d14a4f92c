package events

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize размер очереди шины по умолчанию
const DefaultQueueSize = 1000

// Handler обрабатывает доставленное событие.
// Вызывается последовательно из горутины потребителя шины,
// паника внутри обработчика изолируется и не роняет доставку.
type Handler func(event AudioEvent)

// subscription связывает идентификатор подписки с обработчиком
type subscription struct {
	id      int64
	handler Handler
}

// BusStats снимок счетчиков шины
type BusStats struct {
	Published     uint64
	Dropped       uint64
	Dispatched    uint64
	HandlerPanics uint64
	QueueDepth    int
	Subscribers   int
}

// Bus асинхронная шина событий с ограниченной очередью.
//
// Publish никогда не блокируется: при заполненной очереди событие
// отбрасывается и увеличивается счетчик потерь. Доставка выполняется
// единственной горутиной потребителя, поэтому обработчики одного типа
// вызываются в порядке публикации.
type Bus struct {
	queue    chan AudioEvent
	stopChan chan struct{}
	doneChan chan struct{}

	mu          sync.RWMutex
	subscribers map[EventType][]subscription
	nextSubID   int64

	stateMu sync.Mutex
	started bool
	stopped bool

	published     uint64
	dropped       uint64
	dispatched    uint64
	handlerPanics uint64
}

// NewBus создает шину с очередью указанного размера.
// При queueSize <= 0 используется DefaultQueueSize.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		queue:       make(chan AudioEvent, queueSize),
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
		subscribers: make(map[EventType][]subscription),
	}
}

// Start запускает горутину потребителя
func (b *Bus) Start() error {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	if b.started {
		return fmt.Errorf("шина событий уже запущена")
	}
	if b.stopped {
		return fmt.Errorf("шина событий уже остановлена")
	}
	b.started = true

	go b.consumeLoop()
	return nil
}

// Stop останавливает потребителя, дочитав очередь до конца.
// События, опубликованные до вызова Stop, гарантированно доставляются.
func (b *Bus) Stop() {
	b.stateMu.Lock()
	if b.stopped {
		b.stateMu.Unlock()
		return
	}
	b.stopped = true
	wasStarted := b.started
	b.stateMu.Unlock()

	close(b.stopChan)
	if wasStarted {
		<-b.doneChan
	}
}

// Subscribe регистрирует обработчик для типа события и возвращает
// идентификатор подписки для последующей отписки
func (b *Bus) Subscribe(eventType EventType, handler Handler) int64 {
	id := atomic.AddInt64(&b.nextSubID, 1)

	b.mu.Lock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{
		id:      id,
		handler: handler,
	})
	b.mu.Unlock()

	return id
}

// Unsubscribe удаляет подписку. Возвращает false если подписка не найдена.
// После возврата обработчик может быть вызван еще один раз, если доставка
// по уже снятому снимку списка подписчиков выполняется в этот момент.
func (b *Bus) Unsubscribe(eventType EventType, id int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[eventType]
	for i, sub := range subs {
		if sub.id == id {
			b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish кладет событие в очередь без блокировки.
// Возвращает false если очередь заполнена или шина остановлена,
// событие при этом отбрасывается.
func (b *Bus) Publish(event AudioEvent) bool {
	select {
	case <-b.stopChan:
		atomic.AddUint64(&b.dropped, 1)
		return false
	default:
	}

	select {
	case b.queue <- event:
		atomic.AddUint64(&b.published, 1)
		return true
	default:
		atomic.AddUint64(&b.dropped, 1)
		return false
	}
}

// Stats возвращает снимок счетчиков шины
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	subsCount := 0
	for _, subs := range b.subscribers {
		subsCount += len(subs)
	}
	b.mu.RUnlock()

	return BusStats{
		Published:     atomic.LoadUint64(&b.published),
		Dropped:       atomic.LoadUint64(&b.dropped),
		Dispatched:    atomic.LoadUint64(&b.dispatched),
		HandlerPanics: atomic.LoadUint64(&b.handlerPanics),
		QueueDepth:    len(b.queue),
		Subscribers:   subsCount,
	}
}

// consumeLoop единственная горутина доставки событий
func (b *Bus) consumeLoop() {
	defer close(b.doneChan)

	for {
		select {
		case <-b.stopChan:
			// дочитываем остаток очереди перед выходом
			for {
				select {
				case event := <-b.queue:
					b.dispatch(event)
				default:
					return
				}
			}
		case event := <-b.queue:
			b.dispatch(event)
		}
	}
}

// dispatch доставляет событие подписчикам по снимку списка.
// Снимок позволяет обработчикам подписываться и отписываться
// не удерживая блокировку доставки.
func (b *Bus) dispatch(event AudioEvent) {
	b.mu.RLock()
	subs := b.subscribers[event.Type]
	snapshot := make([]subscription, len(subs))
	copy(snapshot, subs)
	b.mu.RUnlock()

	for _, sub := range snapshot {
		b.invokeHandler(sub, event)
	}
	atomic.AddUint64(&b.dispatched, 1)
}

// invokeHandler вызывает обработчик с изоляцией паники
func (b *Bus) invokeHandler(sub subscription, event AudioEvent) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&b.handlerPanics, 1)
			slog.Error("паника в обработчике события",
				"event_type", event.Type.String(),
				"session_id", event.SessionID,
				"subscription_id", sub.id,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	sub.handler(event)
}
