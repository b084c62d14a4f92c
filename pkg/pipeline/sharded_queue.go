package pipeline

import (
	"sync/atomic"
	"time"
)

const (
	// DefaultShardCount число шардов очереди по умолчанию
	DefaultShardCount = 4

	// DefaultQueueCapacity суммарная емкость очереди по умолчанию
	DefaultQueueCapacity = 1000

	// queueRetryInterval пауза между повторами в PutTimeout/GetTimeout
	queueRetryInterval = 500 * time.Microsecond
)

// ShardedQueue очередь из N независимых ограниченных под-очередей.
//
// Каждый шард это буферизованный канал, операции TryPut и TryGet обходят
// шарды по кругу начиная с атомарно вращающегося курсора, поэтому
// конкурирующие производители и потребители расходятся по разным шардам
// без общей блокировки. FIFO гарантируется только внутри шарда, это
// осознанный размен: порядок пакетов дальше восстанавливает jitter buffer
// по RTP sequence number.
type ShardedQueue struct {
	shards   []chan interface{}
	capacity int

	putCursor uint64
	getCursor uint64

	puts        uint64
	gets        uint64
	putFailures uint64
	getFailures uint64
}

// QueueStats снимок состояния очереди
type QueueStats struct {
	ShardDepths []int
	Size        int
	Capacity    int
	Utilization float64
	Puts        uint64
	Gets        uint64
	PutFailures uint64
	GetFailures uint64
}

// NewShardedQueue создает очередь из shardCount шардов с суммарной
// емкостью totalCapacity. Неположительные аргументы заменяются
// значениями по умолчанию, емкость шарда не меньше 1.
func NewShardedQueue(shardCount, totalCapacity int) *ShardedQueue {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	if totalCapacity <= 0 {
		totalCapacity = DefaultQueueCapacity
	}

	perShard := totalCapacity / shardCount
	if perShard < 1 {
		perShard = 1
	}

	shards := make([]chan interface{}, shardCount)
	for i := range shards {
		shards[i] = make(chan interface{}, perShard)
	}

	return &ShardedQueue{
		shards:   shards,
		capacity: perShard * shardCount,
	}
}

// TryPut кладет элемент без блокировки, пробуя каждый шард по одному разу.
// Возвращает false если все шарды заполнены.
func (q *ShardedQueue) TryPut(item interface{}) bool {
	n := uint64(len(q.shards))
	start := atomic.AddUint64(&q.putCursor, 1)

	for i := uint64(0); i < n; i++ {
		select {
		case q.shards[(start+i)%n] <- item:
			atomic.AddUint64(&q.puts, 1)
			return true
		default:
		}
	}

	atomic.AddUint64(&q.putFailures, 1)
	return false
}

// TryGet забирает элемент без блокировки, пробуя каждый шард по одному разу.
// Возвращает (nil, false) если все шарды пусты.
func (q *ShardedQueue) TryGet() (interface{}, bool) {
	n := uint64(len(q.shards))
	start := atomic.AddUint64(&q.getCursor, 1)

	for i := uint64(0); i < n; i++ {
		select {
		case item := <-q.shards[(start+i)%n]:
			atomic.AddUint64(&q.gets, 1)
			return item, true
		default:
		}
	}

	atomic.AddUint64(&q.getFailures, 1)
	return nil, false
}

// PutTimeout повторяет TryPut с короткой паузой до истечения таймаута
func (q *ShardedQueue) PutTimeout(item interface{}, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if q.TryPut(item) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(queueRetryInterval)
	}
}

// GetTimeout повторяет TryGet с короткой паузой до истечения таймаута
func (q *ShardedQueue) GetTimeout(timeout time.Duration) (interface{}, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if item, ok := q.TryGet(); ok {
			return item, true
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		time.Sleep(queueRetryInterval)
	}
}

// Len возвращает суммарное число элементов во всех шардах
func (q *ShardedQueue) Len() int {
	total := 0
	for _, shard := range q.shards {
		total += len(shard)
	}
	return total
}

// Stats возвращает снимок состояния очереди
func (q *ShardedQueue) Stats() QueueStats {
	depths := make([]int, len(q.shards))
	size := 0
	for i, shard := range q.shards {
		depths[i] = len(shard)
		size += depths[i]
	}

	return QueueStats{
		ShardDepths: depths,
		Size:        size,
		Capacity:    q.capacity,
		Utilization: float64(size) / float64(q.capacity),
		Puts:        atomic.LoadUint64(&q.puts),
		Gets:        atomic.LoadUint64(&q.gets),
		PutFailures: atomic.LoadUint64(&q.putFailures),
		GetFailures: atomic.LoadUint64(&q.getFailures),
	}
}
