package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePutGet(t *testing.T) {
	q := NewShardedQueue(4, 100)

	require.True(t, q.TryPut("packet"))
	assert.Equal(t, 1, q.Len())

	item, ok := q.TryGet()
	require.True(t, ok)
	assert.Equal(t, "packet", item)
	assert.Equal(t, 0, q.Len())
}

func TestQueueGetFromEmpty(t *testing.T) {
	q := NewShardedQueue(4, 100)

	item, ok := q.TryGet()
	assert.False(t, ok)
	assert.Nil(t, item)
	assert.Equal(t, uint64(1), q.Stats().GetFailures)
}

func TestQueueSingleShardPreservesOrder(t *testing.T) {
	// один шард вырождает очередь в обычный FIFO
	q := NewShardedQueue(1, 10)

	for i := 0; i < 5; i++ {
		require.True(t, q.TryPut(i))
	}
	for i := 0; i < 5; i++ {
		item, ok := q.TryGet()
		require.True(t, ok)
		assert.Equal(t, i, item)
	}
}

func TestQueueRejectsWhenFull(t *testing.T) {
	// 4 шарда по 2 элемента
	q := NewShardedQueue(4, 8)

	for i := 0; i < 8; i++ {
		require.True(t, q.TryPut(i), "элемент %d должен поместиться", i)
	}
	assert.False(t, q.TryPut(99), "девятый элемент должен быть отклонен")

	stats := q.Stats()
	assert.Equal(t, 8, stats.Size)
	assert.Equal(t, 8, stats.Capacity)
	assert.Equal(t, uint64(1), stats.PutFailures)
	assert.InDelta(t, 1.0, stats.Utilization, 0.001)
}

func TestQueueRecoversAfterBackpressure(t *testing.T) {
	q := NewShardedQueue(2, 4)

	for i := 0; i < 4; i++ {
		require.True(t, q.TryPut(i))
	}
	require.False(t, q.TryPut(100))

	// освобождаем место и убеждаемся что очередь снова принимает
	_, ok := q.TryGet()
	require.True(t, ok)
	assert.True(t, q.TryPut(100))
}

func TestQueueDefaults(t *testing.T) {
	q := NewShardedQueue(0, 0)
	stats := q.Stats()
	assert.Len(t, stats.ShardDepths, DefaultShardCount)
	assert.Equal(t, DefaultQueueCapacity, stats.Capacity)
}

func TestQueuePutTimeoutExpires(t *testing.T) {
	q := NewShardedQueue(1, 1)
	require.True(t, q.TryPut("first"))

	start := time.Now()
	ok := q.PutTimeout("second", 20*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestQueueGetTimeoutWaitsForProducer(t *testing.T) {
	q := NewShardedQueue(2, 10)

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.TryPut("delayed")
	}()

	item, ok := q.GetTimeout(time.Second)
	require.True(t, ok)
	assert.Equal(t, "delayed", item)
}

func TestQueueConcurrentProducersConsumers(t *testing.T) {
	q := NewShardedQueue(4, 1000)

	const producers = 4
	const perProducer = 250

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				for !q.TryPut(i) {
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}

	received := make(chan interface{}, producers*perProducer)
	var cwg sync.WaitGroup
	stop := make(chan struct{})
	for c := 0; c < 2; c++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				if item, ok := q.TryGet(); ok {
					received <- item
					continue
				}
				select {
				case <-stop:
					return
				default:
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}

	wg.Wait()
	require.Eventually(t, func() bool {
		return len(received) == producers*perProducer
	}, 5*time.Second, 10*time.Millisecond, "все элементы должны быть доставлены")
	close(stop)
	cwg.Wait()

	assert.Equal(t, 0, q.Len())
}

func BenchmarkQueuePutGet(b *testing.B) {
	q := NewShardedQueue(4, 1000)
	item := make([]byte, 160)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		q.TryPut(item)
		q.TryGet()
	}
}

func BenchmarkQueueParallel(b *testing.B) {
	q := NewShardedQueue(8, 10000)
	item := make([]byte, 160)

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if !q.TryPut(item) {
				q.TryGet()
			}
		}
	})
}
