package pipeline

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolWorkerDistribution(t *testing.T) {
	tests := []struct {
		name           string
		totalWorkers   int
		expectedNormal int
	}{
		{"восемь рабочих", 8, 2},
		{"двенадцать рабочих", 12, 6},
		{"меньше фиксированных уровней", 4, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultPoolConfig()
			cfg.TotalWorkers = tt.totalWorkers
			pool := NewTieredPool(cfg)

			stats := pool.Stats()
			assert.Equal(t, realtimeTierWorkers, stats["realtime"].Workers)
			assert.Equal(t, highTierWorkers, stats["high"].Workers)
			assert.Equal(t, tt.expectedNormal, stats["normal"].Workers)
		})
	}
}

func TestPoolExecutesTasksOnAllTiers(t *testing.T) {
	pool := NewTieredPool(DefaultPoolConfig())
	require.NoError(t, pool.Start())
	defer pool.Stop()

	var done sync.WaitGroup
	var executed int64
	for _, tier := range []Tier{TierRealtime, TierHigh, TierNormal} {
		done.Add(1)
		err := pool.Submit(tier, fmt.Sprintf("task-%s", tier), func() error {
			atomic.AddInt64(&executed, 1)
			done.Done()
			return nil
		})
		require.NoError(t, err)
	}

	waitDone := make(chan struct{})
	go func() {
		done.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("задачи не исполнились за две секунды")
	}

	assert.Equal(t, int64(3), atomic.LoadInt64(&executed))
}

func TestPoolRejectsWhenQueueFull(t *testing.T) {
	// пул не запущен, очередь уровня заполняется до отказа
	cfg := DefaultPoolConfig()
	cfg.QueueSize = 2
	pool := NewTieredPool(cfg)

	noop := func() error { return nil }
	require.NoError(t, pool.Submit(TierNormal, "a", noop))
	require.NoError(t, pool.Submit(TierNormal, "b", noop))

	err := pool.Submit(TierNormal, "c", noop)
	require.Error(t, err, "отправка в полную очередь должна отклоняться")

	stats := pool.Stats()
	assert.Equal(t, uint64(2), stats["normal"].Submitted)
	assert.Equal(t, uint64(1), stats["normal"].Rejected)
	pool.Stop()
}

func TestPoolInvalidTier(t *testing.T) {
	pool := NewTieredPool(DefaultPoolConfig())
	assert.Error(t, pool.Submit(Tier(42), "task", func() error { return nil }))
}

func TestPoolTaskPanicRecovered(t *testing.T) {
	pool := NewTieredPool(DefaultPoolConfig())
	require.NoError(t, pool.Start())
	defer pool.Stop()

	require.NoError(t, pool.Submit(TierNormal, "panicking", func() error {
		panic("задача сломана")
	}))

	// пул переживает панику и продолжает исполнять задачи
	survived := make(chan struct{})
	require.NoError(t, pool.Submit(TierNormal, "survivor", func() error {
		close(survived)
		return nil
	}))

	select {
	case <-survived:
	case <-time.After(2 * time.Second):
		t.Fatal("пул перестал исполнять задачи после паники")
	}

	require.Eventually(t, func() bool {
		var errorsTotal uint64
		for _, m := range pool.Metrics() {
			if m.Tier == TierNormal {
				errorsTotal += m.ErrorsTotal
			}
		}
		return errorsTotal == 1
	}, 2*time.Second, 10*time.Millisecond, "паника должна быть учтена как ошибка")
}

func TestPoolWorkerMetrics(t *testing.T) {
	pool := NewTieredPool(DefaultPoolConfig())
	require.NoError(t, pool.Start())
	defer pool.Stop()

	done := make(chan struct{})
	require.NoError(t, pool.Submit(TierHigh, "timed", func() error {
		time.Sleep(5 * time.Millisecond)
		close(done)
		return nil
	}))
	<-done

	require.Eventually(t, func() bool {
		for _, m := range pool.Metrics() {
			if m.Tier == TierHigh && m.TasksTotal == 1 {
				return m.MinDuration >= 5*time.Millisecond &&
					m.MaxDuration >= m.MinDuration &&
					m.AvgDuration >= m.MinDuration &&
					!m.LastActivity.IsZero()
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "метрики рабочего должны отражать задачу")
}

func TestPoolSubmitAfterStop(t *testing.T) {
	pool := NewTieredPool(DefaultPoolConfig())
	require.NoError(t, pool.Start())
	pool.Stop()

	assert.Error(t, pool.Submit(TierNormal, "late", func() error { return nil }))
}

func TestPoolStopIdempotent(t *testing.T) {
	pool := NewTieredPool(DefaultPoolConfig())
	require.NoError(t, pool.Start())
	pool.Stop()
	pool.Stop()
}

func TestPoolDoubleStart(t *testing.T) {
	pool := NewTieredPool(DefaultPoolConfig())
	require.NoError(t, pool.Start())
	assert.Error(t, pool.Start())
	pool.Stop()
}

func TestPoolConfigValidate(t *testing.T) {
	valid := DefaultPoolConfig()
	assert.NoError(t, valid.Validate())

	invalid := DefaultPoolConfig()
	invalid.TotalWorkers = 0
	assert.Error(t, invalid.Validate())

	invalid = DefaultPoolConfig()
	invalid.QueueSize = -1
	assert.Error(t, invalid.Validate())
}
