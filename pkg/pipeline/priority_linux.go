//go:build linux

package pipeline

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	// realtimeSchedPriority приоритет SCHED_FIFO для рабочих realtime
	realtimeSchedPriority = 10
	// realtimeNice запасное значение nice, если SCHED_FIFO недоступен
	realtimeNice = -10
)

// elevateWorkerPriority поднимает приоритет текущего OS потока.
//
// Сначала пробует перевести поток в класс SCHED_FIFO, при отказе
// (обычно нет CAP_SYS_NICE) откатывается на снижение nice. Вызывать
// только после runtime.LockOSThread, иначе планировщик Go может
// перенести горутину на другой поток.
func elevateWorkerPriority() error {
	attr := &unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_FIFO,
		Priority: realtimeSchedPriority,
	}
	if err := unix.SchedSetAttr(0, attr, 0); err == nil {
		return nil
	}

	tid := unix.Gettid()
	if err := unix.Setpriority(unix.PRIO_PROCESS, tid, realtimeNice); err != nil {
		return fmt.Errorf("ни SCHED_FIFO, ни nice %d недоступны: %w", realtimeNice, err)
	}
	return nil
}
