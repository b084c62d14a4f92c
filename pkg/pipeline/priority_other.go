//go:build !linux

package pipeline

// elevateWorkerPriority на платформах без планировщика Linux ничего
// не делает, рабочие realtime работают с приоритетом по умолчанию.
func elevateWorkerPriority() error {
	return nil
}
