//go:build linux

package rtp

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// configureVoiceSocket применяет Linux-специфичные оптимизации сокета
// для голосового трафика. Все настройки на лучшее усилие: отсутствие
// поддержки ядра или привилегий (контейнеры) не считается ошибкой.
func configureVoiceSocket(fd int, dscp int) error {
	// Высокий приоритет сокета для интерактивного аудио
	if err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, unix.SO_PRIORITY, 6); err != nil {
		// Не поддерживается в некоторых окружениях, продолжаем
	}

	// SO_BUSY_POLL снижает латентность чтения активным ожиданием (ядро 3.11+)
	syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, unix.SO_BUSY_POLL, 50)

	// Буферы сокета под голосовую нагрузку
	syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_RCVBUF, VoiceOptimizedRecvBuffer)
	syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_SNDBUF, VoiceOptimizedSendBuffer)

	// SO_TIMESTAMP для точных временных меток пакетов (полезно при анализе джиттера)
	syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, unix.SO_TIMESTAMP, 1)

	return setSockOptDSCP(fd, dscp)
}

// setSockOptDSCP устанавливает DSCP маркировку для QoS (Linux реализация)
func setSockOptDSCP(fd, dscp int) error {
	// DSCP находится в старших 6 битах TOS поля
	tos := dscp << 2

	if err := syscall.SetsockoptInt(fd, syscall.IPPROTO_IP, syscall.IP_TOS, tos); err != nil {
		// В некоторых контейнерах маркировка запрещена, не критично
		return nil
	}

	// Для IPv6 сокетов аналогичная маркировка через traffic class
	syscall.SetsockoptInt(fd, syscall.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)

	return nil
}
