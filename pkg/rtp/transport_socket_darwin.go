//go:build darwin

package rtp

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// configureVoiceSocket применяет macOS-специфичные оптимизации сокета.
// SO_PRIORITY на macOS недоступен, используются альтернативные настройки.
func configureVoiceSocket(fd int, dscp int) error {
	// SO_NOSIGPIPE предотвращает SIGPIPE при записи в закрытый сокет
	if err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, unix.SO_NOSIGPIPE, 1); err != nil {
		// Не критично, продолжаем
	}

	// Буферы сокета под голосовую нагрузку
	syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_RCVBUF, VoiceOptimizedRecvBuffer)
	syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_SNDBUF, VoiceOptimizedSendBuffer)

	// DSCP маркировка через TOS поле
	tos := dscp << 2
	syscall.SetsockoptInt(fd, syscall.IPPROTO_IP, syscall.IP_TOS, tos)

	return nil
}
