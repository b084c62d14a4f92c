//go:build windows

package rtp

import (
	"golang.org/x/sys/windows"
)

// configureVoiceSocket применяет Windows-специфичные оптимизации сокета.
// Windows не поддерживает SO_PRIORITY и прямую установку TOS: DSCP
// маркировка требует QoS API (qWAVE) и здесь не выполняется.
func configureVoiceSocket(fd int, dscp int) error {
	handle := windows.Handle(fd)

	// Буферы сокета под голосовую нагрузку
	if err := windows.SetsockoptInt(handle, windows.SOL_SOCKET, windows.SO_RCVBUF, VoiceOptimizedRecvBuffer); err != nil {
		// Не критично, продолжаем
	}
	if err := windows.SetsockoptInt(handle, windows.SOL_SOCKET, windows.SO_SNDBUF, VoiceOptimizedSendBuffer); err != nil {
		// Не критично, продолжаем
	}

	return nil
}
