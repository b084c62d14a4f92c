package rtp

import (
	"context"
	"net"

	"github.com/pion/rtp"
)

// Transport определяет интерфейс транспортировки RTP пакетов.
// Используется стримером для отправки пакетов и приёма сырых датаграмм.
type Transport interface {
	// Send сериализует и отправляет RTP пакет удалённой стороне
	Send(packet *rtp.Packet) error

	// Receive получает сырую датаграмму с указанием источника.
	// Разбор в RTP пакет выполняет вызывающий через ParsePacket:
	// битые датаграммы отбрасываются на его стороне без ошибок.
	Receive(ctx context.Context) ([]byte, net.Addr, error)

	// LocalAddr возвращает локальный адрес транспорта
	LocalAddr() net.Addr

	// RemoteAddr возвращает удалённый адрес транспорта (если известен)
	RemoteAddr() net.Addr

	// SetRemoteAddr устанавливает удалённый адрес для отправки
	SetRemoteAddr(addr string) error

	// Close закрывает транспорт
	Close() error

	// IsActive проверяет активность транспорта
	IsActive() bool
}

// TransportConfig базовая конфигурация для транспорта
type TransportConfig struct {
	LocalAddr  string // Локальный адрес для привязки (порт 0 = эфемерный)
	RemoteAddr string // Удалённый адрес для отправки (опционально)
	BufferSize int    // Размер буфера для чтения
	DSCP       int    // DSCP маркировка для QoS
}

// DefaultTransportConfig возвращает конфигурацию по умолчанию
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		BufferSize: MaxRTPPacketSize,
		DSCP:       DSCPExpeditedForwarding,
	}
}

// Константы QoS и буферов сокета для голосового трафика
const (
	// VoiceOptimizedRecvBuffer размер буфера приёма для голоса
	VoiceOptimizedRecvBuffer = 65535
	// VoiceOptimizedSendBuffer размер буфера отправки для голоса
	VoiceOptimizedSendBuffer = 65535

	// DSCPExpeditedForwarding EF (101110) для интерактивного аудио
	DSCPExpeditedForwarding = 46
	// DSCPBestEffort обычный трафик без гарантий качества
	DSCPBestEffort = 0
)
