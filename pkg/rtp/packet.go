// Package rtp реализует кодек RTP пакетов и UDP транспорт медиа плоскости.
//
// Кодек построен поверх github.com/pion/rtp: разбор принимает заголовок
// с CSRC списком, расширением и padding согласно RFC 3550, сериализация
// всегда формирует минимальный 12-байтовый заголовок с полезной нагрузкой.
// Транспорт владеет UDP сокетом и оптимизирован для телефонии
// (неблокирующее чтение с дедлайном, платформенные настройки сокета).
package rtp

import (
	"fmt"

	"github.com/pion/rtp"
)

// Константы валидации пакетов согласно RFC 3550
const (
	// MinRTPPacketSize минимальный размер RTP заголовка
	MinRTPPacketSize = 12
	// MaxRTPPacketSize максимальный размер пакета (ограничение MTU)
	MaxRTPPacketSize = 1500

	// ExpectedRTPVersion версия RTP согласно RFC 3550
	ExpectedRTPVersion = 2

	// PayloadTypePCMU статический payload type G.711 μ-law (RFC 3551)
	PayloadTypePCMU = 0
)

// ParsePacket разбирает сырую датаграмму в RTP пакет.
// Возвращает nil для любых некорректных данных: короче 12 байт,
// повреждённый заголовок, неподдерживаемая версия. Никогда не паникует
// и не возвращает ошибку — битые датаграммы отбрасываются вызывающим.
// CSRC список, заголовок расширения и padding поглощаются разбором:
// Payload содержит только полезную нагрузку.
func ParsePacket(data []byte) *rtp.Packet {
	if len(data) < MinRTPPacketSize {
		return nil
	}

	packet := &rtp.Packet{}
	if err := packet.Unmarshal(data); err != nil {
		return nil
	}

	if err := validateRTPHeader(&packet.Header); err != nil {
		return nil
	}

	return packet
}

// SerializePacket сериализует RTP пакет в сетевой формат.
// Всегда формирует чистый 12-байтовый заголовок: CSRC список и
// расширение, поглощённые при разборе, не воспроизводятся. Это
// намеренная асимметрия: исходящий поток формируется локально как
// простой PCMU, модуль не является ретранслятором.
func SerializePacket(packet *rtp.Packet) []byte {
	out := rtp.Packet{
		Header: rtp.Header{
			Version:        ExpectedRTPVersion,
			Marker:         packet.Header.Marker,
			PayloadType:    packet.Header.PayloadType,
			SequenceNumber: packet.Header.SequenceNumber,
			Timestamp:      packet.Header.Timestamp,
			SSRC:           packet.Header.SSRC,
		},
		Payload: packet.Payload,
	}

	data, err := out.Marshal()
	if err != nil {
		// Чистый заголовок без расширений не может не сериализоваться
		return nil
	}
	return data
}

// validatePacketSize проверяет размер пакета для защиты от мусорного трафика
func validatePacketSize(size int) error {
	if size < MinRTPPacketSize {
		return fmt.Errorf("пакет слишком мал: %d байт (минимум %d)", size, MinRTPPacketSize)
	}
	if size > MaxRTPPacketSize {
		return fmt.Errorf("пакет слишком велик: %d байт (максимум %d)", size, MaxRTPPacketSize)
	}
	return nil
}

// validateRTPHeader проверяет корректность RTP заголовка согласно RFC 3550
func validateRTPHeader(header *rtp.Header) error {
	if header.Version != ExpectedRTPVersion {
		return fmt.Errorf("неподдерживаемая версия RTP: %d (ожидается %d)", header.Version, ExpectedRTPVersion)
	}

	if header.PayloadType > 127 {
		return fmt.Errorf("невалидный payload type: %d (максимум 127)", header.PayloadType)
	}

	return nil
}
