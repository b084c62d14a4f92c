package media

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// DTMFDigit представляет DTMF цифру согласно RFC 4733
type DTMFDigit uint8

const (
	DTMF0     DTMFDigit = 0
	DTMF1     DTMFDigit = 1
	DTMF2     DTMFDigit = 2
	DTMF3     DTMFDigit = 3
	DTMF4     DTMFDigit = 4
	DTMF5     DTMFDigit = 5
	DTMF6     DTMFDigit = 6
	DTMF7     DTMFDigit = 7
	DTMF8     DTMFDigit = 8
	DTMF9     DTMFDigit = 9
	DTMFStar  DTMFDigit = 10 // *
	DTMFPound DTMFDigit = 11 // #
	DTMFA     DTMFDigit = 12
	DTMFB     DTMFDigit = 13
	DTMFC     DTMFDigit = 14
	DTMFD     DTMFDigit = 15
)

// dtmfChars символы цифр в порядке кодов RFC 4733
const dtmfChars = "0123456789*#ABCD"

// String возвращает символ цифры
func (d DTMFDigit) String() string {
	if int(d) < len(dtmfChars) {
		return string(dtmfChars[d])
	}
	return "?"
}

// IsValidDTMFDigit проверяет корректность кода DTMF цифры
func IsValidDTMFDigit(digit uint8) bool {
	return digit <= uint8(DTMFD)
}

// ParseDTMFString преобразует строку в последовательность DTMF цифр.
// Буквы A-D принимаются в любом регистре.
func ParseDTMFString(s string) ([]DTMFDigit, error) {
	digits := make([]DTMFDigit, 0, len(s))
	for _, r := range s {
		idx := strings.IndexRune(dtmfChars, dtmfUpper(r))
		if idx < 0 {
			return nil, fmt.Errorf("недопустимый DTMF символ: %c", r)
		}
		digits = append(digits, DTMFDigit(idx))
	}
	return digits, nil
}

// dtmfUpper переводит латинские a-d в верхний регистр
func dtmfUpper(r rune) rune {
	if r >= 'a' && r <= 'd' {
		return r - 'a' + 'A'
	}
	return r
}

// Границы длительности DTMF события
const (
	// DefaultDTMFDuration длительность нажатия по умолчанию
	DefaultDTMFDuration = 100 * time.Millisecond
	// MinDTMFDuration минимальная различимая длительность по RFC 4733
	MinDTMFDuration = 40 * time.Millisecond
	// MaxDTMFDuration верхняя граница разумной длительности
	MaxDTMFDuration = 5 * time.Second

	// DefaultDTMFVolume уровень события в -dBm
	DefaultDTMFVolume int8 = -10

	// dtmfPacketRedundancy каждое граничное состояние шлется трижды,
	// потеря одиночной UDP датаграммы не теряет цифру
	dtmfPacketRedundancy = 3
)

// DTMFEvent представляет DTMF событие
type DTMFEvent struct {
	Digit     DTMFDigit     // DTMF цифра
	Duration  time.Duration // Длительность нажатия
	Volume    int8          // Уровень громкости (от 0 до -63 dBm)
	Timestamp uint32        // RTP timestamp начала события
}

// DTMFPayload полезная нагрузка named-event пакета RFC 4733:
//
//	0                   1                   2                   3
//	0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|     event     |E|R| volume    |          duration             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type DTMFPayload struct {
	Event    uint8  // Код цифры (0-15)
	EndFlag  bool   // Признак окончания события
	Reserved bool   // Зарезервированный бит, всегда 0
	Volume   uint8  // Громкость (0-63, представляет -dBm)
	Duration uint16 // Длительность в timestamp единицах
}

// dtmfPayloadSize размер сериализованного payload
const dtmfPayloadSize = 4

// Marshal сериализует payload в 4 байта
func (p DTMFPayload) Marshal() []byte {
	data := make([]byte, dtmfPayloadSize)
	data[0] = p.Event & 0x0F
	if p.EndFlag {
		data[1] |= 0x80
	}
	if p.Reserved {
		data[1] |= 0x40
	}
	data[1] |= p.Volume & 0x3F
	data[2] = byte(p.Duration >> 8)
	data[3] = byte(p.Duration)
	return data
}

// UnmarshalDTMFPayload разбирает payload named-event пакета
func UnmarshalDTMFPayload(data []byte) (DTMFPayload, error) {
	if len(data) < dtmfPayloadSize {
		return DTMFPayload{}, fmt.Errorf("недостаточно данных для DTMF payload: %d байт", len(data))
	}
	return DTMFPayload{
		Event:    data[0] & 0x0F,
		EndFlag:  data[1]&0x80 != 0,
		Reserved: data[1]&0x40 != 0,
		Volume:   data[1] & 0x3F,
		Duration: uint16(data[2])<<8 | uint16(data[3]),
	}, nil
}

// DTMFSender собирает RTP пакеты DTMF событий.
//
// Событие кодируется шестью пакетами: три start и три end, граничные
// состояния дублируются для устойчивости к потере датаграмм. Пакеты
// живут в общем sequence пространстве с аудио потоком, поэтому номера
// выделяет владелец потока через allocSeq.
type DTMFSender struct {
	payloadType uint8
	sessionID   string
}

// NewDTMFSender создает DTMF sender для указанного payload type
func NewDTMFSender(payloadType uint8, sessionID string) *DTMFSender {
	return &DTMFSender{
		payloadType: payloadType,
		sessionID:   sessionID,
	}
}

// BuildEventPackets собирает пакеты одного DTMF события.
// Marker ставится только на первом пакете, timestamp у всех пакетов
// события одинаковый, end пакеты несут полную длительность.
func (ds *DTMFSender) BuildEventPackets(event DTMFEvent, ssrc uint32, timestamp uint32, allocSeq func() uint16) ([]*rtp.Packet, error) {
	if !IsValidDTMFDigit(uint8(event.Digit)) {
		return nil, NewDTMFError(ErrorCodeDTMFInvalidDigit, ds.sessionID,
			fmt.Sprintf("недопустимый код цифры %d", event.Digit), event.Digit, event.Duration)
	}
	if event.Duration < MinDTMFDuration || event.Duration > MaxDTMFDuration {
		return nil, NewDTMFError(ErrorCodeDTMFDurationInvalid, ds.sessionID,
			fmt.Sprintf("длительность %v вне диапазона [%v, %v]", event.Duration, MinDTMFDuration, MaxDTMFDuration),
			event.Digit, event.Duration)
	}

	volume := uint8(0)
	if event.Volume < 0 {
		volume = uint8(-event.Volume)
		if volume > 63 {
			volume = 63
		}
	}

	payload := DTMFPayload{
		Event:    uint8(event.Digit),
		Volume:   volume,
		Duration: uint16(event.Duration.Seconds() * float64(DefaultSampleRate)),
	}

	packets := make([]*rtp.Packet, 0, 2*dtmfPacketRedundancy)
	for i := 0; i < dtmfPacketRedundancy; i++ {
		packets = append(packets, ds.buildPacket(payload, ssrc, timestamp, allocSeq(), i == 0))
	}

	payload.EndFlag = true
	for i := 0; i < dtmfPacketRedundancy; i++ {
		packets = append(packets, ds.buildPacket(payload, ssrc, timestamp, allocSeq(), false))
	}

	return packets, nil
}

// buildPacket собирает один named-event RTP пакет
func (ds *DTMFSender) buildPacket(payload DTMFPayload, ssrc, timestamp uint32, seq uint16, marker bool) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    ds.payloadType,
			SequenceNumber: seq,
			Timestamp:      timestamp,
			SSRC:           ssrc,
		},
		Payload: payload.Marshal(),
	}
}

// DTMFReceiver принимает DTMF события из входящего RTP потока.
//
// Повторы start пакетов одного события схлопываются: callback вызывается
// один раз на цифру при первом start пакете, end пакеты закрывают событие.
type DTMFReceiver struct {
	mu          sync.Mutex
	payloadType uint8
	sessionID   string
	onDigit     func(DTMFEvent)

	activeDigit DTMFDigit
	eventActive bool

	received   uint64
	malformed  uint64
	duplicates uint64
}

// DTMFReceiverStats счетчики приемника DTMF
type DTMFReceiverStats struct {
	Received   uint64
	Malformed  uint64
	Duplicates uint64
}

// NewDTMFReceiver создает DTMF receiver для указанного payload type
func NewDTMFReceiver(payloadType uint8, sessionID string) *DTMFReceiver {
	return &DTMFReceiver{
		payloadType: payloadType,
		sessionID:   sessionID,
	}
}

// SetCallback устанавливает обработчик принятых цифр.
// Обработчик вызывается немедленно на первом start пакете события.
func (dr *DTMFReceiver) SetCallback(callback func(DTMFEvent)) {
	dr.mu.Lock()
	dr.onDigit = callback
	dr.mu.Unlock()
}

// ProcessPacket обрабатывает входящий RTP пакет.
// Возвращает true если пакет принадлежит DTMF потоку и не должен
// попадать в аудио путь, вне зависимости от корректности payload.
func (dr *DTMFReceiver) ProcessPacket(packet *rtp.Packet) (bool, error) {
	if packet.PayloadType != dr.payloadType {
		return false, nil
	}

	dr.mu.Lock()
	defer dr.mu.Unlock()

	payload, err := UnmarshalDTMFPayload(packet.Payload)
	if err != nil {
		dr.malformed++
		return true, WrapMediaError(ErrorCodeDTMFInvalidDigit, dr.sessionID,
			"некорректный DTMF payload", err)
	}

	event := DTMFEvent{
		Digit:     DTMFDigit(payload.Event),
		Duration:  time.Duration(payload.Duration) * time.Second / DefaultSampleRate,
		Volume:    -int8(payload.Volume),
		Timestamp: packet.Timestamp,
	}

	if payload.EndFlag {
		dr.eventActive = false
		return true, nil
	}

	if dr.eventActive && dr.activeDigit == event.Digit {
		dr.duplicates++
		return true, nil
	}

	dr.eventActive = true
	dr.activeDigit = event.Digit
	dr.received++

	if dr.onDigit != nil {
		dr.onDigit(event)
	}
	return true, nil
}

// GetStats возвращает снимок счетчиков приемника
func (dr *DTMFReceiver) GetStats() DTMFReceiverStats {
	dr.mu.Lock()
	defer dr.mu.Unlock()

	return DTMFReceiverStats{
		Received:   dr.received,
		Malformed:  dr.malformed,
		Duplicates: dr.duplicates,
	}
}
