package media_sdp

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/arzzra/ivr_media/pkg/media"
	rtpnet "github.com/arzzra/ivr_media/pkg/rtp"
)

// SDPErrorCode определяет коды ошибок SDP операций
type SDPErrorCode int

const (
	ErrorCodeInvalidConfig SDPErrorCode = iota + 2000
	ErrorCodeSDPGeneration
	ErrorCodeSDPParsing
	ErrorCodeNoAudioSection
	ErrorCodeNoConnection
	ErrorCodeCodecMismatch
)

// SDPError представляет ошибку построения или разбора медиа описания
type SDPError struct {
	Code      SDPErrorCode
	Message   string
	SessionID string
	Wrapped   error
}

// NewSDPError создает новую SDP ошибку
func NewSDPError(code SDPErrorCode, format string, args ...interface{}) *SDPError {
	return &SDPError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewSDPErrorWithSession создает новую SDP ошибку с привязкой к сессии
func NewSDPErrorWithSession(code SDPErrorCode, sessionID string, format string, args ...interface{}) *SDPError {
	return &SDPError{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		SessionID: sessionID,
	}
}

// WrapSDPError оборачивает существующую ошибку в SDPError
func WrapSDPError(code SDPErrorCode, sessionID string, err error, format string, args ...interface{}) *SDPError {
	return &SDPError{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		SessionID: sessionID,
		Wrapped:   err,
	}
}

// Error реализует интерфейс error
func (e *SDPError) Error() string {
	msg := fmt.Sprintf("[sdp:%d] %s", e.Code, e.Message)
	if e.SessionID != "" {
		msg = fmt.Sprintf("[sdp:%d] сессия %s: %s", e.Code, e.SessionID, e.Message)
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

// Unwrap возвращает обернутую ошибку для поддержки errors.Is/As
func (e *SDPError) Unwrap() error {
	return e.Wrapped
}

// IsSDPError проверяет, является ли ошибка SDPError с указанным кодом
func IsSDPError(err error, code SDPErrorCode) bool {
	var sdpErr *SDPError
	if !errors.As(err, &sdpErr) {
		return false
	}
	return sdpErr.Code == code
}

// MediaSDPConfig описывает локальную сторону медиа описания.
// Кодек фиксирован: PCMU/8000, единственная аудио секция.
type MediaSDPConfig struct {
	// SessionID идентификатор сессии, попадает в ошибки и в
	// конфигурацию стримера, собираемую SessionConfigFor
	SessionID string

	// SessionName имя сессии для строки s= описания
	SessionName string

	// LocalAddr локальный RTP адрес вида "host:port". Обычно это
	// LocalAddr уже запущенного стримера
	LocalAddr string

	// Ptime длительность кадра, попадает в атрибут a=ptime
	Ptime time.Duration

	// DTMFEnabled добавляет telephone-event в описание
	DTMFEnabled bool

	// DTMFPayloadType payload type DTMF потока
	DTMFPayloadType uint8
}

// DefaultMediaSDPConfig возвращает конфигурацию по умолчанию:
// кадр 20 мс, DTMF на payload type 101. LocalAddr и SessionID
// заполняет вызывающая сторона.
func DefaultMediaSDPConfig() MediaSDPConfig {
	return MediaSDPConfig{
		SessionName:     "IVR Media",
		Ptime:           20 * time.Millisecond,
		DTMFEnabled:     true,
		DTMFPayloadType: media.DefaultDTMFPayloadType,
	}
}

// Validate проверяет корректность конфигурации
func (c MediaSDPConfig) Validate() error {
	if c.SessionID == "" {
		return NewSDPError(ErrorCodeInvalidConfig, "SessionID не может быть пустым")
	}
	if c.LocalAddr == "" {
		return NewSDPErrorWithSession(ErrorCodeInvalidConfig, c.SessionID,
			"LocalAddr не может быть пустым")
	}
	if c.Ptime <= 0 {
		return NewSDPErrorWithSession(ErrorCodeInvalidConfig, c.SessionID,
			"Ptime должен быть больше 0")
	}
	if c.DTMFEnabled {
		if c.DTMFPayloadType > 127 {
			return NewSDPErrorWithSession(ErrorCodeInvalidConfig, c.SessionID,
				"DTMF payload type %d превышает максимум 127", c.DTMFPayloadType)
		}
		if c.DTMFPayloadType == rtpnet.PayloadTypePCMU {
			return NewSDPErrorWithSession(ErrorCodeInvalidConfig, c.SessionID,
				"DTMF payload type совпадает с payload type аудио")
		}
	}
	return nil
}

// SessionConfigFor собирает конфигурацию стримера из локальных настроек
// и параметров удаленной стороны. Длительность кадра берется из ptime
// удаленной стороны, если тот задан. DTMF включается только когда обе
// стороны его заявили, payload type при этом следует за удаленной
// стороной.
func (c MediaSDPConfig) SessionConfigFor(remote RemoteMedia) media.SessionConfig {
	sc := media.DefaultSessionConfig()
	sc.SessionID = c.SessionID
	sc.LocalAddr = c.LocalAddr
	sc.RemoteAddr = net.JoinHostPort(remote.Address, strconv.Itoa(remote.Port))

	frameMs := int(c.Ptime / time.Millisecond)
	if remote.PtimeMs > 0 {
		frameMs = remote.PtimeMs
	}
	sc.FrameDurationMs = frameMs

	sc.DTMFEnabled = c.DTMFEnabled && remote.DTMFPayloadType != 0
	if sc.DTMFEnabled {
		sc.DTMFPayloadType = remote.DTMFPayloadType
	}

	return sc
}
