package media

import (
	"fmt"
	"time"
)

// MediaErrorCode определяет типизированные коды ошибок медиа плоскости.
// Позволяет классифицировать ошибки по подсистемам и обрабатывать их
// соответствующим образом.
type MediaErrorCode int

const (
	// Ошибки стримера
	ErrorCodeStreamerNotStarted MediaErrorCode = iota + 2000
	ErrorCodeStreamerAlreadyStarted
	ErrorCodeStreamerStopped
	ErrorCodeStreamerInvalidConfig
	ErrorCodeStreamerBindFailed

	// Ошибки аудио
	ErrorCodeAudioSizeInvalid
	ErrorCodeAudioEncodeFailed
	ErrorCodeAudioDecodeFailed

	// Ошибки Jitter Buffer
	ErrorCodeJitterDuplicatePacket
	ErrorCodeJitterLatePacket
	ErrorCodeJitterBufferOverflow
	ErrorCodeJitterConfigInvalid

	// Ошибки Replay Buffer
	ErrorCodeReplayRangeInvalid

	// Ошибки конвейера
	ErrorCodePipelineQueueFull
	ErrorCodePipelineNotReady

	// Ошибки DTMF
	ErrorCodeDTMFNotEnabled
	ErrorCodeDTMFInvalidDigit
	ErrorCodeDTMFDurationInvalid
	ErrorCodeDTMFSendFailed

	// Ошибки отправки
	ErrorCodeSendFailed
	ErrorCodeRemoteAddressUnknown
)

// String возвращает строковое представление кода ошибки
func (code MediaErrorCode) String() string {
	switch code {
	case ErrorCodeStreamerNotStarted:
		return "StreamerNotStarted"
	case ErrorCodeStreamerAlreadyStarted:
		return "StreamerAlreadyStarted"
	case ErrorCodeStreamerStopped:
		return "StreamerStopped"
	case ErrorCodeStreamerInvalidConfig:
		return "StreamerInvalidConfig"
	case ErrorCodeStreamerBindFailed:
		return "StreamerBindFailed"
	case ErrorCodeAudioSizeInvalid:
		return "AudioSizeInvalid"
	case ErrorCodeAudioEncodeFailed:
		return "AudioEncodeFailed"
	case ErrorCodeAudioDecodeFailed:
		return "AudioDecodeFailed"
	case ErrorCodeJitterDuplicatePacket:
		return "JitterDuplicatePacket"
	case ErrorCodeJitterLatePacket:
		return "JitterLatePacket"
	case ErrorCodeJitterBufferOverflow:
		return "JitterBufferOverflow"
	case ErrorCodeJitterConfigInvalid:
		return "JitterConfigInvalid"
	case ErrorCodeReplayRangeInvalid:
		return "ReplayRangeInvalid"
	case ErrorCodePipelineQueueFull:
		return "PipelineQueueFull"
	case ErrorCodePipelineNotReady:
		return "PipelineNotReady"
	case ErrorCodeDTMFNotEnabled:
		return "DTMFNotEnabled"
	case ErrorCodeDTMFInvalidDigit:
		return "DTMFInvalidDigit"
	case ErrorCodeDTMFDurationInvalid:
		return "DTMFDurationInvalid"
	case ErrorCodeDTMFSendFailed:
		return "DTMFSendFailed"
	case ErrorCodeSendFailed:
		return "SendFailed"
	case ErrorCodeRemoteAddressUnknown:
		return "RemoteAddressUnknown"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// MediaError базовая структура ошибок медиа плоскости.
// Предоставляет расширенную информацию об ошибке включая:
//   - Типизированный код ошибки
//   - Контекстную информацию (параметры, состояние стримера)
//   - Возможность обертывания других ошибок
//   - Идентификатор сессии для сопоставления с логами
type MediaError struct {
	Code      MediaErrorCode
	Message   string
	SessionID string
	Context   map[string]interface{}
	Wrapped   error
}

// Error реализует интерфейс error, возвращая форматированное сообщение об ошибке.
func (e *MediaError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("[медиа:%d] сессия %s: %s", e.Code, e.SessionID, e.Message)
	}
	return fmt.Sprintf("[медиа:%d] %s", e.Code, e.Message)
}

// Unwrap возвращает обернутую ошибку, поддерживая errors.Unwrap.
func (e *MediaError) Unwrap() error {
	return e.Wrapped
}

// Is поддерживает errors.Is, позволяя сравнивать ошибки по коду.
func (e *MediaError) Is(target error) bool {
	if t, ok := target.(*MediaError); ok {
		return e.Code == t.Code
	}
	return false
}

// GetContext возвращает значение из контекста ошибки по ключу.
func (e *MediaError) GetContext(key string) interface{} {
	if e.Context == nil {
		return nil
	}
	return e.Context[key]
}

// NewStreamerError создает ошибку стримера
func NewStreamerError(code MediaErrorCode, sessionID, message string) *MediaError {
	return &MediaError{
		Code:      code,
		Message:   message,
		SessionID: sessionID,
	}
}

// NewAudioError создает ошибку обработки аудио с размерным контекстом
func NewAudioError(code MediaErrorCode, sessionID, message string, expectedSize, actualSize int) *MediaError {
	return &MediaError{
		Code:      code,
		Message:   message,
		SessionID: sessionID,
		Context: map[string]interface{}{
			"expected_size": expectedSize,
			"actual_size":   actualSize,
		},
	}
}

// JitterBufferError специализированная ошибка Jitter Buffer
type JitterBufferError struct {
	*MediaError
	Sequence     uint16
	BufferedSize int
	MaxSize      int
}

// NewJitterBufferError создает ошибку Jitter Buffer с состоянием буфера
func NewJitterBufferError(code MediaErrorCode, sessionID, message string, sequence uint16, bufferedSize, maxSize int) *JitterBufferError {
	return &JitterBufferError{
		MediaError: &MediaError{
			Code:      code,
			Message:   message,
			SessionID: sessionID,
			Context: map[string]interface{}{
				"sequence":      sequence,
				"buffered_size": bufferedSize,
				"max_size":      maxSize,
			},
		},
		Sequence:     sequence,
		BufferedSize: bufferedSize,
		MaxSize:      maxSize,
	}
}

// DTMFError специализированная ошибка DTMF
type DTMFError struct {
	*MediaError
	Digit    DTMFDigit
	Duration time.Duration
}

// NewDTMFError создает ошибку DTMF подсистемы
func NewDTMFError(code MediaErrorCode, sessionID, message string, digit DTMFDigit, duration time.Duration) *DTMFError {
	return &DTMFError{
		MediaError: &MediaError{
			Code:      code,
			Message:   message,
			SessionID: sessionID,
			Context: map[string]interface{}{
				"digit":    digit,
				"duration": duration,
			},
		},
		Digit:    digit,
		Duration: duration,
	}
}

// WrapMediaError оборачивает существующую ошибку в MediaError
func WrapMediaError(code MediaErrorCode, sessionID, message string, err error) *MediaError {
	return &MediaError{
		Code:      code,
		Message:   message,
		SessionID: sessionID,
		Wrapped:   err,
	}
}

// HasErrorCode проверяет, содержит ли цепочка ошибок указанный код
func HasErrorCode(err error, code MediaErrorCode) bool {
	var mediaErr *MediaError
	if AsMediaError(err, &mediaErr) {
		return mediaErr.Code == code
	}
	return false
}

// AsMediaError пытается привести ошибку к MediaError
func AsMediaError(err error, target **MediaError) bool {
	if err == nil {
		return false
	}

	// Проверяем прямое соответствие
	if mediaErr, ok := err.(*MediaError); ok {
		*target = mediaErr
		return true
	}

	// Проверяем специализированные типы
	if jbErr, ok := err.(*JitterBufferError); ok {
		*target = jbErr.MediaError
		return true
	}
	if dtmfErr, ok := err.(*DTMFError); ok {
		*target = dtmfErr.MediaError
		return true
	}

	return false
}

// GetErrorSuggestion возвращает рекомендации по устранению ошибки
func GetErrorSuggestion(err error) string {
	var mediaErr *MediaError
	if !AsMediaError(err, &mediaErr) {
		return "Проверьте параметры вызова и логи"
	}

	switch mediaErr.Code {
	case ErrorCodeStreamerNotStarted:
		return "Вызовите streamer.Start() перед отправкой данных"
	case ErrorCodeStreamerBindFailed:
		return "Проверьте что локальный адрес свободен и доступен процессу"
	case ErrorCodeAudioSizeInvalid:
		return "Убедитесь, что размер PCM кадра соответствует ptime и sample rate"
	case ErrorCodeJitterBufferOverflow:
		return "Увеличьте глубину Jitter Buffer или проверьте скорость выборки кадров"
	case ErrorCodePipelineQueueFull:
		return "Проверьте что рабочие конвейера запущены и успевают за потоком"
	case ErrorCodeDTMFNotEnabled:
		return "Включите DTMF поддержку в конфигурации сессии"
	case ErrorCodeRemoteAddressUnknown:
		return "Задайте RemoteAddr в конфигурации или дождитесь первого входящего пакета"
	default:
		return "Проверьте документацию API для данного типа ошибки"
	}
}

// IsRecoverableError определяет, можно ли автоматически восстановиться от ошибки
func IsRecoverableError(err error) bool {
	var mediaErr *MediaError
	if !AsMediaError(err, &mediaErr) {
		return false
	}

	recoverableCodes := []MediaErrorCode{
		ErrorCodeJitterBufferOverflow,
		ErrorCodeJitterDuplicatePacket,
		ErrorCodeJitterLatePacket,
		ErrorCodePipelineQueueFull,
		ErrorCodeSendFailed,
	}

	for _, code := range recoverableCodes {
		if mediaErr.Code == code {
			return true
		}
	}
	return false
}
