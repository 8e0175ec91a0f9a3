package media

import (
	"errors"
	"fmt"
)

// MediaErrorCode определяет типизированные коды ошибок для медиа слоя.
// Позволяет классифицировать ошибки по категориям и обрабатывать их соответствующим образом.
type MediaErrorCode int

const (
	// Ошибки кодека (не фатальные, теряется один кадр)
	ErrorCodeEncodeFailed MediaErrorCode = iota + 1000
	ErrorCodeDecodeFailed

	// Ошибки устройства захвата/воспроизведения
	ErrorCodeCaptureFormat
	ErrorCodeDeviceFailed

	// Ошибки сессии
	ErrorCodeSessionClosed
	ErrorCodeConfigInvalid
)

// String возвращает строковое представление кода ошибки
func (code MediaErrorCode) String() string {
	switch code {
	case ErrorCodeEncodeFailed:
		return "EncodeError"
	case ErrorCodeDecodeFailed:
		return "DecodeError"
	case ErrorCodeCaptureFormat:
		return "CaptureFormatError"
	case ErrorCodeDeviceFailed:
		return "DeviceError"
	case ErrorCodeSessionClosed:
		return "SessionClosedError"
	case ErrorCodeConfigInvalid:
		return "ConfigInvalid"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// MediaError базовая структура ошибок медиа слоя.
// Содержит:
//   - Типизированный код ошибки
//   - Контекстную информацию (размеры буферов, параметры формата)
//   - Обернутую ошибку внешнего кодека или устройства
//   - Идентификатор сессии (peer id) для сопоставления с логами
type MediaError struct {
	Code      MediaErrorCode
	Message   string
	SessionID string
	Context   map[string]interface{}
	Wrapped   error
}

// Error реализует интерфейс error, возвращая форматированное сообщение об ошибке.
func (e *MediaError) Error() string {
	msg := e.Message
	if e.Wrapped != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Wrapped)
	}
	if e.SessionID != "" {
		return fmt.Sprintf("[%s] сессия %s: %s", e.Code, e.SessionID, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap возвращает обернутую ошибку, поддерживая errors.Unwrap.
func (e *MediaError) Unwrap() error {
	return e.Wrapped
}

// Is поддерживает errors.Is, позволяя сравнивать ошибки по коду.
func (e *MediaError) Is(target error) bool {
	var t *MediaError
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// Эталонные ошибки для сравнения через errors.Is.
var (
	ErrEncode        = &MediaError{Code: ErrorCodeEncodeFailed}
	ErrDecode        = &MediaError{Code: ErrorCodeDecodeFailed}
	ErrCaptureFormat = &MediaError{Code: ErrorCodeCaptureFormat}
	ErrSessionClosed = &MediaError{Code: ErrorCodeSessionClosed}
)

// AudioError специализированная ошибка для кодирования, декодирования и формата захвата
type AudioError struct {
	*MediaError
	ExpectedSize int
	ActualSize   int
	SampleRate   uint32
	Channels     int
}

// Unwrap позволяет errors.Is/As добраться до MediaError.
func (e *AudioError) Unwrap() error {
	return e.MediaError
}

func newAudioError(code MediaErrorCode, message string, format AudioFormat, expected, actual int, wrapped error) *AudioError {
	return &AudioError{
		MediaError: &MediaError{
			Code:    code,
			Message: message,
			Context: map[string]interface{}{
				"expected_size": expected,
				"actual_size":   actual,
				"sample_rate":   format.SampleRate,
				"channels":      format.Channels,
			},
			Wrapped: wrapped,
		},
		ExpectedSize: expected,
		ActualSize:   actual,
		SampleRate:   format.SampleRate,
		Channels:     format.Channels,
	}
}

// NewEncodeError создает EncodeError
func NewEncodeError(message string, format AudioFormat, expected, actual int, wrapped error) *AudioError {
	return newAudioError(ErrorCodeEncodeFailed, message, format, expected, actual, wrapped)
}

// NewDecodeError создает DecodeError
func NewDecodeError(message string, format AudioFormat, frameLen int, wrapped error) *AudioError {
	return newAudioError(ErrorCodeDecodeFailed, message, format, format.SamplesPerFrame(), frameLen, wrapped)
}

// NewCaptureFormatError создает CaptureFormatError для чанка неверного размера
func NewCaptureFormatError(format AudioFormat, actual int) *AudioError {
	expected := format.SamplesPerFrame()
	return newAudioError(ErrorCodeCaptureFormat,
		fmt.Sprintf("неожиданный размер чанка захвата: %d сэмплов, ожидается: %d", actual, expected),
		format, expected, actual, nil)
}

// NewSessionClosedError создает SessionClosedError для операции над закрытой сессией
func NewSessionClosedError(sessionID, op string) *MediaError {
	return &MediaError{
		Code:      ErrorCodeSessionClosed,
		Message:   fmt.Sprintf("операция %s над закрытой сессией", op),
		SessionID: sessionID,
		Context:   map[string]interface{}{"op": op},
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
	return errors.As(err, target)
}

// IsSessionClosed сообщает, что операция отклонена закрытой сессией
func IsSessionClosed(err error) bool {
	return HasErrorCode(err, ErrorCodeSessionClosed)
}

// IsFrameError определяет, относится ли ошибка к одному кадру.
// Такие ошибки обрабатываются локально: кадр отбрасывается, сессия продолжает работу.
func IsFrameError(err error) bool {
	var mediaErr *MediaError
	if !AsMediaError(err, &mediaErr) {
		return false
	}

	switch mediaErr.Code {
	case ErrorCodeEncodeFailed, ErrorCodeDecodeFailed, ErrorCodeCaptureFormat:
		return true
	}
	return false
}
