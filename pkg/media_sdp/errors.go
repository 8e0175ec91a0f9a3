package media_sdp

import (
	"errors"
	"fmt"
)

// SDPErrorCode определяет коды ошибок для SDP операций
type SDPErrorCode int

const (
	ErrorCodeSDPParsing SDPErrorCode = iota + 2000
	ErrorCodeNoAudioSection
	ErrorCodeIncompatibleCodec
	ErrorCodeInvalidDirection
)

// SDPError представляет ошибку разбора или проверки описания сессии
type SDPError struct {
	Code    SDPErrorCode
	Message string
	Wrapped error
}

// NewSDPError создает новую SDP ошибку
func NewSDPError(code SDPErrorCode, format string, args ...interface{}) *SDPError {
	return &SDPError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapSDPError оборачивает существующую ошибку в SDPError
func WrapSDPError(code SDPErrorCode, err error, format string, args ...interface{}) *SDPError {
	return &SDPError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Wrapped: err,
	}
}

// Error реализует интерфейс error
func (e *SDPError) Error() string {
	msg := fmt.Sprintf("SDP Error [%d]: %s", e.Code, e.Message)
	if e.Wrapped != nil {
		msg += fmt.Sprintf(": %v", e.Wrapped)
	}
	return msg
}

func (e *SDPError) Unwrap() error {
	return e.Wrapped
}

// HasSDPErrorCode проверяет код ошибки в цепочке
func HasSDPErrorCode(err error, code SDPErrorCode) bool {
	var sdpErr *SDPError
	if errors.As(err, &sdpErr) {
		return sdpErr.Code == code
	}
	return false
}
