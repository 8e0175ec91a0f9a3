package peer

import (
	"errors"
	"fmt"

	"github.com/arzzra/p2p_voice/pkg/media"
)

// NegotiationError движок отклонил описание или кандидата, либо нарушен порядок обмена.
// Переводит сессию в failed.
type NegotiationError struct {
	PeerID  string
	Op      string
	Role    Role
	Message string
	Wrapped error
}

func (e *NegotiationError) Error() string {
	msg := fmt.Sprintf("согласование с %s (%s, роль %s): %s", e.PeerID, e.Op, e.Role, e.Message)
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

func (e *NegotiationError) Unwrap() error {
	return e.Wrapped
}

// Is позволяет сравнивать с ErrNegotiation через errors.Is
func (e *NegotiationError) Is(target error) bool {
	_, ok := target.(*NegotiationError)
	return ok
}

// SignalingDeliveryError канал сигнализации не доставил сообщение.
// Сессия остается в текущем состоянии, зависшее согласование снимается вызывающим.
type SignalingDeliveryError struct {
	PeerID  string
	What    string // description или candidate
	Wrapped error
}

func (e *SignalingDeliveryError) Error() string {
	return fmt.Sprintf("не удалось доставить %s участнику %s: %v", e.What, e.PeerID, e.Wrapped)
}

func (e *SignalingDeliveryError) Unwrap() error {
	return e.Wrapped
}

func (e *SignalingDeliveryError) Is(target error) bool {
	_, ok := target.(*SignalingDeliveryError)
	return ok
}

// Эталонные ошибки для errors.Is
var (
	ErrNegotiation       = &NegotiationError{}
	ErrSignalingDelivery = &SignalingDeliveryError{}
	ErrSessionClosed     = media.ErrSessionClosed
)

// IsNegotiationError проверяет, является ли ошибка ошибкой согласования
func IsNegotiationError(err error) bool {
	return errors.Is(err, ErrNegotiation)
}

func newNegotiationError(peerID, op string, role Role, message string, wrapped error) *NegotiationError {
	return &NegotiationError{
		PeerID:  peerID,
		Op:      op,
		Role:    role,
		Message: message,
		Wrapped: wrapped,
	}
}

func newSessionClosedError(peerID, op string) error {
	return media.NewSessionClosedError(peerID, op)
}
