package peer

import (
	"encoding/json"
	"fmt"
	"time"
)

// SessionState состояние согласования сессии с одним удаленным участником
type SessionState string

const (
	StateIdle                   SessionState = "idle"
	StateNegotiatingDescription SessionState = "negotiating_description" // Ожидается локальное описание
	StateNegotiatingGathering   SessionState = "negotiating_gathering"   // Сбор ICE кандидатов
	StateConnected              SessionState = "connected"
	StateClosed                 SessionState = "closed"
	StateFailed                 SessionState = "failed"
)

func (s SessionState) String() string {
	return string(s)
}

// IsNegotiating сообщает, идет ли согласование
func (s SessionState) IsNegotiating() bool {
	return s == StateNegotiatingDescription || s == StateNegotiatingGathering
}

// IsTerminal сообщает, что сессия завершена и не может быть восстановлена
func (s SessionState) IsTerminal() bool {
	return s == StateClosed || s == StateFailed
}

// Role роль стороны в обмене offer/answer. Фиксируется один раз.
type Role int

const (
	RoleUnlocked Role = iota
	RoleOfferer
	RoleAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleUnlocked:
		return "unlocked"
	case RoleOfferer:
		return "offerer"
	case RoleAnswerer:
		return "answerer"
	default:
		return "unknown"
	}
}

// LocalType тип локального описания для роли
func (r Role) LocalType() DescriptionType {
	switch r {
	case RoleOfferer:
		return DescriptionOffer
	case RoleAnswerer:
		return DescriptionAnswer
	default:
		return ""
	}
}

// DescriptionType тип описания сессии
type DescriptionType string

const (
	DescriptionOffer  DescriptionType = "offer"
	DescriptionAnswer DescriptionType = "answer"
)

// Valid проверяет, что тип известен
func (t DescriptionType) Valid() bool {
	return t == DescriptionOffer || t == DescriptionAnswer
}

// Description описание сессии. В JSON представлении {"type":"...","sdp":"..."}.
type Description struct {
	Type DescriptionType `json:"type"`
	SDP  string          `json:"sdp"`
}

// JSON сериализует описание для публикации
func (d Description) JSON() string {
	data, err := json.Marshal(d)
	if err != nil {
		// Структура из двух строк всегда сериализуема
		return fmt.Sprintf(`{"type":%q,"sdp":%q}`, d.Type, d.SDP)
	}
	return string(data)
}

// ParseDescription разбирает JSON представление описания
func ParseDescription(data []byte) (Description, error) {
	var d Description
	if err := json.Unmarshal(data, &d); err != nil {
		return Description{}, fmt.Errorf("некорректное описание: %w", err)
	}
	if !d.Type.Valid() {
		return Description{}, fmt.Errorf("неизвестный тип описания: %q", d.Type)
	}
	return d, nil
}

// Candidate ICE кандидат с идентификатором медиа секции
type Candidate struct {
	Candidate string `json:"candidate"`
	Mid       string `json:"mid"`
}

// GatheringState состояние сбора локальных кандидатов
type GatheringState int

const (
	GatheringNew GatheringState = iota
	GatheringInProgress
	GatheringComplete
)

func (g GatheringState) String() string {
	switch g {
	case GatheringNew:
		return "new"
	case GatheringInProgress:
		return "gathering"
	case GatheringComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// ConnectionState состояние транспорта
type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnected
	ConnectionFailed
	ConnectionClosed
)

func (c ConnectionState) String() string {
	switch c {
	case ConnectionNew:
		return "new"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionFailed:
		return "failed"
	case ConnectionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventType тип события сессии для наблюдателя
type EventType string

const (
	EventOfferReady     EventType = "offer_ready"
	EventAnswerReady    EventType = "answer_ready"
	EventLocalCandidate EventType = "local_candidate"
	EventStateChanged   EventType = "state_changed"
	EventFailed         EventType = "failed"
	EventClosed         EventType = "closed"
)

// Event событие сессии
type Event struct {
	Type    EventType
	PeerID  string
	State   SessionState // Новое состояние для state_changed/failed/closed
	Payload string       // JSON описания или кандидата
	Err     error        // Причина для failed
	Time    time.Time
}

// SessionInfo снимок состояния сессии
type SessionInfo struct {
	PeerID      string
	State       SessionState
	Role        Role
	CreatedAt   time.Time
	ConnectedAt time.Time
	FramesSent  uint64
	FramesRecv  uint64
}
