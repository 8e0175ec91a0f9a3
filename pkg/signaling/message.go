// Package signaling передает описания сессий и ICE кандидатов между
// участниками через WebSocket ретранслятор.
//
// Hub выдает каждому подключению идентификатор (событие your_id) и
// пересылает offer_sdp, answer_sdp и candidate клиенту из поля
// targetClientId, подставляя поле from. Client подключается к Hub,
// реализует peer.Signaler для исходящих сообщений и передает входящие
// обработчику (обычно peer.Orchestrator).
//
// Все сообщения имеют плоский JSON формат:
//
//	{"event":"offer_sdp","targetClientId":"...","sdp":"v=0..."}
//	{"event":"offer_sdp","from":"...","sdp":"v=0..."}
//	{"event":"candidate","targetClientId":"...","candidate":"candidate:...","mid":"0"}
//	{"event":"your_id","id":"..."}
//	{"event":"error","message":"Target client not connected"}
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/arzzra/p2p_voice/pkg/peer"
)

// EventType тип сигнального сообщения
type EventType string

const (
	EventYourID    EventType = "your_id"
	EventOfferSDP  EventType = "offer_sdp"
	EventAnswerSDP EventType = "answer_sdp"
	EventCandidate EventType = "candidate"
	EventError     EventType = "error"
)

// ErrTargetNotConnected текст ошибки ретранслятора для неизвестного получателя
const ErrTargetNotConnected = "Target client not connected"

// Message сигнальное сообщение
type Message struct {
	Event          EventType `json:"event"`
	TargetClientID string    `json:"targetClientId,omitempty"`
	From           string    `json:"from,omitempty"`
	SDP            string    `json:"sdp,omitempty"`
	Candidate      string    `json:"candidate,omitempty"`
	Mid            string    `json:"mid,omitempty"`
	ID             string    `json:"id,omitempty"`
	Message        string    `json:"message,omitempty"`
}

// DescriptionMessage сообщение с описанием сессии для участника target
func DescriptionMessage(target string, desc peer.Description) (Message, error) {
	m := Message{TargetClientID: target, SDP: desc.SDP}
	switch desc.Type {
	case peer.DescriptionOffer:
		m.Event = EventOfferSDP
	case peer.DescriptionAnswer:
		m.Event = EventAnswerSDP
	default:
		return Message{}, fmt.Errorf("неизвестный тип описания: %q", desc.Type)
	}
	return m, nil
}

// CandidateMessage сообщение с ICE кандидатом для участника target
func CandidateMessage(target string, c peer.Candidate) Message {
	return Message{Event: EventCandidate, TargetClientID: target, Candidate: c.Candidate, Mid: c.Mid}
}

// Description извлекает описание сессии из offer_sdp/answer_sdp
func (m Message) Description() (peer.Description, bool) {
	switch m.Event {
	case EventOfferSDP:
		return peer.Description{Type: peer.DescriptionOffer, SDP: m.SDP}, true
	case EventAnswerSDP:
		return peer.Description{Type: peer.DescriptionAnswer, SDP: m.SDP}, true
	default:
		return peer.Description{}, false
	}
}

// ICECandidate извлекает кандидата из сообщения candidate
func (m Message) ICECandidate() (peer.Candidate, bool) {
	if m.Event != EventCandidate {
		return peer.Candidate{}, false
	}
	return peer.Candidate{Candidate: m.Candidate, Mid: m.Mid}, true
}

// IsRelayed сообщает, что сообщение пересылается другому участнику
func (m Message) IsRelayed() bool {
	return m.Event == EventOfferSDP || m.Event == EventAnswerSDP || m.Event == EventCandidate
}

// Validate проверяет сообщение, отправленное клиентом ретранслятору
func (m Message) Validate() error {
	if !m.IsRelayed() {
		return fmt.Errorf("неподдерживаемое событие: %q", m.Event)
	}
	if m.TargetClientID == "" {
		return errors.New("не указан targetClientId")
	}
	if m.Event == EventCandidate {
		if m.Candidate == "" {
			return errors.New("пустой кандидат")
		}
	} else if m.SDP == "" {
		return errors.New("пустое описание")
	}
	return nil
}

// ParseMessage разбирает JSON сообщение
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("некорректное сигнальное сообщение: %w", err)
	}
	if m.Event == "" {
		return Message{}, errors.New("в сообщении нет поля event")
	}
	return m, nil
}
