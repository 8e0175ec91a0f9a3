package peer

// EventHandler колбэки транспортного движка, по одному методу на событие.
// Движок может вызывать их из любой горутины, в том числе синхронно
// изнутри методов Connection. Реализация не блокируется.
type EventHandler interface {
	OnLocalDescription(desc Description)
	OnLocalCandidate(c Candidate)
	OnGatheringStateChange(state GatheringState)
	OnConnectionStateChange(state ConnectionState)
	// OnTrackData получает сырой RTP пакет входящего аудио трека
	OnTrackData(packet []byte)
}

// Engine транспортный движок (ICE, DTLS-SRTP)
type Engine interface {
	// NewConnection создает соединение с одним исходящим аудио треком
	// и регистрирует колбэки handler.
	NewConnection(peerID string, handler EventHandler) (Connection, error)
}

// Connection соединение с одним удаленным участником
type Connection interface {
	CreateOffer() error
	CreateAnswer() error
	SetRemoteDescription(desc Description) error
	AddRemoteCandidate(c Candidate) error
	// LocalDescription текущее локальное описание, включая собранных кандидатов
	LocalDescription() (Description, bool)
	// WritePacket отправляет RTP пакет в исходящий аудио трек
	WritePacket(packet []byte) error
	Close() error
}

// Signaler исходящий канал сигнализации
type Signaler interface {
	SendDescription(peerID string, desc Description) error
	SendCandidate(peerID string, c Candidate) error
}

// Observer получает события сессий. События доставляются по порядку из
// отдельной горутины оркестратора, из обработчика можно вызывать Orchestrator,
// включая Close.
type Observer interface {
	OnSessionEvent(event Event)
}

// ObserverFunc адаптер функции к Observer
type ObserverFunc func(event Event)

func (f ObserverFunc) OnSessionEvent(event Event) {
	f(event)
}
