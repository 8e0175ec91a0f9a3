package rtp

// PayloadType тип полезной нагрузки RTP (7 бит)
type PayloadType uint8

const (
	// PayloadTypeOpus динамический payload type для Opus
	PayloadTypeOpus PayloadType = 111

	// ClockRateOpus частота RTP часов Opus по RFC 7587
	ClockRateOpus = 48000
)

// Direction определяет направление медиа потока
type Direction int

const (
	DirectionSendRecv Direction = iota // Отправка и прием
	DirectionSendOnly                  // Только отправка
	DirectionRecvOnly                  // Только прием
	DirectionInactive                  // Неактивно
)

func (d Direction) String() string {
	switch d {
	case DirectionSendRecv:
		return "sendrecv"
	case DirectionSendOnly:
		return "sendonly"
	case DirectionRecvOnly:
		return "recvonly"
	case DirectionInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// ParseDirection разбирает атрибут направления SDP. Неизвестное значение трактуется как sendrecv.
func ParseDirection(attr string) Direction {
	switch attr {
	case "sendonly":
		return DirectionSendOnly
	case "recvonly":
		return DirectionRecvOnly
	case "inactive":
		return DirectionInactive
	default:
		return DirectionSendRecv
	}
}

// Reverse возвращает направление с точки зрения удаленной стороны
func (d Direction) Reverse() Direction {
	switch d {
	case DirectionSendOnly:
		return DirectionRecvOnly
	case DirectionRecvOnly:
		return DirectionSendOnly
	default:
		return d
	}
}

// CanSend проверяет, может ли поток отправлять данные
func (d Direction) CanSend() bool {
	return d == DirectionSendRecv || d == DirectionSendOnly
}

// CanReceive проверяет, может ли поток принимать данные
func (d Direction) CanReceive() bool {
	return d == DirectionSendRecv || d == DirectionRecvOnly
}
