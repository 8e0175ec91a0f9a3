// Package rtp формирует и разбирает RTP кадры голосового потока.
// Based on RFC 3550 (RTP)
//
// Каждый сжатый аудио кадр передается с фиксированным 12-байтным заголовком:
//
//	байт 0      версия 2, без padding/extension/CSRC (0x80)
//	байт 1      marker (старший бит) + 7-битный payload type
//	байты 2-3   sequence number, big-endian, +1 на кадр, по модулю 65536
//	байты 4-7   timestamp, big-endian, миллисекунды монотонных часов захвата
//	байты 8-11  SSRC, big-endian
//
// Framer хранит счетчик последовательности одной сессии. Unwrap отрезает
// ровно 12 байт, остаток не проверяется.
package rtp

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtp"
)

const (
	// HeaderSize размер заголовка без CSRC и расширений
	HeaderSize = 12

	// DefaultSSRC идентификатор источника по умолчанию
	DefaultSSRC uint32 = 2
)

// FramingError пакет короче заголовка или не может быть сформирован
type FramingError struct {
	Length  int
	Message string
	Wrapped error
}

func (e *FramingError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("ошибка кадрирования (длина %d): %s: %v", e.Length, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("ошибка кадрирования (длина %d): %s", e.Length, e.Message)
}

func (e *FramingError) Unwrap() error {
	return e.Wrapped
}

// Is позволяет сравнивать с ErrFraming через errors.Is
func (e *FramingError) Is(target error) bool {
	_, ok := target.(*FramingError)
	return ok
}

// ErrFraming эталон для errors.Is
var ErrFraming = &FramingError{}

// IsFramingError проверяет, является ли ошибка ошибкой кадрирования
func IsFramingError(err error) bool {
	return errors.Is(err, ErrFraming)
}

// Clock возвращает текущее время захвата в миллисекундах
type Clock func() uint32

var processStart = time.Now()

// MonotonicClock миллисекунды от старта процесса по монотонным часам
func MonotonicClock() uint32 {
	return uint32(time.Since(processStart).Milliseconds())
}

// FramerConfig параметры заголовка исходящего потока
type FramerConfig struct {
	PayloadType PayloadType
	SSRC        uint32
	Marker      bool
}

// DefaultFramerConfig возвращает конфигурацию по умолчанию: Opus (111), SSRC 2, без marker
func DefaultFramerConfig() FramerConfig {
	return FramerConfig{
		PayloadType: PayloadTypeOpus,
		SSRC:        DefaultSSRC,
		Marker:      false,
	}
}

// Validate проверяет конфигурацию
func (c FramerConfig) Validate() error {
	if c.PayloadType > 127 {
		return fmt.Errorf("payload type вне диапазона 0-127: %d", c.PayloadType)
	}
	return nil
}

// Framer добавляет RTP заголовок к кадрам одной сессии.
// Последовательность начинается с 0 и защищена собственным мьютексом.
type Framer struct {
	config FramerConfig
	clock  Clock

	mutex  sync.Mutex
	seq    uint16
	frames uint64
}

// NewFramer создает Framer. При clock == nil используется MonotonicClock.
func NewFramer(config FramerConfig, clock Clock) (*Framer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = MonotonicClock
	}
	return &Framer{
		config: config,
		clock:  clock,
	}, nil
}

// Wrap формирует пакет: заголовок с текущим номером последовательности,
// затем номер увеличивается. Ввода-вывода нет.
func (f *Framer) Wrap(frame []byte) ([]byte, error) {
	f.mutex.Lock()
	seq := f.seq
	f.seq++
	f.frames++
	f.mutex.Unlock()

	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         f.config.Marker,
			PayloadType:    uint8(f.config.PayloadType),
			SequenceNumber: seq,
			Timestamp:      f.clock(),
			SSRC:           f.config.SSRC,
		},
		Payload: frame,
	}

	data, err := packet.Marshal()
	if err != nil {
		return nil, &FramingError{Length: len(frame), Message: "не удалось сформировать пакет", Wrapped: err}
	}
	return data, nil
}

// NextSequence номер, который получит следующий кадр
func (f *Framer) NextSequence() uint16 {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.seq
}

// FramesWrapped количество сформированных пакетов
func (f *Framer) FramesWrapped() uint64 {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.frames
}

// Config возвращает конфигурацию заголовка
func (f *Framer) Config() FramerConfig {
	return f.config
}

// Unwrap отрезает 12-байтный заголовок и возвращает полезную нагрузку без проверки.
// Результат ссылается на память packet.
func Unwrap(packet []byte) ([]byte, error) {
	if len(packet) < HeaderSize {
		return nil, &FramingError{
			Length:  len(packet),
			Message: fmt.Sprintf("пакет короче заголовка (%d байт)", HeaderSize),
		}
	}
	return packet[HeaderSize:], nil
}

// ParseHeader разбирает заголовок для диагностики (номер, timestamp, SSRC)
func ParseHeader(packet []byte) (*rtp.Header, error) {
	if len(packet) < HeaderSize {
		return nil, &FramingError{Length: len(packet), Message: "пакет короче заголовка"}
	}
	header := &rtp.Header{}
	if _, err := header.Unmarshal(packet); err != nil {
		return nil, &FramingError{Length: len(packet), Message: "некорректный заголовок", Wrapped: err}
	}
	return header, nil
}
