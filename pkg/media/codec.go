package media

import (
	"fmt"
	"sync"
)

// MaxFrameBytes верхняя граница размера сжатого кадра
const MaxFrameBytes = 4000

// Encoder внешний кодек, сжимающий один кадр PCM.
// Возвращает количество записанных в data байт.
type Encoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

// Decoder внешний кодек, восстанавливающий PCM из сжатого кадра.
// Возвращает количество декодированных сэмплов на канал.
type Decoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

// DecoderFactory создает независимый декодер для новой сессии
type DecoderFactory func(format AudioFormat) (Decoder, error)

// CodecAdapter приводит внешний кодек к фиксированному формату кадра.
//
// Encode принимает ровно один кадр interleaved PCM и возвращает сжатые байты
// не длиннее MaxFrameBytes. Decode всегда возвращает ровно один кадр PCM:
// короткий результат дополняется тишиной, длинный обрезается.
//
// Состояние кодека (encoder/decoder) не разделяется между адаптерами,
// вызовы одного адаптера сериализуются внутренним мьютексом.
type CodecAdapter struct {
	format  AudioFormat
	encoder Encoder
	decoder Decoder

	mutex  sync.Mutex
	encBuf []byte
	decBuf []int16
}

// NewCodecAdapter создает адаптер. Любой из кодеков может быть nil,
// если адаптер используется только в одном направлении.
func NewCodecAdapter(format AudioFormat, encoder Encoder, decoder Decoder) (*CodecAdapter, error) {
	if err := format.Validate(); err != nil {
		return nil, WrapMediaError(ErrorCodeConfigInvalid, "", "некорректный формат кодека", err)
	}
	if encoder == nil && decoder == nil {
		return nil, &MediaError{Code: ErrorCodeConfigInvalid, Message: "не задан ни encoder, ни decoder"}
	}

	return &CodecAdapter{
		format:  format,
		encoder: encoder,
		decoder: decoder,
		encBuf:  make([]byte, MaxFrameBytes),
		// Запас для кодеков, способных вернуть кадр длиннее ожидаемого
		decBuf: make([]int16, format.SamplesPerFrame()*6),
	}, nil
}

// Format возвращает формат, зафиксированный при создании
func (c *CodecAdapter) Format() AudioFormat {
	return c.format
}

// Encode сжимает один кадр PCM.
// Длина pcm должна быть кратна числу каналов и равна размеру кадра.
func (c *CodecAdapter) Encode(pcm []int16) ([]byte, error) {
	expected := c.format.SamplesPerFrame()

	if len(pcm)%c.format.Channels != 0 {
		return nil, NewEncodeError(
			fmt.Sprintf("длина %d не кратна числу каналов %d", len(pcm), c.format.Channels),
			c.format, expected, len(pcm), nil)
	}
	if len(pcm) != expected {
		return nil, NewEncodeError(
			fmt.Sprintf("неожиданный размер кадра: %d сэмплов, ожидается: %d", len(pcm), expected),
			c.format, expected, len(pcm), nil)
	}
	if c.encoder == nil {
		return nil, NewEncodeError("адаптер создан без encoder", c.format, expected, len(pcm), nil)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	n, err := c.encoder.Encode(pcm, c.encBuf)
	if err != nil {
		return nil, NewEncodeError("ошибка кодека", c.format, expected, len(pcm), err)
	}
	if n < 0 || n > len(c.encBuf) {
		return nil, NewEncodeError(fmt.Sprintf("кодек вернул некорректную длину: %d", n),
			c.format, expected, len(pcm), nil)
	}

	out := make([]byte, n)
	copy(out, c.encBuf[:n])
	return out, nil
}

// Decode восстанавливает ровно один кадр PCM из сжатого кадра.
func (c *CodecAdapter) Decode(frame []byte) ([]int16, error) {
	if len(frame) == 0 {
		return nil, NewDecodeError("пустой кадр", c.format, 0, nil)
	}
	if c.decoder == nil {
		return nil, NewDecodeError("адаптер создан без decoder", c.format, len(frame), nil)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	n, err := c.decoder.Decode(frame, c.decBuf)
	if err != nil {
		return nil, NewDecodeError("ошибка кодека", c.format, len(frame), err)
	}
	if n < 0 {
		return nil, NewDecodeError(fmt.Sprintf("кодек вернул некорректную длину: %d", n),
			c.format, len(frame), nil)
	}

	decoded := n * c.format.Channels
	if decoded > len(c.decBuf) {
		decoded = len(c.decBuf)
	}

	out := make([]int16, c.format.SamplesPerFrame())
	copy(out, c.decBuf[:decoded])
	return out, nil
}

// Silence возвращает кадр тишины, подставляемый вместо нераскодированного кадра
func (c *CodecAdapter) Silence() []int16 {
	return make([]int16, c.format.SamplesPerFrame())
}
