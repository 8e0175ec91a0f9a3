package media

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// DefaultSampleRate частота дискретизации голосового тракта
	DefaultSampleRate = 48000
	// DefaultChannels моно
	DefaultChannels = 1
	// DefaultFrameDuration длительность одного кодируемого кадра
	DefaultFrameDuration = 20 * time.Millisecond

	// BytesPerSample размер одного int16 сэмпла
	BytesPerSample = 2
)

// AudioFormat описывает формат PCM потока: частота, число каналов и длительность кадра.
// Фиксируется при создании кодека и не меняется в течение жизни сессии.
type AudioFormat struct {
	SampleRate    uint32        // Частота дискретизации, Гц
	Channels      int           // Количество каналов (1 или 2)
	FrameDuration time.Duration // Длительность кадра (ptime)
}

// DefaultAudioFormat возвращает формат по умолчанию: 48 кГц, моно, 20 мс кадры (960 сэмплов).
func DefaultAudioFormat() AudioFormat {
	return AudioFormat{
		SampleRate:    DefaultSampleRate,
		Channels:      DefaultChannels,
		FrameDuration: DefaultFrameDuration,
	}
}

// Validate проверяет корректность формата
func (f AudioFormat) Validate() error {
	switch f.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("неподдерживаемая частота дискретизации: %d", f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("неподдерживаемое количество каналов: %d", f.Channels)
	}
	if f.FrameSamples() <= 0 {
		return fmt.Errorf("некорректная длительность кадра: %v", f.FrameDuration)
	}
	return nil
}

// FrameSamples возвращает количество сэмплов одного канала в кадре
func (f AudioFormat) FrameSamples() int {
	return int(time.Duration(f.SampleRate) * f.FrameDuration / time.Second)
}

// SamplesPerFrame возвращает общее число interleaved сэмплов в кадре (все каналы)
func (f AudioFormat) SamplesPerFrame() int {
	return f.FrameSamples() * f.Channels
}

// FrameBytes размер кадра PCM в байтах
func (f AudioFormat) FrameBytes() int {
	return f.SamplesPerFrame() * BytesPerSample
}

// SampleFrameBytes размер одного sample-frame (по сэмплу на каждый канал) в байтах.
// Любое чтение из очереди воспроизведения выравнивается на эту величину.
func (f AudioFormat) SampleFrameBytes() int {
	return BytesPerSample * f.Channels
}

// BytesFor возвращает объем PCM в байтах для указанной длительности, выровненный по sample-frame
func (f AudioFormat) BytesFor(d time.Duration) int {
	samples := int(time.Duration(f.SampleRate) * d / time.Second)
	return samples * f.SampleFrameBytes()
}

func (f AudioFormat) String() string {
	return fmt.Sprintf("%dHz/%dch/%v", f.SampleRate, f.Channels, f.FrameDuration)
}

// SamplesToBytes сериализует int16 сэмплы в little-endian байты
func SamplesToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*BytesPerSample)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(s))
	}
	return out
}

// BytesToSamples разбирает little-endian байты в int16 сэмплы.
// Хвостовой неполный байт отбрасывается.
func BytesToSamples(data []byte) []int16 {
	out := make([]int16, len(data)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:]))
	}
	return out
}
