package media

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// CaptureDevice источник PCM. После Open устройство вызывает onChunk
// для каждого чанка фиксированного размера (один кадр формата) до Close.
type CaptureDevice interface {
	Open(format AudioFormat, onChunk func(pcm []int16)) error
	Close() error
}

// PlaybackDevice приемник PCM. После Open устройство само запрашивает данные
// через pull, передавая свободный объем буфера в байтах.
type PlaybackDevice interface {
	Open(format AudioFormat, pull func(maxBytes int) []byte) error
	Close() error
}

var errDeviceOpened = errors.New("устройство уже открыто")

// ticker общий цикл виртуальных устройств: вызывает tick с периодом кадра до stop
type ticker struct {
	mutex  sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func (t *ticker) start(period time.Duration, tick func()) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.stopCh != nil {
		return errDeviceOpened
	}

	stop := make(chan struct{})
	t.stopCh = stop
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		tk := time.NewTicker(period)
		defer tk.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tk.C:
				tick()
			}
		}
	}()
	return nil
}

// stop останавливает цикл и дожидается его завершения
func (t *ticker) stop() {
	t.mutex.Lock()
	stop := t.stopCh
	t.stopCh = nil
	t.mutex.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	t.wg.Wait()
}

// ToneSource виртуальный микрофон: синусоида заданной частоты, при Frequency == 0 тишина.
// Используется для работы без звуковой карты.
type ToneSource struct {
	Frequency float64 // Гц
	Amplitude float64 // 0.0-1.0

	loop  ticker
	phase float64
}

// NewToneSource создает генератор тона
func NewToneSource(frequency, amplitude float64) *ToneSource {
	return &ToneSource{Frequency: frequency, Amplitude: amplitude}
}

// Open запускает генерацию кадров
func (s *ToneSource) Open(format AudioFormat, onChunk func(pcm []int16)) error {
	if err := format.Validate(); err != nil {
		return WrapMediaError(ErrorCodeDeviceFailed, "", "некорректный формат устройства", err)
	}
	return s.loop.start(format.FrameDuration, func() {
		onChunk(s.nextChunk(format))
	})
}

// Close останавливает генерацию; после возврата onChunk больше не вызывается
func (s *ToneSource) Close() error {
	s.loop.stop()
	return nil
}

func (s *ToneSource) nextChunk(format AudioFormat) []int16 {
	pcm := make([]int16, format.SamplesPerFrame())
	if s.Frequency <= 0 || s.Amplitude <= 0 {
		return pcm
	}

	step := 2 * math.Pi * s.Frequency / float64(format.SampleRate)
	amp := math.Min(s.Amplitude, 1) * math.MaxInt16
	for i := 0; i < format.FrameSamples(); i++ {
		v := int16(amp * math.Sin(s.phase))
		for ch := 0; ch < format.Channels; ch++ {
			pcm[i*format.Channels+ch] = v
		}
		s.phase += step
	}
	s.phase = math.Mod(s.phase, 2*math.Pi)
	return pcm
}

// NullSink виртуальный динамик: каждый период кадра забирает один кадр и отбрасывает его
type NullSink struct {
	loop        ticker
	bytesPlayed atomic.Uint64
}

// NewNullSink создает приемник-заглушку
func NewNullSink() *NullSink {
	return &NullSink{}
}

// Open начинает периодически вызывать pull
func (s *NullSink) Open(format AudioFormat, pull func(maxBytes int) []byte) error {
	if err := format.Validate(); err != nil {
		return WrapMediaError(ErrorCodeDeviceFailed, "", "некорректный формат устройства", err)
	}
	return s.loop.start(format.FrameDuration, func() {
		s.bytesPlayed.Add(uint64(len(pull(format.FrameBytes()))))
	})
}

func (s *NullSink) Close() error {
	s.loop.stop()
	return nil
}

// BytesPlayed возвращает объем "воспроизведенного" PCM
func (s *NullSink) BytesPlayed() uint64 {
	return s.bytesPlayed.Load()
}
