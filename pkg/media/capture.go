package media

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/p2p_voice/pkg/logging"
	"github.com/arzzra/p2p_voice/pkg/metrics"
)

// FrameSink получатель сжатых кадров захвата. Вызывается из потока устройства,
// поэтому реализация не должна блокироваться.
type FrameSink interface {
	OnFrameReady(frame []byte)
}

// CaptureStats статистика конвейера захвата
type CaptureStats struct {
	ChunksReceived uint64
	FramesEncoded  uint64
	FormatErrors   uint64
	EncodeErrors   uint64
}

// CapturePipeline читает PCM с устройства, кодирует его и раздает кадры
// всем подписанным сессиям. Один конвейер и один encoder на процесс.
//
// Кадры доставляются только между Start и Stop.
type CapturePipeline struct {
	device  CaptureDevice
	codec   *CodecAdapter
	logger  *logrus.Entry
	metrics *metrics.Collector

	running atomic.Bool
	// Сериализует Start/Stop
	stateMutex sync.Mutex

	sinksMutex sync.RWMutex
	sinks      map[string]FrameSink

	chunksReceived atomic.Uint64
	framesEncoded  atomic.Uint64
	formatErrors   atomic.Uint64
	encodeErrors   atomic.Uint64
}

// NewCapturePipeline создает конвейер. codec должен содержать encoder.
func NewCapturePipeline(device CaptureDevice, codec *CodecAdapter, logger *logrus.Entry, collector *metrics.Collector) *CapturePipeline {
	return &CapturePipeline{
		device:  device,
		codec:   codec,
		logger:  logging.WithComponent(logger, "capture"),
		metrics: collector,
		sinks:   make(map[string]FrameSink),
	}
}

// Start открывает устройство. Повторный вызов без Stop ничего не делает.
func (p *CapturePipeline) Start() error {
	p.stateMutex.Lock()
	defer p.stateMutex.Unlock()

	if p.running.Load() {
		return nil
	}

	p.running.Store(true)
	if err := p.device.Open(p.codec.Format(), p.handleChunk); err != nil {
		p.running.Store(false)
		return WrapMediaError(ErrorCodeDeviceFailed, "", "не удалось открыть устройство захвата", err)
	}

	p.logger.WithField("format", p.codec.Format().String()).Info("захват запущен")
	return nil
}

// Stop закрывает устройство. После возврата кадры не доставляются.
func (p *CapturePipeline) Stop() error {
	p.stateMutex.Lock()
	defer p.stateMutex.Unlock()

	if !p.running.Load() {
		return nil
	}

	p.running.Store(false)
	if err := p.device.Close(); err != nil {
		return WrapMediaError(ErrorCodeDeviceFailed, "", "ошибка закрытия устройства захвата", err)
	}

	p.logger.Info("захват остановлен")
	return nil
}

// Running сообщает, запущен ли захват
func (p *CapturePipeline) Running() bool {
	return p.running.Load()
}

// Subscribe подписывает получателя на кадры. Повторная подписка с тем же id заменяет получателя.
func (p *CapturePipeline) Subscribe(id string, sink FrameSink) {
	p.sinksMutex.Lock()
	defer p.sinksMutex.Unlock()
	p.sinks[id] = sink
}

// Unsubscribe отписывает получателя
func (p *CapturePipeline) Unsubscribe(id string) {
	p.sinksMutex.Lock()
	defer p.sinksMutex.Unlock()
	delete(p.sinks, id)
}

// Subscribers возвращает идентификаторы подписчиков
func (p *CapturePipeline) Subscribers() []string {
	p.sinksMutex.RLock()
	defer p.sinksMutex.RUnlock()

	ids := make([]string, 0, len(p.sinks))
	for id := range p.sinks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats возвращает снимок статистики
func (p *CapturePipeline) Stats() CaptureStats {
	return CaptureStats{
		ChunksReceived: p.chunksReceived.Load(),
		FramesEncoded:  p.framesEncoded.Load(),
		FormatErrors:   p.formatErrors.Load(),
		EncodeErrors:   p.encodeErrors.Load(),
	}
}

// handleChunk колбэк устройства: проверка размера, кодирование, раздача
func (p *CapturePipeline) handleChunk(pcm []int16) {
	if !p.running.Load() {
		return
	}
	p.chunksReceived.Add(1)

	format := p.codec.Format()
	if len(pcm) != format.SamplesPerFrame() {
		p.formatErrors.Add(1)
		p.metrics.FrameDropped(metrics.DropReasonCaptureFormat)
		formatErr := NewCaptureFormatError(format, len(pcm))
		p.logger.WithFields(logrus.Fields(formatErr.Context)).WithError(formatErr).Debug("чанк захвата отброшен")
		return
	}

	frame, err := p.codec.Encode(pcm)
	if err != nil {
		p.encodeErrors.Add(1)
		p.metrics.FrameDropped(metrics.DropReasonEncode)
		p.logger.WithError(err).Debug("кадр отброшен")
		return
	}
	p.framesEncoded.Add(1)

	p.sinksMutex.RLock()
	sinks := make([]FrameSink, 0, len(p.sinks))
	for _, sink := range p.sinks {
		sinks = append(sinks, sink)
	}
	p.sinksMutex.RUnlock()

	for _, sink := range sinks {
		sink.OnFrameReady(frame)
	}
}
