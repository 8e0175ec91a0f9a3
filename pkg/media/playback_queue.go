package media

import (
	"fmt"
	"sync"
	"time"

	"github.com/arzzra/p2p_voice/pkg/metrics"
)

// DefaultMaxQueueDepth глубина очереди воспроизведения по умолчанию
const DefaultMaxQueueDepth = 200 * time.Millisecond

// PlaybackQueueConfig содержит параметры очереди воспроизведения
type PlaybackQueueConfig struct {
	Format   AudioFormat   // Формат PCM в очереди
	MaxDepth time.Duration // Максимальный объем буферизованного звука
}

// DefaultPlaybackQueueConfig возвращает конфигурацию по умолчанию: 200 мс при 48 кГц моно
func DefaultPlaybackQueueConfig() PlaybackQueueConfig {
	return PlaybackQueueConfig{
		Format:   DefaultAudioFormat(),
		MaxDepth: DefaultMaxQueueDepth,
	}
}

// Validate проверяет конфигурацию
func (c PlaybackQueueConfig) Validate() error {
	if err := c.Format.Validate(); err != nil {
		return err
	}
	if c.Format.BytesFor(c.MaxDepth) < c.Format.SampleFrameBytes() {
		return fmt.Errorf("глубина очереди слишком мала: %v", c.MaxDepth)
	}
	return nil
}

// PlaybackQueueStats статистика очереди
type PlaybackQueueStats struct {
	BytesPushed    uint64
	BytesPulled    uint64
	BytesDropped   uint64 // Вытеснено при переполнении
	Buffered       int
	PushedEntries  uint64
	OverflowEvents uint64
}

// PlaybackQueue FIFO очередь декодированного PCM между приемом и воспроизведением.
// Особенности:
//   - Порядок строго по поступлению, без переупорядочивания
//   - Pull никогда не блокируется и выравнивает объем на границу sample-frame
//   - При переполнении вытесняются самые старые байты
//   - Мьютекс охватывает только изменение очереди, ввод-вывод устройства снаружи
type PlaybackQueue struct {
	format   AudioFormat
	maxBytes int
	metrics  *metrics.Collector

	mutex   sync.Mutex
	entries [][]byte
	offset  int // Прочитанная часть entries[0]
	size    int
	closed  bool
	stats   PlaybackQueueStats
}

// NewPlaybackQueue создает очередь воспроизведения
func NewPlaybackQueue(config PlaybackQueueConfig, collector *metrics.Collector) (*PlaybackQueue, error) {
	if err := config.Validate(); err != nil {
		return nil, WrapMediaError(ErrorCodeConfigInvalid, "", "некорректная конфигурация очереди воспроизведения", err)
	}

	return &PlaybackQueue{
		format:   config.Format,
		maxBytes: config.Format.BytesFor(config.MaxDepth),
		metrics:  collector,
	}, nil
}

// Push добавляет декодированный PCM в конец очереди.
// После Close возвращает SessionClosedError.
func (q *PlaybackQueue) Push(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}

	entry := make([]byte, len(pcm))
	copy(entry, pcm)

	q.mutex.Lock()
	if q.closed {
		q.mutex.Unlock()
		return NewSessionClosedError("", "push")
	}

	q.entries = append(q.entries, entry)
	q.size += len(entry)
	q.stats.BytesPushed += uint64(len(entry))
	q.stats.PushedEntries++

	dropped := 0
	if q.size > q.maxBytes {
		excess := q.size - q.maxBytes
		// Вытесняем целыми sample-frame, чтобы не сдвинуть выравнивание каналов
		align := q.format.SampleFrameBytes()
		if rem := excess % align; rem != 0 {
			excess += align - rem
		}
		dropped = q.discardLocked(excess)
		q.stats.BytesDropped += uint64(dropped)
		q.stats.OverflowEvents++
	}
	q.mutex.Unlock()

	if dropped > 0 {
		q.metrics.QueueOverflow(dropped)
	}
	return nil
}

// Pull извлекает до maxBytes байт, округляя вниз до целого sample-frame.
// Записи при необходимости разделяются. На пустой очереди возвращает пустой срез.
func (q *PlaybackQueue) Pull(maxBytes int) []byte {
	align := q.format.SampleFrameBytes()
	maxBytes -= maxBytes % align
	if maxBytes <= 0 {
		return nil
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()

	n := maxBytes
	if q.size < n {
		n = q.size
	}
	if n == 0 {
		return nil
	}

	out := make([]byte, 0, n)
	for len(out) < n {
		head := q.entries[0][q.offset:]
		take := n - len(out)
		if take > len(head) {
			take = len(head)
		}
		out = append(out, head[:take]...)
		q.advanceLocked(take)
	}
	q.stats.BytesPulled += uint64(len(out))
	return out
}

// discardLocked удаляет n байт с головы очереди, возвращает фактически удаленное
func (q *PlaybackQueue) discardLocked(n int) int {
	if n > q.size {
		n = q.size
	}
	left := n
	for left > 0 {
		head := len(q.entries[0]) - q.offset
		take := left
		if take > head {
			take = head
		}
		q.advanceLocked(take)
		left -= take
	}
	return n
}

// advanceLocked сдвигает голову очереди на n байт в пределах первой записи
func (q *PlaybackQueue) advanceLocked(n int) {
	q.offset += n
	q.size -= n
	if q.offset == len(q.entries[0]) {
		q.entries[0] = nil
		q.entries = q.entries[1:]
		q.offset = 0
	}
}

// Len возвращает объем буферизованного PCM в байтах
func (q *PlaybackQueue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.size
}

// Clear отбрасывает все буферизованные данные
func (q *PlaybackQueue) Clear() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.entries = nil
	q.offset = 0
	q.size = 0
}

// Close отбрасывает данные и запрещает дальнейшие Push
func (q *PlaybackQueue) Close() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.closed = true
	q.entries = nil
	q.offset = 0
	q.size = 0
}

// Closed сообщает, закрыта ли очередь
func (q *PlaybackQueue) Closed() bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.closed
}

// MaxBytes максимальная глубина очереди в байтах
func (q *PlaybackQueue) MaxBytes() int {
	return q.maxBytes
}

// Stats возвращает снимок статистики
func (q *PlaybackQueue) Stats() PlaybackQueueStats {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	stats := q.stats
	stats.Buffered = q.size
	return stats
}
