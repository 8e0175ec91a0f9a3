package media

import (
	"encoding/binary"
	"math"
	"sort"
	"sync"
)

// PlaybackMixer сводит очереди всех подключенных сессий в один поток устройства.
// Сэмплы суммируются с насыщением до диапазона int16.
type PlaybackMixer struct {
	format AudioFormat

	mutex  sync.RWMutex
	queues map[string]*PlaybackQueue
}

// NewPlaybackMixer создает микшер для указанного формата
func NewPlaybackMixer(format AudioFormat) *PlaybackMixer {
	return &PlaybackMixer{
		format: format,
		queues: make(map[string]*PlaybackQueue),
	}
}

// Attach подключает очередь сессии. Повторное подключение заменяет очередь.
func (m *PlaybackMixer) Attach(id string, queue *PlaybackQueue) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.queues[id] = queue
}

// Detach отключает очередь сессии
func (m *PlaybackMixer) Detach(id string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.queues, id)
}

// Sources возвращает идентификаторы подключенных очередей
func (m *PlaybackMixer) Sources() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	ids := make([]string, 0, len(m.queues))
	for id := range m.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Pull читает до maxBytes из каждой очереди и возвращает их сумму.
// Длина результата равна самой длинной прочитанной части, пустой срез если данных нет.
// Сигнатура совпадает с колбэком PlaybackDevice.
func (m *PlaybackMixer) Pull(maxBytes int) []byte {
	m.mutex.RLock()
	queues := make([]*PlaybackQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mutex.RUnlock()

	var mixed []byte
	for _, q := range queues {
		chunk := q.Pull(maxBytes)
		if len(chunk) == 0 {
			continue
		}
		if mixed == nil {
			mixed = chunk
			continue
		}
		mixed = mixInto(mixed, chunk)
	}
	return mixed
}

// mixInto суммирует два little-endian int16 буфера, результат длиной max(len(a), len(b))
func mixInto(a, b []byte) []byte {
	if len(b) > len(a) {
		a, b = b, a
	}
	for i := 0; i+1 < len(b); i += BytesPerSample {
		sum := int32(int16(binary.LittleEndian.Uint16(a[i:]))) + int32(int16(binary.LittleEndian.Uint16(b[i:])))
		binary.LittleEndian.PutUint16(a[i:], uint16(saturate(sum)))
	}
	return a
}

func saturate(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
