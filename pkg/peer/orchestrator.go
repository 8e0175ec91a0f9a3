// Package peer управляет согласованием голосовых сессий с удаленными участниками.
//
// Orchestrator держит не более одной живой сессии на идентификатор участника,
// реагирует на сообщения сигнализации (HandleRemoteDescription,
// HandleRemoteCandidate) и на колбэки транспортного движка, а после
// установления соединения подключает сессию к конвейеру захвата и микшеру
// воспроизведения.
//
// # Состояния сессии
//
//	idle -> negotiating_description -> negotiating_gathering -> connected -> closed
//	                 \________________________/
//	                            |
//	                          failed
//
// Локальное описание публикуется в канал сигнализации, когда движок завершил
// сбор кандидатов. В connected сессия переходит, когда сбор завершен и
// транспорт сообщил о подключении.
//
// # Пример
//
//	orch, err := peer.NewOrchestrator(peer.DefaultConfig(), peer.Dependencies{
//	    Engine:   engine,
//	    Signaler: client,
//	    Decoders: opus_codec.DecoderFactory(),
//	    Capture:  pipeline,
//	    Mixer:    mixer,
//	})
//	orch.AddObserver(peer.ObserverFunc(func(e peer.Event) { log.Println(e.Type, e.PeerID) }))
//	err = orch.GenerateOffer("bob")
package peer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/p2p_voice/pkg/logging"
	"github.com/arzzra/p2p_voice/pkg/media"
	"github.com/arzzra/p2p_voice/pkg/metrics"
	"github.com/arzzra/p2p_voice/pkg/rtp"
)

// Config параметры сессий
type Config struct {
	Format        media.AudioFormat
	Framer        rtp.FramerConfig
	PlaybackQueue media.PlaybackQueueConfig

	// TrickleCandidates отправлять локальных кандидатов по мере сбора.
	// По умолчанию кандидаты передаются только в составе описания.
	TrickleCandidates bool
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Format:            media.DefaultAudioFormat(),
		Framer:            rtp.DefaultFramerConfig(),
		PlaybackQueue:     media.DefaultPlaybackQueueConfig(),
		TrickleCandidates: false,
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if err := c.Format.Validate(); err != nil {
		return fmt.Errorf("формат: %w", err)
	}
	if err := c.Framer.Validate(); err != nil {
		return fmt.Errorf("framer: %w", err)
	}
	if err := c.PlaybackQueue.Validate(); err != nil {
		return fmt.Errorf("очередь воспроизведения: %w", err)
	}
	if c.PlaybackQueue.Format != c.Format {
		return errors.New("формат очереди воспроизведения не совпадает с форматом сессии")
	}
	return nil
}

// Dependencies внешние компоненты оркестратора.
// Engine, Signaler и Decoders обязательны.
type Dependencies struct {
	Engine   Engine
	Signaler Signaler
	Decoders media.DecoderFactory

	Capture *media.CapturePipeline
	Mixer   *media.PlaybackMixer
	Metrics *metrics.Collector
	Logger  *logrus.Entry
	Clock   rtp.Clock
}

// Orchestrator владеет сессиями по идентификаторам участников
type Orchestrator struct {
	config   Config
	engine   Engine
	signaler Signaler
	decoders media.DecoderFactory
	capture  *media.CapturePipeline
	mixer    *media.PlaybackMixer
	metrics  *metrics.Collector
	logger   *logrus.Entry
	clock    rtp.Clock

	mutex     sync.RWMutex
	sessions  map[string]*Session
	observers []Observer
	closed    bool

	events     *taskQueue
	delivering atomic.Bool // горутина событий внутри обработчика наблюдателя
}

// NewOrchestrator создает оркестратор
func NewOrchestrator(config Config, deps Dependencies) (*Orchestrator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps.Engine == nil || deps.Signaler == nil || deps.Decoders == nil {
		return nil, errors.New("не заданы Engine, Signaler или Decoders")
	}

	return &Orchestrator{
		config:   config,
		engine:   deps.Engine,
		signaler: deps.Signaler,
		decoders: deps.Decoders,
		capture:  deps.Capture,
		mixer:    deps.Mixer,
		metrics:  deps.Metrics,
		logger:   logging.WithComponent(deps.Logger, "peer"),
		clock:    deps.Clock,
		sessions: make(map[string]*Session),
		events:   newTaskQueue(),
	}, nil
}

// AddObserver подписывает наблюдателя на события всех сессий
func (o *Orchestrator) AddObserver(observer Observer) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.observers = append(o.observers, observer)
}

// AddPeer создает сессию для участника. Для живой сессии возвращает ее же.
func (o *Orchestrator) AddPeer(peerID string) (*Session, error) {
	if peerID == "" {
		return nil, errors.New("пустой идентификатор участника")
	}

	o.mutex.Lock()
	if o.closed {
		o.mutex.Unlock()
		return nil, newSessionClosedError(peerID, "add_peer")
	}
	if s, ok := o.sessions[peerID]; ok {
		o.mutex.Unlock()
		if err := s.waitAllocated(); err != nil {
			return nil, err
		}
		return s, nil
	}

	s, err := o.newSession(peerID)
	if err != nil {
		o.mutex.Unlock()
		return nil, err
	}
	o.sessions[peerID] = s
	// Создание соединения встает в очередь раньше любой задачи, поставленной
	// другими вызовами после того, как сессия стала видна
	s.startAllocation()
	o.mutex.Unlock()

	o.logger.WithField(logging.FieldPeerID, peerID).Info("новая сессия")

	if err := s.waitAllocated(); err != nil {
		return nil, err
	}
	return s, nil
}

func (o *Orchestrator) newSession(peerID string) (*Session, error) {
	decoder, err := o.decoders(o.config.Format)
	if err != nil {
		return nil, fmt.Errorf("декодер для %s: %w", peerID, err)
	}
	codec, err := media.NewCodecAdapter(o.config.Format, nil, decoder)
	if err != nil {
		return nil, err
	}
	playback, err := media.NewPlaybackQueue(o.config.PlaybackQueue, o.metrics)
	if err != nil {
		return nil, err
	}
	framer, err := rtp.NewFramer(o.config.Framer, o.clock)
	if err != nil {
		return nil, err
	}
	return newSession(peerID, o, codec, playback, framer), nil
}

// GenerateOffer фиксирует роль offerer и запрашивает у движка offer.
// Сессия создается при необходимости.
func (o *Orchestrator) GenerateOffer(peerID string) error {
	s, err := o.AddPeer(peerID)
	if err != nil {
		return err
	}
	return s.do("generate_offer", s.generateOffer)
}

// HandleRemoteDescription обрабатывает описание, полученное по сигнализации
func (o *Orchestrator) HandleRemoteDescription(peerID string, desc Description) error {
	if !desc.Type.Valid() {
		return fmt.Errorf("неизвестный тип описания: %q", desc.Type)
	}

	s, err := o.AddPeer(peerID)
	if err != nil {
		return err
	}
	return s.do("remote_description", func() error {
		return s.handleRemoteDescription(desc)
	})
}

// HandleRemoteCandidate передает кандидата движку. Без сессии кандидат игнорируется.
func (o *Orchestrator) HandleRemoteCandidate(peerID string, c Candidate) error {
	s, ok := o.Session(peerID)
	if !ok {
		o.logger.WithField(logging.FieldPeerID, peerID).Warn("кандидат для неизвестного участника проигнорирован")
		return nil
	}
	return s.do("remote_candidate", func() error {
		return s.handleRemoteCandidate(c)
	})
}

// ClosePeer завершает сессию участника
func (o *Orchestrator) ClosePeer(peerID string) error {
	s, ok := o.Session(peerID)
	if !ok {
		return newSessionClosedError(peerID, "close")
	}
	return s.do("close", func() error {
		return s.close(errors.New("закрыто приложением"))
	})
}

// SendFrame отправляет сжатый кадр участнику напрямую, минуя конвейер захвата
func (o *Orchestrator) SendFrame(peerID string, frame []byte) error {
	s, ok := o.Session(peerID)
	if !ok {
		return newSessionClosedError(peerID, "send")
	}
	return s.SendFrame(frame)
}

// ReapStale закрывает сессии, не завершившие согласование за maxAge.
// Возвращает идентификаторы закрытых сессий.
func (o *Orchestrator) ReapStale(maxAge time.Duration) []string {
	now := time.Now()
	var stale []string
	for _, info := range o.Sessions() {
		if info.State.IsNegotiating() && now.Sub(info.CreatedAt) > maxAge {
			stale = append(stale, info.PeerID)
		}
	}

	for _, peerID := range stale {
		s, ok := o.Session(peerID)
		if !ok {
			continue
		}
		_ = s.do("reap", func() error {
			if s.State().IsNegotiating() {
				s.fail(fmt.Errorf("согласование не завершено за %v", maxAge))
			}
			return nil
		})
	}
	return stale
}

// Session возвращает живую сессию участника
func (o *Orchestrator) Session(peerID string) (*Session, bool) {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	s, ok := o.sessions[peerID]
	return s, ok
}

// Sessions снимок всех живых сессий, упорядоченный по идентификатору
func (o *Orchestrator) Sessions() []SessionInfo {
	o.mutex.RLock()
	sessions := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.mutex.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].PeerID < infos[j].PeerID })
	return infos
}

// Close завершает все сессии и останавливает доставку событий.
// Уже возникшие события доставляются до возврата, кроме вызова из
// обработчика наблюдателя: тогда они доставляются после его завершения.
func (o *Orchestrator) Close() error {
	o.mutex.Lock()
	if o.closed {
		o.mutex.Unlock()
		return nil
	}
	o.closed = true
	sessions := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.mutex.Unlock()

	for _, s := range sessions {
		_ = s.do("close", func() error {
			return s.close(errors.New("оркестратор остановлен"))
		})
	}

	o.events.stop()
	if !o.delivering.Load() {
		o.events.wait()
	}
	return nil
}

// remove убирает сессию из живого набора, если она там еще числится
func (o *Orchestrator) remove(s *Session) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if current, ok := o.sessions[s.peerID]; ok && current == s {
		delete(o.sessions, s.peerID)
	}
}

// emit доставляет событие наблюдателям в порядке возникновения
func (o *Orchestrator) emit(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	o.events.Post(func() {
		o.mutex.RLock()
		observers := append([]Observer(nil), o.observers...)
		o.mutex.RUnlock()

		o.delivering.Store(true)
		defer o.delivering.Store(false)
		for _, observer := range observers {
			observer.OnSessionEvent(event)
		}
	})
}
