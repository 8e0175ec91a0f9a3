package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/p2p_voice/pkg/logging"
	"github.com/arzzra/p2p_voice/pkg/media"
	"github.com/arzzra/p2p_voice/pkg/metrics"
	"github.com/arzzra/p2p_voice/pkg/rtp"
)

// Session состояние согласования и медиа привязки для одного удаленного участника.
//
// Все переходы состояния выполняются в очереди задач сессии: методы API
// ставят задачу и ждут результата, колбэки движка только ставят задачу.
// Путь данных (кадры захвата и входящие пакеты) идет мимо очереди и читает
// атомарный снимок состояния.
type Session struct {
	peerID string
	orch   *Orchestrator
	logger *logrus.Entry

	queue *taskQueue
	fsm   *fsm.FSM
	state atomic.Value // SessionState

	// allocated закрывается после первой задачи очереди, allocErr ее результат
	allocated chan struct{}
	allocErr  error

	// Изменяются только в очереди задач
	conn               Connection
	gatheringComplete  bool
	transportConnected bool
	published          bool
	negotiating        bool // offer/answer запрошен у движка
	remoteCandidates   map[string]struct{}
	pendingCandidates  []Candidate

	// Снимок для чтения из других горутин
	infoMutex   sync.RWMutex
	role        Role
	localDesc   *Description
	remoteDesc  *Description
	createdAt   time.Time
	connectedAt time.Time

	framer   *rtp.Framer
	codec    *media.CodecAdapter
	playback *media.PlaybackQueue

	framesSent atomic.Uint64
	framesRecv atomic.Uint64
}

func newSession(peerID string, orch *Orchestrator, codec *media.CodecAdapter, playback *media.PlaybackQueue, framer *rtp.Framer) *Session {
	s := &Session{
		peerID:           peerID,
		orch:             orch,
		logger:           logging.WithPeer(orch.logger, peerID),
		queue:            newTaskQueue(),
		allocated:        make(chan struct{}),
		remoteCandidates: make(map[string]struct{}),
		createdAt:        time.Now(),
		framer:           framer,
		codec:            codec,
		playback:         playback,
	}
	s.state.Store(StateIdle)
	s.fsm = newSessionFSM(s.onEnterState)
	return s
}

// PeerID идентификатор удаленного участника
func (s *Session) PeerID() string {
	return s.peerID
}

// State текущее состояние сессии
func (s *Session) State() SessionState {
	return s.state.Load().(SessionState)
}

// Role зафиксированная роль
func (s *Session) Role() Role {
	s.infoMutex.RLock()
	defer s.infoMutex.RUnlock()
	return s.role
}

// LocalDescription последнее локальное описание
func (s *Session) LocalDescription() (Description, bool) {
	s.infoMutex.RLock()
	defer s.infoMutex.RUnlock()
	if s.localDesc == nil {
		return Description{}, false
	}
	return *s.localDesc, true
}

// RemoteDescription принятое удаленное описание
func (s *Session) RemoteDescription() (Description, bool) {
	s.infoMutex.RLock()
	defer s.infoMutex.RUnlock()
	if s.remoteDesc == nil {
		return Description{}, false
	}
	return *s.remoteDesc, true
}

// Info снимок состояния сессии
func (s *Session) Info() SessionInfo {
	s.infoMutex.RLock()
	defer s.infoMutex.RUnlock()
	return SessionInfo{
		PeerID:      s.peerID,
		State:       s.State(),
		Role:        s.role,
		CreatedAt:   s.createdAt,
		ConnectedAt: s.connectedAt,
		FramesSent:  s.framesSent.Load(),
		FramesRecv:  s.framesRecv.Load(),
	}
}

// PlaybackQueue очередь воспроизведения сессии
func (s *Session) PlaybackQueue() *media.PlaybackQueue {
	return s.playback
}

// do выполняет задачу в очереди сессии
func (s *Session) do(op string, task func() error) error {
	err := s.queue.Do(task)
	if errors.Is(err, errQueueStopped) {
		return newSessionClosedError(s.peerID, op)
	}
	return err
}

// startAllocation ставит создание соединения в очередь сессии
func (s *Session) startAllocation() {
	s.queue.Post(func() {
		s.allocErr = s.allocate()
		close(s.allocated)
	})
}

// waitAllocated ждет создания соединения и возвращает его результат
func (s *Session) waitAllocated() error {
	<-s.allocated
	return s.allocErr
}

// requireConnection отклоняет задачу, пришедшую до создания соединения
func (s *Session) requireConnection(op string) error {
	if s.conn == nil {
		return newNegotiationError(s.peerID, op, s.Role(), "соединение не создано", nil)
	}
	return nil
}

// post ставит задачу от колбэка движка
func (s *Session) post(task func()) {
	s.queue.Post(task)
}

// onEnterState вызывается автоматом внутри задачи очереди
func (s *Session) onEnterState(from, to SessionState) {
	s.state.Store(to)
	s.orch.metrics.StateTransition(string(from), string(to))
	s.logger.WithFields(logrus.Fields{
		"from":              string(from),
		logging.FieldState: string(to),
	}).Info("переход состояния сессии")

	s.orch.emit(Event{Type: EventStateChanged, PeerID: s.peerID, State: to})
}

func (s *Session) transition(event string) error {
	return s.fsm.Event(context.Background(), event)
}

// --- Задачи очереди ---

// allocate создает соединение движка
func (s *Session) allocate() error {
	handler := &engineHandler{session: s}
	conn, err := s.orch.engine.NewConnection(s.peerID, handler)
	if err != nil {
		negErr := newNegotiationError(s.peerID, "allocate", RoleUnlocked, "движок не создал соединение", err)
		s.terminate(StateFailed, negErr)
		return negErr
	}
	s.conn = conn
	s.orch.metrics.SessionOpened()

	if err := s.transition(eventAllocate); err != nil {
		return fmt.Errorf("переход allocate: %w", err)
	}
	return nil
}

func (s *Session) generateOffer() error {
	state := s.State()
	if state.IsTerminal() {
		return newSessionClosedError(s.peerID, "generate_offer")
	}
	if err := s.requireConnection("generate_offer"); err != nil {
		return err
	}

	role := s.Role()
	switch role {
	case RoleAnswerer:
		return newNegotiationError(s.peerID, "generate_offer", role, "роль уже зафиксирована", nil)
	case RoleOfferer:
		if s.negotiating {
			return nil
		}
	}
	if state != StateNegotiatingDescription {
		return newNegotiationError(s.peerID, "generate_offer", role,
			fmt.Sprintf("недопустимо в состоянии %s", state), nil)
	}

	s.setRole(RoleOfferer)
	s.negotiating = true
	if err := s.conn.CreateOffer(); err != nil {
		negErr := newNegotiationError(s.peerID, "create_offer", RoleOfferer, "движок не создал offer", err)
		s.fail(negErr)
		return negErr
	}
	return nil
}

func (s *Session) handleRemoteDescription(desc Description) error {
	if s.State().IsTerminal() {
		return newSessionClosedError(s.peerID, "remote_description")
	}
	if err := s.requireConnection("remote_description"); err != nil {
		return err
	}

	s.infoMutex.RLock()
	role := s.role
	previous := s.remoteDesc
	s.infoMutex.RUnlock()

	if previous != nil {
		if previous.SDP == desc.SDP && previous.Type == desc.Type {
			s.logger.Debug("повторное удаленное описание проигнорировано")
			return nil
		}
		return newNegotiationError(s.peerID, "remote_description", role, "повторное согласование не поддерживается", nil)
	}

	switch {
	case role == RoleUnlocked && desc.Type == DescriptionOffer:
		role = RoleAnswerer
		s.setRole(role)
	case role == RoleUnlocked:
		return newNegotiationError(s.peerID, "remote_description", role, "answer без offer", nil)
	case role.LocalType() == desc.Type:
		// Встречные offer (glare) или answer на answer
		return newNegotiationError(s.peerID, "remote_description", role,
			fmt.Sprintf("получен %s при роли %s", desc.Type, role), nil)
	}

	if err := s.conn.SetRemoteDescription(desc); err != nil {
		negErr := newNegotiationError(s.peerID, "set_remote_description", role, "движок отклонил описание", err)
		s.fail(negErr)
		return negErr
	}

	s.infoMutex.Lock()
	s.remoteDesc = &desc
	s.infoMutex.Unlock()

	s.logger.WithField("role", role.String()).Info("удаленное описание принято")

	if err := s.flushPendingCandidates(); err != nil {
		return err
	}

	if role == RoleAnswerer {
		s.negotiating = true
		if err := s.conn.CreateAnswer(); err != nil {
			negErr := newNegotiationError(s.peerID, "create_answer", role, "движок не создал answer", err)
			s.fail(negErr)
			return negErr
		}
	}
	return nil
}

func (s *Session) handleRemoteCandidate(c Candidate) error {
	if s.State().IsTerminal() {
		return newSessionClosedError(s.peerID, "remote_candidate")
	}
	if err := s.requireConnection("remote_candidate"); err != nil {
		return err
	}

	key := c.Mid + "|" + c.Candidate
	if _, seen := s.remoteCandidates[key]; seen {
		return nil
	}
	s.remoteCandidates[key] = struct{}{}

	if _, ok := s.RemoteDescription(); !ok {
		// Движок принимает кандидатов только после удаленного описания
		s.pendingCandidates = append(s.pendingCandidates, c)
		return nil
	}
	return s.addCandidate(c)
}

func (s *Session) flushPendingCandidates() error {
	pending := s.pendingCandidates
	s.pendingCandidates = nil
	for _, c := range pending {
		if err := s.addCandidate(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) addCandidate(c Candidate) error {
	if err := s.conn.AddRemoteCandidate(c); err != nil {
		negErr := newNegotiationError(s.peerID, "add_candidate", s.Role(), "движок отклонил кандидата", err)
		if s.State().IsNegotiating() {
			s.fail(negErr)
		} else {
			s.logger.WithError(negErr).Warn("кандидат отклонен")
		}
		return negErr
	}
	return nil
}

// --- Колбэки движка (выполняются в очереди) ---

func (s *Session) onLocalDescription(desc Description) {
	state := s.State()
	if state.IsTerminal() {
		return
	}

	role := s.Role()
	if role == RoleUnlocked || desc.Type != role.LocalType() {
		s.fail(newNegotiationError(s.peerID, "local_description", role,
			fmt.Sprintf("тип локального описания %q не соответствует роли", desc.Type), nil))
		return
	}

	s.infoMutex.Lock()
	s.localDesc = &desc
	s.infoMutex.Unlock()

	if state == StateNegotiatingDescription {
		if err := s.transition(eventLocalDescription); err != nil {
			s.logger.WithError(err).Error("переход local_description")
			return
		}
	}

	s.maybePublish()
	s.maybeConnect()
}

func (s *Session) onLocalCandidate(c Candidate) {
	if s.State().IsTerminal() {
		return
	}

	payload := fmt.Sprintf(`{"candidate":%q,"mid":%q}`, c.Candidate, c.Mid)
	s.orch.emit(Event{Type: EventLocalCandidate, PeerID: s.peerID, State: s.State(), Payload: payload})

	if !s.orch.config.TrickleCandidates {
		return
	}
	if err := s.orch.signaler.SendCandidate(s.peerID, c); err != nil {
		s.logger.WithError(&SignalingDeliveryError{PeerID: s.peerID, What: "candidate", Wrapped: err}).
			Warn("кандидат не доставлен")
	}
}

func (s *Session) onGatheringStateChange(state GatheringState) {
	if s.State().IsTerminal() || state != GatheringComplete {
		return
	}
	s.gatheringComplete = true
	s.logger.Debug("сбор кандидатов завершен")

	s.maybePublish()
	s.maybeConnect()
}

func (s *Session) onConnectionStateChange(state ConnectionState) {
	current := s.State()
	if current.IsTerminal() {
		return
	}

	s.logger.WithField("transport", state.String()).Debug("состояние транспорта")

	switch state {
	case ConnectionConnected:
		s.transportConnected = true
		s.maybeConnect()
	case ConnectionDisconnected:
		// Движок либо восстановит связь, либо сообщит failed
		s.transportConnected = false
	case ConnectionFailed, ConnectionClosed:
		cause := fmt.Errorf("транспорт перешел в состояние %s", state)
		if current.IsNegotiating() {
			s.fail(cause)
		} else {
			s.terminate(StateClosed, cause)
		}
	}
}

// maybePublish публикует локальное описание после завершения сбора кандидатов.
// Описание обновляется у движка, чтобы включить собранных кандидатов.
func (s *Session) maybePublish() {
	if s.published || !s.gatheringComplete || s.State() != StateNegotiatingGathering {
		return
	}

	desc, ok := s.LocalDescription()
	if !ok {
		return
	}
	if fresh, ok := s.conn.LocalDescription(); ok && fresh.Type == desc.Type {
		desc = fresh
		s.infoMutex.Lock()
		s.localDesc = &fresh
		s.infoMutex.Unlock()
	}
	s.published = true

	eventType := EventOfferReady
	if desc.Type == DescriptionAnswer {
		eventType = EventAnswerReady
	}
	s.orch.emit(Event{Type: eventType, PeerID: s.peerID, State: s.State(), Payload: desc.JSON()})

	if err := s.orch.signaler.SendDescription(s.peerID, desc); err != nil {
		s.logger.WithError(&SignalingDeliveryError{PeerID: s.peerID, What: "description", Wrapped: err}).
			Warn("описание не доставлено")
		return
	}
	s.logger.WithField("type", string(desc.Type)).Info("локальное описание опубликовано")
}

// maybeConnect переводит сессию в connected, когда собраны кандидаты и транспорт подключен
func (s *Session) maybeConnect() {
	if s.State() != StateNegotiatingGathering || !s.gatheringComplete || !s.published || !s.transportConnected {
		return
	}

	// Привязки создаются до перехода: путь данных начинает работать с момента смены состояния
	if s.orch.mixer != nil {
		s.orch.mixer.Attach(s.peerID, s.playback)
	}
	if s.orch.capture != nil {
		s.orch.capture.Subscribe(s.peerID, captureSink{session: s})
	}

	if err := s.transition(eventConnect); err != nil {
		s.logger.WithError(err).Error("переход connect")
		return
	}

	s.infoMutex.Lock()
	s.connectedAt = time.Now()
	elapsed := s.connectedAt.Sub(s.createdAt)
	s.infoMutex.Unlock()
	s.orch.metrics.NegotiationCompleted(elapsed)
}

// fail переводит сессию в failed (из согласования) либо в closed
func (s *Session) fail(cause error) {
	s.logger.WithError(cause).Error("сбой согласования")
	if s.State() == StateConnected {
		s.terminate(StateClosed, cause)
		return
	}
	s.terminate(StateFailed, cause)
}

// terminate выполняет переход в конечное состояние и освобождает ресурсы.
// Повторный вызов ничего не делает.
func (s *Session) terminate(target SessionState, cause error) {
	if s.State().IsTerminal() {
		return
	}

	event := eventClose
	if target == StateFailed {
		event = eventFail
	}
	if err := s.transition(event); err != nil {
		s.logger.WithError(err).Error("переход в конечное состояние")
		return
	}

	if s.orch.capture != nil {
		s.orch.capture.Unsubscribe(s.peerID)
	}
	if s.orch.mixer != nil {
		s.orch.mixer.Detach(s.peerID)
	}
	s.playback.Close()

	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.WithError(err).Debug("ошибка закрытия соединения")
		}
		s.orch.metrics.SessionClosed()
	}

	s.orch.remove(s)

	eventType := EventClosed
	if target == StateFailed {
		eventType = EventFailed
	}
	s.orch.emit(Event{Type: eventType, PeerID: s.peerID, State: target, Err: cause})

	// Задачи, поставленные до остановки, выполнятся и увидят конечное состояние
	s.queue.stop()
}

func (s *Session) close(cause error) error {
	s.terminate(StateClosed, cause)
	return nil
}

func (s *Session) setRole(role Role) {
	s.infoMutex.Lock()
	defer s.infoMutex.Unlock()
	if s.role == RoleUnlocked {
		s.role = role
	}
}

// --- Путь данных ---

// SendFrame оборачивает сжатый кадр в RTP и отправляет его в транспорт.
// До connected кадр отбрасывается, после завершения сессии возвращается SessionClosedError.
func (s *Session) SendFrame(frame []byte) error {
	state := s.State()
	if state.IsTerminal() {
		return newSessionClosedError(s.peerID, "send")
	}
	if state != StateConnected {
		s.orch.metrics.FrameDropped(metrics.DropReasonNotConnected)
		return nil
	}

	packet, err := s.framer.Wrap(frame)
	if err != nil {
		s.orch.metrics.FrameDropped(metrics.DropReasonFraming)
		return err
	}
	if err := s.conn.WritePacket(packet); err != nil {
		s.orch.metrics.FrameDropped(metrics.DropReasonWrite)
		return err
	}
	s.framesSent.Add(1)
	s.orch.metrics.FrameSent()
	return nil
}

// ReceivePacket снимает RTP заголовок, декодирует кадр и кладет PCM в очередь воспроизведения.
// Некорректный пакет отбрасывается, нераскодированный кадр заменяется тишиной.
func (s *Session) ReceivePacket(packet []byte) error {
	state := s.State()
	if state.IsTerminal() {
		return newSessionClosedError(s.peerID, "push")
	}
	s.orch.metrics.FrameReceived()

	if state != StateConnected {
		s.orch.metrics.FrameDropped(metrics.DropReasonNotConnected)
		return nil
	}

	frame, err := rtp.Unwrap(packet)
	if err != nil {
		s.orch.metrics.FrameDropped(metrics.DropReasonFraming)
		s.logger.WithError(err).Debug("пакет отброшен")
		return err
	}

	pcm, err := s.codec.Decode(frame)
	if err != nil {
		s.orch.metrics.FrameDropped(metrics.DropReasonDecode)
		s.logger.WithError(err).Debug("кадр заменен тишиной")
		pcm = s.codec.Silence()
	}

	if err := s.playback.Push(media.SamplesToBytes(pcm)); err != nil {
		return err
	}
	s.framesRecv.Add(1)
	return nil
}

// engineHandler принимает колбэки движка и ставит их в очередь сессии
type engineHandler struct {
	session *Session
}

func (h *engineHandler) OnLocalDescription(desc Description) {
	h.session.post(func() { h.session.onLocalDescription(desc) })
}

func (h *engineHandler) OnLocalCandidate(c Candidate) {
	h.session.post(func() { h.session.onLocalCandidate(c) })
}

func (h *engineHandler) OnGatheringStateChange(state GatheringState) {
	h.session.post(func() { h.session.onGatheringStateChange(state) })
}

func (h *engineHandler) OnConnectionStateChange(state ConnectionState) {
	h.session.post(func() { h.session.onConnectionStateChange(state) })
}

func (h *engineHandler) OnTrackData(packet []byte) {
	_ = h.session.ReceivePacket(packet)
}

// captureSink получает кадры конвейера захвата
type captureSink struct {
	session *Session
}

func (c captureSink) OnFrameReady(frame []byte) {
	if err := c.session.SendFrame(frame); err != nil {
		c.session.logger.WithError(err).Debug("кадр не отправлен")
	}
}
