// Package rtc_engine реализует транспортный движок сессий на pion/webrtc.
//
// Движок отвечает за ICE, DTLS-SRTP и SDP согласование. Каждое соединение
// несет один исходящий аудио трек Opus и принимает один входящий. Пакеты
// передаются в трек уже собранными (заголовок RTP фиксированной длины),
// pion переписывает в них только SSRC и payload type согласованной привязки.
// Интерцепторы и расширения заголовка не регистрируются, поэтому входящие
// пакеты также приходят без расширений.
package rtc_engine

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/p2p_voice/pkg/logging"
	"github.com/arzzra/p2p_voice/pkg/media_sdp"
	"github.com/arzzra/p2p_voice/pkg/peer"
	"github.com/arzzra/p2p_voice/pkg/rtp"
)

const (
	DefaultSTUNServer   = "stun:stun.l.google.com:19302"
	DefaultReceiveMTU   = 16384
	DefaultReplayWindow = 1024

	opusChannels  = 2 // Opus в SDP всегда объявляется как opus/48000/2
)

// Config параметры движка
type Config struct {
	ICEServers   []string
	PayloadType  rtp.PayloadType
	Bitrate      int  // maxaveragebitrate в fmtp
	InbandFEC    bool // useinbandfec в fmtp
	ReceiveMTU   uint
	ReplayWindow uint
	StreamID     string
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		ICEServers:   []string{DefaultSTUNServer},
		PayloadType:  rtp.PayloadTypeOpus,
		Bitrate:      48000,
		InbandFEC:    true,
		ReceiveMTU:   DefaultReceiveMTU,
		ReplayWindow: DefaultReplayWindow,
		StreamID:     "p2p_voice",
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if c.PayloadType > 127 {
		return fmt.Errorf("payload type %d вне диапазона 0..127", c.PayloadType)
	}
	if c.Bitrate < 0 {
		return fmt.Errorf("отрицательный битрейт: %d", c.Bitrate)
	}
	if c.StreamID == "" {
		return errors.New("пустой StreamID")
	}
	return nil
}

func (c Config) codecCapability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   rtp.ClockRateOpus,
		Channels:    opusChannels,
		SDPFmtpLine: media_sdp.OpusFmtp(c.Bitrate, c.InbandFEC),
	}
}

// Engine создает соединения pion с общим набором настроек
type Engine struct {
	config Config
	api    *webrtc.API
	logger *logrus.Entry
}

// NewEngine регистрирует Opus в MediaEngine и строит API
func NewEngine(config Config, logger *logrus.Entry) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: config.codecCapability(),
		PayloadType:        webrtc.PayloadType(config.PayloadType),
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("регистрация opus: %w", err)
	}

	se := webrtc.SettingEngine{}
	if config.ReceiveMTU > 0 {
		se.SetReceiveMTU(config.ReceiveMTU)
	}
	if config.ReplayWindow > 0 {
		se.SetSRTPReplayProtectionWindow(config.ReplayWindow)
	}

	return &Engine{
		config: config,
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se)),
		logger: logging.WithComponent(logger, "rtc_engine"),
	}, nil
}

func (e *Engine) iceServers() []webrtc.ICEServer {
	if len(e.config.ICEServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: e.config.ICEServers}}
}

// NewConnection создает PeerConnection с исходящим аудио треком
func (e *Engine) NewConnection(peerID string, handler peer.EventHandler) (peer.Connection, error) {
	if handler == nil {
		return nil, errors.New("не задан обработчик событий")
	}

	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: e.iceServers()})
	if err != nil {
		return nil, fmt.Errorf("создание peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(e.config.codecCapability(), "audio", e.config.StreamID)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("создание аудио трека: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("добавление аудио трека: %w", err)
	}

	c := &Connection{
		peerID:  peerID,
		pc:      pc,
		track:   track,
		handler: handler,
		logger:  logging.WithPeer(e.logger, peerID),
	}
	c.registerEventHandlers()

	// RTCP нужно вычитывать, иначе отправитель не обработает отчеты
	c.wg.Add(1)
	go c.drainRTCP(sender)

	return c, nil
}

// Connection соединение с одним участником поверх webrtc.PeerConnection
type Connection struct {
	peerID  string
	pc      *webrtc.PeerConnection
	track   *webrtc.TrackLocalStaticRTP
	handler peer.EventHandler
	logger  *logrus.Entry

	mutex     sync.Mutex
	gathering bool
	closed    bool

	wg sync.WaitGroup
}

func (c *Connection) registerEventHandlers() {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		// nil кандидат означает окончание сбора
		if cand == nil {
			c.handler.OnGatheringStateChange(peer.GatheringComplete)
			return
		}
		ci := cand.ToJSON()
		mid := ""
		if ci.SDPMid != nil {
			mid = *ci.SDPMid
		}
		c.handler.OnLocalCandidate(peer.Candidate{Candidate: ci.Candidate, Mid: mid})
	})

	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.WithField(logging.FieldState, state.String()).Debug("состояние peer connection")
		if mapped, ok := mapConnectionState(state); ok {
			c.handler.OnConnectionStateChange(mapped)
		}
	})

	c.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			c.logger.WithField("kind", remote.Kind().String()).Warn("неожиданный входящий трек")
			return
		}
		c.logger.WithField("codec", remote.Codec().MimeType).Info("входящий аудио трек")
		c.wg.Add(1)
		go c.readTrack(remote)
	})
}

func mapConnectionState(state webrtc.PeerConnectionState) (peer.ConnectionState, bool) {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return peer.ConnectionNew, true
	case webrtc.PeerConnectionStateConnecting:
		return peer.ConnectionConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return peer.ConnectionConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return peer.ConnectionDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return peer.ConnectionFailed, true
	case webrtc.PeerConnectionStateClosed:
		return peer.ConnectionClosed, true
	default:
		return 0, false
	}
}

func (c *Connection) readTrack(remote *webrtc.TrackRemote) {
	defer c.wg.Done()

	buf := make([]byte, DefaultReceiveMTU)
	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.WithError(err).Debug("чтение входящего трека завершено")
			}
			return
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		c.handler.OnTrackData(packet)
	}
}

func (c *Connection) drainRTCP(sender *webrtc.RTPSender) {
	defer c.wg.Done()

	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// CreateOffer создает offer и устанавливает его локальным описанием
func (c *Connection) CreateOffer() error {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("не удалось создать offer: %w", err)
	}
	return c.applyLocal(offer)
}

// CreateAnswer создает answer на установленный удаленный offer
func (c *Connection) CreateAnswer() error {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("не удалось создать answer: %w", err)
	}
	return c.applyLocal(answer)
}

func (c *Connection) applyLocal(desc webrtc.SessionDescription) error {
	c.mutex.Lock()
	startGathering := !c.gathering
	c.gathering = true
	c.mutex.Unlock()

	if startGathering {
		c.handler.OnGatheringStateChange(peer.GatheringInProgress)
	}
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("не удалось установить локальное описание: %w", err)
	}
	c.handler.OnLocalDescription(peer.Description{
		Type: peer.DescriptionType(desc.Type.String()),
		SDP:  desc.SDP,
	})
	return nil
}

// SetRemoteDescription проверяет аудио секцию и передает описание pion
func (c *Connection) SetRemoteDescription(desc peer.Description) error {
	section, err := media_sdp.InspectAudio(desc.SDP, media_sdp.CodecOpus)
	if err != nil {
		return err
	}
	c.logger.WithFields(logrus.Fields{
		"type":       string(desc.Type),
		"pt":         section.PayloadType,
		"direction":  section.Direction.String(),
		"candidates": section.Candidates,
	}).Debug("удаленное описание")

	if err := section.RequireReceive(); err != nil {
		return err
	}
	if !section.LocalDirection().CanSend() {
		c.logger.Warn("удаленная сторона не принимает звук, исходящий поток не будет доставлен")
	}

	sdpType := webrtc.NewSDPType(string(desc.Type))
	if sdpType != webrtc.SDPTypeOffer && sdpType != webrtc.SDPTypeAnswer {
		return fmt.Errorf("неподдерживаемый тип описания: %q", desc.Type)
	}
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}); err != nil {
		return fmt.Errorf("не удалось установить удаленное описание: %w", err)
	}
	return nil
}

// AddRemoteCandidate добавляет кандидата удаленной стороны
func (c *Connection) AddRemoteCandidate(cand peer.Candidate) error {
	ci := webrtc.ICECandidateInit{Candidate: cand.Candidate}
	if cand.Mid != "" {
		mid := cand.Mid
		ci.SDPMid = &mid
	}
	if err := c.pc.AddICECandidate(ci); err != nil {
		return fmt.Errorf("не удалось добавить кандидата: %w", err)
	}
	return nil
}

// LocalDescription текущее локальное описание pion, включая собранных кандидатов
func (c *Connection) LocalDescription() (peer.Description, bool) {
	desc := c.pc.LocalDescription()
	if desc == nil {
		return peer.Description{}, false
	}
	return peer.Description{Type: peer.DescriptionType(desc.Type.String()), SDP: desc.SDP}, true
}

// WritePacket отправляет RTP пакет в исходящий трек
func (c *Connection) WritePacket(packet []byte) error {
	if _, err := c.track.Write(packet); err != nil {
		return fmt.Errorf("запись в аудио трек: %w", err)
	}
	return nil
}

// Close закрывает PeerConnection и дожидается завершения горутин чтения
func (c *Connection) Close() error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil
	}
	c.closed = true
	c.mutex.Unlock()

	err := c.pc.Close()
	c.wg.Wait()
	return err
}
