package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/p2p_voice/pkg/logging"
	"github.com/arzzra/p2p_voice/pkg/metrics"
	"github.com/arzzra/p2p_voice/pkg/peer"
)

// ErrNotConnected клиент не подключен к ретранслятору
var ErrNotConnected = errors.New("сигнализация не подключена")

// Handler получает входящие описания и кандидатов. Реализуется peer.Orchestrator.
type Handler interface {
	HandleRemoteDescription(peerID string, desc peer.Description) error
	HandleRemoteCandidate(peerID string, c peer.Candidate) error
}

// ClientConfig параметры клиента сигнализации
type ClientConfig struct {
	URL              string
	HandshakeTimeout time.Duration
}

// DefaultClientConfig возвращает конфигурацию по умолчанию
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		URL:              "ws://127.0.0.1:3000/ws",
		HandshakeTimeout: 10 * time.Second,
	}
}

// Client подключение к ретранслятору. Реализует peer.Signaler.
type Client struct {
	config  ClientConfig
	logger  *logrus.Entry
	metrics *metrics.Collector

	mutex   sync.RWMutex
	send    chan Message
	id      string
	idReady chan struct{}
	idOnce  sync.Once
}

var _ peer.Signaler = (*Client)(nil)

// NewClient создает клиента. Подключение выполняет Run.
func NewClient(config ClientConfig, logger *logrus.Entry, collector *metrics.Collector) *Client {
	return &Client{
		config:  config,
		logger:  logging.WithComponent(logger, "signaling_client"),
		metrics: collector,
		idReady: make(chan struct{}),
	}
}

// ID идентификатор, выданный ретранслятором. Пустой до получения your_id.
func (c *Client) ID() string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.id
}

// WaitID ждет события your_id
func (c *Client) WaitID(ctx context.Context) (string, error) {
	select {
	case <-c.idReady:
		return c.ID(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Run подключается к ретранслятору и обслуживает соединение до отмены ctx
// или разрыва. Входящие сообщения передаются handler из горутины чтения.
// При отмене ctx возвращает nil.
func (c *Client) Run(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("не задан обработчик сигнализации")
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		return fmt.Errorf("подключение к сигнализации %s: %w", c.config.URL, err)
	}
	c.logger.WithField("url", c.config.URL).Info("подключено к сигнализации")

	send := make(chan Message, _sendBuffer)
	c.mutex.Lock()
	c.send = send
	c.mutex.Unlock()
	defer func() {
		c.mutex.Lock()
		c.send = nil
		c.mutex.Unlock()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(conn, handler) })
	g.Go(func() error { return c.writeLoop(gctx, conn, send) })
	err = g.Wait()

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// SendDescription отправляет описание сессии участнику
func (c *Client) SendDescription(peerID string, desc peer.Description) error {
	m, err := DescriptionMessage(peerID, desc)
	if err != nil {
		return err
	}
	return c.enqueue(m)
}

// SendCandidate отправляет ICE кандидата участнику
func (c *Client) SendCandidate(peerID string, cand peer.Candidate) error {
	return c.enqueue(CandidateMessage(peerID, cand))
}

func (c *Client) enqueue(m Message) error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if c.send == nil {
		return ErrNotConnected
	}
	select {
	case c.send <- m:
		return nil
	default:
		return errSlowClient
	}
}

func (c *Client) readLoop(conn *websocket.Conn, handler Handler) error {
	conn.SetReadLimit(_maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(_pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(_pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(_writeWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(_pongWait))

		m, err := ParseMessage(data)
		if err != nil {
			c.logger.WithError(err).Warn("сообщение отброшено")
			continue
		}
		c.metrics.SignalingMessage(string(m.Event), metrics.DirectionIn)
		c.dispatch(m, handler)
	}
}

func (c *Client) dispatch(m Message, handler Handler) {
	logger := c.logger.WithField(logging.FieldEvent, string(m.Event))

	switch m.Event {
	case EventYourID:
		c.mutex.Lock()
		c.id = m.ID
		c.mutex.Unlock()
		c.idOnce.Do(func() { close(c.idReady) })
		logger.WithField("id", m.ID).Info("получен идентификатор")

	case EventOfferSDP, EventAnswerSDP:
		desc, _ := m.Description()
		if err := handler.HandleRemoteDescription(m.From, desc); err != nil {
			logger.WithError(err).WithField(logging.FieldPeerID, m.From).Warn("описание отклонено")
		}

	case EventCandidate:
		cand, _ := m.ICECandidate()
		if err := handler.HandleRemoteCandidate(m.From, cand); err != nil {
			logger.WithError(err).WithField(logging.FieldPeerID, m.From).Warn("кандидат отклонен")
		}

	case EventError:
		logger.WithField("message", m.Message).Warn("ошибка ретранслятора")

	default:
		logger.Warn("неизвестное событие")
	}
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn, send <-chan Message) error {
	ticker := time.NewTicker(_pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(_writeWait))
			return ctx.Err()
		case m := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(_writeWait))
			if err := conn.WriteJSON(m); err != nil {
				return err
			}
			c.metrics.SignalingMessage(string(m.Event), metrics.DirectionOut)
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(_writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}
