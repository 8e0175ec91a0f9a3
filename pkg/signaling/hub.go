package signaling

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/p2p_voice/pkg/logging"
	"github.com/arzzra/p2p_voice/pkg/metrics"
)

const (
	_writeWait      = 10 * time.Second
	_pongWait       = 60 * time.Second
	_pingPeriod     = (_pongWait * 9) / 10
	_maxMessageSize = 64 * 1024
	_sendBuffer     = 64
)

var errSlowClient = errors.New("очередь отправки переполнена")

// Hub WebSocket ретранслятор сигнальных сообщений
type Hub struct {
	upgrader websocket.Upgrader
	logger   *logrus.Entry
	metrics  *metrics.Collector

	mutex   sync.RWMutex
	clients map[string]*hubClient
}

type hubClient struct {
	id   string
	conn *websocket.Conn
	send chan Message
}

// NewHub создает ретранслятор
func NewHub(logger *logrus.Entry, collector *metrics.Collector) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logging.WithComponent(logger, "signaling_hub"),
		metrics: collector,
		clients: make(map[string]*hubClient),
	}
}

// ServeHTTP принимает WebSocket подключение и обслуживает его до разрыва
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("не удалось принять WebSocket подключение")
		return
	}

	client := &hubClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Message, _sendBuffer),
	}
	h.register(client)
	defer h.unregister(client)

	logger := h.logger.WithField("client_id", client.id)
	logger.WithField("remote", r.RemoteAddr).Info("клиент подключен")

	client.send <- Message{Event: EventYourID, ID: client.id}

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return h.readPump(client) })
	g.Go(func() error { return h.writePump(ctx, client) })
	if err := g.Wait(); err != nil && !isNormalClose(err) {
		logger.WithError(err).Debug("соединение завершено")
	}
	logger.Info("клиент отключен")
}

// Clients идентификаторы подключенных клиентов
func (h *Hub) Clients() []string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) register(c *hubClient) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.clients[c.id] = c
}

func (h *Hub) unregister(c *hubClient) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	delete(h.clients, c.id)
}

func (h *Hub) lookup(id string) (*hubClient, bool) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

func (h *Hub) readPump(c *hubClient) error {
	c.conn.SetReadLimit(_maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(_pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(_pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		m, err := ParseMessage(data)
		if err != nil {
			h.reply(c, err.Error())
			continue
		}
		h.metrics.SignalingMessage(string(m.Event), metrics.DirectionIn)
		h.route(c, m)
	}
}

// route пересылает сообщение получателю, подставляя отправителя
func (h *Hub) route(from *hubClient, m Message) {
	if err := m.Validate(); err != nil {
		h.reply(from, err.Error())
		return
	}

	target, ok := h.lookup(m.TargetClientID)
	if !ok {
		h.logger.WithFields(logrus.Fields{
			"from":   from.id,
			"target": m.TargetClientID,
			"event":  string(m.Event),
		}).Warn("получатель не подключен")
		h.reply(from, ErrTargetNotConnected)
		return
	}

	m.From = from.id
	m.TargetClientID = ""
	if err := h.enqueue(target, m); err != nil {
		h.logger.WithError(err).WithField("target", target.id).Warn("сообщение не доставлено")
	}
}

func (h *Hub) reply(c *hubClient, text string) {
	if err := h.enqueue(c, Message{Event: EventError, Message: text}); err != nil {
		h.logger.WithError(err).WithField("client_id", c.id).Warn("ошибка не доставлена")
	}
}

func (h *Hub) enqueue(c *hubClient, m Message) error {
	select {
	case c.send <- m:
		return nil
	default:
		return errSlowClient
	}
}

func (h *Hub) writePump(ctx context.Context, c *hubClient) error {
	ticker := time.NewTicker(_pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(_writeWait))
			if err := c.conn.WriteJSON(m); err != nil {
				return err
			}
			h.metrics.SignalingMessage(string(m.Event), metrics.DirectionOut)
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(_writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

func isNormalClose(err error) bool {
	return errors.Is(err, context.Canceled) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
