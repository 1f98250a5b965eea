package services

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"autodm/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ActivityEvent 推送给运营后台的自动化动态
type ActivityEvent struct {
	Type      string               `json:"type"` // log.queued, log.sent, log.failed, log.deduped
	ChannelID uint                 `json:"channel_id"`
	RuleID    uint                 `json:"rule_id"`
	Log       models.AutomationLog `json:"log"`
	Timestamp time.Time            `json:"timestamp"`
}

// ActivityPublisher receives automation outcomes. A nil publisher is allowed
// everywhere one is accepted.
type ActivityPublisher interface {
	Publish(evt ActivityEvent)
}

type activityClient struct {
	id        string
	channelID uint // 0 = all channels
	conn      *websocket.Conn
	send      chan ActivityEvent
	hub       *ActivityHub
}

// ActivityHub fans automation log events out to connected operator dashboards.
type ActivityHub struct {
	clients    map[string]*activityClient
	broadcast  chan ActivityEvent
	register   chan *activityClient
	unregister chan *activityClient
	done       chan struct{}
	mutex      sync.RWMutex
	logger     *logrus.Logger
	upgrader   websocket.Upgrader
}

func NewActivityHub(logger *logrus.Logger) *ActivityHub {
	if logger == nil {
		logger = logrus.New()
	}
	return &ActivityHub{
		clients:    make(map[string]*activityClient),
		broadcast:  make(chan ActivityEvent, 256),
		register:   make(chan *activityClient),
		unregister: make(chan *activityClient),
		done:       make(chan struct{}),
		logger:     logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // management routes are JWT protected
		},
	}
}

// Run 事件循环，直到 Stop 被调用
func (h *ActivityHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.id] = client
			h.mutex.Unlock()
			h.logger.Debugf("activity client %s connected", client.id)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mutex.Unlock()

		case evt := <-h.broadcast:
			h.mutex.Lock()
			for id, client := range h.clients {
				if client.channelID != 0 && client.channelID != evt.ChannelID {
					continue
				}
				select {
				case client.send <- evt:
				default:
					// slow consumer
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mutex.Unlock()

		case <-h.done:
			h.mutex.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mutex.Unlock()
			return
		}
	}
}

// Stop terminates Run and disconnects all clients.
func (h *ActivityHub) Stop() {
	close(h.done)
}

// Publish never blocks the automation pipeline; events are dropped when the buffer is full.
func (h *ActivityHub) Publish(evt ActivityEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	select {
	case h.broadcast <- evt:
	default:
		h.logger.Warn("activity hub buffer full, dropping event")
	}
}

// ClientCount 当前连接数
func (h *ActivityHub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request; ?channel_id= narrows the feed.
func (h *ActivityHub) HandleWebSocket(c *gin.Context) {
	var channelID uint
	if raw := c.Query("channel_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid channel_id", "message": err.Error()})
			return
		}
		channelID = uint(id)
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorf("activity websocket upgrade failed: %v", err)
		return
	}

	client := &activityClient{
		id:        uuid.NewString(),
		channelID: channelID,
		conn:      conn,
		send:      make(chan ActivityEvent, 64),
		hub:       h,
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump only drains control frames; the feed is server -> client.
func (c *activityClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warnf("activity websocket error: %v", err)
			}
			return
		}
	}
}

func (c *activityClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func publishLog(p ActivityPublisher, log models.AutomationLog) {
	if p == nil {
		return
	}
	p.Publish(ActivityEvent{
		Type:      "log." + string(log.DMStatus),
		ChannelID: log.ChannelID,
		RuleID:    log.RuleID,
		Log:       log,
	})
}
