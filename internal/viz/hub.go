// Package viz streams the processed signal to browser clients over
// websockets for live waveform display.
package viz

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"aecd/internal/frame"
	"aecd/internal/observe"
)

const (
	writeTimeout = 5 * time.Second
	readLimit    = 4096

	// DefaultQueueSize is the per-client backlog before the client is dropped.
	DefaultQueueSize = 16

	// TypeAudioData tags waveform messages.
	TypeAudioData = "audio_data"
)

// Message is one waveform update.
type Message struct {
	Type      string    `json:"type"`
	Seq       uint64    `json:"seq"`
	Data      []float32 `json:"data"`
	Amplitude float32   `json:"amplitude"`
}

type client struct {
	id   uint64
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans processed frames out to connected websocket clients. It
// implements sink.Sink.
type Hub struct {
	upgrader  websocket.Upgrader
	queueSize int
	metrics   *observe.Metrics

	mu      sync.Mutex
	clients map[uint64]*client
	nextID  uint64
	closed  bool
}

// NewHub returns a Hub. queueSize <= 0 selects DefaultQueueSize.
func NewHub(queueSize int, metrics *observe.Metrics) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		queueSize: queueSize,
		metrics:   metrics,
		clients:   make(map[uint64]*client),
	}
}

// Register binds the websocket route on an Echo router.
func (h *Hub) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Hub) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn)
	return nil
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) serveConn(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(readLimit)

	cl, ok := h.add(conn)
	if !ok {
		return
	}
	defer h.remove(cl.id)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer conn.Close()
		for msg := range cl.send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Debug("viz write", "client", cl.id, "err", err)
				return
			}
		}
		// Queue closed by the hub: say goodbye so the reader unblocks.
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
	}()

	// Clients only listen; inbound messages are read to notice disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(cl.id)
	<-done
}

func (h *Hub) add(conn *websocket.Conn) (*client, bool) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, false
	}
	h.nextID++
	cl := &client{id: h.nextID, conn: conn, send: make(chan []byte, h.queueSize)}
	h.clients[cl.id] = cl
	h.mu.Unlock()

	h.metrics.VizClientDelta(context.Background(), 1)
	slog.Info("viz client connected", "client", cl.id, "remote", conn.RemoteAddr().String())
	return cl, true
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	cl, ok := h.clients[id]
	delete(h.clients, id)
	h.mu.Unlock()
	if !ok {
		return
	}
	cl.close()
	h.metrics.VizClientDelta(context.Background(), -1)
	slog.Info("viz client disconnected", "client", id)
}

// Name implements sink.Sink.
func (h *Hub) Name() string { return "viz" }

// Consume broadcasts f to every client. A client whose queue is full is
// dropped.
func (h *Hub) Consume(f frame.Frame) error {
	h.mu.Lock()
	if len(h.clients) == 0 {
		h.mu.Unlock()
		return nil
	}
	targets := make([]*client, 0, len(h.clients))
	for _, cl := range h.clients {
		targets = append(targets, cl)
	}
	h.mu.Unlock()

	payload, err := json.Marshal(Message{
		Type:      TypeAudioData,
		Seq:       f.Seq,
		Data:      f.Samples,
		Amplitude: frame.MeanAbs(f.Samples),
	})
	if err != nil {
		return fmt.Errorf("encode audio_data: %w", err)
	}

	for _, cl := range targets {
		if !trySend(cl.send, payload) {
			slog.Warn("viz client too slow, dropping", "client", cl.id, "seq", f.Seq)
			h.remove(cl.id)
		}
	}
	return nil
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	ids := make([]uint64, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.remove(id)
	}
	return nil
}

// trySend never blocks; a closed queue counts as a failed send.
func trySend(ch chan []byte, msg []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case ch <- msg:
		return true
	default:
		return false
	}
}
