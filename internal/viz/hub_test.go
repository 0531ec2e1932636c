package viz

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"aecd/internal/frame"
	"aecd/internal/sink"
)

var _ sink.Sink = (*Hub)(nil)

func TestHubAsFanoutSink(t *testing.T) {
	h := NewHub(DefaultQueueSize, nil)
	f := sink.NewFanout(h)
	if h.Name() != "viz" {
		t.Errorf("Name = %q, want viz", h.Name())
	}
	f.Deliver(frame.New(0, []float32{0.5}))
	if f.Len() != 1 {
		t.Errorf("hub detached without clients")
	}
}

func startTestServer(t *testing.T, h *Hub) string {
	t.Helper()
	e := echo.New()
	h.Register(e)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.Clients() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("clients = %d, want %d", h.Clients(), want)
}

func TestConsumeBroadcastsAudioData(t *testing.T) {
	h := NewHub(4, nil)
	url := startTestServer(t, h)
	a := dial(t, url)
	b := dial(t, url)
	waitClients(t, h, 2)

	if err := h.Consume(frame.New(7, []float32{0.5, -0.25, 0, 0.25})); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	for _, conn := range []*websocket.Conn{a, b} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read json: %v", err)
		}
		if msg.Type != TypeAudioData || msg.Seq != 7 {
			t.Errorf("got type=%q seq=%d", msg.Type, msg.Seq)
		}
		if len(msg.Data) != 4 || msg.Data[1] != -0.25 {
			t.Errorf("data = %v", msg.Data)
		}
		if msg.Amplitude != 0.25 {
			t.Errorf("amplitude = %f, want 0.25", msg.Amplitude)
		}
	}
}

func TestMessageWireFormat(t *testing.T) {
	raw, err := json.Marshal(Message{Type: TypeAudioData, Seq: 1, Data: []float32{0.5}, Amplitude: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"audio_data","seq":1,"data":[0.5],"amplitude":0.5}`
	if string(raw) != want {
		t.Errorf("wire = %s, want %s", raw, want)
	}
}

func TestConsumeWithoutClients(t *testing.T) {
	h := NewHub(0, nil)
	if err := h.Consume(frame.Silence(0, 4)); err != nil {
		t.Fatalf("Consume: %v", err)
	}
}

func TestSlowClientDropped(t *testing.T) {
	h := NewHub(1, nil)
	// A client with no writer never drains its queue.
	stuck := &client{id: 1, send: make(chan []byte, 1)}
	h.clients[stuck.id] = stuck

	h.Consume(frame.Silence(0, 2))
	if h.Clients() != 1 {
		t.Fatalf("client dropped after first frame")
	}
	h.Consume(frame.Silence(1, 2))
	if h.Clients() != 0 {
		t.Fatalf("slow client still attached")
	}

	// The queue is closed once the buffered frame is read.
	<-stuck.send
	if _, ok := <-stuck.send; ok {
		t.Error("send queue not closed")
	}
}

func TestClientDisconnectRemoves(t *testing.T) {
	h := NewHub(4, nil)
	url := startTestServer(t, h)
	conn := dial(t, url)
	waitClients(t, h, 1)

	conn.Close()
	waitClients(t, h, 0)
}

func TestCloseDisconnectsClients(t *testing.T) {
	h := NewHub(4, nil)
	url := startTestServer(t, h)
	conn := dial(t, url)
	waitClients(t, h, 1)

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if h.Clients() != 0 {
		t.Fatalf("clients = %d after Close", h.Clients())
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("read after Close: %v, want going-away close", err)
	}

	// New connections are refused once the hub is closed.
	late := dial(t, url)
	_ = late.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := late.ReadMessage(); err == nil {
		t.Error("late client was served")
	}
	if h.Clients() != 0 {
		t.Errorf("late client registered")
	}
}
