package channel

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yumo666666/MdToImage/internal/bus"
	"github.com/yumo666666/MdToImage/internal/domain"
)

func dialTestServer(t *testing.T, ws *WebSocketChannel, chatID string) *websocket.Conn {
	t.Helper()
	s := httptest.NewServer(http.HandlerFunc(ws.handleUpgrade))
	t.Cleanup(s.Close)

	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?chat_id=" + chatID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocket_ResponseInChainOut(t *testing.T) {
	mb := bus.New(8, testWebhookLogger())
	defer mb.Close()

	ws := NewWebSocketChannel(WSOptions{Logger: testWebhookLogger()})
	ws.bus = mb

	conn := dialTestServer(t, ws, "chat-7")

	// First frame is the status greeting.
	var status WSMessage
	if err := conn.ReadJSON(&status); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status.Type != "status" || status.Content != "connected" {
		t.Fatalf("unexpected greeting: %+v", status)
	}

	// Send a raw response in.
	if err := conn.WriteJSON(WSMessage{Type: "response", ID: "r7", Text: "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case evt := <-mb.Subscribe():
		if evt.ID != "r7" || evt.ChatID != "chat-7" || evt.Text != "hello" {
			t.Errorf("unexpected event: %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("response not published to bus")
	}

	// Push a chain back out and expect it on the wire, base64 image intact.
	chain := domain.OutboundChain{
		ID:     "r7",
		ChatID: "chat-7",
		Segments: []domain.Segment{
			domain.TextSegment("look:"),
			domain.ImageSegment([]byte{0x89, 0x50, 0x4E, 0x47}, "image/png", "http://h/x.png"),
		},
	}
	ws.broadcastToChat("chat-7", WSMessage{Type: "chain", ID: chain.ID, ChatID: chain.ChatID, Chain: &chain})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got WSMessage
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read chain: %v", err)
	}
	if got.Type != "chain" || got.Chain == nil {
		t.Fatalf("unexpected frame: %+v", got)
	}
	if len(got.Chain.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(got.Chain.Segments))
	}
	img := got.Chain.Segments[1]
	if img.Type != domain.SegmentImage || img.Mime != "image/png" {
		t.Errorf("unexpected image segment: %+v", img)
	}
	if len(img.Data) != 4 || img.Data[0] != 0x89 {
		t.Errorf("image bytes did not survive the round trip: %v", img.Data)
	}
}

func TestWebSocket_IgnoresMalformedFrames(t *testing.T) {
	mb := bus.New(8, testWebhookLogger())
	defer mb.Close()

	ws := NewWebSocketChannel(WSOptions{Logger: testWebhookLogger()})
	ws.bus = mb

	conn := dialTestServer(t, ws, "chat-8")

	var status WSMessage
	if err := conn.ReadJSON(&status); err != nil {
		t.Fatalf("read status: %v", err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.WriteJSON(WSMessage{Type: "response", Text: "after garbage"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case evt := <-mb.Subscribe():
		if evt.Text != "after garbage" {
			t.Errorf("unexpected event: %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not survive the malformed frame")
	}
}
