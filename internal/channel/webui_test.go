package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stellarlinkco/aicore/internal/bus"
	"github.com/stellarlinkco/aicore/internal/config"
)

// startWebUI brings up a channel on the given port and tears it down
// with the test.
func startWebUI(t *testing.T, port int) (*WebUIChannel, *bus.MessageBus) {
	t.Helper()
	b := bus.NewMessageBus(8)
	ch, err := NewWebUIChannel(config.WebUIConfig{Enabled: true}, config.GatewayConfig{Port: port}, b)
	if err != nil {
		t.Fatalf("NewWebUIChannel: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := ch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { ch.Stop() })
	time.Sleep(100 * time.Millisecond)
	return ch, b
}

func dialWebUI(t *testing.T, ctx context.Context, port int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://localhost:%d/ws", port), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) webFrame {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(readCtx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame webFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return frame
}

func sayFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, text string) {
	t.Helper()
	data, _ := json.Marshal(webFrame{Kind: "say", Text: text})
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestWebUIServesChatPage(t *testing.T) {
	_, _ = startWebUI(t, 19890)

	resp, err := http.Get("http://localhost:19890/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestWebUIRoundTrip(t *testing.T) {
	ch, b := startWebUI(t, 19891)
	ctx := context.Background()
	conn := dialWebUI(t, ctx, 19891)

	sayFrame(t, ctx, conn, "what was my last trip?")

	var inbound bus.InboundMessage
	select {
	case inbound = <-b.Inbound:
	case <-time.After(3 * time.Second):
		t.Fatal("no inbound message")
	}
	if inbound.Channel != "webui" || inbound.Content != "what was my last trip?" {
		t.Fatalf("inbound = %+v", inbound)
	}
	if !strings.HasPrefix(inbound.ChatID, "web-") {
		t.Errorf("chat id = %q, want web- prefix", inbound.ChatID)
	}
	if inbound.SenderID != inbound.ChatID {
		t.Errorf("sender %q should equal chat id %q", inbound.SenderID, inbound.ChatID)
	}

	err := ch.Send(bus.OutboundMessage{
		Channel: "webui",
		ChatID:  inbound.ChatID,
		Content: "Lisbon, in May.",
		Images:  []string{"https://example.com/lisbon.jpg"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	frame := readFrame(t, ctx, conn)
	if frame.Kind != "reply" || frame.Text != "Lisbon, in May." {
		t.Errorf("frame = %+v", frame)
	}
	if len(frame.Images) != 1 || frame.Images[0] != "https://example.com/lisbon.jpg" {
		t.Errorf("images = %v, want the attached url", frame.Images)
	}
}

func TestWebUIBroadcastWhenChatUnknown(t *testing.T) {
	ch, _ := startWebUI(t, 19892)
	ctx := context.Background()
	first := dialWebUI(t, ctx, 19892)
	second := dialWebUI(t, ctx, 19892)
	time.Sleep(100 * time.Millisecond)

	if err := ch.Send(bus.OutboundMessage{Channel: "webui", ChatID: "nobody", Content: "reminder: stand up"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	for i, conn := range []*websocket.Conn{first, second} {
		frame := readFrame(t, ctx, conn)
		if frame.Text != "reminder: stand up" {
			t.Errorf("client %d got %+v", i, frame)
		}
	}
}

func TestWebUIDropsBadFrames(t *testing.T) {
	_, b := startWebUI(t, 19893)
	ctx := context.Background()
	conn := dialWebUI(t, ctx, 19893)

	for _, raw := range []string{
		"not json at all",
		`{"kind":"ping","text":"hello"}`,
		`{"kind":"say","text":"   "}`,
	} {
		if err := conn.Write(ctx, websocket.MessageText, []byte(raw)); err != nil {
			t.Fatalf("write %q: %v", raw, err)
		}
	}
	time.Sleep(150 * time.Millisecond)

	select {
	case msg := <-b.Inbound:
		t.Errorf("bad frame reached the bus: %+v", msg)
	default:
	}
}
