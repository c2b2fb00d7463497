package channel

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stellarlinkco/aicore/internal/bus"
	"github.com/stellarlinkco/aicore/internal/config"
)

//go:embed static
var webAssets embed.FS

const (
	webUIChannelName = "webui"
	wsWriteTimeout   = 5 * time.Second
)

// webFrame is the websocket wire format in both directions. The browser
// sends kind "say"; the agent answers with kind "reply".
type webFrame struct {
	Kind   string   `json:"kind"`
	Text   string   `json:"text,omitempty"`
	Images []string `json:"images,omitempty"`
}

// WebUIChannel serves the embedded chat page and bridges its websocket
// clients onto the bus. Each connection is a private session of its own.
type WebUIChannel struct {
	BaseChannel
	port   int
	server *http.Server

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

func NewWebUIChannel(cfg config.WebUIConfig, gwCfg config.GatewayConfig, b *bus.MessageBus) (*WebUIChannel, error) {
	port := gwCfg.Port
	if port == 0 {
		port = config.DefaultPort
	}
	return &WebUIChannel{
		BaseChannel: NewBaseChannel(webUIChannelName, b, cfg.AllowFrom),
		port:        port,
		conns:       make(map[string]*websocket.Conn),
	}, nil
}

func (w *WebUIChannel) Start(ctx context.Context) error {
	pageFS, err := fs.Sub(webAssets, "static")
	if err != nil {
		return fmt.Errorf("webui assets: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(pageFS)))
	mux.HandleFunc("/ws", w.handleWS)
	w.server = &http.Server{Addr: fmt.Sprintf(":%d", w.port), Handler: mux}

	go func() {
		log.Printf("[webui] listening on :%d", w.port)
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[webui] server error: %v", err)
		}
	}()
	return nil
}

func (w *WebUIChannel) handleWS(wr http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(wr, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		log.Printf("[webui] accept: %v", err)
		return
	}

	id := "web-" + strings.Split(uuid.NewString(), "-")[0]
	if !w.IsAllowed(id) {
		log.Printf("[webui] rejected connection %s", id)
		conn.Close(websocket.StatusPolicyViolation, "not allowed")
		return
	}

	w.mu.Lock()
	w.conns[id] = conn
	w.mu.Unlock()
	log.Printf("[webui] %s connected", id)

	w.readLoop(r.Context(), id, conn)

	w.mu.Lock()
	delete(w.conns, id)
	w.mu.Unlock()
	conn.CloseNow()
	log.Printf("[webui] %s disconnected", id)
}

// readLoop pushes valid "say" frames onto the bus until the connection
// drops. Frames of any other kind are dropped silently.
func (w *WebUIChannel) readLoop(ctx context.Context, id string, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame webFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Kind != "say" || strings.TrimSpace(frame.Text) == "" {
			continue
		}
		w.bus.Inbound <- bus.InboundMessage{
			Channel:    webUIChannelName,
			SenderID:   id,
			SenderName: id,
			ChatID:     id,
			Content:    frame.Text,
			Timestamp:  time.Now(),
		}
	}
}

// Send delivers a reply to its client, or to every client when the chat
// id is unknown (reminders and other broadcasts).
func (w *WebUIChannel) Send(msg bus.OutboundMessage) error {
	data, err := json.Marshal(webFrame{Kind: "reply", Text: msg.Content, Images: msg.Images})
	if err != nil {
		return fmt.Errorf("marshal reply frame: %w", err)
	}

	w.mu.Lock()
	targets := make([]*websocket.Conn, 0, 1)
	if conn, ok := w.conns[msg.ChatID]; ok {
		targets = append(targets, conn)
	} else {
		for _, conn := range w.conns {
			targets = append(targets, conn)
		}
	}
	w.mu.Unlock()

	for _, conn := range targets {
		if err := writeFrame(conn, data); err != nil {
			log.Printf("[webui] write to %s failed: %v", msg.ChatID, err)
		}
	}
	return nil
}

func writeFrame(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (w *WebUIChannel) Stop() error {
	if w.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		defer cancel()
		if err := w.server.Shutdown(ctx); err != nil {
			log.Printf("[webui] shutdown: %v", err)
		}
	}
	w.mu.Lock()
	for _, conn := range w.conns {
		conn.CloseNow()
	}
	w.conns = make(map[string]*websocket.Conn)
	w.mu.Unlock()
	log.Printf("[webui] stopped")
	return nil
}
