package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/yumo666666/MdToImage/internal/domain"
	"github.com/yumo666666/MdToImage/internal/metrics"
)

// WSOptions configures the websocket host link.
type WSOptions struct {
	Host   string
	Port   int
	Path   string // endpoint path (default: /ws)
	Logger *slog.Logger
}

// WebSocketChannel is the bidirectional host link: plugin hosts send raw
// responses in and receive assembled chains back on the same connection.
// Image segment bytes travel base64-encoded inside the chain JSON.
type WebSocketChannel struct {
	host   string
	port   int
	path   string
	bus    domain.MessageBus
	logger *slog.Logger
	server *http.Server

	mu      sync.RWMutex
	clients map[string]*wsClient
}

// wsClient tracks a connected host.
type wsClient struct {
	conn   *websocket.Conn
	chatID string
	mu     sync.Mutex
}

// WSMessage is the JSON protocol on the host link.
type WSMessage struct {
	Type    string                `json:"type"` // "response" | "chain" | "status"
	ID      string                `json:"id,omitempty"`
	Channel string                `json:"channel,omitempty"`
	ChatID  string                `json:"chat_id,omitempty"`
	Text    string                `json:"text,omitempty"`     // raw response text ("response")
	Content string                `json:"content,omitempty"`  // status text ("status")
	Chain   *domain.OutboundChain `json:"chain,omitempty"`    // assembled chain ("chain")
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // hosts connect from anywhere on the local network
	},
}

// NewWebSocketChannel creates the websocket host link.
func NewWebSocketChannel(opts WSOptions) *WebSocketChannel {
	if opts.Path == "" {
		opts.Path = "/ws"
	}
	if opts.Port == 0 {
		opts.Port = 8081
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &WebSocketChannel{
		host:    opts.Host,
		port:    opts.Port,
		path:    opts.Path,
		logger:  opts.Logger,
		clients: make(map[string]*wsClient),
	}
}

func (ws *WebSocketChannel) Name() string { return "websocket" }

// Start begins the websocket server and blocks until ctx is cancelled.
func (ws *WebSocketChannel) Start(ctx context.Context, bus domain.MessageBus) error {
	ws.bus = bus

	mux := http.NewServeMux()
	mux.HandleFunc(ws.path, ws.handleUpgrade)

	ws.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", ws.host, ws.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	bus.OnChain("websocket", func(chain domain.OutboundChain) {
		ws.broadcastToChat(chain.ChatID, WSMessage{
			Type:   "chain",
			ID:     chain.ID,
			ChatID: chain.ChatID,
			Chain:  &chain,
		})
		metrics.ChainsDelivered("websocket").Inc()
	})

	ws.logger.Info("websocket server starting", "addr", ws.server.Addr, "path", ws.path)

	errCh := make(chan error, 1)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		ws.closeAllClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return ws.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (ws *WebSocketChannel) Stop() error { return nil }

func (ws *WebSocketChannel) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		chatID = fmt.Sprintf("ws-%d", time.Now().UnixNano())
	}

	client := &wsClient{
		conn:   conn,
		chatID: chatID,
	}

	clientID := fmt.Sprintf("%s-%p", chatID, conn)
	ws.mu.Lock()
	ws.clients[clientID] = client
	ws.mu.Unlock()

	ws.logger.Info("websocket host connected", "client_id", clientID, "chat_id", chatID)

	client.send(WSMessage{Type: "status", Content: "connected", ChatID: chatID})

	defer func() {
		ws.mu.Lock()
		delete(ws.clients, clientID)
		ws.mu.Unlock()
		conn.Close()
		ws.logger.Info("websocket host disconnected", "client_id", clientID)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Error("websocket read error", "err", err)
			}
			return
		}

		var wsMsg WSMessage
		if err := json.Unmarshal(message, &wsMsg); err != nil {
			ws.logger.Warn("invalid websocket message", "err", err)
			continue
		}

		if wsMsg.Type != "response" || wsMsg.Text == "" {
			continue
		}

		id := wsMsg.ID
		if id == "" {
			id = uuid.NewString()
		}
		channel := wsMsg.Channel
		if channel == "" {
			channel = "websocket"
		}
		ws.bus.Publish(domain.ResponseEvent{
			ID:        id,
			Channel:   channel,
			ChatID:    chatID,
			Text:      wsMsg.Text,
			Timestamp: time.Now(),
		})
	}
}

func (ws *WebSocketChannel) broadcastToChat(chatID string, msg WSMessage) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	for _, client := range ws.clients {
		if client.chatID == chatID || chatID == "" {
			client.mu.Lock()
			err := client.conn.WriteMessage(websocket.TextMessage, data)
			client.mu.Unlock()
			if err != nil {
				ws.logger.Debug("websocket write failed", "err", err)
			}
		}
	}
}

func (c *wsClient) send(msg WSMessage) {
	data, _ := json.Marshal(msg)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteMessage(websocket.TextMessage, data)
}

func (ws *WebSocketChannel) closeAllClients() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for id, client := range ws.clients {
		client.conn.Close()
		delete(ws.clients, id)
	}
}
