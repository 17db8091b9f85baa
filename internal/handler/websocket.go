package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"livechat-relay/internal/action"
	"livechat-relay/internal/gateway"
	"livechat-relay/internal/hub"
)

// WebSocketHandler is the transport glue between gin/gorilla and the gateway.
// It owns the socket lifecycle; every command and push goes through the
// gateway and the hub.
type WebSocketHandler struct {
	Gateway *gateway.Gateway
	Hub     *hub.Hub
	// Endpoint names this node; it becomes the delivery endpoint of every
	// connection accepted here.
	Endpoint string
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) Write(message []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.TextMessage, message)
}

func (w *wsWriter) Close() error {
	return w.conn.Close()
}

func (h *WebSocketHandler) Serve(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	connID := uuid.NewString()
	writer := &wsWriter{conn: ws}
	h.Hub.Attach(connID, writer)
	defer func() {
		h.Hub.Detach(connID)
		_ = ws.Close()
	}()

	send := func(out action.Outgoing) error {
		data, err := action.Marshal(out)
		if err != nil {
			return err
		}
		return h.Hub.Send(connID, data)
	}

	ctx := c.Request.Context()
	if status := h.Gateway.Connect(ctx, connID, h.Endpoint, token, send); status != http.StatusOK {
		deadline := time.Now().Add(time.Second)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"), deadline)
		return
	}
	defer h.Gateway.Disconnect(ctx, connID)

	ws.SetReadLimit(1024 * 1024)
	const pongWait = 60 * time.Second
	const writeWait = 10 * time.Second
	pingPeriod := (pongWait * 9) / 10

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() {
		closeOnce.Do(func() {
			close(done)
		})
	}
	defer closeDone()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(writeWait)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		h.Gateway.Message(ctx, connID, data, send)
	}
}
