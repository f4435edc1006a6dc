package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sysward/sysward/internal/maint"
	"github.com/sysward/sysward/internal/metrics"
)

const (
	// wsWriteWait bounds a single frame write to a client.
	wsWriteWait = 10 * time.Second
	// wsPingPeriod keeps idle connections alive through proxies.
	wsPingPeriod = 50 * time.Second
)

// Stream payload discriminators.
const (
	msgReading   = "reading"
	msgRunOutput = "run_output"
)

// readingPayload mirrors one completed sampler pass.
type readingPayload struct {
	Type    string            `json:"type"`
	TakenAt time.Time         `json:"taken_at"`
	Samples []metrics.Sample  `json:"samples"`
	Missing map[string]string `json:"missing,omitempty"`
}

// runOutputPayload mirrors one captured maintenance output line.
type runOutputPayload struct {
	Type  string     `json:"type"`
	RunID string     `json:"run_id"`
	Kind  maint.Kind `json:"kind"`
	Line  string     `json:"line"`
}

// Hub fans server-side events out to connected websocket clients. Clients
// only listen; inbound frames are discarded. The stream mirrors state for
// display and is not a durable feed: a saturated hub drops payloads.
type Hub struct {
	log        *zap.Logger
	upgrader   websocket.Upgrader
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
	done       chan struct{}
	clients    map[*websocket.Conn]bool
}

// NewHub creates a hub. Call Run on its own goroutine before registering the
// stream route.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The display layer may be served from a different local origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan []byte, 64),
		done:       make(chan struct{}),
		clients:    make(map[*websocket.Conn]bool),
	}
}

// Run owns the client set; no other goroutine touches it. Exits when ctx is
// cancelled, closing every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	pings := time.NewTicker(wsPingPeriod)
	defer pings.Stop()

	for {
		select {
		case conn := <-h.register:
			h.clients[conn] = true
			h.log.Debug("stream client connected", zap.Int("clients", len(h.clients)))

		case conn := <-h.unregister:
			if h.clients[conn] {
				delete(h.clients, conn)
				conn.Close()
				h.log.Debug("stream client disconnected", zap.Int("clients", len(h.clients)))
			}

		case msg := <-h.broadcast:
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					delete(h.clients, conn)
					conn.Close()
				}
			}

		case <-pings.C:
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					delete(h.clients, conn)
					conn.Close()
				}
			}

		case <-ctx.Done():
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			return
		}
	}
}

// BroadcastReading pushes one sampler pass to every client.
func (h *Hub) BroadcastReading(r metrics.Reading) {
	p := readingPayload{Type: msgReading, TakenAt: r.TakenAt, Samples: r.Samples}
	if len(r.Missing) > 0 {
		p.Missing = make(map[string]string, len(r.Missing))
		for name, err := range r.Missing {
			p.Missing[string(name)] = err.Error()
		}
	}
	h.send(p)
}

// BroadcastRunLine pushes one captured maintenance output line.
func (h *Hub) BroadcastRunLine(runID string, kind maint.Kind, line string) {
	h.send(runOutputPayload{Type: msgRunOutput, RunID: runID, Kind: kind, Line: line})
}

func (h *Hub) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("marshaling stream payload", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("stream backlog full, dropping payload")
	}
}

// handleStream authenticates and upgrades one websocket client.
func (h *Hub) handleStream(c *gin.Context) {
	token := wsToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	if _, err := parseJWT(token); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}
	go h.readPump(conn)
}

// readPump discards inbound frames; reading is what makes close frames and
// pongs work. It unregisters the client when the connection dies.
func (h *Hub) readPump(conn *websocket.Conn) {
	defer func() {
		select {
		case h.unregister <- conn:
		case <-h.done:
		}
	}()
	conn.SetReadLimit(512)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
