package httpapi

import (
    "net/http"
    "strconv"
    "time"

    "github.com/gorilla/websocket"

    "github.com/atelier-ai/atelier/internal/models"
)

var upgrader = websocket.Upgrader{
    ReadBufferSize:  1024,
    WriteBufferSize: 1024,
    CheckOrigin: func(r *http.Request) bool { return true }, // Dev-friendly, secure via proxy in prod
}

const (
    wsReadDeadline = 60 * time.Second
    wsWriteTimeout = 10 * time.Second
)

// handleWebSocket serves GET /stream/{task_id}. The upgrade happens before
// the task lookup so an unknown id can be reported with an error frame and
// close code 4404 instead of a plain HTTP status.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
    taskID := r.PathValue("task_id")

    conn, err := upgrader.Upgrade(w, r, nil)
    if err != nil { return } // Upgrade already replied
    defer conn.Close()

    replayFrom := int64(-1)
    if q := r.URL.Query().Get("last_event_id"); q != "" {
        if n, err := strconv.ParseInt(q, 10, 64); err == nil && n >= 0 { replayFrom = n }
    }

    s.runStreamSession(r, newWSTransport(conn), taskID, replayFrom)
}

// wsTransport adapts a gorilla connection to the stream session. All frame
// and keepalive writes come from the session goroutine; only the reader
// pump runs concurrently, and it never writes data frames.
type wsTransport struct {
    conn     *websocket.Conn
    inbound  chan struct{}
    peerGone chan struct{}
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
    t := &wsTransport{
        conn:     conn,
        inbound:  make(chan struct{}, 1),
        peerGone: make(chan struct{}),
    }
    conn.SetReadLimit(512)
    conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
    conn.SetPongHandler(func(string) error {
        conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
        return nil
    })
    go t.readPump()
    return t
}

// readPump consumes client messages so pongs keep the read deadline fresh.
// Data frames from the client count as activity for the idle clock; pongs
// do not.
func (t *wsTransport) readPump() {
    defer close(t.peerGone)
    for {
        if _, _, err := t.conn.ReadMessage(); err != nil { return }
        t.conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
        select {
        case t.inbound <- struct{}{}:
        default:
        }
    }
}

func (t *wsTransport) Name() string { return "ws" }

func (t *wsTransport) WriteFrame(f models.Frame) error {
    t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
    return t.conn.WriteMessage(websocket.TextMessage, f.Marshal())
}

func (t *wsTransport) KeepAlive() error {
    return t.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteTimeout))
}

func (t *wsTransport) CloseStatus(code int, reason string) {
    msg := websocket.FormatCloseMessage(code, reason)
    t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
}

func (t *wsTransport) Activity() <-chan struct{} { return t.inbound }

func (t *wsTransport) PeerGone() <-chan struct{} { return t.peerGone }
