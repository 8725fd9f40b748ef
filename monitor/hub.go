// Package monitor streams cycle norms to browsers over websockets while a
// solver runs.
package monitor

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openfluke/multigrid/mg"
	"github.com/openfluke/multigrid/report"
)

// Message is one JSON frame sent to clients.
type Message struct {
	Type     string        `json:"type"` // "cycle" or "done"
	Cycle    int           `json:"cycle,omitempty"`
	Level    string        `json:"level,omitempty"`
	Residual report.Float  `json:"residual"`
	Error    report.Float  `json:"error"`
	Elapsed  time.Duration `json:"elapsed_ns,omitempty"`
	Stats    *report.Stats `json:"stats,omitempty"`
}

const writeWait = 2 * time.Second

// Hub is an mg.Observer that broadcasts every event to the connected
// clients. New clients first receive the events recorded so far.
type Hub struct {
	upgrader websocket.Upgrader
	logf     func(string, ...any)

	events chan Message
	// sendMu orders sends before the close of events
	sendMu sync.RWMutex
	closed bool
	// stopped is closed once run has drained events
	stopped chan struct{}

	mu      sync.Mutex // guards clients, history and every write
	clients map[*websocket.Conn]struct{}
	history []Message
	dropped int
}

// NewHub starts the broadcast goroutine. logf may be nil.
func NewHub(logf func(string, ...any)) *Hub {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	h := &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logf:    logf,
		events:  make(chan Message, 64),
		stopped: make(chan struct{}),
		clients: make(map[*websocket.Conn]struct{}),
	}
	go h.run()
	return h
}

// OnCycle queues ev for broadcast. It never blocks; events are dropped when
// the queue is full.
func (h *Hub) OnCycle(ev mg.CycleEvent) {
	h.send(Message{
		Type:     "cycle",
		Cycle:    ev.Cycle,
		Level:    ev.Level,
		Residual: report.Float(ev.Norms.Residual),
		Error:    report.Float(ev.Norms.Error),
		Elapsed:  ev.Elapsed,
	})
}

// Complete announces the end of a run with its statistics.
func (h *Hub) Complete(hist report.History) {
	st := hist.Stats
	var last report.Sample
	if n := len(hist.Samples); n > 0 {
		last = hist.Samples[n-1]
	}
	h.send(Message{Type: "done", Cycle: last.Cycle, Residual: last.Residual, Error: last.Error, Elapsed: hist.Elapsed, Stats: &st})
}

func (h *Hub) send(m Message) {
	h.sendMu.RLock()
	defer h.sendMu.RUnlock()
	if h.closed {
		return
	}
	select {
	case h.events <- m:
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
	}
}

func (h *Hub) run() {
	defer close(h.stopped)
	for m := range h.events {
		h.broadcast(m)
	}
}

func (h *Hub) broadcast(m Message) {
	b, err := json.Marshal(m)
	if err != nil {
		h.logf("monitor: encode: %v", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, m)
	for c := range h.clients {
		if err := write(c, b); err != nil {
			h.logf("monitor: write: %v", err)
			c.Close()
			delete(h.clients, c)
		}
	}
}

func write(c *websocket.Conn, b []byte) error {
	c.SetWriteDeadline(time.Now().Add(writeWait))
	return c.WriteMessage(websocket.TextMessage, b)
}

// ServeHTTP upgrades the request, replays the history and keeps the
// connection registered until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logf("monitor: upgrade: %v", err)
		return
	}
	if !h.register(conn) {
		conn.Close()
		return
	}
	defer h.unregister(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) register(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.stopped:
		return false
	default:
	}
	for _, m := range h.history {
		b, err := json.Marshal(m)
		if err != nil {
			continue
		}
		if err := write(conn, b); err != nil {
			h.logf("monitor: replay: %v", err)
			return false
		}
	}
	h.clients[conn] = struct{}{}
	return true
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	h.mu.Unlock()
}

// History returns the broadcast messages so far.
func (h *Hub) History() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.history...)
}

// Dropped counts events lost to a full queue.
func (h *Hub) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close stops accepting events, waits until the queued ones are broadcast
// and disconnects every client.
func (h *Hub) Close() error {
	h.sendMu.Lock()
	if !h.closed {
		h.closed = true
		close(h.events)
	}
	h.sendMu.Unlock()
	<-h.stopped

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
			time.Now().Add(writeWait))
		c.Close()
		delete(h.clients, c)
	}
	return nil
}

// Server serves the hub at /ws and the recorded history at /history.
type Server struct {
	Hub  *Hub
	Addr string // resolved listen address
	srv  *http.Server
	errc chan error
}

// Listen starts an HTTP server on addr in the background.
func Listen(addr string, hub *Hub) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/history", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(hub.History())
	})
	s := &Server{Hub: hub, Addr: ln.Addr().String(), srv: &http.Server{Handler: mux}, errc: make(chan error, 1)}
	go func() { s.errc <- s.srv.Serve(ln) }()
	return s, nil
}

// Close shuts the hub and the listener down.
func (s *Server) Close() error {
	s.Hub.Close()
	err := s.srv.Close()
	if serr := <-s.errc; serr != nil && !errors.Is(serr, http.ErrServerClosed) {
		return serr
	}
	return err
}
