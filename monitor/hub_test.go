package monitor

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openfluke/multigrid/mg"
	"github.com/openfluke/multigrid/report"
)

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var m Message
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return m
}

func event(c int, r, e float64) mg.CycleEvent {
	return mg.CycleEvent{Cycle: c, Level: "[ 4, 4, 4]", Norms: mg.Norms{Residual: r, Error: e}}
}

func TestBroadcastAndReplay(t *testing.T) {
	hub := NewHub(t.Logf)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	first := dial(t, srv.URL)
	hub.OnCycle(event(0, 1e-1, 2e-2))
	m := readMessage(t, first)
	if m.Type != "cycle" || m.Cycle != 0 || float64(m.Error) != 2e-2 {
		t.Errorf("Unexpected message %+v", m)
	}

	// NaN residuals travel as null
	hub.OnCycle(event(1, math.NaN(), 3e-3))
	m = readMessage(t, first)
	if !math.IsNaN(float64(m.Residual)) || m.Cycle != 1 {
		t.Errorf("Unexpected message %+v", m)
	}

	late := dial(t, srv.URL)
	for c := 0; c < 2; c++ {
		if m := readMessage(t, late); m.Cycle != c {
			t.Errorf("Replay %d: got cycle %d", c, m.Cycle)
		}
	}

	hub.Complete(report.History{Samples: []report.Sample{{Cycle: 1, Error: 3e-3}}, Stats: report.Stats{ErrorRate: 0.1}})
	for _, c := range []*websocket.Conn{first, late} {
		m := readMessage(t, c)
		if m.Type != "done" || m.Stats == nil || float64(m.Stats.ErrorRate) != 0.1 {
			t.Errorf("Unexpected completion %+v", m)
		}
	}
}

func TestOnCycleNeverBlocks(t *testing.T) {
	hub := NewHub(nil)
	hub.Close()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.OnCycle(event(i, 1, 1))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("OnCycle blocked on a closed hub")
	}
}

func TestServerHistory(t *testing.T) {
	hub := NewHub(t.Logf)
	s, err := Listen("127.0.0.1:0", hub)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer s.Close()

	conn := dial(t, "http://"+s.Addr+"/ws")
	hub.OnCycle(event(0, 1, 0.5))
	readMessage(t, conn)

	resp, err := http.Get("http://" + s.Addr + "/history")
	if err != nil {
		t.Fatalf("GET /history: %v", err)
	}
	defer resp.Body.Close()
	var hist []Message
	if err := json.NewDecoder(resp.Body).Decode(&hist); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(hist) != 1 || float64(hist[0].Error) != 0.5 {
		t.Errorf("Unexpected history %+v", hist)
	}
}

func TestCloseFlushesQueuedEvents(t *testing.T) {
	for run := 0; run < 50; run++ {
		hub := NewHub(nil)
		for c := 0; c < 11; c++ {
			hub.OnCycle(event(c, 1, 1/float64(c+1)))
		}
		hub.Complete(report.History{Samples: []report.Sample{{Cycle: 10, Error: 0.1}}})
		if err := hub.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		hist := hub.History()
		if len(hist) != 12 {
			t.Fatalf("Run %d: got %d messages, want 12", run, len(hist))
		}
		if last := hist[len(hist)-1]; last.Type != "done" || last.Cycle != 10 {
			t.Fatalf("Run %d: last message %+v, want done", run, last)
		}
		if err := hub.Close(); err != nil {
			t.Fatalf("Second Close: %v", err)
		}
	}
}

func TestCloseDeliversCompletionToClients(t *testing.T) {
	hub := NewHub(t.Logf)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv.URL)
	hub.OnCycle(event(0, 1, 0.5))
	readMessage(t, conn)

	hub.Complete(report.History{Samples: []report.Sample{{Cycle: 0, Error: 0.5}}})
	hub.Close()
	if m := readMessage(t, conn); m.Type != "done" {
		t.Errorf("Got %+v, want the completion message", m)
	}
}
