package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// dialPair returns a connected server-side and client-side websocket.
func dialPair(t *testing.T) (*httptest.Server, *websocket.Conn, *websocket.Conn) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}

	select {
	case serverConn := <-connCh:
		return srv, serverConn, clientConn
	case <-time.After(2 * time.Second):
		srv.Close()
		t.Fatal("timed out waiting for server-side connection")
		return nil, nil, nil
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return ev
}

func TestBroadcastReachesClients(t *testing.T) {
	srv, serverConn, clientConn := dialPair(t)
	defer srv.Close()
	defer clientConn.Close()

	h := New(10)
	c := h.AddClient(serverConn)
	defer h.RemoveClient(c)

	if h.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", h.ClientCount())
	}

	h.BroadcastSessionRemoved("ses_01")
	ev := readEvent(t, clientConn)
	if ev.Name != EvSessionRemoved {
		t.Errorf("expected %s, got %s", EvSessionRemoved, ev.Name)
	}

	h.BroadcastMessage(MessagePayload{SessionID: "ses_01"})
	ev = readEvent(t, clientConn)
	if ev.Name != EvMessage {
		t.Errorf("expected %s, got %s", EvMessage, ev.Name)
	}
}

func TestRemoveClientIdempotent(t *testing.T) {
	srv, serverConn, clientConn := dialPair(t)
	defer srv.Close()
	defer clientConn.Close()

	h := New(10)
	c := h.AddClient(serverConn)

	h.RemoveClient(c)
	h.RemoveClient(c) // second removal must not panic on the closed channel
	if h.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", h.ClientCount())
	}
}

func TestSlowClientDropped(t *testing.T) {
	srv, serverConn, clientConn := dialPair(t)
	defer srv.Close()
	defer clientConn.Close()

	// Queue of one, and the write pump is never started: the second
	// broadcast finds the queue full and drops the client.
	h := New(1)
	c := newClient(serverConn, 1)
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	h.BroadcastSessionRemoved("a")
	h.BroadcastSessionRemoved("b")

	if h.ClientCount() != 0 {
		t.Errorf("expected slow client dropped, got %d clients", h.ClientCount())
	}
}

func TestBroadcastWithoutClients(t *testing.T) {
	h := New(10)
	// Must not block or panic.
	h.BroadcastSessionAdded(SessionView{ID: "x"})
	h.BroadcastStatus(StatusPayload{SessionID: "x"})
}
