package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dial(t *testing.T, srv *httptest.Server, device string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?device=" + device
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(msg)
}

func TestBroadcastIsScopedPerDevice(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dev := r.URL.Query().Get("device")
		hub.ServeDevice(w, r, dev, []byte(`{"hello":"`+dev+`"}`))
	}))
	defer srv.Close()

	a := dial(t, srv, "dev1")
	b := dial(t, srv, "dev2")
	if got := read(t, a); got != `{"hello":"dev1"}` {
		t.Fatalf("unexpected initial message %s", got)
	}
	if got := read(t, b); got != `{"hello":"dev2"}` {
		t.Fatalf("unexpected initial message %s", got)
	}

	hub.Broadcast("dev2", []byte(`{"on":false}`))
	hub.Broadcast("dev1", []byte(`{"on":true,"bri":42}`))

	if got := read(t, a); got != `{"on":true,"bri":42}` {
		t.Fatalf("dev1 client got %s", got)
	}
	if got := read(t, b); got != `{"on":false}` {
		t.Fatalf("dev2 client got %s", got)
	}
}

func TestClientRemovedOnClose(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeDevice(w, r, "dev1", []byte(`{}`))
	}))
	defer srv.Close()

	conn := dial(t, srv, "dev1")
	read(t, conn)
	if hub.ClientCount("dev1") != 1 {
		t.Fatalf("expected one client")
	}
	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount("dev1") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client not removed after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
