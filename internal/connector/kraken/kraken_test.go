package kraken

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func echoServer(t *testing.T, onSubscribe func(msg []byte)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if onSubscribe != nil {
				onSubscribe(msg)
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"ticker","type":"update"}`)); err != nil {
				return
			}
		}
	}))
	return srv
}

func TestConnectSubscribesAndForwardsMessages(t *testing.T) {
	var received []string
	srv := echoServer(t, func(msg []byte) { received = append(received, string(msg)) })
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := New(wsURL, []string{"BTC/USD", "ETH/USD"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case msg := <-c.Messages():
		if !strings.Contains(string(msg), "ticker") {
			t.Fatalf("unexpected message: %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded message")
	}

	if len(received) != 2 {
		t.Fatalf("expected 2 subscribe requests (ticker, trade), got %d", len(received))
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestActivityHandleUpdatesOnMessage(t *testing.T) {
	srv := echoServer(t, nil)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := New(wsURL, []string{"BTC/USD"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-c.Messages()

	if c.ActivityHandle().Load() == 0 {
		t.Fatal("expected activity handle to be stamped after receiving a message")
	}
	c.Close()
}

func TestConnectWithNoSymbolsFails(t *testing.T) {
	c := New(ProdURL, nil)
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected error for empty symbol set")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c := New(ProdURL, []string{"BTC/USD"})
	if err := c.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
