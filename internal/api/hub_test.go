package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/atmx/settlement-ledger/internal/clock"
	"github.com/atmx/settlement-ledger/internal/ledger"
	"github.com/atmx/settlement-ledger/internal/model"
)

func dialHub(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWSHub_FiltersBySymbol(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewWSHub(quiet)
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	all := dialHub(t, srv, "/")
	xyz := dialHub(t, srv, "/?symbol=XYZ")
	waitFor(t, func() bool { return hub.Clients() == 2 })

	day := clock.MustParseDate("2025-08-04")
	hub.Publish(ledger.Event{Type: ledger.EventDayRoll, Symbol: "ABC", TradingDay: day})
	hub.Publish(ledger.Event{Type: ledger.EventMark, Symbol: "XYZ", Method: model.LIFO, TradingDay: day})

	read := func(conn *websocket.Conn) ledger.Event {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var ev ledger.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		return ev
	}

	if ev := read(all); ev.Symbol != "ABC" || ev.Type != ledger.EventDayRoll {
		t.Errorf("unfiltered client first event = %+v", ev)
	}
	if ev := read(all); ev.Symbol != "XYZ" {
		t.Errorf("unfiltered client second event = %+v", ev)
	}
	if ev := read(xyz); ev.Symbol != "XYZ" || ev.Method != model.LIFO || ev.TradingDay != day {
		t.Errorf("filtered client received %+v", ev)
	}
}

func TestWSHub_ShutdownClosesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewWSHub(quiet)
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn := dialHub(t, srv, "/")
	waitFor(t, func() bool { return hub.Clients() == 1 })

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
	if hub.Clients() != 0 {
		t.Errorf("clients after shutdown = %d", hub.Clients())
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected closed connection after shutdown")
	}

	// Publishing after shutdown must not block.
	for i := 0; i < 300; i++ {
		hub.Publish(ledger.Event{Type: ledger.EventMark, Symbol: "XYZ"})
	}
}
