package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/talgya/mini-colony/internal/engine"
	"github.com/talgya/mini-colony/internal/view"
)

func newColony() *engine.Colony {
	cfg := engine.DefaultColonyConfig()
	cfg.Citizens = 4
	return engine.NewColony(cfg, engine.WithBroadcaster(view.NewBroadcaster()))
}

func dial(t *testing.T, c *engine.Colony) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(NewServer(c, 16).Handler())
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) view.Frame {
	t.Helper()
	kind, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("expected binary frame, got %s", b)
	}
	f, err := view.DefaultFrameCodec().Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return f
}

func readError(t *testing.T, conn *websocket.Conn) view.ErrorMsg {
	t.Helper()
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var e view.ErrorMsg
	if err := json.Unmarshal(b, &e); err != nil || e.Type != view.TypeError {
		t.Fatalf("expected ERROR, got %s", b)
	}
	return e
}

func subscribe(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestSubscribe_WelcomeSnapshotAndDelta(t *testing.T) {
	c := newColony()
	c.Citizens[0].Needs.Food = 0.1
	c.TickMinute(context.Background(), 1)

	conn := dial(t, c)
	subscribe(t, conn, view.SubscribeMsg{Type: view.TypeSubscribe, ProtocolVersion: view.ProtocolVersion, Colony: c.ID.String(), MaxQueue: 8})

	var welcome view.WelcomeMsg
	if err := conn.ReadJSON(&welcome); err != nil {
		t.Fatalf("welcome: %v", err)
	}
	if welcome.Type != view.TypeWelcome || welcome.Requests != 1 || welcome.Tick != 1 {
		t.Fatalf("welcome=%+v", welcome)
	}
	snap := readFrame(t, conn)
	if snap.Type != view.MsgSnapshot || len(snap.Requests) != 1 || snap.Colony != c.ID {
		t.Fatalf("snapshot type=%s requests=%d", snap.Type, len(snap.Requests))
	}

	c.Citizens[1].Needs.Food = 0.1
	c.TickMinute(context.Background(), 2)
	delta := readFrame(t, conn)
	if delta.Type != view.MsgDelta || delta.Tick != 2 || len(delta.Requests) == 0 {
		t.Fatalf("delta type=%s tick=%d requests=%d", delta.Type, delta.Tick, len(delta.Requests))
	}

	if err := conn.WriteJSON(view.ResyncMsg{Type: view.TypeResync}); err != nil {
		t.Fatalf("resync: %v", err)
	}
	again := readFrame(t, conn)
	if again.Type != view.MsgSnapshot || len(again.Requests) != 2 {
		t.Fatalf("resync type=%s requests=%d", again.Type, len(again.Requests))
	}
}

func TestSubscribe_Rejections(t *testing.T) {
	c := newColony()

	conn := dial(t, c)
	subscribe(t, conn, map[string]any{"type": "HELLO"})
	if e := readError(t, conn); e.Code != view.ErrProtoBadRequest {
		t.Fatalf("code=%s", e.Code)
	}

	conn = dial(t, c)
	subscribe(t, conn, view.SubscribeMsg{Type: view.TypeSubscribe, ProtocolVersion: 9})
	if e := readError(t, conn); e.Code != view.ErrProtoVersion {
		t.Fatalf("code=%s", e.Code)
	}

	conn = dial(t, c)
	subscribe(t, conn, view.SubscribeMsg{Type: view.TypeSubscribe, ProtocolVersion: view.ProtocolVersion, Colony: "00000000-0000-0000-0000-000000000001"})
	if e := readError(t, conn); e.Code != view.ErrColonyNotFound {
		t.Fatalf("code=%s", e.Code)
	}

	conn = dial(t, c)
	subscribe(t, conn, map[string]any{"type": "SUBSCRIBE", "protocol_version": 1, "max_queue": 1000})
	if e := readError(t, conn); e.Code != view.ErrProtoBadRequest {
		t.Fatalf("code=%s", e.Code)
	}
}

func TestUnexpectedMessageAfterHandshake(t *testing.T) {
	c := newColony()
	conn := dial(t, c)
	subscribe(t, conn, view.SubscribeMsg{Type: view.TypeSubscribe, ProtocolVersion: view.ProtocolVersion})
	var welcome view.WelcomeMsg
	if err := conn.ReadJSON(&welcome); err != nil {
		t.Fatalf("welcome: %v", err)
	}
	readFrame(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"SUBSCRIBE","protocol_version":1}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if e := readError(t, conn); e.Code != view.ErrProtoBadRequest {
		t.Fatalf("code=%s", e.Code)
	}
}
