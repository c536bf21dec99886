// Package ws serves the colony view over websocket: a SUBSCRIBE handshake,
// a binary SNAPSHOT, then DELTA/REMOVE/JOB_REQUESTS frames as ticks land.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/talgya/mini-colony/internal/engine"
	"github.com/talgya/mini-colony/internal/view"
)

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 5 * time.Second
	idleTimeout      = 60 * time.Second
)

type outbound struct {
	kind int
	data []byte
}

// Server upgrades connections and attaches them to a colony's view.
type Server struct {
	colony   *engine.Colony
	maxQueue int

	upgrader websocket.Upgrader
}

// NewServer creates a websocket server. maxQueue caps the per-subscriber
// frame queue a client may ask for.
func NewServer(c *engine.Colony, maxQueue int) *Server {
	if maxQueue <= 0 {
		maxQueue = view.DefaultMaxQueue
	}
	return &Server{
		colony:   c,
		maxQueue: maxQueue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // read-only view
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		sub := s.handshake(ctx, conn)
		if sub == nil {
			return
		}
		defer s.colony.Unsubscribe(sub)

		ctrl := make(chan outbound, 4)

		// Writer goroutine; the only one writing after the handshake.
		go func() {
			defer cancel()
			for {
				var m outbound
				select {
				case <-ctx.Done():
					return
				case m = <-ctrl:
				case b, ok := <-sub.C:
					if !ok {
						slog.Warn("view subscriber too slow, closing", "remote", r.RemoteAddr)
						_ = conn.WriteControl(websocket.CloseMessage,
							websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber queue overflow"),
							time.Now().Add(time.Second))
						conn.Close()
						return
					}
					m = outbound{kind: websocket.BinaryMessage, data: b}
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(m.kind, m.data); err != nil {
					conn.Close()
					return
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			reply, ok := s.handleClient(ctx, msg)
			if !ok {
				continue
			}
			select {
			case ctrl <- reply:
			case <-ctx.Done():
			}
		}
	}
}

// handleClient answers one post-handshake message.
func (s *Server) handleClient(ctx context.Context, msg []byte) (outbound, bool) {
	base, err := view.DecodeBase(msg)
	if err != nil {
		return errorFrame(view.ErrProtoBadRequest, "malformed json"), true
	}
	if base.Type != view.TypeResync {
		return errorFrame(view.ErrProtoBadRequest, "unexpected message type "+base.Type), true
	}
	if err := view.Validate(view.SchemaResync, msg); err != nil {
		return errorFrame(view.ErrProtoBadRequest, err.Error()), true
	}
	frame, err := s.colony.Resync(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return outbound{}, false
		}
		return errorFrame(view.ErrColonyBusy, err.Error()), true
	}
	return outbound{kind: websocket.BinaryMessage, data: frame}, true
}

func (s *Server) handshake(ctx context.Context, conn *websocket.Conn) *view.Subscription {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	reject := func(code, text string) *view.Subscription {
		_ = writeJSON(conn, view.NewError(code, text))
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), time.Now().Add(time.Second))
		return nil
	}

	base, err := view.DecodeBase(msg)
	if err != nil || base.Type != view.TypeSubscribe {
		return reject(view.ErrProtoBadRequest, "expected SUBSCRIBE")
	}
	if err := view.Validate(view.SchemaSubscribe, msg); err != nil {
		return reject(view.ErrProtoBadRequest, err.Error())
	}
	var sm view.SubscribeMsg
	if err := json.Unmarshal(msg, &sm); err != nil {
		return reject(view.ErrProtoBadRequest, err.Error())
	}
	if sm.ProtocolVersion != view.ProtocolVersion {
		return reject(view.ErrProtoVersion, "unsupported protocol_version")
	}
	if sm.Colony != "" && sm.Colony != s.colony.ID.String() {
		return reject(view.ErrColonyNotFound, "unknown colony "+sm.Colony)
	}

	queue := sm.MaxQueue
	if queue <= 0 || queue > s.maxQueue {
		queue = s.maxQueue
	}
	sub, snapshot, welcome, err := s.colony.Subscribe(ctx, queue)
	if err != nil {
		return reject(view.ErrColonyBusy, err.Error())
	}

	// Send welcome + snapshot immediately.
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := writeJSON(conn, welcome); err != nil {
		s.colony.Unsubscribe(sub)
		return nil
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, snapshot); err != nil {
		s.colony.Unsubscribe(sub)
		return nil
	}
	slog.Debug("view subscriber joined", "tick", welcome.Tick, "requests", welcome.Requests, "queue", queue)
	return sub
}

func errorFrame(code, msg string) outbound {
	b, _ := json.Marshal(view.NewError(code, msg))
	return outbound{kind: websocket.TextMessage, data: b}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
