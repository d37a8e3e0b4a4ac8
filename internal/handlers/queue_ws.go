// internal/handlers/queue_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/jason-s-yu/trustmatch/internal/matchmaking"
	"github.com/jason-s-yu/trustmatch/internal/middleware"
)

const (
	queueSubprotocol = "queue"
	wsWriteTimeout   = 5 * time.Second
)

// QueueWSHandler streams the caller's session events until the session ends or the
// client goes away. Clients may send {"type":"heartbeat"} to stay marked active and
// {"type":"cancel"} to leave the queue.
func (s *QueueServer) QueueWSHandler(w http.ResponseWriter, r *http.Request) {
	playerID, _ := middleware.PlayerFromContext(r.Context())

	// subscribe before the upgrade so no event falls between accept and the first read
	events, release := s.Broker.Subscribe(playerID)
	defer release()

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{queueSubprotocol},
		OriginPatterns: s.OriginPatterns,
	})
	if err != nil {
		s.Logger.Warnf("websocket accept error: %v", err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "handler finished")

	if c.Subprotocol() != queueSubprotocol {
		c.Close(BadSubprotocolError, "client must speak the queue subprotocol")
		return
	}
	middleware.LogWebSocketConnect(s.Logger, r.RemoteAddr, r.URL.Path)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	st, err := s.Manager.GetStatus(playerID)
	if err != nil {
		c.Close(NoSessionError, "no matchmaking session")
		return
	}
	if err := s.write(ctx, c, map[string]any{"type": "status", "status": st}); err != nil {
		return
	}
	if st.State.Terminal() {
		c.Close(websocket.StatusNormalClosure, st.State.String())
		return
	}

	go s.readPump(ctx, cancel, c, playerID)

	err = s.writePump(ctx, c, events)
	middleware.LogWebSocketDisconnect(s.Logger, r.RemoteAddr, r.URL.Path, err)
}

// writePump forwards events and closes normally after the terminal one.
func (s *QueueServer) writePump(ctx context.Context, c *websocket.Conn, events <-chan matchmaking.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.write(ctx, c, ev); err != nil {
				return err
			}
			if ev.Type != matchmaking.EventRetry {
				c.Close(websocket.StatusNormalClosure, string(ev.Type))
				return nil
			}
		}
	}
}

func (s *QueueServer) write(ctx context.Context, c *websocket.Conn, v any) error {
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, c, v)
}

// readPump handles client messages until the connection drops.
func (s *QueueServer) readPump(ctx context.Context, cancel context.CancelFunc, c *websocket.Conn, playerID uuid.UUID) {
	defer cancel()
	for {
		typ, msg, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				s.Logger.WithError(err).WithField("player_id", playerID).Debug("queue ws read")
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var packet struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg, &packet); err != nil {
			s.Logger.WithField("player_id", playerID).Warn("invalid json on queue ws")
			continue
		}
		switch packet.Type {
		case "heartbeat":
			if err := s.Manager.Touch(ctx, playerID); err != nil {
				s.Logger.WithError(err).WithField("player_id", playerID).Debug("heartbeat")
			}
		case "cancel":
			s.Manager.Cancel(playerID)
		default:
			s.Logger.WithField("player_id", playerID).Debugf("unknown queue ws message %q", packet.Type)
		}
	}
}
