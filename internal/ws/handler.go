// Package ws is the per-socket message router. It binds a connection to
// a room on the first join, enforces join-before-mutate ordering, and
// shuttles room broadcasts out through a writer goroutine.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tourneysync/internal/hub"
	"tourneysync/internal/room"
	"tourneysync/pkg/protocol"
)

const writeTimeout = 3 * time.Second

// Handler upgrades the connection and runs the read loop until the
// transport closes. There is no idle deadline: a connection lives until
// the peer goes away.
func Handler(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true, // browser clients connect cross-origin
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		c := &constate{
			id:     uuid.NewString(),
			conn:   conn,
			outbox: make(chan protocol.Envelope, 16),
			hub:    h,
		}
		c.log = log.With(zap.String("client", c.id))
		c.log.Info("connection opened")

		// Writer goroutine: drains room envelopes onto the socket until the
		// connection ends. The outbox is never closed; a room that drops
		// the client simply stops delivering into it.
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for {
				select {
				case <-writeCtx.Done():
					return
				case env := <-c.outbox:
					payload, _ := json.Marshal(env)
					ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
					_ = conn.Write(ctx, websocket.MessageText, payload)
					cancel()
				}
			}
		}()

		defer func() {
			if c.bound != nil {
				c.bound.Inbox() <- room.Leave{ClientID: c.id}
			}
			c.log.Info("connection closed")
		}()

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				return
			}

			var cm protocol.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				c.log.Warn("malformed message dropped", zap.Error(err))
				continue
			}
			c.dispatch(r.Context(), cm)
		}
	}
}

// constate is the per-connection routing state: which room (if any) the
// connection is bound to, and the outbox the room writes into.
type constate struct {
	id     string
	conn   *websocket.Conn
	outbox chan protocol.Envelope
	hub    *hub.Hub
	bound  *room.Room
	log    *zap.Logger
}

// dispatch routes one decoded client message. Joins are accepted from
// any state; everything else requires the connection to be bound first.
func (c *constate) dispatch(ctx context.Context, cm protocol.ClientMessage) {
	switch cm.Type {
	case protocol.TypeJoinTournament:
		var p protocol.JoinTournamentPayload
		if !c.decode(cm.Payload, &p) {
			return
		}
		rm := c.hub.Get(p.ID)
		if rm == nil {
			c.sendError(ctx, hub.ErrRoomNotFound.Error())
			return
		}
		c.bind(rm)
		rm.Inbox() <- room.Join{ClientID: c.id, Outbox: c.outbox}

	case protocol.TypeJoinTimer:
		var p protocol.JoinTimerPayload
		if !c.decode(cm.Payload, &p) {
			return
		}
		rm := c.hub.Get(p.ID)
		if rm == nil {
			c.sendError(ctx, hub.ErrRoomNotFound.Error())
			return
		}
		// A timer-only client binds the connection too; it never needs a
		// separate JOIN_TOURNAMENT first.
		c.bind(rm)
		rm.Inbox() <- room.JoinTimer{ClientID: c.id, TimerID: p.TimerID, Outbox: c.outbox}

	default:
		if c.bound == nil {
			c.sendError(ctx, "join a tournament first")
			return
		}
		c.dispatchBound(ctx, cm)
	}
}

func (c *constate) dispatchBound(ctx context.Context, cm protocol.ClientMessage) {
	switch cm.Type {
	case protocol.TypeRequestFullState:
		reply := make(chan protocol.Snapshot, 1)
		c.bound.Inbox() <- room.GetSnapshot{Reply: reply}
		snap := <-reply
		c.send(ctx, protocol.Envelope{
			Type:      protocol.TypeFullState,
			Payload:   protocol.Raw(protocol.FullStatePayload{State: snap}),
			Version:   snap.Version,
			Timestamp: time.Now().UnixMilli(),
		})

	case protocol.TypeUpdateTextField:
		var p protocol.TextFieldPayload
		if c.decode(cm.Payload, &p) {
			c.bound.Inbox() <- room.SetFieldValue{FieldID: p.FieldID, Value: p.Value}
		}

	case protocol.TypeUpdateChombo:
		var p protocol.ChomboPayload
		if c.decode(cm.Payload, &p) {
			c.bound.Inbox() <- room.SetPenaltyCount{Person: p.Person, Count: p.Count}
		}

	case protocol.TypeUpdateConfig:
		var p protocol.ScoringUpdate
		if c.decode(cm.Payload, &p) {
			c.bound.Inbox() <- room.UpdateScoring{Update: p}
		}

	case protocol.TypeUpdatePlayerNames:
		var p protocol.PlayerNamesPayload
		if c.decode(cm.Payload, &p) {
			c.bound.Inbox() <- room.SetPlayerNames{PlayerNames: p.PlayerNames}
		}

	case protocol.TypeRecomputeTournament:
		var p protocol.RecomputePayload
		if c.decode(cm.Payload, &p) {
			c.bound.Inbox() <- room.Recompute{Update: p.Config}
		}

	case protocol.TypeUpdateResults:
		var p protocol.ResultsPayload
		if c.decode(cm.Payload, &p) {
			c.bound.Inbox() <- room.SetResult{Results: p.Results}
		}

	case protocol.TypeTimerStart:
		var p protocol.TimerStartPayload
		if c.decode(cm.Payload, &p) {
			c.bound.Inbox() <- room.TimerStart{
				TimerID:  p.TimerID,
				Duration: time.Duration(p.Duration) * time.Second,
			}
		}

	case protocol.TypeTimerPause:
		var p protocol.TimerIDPayload
		if c.decode(cm.Payload, &p) {
			c.bound.Inbox() <- room.TimerPause{TimerID: p.TimerID}
		}

	case protocol.TypeTimerResume:
		var p protocol.TimerIDPayload
		if c.decode(cm.Payload, &p) {
			c.bound.Inbox() <- room.TimerResume{TimerID: p.TimerID}
		}

	case protocol.TypeTimerReset:
		var p protocol.TimerIDPayload
		if c.decode(cm.Payload, &p) {
			c.bound.Inbox() <- room.TimerReset{TimerID: p.TimerID}
		}

	case protocol.TypeRestoreFromSnapshot:
		var p protocol.RestorePayload
		if c.decode(cm.Payload, &p) {
			c.bound.Inbox() <- room.RestoreSnapshot{Snap: p.State}
		}

	default:
		c.log.Info("unknown message type ignored", zap.String("type", cm.Type))
	}
}

// bind attaches the connection to a room, detaching from any previous
// one first.
func (c *constate) bind(rm *room.Room) {
	if c.bound != nil && c.bound != rm {
		c.bound.Inbox() <- room.Leave{ClientID: c.id}
	}
	c.bound = rm
}

func (c *constate) decode(raw json.RawMessage, v any) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		c.log.Warn("malformed payload dropped", zap.Error(err))
		return false
	}
	return true
}

// send writes directly to the socket, bypassing the room-owned outbox.
// Used for caller-only replies that do not originate in a room loop.
func (c *constate) send(ctx context.Context, env protocol.Envelope) {
	payload, _ := json.Marshal(env)
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = c.conn.Write(wctx, websocket.MessageText, payload)
}

func (c *constate) sendError(ctx context.Context, msg string) {
	c.send(ctx, protocol.Envelope{
		Type:      protocol.TypeError,
		Payload:   protocol.Raw(protocol.ErrorPayload{Message: msg}),
		Timestamp: time.Now().UnixMilli(),
	})
}
