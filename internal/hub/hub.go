// Package hub owns the registry of live rooms. Creation and lookup go
// through a single goroutine, so two racing creates with the same id can
// never both win. The hub is passed explicitly to every handler; there is
// no process-wide table.
package hub

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"tourneysync/internal/room"
	"tourneysync/pkg/protocol"
)

var (
	ErrDuplicateRoom = errors.New("tournament id already exists")
	ErrRoomNotFound  = errors.New("tournament not found")
	ErrHubClosed     = errors.New("hub shut down")
)

type HubMsg interface{ isHubMsg() }

// CreateRoom registers a new room under an unused id. A duplicate id is
// rejected and the existing room is left untouched.
type CreateRoom struct {
	ID     string
	Config protocol.TournamentConfig
	Reply  chan CreateResult
}

type CreateResult struct {
	Room *room.Room
	Err  error
}

type GetRoom struct {
	ID    string
	Reply chan *room.Room // nil when absent
}

type ShutdownHub struct{}

func (CreateRoom) isHubMsg()  {}
func (GetRoom) isHubMsg()     {}
func (ShutdownHub) isHubMsg() {}

type Hub struct {
	inbox    chan HubMsg
	rooms    map[string]*room.Room
	roomOpts room.Options
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewHub starts the registry loop. roomOpts is forwarded to every room
// the hub creates, which lets tests inject a fake clock.
func NewHub(parent context.Context, roomOpts room.Options, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:    make(chan HubMsg, 64),
		rooms:    make(map[string]*room.Room),
		roomOpts: roomOpts,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Get is a convenience wrapper around the GetRoom message. A hub that
// has shut down answers nil instead of blocking.
func (h *Hub) Get(id string) *room.Room {
	if h.ctx.Err() != nil {
		return nil
	}
	reply := make(chan *room.Room, 1)
	select {
	case h.inbox <- GetRoom{ID: id, Reply: reply}:
	case <-h.ctx.Done():
		return nil
	}
	select {
	case rm := <-reply:
		return rm
	case <-h.ctx.Done():
		return nil
	}
}

// Create is a convenience wrapper around the CreateRoom message. A hub
// that has shut down answers ErrHubClosed instead of blocking.
func (h *Hub) Create(id string, cfg protocol.TournamentConfig) (*room.Room, error) {
	if h.ctx.Err() != nil {
		return nil, ErrHubClosed
	}
	reply := make(chan CreateResult, 1)
	select {
	case h.inbox <- CreateRoom{ID: id, Config: cfg, Reply: reply}:
	case <-h.ctx.Done():
		return nil, ErrHubClosed
	}
	select {
	case res := <-reply:
		return res.Room, res.Err
	case <-h.ctx.Done():
		return nil, ErrHubClosed
	}
}

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateRoom:
				if _, exists := h.rooms[msg.ID]; exists {
					msg.Reply <- CreateResult{Err: ErrDuplicateRoom}
					break
				}
				rm := room.NewRoom(h.ctx, msg.ID, msg.Config, h.roomOpts)
				h.rooms[msg.ID] = rm
				h.log.Info("tournament created", zap.String("room", msg.ID))
				msg.Reply <- CreateResult{Room: rm}

			case GetRoom:
				msg.Reply <- h.rooms[msg.ID] // may be nil

			case ShutdownHub:
				for _, rm := range h.rooms {
					rm.Inbox() <- room.Shutdown{}
				}
				clear(h.rooms)
				h.cancel()
				return
			}
		}
	}
}
