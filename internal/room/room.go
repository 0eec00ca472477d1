// Package room implements the per-tournament actor: a single goroutine
// owns the tournament state, the version counter, the connected clients
// and the embedded timers, and processes messages one at a time. That
// run-to-completion discipline is what makes every mutation atomic
// relative to broadcasts and the timer expiry scan.
package room

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"tourneysync/internal/tournament"
	"tourneysync/pkg/protocol"
)

const defaultScanInterval = 100 * time.Millisecond

type Msg interface{ isRoomMsg() }

// Join registers a connection as a tournament subscriber and replies with
// the full state on its outbox only.
type Join struct {
	ClientID string
	Outbox   chan protocol.Envelope
}

// JoinTimer subscribes a connection to one timer, creating the timer on
// first reference, and replies with a TIMER_SYNC on the outbox only.
type JoinTimer struct {
	ClientID string
	TimerID  string
	Outbox   chan protocol.Envelope
}

// Leave drops a connection from the tournament and every timer it was
// subscribed to. Sent once when the transport closes.
type Leave struct{ ClientID string }

// GetSnapshot replies with the current full state; it never mutates.
type GetSnapshot struct{ Reply chan protocol.Snapshot }

type SetFieldValue struct {
	FieldID string
	Value   float64
}

type SetPenaltyCount struct {
	Person string
	Count  int
}

type UpdateScoring struct{ Update protocol.ScoringUpdate }

type SetPlayerNames struct{ PlayerNames []string }

// Recompute clears all derived state and optionally swaps the unlocked
// roster fields before the external scheduler runs again.
type Recompute struct{ Update *protocol.RosterUpdate }

type SetResult struct{ Results json.RawMessage }

// RestoreSnapshot is the one-shot recovery path: honored only while the
// room has never accepted a mutation, ignored afterwards.
type RestoreSnapshot struct{ Snap protocol.Snapshot }

type TimerStart struct {
	TimerID  string
	Duration time.Duration
}

type TimerPause struct{ TimerID string }

type TimerResume struct{ TimerID string }

type TimerReset struct{ TimerID string }

type Shutdown struct{}

// scanTimers is posted by the scan goroutine; expiry is decided in the
// loop against live timer state, never against a cached snapshot.
type scanTimers struct{}

// GetView reflects internal counters without data races; test-only.
type GetView struct{ Reply chan View }

// GetTimerView reflects one timer's raw state; test-only.
type GetTimerView struct {
	TimerID string
	Reply   chan TimerView
}

func (Join) isRoomMsg()            {}
func (JoinTimer) isRoomMsg()       {}
func (Leave) isRoomMsg()           {}
func (GetSnapshot) isRoomMsg()     {}
func (SetFieldValue) isRoomMsg()   {}
func (SetPenaltyCount) isRoomMsg() {}
func (UpdateScoring) isRoomMsg()   {}
func (SetPlayerNames) isRoomMsg()  {}
func (Recompute) isRoomMsg()       {}
func (SetResult) isRoomMsg()       {}
func (RestoreSnapshot) isRoomMsg() {}
func (TimerStart) isRoomMsg()      {}
func (TimerPause) isRoomMsg()      {}
func (TimerResume) isRoomMsg()     {}
func (TimerReset) isRoomMsg()      {}
func (Shutdown) isRoomMsg()        {}
func (scanTimers) isRoomMsg()      {}
func (GetView) isRoomMsg()         {}
func (GetTimerView) isRoomMsg()    {}

type View struct {
	Version     int
	NumClients  int
	NumTimers   int
	Initialized bool
}

type TimerView struct {
	Exists           bool
	Running          bool
	EndTime          time.Time
	RemainingOnPause time.Duration
	NumSubscribers   int
}

// client is one connection known to the room: the shared outbox plus
// whether it subscribed to tournament-level broadcasts.
type client struct {
	id      string
	outbox  chan protocol.Envelope
	roomSub bool
}

// Options carries the injectable collaborators; zero values get sensible
// defaults so production call sites stay short.
type Options struct {
	Clock        clockwork.Clock
	ScanInterval time.Duration
	Logger       *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.ScanInterval <= 0 {
		o.ScanInterval = defaultScanInterval
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type Room struct {
	inbox       chan Msg
	id          string
	state       tournament.State
	version     int
	initialized bool
	lastUpdated int64
	clients     map[string]*client
	timers      map[string]*timer
	clock       clockwork.Clock
	log         *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewRoom builds the room, starts its loop and its expiry scan. The room
// lives until the parent context is cancelled or Shutdown arrives.
func NewRoom(parent context.Context, id string, cfg protocol.TournamentConfig, opts Options) *Room {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(parent)

	r := &Room{
		inbox:   make(chan Msg, 64),
		id:      id,
		state:   tournament.New(id, cfg),
		clients: make(map[string]*client),
		timers:  make(map[string]*timer),
		clock:   opts.Clock,
		log:     opts.Logger.With(zap.String("room", id)),
		ctx:     ctx,
		cancel:  cancel,
	}
	r.lastUpdated = r.clock.Now().UnixMilli()

	go r.loop()
	go r.scanLoop(opts.ScanInterval)
	return r
}

func (r *Room) ID() string { return r.id }

// Inbox exposes the message channel to the ws layer and tests.
func (r *Room) Inbox() chan<- Msg { return r.inbox }

func (r *Room) loop() {
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Join:
				c := r.ensureClient(msg.ClientID, msg.Outbox)
				c.roomSub = true
				r.sendTo(c, r.envelope(protocol.TypeFullState,
					protocol.FullStatePayload{State: r.snapshot()}))

			case JoinTimer:
				c := r.ensureClient(msg.ClientID, msg.Outbox)
				t := r.ensureTimer(msg.TimerID)
				t.subs[c.id] = c
				r.sendTo(c, r.envelope(protocol.TypeTimerSync, t.sync(r.clock.Now())))

			case Leave:
				r.dropClient(msg.ClientID)

			case GetSnapshot:
				msg.Reply <- r.snapshot()

			case SetFieldValue:
				r.state.FieldValues[msg.FieldID] = msg.Value
				r.commit(protocol.TypeTextFieldUpdated,
					protocol.TextFieldPayload{FieldID: msg.FieldID, Value: msg.Value})

			case SetPenaltyCount:
				r.state.PenaltyCounts[msg.Person] = msg.Count
				r.commit(protocol.TypeChomboUpdated,
					protocol.ChomboPayload{Person: msg.Person, Count: msg.Count})

			case UpdateScoring:
				r.state.ApplyScoring(msg.Update)
				r.commit(protocol.TypeConfigUpdated, r.state.Scoring)

			case SetPlayerNames:
				r.state.ApplyRoster(protocol.RosterUpdate{PlayerNames: msg.PlayerNames})
				r.commit(protocol.TypePlayerNamesUpdated,
					protocol.PlayerNamesPayload{PlayerNames: r.state.Roster.PlayerNames})

			case Recompute:
				r.state.ClearDerived()
				if msg.Update != nil {
					r.state.ApplyRoster(*msg.Update)
				}
				r.commit(protocol.TypeTournamentRecomputed,
					protocol.RecomputePayload{Config: msg.Update})

			case SetResult:
				r.state.LastResult = msg.Results
				r.commit(protocol.TypeResultsUpdated,
					protocol.ResultsPayload{Results: msg.Results})

			case RestoreSnapshot:
				r.restore(msg.Snap)

			case TimerStart:
				t := r.ensureTimer(msg.TimerID)
				now := r.clock.Now()
				if !t.start(now, msg.Duration) {
					break // already running, idempotent
				}
				r.bump()
				r.broadcastTimer(t, r.envelope(protocol.TypeTimerStarted,
					protocol.TimerStartedPayload{EndTime: t.endTime.UnixMilli()}))

			case TimerPause:
				t, ok := r.timers[msg.TimerID]
				if !ok {
					break
				}
				left, ok := t.pause(r.clock.Now())
				if !ok {
					break
				}
				r.bump()
				r.broadcastTimer(t, r.envelope(protocol.TypeTimerPaused,
					protocol.TimerPausedPayload{TimeLeft: left.Milliseconds()}))

			case TimerResume:
				t, ok := r.timers[msg.TimerID]
				if !ok {
					break
				}
				end, ok := t.resume(r.clock.Now())
				if !ok {
					break
				}
				r.bump()
				// Resume looks exactly like a start on the wire.
				r.broadcastTimer(t, r.envelope(protocol.TypeTimerStarted,
					protocol.TimerStartedPayload{EndTime: end.UnixMilli()}))

			case TimerReset:
				t, ok := r.timers[msg.TimerID]
				if !ok {
					break
				}
				t.reset()
				r.bump()
				r.broadcastTimer(t, r.envelope(protocol.TypeTimerReset, nil))

			case scanTimers:
				r.scan()

			case GetView:
				msg.Reply <- View{
					Version:     r.version,
					NumClients:  len(r.clients),
					NumTimers:   len(r.timers),
					Initialized: r.initialized,
				}

			case GetTimerView:
				t, ok := r.timers[msg.TimerID]
				if !ok {
					msg.Reply <- TimerView{}
					break
				}
				msg.Reply <- TimerView{
					Exists:           true,
					Running:          t.running,
					EndTime:          t.endTime,
					RemainingOnPause: t.remainingOnPause,
					NumSubscribers:   len(t.subs),
				}

			case Shutdown:
				r.shutdown()
				return
			}
		}
	}
}

// scanLoop posts a scan request on every tick. If the inbox is saturated
// the tick is skipped; the next one will catch any elapsed timer.
func (r *Room) scanLoop(interval time.Duration) {
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.Chan():
			select {
			case r.inbox <- scanTimers{}:
			default:
			}
		}
	}
}

// scan fires TIMER_FINISHED for every running timer whose deadline has
// passed. State is read inside the loop, so a pause or reset handled
// before this message wins and no finish event fires for it.
func (r *Room) scan() {
	now := r.clock.Now()
	for _, t := range r.timers {
		if !t.expired(now) {
			continue
		}
		t.finish()
		r.bump()
		r.broadcastTimer(t, r.envelope(protocol.TypeTimerFinished, nil))
		r.log.Debug("timer finished", zap.String("timer", t.id))
	}
}

// restore honors a client snapshot only while the room has never been
// written to; once initialized the server state wins and this is a no-op.
func (r *Room) restore(snap protocol.Snapshot) {
	if r.initialized {
		r.log.Info("ignoring snapshot restore, room already initialized")
		return
	}
	r.state.Restore(snap)
	if snap.Version > r.version {
		r.version = snap.Version
	}
	r.version++
	r.initialized = true
	r.lastUpdated = r.clock.Now().UnixMilli()
	r.broadcast(r.envelope(protocol.TypeFullState,
		protocol.FullStatePayload{State: r.snapshot()}))
	r.log.Info("restored state from client snapshot", zap.Int("version", r.version))
}

// commit finalizes an accepted tournament mutation: mark initialized,
// advance the version, stamp the update and fan it out.
func (r *Room) commit(typ string, payload any) {
	r.initialized = true
	r.bump()
	r.broadcast(r.envelope(typ, payload))
}

// bump advances the version counter and the last-updated stamp. Called
// exactly once per accepted mutation.
func (r *Room) bump() {
	r.version++
	r.lastUpdated = r.clock.Now().UnixMilli()
}

func (r *Room) snapshot() protocol.Snapshot {
	return r.state.Snapshot(r.version, r.initialized, r.lastUpdated)
}

func (r *Room) envelope(typ string, payload any) protocol.Envelope {
	env := protocol.Envelope{
		Type:      typ,
		Version:   r.version,
		Timestamp: r.clock.Now().UnixMilli(),
	}
	if payload != nil {
		env.Payload = protocol.Raw(payload)
	}
	return env
}

func (r *Room) ensureClient(id string, outbox chan protocol.Envelope) *client {
	if c, ok := r.clients[id]; ok {
		return c
	}
	c := &client{id: id, outbox: outbox}
	r.clients[id] = c
	return c
}

func (r *Room) ensureTimer(id string) *timer {
	if t, ok := r.timers[id]; ok {
		return t
	}
	t := newTimer(id)
	r.timers[id] = t
	return t
}

// broadcast fans an envelope to every tournament subscriber.
func (r *Room) broadcast(env protocol.Envelope) {
	for _, c := range r.clients {
		if c.roomSub {
			r.sendTo(c, env)
		}
	}
}

// broadcastTimer fans an envelope to one timer's subscribers only.
func (r *Room) broadcastTimer(t *timer, env protocol.Envelope) {
	for _, c := range t.subs {
		r.sendTo(c, env)
	}
}

// sendTo is fire-and-forget: a client whose outbox is full is dropped so
// a stalled transport can never block the loop.
func (r *Room) sendTo(c *client, env protocol.Envelope) {
	select {
	case c.outbox <- env:
	default:
		r.log.Warn("client outbox full, dropping client", zap.String("client", c.id))
		r.dropClient(c.id)
	}
}

// dropClient removes a connection from the room and every timer it
// subscribed to. The outbox channel is never closed here: it belongs to
// the ws layer and may be offered again on a later join.
func (r *Room) dropClient(id string) {
	if _, ok := r.clients[id]; !ok {
		return
	}
	delete(r.clients, id)
	for _, t := range r.timers {
		delete(t.subs, id)
	}
}

func (r *Room) shutdown() {
	for id := range r.clients {
		r.dropClient(id)
	}
	r.cancel()
}
