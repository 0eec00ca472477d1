// Package client is the sync agent embedded in Go clients: it keeps a
// local mirror of a tournament (and its timers), applies inbound
// broadcasts, suppresses echo re-sends, and reconnects with exponential
// backoff when the transport drops.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"

	"tourneysync/pkg/protocol"
)

var ErrNotConnected = errors.New("client: not connected")

const (
	defaultBaseDelay   = time.Second
	defaultMaxAttempts = 8
	writeTimeout       = 3 * time.Second
)

// Callbacks are invoked from the read goroutine while the applying-remote
// guard is held, so mutator calls made inside them update the mirror but
// never send — that is what stops echo storms.
type Callbacks struct {
	OnFullState      func(protocol.Snapshot)
	OnUpdate         func(protocol.Envelope)
	OnTimerEvent     func(protocol.Envelope)
	OnError          func(string)
	OnConnectionLost func(error)
}

type Config struct {
	URL          string // ws endpoint, e.g. ws://host:8080/ws
	TournamentID string
	BaseDelay    time.Duration   // reconnect backoff base; default 1s
	MaxAttempts  int             // reconnect attempts before giving up; default 8
	Clock        clockwork.Clock // nil means real clock
}

// TimerState mirrors the last observed countdown. Timestamps are unix ms.
type TimerState struct {
	IsRunning bool
	EndTime   int64
	TimeLeft  int64
}

type Client struct {
	cfg   Config
	cb    Callbacks
	clock clockwork.Clock

	mu          sync.Mutex
	conn        *websocket.Conn
	connected   bool
	mirror      protocol.Snapshot
	timerState  TimerState
	timerJoins  []string
	lastVersion int
	gotInitial  bool

	applying atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Dial connects, joins the configured tournament and starts the agent.
// The initial dial failing is returned as an error; reconnection only
// covers transports that drop after a successful connect.
func Dial(ctx context.Context, cfg Config, cb Callbacks) (*Client, error) {
	if cfg.URL == "" || cfg.TournamentID == "" {
		return nil, errors.New("client: URL and TournamentID are required")
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &Client{
		cfg:    cfg,
		cb:     cb,
		clock:  cfg.Clock,
		ctx:    cctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if err := c.connect(); err != nil {
		cancel()
		return nil, err
	}
	go c.run()
	return c, nil
}

// Done is closed once the agent has stopped for good: either Close was
// called or reconnection attempts were exhausted.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
	return nil
}

// Connected reports whether the transport is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Snapshot returns a copy of the local mirror.
func (c *Client) Snapshot() protocol.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mirror
}

// Timer returns the last observed timer state.
func (c *Client) Timer() TimerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timerState
}

// Version returns the highest server version applied to the mirror.
func (c *Client) Version() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastVersion
}

// connect dials and re-issues the joins that were active before: the
// tournament join plus every timer subscription.
func (c *Client) connect() error {
	dialCtx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.conn != nil && c.conn != conn {
		// a join that failed mid-handshake can leave the previous
		// transport behind; release it before adopting the new one
		_ = c.conn.CloseNow()
	}
	c.conn = conn
	c.connected = true
	timers := append([]string(nil), c.timerJoins...)
	c.mu.Unlock()

	if err := c.write(protocol.TypeJoinTournament,
		protocol.JoinTournamentPayload{ID: c.cfg.TournamentID}); err != nil {
		c.discard(conn)
		return err
	}
	for _, id := range timers {
		if err := c.write(protocol.TypeJoinTimer,
			protocol.JoinTimerPayload{ID: c.cfg.TournamentID, TimerID: id}); err != nil {
			c.discard(conn)
			return err
		}
	}
	return nil
}

// discard releases a transport whose join sequence failed, so a retry
// never piles connections up.
func (c *Client) discard(conn *websocket.Conn) {
	_ = conn.CloseNow()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.connected = false
	}
	c.mu.Unlock()
}

func (c *Client) run() {
	defer close(c.done)

	for {
		err := c.readLoop()
		if c.ctx.Err() != nil {
			return
		}

		attempts := 0
		for {
			if attempts >= c.cfg.MaxAttempts {
				if c.cb.OnConnectionLost != nil {
					c.cb.OnConnectionLost(err)
				}
				return
			}
			delay := c.cfg.BaseDelay * (1 << attempts)
			select {
			case <-c.ctx.Done():
				return
			case <-c.clock.After(delay):
			}
			attempts++
			if derr := c.connect(); derr == nil {
				break
			}
		}
	}
}

func (c *Client) readLoop() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			_ = conn.CloseNow()
			c.mu.Lock()
			if c.conn == conn {
				c.connected = false
				c.conn = nil
			}
			c.mu.Unlock()
			return err
		}

		var env protocol.Envelope
		if jerr := json.Unmarshal(data, &env); jerr != nil {
			continue
		}
		c.handle(env)
	}
}

// beginApply raises the applying-remote guard for exactly one inbound
// message pass; the returned release must be called when the pass ends.
func (c *Client) beginApply() func() {
	c.applying.Add(1)
	return func() { c.applying.Add(-1) }
}

func (c *Client) isApplying() bool { return c.applying.Load() > 0 }

func (c *Client) handle(env protocol.Envelope) {
	release := c.beginApply()
	defer release()

	switch env.Type {
	case protocol.TypeFullState:
		var p protocol.FullStatePayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		c.mu.Lock()
		if !c.gotInitial || p.State.Version >= c.lastVersion {
			c.mirror = p.State
			c.lastVersion = p.State.Version
			c.gotInitial = true
		}
		c.mu.Unlock()
		if c.cb.OnFullState != nil {
			c.cb.OnFullState(p.State)
		}

	case protocol.TypeTextFieldUpdated,
		protocol.TypeChomboUpdated,
		protocol.TypeConfigUpdated,
		protocol.TypePlayerNamesUpdated,
		protocol.TypeTournamentRecomputed,
		protocol.TypeResultsUpdated:
		if !c.applyUpdate(env) {
			return
		}
		if c.cb.OnUpdate != nil {
			c.cb.OnUpdate(env)
		}

	case protocol.TypeTimerStarted,
		protocol.TypeTimerPaused,
		protocol.TypeTimerReset,
		protocol.TypeTimerFinished,
		protocol.TypeTimerSync:
		c.applyTimer(env)
		if c.cb.OnTimerEvent != nil {
			c.cb.OnTimerEvent(env)
		}

	case protocol.TypeError:
		var p protocol.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		if c.cb.OnError != nil {
			c.cb.OnError(p.Message)
		}
	}
}

// applyUpdate folds an incremental broadcast into the mirror. Envelopes
// at or below the last applied version are stale and dropped.
func (c *Client) applyUpdate(env protocol.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if env.Version != 0 && env.Version <= c.lastVersion {
		return false
	}

	switch env.Type {
	case protocol.TypeTextFieldUpdated:
		var p protocol.TextFieldPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		if c.mirror.FieldValues == nil {
			c.mirror.FieldValues = make(map[string]float64)
		}
		c.mirror.FieldValues[p.FieldID] = p.Value

	case protocol.TypeChomboUpdated:
		var p protocol.ChomboPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		if c.mirror.PenaltyCounts == nil {
			c.mirror.PenaltyCounts = make(map[string]int)
		}
		c.mirror.PenaltyCounts[p.Person] = p.Count

	case protocol.TypeConfigUpdated:
		var p protocol.Scoring
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		c.mirror.ScoringConfig = p

	case protocol.TypePlayerNamesUpdated:
		var p protocol.PlayerNamesPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		c.mirror.Config.PlayerNames = p.PlayerNames

	case protocol.TypeTournamentRecomputed:
		var p protocol.RecomputePayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		c.mirror.FieldValues = make(map[string]float64)
		c.mirror.PenaltyCounts = make(map[string]int)
		c.mirror.LastResult = nil
		if p.Config != nil {
			applyRoster(&c.mirror.Config, *p.Config)
		}

	case protocol.TypeResultsUpdated:
		var p protocol.ResultsPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		c.mirror.LastResult = p.Results
	}

	c.lastVersion = env.Version
	c.mirror.Version = env.Version
	c.mirror.IsInitialized = true
	c.mirror.LastUpdated = env.Timestamp
	return true
}

func (c *Client) applyTimer(env protocol.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch env.Type {
	case protocol.TypeTimerStarted:
		var p protocol.TimerStartedPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		c.timerState = TimerState{
			IsRunning: true,
			EndTime:   p.EndTime,
			TimeLeft:  p.EndTime - c.clock.Now().UnixMilli(),
		}

	case protocol.TypeTimerPaused:
		var p protocol.TimerPausedPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		c.timerState = TimerState{TimeLeft: p.TimeLeft}

	case protocol.TypeTimerReset, protocol.TypeTimerFinished:
		c.timerState = TimerState{}

	case protocol.TypeTimerSync:
		var p protocol.TimerSyncPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		c.timerState = TimerState{
			IsRunning: p.IsRunning,
			EndTime:   p.EndTime,
			TimeLeft:  p.TimeLeft,
		}
	}
	if env.Version > c.lastVersion {
		c.lastVersion = env.Version
	}
}

func applyRoster(cfg *protocol.TournamentConfig, u protocol.RosterUpdate) {
	if u.PlayerNames != nil {
		cfg.PlayerNames = u.PlayerNames
	}
	if u.ForbiddenPairs != nil {
		cfg.ForbiddenPairs = u.ForbiddenPairs
	}
	if u.DiscouragedGroups != nil {
		cfg.DiscouragedGroups = u.DiscouragedGroups
	}
}

// SetFieldValue applies the edit locally right away and sends it to the
// server, unless the edit was triggered while applying a remote update.
func (c *Client) SetFieldValue(fieldID string, value float64) error {
	c.mu.Lock()
	if c.mirror.FieldValues == nil {
		c.mirror.FieldValues = make(map[string]float64)
	}
	c.mirror.FieldValues[fieldID] = value
	c.mu.Unlock()

	if c.isApplying() {
		return nil
	}
	return c.write(protocol.TypeUpdateTextField,
		protocol.TextFieldPayload{FieldID: fieldID, Value: value})
}

func (c *Client) SetPenaltyCount(person string, count int) error {
	c.mu.Lock()
	if c.mirror.PenaltyCounts == nil {
		c.mirror.PenaltyCounts = make(map[string]int)
	}
	c.mirror.PenaltyCounts[person] = count
	c.mu.Unlock()

	if c.isApplying() {
		return nil
	}
	return c.write(protocol.TypeUpdateChombo,
		protocol.ChomboPayload{Person: person, Count: count})
}

func (c *Client) UpdateScoring(u protocol.ScoringUpdate) error {
	c.mu.Lock()
	u.ApplyTo(&c.mirror.ScoringConfig)
	c.mu.Unlock()

	if c.isApplying() {
		return nil
	}
	return c.write(protocol.TypeUpdateConfig, u)
}

func (c *Client) SetPlayerNames(names []string) error {
	c.mu.Lock()
	c.mirror.Config.PlayerNames = names
	c.mu.Unlock()

	if c.isApplying() {
		return nil
	}
	return c.write(protocol.TypeUpdatePlayerNames,
		protocol.PlayerNamesPayload{PlayerNames: names})
}

func (c *Client) Recompute(u *protocol.RosterUpdate) error {
	c.mu.Lock()
	c.mirror.FieldValues = make(map[string]float64)
	c.mirror.PenaltyCounts = make(map[string]int)
	c.mirror.LastResult = nil
	if u != nil {
		applyRoster(&c.mirror.Config, *u)
	}
	c.mu.Unlock()

	if c.isApplying() {
		return nil
	}
	return c.write(protocol.TypeRecomputeTournament, protocol.RecomputePayload{Config: u})
}

func (c *Client) SetResults(results json.RawMessage) error {
	c.mu.Lock()
	c.mirror.LastResult = results
	c.mu.Unlock()

	if c.isApplying() {
		return nil
	}
	return c.write(protocol.TypeUpdateResults, protocol.ResultsPayload{Results: results})
}

// JoinTimer subscribes to a timer and remembers the subscription so it
// is re-issued after a reconnect.
func (c *Client) JoinTimer(timerID string) error {
	c.mu.Lock()
	tracked := false
	for _, id := range c.timerJoins {
		if id == timerID {
			tracked = true
			break
		}
	}
	if !tracked {
		c.timerJoins = append(c.timerJoins, timerID)
	}
	c.mu.Unlock()

	return c.write(protocol.TypeJoinTimer,
		protocol.JoinTimerPayload{ID: c.cfg.TournamentID, TimerID: timerID})
}

func (c *Client) StartTimer(timerID string, seconds int) error {
	return c.write(protocol.TypeTimerStart,
		protocol.TimerStartPayload{TimerID: timerID, Duration: seconds})
}

func (c *Client) PauseTimer(timerID string) error {
	return c.write(protocol.TypeTimerPause, protocol.TimerIDPayload{TimerID: timerID})
}

func (c *Client) ResumeTimer(timerID string) error {
	return c.write(protocol.TypeTimerResume, protocol.TimerIDPayload{TimerID: timerID})
}

func (c *Client) ResetTimer(timerID string) error {
	return c.write(protocol.TypeTimerReset, protocol.TimerIDPayload{TimerID: timerID})
}

func (c *Client) RequestFullState() error {
	return c.write(protocol.TypeRequestFullState, nil)
}

// RestoreSnapshot offers the local mirror to the server; the server only
// honors it while it holds no state of its own for the tournament.
func (c *Client) RestoreSnapshot() error {
	c.mu.Lock()
	snap := c.mirror
	c.mu.Unlock()
	return c.write(protocol.TypeRestoreFromSnapshot, protocol.RestorePayload{State: snap})
}

func (c *Client) write(typ string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	msg := protocol.ClientMessage{Type: typ}
	if payload != nil {
		msg.Payload = protocol.Raw(payload)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
