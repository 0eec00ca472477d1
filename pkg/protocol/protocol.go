// Package protocol defines the wire contract shared by the server and the
// Go sync client: the message catalog, the broadcast envelope, and the
// payload structs for every message type.
package protocol

import "encoding/json"

// Client -> server message types.
const (
	TypeJoinTournament      = "JOIN_TOURNAMENT"
	TypeJoinTimer           = "JOIN_TIMER"
	TypeRequestFullState    = "REQUEST_FULL_STATE"
	TypeUpdateTextField     = "UPDATE_TEXT_FIELD"
	TypeUpdateChombo        = "UPDATE_CHOMBO"
	TypeUpdateConfig        = "UPDATE_CONFIG"
	TypeUpdatePlayerNames   = "UPDATE_PLAYER_NAMES"
	TypeRecomputeTournament = "RECOMPUTE_TOURNAMENT"
	TypeUpdateResults       = "UPDATE_RESULTS"
	TypeTimerStart          = "TIMER_START"
	TypeTimerPause          = "TIMER_PAUSE"
	TypeTimerResume         = "TIMER_RESUME"
	TypeTimerReset          = "TIMER_RESET"
	TypeRestoreFromSnapshot = "RESTORE_FROM_SNAPSHOT"
)

// Server -> client message types.
const (
	TypeFullState            = "FULL_STATE"
	TypeTextFieldUpdated     = "TEXT_FIELD_UPDATED"
	TypeChomboUpdated        = "CHOMBO_UPDATED"
	TypeConfigUpdated        = "CONFIG_UPDATED"
	TypePlayerNamesUpdated   = "PLAYER_NAMES_UPDATED"
	TypeTournamentRecomputed = "TOURNAMENT_RECOMPUTED"
	TypeResultsUpdated       = "RESULTS_UPDATED"
	TypeTimerStarted         = "TIMER_STARTED"
	TypeTimerPaused          = "TIMER_PAUSED"
	TypeTimerFinished        = "TIMER_FINISHED"
	TypeTimerSync            = "TIMER_SYNC"
	TypeError                = "ERROR"
)

// ClientMessage is the outer shape of every client -> server message. The
// payload is decoded into the per-type struct once the type tag is known.
type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Envelope is the wrapper for every server -> client message. Version is
// present on room-scoped broadcasts and omitted on versionless replies
// such as ERROR.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Version   int             `json:"version,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// TournamentConfig is the creation-time configuration. The first four
// fields are locked once the tournament exists; the roster fields may be
// changed later through UPDATE_PLAYER_NAMES or RECOMPUTE_TOURNAMENT.
type TournamentConfig struct {
	GroupCount        int        `json:"groupCount"`
	GroupSize         int        `json:"groupSize"`
	RoundCount        int        `json:"roundCount"`
	WithGroupLeaders  bool       `json:"withGroupLeaders"`
	PlayerNames       []string   `json:"playerNames,omitempty"`
	ForbiddenPairs    [][]string `json:"forbiddenPairs,omitempty"`
	DiscouragedGroups [][]string `json:"discouragedGroups,omitempty"`
}

// Scoring holds the numeric knobs consumed by the score calculator.
type Scoring struct {
	Oka            float64 `json:"oka"`
	Uma1           float64 `json:"uma1"`
	Uma2           float64 `json:"uma2"`
	Uma3           float64 `json:"uma3"`
	Uma4           float64 `json:"uma4"`
	StartingPoints float64 `json:"startingPoints"`
	ChomboValue    float64 `json:"chomboValue"`
}

// ScoringUpdate is the whitelist for UPDATE_CONFIG: only these fields can
// be touched, so locked tournament structure is unrepresentable here and
// gets dropped during decoding rather than filtered by hand.
type ScoringUpdate struct {
	Oka            *float64 `json:"oka,omitempty"`
	Uma1           *float64 `json:"uma1,omitempty"`
	Uma2           *float64 `json:"uma2,omitempty"`
	Uma3           *float64 `json:"uma3,omitempty"`
	Uma4           *float64 `json:"uma4,omitempty"`
	StartingPoints *float64 `json:"startingPoints,omitempty"`
	ChomboValue    *float64 `json:"chomboValue,omitempty"`
}

// ApplyTo merges the update into a scoring config: only fields present
// in the update change.
func (u ScoringUpdate) ApplyTo(s *Scoring) {
	if u.Oka != nil {
		s.Oka = *u.Oka
	}
	if u.Uma1 != nil {
		s.Uma1 = *u.Uma1
	}
	if u.Uma2 != nil {
		s.Uma2 = *u.Uma2
	}
	if u.Uma3 != nil {
		s.Uma3 = *u.Uma3
	}
	if u.Uma4 != nil {
		s.Uma4 = *u.Uma4
	}
	if u.StartingPoints != nil {
		s.StartingPoints = *u.StartingPoints
	}
	if u.ChomboValue != nil {
		s.ChomboValue = *u.ChomboValue
	}
}

// RosterUpdate is the whitelist for the unlocked structural fields a
// RECOMPUTE_TOURNAMENT may replace. Nil slices mean "leave as is".
type RosterUpdate struct {
	PlayerNames       []string   `json:"playerNames,omitempty"`
	ForbiddenPairs    [][]string `json:"forbiddenPairs,omitempty"`
	DiscouragedGroups [][]string `json:"discouragedGroups,omitempty"`
}

// Snapshot is the full tournament state sent on join, on explicit
// request, and from the HTTP read endpoint. Connected clients are never
// part of it.
type Snapshot struct {
	ID            string             `json:"id"`
	Config        TournamentConfig   `json:"config"`
	ScoringConfig Scoring            `json:"scoringConfig"`
	FieldValues   map[string]float64 `json:"fieldValues"`
	PenaltyCounts map[string]int     `json:"penaltyCounts"`
	LastResult    json.RawMessage    `json:"lastResult,omitempty"`
	Version       int                `json:"version"`
	IsInitialized bool               `json:"isInitialized"`
	LastUpdated   int64              `json:"lastUpdated"`
}

type JoinTournamentPayload struct {
	ID string `json:"id"`
}

type JoinTimerPayload struct {
	ID      string `json:"id"`
	TimerID string `json:"timerId"`
}

type TextFieldPayload struct {
	FieldID string  `json:"fieldId"`
	Value   float64 `json:"value"`
}

type ChomboPayload struct {
	Person string `json:"person"`
	Count  int    `json:"count"`
}

type PlayerNamesPayload struct {
	PlayerNames []string `json:"playerNames"`
}

type RecomputePayload struct {
	Config *RosterUpdate `json:"config,omitempty"`
}

type ResultsPayload struct {
	Results json.RawMessage `json:"results"`
}

// TimerStartPayload carries the countdown length in whole seconds.
type TimerStartPayload struct {
	TimerID  string `json:"timerId"`
	Duration int    `json:"duration"`
}

type TimerIDPayload struct {
	TimerID string `json:"timerId"`
}

type RestorePayload struct {
	State Snapshot `json:"state"`
}

type FullStatePayload struct {
	State Snapshot `json:"state"`
}

// TimerStartedPayload carries the absolute deadline in unix milliseconds;
// clients count down against it locally.
type TimerStartedPayload struct {
	EndTime int64 `json:"endTime"`
}

type TimerPausedPayload struct {
	TimeLeft int64 `json:"timeLeft"`
}

type TimerSyncPayload struct {
	IsRunning bool  `json:"isRunning"`
	EndTime   int64 `json:"endTime"`
	TimeLeft  int64 `json:"timeLeft"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// Raw marshals a payload struct for embedding in an Envelope. Payload
// types here cannot fail to marshal.
func Raw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
