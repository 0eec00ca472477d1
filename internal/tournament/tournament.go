// Package tournament holds the pure tournament data model: the locked
// structural configuration, the mutable roster and scoring knobs, and the
// derived per-event state. Everything here is plain data manipulation;
// concurrency and broadcasting live in the room package.
package tournament

import (
	"encoding/json"
	"fmt"

	"tourneysync/pkg/protocol"
)

// Config is the locked part of a tournament's configuration. It is fixed
// at creation; no update path exists for these fields.
type Config struct {
	GroupCount       int
	GroupSize        int
	RoundCount       int
	WithGroupLeaders bool
}

// Roster is the unlocked structural subset: player names and seating
// constraints, replaceable via UPDATE_PLAYER_NAMES and recompute.
type Roster struct {
	PlayerNames       []string
	ForbiddenPairs    [][]string
	DiscouragedGroups [][]string
}

// State is a tournament's full mutable state minus the version counter
// and client bookkeeping, which the owning room tracks.
type State struct {
	ID            string
	Config        Config
	Roster        Roster
	Scoring       protocol.Scoring
	FieldValues   map[string]float64
	PenaltyCounts map[string]int
	LastResult    json.RawMessage
}

// DefaultScoring returns the standard scoring knobs a fresh tournament
// starts with.
func DefaultScoring() protocol.Scoring {
	return protocol.Scoring{
		Oka:            0,
		Uma1:           15,
		Uma2:           5,
		Uma3:           -5,
		Uma4:           -15,
		StartingPoints: 30000,
		ChomboValue:    -20,
	}
}

// DefaultPlayerNames generates "Player 1".."Player n" placeholders.
func DefaultPlayerNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("Player %d", i+1)
	}
	return names
}

// New builds the initial state for a tournament from its creation
// config. A missing player list is filled with placeholder names sized to
// the seating plan.
func New(id string, cfg protocol.TournamentConfig) State {
	names := cfg.PlayerNames
	if len(names) == 0 {
		names = DefaultPlayerNames(cfg.GroupCount * cfg.GroupSize)
	}
	return State{
		ID: id,
		Config: Config{
			GroupCount:       cfg.GroupCount,
			GroupSize:        cfg.GroupSize,
			RoundCount:       cfg.RoundCount,
			WithGroupLeaders: cfg.WithGroupLeaders,
		},
		Roster: Roster{
			PlayerNames:       names,
			ForbiddenPairs:    cfg.ForbiddenPairs,
			DiscouragedGroups: cfg.DiscouragedGroups,
		},
		Scoring:       DefaultScoring(),
		FieldValues:   make(map[string]float64),
		PenaltyCounts: make(map[string]int),
	}
}

// ApplyScoring merges a partial scoring update. Only fields present in
// the update change; the update type cannot name locked fields at all.
func (s *State) ApplyScoring(u protocol.ScoringUpdate) {
	u.ApplyTo(&s.Scoring)
}

// ApplyRoster replaces the unlocked structural fields named by the
// update. Nil slices leave the current value alone.
func (s *State) ApplyRoster(u protocol.RosterUpdate) {
	if u.PlayerNames != nil {
		s.Roster.PlayerNames = u.PlayerNames
	}
	if u.ForbiddenPairs != nil {
		s.Roster.ForbiddenPairs = u.ForbiddenPairs
	}
	if u.DiscouragedGroups != nil {
		s.Roster.DiscouragedGroups = u.DiscouragedGroups
	}
}

// ClearDerived wipes everything downstream of a recompute: field values,
// penalty counts and the last scheduler result.
func (s *State) ClearDerived() {
	s.FieldValues = make(map[string]float64)
	s.PenaltyCounts = make(map[string]int)
	s.LastResult = nil
}

// Restore overwrites the mutable state from a client-held snapshot. The
// locked config is deliberately kept: it was fixed when the tournament
// was re-created and must not change afterwards.
func (s *State) Restore(snap protocol.Snapshot) {
	s.Roster = Roster{
		PlayerNames:       snap.Config.PlayerNames,
		ForbiddenPairs:    snap.Config.ForbiddenPairs,
		DiscouragedGroups: snap.Config.DiscouragedGroups,
	}
	if len(s.Roster.PlayerNames) == 0 {
		s.Roster.PlayerNames = DefaultPlayerNames(s.Config.GroupCount * s.Config.GroupSize)
	}
	s.Scoring = snap.ScoringConfig
	s.FieldValues = make(map[string]float64, len(snap.FieldValues))
	for k, v := range snap.FieldValues {
		s.FieldValues[k] = v
	}
	s.PenaltyCounts = make(map[string]int, len(snap.PenaltyCounts))
	for k, v := range snap.PenaltyCounts {
		s.PenaltyCounts[k] = v
	}
	s.LastResult = snap.LastResult
}

// Snapshot renders the state as the wire-level full state. Maps and
// slices are copied so the caller can hand it to another goroutine.
func (s State) Snapshot(version int, initialized bool, lastUpdated int64) protocol.Snapshot {
	fields := make(map[string]float64, len(s.FieldValues))
	for k, v := range s.FieldValues {
		fields[k] = v
	}
	penalties := make(map[string]int, len(s.PenaltyCounts))
	for k, v := range s.PenaltyCounts {
		penalties[k] = v
	}
	return protocol.Snapshot{
		ID: s.ID,
		Config: protocol.TournamentConfig{
			GroupCount:        s.Config.GroupCount,
			GroupSize:         s.Config.GroupSize,
			RoundCount:        s.Config.RoundCount,
			WithGroupLeaders:  s.Config.WithGroupLeaders,
			PlayerNames:       append([]string(nil), s.Roster.PlayerNames...),
			ForbiddenPairs:    copyPairs(s.Roster.ForbiddenPairs),
			DiscouragedGroups: copyPairs(s.Roster.DiscouragedGroups),
		},
		ScoringConfig: s.Scoring,
		FieldValues:   fields,
		PenaltyCounts: penalties,
		LastResult:    s.LastResult,
		Version:       version,
		IsInitialized: initialized,
		LastUpdated:   lastUpdated,
	}
}

func copyPairs(in [][]string) [][]string {
	if in == nil {
		return nil
	}
	out := make([][]string, len(in))
	for i, p := range in {
		out[i] = append([]string(nil), p...)
	}
	return out
}
