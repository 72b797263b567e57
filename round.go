package main

import (
	"time"
)

// Phase is the discrete state of a game session. PAUSED is entered from
// PLAYING or REVEAL when the admin connection drops and resumes to the
// phase it interrupted.
type Phase string

const (
	PhaseLobby   Phase = "LOBBY"
	PhasePlaying Phase = "PLAYING"
	PhaseReveal  Phase = "REVEAL"
	PhasePaused  Phase = "PAUSED"
	PhaseEnd     Phase = "END"
)

var validTransitions = map[Phase][]Phase{
	PhaseLobby:   {PhasePlaying, PhaseEnd},
	PhasePlaying: {PhaseReveal, PhasePaused, PhaseEnd},
	PhaseReveal:  {PhasePlaying, PhasePaused, PhaseEnd},
	PhasePaused:  {PhasePlaying, PhaseReveal, PhaseEnd},
	PhaseEnd:     {PhaseLobby},
}

func (p Phase) canTransitionTo(next Phase) bool {
	for _, allowed := range validTransitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// guess is one accepted submission. Immutable once stored; elapsed is
// pause-adjusted and fixed at acceptance so scoring never re-reads the
// clock.
type guess struct {
	year        int
	bet         bool
	submittedAt time.Time
	elapsed     time.Duration
	stolenFrom  string // token of the steal target, "" for a normal guess
}

type challengeKind string

const (
	challengeArtist challengeKind = "artist"
	challengeMovie  challengeKind = "movie"
)

// challenge is the first-correct-wins bonus race that can spawn
// mid-round. winner is written at most once, by the session goroutine.
type challenge struct {
	kind       challengeKind
	options    []string
	answer     string
	winner     string // token, "" until won
	resolvedAt time.Time
	bonus      int
}

// roundState is one song-guessing cycle. Prior rounds are kept
// read-only; exactly one round is current while the session is in
// PLAYING, PAUSED or REVEAL.
type roundState struct {
	index     int // 1-based
	song      Song
	startedAt time.Time
	deadline  time.Time

	pausedAt  time.Time
	pausedFor time.Duration

	submissions map[string]*guess
	challenge   *challenge

	settled  bool
	results  []roundResultInfo
	points   map[string]int // token → round total incl. challenge bonus
	avgScore int            // mean scored total, feeds late-join credit
}

func newRoundState(index int, song Song, now time.Time, duration time.Duration) *roundState {
	return &roundState{
		index:       index,
		song:        song,
		startedAt:   now,
		deadline:    now.Add(duration),
		submissions: make(map[string]*guess),
		points:      make(map[string]int),
	}
}

// elapsedAt is the in-round play time at now, excluding any time spent
// paused.
func (r *roundState) elapsedAt(now time.Time) time.Duration {
	return now.Sub(r.startedAt) - r.pausedFor
}
