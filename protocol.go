package main

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Inbound message types. The dispatcher matches this set exhaustively;
// anything else is a validation error.
const (
	msgJoin            = "join"
	msgReconnect       = "reconnect"
	msgSubmit          = "submit"
	msgSteal           = "steal"
	msgGetStealTargets = "get_steal_targets"
	msgArtistGuess     = "artist_guess"
	msgMovieGuess      = "movie_guess"
	msgReaction        = "reaction"
	msgAdmin           = "admin"
	msgLeave           = "leave"
	msgGetState        = "get_state"
)

// Admin actions carried by msgAdmin.
const (
	actionStartGame = "start_game"
	actionNextRound = "next_round"
	actionStopSong  = "stop_song"
	actionSetVolume = "set_volume"
	actionEndGame   = "end_game"
)

// Error codes carried by errorMessage.
const (
	errNotAdmin         = "NOT_ADMIN"
	errRoundExpired     = "ROUND_EXPIRED"
	errAlreadySubmitted = "ALREADY_SUBMITTED"
	errSessionNotFound  = "SESSION_NOT_FOUND"
	errSessionTakeover  = "SESSION_TAKEOVER"
	errAdminCannotLeave = "ADMIN_CANNOT_LEAVE"
	errValidation       = "VALIDATION_ERROR"
	errGameEnded        = "GAME_ENDED"
	errGamePaused       = "GAME_PAUSED"
)

const (
	maxNameLength  = 20
	maxEmojiLength = 8
	minGuessYear   = 1900
	maxGuessYear   = 2100
)

// clientMessage is the single inbound shape; Type selects which fields
// matter. Year is a pointer so a missing value is distinguishable from
// year zero.
type clientMessage struct {
	Type      string `json:"type"`
	Name      string `json:"name,omitempty"`       // join
	IsAdmin   bool   `json:"is_admin,omitempty"`   // join
	SessionID string `json:"session_id,omitempty"` // reconnect
	Year      *int   `json:"year,omitempty"`       // submit
	Bet       bool   `json:"bet,omitempty"`        // submit
	Target    string `json:"target,omitempty"`     // steal
	Artist    string `json:"artist,omitempty"`     // artist_guess
	Movie     string `json:"movie,omitempty"`      // movie_guess
	Emoji     string `json:"emoji,omitempty"`      // reaction
	Action    string `json:"action,omitempty"`     // admin
	Direction string `json:"direction,omitempty"`  // admin set_volume
}

type errorMessage struct {
	Type    string `json:"type"` // "error"
	Code    string `json:"code"`
	Message string `json:"message"`
}

func protocolError(code, message string) errorMessage {
	return errorMessage{Type: "error", Code: code, Message: message}
}

type joinAckMessage struct {
	Type      string `json:"type"` // "join_ack"
	SessionID string `json:"session_id"`
}

type reconnectAckMessage struct {
	Type    string `json:"type"` // "reconnect_ack"
	Success bool   `json:"success"`
	Name    string `json:"name,omitempty"`
}

type submitAckMessage struct {
	Type string `json:"type"` // "submit_ack"
}

// challengeAckMessage answers an artist or movie guess; Type is
// "artist_guess_ack" or "movie_guess_ack". TooLate marks a guess that
// arrived after the race was already won.
type challengeAckMessage struct {
	Type    string `json:"type"`
	Correct bool   `json:"correct"`
	TooLate bool   `json:"too_late,omitempty"`
	Winner  string `json:"winner,omitempty"`
}

type stealAckMessage struct {
	Type   string `json:"type"` // "steal_ack"
	Target string `json:"target"`
	Year   int    `json:"year"`
}

type stealTargetsMessage struct {
	Type    string   `json:"type"` // "steal_targets"
	Targets []string `json:"targets"`
}

type songStoppedMessage struct {
	Type string `json:"type"` // "song_stopped"
}

type volumeChangedMessage struct {
	Type  string `json:"type"` // "volume_changed"
	Level int    `json:"level"`
}

type playerReactionMessage struct {
	Type       string `json:"type"` // "player_reaction"
	PlayerName string `json:"player_name"`
	Emoji      string `json:"emoji"`
}

type metadataUpdateMessage struct {
	Type string   `json:"type"` // "metadata_update"
	Song songInfo `json:"song"`
}

type rematchStartedMessage struct {
	Type string `json:"type"` // "rematch_started"
}

type leftMessage struct {
	Type string `json:"type"` // "left"
}

// songInfo is the wire form of a Song. Year is withheld (zero) while
// the guess is still open.
type songInfo struct {
	Title  string `json:"title"`
	Artist string `json:"artist"`
	Movie  string `json:"movie,omitempty"`
	Year   int    `json:"year,omitempty"`
}

func (s Song) info(withYear bool) songInfo {
	info := songInfo{
		Title:  s.Title,
		Artist: s.Artist,
		Movie:  s.Movie,
	}
	if withYear {
		info.Year = s.Year
	}
	return info
}

type playerInfo struct {
	Name           string `json:"name"`
	Role           string `json:"role"`
	Score          int    `json:"score"`
	Streak         int    `json:"streak"`
	BestStreak     int    `json:"best_streak"`
	Connected      bool   `json:"connected"`
	Submitted      bool   `json:"submitted"`
	BetActive      bool   `json:"bet_active"`
	StealAvailable bool   `json:"steal_available"`
	RoundsPlayed   int    `json:"rounds_played"`
}

type leaderboardEntry struct {
	Rank        int    `json:"rank"`
	Name        string `json:"name"`
	Score       int    `json:"score"`
	Streak      int    `json:"streak"`
	BestStreak  int    `json:"best_streak"`
	Delta       int    `json:"delta"`
	RoundPoints int    `json:"round_points"`
}

type roundResultInfo struct {
	Name           string         `json:"name"`
	Year           *int           `json:"year,omitempty"`
	Breakdown      ScoreBreakdown `json:"breakdown"`
	StolenFrom     string         `json:"stolen_from,omitempty"`
	ChallengeBonus int            `json:"challenge_bonus,omitempty"`
	Streak         int            `json:"streak"`
}

type challengeInfo struct {
	Kind     string   `json:"kind"`
	Options  []string `json:"options"`
	Resolved bool     `json:"resolved"`
	Winner   string   `json:"winner,omitempty"`
	Answer   string   `json:"answer,omitempty"` // disclosed at reveal
}

// stateMessage is the canonical full snapshot broadcast after every
// accepted mutation. All slices are immutable copies.
type stateMessage struct {
	Type        string             `json:"type"` // "state"
	GameID      string             `json:"game_id"`
	Phase       Phase              `json:"phase"`
	Round       int                `json:"round"` // 1-based, 0 in the lobby
	TotalRounds int                `json:"total_rounds"`
	Deadline    int64              `json:"deadline,omitempty"`     // unix milliseconds
	RemainingMS int64              `json:"remaining_ms,omitempty"` // authoritative countdown, frozen while paused
	Song        *songInfo          `json:"song,omitempty"`         // disclosed at reveal
	Challenge   *challengeInfo     `json:"challenge,omitempty"`
	Players     []playerInfo       `json:"players"`
	Leaderboard []leaderboardEntry `json:"leaderboard"`
	Results     []roundResultInfo  `json:"results,omitempty"`
	Volume      int                `json:"volume"`
}

type statusResponse struct {
	Exists  bool  `json:"exists"`
	Phase   Phase `json:"phase,omitempty"`
	CanJoin bool  `json:"can_join"`
}

func validateName(name string) error {
	if strings.TrimSpace(name) != name || name == "" {
		return fmt.Errorf("name must be non-empty without surrounding whitespace")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return fmt.Errorf("name must be at most %d characters", maxNameLength)
	}
	return nil
}

func validateYear(year int) error {
	if year < minGuessYear || year > maxGuessYear {
		return fmt.Errorf("year must be between %d and %d", minGuessYear, maxGuessYear)
	}
	return nil
}

func validateEmoji(emoji string) error {
	if emoji == "" {
		return fmt.Errorf("emoji must be non-empty")
	}
	if utf8.RuneCountInString(emoji) > maxEmojiLength {
		return fmt.Errorf("emoji must be at most %d characters", maxEmojiLength)
	}
	return nil
}
