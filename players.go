package main

import (
	"sort"
)

const (
	roleGuest = "guest"
	roleAdmin = "admin"
)

// playerState is one registry entry, keyed by session token. It
// survives disconnects: a dropped phone keeps its score, streak and
// name until the session ends or the player explicitly leaves.
type playerState struct {
	token string
	name  string
	role  string

	client *client // nil while disconnected

	score      int
	streak     int
	bestStreak int

	stealAvailable bool
	roundsPlayed   int
	joinedRound    int // 1-based round index joined during, 0 for lobby joins
	missedRounds   []missedRound
}

// missedRound records the credit granted for a round completed before
// the player joined.
type missedRound struct {
	Round  int `json:"round"`
	Points int `json:"points"`
}

func (p *playerState) connected() bool {
	return p.client != nil
}

// rankTokens orders tokens by score descending, ties broken by join
// order.
func rankTokens(order []string, players map[string]*playerState) []string {
	ranked := make([]string, len(order))
	copy(ranked, order)

	sort.SliceStable(ranked, func(i, j int) bool {
		return players[ranked[i]].score > players[ranked[j]].score
	})

	return ranked
}

func ranksByToken(order []string, players map[string]*playerState) map[string]int {
	ranks := make(map[string]int, len(order))
	for i, token := range rankTokens(order, players) {
		ranks[token] = i + 1
	}
	return ranks
}

// buildLeaderboard produces the wire leaderboard. prevRanks is the
// standing captured when the round began; Delta is positive for a climb.
// roundPoints may be nil outside reveal.
func buildLeaderboard(order []string, players map[string]*playerState, prevRanks map[string]int, roundPoints map[string]int) []leaderboardEntry {
	entries := make([]leaderboardEntry, 0, len(order))

	for i, token := range rankTokens(order, players) {
		p := players[token]

		e := leaderboardEntry{
			Rank:        i + 1,
			Name:        p.name,
			Score:       p.score,
			Streak:      p.streak,
			BestStreak:  p.bestStreak,
			RoundPoints: roundPoints[token],
		}
		if prev, ok := prevRanks[token]; ok {
			e.Delta = prev - e.Rank
		}

		entries = append(entries, e)
	}

	return entries
}
