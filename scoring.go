package main

import (
	"time"
)

// difficulty selects the accuracy falloff and the bonus-challenge
// behavior for a whole game. The scoring functions themselves stay
// pure; the table is picked once from config.
type difficulty struct {
	name           string
	maxPoints      int
	falloffPerYear int
	speedWindow    float64 // fraction of the round during which the speed bonus applies
	speedBonus     int
	challengeOdds  int // percent chance of a bonus challenge per round
	challengeBonus int // points awarded to a challenge winner
}

var difficulties = map[string]difficulty{
	"easy":   {name: "easy", maxPoints: 20, falloffPerYear: 1, speedWindow: 0.25, speedBonus: 3, challengeOdds: 20, challengeBonus: 5},
	"normal": {name: "normal", maxPoints: 20, falloffPerYear: 2, speedWindow: 0.25, speedBonus: 3, challengeOdds: 35, challengeBonus: 5},
	"hard":   {name: "hard", maxPoints: 20, falloffPerYear: 4, speedWindow: 0.25, speedBonus: 3, challengeOdds: 50, challengeBonus: 8},
}

// streakMilestones maps a streak length to the flat bonus awarded in
// the round that length is reached.
var streakMilestones = map[int]int{
	3:  5,
	5:  10,
	10: 15,
	15: 20,
	20: 25,
	25: 30,
}

// ScoreBreakdown is the full result of scoring one guess. Callers use
// Total as-is and never re-add the parts.
type ScoreBreakdown struct {
	Base          int `json:"base"`
	SpeedBonus    int `json:"speed_bonus"`
	StreakBonus   int `json:"streak_bonus"`
	BetMultiplier int `json:"bet_multiplier_applied"` // 1 without a bet, 2 on a won bet, 0 on a lost one
	Total         int `json:"total"`
}

// accuracyScore maps the distance between guess and truth to base
// points: maxPoints when exact, dropping by falloffPerYear per year
// off, floored at 0.
func accuracyScore(yearsOff int, d difficulty) int {
	if yearsOff < 0 {
		yearsOff = -yearsOff
	}

	points := d.maxPoints - yearsOff*d.falloffPerYear
	if points < 0 {
		return 0
	}
	return points
}

// scoreGuess scores a single accepted guess. streak is the player's
// streak entering the round; a bet wins when the guess lands within
// betWindow years of the truth and otherwise zeroes the round. Speed
// never scores on its own: a 0 base drops the speed bonus too.
func scoreGuess(guessYear, correctYear int, elapsed, duration time.Duration, streak int, bet bool, d difficulty, betWindow int) ScoreBreakdown {
	yearsOff := guessYear - correctYear
	if yearsOff < 0 {
		yearsOff = -yearsOff
	}

	b := ScoreBreakdown{BetMultiplier: 1}
	b.Base = accuracyScore(yearsOff, d)

	if b.Base > 0 && float64(elapsed) <= d.speedWindow*float64(duration) {
		b.SpeedBonus = d.speedBonus
	}

	if b.Base > 0 {
		b.StreakBonus = streakMilestones[streak+1]
	}

	if bet {
		if yearsOff <= betWindow {
			b.BetMultiplier = 2
		} else {
			b.BetMultiplier = 0
		}
	}

	b.Total = (b.Base + b.SpeedBonus + b.StreakBonus) * b.BetMultiplier
	return b
}

// zeroRound is the breakdown for a player who let the deadline pass
// without submitting.
func zeroRound() ScoreBreakdown {
	return ScoreBreakdown{BetMultiplier: 1}
}

// advanceStreak returns the streak after a round with the given base
// score: one longer on any hit, reset on a miss.
func advanceStreak(streak, base int) int {
	if base == 0 {
		return 0
	}
	return streak + 1
}

// roundAverage is the mean round total across its scored players,
// rounded to the nearest point. Late joiners are credited this amount
// per missed round.
func roundAverage(totals []int) int {
	if len(totals) == 0 {
		return 0
	}

	sum := 0
	for _, t := range totals {
		sum += t
	}
	return (sum + len(totals)/2) / len(totals)
}
