package main

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// recordingPlayback captures playback calls instead of driving audio.
type recordingPlayback struct {
	played  []Song
	stopped int
	level   int
}

func (p *recordingPlayback) Play(song Song) { p.played = append(p.played, song) }
func (p *recordingPlayback) Stop()          { p.stopped++ }

func (p *recordingPlayback) VolumeUp() int {
	p.level = min(p.level+10, 100)
	return p.level
}

func (p *recordingPlayback) VolumeDown() int {
	p.level = max(p.level-10, 0)
	return p.level
}

type discardEvents struct{}

func (discardEvents) Emit(Event) {}

func testConfig() *Config {
	return &Config{
		bind:           "0.0.0.0",
		difficulty:     "normal",
		playerTimeout:  10 * time.Minute,
		port:           8080,
		rematchReset:   true,
		roundDuration:  30 * time.Second,
		rounds:         10,
		sessionTimeout: time.Hour,
	}
}

func testSongs() []Song {
	return []Song{
		{Title: "Song A", Artist: "Artist A", Year: 1984},
		{Title: "Song B", Artist: "Artist B", Year: 1999},
		{Title: "Song C", Artist: "Artist C", Year: 2010},
		{Title: "Song D", Artist: "Artist D", Year: 1975},
	}
}

// testGame drives a session synchronously: commands are applied on the
// test goroutine, and timer firings queued by the mock clock are
// drained explicitly. run() is never started.
type testGame struct {
	s   *session
	clk *clock.Mock
	pb  *recordingPlayback
}

func newTestGame(t *testing.T, mutate func(*Config)) *testGame {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC))

	pb := &recordingPlayback{level: defaultVolume}

	s := newSession(cfg, "testgame", clk, testSongs(), pb, discardEvents{})
	s.deck = testSongs() // fixed order instead of the shuffle
	s.challengeOdds = 0  // tests opt in to challenges explicitly

	return &testGame{s: s, clk: clk, pb: pb}
}

func (g *testGame) connect(t *testing.T) *client {
	t.Helper()

	c := &client{
		send:    make(chan any, 64),
		limiter: rate.NewLimiter(reactionRate, reactionBurst),
	}
	g.s.apply(connectCmd{c: c})

	return c
}

func (g *testGame) send(c *client, msg clientMessage) {
	g.s.apply(messageCmd{c: c, msg: msg})
}

// advance moves the mock clock, then applies whatever the fired timers
// queued.
func (g *testGame) advance(d time.Duration) {
	g.clk.Add(d)
	g.drain()
}

func (g *testGame) drain() {
	for {
		select {
		case cmd := <-g.s.inbox:
			g.s.apply(cmd)
		default:
			return
		}
	}
}

func (g *testGame) join(t *testing.T, c *client, name string, admin bool) string {
	t.Helper()

	g.send(c, clientMessage{Type: msgJoin, Name: name, IsAdmin: admin})
	for _, m := range received(c) {
		if ack, ok := m.(joinAckMessage); ok {
			return ack.SessionID
		}
	}

	t.Fatalf("no join_ack for %q", name)
	return ""
}

func (g *testGame) start(t *testing.T, admin *client) {
	t.Helper()

	g.send(admin, clientMessage{Type: msgAdmin, Action: actionStartGame})
	require.Equal(t, PhasePlaying, g.s.phase)
}

func (g *testGame) submit(c *client, year int, bet bool) {
	g.send(c, clientMessage{Type: msgSubmit, Year: &year, Bet: bet})
}

// received drains every message queued for c.
func received(c *client) []any {
	var out []any
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func lastStateIn(t *testing.T, msgs []any) stateMessage {
	t.Helper()

	var (
		found bool
		last  stateMessage
	)
	for _, m := range msgs {
		if st, ok := m.(stateMessage); ok {
			last = st
			found = true
		}
	}

	require.True(t, found, "no state message received")
	return last
}

func lastState(t *testing.T, c *client) stateMessage {
	t.Helper()
	return lastStateIn(t, received(c))
}

// state requests a fresh snapshot, for clients whose backlog a helper
// already drained.
func (g *testGame) state(t *testing.T, c *client) stateMessage {
	t.Helper()

	g.send(c, clientMessage{Type: msgGetState})
	return lastState(t, c)
}

func findChallengeAck(msgs []any) *challengeAckMessage {
	for _, m := range msgs {
		if ack, ok := m.(challengeAckMessage); ok {
			return &ack
		}
	}
	return nil
}

func findErrorIn(msgs []any) *errorMessage {
	for _, m := range msgs {
		if e, ok := m.(errorMessage); ok {
			return &e
		}
	}
	return nil
}

func requireErrorCode(t *testing.T, c *client, code string) {
	t.Helper()

	e := findErrorIn(received(c))
	require.NotNilf(t, e, "expected %s error", code)
	assert.Equal(t, code, e.Code)
}

func playerByName(t *testing.T, st stateMessage, name string) playerInfo {
	t.Helper()

	for _, p := range st.Players {
		if p.Name == name {
			return p
		}
	}

	t.Fatalf("no player %q in state", name)
	return playerInfo{}
}

func resultByName(t *testing.T, st stateMessage, name string) roundResultInfo {
	t.Helper()

	for _, r := range st.Results {
		if r.Name == name {
			return r
		}
	}

	t.Fatalf("no result row for %q", name)
	return roundResultInfo{}
}

// ---- lobby ----

func TestJoinAndSnapshot(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	require.NotEmpty(t, g.join(t, admin, "Host", true))

	guest := g.connect(t)
	token := g.join(t, guest, "Ada", false)
	require.NotEmpty(t, token)

	st := g.state(t, guest)
	assert.Equal(t, PhaseLobby, st.Phase)
	assert.Equal(t, "testgame", st.GameID)
	assert.Len(t, st.Players, 2)

	host := playerByName(t, st, "Host")
	assert.Equal(t, roleAdmin, host.Role)
	assert.True(t, host.Connected)

	ada := playerByName(t, st, "Ada")
	assert.Equal(t, roleGuest, ada.Role)
	assert.True(t, ada.StealAvailable)
	assert.Zero(t, ada.Score)
}

func TestJoinValidation(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	g.join(t, admin, "Host", true)

	// Second admin.
	c := g.connect(t)
	g.send(c, clientMessage{Type: msgJoin, Name: "Imposter", IsAdmin: true})
	requireErrorCode(t, c, errValidation)

	// Duplicate name.
	g.send(c, clientMessage{Type: msgJoin, Name: "Host"})
	requireErrorCode(t, c, errValidation)

	// Empty name.
	g.send(c, clientMessage{Type: msgJoin, Name: "   "})
	requireErrorCode(t, c, errValidation)

	// Joining twice over one connection.
	g.join(t, c, "Ada", false)
	g.send(c, clientMessage{Type: msgJoin, Name: "Ada2"})
	requireErrorCode(t, c, errValidation)
}

func TestUnknownMessageType(t *testing.T) {
	g := newTestGame(t, nil)

	c := g.connect(t)
	g.send(c, clientMessage{Type: "dance"})
	requireErrorCode(t, c, errValidation)
}

func TestMalformedMessage(t *testing.T) {
	g := newTestGame(t, nil)

	c := g.connect(t)
	g.s.apply(messageCmd{c: c, bad: true})
	requireErrorCode(t, c, errValidation)
}

// ---- admin actions ----

func TestAdminActionsRequireAdmin(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	g.join(t, admin, "Host", true)

	guest := g.connect(t)
	g.join(t, guest, "Ada", false)

	g.send(guest, clientMessage{Type: msgAdmin, Action: actionStartGame})
	requireErrorCode(t, guest, errNotAdmin)

	// Not even joined.
	stranger := g.connect(t)
	g.send(stranger, clientMessage{Type: msgAdmin, Action: actionEndGame})
	requireErrorCode(t, stranger, errNotAdmin)
}

func TestStartGame(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	g.join(t, admin, "Host", true)
	guest := g.connect(t)
	g.join(t, guest, "Ada", false)
	received(admin)

	g.start(t, admin)

	require.Len(t, g.pb.played, 1)
	assert.Equal(t, "Song A", g.pb.played[0].Title)

	// The admin sees the song metadata, without the year. Guests get
	// nothing to google.
	var meta *metadataUpdateMessage
	for _, m := range received(admin) {
		if mu, ok := m.(metadataUpdateMessage); ok {
			meta = &mu
		}
	}
	require.NotNil(t, meta)
	assert.Equal(t, "Song A", meta.Song.Title)
	assert.Zero(t, meta.Song.Year)

	guestMsgs := received(guest)
	for _, m := range guestMsgs {
		_, isMeta := m.(metadataUpdateMessage)
		assert.False(t, isMeta, "guest received song metadata")
	}

	st := lastStateIn(t, guestMsgs)
	assert.Equal(t, PhasePlaying, st.Phase)
	assert.Equal(t, 1, st.Round)
	assert.Equal(t, 4, st.TotalRounds) // deck is shorter than --rounds
	assert.Nil(t, st.Song)
	assert.Equal(t, int64(30000), st.RemainingMS)
	assert.NotZero(t, st.Deadline)
}

func TestStartGameRequiresReveal(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	g.join(t, admin, "Host", true)
	g.start(t, admin)

	received(admin)
	g.send(admin, clientMessage{Type: msgAdmin, Action: actionStartGame})
	requireErrorCode(t, admin, errValidation)

	g.send(admin, clientMessage{Type: msgAdmin, Action: actionNextRound})
	requireErrorCode(t, admin, errValidation)
}

// ---- submissions ----

func TestSubmitOutsideRound(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	g.join(t, admin, "Host", true)
	guest := g.connect(t)
	g.join(t, guest, "Ada", false)

	received(guest)
	g.submit(guest, 1984, false)
	requireErrorCode(t, guest, errRoundExpired)
}

func TestSubmitValidation(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	g.join(t, admin, "Host", true)
	guest := g.connect(t)
	g.join(t, guest, "Ada", false)
	other := g.connect(t)
	g.join(t, other, "Ben", false)
	g.start(t, admin)

	received(guest)

	// Missing year.
	g.send(guest, clientMessage{Type: msgSubmit})
	requireErrorCode(t, guest, errValidation)

	// Out-of-range year.
	g.submit(guest, 1899, false)
	requireErrorCode(t, guest, errValidation)

	// First good submission acks.
	g.submit(guest, 1984, false)
	msgs := received(guest)
	require.NotEmpty(t, msgs)
	_, ok := msgs[0].(submitAckMessage)
	assert.True(t, ok, "expected submit_ack first")

	// Second submission is refused.
	g.submit(guest, 1985, false)
	requireErrorCode(t, guest, errAlreadySubmitted)

	// Still one round, still playing: Ben hasn't answered.
	assert.Equal(t, PhasePlaying, g.s.phase)
}

func TestEarlyRevealWhenAllGuestsSubmit(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	g.join(t, admin, "Host", true)
	a := g.connect(t)
	g.join(t, a, "Ada", false)
	b := g.connect(t)
	g.join(t, b, "Ben", false)
	g.start(t, admin)

	g.submit(a, 1984, false)
	assert.Equal(t, PhasePlaying, g.s.phase)

	g.submit(b, 1990, false)
	assert.Equal(t, PhaseReveal, g.s.phase)

	st := lastState(t, a)
	require.NotNil(t, st.Song)
	assert.Equal(t, 1984, st.Song.Year)
	assert.Len(t, st.Results, 2)
}

func TestDeadlineReveal(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	g.join(t, admin, "Host", true)
	a := g.connect(t)
	g.join(t, a, "Ada", false)
	b := g.connect(t)
	g.join(t, b, "Ben", false)
	g.start(t, admin)

	g.submit(a, 1985, false)

	// A stale deadline from a dead timer generation is ignored.
	g.s.apply(deadlineCmd{gen: 0})
	assert.Equal(t, PhasePlaying, g.s.phase)

	g.advance(30 * time.Second)
	assert.Equal(t, PhaseReveal, g.s.phase)

	st := lastState(t, a)
	ben := resultByName(t, st, "Ben")
	assert.Nil(t, ben.Year)
	assert.Zero(t, ben.Breakdown.Total)
	assert.Zero(t, playerByName(t, st, "Ben").Streak)

	// Re-firing changes nothing.
	g.advance(30 * time.Second)
	assert.Equal(t, PhaseReveal, g.s.phase)
}

func TestRoundScoring(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	g.join(t, admin, "Host", true)
	a := g.connect(t)
	g.join(t, a, "Ada", false)
	b := g.connect(t)
	g.join(t, b, "Ben", false)
	g.start(t, admin)

	// Ada nails 1984 five seconds in; Ben bets on 1982 at the twenty
	// second mark and loses everything he would have scored.
	g.advance(5 * time.Second)
	g.submit(a, 1984, false)

	g.advance(15 * time.Second)
	g.submit(b, 1982, true)

	require.Equal(t, PhaseReveal, g.s.phase)
	st := lastState(t, a)

	ada := resultByName(t, st, "Ada")
	assert.Equal(t, 20, ada.Breakdown.Base)
	assert.Equal(t, 3, ada.Breakdown.SpeedBonus)
	assert.Equal(t, 23, ada.Breakdown.Total)
	assert.Equal(t, 1, ada.Streak)

	ben := resultByName(t, st, "Ben")
	assert.Equal(t, 16, ben.Breakdown.Base)
	assert.Equal(t, 0, ben.Breakdown.BetMultiplier)
	assert.Equal(t, 0, ben.Breakdown.Total)

	assert.Equal(t, 23, playerByName(t, st, "Ada").Score)
	assert.Equal(t, 0, playerByName(t, st, "Ben").Score)

	lb := st.Leaderboard
	require.Len(t, lb, 3)
	assert.Equal(t, "Ada", lb[0].Name)
	assert.Equal(t, 23, lb[0].RoundPoints)
}

func TestScoresNeverDecreaseAcrossRounds(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	g.join(t, admin, "Host", true)
	a := g.connect(t)
	g.join(t, a, "Ada", false)
	g.start(t, admin)

	prev := 0
	years := []int{1984, 1902, 2010, 2100}
	for i, year := range years {
		g.submit(a, year, false)
		require.Equal(t, PhaseReveal, g.s.phase)

		score := playerByName(t, lastState(t, a), "Ada").Score
		assert.GreaterOrEqual(t, score, prev)
		prev = score

		if i < len(years)-1 {
			g.send(admin, clientMessage{Type: msgAdmin, Action: actionNextRound})
		}
	}
}

func TestStreakAcrossRounds(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	g.join(t, admin, "Host", true)
	a := g.connect(t)
	g.join(t, a, "Ada", false)
	g.start(t, admin)

	// Three exact hits in a row: the third lands the streak bonus.
	exact := []int{1984, 1999, 2010}
	for i, year := range exact {
		g.submit(a, year, false)
		st := lastState(t, a)
		row := resultByName(t, st, "Ada")
		assert.Equal(t, i+1, row.Streak)

		if i == 2 {
			assert.Equal(t, 5, row.Breakdown.StreakBonus)
			assert.Equal(t, 28, row.Breakdown.Total)
		} else {
			assert.Zero(t, row.Breakdown.StreakBonus)
			assert.Equal(t, 23, row.Breakdown.Total)
		}

		if i < len(exact)-1 {
			g.send(admin, clientMessage{Type: msgAdmin, Action: actionNextRound})
		}
	}

	assert.Equal(t, 3, playerByName(t, g.state(t, a), "Ada").BestStreak)
}

// ---- steals ----

func TestStealFlow(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	g.join(t, admin, "Host", true)
	a := g.connect(t)
	g.join(t, a, "Ada", false)
	b := g.connect(t)
	g.join(t, b, "Ben", false)
	c := g.connect(t)
	g.join(t, c, "Cleo", false)
	g.start(t, admin)

	g.submit(a, 1980, false)

	// Ben asks who can be robbed: Ada only.
	received(b)
	g.send(b, clientMessage{Type: msgGetStealTargets})
	msgs := received(b)
	require.NotEmpty(t, msgs)
	targets, ok := msgs[0].(stealTargetsMessage)
	require.True(t, ok)
	assert.Equal(t, []string{"Ada"}, targets.Targets)

	g.send(b, clientMessage{Type: msgSteal, Target: "Ada"})
	msgs = received(b)
	ack, ok := msgs[0].(stealAckMessage)
	require.True(t, ok)
	assert.Equal(t, "Ada", ack.Target)
	assert.Equal(t, 1980, ack.Year)

	st := lastStateIn(t, msgs)
	ben := playerByName(t, st, "Ben")
	assert.True(t, ben.Submitted)
	assert.False(t, ben.StealAvailable)

	// A steal counts as the round submission.
	g.send(b, clientMessage{Type: msgSteal, Target: "Cleo"})
	requireErrorCode(t, b, errAlreadySubmitted)

	// Cleo can't rob someone who hasn't answered, or herself.
	received(c)
	g.send(c, clientMessage{Type: msgSteal, Target: "Host"})
	requireErrorCode(t, c, errValidation)
	g.send(c, clientMessage{Type: msgSteal, Target: "Cleo"})
	requireErrorCode(t, c, errValidation)

	g.submit(c, 1930, false)
	require.Equal(t, PhaseReveal, g.s.phase)

	row := resultByName(t, lastState(t, a), "Ben")
	assert.Equal(t, "Ada", row.StolenFrom)
	require.NotNil(t, row.Year)
	assert.Equal(t, 1980, *row.Year)
	// The copied guess never carries a bet.
	assert.Equal(t, 1, row.Breakdown.BetMultiplier)
}

func TestStealOncePerGame(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	g.join(t, admin, "Host", true)
	a := g.connect(t)
	g.join(t, a, "Ada", false)
	b := g.connect(t)
	g.join(t, b, "Ben", false)
	g.start(t, admin)

	g.submit(a, 1980, false)
	g.send(b, clientMessage{Type: msgSteal, Target: "Ada"})
	require.Equal(t, PhaseReveal, g.s.phase)

	g.send(admin, clientMessage{Type: msgAdmin, Action: actionNextRound})
	g.submit(a, 1999, false)

	received(b)
	g.send(b, clientMessage{Type: msgSteal, Target: "Ada"})
	requireErrorCode(t, b, errValidation)
}

// ---- challenges ----

func TestChallengeRace(t *testing.T) {
	g := newTestGame(t, nil)
	g.s.challengeOdds = 100

	admin := g.connect(t)
	g.join(t, admin, "Host", true)
	a := g.connect(t)
	g.join(t, a, "Ada", false)
	b := g.connect(t)
	g.join(t, b, "Ben", false)
	g.start(t, admin)

	// The spawn lands somewhere in the first half of the round.
	g.advance(15 * time.Second)

	r := g.s.currentRound()
	require.NotNil(t, r.challenge)
	assert.Equal(t, challengeArtist, r.challenge.kind)
	assert.Equal(t, "Artist A", r.challenge.answer)

	st := lastState(t, a)
	require.NotNil(t, st.Challenge)
	assert.False(t, st.Challenge.Resolved)
	assert.Empty(t, st.Challenge.Answer)
	assert.Contains(t, st.Challenge.Options, "Artist A")

	// Ada fumbles, Ben wins, Ada is too late afterwards.
	g.send(a, clientMessage{Type: msgArtistGuess, Artist: "Artist B"})
	wrong := findChallengeAck(received(a))
	require.NotNil(t, wrong)
	assert.False(t, wrong.Correct)
	assert.False(t, wrong.TooLate)

	received(b)
	g.send(b, clientMessage{Type: msgArtistGuess, Artist: "Artist A"})
	win := findChallengeAck(received(b))
	require.NotNil(t, win)
	assert.True(t, win.Correct)
	assert.Equal(t, "Ben", win.Winner)

	g.send(a, clientMessage{Type: msgArtistGuess, Artist: "Artist A"})
	late := findChallengeAck(received(a))
	require.NotNil(t, late)
	assert.True(t, late.TooLate)
	assert.Equal(t, "Ben", late.Winner)

	// The win pays immediately and the winner is set exactly once.
	assert.Equal(t, 5, g.s.players[r.challenge.winner].score)
	assert.Equal(t, "Ben", g.s.playerName(r.challenge.winner))

	// Reveal surfaces the bonus on Ben's row even though he never
	// guessed a year.
	g.submit(a, 1984, false)
	g.advance(15 * time.Second)
	require.Equal(t, PhaseReveal, g.s.phase)

	st = lastState(t, a)
	require.NotNil(t, st.Challenge)
	assert.True(t, st.Challenge.Resolved)
	assert.Equal(t, "Artist A", st.Challenge.Answer)

	ben := resultByName(t, st, "Ben")
	assert.Equal(t, 5, ben.ChallengeBonus)
	assert.Equal(t, 5, playerByName(t, st, "Ben").Score)
}

func TestChallengeGuessWithoutChallenge(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	g.join(t, admin, "Host", true)
	a := g.connect(t)
	g.join(t, a, "Ada", false)
	g.start(t, admin)

	received(a)
	g.send(a, clientMessage{Type: msgArtistGuess, Artist: "Artist A"})
	requireErrorCode(t, a, errValidation)
}

// ---- reconnects ----

func TestReconnectRestoresPlayer(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	g.join(t, admin, "Host", true)
	a := g.connect(t)
	token := g.join(t, a, "Ada", false)
	g.start(t, admin)
	g.submit(a, 1984, false)
	require.Equal(t, PhaseReveal, g.s.phase)

	g.s.apply(disconnectCmd{c: a})
	st := lastState(t, admin)
	assert.False(t, playerByName(t, st, "Ada").Connected)

	// The phone comes back on a brand new socket.
	a2 := g.connect(t)
	g.send(a2, clientMessage{Type: msgReconnect, SessionID: token})

	msgs := received(a2)
	var ack *reconnectAckMessage
	for _, m := range msgs {
		if r, ok := m.(reconnectAckMessage); ok {
			ack = &r
		}
	}
	require.NotNil(t, ack)
	assert.True(t, ack.Success)
	assert.Equal(t, "Ada", ack.Name)

	st = lastStateIn(t, msgs)
	ada := playerByName(t, st, "Ada")
	assert.True(t, ada.Connected)
	assert.Equal(t, 23, ada.Score)
	assert.Equal(t, 1, ada.Streak)
}

func TestReconnectUnknownToken(t *testing.T) {
	g := newTestGame(t, nil)

	c := g.connect(t)
	g.send(c, clientMessage{Type: msgReconnect, SessionID: "nope"})

	msgs := received(c)
	e := findErrorIn(msgs)
	require.NotNil(t, e)
	assert.Equal(t, errSessionNotFound, e.Code)

	var ack *reconnectAckMessage
	for _, m := range msgs {
		if r, ok := m.(reconnectAckMessage); ok {
			ack = &r
		}
	}
	require.NotNil(t, ack)
	assert.False(t, ack.Success)
}

func TestReconnectTakeover(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	g.join(t, admin, "Host", true)
	a := g.connect(t)
	token := g.join(t, a, "Ada", false)
	g.start(t, admin)
	received(a)

	// A second device claims the token while the first is still up.
	a2 := g.connect(t)
	g.send(a2, clientMessage{Type: msgReconnect, SessionID: token})

	msgs := received(a)
	e := findErrorIn(msgs)
	require.NotNil(t, e)
	assert.Equal(t, errSessionTakeover, e.Code)

	_, open := <-a.send
	assert.False(t, open, "stale connection should be closed")

	// The new socket owns the player now.
	g.submit(a2, 1984, false)
	assert.Equal(t, PhaseReveal, g.s.phase)
}

// ---- pause / resume ----

func TestAdminDisconnectPausesAndFreezesCountdown(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	adminToken := g.join(t, admin, "Host", true)
	a := g.connect(t)
	g.join(t, a, "Ada", false)
	g.start(t, admin)

	g.advance(10 * time.Second)
	g.s.apply(disconnectCmd{c: admin})
	require.Equal(t, PhasePaused, g.s.phase)

	st := lastState(t, a)
	assert.Equal(t, int64(20000), st.RemainingMS)
	assert.Zero(t, st.Deadline)

	// Time passing while paused neither reveals nor shrinks the clock.
	g.advance(2 * time.Hour)
	require.Equal(t, PhasePaused, g.s.phase)

	received(a)
	g.submit(a, 1984, false)
	requireErrorCode(t, a, errGamePaused)

	// Nobody can join a paused game either.
	j := g.connect(t)
	g.send(j, clientMessage{Type: msgJoin, Name: "late"})
	requireErrorCode(t, j, errGamePaused)

	// The admin's return resumes with the remaining 20s intact.
	admin2 := g.connect(t)
	g.send(admin2, clientMessage{Type: msgReconnect, SessionID: adminToken})
	require.Equal(t, PhasePlaying, g.s.phase)

	g.advance(19 * time.Second)
	require.Equal(t, PhasePlaying, g.s.phase)
	g.advance(time.Second)
	require.Equal(t, PhaseReveal, g.s.phase)
}

func TestPauseExcludedFromElapsed(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	adminToken := g.join(t, admin, "Host", true)
	a := g.connect(t)
	g.join(t, a, "Ada", false)
	g.start(t, admin)

	// 5s playing, an hour paused, then an instant submit: elapsed is
	// still 5s, inside the speed window.
	g.advance(5 * time.Second)
	g.s.apply(disconnectCmd{c: admin})
	g.advance(time.Hour)

	admin2 := g.connect(t)
	g.send(admin2, clientMessage{Type: msgReconnect, SessionID: adminToken})
	require.Equal(t, PhasePlaying, g.s.phase)

	g.submit(a, 1984, false)
	require.Equal(t, PhaseReveal, g.s.phase)

	row := resultByName(t, lastState(t, a), "Ada")
	assert.Equal(t, 3, row.Breakdown.SpeedBonus)
}

func TestAdminDisconnectDuringReveal(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	adminToken := g.join(t, admin, "Host", true)
	a := g.connect(t)
	g.join(t, a, "Ada", false)
	g.start(t, admin)
	g.submit(a, 1984, false)
	require.Equal(t, PhaseReveal, g.s.phase)

	g.s.apply(disconnectCmd{c: admin})
	require.Equal(t, PhasePaused, g.s.phase)

	admin2 := g.connect(t)
	g.send(admin2, clientMessage{Type: msgReconnect, SessionID: adminToken})
	require.Equal(t, PhaseReveal, g.s.phase)
}

func TestGuestDisconnectDoesNotPause(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	g.join(t, admin, "Host", true)
	a := g.connect(t)
	g.join(t, a, "Ada", false)
	b := g.connect(t)
	g.join(t, b, "Ben", false)
	g.start(t, admin)

	g.s.apply(disconnectCmd{c: b})
	require.Equal(t, PhasePlaying, g.s.phase)

	// Ben is out of the early-reveal quorum but keeps his seat.
	g.submit(a, 1984, false)
	require.Equal(t, PhaseReveal, g.s.phase)

	st := lastState(t, a)
	ben := playerByName(t, st, "Ben")
	assert.False(t, ben.Connected)

	// No zero row and no streak loss for a dropped phone.
	for _, row := range st.Results {
		assert.NotEqual(t, "Ben", row.Name)
	}
}

// ---- registry lifecycle ----

func TestLobbyIdleSweep(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	g.join(t, admin, "Host", true)
	a := g.connect(t)
	g.join(t, a, "Ada", false)

	g.s.apply(disconnectCmd{c: a})
	g.advance(10 * time.Minute)

	st := lastState(t, admin)
	require.Len(t, st.Players, 1)
	assert.Equal(t, "Host", st.Players[0].Name)
}

func TestLobbySweepSkipsReconnected(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	g.join(t, admin, "Host", true)
	a := g.connect(t)
	token := g.join(t, a, "Ada", false)

	g.s.apply(disconnectCmd{c: a})

	a2 := g.connect(t)
	g.send(a2, clientMessage{Type: msgReconnect, SessionID: token})

	g.advance(10 * time.Minute)

	st := lastState(t, admin)
	assert.Len(t, st.Players, 2)
}

func TestMidGameDisconnectKeepsSeat(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	g.join(t, admin, "Host", true)
	a := g.connect(t)
	g.join(t, a, "Ada", false)
	b := g.connect(t)
	g.join(t, b, "Ben", false)
	g.start(t, admin)
	g.submit(a, 1984, false)

	g.s.apply(disconnectCmd{c: b})
	g.advance(30 * time.Minute)

	assert.Len(t, g.s.players, 3)
}

func TestLeave(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	g.join(t, admin, "Host", true)
	a := g.connect(t)
	g.join(t, a, "Ada", false)
	b := g.connect(t)
	g.join(t, b, "Ben", false)
	g.start(t, admin)

	g.submit(b, 1984, false)
	received(b)
	g.send(b, clientMessage{Type: msgLeave})

	msgs := received(b)
	require.NotEmpty(t, msgs)
	_, ok := msgs[0].(leftMessage)
	assert.True(t, ok)
	_, open := <-b.send
	assert.False(t, open)

	// Ben's pending guess left with him; Ada alone closes the round.
	g.submit(a, 1984, false)
	require.Equal(t, PhaseReveal, g.s.phase)
	st := lastState(t, a)
	assert.Len(t, st.Players, 2)
	assert.Len(t, st.Results, 1)
}

func TestAdminCannotLeave(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	g.join(t, admin, "Host", true)
	received(admin)

	g.send(admin, clientMessage{Type: msgLeave})
	requireErrorCode(t, admin, errAdminCannotLeave)
}

// ---- late joiners ----

func TestLateJoinerCreditedTheAverage(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	g.join(t, admin, "Host", true)
	a := g.connect(t)
	g.join(t, a, "Ada", false)
	g.start(t, admin)

	// Round 1: 23. Round 2: instant one-off guess, 18+3 = 21.
	g.submit(a, 1984, false)
	g.send(admin, clientMessage{Type: msgAdmin, Action: actionNextRound})
	g.submit(a, 1998, false)
	require.Equal(t, PhaseReveal, g.s.phase)

	late := g.connect(t)
	g.join(t, late, "Zoe", false)

	st := g.state(t, late)
	zoe := playerByName(t, st, "Zoe")
	assert.Equal(t, 44, zoe.Score)
	assert.Zero(t, zoe.Streak)

	p := g.s.players[g.s.order[len(g.s.order)-1]]
	require.Len(t, p.missedRounds, 2)
	assert.Equal(t, 23, p.missedRounds[0].Points)
	assert.Equal(t, 21, p.missedRounds[1].Points)

	// Zoe plays the next round like anyone else.
	g.send(admin, clientMessage{Type: msgAdmin, Action: actionNextRound})
	g.submit(a, 2010, false)
	assert.Equal(t, PhasePlaying, g.s.phase)
	g.submit(late, 2010, false)
	require.Equal(t, PhaseReveal, g.s.phase)

	st = lastState(t, late)
	assert.Equal(t, 44+23, playerByName(t, st, "Zoe").Score)
}

func TestMidRoundJoinerMaySubmit(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	g.join(t, admin, "Host", true)
	a := g.connect(t)
	g.join(t, a, "Ada", false)
	g.start(t, admin)

	late := g.connect(t)
	g.join(t, late, "Zoe", false)

	g.submit(late, 1984, false)
	assert.Equal(t, PhasePlaying, g.s.phase)

	g.submit(a, 1984, false)
	require.Equal(t, PhaseReveal, g.s.phase)
	assert.Len(t, lastState(t, a).Results, 2)
}

// ---- end / rematch ----

func TestEndGameAndRejections(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	g.join(t, admin, "Host", true)
	a := g.connect(t)
	g.join(t, a, "Ada", false)
	g.start(t, admin)
	g.submit(a, 1984, false)

	g.send(admin, clientMessage{Type: msgAdmin, Action: actionEndGame})
	require.Equal(t, PhaseEnd, g.s.phase)

	received(a)
	g.submit(a, 1984, false)
	requireErrorCode(t, a, errGameEnded)

	j := g.connect(t)
	g.send(j, clientMessage{Type: msgJoin, Name: "late"})
	requireErrorCode(t, j, errGameEnded)

	received(admin)
	g.send(admin, clientMessage{Type: msgAdmin, Action: actionEndGame})
	requireErrorCode(t, admin, errGameEnded)
}

func TestLastRoundAdvanceEndsGame(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	g.join(t, admin, "Host", true)
	a := g.connect(t)
	g.join(t, a, "Ada", false)
	g.start(t, admin)

	require.Equal(t, 4, g.s.totalRounds)
	for i := 0; i < 4; i++ {
		g.submit(a, 1984, false)
		require.Equal(t, PhaseReveal, g.s.phase)
		g.send(admin, clientMessage{Type: msgAdmin, Action: actionNextRound})
	}

	assert.Equal(t, PhaseEnd, g.s.phase)
	// Final state still shows the last round's results.
	st := lastState(t, a)
	assert.Equal(t, PhaseEnd, st.Phase)
	assert.NotEmpty(t, st.Results)
}

func TestRematchResetsScores(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	g.join(t, admin, "Host", true)
	a := g.connect(t)
	g.join(t, a, "Ada", false)
	g.start(t, admin)

	g.submit(a, 1980, false)
	g.send(admin, clientMessage{Type: msgAdmin, Action: actionEndGame})
	require.Equal(t, PhaseEnd, g.s.phase)

	received(a)
	g.send(admin, clientMessage{Type: msgAdmin, Action: actionStartGame})
	require.Equal(t, PhaseLobby, g.s.phase)

	msgs := received(a)
	var sawRematch bool
	for _, m := range msgs {
		if _, ok := m.(rematchStartedMessage); ok {
			sawRematch = true
		}
	}
	assert.True(t, sawRematch)

	st := lastStateIn(t, msgs)
	ada := playerByName(t, st, "Ada")
	assert.Zero(t, ada.Score)
	assert.Zero(t, ada.Streak)
	assert.True(t, ada.StealAvailable)
	assert.Zero(t, st.Round)

	// And the fresh game is playable.
	g.start(t, admin)
	assert.Equal(t, 1, len(g.s.rounds))
}

func TestRematchKeepsScoresWhenConfigured(t *testing.T) {
	g := newTestGame(t, func(cfg *Config) { cfg.rematchReset = false })

	admin := g.connect(t)
	g.join(t, admin, "Host", true)
	a := g.connect(t)
	g.join(t, a, "Ada", false)
	g.start(t, admin)
	g.submit(a, 1984, false)

	g.send(admin, clientMessage{Type: msgAdmin, Action: actionEndGame})
	g.send(admin, clientMessage{Type: msgAdmin, Action: actionStartGame})
	require.Equal(t, PhaseLobby, g.s.phase)

	assert.Equal(t, 23, playerByName(t, lastState(t, a), "Ada").Score)
}

// ---- playback controls ----

func TestVolumeControls(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	g.join(t, admin, "Host", true)
	a := g.connect(t)
	g.join(t, a, "Ada", false)
	received(a)

	g.send(admin, clientMessage{Type: msgAdmin, Action: actionSetVolume, Direction: "up"})

	msgs := received(a)
	var vol *volumeChangedMessage
	for _, m := range msgs {
		if v, ok := m.(volumeChangedMessage); ok {
			vol = &v
		}
	}
	require.NotNil(t, vol)
	assert.Equal(t, 60, vol.Level)
	assert.Equal(t, 60, lastStateIn(t, msgs).Volume)

	g.send(admin, clientMessage{Type: msgAdmin, Action: actionSetVolume, Direction: "down"})
	assert.Equal(t, 50, lastState(t, a).Volume)

	received(admin)
	g.send(admin, clientMessage{Type: msgAdmin, Action: actionSetVolume, Direction: "sideways"})
	requireErrorCode(t, admin, errValidation)
}

func TestStopSong(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	g.join(t, admin, "Host", true)
	a := g.connect(t)
	g.join(t, a, "Ada", false)

	received(admin)
	g.send(admin, clientMessage{Type: msgAdmin, Action: actionStopSong})
	requireErrorCode(t, admin, errValidation)

	g.start(t, admin)
	received(a)
	g.send(admin, clientMessage{Type: msgAdmin, Action: actionStopSong})

	assert.Equal(t, 1, g.pb.stopped)
	var sawStop bool
	for _, m := range received(a) {
		if _, ok := m.(songStoppedMessage); ok {
			sawStop = true
		}
	}
	assert.True(t, sawStop)
}

// ---- reactions ----

func TestReactionsBroadcastAndThrottle(t *testing.T) {
	g := newTestGame(t, nil)

	admin := g.connect(t)
	g.join(t, admin, "Host", true)
	a := g.connect(t)
	g.join(t, a, "Ada", false)

	received(admin)
	for i := 0; i < reactionBurst+2; i++ {
		g.send(a, clientMessage{Type: msgReaction, Emoji: "🔥"})
	}

	count := 0
	for _, m := range received(admin) {
		if r, ok := m.(playerReactionMessage); ok {
			assert.Equal(t, "Ada", r.PlayerName)
			assert.Equal(t, "🔥", r.Emoji)
			count++
		}
	}
	assert.Equal(t, reactionBurst, count, "reactions past the burst are dropped")

	received(a)
	g.send(a, clientMessage{Type: msgReaction, Emoji: ""})
	requireErrorCode(t, a, errValidation)
}

// ---- status / shutdown ----

func TestStatusQuery(t *testing.T) {
	g := newTestGame(t, nil)

	ask := func() statusInfo {
		reply := make(chan statusInfo, 1)
		g.s.apply(statusCmd{reply: reply})
		return <-reply
	}

	info := ask()
	assert.Equal(t, PhaseLobby, info.phase)
	assert.True(t, info.canJoin)

	admin := g.connect(t)
	g.join(t, admin, "Host", true)
	a := g.connect(t)
	g.join(t, a, "Ada", false)
	g.start(t, admin)

	info = ask()
	assert.Equal(t, PhasePlaying, info.phase)
	assert.True(t, info.canJoin)
	assert.Equal(t, 2, info.players)

	g.s.apply(disconnectCmd{c: admin})
	info = ask()
	assert.Equal(t, PhasePaused, info.phase)
	assert.False(t, info.canJoin)

	g.s.apply(stopCmd{})
	received(a)
	_, open := <-a.send
	assert.False(t, open)

	select {
	case <-g.s.done:
	default:
		t.Fatal("done not closed after stop")
	}
}

func TestSlowClientEvicted(t *testing.T) {
	g := newTestGame(t, nil)

	slow := &client{send: make(chan any, 1), limiter: rate.NewLimiter(reactionRate, reactionBurst)}
	g.s.apply(connectCmd{c: slow})

	// The snapshot fills the one-slot buffer; the next broadcast can't
	// be delivered and the connection is cut loose.
	admin := g.connect(t)
	g.join(t, admin, "Host", true)

	assert.False(t, g.s.clients[slow])

	msgs := received(slow)
	assert.Len(t, msgs, 1)
	_, open := <-slow.send
	assert.False(t, open)
}
