package main

import (
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Commands delivered to a session's inbox. Everything that can mutate
// game state — client messages, connects, disconnects, timer firings —
// arrives here and is applied in arrival order by the one goroutine
// that owns the session.
type connectCmd struct {
	c *client
}

type disconnectCmd struct {
	c *client
}

type messageCmd struct {
	c   *client
	msg clientMessage
	bad bool // transport-level parse failure
}

type deadlineCmd struct {
	gen int
}

type spawnCmd struct {
	gen int
}

type idleCmd struct {
	token string
}

type statusCmd struct {
	reply chan statusInfo
}

type stopCmd struct{}

type statusInfo struct {
	phase   Phase
	players int
	canJoin bool
}

// session is one isolated game, owned by a single goroutine. Nothing
// outside run() touches its fields except lastActive, which the
// manager's reaper reads.
type session struct {
	id  string
	cfg *Config

	clk      clock.Clock
	playback Playback
	events   EventSink

	inbox chan any
	done  chan struct{}

	clients map[*client]bool
	players map[string]*playerState
	order   []string

	phase      Phase
	pausedFrom Phase
	diff       difficulty

	allSongs    []Song
	deck        []Song
	rounds      []*roundState
	totalRounds int

	deadlineTimer *clock.Timer
	deadlineGen   int
	remaining     time.Duration // frozen deadline remainder while paused

	spawnTimer     *clock.Timer
	spawnGen       int
	spawnPending   bool
	spawnAt        time.Time
	spawnRemaining time.Duration
	challengeOdds  int

	prevRanks map[string]int
	volume    int

	createdAt  time.Time
	lastActive atomic.Int64 // unix nanoseconds
}

func newSession(cfg *Config, id string, clk clock.Clock, songs []Song, pb Playback, sink EventSink) *session {
	d, ok := difficulties[cfg.difficulty]
	if !ok {
		d = difficulties["normal"]
	}

	s := &session{
		id:            id,
		cfg:           cfg,
		clk:           clk,
		playback:      pb,
		events:        sink,
		inbox:         make(chan any, 64),
		done:          make(chan struct{}),
		clients:       make(map[*client]bool),
		players:       make(map[string]*playerState),
		phase:         PhaseLobby,
		diff:          d,
		allSongs:      songs,
		deck:          shuffleSongs(songs),
		challengeOdds: d.challengeOdds,
		volume:        defaultVolume,
		createdAt:     clk.Now(),
	}
	s.touch()

	return s
}

func (s *session) run() {
	for cmd := range s.inbox {
		if s.apply(cmd) {
			return
		}
	}
}

// apply executes one command. It reports true once the session has
// shut down and the loop should exit.
func (s *session) apply(cmd any) bool {
	s.touch()

	switch cmd := cmd.(type) {
	case connectCmd:
		s.handleConnect(cmd.c)
	case disconnectCmd:
		s.handleDisconnect(cmd.c)
	case messageCmd:
		if cmd.bad {
			s.sendTo(cmd.c, protocolError(errValidation, "malformed message"))
			break
		}
		s.handleMessage(cmd.c, cmd.msg)
	case deadlineCmd:
		s.handleDeadline(cmd.gen)
	case spawnCmd:
		s.handleSpawn(cmd.gen)
	case idleCmd:
		s.handleIdle(cmd.token)
	case statusCmd:
		cmd.reply <- statusInfo{
			phase:   s.phase,
			players: len(s.players),
			canJoin: s.phase == PhaseLobby || s.phase == PhasePlaying || s.phase == PhaseReveal,
		}
	case stopCmd:
		s.shutdown()
		return true
	}

	return false
}

// post delivers a command unless the session has already shut down.
func (s *session) post(cmd any) {
	select {
	case s.inbox <- cmd:
	case <-s.done:
	}
}

func (s *session) touch() {
	s.lastActive.Store(s.clk.Now().UnixNano())
}

func (s *session) lastActiveAt() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// ---- connection lifecycle ----

func (s *session) handleConnect(c *client) {
	s.clients[c] = true
	s.sendTo(c, s.buildState())
}

func (s *session) handleDisconnect(c *client) {
	if s.clients[c] {
		delete(s.clients, c)
		close(c.send)
	}

	if c.token == "" {
		return
	}

	p := s.players[c.token]
	if p == nil || p.client != c {
		return
	}

	p.client = nil
	logf(s.cfg, "GAMES: Player %q disconnected from %s", p.name, s.id)

	// The game cannot progress without a controlling party.
	if p.role == roleAdmin && (s.phase == PhasePlaying || s.phase == PhaseReveal) {
		s.pause()
		return
	}

	if p.role == roleGuest && s.phase == PhaseLobby && s.cfg.playerTimeout > 0 {
		token := p.token
		s.clk.AfterFunc(s.cfg.playerTimeout, func() {
			s.post(idleCmd{token: token})
		})
	}

	s.broadcastState()
}

// dropClient force-closes a transport. Registry bindings are cleaned up
// by the disconnectCmd the dying readPump will post.
func (s *session) dropClient(c *client) {
	if !s.clients[c] {
		return
	}
	delete(s.clients, c)
	close(c.send)
}

// handleIdle prunes a lobby guest who never reconnected. Once a game
// has started, disconnected players are kept so their score survives.
func (s *session) handleIdle(token string) {
	p := s.players[token]
	if p == nil || p.connected() || p.role != roleGuest || s.phase != PhaseLobby {
		return
	}

	s.removePlayer(token)
	logf(s.cfg, "GAMES: Dropped idle player %q from %s", p.name, s.id)
	s.broadcastState()
}

func (s *session) removePlayer(token string) {
	delete(s.players, token)
	for i, t := range s.order {
		if t == token {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if r := s.currentRound(); r != nil {
		delete(r.submissions, token)
	}
}

// ---- dispatch ----

func (s *session) handleMessage(c *client, msg clientMessage) {
	switch msg.Type {
	case msgJoin:
		s.handleJoin(c, msg)
	case msgReconnect:
		s.handleReconnect(c, msg)
	case msgSubmit:
		s.handleSubmit(c, msg)
	case msgSteal:
		s.handleSteal(c, msg)
	case msgGetStealTargets:
		s.handleStealTargets(c)
	case msgArtistGuess:
		s.handleChallengeGuess(c, challengeArtist, msg.Artist)
	case msgMovieGuess:
		s.handleChallengeGuess(c, challengeMovie, msg.Movie)
	case msgReaction:
		s.handleReaction(c, msg.Emoji)
	case msgAdmin:
		s.handleAdmin(c, msg)
	case msgLeave:
		s.handleLeave(c)
	case msgGetState:
		s.sendTo(c, s.buildState())
	default:
		s.sendTo(c, protocolError(errValidation, "unknown message type"))
	}
}

// boundPlayer resolves the registry entry a transport has claimed.
func (s *session) boundPlayer(c *client) *playerState {
	if c.token == "" {
		return nil
	}
	return s.players[c.token]
}

// ---- join / reconnect ----

func (s *session) handleJoin(c *client, msg clientMessage) {
	if c.token != "" {
		s.sendTo(c, protocolError(errValidation, "already joined"))
		return
	}

	switch s.phase {
	case PhaseEnd:
		s.sendTo(c, protocolError(errGameEnded, "this game has ended"))
		return
	case PhasePaused:
		s.sendTo(c, protocolError(errGamePaused, "the game is paused"))
		return
	}

	if err := validateName(msg.Name); err != nil {
		s.sendTo(c, protocolError(errValidation, err.Error()))
		return
	}

	for _, p := range s.players {
		if p.name == msg.Name {
			s.sendTo(c, protocolError(errValidation, "that name is already taken"))
			return
		}
	}

	role := roleGuest
	if msg.IsAdmin {
		for _, p := range s.players {
			if p.role == roleAdmin {
				s.sendTo(c, protocolError(errValidation, "this game already has an admin"))
				return
			}
		}
		role = roleAdmin
	}

	p := &playerState{
		token:          uuid.NewString(),
		name:           msg.Name,
		role:           role,
		client:         c,
		stealAvailable: true,
	}

	// Rounds completed before this player arrived are credited at the
	// table average so a late phone is not structurally behind.
	for _, r := range s.rounds {
		if !r.settled {
			continue
		}
		p.score += r.avgScore
		p.missedRounds = append(p.missedRounds, missedRound{Round: r.index, Points: r.avgScore})
	}
	if s.phase == PhasePlaying || s.phase == PhaseReveal {
		p.joinedRound = len(s.rounds)
	}

	s.players[p.token] = p
	s.order = append(s.order, p.token)
	c.token = p.token

	logf(s.cfg, "GAMES: Player %q joined %s as %s", p.name, s.id, role)
	s.events.Emit(Event{Type: "player_joined", GameID: s.id, Round: len(s.rounds), Fields: map[string]any{"name": p.name, "role": role}})

	s.sendTo(c, joinAckMessage{Type: "join_ack", SessionID: p.token})
	s.broadcastState()
}

func (s *session) handleReconnect(c *client, msg clientMessage) {
	if c.token != "" {
		s.sendTo(c, protocolError(errValidation, "connection already bound to a player"))
		return
	}

	p := s.players[msg.SessionID]
	if p == nil {
		s.sendTo(c, protocolError(errSessionNotFound, "unknown or expired session token"))
		s.sendTo(c, reconnectAckMessage{Type: "reconnect_ack"})
		return
	}

	// Newest connection wins; the stale one learns why it was closed.
	if old := p.client; old != nil && old != c {
		s.sendTo(old, protocolError(errSessionTakeover, "your session was claimed by a newer connection"))
		s.dropClient(old)
	}

	p.client = c
	c.token = p.token

	logf(s.cfg, "GAMES: Player %q reconnected to %s", p.name, s.id)
	s.sendTo(c, reconnectAckMessage{Type: "reconnect_ack", Success: true, Name: p.name})

	if p.role == roleAdmin && s.phase == PhasePaused {
		s.resume()
		return
	}

	s.broadcastState()
}

// ---- gameplay ----

func (s *session) handleSubmit(c *client, msg clientMessage) {
	p := s.boundPlayer(c)
	if p == nil {
		s.sendTo(c, protocolError(errValidation, "join or reconnect first"))
		return
	}

	switch s.phase {
	case PhaseLobby, PhaseReveal:
		s.sendTo(c, protocolError(errRoundExpired, "no open guessing window"))
		return
	case PhasePaused:
		s.sendTo(c, protocolError(errGamePaused, "the game is paused"))
		return
	case PhaseEnd:
		s.sendTo(c, protocolError(errGameEnded, "this game has ended"))
		return
	}

	if msg.Year == nil {
		s.sendTo(c, protocolError(errValidation, "year is required"))
		return
	}
	if err := validateYear(*msg.Year); err != nil {
		s.sendTo(c, protocolError(errValidation, err.Error()))
		return
	}

	r := s.currentRound()
	if r.submissions[p.token] != nil {
		s.sendTo(c, protocolError(errAlreadySubmitted, "you already guessed this round"))
		return
	}

	now := s.clk.Now()
	r.submissions[p.token] = &guess{
		year:        *msg.Year,
		bet:         msg.Bet,
		submittedAt: now,
		elapsed:     r.elapsedAt(now),
	}

	s.sendTo(c, submitAckMessage{Type: "submit_ack"})

	if s.allGuestsSubmitted() {
		s.reveal()
		return
	}
	s.broadcastState()
}

func (s *session) handleSteal(c *client, msg clientMessage) {
	p := s.boundPlayer(c)
	if p == nil {
		s.sendTo(c, protocolError(errValidation, "join or reconnect first"))
		return
	}

	switch s.phase {
	case PhaseLobby, PhaseReveal:
		s.sendTo(c, protocolError(errRoundExpired, "no open guessing window"))
		return
	case PhasePaused:
		s.sendTo(c, protocolError(errGamePaused, "the game is paused"))
		return
	case PhaseEnd:
		s.sendTo(c, protocolError(errGameEnded, "this game has ended"))
		return
	}

	r := s.currentRound()
	if r.submissions[p.token] != nil {
		s.sendTo(c, protocolError(errAlreadySubmitted, "you already guessed this round"))
		return
	}
	if !p.stealAvailable {
		s.sendTo(c, protocolError(errValidation, "steal already used"))
		return
	}

	var target *playerState
	for _, t := range s.players {
		if t.name == msg.Target && t.token != p.token {
			target = t
			break
		}
	}
	if target == nil {
		s.sendTo(c, protocolError(errValidation, "unknown steal target"))
		return
	}

	stolen := r.submissions[target.token]
	if stolen == nil {
		s.sendTo(c, protocolError(errValidation, "target has not submitted this round"))
		return
	}

	// Availability is consumed in the same step as the copy; there is
	// no window for a double steal.
	p.stealAvailable = false
	now := s.clk.Now()
	r.submissions[p.token] = &guess{
		year:        stolen.year,
		submittedAt: now,
		elapsed:     r.elapsedAt(now),
		stolenFrom:  target.token,
	}

	logf(s.cfg, "GAMES: Player %q stole %q's guess in %s", p.name, target.name, s.id)
	s.sendTo(c, stealAckMessage{Type: "steal_ack", Target: target.name, Year: stolen.year})

	if s.allGuestsSubmitted() {
		s.reveal()
		return
	}
	s.broadcastState()
}

func (s *session) handleStealTargets(c *client) {
	p := s.boundPlayer(c)
	if p == nil {
		s.sendTo(c, protocolError(errValidation, "join or reconnect first"))
		return
	}
	if s.phase == PhasePaused {
		s.sendTo(c, protocolError(errGamePaused, "the game is paused"))
		return
	}
	if s.phase != PhasePlaying {
		s.sendTo(c, protocolError(errRoundExpired, "no open guessing window"))
		return
	}

	r := s.currentRound()
	targets := make([]string, 0, len(r.submissions))
	for _, token := range s.order {
		if token == p.token {
			continue
		}
		if r.submissions[token] != nil {
			targets = append(targets, s.players[token].name)
		}
	}

	s.sendTo(c, stealTargetsMessage{Type: "steal_targets", Targets: targets})
}

func (s *session) handleChallengeGuess(c *client, kind challengeKind, value string) {
	p := s.boundPlayer(c)
	if p == nil {
		s.sendTo(c, protocolError(errValidation, "join or reconnect first"))
		return
	}

	ackType := "artist_guess_ack"
	if kind == challengeMovie {
		ackType = "movie_guess_ack"
	}

	switch s.phase {
	case PhasePaused:
		s.sendTo(c, protocolError(errGamePaused, "the game is paused"))
		return
	case PhaseEnd:
		s.sendTo(c, protocolError(errGameEnded, "this game has ended"))
		return
	}

	r := s.currentRound()
	if r == nil || r.challenge == nil || r.challenge.kind != kind {
		s.sendTo(c, protocolError(errValidation, "no active "+string(kind)+" challenge"))
		return
	}
	if value == "" {
		s.sendTo(c, protocolError(errValidation, string(kind)+" is required"))
		return
	}

	ch := r.challenge

	// The race is already over: every later guess is too late, correct
	// or not. This holds through the reveal as well.
	if ch.winner != "" {
		s.sendTo(c, challengeAckMessage{
			Type:    ackType,
			Correct: value == ch.answer,
			TooLate: true,
			Winner:  s.playerName(ch.winner),
		})
		return
	}

	if s.phase != PhasePlaying {
		s.sendTo(c, protocolError(errValidation, "the challenge window has closed"))
		return
	}

	if value != ch.answer {
		s.sendTo(c, challengeAckMessage{Type: ackType})
		return
	}

	ch.winner = p.token
	ch.resolvedAt = s.clk.Now()
	p.score += ch.bonus

	logf(s.cfg, "GAMES: Player %q won the %s challenge in %s", p.name, kind, s.id)
	s.events.Emit(Event{Type: "challenge_resolved", GameID: s.id, Round: r.index, Fields: map[string]any{"winner": p.name, "kind": string(kind)}})

	s.sendTo(c, challengeAckMessage{Type: ackType, Correct: true, Winner: p.name})
	s.broadcastState()
}

func (s *session) handleReaction(c *client, emoji string) {
	p := s.boundPlayer(c)
	if p == nil {
		s.sendTo(c, protocolError(errValidation, "join or reconnect first"))
		return
	}
	if err := validateEmoji(emoji); err != nil {
		s.sendTo(c, protocolError(errValidation, err.Error()))
		return
	}

	// Flooding phones are throttled silently rather than errored.
	if !c.limiter.Allow() {
		return
	}

	s.broadcastMsg(playerReactionMessage{Type: "player_reaction", PlayerName: p.name, Emoji: emoji})
}

func (s *session) handleLeave(c *client) {
	p := s.boundPlayer(c)
	if p == nil {
		s.sendTo(c, leftMessage{Type: "left"})
		s.dropClient(c)
		return
	}

	if p.role == roleAdmin {
		s.sendTo(c, protocolError(errAdminCannotLeave, "the admin can only end the game"))
		return
	}

	s.removePlayer(p.token)
	logf(s.cfg, "GAMES: Player %q left %s", p.name, s.id)
	s.events.Emit(Event{Type: "player_left", GameID: s.id, Round: len(s.rounds), Fields: map[string]any{"name": p.name}})

	s.sendTo(c, leftMessage{Type: "left"})
	s.dropClient(c)
	s.broadcastState()
}

// ---- admin actions ----

func (s *session) handleAdmin(c *client, msg clientMessage) {
	p := s.boundPlayer(c)
	if p == nil || p.role != roleAdmin {
		s.sendTo(c, protocolError(errNotAdmin, "only the admin can do that"))
		return
	}

	switch msg.Action {
	case actionStartGame:
		switch s.phase {
		case PhaseLobby:
			s.startGame()
		case PhaseEnd:
			s.rematch()
		default:
			s.sendTo(c, protocolError(errValidation, "the game is already running"))
		}

	case actionNextRound:
		if s.phase != PhaseReveal {
			s.sendTo(c, protocolError(errValidation, "can only advance from the reveal"))
			return
		}
		if len(s.rounds) >= s.totalRounds || len(s.deck) == 0 {
			s.endGame()
			return
		}
		s.startRound()

	case actionStopSong:
		if s.phase != PhasePlaying {
			s.sendTo(c, protocolError(errValidation, "no song is playing"))
			return
		}
		s.playback.Stop()
		s.broadcastMsg(songStoppedMessage{Type: "song_stopped"})

	case actionSetVolume:
		switch msg.Direction {
		case "up":
			s.volume = s.playback.VolumeUp()
		case "down":
			s.volume = s.playback.VolumeDown()
		default:
			s.sendTo(c, protocolError(errValidation, "volume direction must be up or down"))
			return
		}
		s.broadcastMsg(volumeChangedMessage{Type: "volume_changed", Level: s.volume})
		s.broadcastState()

	case actionEndGame:
		if s.phase == PhaseEnd {
			s.sendTo(c, protocolError(errGameEnded, "this game has ended"))
			return
		}
		s.endGame()

	default:
		s.sendTo(c, protocolError(errValidation, "unknown admin action"))
	}
}

func (s *session) startGame() {
	admin := s.adminPlayer()
	if len(s.players) == 0 || admin == nil {
		s.sendToAdmin(protocolError(errValidation, "need at least one player and an admin"))
		return
	}
	if len(s.deck) == 0 {
		s.sendToAdmin(protocolError(errValidation, "no songs in the selected playlists"))
		return
	}

	s.totalRounds = min(s.cfg.rounds, len(s.deck))

	logf(s.cfg, "GAMES: Started %s with %d players, %d rounds", s.id, len(s.players), s.totalRounds)
	s.events.Emit(Event{Type: "game_started", GameID: s.id, Fields: map[string]any{"players": len(s.players), "rounds": s.totalRounds}})

	s.startRound()
}

func (s *session) startRound() {
	if !s.transition(PhasePlaying) {
		return
	}

	song := s.deck[0]
	s.deck = s.deck[1:]

	now := s.clk.Now()
	r := newRoundState(len(s.rounds)+1, song, now, s.cfg.roundDuration)
	s.rounds = append(s.rounds, r)

	s.prevRanks = ranksByToken(s.order, s.players)

	s.armDeadline(s.cfg.roundDuration)
	s.scheduleChallenge()

	s.playback.Play(song)
	if admin := s.adminPlayer(); admin != nil && admin.client != nil {
		s.sendTo(admin.client, metadataUpdateMessage{Type: "metadata_update", Song: song.info(false)})
	}

	s.events.Emit(Event{Type: "round_started", GameID: s.id, Round: r.index})
	s.broadcastState()
}

func (s *session) rematch() {
	if !s.transition(PhaseLobby) {
		return
	}

	s.rounds = nil
	s.deck = shuffleSongs(s.allSongs)
	s.totalRounds = 0
	s.prevRanks = nil
	s.stopTimers()

	for _, p := range s.players {
		p.stealAvailable = true
		p.roundsPlayed = 0
		p.joinedRound = 0
		p.missedRounds = nil
		if s.cfg.rematchReset {
			p.score = 0
			p.streak = 0
			p.bestStreak = 0
		}
	}

	logf(s.cfg, "GAMES: Rematch in %s", s.id)
	s.events.Emit(Event{Type: "rematch", GameID: s.id})

	s.broadcastMsg(rematchStartedMessage{Type: "rematch_started"})
	s.broadcastState()
}

func (s *session) endGame() {
	wasPlaying := s.phase == PhasePlaying || (s.phase == PhasePaused && s.pausedFrom == PhasePlaying)

	if !s.transition(PhaseEnd) {
		return
	}

	s.stopTimers()
	if wasPlaying {
		s.playback.Stop()
	}

	logf(s.cfg, "GAMES: Ended %s after %d rounds", s.id, len(s.rounds))
	s.events.Emit(Event{Type: "game_ended", GameID: s.id, Round: len(s.rounds), Fields: map[string]any{"players": len(s.players)}})

	s.broadcastState()
}

// ---- timers ----

func (s *session) armDeadline(d time.Duration) {
	s.deadlineGen++
	gen := s.deadlineGen
	s.deadlineTimer = s.clk.AfterFunc(d, func() {
		s.post(deadlineCmd{gen: gen})
	})
}

func (s *session) armSpawn(d time.Duration) {
	s.spawnGen++
	gen := s.spawnGen
	s.spawnTimer = s.clk.AfterFunc(d, func() {
		s.post(spawnCmd{gen: gen})
	})
}

func (s *session) stopTimers() {
	if s.deadlineTimer != nil {
		s.deadlineTimer.Stop()
		s.deadlineTimer = nil
	}
	if s.spawnTimer != nil {
		s.spawnTimer.Stop()
		s.spawnTimer = nil
	}
	s.deadlineGen++
	s.spawnGen++
	s.spawnPending = false
}

func (s *session) handleDeadline(gen int) {
	if gen != s.deadlineGen || s.phase != PhasePlaying {
		return
	}
	s.reveal()
}

// scheduleChallenge rolls whether this round gets a bonus challenge
// and, if so, arms its spawn somewhere in the first half of the round.
func (s *session) scheduleChallenge() {
	if cryptoIntn(100) >= s.challengeOdds {
		return
	}

	delay := s.cfg.roundDuration * time.Duration(10+cryptoIntn(41)) / 100
	s.spawnPending = true
	s.spawnAt = s.clk.Now().Add(delay)
	s.armSpawn(delay)
}

func (s *session) handleSpawn(gen int) {
	if gen != s.spawnGen || s.phase != PhasePlaying || !s.spawnPending {
		return
	}
	s.spawnPending = false

	r := s.currentRound()
	if r == nil || r.challenge != nil {
		return
	}

	kind := challengeArtist
	answer := r.song.Artist
	pool := artistPool(s.allSongs)
	if r.song.Movie != "" && cryptoIntn(2) == 1 {
		kind = challengeMovie
		answer = r.song.Movie
		pool = moviePool(s.allSongs)
	}

	options := challengeOptions(answer, pool)
	if options == nil {
		return
	}

	r.challenge = &challenge{
		kind:    kind,
		options: options,
		answer:  answer,
		bonus:   s.diff.challengeBonus,
	}

	logf(s.cfg, "GAMES: Spawned %s challenge in %s round %d", kind, s.id, r.index)
	s.broadcastState()
}

// ---- pause / resume ----

func (s *session) pause() {
	if s.phase != PhasePlaying && s.phase != PhaseReveal {
		return
	}

	from := s.phase
	if !s.transition(PhasePaused) {
		return
	}
	s.pausedFrom = from

	if from == PhasePlaying {
		r := s.currentRound()
		now := s.clk.Now()

		s.remaining = r.deadline.Sub(now)
		if s.remaining < 0 {
			s.remaining = 0
		}
		r.pausedAt = now

		if s.spawnPending {
			s.spawnRemaining = s.spawnAt.Sub(now)
			if s.spawnRemaining < 0 {
				s.spawnRemaining = 0
			}
		}

		if s.deadlineTimer != nil {
			s.deadlineTimer.Stop()
			s.deadlineTimer = nil
		}
		if s.spawnTimer != nil {
			s.spawnTimer.Stop()
			s.spawnTimer = nil
		}
		s.deadlineGen++
		s.spawnGen++
	}

	logf(s.cfg, "GAMES: Paused %s (admin disconnected)", s.id)
	s.events.Emit(Event{Type: "paused", GameID: s.id, Round: len(s.rounds)})
	s.broadcastState()
}

func (s *session) resume() {
	if s.phase != PhasePaused {
		return
	}
	if !s.transition(s.pausedFrom) {
		return
	}

	if s.phase == PhasePlaying {
		r := s.currentRound()
		now := s.clk.Now()

		r.pausedFor += now.Sub(r.pausedAt)
		r.pausedAt = time.Time{}
		r.deadline = now.Add(s.remaining)
		s.armDeadline(s.remaining)

		if s.spawnPending {
			s.spawnAt = now.Add(s.spawnRemaining)
			s.armSpawn(s.spawnRemaining)
		}
	}

	logf(s.cfg, "GAMES: Resumed %s to %s", s.id, s.phase)
	s.events.Emit(Event{Type: "resumed", GameID: s.id, Round: len(s.rounds)})
	s.broadcastState()
}

// ---- reveal ----

// allGuestsSubmitted reports whether every connected guest has a guess
// in, enabling the early reveal. Disconnected players never hold the
// round open; the admin is not required to play.
func (s *session) allGuestsSubmitted() bool {
	if s.phase != PhasePlaying {
		return false
	}

	r := s.currentRound()
	submitted := 0
	for _, token := range s.order {
		p := s.players[token]
		if p.role != roleGuest || !p.connected() {
			continue
		}
		if r.submissions[token] == nil {
			return false
		}
		submitted++
	}

	return submitted > 0
}

func (s *session) reveal() {
	if !s.transition(PhaseReveal) {
		return
	}

	s.stopTimers()

	r := s.currentRound()
	var totals []int

	for _, token := range s.order {
		p := s.players[token]
		g := r.submissions[token]

		// Disconnected phones keep their streak and get no row; the
		// admin only appears if they played along.
		if g == nil && (p.role != roleGuest || !p.connected()) {
			continue
		}

		var result roundResultInfo

		if g == nil {
			p.streak = 0
			p.roundsPlayed++
			result = roundResultInfo{
				Name:      p.name,
				Breakdown: zeroRound(),
			}
		} else {
			br := scoreGuess(g.year, r.song.Year, g.elapsed, s.cfg.roundDuration, p.streak, g.bet, s.diff, s.cfg.betWindow)
			p.streak = advanceStreak(p.streak, br.Base)
			if p.streak > p.bestStreak {
				p.bestStreak = p.streak
			}
			p.score += br.Total
			p.roundsPlayed++
			totals = append(totals, br.Total)

			result = roundResultInfo{
				Name:      p.name,
				Year:      &g.year,
				Breakdown: br,
				Streak:    p.streak,
			}
			if g.stolenFrom != "" {
				if target := s.players[g.stolenFrom]; target != nil {
					result.StolenFrom = target.name
				}
			}
		}

		// The challenge bonus was credited when the race resolved; the
		// row and the round points just surface it.
		points := result.Breakdown.Total
		if ch := r.challenge; ch != nil && ch.winner == token {
			result.ChallengeBonus = ch.bonus
			points += ch.bonus
		}
		r.points[token] = points

		r.results = append(r.results, result)
	}

	r.avgScore = roundAverage(totals)
	r.settled = true

	s.events.Emit(Event{Type: "round_result", GameID: s.id, Round: r.index, Fields: map[string]any{"average": r.avgScore, "submissions": len(r.submissions)}})
	s.broadcastState()
}

// ---- snapshots ----

func (s *session) currentRound() *roundState {
	if len(s.rounds) == 0 {
		return nil
	}
	return s.rounds[len(s.rounds)-1]
}

func (s *session) adminPlayer() *playerState {
	for _, p := range s.players {
		if p.role == roleAdmin {
			return p
		}
	}
	return nil
}

// playerName tolerates tokens whose player has since left.
func (s *session) playerName(token string) string {
	if p := s.players[token]; p != nil {
		return p.name
	}
	return ""
}

func (s *session) sendToAdmin(msg any) {
	if admin := s.adminPlayer(); admin != nil && admin.client != nil {
		s.sendTo(admin.client, msg)
	}
}

func (s *session) transition(next Phase) bool {
	if !s.phase.canTransitionTo(next) {
		logf(s.cfg, "GAMES: Refused transition %s to %s in %s", s.phase, next, s.id)
		return false
	}
	s.phase = next
	return true
}

// buildState assembles the canonical snapshot. Everything in it is
// copied or settled, so a slow writePump can marshal it while the
// session moves on.
func (s *session) buildState() stateMessage {
	msg := stateMessage{
		Type:        "state",
		GameID:      s.id,
		Phase:       s.phase,
		Round:       len(s.rounds),
		TotalRounds: s.totalRounds,
		Volume:      s.volume,
	}

	r := s.currentRound()
	now := s.clk.Now()

	if r != nil {
		switch s.phase {
		case PhasePlaying:
			msg.Deadline = r.deadline.UnixMilli()
			if remaining := r.deadline.Sub(now); remaining > 0 {
				msg.RemainingMS = remaining.Milliseconds()
			}
		case PhasePaused:
			if s.pausedFrom == PhasePlaying {
				msg.RemainingMS = s.remaining.Milliseconds()
			}
		}

		if r.settled {
			info := r.song.info(true)
			msg.Song = &info
			msg.Results = r.results
		}

		if ch := r.challenge; ch != nil {
			ci := &challengeInfo{
				Kind:     string(ch.kind),
				Options:  ch.options,
				Resolved: ch.winner != "",
			}
			if ch.winner != "" {
				ci.Winner = s.playerName(ch.winner)
			}
			if r.settled {
				ci.Answer = ch.answer
			}
			msg.Challenge = ci
		}
	}

	var roundPoints map[string]int
	if r != nil && r.settled {
		roundPoints = r.points
	}

	msg.Players = make([]playerInfo, 0, len(s.order))
	var currentSubs map[string]*guess
	if r != nil && !r.settled {
		currentSubs = r.submissions
	}
	for _, token := range s.order {
		p := s.players[token]
		info := playerInfo{
			Name:           p.name,
			Role:           p.role,
			Score:          p.score,
			Streak:         p.streak,
			BestStreak:     p.bestStreak,
			Connected:      p.connected(),
			StealAvailable: p.stealAvailable,
			RoundsPlayed:   p.roundsPlayed,
		}
		if g := currentSubs[token]; g != nil {
			info.Submitted = true
			info.BetActive = g.bet
		}
		msg.Players = append(msg.Players, info)
	}

	msg.Leaderboard = buildLeaderboard(s.order, s.players, s.prevRanks, roundPoints)

	return msg
}

// sendTo delivers without blocking the session; a client too slow to
// drain its buffer is dropped.
func (s *session) sendTo(c *client, msg any) {
	if !s.clients[c] {
		return
	}

	select {
	case c.send <- msg:
	default:
		s.dropClient(c)
	}
}

func (s *session) broadcastMsg(msg any) {
	for c := range s.clients {
		s.sendTo(c, msg)
	}
}

func (s *session) broadcastState() {
	s.broadcastMsg(s.buildState())
}

func (s *session) shutdown() {
	s.stopTimers()

	for c := range s.clients {
		close(c.send)
		delete(s.clients, c)
	}

	logf(s.cfg, "GAMES: Closed session %s", s.id)
	close(s.done)
}
