// Beatify music quiz
//
// The admin's device plays a song clip; everyone else guesses its
// release year from their phones. Closest guess scores, fast correct
// guesses score more, and streaks, bets, steals and surprise
// artist/movie challenges shake up the leaderboard between rounds.
//
// Features:
// - WebSockets per game ID: /path/:gameid and /path/:gameid/ws
// - One admin per game, controlling playback and round flow
// - Guests join with a display name; session tokens survive reconnects
// - A round closes on its server-side deadline or once every connected
//   guest has submitted, whichever comes first
// - The game pauses itself while the admin's device is offline
// - Games auto-reaped after configurable idle timeout
// - Random 8-char game IDs via crypto/rand, with server-side collision check
// - In-browser QR button to share the current session, backed by go-qrcode

package main

import (
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
	"golang.org/x/time/rate"
)

const (
	sendBuffer = 32

	reactionRate  rate.Limit = 1
	reactionBurst int        = 5
)

// client is one WebSocket transport. token is set by the session
// goroutine once the connection claims a player; only that goroutine
// reads it.
type client struct {
	conn    *websocket.Conn
	send    chan any
	token   string
	limiter *rate.Limiter
}

func (c *client) readPump(s *session) {
	defer func() {
		s.post(disconnectCmd{c: c})
		_ = c.conn.Close()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.post(messageCmd{c: c, bad: true})
			continue
		}

		s.post(messageCmd{c: c, msg: msg})
	}
}

func (c *client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// gameManager holds the live sessions keyed by game ID, so each
// $path/$gameid is its own isolated game.
type gameManager struct {
	mu       sync.Mutex
	cfg      *Config
	clk      clock.Clock
	songs    []Song
	events   EventSink
	sessions map[string]*session
}

func newGameManager(cfg *Config, clk clock.Clock) *gameManager {
	m := &gameManager{
		cfg:      cfg,
		clk:      clk,
		songs:    flattenPlaylists(builtinPlaylists()),
		events:   logEventSink{cfg: cfg},
		sessions: make(map[string]*session),
	}
	if cfg.sessionTimeout > 0 {
		go m.reaperLoop()
	}
	return m
}

func (m *gameManager) getSession(gameID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[gameID]; ok {
		return s
	}

	s := newSession(m.cfg, gameID, m.clk, m.songs, newLogPlayback(m.cfg, gameID), m.events)
	m.sessions[gameID] = s
	go s.run()

	logf(m.cfg, "GAMES: Created session %s", gameID)

	return s
}

func (m *gameManager) lookup(gameID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sessions[gameID]
}

// newGameID generates a crypto-random game ID and ensures it doesn't
// collide with existing games.
func (m *gameManager) newGameID() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		m.mu.Lock()
		_, exists := m.sessions[id]
		m.mu.Unlock()

		if !exists {
			return id
		}
	}
}

// reaperLoop periodically stops sessions that have been idle longer
// than the configured timeout.
func (m *gameManager) reaperLoop() {
	ticker := m.clk.Ticker(m.cfg.sessionTimeout / 2)
	for range ticker.C {
		m.reap()
	}
}

func (m *gameManager) reap() {
	cutoff := m.clk.Now().Add(-m.cfg.sessionTimeout)

	m.mu.Lock()
	var stale []*session
	for id, s := range m.sessions {
		if s.lastActiveAt().Before(cutoff) {
			delete(m.sessions, id)
			stale = append(stale, s)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		logf(m.cfg, "GAMES: Reaped idle session %s", s.id)
		s.post(stopCmd{})
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocket handler that picks the session based on :gameid
func serveWS(m *gameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		gameID := ps.ByName("gameid")
		if gameID == "" {
			http.Error(w, "missing game id", http.StatusBadRequest)
			return
		}

		s := m.getSession(gameID)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(m.cfg, "GAMES: Upgrade failed for %s: %v", gameID, err)
			return
		}

		c := &client{
			conn:    conn,
			send:    make(chan any, sendBuffer),
			limiter: rate.NewLimiter(reactionRate, reactionBurst),
		}

		s.post(connectCmd{c: c})

		go c.writePump()
		c.readPump(s)
	}
}

// serveStatus reports whether a game exists and is joinable, without
// opening a socket. Phones check this before showing the join form.
func serveStatus(m *gameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		gameID := ps.ByName("gameid")

		var resp statusResponse

		if s := m.lookup(gameID); s != nil {
			reply := make(chan statusInfo, 1)
			s.post(statusCmd{reply: reply})

			select {
			case info := <-reply:
				resp = statusResponse{Exists: true, Phase: info.phase, CanJoin: info.canJoin}
			case <-s.done:
			case <-time.After(2 * time.Second):
			}
		}

		w.Header().Set("Content-Type", "application/json")
		securityHeaders(m.cfg, w)

		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logf(m.cfg, "GAMES: Failed encoding status for %s: %v", gameID, err)
		}
	}
}

func serveGamePage(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		gameID := ps.ByName("gameid")

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		_, _ = io.WriteString(w, newPage("beatify "+gameID, "Game "+gameID, r.URL.Path+"/qr"))
	}
}

// QR handler: generates a PNG QR code for the current game URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	gameID := ps.ByName("gameid")
	if gameID == "" {
		http.Error(w, "missing game id", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:gameid/qr; strip trailing "/qr" to get the game URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// redirectNewGame handles GET /path by generating a new random game ID
// (with server-side collision detection) and redirecting to /path/:gameid.
func redirectNewGame(cfg *Config, path string, m *gameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		gameID := m.newGameID()
		logf(cfg, "GAMES: Created game %s/%s", path, gameID)
		http.Redirect(w, r, cfg.prefix+path+"/"+gameID, http.StatusTemporaryRedirect)
	}
}

// registerGame sets up routes so that:
//   - $path                  → redirects to new random game (8-char ID)
//   - $path/:gameid          → HTML client
//   - $path/:gameid/ws       → WebSocket for that game
//   - $path/:gameid/qr       → PNG QR code for that game URL
//   - $path/:gameid/status   → JSON join gate for that game
func registerGame(cfg *Config, path string, mux *httprouter.Router) {
	m := newGameManager(cfg, clock.New())

	// Root path → redirect to new random game
	mux.GET(cfg.prefix+path, redirectNewGame(cfg, path, m))

	// Per-game client view (HTML)
	mux.GET(cfg.prefix+path+"/:gameid", serveGamePage(cfg))

	// Per-game websocket
	mux.GET(cfg.prefix+path+"/:gameid/ws", serveWS(m))

	// Per-game QR code
	mux.GET(cfg.prefix+path+"/:gameid/qr", qrHandler)

	// Per-game join gate
	mux.GET(cfg.prefix+path+"/:gameid/status", serveStatus(m))
}
