package games

// One device (the admin's) is hooked up to a speaker and plays a song clip
// Everyone else guesses the song's release year from their phone
// The closer the guess, the more points; exact years score a speed bonus if answered quickly
// Guessing ends when the round timer runs out, or early once every connected guest has answered
// Between rounds the admin reveals the answer and the per-player breakdown, then advances

// Risk/reward:
// - A player can bet on their guess: double points if it scores, nothing if it misses
// - Once per game, a player can steal another player's submitted guess instead of answering
// - Correct answers on consecutive rounds build a streak, with bonuses at milestones
// - Sometimes a surprise challenge pops up mid-round: first player to name the artist
//   (or the movie, for soundtrack songs) wins bonus points

// Display formats:
// Phones show a year slider plus bet/steal buttons; reveal shows the full breakdown
// The admin's screen doubles as the lobby, with a QR code to join

// Implementation details:
// - Use websockets per game, one state snapshot message after every change
// - Identify players by a session token so a dropped phone can reconnect mid-game
// - Admin's device going offline pauses the game with the countdown frozen

// How to play
// - The admin opens a new game and players scan the QR to join with a name
// - The admin starts the game once everyone is in
// - Each round: a song plays, guests lock in a year before the deadline
// - Reveal shows the song, everyone's guesses, and the points awarded
// - After the last round, the final leaderboard; the admin can start a rematch
