package main

const defaultVolume = 50

// Playback is the seam to the room's speaker. The engine drives it on
// round start and on admin stop/volume actions; actually producing
// audio is the host platform's job. Implementations are called only
// from the owning session goroutine.
type Playback interface {
	Play(song Song)
	Stop()
	VolumeUp() int
	VolumeDown() int
}

// logPlayback is the built-in implementation: it tracks a volume level
// and logs what a real speaker would be doing.
type logPlayback struct {
	cfg    *Config
	gameID string
	level  int
}

func newLogPlayback(cfg *Config, gameID string) *logPlayback {
	return &logPlayback{
		cfg:    cfg,
		gameID: gameID,
		level:  defaultVolume,
	}
}

func (p *logPlayback) Play(song Song) {
	logf(p.cfg, "AUDIO: Playing %q by %s in %s", song.Title, song.Artist, p.gameID)
}

func (p *logPlayback) Stop() {
	logf(p.cfg, "AUDIO: Stopped playback in %s", p.gameID)
}

func (p *logPlayback) VolumeUp() int {
	p.level = min(p.level+10, 100)
	logf(p.cfg, "AUDIO: Volume %d in %s", p.level, p.gameID)
	return p.level
}

func (p *logPlayback) VolumeDown() int {
	p.level = max(p.level-10, 0)
	logf(p.cfg, "AUDIO: Volume %d in %s", p.level, p.gameID)
	return p.level
}
