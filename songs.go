package main

import (
	"crypto/rand"
)

// Song is one playable track. Year is the release year guests guess;
// Movie is set only for soundtrack tracks and feeds the movie bonus
// challenge.
type Song struct {
	Title  string
	Artist string
	Year   int
	Movie  string
}

// Playlist is a named set of songs. Loading playlists from files is the
// host platform's job; the engine only consumes them.
type Playlist struct {
	Name  string
	Songs []Song
}

// builtinPlaylists is the demo deck the server ships with.
func builtinPlaylists() []Playlist {
	return []Playlist{
		{
			Name: "Classics",
			Songs: []Song{
				{Title: "Hey Jude", Artist: "The Beatles", Year: 1968},
				{Title: "Superstition", Artist: "Stevie Wonder", Year: 1972},
				{Title: "Bohemian Rhapsody", Artist: "Queen", Year: 1975},
				{Title: "Dancing Queen", Artist: "ABBA", Year: 1976},
				{Title: "Hotel California", Artist: "Eagles", Year: 1977},
				{Title: "Another Brick in the Wall", Artist: "Pink Floyd", Year: 1979},
				{Title: "Billie Jean", Artist: "Michael Jackson", Year: 1983},
				{Title: "Every Breath You Take", Artist: "The Police", Year: 1983},
				{Title: "Like a Virgin", Artist: "Madonna", Year: 1984},
				{Title: "Take On Me", Artist: "a-ha", Year: 1985},
				{Title: "Livin' on a Prayer", Artist: "Bon Jovi", Year: 1986},
				{Title: "Sweet Child O' Mine", Artist: "Guns N' Roses", Year: 1987},
			},
		},
		{
			Name: "Millennium",
			Songs: []Song{
				{Title: "Smells Like Teen Spirit", Artist: "Nirvana", Year: 1991},
				{Title: "Wonderwall", Artist: "Oasis", Year: 1995},
				{Title: "Wannabe", Artist: "Spice Girls", Year: 1996},
				{Title: "...Baby One More Time", Artist: "Britney Spears", Year: 1998},
				{Title: "Crazy in Love", Artist: "Beyoncé", Year: 2003},
				{Title: "Mr. Brightside", Artist: "The Killers", Year: 2004},
				{Title: "Umbrella", Artist: "Rihanna", Year: 2007},
				{Title: "Rolling in the Deep", Artist: "Adele", Year: 2010},
				{Title: "Get Lucky", Artist: "Daft Punk", Year: 2013},
				{Title: "Uptown Funk", Artist: "Mark Ronson", Year: 2014},
				{Title: "Shape of You", Artist: "Ed Sheeran", Year: 2017},
				{Title: "Blinding Lights", Artist: "The Weeknd", Year: 2019},
			},
		},
		{
			Name: "Soundtracks",
			Songs: []Song{
				{Title: "Stayin' Alive", Artist: "Bee Gees", Year: 1977, Movie: "Saturday Night Fever"},
				{Title: "Eye of the Tiger", Artist: "Survivor", Year: 1982, Movie: "Rocky III"},
				{Title: "Footloose", Artist: "Kenny Loggins", Year: 1984, Movie: "Footloose"},
				{Title: "Ghostbusters", Artist: "Ray Parker Jr.", Year: 1984, Movie: "Ghostbusters"},
				{Title: "Danger Zone", Artist: "Kenny Loggins", Year: 1986, Movie: "Top Gun"},
				{Title: "(I've Had) The Time of My Life", Artist: "Bill Medley & Jennifer Warnes", Year: 1987, Movie: "Dirty Dancing"},
				{Title: "I Will Always Love You", Artist: "Whitney Houston", Year: 1992, Movie: "The Bodyguard"},
				{Title: "Circle of Life", Artist: "Elton John", Year: 1994, Movie: "The Lion King"},
				{Title: "My Heart Will Go On", Artist: "Céline Dion", Year: 1997, Movie: "Titanic"},
				{Title: "Lose Yourself", Artist: "Eminem", Year: 2002, Movie: "8 Mile"},
				{Title: "Skyfall", Artist: "Adele", Year: 2012, Movie: "Skyfall"},
				{Title: "Happy", Artist: "Pharrell Williams", Year: 2013, Movie: "Despicable Me 2"},
				{Title: "Let It Go", Artist: "Idina Menzel", Year: 2013, Movie: "Frozen"},
				{Title: "Shallow", Artist: "Lady Gaga & Bradley Cooper", Year: 2018, Movie: "A Star Is Born"},
			},
		},
	}
}

func flattenPlaylists(playlists []Playlist) []Song {
	var songs []Song
	for _, pl := range playlists {
		songs = append(songs, pl.Songs...)
	}
	return songs
}

// cryptoIntn returns a random int in [0, n) from crypto/rand.
// Good enough for deck shuffles and challenge rolls; n must fit a byte's
// worth of entropy.
func cryptoIntn(n int) int {
	if n <= 1 {
		return 0
	}
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return int(b[0]) % n
}

func shuffleSongs(songs []Song) []Song {
	out := make([]Song, len(songs))
	copy(out, songs)
	for i := len(out) - 1; i > 0; i-- {
		j := cryptoIntn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func shuffleStrings(values []string) []string {
	out := make([]string, len(values))
	copy(out, values)
	for i := len(out) - 1; i > 0; i-- {
		j := cryptoIntn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// artistPool and moviePool feed decoy options for bonus challenges.
func artistPool(songs []Song) []string {
	pool := make([]string, 0, len(songs))
	for _, s := range songs {
		pool = append(pool, s.Artist)
	}
	return pool
}

func moviePool(songs []Song) []string {
	var pool []string
	for _, s := range songs {
		if s.Movie != "" {
			pool = append(pool, s.Movie)
		}
	}
	return pool
}

// challengeOptions builds a shuffled option list of the correct answer
// plus up to three distinct decoys drawn from pool. Returns nil when the
// pool cannot produce at least one decoy.
func challengeOptions(correct string, pool []string) []string {
	seen := map[string]bool{correct: true}

	var decoys []string
	for _, v := range shuffleStrings(pool) {
		if seen[v] {
			continue
		}
		seen[v] = true
		decoys = append(decoys, v)
		if len(decoys) == 3 {
			break
		}
	}

	if len(decoys) == 0 {
		return nil
	}

	return shuffleStrings(append(decoys, correct))
}
