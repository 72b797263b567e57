package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	betWindow      int
	bind           string
	difficulty     string
	playerTimeout  time.Duration
	port           int
	prefix         string
	profile        bool
	rematchReset   bool
	roundDuration  time.Duration
	rounds         int
	sessionTimeout time.Duration
	tlsCert        string
	tlsKey         string
	verbose        bool
	version        bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if _, ok := difficulties[c.difficulty]; !ok {
		return fmt.Errorf("invalid difficulty (must be one of easy, normal, hard): %q", c.difficulty)
	}
	if c.roundDuration < 5*time.Second {
		return fmt.Errorf("invalid round duration (must be at least 5s): %s", c.roundDuration)
	}
	if c.rounds < 1 {
		return fmt.Errorf("invalid round count (must be at least 1): %d", c.rounds)
	}
	if c.betWindow < 0 {
		return fmt.Errorf("invalid bet window (must be >= 0 years): %d", c.betWindow)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("BEATIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "beatify",
		Short:         "A music party game: the host plays song clips, everyone guesses the release year from their phone.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.IntVar(&cfg.betWindow, "bet-window", 0, "max years off for a bet to still win (env: BEATIFY_BET_WINDOW)")
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: BEATIFY_BIND)")
	fs.StringVar(&cfg.difficulty, "difficulty", "normal", "scoring difficulty: easy, normal or hard (env: BEATIFY_DIFFICULTY)")
	fs.DurationVar(&cfg.playerTimeout, "player-timeout", 10*time.Minute, "time before disconnected lobby players are dropped (env: BEATIFY_PLAYER_TIMEOUT)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: BEATIFY_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: BEATIFY_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: BEATIFY_PROFILE)")
	fs.BoolVar(&cfg.rematchReset, "rematch-reset-scores", true, "reset scores and streaks on rematch (env: BEATIFY_REMATCH_RESET_SCORES)")
	fs.DurationVar(&cfg.roundDuration, "round-duration", 30*time.Second, "length of the guessing window per round (env: BEATIFY_ROUND_DURATION)")
	fs.IntVar(&cfg.rounds, "rounds", 10, "number of rounds per game, capped by deck size (env: BEATIFY_ROUNDS)")
	fs.DurationVar(&cfg.sessionTimeout, "session-timeout", 60*time.Minute, "time before idle game sessions are ended (env: BEATIFY_SESSION_TIMEOUT)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: BEATIFY_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: BEATIFY_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: BEATIFY_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: BEATIFY_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("beatify v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
