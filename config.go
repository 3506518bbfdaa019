/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

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
	bind        string
	lockTimeout time.Duration
	maxPlayers  int
	port        int
	prefix      string
	profile     bool
	queueSize   int
	stateLimit  int64
	tickRate    int
	tlsCert     string
	tlsKey      string
	verbose     bool
	version     bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.tickRate < 1 || c.tickRate > 120 {
		return fmt.Errorf("invalid tick rate (must be between 1-120 inclusive): %d", c.tickRate)
	}
	if c.queueSize < 1 {
		return fmt.Errorf("invalid queue size (must be positive): %d", c.queueSize)
	}
	if c.stateLimit < 1 {
		return fmt.Errorf("invalid state limit (must be positive): %d", c.stateLimit)
	}
	if c.maxPlayers < 1 {
		return fmt.Errorf("invalid max players (must be positive): %d", c.maxPlayers)
	}
	if c.lockTimeout < time.Millisecond {
		return fmt.Errorf("invalid lock timeout (must be at least 1ms): %s", c.lockTimeout)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

// tickInterval derives the frame sync cadence from the configured rate.
func (c *Config) tickInterval() time.Duration {
	return time.Second / time.Duration(c.tickRate)
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("RELAYBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "relaybox",
		Short:         "An in-memory multiplayer session relay for browser games.",
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

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: RELAYBOX_BIND)")
	fs.DurationVar(&cfg.lockTimeout, "lock-timeout", time.Second, "room lock acquisition timeout on submit/exit paths (env: RELAYBOX_LOCK_TIMEOUT)")
	fs.IntVar(&cfg.maxPlayers, "max-players", 20, "maximum players per room (env: RELAYBOX_MAX_PLAYERS)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: RELAYBOX_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: RELAYBOX_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: RELAYBOX_PROFILE)")
	fs.IntVar(&cfg.queueSize, "queue-size", 10, "per-player operation queue capacity for frame sync (env: RELAYBOX_QUEUE_SIZE)")
	fs.Int64Var(&cfg.stateLimit, "state-limit", 10*1024*1024, "maximum state snapshot size in bytes (env: RELAYBOX_STATE_LIMIT)")
	fs.IntVar(&cfg.tickRate, "tick-rate", 16, "frame sync ticks per second (env: RELAYBOX_TICK_RATE)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: RELAYBOX_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: RELAYBOX_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: RELAYBOX_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: RELAYBOX_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("relaybox v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
