package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sawpanic/l2view/internal/config"
	applog "github.com/sawpanic/l2view/internal/log"
)

const (
	appName = "l2view"
	version = "v0.4.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// options carries state shared by every subcommand
type options struct {
	configPath string
	cfg        *config.Config
	logFile    io.Closer
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:     appName + " [PRODUCT]",
		Short:   "Live level-2 order book for one Coinbase product",
		Version: version,
		Long: `l2view keeps a local copy of a Coinbase Advanced Trade level-2 order book
and draws it in the terminal. Without a subcommand it behaves like 'watch'.`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd.Flags())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			opts.close()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "YAML config file")
	pf.String("log-level", "", "Log level (debug|info|warn|error)")
	pf.String("log-format", "", "Log format (console|json)")
	pf.String("log-file", "", "Write logs to this file instead of stderr")
	pf.String("threshold", "", "Remove levels whose quantity is at or below this value")

	watchCmd := &cobra.Command{
		Use:   "watch [PRODUCT]",
		Short: "Stream the book and draw it in the terminal",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, opts, args)
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve [PRODUCT]",
		Short: "Stream the book headless behind the HTTP API",
		Long:  "Runs the feed without a terminal view and serves /health, /metrics, /book and /book/top",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts, args)
		},
	}

	replayCmd := &cobra.Command{
		Use:   "replay FILE",
		Short: "Rebuild the book from a recording and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, opts, args[0])
		},
	}

	for _, cmd := range []*cobra.Command{rootCmd, watchCmd, serveCmd} {
		addFeedFlags(cmd.Flags())
	}
	for _, cmd := range []*cobra.Command{rootCmd, watchCmd} {
		cmd.Flags().Int("depth", 0, "Levels shown per side")
		cmd.Flags().Duration("interval", 0, "Redraw interval")
		cmd.Flags().Bool("no-color", false, "Disable ANSI colors")
		cmd.Flags().String("record", "", "Append every raw frame to this file")
	}
	rootCmd.RunE = watchCmd.RunE

	replayCmd.Flags().String("product", "", "Product id the recording was taken for")
	replayCmd.Flags().Int("depth", 0, "Levels printed per side")
	replayCmd.Flags().Bool("json", false, "Print the final snapshot as JSON")
	replayCmd.Flags().Float64("speed", 0, "Playback speed; 1 keeps recorded gaps, 0 runs flat out")
	replayCmd.Flags().Bool("no-color", false, "Disable ANSI colors")

	rootCmd.AddCommand(watchCmd, serveCmd, replayCmd)
	return rootCmd
}

func addFeedFlags(fs *pflag.FlagSet) {
	fs.String("url", "", "Market data websocket URL")
	fs.Bool("reconnect", false, "Redial when the feed drops (clears the book)")
	fs.Bool("http", false, "Serve the HTTP API")
	fs.Int("http-port", 0, "HTTP API port")
	fs.String("redis-addr", "", "Publish snapshots to this Redis server")
}

// load reads the config file and environment, then applies flags the
// user actually set
func (o *options) load(fs *pflag.FlagSet) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if err := applyFlags(fs, cfg); err != nil {
		return err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		f, err := applog.OpenFile(cfg.Log.File)
		if err != nil {
			return err
		}
		o.logFile = f
		out = f
	}
	if err := applog.Setup(cfg.Log.Level, cfg.Log.Format, out); err != nil {
		return err
	}

	o.cfg = cfg
	return nil
}

func (o *options) close() {
	if o.logFile != nil {
		_ = o.logFile.Close()
		o.logFile = nil
	}
}

// applyFlags copies changed flags over cfg. Flags a command does not
// define are simply never changed.
func applyFlags(fs *pflag.FlagSet, cfg *config.Config) error {
	var err error
	str := func(name string, dst *string) {
		if err == nil && fs.Changed(name) {
			*dst, err = fs.GetString(name)
		}
	}
	num := func(name string, dst *int) {
		if err == nil && fs.Changed(name) {
			*dst, err = fs.GetInt(name)
		}
	}
	flag := func(name string, dst *bool) {
		if err == nil && fs.Changed(name) {
			*dst, err = fs.GetBool(name)
		}
	}

	str("log-level", &cfg.Log.Level)
	str("log-format", &cfg.Log.Format)
	str("log-file", &cfg.Log.File)
	str("threshold", &cfg.Book.RemovalThreshold)
	str("url", &cfg.Feed.URL)
	str("product", &cfg.Product)
	flag("reconnect", &cfg.Feed.Reconnect.Enabled)
	flag("http", &cfg.HTTP.Enabled)
	num("http-port", &cfg.HTTP.Port)
	num("depth", &cfg.Render.Depth)
	str("redis-addr", &cfg.Redis.Addr)

	if err == nil && fs.Changed("http-port") {
		cfg.HTTP.Enabled = true
	}
	if err == nil && fs.Changed("redis-addr") {
		cfg.Redis.Enabled = true
	}
	if err == nil && fs.Changed("interval") {
		cfg.Render.Interval, err = fs.GetDuration("interval")
	}
	if err == nil && fs.Changed("no-color") {
		var off bool
		off, err = fs.GetBool("no-color")
		cfg.Render.Color = !off
	}
	return err
}

// setProduct applies an optional positional PRODUCT argument
func setProduct(cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return nil
	}
	cfg.Product = args[0]
	cfg.Normalize()
	return cfg.Validate()
}
