package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/l2view/internal/replay"
	"github.com/sawpanic/l2view/internal/ui/bookview"
)

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func runWatch(cmd *cobra.Command, opts *options, args []string) error {
	cfg := opts.cfg
	if err := setProduct(cfg, args); err != nil {
		return err
	}
	record, err := cmd.Flags().GetString("record")
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	p, err := newPipeline(cfg)
	if err != nil {
		return err
	}
	if err := p.connect(ctx, record); err != nil {
		return err
	}

	renderer := bookview.New(cmd.OutOrStdout(), p.store, bookview.Options{
		Depth:      cfg.Render.Depth,
		BarChar:    cfg.Render.BarChar,
		Color:      cfg.Render.Color,
		Clear:      true,
		StaleAfter: cfg.Render.StaleAfter,
	})
	return p.run(ctx, func(ctx context.Context) error {
		return renderer.Run(ctx, cfg.Render.Interval)
	})
}

func runServe(cmd *cobra.Command, opts *options, args []string) error {
	cfg := opts.cfg
	if err := setProduct(cfg, args); err != nil {
		return err
	}
	cfg.HTTP.Enabled = true

	ctx, stop := signalContext(cmd)
	defer stop()

	p, err := newPipeline(cfg)
	if err != nil {
		return err
	}
	if err := p.connect(ctx, ""); err != nil {
		return err
	}
	return p.run(ctx)
}

func runReplay(cmd *cobra.Command, opts *options, path string) error {
	cfg := opts.cfg
	flags := cmd.Flags()
	speed, err := flags.GetFloat64("speed")
	if err != nil {
		return err
	}
	asJSON, err := flags.GetBool("json")
	if err != nil {
		return err
	}

	p, err := newPipeline(cfg)
	if err != nil {
		return err
	}
	reader, err := replay.Open(path, speed)
	if err != nil {
		return err
	}
	p.attach(reader)

	ctx, stop := signalContext(cmd)
	defer stop()

	err = p.ingestor.Run(ctx)
	_ = reader.Close()
	if err != nil && !isEndOfRecording(err) && ctx.Err() == nil {
		return err
	}

	received, failed := p.ingestor.Stats()
	log.Info().
		Str("file", path).
		Int64("frames", received).
		Int64("rejected", failed).
		Int("bid_levels", p.store.BidLevels()).
		Int("ask_levels", p.store.AskLevels()).
		Msg("Replay finished")

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(p.store.View(cfg.Render.Depth))
	}
	return bookview.New(out, p.store, bookview.Options{
		Depth:   cfg.Render.Depth,
		BarChar: cfg.Render.BarChar,
		Color:   cfg.Render.Color,
	}).Render()
}
