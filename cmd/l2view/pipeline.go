package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sawpanic/l2view/internal/book"
	"github.com/sawpanic/l2view/internal/config"
	"github.com/sawpanic/l2view/internal/feed"
	apihttp "github.com/sawpanic/l2view/internal/interfaces/http"
	"github.com/sawpanic/l2view/internal/metrics"
	"github.com/sawpanic/l2view/internal/net/breaker"
	"github.com/sawpanic/l2view/internal/net/ratelimit"
	"github.com/sawpanic/l2view/internal/providers/coinbase"
	"github.com/sawpanic/l2view/internal/publish"
	"github.com/sawpanic/l2view/internal/replay"
)

const shutdownTimeout = 5 * time.Second

// receiver is a feed.Receiver that can be closed to unblock Receive
type receiver interface {
	feed.Receiver
	io.Closer
}

// pipeline owns the book and everything that writes to or reads from it
type pipeline struct {
	cfg      *config.Config
	store    *book.Store
	metrics  *metrics.Registry
	recv     receiver
	ingestor *feed.Ingestor
}

func newPipeline(cfg *config.Config) (*pipeline, error) {
	threshold, err := cfg.RemovalThreshold()
	if err != nil {
		return nil, err
	}
	store := book.New(cfg.Product, book.WithRemovalThreshold(threshold))
	reg := metrics.NewRegistry()
	reg.ObserveBook(store)
	return &pipeline{cfg: cfg, store: store, metrics: reg}, nil
}

// attach wires recv through the dispatcher into the book
func (p *pipeline) attach(recv receiver) {
	dispatcher := feed.NewDispatcher(p.store, feed.DispatcherConfig{
		Channel:  p.cfg.Feed.Channel,
		Product:  p.cfg.Product,
		Recorder: p.metrics,
	})
	p.recv = recv
	p.ingestor = feed.NewIngestor(recv, dispatcher)
}

// connect dials the live feed, optionally recording it to recordPath
func (p *pipeline) connect(ctx context.Context, recordPath string) error {
	cfg := p.cfg
	client := coinbase.NewClient(coinbase.Config{
		URL:              cfg.Feed.URL,
		Product:          cfg.Product,
		Channels:         cfg.Feed.Subscribe,
		UserAgent:        cfg.Feed.UserAgent,
		HandshakeTimeout: cfg.Feed.HandshakeTimeout,
		ReadTimeout:      cfg.Feed.ReadTimeout,
	})

	sc := coinbase.SessionConfig{Reconnect: cfg.Feed.Reconnect.Enabled}
	if rc := cfg.Feed.Reconnect; rc.Enabled {
		sc.Limiter = ratelimit.NewLimiter(rc.MinInterval, rc.Burst)
		p.metrics.ObserveRedials(sc.Limiter)
		sc.Breaker = breaker.New(breaker.Config{
			Name:                "coinbase-ws",
			ConsecutiveFailures: rc.FailureThreshold,
			OpenTimeout:         rc.OpenTimeout,
			OnStateChange: func(name, from, to string, value float64) {
				log.Warn().Str("breaker", name).Str("from", from).Str("to", to).Msg("Feed breaker state changed")
				p.metrics.SetBreakerState(value)
			},
		})
		// Deltas after a redial apply to a fresh snapshot, not the old book
		sc.OnReconnect = func() {
			p.store.Clear()
			p.metrics.Reconnected()
			log.Info().Str("product", cfg.Product).Msg("Feed reconnected, book cleared")
		}
	}

	session := coinbase.NewSession(client, sc)
	if err := session.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", cfg.Feed.URL, err)
	}
	log.Info().
		Str("product", cfg.Product).
		Str("url", cfg.Feed.URL).
		Bool("reconnect", sc.Reconnect).
		Msg("Feed connected")

	var recv receiver = session
	if recordPath != "" {
		rec, err := replay.Create(session, recordPath)
		if err != nil {
			_ = session.Close()
			return err
		}
		log.Info().Str("file", recordPath).Msg("Recording raw frames")
		recv = rec
	}
	p.attach(recv)
	return nil
}

// task runs alongside the ingestor until ctx is done
type task func(ctx context.Context) error

// run drives the ingestor plus the optional HTTP API and Redis publisher.
// Cancelling ctx is a clean shutdown; a transport failure is returned.
func (p *pipeline) run(ctx context.Context, tasks ...task) error {
	var srv *apihttp.Server
	if p.cfg.HTTP.Enabled {
		var err error
		if srv, err = p.httpServer(); err != nil {
			_ = p.recv.Close()
			return err
		}
	}

	var pub *publish.RedisPublisher
	var redisClose func() error
	if p.cfg.Redis.Enabled {
		client, err := publish.Dial(ctx, p.cfg.Redis.Addr)
		if err != nil {
			_ = p.recv.Close()
			if srv != nil {
				_ = srv.Shutdown(context.Background())
			}
			return err
		}
		redisClose = client.Close
		pub = publish.NewRedis(client, p.store, publish.RedisConfig{
			Key:      p.cfg.Expand(p.cfg.Redis.Key),
			Channel:  p.cfg.Expand(p.cfg.Redis.Channel),
			TTL:      p.cfg.Redis.TTL,
			Interval: p.cfg.Redis.Interval,
			Depth:    p.cfg.Redis.Depth,
		}, p.metrics)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.ingestor.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		p.ingestor.Stop()
		if err := p.recv.Close(); err != nil {
			log.Debug().Err(err).Msg("Feed close")
		}
		return nil
	})

	if srv != nil {
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if pub != nil {
		g.Go(func() error {
			defer redisClose()
			return pub.Run(gctx)
		})
	}

	for _, t := range tasks {
		t := t
		g.Go(func() error { return t(gctx) })
	}

	err := g.Wait()
	received, failed := p.ingestor.Stats()
	log.Info().Int64("received", received).Int64("failed", failed).Msg("Feed stopped")

	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (p *pipeline) httpServer() (*apihttp.Server, error) {
	handlers := apihttp.NewHandlers(p.store, apihttp.HandlerConfig{
		DefaultDepth: p.cfg.HTTP.Depth,
		StaleAfter:   p.cfg.Render.StaleAfter,
		Metrics:      p.metrics.Handler(),
	})
	sc := apihttp.DefaultServerConfig()
	sc.Host = p.cfg.HTTP.Host
	sc.Port = p.cfg.HTTP.Port
	return apihttp.NewServer(sc, handlers)
}

// isEndOfRecording reports whether err is the normal end of a replay
func isEndOfRecording(err error) bool {
	return errors.Is(err, feed.ErrTransportEnded) && errors.Is(err, io.EOF)
}
