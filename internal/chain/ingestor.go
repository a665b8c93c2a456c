package chain

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/SWAI-Ltd/aerorelay/internal/packet"
)

// Sink receives ingested events and the source heights observed.
type Sink interface {
	Ingest(ctx context.Context, ev packet.RawEvent) error
	ObserveHeight(chainID string, h packet.Height)
}

// CursorStore persists the next height to poll per route.
type CursorStore interface {
	SaveCursor(route string, next uint64) error
	LoadCursor(route string) (uint64, bool, error)
}

// HealthReporter is told when a route's ingestion pauses and resumes.
type HealthReporter interface {
	SetIngesting(route string, ok bool)
}

// IngestorConfig tunes one ingestion loop.
type IngestorConfig struct {
	PollInterval time.Duration
	// PauseAfter consecutive retryable failures pause ingestion.
	PauseAfter     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// StartHeight is used when no cursor is stored. Zero starts after the
	// latest height.
	StartHeight uint64
}

// Ingestor drives a Poller for one route and feeds a Sink.
type Ingestor struct {
	poller  *Poller
	sink    Sink
	cursors CursorStore
	health  HealthReporter
	cfg     IngestorConfig
	log     *slog.Logger

	paused atomic.Bool
	cursor atomic.Uint64
}

// NewIngestor wires an ingestion loop. health may be nil.
func NewIngestor(p *Poller, sink Sink, cursors CursorStore, health HealthReporter, cfg IngestorConfig, logger *slog.Logger) *Ingestor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PauseAfter <= 0 {
		cfg.PauseAfter = 5
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		poller:  p,
		sink:    sink,
		cursors: cursors,
		health:  health,
		cfg:     cfg,
		log:     logger.With("route", p.route.Name, "chain", p.route.SourceChain),
	}
}

// Paused reports whether ingestion is paused after repeated failures.
func (in *Ingestor) Paused() bool { return in.paused.Load() }

// Cursor returns the next height to be polled.
func (in *Ingestor) Cursor() uint64 { return in.cursor.Load() }

// Run polls until ctx is done. It only returns ctx's error or a failure to
// read the stored cursor.
func (in *Ingestor) Run(ctx context.Context) error {
	name := in.poller.route.Name
	next, ok, err := in.cursors.LoadCursor(name)
	if err != nil {
		return err
	}
	if !ok {
		next = in.cfg.StartHeight
	}
	in.cursor.Store(next)
	in.log.Info("ingestion started", "from", next)
	if in.health != nil {
		in.health.SetIngesting(name, true)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = in.cfg.BackoffInitial
	bo.MaxInterval = in.cfg.BackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	failures := 0
	for {
		wait := in.cfg.PollInterval
		err := in.step(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err == nil:
			failures = 0
			if in.paused.CompareAndSwap(true, false) {
				in.log.Info("ingestion resumed", "cursor", in.cursor.Load())
				if in.health != nil {
					in.health.SetIngesting(name, true)
				}
			}
			bo.Reset()
		case IsRetryable(err):
			failures++
			in.log.Warn("poll failed", "attempt", failures, "err", err)
			if failures >= in.cfg.PauseAfter {
				if in.paused.CompareAndSwap(false, true) {
					in.log.Error("ingestion paused", "failures", failures, "err", err)
					if in.health != nil {
						in.health.SetIngesting(name, false)
					}
				}
				wait = bo.NextBackOff()
			}
		default:
			in.log.Error("poll failed", "err", err)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// step polls one range and advances the cursor past what was fed to the
// sink.
func (in *Ingestor) step(ctx context.Context) error {
	since := in.cursor.Load()
	if since == 0 {
		latest, err := in.poller.rpc.LatestHeight(ctx)
		if err != nil {
			return err
		}
		since = latest + 1
		in.cursor.Store(since)
	}

	events, next, err := in.poller.Poll(ctx, since)
	if err != nil {
		return err
	}
	count := 0
	for ev, err := range events {
		if err != nil {
			var re *RetryableIngestError
			if errors.As(err, &re) {
				in.advance(re.Height)
				return err
			}
			in.log.Warn("skipping block", "err", err)
			continue
		}
		if err := in.sink.Ingest(ctx, ev); err != nil {
			in.advance(ev.Height)
			return &RetryableIngestError{Height: ev.Height, Op: "ingest", Err: err}
		}
		count++
	}
	in.advance(next)
	if next > since {
		in.observe(ctx, next-1)
		in.log.Debug("polled", "from", since, "to", next-1, "events", count)
	}
	return nil
}

func (in *Ingestor) advance(next uint64) {
	if next <= in.cursor.Load() {
		return
	}
	in.cursor.Store(next)
	if err := in.cursors.SaveCursor(in.poller.route.Name, next); err != nil {
		in.log.Error("saving cursor failed", "cursor", next, "err", err)
	}
}

func (in *Ingestor) observe(ctx context.Context, h uint64) {
	route := in.poller.route
	blk, err := in.poller.rpc.GetBlock(ctx, h)
	if err != nil {
		in.log.Debug("block header unavailable", "height", h, "err", err)
		in.sink.ObserveHeight(route.SourceChain, packet.ObservedHeight(route.SourceChain, h))
		return
	}
	in.log.Debug("observed block", "height", blk.Height, "time", blk.Time)
	in.sink.ObserveHeight(route.SourceChain, packet.ObservedHeight(route.SourceChain, blk.Height))
}
