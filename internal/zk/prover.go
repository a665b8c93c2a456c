package zk

import (
	"context"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"github.com/SWAI-Ltd/aerorelay/internal/packet"
)

// Result is the outcome of one asynchronous proof.
type Result struct {
	Bundle *Bundle
	Err    error
}

// Prover runs proofs off the caller's goroutine on a bounded pool so slow
// proving never stalls ingestion or transport.
type Prover struct {
	ring *KeyRing
	sem  *semaphore.Weighted
	log  *slog.Logger
}

// NewProver returns a prover allowing at most workers concurrent proofs.
func NewProver(ring *KeyRing, workers int, logger *slog.Logger) *Prover {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prover{ring: ring, sem: semaphore.NewWeighted(int64(workers)), log: logger}
}

// Keys returns the ring proofs are produced with.
func (p *Prover) Keys() *KeyRing { return p.ring }

// Prove starts proving id under the active key and returns a channel that
// receives exactly one Result. Cancelling ctx abandons a queued proof; a
// cancelled proof reports ctx.Err() wrapped as transient.
func (p *Prover) Prove(ctx context.Context, id packet.Identity, w Witness) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			out <- Result{Err: transient(err)}
			return
		}
		defer p.sem.Release(1)
		if err := ctx.Err(); err != nil {
			out <- Result{Err: transient(err)}
			return
		}
		pk := p.ring.Active()
		if pk == nil {
			out <- Result{Err: transient(ErrUnknownVersion)}
			return
		}
		b, err := Prove(w, NewPublicInputs(pk.Version, id, w), pk)
		if err != nil {
			p.log.Debug("prove failed", "id", id.String(), "err", err)
		}
		out <- Result{Bundle: b, Err: err}
	}()
	return out
}
