package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/SWAI-Ltd/aerorelay/internal/crypto"
	"github.com/SWAI-Ltd/aerorelay/internal/packet"
	"github.com/SWAI-Ltd/aerorelay/internal/proto"
	"github.com/SWAI-Ltd/aerorelay/internal/transport"
	"github.com/SWAI-Ltd/aerorelay/internal/zk"
)

// Route binds a lane to the peer relayer proofs are sent to and the
// submitter key private fields are sealed for.
type Route struct {
	Name        string
	SourceChain string
	DestChain   string
	Channel     string
	// Peer is the transport peer. Empty skips the transport hand-off.
	Peer string
	// SubmitterKey receives the sealed witness. Nil sends no witness.
	SubmitterKey *[crypto.PublicKeySize]byte
}

// Lane returns the lane the route serves.
func (r Route) Lane() string {
	return packet.Identity{SourceChain: r.SourceChain, DestChain: r.DestChain, Channel: r.Channel}.Lane()
}

// Config tunes the engine. Zero values select defaults.
type Config struct {
	Workers        int
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	SweepInterval  time.Duration
	// Retention is how long terminal records are kept. Zero keeps them.
	Retention     time.Duration
	QueueSize     int
	SendTimeout   time.Duration
	SubmitTimeout time.Duration
	Routes        []Route
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 10 * time.Second
	}
}

// Transport hands PacketProofs to peer relayers. Deliveries reports peer
// acknowledgements; Failures reports proofs lost with their session.
type Transport interface {
	Send(ctx context.Context, peer string, p *proto.PacketProof) error
	Deliveries() <-chan transport.Delivery
	Failures() <-chan transport.Failure
}

// Prover proves witnesses under the active key of its ring. The result
// channel yields exactly one value; a cancelled ctx abandons the proof.
type Prover interface {
	Prove(ctx context.Context, id packet.Identity, w zk.Witness) <-chan zk.Result
	Keys() *zk.KeyRing
}

// Submission is one hand-off to the destination chain submitter.
type Submission struct {
	Route         string
	Identity      packet.Identity
	Bundle        *zk.Bundle
	SealedWitness []byte
	SenderKey     []byte
}

// Submitter delivers proven packets to the destination chain. A nil result
// with a nil error means the result arrives later through Engine.Confirm.
type Submitter interface {
	Submit(ctx context.Context, s Submission) (*InclusionResult, error)
}

// Transition describes a record reaching a terminal state.
type Transition struct {
	ID         packet.Identity  `json:"id"`
	From       State            `json:"from"`
	To         State            `json:"to"`
	Reason     string           `json:"reason,omitempty"`
	Reconciled bool             `json:"reconciled,omitempty"`
	Inclusion  *InclusionResult `json:"inclusion,omitempty"`
	At         time.Time        `json:"at"`
}

// EventSink publishes terminal transitions for operators.
type EventSink interface {
	Publish(ctx context.Context, t Transition) error
}

// Confirmation is an asynchronous submission outcome. Exactly one of Result
// and Err is set.
type Confirmation struct {
	ID     packet.Identity
	Result *InclusionResult
	Err    error
}

type confirmReq struct {
	c    Confirmation
	done chan error
}

// Deps are the engine's collaborators. Store, Decoder and Prover are
// required.
type Deps struct {
	Store     Store
	Decoder   *packet.Decoder
	Prover    Prover
	Transport Transport
	Submitter Submitter
	Sink      EventSink
	// Box seals witnesses for routes with a submitter key.
	Box    *crypto.KeyPair
	Logger *slog.Logger
}

type proofJob struct {
	cancel context.CancelFunc
}

// Engine drives relay records through their states.
type Engine struct {
	cfg       Config
	store     Store
	decoder   *packet.Decoder
	prover    Prover
	transport Transport
	submitter Submitter
	sink      EventSink
	box       *crypto.KeyPair
	log       *slog.Logger
	routes    map[string]Route

	queue    *workQueue
	locks    *keyedMutex
	lanes    *lanes
	confirms chan confirmReq
	now      func() time.Time

	mu        sync.Mutex
	heights   map[string]packet.Height
	proofs    map[packet.Identity]*proofJob
	timers    map[packet.Identity]*time.Timer
	deadlines map[packet.Identity]*time.Timer
}

// NewEngine returns an engine. Call Recover, then Run.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Decoder == nil || deps.Prover == nil {
		return nil, errors.New("relay engine: store, decoder and prover are required")
	}
	cfg.setDefaults()
	routes := make(map[string]Route, len(cfg.Routes))
	for _, r := range cfg.Routes {
		if _, dup := routes[r.Lane()]; dup {
			return nil, fmt.Errorf("relay engine: duplicate route for lane %s", r.Lane())
		}
		if r.Peer != "" && deps.Transport == nil {
			return nil, fmt.Errorf("relay engine: route %s has a peer but no transport", r.Name)
		}
		routes[r.Lane()] = r
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		store:     deps.Store,
		decoder:   deps.Decoder,
		prover:    deps.Prover,
		transport: deps.Transport,
		submitter: deps.Submitter,
		sink:      deps.Sink,
		box:       deps.Box,
		log:       logger.With("component", "relay"),
		routes:    routes,
		queue:     newWorkQueue(),
		locks:     newKeyedMutex(),
		lanes:     newLanes(),
		confirms:  make(chan confirmReq, cfg.QueueSize),
		now:       time.Now,
		heights:   make(map[string]packet.Height),
		proofs:    make(map[packet.Identity]*proofJob),
		timers:    make(map[packet.Identity]*time.Timer),
		deadlines: make(map[packet.Identity]*time.Timer),
	}, nil
}

// Ingest starts tracking the packet announced by ev. Events for packets
// already tracked are ignored; events without an identity are dropped.
func (e *Engine) Ingest(ctx context.Context, ev packet.RawEvent) error {
	id, err := e.decoder.Identify(ev)
	if err != nil {
		e.log.Warn("dropping event without packet identity", "height", ev.Height, "err", err)
		return nil
	}
	now := e.now()
	rec := &Record{ID: id, State: StateDetected, Event: ev, CreatedAt: now, UpdatedAt: now}
	created, err := e.store.Create(rec)
	if err != nil {
		return fmt.Errorf("create record %s: %w", id, err)
	}
	if !created {
		e.log.Debug("packet already tracked", "id", id.String())
		return nil
	}
	e.lanes.add(id)
	e.log.Info("packet detected", "id", id.String(), "height", ev.Height)
	e.queue.push(id)
	return nil
}

// ObserveHeight records the latest height seen on a source chain.
func (e *Engine) ObserveHeight(chainID string, h packet.Height) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.heights[chainID]; !ok || h.GTE(cur) {
		e.heights[chainID] = h
	}
}

func (e *Engine) observed(chainID string) packet.Height {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.heights[chainID]
}

// Record returns the record for id.
func (e *Engine) Record(id packet.Identity) (*Record, error) { return e.store.Get(id) }

// Records lists records matching f.
func (e *Engine) Records(f Filter) ([]*Record, error) { return e.store.List(f) }

// Recover reloads every non-terminal record and queues it. Proofs that were
// running are restarted, proofs the peer never acknowledged are sent again
// and handed-off packets are submitted again.
func (e *Engine) Recover(ctx context.Context) error {
	recs, err := e.store.List(Filter{States: NonTerminal})
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	for _, r := range recs {
		switch r.State {
		case StateProving:
			r.State = StateDecoded
			if err := e.save(r); err != nil {
				return err
			}
			e.lanes.add(r.ID)
		case StateAwaitingConfirmation:
			if e.routes[r.ID.Lane()].Peer != "" && !r.Delivered {
				r.State = StateAwaitingTransport
				r.Submitted = false
				if err := e.save(r); err != nil {
					return err
				}
				e.lanes.add(r.ID)
			} else if r.Submitted {
				r.Submitted = false
				if err := e.save(r); err != nil {
					return err
				}
			}
		default:
			e.lanes.add(r.ID)
		}
		e.queue.push(r.ID)
	}
	e.log.Info("recovered relay records", "count", len(recs))
	return nil
}

// Run processes records until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				id, ok := e.queue.pop(ctx)
				if !ok {
					return nil
				}
				e.evaluate(ctx, id)
			}
		})
	}
	g.Go(func() error {
		for {
			select {
			case req := <-e.confirms:
				req.done <- e.applyConfirmation(ctx, req.c)
			case <-ctx.Done():
				return nil
			}
		}
	})
	if e.transport != nil {
		g.Go(func() error {
			deliveries, failures := e.transport.Deliveries(), e.transport.Failures()
			for {
				select {
				case d := <-deliveries:
					e.onDelivery(d)
				case f := <-failures:
					e.onTransportFailure(ctx, f)
				case <-ctx.Done():
					return nil
				}
			}
		})
	}
	g.Go(func() error {
		t := time.NewTicker(e.cfg.SweepInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				e.Sweep(ctx)
			case <-ctx.Done():
				return nil
			}
		}
	})
	e.log.Info("relay engine running", "workers", e.cfg.Workers, "routes", len(e.routes))
	err := g.Wait()

	e.mu.Lock()
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	for id, t := range e.deadlines {
		t.Stop()
		delete(e.deadlines, id)
	}
	for id, job := range e.proofs {
		job.cancel()
		delete(e.proofs, id)
	}
	e.mu.Unlock()
	return err
}

// Confirm applies an asynchronous submission outcome. It returns once the
// outcome is persisted, so callers may acknowledge their source afterwards.
func (e *Engine) Confirm(ctx context.Context, c Confirmation) error {
	req := confirmReq{c: c, done: make(chan error, 1)}
	select {
	case e.confirms <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RotateKeys makes v the active proof version. Records whose bundle was made
// under another version and has not been handed off yet are proved again;
// their old bundle is archived.
func (e *Engine) RotateKeys(ctx context.Context, v zk.Version) error {
	if err := e.prover.Keys().Rotate(v); err != nil {
		return err
	}
	recs, err := e.store.List(Filter{States: []State{StateProving, StateAwaitingTransport}})
	if err != nil {
		return err
	}
	reproved := 0
	for _, r := range recs {
		if e.reprove(r.ID, v) {
			reproved++
		}
	}
	e.log.Info("proof keys rotated", "version", v, "reproved", reproved)
	return nil
}

func (e *Engine) reprove(id packet.Identity, v zk.Version) bool {
	unlock := e.locks.lock(id)
	defer unlock()
	rec, err := e.store.Get(id)
	if err != nil {
		return false
	}
	switch {
	case rec.State == StateProving:
		e.cancelProof(id)
	case rec.State == StateAwaitingTransport && rec.Bundle != nil && rec.Bundle.Version != v:
		err := e.store.SupersedeBundle(id, fmt.Sprintf("key rotation to v%d", v), e.now())
		if err != nil && !errors.Is(err, ErrNotFound) {
			e.log.Error("superseding bundle failed", "id", id.String(), "err", err)
			return false
		}
		rec.Bundle = nil
	default:
		return false
	}
	rec.State = StateDecoded
	rec.NextAttempt = time.Time{}
	if e.save(rec) != nil {
		return false
	}
	e.queue.push(id)
	return true
}

// Sweep queues records whose timeout or retry time has passed and prunes
// terminal records past retention.
func (e *Engine) Sweep(ctx context.Context) {
	now := e.now()
	recs, err := e.store.List(Filter{States: NonTerminal})
	if err != nil {
		e.log.Error("sweep failed", "err", err)
		return
	}
	for _, r := range recs {
		if e.expired(r, now) || (!r.NextAttempt.IsZero() && !now.Before(r.NextAttempt)) {
			e.queue.push(r.ID)
		}
	}
	if e.cfg.Retention <= 0 {
		return
	}
	old, err := e.store.List(Filter{States: []State{StateConfirmed, StateExpired, StateFailed}, Before: now.Add(-e.cfg.Retention)})
	if err != nil {
		e.log.Error("listing expired records failed", "err", err)
		return
	}
	for _, r := range old {
		if err := e.store.Delete(r.ID); err != nil {
			e.log.Error("pruning record failed", "id", r.ID.String(), "err", err)
		}
	}
	if len(old) > 0 {
		e.log.Info("pruned relay records", "count", len(old))
	}
}

func (e *Engine) evaluate(ctx context.Context, id packet.Identity) {
	unlock := e.locks.lock(id)
	defer unlock()
	rec, err := e.store.Get(id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			e.log.Error("loading record failed", "id", id.String(), "err", err)
			e.scheduleAt(id, e.now().Add(e.cfg.BackoffInitial))
		}
		return
	}
	if rec.State.Terminal() {
		return
	}
	now := e.now()
	// Expiry wins over every other transition.
	if e.expired(rec, now) {
		e.finish(ctx, rec, StateExpired, "timeout elapsed")
		return
	}
	if now.Before(rec.NextAttempt) {
		e.scheduleAt(id, rec.NextAttempt)
		return
	}
	switch rec.State {
	case StateDetected:
		e.decode(ctx, rec)
	case StateDecoded:
		e.startProof(ctx, rec)
	case StateProving:
		if !e.proving(id) {
			e.startProof(ctx, rec)
		}
	case StateAwaitingTransport:
		e.handOff(ctx, rec)
	case StateAwaitingConfirmation:
		if !rec.Submitted {
			e.submit(ctx, rec)
		}
	}
}

func (e *Engine) expired(rec *Record, now time.Time) bool {
	if rec.Packet == nil {
		return false
	}
	return rec.Packet.Timeout.Elapsed(e.observed(rec.ID.SourceChain), now)
}

func (e *Engine) decode(ctx context.Context, rec *Record) {
	if _, ok := e.routes[rec.ID.Lane()]; !ok {
		e.finish(ctx, rec, StateFailed, "no route for lane "+rec.ID.Lane())
		return
	}
	pkt, err := e.decoder.Decode(rec.Event, e.observed(rec.ID.SourceChain), e.now())
	if err != nil {
		e.finish(ctx, rec, StateFailed, err.Error())
		return
	}
	rec.Packet = pkt
	if pkt.Expired {
		e.finish(ctx, rec, StateExpired, "timeout elapsed before relay")
		return
	}
	rec.State = StateDecoded
	if e.save(rec) != nil {
		return
	}
	if deadline, ok := pkt.Timeout.Deadline(); ok {
		id := rec.ID
		e.mu.Lock()
		if t, ok := e.deadlines[id]; ok {
			t.Stop()
		}
		e.deadlines[id] = time.AfterFunc(deadline.Sub(e.now()), func() { e.queue.push(id) })
		e.mu.Unlock()
	}
	e.startProof(ctx, rec)
}

func (e *Engine) proving(id packet.Identity) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.proofs[id]
	return ok
}

func (e *Engine) cancelProof(id packet.Identity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if job, ok := e.proofs[id]; ok {
		job.cancel()
		delete(e.proofs, id)
	}
}

func (e *Engine) startProof(ctx context.Context, rec *Record) {
	w, err := zk.NewWitness(rec.Packet.Commitment)
	if err != nil {
		e.retry(ctx, rec, StateDecoded, err)
		return
	}
	rec.Witness = &w
	rec.State = StateProving
	rec.LastAttempt = e.now()
	if e.save(rec) != nil {
		return
	}

	pctx, cancel := context.WithCancel(ctx)
	job := &proofJob{cancel: cancel}
	e.mu.Lock()
	if old, ok := e.proofs[rec.ID]; ok {
		old.cancel()
	}
	e.proofs[rec.ID] = job
	e.mu.Unlock()

	id := rec.ID
	results := e.prover.Prove(pctx, id, w)
	go func() {
		e.onProof(ctx, id, job, w, <-results)
	}()
}

func (e *Engine) onProof(ctx context.Context, id packet.Identity, job *proofJob, w zk.Witness, res zk.Result) {
	unlock := e.locks.lock(id)
	defer unlock()

	e.mu.Lock()
	current := e.proofs[id] == job
	if current {
		delete(e.proofs, id)
	}
	e.mu.Unlock()
	job.cancel()
	if !current || ctx.Err() != nil {
		return
	}

	rec, err := e.store.Get(id)
	if err != nil {
		e.log.Error("loading record failed", "id", id.String(), "err", err)
		e.queue.push(id)
		return
	}
	if rec.State != StateProving || rec.Witness == nil || rec.Witness.Salt != w.Salt {
		return
	}
	if e.expired(rec, e.now()) {
		e.finish(ctx, rec, StateExpired, "timeout elapsed")
		return
	}
	if res.Err != nil {
		if errors.Is(res.Err, zk.ErrInvalidWitness) {
			e.finish(ctx, rec, StateFailed, res.Err.Error())
			return
		}
		e.log.Warn("proof failed", "id", id.String(), "err", res.Err)
		e.retry(ctx, rec, StateDecoded, res.Err)
		return
	}

	err = e.store.PutBundle(res.Bundle)
	if errors.Is(err, ErrBundleExists) {
		// Left by a proof whose record update was lost.
		if err = e.store.SupersedeBundle(id, "orphaned by restart", e.now()); err == nil {
			err = e.store.PutBundle(res.Bundle)
		}
	}
	if err != nil {
		e.retry(ctx, rec, StateDecoded, fmt.Errorf("storing bundle: %w", err))
		return
	}
	rec.Bundle = &BundleRef{Version: res.Bundle.PublicInputs.Version, Digest: res.Bundle.Digest()}
	rec.State = StateAwaitingTransport
	rec.Retries = 0
	rec.NextAttempt = time.Time{}
	if e.save(rec) != nil {
		return
	}
	e.log.Debug("packet proved", "id", id.String(), "version", rec.Bundle.Version)
	e.handOff(ctx, rec)
}

func (e *Engine) seal(route Route, rec *Record) ([]byte, []byte, error) {
	if route.SubmitterKey == nil || e.box == nil || rec.Witness == nil {
		return nil, nil, nil
	}
	return SealWitness(SealedWitness{Witness: *rec.Witness, Data: rec.Packet.Data}, route.SubmitterKey, e.box)
}

func (e *Engine) handOff(ctx context.Context, rec *Record) {
	if !e.lanes.head(rec.ID) {
		e.log.Debug("waiting for lower sequence", "id", rec.ID.String())
		return
	}
	route, ok := e.routes[rec.ID.Lane()]
	if !ok {
		e.finish(ctx, rec, StateFailed, "no route for lane "+rec.ID.Lane())
		return
	}
	bundle, err := e.store.GetBundle(rec.ID)
	if errors.Is(err, ErrNotFound) {
		rec.Bundle = nil
		rec.State = StateDecoded
		if e.save(rec) == nil {
			e.queue.push(rec.ID)
		}
		return
	}
	if err != nil {
		e.retry(ctx, rec, StateAwaitingTransport, err)
		return
	}

	rec.LastAttempt = e.now()
	if route.Peer != "" {
		sealed, sender, err := e.seal(route, rec)
		if err != nil {
			e.retry(ctx, rec, StateAwaitingTransport, err)
			return
		}
		sctx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
		err = e.transport.Send(sctx, route.Peer, &proto.PacketProof{Bundle: *bundle, SealedWitness: sealed, SenderKey: sender})
		cancel()
		if transport.IsKind(err, transport.Invalid) {
			e.finish(ctx, rec, StateFailed, err.Error())
			return
		}
		if err != nil {
			e.log.Warn("transport hand-off failed", "id", rec.ID.String(), "peer", route.Peer, "err", err)
			e.retry(ctx, rec, StateAwaitingTransport, err)
			return
		}
	}

	rec.State = StateAwaitingConfirmation
	rec.Retries = 0
	rec.Submitted = false
	rec.Delivered = false
	rec.NextAttempt = time.Time{}
	if e.save(rec) != nil {
		return
	}
	if head, ok := e.lanes.remove(rec.ID); ok {
		e.queue.push(head)
	}
	e.submit(ctx, rec)
}

func (e *Engine) submit(ctx context.Context, rec *Record) {
	if e.submitter == nil {
		rec.Submitted = true
		e.save(rec)
		return
	}
	bundle, err := e.store.GetBundle(rec.ID)
	if err != nil {
		e.retry(ctx, rec, StateAwaitingConfirmation, err)
		return
	}
	route := e.routes[rec.ID.Lane()]
	sealed, sender, err := e.seal(route, rec)
	if err != nil {
		e.retry(ctx, rec, StateAwaitingConfirmation, err)
		return
	}

	rec.LastAttempt = e.now()
	sctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	res, err := e.submitter.Submit(sctx, Submission{
		Route:         route.Name,
		Identity:      rec.ID,
		Bundle:        bundle,
		SealedWitness: sealed,
		SenderKey:     sender,
	})
	cancel()
	if e.expired(rec, e.now()) {
		e.finish(ctx, rec, StateExpired, "timeout elapsed")
		return
	}
	if err != nil {
		e.onSubmitError(ctx, rec, err)
		return
	}
	if res != nil {
		e.confirm(ctx, rec, res, false)
		return
	}
	rec.Submitted = true
	e.save(rec)
}

func (e *Engine) onSubmitError(ctx context.Context, rec *Record, err error) error {
	switch submitKind(err) {
	case SubmitAlreadyRelayed:
		e.log.Info("packet relayed by another relayer", "id", rec.ID.String())
		return e.confirm(ctx, rec, nil, true)
	case SubmitPermanent:
		return e.finish(ctx, rec, StateFailed, err.Error())
	default:
		e.log.Warn("submission failed", "id", rec.ID.String(), "err", err)
		rec.Submitted = false
		return e.retry(ctx, rec, StateAwaitingConfirmation, err)
	}
}

func (e *Engine) confirm(ctx context.Context, rec *Record, res *InclusionResult, reconciled bool) error {
	rec.Inclusion = res
	rec.Reconciled = reconciled
	return e.finish(ctx, rec, StateConfirmed, "")
}

func (e *Engine) applyConfirmation(ctx context.Context, c Confirmation) error {
	unlock := e.locks.lock(c.ID)
	defer unlock()
	rec, err := e.store.Get(c.ID)
	if errors.Is(err, ErrNotFound) {
		e.log.Warn("confirmation for unknown packet", "id", c.ID.String())
		return nil
	}
	if err != nil {
		return err
	}
	if rec.State.Terminal() {
		e.log.Debug("late confirmation discarded", "id", c.ID.String(), "state", rec.State.String())
		return nil
	}
	if e.expired(rec, e.now()) {
		return e.finish(ctx, rec, StateExpired, "timeout elapsed")
	}
	if c.Err != nil {
		return e.onSubmitError(ctx, rec, c.Err)
	}
	return e.confirm(ctx, rec, c.Result, false)
}

func (e *Engine) onDelivery(d transport.Delivery) {
	unlock := e.locks.lock(d.Identity)
	defer unlock()
	rec, err := e.store.Get(d.Identity)
	if err != nil || rec.State.Terminal() || rec.Delivered {
		return
	}
	if d.Status == proto.AckRejected {
		rec.LastError = "peer rejected proof: " + d.Reason
		e.log.Warn("peer rejected proof", "id", d.Identity.String(), "peer", d.Peer, "reason", d.Reason)
	} else {
		rec.Delivered = true
	}
	e.save(rec)
}

// onTransportFailure sends again every proof lost with its session that the
// peer had not acknowledged.
func (e *Engine) onTransportFailure(ctx context.Context, f transport.Failure) {
	if f.Err == nil || ctx.Err() != nil {
		return
	}
	if f.Err.Kind != transport.PeerUnreachable && f.Err.Kind != transport.SessionClosed {
		return
	}
	for _, id := range f.Identities {
		unlock := e.locks.lock(id)
		rec, err := e.store.Get(id)
		if err == nil && rec.State == StateAwaitingConfirmation && !rec.Delivered {
			e.lanes.add(id)
			rec.Submitted = false
			e.retry(ctx, rec, StateAwaitingTransport, f.Err)
		}
		unlock()
	}
}

// retry moves rec back to state after a retryable failure, or fails it once
// the retry budget is spent.
func (e *Engine) retry(ctx context.Context, rec *Record, state State, cause error) error {
	rec.Retries++
	rec.LastError = cause.Error()
	if rec.Retries > e.cfg.MaxRetries {
		return e.finish(ctx, rec, StateFailed, fmt.Sprintf("retries exhausted: %v", cause))
	}
	rec.State = state
	rec.NextAttempt = e.now().Add(e.delay(rec.Retries))
	if err := e.save(rec); err != nil {
		return err
	}
	e.scheduleAt(rec.ID, rec.NextAttempt)
	return nil
}

func (e *Engine) delay(retries int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.BackoffInitial
	b.MaxInterval = e.cfg.BackoffMax
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < retries; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (e *Engine) finish(ctx context.Context, rec *Record, to State, reason string) error {
	from := rec.State
	e.cancelProof(rec.ID)
	e.mu.Lock()
	if t, ok := e.timers[rec.ID]; ok {
		t.Stop()
		delete(e.timers, rec.ID)
	}
	if t, ok := e.deadlines[rec.ID]; ok {
		t.Stop()
		delete(e.deadlines, rec.ID)
	}
	e.mu.Unlock()

	rec.State = to
	rec.NextAttempt = time.Time{}
	rec.Submitted = false
	if to == StateFailed {
		rec.LastError = reason
	}
	if err := e.save(rec); err != nil {
		return err
	}
	if head, ok := e.lanes.remove(rec.ID); ok {
		e.queue.push(head)
	}

	attrs := []any{"id", rec.ID.String(), "from", from.String()}
	switch to {
	case StateConfirmed:
		e.log.Info("packet confirmed", append(attrs, "reconciled", rec.Reconciled)...)
	case StateExpired:
		e.log.Warn("packet expired", attrs...)
	default:
		e.log.Error("packet failed", append(attrs, "reason", reason)...)
	}
	if e.sink != nil {
		t := Transition{ID: rec.ID, From: from, To: to, Reason: reason, Reconciled: rec.Reconciled, Inclusion: rec.Inclusion, At: rec.UpdatedAt}
		if err := e.sink.Publish(ctx, t); err != nil {
			e.log.Warn("publishing transition failed", "id", rec.ID.String(), "err", err)
		}
	}
	return nil
}

func (e *Engine) save(rec *Record) error {
	rec.UpdatedAt = e.now()
	if err := e.store.Put(rec); err != nil {
		e.log.Error("saving record failed", "id", rec.ID.String(), "state", rec.State.String(), "err", err)
		e.scheduleAt(rec.ID, e.now().Add(e.cfg.BackoffInitial))
		return err
	}
	return nil
}

func (e *Engine) scheduleAt(id packet.Identity, at time.Time) {
	d := at.Sub(e.now())
	if d <= 0 {
		e.queue.push(id)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[id]; ok {
		t.Stop()
	}
	e.timers[id] = time.AfterFunc(d, func() { e.queue.push(id) })
}
