package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/SWAI-Ltd/aerorelay/internal/chain"
	"github.com/SWAI-Ltd/aerorelay/internal/config"
	"github.com/SWAI-Ltd/aerorelay/internal/crypto"
	"github.com/SWAI-Ltd/aerorelay/internal/discovery"
	"github.com/SWAI-Ltd/aerorelay/internal/messaging"
	"github.com/SWAI-Ltd/aerorelay/internal/packet"
	"github.com/SWAI-Ltd/aerorelay/internal/relay"
	"github.com/SWAI-Ltd/aerorelay/internal/status"
	"github.com/SWAI-Ltd/aerorelay/internal/submit"
	"github.com/SWAI-Ltd/aerorelay/internal/transport"
	"github.com/SWAI-Ltd/aerorelay/internal/zk"
)

type daemon struct {
	cfg       *config.Config
	store     relay.Store
	ring      *zk.KeyRing
	engine    *relay.Engine
	transport *transport.Manager
	receiver  *relay.Receiver
	status    *status.Server
	listener  *submit.ResultListener
	ingestors []*chain.Ingestor

	closers []io.Closer
}

func openStore(ctx context.Context, c config.StoreConfig) (relay.Store, error) {
	if c.Backend == config.BackendPostgres {
		s, err := relay.OpenPGStore(ctx, c.DSN, c.MaxConns, c.Timeout)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := relay.OpenDBStore("aerorelay", c.Backend, c.Dir)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func loadKeys(c config.ProofConfig) (*zk.KeyRing, error) {
	ring, err := zk.LoadKeyRing(c.KeyDir)
	if err != nil {
		return nil, err
	}
	if c.Version != 0 {
		if err := ring.Rotate(zk.Version(c.Version)); err != nil {
			return nil, err
		}
	}
	if ring.Active() == nil {
		return nil, fmt.Errorf("no proving key in %s; run relayctl keygen", c.KeyDir)
	}
	return ring, nil
}

func newDaemon(ctx context.Context, cfg *config.Config) (_ *daemon, err error) {
	d := &daemon{cfg: cfg}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	if d.store, err = openStore(ctx, cfg.Store); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	d.closers = append(d.closers, d.store)

	if d.ring, err = loadKeys(cfg.Proof); err != nil {
		return nil, fmt.Errorf("load proof keys: %w", err)
	}
	box, err := crypto.LoadOrCreateKeyPair(cfg.Transport.BoxKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load box key: %w", err)
	}
	slog.Info("witness box key", "key_id", crypto.KeyID(box.Public))

	registry := discovery.NewRegistry()
	tc := cfg.Transport
	d.transport = transport.NewManager(transport.Config{
		HeartbeatInterval: tc.HeartbeatInterval,
		HeartbeatTimeout:  tc.HeartbeatTimeout,
		ReconnectAttempts: tc.ReconnectAttempts,
		BackoffInitial:    tc.BackoffInitial,
		BackoffMax:        tc.BackoffMax,
		QueueSize:         tc.QueueSize,
		MaxPayload:        tc.MaxPayload,
	}, transport.QUICDialer{KeepAlive: tc.HeartbeatInterval}, registry, nil)
	d.closers = append(d.closers, d.transport)

	if tc.ListenAddr != "" {
		addr, err := d.transport.Listen(tc.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("transport listen: %w", err)
		}
		if tc.Discovery {
			_, portStr, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return nil, fmt.Errorf("listen port %q: %w", portStr, err)
			}
			disc, err := discovery.New(tc.NodeName, port, registry, nil)
			if err != nil {
				return nil, err
			}
			d.closers = append(d.closers, disc)
		}
	}
	d.receiver = relay.NewReceiver(d.ring, 0, nil, nil)

	routes := make([]relay.Route, 0, len(cfg.Relays))
	names := make([]string, 0, len(cfg.Relays))
	for _, r := range cfg.Relays {
		key, err := r.SubmitterPublicKey()
		if err != nil {
			return nil, err
		}
		routes = append(routes, relay.Route{
			Name:         r.Name,
			SourceChain:  r.SourceChain,
			DestChain:    r.DestChain,
			Channel:      r.Channel,
			Peer:         r.Peer,
			SubmitterKey: key,
		})
		names = append(names, r.Name)
	}

	var health chain.HealthReporter
	if cfg.Status.GRPCAddr != "" {
		d.status = status.New(names, nil)
		health = d.status
	}

	dec := packet.NewDecoder(cfg.Decoder.MaxDepth, cfg.Decoder.MaxInstructions)
	// Packets whose data would not fit a PacketProof fail at decode.
	dec.MaxData = tc.MaxPayload
	deps := relay.Deps{
		Store:     d.store,
		Decoder:   dec,
		Prover:    zk.NewProver(d.ring, cfg.Proof.Workers, nil),
		Transport: d.transport,
		Box:       box,
	}
	if cfg.Kafka.Enabled() {
		submissions, err := messaging.NewKafkaProducer(cfg.Kafka, cfg.Kafka.SubmitTopic, nil)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, submissions)
		deps.Submitter = submit.NewKafkaSubmitter(submissions, nil)
		if cfg.Kafka.EventsTopic != "" {
			events, err := messaging.NewKafkaProducer(cfg.Kafka, cfg.Kafka.EventsTopic, nil)
			if err != nil {
				return nil, err
			}
			d.closers = append(d.closers, events)
			deps.Sink = submit.NewKafkaEventSink(events)
		}
	}

	ec := cfg.Engine
	d.engine, err = relay.NewEngine(relay.Config{
		Workers:        ec.Workers,
		MaxRetries:     ec.MaxRetries,
		BackoffInitial: ec.BackoffInitial,
		BackoffMax:     ec.BackoffMax,
		SweepInterval:  ec.SweepInterval,
		Retention:      ec.Retention,
		QueueSize:      ec.QueueSize,
		SendTimeout:    ec.SendTimeout,
		SubmitTimeout:  ec.SubmitTimeout,
		Routes:         routes,
	}, deps)
	if err != nil {
		return nil, err
	}

	if cfg.Kafka.Enabled() {
		results, err := messaging.NewKafkaConsumer(cfg.Kafka, cfg.Kafka.ResultTopic, nil)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, results)
		d.listener = submit.NewResultListener(results, d.engine, nil)
	}

	pc := cfg.Poller
	for _, r := range cfg.Relays {
		rpc, err := chain.NewCometRPC(r.RPC, r.RPCTimeout)
		if err != nil {
			return nil, fmt.Errorf("relay %s: %w", r.Name, err)
		}
		p := chain.NewPoller(rpc, chain.Route{
			Name:        r.Name,
			SourceChain: r.SourceChain,
			DestChain:   r.DestChain,
			Channel:     r.Channel,
			Port:        r.Port,
		}, pc.MaxRange, pc.EventKinds)
		d.ingestors = append(d.ingestors, chain.NewIngestor(p, d.engine, d.store, health, chain.IngestorConfig{
			PollInterval:   pc.PollInterval,
			PauseAfter:     pc.PauseAfter,
			BackoffInitial: pc.PollInterval,
			BackoffMax:     pc.BackoffMax,
			StartHeight:    r.StartHeight,
		}, nil))
	}
	return d, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Run recovers stored records and runs every component until ctx is done.
func (d *daemon) Run(ctx context.Context) error {
	if err := d.engine.Recover(ctx); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.engine.Run(ctx) })
	for _, in := range d.ingestors {
		g.Go(func() error { return ignoreCanceled(in.Run(ctx)) })
	}
	g.Go(func() error {
		d.receiver.Run(ctx, d.transport.Inbound(), func(vp relay.VerifiedProof) {
			slog.Info("verified peer proof", "id", vp.Proof.Identity().String(), "peer", vp.Peer,
				"version", vp.Proof.Bundle.PublicInputs.Version)
		})
		return nil
	})
	if d.listener != nil {
		g.Go(func() error { return d.listener.Run(ctx) })
	}
	if d.status != nil {
		g.Go(func() error { return d.status.ListenAndServe(d.cfg.Status.GRPCAddr) })
		g.Go(func() error {
			<-ctx.Done()
			d.status.Stop()
			return nil
		})
	}
	g.Go(func() error {
		d.watchReload(ctx)
		return nil
	})
	slog.Info("relayer running", "routes", len(d.ingestors), "proof_version", d.ring.ActiveVersion())
	return g.Wait()
}

// watchReload rotates to the key directory's active version on SIGHUP.
func (d *daemon) watchReload(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-hup:
			if err := d.reloadKeys(ctx); err != nil {
				slog.Error("key reload failed", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (d *daemon) reloadKeys(ctx context.Context) error {
	fresh, err := loadKeys(d.cfg.Proof)
	if err != nil {
		return err
	}
	for _, v := range fresh.Versions() {
		if vk, ok := fresh.VerifyingKey(v); ok {
			d.ring.AddVerifying(vk)
		}
	}
	pk := fresh.Active()
	d.ring.AddProving(pk)
	if pk.Version == d.ring.ActiveVersion() {
		slog.Info("proof keys unchanged", "version", pk.Version)
		return nil
	}
	return d.engine.RotateKeys(ctx, pk.Version)
}

// Close releases every component in reverse order of creation.
func (d *daemon) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			slog.Warn("close failed", "err", err)
		}
	}
	d.closers = nil
}
