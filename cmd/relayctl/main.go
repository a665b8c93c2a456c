// relayctl is the operator CLI for an aerorelay deployment: it inspects the
// packet store, generates proof and witness keys, and watches a listen
// address for verified proofs.
// Usage: relayctl <list|get|keygen|watch> [flags]
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/SWAI-Ltd/aerorelay/client"
	"github.com/SWAI-Ltd/aerorelay/internal/config"
	"github.com/SWAI-Ltd/aerorelay/internal/crypto"
	"github.com/SWAI-Ltd/aerorelay/internal/packet"
	"github.com/SWAI-Ltd/aerorelay/internal/relay"
	"github.com/SWAI-Ltd/aerorelay/internal/zk"
)

const usage = `usage: relayctl <command> [flags]

commands:
  list    list packet records
  get     show one packet record
  keygen  generate a proof key version and a witness box key
  watch   accept proofs from relayers and print the verified ones`

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "list":
		err = runList(args)
	case "get":
		err = runGet(args)
	case "keygen":
		err = runKeygen(args)
	case "watch":
		err = runWatch(args)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func openStore(path string) (relay.Store, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cfg.Store.Backend == config.BackendPostgres {
		s, err := relay.OpenPGStore(ctx, cfg.Store.DSN, cfg.Store.MaxConns, cfg.Store.Timeout)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := relay.OpenDBStore("aerorelay", cfg.Store.Backend, cfg.Store.Dir)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// parseStates parses a comma separated list of state names.
func parseStates(s string) ([]relay.State, error) {
	if s == "" {
		return nil, nil
	}
	var out []relay.State
	for _, name := range strings.Split(s, ",") {
		st, err := relay.ParseState(name)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	path := fs.String("config", "aerorelay.yml", "config file")
	states := fs.String("state", "", "comma separated states to keep (e.g. failed,expired)")
	lane := fs.String("lane", "", "source/dest/channel lane to keep")
	limit := fs.Int("limit", 100, "max records, 0 for all")
	fs.Parse(args)

	f := relay.Filter{Lane: *lane, Limit: *limit}
	var err error
	if f.States, err = parseStates(*states); err != nil {
		return err
	}
	s, err := openStore(*path)
	if err != nil {
		return err
	}
	defer s.Close()

	recs, err := s.List(f)
	if err != nil {
		return err
	}
	for _, r := range recs {
		line := fmt.Sprintf("%-40s %-22s retries=%d updated=%s", r.ID, r.State, r.Retries, r.UpdatedAt.Format(time.RFC3339))
		if r.LastError != "" {
			line += " err=" + r.LastError
		}
		fmt.Println(line)
	}
	fmt.Fprintf(os.Stderr, "%d records\n", len(recs))
	return nil
}

func runGet(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	path := fs.String("config", "aerorelay.yml", "config file")
	var id packet.Identity
	fs.StringVar(&id.SourceChain, "src", "", "source chain id")
	fs.StringVar(&id.DestChain, "dst", "", "destination chain id")
	fs.StringVar(&id.Channel, "channel", "", "source channel")
	fs.Uint64Var(&id.Sequence, "seq", 0, "packet sequence")
	archived := fs.Bool("archived", false, "also print superseded bundles")
	fs.Parse(args)
	if id.SourceChain == "" || id.DestChain == "" || id.Channel == "" || id.Sequence == 0 {
		return errors.New("get: -src, -dst, -channel and -seq are required")
	}

	s, err := openStore(*path)
	if err != nil {
		return err
	}
	defer s.Close()

	rec, err := s.Get(id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return err
	}
	if !*archived {
		return nil
	}
	old, err := s.Archived(id)
	if err != nil {
		return err
	}
	return enc.Encode(old)
}

func runKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	dir := fs.String("dir", "keys", "proof key directory")
	version := fs.Uint("version", 0, "proof key version, 0 for one past the highest")
	activate := fs.Bool("activate", true, "make the new version active")
	boxFile := fs.String("box", "", "also create a witness box key at this path")
	fs.Parse(args)

	v := zk.Version(*version)
	if v == 0 {
		v = 1
		if ring, err := zk.LoadKeyRing(*dir); err == nil {
			if vs := ring.Versions(); len(vs) > 0 {
				v = vs[len(vs)-1] + 1
			}
		}
	}
	pk, err := zk.GenerateKeys(v, rand.Reader)
	if err != nil {
		return err
	}
	if err := zk.WriteKeys(*dir, pk); err != nil {
		return err
	}
	if *activate {
		if err := zk.SetActive(*dir, v); err != nil {
			return err
		}
	}
	fmt.Printf("proof key v%d written to %s (active=%t)\n", v, *dir, *activate)

	if *boxFile != "" {
		kp, err := crypto.LoadOrCreateKeyPair(*boxFile)
		if err != nil {
			return err
		}
		fmt.Printf("box key %s public=%x\n", crypto.KeyID(kp.Public), kp.Public[:])
	}
	return nil
}

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	listen := fs.String("listen", ":4243", "QUIC listen address")
	dir := fs.String("keys", "keys", "proof key directory")
	lanes := fs.String("lanes", "", "comma separated lanes to accept")
	boxFile := fs.String("box", "", "witness box key for opening sealed witnesses")
	fs.Parse(args)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := client.Config{ListenAddr: *listen, KeyDir: *dir, ProofBuffer: 32}
	if *lanes != "" {
		cfg.Lanes = strings.Split(*lanes, ",")
	}
	if *boxFile != "" {
		kp, err := crypto.LoadOrCreateKeyPair(*boxFile)
		if err != nil {
			return err
		}
		cfg.BoxKey = kp
	}
	c, err := client.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("listen failed: %w", err)
	}
	defer c.Close()
	fmt.Printf("Accepting proofs on %s. Point a relayer's peer at this address.\n", c.Addr())

	var count int
	for {
		select {
		case <-ctx.Done():
			fmt.Printf("\nDone. Verified: %d\n", count)
			return nil
		case vp, ok := <-c.Proofs():
			if !ok {
				return nil
			}
			count++
			fmt.Printf("[%s] OK  %s from %s (v%d)\n", vp.ReceivedAt.Format("15:04:05"), vp.Proof.Identity(), vp.Peer,
				vp.Proof.Bundle.PublicInputs.Version)
			if cfg.BoxKey == nil || len(vp.Proof.SealedWitness) == 0 {
				continue
			}
			sw, err := c.OpenWitness(vp)
			if err != nil {
				fmt.Printf("         witness: %v\n", err)
				continue
			}
			cm := sw.Witness.Commitment
			fmt.Printf("         witness: %s%s %s -> %s\n", cm.Amount, cm.Denom, cm.Sender, cm.Receiver)
		}
	}
}
