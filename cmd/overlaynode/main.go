// Command overlaynode runs a single node of the overlay network. At
// startup it loads the seed directory and self-identifies as a seed or a
// peer by checking whether its own (host, port) appears in that
// directory, then runs the corresponding role for the lifetime of the
// process. Flag handling and the signal-driven graceful shutdown follow
// the teacher project's cmd/server/main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"gossipmesh/internal/consensus"
	"gossipmesh/internal/eventlog"
	"gossipmesh/internal/identity"
	"gossipmesh/internal/obs"
	"gossipmesh/internal/peernode"
	"gossipmesh/internal/rng"
	"gossipmesh/internal/seeddir"
	"gossipmesh/internal/seednode"
	"gossipmesh/internal/wire"
)

func main() {
	os.Exit(run())
}

// run is factored out of main so the deferred recover below can set the
// process exit code instead of letting main's own return value race it.
func run() (code int) {
	host := flag.String("host", "", "host this node binds and is addressed as")
	port := flag.Int("port", 0, "port this node binds and is addressed as")
	configPath := flag.String("config", "", "path to the seed directory file")
	obsPort := flag.Int("obs-port", -1, "observability HTTP port (default port+1000, pass 0 to disable)")
	flag.Parse()

	if *host == "" || *port == 0 || *configPath == "" {
		fmt.Fprintln(os.Stderr, "overlaynode: --host, --port, and --config are required")
		return 1
	}
	if *obsPort == -1 {
		*obsPort = *port + 1000
	}

	self := identity.New(*host, *port)
	log := eventlog.New(roleLabel(self, *configPath), *port)
	defer log.Close()

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("fatal: %v", r)
			code = 2
		}
	}()

	f, err := os.Open(*configPath)
	if err != nil {
		log.Errorf("failed to open seed config: %v", err)
		return 1
	}
	dir, err := seeddir.Load(f)
	f.Close()
	if err != nil {
		log.Errorf("failed to parse seed config: %v", err)
		return 1
	}
	if dir.Count() == 1 {
		log.Warnf("n_seeds=1: quorum is 1, the single seed decides every proposal alone")
	}

	dial := func(to identity.ID) (net.Conn, error) { return wire.Dial(to.String()) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	var provider obs.Provider
	if dir.Contains(self) {
		node := seednode.New(self, dir, log, adaptConsensusDial(dial))
		provider = node

		peerLn, err := net.Listen("tcp", self.String())
		if err != nil {
			log.Errorf("failed to bind peer-facing listener %s: %v", self, err)
			return 1
		}
		seedAddr := net.JoinHostPort(self.Host, fmt.Sprintf("%d", self.Port+1))
		seedLn, err := net.Listen("tcp", seedAddr)
		if err != nil {
			log.Errorf("failed to bind seed-facing listener %s: %v", seedAddr, err)
			return 1
		}

		log.Infof("starting as SEED: peer-facing %s, seed-facing %s", self, seedAddr)

		wg.Add(3)
		go func() { defer wg.Done(); node.Run(ctx) }()
		go func() { defer wg.Done(); node.ServePeerFacing(ctx, peerLn) }()
		go func() { defer wg.Done(); node.ServeSeedFacing(ctx, seedLn) }()
	} else {
		node := peernode.New(self, dir, log, dial, rng.FromTime())
		provider = node

		ln, err := net.Listen("tcp", self.String())
		if err != nil {
			log.Errorf("failed to bind listener %s: %v", self, err)
			return 1
		}

		log.Infof("starting as PEER: listening on %s", self)

		registered := false
		for _, seed := range dir.Seeds() {
			if err := node.Register(seed); err == nil {
				if err := node.RefreshPeerList(seed); err == nil {
					registered = true
					break
				}
			}
		}
		if !registered {
			log.Errorf("failed to register with any seed")
			return 1
		}

		wg.Add(2)
		go func() { defer wg.Done(); node.Serve(ctx, ln) }()
		go func() {
			defer wg.Done()
			node.RunLiveness(ctx)
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			node.RunGossip(ctx, func() string { return "" })
		}()
	}

	if *obsPort != 0 {
		srv := obs.New(provider, log)
		go func() {
			addr := net.JoinHostPort(self.Host, fmt.Sprintf("%d", *obsPort))
			if err := srv.Run(addr); err != nil {
				log.Warnf("observability surface stopped: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Infof("shutdown signal received")

	cancel()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warnf("shutdown grace period exceeded, exiting anyway")
	}

	return 0
}

// adaptConsensusDial adapts the shared net.Conn dialer to consensus.Dialer;
// net.Conn already satisfies consensus.Conn structurally. Every caller of
// the result talks seed-to-seed, so it dials the target seed's
// seed-facing listener at its directory port + 1.
func adaptConsensusDial(dial func(identity.ID) (net.Conn, error)) consensus.Dialer {
	return func(to identity.ID) (consensus.Conn, error) {
		return dial(identity.New(to.Host, to.Port+1))
	}
}

func roleLabel(self identity.ID, configPath string) string {
	f, err := os.Open(configPath)
	if err != nil {
		return "NODE"
	}
	defer f.Close()
	dir, err := seeddir.Load(f)
	if err != nil {
		return "NODE"
	}
	if dir.Contains(self) {
		return "SEED"
	}
	return "PEER"
}

