// Command syncd serves the CouchDB-compatible REST façade and drives
// configured default replications. Flag handling follows vjache-cie's
// cmd/cie pattern: a pflag.FlagSet overriding a YAML-loaded Config.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/goydb/syncd/config"
	"github.com/goydb/syncd/logger"
	"github.com/goydb/syncd/replicator"
	"github.com/goydb/syncd/router"
	"github.com/goydb/syncd/store"
	"github.com/goydb/syncd/storetest"
)

func main() {
	fs := flag.NewFlagSet("syncd", flag.ExitOnError)
	configPath := fs.String("config", "", "path to syncd.yaml")
	listen := fs.String("listen", "", "override the configured listen address")
	verbose := fs.Bool("verbose", false, "enable debug logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "syncd:", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	var log logger.Logger = new(logger.Noop)
	if *verbose {
		log = new(logger.Stdout)
	}

	if err := run(cfg, log); err != nil {
		fmt.Fprintln(os.Stderr, "syncd:", err)
		os.Exit(1)
	}
}

// newDB is the storetest-backed store.Database factory. A production
// deployment swaps this for a real storage engine; the contract in
// store.Database is the only thing router and replicator depend on (spec
// §1's "storage engine itself ... out of scope").
func newDB(name string) store.Database {
	return storetest.New(name)
}

func run(cfg config.Config, log logger.Logger) error {
	names := cfg.Store.Databases
	if len(names) == 0 {
		names = []string{"default"}
	}

	server := router.NewServer(newDB)
	server.SetLogger(log)

	dbs := make(map[string]store.Database, len(names))
	log.Infof("opening %d configured database(s)", len(names))
	for _, name := range names {
		db := newDB(name)
		dbs[name] = db
		server.Mount(name, db)
	}

	for _, peer := range cfg.Replication.Peers {
		db, ok := dbs[peer.Database]
		if !ok {
			log.Warningf("replication peer configured for unknown database %q, skipping", peer.Database)
			continue
		}
		opts := replicator.Options{
			Continuous:        peer.Continuous,
			RetryInterval:     cfg.Replication.RetryInterval,
			CheckpointWindow:  cfg.Replication.CheckpointWindow,
			BatchCapacity:     cfg.Replication.BatchCapacity,
			BatchDelay:        cfg.Replication.BatchDelay,
			ReachabilityCheck: cfg.Replication.ReachabilityCheck,
		}
		endpoint := replicator.Endpoint{URL: peer.Remote}
		var repl *replicator.Replicator
		var err error
		if peer.Push {
			repl, err = replicator.NewPusher(db, endpoint, opts)
		} else {
			repl, err = replicator.NewPuller(db, endpoint, opts)
		}
		if err != nil {
			log.Errorf("configuring replication for %q: %v", peer.Database, err)
			continue
		}
		repl.SetLogger(log)
		if err := repl.Start(context.Background()); err != nil {
			log.Errorf("starting replication for %q: %v", peer.Database, err)
		}
	}

	log.Infof("listening on %s", cfg.Listen)
	httpServer := &http.Server{Addr: cfg.Listen, Handler: server.Routes()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		log.Infof("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Replication.RetryInterval)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
	return nil
}
