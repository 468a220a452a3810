package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"idscan/coordinator"
	"idscan/metrics"
)

var configPath = flag.String("config", "conf/coordinator/config.json", "Coordinator config file path")
var listenAddr = flag.String("addr", ":3000", "HTTP listen address")
var showHelp = flag.Bool("help", false, "show usage")
var showVersion = flag.Bool("version", false, "show version")

const version = "0.1.0"

var latencyBuckets = []time.Duration{
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
	2500 * time.Millisecond,
	5 * time.Second,
}

func main() {
	flag.Parse()
	if *showHelp {
		flag.Usage()
		return
	}
	if *showVersion {
		log.Printf("coordinator version %s", version)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer closeStore()

	registry := metrics.New(latencyBuckets)
	alloc, err := coordinator.NewAllocator(store, cfg.allocatorConfig(), coordinator.Clock{})
	if err != nil {
		log.Fatal(err)
	}

	server := &http.Server{
		Addr:    *listenAddr,
		Handler: newMux(alloc, store, registry),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	log.Printf(
		"listening on %s configPath=%q store=%q leaseTimeoutSeconds=%d targetScanWindowSeconds=%d minBatch=%d maxBatch=%d",
		*listenAddr,
		*configPath,
		cfg.Store,
		cfg.LeaseTimeoutSeconds,
		cfg.TargetScanWindowSeconds,
		cfg.MinBatch,
		cfg.MaxBatch,
	)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
		return
	case sig := <-sigCh:
		log.Printf("shutdown signal: %s", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Allow in-flight requests to finish before exit.
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	err = <-errCh
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("server error: %v", err)
	}
}

func openStore(cfg fileConfig) (coordinator.Store, func(), error) {
	if cfg.Store == storeMemory {
		log.Printf("using in-memory store; allocation state will not survive a restart")
		return coordinator.NewMemStore(nil), func() {}, nil
	}

	db, err := sql.Open("sqlserver", cfg.SQLServerDSN)
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	store, err := coordinator.NewSQLStore(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store, func() { _ = db.Close() }, nil
}
