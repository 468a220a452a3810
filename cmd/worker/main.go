package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"idscan/api"
	"idscan/worker"
)

var configPath = flag.String("config", "conf/worker/config.json", "Worker config file path")
var showHelp = flag.Bool("help", false, "show usage")
var showVersion = flag.Bool("version", false, "show version")

const version = "0.1.0"

func main() {
	flag.Parse()
	if *showHelp {
		flag.Usage()
		return
	}
	if *showVersion {
		log.Printf("worker version %s", version)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	workerID := uuid.NewString()
	client, err := api.NewClient(cfg.CoordinatorURL, 5*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	probe := worker.HTTPProbe(cfg.OracleURL, time.Duration(cfg.OracleConnectTimeoutSeconds)*time.Second)

	w, err := worker.New(workerID, client, probe, cfg.workerConfig())
	if err != nil {
		log.Fatal(err)
	}

	log.Printf(
		"starting workerId=%q configPath=%q coordinatorUrl=%q oracleUrl=%q concurrency=%d heartbeatIntervalSeconds=%d retryBackoffSeconds=%d",
		workerID,
		*configPath,
		cfg.CoordinatorURL,
		cfg.OracleURL,
		cfg.Concurrency,
		cfg.HeartbeatIntervalSeconds,
		cfg.RetryBackoffSeconds,
	)

	// Run stops issuing probes and renewals on the first signal; an
	// in-flight submit finishes on a detached context so collected
	// results are not lost.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w.Run(ctx)
}
