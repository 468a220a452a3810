// scanctl is the operator tool for the coordinator's durable state:
// schema creation, cursor management, lease resets, and destructive
// full clears. It talks to the store directly and never touches the
// scheduling hot path.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"idscan/coordinator"
)

const defaultSchemaPath = "conf/sql/coordinator/001_create_schema.sql"

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "init-db":
		err = runInitDB(args)
	case "status":
		err = runStatus(args)
	case "set-cursor":
		err = runSetCursor(args)
	case "reset-leases":
		err = runResetLeases(args)
	case "clear":
		err = runClear(args)
	case "help", "-help", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", command)
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: scanctl <command> [flags]

commands:
  init-db       create the schema and seed the global cursor
  status        print cursor position, lease counts, and result count
  set-cursor    force-set the global cursor (flag: -start)
  reset-leases  delete all leases; results are retained
  clear         delete everything and rewind the cursor (requires -force)

common flags:
  -dsn      SQL Server connection string (or IDSCAN_SQLSERVER_DSN)
  -timeout  per-command timeout (default 30s)
`)
}

func commonFlags(fs *flag.FlagSet) (*string, *time.Duration) {
	dsn := fs.String("dsn", os.Getenv("IDSCAN_SQLSERVER_DSN"), "SQL Server connection string")
	timeout := fs.Duration("timeout", 30*time.Second, "command timeout")
	return dsn, timeout
}

func openDB(dsn string, timeout time.Duration) (*sql.DB, context.Context, context.CancelFunc, error) {
	if dsn == "" {
		return nil, nil, nil, fmt.Errorf("-dsn or IDSCAN_SQLSERVER_DSN is required")
	}
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	if err := db.PingContext(ctx); err != nil {
		cancel()
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("ping: %w", err)
	}
	return db, ctx, cancel, nil
}

func runInitDB(args []string) error {
	fs := flag.NewFlagSet("init-db", flag.ExitOnError)
	dsn, timeout := commonFlags(fs)
	schemaPath := fs.String("schema", defaultSchemaPath, "schema SQL file")
	_ = fs.Parse(args)

	schema, err := os.ReadFile(*schemaPath)
	if err != nil {
		return err
	}

	db, ctx, cancel, err := openDB(*dsn, *timeout)
	if err != nil {
		return err
	}
	defer cancel()
	defer db.Close()

	if _, err := db.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	log.Printf("schema applied from %s", *schemaPath)
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	dsn, timeout := commonFlags(fs)
	_ = fs.Parse(args)

	store, ctx, cleanup, err := openStore(*dsn, *timeout)
	if err != nil {
		return err
	}
	defer cleanup()

	counts, err := store.Counts(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("cursor:         %d\n", counts.NextStartID)
	fmt.Printf("leases:         %d\n", counts.Leases)
	fmt.Printf("running leases: %d\n", counts.RunningLeases)
	fmt.Printf("results:        %d\n", counts.Results)
	return nil
}

func runSetCursor(args []string) error {
	fs := flag.NewFlagSet("set-cursor", flag.ExitOnError)
	dsn, timeout := commonFlags(fs)
	start := fs.Int64("start", -1, "new cursor position")
	_ = fs.Parse(args)

	if *start < 0 {
		return fmt.Errorf("-start must be a non-negative id")
	}

	store, ctx, cleanup, err := openStore(*dsn, *timeout)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := store.SetCursor(ctx, *start); err != nil {
		return err
	}
	log.Printf("cursor set to %d", *start)
	return nil
}

func runResetLeases(args []string) error {
	fs := flag.NewFlagSet("reset-leases", flag.ExitOnError)
	dsn, timeout := commonFlags(fs)
	_ = fs.Parse(args)

	store, ctx, cleanup, err := openStore(*dsn, *timeout)
	if err != nil {
		return err
	}
	defer cleanup()

	removed, err := store.ResetLeases(ctx)
	if err != nil {
		return err
	}
	log.Printf("lease queue cleared (%d leases deleted)", removed)
	return nil
}

func runClear(args []string) error {
	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	dsn, timeout := commonFlags(fs)
	force := fs.Bool("force", false, "confirm the destructive clear")
	_ = fs.Parse(args)

	if !*force {
		fmt.Fprintln(os.Stderr, "clear deletes all leases AND all results; re-run with -force to confirm")
		os.Exit(1)
	}

	store, ctx, cleanup, err := openStore(*dsn, *timeout)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := store.Clear(ctx); err != nil {
		return err
	}
	log.Printf("all data cleared, cursor rewound to 0")
	return nil
}

func openStore(dsn string, timeout time.Duration) (coordinator.Store, context.Context, func(), error) {
	db, ctx, cancel, err := openDB(dsn, timeout)
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := coordinator.NewSQLStore(db)
	if err != nil {
		cancel()
		_ = db.Close()
		return nil, nil, nil, err
	}
	cleanup := func() {
		cancel()
		_ = db.Close()
	}
	return store, ctx, cleanup, nil
}
