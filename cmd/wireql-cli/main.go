// Command wireql-cli is a small interactive-ish driver demonstrating
// wireql's pool and cursor API, wired the way dbbouncer's cmd/dbbouncer
// wires its config/metrics/api components: load config, stand up a pool,
// expose admin/metrics, run until a signal arrives.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/wireql/wireql"
	"github.com/wireql/wireql/admin"
	"github.com/wireql/wireql/metrics"
)

func main() {
	dsn := flag.String("dsn", "", "DSN, e.g. user:pass@tcp(127.0.0.1:3306)/db")
	poolFile := flag.String("pool-config", "", "path to a pool YAML config (overrides -dsn)")
	poolName := flag.String("pool", "default", "pool name to use from -pool-config")
	adminAddr := flag.String("admin-addr", "", "address for the admin/metrics HTTP surface, e.g. :6060")
	query := flag.String("query", "", "one query to run and print, then exit")
	flag.Parse()

	slog.SetLogLoggerLevel(slog.LevelInfo)

	m := metrics.New()

	var cfg wireql.PoolConfig
	switch {
	case *poolFile != "":
		pools, err := wireql.LoadPoolConfig(*poolFile)
		if err != nil {
			fatalf("loading pool config: %v", err)
		}
		pc, ok := pools[*poolName]
		if !ok {
			fatalf("pool %q not found in %s", *poolName, *poolFile)
		}
		cfg = pc
	case *dsn != "":
		c, err := wireql.ParseDSN(*dsn)
		if err != nil {
			fatalf("parsing dsn: %v", err)
		}
		cfg = wireql.PoolConfig{Config: c}
	default:
		fatalf("one of -dsn or -pool-config is required")
	}
	cfg.Name = *poolName
	cfg.Metrics = m

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	pool, err := wireql.NewPool(ctx, cfg)
	cancel()
	if err != nil {
		fatalf("opening pool: %v", err)
	}
	slog.Info("wireql-cli: pool ready", "min", pool.MinSize(), "max", pool.MaxSize())

	var adminSrv *admin.Server
	if *adminAddr != "" {
		adminSrv = admin.NewServer(m)
		adminSrv.Register(*poolName, pool)
		if err := adminSrv.Start(*adminAddr); err != nil {
			fatalf("starting admin server: %v", err)
		}
	}

	if *query != "" {
		runQuery(pool, *query)
		shutdown(pool, adminSrv)
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Println("wireql-cli: enter SQL, blank line to quit")
	scanner := bufio.NewScanner(os.Stdin)
	inputCh := make(chan string)
	go func() {
		defer close(inputCh)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				return
			}
			inputCh <- line
		}
	}()

loop:
	for {
		select {
		case line, ok := <-inputCh:
			if !ok {
				break loop
			}
			runQuery(pool, line)
		case sig := <-sigCh:
			slog.Info("wireql-cli: received signal, shutting down", "signal", sig)
			break loop
		}
	}

	shutdown(pool, adminSrv)
}

func runQuery(pool *wireql.Pool, query string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		slog.Warn("acquire failed", "error", err)
		return
	}
	defer pool.Release(conn)

	cur := conn.Cursor(wireql.CursorDict)
	defer cur.Close()

	n, err := cur.Execute(ctx, query)
	if err != nil {
		slog.Warn("query failed", "error", err)
		return
	}
	if cur.Description() == nil {
		fmt.Printf("OK, %d row(s) affected, last_insert_id=%d\n", n, cur.LastRowID())
		return
	}
	rows, err := cur.FetchAll()
	if err != nil {
		slog.Warn("fetch failed", "error", err)
		return
	}
	for _, row := range rows {
		fmt.Printf("%v\n", row)
	}
	fmt.Printf("(%d rows)\n", len(rows))
}

func shutdown(pool *wireql.Pool, adminSrv *admin.Server) {
	if adminSrv != nil {
		_ = adminSrv.Stop()
	}
	if err := pool.Close(); err != nil {
		slog.Warn("pool close error", "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = pool.WaitClosed(ctx)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
